package workflows

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"taskrelay/internal/domain"
	"taskrelay/internal/engine"
	"taskrelay/internal/events"
	"taskrelay/internal/notify"
	"taskrelay/internal/repo"
)

const (
	TopicTaskAssigned = "app/task.assigned"
	FnTaskAssignment  = "send-task-assignment-email"

	StepAssignmentEmail = "send-task-assignment-email"
	StepWaitForDueDate  = "wait-for-the-due-date"
	StepCheckCompleted  = "check-if-task-is-completed"
	StepReminderEmail   = "send-task-reminder-email"
)

type TaskAssigned struct {
	TaskID string `json:"taskId"`
	Origin string `json:"origin"`
}

type TaskFinder interface {
	FindTask(ctx context.Context, id string) (domain.TaskDetail, error)
}

// Reminder notifies an assignee when a task is assigned and again on the due
// date unless the task was finished or deleted in the meantime.
type Reminder struct {
	Tasks    TaskFinder
	Notifier notify.Notifier
	Emails   Emails
}

type assignmentOutcome struct {
	Detail    domain.TaskDetail `json:"detail"`
	Delivered bool              `json:"delivered"`
	Error     string            `json:"error,omitempty"`
}

type recheckOutcome struct {
	Found  bool              `json:"found"`
	Detail domain.TaskDetail `json:"detail"`
}

type reminderOutcome struct {
	To string `json:"to"`
}

func (r Reminder) Handle(ctx context.Context, evt domain.Event, step engine.Step) error {
	log := zerolog.Ctx(ctx)
	var in TaskAssigned
	if err := events.Decode(evt, &in); err != nil {
		return engine.NonRetriable(err)
	}
	if in.TaskID == "" {
		return engine.NonRetriable(errors.New("task assigned event missing taskId"))
	}

	assigned, err := engine.Run(ctx, step, StepAssignmentEmail, func(ctx context.Context) (assignmentOutcome, error) {
		detail, err := r.Tasks.FindTask(ctx, in.TaskID)
		if errors.Is(err, repo.ErrNotFound) {
			return assignmentOutcome{}, engine.NonRetriable(fmt.Errorf("task %s: %w", in.TaskID, err))
		}
		if err != nil {
			return assignmentOutcome{}, fmt.Errorf("load task %s: %w", in.TaskID, err)
		}
		out := assignmentOutcome{Detail: detail}
		msg, err := r.Emails.Assignment(detail, in.Origin)
		if err == nil {
			err = r.Notifier.Send(ctx, msg)
		}
		if err != nil {
			log.Error().Err(err).Str("task_id", in.TaskID).Msg("assignment email not delivered")
			out.Error = err.Error()
			return out, nil
		}
		out.Delivered = true
		return out, nil
	})
	if err != nil {
		return err
	}

	due := assigned.Detail.Task.DueDate
	if due == nil || due.IsZero() {
		log.Info().Str("task_id", in.TaskID).Msg("task has no due date, no reminder scheduled")
		return nil
	}
	if r.sameDay(*due, evt.TS) {
		log.Info().Str("task_id", in.TaskID).Msg("task due today, no reminder scheduled")
		return nil
	}
	if err := step.SleepUntil(ctx, StepWaitForDueDate, *due); err != nil {
		return err
	}

	current, err := engine.Run(ctx, step, StepCheckCompleted, func(ctx context.Context) (recheckOutcome, error) {
		detail, err := r.Tasks.FindTask(ctx, in.TaskID)
		if errors.Is(err, repo.ErrNotFound) {
			return recheckOutcome{}, nil
		}
		if err != nil {
			return recheckOutcome{}, fmt.Errorf("reload task %s: %w", in.TaskID, err)
		}
		return recheckOutcome{Found: true, Detail: detail}, nil
	})
	if err != nil {
		return err
	}
	switch {
	case !current.Found:
		log.Info().Str("task_id", in.TaskID).Msg("task deleted before due date, reminder skipped")
		return nil
	case current.Detail.Task.Status == domain.TaskDone:
		log.Info().Str("task_id", in.TaskID).Msg("task already done, reminder skipped")
		return nil
	case current.Detail.Assignee == nil:
		log.Info().Str("task_id", in.TaskID).Msg("task unassigned, reminder skipped")
		return nil
	}

	_, err = engine.Run(ctx, step, StepReminderEmail, func(ctx context.Context) (reminderOutcome, error) {
		msg, err := r.Emails.Reminder(current.Detail, in.Origin, evt.TS)
		if err != nil {
			return reminderOutcome{}, engine.NonRetriable(err)
		}
		if err := r.Notifier.Send(ctx, msg); err != nil {
			return reminderOutcome{}, err
		}
		return reminderOutcome{To: msg.To}, nil
	})
	return err
}

// sameDay compares calendar days in the configured zone. The event timestamp
// stands in for "now" so replays reach the same decision.
func (r Reminder) sameDay(a, b time.Time) bool {
	loc := r.Emails.location()
	ay, am, ad := a.In(loc).Date()
	by, bm, bd := b.In(loc).Date()
	return ay == by && am == bm && ad == bd
}
