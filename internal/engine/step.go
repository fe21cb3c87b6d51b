package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"taskrelay/internal/domain"
)

// Step is the controller a handler uses to declare memoized work and durable
// sleeps. A completed step is never executed twice for the same run: on replay
// its stored output is returned instead.
type Step interface {
	Run(ctx context.Context, name string, fn func(ctx context.Context) (any, error)) (json.RawMessage, error)
	SleepUntil(ctx context.Context, name string, until time.Time) error
}

// Run is the typed form of Step.Run.
func Run[T any](ctx context.Context, step Step, name string, fn func(ctx context.Context) (T, error)) (T, error) {
	var out T
	raw, err := step.Run(ctx, name, func(ctx context.Context) (any, error) {
		return fn(ctx)
	})
	if err != nil {
		return out, err
	}
	if len(raw) == 0 || string(raw) == "null" {
		return out, nil
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, NonRetriable(fmt.Errorf("decode step %s output: %w", name, err))
	}
	return out, nil
}

type stepController struct {
	engine *Engine
	run    *domain.Run
	memo   map[string]domain.StepRecord
	seen   map[string]struct{}
	wakeAt *time.Time
}

func newStepController(e *Engine, run *domain.Run, records []domain.StepRecord) *stepController {
	memo := make(map[string]domain.StepRecord, len(records))
	for _, rec := range records {
		memo[rec.Name] = rec
	}
	return &stepController{
		engine: e,
		run:    run,
		memo:   memo,
		seen:   map[string]struct{}{},
	}
}

func (s *stepController) visit(name string) error {
	if name == "" {
		return NonRetriable(fmt.Errorf("engine: step name required"))
	}
	if _, ok := s.seen[name]; ok {
		return NonRetriable(fmt.Errorf("%w: %s", errDuplicateStep, name))
	}
	s.seen[name] = struct{}{}
	return nil
}

// save persists rec under this engine's claim. The write survives a cancelled
// ctx so a step whose side effect ran is not executed again.
func (s *stepController) save(ctx context.Context, rec domain.StepRecord) error {
	return s.engine.Repo.SaveStep(context.WithoutCancel(ctx), rec, s.engine.owner)
}

func (s *stepController) Run(ctx context.Context, name string, fn func(ctx context.Context) (any, error)) (json.RawMessage, error) {
	if err := s.visit(name); err != nil {
		return nil, err
	}
	if rec, ok := s.memo[name]; ok && rec.Status == domain.StepCompleted {
		s.engine.Logger.Debug().Str("run_id", s.run.ID).Str("step", name).Msg("step replayed from memo")
		return rec.Output, nil
	}
	out, err := fn(ctx)
	if err != nil {
		return nil, fmt.Errorf("step %s: %w", name, err)
	}
	raw, err := json.Marshal(out)
	if err != nil {
		return nil, NonRetriable(fmt.Errorf("encode step %s output: %w", name, err))
	}
	now := s.engine.now()
	rec := domain.StepRecord{
		RunID:       s.run.ID,
		Name:        name,
		Status:      domain.StepCompleted,
		Output:      raw,
		CreatedAt:   now,
		CompletedAt: &now,
	}
	if err := s.save(ctx, rec); err != nil {
		return nil, fmt.Errorf("persist step %s: %w", name, err)
	}
	s.memo[name] = rec
	s.run.Step = name
	s.engine.Logger.Debug().Str("run_id", s.run.ID).Str("step", name).Msg("step completed")
	return raw, nil
}

func (s *stepController) SleepUntil(ctx context.Context, name string, until time.Time) error {
	if err := s.visit(name); err != nil {
		return err
	}
	now := s.engine.now()
	rec, seen := s.memo[name]
	if seen && rec.Status == domain.StepCompleted {
		return nil
	}
	wake := until
	if seen && rec.WakeAt != nil {
		wake = *rec.WakeAt
	}
	if !now.Before(wake) {
		createdAt := now
		if seen {
			createdAt = rec.CreatedAt
		}
		done := domain.StepRecord{
			RunID:       s.run.ID,
			Name:        name,
			Status:      domain.StepCompleted,
			WakeAt:      &wake,
			CreatedAt:   createdAt,
			CompletedAt: &now,
		}
		if err := s.save(ctx, done); err != nil {
			return fmt.Errorf("persist step %s: %w", name, err)
		}
		s.memo[name] = done
		s.run.Step = name
		return nil
	}
	if !seen {
		sleeping := domain.StepRecord{
			RunID:     s.run.ID,
			Name:      name,
			Status:    domain.StepSleeping,
			WakeAt:    &wake,
			CreatedAt: now,
		}
		if err := s.save(ctx, sleeping); err != nil {
			return fmt.Errorf("persist step %s: %w", name, err)
		}
		s.memo[name] = sleeping
	}
	s.run.Step = name
	s.wakeAt = &wake
	return ErrSuspended
}
