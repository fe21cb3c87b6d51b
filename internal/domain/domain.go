package domain

import (
	"encoding/json"
	"time"
)

type User struct {
	ID        string    `json:"id"`
	Email     string    `json:"email"`
	Name      string    `json:"name"`
	Image     string    `json:"image,omitempty"`
	CreatedAt time.Time `json:"created_at" format:"date-time"`
	UpdatedAt time.Time `json:"updated_at" format:"date-time"`
}

type Workspace struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Slug      string    `json:"slug"`
	OwnerID   string    `json:"owner_id"`
	ImageURL  string    `json:"image_url,omitempty"`
	CreatedAt time.Time `json:"created_at" format:"date-time"`
	UpdatedAt time.Time `json:"updated_at" format:"date-time"`
}

// Workspace member roles are stored uppercased.
const (
	RoleAdmin  = "ADMIN"
	RoleMember = "MEMBER"
)

type WorkspaceMember struct {
	UserID      string    `json:"user_id"`
	WorkspaceID string    `json:"workspace_id"`
	Role        string    `json:"role"`
	CreatedAt   time.Time `json:"created_at" format:"date-time"`
}

type Project struct {
	ID          string    `json:"id"`
	WorkspaceID string    `json:"workspace_id,omitempty"`
	Name        string    `json:"name"`
	CreatedAt   time.Time `json:"created_at" format:"date-time"`
}

type TaskStatus string

const (
	TaskTodo       TaskStatus = "TODO"
	TaskInProgress TaskStatus = "IN_PROGRESS"
	TaskDone       TaskStatus = "DONE"
)

type Task struct {
	ID          string     `json:"id"`
	ProjectID   string     `json:"project_id"`
	Title       string     `json:"title"`
	Description string     `json:"description,omitempty"`
	Status      TaskStatus `json:"status" enum:"TODO,IN_PROGRESS,DONE"`
	AssigneeID  *string    `json:"assignee_id,omitempty"`
	DueDate     *time.Time `json:"due_date,omitempty" format:"date-time"`
	CreatedAt   time.Time  `json:"created_at" format:"date-time"`
	UpdatedAt   time.Time  `json:"updated_at" format:"date-time"`
}

// TaskDetail is a task with its assignee and project expanded.
type TaskDetail struct {
	Task     Task    `json:"task"`
	Assignee *User   `json:"assignee,omitempty"`
	Project  Project `json:"project"`
}

// Event is an inbound event as recorded in the event log.
type Event struct {
	ID   string          `json:"id"`
	Name string          `json:"name"`
	Data json.RawMessage `json:"data"`
	TS   time.Time       `json:"ts" format:"date-time"`
}

type RunStatus string

const (
	RunQueued    RunStatus = "queued"
	RunRunning   RunStatus = "running"
	RunSleeping  RunStatus = "sleeping"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
)

// Terminal reports whether no further execution happens for the status.
func (s RunStatus) Terminal() bool {
	return s == RunCompleted || s == RunFailed
}

type Run struct {
	ID          string     `json:"id"`
	FunctionID  string     `json:"function_id"`
	EventID     string     `json:"event_id"`
	Status      RunStatus  `json:"status" enum:"queued,running,sleeping,completed,failed"`
	Step        string     `json:"step,omitempty"`
	Attempt     int        `json:"attempt"`
	WakeAt      *time.Time `json:"wake_at,omitempty" format:"date-time"`
	LastError   string     `json:"last_error,omitempty"`
	CreatedAt   time.Time  `json:"created_at" format:"date-time"`
	UpdatedAt   time.Time  `json:"updated_at" format:"date-time"`
	CompletedAt *time.Time `json:"completed_at,omitempty" format:"date-time"`
	// ClaimedBy and LeaseUntil identify the worker executing a running run.
	ClaimedBy  string     `json:"claimed_by,omitempty"`
	LeaseUntil *time.Time `json:"lease_until,omitempty" format:"date-time"`
}

type StepStatus string

const (
	StepCompleted StepStatus = "completed"
	StepSleeping  StepStatus = "sleeping"
)

// StepRecord is the memoized outcome of one named step in a run.
type StepRecord struct {
	RunID       string          `json:"run_id"`
	Name        string          `json:"name"`
	Status      StepStatus      `json:"status" enum:"completed,sleeping"`
	Output      json.RawMessage `json:"output,omitempty"`
	WakeAt      *time.Time      `json:"wake_at,omitempty" format:"date-time"`
	CreatedAt   time.Time       `json:"created_at" format:"date-time"`
	CompletedAt *time.Time      `json:"completed_at,omitempty" format:"date-time"`
}
