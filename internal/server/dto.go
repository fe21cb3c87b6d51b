package server

import (
	"encoding/json"
	"time"

	"taskrelay/internal/domain"
)

// Request payloads

type SendEventRequest struct {
	ID   string         `json:"id,omitempty" doc:"Idempotency key; generated when empty"`
	Name string         `json:"name" minLength:"1" example:"app/task.assigned"`
	Data map[string]any `json:"data,omitempty"`
	TS   *time.Time     `json:"ts,omitempty" format:"date-time" doc:"Trigger time; defaults to receipt time"`
}

// Response payloads

type SendEventResponse struct {
	EventID   string   `json:"event_id"`
	RunIDs    []string `json:"run_ids"`
	Duplicate bool     `json:"duplicate"`
}

type StepResponse struct {
	Name        string     `json:"name"`
	Status      string     `json:"status" enum:"completed,sleeping"`
	Output      any        `json:"output,omitempty"`
	WakeAt      *time.Time `json:"wake_at,omitempty" format:"date-time"`
	CreatedAt   time.Time  `json:"created_at" format:"date-time"`
	CompletedAt *time.Time `json:"completed_at,omitempty" format:"date-time"`
}

type RunResponse struct {
	ID          string         `json:"id"`
	FunctionID  string         `json:"function_id"`
	EventID     string         `json:"event_id"`
	Status      string         `json:"status" enum:"queued,running,sleeping,completed,failed"`
	Step        string         `json:"step,omitempty"`
	Attempt     int            `json:"attempt"`
	WakeAt      *time.Time     `json:"wake_at,omitempty" format:"date-time"`
	LastError   string         `json:"last_error,omitempty"`
	CreatedAt   time.Time      `json:"created_at" format:"date-time"`
	UpdatedAt   time.Time      `json:"updated_at" format:"date-time"`
	CompletedAt *time.Time     `json:"completed_at,omitempty" format:"date-time"`
	Steps       []StepResponse `json:"steps,omitempty"`
}

type paginatedRuns struct {
	Items []RunResponse `json:"items"`
}

func runResponse(r domain.Run) RunResponse {
	return RunResponse{
		ID:          r.ID,
		FunctionID:  r.FunctionID,
		EventID:     r.EventID,
		Status:      string(r.Status),
		Step:        r.Step,
		Attempt:     r.Attempt,
		WakeAt:      r.WakeAt,
		LastError:   r.LastError,
		CreatedAt:   r.CreatedAt,
		UpdatedAt:   r.UpdatedAt,
		CompletedAt: r.CompletedAt,
	}
}

func stepResponse(s domain.StepRecord) StepResponse {
	var output any
	if len(s.Output) > 0 {
		_ = json.Unmarshal(s.Output, &output)
	}
	return StepResponse{
		Name:        s.Name,
		Status:      string(s.Status),
		Output:      output,
		WakeAt:      s.WakeAt,
		CreatedAt:   s.CreatedAt,
		CompletedAt: s.CompletedAt,
	}
}

func mapRuns(items []domain.Run) []RunResponse {
	res := make([]RunResponse, 0, len(items))
	for _, r := range items {
		res = append(res, runResponse(r))
	}
	return res
}
