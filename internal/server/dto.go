package server

import (
	"encoding/json"
	"time"

	"taskmaster/internal/domain"
	"taskmaster/internal/engine"
)

type CreateRequestRequest struct {
	Description  string             `json:"description" minLength:"1"`
	SplitDetails string             `json:"split_details,omitempty"`
	Priority     string             `json:"priority,omitempty" enum:"HIGH,MEDIUM,LOW,high,medium,low"`
	DueDate      string             `json:"due_date,omitempty" example:"2026-01-31"`
	Tasks        []engine.UnitInput `json:"tasks" minItems:"1"`
}

type AddUnitsRequest struct {
	Units    []engine.UnitInput `json:"units" minItems:"1"`
	Priority string             `json:"priority,omitempty" enum:"HIGH,MEDIUM,LOW,high,medium,low"`
	DueDate  string             `json:"due_date,omitempty"`
}

type UpdateUnitRequest struct {
	Title       *string `json:"title,omitempty"`
	Description *string `json:"description,omitempty"`
	Priority    *string `json:"priority,omitempty" enum:"HIGH,MEDIUM,LOW,high,medium,low"`
	DueDate     *string `json:"due_date,omitempty"`
	ClearDue    bool    `json:"clear_due_date,omitempty"`
}

type OutcomeRequest struct {
	Status        string   `json:"status" enum:"COMPLETED,PENDING"`
	Details       string   `json:"details,omitempty"`
	ExecutionTime *float64 `json:"execution_time,omitempty" minimum:"0" doc:"Seconds; defaults to time since the unit started"`
	ResourceUsage float64  `json:"resource_usage,omitempty" minimum:"0" maximum:"1"`
	Definitive    bool     `json:"definitive,omitempty" doc:"Skip retries for a PENDING outcome"`
}

type EventRequest struct {
	Event         string   `json:"event" enum:"COMPLETED,FAILED"`
	Details       string   `json:"details,omitempty"`
	ExecutionTime *float64 `json:"execution_time,omitempty" minimum:"0"`
	ResourceUsage float64  `json:"resource_usage,omitempty" minimum:"0" maximum:"1"`
	Definitive    bool     `json:"definitive,omitempty"`
}

type ReviewRequest struct {
	Approve bool     `json:"approve"`
	Role    string   `json:"role,omitempty" enum:"AGENT,MANAGER,agent,manager" doc:"Defaults to the caller's role"`
	Comment string   `json:"comment,omitempty"`
	Score   *float64 `json:"score,omitempty" minimum:"0" maximum:"1"`
}

type FeedbackRequest struct {
	Score   float64 `json:"score" minimum:"0" maximum:"1"`
	Comment string  `json:"comment,omitempty"`
}

type DecomposeRequest struct {
	Subtasks []engine.UnitInput `json:"subtasks" minItems:"1"`
}

type ApproveRequestRequest struct {
	Role string `json:"role,omitempty" enum:"AGENT,MANAGER,agent,manager" doc:"Empty asks the decision engine"`
}

type RunRequest struct {
	Parallelism int `json:"parallelism,omitempty" minimum:"0"`
	TimeoutSec  int `json:"timeout_seconds,omitempty" minimum:"0"`
}

type DevLoginRequest struct {
	ActorID string `json:"actor_id"`
	Role    string `json:"role,omitempty" enum:"AGENT,MANAGER,agent,manager"`
}

type DevLoginResponse struct {
	Token string `json:"token"`
}

type WhoAmIResponse struct {
	ActorID string `json:"actor_id"`
	Role    string `json:"role,omitempty"`
	Source  string `json:"source"`
}

type UnitsResponse struct {
	Units []domain.Unit `json:"units"`
}

type EventResponse struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts" format:"date-time"`
	Type       string         `json:"type"`
	RequestID  string         `json:"request_id,omitempty"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload,omitempty"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

type SampleResponse struct {
	Samples []domain.Sample `json:"samples"`
}

type HealthResponse struct {
	Status string    `json:"status"`
	Time   time.Time `json:"time"`
}

func eventResponse(e domain.Event) EventResponse {
	return EventResponse{
		ID:         e.ID,
		TS:         e.TS,
		Type:       e.Type,
		RequestID:  e.RequestID,
		EntityKind: e.EntityKind,
		EntityID:   e.EntityID,
		ActorID:    e.ActorID,
		Payload:    decodeJSONMap(e.Payload),
	}
}

func decodeJSONMap(raw string) map[string]any {
	if raw == "" {
		return nil
	}
	var out map[string]any
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return map[string]any{"raw": raw}
	}
	return out
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}
