package domain

import (
	"fmt"
	"strings"
	"time"
)

type Priority string

const (
	PriorityHigh   Priority = "HIGH"
	PriorityMedium Priority = "MEDIUM"
	PriorityLow    Priority = "LOW"
)

// ParsePriority accepts any casing; empty input yields MEDIUM.
func ParsePriority(s string) (Priority, error) {
	switch Priority(strings.ToUpper(strings.TrimSpace(s))) {
	case "":
		return PriorityMedium, nil
	case PriorityHigh:
		return PriorityHigh, nil
	case PriorityMedium:
		return PriorityMedium, nil
	case PriorityLow:
		return PriorityLow, nil
	}
	return "", fmt.Errorf("invalid priority %q", s)
}

// Rank maps a priority to its scheduling value.
func (p Priority) Rank() int {
	switch p {
	case PriorityHigh:
		return 3
	case PriorityLow:
		return 1
	default:
		return 2
	}
}

type Status string

const (
	StatusPending        Status = "PENDING"
	StatusInProgress     Status = "IN_PROGRESS"
	StatusDoneUnapproved Status = "DONE_UNAPPROVED"
	StatusApproved       Status = "APPROVED"
)

var Statuses = []Status{StatusPending, StatusInProgress, StatusDoneUnapproved, StatusApproved}

type RequestStatus string

const (
	RequestOpen     RequestStatus = "OPEN"
	RequestComplete RequestStatus = "COMPLETE"
)

type Role string

const (
	RoleAuto    Role = "AUTO"
	RoleAgent   Role = "AGENT"
	RoleManager Role = "MANAGER"
)

// ParseRole accepts the human roles only; AUTO is reserved for the decision engine.
func ParseRole(s string) (Role, error) {
	switch Role(strings.ToUpper(strings.TrimSpace(s))) {
	case RoleAgent:
		return RoleAgent, nil
	case RoleManager:
		return RoleManager, nil
	}
	return "", fmt.Errorf("invalid reviewer role %q", s)
}

// Outcome is what a caller reports for a synchronous execution.
type Outcome string

const (
	OutcomeCompleted Outcome = "COMPLETED"
	OutcomePending   Outcome = "PENDING"
)

// UnitEvent is an asynchronous completion notification.
type UnitEvent string

const (
	EventCompleted UnitEvent = "COMPLETED"
	EventFailed    UnitEvent = "FAILED"
)

type Request struct {
	ID           string        `json:"id"`
	Description  string        `json:"description"`
	SplitDetails string        `json:"split_details,omitempty"`
	Status       RequestStatus `json:"status" enum:"OPEN,COMPLETE"`
	Approved     bool          `json:"approved"`
	ApprovedBy   Role          `json:"approved_by,omitempty"`
	Confidence   *float64      `json:"confidence,omitempty"`
	CreatedAt    time.Time     `json:"created_at"`
	CompletedAt  *time.Time    `json:"completed_at,omitempty"`
	Tasks        []Unit        `json:"tasks"`
}

// Unit is a Task (ParentID empty) or a Subtask.
type Unit struct {
	ID            string     `json:"id"`
	RequestID     string     `json:"request_id"`
	ParentID      string     `json:"parent_id,omitempty"`
	Seq           int64      `json:"seq"`
	Title         string     `json:"title"`
	Description   string     `json:"description,omitempty"`
	Priority      Priority   `json:"priority" enum:"HIGH,MEDIUM,LOW"`
	DueDate       *time.Time `json:"due_date,omitempty"`
	Status        Status     `json:"status" enum:"PENDING,IN_PROGRESS,DONE_UNAPPROVED,APPROVED"`
	AwaitingEvent bool       `json:"awaiting_event,omitempty"`
	Attempts      int        `json:"attempts"`
	Rejections    int        `json:"rejections"`
	Failed        bool       `json:"failed,omitempty"`
	NotBefore     *time.Time `json:"not_before,omitempty"`
	Details       string     `json:"details,omitempty"`
	Confidence    *float64   `json:"confidence,omitempty"`
	ApprovedBy    Role       `json:"approved_by,omitempty"`
	ApprovedAt    *time.Time `json:"approved_at,omitempty"`
	StartedAt     *time.Time `json:"started_at,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
	LastSample    *Sample    `json:"last_sample,omitempty"`
	Subtasks      []Unit     `json:"subtasks,omitempty"`
}

func (u Unit) IsSubtask() bool { return u.ParentID != "" }

// Sample is an immutable performance record. ExecutionTime is in seconds,
// ResourceUsage is a fraction of the available budget.
type Sample struct {
	ID            string    `json:"id"`
	UnitID        string    `json:"unit_id"`
	RequestID     string    `json:"request_id"`
	Attempt       int       `json:"attempt"`
	ExecutionTime float64   `json:"execution_time"`
	ErrorOccurred bool      `json:"error_occurred"`
	ResourceUsage float64   `json:"resource_usage"`
	Final         bool      `json:"final"`
	Timestamp     time.Time `json:"timestamp"`
}

type Decision struct {
	ID         string    `json:"id"`
	RequestID  string    `json:"request_id"`
	UnitID     string    `json:"unit_id,omitempty"`
	Role       Role      `json:"role" enum:"AUTO,AGENT,MANAGER"`
	Approved   bool      `json:"approved"`
	Escalated  bool      `json:"escalated"`
	Confidence float64   `json:"confidence"`
	Threshold  float64   `json:"threshold"`
	Reason     string    `json:"reason,omitempty"`
	ActorID    string    `json:"actor_id,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

type Feedback struct {
	ID        string    `json:"id"`
	RequestID string    `json:"request_id"`
	UnitID    string    `json:"unit_id"`
	Score     float64   `json:"score"`
	Comment   string    `json:"comment,omitempty"`
	ActorID   string    `json:"actor_id"`
	CreatedAt time.Time `json:"created_at"`
}

// WorkflowMetrics summarises a request at approval time.
type WorkflowMetrics struct {
	Units            int     `json:"units"`
	AutoApprovalRate float64 `json:"auto_approval_rate"`
	ErrorRate        float64 `json:"error_rate"`
	SuccessRate      float64 `json:"success_rate"`
	AvgUnitTime      float64 `json:"avg_unit_time"`
	TotalTime        float64 `json:"total_time"`
}

type RequestApproval struct {
	Decision Decision        `json:"decision"`
	Metrics  WorkflowMetrics `json:"metrics"`
}

type RequestSummary struct {
	ID          string         `json:"id"`
	Description string         `json:"description"`
	Status      RequestStatus  `json:"status"`
	Approved    bool           `json:"approved"`
	Units       int            `json:"units"`
	Counts      map[Status]int `json:"counts"`
	CreatedAt   time.Time      `json:"created_at"`
}

type Summary struct {
	Requests int            `json:"requests"`
	Open     int            `json:"open"`
	Complete int            `json:"complete"`
	Units    map[Status]int `json:"units"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	RequestID  string `json:"request_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}
