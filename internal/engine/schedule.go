package engine

import (
	"context"
	"fmt"
	"time"

	"taskmaster/internal/domain"
	"taskmaster/internal/events"
	"taskmaster/internal/scheduler"
)

type NextStatus string

const (
	NextTaskFound    NextStatus = "next_task"
	TasksInProgress  NextStatus = "tasks_in_progress"
	AwaitingApproval NextStatus = "awaiting_approval"
	BackingOff       NextStatus = "backing_off"
	AllTasksDone     NextStatus = "all_tasks_done"
)

// NextTask is the scheduler's answer. Every status other than next_task means
// nothing is pending right now.
type NextTask struct {
	Status  NextStatus       `json:"status" enum:"next_task,tasks_in_progress,awaiting_approval,backing_off,all_tasks_done"`
	Unit    *domain.Unit     `json:"unit,omitempty"`
	Score   *scheduler.Score `json:"score,omitempty"`
	RetryAt *time.Time       `json:"retry_at,omitempty"`
}

// GetNextTask selects the best pending unit and moves it to IN_PROGRESS
// under the request lock, so a unit is handed out at most once.
func (e *Engine) GetNextTask(ctx context.Context, requestID, actorID string) (NextTask, error) {
	rs, err := e.lookup(requestID)
	if err != nil {
		return NextTask{}, err
	}
	// sampled before locking; the provider may inspect every request
	sig := e.signals(ctx)
	weights := e.policy.Snapshot().Weights
	sched := e.tunables().scheduler

	rs.mu.Lock()
	defer rs.mu.Unlock()
	now := e.now()
	var cands []scheduler.Candidate
	for _, u := range rs.ordered() {
		if u.Status == domain.StatusPending {
			cands = append(cands, scheduler.Candidate{Unit: *u, Subtasks: len(rs.children[u.ID])})
		}
	}
	best, score, ok := sched.Select(cands, weights, sig, now)
	if !ok {
		return rs.idle(), nil
	}

	u := best.Unit
	u.Status = domain.StatusInProgress
	u.StartedAt = &now
	u.NotBefore = nil
	u.AwaitingEvent = false
	m := e.mutate(rs, actorID)
	m.put(u)
	m.event(events.UnitStarted, "unit", u.ID, events.Payload{
		"attempt":    u.Attempts + 1,
		"score":      score.Total,
		"components": score.Components,
		"signals":    sig,
	})
	if err := m.commit(ctx); err != nil {
		return NextTask{}, fmt.Errorf("start unit: %w", err)
	}
	rs.picked[u.ID] = score.Components
	snap, _ := rs.unitSnapshot(u.ID)
	e.Logger.Debug("unit selected", "request_id", requestID, "unit_id", u.ID, "score", score.Total)
	return NextTask{Status: NextTaskFound, Unit: &snap, Score: &score}, nil
}

// idle explains why nothing could be selected. Callers hold rs.mu.
func (rs *requestState) idle() NextTask {
	var (
		retryAt                      *time.Time
		inProgress, awaitingApproval bool
	)
	for _, u := range rs.units {
		switch u.Status {
		case domain.StatusPending:
			if u.NotBefore != nil && (retryAt == nil || u.NotBefore.Before(*retryAt)) {
				t := *u.NotBefore
				retryAt = &t
			}
		case domain.StatusInProgress:
			inProgress = true
		case domain.StatusDoneUnapproved:
			awaitingApproval = true
		}
	}
	switch {
	case retryAt != nil:
		return NextTask{Status: BackingOff, RetryAt: retryAt}
	case inProgress:
		return NextTask{Status: TasksInProgress}
	case awaitingApproval:
		return NextTask{Status: AwaitingApproval}
	default:
		return NextTask{Status: AllTasksDone}
	}
}
