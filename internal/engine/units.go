package engine

import (
	"context"
	"fmt"
	"strings"

	"taskmaster/internal/domain"
	"taskmaster/internal/events"
)

// UpdateUnitOptions changes mutable fields; nil leaves a field untouched and
// ClearDue removes the due date.
type UpdateUnitOptions struct {
	RequestID   string
	UnitID      string
	Title       *string
	Description *string
	Priority    *string
	Due         *string
	ClearDue    bool
	ActorID     string
}

// DecomposeOptions split a task into subtasks.
type DecomposeOptions struct {
	RequestID string
	TaskID    string
	Subtasks  []UnitInput
	ActorID   string
}

func (e *Engine) UpdateUnit(ctx context.Context, opts UpdateUnitOptions) (domain.Unit, error) {
	rs, err := e.lookupUnit(opts.RequestID, opts.UnitID)
	if err != nil {
		return domain.Unit{}, err
	}
	rs.mu.Lock()
	defer rs.mu.Unlock()
	m := e.mutate(rs, opts.ActorID)
	u, ok := m.unit(opts.UnitID)
	if !ok {
		return domain.Unit{}, fmt.Errorf("unit %s: %w", opts.UnitID, ErrNotFound)
	}
	if u.Status == domain.StatusApproved {
		return domain.Unit{}, fmt.Errorf("%w: unit %s is approved", ErrInvalidState, u.ID)
	}
	changed := events.Payload{}
	if opts.Title != nil {
		title := strings.TrimSpace(*opts.Title)
		if title == "" {
			return domain.Unit{}, fmt.Errorf("%w: title must not be empty", ErrValidation)
		}
		u.Title = title
		changed["title"] = title
	}
	if opts.Description != nil {
		u.Description = strings.TrimSpace(*opts.Description)
		changed["description"] = u.Description
	}
	if opts.Priority != nil {
		p, err := domain.ParsePriority(*opts.Priority)
		if err != nil {
			return domain.Unit{}, fmt.Errorf("%w: %v", ErrValidation, err)
		}
		u.Priority = p
		changed["priority"] = p
	}
	switch {
	case opts.ClearDue:
		u.DueDate = nil
		changed["due_date"] = nil
	case opts.Due != nil:
		due, err := parseDue(*opts.Due)
		if err != nil {
			return domain.Unit{}, err
		}
		u.DueDate = due
		changed["due_date"] = due
	}
	if len(changed) == 0 {
		return domain.Unit{}, fmt.Errorf("%w: no fields to update", ErrValidation)
	}
	m.put(u)
	m.event(events.UnitUpdated, "unit", u.ID, changed)
	if err := m.commit(ctx); err != nil {
		return domain.Unit{}, fmt.Errorf("update unit: %w", err)
	}
	snap, _ := rs.unitSnapshot(u.ID)
	return snap, nil
}

// DeleteUnit removes a unit that is not approved. Deleting a task removes its
// subtasks, so none of them may be approved either. Outstanding retry timers
// are stopped and late dispatch results are dropped.
func (e *Engine) DeleteUnit(ctx context.Context, requestID, unitID, actorID string) error {
	rs, err := e.lookupUnit(requestID, unitID)
	if err != nil {
		return err
	}
	rs.mu.Lock()
	defer rs.mu.Unlock()
	u, ok := rs.units[unitID]
	if !ok {
		return fmt.Errorf("unit %s: %w", unitID, ErrNotFound)
	}
	if u.Status == domain.StatusApproved {
		return fmt.Errorf("%w: unit %s is approved", ErrInvalidState, unitID)
	}
	subs := rs.children[unitID]
	for _, id := range subs {
		if rs.units[id].Status == domain.StatusApproved {
			return fmt.Errorf("%w: subtask %s of %s is approved", ErrInvalidState, id, unitID)
		}
	}
	m := e.mutate(rs, actorID)
	for _, id := range subs {
		m.remove(id)
	}
	m.remove(unitID)
	m.event(events.UnitDeleted, "unit", unitID, events.Payload{
		"status":   u.Status,
		"subtasks": subs,
	})
	if err := m.commit(ctx); err != nil {
		return fmt.Errorf("delete unit: %w", err)
	}
	for _, id := range append([]string{unitID}, subs...) {
		e.cancelFlight(id)
	}
	e.Logger.Info("unit deleted", "request_id", rs.req.ID, "unit_id", unitID, "subtasks", len(subs))
	return nil
}

// DecomposeUnit adds subtasks to a task. The task must not be approved and
// must not itself be a subtask.
func (e *Engine) DecomposeUnit(ctx context.Context, opts DecomposeOptions) ([]domain.Unit, error) {
	rs, err := e.lookupUnit(opts.RequestID, opts.TaskID)
	if err != nil {
		return nil, err
	}
	rs.mu.Lock()
	defer rs.mu.Unlock()
	task, ok := rs.units[opts.TaskID]
	if !ok {
		return nil, fmt.Errorf("unit %s: %w", opts.TaskID, ErrNotFound)
	}
	if task.IsSubtask() {
		return nil, fmt.Errorf("%w: %s is a subtask; only tasks can be decomposed", ErrValidation, task.ID)
	}
	if task.Status == domain.StatusApproved {
		return nil, fmt.Errorf("%w: task %s is approved", ErrInvalidState, task.ID)
	}
	m := e.mutate(rs, opts.ActorID)
	created, err := e.stageUnits(m, task.RequestID, task.ID, opts.Subtasks, unitDefaults{priority: task.Priority, due: task.DueDate})
	if err != nil {
		return nil, err
	}
	m.event(events.UnitDecomposed, "unit", task.ID, events.Payload{"subtasks": unitIDs(created)})
	if err := m.commit(ctx); err != nil {
		return nil, fmt.Errorf("decompose unit: %w", err)
	}
	return created, nil
}
