package engine

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"
	"time"

	"taskmaster/internal/domain"
	"taskmaster/internal/events"
	"taskmaster/internal/scheduler"
)

// UnitInput describes a task or subtask to create. Empty Priority and Due
// inherit from the enclosing request, options or parent task.
type UnitInput struct {
	Title       string      `json:"title"`
	Description string      `json:"description,omitempty"`
	Priority    string      `json:"priority,omitempty"`
	Due         string      `json:"due_date,omitempty"`
	Subtasks    []UnitInput `json:"subtasks,omitempty"`
}

// CreateRequestOptions are parameters for creating a request.
type CreateRequestOptions struct {
	Description  string
	SplitDetails string
	Priority     string
	Due          string
	Tasks        []UnitInput
	ActorID      string
}

// AddUnitsOptions append tasks to an existing request.
type AddUnitsOptions struct {
	RequestID string
	Units     []UnitInput
	Priority  string
	Due       string
	ActorID   string
}

// parseDue accepts RFC 3339 timestamps and plain dates.
func parseDue(s string) (*time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04", "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			t = t.UTC()
			return &t, nil
		}
	}
	return nil, fmt.Errorf("%w: bad due date %q (want RFC 3339 or YYYY-MM-DD)", ErrValidation, s)
}

type unitDefaults struct {
	priority domain.Priority
	due      *time.Time
}

func resolveDefaults(priority, due string, parent unitDefaults) (unitDefaults, error) {
	d := parent
	if strings.TrimSpace(priority) != "" {
		p, err := domain.ParsePriority(priority)
		if err != nil {
			return d, fmt.Errorf("%w: %v", ErrValidation, err)
		}
		d.priority = p
	}
	if strings.TrimSpace(due) != "" {
		t, err := parseDue(due)
		if err != nil {
			return d, err
		}
		d.due = t
	}
	return d, nil
}

// stageUnits validates inputs and stages them under parentID. Tasks may carry
// one level of subtasks.
func (e *Engine) stageUnits(m *mutation, requestID, parentID string, inputs []UnitInput, defs unitDefaults) ([]domain.Unit, error) {
	if len(inputs) == 0 {
		return nil, fmt.Errorf("%w: at least one unit is required", ErrValidation)
	}
	now := e.now()
	var created []domain.Unit
	for i, in := range inputs {
		title := strings.TrimSpace(in.Title)
		if title == "" {
			return nil, fmt.Errorf("%w: unit %d: title is required", ErrValidation, i+1)
		}
		if parentID != "" && len(in.Subtasks) > 0 {
			return nil, fmt.Errorf("%w: subtask %q cannot have subtasks", ErrValidation, title)
		}
		d, err := resolveDefaults(in.Priority, in.Due, defs)
		if err != nil {
			return nil, err
		}
		prefix := "task"
		if parentID != "" {
			prefix = "sub"
		}
		u := domain.Unit{
			ID:          e.newID(prefix, m.units),
			RequestID:   requestID,
			ParentID:    parentID,
			Seq:         e.seq.Add(1),
			Title:       title,
			Description: strings.TrimSpace(in.Description),
			Priority:    d.priority,
			DueDate:     d.due,
			Status:      domain.StatusPending,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		m.insert(u)
		created = append(created, u)
		if len(in.Subtasks) > 0 {
			subs, err := e.stageUnits(m, requestID, u.ID, in.Subtasks, d)
			if err != nil {
				return nil, err
			}
			created = append(created, subs...)
		}
	}
	return created, nil
}

func (e *Engine) CreateRequest(ctx context.Context, opts CreateRequestOptions) (domain.Request, error) {
	desc := strings.TrimSpace(opts.Description)
	if desc == "" {
		return domain.Request{}, fmt.Errorf("%w: description is required", ErrValidation)
	}
	if len(opts.Tasks) == 0 {
		return domain.Request{}, fmt.Errorf("%w: task list must not be empty", ErrValidation)
	}
	defs, err := resolveDefaults(opts.Priority, opts.Due, unitDefaults{priority: domain.PriorityMedium})
	if err != nil {
		return domain.Request{}, err
	}
	rs := &requestState{
		children: make(map[string][]string),
		units:    make(map[string]*domain.Unit),
		picked:   make(map[string]scheduler.Components),
	}
	rs.mu.Lock()
	defer rs.mu.Unlock()

	req := domain.Request{
		ID:           e.newID("req", nil),
		Description:  desc,
		SplitDetails: strings.TrimSpace(opts.SplitDetails),
		Status:       domain.RequestOpen,
		CreatedAt:    e.now(),
	}
	rs.req = req
	m := e.mutate(rs, opts.ActorID)
	m.created = true
	m.setRequest(req)
	created, err := e.stageUnits(m, req.ID, "", opts.Tasks, defs)
	if err != nil {
		return domain.Request{}, err
	}
	m.event(events.RequestCreated, "request", req.ID, events.Payload{
		"description": req.Description,
		"units":       unitIDs(created),
	})
	if err := m.commit(ctx); err != nil {
		return domain.Request{}, fmt.Errorf("create request: %w", err)
	}
	e.Logger.Info("request created", "request_id", req.ID, "units", len(created))
	return rs.snapshot(), nil
}

func (e *Engine) AddUnits(ctx context.Context, opts AddUnitsOptions) ([]domain.Unit, error) {
	rs, err := e.lookup(opts.RequestID)
	if err != nil {
		return nil, err
	}
	defs, err := resolveDefaults(opts.Priority, opts.Due, unitDefaults{priority: domain.PriorityMedium})
	if err != nil {
		return nil, err
	}
	rs.mu.Lock()
	defer rs.mu.Unlock()
	m := e.mutate(rs, opts.ActorID)
	created, err := e.stageUnits(m, opts.RequestID, "", opts.Units, defs)
	if err != nil {
		return nil, err
	}
	req := m.request()
	if req.Approved {
		req.Approved = false
		req.ApprovedBy = ""
		req.Confidence = nil
		m.setRequest(req)
	}
	m.event(events.RequestUnitsAdded, "request", req.ID, events.Payload{"units": unitIDs(created)})
	if err := m.commit(ctx); err != nil {
		return nil, fmt.Errorf("add units: %w", err)
	}
	return created, nil
}

func (e *Engine) GetRequest(ctx context.Context, requestID string) (domain.Request, error) {
	rs, err := e.lookup(requestID)
	if err != nil {
		return domain.Request{}, err
	}
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return rs.snapshot(), nil
}

// GetUnit returns a unit snapshot, with subtasks for a task.
func (e *Engine) GetUnit(ctx context.Context, unitID string) (domain.Unit, error) {
	rs, err := e.lookupUnit("", unitID)
	if err != nil {
		return domain.Unit{}, err
	}
	rs.mu.Lock()
	defer rs.mu.Unlock()
	u, ok := rs.unitSnapshot(unitID)
	if !ok {
		return domain.Unit{}, fmt.Errorf("unit %s: %w", unitID, ErrNotFound)
	}
	return u, nil
}

// ListRequests summarises every request, newest first.
func (e *Engine) ListRequests(ctx context.Context) ([]domain.RequestSummary, error) {
	var out []domain.RequestSummary
	for _, rs := range e.states() {
		rs.mu.Lock()
		sum := domain.RequestSummary{
			ID:          rs.req.ID,
			Description: rs.req.Description,
			Status:      rs.req.Status,
			Approved:    rs.req.Approved,
			Units:       len(rs.units),
			Counts:      make(map[domain.Status]int, len(domain.Statuses)),
			CreatedAt:   rs.req.CreatedAt,
		}
		for _, s := range domain.Statuses {
			sum.Counts[s] = 0
		}
		for _, u := range rs.units {
			sum.Counts[u.Status]++
		}
		rs.mu.Unlock()
		out = append(out, sum)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// Summary aggregates counts across all requests.
func (e *Engine) Summary(ctx context.Context) (domain.Summary, error) {
	list, err := e.ListRequests(ctx)
	if err != nil {
		return domain.Summary{}, err
	}
	sum := domain.Summary{Units: make(map[domain.Status]int, len(domain.Statuses))}
	for _, s := range domain.Statuses {
		sum.Units[s] = 0
	}
	for _, r := range list {
		sum.Requests++
		if r.Status == domain.RequestComplete {
			sum.Complete++
		} else {
			sum.Open++
		}
		for s, n := range r.Counts {
			sum.Units[s] += n
		}
	}
	return sum, nil
}

// DeleteRequest removes a request whose units are all approved.
func (e *Engine) DeleteRequest(ctx context.Context, requestID, actorID string) error {
	rs, err := e.lookup(requestID)
	if err != nil {
		return err
	}
	rs.mu.Lock()
	defer rs.mu.Unlock()
	for _, u := range rs.units {
		if u.Status != domain.StatusApproved {
			return fmt.Errorf("%w: request %s has unit %s in %s", ErrInvalidState, requestID, u.ID, u.Status)
		}
	}
	err = e.withTx(ctx, func(tx *sql.Tx) error {
		if err := e.Repo.DeleteRequest(ctx, tx, requestID); err != nil {
			return err
		}
		return e.Events.Append(ctx, tx, events.RequestDeleted, requestID, "request", requestID, actorID, events.Payload{"units": len(rs.units)})
	})
	if err != nil {
		return fmt.Errorf("delete request: %w", err)
	}
	e.mu.Lock()
	delete(e.requests, requestID)
	for id := range rs.units {
		delete(e.unitIndex, id)
	}
	e.mu.Unlock()
	e.wake()
	return nil
}

func (e *Engine) states() []*requestState {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]*requestState, 0, len(e.requests))
	for _, rs := range e.requests {
		out = append(out, rs)
	}
	return out
}

// snapshot copies the request tree. Callers hold rs.mu.
func (rs *requestState) snapshot() domain.Request {
	req := rs.req
	req.Tasks = make([]domain.Unit, 0, len(rs.tasks))
	for _, id := range rs.tasks {
		if u, ok := rs.unitSnapshot(id); ok {
			req.Tasks = append(req.Tasks, u)
		}
	}
	return req
}

func (rs *requestState) unitSnapshot(id string) (domain.Unit, bool) {
	p, ok := rs.units[id]
	if !ok {
		return domain.Unit{}, false
	}
	u := *p
	u.Subtasks = nil
	for _, sub := range rs.children[id] {
		if s, ok := rs.units[sub]; ok {
			u.Subtasks = append(u.Subtasks, *s)
		}
	}
	return u, true
}

// ordered lists units tasks-first with subtasks after their parent.
func (rs *requestState) ordered() []*domain.Unit {
	out := make([]*domain.Unit, 0, len(rs.units))
	for _, id := range rs.tasks {
		out = append(out, rs.units[id])
		for _, sub := range rs.children[id] {
			out = append(out, rs.units[sub])
		}
	}
	return out
}

func unitIDs(units []domain.Unit) []string {
	ids := make([]string, len(units))
	for i, u := range units {
		ids[i] = u.ID
	}
	return ids
}
