package engine

import (
	"context"
	"database/sql"

	"taskmaster/internal/domain"
	"taskmaster/internal/events"
)

// mutation stages changes to one request while its lock is held. commit
// persists them in a single transaction, recomputes the request status and
// only then publishes them to memory.
type mutation struct {
	e     *Engine
	rs    *requestState
	actor string

	created   bool
	units     map[string]domain.Unit
	inserted  []string
	deleted   map[string]bool
	req       *domain.Request
	decisions []domain.Decision
	feedback  []domain.Feedback
	evts      []stagedEvent
}

type stagedEvent struct {
	typ     string
	kind    string
	id      string
	payload events.Payload
}

func (e *Engine) mutate(rs *requestState, actor string) *mutation {
	return &mutation{e: e, rs: rs, actor: actor, units: make(map[string]domain.Unit), deleted: make(map[string]bool)}
}

// unit returns the staged view of a unit.
func (m *mutation) unit(id string) (domain.Unit, bool) {
	if m.deleted[id] {
		return domain.Unit{}, false
	}
	if u, ok := m.units[id]; ok {
		return u, true
	}
	u, ok := m.rs.units[id]
	if !ok {
		return domain.Unit{}, false
	}
	return *u, true
}

func (m *mutation) put(u domain.Unit) {
	u.UpdatedAt = m.e.now()
	m.units[u.ID] = u
}

func (m *mutation) insert(u domain.Unit) {
	m.units[u.ID] = u
	m.inserted = append(m.inserted, u.ID)
}

func (m *mutation) remove(id string) {
	m.deleted[id] = true
	delete(m.units, id)
}

func (m *mutation) request() domain.Request {
	if m.req != nil {
		return *m.req
	}
	return m.rs.req
}

func (m *mutation) setRequest(r domain.Request) {
	m.req = &r
}

func (m *mutation) event(typ, kind, id string, payload events.Payload) {
	m.evts = append(m.evts, stagedEvent{typ: typ, kind: kind, id: id, payload: payload})
}

func (m *mutation) decision(d domain.Decision) {
	m.decisions = append(m.decisions, d)
}

// view lists every unit of the request as it would look after commit.
func (m *mutation) view() []domain.Unit {
	var out []domain.Unit
	add := func(id string) {
		if u, ok := m.unit(id); ok {
			out = append(out, u)
		}
	}
	for _, id := range m.rs.tasks {
		add(id)
		for _, sub := range m.rs.children[id] {
			add(sub)
		}
	}
	for _, id := range m.inserted {
		add(id)
	}
	return out
}

func (m *mutation) commit(ctx context.Context) error {
	now := m.e.now()
	req := m.request()
	units := m.view()
	complete := len(units) > 0
	for _, u := range units {
		if u.Status != domain.StatusApproved {
			complete = false
			break
		}
	}
	switch {
	case complete && req.Status != domain.RequestComplete:
		req.Status = domain.RequestComplete
		req.CompletedAt = &now
		m.setRequest(req)
		m.event(events.RequestCompleted, "request", req.ID, events.Payload{"units": len(units)})
	case !complete && req.Status == domain.RequestComplete:
		req.Status = domain.RequestOpen
		req.CompletedAt = nil
		m.setRequest(req)
	}

	err := m.e.withTx(ctx, func(tx *sql.Tx) error {
		r := m.e.Repo
		if m.created {
			if err := r.InsertRequest(ctx, tx, *m.req); err != nil {
				return err
			}
		}
		for id := range m.deleted {
			if _, ok := m.rs.units[id]; !ok {
				continue
			}
			// subtasks go first; the parent delete would cascade anyway
			if m.rs.units[id].IsSubtask() {
				if err := r.DeleteUnit(ctx, tx, id); err != nil {
					return err
				}
			}
		}
		for id := range m.deleted {
			if u, ok := m.rs.units[id]; ok && !u.IsSubtask() {
				if err := r.DeleteUnit(ctx, tx, id); err != nil {
					return err
				}
			}
		}
		inserted := make(map[string]bool, len(m.inserted))
		for _, id := range m.inserted {
			inserted[id] = true
			if err := r.InsertUnit(ctx, tx, m.units[id]); err != nil {
				return err
			}
		}
		for id, u := range m.units {
			if inserted[id] {
				continue
			}
			if err := r.UpdateUnit(ctx, tx, u); err != nil {
				return err
			}
		}
		if m.req != nil && !m.created {
			if err := r.UpdateRequest(ctx, tx, *m.req); err != nil {
				return err
			}
		}
		for _, d := range m.decisions {
			if err := r.InsertDecisionTx(ctx, tx, d); err != nil {
				return err
			}
		}
		for _, f := range m.feedback {
			if err := r.InsertFeedbackTx(ctx, tx, f); err != nil {
				return err
			}
		}
		for _, ev := range m.evts {
			if err := m.e.Events.Append(ctx, tx, ev.typ, req.ID, ev.kind, ev.id, m.actor, ev.payload); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	m.apply()
	m.e.wake()
	return nil
}

// apply publishes staged changes to memory. Callers hold rs.mu.
func (m *mutation) apply() {
	rs := m.rs
	if m.req != nil {
		rs.req = *m.req
	}
	var removed []string
	for id := range m.deleted {
		u, ok := rs.units[id]
		if !ok {
			continue
		}
		removed = append(removed, id)
		delete(rs.units, id)
		delete(rs.picked, id)
		if u.IsSubtask() {
			rs.children[u.ParentID] = without(rs.children[u.ParentID], id)
		} else {
			rs.tasks = without(rs.tasks, id)
			delete(rs.children, id)
		}
	}
	for _, id := range m.inserted {
		u := m.units[id]
		if u.IsSubtask() {
			rs.children[u.ParentID] = append(rs.children[u.ParentID], id)
		} else {
			rs.tasks = append(rs.tasks, id)
		}
	}
	for id, u := range m.units {
		u := u
		rs.units[id] = &u
	}
	if len(removed) == 0 && len(m.inserted) == 0 && !m.created {
		return
	}
	m.e.mu.Lock()
	if m.created {
		m.e.requests[rs.req.ID] = rs
	}
	for _, id := range removed {
		delete(m.e.unitIndex, id)
	}
	for _, id := range m.inserted {
		m.e.unitIndex[id] = rs.req.ID
	}
	m.e.mu.Unlock()
}

func without(ids []string, id string) []string {
	out := ids[:0:0]
	for _, v := range ids {
		if v != id {
			out = append(out, v)
		}
	}
	return out
}
