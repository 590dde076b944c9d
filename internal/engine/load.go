package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"taskmaster/internal/domain"
	"taskmaster/internal/repo"
	"taskmaster/internal/scheduler"
)

// Load rebuilds the in-memory state from the database. Units that were left
// IN_PROGRESS by a previous process, and are not waiting for an external
// event, go back to PENDING without spending an attempt.
func (e *Engine) Load(ctx context.Context) error {
	snap, err := e.Repo.LoadPolicy(ctx)
	switch {
	case errors.Is(err, repo.ErrNotFound):
		initial := e.policy.Snapshot()
		if err := e.withTx(ctx, func(tx *sql.Tx) error { return e.Repo.SavePolicy(ctx, tx, initial) }); err != nil {
			return fmt.Errorf("save initial policy: %w", err)
		}
	case err != nil:
		return fmt.Errorf("load policy: %w", err)
	default:
		e.policy.Restore(snap)
	}

	reqs, err := e.Repo.ListRequests(ctx)
	if err != nil {
		return fmt.Errorf("load requests: %w", err)
	}
	units, err := e.Repo.ListUnits(ctx)
	if err != nil {
		return fmt.Errorf("load units: %w", err)
	}
	samples, err := e.Repo.ListSamples(ctx, "")
	if err != nil {
		return fmt.Errorf("load samples: %w", err)
	}
	feedback, err := e.Repo.ListFeedback(ctx, "")
	if err != nil {
		return fmt.Errorf("load feedback: %w", err)
	}

	states := make(map[string]*requestState, len(reqs))
	index := make(map[string]string, len(units))
	for _, req := range reqs {
		states[req.ID] = &requestState{
			req:      req,
			children: make(map[string][]string),
			units:    make(map[string]*domain.Unit),
			picked:   make(map[string]scheduler.Components),
		}
	}
	var maxSeq int64
	var stale []string
	for _, u := range units {
		rs, ok := states[u.RequestID]
		if !ok {
			continue
		}
		u := u
		rs.units[u.ID] = &u
		index[u.ID] = u.RequestID
		if u.IsSubtask() {
			rs.children[u.ParentID] = append(rs.children[u.ParentID], u.ID)
		} else {
			rs.tasks = append(rs.tasks, u.ID)
		}
		if u.Seq > maxSeq {
			maxSeq = u.Seq
		}
		if u.Status == domain.StatusInProgress && !u.AwaitingEvent {
			stale = append(stale, u.ID)
		}
	}
	e.mu.Lock()
	e.requests = states
	e.unitIndex = index
	e.mu.Unlock()
	e.seq.Store(maxSeq)

	e.metrics.Load(samples)
	scores := make(map[string]float64, len(feedback))
	for _, f := range feedback {
		scores[f.UnitID] = f.Score
	}
	for id, owner := range index {
		s, ok := e.metrics.Final(id)
		if !ok {
			continue
		}
		u := states[owner].units[id]
		var fb *float64
		if v, ok := scores[id]; ok {
			fb = &v
		}
		e.insight.Seed(s, u.ApprovedBy == domain.RoleAuto, fb)
	}

	for _, id := range stale {
		rs := states[index[id]]
		rs.mu.Lock()
		_, err := e.requeueLocked(ctx, rs, id, 0, "restart")
		rs.mu.Unlock()
		if err != nil {
			return fmt.Errorf("requeue %s: %w", id, err)
		}
	}
	now := e.now()
	for id, owner := range index {
		u := states[owner].units[id]
		if u.Status == domain.StatusPending && u.NotBefore != nil && u.NotBefore.After(now) {
			e.scheduleWake(id, u.NotBefore.Sub(now))
		}
	}
	e.Logger.Info("state loaded", "requests", len(states), "units", len(index),
		"samples", len(samples), "requeued", len(stale), "policy_version", e.policy.Snapshot().Version)
	return nil
}

