package engine

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"taskmaster/internal/decision"
	"taskmaster/internal/domain"
	"taskmaster/internal/events"
)

// ReviewOptions carry a human verdict on a unit awaiting approval. Score, when
// set, is also recorded as feedback.
type ReviewOptions struct {
	RequestID string
	UnitID    string
	Role      domain.Role
	Approve   bool
	Comment   string
	Score     *float64
	ActorID   string
}

// FeedbackOptions attach a human quality score in [0, 1] to a unit.
type FeedbackOptions struct {
	RequestID string
	UnitID    string
	Score     float64
	Comment   string
	ActorID   string
}

// ApproveRequestOptions evaluate a whole request. An empty Role asks the
// decision engine; AGENT or MANAGER records a human approval.
type ApproveRequestOptions struct {
	RequestID string
	Role      domain.Role
	ActorID   string
}

// ensureSubtasksApproved fails when a task still has unapproved subtasks.
func (rs *requestState) ensureSubtasksApproved(u *domain.Unit) error {
	for _, id := range rs.children[u.ID] {
		if sub := rs.units[id]; sub.Status != domain.StatusApproved {
			return fmt.Errorf("%w: subtask %s of %s is %s", ErrInvalidState, sub.ID, u.ID, sub.Status)
		}
	}
	return nil
}

// decisionInput gathers what the decision engine needs about a completed unit.
// Callers hold rs.mu.
func (e *Engine) decisionInput(rs *requestState, u *domain.Unit) decision.Input {
	stats := e.insight.Stats()
	in := decision.Input{
		Sample:            u.LastSample,
		Failed:            u.Failed,
		Rejections:        u.Rejections,
		MeanExecutionTime: stats.MeanExecutionTime,
		MeanResourceUsage: stats.MeanResourceUsage,
	}
	siblings := rs.tasks
	if u.IsSubtask() {
		siblings = rs.children[u.ParentID]
	}
	for _, id := range siblings {
		s := rs.units[id]
		if id == u.ID || (s.Confidence == nil && s.Status != domain.StatusApproved) {
			continue
		}
		in.SiblingsDecided++
		if s.Status == domain.StatusApproved {
			in.SiblingsApproved++
		}
	}
	for _, id := range rs.children[u.ID] {
		in.SubtaskScores = append(in.SubtaskScores, confidenceOf(rs.units[id]))
	}
	return in
}

func confidenceOf(u *domain.Unit) float64 {
	if u.Confidence == nil {
		return 0
	}
	return *u.Confidence
}

// ApproveUnit asks the decision engine about a DONE_UNAPPROVED unit. A score
// at or above the policy threshold approves it as AUTO; otherwise the unit
// stays put and an approval request is raised for an AGENT or MANAGER.
func (e *Engine) ApproveUnit(ctx context.Context, requestID, unitID, actorID string) (domain.Decision, error) {
	rs, err := e.lookupUnit(requestID, unitID)
	if err != nil {
		return domain.Decision{}, err
	}
	rs.mu.Lock()
	defer rs.mu.Unlock()
	u, ok := rs.units[unitID]
	if !ok {
		return domain.Decision{}, fmt.Errorf("unit %s: %w", unitID, ErrNotFound)
	}
	if u.Status != domain.StatusDoneUnapproved {
		return domain.Decision{}, fmt.Errorf("%w: unit %s is %s, want %s", ErrInvalidState, u.ID, u.Status, domain.StatusDoneUnapproved)
	}
	if err := rs.ensureSubtasksApproved(u); err != nil {
		return domain.Decision{}, err
	}

	snap := e.policy.Snapshot()
	res := e.tunables().decision.Decide(e.decisionInput(rs, u), snap.Threshold)
	now := e.now()
	d := domain.Decision{
		ID:         uuid.NewString(),
		RequestID:  u.RequestID,
		UnitID:     u.ID,
		Role:       res.Role,
		Approved:   res.Approved,
		Escalated:  !res.Approved,
		Confidence: res.Confidence,
		Threshold:  res.Threshold,
		Reason:     res.Reason,
		ActorID:    actorID,
		CreatedAt:  now,
	}
	next := *u
	conf := res.Confidence
	next.Confidence = &conf
	m := e.mutate(rs, actorID)
	m.decision(d)
	if res.Approved {
		next.Status = domain.StatusApproved
		next.ApprovedBy = domain.RoleAuto
		next.ApprovedAt = &now
		m.event(events.UnitApproved, "unit", u.ID, events.Payload{
			"decision_id": d.ID,
			"role":        d.Role,
			"confidence":  d.Confidence,
			"threshold":   d.Threshold,
		})
	} else {
		m.event(events.ApprovalRequested, "unit", u.ID, events.Payload{
			"decision_id": d.ID,
			"role":        d.Role,
			"confidence":  d.Confidence,
			"threshold":   d.Threshold,
			"reason":      d.Reason,
		})
	}
	m.put(next)
	if err := m.commit(ctx); err != nil {
		return domain.Decision{}, fmt.Errorf("approve unit: %w", err)
	}
	if res.Approved {
		e.insight.MarkAutoApproved(u.ID)
	}
	e.Logger.Info("unit evaluated", "request_id", u.RequestID, "unit_id", u.ID,
		"approved", d.Approved, "role", d.Role, "confidence", d.Confidence, "threshold", d.Threshold)
	return d, nil
}

// ReviewUnit applies a human verdict. Approval moves the unit to APPROVED;
// rejection sends it back to PENDING with its retry budget restored. A unit
// the decision engine never scored is scored now, so parents and the request
// aggregate see a real confidence.
func (e *Engine) ReviewUnit(ctx context.Context, opts ReviewOptions) (domain.Decision, error) {
	if opts.Role != domain.RoleAgent && opts.Role != domain.RoleManager {
		return domain.Decision{}, fmt.Errorf("%w: reviewer role must be AGENT or MANAGER", ErrValidation)
	}
	if opts.Score != nil && (*opts.Score < 0 || *opts.Score > 1) {
		return domain.Decision{}, fmt.Errorf("%w: score must be within [0, 1]", ErrValidation)
	}
	rs, err := e.lookupUnit(opts.RequestID, opts.UnitID)
	if err != nil {
		return domain.Decision{}, err
	}
	rs.mu.Lock()
	defer rs.mu.Unlock()
	u, ok := rs.units[opts.UnitID]
	if !ok {
		return domain.Decision{}, fmt.Errorf("unit %s: %w", opts.UnitID, ErrNotFound)
	}
	if u.Status != domain.StatusDoneUnapproved {
		return domain.Decision{}, fmt.Errorf("%w: unit %s is %s, want %s", ErrInvalidState, u.ID, u.Status, domain.StatusDoneUnapproved)
	}
	if opts.Approve {
		if err := rs.ensureSubtasksApproved(u); err != nil {
			return domain.Decision{}, err
		}
	}

	snap := e.policy.Snapshot()
	conf := confidenceOf(u)
	if u.Confidence == nil {
		conf = e.tunables().decision.Decide(e.decisionInput(rs, u), snap.Threshold).Confidence
	}
	now := e.now()
	reason := strings.TrimSpace(opts.Comment)
	if reason == "" {
		reason = "rejected by " + strings.ToLower(string(opts.Role))
		if opts.Approve {
			reason = "approved by " + strings.ToLower(string(opts.Role))
		}
	}
	d := domain.Decision{
		ID:         uuid.NewString(),
		RequestID:  u.RequestID,
		UnitID:     u.ID,
		Role:       opts.Role,
		Approved:   opts.Approve,
		Confidence: conf,
		Threshold:  snap.Threshold,
		Reason:     reason,
		ActorID:    opts.ActorID,
		CreatedAt:  now,
	}
	next := *u
	m := e.mutate(rs, opts.ActorID)
	m.decision(d)
	if opts.Approve {
		next.Status = domain.StatusApproved
		next.ApprovedBy = opts.Role
		next.ApprovedAt = &now
		next.Confidence = &conf
		m.event(events.UnitApproved, "unit", u.ID, events.Payload{"decision_id": d.ID, "role": d.Role})
	} else {
		next.Status = domain.StatusPending
		next.Attempts = 0
		next.Failed = false
		next.Rejections++
		next.NotBefore = nil
		next.AwaitingEvent = false
		next.Confidence = nil
		m.event(events.UnitRejected, "unit", u.ID, events.Payload{
			"decision_id": d.ID,
			"role":        d.Role,
			"rejections":  next.Rejections,
			"comment":     opts.Comment,
		})
	}
	m.put(next)
	if opts.Score != nil {
		m.feedback = append(m.feedback, domain.Feedback{
			ID:        uuid.NewString(),
			RequestID: u.RequestID,
			UnitID:    u.ID,
			Score:     *opts.Score,
			Comment:   opts.Comment,
			ActorID:   opts.ActorID,
			CreatedAt: now,
		})
		m.event(events.FeedbackSubmitted, "unit", u.ID, events.Payload{"score": *opts.Score})
	}
	if err := m.commit(ctx); err != nil {
		return domain.Decision{}, fmt.Errorf("review unit: %w", err)
	}
	switch {
	case opts.Score != nil:
		e.insight.Feedback(u.ID, *opts.Score)
	case !opts.Approve:
		e.insight.Reject(u.ID)
	}
	e.Logger.Info("unit reviewed", "request_id", u.RequestID, "unit_id", u.ID, "role", opts.Role, "approved", opts.Approve)
	return d, nil
}

// SubmitFeedback records a human score and folds it into the unit's reward.
func (e *Engine) SubmitFeedback(ctx context.Context, opts FeedbackOptions) (domain.Feedback, error) {
	if opts.Score < 0 || opts.Score > 1 {
		return domain.Feedback{}, fmt.Errorf("%w: score must be within [0, 1]", ErrValidation)
	}
	rs, err := e.lookupUnit(opts.RequestID, opts.UnitID)
	if err != nil {
		return domain.Feedback{}, err
	}
	rs.mu.Lock()
	defer rs.mu.Unlock()
	u, ok := rs.units[opts.UnitID]
	if !ok {
		return domain.Feedback{}, fmt.Errorf("unit %s: %w", opts.UnitID, ErrNotFound)
	}
	if u.LastSample == nil {
		return domain.Feedback{}, fmt.Errorf("%w: unit %s has not run yet", ErrInvalidState, u.ID)
	}
	f := domain.Feedback{
		ID:        uuid.NewString(),
		RequestID: u.RequestID,
		UnitID:    u.ID,
		Score:     opts.Score,
		Comment:   strings.TrimSpace(opts.Comment),
		ActorID:   opts.ActorID,
		CreatedAt: e.now(),
	}
	m := e.mutate(rs, opts.ActorID)
	m.feedback = append(m.feedback, f)
	m.event(events.FeedbackSubmitted, "unit", u.ID, events.Payload{"score": f.Score, "comment": f.Comment})
	if err := m.commit(ctx); err != nil {
		return domain.Feedback{}, fmt.Errorf("submit feedback: %w", err)
	}
	if reward, ok := e.insight.Feedback(u.ID, f.Score); ok {
		e.Logger.Debug("feedback applied", "unit_id", u.ID, "score", f.Score, "reward", reward)
	}
	return f, nil
}

// ApproveRequest evaluates a request whose units are all approved. The unit
// confidences are folded with the configured aggregate and compared with the
// threshold the same way units are.
func (e *Engine) ApproveRequest(ctx context.Context, opts ApproveRequestOptions) (domain.RequestApproval, error) {
	if opts.Role != "" && opts.Role != domain.RoleAgent && opts.Role != domain.RoleManager {
		return domain.RequestApproval{}, fmt.Errorf("%w: reviewer role must be AGENT or MANAGER", ErrValidation)
	}
	rs, err := e.lookup(opts.RequestID)
	if err != nil {
		return domain.RequestApproval{}, err
	}
	rs.mu.Lock()
	defer rs.mu.Unlock()
	req := rs.req
	if req.Approved {
		return domain.RequestApproval{}, fmt.Errorf("%w: request %s is already approved", ErrInvalidState, req.ID)
	}
	units := rs.ordered()
	if len(units) == 0 {
		return domain.RequestApproval{}, fmt.Errorf("%w: request %s has no units", ErrInvalidState, req.ID)
	}
	scores := make([]float64, 0, len(units))
	for _, u := range units {
		if u.Status != domain.StatusApproved {
			return domain.RequestApproval{}, fmt.Errorf("%w: unit %s is %s", ErrInvalidState, u.ID, u.Status)
		}
		scores = append(scores, confidenceOf(u))
	}

	snap := e.policy.Snapshot()
	eng := e.tunables().decision
	res := eng.DecideRequest(scores, snap.Threshold)
	if opts.Role != "" {
		res.Approved = true
		res.Role = opts.Role
		res.Reason = "approved by " + strings.ToLower(string(opts.Role))
	}
	now := e.now()
	d := domain.Decision{
		ID:         uuid.NewString(),
		RequestID:  req.ID,
		Role:       res.Role,
		Approved:   res.Approved,
		Escalated:  !res.Approved,
		Confidence: res.Confidence,
		Threshold:  res.Threshold,
		Reason:     res.Reason,
		ActorID:    opts.ActorID,
		CreatedAt:  now,
	}
	metrics := e.workflowMetrics(rs, units, now)
	conf := res.Confidence
	req.Confidence = &conf
	m := e.mutate(rs, opts.ActorID)
	m.decision(d)
	payload := events.Payload{
		"decision_id": d.ID,
		"role":        d.Role,
		"confidence":  d.Confidence,
		"threshold":   d.Threshold,
		"metrics":     metrics,
	}
	if res.Approved {
		req.Approved = true
		req.ApprovedBy = res.Role
		m.event(events.RequestApproved, "request", req.ID, payload)
	} else {
		payload["reason"] = d.Reason
		m.event(events.RequestEscalated, "request", req.ID, payload)
	}
	m.setRequest(req)
	if err := m.commit(ctx); err != nil {
		return domain.RequestApproval{}, fmt.Errorf("approve request: %w", err)
	}
	e.Logger.Info("request evaluated", "request_id", req.ID, "approved", d.Approved, "role", d.Role, "confidence", d.Confidence)
	return domain.RequestApproval{Decision: d, Metrics: metrics}, nil
}

// workflowMetrics summarises a request from its units and samples.
func (e *Engine) workflowMetrics(rs *requestState, units []*domain.Unit, now time.Time) domain.WorkflowMetrics {
	wm := domain.WorkflowMetrics{Units: len(units)}
	var auto, succeeded, finals, samples, errs int
	var unitTime float64
	for _, u := range units {
		if u.ApprovedBy == domain.RoleAuto {
			auto++
		}
		for _, s := range e.metrics.ForUnit(u.ID) {
			samples++
			if s.ErrorOccurred {
				errs++
			}
		}
		if s, ok := e.metrics.Final(u.ID); ok {
			finals++
			unitTime += s.ExecutionTime
			if !s.ErrorOccurred {
				succeeded++
			}
		}
	}
	n := float64(len(units))
	wm.AutoApprovalRate = float64(auto) / n
	wm.SuccessRate = float64(succeeded) / n
	if samples > 0 {
		wm.ErrorRate = float64(errs) / float64(samples)
	}
	if finals > 0 {
		wm.AvgUnitTime = unitTime / float64(finals)
	}
	wm.TotalTime = now.Sub(rs.req.CreatedAt).Seconds()
	return wm
}
