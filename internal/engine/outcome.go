package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"taskmaster/internal/domain"
	"taskmaster/internal/events"
	"taskmaster/internal/insight"
	"taskmaster/internal/resilience"
)

// MarkOutcomeOptions report a synchronous execution. ExecutionTime defaults
// to the time since the unit started; ResourceUsage is a fraction in [0, 1].
// A PENDING status is a failed attempt, retried unless Definitive is set.
type MarkOutcomeOptions struct {
	RequestID     string
	UnitID        string
	Status        domain.Outcome
	Details       string
	ExecutionTime *float64
	ResourceUsage float64
	Definitive    bool
	ActorID       string
}

// NotifyOptions deliver the asynchronous outcome of a unit that is awaiting an event.
type NotifyOptions struct {
	RequestID     string
	UnitID        string
	Event         domain.UnitEvent
	Details       string
	ExecutionTime *float64
	ResourceUsage float64
	Definitive    bool
	ActorID       string
}

type attemptResult struct {
	err      error
	details  string
	execTime float64
	resource float64
}

func validateMeasures(execTime *float64, resource float64) error {
	if execTime != nil && *execTime < 0 {
		return fmt.Errorf("%w: execution_time must be >= 0", ErrValidation)
	}
	if resource < 0 || resource > 1 {
		return fmt.Errorf("%w: resource_usage must be within [0, 1]", ErrValidation)
	}
	return nil
}

func (e *Engine) elapsed(u *domain.Unit, reported *float64) float64 {
	if reported != nil {
		return *reported
	}
	if u.StartedAt == nil {
		return 0
	}
	return e.now().Sub(*u.StartedAt).Seconds()
}

func reportedFailure(details string, definitive bool, fallback string) error {
	msg := strings.TrimSpace(details)
	if msg == "" {
		msg = fallback
	}
	if definitive {
		return resilience.Definitive(errors.New(msg))
	}
	return resilience.Transient(errors.New(msg))
}

func (e *Engine) MarkUnitOutcome(ctx context.Context, opts MarkOutcomeOptions) (domain.Unit, error) {
	if opts.Status != domain.OutcomeCompleted && opts.Status != domain.OutcomePending {
		return domain.Unit{}, fmt.Errorf("%w: status must be COMPLETED or PENDING", ErrValidation)
	}
	if err := validateMeasures(opts.ExecutionTime, opts.ResourceUsage); err != nil {
		return domain.Unit{}, err
	}
	rs, err := e.lookupUnit(opts.RequestID, opts.UnitID)
	if err != nil {
		return domain.Unit{}, err
	}
	rs.mu.Lock()
	defer rs.mu.Unlock()
	u, ok := rs.units[opts.UnitID]
	if !ok {
		return domain.Unit{}, fmt.Errorf("unit %s: %w", opts.UnitID, ErrNotFound)
	}
	if u.Status != domain.StatusInProgress {
		return domain.Unit{}, fmt.Errorf("%w: unit %s is %s, want %s", ErrInvalidState, u.ID, u.Status, domain.StatusInProgress)
	}
	// an explicit report supersedes any dispatch still running
	e.cancelFlight(u.ID)
	res := attemptResult{details: opts.Details, execTime: e.elapsed(u, opts.ExecutionTime), resource: opts.ResourceUsage}
	if opts.Status == domain.OutcomePending {
		res.err = reportedFailure(opts.Details, opts.Definitive, "unit reported not completed")
	}
	return e.settleLocked(ctx, rs, *u, res, opts.ActorID)
}

// NotifyUnitEvent completes or fails a unit whose executor answered pending.
// The outcome is observed by the executor breaker; it cannot close an open
// breaker or settle a half-open trial.
func (e *Engine) NotifyUnitEvent(ctx context.Context, opts NotifyOptions) (domain.Unit, error) {
	if opts.Event != domain.EventCompleted && opts.Event != domain.EventFailed {
		return domain.Unit{}, fmt.Errorf("%w: event must be COMPLETED or FAILED", ErrValidation)
	}
	if err := validateMeasures(opts.ExecutionTime, opts.ResourceUsage); err != nil {
		return domain.Unit{}, err
	}
	rs, err := e.lookupUnit(opts.RequestID, opts.UnitID)
	if err != nil {
		return domain.Unit{}, err
	}
	rs.mu.Lock()
	defer rs.mu.Unlock()
	u, ok := rs.units[opts.UnitID]
	if !ok {
		return domain.Unit{}, fmt.Errorf("unit %s: %w", opts.UnitID, ErrNotFound)
	}
	if u.Status != domain.StatusInProgress || !u.AwaitingEvent {
		return domain.Unit{}, fmt.Errorf("%w: unit %s is not awaiting an event", ErrInvalidState, u.ID)
	}
	res := attemptResult{details: opts.Details, execTime: e.elapsed(u, opts.ExecutionTime), resource: opts.ResourceUsage}
	if opts.Event == domain.EventFailed {
		res.err = reportedFailure(opts.Details, opts.Definitive, "executor reported failure")
	}
	e.breakers.Get(executorSite).Observe(res.err)
	return e.settleLocked(ctx, rs, *u, res, opts.ActorID)
}

// settleLocked records the sample for one attempt and advances the unit:
// success to DONE_UNAPPROVED, a retryable failure back to PENDING behind a
// backoff gate, anything else to DONE_UNAPPROVED marked failed and escalated.
// Callers hold rs.mu.
func (e *Engine) settleLocked(ctx context.Context, rs *requestState, u domain.Unit, res attemptResult, actorID string) (domain.Unit, error) {
	tun := e.tunables()
	attempt := u.Attempts + 1
	retry := res.err != nil && tun.retry.ShouldRetry(attempt, res.err)
	sample, err := e.metrics.Append(ctx, domain.Sample{
		UnitID:        u.ID,
		RequestID:     u.RequestID,
		Attempt:       attempt,
		ExecutionTime: res.execTime,
		ErrorOccurred: res.err != nil,
		ResourceUsage: res.resource,
		Final:         !retry,
	})
	if err != nil {
		return domain.Unit{}, err
	}
	now := e.now()
	u.LastSample = &sample
	u.AwaitingEvent = false
	u.NotBefore = nil
	if res.details != "" {
		u.Details = res.details
	}
	m := e.mutate(rs, actorID)
	log := e.Logger.With("request_id", u.RequestID, "unit_id", u.ID, "attempt", attempt)

	switch {
	case res.err == nil:
		u.Status = domain.StatusDoneUnapproved
		u.Failed = false
		m.put(u)
		m.event(events.UnitCompleted, "unit", u.ID, events.Payload{
			"attempt":        attempt,
			"sample_id":      sample.ID,
			"execution_time": sample.ExecutionTime,
			"resource_usage": sample.ResourceUsage,
		})
		if err := m.commit(ctx); err != nil {
			return domain.Unit{}, fmt.Errorf("complete unit: %w", err)
		}
		log.Info("unit completed", "execution_time", sample.ExecutionTime)

	case retry:
		u.Attempts = attempt
		u.Status = domain.StatusPending
		delay := tun.retry.Delay(attempt - 1)
		retryAt := now.Add(delay)
		u.NotBefore = &retryAt
		m.put(u)
		m.event(events.UnitRequeued, "unit", u.ID, events.Payload{
			"attempt":   attempt,
			"error":     res.err.Error(),
			"delay_ms":  delay.Milliseconds(),
			"retry_at":  retryAt,
			"sample_id": sample.ID,
		})
		if err := m.commit(ctx); err != nil {
			return domain.Unit{}, fmt.Errorf("requeue unit: %w", err)
		}
		e.scheduleWake(u.ID, delay)
		log.Warn("unit requeued", "error", res.err, "delay", delay)

	default:
		u.Attempts = attempt
		u.Status = domain.StatusDoneUnapproved
		u.Failed = true
		zero := 0.0
		u.Confidence = &zero
		if u.Details == "" {
			u.Details = res.err.Error()
		}
		snap := e.policy.Snapshot()
		exhausted := resilience.IsTransient(res.err)
		reason := "execution failed: " + res.err.Error()
		if exhausted {
			reason = fmt.Sprintf("execution failed after %d attempts: %s", attempt, res.err)
		}
		d := domain.Decision{
			ID:        uuid.NewString(),
			RequestID: u.RequestID,
			UnitID:    u.ID,
			Role:      domain.RoleManager,
			Escalated: true,
			Threshold: snap.Threshold,
			Reason:    reason,
			ActorID:   actorID,
			CreatedAt: now,
		}
		m.put(u)
		m.decision(d)
		m.event(events.UnitFailed, "unit", u.ID, events.Payload{
			"attempt":           attempt,
			"error":             res.err.Error(),
			"retries_exhausted": exhausted,
			"sample_id":         sample.ID,
		})
		m.event(events.ApprovalRequested, "unit", u.ID, events.Payload{
			"decision_id": d.ID,
			"role":        d.Role,
			"confidence":  0,
			"threshold":   d.Threshold,
			"reason":      d.Reason,
		})
		if err := m.commit(ctx); err != nil {
			return domain.Unit{}, fmt.Errorf("fail unit: %w", err)
		}
		log.Error("unit failed", "error", res.err, "retries_exhausted", exhausted)
	}

	if sample.Final {
		e.insight.Observe(sample, rs.signalsFor(u.ID))
	}
	snap, _ := rs.unitSnapshot(u.ID)
	return snap, nil
}

func (rs *requestState) signalsFor(unitID string) insight.Signals {
	c, ok := rs.picked[unitID]
	if !ok {
		return nil
	}
	return c.Map()
}

// dispatch hands a selected unit to the executor behind the executor breaker.
// An open breaker puts the unit back to PENDING without spending an attempt.
// Results that arrive after the unit was deleted or re-dispatched are dropped
// and leave the breaker untouched.
func (e *Engine) dispatch(ctx context.Context, rs *requestState, u domain.Unit) (domain.Unit, error) {
	br := e.breakers.Get(executorSite)
	pctx := context.WithoutCancel(ctx)
	ticket, err := br.Allow()
	if err != nil {
		var open *resilience.OpenError
		wait := time.Second
		if errors.As(err, &open) && open.RetryAfter > 0 {
			wait = open.RetryAfter
		}
		rs.mu.Lock()
		defer rs.mu.Unlock()
		if _, rerr := e.requeueLocked(pctx, rs, u.ID, wait, "circuit_open"); rerr != nil {
			return domain.Unit{}, rerr
		}
		snap, _ := rs.unitSnapshot(u.ID)
		return snap, err
	}

	fctx, cancel := context.WithCancel(ctx)
	defer cancel()
	gen := e.beginFlight(u.ID, cancel)
	start := e.now()
	res, execErr := e.Executor.Execute(fctx, u)
	took := e.now().Sub(start).Seconds()
	if !e.endFlight(u.ID, gen) {
		br.Release(ticket)
		e.Logger.Debug("dispatch result discarded", "unit_id", u.ID)
		return u, nil
	}

	rs.mu.Lock()
	defer rs.mu.Unlock()
	cur, ok := rs.units[u.ID]
	if !ok || cur.Status != domain.StatusInProgress {
		br.Release(ticket)
		return u, nil
	}
	if errors.Is(execErr, context.Canceled) {
		br.Release(ticket)
		if _, err := e.requeueLocked(pctx, rs, u.ID, 0, "cancelled"); err != nil {
			return domain.Unit{}, err
		}
		snap, _ := rs.unitSnapshot(u.ID)
		return snap, ctx.Err()
	}
	br.Record(ticket, execErr)

	switch {
	case execErr != nil:
		return e.settleLocked(pctx, rs, *cur, attemptResult{err: execErr, execTime: took}, "")
	case res.Pending:
		next := *cur
		next.AwaitingEvent = true
		m := e.mutate(rs, "")
		m.put(next)
		m.event(events.UnitAwaiting, "unit", next.ID, events.Payload{"attempt": next.Attempts + 1})
		if err := m.commit(pctx); err != nil {
			return domain.Unit{}, fmt.Errorf("await unit: %w", err)
		}
		snap, _ := rs.unitSnapshot(next.ID)
		return snap, nil
	default:
		return e.settleLocked(pctx, rs, *cur, attemptResult{details: res.Output, execTime: took, resource: res.ResourceUsage}, "")
	}
}

// requeueLocked returns an in-progress unit to PENDING without consuming an
// attempt. Callers hold rs.mu.
func (e *Engine) requeueLocked(ctx context.Context, rs *requestState, unitID string, wait time.Duration, reason string) (domain.Unit, error) {
	cur, ok := rs.units[unitID]
	if !ok {
		return domain.Unit{}, fmt.Errorf("unit %s: %w", unitID, ErrNotFound)
	}
	u := *cur
	u.Status = domain.StatusPending
	u.AwaitingEvent = false
	u.NotBefore = nil
	if wait > 0 {
		at := e.now().Add(wait)
		u.NotBefore = &at
	}
	m := e.mutate(rs, "")
	m.put(u)
	m.event(events.UnitRequeued, "unit", u.ID, events.Payload{"reason": reason, "delay_ms": wait.Milliseconds()})
	if err := m.commit(ctx); err != nil {
		return domain.Unit{}, fmt.Errorf("requeue unit: %w", err)
	}
	if wait > 0 {
		e.scheduleWake(u.ID, wait)
	}
	return u, nil
}
