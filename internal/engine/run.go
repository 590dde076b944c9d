package engine

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sourcegraph/conc/pool"
	"golang.org/x/sync/errgroup"

	"taskmaster/internal/domain"
)

// RunReport counts what a run did to one request.
type RunReport struct {
	RequestID    string               `json:"request_id"`
	Dispatched   int                  `json:"dispatched"`
	Completed    int                  `json:"completed"`
	Requeued     int                  `json:"requeued"`
	Failed       int                  `json:"failed"`
	Awaiting     int                  `json:"awaiting"`
	AutoApproved int                  `json:"auto_approved"`
	Escalated    int                  `json:"escalated"`
	CircuitOpen  int                  `json:"circuit_open"`
	Status       domain.RequestStatus `json:"status"`
	Outcome      NextStatus           `json:"outcome"`
}

type runCounter struct {
	mu sync.Mutex
	r  RunReport
}

func (c *runCounter) add(fn func(r *RunReport)) {
	c.mu.Lock()
	fn(&c.r)
	c.mu.Unlock()
}

// Run drives a request until nothing is left to dispatch: units are selected
// in score order and handed to the executor, at most parallelism at a time.
// It returns when every remaining unit awaits approval, awaits an external
// event or is done; units backing off are waited for.
func (e *Engine) Run(ctx context.Context, requestID string, parallelism int) (RunReport, error) {
	if _, err := e.lookup(requestID); err != nil {
		return RunReport{}, err
	}
	if parallelism <= 0 {
		parallelism = e.tunables().parallelism
	}
	if parallelism <= 0 {
		parallelism = 1
	}
	log := e.Logger.With("request_id", requestID)
	counter := &runCounter{r: RunReport{RequestID: requestID}}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(parallelism)
	var running atomic.Int64
	var outcome NextStatus

loop:
	for {
		wait := e.changed()
		next, err := e.GetNextTask(gctx, requestID, "")
		if err != nil {
			if gctx.Err() != nil {
				break
			}
			_ = g.Wait()
			return counter.r, err
		}
		if next.Status == NextTaskFound {
			u := *next.Unit
			running.Add(1)
			counter.add(func(r *RunReport) { r.Dispatched++ })
			g.Go(func() error {
				defer func() {
					running.Add(-1)
					e.wake()
				}()
				return e.runUnit(gctx, u, counter)
			})
			continue
		}
		outcome = next.Status
		if running.Load() == 0 && next.Status != BackingOff {
			break
		}
		select {
		case <-wait:
		case <-gctx.Done():
			break loop
		case <-time.After(time.Second):
		}
	}

	err := g.Wait()
	if err == nil {
		err = ctx.Err()
	}
	rep := counter.r
	rep.Outcome = outcome
	if req, gerr := e.GetRequest(context.WithoutCancel(ctx), requestID); gerr == nil {
		rep.Status = req.Status
	}
	log.Info("run finished", "dispatched", rep.Dispatched, "completed", rep.Completed,
		"failed", rep.Failed, "auto_approved", rep.AutoApproved, "outcome", rep.Outcome)
	return rep, err
}

// runUnit dispatches one unit and, when configured, asks the decision engine
// about it right away. An open circuit is not fatal to the run.
func (e *Engine) runUnit(ctx context.Context, u domain.Unit, c *runCounter) error {
	got, err := e.dispatch(ctx, e.mustState(u.RequestID), u)
	switch {
	case errors.Is(err, ErrCircuitOpen):
		c.add(func(r *RunReport) { r.CircuitOpen++ })
		return nil
	case err != nil:
		return err
	}
	switch {
	case got.Status == domain.StatusPending:
		c.add(func(r *RunReport) { r.Requeued++ })
		return nil
	case got.Status == domain.StatusInProgress && got.AwaitingEvent:
		c.add(func(r *RunReport) { r.Awaiting++ })
		return nil
	case got.Status != domain.StatusDoneUnapproved:
		return nil
	case got.Failed:
		c.add(func(r *RunReport) { r.Failed++; r.Escalated++ })
		return nil
	}
	c.add(func(r *RunReport) { r.Completed++ })
	if !e.tunables().autoEvaluate {
		return nil
	}
	pctx := context.WithoutCancel(ctx)
	approved, err := e.evaluate(pctx, got, c)
	if err != nil || !approved || !got.IsSubtask() {
		return err
	}
	parent, err := e.GetUnit(pctx, got.ParentID)
	if err != nil || parent.Status != domain.StatusDoneUnapproved || parent.Failed {
		return nil
	}
	_, err = e.evaluate(pctx, parent, c)
	return err
}

// evaluate runs ApproveUnit, skipping units that are not ready yet.
func (e *Engine) evaluate(ctx context.Context, u domain.Unit, c *runCounter) (bool, error) {
	d, err := e.ApproveUnit(ctx, u.RequestID, u.ID, "")
	switch {
	case errors.Is(err, ErrInvalidState), errors.Is(err, ErrNotFound):
		return false, nil
	case err != nil:
		return false, err
	}
	if d.Approved {
		c.add(func(r *RunReport) { r.AutoApproved++ })
	} else {
		c.add(func(r *RunReport) { r.Escalated++ })
	}
	return d.Approved, nil
}

// mustState returns the live state of a request, or a detached empty one when
// it was deleted meanwhile so that late results are dropped.
func (e *Engine) mustState(requestID string) *requestState {
	if rs, err := e.lookup(requestID); err == nil {
		return rs
	}
	return &requestState{units: map[string]*domain.Unit{}, children: map[string][]string{}}
}

// RunAll runs several requests concurrently. With no ids every open request
// is run. Reports are ordered by request id.
func (e *Engine) RunAll(ctx context.Context, requestIDs []string, parallelism int) ([]RunReport, error) {
	if len(requestIDs) == 0 {
		for _, rs := range e.states() {
			rs.mu.Lock()
			if rs.req.Status == domain.RequestOpen {
				requestIDs = append(requestIDs, rs.req.ID)
			}
			rs.mu.Unlock()
		}
	}
	if len(requestIDs) == 0 {
		return nil, nil
	}
	p := pool.NewWithResults[RunReport]().WithContext(ctx).WithMaxGoroutines(len(requestIDs))
	for _, id := range requestIDs {
		id := id
		p.Go(func(ctx context.Context) (RunReport, error) {
			return e.Run(ctx, id, parallelism)
		})
	}
	reports, err := p.Wait()
	sort.Slice(reports, func(i, j int) bool { return reports[i].RequestID < reports[j].RequestID })
	return reports, err
}
