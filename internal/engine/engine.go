package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"taskmaster/internal/config"
	"taskmaster/internal/decision"
	"taskmaster/internal/domain"
	"taskmaster/internal/events"
	"taskmaster/internal/executor"
	"taskmaster/internal/insight"
	"taskmaster/internal/metrics"
	"taskmaster/internal/policy"
	"taskmaster/internal/repo"
	"taskmaster/internal/resilience"
	"taskmaster/internal/scheduler"
	"taskmaster/internal/signals"
)

var (
	ErrNotFound     = errors.New("not found")
	ErrInvalidState = errors.New("invalid state")
	ErrValidation   = errors.New("validation error")
	ErrCircuitOpen  = resilience.ErrCircuitOpen
)

// executorSite is the breaker call-site guarding dispatch and async outcomes.
const executorSite = "executor"

// Engine owns the request tree. The live tree is kept in memory and written
// through to the database on every mutation.
type Engine struct {
	DB       *sql.DB
	Repo     repo.Repo
	Events   events.Writer
	Config   *config.Config
	Now      func() time.Time
	Logger   *slog.Logger
	Executor executor.Executor
	Context  scheduler.ContextProvider

	policy   *policy.State
	metrics  *metrics.Store
	insight  *insight.Accumulator
	breakers *resilience.Registry
	tune     atomic.Pointer[tunables]
	seq      atomic.Int64

	mu        sync.RWMutex
	requests  map[string]*requestState
	unitIndex map[string]string

	flightMu  sync.Mutex
	flights   map[string]*flight
	flightGen uint64

	wakeMu sync.Mutex
	wakeCh chan struct{}
}

// tunables are the hot-reloadable parts of the configuration.
type tunables struct {
	retry        resilience.RetryPolicy
	decision     decision.Engine
	scheduler    scheduler.Scheduler
	autoEvaluate bool
	parallelism  int
}

type requestState struct {
	mu       sync.Mutex
	req      domain.Request
	tasks    []string
	children map[string][]string
	units    map[string]*domain.Unit
	picked   map[string]scheduler.Components
}

// flight tracks an outstanding dispatch or backoff timer for a unit.
type flight struct {
	gen    uint64
	cancel context.CancelFunc
	timer  *time.Timer
}

func New(db *sql.DB, cfg *config.Config, logger *slog.Logger) *Engine {
	if cfg == nil {
		cfg = config.Default()
	}
	if logger == nil {
		logger = slog.Default()
	}
	e := &Engine{
		DB:        db,
		Repo:      repo.Repo{DB: db},
		Config:    cfg,
		Now:       time.Now,
		Logger:    logger,
		requests:  make(map[string]*requestState),
		unitIndex: make(map[string]string),
		flights:   make(map[string]*flight),
		wakeCh:    make(chan struct{}),
	}
	e.Events = events.Writer{Now: e.now}
	e.policy = policy.New(cfg.Policy.InitialThreshold, policy.Weights(cfg.Policy.Weights), policyBounds(cfg))
	e.policy.SetClock(e.now)
	e.metrics = metrics.NewStore(e.Repo)
	e.metrics.SetClock(e.now)
	e.insight = insight.New(e.policy, insightParams(cfg), logger)
	e.insight.OnRecalibrate(e.onRecalibrate)
	e.breakers = resilience.NewRegistry(resilience.BreakerConfig{
		FailureThreshold: cfg.Breaker.FailureThreshold,
		ResetTimeout:     cfg.Breaker.ResetTimeout,
		Now:              e.now,
	})
	e.Executor = executor.HTTP{URL: cfg.Executor.URL, Timeout: cfg.Executor.Timeout}
	e.Context = signals.NewRuntime(e.queueDepth)
	e.tune.Store(newTunables(cfg))
	return e
}

func (e *Engine) now() time.Time {
	if e.Now != nil {
		return e.Now().UTC()
	}
	return time.Now().UTC()
}

func (e *Engine) tunables() *tunables {
	return e.tune.Load()
}

func newTunables(cfg *config.Config) *tunables {
	return &tunables{
		retry: resilience.RetryPolicy{
			MaxRetries:     cfg.Retry.MaxRetries,
			BaseDelay:      cfg.Retry.BaseDelay,
			BackoffFactor:  cfg.Retry.BackoffFactor,
			JitterFraction: cfg.Retry.JitterFraction,
		},
		decision: decision.New(decision.Params{
			TimeWeight:       cfg.Decision.TimeWeight,
			ResourceWeight:   cfg.Decision.ResourceWeight,
			SiblingWeight:    cfg.Decision.SiblingWeight,
			RejectionPenalty: cfg.Decision.RejectionPenalty,
			Aggregate:        decision.Aggregate(cfg.Decision.Aggregate),
		}),
		scheduler:    scheduler.New(cfg.Scheduler.UrgencyHorizon, cfg.Scheduler.LightnessScale),
		autoEvaluate: cfg.Decision.AutoEvaluate,
		parallelism:  cfg.Scheduler.Parallelism,
	}
}

func policyBounds(cfg *config.Config) policy.Bounds {
	return policy.Bounds{
		MinThreshold: cfg.Policy.MinThreshold,
		MaxThreshold: cfg.Policy.MaxThreshold,
		MinWeight:    cfg.Policy.MinWeight,
		MaxWeight:    cfg.Policy.MaxWeight,
	}
}

func insightParams(cfg *config.Config) insight.Params {
	in := cfg.Insight
	return insight.Params{
		Reward: insight.RewardWeights{
			Time:       in.Reward.Time,
			Error:      in.Reward.Error,
			Resource:   in.Reward.Resource,
			Completion: in.Reward.Completion,
			Feedback:   in.Reward.Feedback,
		},
		TimeScale:         in.TimeScale,
		Window:            in.Window,
		RecalibrateEvery:  in.RecalibrateEvery,
		MinSamples:        in.MinSamples,
		MaxThresholdStep:  in.MaxThresholdStep,
		MaxWeightStep:     in.MaxWeightStep,
		HighReward:        in.HighReward,
		LowRejectionRate:  in.LowRejectionRate,
		HighRejectionRate: in.HighRejectionRate,
		NegativeFeedback:  in.NegativeFeedback,
	}
}

// ApplyConfig swaps in reloaded tunables. Breaker thresholds and the executor
// endpoint keep their startup values.
func (e *Engine) ApplyConfig(cfg *config.Config) {
	e.mu.Lock()
	e.Config = cfg
	e.mu.Unlock()
	e.tune.Store(newTunables(cfg))
	e.insight.SetParams(insightParams(cfg))
	snap := e.policy.SetBounds(policyBounds(cfg))
	e.Logger.Info("config applied", "threshold", snap.Threshold, "policy_version", snap.Version)
}

// Insight exposes the accumulator so callers can drive its periodic loop.
func (e *Engine) Insight() *insight.Accumulator {
	return e.insight
}

func (e *Engine) lookup(requestID string) (*requestState, error) {
	e.mu.RLock()
	rs, ok := e.requests[requestID]
	e.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("request %s: %w", requestID, ErrNotFound)
	}
	return rs, nil
}

// lookupUnit resolves the request holding unitID. A non-empty requestID must match.
func (e *Engine) lookupUnit(requestID, unitID string) (*requestState, error) {
	e.mu.RLock()
	owner, ok := e.unitIndex[unitID]
	rs := e.requests[owner]
	e.mu.RUnlock()
	if !ok || rs == nil || (requestID != "" && owner != requestID) {
		if requestID != "" {
			if _, err := e.lookup(requestID); err != nil {
				return nil, err
			}
		}
		return nil, fmt.Errorf("unit %s: %w", unitID, ErrNotFound)
	}
	return rs, nil
}

// newID returns prefix-xxxxxxxx, unique across requests and units.
func (e *Engine) newID(prefix string, taken map[string]domain.Unit) string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	for {
		id := prefix + "-" + strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
		if _, ok := e.requests[id]; ok {
			continue
		}
		if _, ok := e.unitIndex[id]; ok {
			continue
		}
		if _, ok := taken[id]; ok {
			continue
		}
		return id
	}
}

func (e *Engine) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

// wake releases everyone blocked on changed.
func (e *Engine) wake() {
	e.wakeMu.Lock()
	close(e.wakeCh)
	e.wakeCh = make(chan struct{})
	e.wakeMu.Unlock()
}

// changed returns a channel closed on the next state change.
func (e *Engine) changed() <-chan struct{} {
	e.wakeMu.Lock()
	defer e.wakeMu.Unlock()
	return e.wakeCh
}

// queueDepth counts pending and in-progress units across requests.
func (e *Engine) queueDepth() (pending, inProgress int) {
	e.mu.RLock()
	states := make([]*requestState, 0, len(e.requests))
	for _, rs := range e.requests {
		states = append(states, rs)
	}
	e.mu.RUnlock()
	for _, rs := range states {
		rs.mu.Lock()
		for _, u := range rs.units {
			switch u.Status {
			case domain.StatusPending:
				pending++
			case domain.StatusInProgress:
				inProgress++
			}
		}
		rs.mu.Unlock()
	}
	return pending, inProgress
}

func (e *Engine) signals(ctx context.Context) scheduler.Signals {
	if e.Context == nil {
		return scheduler.Signals{}
	}
	return e.Context.Signals(ctx)
}

func (e *Engine) beginFlight(unitID string, cancel context.CancelFunc) uint64 {
	e.flightMu.Lock()
	defer e.flightMu.Unlock()
	e.stopFlightLocked(unitID)
	e.flightGen++
	e.flights[unitID] = &flight{gen: e.flightGen, cancel: cancel}
	return e.flightGen
}

// endFlight reports whether gen is still the unit's current flight.
func (e *Engine) endFlight(unitID string, gen uint64) bool {
	e.flightMu.Lock()
	defer e.flightMu.Unlock()
	f, ok := e.flights[unitID]
	if !ok || f.gen != gen {
		return false
	}
	delete(e.flights, unitID)
	return true
}

// scheduleWake arms a backoff timer that wakes the run loop once the unit
// becomes eligible again.
func (e *Engine) scheduleWake(unitID string, delay time.Duration) {
	e.flightMu.Lock()
	defer e.flightMu.Unlock()
	e.stopFlightLocked(unitID)
	e.flightGen++
	gen := e.flightGen
	f := &flight{gen: gen}
	f.timer = time.AfterFunc(delay, func() {
		e.flightMu.Lock()
		if cur, ok := e.flights[unitID]; ok && cur.gen == gen {
			delete(e.flights, unitID)
		}
		e.flightMu.Unlock()
		e.wake()
	})
	e.flights[unitID] = f
}

func (e *Engine) cancelFlight(unitID string) {
	e.flightMu.Lock()
	e.stopFlightLocked(unitID)
	e.flightMu.Unlock()
}

func (e *Engine) stopFlightLocked(unitID string) {
	f, ok := e.flights[unitID]
	if !ok {
		return
	}
	if f.cancel != nil {
		f.cancel()
	}
	if f.timer != nil {
		f.timer.Stop()
	}
	delete(e.flights, unitID)
}

func (e *Engine) onRecalibrate(r insight.Report) {
	ctx := context.Background()
	err := e.withTx(ctx, func(tx *sql.Tx) error {
		if err := e.Repo.SavePolicy(ctx, tx, r.Snapshot); err != nil {
			return err
		}
		return e.Events.Append(ctx, tx, events.PolicyRecalibrated, "", "policy", "", "", events.Payload{
			"version":         r.Snapshot.Version,
			"threshold":       r.Snapshot.Threshold,
			"weights":         r.Snapshot.Weights,
			"threshold_delta": r.ThresholdDelta,
			"weight_deltas":   r.WeightDeltas,
			"mean_reward":     r.MeanReward,
			"negative_rate":   r.NegativeRate,
			"samples":         r.Samples,
		})
	})
	if err != nil {
		e.Logger.Error("persist policy", "version", r.Snapshot.Version, "error", err)
		return
	}
	e.Logger.Info("policy recalibrated", "version", r.Snapshot.Version, "threshold", r.Snapshot.Threshold)
}

// PolicyView is the published policy plus the statistics feeding it.
type PolicyView struct {
	policy.Snapshot
	Bounds  policy.Bounds      `json:"bounds"`
	Insight insight.Stats      `json:"insight"`
	Samples metrics.Aggregates `json:"samples"`
}

func (e *Engine) Policy(ctx context.Context) (PolicyView, error) {
	agg, err := e.metrics.Aggregates(ctx)
	if err != nil {
		return PolicyView{}, err
	}
	return PolicyView{
		Snapshot: e.policy.Snapshot(),
		Bounds:   e.policy.Bounds(),
		Insight:  e.insight.Stats(),
		Samples:  agg,
	}, nil
}

// Breakers lists the circuit breakers seen so far.
func (e *Engine) Breakers() []resilience.BreakerStatus {
	return e.breakers.List()
}

// BreakerRegistry is shared with other resilient call-sites such as webhooks.
func (e *Engine) BreakerRegistry() *resilience.Registry {
	return e.breakers
}

// Samples returns the performance samples recorded for a unit.
func (e *Engine) Samples(unitID string) []domain.Sample {
	return e.metrics.ForUnit(unitID)
}
