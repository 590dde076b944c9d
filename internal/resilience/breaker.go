package resilience

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"
)

type BreakerState string

const (
	StateClosed   BreakerState = "CLOSED"
	StateOpen     BreakerState = "OPEN"
	StateHalfOpen BreakerState = "HALF_OPEN"
)

type BreakerConfig struct {
	FailureThreshold int
	ResetTimeout     time.Duration
	Now              func() time.Time
}

type BreakerStatus struct {
	Site                string       `json:"site"`
	State               BreakerState `json:"state" enum:"CLOSED,OPEN,HALF_OPEN"`
	ConsecutiveFailures int          `json:"consecutive_failures"`
	ChangedAt           time.Time    `json:"changed_at"`
}

// Breaker tracks consecutive transient failures at one call-site.
type Breaker struct {
	site string
	cfg  BreakerConfig

	mu        sync.Mutex
	state     BreakerState
	failures  int
	changedAt time.Time
	epoch     uint64
	trial     bool
}

// Ticket identifies one admitted call. Only a ticket issued in the current
// state epoch can move the breaker, and only the half-open trial's ticket can
// free the trial slot.
type Ticket struct {
	epoch uint64
	trial bool
}

func NewBreaker(site string, cfg BreakerConfig) *Breaker {
	if cfg.FailureThreshold < 1 {
		cfg.FailureThreshold = 5
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 60 * time.Second
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Breaker{site: site, cfg: cfg, state: StateClosed, changedAt: cfg.Now()}
}

func (b *Breaker) Site() string { return b.site }

// Allow admits a call or fails fast with an *OpenError. In HALF_OPEN only one
// trial is admitted until its ticket is recorded or released.
func (b *Breaker) Allow() (Ticket, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.cfg.Now()
	b.advance(now)
	switch b.state {
	case StateOpen:
		return Ticket{}, &OpenError{Site: b.site, RetryAfter: b.changedAt.Add(b.cfg.ResetTimeout).Sub(now)}
	case StateHalfOpen:
		if b.trial {
			return Ticket{}, &OpenError{Site: b.site, RetryAfter: b.cfg.ResetTimeout}
		}
		b.trial = true
		return Ticket{epoch: b.epoch, trial: true}, nil
	}
	return Ticket{epoch: b.epoch}, nil
}

// Record settles an admitted call. Transient failures count toward opening;
// success and definitive answers prove the callee is reachable. A call
// admitted before the last state change settles nothing.
func (b *Breaker) Record(t Ticket, err error) {
	if errors.Is(err, context.Canceled) {
		b.Release(t)
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if t.epoch != b.epoch {
		return
	}
	b.settle(err, b.cfg.Now())
}

// Release gives back an admitted call whose result was discarded.
func (b *Breaker) Release(t Ticket) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if t.trial && t.epoch == b.epoch {
		b.trial = false
	}
}

// Observe accounts for an outcome that reached the call-site without passing
// Allow, such as an asynchronous completion. It only moves a CLOSED breaker;
// while OPEN or HALF_OPEN the admitted trial alone decides.
func (b *Breaker) Observe(err error) {
	if errors.Is(err, context.Canceled) {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.cfg.Now()
	b.advance(now)
	if b.state != StateClosed {
		return
	}
	b.settle(err, now)
}

func (b *Breaker) settle(err error, now time.Time) {
	if b.state == StateHalfOpen {
		b.trial = false
	}
	if err != nil && IsTransient(err) {
		b.failures++
		if b.state == StateHalfOpen || b.failures >= b.cfg.FailureThreshold {
			b.transition(StateOpen, now)
		}
		return
	}
	b.failures = 0
	if b.state != StateClosed {
		b.transition(StateClosed, now)
	}
}

// Execute runs fn under the breaker.
func (b *Breaker) Execute(ctx context.Context, fn func(context.Context) error) error {
	t, err := b.Allow()
	if err != nil {
		return err
	}
	err = fn(ctx)
	b.Record(t, err)
	return err
}

func (b *Breaker) Status() BreakerStatus {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.advance(b.cfg.Now())
	return BreakerStatus{Site: b.site, State: b.state, ConsecutiveFailures: b.failures, ChangedAt: b.changedAt}
}

func (b *Breaker) advance(now time.Time) {
	if b.state == StateOpen && !now.Before(b.changedAt.Add(b.cfg.ResetTimeout)) {
		b.transition(StateHalfOpen, now)
	}
}

func (b *Breaker) transition(to BreakerState, now time.Time) {
	b.state = to
	b.changedAt = now
	b.epoch++
	b.trial = false
}

// Registry hands out one breaker per call-site.
type Registry struct {
	cfg BreakerConfig
	mu  sync.RWMutex
	m   map[string]*Breaker
}

func NewRegistry(cfg BreakerConfig) *Registry {
	return &Registry{cfg: cfg, m: make(map[string]*Breaker)}
}

func (r *Registry) Get(site string) *Breaker {
	r.mu.RLock()
	b, ok := r.m[site]
	r.mu.RUnlock()
	if ok {
		return b
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.m[site]; ok {
		return b
	}
	b = NewBreaker(site, r.cfg)
	r.m[site] = b
	return b
}

func (r *Registry) List() []BreakerStatus {
	r.mu.RLock()
	out := make([]BreakerStatus, 0, len(r.m))
	for _, b := range r.m {
		out = append(out, b.Status())
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Site < out[j].Site })
	return out
}
