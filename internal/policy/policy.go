// Package policy holds the adaptive parameters shared by the scheduler and the
// decision engine. Readers load an immutable snapshot; a single writer path
// publishes a new snapshot atomically so threshold and weights always change
// together.
package policy

import (
	"math"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// Weights maps a scheduling signal name to its weight. Published weights are
// never mutated; use Clone before editing.
type Weights map[string]float64

func (w Weights) Get(signal string) float64 { return w[signal] }

func (w Weights) Clone() Weights {
	out := make(Weights, len(w))
	for k, v := range w {
		out[k] = v
	}
	return out
}

// Names returns the signal names in stable order.
func (w Weights) Names() []string {
	names := make([]string, 0, len(w))
	for k := range w {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

type Snapshot struct {
	Threshold float64   `json:"threshold"`
	Weights   Weights   `json:"weights"`
	Version   int64     `json:"version"`
	UpdatedAt time.Time `json:"updated_at"`
}

type Bounds struct {
	MinThreshold float64 `json:"min_threshold"`
	MaxThreshold float64 `json:"max_threshold"`
	MinWeight    float64 `json:"min_weight"`
	MaxWeight    float64 `json:"max_weight"`
}

type State struct {
	mu     sync.Mutex // serialises writers
	bounds Bounds
	snap   atomic.Pointer[Snapshot]
	now    func() time.Time
}

func New(threshold float64, weights Weights, b Bounds) *State {
	s := &State{bounds: b, now: time.Now}
	snap := &Snapshot{Threshold: threshold, Weights: weights.Clone(), UpdatedAt: s.now().UTC()}
	s.clamp(snap)
	s.snap.Store(snap)
	return s
}

// SetClock replaces the timestamp source; intended for tests.
func (s *State) SetClock(now func() time.Time) {
	s.mu.Lock()
	s.now = now
	s.mu.Unlock()
}

// Snapshot returns the current published parameters.
func (s *State) Snapshot() Snapshot {
	return *s.snap.Load()
}

func (s *State) Bounds() Bounds {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bounds
}

// Update applies fn to a private copy, clamps the result, bumps the version
// and publishes it.
func (s *State) Update(fn func(*Snapshot)) Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur := s.snap.Load()
	next := &Snapshot{Threshold: cur.Threshold, Weights: cur.Weights.Clone()}
	fn(next)
	s.clamp(next)
	next.Version = cur.Version + 1
	next.UpdatedAt = s.now().UTC()
	s.snap.Store(next)
	return *next
}

// SetBounds changes the clamp range and re-clamps the published snapshot.
func (s *State) SetBounds(b Bounds) Snapshot {
	s.mu.Lock()
	s.bounds = b
	s.mu.Unlock()
	return s.Update(func(*Snapshot) {})
}

// Restore publishes a persisted snapshot verbatim apart from clamping.
func (s *State) Restore(snap Snapshot) Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	next := &Snapshot{Threshold: snap.Threshold, Weights: snap.Weights.Clone(), Version: snap.Version, UpdatedAt: snap.UpdatedAt}
	if len(next.Weights) == 0 {
		next.Weights = s.snap.Load().Weights.Clone()
	}
	s.clamp(next)
	s.snap.Store(next)
	return *next
}

func (s *State) clamp(snap *Snapshot) {
	snap.Threshold = Clamp(snap.Threshold, s.bounds.MinThreshold, s.bounds.MaxThreshold)
	for k, v := range snap.Weights {
		snap.Weights[k] = Clamp(v, s.bounds.MinWeight, s.bounds.MaxWeight)
	}
}

// Clamp bounds v to [lo, hi]; NaN collapses to lo.
func Clamp(v, lo, hi float64) float64 {
	if math.IsNaN(v) || v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
