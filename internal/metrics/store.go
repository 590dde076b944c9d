// Package metrics is the append-only log of performance samples.
package metrics

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"taskmaster/internal/domain"
)

// Sink durably persists samples and answers aggregate queries.
type Sink interface {
	AppendSample(ctx context.Context, s domain.Sample) error
	SampleAggregates(ctx context.Context) (Aggregates, error)
}

type Aggregates struct {
	Samples          int     `json:"samples"`
	FinalSamples     int     `json:"final_samples"`
	ErrorRate        float64 `json:"error_rate"`
	AvgExecutionTime float64 `json:"avg_execution_time"`
	AvgResourceUsage float64 `json:"avg_resource_usage"`
}

type Store struct {
	sink Sink
	now  func() time.Time

	mu      sync.RWMutex
	samples []domain.Sample
	byUnit  map[string][]int
	subs    []func(domain.Sample)
}

func NewStore(sink Sink) *Store {
	return &Store{sink: sink, now: time.Now, byUnit: make(map[string][]int)}
}

// SetClock replaces the timestamp source.
func (s *Store) SetClock(now func() time.Time) { s.now = now }

// Subscribe registers fn to run after every append.
func (s *Store) Subscribe(fn func(domain.Sample)) {
	s.mu.Lock()
	s.subs = append(s.subs, fn)
	s.mu.Unlock()
}

// Append assigns an id and timestamp when missing, persists the sample through
// the sink and then publishes it. Samples are never mutated afterwards.
func (s *Store) Append(ctx context.Context, sample domain.Sample) (domain.Sample, error) {
	if sample.UnitID == "" {
		return domain.Sample{}, fmt.Errorf("sample unit id is required")
	}
	if sample.Timestamp.IsZero() {
		sample.Timestamp = s.now().UTC()
	}
	if sample.ID == "" {
		sample.ID = ulid.Make().String()
	}
	if s.sink != nil {
		if err := s.sink.AppendSample(ctx, sample); err != nil {
			return domain.Sample{}, fmt.Errorf("persist sample: %w", err)
		}
	}
	s.mu.Lock()
	s.byUnit[sample.UnitID] = append(s.byUnit[sample.UnitID], len(s.samples))
	s.samples = append(s.samples, sample)
	subs := s.subs
	s.mu.Unlock()
	for _, fn := range subs {
		fn(sample)
	}
	return sample, nil
}

// Load seeds the in-memory log from storage without re-persisting or
// notifying subscribers.
func (s *Store) Load(samples []domain.Sample) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sample := range samples {
		s.byUnit[sample.UnitID] = append(s.byUnit[sample.UnitID], len(s.samples))
		s.samples = append(s.samples, sample)
	}
}

func (s *Store) ForUnit(unitID string) []domain.Sample {
	s.mu.RLock()
	defer s.mu.RUnlock()
	idx := s.byUnit[unitID]
	out := make([]domain.Sample, 0, len(idx))
	for _, i := range idx {
		out = append(out, s.samples[i])
	}
	return out
}

// Final returns the terminal sample for a unit, if any, preferring the latest.
func (s *Store) Final(unitID string) (domain.Sample, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	idx := s.byUnit[unitID]
	for i := len(idx) - 1; i >= 0; i-- {
		if sample := s.samples[idx[i]]; sample.Final {
			return sample, true
		}
	}
	return domain.Sample{}, false
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.samples)
}

// Aggregates prefers the sink's view, falling back to the in-memory log.
func (s *Store) Aggregates(ctx context.Context) (Aggregates, error) {
	if s.sink != nil {
		return s.sink.SampleAggregates(ctx)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var agg Aggregates
	var errs int
	var sumTime, sumRes float64
	for _, sample := range s.samples {
		agg.Samples++
		if !sample.Final {
			continue
		}
		agg.FinalSamples++
		sumTime += sample.ExecutionTime
		sumRes += sample.ResourceUsage
		if sample.ErrorOccurred {
			errs++
		}
	}
	if agg.FinalSamples > 0 {
		n := float64(agg.FinalSamples)
		agg.ErrorRate = float64(errs) / n
		agg.AvgExecutionTime = sumTime / n
		agg.AvgResourceUsage = sumRes / n
	}
	return agg, nil
}
