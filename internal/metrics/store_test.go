package metrics_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskmaster/internal/domain"
	"taskmaster/internal/metrics"
)

type memSink struct {
	mu      sync.Mutex
	samples []domain.Sample
	fail    bool
}

func (m *memSink) AppendSample(_ context.Context, s domain.Sample) error {
	if m.fail {
		return errors.New("disk full")
	}
	m.mu.Lock()
	m.samples = append(m.samples, s)
	m.mu.Unlock()
	return nil
}

func (m *memSink) SampleAggregates(context.Context) (metrics.Aggregates, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return metrics.Aggregates{Samples: len(m.samples)}, nil
}

func TestAppendAssignsIDAndPersists(t *testing.T) {
	sink := &memSink{}
	store := metrics.NewStore(sink)
	var seen []domain.Sample
	store.Subscribe(func(s domain.Sample) { seen = append(seen, s) })

	s, err := store.Append(context.Background(), domain.Sample{UnitID: "task-1", ExecutionTime: 2, Final: true})
	require.NoError(t, err)
	assert.NotEmpty(t, s.ID)
	assert.False(t, s.Timestamp.IsZero())
	assert.Len(t, sink.samples, 1)
	assert.Len(t, seen, 1)

	final, ok := store.Final("task-1")
	require.True(t, ok)
	assert.Equal(t, s.ID, final.ID)
}

func TestAppendFailureDoesNotPublish(t *testing.T) {
	store := metrics.NewStore(&memSink{fail: true})
	_, err := store.Append(context.Background(), domain.Sample{UnitID: "task-1"})
	require.Error(t, err)
	assert.Equal(t, 0, store.Len())
}

func TestFinalSkipsIntermediateSamples(t *testing.T) {
	store := metrics.NewStore(nil)
	ctx := context.Background()
	_, _ = store.Append(ctx, domain.Sample{UnitID: "u", Attempt: 0, ErrorOccurred: true})
	_, ok := store.Final("u")
	assert.False(t, ok)
	_, _ = store.Append(ctx, domain.Sample{UnitID: "u", Attempt: 1, Final: true})
	final, ok := store.Final("u")
	require.True(t, ok)
	assert.Equal(t, 1, final.Attempt)
	assert.Len(t, store.ForUnit("u"), 2)
}

func TestConcurrentAppend(t *testing.T) {
	store := metrics.NewStore(&memSink{})
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := store.Append(context.Background(), domain.Sample{UnitID: "u", Final: true})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.Equal(t, 50, store.Len())
	assert.Len(t, store.ForUnit("u"), 50)
}

func TestInMemoryAggregates(t *testing.T) {
	store := metrics.NewStore(nil)
	ctx := context.Background()
	_, _ = store.Append(ctx, domain.Sample{UnitID: "a", ExecutionTime: 2, ResourceUsage: 0.2, Final: true})
	_, _ = store.Append(ctx, domain.Sample{UnitID: "b", ExecutionTime: 4, ResourceUsage: 0.4, ErrorOccurred: true, Final: true})
	_, _ = store.Append(ctx, domain.Sample{UnitID: "b", ExecutionTime: 9, ErrorOccurred: true})
	agg, err := store.Aggregates(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, agg.Samples)
	assert.Equal(t, 2, agg.FinalSamples)
	assert.InDelta(t, 0.5, agg.ErrorRate, 1e-9)
	assert.InDelta(t, 3.0, agg.AvgExecutionTime, 1e-9)
	assert.InDelta(t, 0.3, agg.AvgResourceUsage, 1e-9)
}
