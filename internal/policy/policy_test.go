package policy_test

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskmaster/internal/policy"
)

var bounds = policy.Bounds{MinThreshold: 0.5, MaxThreshold: 0.95, MinWeight: 0.1, MaxWeight: 3}

func TestNewClampsInitialValues(t *testing.T) {
	s := policy.New(1.2, policy.Weights{"priority": 9, "urgency": -1}, bounds)
	snap := s.Snapshot()
	assert.Equal(t, 0.95, snap.Threshold)
	assert.Equal(t, 3.0, snap.Weights.Get("priority"))
	assert.Equal(t, 0.1, snap.Weights.Get("urgency"))
	assert.Equal(t, int64(0), snap.Version)
}

func TestUpdatePublishesNewVersion(t *testing.T) {
	s := policy.New(0.75, policy.Weights{"priority": 1}, bounds)
	before := s.Snapshot()
	after := s.Update(func(snap *policy.Snapshot) {
		snap.Threshold -= 0.5
		snap.Weights["priority"] = 2
	})
	assert.Equal(t, 0.5, after.Threshold)
	assert.Equal(t, 2.0, after.Weights.Get("priority"))
	assert.Equal(t, before.Version+1, after.Version)
	// earlier snapshots are never mutated
	assert.Equal(t, 1.0, before.Weights.Get("priority"))
}

func TestSetBoundsReclamps(t *testing.T) {
	s := policy.New(0.9, policy.Weights{"context": 2.5}, bounds)
	snap := s.SetBounds(policy.Bounds{MinThreshold: 0.6, MaxThreshold: 0.8, MinWeight: 0, MaxWeight: 2})
	assert.Equal(t, 0.8, snap.Threshold)
	assert.Equal(t, 2.0, snap.Weights.Get("context"))
}

func TestRestoreKeepsVersion(t *testing.T) {
	s := policy.New(0.75, policy.Weights{"priority": 1}, bounds)
	snap := s.Restore(policy.Snapshot{Threshold: 0.7, Weights: policy.Weights{"priority": 1.4}, Version: 12})
	assert.Equal(t, int64(12), snap.Version)
	assert.Equal(t, 0.7, s.Snapshot().Threshold)
}

func TestConcurrentReadersSeeConsistentSnapshots(t *testing.T) {
	s := policy.New(0.75, policy.Weights{"priority": 1, "urgency": 1}, bounds)
	var wg sync.WaitGroup
	stop := make(chan struct{})
	errs := make(chan string, 1)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				snap := s.Snapshot()
				// writers always move both weights together
				if snap.Weights.Get("priority") != snap.Weights.Get("urgency") {
					select {
					case errs <- "torn snapshot":
					default:
					}
					return
				}
			}
		}()
	}
	for i := 0; i < 200; i++ {
		v := 0.1 + float64(i%20)*0.1
		s.Update(func(snap *policy.Snapshot) {
			snap.Weights["priority"] = v
			snap.Weights["urgency"] = v
		})
	}
	close(stop)
	wg.Wait()
	select {
	case msg := <-errs:
		require.Fail(t, msg)
	default:
	}
	assert.Equal(t, int64(200), s.Snapshot().Version)
}
