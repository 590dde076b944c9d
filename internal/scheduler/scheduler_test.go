package scheduler_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskmaster/internal/domain"
	"taskmaster/internal/policy"
	"taskmaster/internal/scheduler"
)

var (
	now     = time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	weights = policy.Weights{"priority": 1, "urgency": 1.5, "context": 0.5}
	sched   = scheduler.New(24*time.Hour, 500)
)

func unit(id string, seq int64, p domain.Priority) domain.Unit {
	return domain.Unit{ID: id, Seq: seq, Priority: p, Status: domain.StatusPending}
}

func due(d time.Duration) *time.Time {
	t := now.Add(d)
	return &t
}

func TestUrgencyIsMonotonic(t *testing.T) {
	assert.Equal(t, 0.0, sched.Urgency(nil, now))
	prev := -1.0
	for _, left := range []time.Duration{96 * time.Hour, 24 * time.Hour, time.Hour, 0, -time.Hour, -24 * time.Hour, -96 * time.Hour} {
		u := sched.Urgency(due(left), now)
		assert.GreaterOrEqual(t, u, prev, "urgency at %s", left)
		prev = u
	}
	assert.Equal(t, 2.0, sched.Urgency(due(-96*time.Hour), now))
}

func TestSelectPrefersPriority(t *testing.T) {
	cands := []scheduler.Candidate{
		{Unit: unit("low", 1, domain.PriorityLow)},
		{Unit: unit("high", 3, domain.PriorityHigh)},
		{Unit: unit("medium", 2, domain.PriorityMedium)},
	}
	c, score, ok := sched.Select(cands, weights, scheduler.Signals{}, now)
	require.True(t, ok)
	assert.Equal(t, "high", c.Unit.ID)
	assert.Equal(t, 3.0, score.Components.Priority)
}

func TestSelectDueDateCanOutrankPriority(t *testing.T) {
	overdue := unit("overdue", 2, domain.PriorityLow)
	overdue.DueDate = due(-24 * time.Hour)
	cands := []scheduler.Candidate{{Unit: unit("high", 1, domain.PriorityHigh)}, {Unit: overdue}}
	c, _, ok := sched.Select(cands, weights, scheduler.Signals{}, now)
	require.True(t, ok)
	assert.Equal(t, "overdue", c.Unit.ID)
}

func TestSelectTieBreaksOnCreationOrder(t *testing.T) {
	cands := []scheduler.Candidate{
		{Unit: unit("second", 7, domain.PriorityMedium)},
		{Unit: unit("first", 3, domain.PriorityMedium)},
	}
	c, _, ok := sched.Select(cands, weights, scheduler.Signals{}, now)
	require.True(t, ok)
	assert.Equal(t, "first", c.Unit.ID)
}

func TestSelectUnderLoadFavoursLightUnits(t *testing.T) {
	heavy := unit("heavy", 1, domain.PriorityMedium)
	heavy.Description = string(make([]byte, 2000))
	light := unit("light", 2, domain.PriorityMedium)
	cands := []scheduler.Candidate{{Unit: heavy, Subtasks: 2}, {Unit: light}}

	c, _, _ := sched.Select(cands, weights, scheduler.Signals{}, now)
	assert.Equal(t, "heavy", c.Unit.ID, "idle system keeps creation order")

	loaded := scheduler.Static{SystemLoad: 0.9, QueueDepth: 0.9, ResourceScarcity: 0.9}
	c, score, _ := sched.Select(cands, weights, loaded.Signals(context.Background()), now)
	assert.Equal(t, "light", c.Unit.ID)
	assert.InDelta(t, 0.9, score.Components.Context, 1e-9)
}

func TestSelectSkipsIneligible(t *testing.T) {
	running := unit("running", 1, domain.PriorityHigh)
	running.Status = domain.StatusInProgress
	backoff := unit("backoff", 2, domain.PriorityHigh)
	backoff.NotBefore = due(time.Minute)
	done := unit("done", 3, domain.PriorityHigh)
	done.Status = domain.StatusApproved
	cands := []scheduler.Candidate{{Unit: running}, {Unit: backoff}, {Unit: done}}
	_, _, ok := sched.Select(cands, weights, scheduler.Signals{}, now)
	assert.False(t, ok)

	_, _, ok = sched.Select(cands, weights, scheduler.Signals{}, now.Add(time.Minute))
	assert.True(t, ok, "backoff expires")
}

func TestWeightsScaleComponents(t *testing.T) {
	c := scheduler.Candidate{Unit: unit("u", 1, domain.PriorityHigh)}
	c.Unit.DueDate = due(0)
	sc := sched.Score(c, policy.Weights{"priority": 2, "urgency": 3}, scheduler.Signals{}, now)
	assert.InDelta(t, 2*3+3*1, sc.Total, 1e-9)
	assert.Equal(t, map[string]float64{"priority": 3, "urgency": 1, "context": 0}, sc.Components.Map())
}
