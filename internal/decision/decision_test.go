package decision_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"taskmaster/internal/decision"
	"taskmaster/internal/domain"
)

var eng = decision.New(decision.Params{TimeWeight: 0.4, ResourceWeight: 0.3, SiblingWeight: 0.3, RejectionPenalty: 0.85, Aggregate: decision.AggregateMin})

func clean() *domain.Sample {
	return &domain.Sample{UnitID: "u", ExecutionTime: 1, ResourceUsage: 0, Final: true}
}

func TestCleanSampleWithoutHistoryAutoApproves(t *testing.T) {
	res := eng.Decide(decision.Input{Sample: clean()}, 0.75)
	assert.True(t, res.Approved)
	assert.Equal(t, domain.RoleAuto, res.Role)
	assert.InDelta(t, 1.0, res.Confidence, 1e-9)
}

func TestErrorForcesZeroConfidence(t *testing.T) {
	s := clean()
	s.ErrorOccurred = true
	for _, threshold := range []float64{0.01, 0.5, 0.75} {
		res := eng.Decide(decision.Input{Sample: s}, threshold)
		assert.False(t, res.Approved)
		assert.Equal(t, 0.0, res.Confidence)
		assert.Equal(t, domain.RoleManager, res.Role)
	}
	assert.Equal(t, 0.0, eng.Confidence(decision.Input{Sample: clean(), Failed: true}))
	assert.Equal(t, 0.0, eng.Confidence(decision.Input{}))
}

func TestSlowAndHeavyUnitsEscalateToAgent(t *testing.T) {
	s := clean()
	s.ExecutionTime = 40
	s.ResourceUsage = 0.9
	res := eng.Decide(decision.Input{Sample: s, MeanExecutionTime: 10}, 0.75)
	assert.False(t, res.Approved)
	assert.Equal(t, domain.RoleAgent, res.Role)
	// 0.4*0.25 + 0.3*0.1 + 0.3*1
	assert.InDelta(t, 0.43, res.Confidence, 1e-9)
}

func TestConfidenceIsMonotonicInSignals(t *testing.T) {
	base := eng.Confidence(decision.Input{Sample: clean(), MeanExecutionTime: 2})
	slow := clean()
	slow.ExecutionTime = 8
	assert.Less(t, eng.Confidence(decision.Input{Sample: slow, MeanExecutionTime: 2}), base)
	assert.Less(t, eng.Confidence(decision.Input{Sample: clean(), MeanExecutionTime: 2, SiblingsDecided: 2}), base)
	assert.Less(t, eng.Confidence(decision.Input{Sample: clean(), MeanExecutionTime: 2, Rejections: 1}), base)
}

func TestSubtaskScoresCapParent(t *testing.T) {
	c := eng.Confidence(decision.Input{Sample: clean(), SubtaskScores: []float64{0.9, 0.6}})
	assert.InDelta(t, 0.6, c, 1e-9)
}

func TestSiblingScore(t *testing.T) {
	assert.Equal(t, 1.0, decision.SiblingScore(0, 0))
	assert.Equal(t, 1.0, decision.SiblingScore(3, 3))
	assert.InDelta(t, 0.25, decision.SiblingScore(3, 0), 1e-9)
}

func TestAggregate(t *testing.T) {
	scores := []float64{0.9, 0.6, 0.9}
	assert.InDelta(t, 0.6, eng.AggregateScores(scores), 1e-9)
	mean := decision.New(decision.Params{Aggregate: decision.AggregateMean})
	assert.InDelta(t, 0.8, mean.AggregateScores(scores), 1e-9)

	res := eng.DecideRequest(scores, 0.75)
	assert.False(t, res.Approved)
	assert.Equal(t, domain.RoleManager, res.Role)
	res = mean.DecideRequest(scores, 0.75)
	assert.True(t, res.Approved)
	assert.Equal(t, domain.RoleAuto, res.Role)
}
