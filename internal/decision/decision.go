// Package decision scores completed units and decides between automatic
// approval and human escalation.
package decision

import (
	"fmt"
	"math"

	"taskmaster/internal/domain"
	"taskmaster/internal/policy"
)

type Aggregate string

const (
	AggregateMin  Aggregate = "min"
	AggregateMean Aggregate = "mean"
)

type Params struct {
	TimeWeight       float64
	ResourceWeight   float64
	SiblingWeight    float64
	RejectionPenalty float64
	Aggregate        Aggregate
}

// Input is everything known about a completed unit.
type Input struct {
	Sample     *domain.Sample
	Failed     bool
	Rejections int
	// Historical means over recent final samples; zero means no history.
	MeanExecutionTime float64
	MeanResourceUsage float64
	// Siblings that already received a decision, and how many were approved.
	SiblingsDecided  int
	SiblingsApproved int
	// Confidences recorded for the unit's subtasks.
	SubtaskScores []float64
}

type Result struct {
	Confidence float64
	Threshold  float64
	Approved   bool
	Role       domain.Role
	Reason     string
}

type Engine struct {
	Params Params
}

func New(p Params) Engine {
	return Engine{Params: p}
}

// TimeScore is 1 at or below the historical mean and decays beyond it.
func TimeScore(t, mean float64) float64 {
	if mean <= 0 || t <= mean {
		return 1
	}
	return mean / t
}

// ResourceScore is 1 for idle usage and 0 for a saturated budget.
func ResourceScore(usage float64) float64 {
	return 1 - policy.Clamp(usage, 0, 1)
}

// SiblingScore is the Laplace-smoothed share of decided siblings that were approved.
func SiblingScore(decided, approved int) float64 {
	return float64(1+approved) / float64(1+decided)
}

// Confidence maps the input to [0, 1]. An error or failure scores 0.
func (e Engine) Confidence(in Input) float64 {
	if in.Failed || in.Sample == nil || in.Sample.ErrorOccurred {
		return 0
	}
	p := e.Params
	total := p.TimeWeight + p.ResourceWeight + p.SiblingWeight
	if total <= 0 {
		return 0
	}
	score := (p.TimeWeight*TimeScore(in.Sample.ExecutionTime, in.MeanExecutionTime) +
		p.ResourceWeight*ResourceScore(in.Sample.ResourceUsage) +
		p.SiblingWeight*SiblingScore(in.SiblingsDecided, in.SiblingsApproved)) / total
	if in.Rejections > 0 && p.RejectionPenalty > 0 {
		score *= math.Pow(p.RejectionPenalty, float64(in.Rejections))
	}
	for _, sub := range in.SubtaskScores {
		score = math.Min(score, sub)
	}
	return policy.Clamp(score, 0, 1)
}

// Decide compares the confidence with threshold. Below it, failed units go to
// a manager and everything else to an agent.
func (e Engine) Decide(in Input, threshold float64) Result {
	conf := e.Confidence(in)
	res := Result{Confidence: conf, Threshold: threshold}
	switch {
	case conf >= threshold:
		res.Approved = true
		res.Role = domain.RoleAuto
		res.Reason = fmt.Sprintf("confidence %.3f >= threshold %.3f", conf, threshold)
	case in.Failed || (in.Sample != nil && in.Sample.ErrorOccurred):
		res.Role = domain.RoleManager
		res.Reason = "unit failed; manual intervention required"
	default:
		res.Role = domain.RoleAgent
		res.Reason = fmt.Sprintf("confidence %.3f below threshold %.3f", conf, threshold)
	}
	return res
}

// AggregateScores folds unit confidences into a request-level score.
func (e Engine) AggregateScores(scores []float64) float64 {
	if len(scores) == 0 {
		return 0
	}
	if e.Params.Aggregate == AggregateMean {
		var sum float64
		for _, s := range scores {
			sum += s
		}
		return sum / float64(len(scores))
	}
	lowest := scores[0]
	for _, s := range scores[1:] {
		lowest = math.Min(lowest, s)
	}
	return lowest
}

// DecideRequest applies the threshold to an aggregate score. Escalations of
// requests go to a manager.
func (e Engine) DecideRequest(scores []float64, threshold float64) Result {
	conf := e.AggregateScores(scores)
	if conf >= threshold {
		return Result{Confidence: conf, Threshold: threshold, Approved: true, Role: domain.RoleAuto,
			Reason: fmt.Sprintf("%s confidence %.3f >= threshold %.3f", e.aggregateName(), conf, threshold)}
	}
	return Result{Confidence: conf, Threshold: threshold, Role: domain.RoleManager,
		Reason: fmt.Sprintf("%s confidence %.3f below threshold %.3f", e.aggregateName(), conf, threshold)}
}

func (e Engine) aggregateName() string {
	if e.Params.Aggregate == AggregateMean {
		return "mean"
	}
	return "min"
}
