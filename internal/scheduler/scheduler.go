// Package scheduler scores pending units and picks the next one to run.
package scheduler

import (
	"context"
	"math"
	"time"

	"taskmaster/internal/domain"
	"taskmaster/internal/policy"
)

// Signal names, shared with policy weights.
const (
	SignalPriority = "priority"
	SignalUrgency  = "urgency"
	SignalContext  = "context"
)

// Signals is live load telemetry, each field in [0, 1].
type Signals struct {
	SystemLoad       float64 `json:"system_load"`
	QueueDepth       float64 `json:"queue_depth"`
	ResourceScarcity float64 `json:"resource_scarcity"`
}

// Pressure folds the signals into one load figure in [0, 1].
func (s Signals) Pressure() float64 {
	return policy.Clamp((s.SystemLoad+s.QueueDepth+s.ResourceScarcity)/3, 0, 1)
}

// ContextProvider supplies live signals on demand.
type ContextProvider interface {
	Signals(ctx context.Context) Signals
}

// Static is a fixed ContextProvider.
type Static Signals

func (s Static) Signals(context.Context) Signals { return Signals(s) }

// Candidate is a unit plus the shape facts the scorer needs.
type Candidate struct {
	Unit     domain.Unit
	Subtasks int
}

type Components struct {
	Priority float64 `json:"priority"`
	Urgency  float64 `json:"urgency"`
	Context  float64 `json:"context"`
}

// Map keys components by signal name.
func (c Components) Map() map[string]float64 {
	return map[string]float64{SignalPriority: c.Priority, SignalUrgency: c.Urgency, SignalContext: c.Context}
}

type Score struct {
	UnitID     string     `json:"unit_id"`
	Total      float64    `json:"total"`
	Components Components `json:"components"`
}

type Scheduler struct {
	// UrgencyHorizon is how far ahead of a due date urgency starts to climb.
	UrgencyHorizon time.Duration
	// LightnessScale is the description length that halves a unit's lightness.
	LightnessScale float64
}

func New(horizon time.Duration, lightnessScale float64) Scheduler {
	return Scheduler{UrgencyHorizon: horizon, LightnessScale: lightnessScale}
}

// Urgency is 0 without a due date, rises toward 1 as the date nears and keeps
// rising up to 2 once it has passed.
func (s Scheduler) Urgency(due *time.Time, now time.Time) float64 {
	if due == nil {
		return 0
	}
	horizon := s.UrgencyHorizon
	if horizon <= 0 {
		horizon = 24 * time.Hour
	}
	left := due.Sub(now)
	if left > 0 {
		return 1 / (1 + float64(left)/float64(horizon))
	}
	return 1 + math.Min(float64(-left)/float64(horizon), 1)
}

// Lightness favours short units without subtasks; in (0, 1].
func (s Scheduler) Lightness(c Candidate) float64 {
	scale := s.LightnessScale
	if scale <= 0 {
		scale = 500
	}
	return 1 / (1 + float64(len(c.Unit.Description))/scale + float64(c.Subtasks))
}

func (s Scheduler) Score(c Candidate, w policy.Weights, sig Signals, now time.Time) Score {
	comp := Components{
		Priority: float64(c.Unit.Priority.Rank()),
		Urgency:  s.Urgency(c.Unit.DueDate, now),
		Context:  sig.Pressure() * s.Lightness(c),
	}
	total := w.Get(SignalPriority)*comp.Priority + w.Get(SignalUrgency)*comp.Urgency + w.Get(SignalContext)*comp.Context
	return Score{UnitID: c.Unit.ID, Total: total, Components: comp}
}

// Eligible reports whether a unit may be picked now.
func Eligible(u domain.Unit, now time.Time) bool {
	if u.Status != domain.StatusPending {
		return false
	}
	return u.NotBefore == nil || !now.Before(*u.NotBefore)
}

// Select returns the highest scoring eligible candidate. Ties go to the lower
// creation sequence.
func (s Scheduler) Select(cands []Candidate, w policy.Weights, sig Signals, now time.Time) (Candidate, Score, bool) {
	var (
		best      Candidate
		bestScore Score
		found     bool
	)
	for _, c := range cands {
		if !Eligible(c.Unit, now) {
			continue
		}
		sc := s.Score(c, w, sig, now)
		if !found || sc.Total > bestScore.Total || (sc.Total == bestScore.Total && c.Unit.Seq < best.Unit.Seq) {
			best, bestScore, found = c, sc, true
		}
	}
	return best, bestScore, found
}
