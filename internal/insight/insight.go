// Package insight turns final performance samples into rewards and
// periodically recalibrates the shared policy from them.
package insight

import (
	"context"
	"log/slog"
	"math"
	"sync"
	"time"

	"taskmaster/internal/domain"
	"taskmaster/internal/policy"
)

type RewardWeights struct {
	Time       float64
	Error      float64
	Resource   float64
	Completion float64
	Feedback   float64
}

type Params struct {
	Reward RewardWeights
	// TimeScale is the execution time in seconds that normalises to 0.5.
	TimeScale         float64
	Window            int
	RecalibrateEvery  int
	MinSamples        int
	MaxThresholdStep  float64
	MaxWeightStep     float64
	HighReward        float64
	LowRejectionRate  float64
	HighRejectionRate float64
	NegativeFeedback  float64
}

// Signals are the scheduler's per-signal component values for a unit.
type Signals map[string]float64

// RewardFor maps a sample to [-1, 1]. feedback, when present, is a human score in [0, 1].
func (p Params) RewardFor(s domain.Sample, completed bool, feedback *float64) float64 {
	scale := p.TimeScale
	if scale <= 0 {
		scale = 60
	}
	t := math.Max(s.ExecutionTime, 0)
	normTime := t / (t + scale)
	var errv, comp, fb float64
	if s.ErrorOccurred {
		errv = 1
	}
	if completed {
		comp = 1
	}
	if feedback != nil {
		fb = 2*policy.Clamp(*feedback, 0, 1) - 1
	}
	w := p.Reward
	r := -w.Time*normTime - w.Error*errv - w.Resource*policy.Clamp(s.ResourceUsage, 0, 1) + w.Completion*comp + w.Feedback*fb
	return policy.Clamp(r, -1, 1)
}

type record struct {
	sample       domain.Sample
	completed    bool
	reward       float64
	feedback     *float64
	negative     bool
	autoApproved bool
	signals      Signals
}

type Stats struct {
	Count             int     `json:"count"`
	MeanExecutionTime float64 `json:"mean_execution_time"`
	MeanResourceUsage float64 `json:"mean_resource_usage"`
	ErrorRate         float64 `json:"error_rate"`
	MeanReward        float64 `json:"mean_reward"`
}

// Report describes one recalibration cycle.
type Report struct {
	Samples        int                `json:"samples"`
	AutoApproved   int                `json:"auto_approved"`
	MeanReward     float64            `json:"mean_reward"`
	NegativeRate   float64            `json:"negative_rate"`
	ThresholdDelta float64            `json:"threshold_delta"`
	WeightDeltas   map[string]float64 `json:"weight_deltas,omitempty"`
	Snapshot       policy.Snapshot    `json:"snapshot"`
}

type Accumulator struct {
	policy *policy.State
	logger *slog.Logger

	mu            sync.Mutex
	params        Params
	records       map[string]*record
	order         []string
	sinceRecal    int
	onRecalibrate func(Report)
}

func New(p *policy.State, params Params, logger *slog.Logger) *Accumulator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Accumulator{policy: p, params: params, logger: logger, records: make(map[string]*record)}
}

// OnRecalibrate registers fn to run after every cycle that changed the policy.
func (a *Accumulator) OnRecalibrate(fn func(Report)) {
	a.mu.Lock()
	a.onRecalibrate = fn
	a.mu.Unlock()
}

func (a *Accumulator) SetParams(p Params) {
	a.mu.Lock()
	a.params = p
	a.trimLocked()
	a.mu.Unlock()
}

func (a *Accumulator) Params() Params {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.params
}

// Observe ingests a final sample and returns its reward. Every
// RecalibrateEvery observations trigger a recalibration.
func (a *Accumulator) Observe(s domain.Sample, signals Signals) float64 {
	a.mu.Lock()
	rec := a.putLocked(s, signals)
	a.sinceRecal++
	var report *Report
	if a.sinceRecal >= a.params.RecalibrateEvery {
		report = a.recalibrateLocked()
	}
	fn := a.onRecalibrate
	a.mu.Unlock()
	if report != nil && fn != nil {
		fn(*report)
	}
	return rec.reward
}

// Seed restores history after a restart without counting toward recalibration.
func (a *Accumulator) Seed(s domain.Sample, autoApproved bool, feedback *float64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	rec := a.putLocked(s, nil)
	rec.autoApproved = autoApproved
	if feedback != nil {
		a.applyFeedbackLocked(rec, *feedback)
	}
}

func (a *Accumulator) putLocked(s domain.Sample, signals Signals) *record {
	rec := &record{sample: s, completed: !s.ErrorOccurred, signals: signals}
	rec.reward = a.params.RewardFor(s, rec.completed, nil)
	if _, ok := a.records[s.UnitID]; ok {
		a.dropLocked(s.UnitID)
	}
	a.records[s.UnitID] = rec
	a.order = append(a.order, s.UnitID)
	a.trimLocked()
	return rec
}

func (a *Accumulator) dropLocked(unitID string) {
	delete(a.records, unitID)
	for i, id := range a.order {
		if id == unitID {
			a.order = append(a.order[:i], a.order[i+1:]...)
			return
		}
	}
}

func (a *Accumulator) trimLocked() {
	window := a.params.Window
	if window < 1 {
		window = 1
	}
	for len(a.order) > window {
		delete(a.records, a.order[0])
		a.order = a.order[1:]
	}
}

// MarkAutoApproved flags a unit whose approval came from the decision engine.
func (a *Accumulator) MarkAutoApproved(unitID string) {
	a.mu.Lock()
	if rec, ok := a.records[unitID]; ok {
		rec.autoApproved = true
	}
	a.mu.Unlock()
}

// Feedback applies a human score in [0, 1] and returns the adjusted reward.
func (a *Accumulator) Feedback(unitID string, score float64) (float64, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	rec, ok := a.records[unitID]
	if !ok {
		return 0, false
	}
	a.applyFeedbackLocked(rec, score)
	return rec.reward, true
}

// Reject records a human rejection as the worst feedback.
func (a *Accumulator) Reject(unitID string) {
	a.Feedback(unitID, 0)
}

func (a *Accumulator) applyFeedbackLocked(rec *record, score float64) {
	score = policy.Clamp(score, 0, 1)
	rec.feedback = &score
	rec.negative = score < a.params.NegativeFeedback
	rec.reward = a.params.RewardFor(rec.sample, rec.completed, rec.feedback)
}

// Reward returns the current reward for a unit.
func (a *Accumulator) Reward(unitID string) (float64, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	rec, ok := a.records[unitID]
	if !ok {
		return 0, false
	}
	return rec.reward, true
}

// Stats summarises the current window.
func (a *Accumulator) Stats() Stats {
	a.mu.Lock()
	defer a.mu.Unlock()
	var st Stats
	var errs int
	for _, id := range a.order {
		rec := a.records[id]
		st.Count++
		st.MeanExecutionTime += rec.sample.ExecutionTime
		st.MeanResourceUsage += rec.sample.ResourceUsage
		st.MeanReward += rec.reward
		if rec.sample.ErrorOccurred {
			errs++
		}
	}
	if st.Count > 0 {
		n := float64(st.Count)
		st.MeanExecutionTime /= n
		st.MeanResourceUsage /= n
		st.MeanReward /= n
		st.ErrorRate = float64(errs) / n
	}
	return st
}

// Recalibrate runs one cycle immediately. ok is false when the window holds
// too few samples or nothing moved.
func (a *Accumulator) Recalibrate() (Report, bool) {
	a.mu.Lock()
	report := a.recalibrateLocked()
	fn := a.onRecalibrate
	a.mu.Unlock()
	if report == nil {
		return Report{}, false
	}
	if fn != nil {
		fn(*report)
	}
	return *report, true
}

// Run recalibrates on a fixed cadence until ctx ends.
func (a *Accumulator) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if report, ok := a.Recalibrate(); ok {
				a.logger.Debug("periodic recalibration", "version", report.Snapshot.Version)
			}
		}
	}
}

func (a *Accumulator) recalibrateLocked() *Report {
	a.sinceRecal = 0
	p := a.params
	if len(a.order) < p.MinSamples {
		return nil
	}
	report := Report{Samples: len(a.order), WeightDeltas: map[string]float64{}}
	var autoReward float64
	var negatives int
	for _, id := range a.order {
		rec := a.records[id]
		if !rec.autoApproved {
			continue
		}
		report.AutoApproved++
		autoReward += rec.reward
		if rec.negative {
			negatives++
		}
	}
	if report.AutoApproved > 0 {
		n := float64(report.AutoApproved)
		report.MeanReward = autoReward / n
		report.NegativeRate = float64(negatives) / n
		switch {
		case report.NegativeRate >= p.HighRejectionRate:
			report.ThresholdDelta = -p.MaxThresholdStep
		case report.MeanReward >= p.HighReward && report.NegativeRate <= p.LowRejectionRate:
			report.ThresholdDelta = p.MaxThresholdStep
		}
	}

	current := a.policy.Snapshot()
	moved := report.ThresholdDelta != 0
	for _, name := range current.Weights.Names() {
		corr, ok := a.correlationLocked(name)
		if !ok {
			continue
		}
		delta := p.MaxWeightStep * corr
		if delta != 0 {
			report.WeightDeltas[name] = delta
			moved = true
		}
	}
	if !moved {
		return nil
	}
	report.Snapshot = a.policy.Update(func(s *policy.Snapshot) {
		s.Threshold += report.ThresholdDelta
		for name, delta := range report.WeightDeltas {
			s.Weights[name] += delta
		}
	})
	a.logger.Debug("recalibration cycle",
		"samples", report.Samples,
		"auto_approved", report.AutoApproved,
		"negative_rate", report.NegativeRate,
		"threshold_delta", report.ThresholdDelta,
	)
	return &report
}

// correlationLocked is the Pearson correlation between a signal's component
// value and reward across the window.
func (a *Accumulator) correlationLocked(signal string) (float64, bool) {
	var xs, ys []float64
	for _, id := range a.order {
		rec := a.records[id]
		v, ok := rec.signals[signal]
		if !ok {
			continue
		}
		xs = append(xs, v)
		ys = append(ys, rec.reward)
	}
	if len(xs) < a.params.MinSamples || len(xs) < 2 {
		return 0, false
	}
	n := float64(len(xs))
	var mx, my float64
	for i := range xs {
		mx += xs[i]
		my += ys[i]
	}
	mx /= n
	my /= n
	var cov, vx, vy float64
	for i := range xs {
		dx, dy := xs[i]-mx, ys[i]-my
		cov += dx * dy
		vx += dx * dx
		vy += dy * dy
	}
	if vx == 0 || vy == 0 {
		return 0, false
	}
	return policy.Clamp(cov/math.Sqrt(vx*vy), -1, 1), true
}
