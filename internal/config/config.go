package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config models taskmaster.yml.
type Config struct {
	Policy    PolicyConfig    `yaml:"policy" json:"policy"`
	Retry     RetryConfig     `yaml:"retry" json:"retry"`
	Breaker   BreakerConfig   `yaml:"breaker" json:"breaker"`
	Decision  DecisionConfig  `yaml:"decision" json:"decision"`
	Insight   InsightConfig   `yaml:"insight" json:"insight"`
	Scheduler SchedulerConfig `yaml:"scheduler" json:"scheduler"`
	Executor  ExecutorConfig  `yaml:"executor" json:"executor"`
	Webhooks  []WebhookConfig `yaml:"webhooks" json:"webhooks,omitempty"`
}

type PolicyConfig struct {
	InitialThreshold float64            `yaml:"initial_threshold" json:"initial_threshold"`
	MinThreshold     float64            `yaml:"min_threshold" json:"min_threshold"`
	MaxThreshold     float64            `yaml:"max_threshold" json:"max_threshold"`
	Weights          map[string]float64 `yaml:"weights" json:"weights"`
	MinWeight        float64            `yaml:"min_weight" json:"min_weight"`
	MaxWeight        float64            `yaml:"max_weight" json:"max_weight"`
}

type RetryConfig struct {
	MaxRetries     int           `yaml:"max_retries" json:"max_retries"`
	BaseDelay      time.Duration `yaml:"base_delay" json:"base_delay"`
	BackoffFactor  float64       `yaml:"backoff_factor" json:"backoff_factor"`
	JitterFraction float64       `yaml:"jitter_fraction" json:"jitter_fraction"`
}

type BreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold" json:"failure_threshold"`
	ResetTimeout     time.Duration `yaml:"reset_timeout" json:"reset_timeout"`
}

type DecisionConfig struct {
	// Aggregate is how request-level confidence folds unit scores: min or mean.
	Aggregate        string  `yaml:"aggregate" json:"aggregate"`
	AutoEvaluate     bool    `yaml:"auto_evaluate" json:"auto_evaluate"`
	TimeWeight       float64 `yaml:"time_weight" json:"time_weight"`
	ResourceWeight   float64 `yaml:"resource_weight" json:"resource_weight"`
	SiblingWeight    float64 `yaml:"sibling_weight" json:"sibling_weight"`
	RejectionPenalty float64 `yaml:"rejection_penalty" json:"rejection_penalty"`
}

type RewardWeights struct {
	Time       float64 `yaml:"time" json:"time"`
	Error      float64 `yaml:"error" json:"error"`
	Resource   float64 `yaml:"resource" json:"resource"`
	Completion float64 `yaml:"completion" json:"completion"`
	Feedback   float64 `yaml:"feedback" json:"feedback"`
}

type InsightConfig struct {
	Reward              RewardWeights `yaml:"reward" json:"reward"`
	TimeScale           float64       `yaml:"time_scale_seconds" json:"time_scale_seconds"`
	Window              int           `yaml:"window" json:"window"`
	RecalibrateEvery    int           `yaml:"recalibrate_every" json:"recalibrate_every"`
	RecalibrateInterval time.Duration `yaml:"recalibrate_interval" json:"recalibrate_interval"`
	MinSamples          int           `yaml:"min_samples" json:"min_samples"`
	MaxThresholdStep    float64       `yaml:"max_threshold_step" json:"max_threshold_step"`
	MaxWeightStep       float64       `yaml:"max_weight_step" json:"max_weight_step"`
	HighReward          float64       `yaml:"high_reward" json:"high_reward"`
	LowRejectionRate    float64       `yaml:"low_rejection_rate" json:"low_rejection_rate"`
	HighRejectionRate   float64       `yaml:"high_rejection_rate" json:"high_rejection_rate"`
	NegativeFeedback    float64       `yaml:"negative_feedback_below" json:"negative_feedback_below"`
}

type SchedulerConfig struct {
	UrgencyHorizon time.Duration `yaml:"urgency_horizon" json:"urgency_horizon"`
	LightnessScale float64       `yaml:"lightness_scale" json:"lightness_scale"`
	Parallelism    int           `yaml:"parallelism" json:"parallelism"`
}

type ExecutorConfig struct {
	URL     string        `yaml:"url" json:"url,omitempty"`
	Timeout time.Duration `yaml:"timeout" json:"timeout"`
}

type WebhookConfig struct {
	URL     string        `yaml:"url" json:"url"`
	Events  []string      `yaml:"events" json:"events,omitempty"`
	Secret  string        `yaml:"secret" json:"-"`
	Timeout time.Duration `yaml:"timeout" json:"timeout,omitempty"`
	Enabled *bool         `yaml:"enabled" json:"enabled,omitempty"`
}

// Signals scored by the scheduler; keys of policy.weights.
var SchedulingSignals = []string{"priority", "urgency", "context"}

const fileName = "taskmaster.yml"

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, fileName)
}

// Default returns the built-in configuration.
func Default() *Config {
	cfg, err := parse([]byte(defaultTemplate))
	if err != nil {
		panic(fmt.Sprintf("default config: %v", err))
	}
	return cfg
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with tm config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional falls back to Default when the workspace has no config file.
func LoadOptional(workspace string) (*Config, error) {
	cfg, err := FromFile(Path(workspace))
	if os.IsNotExist(err) {
		return Default(), nil
	}
	return cfg, err
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

// FromYAML overlays raw YAML onto the defaults and validates the result.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	return &cfg, cfg.Validate()
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	p := c.Policy
	if p.MinThreshold <= 0 || p.MaxThreshold > 1 || p.MinThreshold > p.MaxThreshold {
		return fmt.Errorf("policy thresholds must satisfy 0 < min_threshold <= max_threshold <= 1")
	}
	if p.InitialThreshold < p.MinThreshold || p.InitialThreshold > p.MaxThreshold {
		return fmt.Errorf("policy.initial_threshold %.2f outside [%.2f, %.2f]", p.InitialThreshold, p.MinThreshold, p.MaxThreshold)
	}
	if p.MinWeight < 0 || p.MinWeight > p.MaxWeight {
		return fmt.Errorf("policy weight bounds must satisfy 0 <= min_weight <= max_weight")
	}
	for name := range p.Weights {
		if !knownSignal(name) {
			return fmt.Errorf("policy.weights has unknown signal %q (want one of %s)", name, strings.Join(SchedulingSignals, ", "))
		}
	}
	if c.Retry.MaxRetries < 0 {
		return fmt.Errorf("retry.max_retries must be >= 0")
	}
	if c.Retry.BaseDelay < 0 || c.Retry.BackoffFactor < 1 {
		return fmt.Errorf("retry.base_delay must be >= 0 and retry.backoff_factor >= 1")
	}
	if c.Retry.JitterFraction < 0 || c.Retry.JitterFraction > 1 {
		return fmt.Errorf("retry.jitter_fraction must be within [0, 1]")
	}
	if c.Breaker.FailureThreshold < 1 || c.Breaker.ResetTimeout <= 0 {
		return fmt.Errorf("breaker.failure_threshold must be >= 1 and breaker.reset_timeout > 0")
	}
	switch c.Decision.Aggregate {
	case "min", "mean":
	default:
		return fmt.Errorf("decision.aggregate must be min or mean")
	}
	if c.Decision.RejectionPenalty <= 0 || c.Decision.RejectionPenalty > 1 {
		return fmt.Errorf("decision.rejection_penalty must be within (0, 1]")
	}
	if c.Decision.TimeWeight+c.Decision.ResourceWeight+c.Decision.SiblingWeight <= 0 {
		return fmt.Errorf("decision weights must not all be zero")
	}
	in := c.Insight
	if in.Window < 1 || in.RecalibrateEvery < 1 || in.MinSamples < 1 {
		return fmt.Errorf("insight.window, insight.recalibrate_every and insight.min_samples must be >= 1")
	}
	if in.MaxThresholdStep < 0 || in.MaxWeightStep < 0 {
		return fmt.Errorf("insight step sizes must be >= 0")
	}
	if in.TimeScale <= 0 {
		return fmt.Errorf("insight.time_scale_seconds must be > 0")
	}
	if c.Scheduler.UrgencyHorizon <= 0 || c.Scheduler.LightnessScale <= 0 {
		return fmt.Errorf("scheduler.urgency_horizon and scheduler.lightness_scale must be > 0")
	}
	for i, hook := range c.Webhooks {
		if strings.TrimSpace(hook.URL) == "" {
			return fmt.Errorf("webhooks[%d].url is required", i)
		}
	}
	return nil
}

func knownSignal(name string) bool {
	for _, s := range SchedulingSignals {
		if s == name {
			return true
		}
	}
	return false
}

const defaultTemplate = `policy:
  initial_threshold: 0.75
  min_threshold: 0.5
  max_threshold: 0.95
  weights:
    priority: 1.0
    urgency: 1.5
    context: 0.5
  min_weight: 0.1
  max_weight: 3.0

retry:
  max_retries: 3
  base_delay: 1s
  backoff_factor: 2
  jitter_fraction: 0.1

breaker:
  failure_threshold: 5
  reset_timeout: 60s

decision:
  aggregate: min
  auto_evaluate: true
  time_weight: 0.4
  resource_weight: 0.3
  sibling_weight: 0.3
  rejection_penalty: 0.85

insight:
  reward:
    time: 0.2
    error: 0.6
    resource: 0.2
    completion: 0.8
    feedback: 0.4
  time_scale_seconds: 60
  window: 50
  recalibrate_every: 10
  recalibrate_interval: 5m
  min_samples: 5
  max_threshold_step: 0.02
  max_weight_step: 0.05
  high_reward: 0.5
  low_rejection_rate: 0.1
  high_rejection_rate: 0.3
  negative_feedback_below: 0.5

scheduler:
  urgency_horizon: 24h
  lightness_scale: 500
  parallelism: 4

executor:
  timeout: 30s
`
