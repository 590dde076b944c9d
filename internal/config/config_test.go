package config

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.Policy.InitialThreshold != 0.75 || cfg.Retry.MaxRetries != 3 || cfg.Retry.BaseDelay != time.Second {
		t.Fatalf("unexpected defaults: %+v %+v", cfg.Policy, cfg.Retry)
	}
	if cfg.Breaker.FailureThreshold != 5 || cfg.Breaker.ResetTimeout != time.Minute {
		t.Fatalf("unexpected breaker defaults: %+v", cfg.Breaker)
	}
	if cfg.Policy.Weights["urgency"] != 1.5 {
		t.Fatalf("unexpected weights: %v", cfg.Policy.Weights)
	}
}

func TestFromYAMLOverlaysDefaults(t *testing.T) {
	cfg, err := FromYAML([]byte(`
retry:
  max_retries: 5
policy:
  weights:
    context: 0.8
webhooks:
  - url: http://hooks.local/approvals
    events: [approval.requested]
`))
	if err != nil {
		t.Fatalf("from yaml: %v", err)
	}
	if cfg.Retry.MaxRetries != 5 || cfg.Retry.BackoffFactor != 2 {
		t.Fatalf("retry overlay wrong: %+v", cfg.Retry)
	}
	if cfg.Policy.Weights["context"] != 0.8 || cfg.Policy.Weights["priority"] != 1 {
		t.Fatalf("weights overlay wrong: %v", cfg.Policy.Weights)
	}
	if len(cfg.Webhooks) != 1 || cfg.Webhooks[0].Events[0] != "approval.requested" {
		t.Fatalf("webhooks not parsed: %+v", cfg.Webhooks)
	}
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]string{
		"threshold outside bounds": "policy:\n  initial_threshold: 0.99\n",
		"unknown signal":           "policy:\n  weights:\n    mood: 1\n",
		"negative retries":         "retry:\n  max_retries: -1\n",
		"shrinking backoff":        "retry:\n  backoff_factor: 0.5\n",
		"jitter above one":         "retry:\n  jitter_fraction: 1.5\n",
		"zero breaker threshold":   "breaker:\n  failure_threshold: 0\n",
		"unknown aggregate":        "decision:\n  aggregate: max\n",
		"webhook without url":      "webhooks:\n  - events: [unit.failed]\n",
	}
	for name, doc := range cases {
		if _, err := FromYAML([]byte(doc)); err == nil {
			t.Fatalf("%s: expected validation error", name)
		}
	}
}

func TestLoadOptional(t *testing.T) {
	dir := t.TempDir()
	cfg, err := LoadOptional(dir)
	if err != nil {
		t.Fatalf("missing file should fall back to defaults: %v", err)
	}
	if cfg.Scheduler.Parallelism != 4 {
		t.Fatalf("expected default parallelism, got %d", cfg.Scheduler.Parallelism)
	}
	if _, err := Load(dir); err == nil || !strings.Contains(err.Error(), "not found") {
		t.Fatalf("Load should require the file, got %v", err)
	}
	if err := os.WriteFile(Path(dir), []byte("scheduler:\n  parallelism: 8\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err = LoadOptional(dir)
	if err != nil {
		t.Fatalf("load optional: %v", err)
	}
	if cfg.Scheduler.Parallelism != 8 {
		t.Fatalf("expected parallelism 8, got %d", cfg.Scheduler.Parallelism)
	}
}

func TestLoadEnvDefaults(t *testing.T) {
	t.Setenv("TASKMASTER_LOG_LEVEL", "debug")
	t.Setenv("TASKMASTER_CORS_ORIGINS", "http://a.local,http://b.local")
	env, err := LoadEnv()
	if err != nil {
		t.Fatalf("load env: %v", err)
	}
	if env.BasePath != "/v1" || env.Addr != "127.0.0.1:8080" {
		t.Fatalf("unexpected defaults: %+v", env)
	}
	if env.SlogLevel().String() != "DEBUG" {
		t.Fatalf("expected debug level, got %s", env.SlogLevel())
	}
	if len(env.CORSOrigins) != 2 {
		t.Fatalf("expected two origins, got %v", env.CORSOrigins)
	}
}

func TestWatchReloadsValidChanges(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(Path(dir), []byte("retry:\n  max_retries: 1\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	changes := make(chan *Config, 4)
	go Watch(ctx, dir, nil, func(cfg *Config) { changes <- cfg })
	// give the watcher time to register the directory
	time.Sleep(100 * time.Millisecond)

	if err := os.WriteFile(Path(dir), []byte("retry:\n  max_retries: -3\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	select {
	case cfg := <-changes:
		t.Fatalf("invalid config must not be applied: %+v", cfg.Retry)
	case <-time.After(600 * time.Millisecond):
	}

	if err := os.WriteFile(Path(dir), []byte("retry:\n  max_retries: 7\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	select {
	case cfg := <-changes:
		if cfg.Retry.MaxRetries != 7 {
			t.Fatalf("expected reloaded retries 7, got %d", cfg.Retry.MaxRetries)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("config change not observed")
	}
}
