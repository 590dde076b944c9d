// Package notify delivers audit events to configured webhooks. Approval
// requests reach human reviewers this way.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"taskmaster/internal/config"
	"taskmaster/internal/domain"
	"taskmaster/internal/repo"
	"taskmaster/internal/resilience"
)

const (
	defaultInterval = 2 * time.Second
	defaultTimeout  = 5 * time.Second
	defaultBatch    = 100
)

// Dispatcher polls the event log and posts new events to each webhook. Every
// hook is its own breaker site, notify:<url>, and failed posts are retried
// with backoff before the hook is left behind until the next round.
type Dispatcher struct {
	Repo     repo.Repo
	Hooks    []config.WebhookConfig
	Breakers *resilience.Registry
	Retry    resilience.RetryPolicy
	Client   *http.Client
	Logger   *slog.Logger
	Interval time.Duration

	mu      sync.Mutex
	cursors map[int]int64
}

// New builds a dispatcher for cfg.Webhooks sharing the engine's breakers.
func New(r repo.Repo, cfg *config.Config, breakers *resilience.Registry, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		Repo:     r,
		Hooks:    cfg.Webhooks,
		Breakers: breakers,
		Retry: resilience.RetryPolicy{
			MaxRetries:     cfg.Retry.MaxRetries,
			BaseDelay:      cfg.Retry.BaseDelay,
			BackoffFactor:  cfg.Retry.BackoffFactor,
			JitterFraction: cfg.Retry.JitterFraction,
		},
		Client:   &http.Client{Timeout: defaultTimeout},
		Logger:   logger,
		Interval: defaultInterval,
	}
}

// Start polls until ctx ends. It returns immediately when no hook is enabled.
func (d *Dispatcher) Start(ctx context.Context) {
	if len(d.enabled()) == 0 {
		return
	}
	interval := d.Interval
	if interval <= 0 {
		interval = defaultInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		d.DispatchOnce(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (d *Dispatcher) enabled() []int {
	var idx []int
	for i, hook := range d.Hooks {
		if hook.Enabled != nil && !*hook.Enabled {
			continue
		}
		if strings.TrimSpace(hook.URL) == "" {
			continue
		}
		idx = append(idx, i)
	}
	return idx
}

// DispatchOnce runs one delivery round over every enabled hook. A hook starts
// at the newest event the first time it is seen.
func (d *Dispatcher) DispatchOnce(ctx context.Context) {
	for _, i := range d.enabled() {
		if ctx.Err() != nil {
			return
		}
		d.dispatchHook(ctx, i, d.Hooks[i])
	}
}

func (d *Dispatcher) dispatchHook(ctx context.Context, idx int, hook config.WebhookConfig) {
	log := d.Logger.With("webhook", hook.URL)
	cursor, err := d.cursorFor(ctx, idx)
	if err != nil {
		log.Warn("init webhook cursor", "error", err)
		return
	}
	evts, err := d.Repo.EventsAfter(ctx, defaultBatch, cursor)
	if err != nil {
		log.Warn("fetch events", "error", err)
		return
	}
	filter := newEventFilter(hook.Events)
	br := d.breaker(hook)
	for _, evt := range evts {
		if !filter.match(evt.Type) {
			d.setCursor(idx, evt.ID)
			continue
		}
		err := resilience.Retry(ctx, d.Retry, func(ctx context.Context, attempt int) error {
			return br.Execute(ctx, func(ctx context.Context) error {
				return d.post(ctx, hook, evt, attempt)
			})
		}, func(attempt int, err error, wait time.Duration) {
			log.Debug("webhook retry", "event_id", evt.ID, "attempt", attempt+1, "error", err, "wait", wait)
		})
		switch {
		case err == nil:
		case errors.Is(err, resilience.ErrCircuitOpen):
			log.Debug("webhook circuit open", "event_id", evt.ID)
			return
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			return
		case errors.Is(err, resilience.ErrTransient):
			log.Warn("webhook delivery failed", "event_id", evt.ID, "type", evt.Type, "error", err)
			return
		default:
			// rejected outright; move past it
			log.Warn("webhook rejected event", "event_id", evt.ID, "type", evt.Type, "error", err)
		}
		d.setCursor(idx, evt.ID)
	}
}

func (d *Dispatcher) breaker(hook config.WebhookConfig) *resilience.Breaker {
	d.mu.Lock()
	if d.Breakers == nil {
		d.Breakers = resilience.NewRegistry(resilience.BreakerConfig{})
	}
	reg := d.Breakers
	d.mu.Unlock()
	return reg.Get("notify:" + hook.URL)
}

// Cursor reports the last event delivered or skipped for hook idx.
func (d *Dispatcher) Cursor(idx int) (int64, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	cur, ok := d.cursors[idx]
	return cur, ok
}

func (d *Dispatcher) cursorFor(ctx context.Context, idx int) (int64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.cursors == nil {
		d.cursors = make(map[int]int64)
	}
	if cur, ok := d.cursors[idx]; ok {
		return cur, nil
	}
	cur, err := d.Repo.LatestEventID(ctx)
	if err != nil {
		return 0, err
	}
	d.cursors[idx] = cur
	return cur, nil
}

func (d *Dispatcher) setCursor(idx int, value int64) {
	d.mu.Lock()
	d.cursors[idx] = value
	d.mu.Unlock()
}

type webhookEvent struct {
	ID         int64           `json:"id"`
	Type       string          `json:"type"`
	RequestID  string          `json:"request_id,omitempty"`
	EntityKind string          `json:"entity_kind"`
	EntityID   string          `json:"entity_id,omitempty"`
	ActorID    string          `json:"actor_id"`
	TS         string          `json:"ts"`
	Payload    json.RawMessage `json:"payload"`
	PayloadRaw string          `json:"payload_raw,omitempty"`
}

type statusError struct {
	code int
	body string
}

func (e statusError) Error() string {
	return fmt.Sprintf("status %d: %s", e.code, e.body)
}

func (e statusError) retryable() bool {
	return e.code == http.StatusRequestTimeout || e.code == http.StatusTooManyRequests || e.code >= 500
}

func (d *Dispatcher) post(ctx context.Context, hook config.WebhookConfig, evt domain.Event, attempt int) error {
	payload := json.RawMessage("{}")
	var raw string
	if evt.Payload != "" {
		if json.Valid([]byte(evt.Payload)) {
			payload = json.RawMessage(evt.Payload)
		} else {
			raw = evt.Payload
		}
	}
	data, err := json.Marshal(webhookEvent{
		ID:         evt.ID,
		Type:       evt.Type,
		RequestID:  evt.RequestID,
		EntityKind: evt.EntityKind,
		EntityID:   evt.EntityID,
		ActorID:    evt.ActorID,
		TS:         evt.TS,
		Payload:    payload,
		PayloadRaw: raw,
	})
	if err != nil {
		return resilience.Definitive(err)
	}
	client := d.Client
	if client == nil {
		client = &http.Client{Timeout: defaultTimeout}
	}
	if hook.Timeout > 0 && hook.Timeout != client.Timeout {
		client = &http.Client{Timeout: hook.Timeout, Transport: client.Transport}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hook.URL, bytes.NewReader(data))
	if err != nil {
		return resilience.Definitive(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Taskmaster-Event", evt.Type)
	req.Header.Set("X-Taskmaster-Event-Id", strconv.FormatInt(evt.ID, 10))
	req.Header.Set("X-Taskmaster-Delivery", ulid.Make().String())
	req.Header.Set("X-Taskmaster-Attempt", strconv.Itoa(attempt+1))
	if strings.TrimSpace(hook.Secret) != "" {
		req.Header.Set("X-Taskmaster-Secret", hook.Secret)
	}
	res, err := client.Do(req)
	if err != nil {
		return resilience.Transient(err)
	}
	defer res.Body.Close()
	if res.StatusCode >= 200 && res.StatusCode < 300 {
		return nil
	}
	body, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
	se := statusError{code: res.StatusCode, body: strings.TrimSpace(string(body))}
	if se.retryable() {
		return resilience.Transient(se)
	}
	return resilience.Definitive(se)
}

type eventFilter struct {
	all bool
	set map[string]struct{}
}

func newEventFilter(events []string) eventFilter {
	if len(events) == 0 {
		return eventFilter{all: true}
	}
	set := make(map[string]struct{}, len(events))
	for _, evt := range events {
		key := strings.TrimSpace(evt)
		if key == "" {
			continue
		}
		set[key] = struct{}{}
	}
	if len(set) == 0 {
		return eventFilter{all: true}
	}
	return eventFilter{set: set}
}

// match accepts exact types and prefix patterns such as "unit.*".
func (f eventFilter) match(evt string) bool {
	if f.all {
		return true
	}
	if _, ok := f.set[evt]; ok {
		return true
	}
	for key := range f.set {
		if prefix, ok := strings.CutSuffix(key, "*"); ok && strings.HasPrefix(evt, prefix) {
			return true
		}
	}
	return false
}
