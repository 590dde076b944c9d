// Package executor dispatches units to whatever performs the work.
package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"taskmaster/internal/domain"
	"taskmaster/internal/resilience"
)

// Result of one execution. Pending means completion arrives later as an event.
type Result struct {
	Output        string  `json:"output,omitempty"`
	Pending       bool    `json:"pending,omitempty"`
	ResourceUsage float64 `json:"resource_usage,omitempty"`
}

// Executor performs a unit. Errors wrapped with resilience.Definitive are not
// retried; any other error is treated as transient.
type Executor interface {
	Execute(ctx context.Context, u domain.Unit) (Result, error)
}

// Func adapts an ordinary function.
type Func func(ctx context.Context, u domain.Unit) (Result, error)

func (f Func) Execute(ctx context.Context, u domain.Unit) (Result, error) { return f(ctx, u) }

const defaultTimeout = 30 * time.Second

// HTTP posts units as JSON to a remote worker.
type HTTP struct {
	URL     string
	Client  *http.Client
	Timeout time.Duration
	Headers map[string]string
}

type httpUnit struct {
	RequestID   string     `json:"request_id"`
	UnitID      string     `json:"unit_id"`
	ParentID    string     `json:"parent_id,omitempty"`
	Title       string     `json:"title"`
	Description string     `json:"description,omitempty"`
	Priority    string     `json:"priority"`
	DueDate     *time.Time `json:"due_date,omitempty"`
	Attempt     int        `json:"attempt"`
}

type httpResult struct {
	Output        string  `json:"output"`
	Pending       bool    `json:"pending"`
	ResourceUsage float64 `json:"resource_usage"`
	Error         string  `json:"error"`
}

// Execute maps HTTP outcomes: 2xx succeeds, 202 or pending=true defers to an
// event, 408/429/5xx and network timeouts are transient, other 4xx definitive.
func (h HTTP) Execute(ctx context.Context, u domain.Unit) (Result, error) {
	if strings.TrimSpace(h.URL) == "" {
		return Result{}, resilience.Definitive(errors.New("executor url not configured"))
	}
	timeout := h.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	client := h.Client
	if client == nil {
		client = &http.Client{}
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	body, err := json.Marshal(httpUnit{
		RequestID:   u.RequestID,
		UnitID:      u.ID,
		ParentID:    u.ParentID,
		Title:       u.Title,
		Description: u.Description,
		Priority:    string(u.Priority),
		DueDate:     u.DueDate,
		Attempt:     u.Attempts,
	})
	if err != nil {
		return Result{}, resilience.Definitive(err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.URL, bytes.NewReader(body))
	if err != nil {
		return Result{}, resilience.Definitive(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Taskmaster-Unit", u.ID)
	for k, v := range h.Headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return Result{}, err
		}
		return Result{}, resilience.Transient(err)
	}
	defer res.Body.Close()
	data, _ := io.ReadAll(io.LimitReader(res.Body, 1<<20))

	var out httpResult
	if len(bytes.TrimSpace(data)) > 0 {
		_ = json.Unmarshal(data, &out)
	}
	switch {
	case res.StatusCode == http.StatusAccepted:
		return Result{Pending: true}, nil
	case res.StatusCode >= 200 && res.StatusCode < 300:
		if out.Error != "" {
			return Result{}, resilience.Definitive(errors.New(out.Error))
		}
		return Result{Output: out.Output, Pending: out.Pending, ResourceUsage: out.ResourceUsage}, nil
	case res.StatusCode == http.StatusRequestTimeout, res.StatusCode == http.StatusTooManyRequests, res.StatusCode >= 500:
		return Result{}, resilience.Transient(statusError(res.StatusCode, out.Error, data))
	default:
		return Result{}, resilience.Definitive(statusError(res.StatusCode, out.Error, data))
	}
}

func statusError(code int, msg string, raw []byte) error {
	if msg == "" {
		msg = strings.TrimSpace(string(raw))
		if len(msg) > 512 {
			msg = msg[:512]
		}
	}
	return fmt.Errorf("executor status %d: %s", code, msg)
}
