package taskmastersdk

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Client is a minimal Taskmaster HTTP API client.
type Client struct {
	BaseURL     string
	BasePath    string
	BearerToken string
	// ActorID and Role are sent as X-Actor-Id / X-Taskmaster-Role when no
	// bearer token is set and the server allows header auth.
	ActorID    string
	Role       string
	HTTPClient *http.Client
	Timeout    time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL:  baseURL,
		BasePath: "/v1",
		Timeout:  30 * time.Second,
	}
}

// TaskInput describes a task or subtask to create.
type TaskInput struct {
	Title       string      `json:"title"`
	Description string      `json:"description,omitempty"`
	Priority    string      `json:"priority,omitempty"`
	DueDate     string      `json:"due_date,omitempty"`
	Subtasks    []TaskInput `json:"subtasks,omitempty"`
}

// Unit represents a task or subtask (partial).
type Unit struct {
	ID            string   `json:"id"`
	RequestID     string   `json:"request_id"`
	ParentID      string   `json:"parent_id,omitempty"`
	Title         string   `json:"title"`
	Priority      string   `json:"priority"`
	Status        string   `json:"status"`
	AwaitingEvent bool     `json:"awaiting_event,omitempty"`
	Attempts      int      `json:"attempts"`
	Rejections    int      `json:"rejections"`
	Failed        bool     `json:"failed,omitempty"`
	Details       string   `json:"details,omitempty"`
	Confidence    *float64 `json:"confidence,omitempty"`
	ApprovedBy    string   `json:"approved_by,omitempty"`
	Subtasks      []Unit   `json:"subtasks,omitempty"`
}

// Request represents a request with its task tree.
type Request struct {
	ID          string `json:"id"`
	Description string `json:"description"`
	Status      string `json:"status"`
	Approved    bool   `json:"approved"`
	ApprovedBy  string `json:"approved_by,omitempty"`
	Tasks       []Unit `json:"tasks"`
}

// NextTask is the scheduler's answer; Unit is set when Status is next_task.
type NextTask struct {
	Status  string     `json:"status"`
	Unit    *Unit      `json:"unit,omitempty"`
	RetryAt *time.Time `json:"retry_at,omitempty"`
}

// Decision is an approval verdict.
type Decision struct {
	ID         string  `json:"id"`
	UnitID     string  `json:"unit_id,omitempty"`
	Role       string  `json:"role"`
	Approved   bool    `json:"approved"`
	Escalated  bool    `json:"escalated"`
	Confidence float64 `json:"confidence"`
	Threshold  float64 `json:"threshold"`
	Reason     string  `json:"reason,omitempty"`
}

// RequestApproval is a request-level verdict with its workflow metrics.
type RequestApproval struct {
	Decision Decision           `json:"decision"`
	Metrics  map[string]float64 `json:"metrics"`
}

// Outcome reports a synchronous execution. ExecutionTime is in seconds.
type Outcome struct {
	Status        string   `json:"status"`
	Details       string   `json:"details,omitempty"`
	ExecutionTime *float64 `json:"execution_time,omitempty"`
	ResourceUsage float64  `json:"resource_usage,omitempty"`
	Definitive    bool     `json:"definitive,omitempty"`
}

// Review is a human verdict. Role defaults to the caller's own.
type Review struct {
	Approve bool     `json:"approve"`
	Role    string   `json:"role,omitempty"`
	Comment string   `json:"comment,omitempty"`
	Score   *float64 `json:"score,omitempty"`
}

// RunReport summarises one run of a request.
type RunReport struct {
	RequestID    string `json:"request_id"`
	Dispatched   int    `json:"dispatched"`
	Completed    int    `json:"completed"`
	Requeued     int    `json:"requeued"`
	Failed       int    `json:"failed"`
	Awaiting     int    `json:"awaiting"`
	AutoApproved int    `json:"auto_approved"`
	Escalated    int    `json:"escalated"`
	CircuitOpen  int    `json:"circuit_open"`
	Status       string `json:"status"`
}

// Event represents a log entry.
type Event struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	RequestID  string         `json:"request_id"`
	EntityID   string         `json:"entity_id"`
	EntityKind string         `json:"entity_kind"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// APIError wraps non-2xx responses. Code comes from the error envelope and
// RetryAfter from the Retry-After header of 503 answers.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	RetryAfter time.Duration
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// IsCode reports whether err is an APIError carrying code.
func IsCode(err error, code string) bool {
	var ae *APIError
	return errors.As(err, &ae) && ae.Code == code
}

// CreateRequest creates a request with its tasks.
func (c *Client) CreateRequest(ctx context.Context, description, priority string, tasks []TaskInput) (Request, error) {
	body := map[string]any{
		"description": description,
		"tasks":       tasks,
	}
	if priority != "" {
		body["priority"] = priority
	}
	var resp Request
	err := c.do(ctx, http.MethodPost, "requests", body, &resp)
	return resp, err
}

// GetRequest fetches a request and its task tree.
func (c *Client) GetRequest(ctx context.Context, requestID string) (Request, error) {
	var resp Request
	err := c.do(ctx, http.MethodGet, "requests/"+url.PathEscape(requestID), nil, &resp)
	return resp, err
}

// AddTasks appends tasks to a request.
func (c *Client) AddTasks(ctx context.Context, requestID string, tasks []TaskInput) ([]Unit, error) {
	var resp struct {
		Units []Unit `json:"units"`
	}
	err := c.do(ctx, http.MethodPost, c.requestPath(requestID, "units"), map[string]any{"units": tasks}, &resp)
	return resp.Units, err
}

// GetUnit fetches a task or subtask by id.
func (c *Client) GetUnit(ctx context.Context, unitID string) (Unit, error) {
	var resp Unit
	err := c.do(ctx, http.MethodGet, "units/"+url.PathEscape(unitID), nil, &resp)
	return resp, err
}

// NextTask claims the highest scoring pending unit.
func (c *Client) NextTask(ctx context.Context, requestID string) (NextTask, error) {
	var resp NextTask
	err := c.do(ctx, http.MethodPost, c.requestPath(requestID, "next"), nil, &resp)
	return resp, err
}

// MarkOutcome reports a synchronous execution.
func (c *Client) MarkOutcome(ctx context.Context, requestID, unitID string, o Outcome) (Unit, error) {
	var resp Unit
	err := c.do(ctx, http.MethodPost, c.unitPath(requestID, unitID, "outcome"), o, &resp)
	return resp, err
}

// NotifyEvent delivers the asynchronous outcome (COMPLETED or FAILED) of a
// unit awaiting an event.
func (c *Client) NotifyEvent(ctx context.Context, requestID, unitID, event, details string) (Unit, error) {
	body := map[string]any{"event": event, "details": details}
	var resp Unit
	err := c.do(ctx, http.MethodPost, c.unitPath(requestID, unitID, "events"), body, &resp)
	return resp, err
}

// ApproveUnit asks the decision engine to approve a finished unit.
func (c *Client) ApproveUnit(ctx context.Context, requestID, unitID string) (Decision, error) {
	var resp Decision
	err := c.do(ctx, http.MethodPost, c.unitPath(requestID, unitID, "approve"), nil, &resp)
	return resp, err
}

// ReviewUnit records a human verdict.
func (c *Client) ReviewUnit(ctx context.Context, requestID, unitID string, r Review) (Decision, error) {
	var resp Decision
	err := c.do(ctx, http.MethodPost, c.unitPath(requestID, unitID, "review"), r, &resp)
	return resp, err
}

// SubmitFeedback scores the latest execution of a unit.
func (c *Client) SubmitFeedback(ctx context.Context, requestID, unitID string, score float64, comment string) error {
	body := map[string]any{"score": score, "comment": comment}
	return c.do(ctx, http.MethodPost, c.unitPath(requestID, unitID, "feedback"), body, nil)
}

// ApproveRequest approves a request whose units are all approved. An empty
// role asks the decision engine.
func (c *Client) ApproveRequest(ctx context.Context, requestID, role string) (RequestApproval, error) {
	var body any
	if role != "" {
		body = map[string]any{"role": role}
	}
	var resp RequestApproval
	err := c.do(ctx, http.MethodPost, c.requestPath(requestID, "approve"), body, &resp)
	return resp, err
}

// Run executes pending units of a request on the server's executor.
func (c *Client) Run(ctx context.Context, requestID string, parallelism int, timeout time.Duration) (RunReport, error) {
	body := map[string]any{"parallelism": parallelism, "timeout_seconds": int(timeout / time.Second)}
	var resp RunReport
	err := c.do(ctx, http.MethodPost, c.requestPath(requestID, "run"), body, &resp)
	return resp, err
}

// Events returns recent events.
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	page, err := c.EventsPage(ctx, limit, "")
	return page.Items, err
}

// EventsPage returns a paginated event listing, newest first.
func (c *Client) EventsPage(ctx context.Context, limit int, cursor string) (PaginatedEvents, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	endpoint := "events"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.ActorID != "":
		req.Header.Set("X-Actor-Id", c.ActorID)
		if c.Role != "" {
			req.Header.Set("X-Taskmaster-Role", c.Role)
		}
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return decodeError(resp)
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func decodeError(resp *http.Response) error {
	b, _ := io.ReadAll(resp.Body)
	apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	var env struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(b, &env); err == nil {
		apiErr.Code = env.Error.Code
		apiErr.Message = env.Error.Message
	}
	if secs, err := strconv.Atoi(resp.Header.Get("Retry-After")); err == nil {
		apiErr.RetryAfter = time.Duration(secs) * time.Second
	}
	return apiErr
}

func (c *Client) requestPath(requestID, p string) string {
	return fmt.Sprintf("requests/%s/%s", url.PathEscape(requestID), p)
}

func (c *Client) unitPath(requestID, unitID, p string) string {
	return fmt.Sprintf("requests/%s/units/%s/%s", url.PathEscape(requestID), url.PathEscape(unitID), p)
}

func (c *Client) base() string {
	base := strings.TrimRight(c.BaseURL, "/")
	if p := strings.Trim(c.BasePath, "/"); p != "" {
		base += "/" + p
	}
	return base
}
