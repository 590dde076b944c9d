package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"taskmaster/internal/config"
	"taskmaster/internal/db"
	"taskmaster/internal/domain"
	"taskmaster/internal/engine"
	"taskmaster/internal/migrate"
	"taskmaster/internal/resilience"
)

const testSecret = "test-secret"

type testServer struct {
	URL    string
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default()
	cfg.Retry.BaseDelay = 0
	cfg.Retry.JitterFraction = 0
	e := engine.New(conn, cfg, nil)
	if err := e.Load(context.Background()); err != nil {
		t.Fatalf("load engine: %v", err)
	}
	handler, err := New(Config{
		Engine:   e,
		BasePath: "/v1",
		Auth:     AuthConfig{JWTSecret: testSecret, AllowRoleHeader: true},
	})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func as(actor string, role domain.Role) map[string]string {
	h := map[string]string{"X-Actor-Id": actor}
	if role != "" {
		h["X-Taskmaster-Role"] = string(role)
	}
	return h
}

func createRequest(t *testing.T, srv *testServer, titles ...string) domain.Request {
	t.Helper()
	tasks := make([]map[string]any, 0, len(titles))
	for _, title := range titles {
		tasks = append(tasks, map[string]any{"title": title})
	}
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/requests", map[string]any{
		"description": "ship the release",
		"priority":    "HIGH",
		"tasks":       tasks,
	}, as("worker", ""))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create request status %d: %s", res.StatusCode, string(data))
	}
	var req domain.Request
	if err := json.Unmarshal(data, &req); err != nil {
		t.Fatalf("unmarshal request: %v", err)
	}
	return req
}

func errorCode(t *testing.T, data []byte) string {
	t.Helper()
	var env struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("unmarshal error envelope: %v (%s)", err, string(data))
	}
	return env.Error.Code
}

func TestRequestLifecycleOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	req := createRequest(t, srv, "Write release notes")
	if len(req.Tasks) != 1 || req.Tasks[0].Priority != domain.PriorityHigh {
		t.Fatalf("unexpected task tree: %+v", req.Tasks)
	}
	base := srv.URL + "/v1/requests/" + req.ID

	nextRes, nextBody := doJSON(t, client, http.MethodPost, base+"/next", nil, as("worker", ""))
	if nextRes.StatusCode != http.StatusOK {
		t.Fatalf("next status %d: %s", nextRes.StatusCode, string(nextBody))
	}
	var next engine.NextTask
	if err := json.Unmarshal(nextBody, &next); err != nil {
		t.Fatalf("unmarshal next: %v", err)
	}
	if next.Status != engine.NextTaskFound || next.Unit == nil {
		t.Fatalf("expected a task, got %+v", next)
	}
	unitURL := base + "/units/" + next.Unit.ID

	outRes, outBody := doJSON(t, client, http.MethodPost, unitURL+"/outcome", map[string]any{
		"status":         "COMPLETED",
		"details":        "notes published",
		"execution_time": 1.5,
		"resource_usage": 0.2,
	}, as("worker", ""))
	if outRes.StatusCode != http.StatusOK {
		t.Fatalf("outcome status %d: %s", outRes.StatusCode, string(outBody))
	}
	var done domain.Unit
	_ = json.Unmarshal(outBody, &done)
	if done.Status != domain.StatusDoneUnapproved {
		t.Fatalf("expected DONE_UNAPPROVED, got %s", done.Status)
	}

	revRes, revBody := doJSON(t, client, http.MethodPost, unitURL+"/review", map[string]any{
		"approve": true,
		"score":   0.9,
	}, as("lead", domain.RoleManager))
	if revRes.StatusCode != http.StatusOK {
		t.Fatalf("review status %d: %s", revRes.StatusCode, string(revBody))
	}
	var verdict domain.Decision
	_ = json.Unmarshal(revBody, &verdict)
	if !verdict.Approved || verdict.Role != domain.RoleManager {
		t.Fatalf("expected manager approval, got %+v", verdict)
	}

	apRes, apBody := doJSON(t, client, http.MethodPost, base+"/approve", map[string]any{"role": "MANAGER"}, as("lead", domain.RoleManager))
	if apRes.StatusCode != http.StatusOK {
		t.Fatalf("approve request status %d: %s", apRes.StatusCode, string(apBody))
	}
	var approval domain.RequestApproval
	_ = json.Unmarshal(apBody, &approval)
	if !approval.Decision.Approved || approval.Metrics.Units != 1 || approval.Metrics.SuccessRate != 1 {
		t.Fatalf("unexpected approval: %+v", approval)
	}

	getRes, getBody := doJSON(t, client, http.MethodGet, base, nil, as("worker", ""))
	if getRes.StatusCode != http.StatusOK {
		t.Fatalf("get request status %d: %s", getRes.StatusCode, string(getBody))
	}
	var fetched domain.Request
	_ = json.Unmarshal(getBody, &fetched)
	if !fetched.Approved || fetched.Status != domain.RequestComplete {
		t.Fatalf("request should be approved and complete: %+v", fetched)
	}

	decRes, decBody := doJSON(t, client, http.MethodGet, base+"/decisions", nil, as("worker", ""))
	if decRes.StatusCode != http.StatusOK {
		t.Fatalf("decisions status %d: %s", decRes.StatusCode, string(decBody))
	}
	var decisions []domain.Decision
	_ = json.Unmarshal(decBody, &decisions)
	if len(decisions) != 2 {
		t.Fatalf("expected unit and request decisions, got %d", len(decisions))
	}
}

func TestErrorEnvelope(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v1/requests/missing", nil, as("worker", ""))
	if res.StatusCode != http.StatusNotFound || errorCode(t, data) != "not_found" {
		t.Fatalf("expected not_found, got %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/requests", map[string]any{
		"description": "nothing to do",
		"tasks":       []any{},
	}, as("worker", ""))
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected bad request for empty tasks, got %d %s", res.StatusCode, string(data))
	}

	req := createRequest(t, srv, "Pending task")
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/requests/"+req.ID+"/units/"+req.Tasks[0].ID+"/approve", nil, as("worker", ""))
	if res.StatusCode != http.StatusConflict || errorCode(t, data) != "invalid_state" {
		t.Fatalf("approving a pending unit should conflict, got %d %s", res.StatusCode, string(data))
	}
}

func TestAuthentication(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v1/requests", nil, nil)
	if res.StatusCode != http.StatusUnauthorized || errorCode(t, data) != "unauthorized" {
		t.Fatalf("expected 401, got %d %s", res.StatusCode, string(data))
	}
	res, _ = doJSON(t, client, http.MethodGet, srv.URL+"/v1/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health must be public, got %d", res.StatusCode)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/auth/dev/login", map[string]any{
		"actor_id": "alice",
		"role":     "agent",
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("dev login status %d: %s", res.StatusCode, string(data))
	}
	var login DevLoginResponse
	_ = json.Unmarshal(data, &login)

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/me", nil, map[string]string{"Authorization": "Bearer " + login.Token})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("me status %d: %s", res.StatusCode, string(data))
	}
	var me WhoAmIResponse
	_ = json.Unmarshal(data, &me)
	if me.ActorID != "alice" || me.Role != string(domain.RoleAgent) || me.Source != "jwt" {
		t.Fatalf("unexpected principal: %+v", me)
	}

	res, _ = doJSON(t, client, http.MethodGet, srv.URL+"/v1/me", nil, map[string]string{"Authorization": "Bearer not-a-token"})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("bad token should be rejected, got %d", res.StatusCode)
	}
}

func TestReviewRequiresReviewerRole(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	req := createRequest(t, srv, "Needs review")
	base := srv.URL + "/v1/requests/" + req.ID
	doJSON(t, client, http.MethodPost, base+"/next", nil, as("worker", ""))
	unitURL := base + "/units/" + req.Tasks[0].ID
	res, data := doJSON(t, client, http.MethodPost, unitURL+"/outcome", map[string]any{"status": "COMPLETED"}, as("worker", ""))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("outcome status %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, unitURL+"/review", map[string]any{"approve": true}, as("worker", ""))
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("worker without a role cannot review, got %d %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodPost, unitURL+"/review", map[string]any{"approve": true, "role": "MANAGER"}, as("bob", domain.RoleAgent))
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("agent cannot act as manager, got %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, unitURL+"/review", map[string]any{"approve": false, "comment": "redo"}, as("bob", domain.RoleAgent))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("reject status %d: %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/units/"+req.Tasks[0].ID, nil, as("worker", ""))
	var u domain.Unit
	_ = json.Unmarshal(data, &u)
	if res.StatusCode != http.StatusOK || u.Status != domain.StatusPending || u.Rejections != 1 {
		t.Fatalf("rejected unit should be pending again: %d %+v", res.StatusCode, u)
	}
}

func TestEventsPagination(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	for i := 0; i < 3; i++ {
		createRequest(t, srv, "Task")
	}

	url := srv.URL + "/v1/events?type=request.created&limit=2"
	res, data := doJSON(t, client, http.MethodGet, url, nil, as("worker", ""))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("events status %d: %s", res.StatusCode, string(data))
	}
	var page paginatedEvents
	_ = json.Unmarshal(data, &page)
	if len(page.Items) != 2 || page.NextCursor == "" {
		t.Fatalf("expected a full first page with cursor: %+v", page)
	}
	if page.Items[0].ID <= page.Items[1].ID {
		t.Fatalf("events should be newest first: %+v", page.Items)
	}

	res, data = doJSON(t, client, http.MethodGet, url+"&cursor="+page.NextCursor, nil, as("worker", ""))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("second page status %d: %s", res.StatusCode, string(data))
	}
	var second paginatedEvents
	_ = json.Unmarshal(data, &second)
	if len(second.Items) != 1 || second.NextCursor != "" {
		t.Fatalf("expected the last event only: %+v", second)
	}
	if second.Items[0].Type != "request.created" || second.Items[0].Payload == nil {
		t.Fatalf("unexpected event: %+v", second.Items[0])
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/events?cursor=abc", nil, as("worker", ""))
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("invalid cursor should be rejected, got %d %s", res.StatusCode, string(data))
	}
}

func TestCircuitOpenMapsToRetryAfter(t *testing.T) {
	err := handleError(&resilience.OpenError{Site: "executor", RetryAfter: 2500 * time.Millisecond})
	ae, ok := err.(*apiError)
	if !ok {
		t.Fatalf("expected *apiError, got %T", err)
	}
	if ae.GetStatus() != http.StatusServiceUnavailable || ae.Body.Code != "circuit_open" {
		t.Fatalf("unexpected mapping: %d %s", ae.GetStatus(), ae.Body.Code)
	}
	if got := ae.GetHeaders().Get("Retry-After"); got != "3" {
		t.Fatalf("Retry-After should round up, got %q", got)
	}
}

func TestOpenAPIDocumentsAuthAndCircuitOpen(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/openapi.json", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("openapi status %d", res.StatusCode)
	}
	var doc struct {
		Components struct {
			SecuritySchemes map[string]json.RawMessage `json:"securitySchemes"`
		} `json:"components"`
		Paths map[string]map[string]struct {
			Responses map[string]json.RawMessage `json:"responses"`
			Security  []map[string][]string      `json:"security"`
		} `json:"paths"`
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		t.Fatalf("unmarshal openapi: %v", err)
	}
	for _, scheme := range []string{"bearerAuth", "actorHeader"} {
		if _, ok := doc.Components.SecuritySchemes[scheme]; !ok {
			t.Fatalf("missing security scheme %s", scheme)
		}
	}
	run := doc.Paths["/v1/requests/{request_id}/run"]["post"]
	if _, ok := run.Responses["503"]; !ok {
		t.Fatalf("run should document the circuit-open answer: %v", run.Responses)
	}
	if _, ok := doc.Paths["/v1/requests"]["get"].Responses["503"]; ok {
		t.Fatalf("listing requests never dispatches")
	}
	if health := doc.Paths["/v1/health"]["get"]; len(health.Security) != 0 {
		t.Fatalf("health must stay open: %v", health.Security)
	}
}
