package engine_test

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"taskmaster/internal/config"
	"taskmaster/internal/db"
	"taskmaster/internal/domain"
	"taskmaster/internal/engine"
	"taskmaster/internal/executor"
	"taskmaster/internal/migrate"
	"taskmaster/internal/resilience"
)

type testEnv struct {
	Engine *engine.Engine
	DB     *sql.DB
	Config *config.Config
	Ctx    context.Context
}

func newTestEnv(t *testing.T, tweak func(cfg *config.Config)) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default()
	cfg.Retry.BaseDelay = 0
	cfg.Retry.JitterFraction = 0
	if tweak != nil {
		tweak(cfg)
	}
	eng := engine.New(conn, cfg, nil)
	eng.Executor = executor.Func(func(ctx context.Context, u domain.Unit) (executor.Result, error) {
		return executor.Result{Output: "done " + u.ID, ResourceUsage: 0.2}, nil
	})
	ctx := context.Background()
	if err := eng.Load(ctx); err != nil {
		t.Fatalf("load: %v", err)
	}
	return testEnv{Engine: eng, DB: conn, Config: cfg, Ctx: ctx}
}

func (env testEnv) createRequest(t *testing.T, tasks ...engine.UnitInput) domain.Request {
	t.Helper()
	req, err := env.Engine.CreateRequest(env.Ctx, engine.CreateRequestOptions{
		Description: "ship the release",
		Tasks:       tasks,
		ActorID:     "tester",
	})
	if err != nil {
		t.Fatalf("create request: %v", err)
	}
	return req
}

func (env testEnv) next(t *testing.T, requestID string) engine.NextTask {
	t.Helper()
	next, err := env.Engine.GetNextTask(env.Ctx, requestID, "tester")
	if err != nil {
		t.Fatalf("next task: %v", err)
	}
	return next
}

func (env testEnv) complete(t *testing.T, requestID, unitID string) domain.Unit {
	t.Helper()
	took := 1.0
	u, err := env.Engine.MarkUnitOutcome(env.Ctx, engine.MarkOutcomeOptions{
		RequestID:     requestID,
		UnitID:        unitID,
		Status:        domain.OutcomeCompleted,
		ExecutionTime: &took,
		ResourceUsage: 0.2,
		ActorID:       "tester",
	})
	if err != nil {
		t.Fatalf("mark outcome %s: %v", unitID, err)
	}
	return u
}

func TestRequestLifecycle(t *testing.T) {
	env := newTestEnv(t, nil)
	req := env.createRequest(t,
		engine.UnitInput{Title: "write notes", Priority: "low"},
		engine.UnitInput{Title: "cut tag", Priority: "high"},
	)
	if req.Status != domain.RequestOpen || len(req.Tasks) != 2 {
		t.Fatalf("unexpected request: %+v", req)
	}

	first := env.next(t, req.ID)
	if first.Status != engine.NextTaskFound || first.Unit.Title != "cut tag" {
		t.Fatalf("expected high priority task first, got %+v", first)
	}
	second := env.next(t, req.ID)
	if second.Status != engine.NextTaskFound || second.Unit.Title != "write notes" {
		t.Fatalf("expected remaining task, got %+v", second)
	}
	if got := env.next(t, req.ID); got.Status != engine.TasksInProgress {
		t.Fatalf("expected tasks_in_progress, got %s", got.Status)
	}

	for _, id := range []string{first.Unit.ID, second.Unit.ID} {
		u := env.complete(t, req.ID, id)
		if u.Status != domain.StatusDoneUnapproved || u.LastSample == nil {
			t.Fatalf("unit not completed: %+v", u)
		}
	}
	if got := env.next(t, req.ID); got.Status != engine.AwaitingApproval {
		t.Fatalf("expected awaiting_approval, got %s", got.Status)
	}
	for _, id := range []string{first.Unit.ID, second.Unit.ID} {
		d, err := env.Engine.ApproveUnit(env.Ctx, req.ID, id, "tester")
		if err != nil {
			t.Fatalf("approve %s: %v", id, err)
		}
		if !d.Approved || d.Role != domain.RoleAuto {
			t.Fatalf("expected auto approval, got %+v", d)
		}
	}
	if got := env.next(t, req.ID); got.Status != engine.AllTasksDone {
		t.Fatalf("expected all_tasks_done, got %s", got.Status)
	}
	got, err := env.Engine.GetRequest(env.Ctx, req.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != domain.RequestComplete || got.CompletedAt == nil {
		t.Fatalf("request should be complete: %+v", got)
	}

	approval, err := env.Engine.ApproveRequest(env.Ctx, engine.ApproveRequestOptions{RequestID: req.ID, ActorID: "tester"})
	if err != nil {
		t.Fatalf("approve request: %v", err)
	}
	if !approval.Decision.Approved || approval.Metrics.Units != 2 || approval.Metrics.AutoApprovalRate != 1 {
		t.Fatalf("unexpected approval: %+v", approval)
	}
	if approval.Metrics.SuccessRate != 1 || approval.Metrics.ErrorRate != 0 {
		t.Fatalf("unexpected metrics: %+v", approval.Metrics)
	}
	if _, err := env.Engine.ApproveRequest(env.Ctx, engine.ApproveRequestOptions{RequestID: req.ID}); !errors.Is(err, engine.ErrInvalidState) {
		t.Fatalf("expected invalid state on second approval, got %v", err)
	}
}

func TestCreateRequestValidation(t *testing.T) {
	env := newTestEnv(t, nil)
	cases := []engine.CreateRequestOptions{
		{Description: "", Tasks: []engine.UnitInput{{Title: "a"}}},
		{Description: "x"},
		{Description: "x", Tasks: []engine.UnitInput{{Title: " "}}},
		{Description: "x", Tasks: []engine.UnitInput{{Title: "a", Priority: "urgent"}}},
		{Description: "x", Tasks: []engine.UnitInput{{Title: "a", Due: "next week"}}},
		{Description: "x", Tasks: []engine.UnitInput{{Title: "a", Subtasks: []engine.UnitInput{{Title: "b", Subtasks: []engine.UnitInput{{Title: "c"}}}}}}},
	}
	for i, opts := range cases {
		if _, err := env.Engine.CreateRequest(env.Ctx, opts); !errors.Is(err, engine.ErrValidation) {
			t.Fatalf("case %d: expected validation error, got %v", i, err)
		}
	}
	list, err := env.Engine.ListRequests(env.Ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 0 {
		t.Fatalf("rejected requests must not be stored, got %d", len(list))
	}
}

func TestGetNextTaskHandsOutEachUnitOnce(t *testing.T) {
	env := newTestEnv(t, nil)
	var tasks []engine.UnitInput
	for i := 0; i < 10; i++ {
		tasks = append(tasks, engine.UnitInput{Title: fmt.Sprintf("task %d", i)})
	}
	req := env.createRequest(t, tasks...)

	var (
		mu   sync.Mutex
		seen = map[string]int{}
		wg   sync.WaitGroup
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			next, err := env.Engine.GetNextTask(env.Ctx, req.ID, "worker")
			if err != nil {
				t.Errorf("next task: %v", err)
				return
			}
			if next.Status != engine.NextTaskFound {
				return
			}
			mu.Lock()
			seen[next.Unit.ID]++
			mu.Unlock()
		}()
	}
	wg.Wait()
	if len(seen) != 10 {
		t.Fatalf("expected 10 distinct units, got %d", len(seen))
	}
	for id, n := range seen {
		if n != 1 {
			t.Fatalf("unit %s handed out %d times", id, n)
		}
	}
}

func TestParentApprovalWaitsForSubtasks(t *testing.T) {
	env := newTestEnv(t, nil)
	req := env.createRequest(t, engine.UnitInput{
		Title:    "release",
		Priority: "high",
		Subtasks: []engine.UnitInput{{Title: "changelog"}},
	})
	parent := req.Tasks[0]
	if len(parent.Subtasks) != 1 || parent.Subtasks[0].Priority != domain.PriorityHigh {
		t.Fatalf("subtask should inherit priority: %+v", parent.Subtasks)
	}
	sub := parent.Subtasks[0]
	for i := 0; i < 2; i++ {
		next := env.next(t, req.ID)
		if next.Status != engine.NextTaskFound {
			t.Fatalf("expected a unit, got %s", next.Status)
		}
		env.complete(t, req.ID, next.Unit.ID)
	}

	if _, err := env.Engine.ApproveUnit(env.Ctx, req.ID, parent.ID, "tester"); !errors.Is(err, engine.ErrInvalidState) {
		t.Fatalf("expected invalid state while subtask unapproved, got %v", err)
	}
	if _, err := env.Engine.ApproveUnit(env.Ctx, req.ID, sub.ID, "tester"); err != nil {
		t.Fatalf("approve subtask: %v", err)
	}
	d, err := env.Engine.ApproveUnit(env.Ctx, req.ID, parent.ID, "tester")
	if err != nil {
		t.Fatalf("approve parent: %v", err)
	}
	if !d.Approved {
		t.Fatalf("parent should be approved: %+v", d)
	}
	if _, err := env.Engine.ApproveUnit(env.Ctx, req.ID, parent.ID, "tester"); !errors.Is(err, engine.ErrInvalidState) {
		t.Fatalf("expected invalid state for approved unit, got %v", err)
	}
}

func TestDeleteAndUpdateUnit(t *testing.T) {
	env := newTestEnv(t, nil)
	req := env.createRequest(t, engine.UnitInput{Title: "a", Priority: "high"}, engine.UnitInput{Title: "b"})
	a, b := req.Tasks[0], req.Tasks[1]

	env.next(t, req.ID)
	env.complete(t, req.ID, a.ID)
	if _, err := env.Engine.ApproveUnit(env.Ctx, req.ID, a.ID, "tester"); err != nil {
		t.Fatal(err)
	}
	if err := env.Engine.DeleteUnit(env.Ctx, req.ID, a.ID, "tester"); !errors.Is(err, engine.ErrInvalidState) {
		t.Fatalf("expected invalid state deleting approved unit, got %v", err)
	}
	title := "renamed"
	if _, err := env.Engine.UpdateUnit(env.Ctx, engine.UpdateUnitOptions{RequestID: req.ID, UnitID: a.ID, Title: &title}); !errors.Is(err, engine.ErrInvalidState) {
		t.Fatalf("expected invalid state updating approved unit, got %v", err)
	}

	due := "2030-01-02"
	u, err := env.Engine.UpdateUnit(env.Ctx, engine.UpdateUnitOptions{RequestID: req.ID, UnitID: b.ID, Title: &title, Due: &due})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if u.Title != "renamed" || u.DueDate == nil || u.DueDate.Year() != 2030 {
		t.Fatalf("update not applied: %+v", u)
	}
	if _, err := env.Engine.UpdateUnit(env.Ctx, engine.UpdateUnitOptions{RequestID: req.ID, UnitID: b.ID}); !errors.Is(err, engine.ErrValidation) {
		t.Fatalf("expected validation error for empty update, got %v", err)
	}

	if err := env.Engine.DeleteUnit(env.Ctx, req.ID, b.ID, "tester"); err != nil {
		t.Fatalf("delete pending unit: %v", err)
	}
	if _, err := env.Engine.GetUnit(env.Ctx, b.ID); !errors.Is(err, engine.ErrNotFound) {
		t.Fatalf("expected not found after delete, got %v", err)
	}
	got, err := env.Engine.GetRequest(env.Ctx, req.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != domain.RequestComplete {
		t.Fatalf("request with only approved units should be complete, got %s", got.Status)
	}
}

func TestDecomposeUnit(t *testing.T) {
	env := newTestEnv(t, nil)
	req := env.createRequest(t, engine.UnitInput{Title: "deploy", Priority: "low", Due: "2030-06-01"})
	task := req.Tasks[0]
	subs, err := env.Engine.DecomposeUnit(env.Ctx, engine.DecomposeOptions{
		RequestID: req.ID,
		TaskID:    task.ID,
		Subtasks:  []engine.UnitInput{{Title: "build"}, {Title: "push", Priority: "high"}},
		ActorID:   "tester",
	})
	if err != nil {
		t.Fatalf("decompose: %v", err)
	}
	if len(subs) != 2 || subs[0].ParentID != task.ID {
		t.Fatalf("unexpected subtasks: %+v", subs)
	}
	if subs[0].Priority != domain.PriorityLow || subs[0].DueDate == nil || subs[1].Priority != domain.PriorityHigh {
		t.Fatalf("subtasks should inherit unset fields: %+v", subs)
	}
	if _, err := env.Engine.DecomposeUnit(env.Ctx, engine.DecomposeOptions{
		RequestID: req.ID,
		TaskID:    subs[0].ID,
		Subtasks:  []engine.UnitInput{{Title: "nested"}},
	}); !errors.Is(err, engine.ErrValidation) {
		t.Fatalf("expected validation error decomposing a subtask, got %v", err)
	}
	got, err := env.Engine.GetUnit(env.Ctx, task.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(got.Subtasks) != 2 {
		t.Fatalf("expected 2 subtasks on task, got %d", len(got.Subtasks))
	}
}

func TestRetryExhaustionEscalates(t *testing.T) {
	env := newTestEnv(t, func(cfg *config.Config) { cfg.Retry.MaxRetries = 1 })
	req := env.createRequest(t, engine.UnitInput{Title: "flaky"})
	id := req.Tasks[0].ID

	fail := func() domain.Unit {
		next := env.next(t, req.ID)
		if next.Status != engine.NextTaskFound {
			t.Fatalf("expected unit, got %s", next.Status)
		}
		u, err := env.Engine.MarkUnitOutcome(env.Ctx, engine.MarkOutcomeOptions{
			RequestID: req.ID,
			UnitID:    id,
			Status:    domain.OutcomePending,
			Details:   "upstream timeout",
		})
		if err != nil {
			t.Fatalf("mark outcome: %v", err)
		}
		return u
	}

	u := fail()
	if u.Status != domain.StatusPending || u.Attempts != 1 || u.NotBefore == nil {
		t.Fatalf("expected requeue after first failure: %+v", u)
	}
	u = fail()
	if u.Status != domain.StatusDoneUnapproved || !u.Failed || u.Confidence == nil || *u.Confidence != 0 {
		t.Fatalf("expected failed unit after retries: %+v", u)
	}
	decisions, err := env.Engine.Repo.ListDecisions(env.Ctx, req.ID, id)
	if err != nil {
		t.Fatal(err)
	}
	if len(decisions) != 1 || decisions[0].Role != domain.RoleManager || !decisions[0].Escalated {
		t.Fatalf("expected manager escalation, got %+v", decisions)
	}
	samples := env.Engine.Samples(id)
	if len(samples) != 2 || samples[0].Final || !samples[1].Final {
		t.Fatalf("unexpected samples: %+v", samples)
	}
}

func TestDefinitiveFailureSkipsRetries(t *testing.T) {
	env := newTestEnv(t, nil)
	req := env.createRequest(t, engine.UnitInput{Title: "bad input"})
	env.next(t, req.ID)
	u, err := env.Engine.MarkUnitOutcome(env.Ctx, engine.MarkOutcomeOptions{
		RequestID:  req.ID,
		UnitID:     req.Tasks[0].ID,
		Status:     domain.OutcomePending,
		Definitive: true,
	})
	if err != nil {
		t.Fatal(err)
	}
	if !u.Failed || u.Attempts != 1 {
		t.Fatalf("definitive failure should not be retried: %+v", u)
	}
}

func TestAsyncCompletionViaNotify(t *testing.T) {
	env := newTestEnv(t, nil)
	env.Engine.Executor = executor.Func(func(ctx context.Context, u domain.Unit) (executor.Result, error) {
		return executor.Result{Pending: true}, nil
	})
	req := env.createRequest(t, engine.UnitInput{Title: "long job"})
	id := req.Tasks[0].ID

	ctx, cancel := context.WithTimeout(env.Ctx, 5*time.Second)
	defer cancel()
	rep, err := env.Engine.Run(ctx, req.ID, 1)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if rep.Dispatched != 1 || rep.Awaiting != 1 || rep.Outcome != engine.TasksInProgress {
		t.Fatalf("unexpected report: %+v", rep)
	}
	u, err := env.Engine.GetUnit(env.Ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if u.Status != domain.StatusInProgress || !u.AwaitingEvent {
		t.Fatalf("unit should await an event: %+v", u)
	}

	u, err = env.Engine.NotifyUnitEvent(env.Ctx, engine.NotifyOptions{RequestID: req.ID, UnitID: id, Event: domain.EventCompleted, ResourceUsage: 0.1})
	if err != nil {
		t.Fatalf("notify: %v", err)
	}
	if u.Status != domain.StatusDoneUnapproved {
		t.Fatalf("expected DONE_UNAPPROVED, got %s", u.Status)
	}
	if _, err := env.Engine.NotifyUnitEvent(env.Ctx, engine.NotifyOptions{RequestID: req.ID, UnitID: id, Event: domain.EventCompleted}); !errors.Is(err, engine.ErrInvalidState) {
		t.Fatalf("expected invalid state on second notify, got %v", err)
	}
}

func TestOpenCircuitRequeuesWithoutAttempt(t *testing.T) {
	env := newTestEnv(t, func(cfg *config.Config) {
		cfg.Retry.MaxRetries = 0
		cfg.Breaker.FailureThreshold = 1
		cfg.Decision.AutoEvaluate = false
	})
	env.Engine.Executor = executor.Func(func(ctx context.Context, u domain.Unit) (executor.Result, error) {
		return executor.Result{}, errors.New("connection refused")
	})
	req := env.createRequest(t, engine.UnitInput{Title: "one", Priority: "high"}, engine.UnitInput{Title: "two"})

	ctx, cancel := context.WithTimeout(env.Ctx, 300*time.Millisecond)
	defer cancel()
	rep, err := env.Engine.Run(ctx, req.ID, 1)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected run to wait for the open circuit, got %v", err)
	}
	if rep.Failed != 1 || rep.CircuitOpen != 1 {
		t.Fatalf("unexpected report: %+v", rep)
	}
	two, err := env.Engine.GetUnit(env.Ctx, req.Tasks[1].ID)
	if err != nil {
		t.Fatal(err)
	}
	if two.Status != domain.StatusPending || two.Attempts != 0 || two.NotBefore == nil {
		t.Fatalf("fast-failed unit should be requeued without an attempt: %+v", two)
	}
	if len(env.Engine.Samples(two.ID)) != 0 {
		t.Fatalf("fast-failed unit must not record samples")
	}
	var open bool
	for _, b := range env.Engine.Breakers() {
		if b.Site == "executor" && b.State == resilience.StateOpen {
			open = true
		}
	}
	if !open {
		t.Fatalf("executor breaker should be open: %+v", env.Engine.Breakers())
	}
}

func TestReviewRejectRequeues(t *testing.T) {
	env := newTestEnv(t, nil)
	req := env.createRequest(t, engine.UnitInput{Title: "draft"})
	id := req.Tasks[0].ID
	env.next(t, req.ID)
	env.complete(t, req.ID, id)

	if _, err := env.Engine.ReviewUnit(env.Ctx, engine.ReviewOptions{RequestID: req.ID, UnitID: id, Role: domain.RoleAuto}); !errors.Is(err, engine.ErrValidation) {
		t.Fatalf("AUTO is not a reviewer role, got %v", err)
	}
	score := 0.2
	d, err := env.Engine.ReviewUnit(env.Ctx, engine.ReviewOptions{
		RequestID: req.ID,
		UnitID:    id,
		Role:      domain.RoleAgent,
		Comment:   "missing section",
		Score:     &score,
		ActorID:   "alice",
	})
	if err != nil {
		t.Fatalf("review: %v", err)
	}
	if d.Approved || d.Role != domain.RoleAgent {
		t.Fatalf("unexpected decision: %+v", d)
	}
	u, err := env.Engine.GetUnit(env.Ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if u.Status != domain.StatusPending || u.Rejections != 1 || u.Attempts != 0 {
		t.Fatalf("rejected unit should be pending again: %+v", u)
	}
	fb, err := env.Engine.Repo.ListFeedback(env.Ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if len(fb) != 1 || fb[0].Score != 0.2 {
		t.Fatalf("expected recorded feedback, got %+v", fb)
	}
}

func TestLoadRecoversState(t *testing.T) {
	env := newTestEnv(t, nil)
	req := env.createRequest(t, engine.UnitInput{Title: "a", Priority: "high"}, engine.UnitInput{Title: "b"})
	started := env.next(t, req.ID)
	env.complete(t, req.ID, started.Unit.ID)
	if _, err := env.Engine.ApproveUnit(env.Ctx, req.ID, started.Unit.ID, "tester"); err != nil {
		t.Fatal(err)
	}
	running := env.next(t, req.ID)
	before, err := env.Engine.Policy(env.Ctx)
	if err != nil {
		t.Fatal(err)
	}

	restarted := engine.New(env.DB, env.Config, nil)
	if err := restarted.Load(env.Ctx); err != nil {
		t.Fatalf("reload: %v", err)
	}
	got, err := restarted.GetRequest(env.Ctx, req.ID)
	if err != nil {
		t.Fatalf("request lost on reload: %v", err)
	}
	if len(got.Tasks) != 2 || got.Tasks[0].Status != domain.StatusApproved {
		t.Fatalf("unexpected reloaded request: %+v", got)
	}
	u, err := restarted.GetUnit(env.Ctx, running.Unit.ID)
	if err != nil {
		t.Fatal(err)
	}
	if u.Status != domain.StatusPending || u.Attempts != 0 {
		t.Fatalf("interrupted unit should be requeued: %+v", u)
	}
	after, err := restarted.Policy(env.Ctx)
	if err != nil {
		t.Fatal(err)
	}
	if after.Version != before.Version || after.Threshold != before.Threshold {
		t.Fatalf("policy not restored: before %+v after %+v", before.Snapshot, after.Snapshot)
	}
	if after.Insight.Count != 1 {
		t.Fatalf("insight history not seeded: %+v", after.Insight)
	}
}

func TestRunAutoApprovesCompletedUnits(t *testing.T) {
	env := newTestEnv(t, nil)
	req := env.createRequest(t,
		engine.UnitInput{Title: "a", Subtasks: []engine.UnitInput{{Title: "a.1"}}},
		engine.UnitInput{Title: "b"},
	)
	ctx, cancel := context.WithTimeout(env.Ctx, 5*time.Second)
	defer cancel()
	reports, err := env.Engine.RunAll(ctx, nil, 2)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(reports) != 1 {
		t.Fatalf("expected one report, got %d", len(reports))
	}
	rep := reports[0]
	if rep.Dispatched != 3 || rep.Completed != 3 || rep.Failed != 0 {
		t.Fatalf("unexpected report: %+v", rep)
	}
	got, err := env.Engine.GetRequest(env.Ctx, req.ID)
	if err != nil {
		t.Fatal(err)
	}
	for _, task := range got.Tasks {
		if task.Status != domain.StatusApproved && task.Status != domain.StatusDoneUnapproved {
			t.Fatalf("task %s left in %s", task.ID, task.Status)
		}
	}
	if rep.AutoApproved+rep.Escalated < 2 {
		t.Fatalf("completed units should be evaluated: %+v", rep)
	}
}

func TestDeleteRequestRequiresApprovedUnits(t *testing.T) {
	env := newTestEnv(t, nil)
	req := env.createRequest(t, engine.UnitInput{Title: "only"})
	if err := env.Engine.DeleteRequest(env.Ctx, req.ID, "tester"); !errors.Is(err, engine.ErrInvalidState) {
		t.Fatalf("expected invalid state, got %v", err)
	}
	env.next(t, req.ID)
	env.complete(t, req.ID, req.Tasks[0].ID)
	if _, err := env.Engine.ReviewUnit(env.Ctx, engine.ReviewOptions{RequestID: req.ID, UnitID: req.Tasks[0].ID, Role: domain.RoleManager, Approve: true}); err != nil {
		t.Fatal(err)
	}
	if err := env.Engine.DeleteRequest(env.Ctx, req.ID, "tester"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := env.Engine.GetRequest(env.Ctx, req.ID); !errors.Is(err, engine.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func executorBreaker(t *testing.T, e *engine.Engine) resilience.BreakerStatus {
	t.Helper()
	for _, b := range e.Breakers() {
		if b.Site == "executor" {
			return b
		}
	}
	t.Fatalf("no executor breaker in %+v", e.Breakers())
	return resilience.BreakerStatus{}
}

func TestAsyncCompletionLeavesOpenBreakerOpen(t *testing.T) {
	env := newTestEnv(t, func(cfg *config.Config) {
		cfg.Retry.MaxRetries = 0
		cfg.Breaker.FailureThreshold = 1
		cfg.Decision.AutoEvaluate = false
	})
	env.Engine.Executor = executor.Func(func(ctx context.Context, u domain.Unit) (executor.Result, error) {
		if u.Title == "long job" {
			return executor.Result{Pending: true}, nil
		}
		return executor.Result{}, errors.New("connection refused")
	})
	req := env.createRequest(t,
		engine.UnitInput{Title: "long job", Priority: "high"},
		engine.UnitInput{Title: "doomed", Priority: "low"},
	)
	ctx, cancel := context.WithTimeout(env.Ctx, 5*time.Second)
	defer cancel()
	if _, err := env.Engine.Run(ctx, req.ID, 1); err != nil {
		t.Fatalf("run: %v", err)
	}
	opened := executorBreaker(t, env.Engine)
	if opened.State != resilience.StateOpen {
		t.Fatalf("failed dispatch should open the breaker: %+v", opened)
	}

	if _, err := env.Engine.NotifyUnitEvent(env.Ctx, engine.NotifyOptions{RequestID: req.ID, UnitID: req.Tasks[0].ID, Event: domain.EventCompleted}); err != nil {
		t.Fatalf("notify: %v", err)
	}
	got := executorBreaker(t, env.Engine)
	if got.State != resilience.StateOpen || !got.ChangedAt.Equal(opened.ChangedAt) {
		t.Fatalf("async completion must not close or rearm an open breaker: before %+v after %+v", opened, got)
	}
}

func TestDeleteInFlightUnitDropsLateResult(t *testing.T) {
	env := newTestEnv(t, func(cfg *config.Config) { cfg.Decision.AutoEvaluate = false })
	started := make(chan string, 1)
	env.Engine.Executor = executor.Func(func(ctx context.Context, u domain.Unit) (executor.Result, error) {
		if u.Title != "slow" {
			return executor.Result{Output: "ok"}, nil
		}
		started <- u.ID
		<-ctx.Done()
		return executor.Result{}, ctx.Err()
	})
	req := env.createRequest(t,
		engine.UnitInput{Title: "slow", Priority: "high"},
		engine.UnitInput{Title: "quick", Priority: "low"},
	)
	ctx, cancel := context.WithTimeout(env.Ctx, 5*time.Second)
	defer cancel()

	type result struct {
		rep engine.RunReport
		err error
	}
	done := make(chan result, 1)
	go func() {
		rep, err := env.Engine.Run(ctx, req.ID, 1)
		done <- result{rep, err}
	}()

	var slowID string
	select {
	case slowID = <-started:
	case <-ctx.Done():
		t.Fatalf("slow unit never dispatched")
	}
	if err := env.Engine.DeleteUnit(env.Ctx, req.ID, slowID, "tester"); err != nil {
		t.Fatalf("delete in-flight unit: %v", err)
	}
	res := <-done
	if res.err != nil {
		t.Fatalf("run: %v", res.err)
	}

	if _, err := env.Engine.GetUnit(env.Ctx, slowID); !errors.Is(err, engine.ErrNotFound) {
		t.Fatalf("deleted unit should stay gone, got %v", err)
	}
	if samples := env.Engine.Samples(slowID); len(samples) != 0 {
		t.Fatalf("late result must not be recorded: %+v", samples)
	}
	br := executorBreaker(t, env.Engine)
	if br.State != resilience.StateClosed || br.ConsecutiveFailures != 0 {
		t.Fatalf("late result must not touch the breaker: %+v", br)
	}
}

func TestBackoffGateReportsBackingOff(t *testing.T) {
	env := newTestEnv(t, func(cfg *config.Config) { cfg.Retry.BaseDelay = time.Hour })
	req := env.createRequest(t, engine.UnitInput{Title: "flaky"})
	id := req.Tasks[0].ID
	env.next(t, req.ID)
	u, err := env.Engine.MarkUnitOutcome(env.Ctx, engine.MarkOutcomeOptions{
		RequestID: req.ID,
		UnitID:    id,
		Status:    domain.OutcomePending,
		Details:   "upstream timeout",
	})
	if err != nil {
		t.Fatalf("mark outcome: %v", err)
	}
	if u.Status != domain.StatusPending || u.NotBefore == nil {
		t.Fatalf("expected a gated pending unit: %+v", u)
	}

	got := env.next(t, req.ID)
	if got.Status != engine.BackingOff || got.Unit != nil {
		t.Fatalf("a unit behind its retry gate is not handed out: %+v", got)
	}
	if got.RetryAt == nil || !got.RetryAt.Equal(*u.NotBefore) {
		t.Fatalf("expected retry_at %v, got %v", u.NotBefore, got.RetryAt)
	}
}

func TestHumanApprovalWithoutEvaluationRecordsConfidence(t *testing.T) {
	env := newTestEnv(t, nil)
	req := env.createRequest(t, engine.UnitInput{Title: "reviewed by hand"})
	id := req.Tasks[0].ID
	env.next(t, req.ID)
	env.complete(t, req.ID, id)

	d, err := env.Engine.ReviewUnit(env.Ctx, engine.ReviewOptions{RequestID: req.ID, UnitID: id, Role: domain.RoleAgent, Approve: true, ActorID: "alice"})
	if err != nil {
		t.Fatalf("review: %v", err)
	}
	u, err := env.Engine.GetUnit(env.Ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if u.Confidence == nil || *u.Confidence != d.Confidence || d.Confidence < d.Threshold {
		t.Fatalf("human approval should carry the computed confidence: unit %+v decision %+v", u, d)
	}

	approval, err := env.Engine.ApproveRequest(env.Ctx, engine.ApproveRequestOptions{RequestID: req.ID, ActorID: "tester"})
	if err != nil {
		t.Fatalf("approve request: %v", err)
	}
	if !approval.Decision.Approved || approval.Decision.Role != domain.RoleAuto {
		t.Fatalf("request of a cleanly completed unit should auto-approve: %+v", approval.Decision)
	}
}

func TestDispatchMeasuresWithEngineClock(t *testing.T) {
	env := newTestEnv(t, func(cfg *config.Config) { cfg.Decision.AutoEvaluate = false })
	var (
		mu  sync.Mutex
		now = time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	)
	env.Engine.Now = func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	env.Engine.Executor = executor.Func(func(ctx context.Context, u domain.Unit) (executor.Result, error) {
		mu.Lock()
		now = now.Add(90 * time.Second)
		mu.Unlock()
		return executor.Result{Output: "ok"}, nil
	})
	req := env.createRequest(t, engine.UnitInput{Title: "timed"})
	ctx, cancel := context.WithTimeout(env.Ctx, 5*time.Second)
	defer cancel()
	if _, err := env.Engine.Run(ctx, req.ID, 1); err != nil {
		t.Fatalf("run: %v", err)
	}
	samples := env.Engine.Samples(req.Tasks[0].ID)
	if len(samples) != 1 || samples[0].ExecutionTime != 90 {
		t.Fatalf("expected a 90s sample from the engine clock, got %+v", samples)
	}
}
