package server

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"

	"taskmaster/internal/domain"
	"taskmaster/internal/engine"
	"taskmaster/internal/repo"
	"taskmaster/internal/resilience"
)

type bodyOutput[T any] struct {
	Body T `json:"body"`
}

func reply[T any](v T) *bodyOutput[T] {
	return &bodyOutput[T]{Body: v}
}

type requestPath struct {
	RequestID string `path:"request_id"`
}

type unitPath struct {
	RequestID string `path:"request_id"`
	UnitID    string `path:"unit_id"`
}

var mutationErrors = []int{
	http.StatusBadRequest,
	http.StatusUnauthorized,
	http.StatusNotFound,
	http.StatusConflict,
	http.StatusInternalServerError,
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*bodyOutput[HealthResponse], error) {
		return reply(HealthResponse{Status: "ok", Time: time.Now().UTC()}), nil
	})
}

func registerRequests(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-request",
		Method:        http.MethodPost,
		Path:          "/requests",
		Summary:       "Create a request with its tasks",
		DefaultStatus: http.StatusCreated,
		Errors:        mutationErrors,
	}, func(ctx context.Context, input *struct {
		Body CreateRequestRequest `json:"body"`
	}) (*bodyOutput[domain.Request], error) {
		req, err := e.CreateRequest(ctx, engine.CreateRequestOptions{
			Description:  input.Body.Description,
			SplitDetails: input.Body.SplitDetails,
			Priority:     input.Body.Priority,
			Due:          input.Body.DueDate,
			Tasks:        input.Body.Tasks,
			ActorID:      actorID(ctx),
		})
		if err != nil {
			return nil, handleError(err)
		}
		return reply(req), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-requests",
		Method:      http.MethodGet,
		Path:        "/requests",
		Summary:     "List requests",
	}, func(ctx context.Context, _ *struct{}) (*bodyOutput[[]domain.RequestSummary], error) {
		items, err := e.ListRequests(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(nonNilSlice(items)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-request",
		Method:      http.MethodGet,
		Path:        "/requests/{request_id}",
		Summary:     "Get a request with its task tree",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *requestPath) (*bodyOutput[domain.Request], error) {
		req, err := e.GetRequest(ctx, input.RequestID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(req), nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "delete-request",
		Method:        http.MethodDelete,
		Path:          "/requests/{request_id}",
		Summary:       "Delete a request whose units are all approved",
		DefaultStatus: http.StatusNoContent,
		Errors:        mutationErrors,
	}, func(ctx context.Context, input *requestPath) (*struct{}, error) {
		if err := e.DeleteRequest(ctx, input.RequestID, actorID(ctx)); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "add-units",
		Method:        http.MethodPost,
		Path:          "/requests/{request_id}/units",
		Summary:       "Append tasks to a request",
		DefaultStatus: http.StatusCreated,
		Errors:        mutationErrors,
	}, func(ctx context.Context, input *struct {
		RequestID string          `path:"request_id"`
		Body      AddUnitsRequest `json:"body"`
	}) (*bodyOutput[UnitsResponse], error) {
		units, err := e.AddUnits(ctx, engine.AddUnitsOptions{
			RequestID: input.RequestID,
			Units:     input.Body.Units,
			Priority:  input.Body.Priority,
			Due:       input.Body.DueDate,
			ActorID:   actorID(ctx),
		})
		if err != nil {
			return nil, handleError(err)
		}
		return reply(UnitsResponse{Units: nonNilSlice(units)}), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-decisions",
		Method:      http.MethodGet,
		Path:        "/requests/{request_id}/decisions",
		Summary:     "Decision history of a request",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *requestPath) (*bodyOutput[[]domain.Decision], error) {
		if _, err := e.GetRequest(ctx, input.RequestID); err != nil {
			return nil, handleError(err)
		}
		items, err := e.Repo.ListDecisions(ctx, input.RequestID, "")
		if err != nil {
			return nil, handleError(err)
		}
		return reply(nonNilSlice(items)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "summary",
		Method:      http.MethodGet,
		Path:        "/summary",
		Summary:     "Counts of requests and units by status",
	}, func(ctx context.Context, _ *struct{}) (*bodyOutput[domain.Summary], error) {
		s, err := e.Summary(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(s), nil
	})
}

func registerUnits(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "get-unit",
		Method:      http.MethodGet,
		Path:        "/units/{unit_id}",
		Summary:     "Get a task or subtask",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		UnitID string `path:"unit_id"`
	}) (*bodyOutput[domain.Unit], error) {
		u, err := e.GetUnit(ctx, input.UnitID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(u), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "unit-samples",
		Method:      http.MethodGet,
		Path:        "/units/{unit_id}/samples",
		Summary:     "Performance samples recorded for a unit",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		UnitID string `path:"unit_id"`
	}) (*bodyOutput[SampleResponse], error) {
		if _, err := e.GetUnit(ctx, input.UnitID); err != nil {
			return nil, handleError(err)
		}
		return reply(SampleResponse{Samples: nonNilSlice(e.Samples(input.UnitID))}), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-unit",
		Method:      http.MethodPatch,
		Path:        "/requests/{request_id}/units/{unit_id}",
		Summary:     "Update a unit",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		RequestID string            `path:"request_id"`
		UnitID    string            `path:"unit_id"`
		Body      UpdateUnitRequest `json:"body"`
	}) (*bodyOutput[domain.Unit], error) {
		u, err := e.UpdateUnit(ctx, engine.UpdateUnitOptions{
			RequestID:   input.RequestID,
			UnitID:      input.UnitID,
			Title:       input.Body.Title,
			Description: input.Body.Description,
			Priority:    input.Body.Priority,
			Due:         input.Body.DueDate,
			ClearDue:    input.Body.ClearDue,
			ActorID:     actorID(ctx),
		})
		if err != nil {
			return nil, handleError(err)
		}
		return reply(u), nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "delete-unit",
		Method:        http.MethodDelete,
		Path:          "/requests/{request_id}/units/{unit_id}",
		Summary:       "Delete a unit and its subtasks",
		DefaultStatus: http.StatusNoContent,
		Errors:        mutationErrors,
	}, func(ctx context.Context, input *unitPath) (*struct{}, error) {
		if err := e.DeleteUnit(ctx, input.RequestID, input.UnitID, actorID(ctx)); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "decompose-unit",
		Method:        http.MethodPost,
		Path:          "/requests/{request_id}/units/{unit_id}/subtasks",
		Summary:       "Split a task into subtasks",
		DefaultStatus: http.StatusCreated,
		Errors:        mutationErrors,
	}, func(ctx context.Context, input *struct {
		RequestID string           `path:"request_id"`
		UnitID    string           `path:"unit_id"`
		Body      DecomposeRequest `json:"body"`
	}) (*bodyOutput[UnitsResponse], error) {
		units, err := e.DecomposeUnit(ctx, engine.DecomposeOptions{
			RequestID: input.RequestID,
			TaskID:    input.UnitID,
			Subtasks:  input.Body.Subtasks,
			ActorID:   actorID(ctx),
		})
		if err != nil {
			return nil, handleError(err)
		}
		return reply(UnitsResponse{Units: nonNilSlice(units)}), nil
	})
}

func registerExecution(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "next-task",
		Method:      http.MethodPost,
		Path:        "/requests/{request_id}/next",
		Summary:     "Claim the highest scoring pending unit",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *requestPath) (*bodyOutput[engine.NextTask], error) {
		next, err := e.GetNextTask(ctx, input.RequestID, actorID(ctx))
		if err != nil {
			return nil, handleError(err)
		}
		return reply(next), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "mark-outcome",
		Method:      http.MethodPost,
		Path:        "/requests/{request_id}/units/{unit_id}/outcome",
		Summary:     "Report a synchronous execution outcome",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		RequestID string         `path:"request_id"`
		UnitID    string         `path:"unit_id"`
		Body      OutcomeRequest `json:"body"`
	}) (*bodyOutput[domain.Unit], error) {
		u, err := e.MarkUnitOutcome(ctx, engine.MarkOutcomeOptions{
			RequestID:     input.RequestID,
			UnitID:        input.UnitID,
			Status:        domain.Outcome(strings.ToUpper(input.Body.Status)),
			Details:       input.Body.Details,
			ExecutionTime: input.Body.ExecutionTime,
			ResourceUsage: input.Body.ResourceUsage,
			Definitive:    input.Body.Definitive,
			ActorID:       actorID(ctx),
		})
		if err != nil {
			return nil, handleError(err)
		}
		return reply(u), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "notify-event",
		Method:      http.MethodPost,
		Path:        "/requests/{request_id}/units/{unit_id}/events",
		Summary:     "Deliver the asynchronous outcome of a unit awaiting an event",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		RequestID string       `path:"request_id"`
		UnitID    string       `path:"unit_id"`
		Body      EventRequest `json:"body"`
	}) (*bodyOutput[domain.Unit], error) {
		u, err := e.NotifyUnitEvent(ctx, engine.NotifyOptions{
			RequestID:     input.RequestID,
			UnitID:        input.UnitID,
			Event:         domain.UnitEvent(strings.ToUpper(input.Body.Event)),
			Details:       input.Body.Details,
			ExecutionTime: input.Body.ExecutionTime,
			ResourceUsage: input.Body.ResourceUsage,
			Definitive:    input.Body.Definitive,
			ActorID:       actorID(ctx),
		})
		if err != nil {
			return nil, handleError(err)
		}
		return reply(u), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "run-request",
		Method:      http.MethodPost,
		Path:        "/requests/{request_id}/run",
		Summary:     "Execute pending units through the configured executor",
		Errors:      append([]int{http.StatusServiceUnavailable, http.StatusGatewayTimeout}, mutationErrors...),
	}, func(ctx context.Context, input *struct {
		RequestID string      `path:"request_id"`
		Body      *RunRequest `json:"body" required:"false"`
	}) (*bodyOutput[engine.RunReport], error) {
		opts := runOptions(input.Body)
		runCtx, cancel := runContext(ctx, opts.TimeoutSec)
		defer cancel()
		report, err := e.Run(runCtx, input.RequestID, opts.Parallelism)
		if err != nil && !timedOut(ctx, runCtx, opts) {
			return nil, handleError(err)
		}
		return reply(report), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "run-all",
		Method:      http.MethodPost,
		Path:        "/run",
		Summary:     "Execute every open request",
		Errors:      []int{http.StatusBadRequest, http.StatusGatewayTimeout, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		Body *RunRequest `json:"body" required:"false"`
	}) (*bodyOutput[[]engine.RunReport], error) {
		opts := runOptions(input.Body)
		runCtx, cancel := runContext(ctx, opts.TimeoutSec)
		defer cancel()
		reports, err := e.RunAll(runCtx, nil, opts.Parallelism)
		if err != nil && !timedOut(ctx, runCtx, opts) {
			return nil, handleError(err)
		}
		return reply(nonNilSlice(reports)), nil
	})
}

// runContext bounds a run. A run that hits its own timeout still reports
// what it got done.
func runContext(ctx context.Context, timeoutSec int) (context.Context, context.CancelFunc) {
	if timeoutSec <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, time.Duration(timeoutSec)*time.Second)
}

func runOptions(in *RunRequest) RunRequest {
	if in == nil {
		return RunRequest{}
	}
	return *in
}

// timedOut reports whether the run stopped on its own deadline rather than
// the caller going away.
func timedOut(parent, run context.Context, opts RunRequest) bool {
	return opts.TimeoutSec > 0 && run.Err() != nil && parent.Err() == nil
}

func registerApprovals(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "approve-unit",
		Method:      http.MethodPost,
		Path:        "/requests/{request_id}/units/{unit_id}/approve",
		Summary:     "Ask the decision engine to approve a finished unit",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *unitPath) (*bodyOutput[domain.Decision], error) {
		d, err := e.ApproveUnit(ctx, input.RequestID, input.UnitID, actorID(ctx))
		if err != nil {
			return nil, handleError(err)
		}
		return reply(d), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "review-unit",
		Method:      http.MethodPost,
		Path:        "/requests/{request_id}/units/{unit_id}/review",
		Summary:     "Record a human verdict on a finished unit",
		Errors:      append([]int{http.StatusForbidden}, mutationErrors...),
	}, func(ctx context.Context, input *struct {
		RequestID string        `path:"request_id"`
		UnitID    string        `path:"unit_id"`
		Body      ReviewRequest `json:"body"`
	}) (*bodyOutput[domain.Decision], error) {
		role, authErr := reviewerRole(ctx, input.Body.Role)
		if authErr != nil {
			return nil, authErr
		}
		d, err := e.ReviewUnit(ctx, engine.ReviewOptions{
			RequestID: input.RequestID,
			UnitID:    input.UnitID,
			Role:      role,
			Approve:   input.Body.Approve,
			Comment:   input.Body.Comment,
			Score:     input.Body.Score,
			ActorID:   actorID(ctx),
		})
		if err != nil {
			return nil, handleError(err)
		}
		return reply(d), nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "submit-feedback",
		Method:        http.MethodPost,
		Path:          "/requests/{request_id}/units/{unit_id}/feedback",
		Summary:       "Score the latest execution of a unit",
		DefaultStatus: http.StatusCreated,
		Errors:        mutationErrors,
	}, func(ctx context.Context, input *struct {
		RequestID string          `path:"request_id"`
		UnitID    string          `path:"unit_id"`
		Body      FeedbackRequest `json:"body"`
	}) (*bodyOutput[domain.Feedback], error) {
		fb, err := e.SubmitFeedback(ctx, engine.FeedbackOptions{
			RequestID: input.RequestID,
			UnitID:    input.UnitID,
			Score:     input.Body.Score,
			Comment:   input.Body.Comment,
			ActorID:   actorID(ctx),
		})
		if err != nil {
			return nil, handleError(err)
		}
		return reply(fb), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "approve-request",
		Method:      http.MethodPost,
		Path:        "/requests/{request_id}/approve",
		Summary:     "Approve a request whose units are all approved",
		Errors:      append([]int{http.StatusForbidden}, mutationErrors...),
	}, func(ctx context.Context, input *struct {
		RequestID string                 `path:"request_id"`
		Body      *ApproveRequestRequest `json:"body" required:"false"`
	}) (*bodyOutput[domain.RequestApproval], error) {
		var role domain.Role
		if input.Body != nil && input.Body.Role != "" {
			r, authErr := reviewerRole(ctx, input.Body.Role)
			if authErr != nil {
				return nil, authErr
			}
			role = r
		}
		res, err := e.ApproveRequest(ctx, engine.ApproveRequestOptions{
			RequestID: input.RequestID,
			Role:      role,
			ActorID:   actorID(ctx),
		})
		if err != nil {
			return nil, handleError(err)
		}
		return reply(res), nil
	})
}

func registerPolicy(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "get-policy",
		Method:      http.MethodGet,
		Path:        "/policy",
		Summary:     "Current approval policy and the statistics behind it",
	}, func(ctx context.Context, _ *struct{}) (*bodyOutput[engine.PolicyView], error) {
		view, err := e.Policy(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(view), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-breakers",
		Method:      http.MethodGet,
		Path:        "/breakers",
		Summary:     "Circuit breaker states",
	}, func(ctx context.Context, _ *struct{}) (*bodyOutput[[]resilience.BreakerStatus], error) {
		return reply(nonNilSlice(e.Breakers())), nil
	})
}

func registerEvents(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List recent events",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		RequestID  string `query:"request_id"`
		Type       string `query:"type"`
		EntityKind string `query:"entity_kind" enum:"request,unit,policy"`
		EntityID   string `query:"entity_id"`
		Limit      int    `query:"limit" default:"50"`
		Cursor     string `query:"cursor"`
	}) (*bodyOutput[paginatedEvents], error) {
		limit := normalizeLimit(input.Limit)
		var before int64
		if input.Cursor != "" {
			parsed, err := strconv.ParseInt(input.Cursor, 10, 64)
			if err != nil || parsed <= 0 {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
			}
			before = parsed
		}
		items, err := e.Repo.LatestEvents(ctx, limit+1, repo.EventFilter{
			RequestID:  input.RequestID,
			Type:       input.Type,
			EntityKind: input.EntityKind,
			EntityID:   input.EntityID,
			Before:     before,
		})
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedEvents{Items: []EventResponse{}}
		if len(items) > limit {
			items = items[:limit]
			resp.NextCursor = strconv.FormatInt(items[limit-1].ID, 10)
		}
		for _, evt := range items {
			resp.Items = append(resp.Items, eventResponse(evt))
		}
		return reply(resp), nil
	})
}

func registerMe(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "me",
		Method:      http.MethodGet,
		Path:        "/me",
		Summary:     "Current principal",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, _ *struct{}) (*bodyOutput[WhoAmIResponse], error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		return reply(WhoAmIResponse{
			ActorID: principal.ActorID,
			Role:    string(principal.Role),
			Source:  principal.Source,
		}), nil
	})
}

func registerDevAuth(api huma.API, authCfg AuthConfig) {
	huma.Register(api, huma.Operation{
		OperationID: "dev-login",
		Method:      http.MethodPost,
		Path:        "/auth/dev/login",
		Summary:     "DEV ONLY: mint a JWT for local testing",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body DevLoginRequest `json:"body"`
	}) (*bodyOutput[DevLoginResponse], error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actor := strings.TrimSpace(input.Body.ActorID)
		if actor == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "actor_id is required", nil)
		}
		var role domain.Role
		if input.Body.Role != "" {
			r, err := domain.ParseRole(input.Body.Role)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
			}
			role = r
		}
		token, err := signDevToken(authCfg.JWTSecret, actor, role, time.Hour)
		if err != nil {
			return nil, newAPIError(http.StatusInternalServerError, "internal_error", err.Error(), nil)
		}
		return reply(DevLoginResponse{Token: token}), nil
	})
}
