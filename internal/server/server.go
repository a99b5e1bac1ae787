package server

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"guardline/internal/app"
	"guardline/internal/repo"
	"guardline/internal/workflow"
)

// Config for the HTTP API handler.
type Config struct {
	App      *app.App
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"invalid_transition"`
	Message string         `json:"message" example:"invalid transition completed -> posted"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Guardline API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.App.Repo))
	hcfg := huma.DefaultConfig("Guardline API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerHealth(group)
	registerJobs(group, cfg.App)
	registerLifecycle(group, cfg.App)
	registerRatings(group, cfg.App)
	registerPayments(group, cfg.App)
	registerEvents(group, cfg.App)

	return router, nil
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{
		status: status,
		Body: apiErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}

// handleError maps domain errors onto the envelope. Compliance rejections are
// 422, transition and rating conflicts 409, authorization failures 403,
// collaborator outages 502.
func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var it workflow.InvalidTransitionError
	if errors.As(err, &it) {
		return newAPIError(http.StatusConflict, "invalid_transition", err.Error(), map[string]any{
			"from": string(it.From), "to": string(it.To),
		})
	}
	var at workflow.AlreadyTerminalError
	if errors.As(err, &at) {
		return newAPIError(http.StatusConflict, "already_terminal", err.Error(), map[string]any{"state": string(at.State)})
	}
	var ua workflow.UnauthorizedError
	if errors.As(err, &ua) {
		return newAPIError(http.StatusForbidden, "forbidden", err.Error(), nil)
	}
	var rb workflow.RateBelowMinimumError
	if errors.As(err, &rb) {
		return newAPIError(http.StatusUnprocessableEntity, "rate_below_minimum", err.Error(), map[string]any{
			"rate": rb.Rate, "minimum": rb.Minimum,
		})
	}
	var cu workflow.CompanyUnverifiedError
	if errors.As(err, &cu) {
		return newAPIError(http.StatusUnprocessableEntity, "company_unverified", err.Error(), nil)
	}
	var gc workflow.GuardNotCertifiedError
	if errors.As(err, &gc) {
		return newAPIError(http.StatusUnprocessableEntity, "guard_not_certified", err.Error(), nil)
	}
	var cf workflow.ComplianceCheckFailedError
	if errors.As(err, &cf) {
		return newAPIError(http.StatusBadGateway, "compliance_check_failed", err.Error(), nil)
	}
	var ro workflow.RatingOutOfRangeError
	if errors.As(err, &ro) {
		return newAPIError(http.StatusBadRequest, "rating_out_of_range", err.Error(), map[string]any{
			"min": ro.Min, "max": ro.Max,
		})
	}
	var dr workflow.DuplicateRatingError
	if errors.As(err, &dr) {
		return newAPIError(http.StatusConflict, "duplicate_rating", err.Error(), map[string]any{"rater_role": dr.RaterRole})
	}
	var ir workflow.InvalidStateForRatingError
	if errors.As(err, &ir) {
		return newAPIError(http.StatusConflict, "invalid_state_for_rating", err.Error(), map[string]any{"state": string(ir.State)})
	}
	var pi workflow.PaymentInitiationError
	if errors.As(err, &pi) {
		return newAPIError(http.StatusBadGateway, "payment_initiation_failed", err.Error(), nil)
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	if strings.Contains(lowered, "invalid") || strings.Contains(lowered, "missing") || strings.Contains(lowered, "required") {
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	}
	return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusUnprocessableEntity:
		return "validation_failed"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "ok"}}, nil
	})
}

func registerJobs(api huma.API, a *app.App) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-job",
		Method:        http.MethodPost,
		Path:          "/jobs",
		Summary:       "Post a job",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusUnprocessableEntity,
			http.StatusBadGateway,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body CreateJobRequest `json:"body"`
	}) (*struct {
		Body JobResponse `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		companyID := input.Body.CompanyID
		if companyID == "" {
			companyID = actor.ID
		}
		if actor.Role != workflow.RoleSystem && companyID != actor.ID {
			return nil, newAPIError(http.StatusForbidden, "forbidden", "cannot post jobs for another company", nil)
		}
		id := input.Body.ID
		if id == "" {
			id = uuid.NewString()
		}
		w, err := a.Engine.CreateJob(ctx, workflow.CreateJobOptions{
			ID:             id,
			CompanyID:      companyID,
			RegistrationID: input.Body.RegistrationID,
			Title:          input.Body.Title,
			Description:    input.Body.Description,
			HourlyRate:     input.Body.HourlyRate,
			ActorID:        actor.ID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body JobResponse `json:"body"`
		}{Body: jobResponse(w)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-job",
		Method:      http.MethodGet,
		Path:        "/jobs/{id}",
		Summary:     "Get job",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body JobResponse `json:"body"`
	}, error) {
		w, err := a.Repo.GetWorkflow(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body JobResponse `json:"body"`
		}{Body: jobResponse(w)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-jobs",
		Method:      http.MethodGet,
		Path:        "/jobs",
		Summary:     "List jobs",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		CompanyID string `query:"company_id"`
		GuardID   string `query:"guard_id"`
		State     string `query:"state"`
		Limit     int    `query:"limit" default:"50"`
		Cursor    string `query:"cursor"`
	}) (*struct {
		Body paginatedJobs `json:"body"`
	}, error) {
		limit := normalizeLimit(input.Limit)
		cursorCreated, cursorID, err := parseCompositeCursor(input.Cursor)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
		}
		items, err := a.Repo.ListWorkflows(ctx, repo.WorkflowFilters{
			CompanyID:       input.CompanyID,
			GuardID:         input.GuardID,
			State:           input.State,
			Limit:           limit + 1,
			CursorCreatedAt: cursorCreated,
			CursorID:        cursorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedJobs{Items: []JobResponse{}}
		if len(items) > limit {
			resp.NextCursor = composeCursor(items[limit].CreatedAt, items[limit].ID)
			items = items[:limit]
		}
		resp.Items = mapJobs(items)
		return &struct {
			Body paginatedJobs `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "job-history",
		Method:      http.MethodGet,
		Path:        "/jobs/{id}/history",
		Summary:     "Job transition history",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body []TransitionResponse `json:"body"`
	}, error) {
		if _, err := a.Repo.GetWorkflow(ctx, input.ID); err != nil {
			return nil, handleError(err)
		}
		items, err := a.Repo.ListTransitions(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []TransitionResponse `json:"body"`
		}{Body: mapTransitions(items)}, nil
	})
}

func registerLifecycle(api huma.API, a *app.App) {
	lifecycleErrors := []int{
		http.StatusBadRequest,
		http.StatusForbidden,
		http.StatusNotFound,
		http.StatusConflict,
		http.StatusUnprocessableEntity,
		http.StatusBadGateway,
		http.StatusInternalServerError,
	}

	huma.Register(api, huma.Operation{
		OperationID: "apply-to-job",
		Method:      http.MethodPost,
		Path:        "/jobs/{id}/apply",
		Summary:     "Apply to a job",
		Errors:      lifecycleErrors,
	}, func(ctx context.Context, input *struct {
		ID   string       `path:"id"`
		Body ApplyRequest `json:"body"`
	}) (*struct {
		Body JobResponse `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		guardID := input.Body.GuardID
		if guardID == "" {
			guardID = actor.ID
		}
		if actor.Role != workflow.RoleSystem && guardID != actor.ID {
			return nil, newAPIError(http.StatusForbidden, "forbidden", "cannot apply on behalf of another guard", nil)
		}
		w, err := a.Engine.Apply(ctx, input.ID, guardID, input.Body.CertificateID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body JobResponse `json:"body"`
		}{Body: jobResponse(w)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "accept-application",
		Method:      http.MethodPost,
		Path:        "/jobs/{id}/accept",
		Summary:     "Accept the application",
		Errors:      lifecycleErrors,
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body JobResponse `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		w, err := a.Engine.Accept(ctx, input.ID, actor)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body JobResponse `json:"body"`
		}{Body: jobResponse(w)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "start-job",
		Method:      http.MethodPost,
		Path:        "/jobs/{id}/start",
		Summary:     "Start execution",
		Errors:      lifecycleErrors,
	}, func(ctx context.Context, input *struct {
		ID   string       `path:"id"`
		Body StartRequest `json:"body"`
	}) (*struct {
		Body JobResponse `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		startTime := time.Now()
		if input.Body.StartTime != "" {
			parsed, err := time.Parse(time.RFC3339, input.Body.StartTime)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid start_time", nil)
			}
			startTime = parsed
		}
		w, err := a.Engine.Start(ctx, input.ID, actor, startTime)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body JobResponse `json:"body"`
		}{Body: jobResponse(w)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "complete-job",
		Method:      http.MethodPost,
		Path:        "/jobs/{id}/complete",
		Summary:     "Complete execution",
		Errors:      lifecycleErrors,
	}, func(ctx context.Context, input *struct {
		ID   string          `path:"id"`
		Body CompleteRequest `json:"body"`
	}) (*struct {
		Body JobResponse `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		w, err := a.Engine.Complete(ctx, input.ID, actor, input.Body.TotalHoursWorked)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body JobResponse `json:"body"`
		}{Body: jobResponse(w)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "cancel-job",
		Method:      http.MethodPost,
		Path:        "/jobs/{id}/cancel",
		Summary:     "Cancel the job",
		Errors:      lifecycleErrors,
	}, func(ctx context.Context, input *struct {
		ID   string        `path:"id"`
		Body CancelRequest `json:"body"`
	}) (*struct {
		Body JobResponse `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if strings.TrimSpace(input.Body.Reason) == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "reason is required", nil)
		}
		w, err := a.Engine.Cancel(ctx, input.ID, actor, input.Body.Reason)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body JobResponse `json:"body"`
		}{Body: jobResponse(w)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "close-job",
		Method:      http.MethodPost,
		Path:        "/jobs/{id}/close",
		Summary:     "Close a paid job",
		Errors:      lifecycleErrors,
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body JobResponse `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		w, err := a.Engine.Close(ctx, input.ID, actor)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body JobResponse `json:"body"`
		}{Body: jobResponse(w)}, nil
	})
}

func registerRatings(api huma.API, a *app.App) {
	huma.Register(api, huma.Operation{
		OperationID:   "submit-rating",
		Method:        http.MethodPost,
		Path:          "/jobs/{id}/ratings",
		Summary:       "Submit a rating",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		ID   string              `path:"id"`
		Body SubmitRatingRequest `json:"body"`
	}) (*struct {
		Body RatingResponse `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		rec, err := a.Ledger.SubmitRating(ctx, input.ID, actor, input.Body.Rating, input.Body.Comment)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body RatingResponse `json:"body"`
		}{Body: RatingResponse{
			WorkflowID:  rec.WorkflowID,
			RaterRole:   rec.RaterRole,
			Rating:      rec.Rating,
			Comment:     rec.Comment,
			SubmittedAt: rec.SubmittedAt,
		}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-ratings",
		Method:      http.MethodGet,
		Path:        "/jobs/{id}/ratings",
		Summary:     "List ratings",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body []RatingResponse `json:"body"`
	}, error) {
		if _, err := a.Repo.GetWorkflow(ctx, input.ID); err != nil {
			return nil, handleError(err)
		}
		items, err := a.Repo.ListRatings(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []RatingResponse `json:"body"`
		}{Body: mapRatings(items)}, nil
	})
}

func registerPayments(api huma.API, a *app.App) {
	huma.Register(api, huma.Operation{
		OperationID: "get-payment",
		Method:      http.MethodGet,
		Path:        "/jobs/{id}/payment",
		Summary:     "Payment trigger status",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body PaymentResponse `json:"body"`
	}, error) {
		t, err := a.Repo.GetPaymentTrigger(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body PaymentResponse `json:"body"`
		}{Body: PaymentResponse{
			WorkflowID:  t.WorkflowID,
			Triggered:   t.Triggered,
			TriggeredAt: t.TriggeredAt,
			ReferenceID: t.ReferenceID,
		}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "retry-payment",
		Method:      http.MethodPost,
		Path:        "/jobs/{id}/payment/retry",
		Summary:     "Retry a failed payment initiation",
		Errors: []int{
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusBadGateway,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body JobResponse `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if actor.Role != workflow.RoleSystem {
			w, err := a.Repo.GetWorkflow(ctx, input.ID)
			if err != nil {
				return nil, handleError(err)
			}
			if actor.ID != w.CompanyID {
				return nil, newAPIError(http.StatusForbidden, "forbidden", "only the posting company may retry payment", nil)
			}
		}
		if err := a.Coordinator.RetryInitiation(ctx, input.ID); err != nil {
			return nil, handleError(err)
		}
		w, err := a.Repo.GetWorkflow(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body JobResponse `json:"body"`
		}{Body: jobResponse(w)}, nil
	})
}

func registerEvents(api huma.API, a *app.App) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List events",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		WorkflowID string `query:"workflow_id"`
		Type       string `query:"type"`
		Limit      int    `query:"limit" default:"50"`
		Cursor     int64  `query:"cursor"`
	}) (*struct {
		Body []EventResponse `json:"body"`
	}, error) {
		items, err := a.Repo.LatestEvents(ctx, normalizeLimit(input.Limit), input.Cursor, input.WorkflowID, input.Type)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []EventResponse `json:"body"`
		}{Body: mapEvents(items)}, nil
	})
}

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return 50
	}
	if limit > 200 {
		return 200
	}
	return limit
}

func composeCursor(createdAt, id string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(createdAt + "|" + id))
}

func parseCompositeCursor(cursor string) (string, string, error) {
	if cursor == "" {
		return "", "", nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(cursor)
	if err != nil {
		return "", "", err
	}
	parts := strings.SplitN(string(raw), "|", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("malformed cursor")
	}
	return parts[0], parts[1], nil
}
