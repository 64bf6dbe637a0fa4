package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"taskgraph/internal/capacity"
	"taskgraph/internal/engine"
	"taskgraph/internal/graph"
	"taskgraph/internal/proposal"
	"taskgraph/internal/repo"
	"taskgraph/internal/schedule"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   *engine.Engine
	BasePath string
	Auth     AuthConfig
	Logger   *slog.Logger
	// MaxBodyBytes caps request bodies; DefaultMaxBodyBytes when zero.
	MaxBodyBytes int64
}

const DefaultMaxBodyBytes = 8 << 20

type apiErrorBody struct {
	Code    string         `json:"code" example:"stale_snapshot"`
	Message string         `json:"message" example:"stale snapshot: expected version 3, store is at 4"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true" example:"{\"expected\":3,\"current\":4}"`
}

type requestKey struct{}
type bodyBytesKey struct{}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the taskgraph API.
func New(cfg Config) (http.Handler, error) {
	if cfg.Engine == nil {
		return nil, errors.New("server: engine required")
	}
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Auth.Logger == nil {
		cfg.Auth.Logger = cfg.Logger
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
	router.Use(middleware.RequestID)
	router.Use(requestLogger(cfg.Logger))
	maxBody := cfg.MaxBodyBytes
	if maxBody <= 0 {
		maxBody = DefaultMaxBodyBytes
	}
	router.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			bodyBytes, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBody))
			if err != nil {
				var tooLarge *http.MaxBytesError
				if errors.As(err, &tooLarge) {
					respondStatusError(w, newAPIError(http.StatusRequestEntityTooLarge, "body_too_large",
						fmt.Sprintf("request body exceeds %d bytes", maxBody), map[string]any{"limit": maxBody}))
					return
				}
				respondStatusError(w, newAPIError(http.StatusBadRequest, "", "read request body: "+err.Error(), nil))
				return
			}
			r.Body = io.NopCloser(bytes.NewBuffer(bodyBytes))
			ctx := context.WithValue(r.Context(), requestKey{}, r)
			ctx = context.WithValue(ctx, bodyBytesKey{}, bodyBytes)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	})
	router.Use(newAuthMiddleware(basePath, cfg.Auth))
	hcfg := huma.DefaultConfig("Taskgraph API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = ""
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	e := cfg.Engine
	registerDocs(router, basePath)
	registerHealth(group)
	registerGraph(group, e)
	registerTasks(group, e)
	registerDependencies(group, e)
	registerPeople(group, e)
	registerSchedule(group, e)
	registerCapacity(group, e)
	registerProposals(group, e)
	registerEvents(group, e)
	registerMe(group)
	registerDevAuth(group, cfg.Auth)
	registerOpenAPI(router, api, basePath)

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

// handleError maps engine errors onto the envelope. Staleness is checked
// first: a stale proposal arrives wrapped in InvalidProposalError.
func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var (
		stale     *graph.StaleSnapshotError
		rejected  *graph.InvalidProposalError
		cycle     *graph.CycleError
		dependent *graph.HasDependentsError
		self      *graph.SelfDependencyError
		unknown   *graph.UnknownTaskError
		invalid   *graph.ValidationError
		invariant *graph.GraphInvariantViolation
	)
	msg := err.Error()
	switch {
	case errors.As(err, &stale):
		return newAPIError(http.StatusConflict, "stale_snapshot", msg, map[string]any{"expected": stale.Expected, "current": stale.Current})
	case errors.As(err, &rejected):
		details := map[string]any{"reason": rejected.Reason}
		if rejected.Err != nil {
			details["cause"] = rejected.Err.Error()
		}
		if errors.As(err, &cycle) {
			details["path"] = cycle.Path
		}
		return newAPIError(http.StatusUnprocessableEntity, "invalid_proposal", msg, details)
	case errors.As(err, &cycle):
		return newAPIError(http.StatusConflict, "cycle", msg, map[string]any{"from": cycle.From, "to": cycle.To, "path": cycle.Path})
	case errors.As(err, &dependent):
		return newAPIError(http.StatusConflict, "has_dependents", msg, map[string]any{"dependents": dependent.Dependents})
	case errors.As(err, &self):
		return newAPIError(http.StatusUnprocessableEntity, "self_dependency", msg, map[string]any{"id": self.ID})
	case errors.As(err, &unknown):
		return newAPIError(http.StatusNotFound, "unknown_task", msg, map[string]any{"id": unknown.ID})
	case errors.As(err, &invalid):
		return newAPIError(http.StatusBadRequest, "validation_failed", msg, map[string]any{"entity_id": invalid.EntityID, "field": invalid.Field, "reason": invalid.Reason})
	case errors.As(err, &invariant):
		return newAPIError(http.StatusInternalServerError, "graph_invariant_violation", msg, map[string]any{"nodes": invariant.Nodes})
	case errors.Is(err, repo.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", msg, nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
	}
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusUnauthorized:
		return "unauthorized"
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

func registerDocs(r chi.Router, basePath string) {
	r.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(basePath))
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var spec []byte
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		if spec == nil {
			oas := api.OpenAPI()
			ensureDefaultErrorResponses(oas)
			applyAuthSecurity(oas, basePath)
			spec, _ = json.Marshal(oas)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func ensureDefaultErrorResponses(oas *huma.OpenAPI) {
	if oas == nil || oas.Paths == nil {
		return
	}
	for _, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if op.Responses == nil {
				op.Responses = map[string]*huma.Response{}
			}
			op.Responses["default"] = &huma.Response{
				Description: "Error",
				Content: map[string]*huma.MediaType{
					"application/json": {
						Schema: &huma.Schema{Ref: "#/components/schemas/ApiError"},
					},
				},
			}
		}
	}
}

func applyAuthSecurity(oas *huma.OpenAPI, basePath string) {
	if oas == nil {
		return
	}
	if oas.Components == nil {
		oas.Components = &huma.Components{}
	}
	if oas.Components.SecuritySchemes == nil {
		oas.Components.SecuritySchemes = map[string]*huma.SecurityScheme{}
	}
	oas.Components.SecuritySchemes["bearerAuth"] = &huma.SecurityScheme{
		Type:         "http",
		Scheme:       "bearer",
		BearerFormat: "JWT",
	}
	oas.Components.SecuritySchemes["actorHeader"] = &huma.SecurityScheme{
		Type: "apiKey",
		In:   "header",
		Name: "X-Actor-Id",
	}
	security := []map[string][]string{
		{"bearerAuth": {}},
		{"actorHeader": {}},
	}
	oas.Security = security
	open := map[string]bool{
		path.Join("/", basePath, "health"):         true,
		path.Join("/", basePath, "auth/dev/login"): true,
	}
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if open[route] {
				op.Security = []map[string][]string{}
				continue
			}
			op.Security = security
		}
	}
}

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>Taskgraph API Docs</title>
    <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css" />
  </head>
  <body>
    <div id="swagger-ui"></div>
    <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js" crossorigin></script>
    <script>
      window.onload = () => {
        SwaggerUIBundle({
          url: '%s',
          dom_id: '#swagger-ui'
        });
      };
    </script>
    <p style="padding: 1rem; font-family: sans-serif; color: #444;">
      Authenticate with Authorization: Bearer &lt;token&gt;, or X-Actor-Id when no JWT secret is configured.
    </p>
  </body>
</html>`, specURL)
}

type versionQuery struct {
	Version uint64 `query:"version" doc:"Graph version the caller last saw; 0 accepts the current one"`
}

type body[T any] struct {
	Body T `json:"body"`
}

func ok[T any](v T) *body[T] { return &body[T]{Body: v} }

var mutationErrors = []int{
	http.StatusBadRequest,
	http.StatusUnauthorized,
	http.StatusNotFound,
	http.StatusConflict,
	http.StatusUnprocessableEntity,
	http.StatusInternalServerError,
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*body[map[string]string], error) {
		return ok(map[string]string{"status": "ok"}), nil
	})
}

func registerGraph(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "get-graph",
		Method:      http.MethodGet,
		Path:        "/graph",
		Summary:     "Graph snapshot",
		Errors:      []int{http.StatusConflict},
	}, func(ctx context.Context, input *versionQuery) (*body[GraphResponse], error) {
		snap, err := e.Graph(input.Version)
		if err != nil {
			return nil, handleError(err)
		}
		return ok(graphResponse(snap)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "load-graph",
		Method:      http.MethodPut,
		Path:        "/graph",
		Summary:     "Replace the whole graph",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		Body GraphRequest `json:"body"`
	}) (*body[VersionResponse], error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		g, err := input.Body.toGraph()
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
		}
		v, err := e.LoadGraph(ctx, g, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return ok(VersionResponse{Version: v}), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "overview",
		Method:      http.MethodGet,
		Path:        "/overview",
		Summary:     "Classification, schedule and team load of one snapshot",
		Errors:      []int{http.StatusBadRequest, http.StatusConflict, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		versionQuery
		Periods int `query:"periods" default:"4" minimum:"0" maximum:"52"`
	}) (*body[*engine.Overview], error) {
		ov, err := e.Overview(ctx, input.Periods, input.Version)
		if err != nil {
			return nil, handleError(err)
		}
		return ok(ov), nil
	})
}

func registerTasks(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "upsert-task",
		Method:      http.MethodPut,
		Path:        "/tasks/{id}",
		Summary:     "Create or replace a task",
		Description: "dependencyIds omitted keeps the current edges; an array replaces them and null clears them.",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		ID   string      `path:"id"`
		Body TaskRequest `json:"body"`
	}) (*body[VersionResponse], error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		t, err := input.Body.toTask(input.ID)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
		}
		if raw, ok := rawBodyMap(ctx)["dependencyIds"]; ok && isNullRaw(raw) {
			t.DependencyIDs = []string{}
		}
		v, err := e.UpsertTask(ctx, t, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return ok(VersionResponse{Version: v}), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-task",
		Method:      http.MethodGet,
		Path:        "/tasks/{id}",
		Summary:     "Get task",
		Errors:      []int{http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		versionQuery
		ID string `path:"id"`
	}) (*body[TaskResponse], error) {
		t, v, err := e.Task(input.ID, input.Version)
		if err != nil {
			return nil, handleError(err)
		}
		return ok(TaskResponse{Version: v, Task: t}), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-task",
		Method:      http.MethodDelete,
		Path:        "/tasks/{id}",
		Summary:     "Delete task",
		Description: "Rejected while other tasks depend on it unless cascade is set, which drops those edges.",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		ID      string `path:"id"`
		Cascade bool   `query:"cascade"`
	}) (*body[VersionResponse], error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		v, err := e.DeleteTask(ctx, input.ID, input.Cascade, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return ok(VersionResponse{Version: v}), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "classify-task",
		Method:      http.MethodGet,
		Path:        "/tasks/{id}/classification",
		Summary:     "Derived status of a task",
		Errors:      []int{http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		versionQuery
		ID string `path:"id"`
	}) (*body[ClassificationResponse], error) {
		c, v, err := e.Classify(input.ID, input.Version)
		if err != nil {
			return nil, handleError(err)
		}
		return ok(ClassificationResponse{Version: v, Classification: c}), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "task-dependencies",
		Method:      http.MethodGet,
		Path:        "/tasks/{id}/dependencies",
		Summary:     "What a task waits on and what waits on it",
		Errors:      []int{http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		versionQuery
		ID string `path:"id"`
	}) (*body[DependenciesResponse], error) {
		d, v, err := e.Dependencies(input.ID, input.Version)
		if err != nil {
			return nil, handleError(err)
		}
		return ok(DependenciesResponse{Version: v, TaskDependencies: d}), nil
	})
}

func registerDependencies(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "add-dependency",
		Method:      http.MethodPost,
		Path:        "/dependencies",
		Summary:     "Add or retype a dependency",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		Body DependencyRequest `json:"body"`
	}) (*body[VersionResponse], error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		v, err := e.AddDependency(ctx, input.Body.toDependency(), actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return ok(VersionResponse{Version: v}), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "remove-dependency",
		Method:      http.MethodDelete,
		Path:        "/dependencies/{from}/{to}",
		Summary:     "Remove a dependency",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		From string `path:"from"`
		To   string `path:"to"`
	}) (*body[VersionResponse], error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		v, err := e.RemoveDependency(ctx, input.From, input.To, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return ok(VersionResponse{Version: v}), nil
	})
}

func registerPeople(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "upsert-user",
		Method:      http.MethodPut,
		Path:        "/users/{id}",
		Summary:     "Create or replace a user and their personas",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		ID   string      `path:"id"`
		Body UserRequest `json:"body"`
	}) (*body[VersionResponse], error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		v, err := e.UpsertUser(ctx, input.Body.toUser(input.ID), actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return ok(VersionResponse{Version: v}), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "upsert-project",
		Method:      http.MethodPut,
		Path:        "/projects/{id}",
		Summary:     "Create or replace a project",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		ID   string         `path:"id"`
		Body ProjectRequest `json:"body"`
	}) (*body[VersionResponse], error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		v, err := e.UpsertProject(ctx, input.Body.toProject(input.ID), actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return ok(VersionResponse{Version: v}), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-project",
		Method:      http.MethodDelete,
		Path:        "/projects/{id}",
		Summary:     "Delete a project",
		Description: "cascade also deletes the project's tasks.",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		ID      string `path:"id"`
		Cascade bool   `query:"cascade"`
	}) (*body[VersionResponse], error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		v, err := e.DeleteProject(ctx, input.ID, input.Cascade, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return ok(VersionResponse{Version: v}), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "next-tasks",
		Method:      http.MethodGet,
		Path:        "/users/{id}/next",
		Summary:     "Executable tasks of a user, least slack first",
		Errors:      []int{http.StatusBadRequest, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		versionQuery
		ID        string `path:"id"`
		PersonaID string `query:"persona"`
	}) (*body[NextResponse], error) {
		items, v, err := e.Next(input.ID, input.PersonaID, input.Version)
		if err != nil {
			return nil, handleError(err)
		}
		return ok(NextResponse{Version: v, Items: items}), nil
	})
}

func registerSchedule(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "schedule",
		Method:      http.MethodGet,
		Path:        "/schedule",
		Summary:     "Earliest/latest start and finish of every task",
		Errors:      []int{http.StatusConflict, http.StatusInternalServerError},
	}, func(ctx context.Context, input *versionQuery) (*body[ScheduleResponse], error) {
		s, err := e.Schedule(input.Version)
		if err != nil {
			return nil, handleError(err)
		}
		return ok(scheduleResponse(s)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "critical-path",
		Method:      http.MethodGet,
		Path:        "/critical-path",
		Summary:     "Zero-slack tasks",
		Errors:      []int{http.StatusConflict, http.StatusInternalServerError},
	}, func(ctx context.Context, input *versionQuery) (*body[CriticalPathResponse], error) {
		s, err := e.Schedule(input.Version)
		if err != nil {
			return nil, handleError(err)
		}
		return ok(CriticalPathResponse{Version: s.Version, TaskIDs: nonNilSlice(s.CriticalPath()), Chains: nonNilSlice(s.Chains())}), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "task-slack",
		Method:      http.MethodGet,
		Path:        "/tasks/{id}/slack",
		Summary:     "Total float of a task",
		Errors:      []int{http.StatusNotFound, http.StatusConflict, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		versionQuery
		ID string `path:"id"`
	}) (*body[SlackResponse], error) {
		slack, v, err := e.Slack(input.ID, input.Version)
		if err != nil {
			return nil, handleError(err)
		}
		return ok(SlackResponse{Version: v, TaskID: input.ID, Slack: slack}), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "task-impact",
		Method:      http.MethodGet,
		Path:        "/tasks/{id}/impact",
		Summary:     "Downstream shift caused by a task's slippage",
		Description: "With duration set, evaluates that duration instead of the recorded one without changing the graph.",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		versionQuery
		ID       string `path:"id"`
		Duration int    `query:"duration" default:"-1" minimum:"-1"`
	}) (*body[*schedule.Impact], error) {
		var (
			view *schedule.Impact
			err  error
		)
		if input.Duration >= 0 {
			view, err = e.WhatIf(input.ID, input.Duration, input.Version)
		} else {
			view, err = e.Impact(input.ID, input.Version)
		}
		if err != nil {
			return nil, handleError(err)
		}
		return ok(view), nil
	})
}

func registerCapacity(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "persona-load",
		Method:      http.MethodGet,
		Path:        "/load/{user}/{persona}/{period}",
		Summary:     "Workload of one persona in one period",
		Errors:      []int{http.StatusBadRequest, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		versionQuery
		User    string `path:"user"`
		Persona string `path:"persona"`
		Period  int    `path:"period" minimum:"0"`
	}) (*body[LoadResponse], error) {
		l, v, err := e.LoadFor(input.User, input.Persona, input.Period, input.Version)
		if err != nil {
			return nil, handleError(err)
		}
		return ok(LoadResponse{Version: v, Load: l}), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "load-series",
		Method:      http.MethodGet,
		Path:        "/load/series",
		Summary:     "Per-user load for periods 0..periods-1",
		Errors:      []int{http.StatusBadRequest, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		versionQuery
		Periods int `query:"periods" default:"4" minimum:"0" maximum:"52"`
	}) (*body[LoadSeriesResponse], error) {
		series, v, err := e.TeamLoadSeries(input.Periods, input.Version)
		if err != nil {
			return nil, handleError(err)
		}
		resp := LoadSeriesResponse{Version: v, Series: map[string][]capacity.Load{}}
		for user, loads := range series {
			resp.Series[user] = loads
		}
		return ok(resp), nil
	})
}

func registerProposals(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "suggestions",
		Method:      http.MethodGet,
		Path:        "/suggestions",
		Summary:     "Rebalancing proposals for overloaded personas",
		Errors:      []int{http.StatusBadRequest, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		versionQuery
		Period int `query:"period" minimum:"0"`
	}) (*body[SuggestionsResponse], error) {
		props, v, err := e.Suggest(input.Period, input.Version)
		if err != nil {
			return nil, handleError(err)
		}
		resp := SuggestionsResponse{Version: v, Proposals: []map[string]any{}}
		for _, p := range props {
			data, err := json.Marshal(p)
			if err != nil {
				return nil, handleError(err)
			}
			var m map[string]any
			if err := json.Unmarshal(data, &m); err != nil {
				return nil, handleError(err)
			}
			resp.Proposals = append(resp.Proposals, m)
		}
		return ok(resp), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "apply-proposal",
		Method:      http.MethodPost,
		Path:        "/proposals",
		Summary:     "Apply a proposal",
		Description: "The body is a proposal envelope tagged by kind (field_change, decomposition, handoff). " +
			"version is the graph version the proposal was computed from; a newer graph rejects it.",
		Errors: mutationErrors,
	}, func(ctx context.Context, input *versionQuery) (*body[VersionResponse], error) {
		raw := bodyBytes(ctx)
		if len(raw) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		p, err := proposal.Decode(raw)
		if err != nil {
			return nil, handleError(err)
		}
		v, err := e.ApplyProposal(ctx, p, input.Version, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return ok(VersionResponse{Version: v}), nil
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
		Type       string `query:"type"`
		EntityKind string `query:"entity_kind" enum:"graph,task,dependency,user,project"`
		EntityID   string `query:"entity_id"`
		Limit      int    `query:"limit" default:"50"`
		Cursor     string `query:"cursor"`
	}) (*body[paginatedEvents], error) {
		limit := normalizeLimit(input.Limit)
		var cursorID int64
		if input.Cursor != "" {
			parsed, err := strconv.ParseInt(input.Cursor, 10, 64)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
			}
			cursorID = parsed
		}
		items, err := e.Repo.LatestEvents(ctx, limit+1, repo.EventFilters{
			Type:       input.Type,
			EntityKind: input.EntityKind,
			EntityID:   input.EntityID,
			Before:     cursorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedEvents{Items: []EventResponse{}}
		if len(items) > limit {
			resp.NextCursor = strconv.FormatInt(items[limit-1].ID, 10)
			items = items[:limit]
		}
		for _, evt := range items {
			resp.Items = append(resp.Items, eventResponse(evt))
		}
		return ok(resp), nil
	})
}

func registerMe(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "me",
		Method:      http.MethodGet,
		Path:        "/me",
		Summary:     "Current principal",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, _ *struct{}) (*body[WhoAmIResponse], error) {
		p, ok := principalFromContext(ctx)
		if !ok {
			return nil, newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil)
		}
		return &body[WhoAmIResponse]{Body: WhoAmIResponse{ActorID: p.ActorID, Roles: nonNilSlice(p.Roles), Source: p.Source}}, nil
	})
}

func registerDevAuth(api huma.API, authCfg AuthConfig) {
	huma.Register(api, huma.Operation{
		OperationID: "dev-login",
		Method:      http.MethodPost,
		Path:        "/auth/dev/login",
		Summary:     "DEV ONLY: mint a JWT for local testing",
		Errors:      []int{http.StatusBadRequest, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		Body DevLoginRequest `json:"body"`
	}) (*body[DevLoginResponse], error) {
		actor := strings.TrimSpace(input.Body.ActorID)
		if actor == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "actor_id is required", nil)
		}
		if authCfg.JWTSecret == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "jwt secret not configured", nil)
		}
		token, err := SignToken(authCfg.JWTSecret, actor, nil, 12*time.Hour)
		if err != nil {
			return nil, newAPIError(http.StatusInternalServerError, "internal_error", err.Error(), nil)
		}
		return ok(DevLoginResponse{Token: token}), nil
	})
}

func bodyBytes(ctx context.Context) []byte {
	if buf, ok := ctx.Value(bodyBytesKey{}).([]byte); ok {
		return buf
	}
	req, ok := ctx.Value(requestKey{}).(*http.Request)
	if !ok || req == nil {
		return nil
	}
	data, _ := io.ReadAll(req.Body)
	return data
}

func rawBodyMap(ctx context.Context) map[string]json.RawMessage {
	data := bodyBytes(ctx)
	if len(data) == 0 {
		return map[string]json.RawMessage{}
	}
	var outer map[string]json.RawMessage
	if err := json.Unmarshal(data, &outer); err != nil {
		return map[string]json.RawMessage{}
	}
	return outer
}

func isNullRaw(raw json.RawMessage) bool {
	return bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}

func normalizeLimit(in int) int {
	if in <= 0 {
		return 50
	}
	if in > 200 {
		return 200
	}
	return in
}

func requestLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			logger.Info("request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"bytes", ww.BytesWritten(),
				"duration", time.Since(start),
				"request_id", middleware.GetReqID(r.Context()),
			)
		})
	}
}
