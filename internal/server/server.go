package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strconv"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"redline/internal/domain"
	"redline/internal/engine"
	"redline/internal/export"
	"redline/internal/registry"
	"redline/internal/repo"
	"redline/internal/target"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   *engine.Engine
	Manager  *engine.Manager
	Registry *registry.Registry
	Catalog  *target.Catalog
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"not_found"`
	Message string         `json:"message" example:"orchestrator not found"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

type requestKey struct{}
type bodyBytesKey struct{}

// apiError models the error envelope returned by every endpoint.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Redline API.
func New(cfg Config) (http.Handler, error) {
	if cfg.Engine == nil || cfg.Manager == nil || cfg.Registry == nil {
		return nil, errors.New("server: engine, manager and registry are required")
	}
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v1"
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
			// Schema/request validation errors should be 400 bad_request
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			bodyBytes, _ := io.ReadAll(r.Body)
			r.Body = io.NopCloser(bytes.NewBuffer(bodyBytes))
			ctx := context.WithValue(r.Context(), requestKey{}, r)
			ctx = context.WithValue(ctx, bodyBytesKey{}, bodyBytes)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	})
	router.Use(newAuthMiddleware(basePath, cfg.Auth))
	hcfg := huma.DefaultConfig("Redline API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerCatalog(group, cfg)
	registerOrchestrators(group, cfg)
	registerExecutions(group, cfg)
	registerPieces(group, cfg)
	registerResults(group, cfg)
	registerEvents(group, cfg)
	registerDevAuth(group, cfg.Auth)
	registerExport(router, basePath, cfg)
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

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var ve registry.ValidationError
	if errors.As(err, &ve) {
		return newAPIError(http.StatusUnprocessableEntity, "validation_failed", err.Error(), nil)
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	if errors.Is(err, engine.ErrDisabled) {
		return newAPIError(http.StatusConflict, "orchestrator_disabled", err.Error(), nil)
	}
	if errors.Is(err, engine.ErrNotActive) {
		return newAPIError(http.StatusConflict, "not_active", err.Error(), nil)
	}
	if errors.Is(err, target.ErrUnknownTarget) {
		return newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	switch {
	case strings.Contains(lowered, "status transition"):
		return newAPIError(http.StatusConflict, "invalid_transition", msg, nil)
	case strings.Contains(lowered, "invalid") || strings.Contains(lowered, "missing") || strings.Contains(lowered, "required") || strings.Contains(lowered, "unknown"):
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
	}
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
	case http.StatusUnauthorized:
		return "unauthorized"
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
	security := []map[string][]string{
		{"bearerAuth": {}},
	}
	oas.Security = security
	openPaths := map[string]bool{
		"/" + strings.TrimPrefix(path.Join(basePath, "health"), "/"):         true,
		"/" + strings.TrimPrefix(path.Join(basePath, "auth/dev/login"), "/"): true,
	}
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if openPaths[route] {
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
    <title>Redline API Docs</title>
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
      Authenticate with Authorization: Bearer &lt;token&gt;.
    </p>
  </body>
</html>`, specURL)
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

func registerCatalog(api huma.API, cfg Config) {
	huma.Register(api, huma.Operation{
		OperationID: "catalog",
		Method:      http.MethodGet,
		Path:        "/catalog",
		Summary:     "List registered strategies, converters, scorers, planners and targets",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body CatalogResponse `json:"body"`
	}, error) {
		resp := CatalogResponse{
			Strategies: cfg.Engine.StrategyNames(),
			Converters: cfg.Engine.Converters.Names(),
			Scorers:    cfg.Engine.Scorers.Names(),
			Planners:   engine.PlannerNames(),
			Targets:    []string{},
		}
		if cfg.Catalog != nil {
			resp.Targets = cfg.Catalog.Names()
		}
		return &struct {
			Body CatalogResponse `json:"body"`
		}{Body: resp}, nil
	})
}

func registerOrchestrators(api huma.API, cfg Config) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-orchestrator",
		Method:        http.MethodPost,
		Path:          "/orchestrators",
		Summary:       "Create orchestrator",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusUnprocessableEntity,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body CreateOrchestratorRequest `json:"body"`
	}) (*struct {
		Body OrchestratorResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		orch, err := cfg.Registry.Create(ctx, registry.CreateOptions{
			Name:             input.Body.Name,
			Type:             input.Body.Type,
			Targets:          input.Body.Targets,
			Converters:       input.Body.Converters,
			Scorers:          input.Body.Scorers,
			Dataset:          input.Body.Dataset,
			MaxIterations:    input.Body.MaxIterations,
			ConcurrentLimit:  input.Body.ConcurrentLimit,
			SuccessThreshold: input.Body.SuccessThreshold,
			Planner:          input.Body.Planner,
			ActorID:          actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body OrchestratorResponse `json:"body"`
		}{Body: orchestratorResponse(orch)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-orchestrator",
		Method:      http.MethodGet,
		Path:        "/orchestrators/{id}",
		Summary:     "Get orchestrator",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body OrchestratorResponse `json:"body"`
	}, error) {
		orch, err := cfg.Registry.Get(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body OrchestratorResponse `json:"body"`
		}{Body: orchestratorResponse(orch)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-orchestrators",
		Method:      http.MethodGet,
		Path:        "/orchestrators",
		Summary:     "List orchestrators",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Type    string `query:"type" enum:"single_turn,multi_turn"`
		Enabled string `query:"enabled" enum:"true,false"`
		Limit   int    `query:"limit" default:"50"`
		Cursor  string `query:"cursor"`
	}) (*struct {
		Body paginatedOrchestrators `json:"body"`
	}, error) {
		filters := repo.OrchestratorFilters{Type: input.Type}
		if input.Enabled != "" {
			enabled := input.Enabled == "true"
			filters.Enabled = &enabled
		}
		limit := normalizeLimit(input.Limit)
		createdAt, id, err := parseCompositeCursor(input.Cursor)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
		}
		filters.CursorCreatedAt = createdAt
		filters.CursorID = id
		filters.Limit = limit + 1
		items, err := cfg.Registry.List(ctx, filters)
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedOrchestrators{Items: []OrchestratorResponse{}}
		if len(items) > limit {
			items = items[:limit]
			last := items[len(items)-1]
			resp.NextCursor = composeCursor(last.CreatedAt, last.ID)
		}
		for _, o := range items {
			resp.Items = append(resp.Items, orchestratorResponse(o))
		}
		return &struct {
			Body paginatedOrchestrators `json:"body"`
		}{Body: resp}, nil
	})

	setEnabled := func(opID, pathSuffix string, enabled bool, summary string) {
		huma.Register(api, huma.Operation{
			OperationID: opID,
			Method:      http.MethodPost,
			Path:        "/orchestrators/{id}/" + pathSuffix,
			Summary:     summary,
			Errors: []int{
				http.StatusNotFound,
				http.StatusUnauthorized,
			},
		}, func(ctx context.Context, input *struct {
			ID string `path:"id"`
		}) (*struct {
			Body OrchestratorResponse `json:"body"`
		}, error) {
			actorID, authErr := actorIDFromContext(ctx)
			if authErr != nil {
				return nil, authErr
			}
			orch, err := cfg.Registry.SetEnabled(ctx, input.ID, enabled, actorID)
			if err != nil {
				return nil, handleError(err)
			}
			return &struct {
				Body OrchestratorResponse `json:"body"`
			}{Body: orchestratorResponse(orch)}, nil
		})
	}
	setEnabled("enable-orchestrator", "enable", true, "Enable orchestrator")
	setEnabled("disable-orchestrator", "disable", false, "Disable orchestrator")
}

func registerExecutions(api huma.API, cfg Config) {
	huma.Register(api, huma.Operation{
		OperationID:   "start-execution",
		Method:        http.MethodPost,
		Path:          "/orchestrators/{id}/executions",
		Summary:       "Start an execution",
		DefaultStatus: http.StatusAccepted,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnauthorized,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		ID   string                `path:"id"`
		Body StartExecutionRequest `json:"body"`
	}) (*struct {
		Body ExecutionResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		exec, err := cfg.Manager.Start(ctx, input.ID, engine.RunOptions{
			ActorID:       actorID,
			Labels:        input.Body.Labels,
			BudgetSeconds: input.Body.BudgetSeconds,
			SavePartial:   input.Body.SavePartial,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ExecutionResponse `json:"body"`
		}{Body: executionResponse(exec)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-execution",
		Method:      http.MethodGet,
		Path:        "/executions/{id}",
		Summary:     "Get execution status and counters",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body ExecutionResponse `json:"body"`
	}, error) {
		exec, err := cfg.Engine.GetExecution(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ExecutionResponse `json:"body"`
		}{Body: executionResponse(exec)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-executions",
		Method:      http.MethodGet,
		Path:        "/executions",
		Summary:     "List executions",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		OrchestratorID string `query:"orchestrator_id"`
		Status         string `query:"status" enum:"pending,running,paused,completed,failed,cancelled"`
		Limit          int    `query:"limit" default:"50"`
		Cursor         string `query:"cursor"`
	}) (*struct {
		Body paginatedExecutions `json:"body"`
	}, error) {
		limit := normalizeLimit(input.Limit)
		createdAt, id, err := parseCompositeCursor(input.Cursor)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
		}
		items, err := cfg.Engine.Repo.ListExecutions(ctx, repo.ExecutionFilters{
			OrchestratorID:  input.OrchestratorID,
			Status:          input.Status,
			Limit:           limit + 1,
			CursorCreatedAt: createdAt,
			CursorID:        id,
		})
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedExecutions{Items: []ExecutionResponse{}}
		if len(items) > limit {
			items = items[:limit]
			last := items[len(items)-1]
			resp.NextCursor = composeCursor(last.CreatedAt, last.ID)
		}
		for _, x := range items {
			resp.Items = append(resp.Items, executionResponse(x))
		}
		return &struct {
			Body paginatedExecutions `json:"body"`
		}{Body: resp}, nil
	})

	control := func(opID, pathSuffix, summary string, apply func(ctx context.Context, id, actorID string) (domain.Execution, error)) {
		huma.Register(api, huma.Operation{
			OperationID: opID,
			Method:      http.MethodPost,
			Path:        "/executions/{id}/" + pathSuffix,
			Summary:     summary,
			Errors: []int{
				http.StatusNotFound,
				http.StatusConflict,
				http.StatusUnauthorized,
			},
		}, func(ctx context.Context, input *struct {
			ID string `path:"id"`
		}) (*struct {
			Body ExecutionResponse `json:"body"`
		}, error) {
			actorID, authErr := actorIDFromContext(ctx)
			if authErr != nil {
				return nil, authErr
			}
			exec, err := apply(ctx, input.ID, actorID)
			if err != nil {
				return nil, handleError(err)
			}
			return &struct {
				Body ExecutionResponse `json:"body"`
			}{Body: executionResponse(exec)}, nil
		})
	}
	control("pause-execution", "pause", "Pause a running execution", cfg.Manager.Pause)
	control("resume-execution", "resume", "Resume a paused execution", cfg.Manager.Resume)

	huma.Register(api, huma.Operation{
		OperationID: "stop-execution",
		Method:      http.MethodPost,
		Path:        "/executions/{id}/stop",
		Summary:     "Stop an execution, gracefully by default",
		Errors: []int{
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnauthorized,
		},
	}, func(ctx context.Context, input *struct {
		ID   string               `path:"id"`
		Body StopExecutionRequest `json:"body"`
	}) (*struct {
		Body ExecutionResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		exec, err := cfg.Manager.Stop(ctx, input.ID, actorID, input.Body.Force)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ExecutionResponse `json:"body"`
		}{Body: executionResponse(exec)}, nil
	})
}

func registerPieces(api huma.API, cfg Config) {
	huma.Register(api, huma.Operation{
		OperationID: "list-pieces",
		Method:      http.MethodGet,
		Path:        "/executions/{id}/pieces",
		Summary:     "List conversation pieces for an execution",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		ID             string   `path:"id"`
		ConversationID string   `query:"conversation_id"`
		Errored        string   `query:"errored" enum:"true,false"`
		Label          []string `query:"label" doc:"key=value label filter, repeatable"`
		Limit          int      `query:"limit" default:"50"`
		Cursor         string   `query:"cursor"`
	}) (*struct {
		Body paginatedPieces `json:"body"`
	}, error) {
		if _, err := cfg.Engine.GetExecution(ctx, input.ID); err != nil {
			return nil, handleError(err)
		}
		filters := repo.PieceFilters{
			ExecutionID:    input.ID,
			ConversationID: input.ConversationID,
		}
		if input.Errored != "" {
			errored := input.Errored == "true"
			filters.Errored = &errored
		}
		if len(input.Label) > 0 {
			filters.Labels = map[string]string{}
			for _, pair := range input.Label {
				k, v, ok := strings.Cut(pair, "=")
				if !ok || k == "" {
					return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid label filter", map[string]any{"label": pair})
				}
				filters.Labels[k] = v
			}
		}
		limit := normalizeLimit(input.Limit)
		convID, seqStr, err := parseCompositeCursor(input.Cursor)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
		}
		if convID != "" {
			seq, err := strconv.Atoi(seqStr)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
			}
			filters.CursorConvID = convID
			filters.CursorSeq = &seq
		}
		filters.Limit = limit + 1
		items, err := cfg.Engine.Repo.ListPieces(ctx, filters)
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedPieces{Items: []PieceResponse{}}
		if len(items) > limit {
			items = items[:limit]
			last := items[len(items)-1]
			resp.NextCursor = composeCursor(last.ConversationID, strconv.Itoa(last.Sequence))
		}
		for _, p := range items {
			resp.Items = append(resp.Items, pieceResponse(p))
		}
		return &struct {
			Body paginatedPieces `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-scores",
		Method:      http.MethodGet,
		Path:        "/executions/{id}/scores",
		Summary:     "List scores for an execution",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body struct {
			Items []ScoreResponse `json:"items"`
		} `json:"body"`
	}, error) {
		if _, err := cfg.Engine.GetExecution(ctx, input.ID); err != nil {
			return nil, handleError(err)
		}
		scores, err := cfg.Engine.Repo.ListScoresForExecution(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		out := &struct {
			Body struct {
				Items []ScoreResponse `json:"items"`
			} `json:"body"`
		}{}
		out.Body.Items = []ScoreResponse{}
		for _, s := range scores {
			out.Body.Items = append(out.Body.Items, scoreResponse(s))
		}
		return out, nil
	})
}

func registerResults(api huma.API, cfg Config) {
	huma.Register(api, huma.Operation{
		OperationID: "get-results",
		Method:      http.MethodGet,
		Path:        "/executions/{id}/results",
		Summary:     "Get the joined piece and score rows for an execution",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body ResultsResponse `json:"body"`
	}, error) {
		if _, err := cfg.Engine.GetExecution(ctx, input.ID); err != nil {
			return nil, handleError(err)
		}
		rows, err := export.Exporter{Repo: cfg.Engine.Repo}.Rows(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ResultsResponse `json:"body"`
		}{Body: ResultsResponse{ExecutionID: input.ID, Rows: rows}}, nil
	})
}

// registerExport serves raw file downloads, bypassing the huma content
// negotiation. The auth middleware still covers it because the route sits
// under the API base path.
func registerExport(r chi.Router, basePath string, cfg Config) {
	exporter := export.Exporter{Repo: cfg.Engine.Repo}
	r.Get(path.Join(basePath, "/executions/{id}/export"), func(w http.ResponseWriter, req *http.Request) {
		id := chi.URLParam(req, "id")
		format := req.URL.Query().Get("format")
		if format == "" {
			format = "json"
		}
		switch format {
		case "json", "csv", "xlsx":
		default:
			respondStatusError(w, newAPIError(http.StatusBadRequest, "bad_request", fmt.Sprintf("unsupported format %q", format), nil))
			return
		}
		if _, err := cfg.Engine.GetExecution(req.Context(), id); err != nil {
			respondStatusError(w, handleError(err))
			return
		}
		var buf bytes.Buffer
		if err := exporter.Write(req.Context(), &buf, id, format); err != nil {
			respondStatusError(w, handleError(err))
			return
		}
		switch format {
		case "json":
			w.Header().Set("Content-Type", "application/json")
		case "csv":
			w.Header().Set("Content-Type", "text/csv")
		case "xlsx":
			w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
		}
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", "redline-"+id+"."+format))
		w.Header().Set("Content-Length", strconv.Itoa(buf.Len()))
		_, _ = buf.WriteTo(w)
	})
}

func registerEvents(api huma.API, cfg Config) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List recent audit events",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Type       string `query:"type"`
		EntityKind string `query:"entity_kind" enum:"orchestrator,execution"`
		EntityID   string `query:"entity_id"`
		Limit      int    `query:"limit" default:"50"`
		Cursor     string `query:"cursor"`
	}) (*struct {
		Body paginatedEvents `json:"body"`
	}, error) {
		limit := normalizeLimit(input.Limit)
		var cursorID int64
		if input.Cursor != "" {
			parsed, err := strconv.ParseInt(input.Cursor, 10, 64)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
			}
			cursorID = parsed
		}
		items, err := cfg.Engine.Repo.LatestEvents(ctx, limit+1, cursorID, input.Type, input.EntityKind, input.EntityID)
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedEvents{Items: []EventResponse{}}
		if len(items) > limit {
			items = items[:limit]
			resp.NextCursor = strconv.FormatInt(items[len(items)-1].ID, 10)
		}
		for _, evt := range items {
			resp.Items = append(resp.Items, eventResponse(evt))
		}
		return &struct {
			Body paginatedEvents `json:"body"`
		}{Body: resp}, nil
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
	}) (*struct {
		Body DevLoginResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actor := strings.TrimSpace(input.Body.ActorID)
		if actor == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "actor_id is required", nil)
		}
		token, err := signDevToken(authCfg.JWTSecret, actor)
		if err != nil {
			return nil, newAPIError(http.StatusInternalServerError, "internal_error", err.Error(), nil)
		}
		return &struct {
			Body DevLoginResponse `json:"body"`
		}{Body: DevLoginResponse{Token: token}}, nil
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

func normalizeLimit(in int) int {
	if in <= 0 {
		return 50
	}
	if in > 200 {
		return 200
	}
	return in
}

func parseCompositeCursor(cursor string) (string, string, error) {
	if cursor == "" {
		return "", "", nil
	}
	parts := strings.SplitN(cursor, "|", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("invalid cursor")
	}
	return parts[0], parts[1], nil
}

func composeCursor(first, second string) string {
	if first == "" || second == "" {
		return ""
	}
	return first + "|" + second
}
