package server

import (
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
	"go.uber.org/zap"

	"skillgate/internal/analyzer"
	"skillgate/internal/capability"
	"skillgate/internal/domain"
	"skillgate/internal/engine"
	"skillgate/internal/kernel"
	"skillgate/internal/manifest"
	"skillgate/internal/observability"
	"skillgate/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	Kernel   *kernel.Kernel
	BasePath string
	Auth     AuthConfig
	Logger   *zap.Logger
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"not_pending"`
	Message string         `json:"message" example:"proposal is not awaiting approval"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the operator API.
func New(cfg Config) (http.Handler, error) {
	if cfg.Kernel == nil {
		return nil, errors.New("kernel is required")
	}
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
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
	router.Use(observability.Middleware)
	router.Use(newAuthMiddleware(basePath, cfg.Auth))
	router.Handle("/metrics", observability.Handler())

	hcfg := huma.DefaultConfig("Skillgate API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = ""
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerProposals(group, cfg.Engine)
	registerDecisions(group, cfg.Engine)
	registerAnalysis(group, cfg.Engine)
	registerManifest(group, cfg.Engine, cfg.Kernel)
	registerGuard(group, cfg.Kernel)
	registerEvents(group, cfg.Engine)
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
	var unknown *capability.UnknownTokenError
	if errors.As(err, &unknown) {
		return newAPIError(http.StatusBadRequest, "unknown_capability", err.Error(), map[string]any{"tokens": unknown.Tokens})
	}
	switch {
	case errors.Is(err, repo.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	case errors.Is(err, engine.ErrNotPending):
		return newAPIError(http.StatusConflict, "not_pending", err.Error(), nil)
	case errors.Is(err, engine.ErrTerminal):
		return newAPIError(http.StatusConflict, "terminal", err.Error(), nil)
	case errors.Is(err, engine.ErrBusy):
		return newAPIError(http.StatusConflict, "busy", err.Error(), nil)
	case errors.Is(err, repo.ErrConflict):
		return newAPIError(http.StatusConflict, "conflict", err.Error(), nil)
	case errors.Is(err, manifest.ErrProtected):
		return newAPIError(http.StatusForbidden, "protected", err.Error(), nil)
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	switch {
	case strings.Contains(lowered, "only rejected"):
		return newAPIError(http.StatusConflict, "conflict", msg, nil)
	case strings.Contains(lowered, "invalid") || strings.Contains(lowered, "required"):
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
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
	security := []map[string][]string{{"bearerAuth": {}}}
	oas.Security = security
	healthPath := path.Join("/", basePath, "health")
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if route == healthPath {
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
    <title>Skillgate API Docs</title>
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

type proposalOutput struct {
	Body domain.Proposal `json:"body"`
}

type proposalPath struct {
	ID string `path:"id" doc:"Proposal id or slug"`
}

func registerProposals(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-proposals",
		Method:      http.MethodGet,
		Path:        "/proposals",
		Summary:     "List proposals",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Status string `query:"status" enum:"new,discovered,implementation,agent-review,human-review,accepted,rejected"`
	}) (*struct {
		Body listProposals `json:"body"`
	}, error) {
		items, err := e.List(ctx, input.Status)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body listProposals `json:"body"`
		}{Body: listProposals{Items: nonNilSlice(items)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "submit-proposal",
		Method:        http.MethodPost,
		Path:          "/proposals",
		Summary:       "Submit a proposal",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		Body SubmitProposalRequest `json:"body"`
	}) (*proposalOutput, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		p, err := e.Submit(ctx, input.Body.options(actorID))
		if err != nil {
			return nil, handleError(err)
		}
		return &proposalOutput{Body: p}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-proposal",
		Method:      http.MethodGet,
		Path:        "/proposals/{id}",
		Summary:     "Get a proposal with its history",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *proposalPath) (*proposalOutput, error) {
		p, err := e.Get(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &proposalOutput{Body: p}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "proposal-history",
		Method:      http.MethodGet,
		Path:        "/proposals/{id}/history",
		Summary:     "Proposal status history",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *proposalPath) (*struct {
		Body listHistory `json:"body"`
	}, error) {
		items, err := e.History(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body listHistory `json:"body"`
		}{Body: listHistory{Items: nonNilSlice(items)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "review-proposal",
		Method:      http.MethodGet,
		Path:        "/proposals/{id}/review",
		Summary:     "Review data: artifact, latest scan and a fresh composition analysis",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *proposalPath) (*struct {
		Body engine.ReviewReport `json:"body"`
	}, error) {
		rr, err := e.Review(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.ReviewReport `json:"body"`
		}{Body: rr}, nil
	})
}

func registerDecisions(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "approve-proposal",
		Method:      http.MethodPost,
		Path:        "/proposals/{id}/approve",
		Summary:     "Approve a pending gate, or force a proposal past human gates",
		Errors:      []int{http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ID   string         `path:"id"`
		Body ApproveRequest `json:"body" required:"false"`
	}) (*proposalOutput, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		p, err := e.Approve(ctx, input.ID, engine.ApproveOptions{Force: input.Body.Force, ActorID: actorID, Reason: input.Body.Reason})
		if err != nil {
			return nil, handleError(err)
		}
		return &proposalOutput{Body: p}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "reject-proposal",
		Method:      http.MethodPost,
		Path:        "/proposals/{id}/reject",
		Summary:     "Reject a proposal",
		Errors:      []int{http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ID   string        `path:"id"`
		Body RejectRequest `json:"body" required:"false"`
	}) (*proposalOutput, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		p, err := e.Reject(ctx, input.ID, input.Body.Reason, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &proposalOutput{Body: p}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "revise-proposal",
		Method:        http.MethodPost,
		Path:          "/proposals/{id}/revise",
		Summary:       "Submit a revision of a rejected proposal",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ID   string        `path:"id"`
		Body ReviseRequest `json:"body" required:"false"`
	}) (*proposalOutput, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		p, err := e.Revise(ctx, input.ID, input.Body.options(actorID))
		if err != nil {
			return nil, handleError(err)
		}
		return &proposalOutput{Body: p}, nil
	})
}

func registerAnalysis(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "analyze",
		Method:      http.MethodPost,
		Path:        "/analyze",
		Summary:     "Analyze a capability set against the active skills",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Body AnalyzeRequest `json:"body"`
	}) (*struct {
		Body analyzer.Report `json:"body"`
	}, error) {
		report, err := e.Analyze(ctx, input.Body.Capabilities)
		if err != nil {
			return nil, handleError(err)
		}
		report.Findings = nonNilSlice(report.Findings)
		return &struct {
			Body analyzer.Report `json:"body"`
		}{Body: report}, nil
	})
}

func registerManifest(api huma.API, e engine.Engine, k *kernel.Kernel) {
	huma.Register(api, huma.Operation{
		OperationID: "get-manifest",
		Method:      http.MethodGet,
		Path:        "/manifest",
		Summary:     "Running and staged skill manifests",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body ManifestResponse `json:"body"`
	}, error) {
		running := k.Manifest()
		staged, err := manifest.ReadFile(e.ManifestPath)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ManifestResponse `json:"body"`
		}{Body: ManifestResponse{
			Running: manifestView{Version: running.Version(), Skills: nonNilSlice(running.Specs())},
			Staged:  manifestView{Version: staged.Version, Skills: nonNilSlice(staged.Skills)},
		}}, nil
	})
}

func registerGuard(api huma.API, k *kernel.Kernel) {
	huma.Register(api, huma.Operation{
		OperationID: "guard-check",
		Method:      http.MethodPost,
		Path:        "/guard/check",
		Summary:     "Check whether a running skill may perform an interaction",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Body GuardCheckRequest `json:"body"`
	}) (*struct {
		Body capability.Decision `json:"body"`
	}, error) {
		if strings.TrimSpace(input.Body.Component) == "" || strings.TrimSpace(input.Body.Interaction) == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "component and interaction are required", nil)
		}
		d := k.Check(input.Body.Component, input.Body.Interaction)
		d.Missing = nonNilSlice(d.Missing)
		return &struct {
			Body capability.Decision `json:"body"`
		}{Body: d}, nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List recent events",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Type       string `query:"type"`
		EntityKind string `query:"entity_kind" enum:"proposal,skill"`
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
		items, err := e.Repo.LatestEventsFrom(ctx, limit+1, cursorID, repo.EventFilter{
			Type: input.Type, EntityKind: input.EntityKind, EntityID: input.EntityID,
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
		return &struct {
			Body paginatedEvents `json:"body"`
		}{Body: resp}, nil
	})
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
