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
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	log "github.com/sirupsen/logrus"

	"tickwatch/internal/domain"
	"tickwatch/internal/engine"
	"tickwatch/internal/monitor"
	"tickwatch/internal/repo"
	"tickwatch/internal/stats"
)

// PassTrigger starts an out-of-schedule pass.
type PassTrigger interface {
	Trigger(ctx context.Context) (domain.PassSummary, error)
}

// Config for the HTTP API handler.
type Config struct {
	Repo     repo.Repo
	Stats    stats.View
	Passes   PassTrigger
	BasePath string
	Auth     AuthConfig
	Logger   *log.Logger
}

func (c Config) location() *time.Location {
	if c.Stats.Location != nil {
		return c.Stats.Location
	}
	return time.Local
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"pass_in_progress"`
	Message string         `json:"message" example:"reconciliation pass already in progress"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the query API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	if cfg.Logger == nil {
		cfg.Logger = log.StandardLogger()
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
	router.Use(requestLogger(cfg.Logger))
	router.Use(newAuthMiddleware(basePath, cfg.Auth))
	hcfg := huma.DefaultConfig("tickwatch API", "0.1.0")
	hcfg.OpenAPIPath = ""
	hcfg.DocsPath = ""
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group, cfg)
	registerStats(group, cfg)
	registerCompletions(group, cfg)
	registerDeletions(group, cfg)
	registerPasses(group, cfg)
	registerEvents(group, cfg)
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
	var se huma.StatusError
	if errors.As(err, &se) {
		return se
	}
	switch {
	case errors.Is(err, repo.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	case errors.Is(err, engine.ErrPassInProgress):
		return newAPIError(http.StatusConflict, "pass_in_progress", err.Error(), nil)
	case errors.Is(err, monitor.ErrStopped):
		return newAPIError(http.StatusServiceUnavailable, "monitor_stopped", err.Error(), nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": err.Error()})
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
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func requestLogger(logger *log.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r)
			logger.WithFields(log.Fields{
				"method":   r.Method,
				"path":     r.URL.Path,
				"status":   rec.status,
				"total_ms": float64(time.Since(start)) / float64(time.Millisecond),
			}).Debug("api.request")
		})
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func registerDocs(r chi.Router, basePath string) {
	r.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(basePath))
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var (
		once sync.Once
		spec []byte
	)
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		once.Do(func() {
			oas := api.OpenAPI()
			ensureDefaultErrorResponses(oas)
			applyAuthSecurity(oas, basePath)
			spec, _ = json.Marshal(oas)
		})
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func ensureDefaultErrorResponses(oas *huma.OpenAPI) {
	if oas == nil || oas.Paths == nil || oas.Components == nil || oas.Components.Schemas == nil {
		return
	}
	errSchema := oas.Components.Schemas.Schema(reflect.TypeOf(apiError{}), true, "ApiError")
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
					"application/json": {Schema: errSchema},
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
    <title>tickwatch API Docs</title>
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
  </body>
</html>`, specURL)
}

func registerHealth(api huma.API, cfg Config) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body HealthResponse `json:"body"`
	}, error) {
		resp := HealthResponse{Status: "ok"}
		if s, ok := cfg.Passes.(interface{ State() monitor.State }); ok {
			resp.Monitor = s.State().String()
		}
		return &struct {
			Body HealthResponse `json:"body"`
		}{Body: resp}, nil
	})
}

func registerStats(api huma.API, cfg Config) {
	huma.Register(api, huma.Operation{
		OperationID: "get-stats",
		Method:      http.MethodGet,
		Path:        "/stats",
		Summary:     "Open, completed and deleted task counts",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body domain.Statistics `json:"body"`
	}, error) {
		s, err := cfg.Stats.Statistics(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Statistics `json:"body"`
		}{Body: s}, nil
	})
}

type rangeQuery struct {
	Start     string `query:"start" doc:"YYYY-MM-DD (start of day), RFC 3339 or a TickTick timestamp"`
	End       string `query:"end" doc:"YYYY-MM-DD (end of day), RFC 3339 or a TickTick timestamp"`
	ProjectID string `query:"project_id"`
	Limit     int    `query:"limit" default:"50"`
}

func (q rangeQuery) bounds(loc *time.Location) (*time.Time, *time.Time, error) {
	start, err := stats.ParseBound(q.Start, loc, false)
	if err != nil {
		return nil, nil, newAPIError(http.StatusBadRequest, "bad_request", err.Error(), map[string]any{"start": q.Start})
	}
	end, err := stats.ParseBound(q.End, loc, true)
	if err != nil {
		return nil, nil, newAPIError(http.StatusBadRequest, "bad_request", err.Error(), map[string]any{"end": q.End})
	}
	return start, end, nil
}

func registerCompletions(api huma.API, cfg Config) {
	huma.Register(api, huma.Operation{
		OperationID: "list-completions",
		Method:      http.MethodGet,
		Path:        "/completions",
		Summary:     "List completed tasks, newest completion first",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *rangeQuery) (*struct {
		Body CompletionList `json:"body"`
	}, error) {
		start, end, err := input.bounds(cfg.location())
		if err != nil {
			return nil, err
		}
		items, err := cfg.Repo.ListCompletions(ctx, repo.CompletionFilter{
			Start:     start,
			End:       end,
			ProjectID: input.ProjectID,
			Limit:     normalizeLimit(input.Limit),
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body CompletionList `json:"body"`
		}{Body: CompletionList{Items: mapCompletions(items)}}, nil
	})
}

func registerDeletions(api huma.API, cfg Config) {
	huma.Register(api, huma.Operation{
		OperationID: "list-deletions",
		Method:      http.MethodGet,
		Path:        "/deletions",
		Summary:     "List deleted tasks, most recently detected first",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *rangeQuery) (*struct {
		Body DeletionList `json:"body"`
	}, error) {
		start, end, err := input.bounds(cfg.location())
		if err != nil {
			return nil, err
		}
		items, err := cfg.Repo.ListDeletions(ctx, repo.DeletionFilter{
			Start:     start,
			End:       end,
			ProjectID: input.ProjectID,
			Limit:     normalizeLimit(input.Limit),
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body DeletionList `json:"body"`
		}{Body: DeletionList{Items: mapDeletions(items)}}, nil
	})
}

func registerPasses(api huma.API, cfg Config) {
	huma.Register(api, huma.Operation{
		OperationID: "list-passes",
		Method:      http.MethodGet,
		Path:        "/passes",
		Summary:     "List recent reconciliation passes",
	}, func(ctx context.Context, input *struct {
		Limit int `query:"limit" default:"20"`
	}) (*struct {
		Body PassList `json:"body"`
	}, error) {
		items, err := cfg.Repo.ListPasses(ctx, normalizeLimit(input.Limit))
		if err != nil {
			return nil, handleError(err)
		}
		if items == nil {
			items = []domain.PassSummary{}
		}
		return &struct {
			Body PassList `json:"body"`
		}{Body: PassList{Items: items}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "run-pass",
		Method:      http.MethodPost,
		Path:        "/passes",
		Summary:     "Run a reconciliation pass now",
		Errors:      []int{http.StatusConflict, http.StatusServiceUnavailable},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body domain.PassSummary `json:"body"`
	}, error) {
		if cfg.Passes == nil {
			return nil, newAPIError(http.StatusServiceUnavailable, "monitor_unavailable", "no pass runner configured", nil)
		}
		sum, err := cfg.Passes.Trigger(ctx)
		if errors.Is(err, engine.ErrPassInProgress) || errors.Is(err, monitor.ErrStopped) {
			return nil, handleError(err)
		}
		// pass failures are reported in the summary status
		return &struct {
			Body domain.PassSummary `json:"body"`
		}{Body: sum}, nil
	})
}

func registerEvents(api huma.API, cfg Config) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List recent journal events",
	}, func(ctx context.Context, input *struct {
		Type   string `query:"type"`
		PassID string `query:"pass_id"`
		Limit  int    `query:"limit" default:"50"`
	}) (*struct {
		Body EventList `json:"body"`
	}, error) {
		items, err := cfg.Repo.LatestEvents(ctx, normalizeLimit(input.Limit), input.Type, input.PassID)
		if err != nil {
			return nil, handleError(err)
		}
		resp := EventList{Items: []EventResponse{}}
		for _, evt := range items {
			resp.Items = append(resp.Items, eventResponse(evt))
		}
		return &struct {
			Body EventList `json:"body"`
		}{Body: resp}, nil
	})
}

func normalizeLimit(in int) int {
	if in <= 0 {
		return 50
	}
	if in > 500 {
		return 500
	}
	return in
}

func decodePayload(raw string) json.RawMessage {
	if raw == "" || !json.Valid([]byte(raw)) {
		return json.RawMessage("{}")
	}
	return json.RawMessage(bytes.TrimSpace([]byte(raw)))
}
