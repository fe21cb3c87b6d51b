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
	"strings"
	"sync"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"taskrelay/internal/engine"
	"taskrelay/internal/events"
	"taskrelay/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   *engine.Engine
	BasePath string
	Auth     AuthConfig
	Clerk    ClerkConfig
	Logger   zerolog.Logger
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"not_found"`
	Message string         `json:"message" example:"run not found"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

type bodyBytesKey struct{}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the taskrelay API and webhook receivers.
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
	router.Use(middleware.Recoverer)

	// Webhooks verify their own signatures and sit outside the API base path.
	router.Post("/webhooks/clerk", clerkWebhookHandler(cfg.Engine, cfg.Clerk, cfg.Logger))

	router.Group(func(r chi.Router) {
		r.Use(captureBody)
		r.Use(newAuthMiddleware(basePath, cfg.Auth))
		hcfg := huma.DefaultConfig("taskrelay API", "0.1.0")
		hcfg.OpenAPIPath = "/openapi"
		hcfg.DocsPath = ""
		api := humachi.New(r, hcfg)
		group := huma.NewGroup(api, basePath)

		registerDocs(r, basePath)
		registerHealth(group, cfg.Engine)
		registerEvents(group, cfg.Engine)
		registerRuns(group, cfg.Engine.Repo)
		registerOpenAPI(r, api, basePath)
	})
	return router, nil
}

func captureBody(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		bodyBytes, _ := io.ReadAll(r.Body)
		r.Body = io.NopCloser(bytes.NewBuffer(bodyBytes))
		ctx := context.WithValue(r.Context(), bodyBytesKey{}, bodyBytes)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func requestLogger(logger zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			reqLog := logger.With().Str("request_id", middleware.GetReqID(r.Context())).Logger()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r.WithContext(reqLog.WithContext(r.Context())))
			ev := reqLog.Info()
			if ww.Status() >= http.StatusInternalServerError {
				ev = reqLog.Error()
			}
			ev.Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", ww.Status()).
				Dur("duration", time.Since(start)).
				Msg("http request")
		})
	}
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
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	switch {
	case strings.Contains(lowered, "invalid") || strings.Contains(lowered, "missing") || strings.Contains(lowered, "required"):
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
	var (
		once sync.Once
		spec []byte
		err  error
	)
	r.Get(path.Join(basePath, "openapi.json"), func(w http.ResponseWriter, r *http.Request) {
		once.Do(func() {
			oas := api.OpenAPI()
			finalizeSpec(oas, basePath)
			spec, err = json.Marshal(oas)
		})
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

var errorEnvelopeSchema = &huma.Schema{
	Type: "object",
	Properties: map[string]*huma.Schema{
		"error": {
			Type: "object",
			Properties: map[string]*huma.Schema{
				"code":    {Type: "string"},
				"message": {Type: "string"},
				"details": {Type: "object"},
			},
			Required: []string{"code", "message"},
		},
	},
	Required: []string{"error"},
}

// finalizeSpec documents the error envelope on every operation and requires
// bearer auth everywhere except the health check.
func finalizeSpec(oas *huma.OpenAPI, basePath string) {
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
	bearer := []map[string][]string{{"bearerAuth": {}}}
	oas.Security = bearer
	public := path.Join(basePath, "health")
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{item.Get, item.Put, item.Post, item.Delete, item.Patch} {
			if op == nil {
				continue
			}
			if op.Responses == nil {
				op.Responses = map[string]*huma.Response{}
			}
			op.Responses["default"] = &huma.Response{
				Description: "Error",
				Content:     map[string]*huma.MediaType{"application/json": {Schema: errorEnvelopeSchema}},
			}
			op.Security = bearer
			if route == public {
				op.Security = []map[string][]string{}
			}
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
    <title>taskrelay API Docs</title>
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
      Authenticate with Authorization: Bearer &lt;token&gt; (taskrelay token).
    </p>
  </body>
</html>`, specURL)
}

type HealthResponse struct {
	Status    string `json:"status" enum:"ok,degraded"`
	Database  string `json:"database"`
	Functions int    `json:"functions"`
}

func registerHealth(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
		Tags:        []string{"system"},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body HealthResponse `json:"body"`
	}, error) {
		out := &struct {
			Body HealthResponse `json:"body"`
		}{Body: HealthResponse{Status: "ok", Database: "ok", Functions: len(e.Functions())}}
		pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		if err := e.DB.PingContext(pingCtx); err != nil {
			zerolog.Ctx(ctx).Warn().Err(err).Msg("health: database ping failed")
			out.Body.Status = "degraded"
			out.Body.Database = err.Error()
		}
		return out, nil
	})
}

func registerEvents(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "send-event",
		Method:        http.MethodPost,
		Path:          "/events",
		Summary:       "Send an event",
		Description:   "Records the event and queues a run for every function subscribed to its name. Re-sending an id is a no-op.",
		DefaultStatus: http.StatusAccepted,
		Errors:        []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		Body SendEventRequest `json:"body"`
	}) (*struct {
		Body SendEventResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		var data any
		if input.Body.Data != nil {
			data = input.Body.Data
		}
		evt, err := events.New(input.Body.ID, input.Body.Name, data)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
		}
		if input.Body.TS != nil {
			evt.TS = *input.Body.TS
		}
		res, err := e.Send(ctx, evt)
		if err != nil {
			return nil, handleError(err)
		}
		if p, ok := principalFromContext(ctx); ok {
			e.Logger.Debug().Str("subject", p.Subject).Str("event_id", res.EventID).Msg("event sent through api")
		}
		return &struct {
			Body SendEventResponse `json:"body"`
		}{Body: SendEventResponse{EventID: res.EventID, RunIDs: nonNilSlice(res.RunIDs), Duplicate: res.Duplicate}}, nil
	})
}

func registerRuns(api huma.API, r repo.Repo) {
	huma.Register(api, huma.Operation{
		OperationID: "list-runs",
		Method:      http.MethodGet,
		Path:        "/runs",
		Summary:     "List workflow runs",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		Status     string `query:"status" enum:"queued,running,sleeping,completed,failed"`
		FunctionID string `query:"function_id"`
		EventID    string `query:"event_id"`
		Limit      int    `query:"limit" default:"50"`
	}) (*struct {
		Body paginatedRuns `json:"body"`
	}, error) {
		items, err := r.ListRuns(ctx, repo.RunFilters{
			Status:     input.Status,
			FunctionID: input.FunctionID,
			EventID:    input.EventID,
			Limit:      normalizeLimit(input.Limit),
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body paginatedRuns `json:"body"`
		}{Body: paginatedRuns{Items: mapRuns(items)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-run",
		Method:      http.MethodGet,
		Path:        "/runs/{run_id}",
		Summary:     "Get a workflow run with its steps",
		Errors:      []int{http.StatusUnauthorized, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		RunID string `path:"run_id"`
	}) (*struct {
		Body RunResponse `json:"body"`
	}, error) {
		run, err := r.GetRun(ctx, input.RunID)
		if err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				return nil, newAPIError(http.StatusNotFound, "not_found", "run not found", map[string]any{"run_id": input.RunID})
			}
			return nil, handleError(err)
		}
		steps, err := r.ListSteps(ctx, run.ID)
		if err != nil {
			return nil, handleError(err)
		}
		resp := runResponse(run)
		resp.Steps = make([]StepResponse, 0, len(steps))
		for _, s := range steps {
			resp.Steps = append(resp.Steps, stepResponse(s))
		}
		return &struct {
			Body RunResponse `json:"body"`
		}{Body: resp}, nil
	})
}

func bodyBytes(ctx context.Context) []byte {
	if buf, ok := ctx.Value(bodyBytesKey{}).([]byte); ok {
		return buf
	}
	return nil
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

