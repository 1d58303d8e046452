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
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"deliverline/internal/deliverable"
	"deliverline/internal/events"
	"deliverline/internal/logging"
	"deliverline/internal/pipeline"
)

const rootMessage = "Deliverable Extraction API is running."

// Config for the HTTP API handler.
type Config struct {
	Extractor pipeline.Extractor
	Shape     *deliverable.Shape
	BasePath  string
	// Sources limits accepted webhook sources; empty accepts any.
	Sources []string
	// Journal records each webhook extraction when set.
	Journal *events.Writer
	Logger  *log.Logger
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"service_unavailable"`
	Message string         `json:"message" example:"Failed to process text with the generative AI model."`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true" example:"{\"retryable\":true}"`
}

type requestIDKey struct{}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the extraction webhooks.
func New(cfg Config) (http.Handler, error) {
	if cfg.Extractor == nil {
		return nil, errors.New("server: extractor is required")
	}
	basePath := strings.TrimRight(cfg.BasePath, "/")
	if basePath != "" && !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	logger := logging.Or(cfg.Logger, "server")

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
	router.Use(requestIDMiddleware)
	hcfg := huma.DefaultConfig("Deliverline API", "0.1.0")
	hcfg.OpenAPIPath = ""
	hcfg.DocsPath = ""
	api := humachi.New(router, hcfg)
	var group huma.API = api
	if basePath != "" {
		group = huma.NewGroup(api, basePath)
	}

	router.Get("/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"message": rootMessage})
	})
	registerDocs(router, basePath)
	registerSchema(router, basePath, cfg.Shape)
	registerHealth(group)
	registerWebhook(group, webhookHandler{
		extractor: cfg.Extractor,
		sources:   sourceSet(cfg.Sources),
		journal:   cfg.Journal,
		logger:    logger,
	})
	if cfg.Journal != nil {
		registerEvents(group, *cfg.Journal)
	}
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

// handleError maps a pipeline failure to a 500 carrying its kind tag. The
// cause stays in the server log; the body only names the kind.
func handleError(ctx context.Context, err error) huma.StatusError {
	if err == nil {
		return nil
	}
	kind := deliverable.KindOf(err)
	details := map[string]any{
		"retryable":  deliverable.Retryable(err),
		"request_id": requestIDFrom(ctx),
	}
	msg := "Failed to process text with the generative AI model."
	if kind == "internal" {
		msg = "internal error"
		kind = "internal_error"
	}
	return newAPIError(http.StatusInternalServerError, kind, msg, details)
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusUnprocessableEntity:
		return "validation_failed"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

// requestIDMiddleware echoes X-Request-Id or assigns a new one.
func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(r.Header.Get("X-Request-Id"))
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-Id", id)
		ctx := context.WithValue(r.Context(), requestIDKey{}, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func requestIDFrom(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey{}).(string); ok {
		return id
	}
	return ""
}

func routePath(basePath, p string) string {
	return path.Join("/", basePath, p)
}

func registerDocs(r chi.Router, basePath string) {
	r.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(basePath))
	})
}

func registerSchema(r chi.Router, basePath string, shape *deliverable.Shape) {
	r.Get(routePath(basePath, "schema"), func(w http.ResponseWriter, r *http.Request) {
		if shape == nil {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/schema+json")
		w.Write(shape.JSON())
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var (
		once sync.Once
		doc  []byte
	)
	r.Get(routePath(basePath, "openapi.json"), func(w http.ResponseWriter, r *http.Request) {
		once.Do(func() {
			oas := api.OpenAPI()
			ensureDefaultErrorResponses(oas)
			doc, _ = json.Marshal(oas)
		})
		w.Header().Set("Content-Type", "application/json")
		w.Write(doc)
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

func swaggerHTML(basePath string) string {
	docURL := routePath(basePath, "openapi.json")
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>Deliverline API Docs</title>
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
</html>`, docURL)
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

func registerEvents(api huma.API, journal events.Writer) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List recent extraction events",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Type   string `query:"type" enum:"extraction.completed,extraction.failed"`
		Source string `query:"source"`
		Limit  int    `query:"limit" default:"50"`
		Cursor string `query:"cursor"`
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
		items, err := journal.Latest(ctx, limit+1, cursorID, input.Type, input.Source)
		if err != nil {
			return nil, newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": err.Error()})
		}
		resp := paginatedEvents{Items: []EventResponse{}}
		if len(items) > limit {
			resp.NextCursor = fmt.Sprintf("%d", items[limit-1].ID)
			items = items[:limit]
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

func sourceSet(sources []string) map[string]struct{} {
	if len(sources) == 0 {
		return nil
	}
	set := make(map[string]struct{}, len(sources))
	for _, s := range sources {
		s = strings.TrimSpace(s)
		if s != "" {
			set[s] = struct{}{}
		}
	}
	return set
}

func since(start time.Time) string {
	return time.Since(start).Round(time.Millisecond).String()
}
