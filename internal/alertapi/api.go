// Package alertapi is the HTTP surface of the engine: event ingestion,
// group actions and routing rule management. Every route is scoped to the
// workspace of the caller's bearer token.
package alertapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"

	"github.com/linnemanlabs/warden/internal/alert"
	"github.com/linnemanlabs/warden/internal/authmw"
	"github.com/linnemanlabs/warden/internal/condition"
	"github.com/linnemanlabs/warden/internal/dispatch"
	"github.com/linnemanlabs/warden/internal/incident"
	"github.com/linnemanlabs/warden/internal/routing"
)

// maxDocBytes caps rule documents and event payloads read by handlers.
const maxDocBytes = 64 << 10

// ActorHeader names the user performing an action. It is recorded as
// acknowledgedBy, resolvedBy or snoozedBy.
const ActorHeader = "X-Warden-Actor"

// Service defines the business operations alertapi needs.
type Service interface {
	Ingest(ctx context.Context, ev *alert.Event) (*incident.IngestResult, error)
	ResolveBySourceEvent(ctx context.Context, workspaceID string, source alert.Source, sourceEventID, by string) (*alert.Group, error)

	Get(ctx context.Context, workspaceID, id string) (*alert.Group, error)
	Acknowledge(ctx context.Context, workspaceID, id, by string) (*alert.Group, error)
	Resolve(ctx context.Context, workspaceID, id, by string) (*alert.Group, error)
	Snooze(ctx context.Context, workspaceID, id string, minutes int, by string) (*alert.Group, error)
	GetCorrelation(ctx context.Context, workspaceID, id string) (*alert.Correlation, error)
	Notifications(ctx context.Context, workspaceID, id string) ([]dispatch.Attempt, error)

	ListRules(ctx context.Context, workspaceID string) ([]routing.Rule, error)
	PutRule(ctx context.Context, workspaceID, id string, doc []byte) (*routing.Rule, bool, error)
	DeleteRule(ctx context.Context, workspaceID, id string) error
	TestRule(workspaceID string, doc []byte, a alert.ForEvaluation) (routing.TestResult, error)
}

// API holds dependencies for HTTP handlers.
type API struct {
	logger  log.Logger
	svc     Service
	auth    func(http.Handler) http.Handler
	limiter *workspaceLimiter
}

// Option configures an API.
type Option func(*API)

// WithAuth installs the middleware that authenticates requests and puts
// the workspace on the context, normally authmw.BearerToken.
func WithAuth(mw func(http.Handler) http.Handler) Option {
	return func(a *API) { a.auth = mw }
}

// WithIngestLimit limits event ingestion per workspace. A rate of 0
// disables limiting.
func WithIngestLimit(perSecond float64, burst int) Option {
	return func(a *API) { a.limiter = newWorkspaceLimiter(perSecond, burst) }
}

// New creates a new API handler.
func New(logger log.Logger, svc Service, opts ...Option) *API {
	if logger == nil {
		logger = log.Nop()
	}
	if svc == nil {
		panic(xerrors.New("incident service is required"))
	}
	a := &API{
		logger: logger,
		svc:    svc,
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

// RegisterRoutes attaches API endpoints to the router.
func (a *API) RegisterRoutes(r chi.Router) {
	r.Route("/api/v1", func(r chi.Router) {
		if a.auth != nil {
			r.Use(a.auth)
		}

		r.Post("/events", a.handleIngestEvent)
		r.Post("/events/resolve", a.handleResolveBySource)

		r.Route("/groups/{id}", func(r chi.Router) {
			r.Get("/", a.handleGetGroup)
			r.Post("/ack", a.handleAcknowledge)
			r.Post("/resolve", a.handleResolve)
			r.Post("/snooze", a.handleSnooze)
			r.Get("/correlation", a.handleGetCorrelation)
			r.Get("/notifications", a.handleNotifications)
		})

		r.Get("/rules", a.handleListRules)
		r.Post("/rules", a.handleCreateRule)
		r.Post("/rules/test", a.handleTestRule)
		r.Put("/rules/{id}", a.handlePutRule)
		r.Delete("/rules/{id}", a.handleDeleteRule)
	})
}

// workspace returns the authenticated workspace or writes 401.
func (a *API) workspace(w http.ResponseWriter, r *http.Request) (string, bool) {
	ws, ok := authmw.WorkspaceFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthenticated", "")
		return "", false
	}
	trace.SpanFromContext(r.Context()).SetAttributes(attribute.String("warden.workspace_id", ws))
	return ws, true
}

func actor(r *http.Request) string {
	if by := r.Header.Get(ActorHeader); by != "" {
		return by
	}
	return "api"
}

// fail maps service errors onto HTTP statuses. Unexpected errors are
// logged and reported as 500 without detail.
func (a *API) fail(w http.ResponseWriter, r *http.Request, err error, msg string, kv ...any) {
	var (
		verr   *alert.ValidationError
		cerr   *condition.ValidationError
		schema *routing.SchemaError
	)
	switch {
	case errors.As(err, &verr):
		writeError(w, http.StatusBadRequest, verr.Reason, verr.Field)
	case errors.As(err, &schema):
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "rule failed schema validation", "issues": schema.Issues})
	case errors.Is(err, routing.ErrInvalidRule):
		field := ""
		if errors.As(err, &cerr) {
			field = "conditions." + cerr.Path
		}
		writeError(w, http.StatusBadRequest, err.Error(), field)
	case errors.Is(err, incident.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found", "")
	case errors.Is(err, incident.ErrConflict):
		writeError(w, http.StatusConflict, err.Error(), "")
	case errors.Is(err, context.DeadlineExceeded):
		a.logger.Warn(r.Context(), msg+": timed out", kv...)
		writeError(w, http.StatusServiceUnavailable, "timed out", "")
	default:
		a.logger.Error(r.Context(), err, msg, kv...)
		writeError(w, http.StatusInternalServerError, "internal error", "")
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	// nothing useful to do with an encode error once the header is out
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg, field string) {
	body := map[string]string{"error": msg}
	if field != "" {
		body["field"] = field
	}
	writeJSON(w, status, body)
}
