package alertapi

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/warden/internal/alert"
	"github.com/linnemanlabs/warden/internal/dispatch"
	"github.com/linnemanlabs/warden/internal/incident"
)

// groupScope resolves the workspace and the {id} URL parameter.
func (a *API) groupScope(w http.ResponseWriter, r *http.Request) (ws, id string, ok bool) {
	ws, ok = a.workspace(w, r)
	if !ok {
		return "", "", false
	}
	id = chi.URLParam(r, "id")
	trace.SpanFromContext(r.Context()).SetAttributes(attribute.String("warden.group_id", id))
	return ws, id, true
}

func (a *API) handleGetGroup(w http.ResponseWriter, r *http.Request) {
	ws, id, ok := a.groupScope(w, r)
	if !ok {
		return
	}
	g, err := a.svc.Get(r.Context(), ws, id)
	if err != nil {
		a.fail(w, r, err, "failed to get group", "group_id", id)
		return
	}
	writeJSON(w, http.StatusOK, groupView(g))
}

func (a *API) handleAcknowledge(w http.ResponseWriter, r *http.Request) {
	ws, id, ok := a.groupScope(w, r)
	if !ok {
		return
	}
	g, err := a.svc.Acknowledge(r.Context(), ws, id, actor(r))
	if err != nil {
		a.fail(w, r, err, "failed to acknowledge group", "group_id", id)
		return
	}
	writeJSON(w, http.StatusOK, groupView(g))
}

func (a *API) handleResolve(w http.ResponseWriter, r *http.Request) {
	ws, id, ok := a.groupScope(w, r)
	if !ok {
		return
	}
	g, err := a.svc.Resolve(r.Context(), ws, id, actor(r))
	if err != nil {
		a.fail(w, r, err, "failed to resolve group", "group_id", id)
		return
	}
	writeJSON(w, http.StatusOK, groupView(g))
}

type snoozeRequest struct {
	DurationMinutes int `json:"durationMinutes"`
}

func (a *API) handleSnooze(w http.ResponseWriter, r *http.Request) {
	ws, id, ok := a.groupScope(w, r)
	if !ok {
		return
	}
	var req snoozeRequest
	// an empty body takes the default duration
	if !decodeOptionalBody(w, r, &req) {
		return
	}
	if req.DurationMinutes < 0 {
		writeError(w, http.StatusBadRequest, "must be >= 0", "durationMinutes")
		return
	}
	g, err := a.svc.Snooze(r.Context(), ws, id, req.DurationMinutes, actor(r))
	if err != nil {
		a.fail(w, r, err, "failed to snooze group", "group_id", id)
		return
	}
	minutes := req.DurationMinutes
	if minutes == 0 {
		minutes = incident.DefaultSnoozeMinutes
	}
	writeJSON(w, http.StatusOK, alert.SnoozeConfig{
		GroupID:         g.ID,
		DurationMinutes: minutes,
		SnoozeUntil:     *g.SnoozeUntil,
		SnoozedBy:       g.SnoozedBy,
	})
}

func (a *API) handleGetCorrelation(w http.ResponseWriter, r *http.Request) {
	ws, id, ok := a.groupScope(w, r)
	if !ok {
		return
	}
	c, err := a.svc.GetCorrelation(r.Context(), ws, id)
	if err != nil {
		a.fail(w, r, err, "failed to get correlation", "group_id", id)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (a *API) handleNotifications(w http.ResponseWriter, r *http.Request) {
	ws, id, ok := a.groupScope(w, r)
	if !ok {
		return
	}
	attempts, err := a.svc.Notifications(r.Context(), ws, id)
	if err != nil {
		a.fail(w, r, err, "failed to list notifications", "group_id", id)
		return
	}
	if attempts == nil {
		attempts = []dispatch.Attempt{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"notifications": attempts})
}

// groupResponse adds derived fields to a group.
type groupResponse struct {
	*alert.Group
	Velocity float64 `json:"velocity"`
}

func groupView(g *alert.Group) groupResponse {
	return groupResponse{Group: g, Velocity: g.Velocity(time.Now())}
}
