package alertapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/warden/internal/alert"
	"github.com/linnemanlabs/warden/internal/dedup"
)

// eventRequest is the normalized event accepted on POST /events. The
// workspace always comes from the bearer token, never the body.
type eventRequest struct {
	Source        string            `json:"source"`
	SourceEventID string            `json:"sourceEventId"`
	Project       string            `json:"project"`
	Environment   string            `json:"environment"`
	Severity      alert.Severity    `json:"severity"`
	Fingerprint   string            `json:"fingerprint"`
	Title         string            `json:"title"`
	Message       string            `json:"message"`
	Tags          map[string]string `json:"tags"`
	OccurredAt    *time.Time        `json:"occurredAt"`
	Payload       json.RawMessage   `json:"payload"`
}

func (req *eventRequest) toEvent(workspaceID string, now time.Time) *alert.Event {
	ev := &alert.Event{
		WorkspaceID:   workspaceID,
		Source:        alert.NormalizeSource(req.Source),
		SourceEventID: strings.TrimSpace(req.SourceEventID),
		Project:       req.Project,
		Environment:   req.Environment,
		Severity:      req.Severity,
		Fingerprint:   req.Fingerprint,
		Title:         req.Title,
		Message:       req.Message,
		Tags:          req.Tags,
		OccurredAt:    now,
		Payload:       req.Payload,
	}
	if req.OccurredAt != nil && !req.OccurredAt.IsZero() {
		ev.OccurredAt = *req.OccurredAt
	}
	return ev
}

type ingestResponse struct {
	GroupID       string        `json:"groupId"`
	IsNew         bool          `json:"isNew"`
	Outcome       dedup.Outcome `json:"outcome"`
	Routed        bool          `json:"routed"`
	RuleID        string        `json:"ruleId,omitempty"`
	CorrelationID string        `json:"correlationId,omitempty"`
}

func (a *API) handleIngestEvent(w http.ResponseWriter, r *http.Request) {
	ws, ok := a.workspace(w, r)
	if !ok {
		return
	}
	if !a.limiter.Allow(ws) {
		w.Header().Set("Retry-After", "1")
		writeError(w, http.StatusTooManyRequests, "ingestion rate limit exceeded", "")
		return
	}

	var req eventRequest
	if !decodeBody(w, r, &req) {
		return
	}

	ev := req.toEvent(ws, time.Now())
	span := trace.SpanFromContext(r.Context())
	span.SetAttributes(
		attribute.String("warden.source", string(ev.Source)),
		attribute.String("warden.fingerprint", ev.Fingerprint),
	)

	res, err := a.svc.Ingest(r.Context(), ev)
	if err != nil {
		a.fail(w, r, err, "failed to ingest event", "workspace_id", ws, "fingerprint", ev.Fingerprint)
		return
	}

	span.SetAttributes(
		attribute.String("warden.group_id", res.Group.ID),
		attribute.String("warden.outcome", string(res.Outcome)),
	)

	out := ingestResponse{
		GroupID: res.Group.ID,
		IsNew:   res.IsNew,
		Outcome: res.Outcome,
		Routed:  res.Routed,
		RuleID:  res.RuleID,
	}
	if res.Correlation != nil {
		out.CorrelationID = res.Correlation.ID
	}
	status := http.StatusOK
	if res.IsNew {
		status = http.StatusCreated
	}
	writeJSON(w, status, out)
}

type resolveBySourceRequest struct {
	Source        string `json:"source"`
	SourceEventID string `json:"sourceEventId"`
}

func (a *API) handleResolveBySource(w http.ResponseWriter, r *http.Request) {
	ws, ok := a.workspace(w, r)
	if !ok {
		return
	}
	var req resolveBySourceRequest
	if !decodeBody(w, r, &req) {
		return
	}
	switch {
	case strings.TrimSpace(req.Source) == "":
		writeError(w, http.StatusBadRequest, "required", "source")
		return
	case strings.TrimSpace(req.SourceEventID) == "":
		writeError(w, http.StatusBadRequest, "required", "sourceEventId")
		return
	}

	g, err := a.svc.ResolveBySourceEvent(r.Context(), ws, alert.NormalizeSource(req.Source), strings.TrimSpace(req.SourceEventID), actor(r))
	if err != nil {
		a.fail(w, r, err, "failed to resolve by source event", "workspace_id", ws, "source", req.Source, "source_event_id", req.SourceEventID)
		return
	}
	writeJSON(w, http.StatusOK, groupView(g))
}

// decodeBody reads one JSON object into v, writing 400 on failure.
// Validation errors raised while decoding keep their field.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	return decodeJSON(w, r, v, false)
}

// decodeOptionalBody is decodeBody for routes where an empty body, chunked
// or not, leaves v at its zero value.
func decodeOptionalBody(w http.ResponseWriter, r *http.Request, v any) bool {
	return decodeJSON(w, r, v, true)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any, optional bool) bool {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxDocBytes))
	if err := dec.Decode(v); err != nil {
		if optional && errors.Is(err, io.EOF) {
			return true
		}
		var verr *alert.ValidationError
		if errors.As(err, &verr) {
			writeError(w, http.StatusBadRequest, verr.Reason, verr.Field)
			return false
		}
		writeError(w, http.StatusBadRequest, "invalid JSON body", "")
		return false
	}
	return true
}
