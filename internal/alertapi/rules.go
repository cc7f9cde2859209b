package alertapi

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/warden/internal/alert"
	"github.com/linnemanlabs/warden/internal/routing"
)

func (a *API) handleListRules(w http.ResponseWriter, r *http.Request) {
	ws, ok := a.workspace(w, r)
	if !ok {
		return
	}
	rules, err := a.svc.ListRules(r.Context(), ws)
	if err != nil {
		a.fail(w, r, err, "failed to list rules", "workspace_id", ws)
		return
	}
	if rules == nil {
		rules = []routing.Rule{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"rules": rules})
}

func (a *API) handleCreateRule(w http.ResponseWriter, r *http.Request) {
	a.saveRule(w, r, "")
}

func (a *API) handlePutRule(w http.ResponseWriter, r *http.Request) {
	a.saveRule(w, r, chi.URLParam(r, "id"))
}

func (a *API) saveRule(w http.ResponseWriter, r *http.Request, id string) {
	ws, ok := a.workspace(w, r)
	if !ok {
		return
	}
	doc, ok := readDoc(w, r)
	if !ok {
		return
	}
	rule, created, err := a.svc.PutRule(r.Context(), ws, id, doc)
	if err != nil {
		a.fail(w, r, err, "failed to save rule", "workspace_id", ws, "rule_id", id)
		return
	}
	trace.SpanFromContext(r.Context()).SetAttributes(attribute.String("warden.rule_id", rule.ID))
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, rule)
}

func (a *API) handleDeleteRule(w http.ResponseWriter, r *http.Request) {
	ws, ok := a.workspace(w, r)
	if !ok {
		return
	}
	id := chi.URLParam(r, "id")
	if err := a.svc.DeleteRule(r.Context(), ws, id); err != nil {
		a.fail(w, r, err, "failed to delete rule", "workspace_id", ws, "rule_id", id)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type testRuleRequest struct {
	Rule  json.RawMessage     `json:"rule"`
	Alert alert.ForEvaluation `json:"alert"`
}

func (a *API) handleTestRule(w http.ResponseWriter, r *http.Request) {
	ws, ok := a.workspace(w, r)
	if !ok {
		return
	}
	var req testRuleRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if len(req.Rule) == 0 {
		writeError(w, http.StatusBadRequest, "required", "rule")
		return
	}
	res, err := a.svc.TestRule(ws, req.Rule, req.Alert)
	if err != nil {
		a.fail(w, r, err, "failed to test rule", "workspace_id", ws)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// readDoc reads a raw JSON document body.
func readDoc(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	doc, err := io.ReadAll(io.LimitReader(r.Body, maxDocBytes+1))
	if err != nil {
		writeError(w, http.StatusBadRequest, "unreadable body", "")
		return nil, false
	}
	if len(doc) > maxDocBytes {
		writeError(w, http.StatusRequestEntityTooLarge, "rule document too large", "")
		return nil, false
	}
	if !json.Valid(doc) {
		writeError(w, http.StatusBadRequest, "invalid JSON body", "")
		return nil, false
	}
	return doc, true
}
