package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/marcus-qen/tabwarden/internal/bridge"
	"github.com/marcus-qen/tabwarden/internal/engine"
	"github.com/marcus-qen/tabwarden/internal/events"
	"github.com/marcus-qen/tabwarden/internal/rules"
	"github.com/marcus-qen/tabwarden/internal/shared/duration"
	"github.com/marcus-qen/tabwarden/internal/snooze"
	"github.com/marcus-qen/tabwarden/internal/tabs"
)

func (a *API) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	fmt.Fprintln(w, "ok")
}

func (a *API) handleVersion(w http.ResponseWriter, r *http.Request) {
	_ = json.NewEncoder(w).Encode(map[string]string{
		"version": a.version, "commit": a.commit, "date": a.date,
	})
}

// ── Rules CRUD ───────────────────────────────────────────────

func (a *API) handleListRules(w http.ResponseWriter, r *http.Request) {
	list, err := a.rules.List()
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(list)
}

func (a *API) handleGetRule(w http.ResponseWriter, r *http.Request) {
	rule, err := a.rules.Get(r.PathValue("id"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(rule)
}

func (a *API) handleCreateRule(w http.ResponseWriter, r *http.Request) {
	rule, ok := a.decodeRule(w, r)
	if !ok {
		return
	}
	if rule.ID != "" {
		if _, err := a.rules.Get(rule.ID); err == nil {
			writeJSONError(w, http.StatusConflict, "conflict", "rule already exists")
			return
		}
	}
	created, err := a.rules.Create(*rule)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}
	a.ruleChanged(created.ID, "rule created")
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(created)
}

func (a *API) handleUpdateRule(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	rule, ok := a.decodeRule(w, r)
	if !ok {
		return
	}
	if rule.ID != "" && rule.ID != id {
		writeJSONError(w, http.StatusBadRequest, "invalid_request", "rule id in body does not match URL")
		return
	}
	rule.ID = id

	updated, err := a.rules.Update(*rule)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	a.ruleChanged(updated.ID, "rule updated")
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(updated)
}

func (a *API) handleDeleteRule(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := a.rules.Delete(id); err != nil {
		writeStoreError(w, err)
		return
	}
	if a.sched != nil {
		a.sched.RemoveRule(id)
	}
	a.publishEvent(events.Event{Type: events.RulesChanged, RuleID: id, Summary: "rule deleted"})
	w.WriteHeader(http.StatusNoContent)
}

// decodeRule reads and validates one rule document from the request body.
// YAML and JSON both work; ParseDocument owns the shape.
func (a *API) decodeRule(w http.ResponseWriter, r *http.Request) (*rules.Rule, bool) {
	data, err := io.ReadAll(r.Body)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid_request", "cannot read request body")
		return nil, false
	}
	rule, err := rules.ParseDocument(data)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid_rule", err.Error())
		return nil, false
	}
	return rule, true
}

// ruleChanged reconciles the scheduler with a stored rule and tells the
// event stream.
func (a *API) ruleChanged(ruleID, summary string) {
	if a.sched != nil {
		if rule, err := a.rules.Get(ruleID); err == nil {
			a.sched.ApplyRule(*rule)
		}
	}
	a.publishEvent(events.Event{Type: events.RulesChanged, RuleID: ruleID, Summary: summary})
}

func (a *API) publishEvent(ev events.Event) {
	if a.bus != nil {
		a.bus.Publish(ev)
	}
}

// ── Rule execution ───────────────────────────────────────────

func (a *API) handleRunRule(w http.ResponseWriter, r *http.Request) {
	opts := engine.RunOpts{
		Trigger: rules.TriggerOnAction,
		DryRun:  boolQuery(r, "dryRun"),
		Force:   boolQuery(r, "force"),
	}
	res, err := a.engine.RunRule(r.Context(), r.PathValue("id"), opts)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(res)
}

func (a *API) handleRunRules(w http.ResponseWriter, r *http.Request) {
	var body struct {
		IDs []string `json:"ids"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil && !errors.Is(err, io.EOF) {
		writeJSONError(w, http.StatusBadRequest, "invalid_request", "invalid request")
		return
	}

	opts := engine.RunOpts{
		Trigger: rules.TriggerOnAction,
		DryRun:  boolQuery(r, "dryRun"),
		Force:   boolQuery(r, "force"),
	}

	var (
		batch engine.BatchResult
		err   error
	)
	if len(body.IDs) == 0 {
		batch, err = a.engine.RunAll(r.Context(), opts)
	} else {
		batch, err = a.engine.RunRules(r.Context(), body.IDs, opts)
	}
	if err != nil {
		writeEngineError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(batch)
}

func (a *API) handlePreviewRule(w http.ResponseWriter, r *http.Request) {
	preview, err := a.engine.PreviewRule(r.Context(), r.PathValue("id"))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(preview)
}

func boolQuery(r *http.Request, key string) bool {
	v := r.URL.Query().Get(key)
	return v == "true" || v == "1"
}

// ── Browser state ────────────────────────────────────────────

func (a *API) handleListTabs(w http.ResponseWriter, r *http.Request) {
	snapshot, err := a.engine.Snapshot(r.Context())
	if err != nil {
		writeEngineError(w, err)
		return
	}
	if snapshot == nil {
		snapshot = []*tabs.EnrichedTab{}
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(snapshot)
}

func (a *API) handleListWindows(w http.ResponseWriter, r *http.Request) {
	windows, err := a.drv.QueryWindows(r.Context())
	if err != nil {
		if errors.Is(err, bridge.ErrNotConnected) {
			writeJSONError(w, http.StatusServiceUnavailable, "service_unavailable", "extension not connected")
			return
		}
		writeJSONError(w, http.StatusBadGateway, "bad_gateway", err.Error())
		return
	}
	if windows == nil {
		windows = []tabs.Window{}
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(windows)
}

func (a *API) handleBridgeStatus(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if a.bridge == nil {
		_ = json.NewEncoder(w).Encode(map[string]any{"connected": false})
		return
	}
	_ = json.NewEncoder(w).Encode(map[string]any{
		"connected": a.bridge.Connected(),
		"client":    a.bridge.ClientInfo(),
	})
}

// ── Run log ──────────────────────────────────────────────────

func (a *API) handleListRuns(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeJSONError(w, http.StatusBadRequest, "invalid_request", "limit must be a positive integer")
			return
		}
		limit = n
	}

	runs, err := a.engine.RunLog().List(limit)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}
	if runs == nil {
		runs = []engine.RunRecord{}
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(runs)
}

func (a *API) handleGetRun(w http.ResponseWriter, r *http.Request) {
	rec, err := a.engine.RunLog().Get(r.PathValue("id"))
	if err != nil {
		if errors.Is(err, engine.ErrNoRun) {
			writeJSONError(w, http.StatusNotFound, "not_found", "run not found")
			return
		}
		writeJSONError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(rec)
}

// ── Snooze queue ─────────────────────────────────────────────

func (a *API) handleListSnoozes(w http.ResponseWriter, r *http.Request) {
	recs, err := a.snoozes.List()
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}
	if recs == nil {
		recs = []snooze.WakeRecord{}
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(recs)
}

func (a *API) handleCancelSnooze(w http.ResponseWriter, r *http.Request) {
	if err := a.snoozes.Cancel(r.PathValue("id")); err != nil {
		if errors.Is(err, snooze.ErrNotFound) {
			writeJSONError(w, http.StatusNotFound, "not_found", "snooze record not found")
			return
		}
		writeJSONError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleWakeSnooze(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := a.snoozes.WakeNow(r.Context(), id); err != nil {
		switch {
		case errors.Is(err, snooze.ErrNotFound):
			writeJSONError(w, http.StatusNotFound, "not_found", "snooze record not found")
		case errors.Is(err, bridge.ErrNotConnected):
			writeJSONError(w, http.StatusServiceUnavailable, "service_unavailable", "extension not connected")
		default:
			writeJSONError(w, http.StatusBadGateway, "bad_gateway", err.Error())
		}
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"status": "woken", "id": id})
}

// ── Pairing ──────────────────────────────────────────────────

// handlePair issues a new pairing token. The endpoint skips the auth
// middleware (a fresh install has no token yet) and instead only answers
// loopback peers; the daemon binds 127.0.0.1 unless the operator rebinds
// it on purpose.
func (a *API) handlePair(w http.ResponseWriter, r *http.Request) {
	if !isLoopback(r.RemoteAddr) {
		writeJSONError(w, http.StatusForbidden, "forbidden", "pairing is only allowed from localhost")
		return
	}

	var body struct {
		Name      string `json:"name"`
		ExpiresIn string `json:"expires_in"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid_request", "invalid request")
		return
	}
	if body.Name == "" {
		writeJSONError(w, http.StatusBadRequest, "invalid_request", "name required")
		return
	}

	var expiresAt *time.Time
	if body.ExpiresIn != "" {
		d, err := duration.Parse(body.ExpiresIn)
		if err != nil {
			writeJSONError(w, http.StatusBadRequest, "invalid_request", fmt.Sprintf("expires_in: %s", err))
			return
		}
		t := time.Now().UTC().Add(d)
		expiresAt = &t
	}

	p, token, err := a.pairings.Pair(body.Name, expiresAt)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}

	a.logger.Info("pairing issued", zap.String("name", p.Name), zap.String("prefix", p.TokenPrefix))
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	// The plaintext token appears exactly once; only its hash is stored.
	_ = json.NewEncoder(w).Encode(map[string]any{
		"pairing": p,
		"token":   token,
	})
}

func (a *API) handleListPairings(w http.ResponseWriter, r *http.Request) {
	list := a.pairings.List()
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(list)
}

func (a *API) handleRevokePairing(w http.ResponseWriter, r *http.Request) {
	if err := a.pairings.Revoke(r.PathValue("id")); err != nil {
		if strings.Contains(err.Error(), "not found") {
			writeJSONError(w, http.StatusNotFound, "not_found", "pairing not found")
			return
		}
		writeJSONError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func isLoopback(remoteAddr string) bool {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		host = remoteAddr
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// ── Events SSE stream ────────────────────────────────────────

func (a *API) handleEventsSSE(w http.ResponseWriter, r *http.Request) {
	if a.bus == nil {
		writeJSONError(w, http.StatusInternalServerError, "internal_error", "event bus unavailable")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSONError(w, http.StatusInternalServerError, "internal_error", "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("Access-Control-Allow-Origin", "*")

	subID := fmt.Sprintf("sse-%d", time.Now().UnixNano())
	ch := a.bus.Subscribe(subID)
	defer a.bus.Unsubscribe(subID)

	// Send initial keepalive
	fmt.Fprintf(w, ": connected\n\n")
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case evt, ok := <-ch:
			if !ok {
				return
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", evt.Type, evt.JSON())
			flusher.Flush()
		}
	}
}
