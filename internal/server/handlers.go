// Package server exposes the read/apply surface for the external
// administrative gateway: counters for observability, configuration
// reload hooks and the retention policy record. Configuration authoring
// itself lives behind the gateway, not here.
package server

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/telhawk-systems/telhawk-syslog/internal/filter"
	"github.com/telhawk-systems/telhawk-syslog/internal/forward"
	"github.com/telhawk-systems/telhawk-syslog/internal/logging"
	"github.com/telhawk-systems/telhawk-syslog/internal/pipeline"
	"github.com/telhawk-systems/telhawk-syslog/internal/retention"
	"github.com/telhawk-systems/telhawk-syslog/internal/source"
)

// Reloader re-applies external configuration (rules, targets,
// signatures).
type Reloader interface {
	Reload(ctx context.Context) error
}

// Handler serves the admin endpoints.
type Handler struct {
	pipeline  *pipeline.Pipeline
	store     *retention.Store
	engine    *filter.Engine
	forwarder *forward.Forwarder
	tracker   *source.Tracker
	reloader  Reloader
	logger    *logging.Logger
}

// NewHandler wires the admin surface.
func NewHandler(p *pipeline.Pipeline, store *retention.Store, engine *filter.Engine,
	fwd *forward.Forwarder, tracker *source.Tracker, reloader Reloader, logger *logging.Logger) *Handler {
	if logger == nil {
		logger = logging.Default()
	}
	return &Handler{
		pipeline:  p,
		store:     store,
		engine:    engine,
		forwarder: fwd,
		tracker:   tracker,
		reloader:  reloader,
		logger:    logger.With(logging.Component("server")),
	}
}

// Health handles health check requests.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

// ruleStats is the per-rule counter view.
type ruleStats struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Priority    int       `json:"priority"`
	Action      string    `json:"action"`
	MatchCount  int64     `json:"match_count"`
	LastMatchAt time.Time `json:"last_match_at,omitempty"`
}

// Stats handles GET /api/v1/stats with an aggregate counter snapshot.
func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	rules := h.engine.Rules()
	rs := make([]ruleStats, 0, len(rules))
	for _, rule := range rules {
		rs = append(rs, ruleStats{
			ID:          rule.ID,
			Name:        rule.Name,
			Priority:    rule.Priority,
			Action:      string(rule.Action),
			MatchCount:  rule.MatchCount(),
			LastMatchAt: rule.LastMatchAt(),
		})
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"pipeline":  h.pipeline.Stats(),
		"retention": h.store.Stats(),
		"targets":   h.forwarder.Stats(),
		"rules":     rs,
		"sources":   h.tracker.Snapshots(),
	})
}

// RetentionPolicy handles GET and PUT of the policy record. PUT applies
// the new policy to the store; the repository write is the caller's
// reload hook's job.
func (h *Handler) RetentionPolicy(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, h.store.Policy())
	case http.MethodPut:
		var p retention.Policy
		if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
			http.Error(w, "invalid policy body", http.StatusBadRequest)
			return
		}
		if err := h.store.SetPolicy(p); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		writeJSON(w, http.StatusOK, p)
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// Reload handles POST /api/v1/reload, re-applying rules and targets from
// the repository.
func (h *Handler) Reload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if h.reloader == nil {
		http.Error(w, "no configuration source", http.StatusServiceUnavailable)
		return
	}
	if err := h.reloader.Reload(r.Context()); err != nil {
		h.logger.Error("reload failed", logging.Error(err))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "reloaded"})
}

// Events handles GET /api/v1/events range queries over the retention
// store.
func (h *Handler) Events(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	q := r.URL.Query()
	var from, to time.Time
	if s := q.Get("from"); s != "" {
		t, err := time.Parse(time.RFC3339, s)
		if err != nil {
			http.Error(w, "invalid from timestamp", http.StatusBadRequest)
			return
		}
		from = t
	}
	if s := q.Get("to"); s != "" {
		t, err := time.Parse(time.RFC3339, s)
		if err != nil {
			http.Error(w, "invalid to timestamp", http.StatusBadRequest)
			return
		}
		to = t
	}
	limit := 100
	if s := q.Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"events": h.store.Query(from, to, limit),
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
