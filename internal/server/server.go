// Package server exposes rule firing, rule listing and firing history
// over HTTP.
//
// Routes:
//
//	POST /rules/{rule}/triggers/{trigger}   fire a trigger (202, or 200 with ?wait=true)
//	GET  /rules                             installed rules
//	GET  /rules/{rule}                      one installed graph
//	GET  /rules/{rule}/firings              recorded firings of a rule
//	GET  /firings/{id}                      one recorded firing
//	GET  /metrics                           Prometheus metrics
//	GET  /health                            liveness
package server

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/roach88/rulegraph/internal/builtin"
	"github.com/roach88/rulegraph/internal/engine"
	"github.com/roach88/rulegraph/internal/ir"
	"github.com/roach88/rulegraph/internal/store"
)

// maxBodyBytes bounds trigger payloads.
const maxBodyBytes = 1 << 20

// Engine is the part of *engine.Engine the server uses.
type Engine interface {
	Fire(ruleID, triggerID string, outputs map[string]ir.Value) (*engine.Firing, error)
	Rule(ruleID string) (*ir.RuleGraph, bool)
	Rules() []*ir.RuleGraph
	State(ruleID string) (engine.State, bool)
	QueueLen(ruleID string) int
}

// History is the part of *store.Store the server uses.
type History interface {
	ListFirings(ctx context.Context, ruleID string, limit int) ([]store.FiringRecord, error)
	GetFiring(ctx context.Context, id string) (store.FiringRecord, error)
}

// Server holds the HTTP handlers.
type Server struct {
	engine      Engine
	history     History
	metrics     http.Handler
	logger      *slog.Logger
	waitTimeout time.Duration
}

// Option configures a Server.
type Option func(*Server)

// WithHistory enables the firing history routes.
func WithHistory(h History) Option {
	return func(s *Server) { s.history = h }
}

// WithMetrics serves h on /metrics.
func WithMetrics(h http.Handler) Option {
	return func(s *Server) { s.metrics = h }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// WithWaitTimeout bounds how long ?wait=true blocks for a result.
func WithWaitTimeout(d time.Duration) Option {
	return func(s *Server) { s.waitTimeout = d }
}

// New creates a server for e.
func New(e Engine, opts ...Option) *Server {
	s := &Server{
		engine:      e,
		logger:      slog.Default(),
		waitTimeout: time.Minute,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler returns the router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics)
	}

	r.Route("/rules", func(r chi.Router) {
		r.Get("/", s.listRules)
		r.Route("/{rule}", func(r chi.Router) {
			r.Get("/", s.getRule)
			r.Post("/triggers/{trigger}", s.fire)
			r.Get("/firings", s.listFirings)
		})
	})
	r.Get("/firings/{id}", s.getFiring)
	return r
}

// FireResponse is the body of an accepted fire request.
type FireResponse struct {
	FiringID string `json:"firing_id"`
	Seq      int64  `json:"seq"`
}

// RuleSummary describes an installed rule.
type RuleSummary struct {
	RuleID   string       `json:"rule_id"`
	Name     string       `json:"name,omitempty"`
	Version  int64        `json:"version"`
	Hash     string       `json:"hash"`
	State    engine.State `json:"state"`
	Pending  int          `json:"pending"`
	Triggers []string     `json:"triggers"`
}

func (s *Server) fire(w http.ResponseWriter, r *http.Request) {
	ruleID := chi.URLParam(r, "rule")
	triggerID := chi.URLParam(r, "trigger")

	g, ok := s.engine.Rule(ruleID)
	if !ok {
		writeError(w, http.StatusNotFound, string(engine.ErrCodeRuleNotFound), fmt.Sprintf("rule %q is not installed", ruleID))
		return
	}
	trigger, ok := g.Trigger(triggerID)
	if !ok {
		writeError(w, http.StatusNotFound, string(engine.ErrCodeUnknownTrigger), fmt.Sprintf("rule %q has no trigger %q", ruleID, triggerID))
		return
	}

	body, err := readObject(w, r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error())
		return
	}

	// A webhook trigger publishes the whole payload as its body output.
	outputs := map[string]ir.Value(body)
	if trigger.Type == builtin.Webhook {
		outputs = map[string]ir.Value{"body": body}
	}

	f, err := s.engine.Fire(ruleID, triggerID, outputs)
	if err != nil {
		s.writeFireError(w, err)
		return
	}

	if !wantWait(r) {
		writeJSON(w, http.StatusAccepted, FireResponse{FiringID: f.ID, Seq: f.Seq})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.waitTimeout)
	defer cancel()
	res, err := f.Wait(ctx)
	if err != nil {
		// The firing still runs; the caller can look it up later.
		writeJSON(w, http.StatusAccepted, FireResponse{FiringID: f.ID, Seq: f.Seq})
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) writeFireError(w http.ResponseWriter, err error) {
	var re *engine.RuntimeError
	if !errors.As(err, &re) {
		s.logger.Error("fire failed", "error", err)
		writeError(w, http.StatusInternalServerError, "INTERNAL", err.Error())
		return
	}
	status := http.StatusInternalServerError
	switch re.Code {
	case engine.ErrCodeRuleNotFound, engine.ErrCodeUnknownTrigger:
		status = http.StatusNotFound
	case engine.ErrCodeQueueFull:
		status = http.StatusTooManyRequests
	case engine.ErrCodeEngineClosed:
		status = http.StatusServiceUnavailable
	}
	writeError(w, status, string(re.Code), re.Message)
}

func (s *Server) listRules(w http.ResponseWriter, _ *http.Request) {
	graphs := s.engine.Rules()
	out := make([]RuleSummary, 0, len(graphs))
	for _, g := range graphs {
		out = append(out, s.summary(g))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) getRule(w http.ResponseWriter, r *http.Request) {
	ruleID := chi.URLParam(r, "rule")
	g, ok := s.engine.Rule(ruleID)
	if !ok {
		writeError(w, http.StatusNotFound, string(engine.ErrCodeRuleNotFound), fmt.Sprintf("rule %q is not installed", ruleID))
		return
	}
	writeJSON(w, http.StatusOK, g)
}

func (s *Server) summary(g *ir.RuleGraph) RuleSummary {
	state, _ := s.engine.State(g.RuleID)
	triggers := make([]string, len(g.Triggers))
	for i, t := range g.Triggers {
		triggers[i] = t.ID
	}
	return RuleSummary{
		RuleID:   g.RuleID,
		Name:     g.Name,
		Version:  g.Version,
		Hash:     g.Hash,
		State:    state,
		Pending:  s.engine.QueueLen(g.RuleID),
		Triggers: triggers,
	}
}

func (s *Server) listFirings(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		writeError(w, http.StatusNotFound, "NO_HISTORY", "firing history is not configured")
		return
	}
	limit, err := intQuery(r, "limit", 50)
	if err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_QUERY", err.Error())
		return
	}
	records, err := s.history.ListFirings(r.Context(), chi.URLParam(r, "rule"), limit)
	if err != nil {
		s.logger.Error("list firings failed", "error", err)
		writeError(w, http.StatusInternalServerError, "INTERNAL", "list firings failed")
		return
	}
	writeJSON(w, http.StatusOK, records)
}

func (s *Server) getFiring(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		writeError(w, http.StatusNotFound, "NO_HISTORY", "firing history is not configured")
		return
	}
	id := chi.URLParam(r, "id")
	rec, err := s.history.GetFiring(r.Context(), id)
	if errors.Is(err, sql.ErrNoRows) {
		writeError(w, http.StatusNotFound, "FIRING_NOT_FOUND", fmt.Sprintf("firing %q not found", id))
		return
	}
	if err != nil {
		s.logger.Error("get firing failed", "firing_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "INTERNAL", "get firing failed")
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// readObject decodes the request body as a JSON object. An empty body is
// an empty object.
func readObject(w http.ResponseWriter, r *http.Request) (ir.Object, error) {
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	if len(data) == 0 {
		return ir.Object{}, nil
	}
	var obj ir.Object
	if err := json.Unmarshal(data, &obj); err != nil {
		return nil, fmt.Errorf("body must be a JSON object: %w", err)
	}
	if obj == nil {
		obj = ir.Object{}
	}
	return obj, nil
}

func wantWait(r *http.Request) bool {
	v, _ := strconv.ParseBool(r.URL.Query().Get("wait"))
	return v
}

func intQuery(r *http.Request, name string, def int) (int, error) {
	s := r.URL.Query().Get(name)
	if s == "" {
		return def, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%s: must be a non-negative integer", name)
	}
	return n, nil
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]any{
		"error": map[string]string{
			"code":    code,
			"message": message,
		},
	})
}
