// Package proxy is the external collaborator contract of spec.md §4.7:
// it normalizes inbound HTTP requests, invokes the Judge, and either
// forwards to the upstream or rejects with 403.
package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httputil"
	"net/url"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sentryguard/waf/internal/waf/judge"
	"github.com/sentryguard/waf/internal/waf/llm"
	"github.com/sentryguard/waf/internal/waf/model"
	"github.com/sentryguard/waf/internal/waf/rulebook"
)

// healthFreshness bounds how recently the LLM Gateway's health_check
// must have succeeded for /health to report ok, per spec.md §4.7.
const healthFreshness = 60 * time.Second

// healthCheckInterval is how often the background health prober calls
// the LLM Gateway's health_check, decoupling /health's latency from the
// LLM round trip.
const healthCheckInterval = 15 * time.Second

// Streamer is the subset of stream.VerdictStreamer the proxy depends on
// for /ws/verdicts.
type Streamer interface {
	HandleWebSocket(w http.ResponseWriter, r *http.Request)
}

// AdminLearner is the subset of learner.Learner the admin surface uses to
// let wafctl force an out-of-band tick.
type AdminLearner interface {
	Tick(ctx context.Context) error
}

// Server wires the HTTP surface described in spec.md §6: the catch-all
// proxy route, /health, /metrics, and /ws/verdicts.
type Server struct {
	judge      *judge.Judge
	rulebook   *rulebook.Store
	llmGateway llm.Gateway
	reverse    *httputil.ReverseProxy
	maxBody    int64
	reqTimeout time.Duration
	streamer   Streamer
	learner    AdminLearner
	adminKey   string

	lastHealthOK atomic.Bool
	lastHealthAt atomic.Int64
}

// Config bundles the Server's construction parameters.
type Config struct {
	Judge          *judge.Judge
	Rulebook       *rulebook.Store
	LLMGateway     llm.Gateway
	UpstreamURL    string
	MaxBodyBytes   int64
	RequestTimeout time.Duration
	Streamer       Streamer
	// Learner, if set, backs the /admin/learner/run endpoint.
	Learner AdminLearner
	// AdminAPIKey, if non-empty, is required as a Bearer token on every
	// /admin/* request.
	AdminAPIKey string
}

// New builds the router-backed Server. UpstreamURL must parse as an
// absolute URL; a parse failure is a startup-fatal configuration error.
func New(cfg Config) (*Server, error) {
	upstream, err := url.Parse(cfg.UpstreamURL)
	if err != nil {
		return nil, err
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 5 * time.Second
	}

	s := &Server{
		judge:      cfg.Judge,
		rulebook:   cfg.Rulebook,
		llmGateway: cfg.LLMGateway,
		maxBody:    cfg.MaxBodyBytes,
		reqTimeout: cfg.RequestTimeout,
		streamer:   cfg.Streamer,
		learner:    cfg.Learner,
		adminKey:   cfg.AdminAPIKey,
	}
	s.reverse = httputil.NewSingleHostReverseProxy(upstream)
	return s, nil
}

// RunHealthProbe periodically calls the LLM Gateway's health_check and
// records the result, until stopCh is closed. Intended to run in its
// own goroutine alongside the HTTP server.
func (s *Server) RunHealthProbe(stopCh <-chan struct{}) {
	s.probeOnce()
	ticker := time.NewTicker(healthCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.probeOnce()
		case <-stopCh:
			return
		}
	}
}

func (s *Server) probeOnce() {
	if s.llmGateway == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	err := s.llmGateway.HealthCheck(ctx)
	cancel()
	s.lastHealthOK.Store(err == nil)
	s.lastHealthAt.Store(time.Now().Unix())
}

// Router builds the gorilla/mux router: catch-all proxy, /health,
// /metrics, /ws/verdicts.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	if s.streamer != nil {
		r.HandleFunc("/ws/verdicts", s.streamer.HandleWebSocket)
	}

	admin := r.PathPrefix("/admin").Subrouter()
	admin.Use(s.requireAdminKey)
	admin.HandleFunc("/rules", s.handleListRules).Methods(http.MethodGet)
	admin.HandleFunc("/rules", s.handleAddRule).Methods(http.MethodPost)
	admin.HandleFunc("/learner/run", s.handleLearnerRun).Methods(http.MethodPost)

	r.PathPrefix("/").HandlerFunc(s.handleProxy)
	return r
}

// requireAdminKey rejects /admin/* requests with a missing or wrong bearer
// token, when an AdminAPIKey was configured. With no key configured the
// admin surface is left open, matching an operator-tooling-only deployment.
func (s *Server) requireAdminKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.adminKey == "" {
			next.ServeHTTP(w, r)
			return
		}
		if r.Header.Get("Authorization") != "Bearer "+s.adminKey {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// handleListRules returns the current rulebook snapshot, for `wafctl
// rules list`.
func (s *Server) handleListRules(w http.ResponseWriter, r *http.Request) {
	snapshot := s.rulebook.SnapshotNow()
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(snapshot)
}

// handleAddRule appends a human-authored rule and republishes the
// rulebook, for `wafctl rules add`.
func (s *Server) handleAddRule(w http.ResponseWriter, r *http.Request) {
	var rule model.Rule
	if err := json.NewDecoder(r.Body).Decode(&rule); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	if rule.Pattern == "" || rule.ThreatType == "" || rule.Action == "" {
		http.Error(w, "pattern, threat_type and action are required", http.StatusBadRequest)
		return
	}
	if rule.ID == "" {
		rule.ID = uuid.NewString()
	}
	rule.CreatedBy = "human"
	rule.CreatedAt = time.Now().UTC().Format("2006-01-02T15:04:05Z")

	current := s.rulebook.SnapshotNow()
	rules := append(append([]model.Rule{}, current.Rules...), rule)
	next, err := s.rulebook.Publish(rules)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(next)
}

// handleLearnerRun forces an out-of-band Learner tick, for `wafctl
// learner run`. It blocks until the tick completes, bounded by the
// request's own deadline, and reports the outcome.
func (s *Server) handleLearnerRun(w http.ResponseWriter, r *http.Request) {
	if s.learner == nil {
		http.Error(w, "learner not configured", http.StatusNotImplemented)
		return
	}
	if err := s.learner.Tick(r.Context()); err != nil {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// handleProxy normalizes the request, invokes the Judge, and either
// rejects with 403 or forwards to upstream, relaying the response
// verbatim.
func (s *Server) handleProxy(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), s.reqTimeout)
	defer cancel()

	payload, err := normalize(r, s.maxBody)
	if err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	decision := s.judge.Evaluate(ctx, payload)
	if !decision.Allowed() {
		s.writeBlocked(w, decision)
		return
	}
	if decision.Kind == model.DecisionFlag {
		slog.Warn("proxy: flagged request forwarded", "path", payload.Path, "reason", decision.Reason, "threat", decision.Threat.String())
	}

	r2 := r.Clone(ctx)
	s.reverse.ServeHTTP(w, r2)
}

func (s *Server) writeBlocked(w http.ResponseWriter, decision model.JudgeDecision) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusForbidden)
	json.NewEncoder(w).Encode(map[string]string{
		"error":  "blocked",
		"reason": decision.Reason,
	})
}

// handleHealth reports 200 iff the Rulebook Store is loaded and the LLM
// Gateway's last health_check succeeded within healthFreshness.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	rulebookOK := s.rulebook != nil && s.rulebook.SnapshotNow() != nil

	fresh := time.Since(time.Unix(s.lastHealthAt.Load(), 0)) <= healthFreshness
	llmOK := fresh && s.lastHealthOK.Load()

	status := http.StatusOK
	if !rulebookOK || !llmOK {
		status = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"ok":       status == http.StatusOK,
		"rulebook": rulebookOK,
		"llm":      llmOK,
	})
}

// normalize converts a stdlib http.Request into the Judge's
// model.RequestPayload: method uppercased, header names lowercased,
// body materialized up to maxBody. r.Body is replaced so the full body
// can still be forwarded upstream.
func normalize(r *http.Request, maxBody int64) (model.RequestPayload, error) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBody))
	if err != nil {
		return model.RequestPayload{}, err
	}
	r.Body = io.NopCloser(io.MultiReader(bytes.NewReader(body), r.Body))

	headers := make(map[string]string, len(r.Header))
	for k, v := range r.Header {
		if len(v) > 0 {
			headers[strings.ToLower(k)] = v[0]
		}
	}

	query := make([]model.QueryPair, 0)
	for name, values := range r.URL.Query() {
		for _, v := range values {
			query = append(query, model.QueryPair{Name: name, Value: v})
		}
	}
	sort.SliceStable(query, func(i, j int) bool { return query[i].Name < query[j].Name })

	return model.RequestPayload{
		Method:    strings.ToUpper(r.Method),
		Path:      r.URL.Path,
		Query:     query,
		Headers:   headers,
		Body:      body,
		SourceIP:  r.RemoteAddr,
		UserAgent: r.UserAgent(),
	}, nil
}
