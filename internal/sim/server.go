// Package sim implements an in-process stand-in for the casework pipeline
// server: the same wire surface, driven by scripted extraction agents whose
// confidence reacts to the submitted text. It exists so the clarification
// loop can be exercised end to end without the real backend.
package sim

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/cors"

	"casework/internal/api"
	"casework/internal/metrics"
)

const sessionHeader = "X-Casework-Session"

// Config tunes the simulator.
type Config struct {
	// Token, when set, is required as a bearer token on every request.
	Token string

	// StepDelay is the pause between agent phase transitions.
	StepDelay time.Duration

	Log *slog.Logger
}

func (c Config) withDefaults() Config {
	if c.StepDelay <= 0 {
		c.StepDelay = 400 * time.Millisecond
	}
	if c.Log == nil {
		c.Log = slog.Default()
	}
	return c
}

// Server is the simulated pipeline backend.
type Server struct {
	cfg      Config
	log      *slog.Logger
	agents   []agentSpec
	metrics  *metrics.Collector
	upgrader websocket.Upgrader

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	sessions map[string]struct{}
	jobs     map[string]*simJob
	order    []string
}

// New creates a simulator.
func New(cfg Config) *Server {
	cfg = cfg.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		cfg:     cfg,
		log:     cfg.Log,
		agents:  defaultAgents,
		metrics: metrics.NewCollector(),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		ctx:      ctx,
		cancel:   cancel,
		sessions: make(map[string]struct{}),
		jobs:     make(map[string]*simJob),
	}
}

// Shutdown aborts in-flight agent walks. In-memory state stays readable.
func (s *Server) Shutdown() {
	s.cancel()
}

// Handler returns the full HTTP surface, CORS included, ready for an
// http.Server or httptest.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /api/v1/session", s.handleSession)
	mux.HandleFunc("POST /api/v1/jobs", s.withSession(s.handleSubmit))
	mux.HandleFunc("GET /api/v1/jobs", s.withSession(s.handleList))
	mux.HandleFunc("GET /api/v1/jobs/{id}/status", s.withSession(s.handleStatus))
	mux.HandleFunc("GET /api/v1/jobs/{id}/events", s.withSession(s.handleEvents))
	mux.HandleFunc("GET /api/v1/stats", s.withSession(s.handleStats))

	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	c := cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"*"},
	})
	return c.Handler(mux)
}

// =============================================================================
// HANDLERS
// =============================================================================

func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(r) {
		writeError(w, http.StatusUnauthorized, "invalid token")
		return
	}

	token := uuid.NewString()
	s.mu.Lock()
	s.sessions[token] = struct{}{}
	s.mu.Unlock()

	s.log.Debug("session opened")
	writeJSON(w, http.StatusOK, map[string]any{
		"token":     token,
		"expiresAt": time.Now().Add(time.Hour).Unix(),
	})
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var sub api.Submission
	if err := json.NewDecoder(r.Body).Decode(&sub); err != nil {
		writeError(w, http.StatusBadRequest, "malformed submission")
		return
	}
	if sub.Kind != "report" && sub.Kind != "query" {
		writeError(w, http.StatusBadRequest, "kind must be report or query")
		return
	}
	if strings.TrimSpace(sub.Input) == "" {
		writeError(w, http.StatusBadRequest, "input must not be empty")
		return
	}

	j := newSimJob("job-"+uuid.NewString(), sub.Kind, sub.Input)
	s.mu.Lock()
	s.jobs[j.id] = j
	s.order = append(s.order, j.id)
	s.mu.Unlock()

	s.metrics.RecordJobSubmitted()
	s.log.Info("job accepted", "job", j.id, "kind", sub.Kind)
	go s.run(s.ctx, j)

	writeJSON(w, http.StatusCreated, map[string]string{"jobId": j.id})
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	summaries := make([]api.JobSummary, 0, len(s.order))
	for _, id := range s.order {
		j := s.jobs[id]
		summaries = append(summaries, api.JobSummary{
			JobID:     j.id,
			Kind:      j.kind,
			Overall:   j.overall(),
			CreatedAt: j.created,
		})
	}
	s.mu.Unlock()

	// Newest first.
	sort.SliceStable(summaries, func(a, b int) bool {
		return summaries[a].CreatedAt.After(summaries[b].CreatedAt)
	})
	writeJSON(w, http.StatusOK, map[string]any{"jobs": summaries})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	started := time.Now()
	defer func() {
		s.metrics.RecordTiming(metrics.OpStatusPoll, time.Since(started))
	}()

	j := s.job(r.PathValue("id"))
	if j == nil {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	writeJSON(w, http.StatusOK, j.snapshot())
}

// handleEvents upgrades to a WebSocket and streams agent transitions: the
// backlog first, then live ones. The stream just ends when the job settles.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	j := s.job(r.PathValue("id"))
	if j == nil {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	ch, backlog, live := j.subscribe()
	if live {
		defer j.unsubscribe(ch)
	}

	for _, ev := range backlog {
		if err := conn.WriteJSON(ev); err != nil {
			return
		}
	}
	if !live {
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = conn.WriteMessage(websocket.CloseMessage, msg)
		return
	}

	for ev := range ch {
		if err := conn.WriteJSON(ev); err != nil {
			return
		}
	}
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = conn.WriteMessage(websocket.CloseMessage, msg)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	snap := s.metrics.Snapshot()
	writeJSON(w, http.StatusOK, api.ServerStats{
		UptimeSeconds: snap.UptimeSeconds,
		JobsSubmitted: int(snap.JobsSubmitted),
		JobsCompleted: int(snap.JobsCompleted),
		JobsFailed:    int(snap.JobsFailed),
		AgentRun:      opStats(snap.AgentRun),
		ToolCall:      opStats(snap.ToolCall),
		StatusPoll:    opStats(snap.StatusPoll),
	})
}

func opStats(s *metrics.OperationSnapshot) *api.OperationStats {
	if s == nil {
		return nil
	}
	return &api.OperationStats{
		Count:       int(s.Count),
		TotalTimeMs: s.TotalTimeMs,
		AvgTimeMs:   s.AvgTimeMs,
		MinTimeMs:   s.MinTimeMs,
		MaxTimeMs:   s.MaxTimeMs,
	}
}

// =============================================================================
// PLUMBING
// =============================================================================

func (s *Server) job(id string) *simJob {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.jobs[id]
}

// authorized checks the bearer token when the simulator requires one.
func (s *Server) authorized(r *http.Request) bool {
	if s.cfg.Token == "" {
		return true
	}
	return r.Header.Get("Authorization") == "Bearer "+s.cfg.Token
}

// withSession guards job endpoints behind the session handshake.
func (s *Server) withSession(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.authorized(r) {
			writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}

		token := r.Header.Get(sessionHeader)
		s.mu.Lock()
		_, ok := s.sessions[token]
		s.mu.Unlock()
		if !ok {
			writeError(w, http.StatusUnauthorized, "unknown session")
			return
		}
		next(w, r)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
