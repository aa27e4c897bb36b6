// Package gateway is the front door: an HTTP API plus a websocket event
// stream, backed by a bounded worker pool.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"strconv"

	"github.com/gorilla/websocket"

	"github.com/gateclaw/gateclaw/pkg/agent"
	"github.com/gateclaw/gateclaw/pkg/approval"
	"github.com/gateclaw/gateclaw/pkg/config"
	"github.com/gateclaw/gateclaw/pkg/logger"
	"github.com/gateclaw/gateclaw/pkg/pipeline"
	"github.com/gateclaw/gateclaw/pkg/providers"
	"github.com/gateclaw/gateclaw/pkg/session"
	"github.com/gateclaw/gateclaw/pkg/swarm"
	"github.com/gateclaw/gateclaw/pkg/trace"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// the UI is served from the same origin in production; the check is
	// relaxed for local tooling
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Deps carries everything the server fronts.
type Deps struct {
	Config     *config.Config
	ConfigPath string
	Brain      *agent.Brain
	Swarm      *swarm.Orchestrator
	Router     *providers.Router
	Recorder   *trace.Recorder
	Broker     *approval.Broker
	Sessions   *session.Manager
	Hub        *Hub
}

type Server struct {
	deps   Deps
	pool   *Pool
	server *http.Server
}

func NewServer(deps Deps) *Server {
	cfg := deps.Config.Gateway
	return &Server{
		deps: deps,
		pool: NewPool(cfg.Workers, cfg.QueueSize),
	}
}

// Handler builds the route table; exposed for tests.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws", s.handleWS)
	mux.HandleFunc("POST /api/chat", s.handleChat)
	mux.HandleFunc("POST /api/swarm", s.handleSwarm)
	mux.HandleFunc("GET /api/traces", s.handleListTraces)
	mux.HandleFunc("GET /api/traces/stats", s.handleTraceStats)
	mux.HandleFunc("GET /api/traces/{id}", s.handleGetTrace)
	mux.HandleFunc("GET /api/providers/stats", s.handleProviderStats)
	mux.HandleFunc("GET /api/approvals", s.handleListApprovals)
	mux.HandleFunc("GET /api/sessions", s.handleListSessions)
	mux.HandleFunc("GET /api/config", s.handleGetConfig)
	mux.HandleFunc("PUT /api/config", s.handlePutConfig)
	return mux
}

func (s *Server) Start() error {
	addr := s.deps.Config.Gateway.ListenAddr
	s.server = &http.Server{Addr: addr, Handler: s.Handler()}
	go func() {
		logger.InfoCF("gateway", "HTTP server starting", map[string]any{"addr": addr})
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.ErrorCF("gateway", "HTTP server error", map[string]any{"error": err.Error()})
		}
	}()
	return nil
}

func (s *Server) Stop(ctx context.Context) error {
	if err := s.pool.Shutdown(ctx); err != nil {
		return err
	}
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	s.deps.Hub.Attach(conn)
}

type chatRequest struct {
	SessionID string `json:"session_id"`
	Message   string `json:"message"`
	Profile   string `json:"profile,omitempty"`
}

type chatResponse struct {
	Reply   string `json:"reply"`
	TraceID string `json:"trace_id"`
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Message == "" {
		writeError(w, http.StatusBadRequest, "session_id and message are required")
		return
	}
	if req.SessionID == "" {
		req.SessionID = "default"
	}
	var profile *agent.Profile
	if req.Profile != "" {
		if profile = agent.LookupProfile(req.Profile); profile == nil {
			writeError(w, http.StatusBadRequest, "unknown profile: "+req.Profile)
			return
		}
	}

	type outcome struct {
		res *agent.TurnResult
		err error
	}
	done := make(chan outcome, 1)
	job := func() {
		res, err := s.deps.Brain.RunTurn(r.Context(), req.SessionID, req.Message, profile, s.deps.Hub)
		done <- outcome{res, err}
	}
	if err := s.pool.Submit(job); err != nil {
		writeError(w, http.StatusServiceUnavailable, "server is at capacity, retry later")
		return
	}

	out := <-done
	if out.err != nil {
		status := errorStatus(out.err)
		writeError(w, status, userMessage(out.err))
		return
	}
	writeJSON(w, http.StatusOK, chatResponse{Reply: out.res.Text, TraceID: out.res.TraceID})
}

type swarmRequest struct {
	Task string `json:"task"`
}

func (s *Server) handleSwarm(w http.ResponseWriter, r *http.Request) {
	if s.deps.Swarm == nil {
		writeError(w, http.StatusNotImplemented, "swarm mode is disabled")
		return
	}
	var req swarmRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Task == "" {
		writeError(w, http.StatusBadRequest, "task is required")
		return
	}

	type outcome struct {
		res *swarm.Result
		err error
	}
	done := make(chan outcome, 1)
	job := func() {
		res, err := s.deps.Swarm.Run(r.Context(), req.Task)
		done <- outcome{res, err}
	}
	if err := s.pool.Submit(job); err != nil {
		writeError(w, http.StatusServiceUnavailable, "server is at capacity, retry later")
		return
	}

	out := <-done
	if out.err != nil {
		writeError(w, errorStatus(out.err), userMessage(out.err))
		return
	}
	writeJSON(w, http.StatusOK, out.res)
}

func (s *Server) handleListTraces(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 50)
	if q := r.URL.Query().Get("q"); q != "" {
		writeJSON(w, http.StatusOK, s.deps.Recorder.Search(q, limit))
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Recorder.List(limit))
}

func (s *Server) handleGetTrace(w http.ResponseWriter, r *http.Request) {
	t, ok := s.deps.Recorder.Get(r.PathValue("id"))
	if !ok {
		writeError(w, http.StatusNotFound, "trace not found")
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) handleTraceStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Recorder.Stats())
}

func (s *Server) handleProviderStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Router.Stats())
}

func (s *Server) handleListApprovals(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"pending": s.deps.Broker.Pending(),
		"history": s.deps.Broker.History(20),
	})
}

func (s *Server) handleListSessions(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Sessions.List())
}

// handleGetConfig emits the flattened config with credentials masked.
// The flatten deep-copies, so the live config is never touched.
func (s *Server) handleGetConfig(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Config.FlattenRedacted())
}

func (s *Server) handlePutConfig(w http.ResponseWriter, r *http.Request) {
	if s.deps.ConfigPath == "" {
		writeError(w, http.StatusNotImplemented, "config persistence is not configured")
		return
	}
	var updated config.Config
	if err := json.NewDecoder(r.Body).Decode(&updated); err != nil {
		writeError(w, http.StatusBadRequest, "invalid config payload")
		return
	}
	data, err := json.MarshalIndent(&updated, "", "  ")
	if err != nil {
		writeError(w, http.StatusInternalServerError, "could not encode config")
		return
	}
	if err := writeFileAtomic(s.deps.ConfigPath, data); err != nil {
		logger.ErrorCF("gateway", "persisting config", map[string]any{"error": err.Error()})
		writeError(w, http.StatusInternalServerError, "could not persist config")
		return
	}
	logger.InfoC("gateway", "config updated, restart required for some changes")
	writeJSON(w, http.StatusOK, updated.FlattenRedacted())
}

func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".config-*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), path)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func queryInt(r *http.Request, key string, def int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return n
}

// errorStatus maps pipeline failures onto HTTP statuses.
func errorStatus(err error) int {
	switch {
	case errors.Is(err, pipeline.ErrResourceExhausted):
		return http.StatusServiceUnavailable
	case errors.Is(err, pipeline.ErrProviderUnavailable):
		return http.StatusBadGateway
	case errors.Is(err, pipeline.ErrDeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// userMessage keeps internals out of user-facing errors.
func userMessage(err error) string {
	switch {
	case errors.Is(err, pipeline.ErrResourceExhausted):
		return "too many concurrent requests"
	case errors.Is(err, pipeline.ErrProviderUnavailable):
		return "no language model endpoint is currently available"
	case errors.Is(err, pipeline.ErrDeadlineExceeded):
		return "the request timed out before completing"
	default:
		return "internal error, see trace for details"
	}
}
