// Package httpapi exposes the analyzer over HTTP: JSON endpoints for one-shot
// analyses, session and approval management, provider introspection, and an
// SSE stream mirroring the per-analysis event feed.
package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/wallbounce/wallbounce/internal/approval"
	"github.com/wallbounce/wallbounce/internal/health"
	"github.com/wallbounce/wallbounce/internal/observe"
	"github.com/wallbounce/wallbounce/internal/orchestrator"
	"github.com/wallbounce/wallbounce/internal/registry"
	"github.com/wallbounce/wallbounce/internal/session"
	"github.com/wallbounce/wallbounce/pkg/types"
)

// statusClientClosedRequest mirrors the nginx convention for a client that
// went away before the response was ready.
const statusClientClosedRequest = 499

// Config wires a [Server].
type Config struct {
	// Orchestrator runs analyses. Required.
	Orchestrator *orchestrator.Orchestrator

	// Registry backs the provider introspection endpoints. Required.
	Registry *registry.Registry

	// Approvals backs the approval endpoints. Optional.
	Approvals *approval.Manager

	// Sessions backs the session endpoints. Optional.
	Sessions *session.Manager

	// Health serves /healthz and /readyz. Optional.
	Health *health.Handler

	// Metrics instruments every route. Optional; defaults to the process
	// metrics.
	Metrics *observe.Metrics
}

// Server is the HTTP surface. Safe for concurrent use.
type Server struct {
	orch      *orchestrator.Orchestrator
	registry  *registry.Registry
	approvals *approval.Manager
	sessions  *session.Manager
	health    *health.Handler
	metrics   *observe.Metrics
}

// New creates a Server.
func New(cfg Config) (*Server, error) {
	if cfg.Orchestrator == nil {
		return nil, errors.New("httpapi: orchestrator is required")
	}
	if cfg.Registry == nil {
		return nil, errors.New("httpapi: registry is required")
	}
	m := cfg.Metrics
	if m == nil {
		m = observe.DefaultMetrics()
	}
	return &Server{
		orch:      cfg.Orchestrator,
		registry:  cfg.Registry,
		approvals: cfg.Approvals,
		sessions:  cfg.Sessions,
		health:    cfg.Health,
		metrics:   m,
	}, nil
}

// Routes returns the fully wired handler.
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /v1/analyze", s.analyze)
	mux.HandleFunc("POST /v1/analyze/stream", s.analyzeStream)
	mux.HandleFunc("POST /v1/analyses/{id}/cancel", s.cancelAnalysis)

	mux.HandleFunc("GET /v1/providers", s.listProviders)
	mux.HandleFunc("GET /v1/providers/health", s.providerHealth)

	if s.approvals != nil {
		mux.HandleFunc("GET /v1/approvals", s.listApprovals)
		mux.HandleFunc("GET /v1/approvals/{id}", s.getApproval)
		mux.HandleFunc("POST /v1/approvals/{id}", s.resolveApproval)
	}

	if s.sessions != nil {
		mux.HandleFunc("POST /v1/sessions", s.createSession)
		mux.HandleFunc("GET /v1/sessions/{id}", s.getSession)
		mux.HandleFunc("DELETE /v1/sessions/{id}", s.deleteSession)
		mux.HandleFunc("GET /v1/users/{userId}/sessions", s.listUserSessions)
	}

	if s.health != nil {
		s.health.Register(mux)
	}
	mux.Handle("GET /metrics", promhttp.Handler())

	return observe.Middleware(s.metrics)(mux)
}

// analyzeRequest is the JSON body of the analyze endpoints. Absent fields
// keep their documented defaults.
type analyzeRequest struct {
	Query            string  `json:"query"`
	TaskType         string  `json:"taskType,omitempty"`
	Mode             string  `json:"mode,omitempty"`
	Depth            int     `json:"depth,omitempty"`
	MinProviders     int     `json:"minProviders,omitempty"`
	ConfidenceFloor  float64 `json:"confidenceFloor,omitempty"`
	ConsensusFloor   float64 `json:"consensusFloor,omitempty"`
	SessionID        string  `json:"sessionId,omitempty"`
	UserID           string  `json:"userId,omitempty"`
	IncludeThinking  bool    `json:"includeThinking,omitempty"`
	RequireConsensus bool    `json:"requireConsensus,omitempty"`
	AutoEscalate     bool    `json:"autoEscalate,omitempty"`
	Eager            bool    `json:"eager,omitempty"`
	SandboxLevel     string  `json:"sandboxLevel,omitempty"`
	AutoMode         bool    `json:"autoMode,omitempty"`
	TimeoutSeconds   int     `json:"timeoutSeconds,omitempty"`
}

// query maps the request body onto the option surface.
func (a analyzeRequest) query() types.Query {
	opts := types.DefaultOptions()
	if a.TaskType != "" {
		opts.TaskType = types.TaskType(a.TaskType)
	}
	if a.Mode != "" {
		opts.Mode = types.Mode(a.Mode)
	}
	if a.Depth != 0 {
		opts.Depth = a.Depth
	}
	if a.MinProviders != 0 {
		opts.MinProviders = a.MinProviders
	}
	if a.ConfidenceFloor != 0 {
		opts.ConfidenceFloor = a.ConfidenceFloor
	}
	if a.ConsensusFloor != 0 {
		opts.ConsensusFloor = a.ConsensusFloor
	}
	if a.SandboxLevel != "" {
		opts.SandboxLevel = types.SandboxLevel(a.SandboxLevel)
	}
	if a.TimeoutSeconds > 0 {
		opts.WholeDispatchTimeout = time.Duration(a.TimeoutSeconds) * time.Second
	}
	opts.SessionID = a.SessionID
	opts.UserID = a.UserID
	opts.IncludeThinking = a.IncludeThinking
	opts.RequireConsensus = a.RequireConsensus
	opts.AutoEscalate = a.AutoEscalate
	opts.Eager = a.Eager
	opts.AutoMode = a.AutoMode
	return types.Query{Text: a.Query, Options: opts}
}

func (s *Server) analyze(w http.ResponseWriter, r *http.Request) {
	var body analyzeRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeFault(w, types.InvalidInput("malformed request body"))
		return
	}

	res, err := s.orch.Analyze(r.Context(), body.query())
	if err != nil {
		writeFault(w, types.FaultOf(err))
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) cancelAnalysis(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if !s.orch.Cancel(id) {
		writeJSON(w, http.StatusNotFound,
			map[string]any{"error": types.InvalidInput("no running analysis with that id")})
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"analysisId": id, "canceled": true})
}

func (s *Server) listProviders(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"providers": s.registry.Descriptors()})
}

func (s *Server) providerHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"providers": s.registry.HealthCheckAll(r.Context())})
}

func (s *Server) listApprovals(w http.ResponseWriter, _ *http.Request) {
	pending := s.approvals.Pending()
	if pending == nil {
		pending = []types.ApprovalRequest{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"approvals": pending})
}

func (s *Server) getApproval(w http.ResponseWriter, r *http.Request) {
	req, ok := s.approvals.Get(r.PathValue("id"))
	if !ok {
		writeJSON(w, http.StatusNotFound,
			map[string]any{"error": types.InvalidInput("unknown approval request")})
		return
	}
	writeJSON(w, http.StatusOK, req)
}

func (s *Server) resolveApproval(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Approve bool `json:"approve"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeFault(w, types.InvalidInput("malformed request body"))
		return
	}

	req, err := s.approvals.Resolve(r.PathValue("id"), body.Approve)
	if err != nil {
		writeFault(w, types.FaultOf(err))
		return
	}
	writeJSON(w, http.StatusOK, req)
}

func (s *Server) createSession(w http.ResponseWriter, r *http.Request) {
	var body struct {
		UserID       string `json:"userId,omitempty"`
		SandboxLevel string `json:"sandboxLevel,omitempty"`
	}
	// An empty body creates an anonymous read-only session.
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil && !errors.Is(err, io.EOF) {
		writeFault(w, types.InvalidInput("malformed request body"))
		return
	}

	sess, err := s.sessions.Create(r.Context(), body.UserID, types.SandboxLevel(body.SandboxLevel))
	if err != nil {
		writeFault(w, types.FaultOf(err))
		return
	}
	writeJSON(w, http.StatusCreated, sess)
}

func (s *Server) getSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.sessions.Load(r.Context(), r.PathValue("id"))
	if errors.Is(err, session.ErrNotFound) {
		writeJSON(w, http.StatusNotFound,
			map[string]any{"error": types.InvalidInput("unknown session")})
		return
	}
	if err != nil {
		writeFault(w, types.FaultOf(err))
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) deleteSession(w http.ResponseWriter, r *http.Request) {
	if err := s.sessions.Delete(r.Context(), r.PathValue("id")); err != nil {
		writeFault(w, types.FaultOf(err))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) listUserSessions(w http.ResponseWriter, r *http.Request) {
	ids, err := s.sessions.ForUser(r.Context(), r.PathValue("userId"))
	if err != nil {
		writeFault(w, types.FaultOf(err))
		return
	}
	if ids == nil {
		ids = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessionIds": ids})
}

// analyzeStream runs an analysis while relaying its event feed as
// server-sent events. Each event is rendered as
//
//	event: <type>
//	data: <json>
//
// and the stream closes after the terminal event.
func (s *Server) analyzeStream(w http.ResponseWriter, r *http.Request) {
	var body analyzeRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeFault(w, types.InvalidInput("malformed request body"))
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeFault(w, types.Internal(errors.New("response writer does not support streaming")))
		return
	}

	sub, out, err := s.orch.AnalyzeStream(r.Context(), body.query(), "http-"+uuid.NewString())
	if err != nil {
		writeFault(w, types.FaultOf(err))
		return
	}
	defer sub.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		ev, err := sub.Next(r.Context())
		if err != nil {
			break
		}
		writeEvent(w, ev)
		flusher.Flush()
		if ev.Terminal() {
			break
		}
	}
	// The run goroutine finishes independently of the stream.
	<-out
}

func writeEvent(w http.ResponseWriter, ev types.Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		return
	}
	w.Write([]byte("event: " + string(ev.Type) + "\n"))
	w.Write([]byte("data: "))
	w.Write(data)
	w.Write([]byte("\n\n"))
}

// statusFor maps the fault taxonomy onto HTTP status codes.
func statusFor(f *types.Fault) int {
	switch f.Kind {
	case types.FaultInvalidInput:
		return http.StatusBadRequest
	case types.FaultInsufficientProviders, types.FaultAdapter:
		return http.StatusBadGateway
	case types.FaultApprovalDenied:
		return http.StatusForbidden
	case types.FaultCanceled:
		return statusClientClosedRequest
	case types.FaultOverflow:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeFault(w http.ResponseWriter, f *types.Fault) {
	writeJSON(w, statusFor(f), map[string]any{"error": f})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error":{"kind":"internal"}}`, http.StatusInternalServerError)
	}
}
