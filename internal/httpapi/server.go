// Package httpapi is the orchestrator's HTTP surface: signal submission,
// status queries, administrative overrides, evidence documents, health and
// metrics.
package httpapi

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/evidentra/testcycle-orchestrator/pkg/clients"
	"github.com/evidentra/testcycle-orchestrator/pkg/config"
	"github.com/evidentra/testcycle-orchestrator/pkg/errors"
	"github.com/evidentra/testcycle-orchestrator/pkg/logging"
	"github.com/evidentra/testcycle-orchestrator/pkg/store"
	"github.com/evidentra/testcycle-orchestrator/pkg/workflow"
)

const serverComponent = "http-api"

// Pinger is the readiness contract of the backing stores.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Server wires the mux router over the workflow registry.
type Server struct {
	config    config.ServerConfig
	registry  *workflow.Registry
	cache     *store.StatusCache
	documents *clients.S3DocumentStore
	readiness []Pinger
	gatherer  prometheus.Gatherer
	logger    *logging.StructuredLogger
	httpSrv   *http.Server
}

// Options carries the optional collaborators; nil members disable the
// corresponding surface.
type Options struct {
	Cache     *store.StatusCache
	Documents *clients.S3DocumentStore
	Readiness []Pinger
	Gatherer  prometheus.Gatherer
}

func NewServer(cfg config.ServerConfig, registry *workflow.Registry, opts Options, logger *logging.StructuredLogger) *Server {
	s := &Server{
		config:    cfg,
		registry:  registry,
		cache:     opts.Cache,
		documents: opts.Documents,
		readiness: opts.Readiness,
		gatherer:  opts.Gatherer,
		logger:    logger.WithComponent(serverComponent),
	}
	s.httpSrv = &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      s.Router(),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
	return s
}

// Router builds the route table. Exposed separately so tests drive the
// handlers without a listener.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(s.requestLogging)

	api := r.PathPrefix("/api/v1").Subrouter()
	api.Use(s.actorExtraction)

	api.HandleFunc("/instances", s.handleStartInstance).Methods(http.MethodPost)
	api.HandleFunc("/instances/{id}/signals", s.handleSignal).Methods(http.MethodPost)
	api.HandleFunc("/instances/{id}/status", s.handleStatus).Methods(http.MethodGet)
	api.HandleFunc("/instances/{id}/abort", s.handleAbort).Methods(http.MethodPost)
	api.HandleFunc("/instances/{id}/phases/{phase}/skip", s.handleSkipPhase).Methods(http.MethodPost)
	api.HandleFunc("/instances/{id}/phases/{phase}/documents", s.handleUploadDocument).Methods(http.MethodPost)
	api.HandleFunc("/instances/{id}/phases/{phase}/documents", s.handleListDocuments).Methods(http.MethodGet)

	r.HandleFunc("/healthz", s.handleHealthz).Methods(http.MethodGet)
	r.HandleFunc("/readyz", s.handleReadyz).Methods(http.MethodGet)
	if s.gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}
	return r
}

// Start runs the listener until Shutdown.
func (s *Server) Start() error {
	s.logger.InfoWithContext("http server listening", "addr", s.config.ListenAddr)
	if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpSrv.Shutdown(ctx)
}

type startInstanceRequest struct {
	CycleID  string `json:"cycle_id"`
	ReportID string `json:"report_id"`
}

func (s *Server) handleStartInstance(w http.ResponseWriter, r *http.Request) {
	var req startInstanceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, errors.NewValidation(serverComponent, "start_instance", "malformed request body"))
		return
	}
	inst, err := s.registry.StartInstance(r.Context(), req.CycleID, req.ReportID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, inst)
}

type signalRequest struct {
	StepID   string          `json:"step_id"`
	Decision string          `json:"decision"`
	Payload  json.RawMessage `json:"payload,omitempty"`
}

type signalResponse struct {
	Result string `json:"result"`
	StepID string `json:"step_id"`
}

func (s *Server) handleSignal(w http.ResponseWriter, r *http.Request) {
	instanceID := mux.Vars(r)["id"]
	var req signalRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, errors.NewValidation(serverComponent, "signal", "malformed request body"))
		return
	}

	if _, err := s.registry.Coordinator(instanceID); err != nil {
		s.writeError(w, err)
		return
	}

	sig := workflow.SignalRequest{
		InstanceID:  instanceID,
		StepID:      req.StepID,
		Decision:    workflow.Decision(req.Decision),
		Payload:     req.Payload,
		ActorID:     actorFrom(r.Context()),
		SubmittedAt: time.Now(),
	}
	if err := s.registry.Deliver(r.Context(), sig); err != nil {
		s.writeError(w, err)
		return
	}
	if s.cache != nil {
		s.cache.Invalidate(r.Context(), instanceID)
	}
	s.writeJSON(w, http.StatusAccepted, signalResponse{Result: "ack", StepID: req.StepID})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	instanceID := mux.Vars(r)["id"]

	if s.cache != nil {
		if snap, ok := s.cache.Get(r.Context(), instanceID); ok {
			s.writeJSON(w, http.StatusOK, snap)
			return
		}
	}

	snap, err := s.registry.Snapshot(instanceID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if s.cache != nil {
		s.cache.Set(r.Context(), snap)
	}
	s.writeJSON(w, http.StatusOK, snap)
}

type abortRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) handleAbort(w http.ResponseWriter, r *http.Request) {
	instanceID := mux.Vars(r)["id"]
	var req abortRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, errors.NewValidation(serverComponent, "abort", "malformed request body"))
		return
	}
	if err := s.registry.Abort(r.Context(), instanceID, req.Reason, actorFrom(r.Context())); err != nil {
		s.writeError(w, err)
		return
	}
	if s.cache != nil {
		s.cache.Invalidate(r.Context(), instanceID)
	}
	s.writeJSON(w, http.StatusAccepted, map[string]string{"result": "aborted"})
}

type skipRequest struct {
	ExpectedVersion int64  `json:"expected_version"`
	Reason          string `json:"reason"`
}

func (s *Server) handleSkipPhase(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	instanceID := vars["id"]
	phase := workflow.Phase(vars["phase"])

	var req skipRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, errors.NewValidation(serverComponent, "skip", "malformed request body"))
		return
	}
	err := s.registry.SkipPhase(r.Context(), instanceID, phase, req.ExpectedVersion, req.Reason, actorFrom(r.Context()))
	if err != nil {
		s.writeError(w, err)
		return
	}
	if s.cache != nil {
		s.cache.Invalidate(r.Context(), instanceID)
	}
	s.writeJSON(w, http.StatusAccepted, map[string]string{"result": "skipped"})
}

func (s *Server) handleUploadDocument(w http.ResponseWriter, r *http.Request) {
	if s.documents == nil {
		s.writeError(w, errors.New(errors.ErrorTypeConfig, serverComponent, "documents", "document store not configured"))
		return
	}
	vars := mux.Vars(r)
	filename := r.URL.Query().Get("filename")
	if filename == "" {
		s.writeError(w, errors.NewValidation(serverComponent, "documents", "filename query parameter is required"))
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, 64<<20))
	if err != nil {
		s.writeError(w, errors.NewValidation(serverComponent, "documents", "unreadable request body"))
		return
	}
	meta, err := s.documents.Put(r.Context(), vars["id"], vars["phase"], filename, actorFrom(r.Context()), body)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, meta)
}

func (s *Server) handleListDocuments(w http.ResponseWriter, r *http.Request) {
	if s.documents == nil {
		s.writeError(w, errors.New(errors.ErrorTypeConfig, serverComponent, "documents", "document store not configured"))
		return
	}
	vars := mux.Vars(r)
	metas, err := s.documents.List(r.Context(), vars["id"], vars["phase"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, metas)
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()
	for _, p := range s.readiness {
		if err := p.Ping(ctx); err != nil {
			s.writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status": "not ready",
				"error":  err.Error(),
			})
			return
		}
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type errorResponse struct {
	Result  string `json:"result"`
	Type    string `json:"type"`
	Message string `json:"message"`
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	errType := string(errors.ErrorTypeInternal)
	msg := "internal error"

	var we *errors.WorkflowError
	if errors.As(err, &we) {
		status = we.HTTPStatus()
		errType = string(we.Type)
		msg = we.Message
	}
	s.writeJSON(w, status, errorResponse{Result: "rejected", Type: errType, Message: msg})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.ErrorWithContext("response encode failed", err)
	}
}
