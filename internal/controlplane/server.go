package controlplane

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/charmbracelet/log"

	"github.com/fentz26/flagsweep/internal/models"
	"github.com/fentz26/flagsweep/internal/proposal"
	"github.com/fentz26/flagsweep/internal/store"
	"github.com/fentz26/flagsweep/internal/watcher"
)

// Pinger is implemented by stores that can report backend liveness.
type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	OK      bool           `json:"ok"`
	Store   string         `json:"store"`
	Version string         `json:"version"`
	Time    string         `json:"time"`
	Watcher *watcher.Stats `json:"watcher,omitempty"`
}

// Server provides the HTTP API for flagsweep.
type Server struct {
	service *Service
	addr    string
	logger  *log.Logger
	server  *http.Server

	pinger  Pinger
	stats   func() watcher.Stats
	version string
}

// NewServer creates a new HTTP server.
func NewServer(service *Service, addr string, logger *log.Logger) *Server {
	if logger == nil {
		logger = log.Default()
	}
	s := &Server{
		service: service,
		addr:    addr,
		logger:  logger.WithPrefix("api"),
		version: "dev",
	}
	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 60 * time.Second,
	}
	return s
}

// SetPinger makes /health report the store's liveness.
func (s *Server) SetPinger(p Pinger) { s.pinger = p }

// SetWatcherStats makes /health include the watcher's counters.
func (s *Server) SetWatcherStats(fn func() watcher.Stats) { s.stats = fn }

// SetVersion sets the version reported by /health.
func (s *Server) SetVersion(v string) { s.version = v }

// Handler returns the API routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /tasks", s.createTask)
	mux.HandleFunc("GET /tasks", s.listTasks)
	mux.HandleFunc("GET /tasks/{ref}", s.getTask)
	mux.HandleFunc("GET /proposals", s.listProposals)
	mux.HandleFunc("GET /health", s.handleHealth)

	return mux
}

// Start listens on the configured address. It returns http.ErrServerClosed
// after Shutdown, including a Shutdown that ran before Start.
func (s *Server) Start() error {
	s.logger.Info("API listening", "addr", s.addr)
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

// --- Task Handlers ---

// CreateTaskRequest is the body of POST /tasks.
type CreateTaskRequest struct {
	FlagName    string `json:"flag_name"`
	RequestedBy string `json:"requested_by"`
}

func (s *Server) createTask(w http.ResponseWriter, r *http.Request) {
	var req CreateTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}

	task, err := s.service.CreateTask(r.Context(), req.FlagName, req.RequestedBy)
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.logger.Info("Removal requested", "flag", task.FlagName, "by", task.RequestedBy)
	writeJSON(w, http.StatusCreated, task)
}

func (s *Server) listTasks(w http.ResponseWriter, r *http.Request) {
	tasks, err := s.service.ListTasks(r.Context(), r.URL.Query().Get("status"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	if tasks == nil {
		tasks = []models.Task{}
	}
	writeJSON(w, http.StatusOK, tasks)
}

func (s *Server) getTask(w http.ResponseWriter, r *http.Request) {
	task, err := s.service.GetTask(r.Context(), r.PathValue("ref"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

// --- Proposal Handlers ---

func (s *Server) listProposals(w http.ResponseWriter, r *http.Request) {
	proposals, err := s.service.ListProposals(r.Context(), r.URL.Query().Get("state"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	if proposals == nil {
		proposals = []models.Proposal{}
	}
	writeJSON(w, http.StatusOK, proposals)
}

// --- Health ---

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{
		OK:      true,
		Store:   "ok",
		Version: s.version,
		Time:    time.Now().UTC().Format(time.RFC3339),
	}
	if s.pinger != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.pinger.Ping(ctx); err != nil {
			resp.OK = false
			resp.Store = err.Error()
		}
	}
	if s.stats != nil {
		st := s.stats()
		resp.Watcher = &st
	}

	status := http.StatusOK
	if !resp.OK {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}

// statusFor maps service errors to HTTP status codes.
func statusFor(err error) int {
	var apiErr *proposal.APIError
	switch {
	case errors.Is(err, store.ErrAlreadyExists):
		return http.StatusConflict
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrInvalidFlag),
		errors.Is(err, models.ErrInvalidFlagName),
		errors.Is(err, ErrInvalidStatus),
		errors.Is(err, ErrInvalidState):
		return http.StatusBadRequest
	case errors.As(err, &apiErr):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("Request failed", "error", err)
	}
	http.Error(w, err.Error(), status)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
