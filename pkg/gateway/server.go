// Package gateway exposes the operator query interface over HTTP. It is a
// thin read/control surface over the durable store: no state lives here,
// so any number of gateways can run against one database.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"architect/pkg/classify"
	"architect/pkg/dispatch"
	"architect/pkg/lockmgr"
	"architect/pkg/oversight"
	"architect/pkg/protocol"
	"architect/pkg/queue"
)

// Server is the operator HTTP gateway.
type Server struct {
	httpServer *http.Server
	store      *queue.Store
	registry   *dispatch.Registry
	locks      *lockmgr.Manager
	directives *oversight.Channel
	classifier *classify.Classifier
	log        *zap.Logger
}

// New creates a gateway server bound to addr.
func New(addr string, store *queue.Store, registry *dispatch.Registry,
	locks *lockmgr.Manager, directives *oversight.Channel,
	classifier *classify.Classifier, log *zap.Logger) *Server {
	s := &Server{
		store:      store,
		registry:   registry,
		locks:      locks,
		directives: directives,
		classifier: classifier,
		log:        log,
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)

	r.Get("/api/health", s.handleHealth)
	r.Get("/api/tasks", s.handleListTasks)
	r.Post("/api/tasks", s.handleSubmitTask)
	r.Get("/api/tasks/{id}", s.handleGetTask)
	r.Post("/api/tasks/{id}/retry", s.handleRetryTask)
	r.Post("/api/tasks/{id}/cancel", s.handleCancelTask)
	r.Get("/api/workers", s.handleListWorkers)
	r.Get("/api/locks", s.handleListLocks)
	r.Get("/api/stats", s.handleStats)
	r.Post("/api/directives", s.handleSendDirective)

	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler { return s.httpServer.Handler }

// Start listens and serves until Shutdown.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return err
	}
	s.log.Info("gateway listening", zap.String("addr", ln.Addr().String()))
	if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops the server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Warn("encode response", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, err error) {
	s.writeJSON(w, status, map[string]string{"error": err.Error()})
}

// statusFor maps the error taxonomy onto HTTP status codes.
func statusFor(err error) int {
	var ve *protocol.ValidationError
	if errors.As(err, &ve) {
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

func taskID(r *http.Request) (int64, error) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid task id")
	}
	return id, nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	opts := queue.ListOpts{
		Status: protocol.TaskStatus(r.URL.Query().Get("status")),
		Worker: r.URL.Query().Get("worker"),
	}
	if limit := r.URL.Query().Get("limit"); limit != "" {
		n, err := strconv.Atoi(limit)
		if err != nil || n < 0 {
			s.writeError(w, http.StatusBadRequest, fmt.Errorf("invalid limit"))
			return
		}
		opts.Limit = n
	}
	tasks, err := s.store.List(r.Context(), opts)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	if tasks == nil {
		tasks = []protocol.Task{}
	}
	s.writeJSON(w, http.StatusOK, tasks)
}

type submitRequest struct {
	Content          string `json:"content"`
	WorkingDirectory string `json:"working_directory"`
	TargetWorker     string `json:"target_worker,omitempty"`
	Priority         *int   `json:"priority,omitempty"`
	WorkType         string `json:"work_type,omitempty"`
}

type submitResponse struct {
	Task       *protocol.Task `json:"task,omitempty"`
	Duplicate  bool           `json:"duplicate"`
	ExistingID int64          `json:"existing_id,omitempty"`
}

func (s *Server) handleSubmitTask(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("invalid request body"))
		return
	}

	workType, priority := s.classifier.Classify(req.Content)
	if req.WorkType != "" {
		workType = protocol.WorkType(req.WorkType)
	}
	if req.Priority != nil {
		priority = *req.Priority
	}

	task, outcome, err := s.store.Submit(r.Context(), queue.SubmitParams{
		Content:          req.Content,
		WorkingDirectory: req.WorkingDirectory,
		TargetWorker:     req.TargetWorker,
		WorkType:         workType,
		Priority:         priority,
	})
	if err != nil {
		s.writeError(w, statusFor(err), err)
		return
	}
	if outcome.Duplicate() {
		s.writeJSON(w, http.StatusOK, submitResponse{Duplicate: true, ExistingID: outcome.ExistingID})
		return
	}
	s.writeJSON(w, http.StatusCreated, submitResponse{Task: task})
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	id, err := taskID(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	task, err := s.store.Get(r.Context(), id)
	if err != nil {
		s.writeError(w, http.StatusNotFound, err)
		return
	}
	s.writeJSON(w, http.StatusOK, task)
}

func (s *Server) handleRetryTask(w http.ResponseWriter, r *http.Request) {
	id, err := taskID(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.store.RetryFailed(r.Context(), id); err != nil {
		s.writeError(w, http.StatusConflict, err)
		return
	}
	task, err := s.store.Get(r.Context(), id)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusOK, task)
}

func (s *Server) handleCancelTask(w http.ResponseWriter, r *http.Request) {
	id, err := taskID(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.store.Cancel(r.Context(), id); err != nil {
		s.writeError(w, http.StatusConflict, err)
		return
	}
	task, err := s.store.Get(r.Context(), id)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusOK, task)
}

func (s *Server) handleListWorkers(w http.ResponseWriter, r *http.Request) {
	workers, err := s.registry.List(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	if workers == nil {
		workers = []protocol.Worker{}
	}
	s.writeJSON(w, http.StatusOK, workers)
}

func (s *Server) handleListLocks(w http.ResponseWriter, r *http.Request) {
	locks, err := s.locks.ListActive(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	if locks == nil {
		locks = []protocol.DirectoryLock{}
	}
	s.writeJSON(w, http.StatusOK, locks)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.store.Stats(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusOK, stats)
}

type directiveRequest struct {
	Type    string `json:"type"`
	Content string `json:"content"`
	Target  string `json:"target,omitempty"`
}

func (s *Server) handleSendDirective(w http.ResponseWriter, r *http.Request) {
	var req directiveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("invalid request body"))
		return
	}
	id, err := s.directives.Send(r.Context(), protocol.DirectiveType(req.Type), req.Content, req.Target)
	if err != nil {
		s.writeError(w, statusFor(err), err)
		return
	}
	s.writeJSON(w, http.StatusCreated, map[string]string{"id": id})
}
