// Package api serves the job control surface over HTTP.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/aristath/jobcore/internal/events"
	"github.com/aristath/jobcore/internal/jobs"
	"github.com/aristath/jobcore/internal/scheduler"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Controller is the part of the job manager the API drives.
type Controller interface {
	Dispatch(ctx context.Context, job jobs.Job, opts ...jobs.DispatchOption) (jobs.JobID, error)
	ListJobs(ctx context.Context, statuses ...jobs.Status) ([]jobs.Report, error)
	GetJob(ctx context.Context, id jobs.JobID) (jobs.Report, error)
	PauseJob(ctx context.Context, id jobs.JobID) error
	ResumeJob(ctx context.Context, id jobs.JobID) error
	CancelJob(ctx context.Context, id jobs.JobID) error
	DeleteJob(ctx context.Context, id jobs.JobID) error
	Stats(ctx context.Context) ([]scheduler.WorkerStats, error)
}

// ErrInvalidParams is wrapped by a JobBuilder when the request parameters
// cannot describe a job.
var ErrInvalidParams = errors.New("invalid job parameters")

// JobBuilder creates a job of the named kind from request parameters.
type JobBuilder func(name string, params map[string]string) (jobs.Job, error)

// Server exposes a Controller over HTTP.
type Server struct {
	ctl   Controller
	bus   *events.EventBus
	build JobBuilder
	log   *zap.Logger
}

// Option configures a Server.
type Option func(*Server)

// WithJobBuilder enables POST /api/jobs.
func WithJobBuilder(b JobBuilder) Option {
	return func(s *Server) { s.build = b }
}

// WithEvents enables the GET /api/events stream.
func WithEvents(bus *events.EventBus) Option {
	return func(s *Server) { s.bus = bus }
}

// NewServer creates a server. log may be nil.
func NewServer(ctl Controller, log *zap.Logger, opts ...Option) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	s := &Server{ctl: ctl, log: log}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler returns the routes mounted on a new mux.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/jobs", s.handleListJobs)
	mux.HandleFunc("POST /api/jobs", s.handleCreateJob)
	mux.HandleFunc("GET /api/jobs/{id}", s.handleGetJob)
	mux.HandleFunc("DELETE /api/jobs/{id}", s.handleDeleteJob)
	mux.HandleFunc("POST /api/jobs/{id}/pause", s.control(s.ctl.PauseJob))
	mux.HandleFunc("POST /api/jobs/{id}/resume", s.control(s.ctl.ResumeJob))
	mux.HandleFunc("POST /api/jobs/{id}/cancel", s.control(s.ctl.CancelJob))
	mux.HandleFunc("GET /api/workers", s.handleWorkers)
	mux.HandleFunc("GET /api/events", s.handleEvents)
	return mux
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	var statuses []jobs.Status
	for _, raw := range r.URL.Query()["status"] {
		for _, name := range strings.Split(raw, ",") {
			st, err := jobs.ParseStatus(strings.TrimSpace(name))
			if err != nil {
				s.writeError(w, http.StatusBadRequest, err)
				return
			}
			statuses = append(statuses, st)
		}
	}

	reports, err := s.ctl.ListJobs(r.Context(), statuses...)
	if err != nil {
		s.writeControlError(w, err)
		return
	}
	if reports == nil {
		reports = []jobs.Report{}
	}
	s.writeJSON(w, http.StatusOK, reports)
}

type createJobRequest struct {
	Name     string            `json:"name"`
	Action   string            `json:"action,omitempty"`
	Params   map[string]string `json:"params,omitempty"`
	ParentID string            `json:"parent_id,omitempty"`
	Next     []nextJobRequest  `json:"next,omitempty"` // Run in order once the job completes
}

type nextJobRequest struct {
	Name   string            `json:"name"`
	Params map[string]string `json:"params,omitempty"`
}

type createJobResponse struct {
	ID jobs.JobID `json:"id"`
}

func (s *Server) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	if s.build == nil {
		s.writeError(w, http.StatusNotImplemented, errors.New("job creation is not enabled"))
		return
	}

	var req createJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("decoding request: %w", err))
		return
	}
	if req.Name == "" {
		s.writeError(w, http.StatusBadRequest, errors.New("name is required"))
		return
	}

	job, err := s.build(req.Name, req.Params)
	if err != nil {
		s.writeControlError(w, err)
		return
	}

	opts := []jobs.DispatchOption{jobs.WithMetadata(req.Params)}
	if req.Action != "" {
		opts = append(opts, jobs.WithAction(req.Action))
	}
	if req.ParentID != "" {
		parent, err := jobs.ParseJobID(req.ParentID)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, fmt.Errorf("parent_id: %w", err))
			return
		}
		opts = append(opts, jobs.WithParent(parent))
	}
	if len(req.Next) > 0 {
		next := make([]jobs.Job, 0, len(req.Next))
		for _, n := range req.Next {
			if n.Name == "" {
				s.writeError(w, http.StatusBadRequest, errors.New("next: name is required"))
				return
			}
			nj, err := s.build(n.Name, n.Params)
			if err != nil {
				s.writeControlError(w, fmt.Errorf("next job %s: %w", n.Name, err))
				return
			}
			next = append(next, nj)
		}
		opts = append(opts, jobs.WithNext(next...))
	}

	id, err := s.ctl.Dispatch(r.Context(), job, opts...)
	if err != nil {
		s.writeControlError(w, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, createJobResponse{ID: id})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id, ok := s.jobID(w, r)
	if !ok {
		return
	}
	report, err := s.ctl.GetJob(r.Context(), id)
	if err != nil {
		s.writeControlError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleDeleteJob(w http.ResponseWriter, r *http.Request) {
	id, ok := s.jobID(w, r)
	if !ok {
		return
	}
	if err := s.ctl.DeleteJob(r.Context(), id); err != nil {
		s.writeControlError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// control adapts a pause/resume/cancel call. The response carries the job's
// report after the request was applied.
func (s *Server) control(fn func(context.Context, jobs.JobID) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := s.jobID(w, r)
		if !ok {
			return
		}
		if err := fn(r.Context(), id); err != nil {
			s.writeControlError(w, err)
			return
		}
		report, err := s.ctl.GetJob(r.Context(), id)
		if err != nil {
			s.writeControlError(w, err)
			return
		}
		s.writeJSON(w, http.StatusOK, report)
	}
}

func (s *Server) handleWorkers(w http.ResponseWriter, r *http.Request) {
	stats, err := s.ctl.Stats(r.Context())
	if err != nil {
		s.writeControlError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, stats)
}

// handleEvents streams bus events as server-sent events. An optional topic
// query parameter narrows the stream.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.bus == nil {
		s.writeError(w, http.StatusNotImplemented, errors.New("event stream is not enabled"))
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeError(w, http.StatusInternalServerError, errors.New("streaming not supported"))
		return
	}

	var sub <-chan events.Event
	if topic := r.URL.Query().Get("topic"); topic != "" {
		sub = s.bus.Subscribe(topic, 64)
	} else {
		sub = s.bus.SubscribeAll(64)
	}
	defer s.bus.Unsubscribe(sub)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-sub:
			if !ok {
				return
			}
			data, err := json.Marshal(evt)
			if err != nil {
				s.log.Warn("encoding event", zap.String("type", evt.EventType()), zap.Error(err))
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", evt.EventType(), data)
			flusher.Flush()
		}
	}
}

func (s *Server) jobID(w http.ResponseWriter, r *http.Request) (jobs.JobID, bool) {
	id, err := jobs.ParseJobID(r.PathValue("id"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("invalid job id: %w", err))
		return jobs.JobID{}, false
	}
	return id, true
}

// statusFor maps control-plane errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, jobs.ErrJobNotFound), errors.Is(err, jobs.ErrReportNotFound):
		return http.StatusNotFound
	case errors.Is(err, jobs.ErrJobTerminal),
		errors.Is(err, jobs.ErrInvalidTransition),
		errors.Is(err, jobs.ErrJobActive),
		errors.Is(err, jobs.ErrJobAlreadyRunning),
		errors.Is(err, jobs.ErrJobNotActive):
		return http.StatusConflict
	case errors.Is(err, jobs.ErrUnknownJobName), errors.Is(err, ErrInvalidParams):
		return http.StatusUnprocessableEntity
	case errors.Is(err, jobs.ErrManagerClosed), errors.Is(err, scheduler.ErrSystemShutdown):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) writeControlError(w http.ResponseWriter, err error) {
	s.writeError(w, statusFor(err), err)
}

func (s *Server) writeError(w http.ResponseWriter, code int, err error) {
	if code >= http.StatusInternalServerError {
		s.log.Error("request failed", zap.Int("status", code), zap.Error(err))
	}
	s.writeJSON(w, code, errorResponse{Error: err.Error()})
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Warn("encoding response", zap.Error(err))
	}
}
