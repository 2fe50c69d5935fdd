// Package server is the HTTP front door: search job submission, job and
// lead reads, cancellation, and the SSE progress stream.
package server

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/sells-group/leadgen/internal/events"
	"github.com/sells-group/leadgen/internal/model"
	"github.com/sells-group/leadgen/internal/queue"
	"github.com/sells-group/leadgen/internal/store"
)

// Options configures the HTTP server surface.
type Options struct {
	AllowedOrigins []string

	// SearchMaxAttempts is the delivery budget for submitted search jobs.
	SearchMaxAttempts int
}

// Server holds handler dependencies.
type Server struct {
	store store.Store
	hub   *events.Hub
	opts  Options
}

// New creates a Server.
func New(st store.Store, hub *events.Hub, opts Options) *Server {
	if opts.SearchMaxAttempts <= 0 {
		opts.SearchMaxAttempts = 3
	}
	if len(opts.AllowedOrigins) == 0 {
		opts.AllowedOrigins = []string{"*"}
	}
	return &Server{store: st, hub: hub, opts: opts}
}

// Router builds the chi router with all routes mounted.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: s.opts.AllowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type"},
	}))

	r.Get("/health", s.handleHealth)
	r.Route("/api/search", func(r chi.Router) {
		r.Post("/", s.handleCreateSearch)
		r.Get("/", s.handleListSearches)
		r.Get("/{id}", s.handleGetSearch)
		r.Post("/{id}/cancel", s.handleCancelSearch)
		r.Get("/{id}/leads", s.handleListLeads)
		r.Get("/{id}/events", s.handleEvents)
	})
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type createSearchRequest struct {
	Vertical string `json:"vertical"`
	City     string `json:"city"`
	State    string `json:"state"`
	Target   int    `json:"target"`
	SortBy   string `json:"sort_by,omitempty"`
}

func (s *Server) handleCreateSearch(w http.ResponseWriter, r *http.Request) {
	var req createSearchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(req.Vertical) == "" {
		writeError(w, http.StatusBadRequest, "vertical is required")
		return
	}
	if req.Target <= 0 {
		req.Target = 20
	}

	query := model.SearchQuery{
		Vertical:   req.Vertical,
		Geo:        model.Geo{City: req.City, State: req.State},
		ResultSize: model.ResultSize{Target: req.Target},
		SortBy:     req.SortBy,
	}

	job, err := s.store.CreateSearchJob(r.Context(), query)
	if err != nil {
		zap.L().Error("create search job failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "could not create search job")
		return
	}

	payload, err := json.Marshal(queue.SearchPayload{SearchID: job.ID, Query: query})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "could not encode job payload")
		return
	}
	if _, err := s.store.Enqueue(r.Context(), queue.QueueSearch, payload, s.opts.SearchMaxAttempts); err != nil {
		zap.L().Error("enqueue search job failed", zap.String("search_id", job.ID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "could not enqueue search job")
		return
	}

	writeJSON(w, http.StatusAccepted, job)
}

func (s *Server) handleListSearches(w http.ResponseWriter, r *http.Request) {
	filter := store.JobFilter{
		Status: model.JobStatus(r.URL.Query().Get("status")),
	}
	if limit := r.URL.Query().Get("limit"); limit != "" {
		n, err := strconv.Atoi(limit)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		filter.Limit = n
	}

	jobs, err := s.store.ListSearchJobs(r.Context(), filter)
	if err != nil {
		zap.L().Error("list search jobs failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "could not list search jobs")
		return
	}
	if jobs == nil {
		jobs = []model.SearchJob{}
	}
	writeJSON(w, http.StatusOK, jobs)
}

func (s *Server) handleGetSearch(w http.ResponseWriter, r *http.Request) {
	job, err := s.store.GetSearchJob(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusNotFound, "search job not found")
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleCancelSearch(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.store.CancelSearchJob(r.Context(), id); err != nil {
		writeError(w, http.StatusConflict, "search job is not cancellable")
		return
	}
	s.hub.Publish(id, model.ProgressEvent{
		Type:    model.EventTypeComplete,
		Status:  model.EventStatusFailed,
		Message: "search cancelled",
	})
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled", "id": id})
}

func (s *Server) handleListLeads(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.store.GetSearchJob(r.Context(), id); err != nil {
		writeError(w, http.StatusNotFound, "search job not found")
		return
	}

	filter := store.LeadFilter{}
	if min := r.URL.Query().Get("min_score"); min != "" {
		n, err := strconv.Atoi(min)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid min_score")
			return
		}
		filter.MinScore = n
	}
	if limit := r.URL.Query().Get("limit"); limit != "" {
		n, err := strconv.Atoi(limit)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		filter.Limit = n
	}

	leads, err := s.store.ListLeads(r.Context(), id, filter)
	if err != nil {
		zap.L().Error("list leads failed", zap.String("search_id", id), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "could not list leads")
		return
	}
	if leads == nil {
		leads = []model.Lead{}
	}
	writeJSON(w, http.StatusOK, leads)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		zap.L().Warn("response encode failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// NewHTTPServer wraps the handler in an http.Server with sane timeouts.
// Write timeouts are left unset because the SSE stream is long-lived.
func NewHTTPServer(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
}
