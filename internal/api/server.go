// Package api is the HTTP control surface: pipeline start, stop and status,
// run history, ranking snapshots and the GitHub webhook receiver.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/sells-group/ghpipe/internal/model"
	"github.com/sells-group/ghpipe/internal/monitoring"
	"github.com/sells-group/ghpipe/internal/pipeline"
	"github.com/sells-group/ghpipe/internal/ranking"
	"github.com/sells-group/ghpipe/internal/scheduler"
	"github.com/sells-group/ghpipe/internal/store"
)

const (
	defaultRunsLimit     = 20
	defaultRankingsLimit = 100
	defaultLookbackHours = 24
	maxStartBody         = 50 << 20
)

// Server holds the collaborators behind the routes.
type Server struct {
	sched   *scheduler.Scheduler
	store   store.Store
	webhook http.Handler
	metrics *monitoring.Collector
}

// NewServer returns a server. webhook may be nil, in which case the webhook
// route is not mounted.
func NewServer(sched *scheduler.Scheduler, st store.Store, webhook http.Handler) *Server {
	return &Server{sched: sched, store: st, webhook: webhook}
}

// WithMetrics mounts GET /metrics backed by c.
func (s *Server) WithMetrics(c *monitoring.Collector) *Server {
	s.metrics = c
	return s
}

// Handler builds the router. An empty origins list allows any origin.
func (s *Server) Handler(origins []string) http.Handler {
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/health", s.health)
	r.Route("/pipelines", func(r chi.Router) {
		r.Get("/", s.listPipelines)
		r.Route("/{name}", func(r chi.Router) {
			r.Post("/start", s.startPipeline)
			r.Post("/stop", s.stopPipeline)
			r.Get("/status", s.pipelineStatus)
			r.Get("/runs", s.pipelineRuns)
		})
	})
	r.Get("/runs/{id}", s.getRun)
	r.Get("/rankings/latest", s.latestRankings)
	if s.metrics != nil {
		r.Get("/metrics", s.getMetrics)
	}
	if s.webhook != nil {
		r.Method(http.MethodPost, "/webhooks/github", s.webhook)
	}
	return r
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) getMetrics(w http.ResponseWriter, r *http.Request) {
	hours, ok := intParam(w, r, "hours", defaultLookbackHours)
	if !ok {
		return
	}
	snap, err := s.metrics.Collect(r.Context(), hours)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) listPipelines(w http.ResponseWriter, r *http.Request) {
	names := s.sched.Pipelines()
	out := make([]*model.PipelineStatus, 0, len(names))
	for _, name := range names {
		st, err := s.sched.Status(r.Context(), name)
		if err != nil {
			s.fail(w, err)
			return
		}
		out = append(out, st)
	}
	writeJSON(w, http.StatusOK, out)
}

// startRequest optionally carries raw payloads to extract in place of the
// staging table.
type startRequest struct {
	Records []struct {
		EventType string          `json:"event_type"`
		Payload   json.RawMessage `json:"payload"`
	} `json:"records"`
}

func (s *Server) startPipeline(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	var opts pipeline.RunOptions
	if r.ContentLength != 0 {
		var req startRequest
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxStartBody)).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		for _, rec := range req.Records {
			opts.RawData = append(opts.RawData, model.StagingRecord{
				Source:    model.SourceBulk,
				EventType: rec.EventType,
				Payload:   rec.Payload,
			})
		}
	}
	runID, err := s.sched.Launch(r.Context(), name, opts)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "started", "pipeline": name, "run_id": runID})
}

func (s *Server) stopPipeline(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if err := s.sched.Stop(r.Context(), name); err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "stopping", "pipeline": name})
}

func (s *Server) pipelineStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.sched.Status(r.Context(), chi.URLParam(r, "name"))
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) pipelineRuns(w http.ResponseWriter, r *http.Request) {
	limit, ok := intParam(w, r, "limit", defaultRunsLimit)
	if !ok {
		return
	}
	runs, err := s.store.ListRuns(r.Context(), store.RunFilter{
		Pipeline: chi.URLParam(r, "name"),
		Status:   model.RunStatus(r.URL.Query().Get("status")),
		Limit:    limit,
	})
	if err != nil {
		s.fail(w, err)
		return
	}
	if runs == nil {
		runs = []model.RunSummary{}
	}
	writeJSON(w, http.StatusOK, runs)
}

func (s *Server) getRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.store.GetRun(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (s *Server) latestRankings(w http.ResponseWriter, r *http.Request) {
	limit, ok := intParam(w, r, "limit", defaultRankingsLimit)
	if !ok {
		return
	}
	var at *time.Time
	if v := r.URL.Query().Get("at"); v != "" {
		t, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "at must be an RFC 3339 timestamp")
			return
		}
		t = t.UTC()
		at = &t
	}
	rows, err := ranking.Latest(r.Context(), s.store, at, limit)
	if err != nil {
		s.fail(w, err)
		return
	}
	if rows == nil {
		rows = []model.ContributorRanking{}
	}
	writeJSON(w, http.StatusOK, rows)
}

// fail maps domain errors to status codes.
func (s *Server) fail(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, scheduler.ErrUnknownPipeline), errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, scheduler.ErrConflict):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, scheduler.ErrNotRunning):
		writeError(w, http.StatusConflict, err.Error())
	default:
		zap.L().Error("api: request failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func intParam(w http.ResponseWriter, r *http.Request, key string, def int) (int, bool) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def, true
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		writeError(w, http.StatusBadRequest, key+" must be a positive integer")
		return 0, false
	}
	return n, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
