// Package server exposes the manual trigger and run history over HTTP.
package server

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/sells-group/sector-refresh/internal/model"
	"github.com/sells-group/sector-refresh/internal/store"
)

const maxListLimit = 1000

// Runner executes one pipeline run.
type Runner interface {
	Run(ctx context.Context, trigger model.Trigger) (*model.Run, error)
}

// RunReader reads run history.
type RunReader interface {
	ListRuns(ctx context.Context, filter store.RunFilter) ([]model.Run, error)
	GetRun(ctx context.Context, runID string) (*model.Run, error)
}

// Options configures the HTTP API.
type Options struct {
	TriggerToken   string
	AllowedOrigins []string
}

// Server handles trigger and status requests. Triggered runs execute in the
// background under the server's base context.
type Server struct {
	ctx    context.Context
	runner Runner
	runs   RunReader
	opts   Options
	wg     sync.WaitGroup
	log    *zap.Logger
}

// New creates a Server. Background runs inherit ctx.
func New(ctx context.Context, runner Runner, runs RunReader, opts Options) *Server {
	return &Server{
		ctx:    ctx,
		runner: runner,
		runs:   runs,
		opts:   opts,
		log:    zap.L().With(zap.String("component", "server")),
	}
}

// Handler returns the routed HTTP handler.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	if len(s.opts.AllowedOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: s.opts.AllowedOrigins,
			AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
			AllowedHeaders: []string{"Authorization", "Content-Type"},
			MaxAge:         300,
		}))
	}

	r.Get("/health", s.handleHealth)
	r.Route("/runs", func(r chi.Router) {
		r.Get("/", s.handleListRuns)
		r.Post("/", s.handleTrigger)
		r.Get("/{id}", s.handleGetRun)
	})
	return r
}

// Wait blocks until all background runs started by the server finish.
func (s *Server) Wait() {
	s.wg.Wait()
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleTrigger(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(r) {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	trigger := model.ManualTrigger("http")
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		run, err := s.runner.Run(s.ctx, trigger)
		if err != nil {
			s.log.Error("triggered run failed", zap.Error(err))
			return
		}
		s.log.Info("triggered run complete", zap.String("run_id", run.ID))
	}()

	writeJSON(w, http.StatusAccepted, map[string]string{
		"status":  "accepted",
		"trigger": trigger.String(),
	})
}

func (s *Server) authorized(r *http.Request) bool {
	if s.opts.TriggerToken == "" {
		return true
	}
	token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(s.opts.TriggerToken)) == 1
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	var filter store.RunFilter
	q := r.URL.Query()

	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > maxListLimit {
			writeError(w, http.StatusBadRequest, "limit must be between 1 and 1000")
			return
		}
		filter.Limit = n
	}
	if v := q.Get("status"); v != "" {
		switch st := model.RunStatus(v); st {
		case model.RunStatusRunning, model.RunStatusComplete, model.RunStatusFailed:
			filter.Status = st
		default:
			writeError(w, http.StatusBadRequest, "status must be running, complete or failed")
			return
		}
	}

	runs, err := s.runs.ListRuns(r.Context(), filter)
	if err != nil {
		s.log.Error("list runs", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list runs")
		return
	}
	if runs == nil {
		runs = []model.Run{}
	}
	writeJSON(w, http.StatusOK, runs)
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	run, err := s.runs.GetRun(r.Context(), id)
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "run not found")
		return
	case err != nil:
		s.log.Error("get run", zap.String("run_id", id), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to get run")
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
