// Package server exposes the operator and consumer HTTP surface: query
// registration, the render read API, ad-hoc staging, and health probes.
package server

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/time/rate"

	"github.com/amalloy/turntable/internal/db"
	"github.com/amalloy/turntable/internal/registry"
	"github.com/amalloy/turntable/internal/render"
	"github.com/amalloy/turntable/pkg/logx"
)

type Server struct {
	// appCtx outlives individual requests; backfills launched by /add are
	// tied to it, not to the request.
	appCtx context.Context

	reg      *registry.Registry
	renderer *render.Engine
	dbs      *db.Registry
	log      logx.Logger

	// stageLimiter throttles ad-hoc previews; each one opens a database
	// session.
	stageLimiter *rate.Limiter
}

type Options struct {
	StageRatePerSec int
}

func New(appCtx context.Context, reg *registry.Registry, renderer *render.Engine, dbs *db.Registry, opt Options, log logx.Logger) *Server {
	if log.IsZero() {
		log = logx.Nop()
	}
	rps := opt.StageRatePerSec
	if rps <= 0 {
		rps = 2
	}
	return &Server{
		appCtx:       appCtx,
		reg:          reg,
		renderer:     renderer,
		dbs:          dbs,
		log:          log,
		stageLimiter: rate.NewLimiter(rate.Limit(rps), rps),
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Get("/healthz", s.handleHealthz)
	r.Get("/readyz", s.handleReadyz)

	r.Get("/render", s.handleRender)
	r.Post("/add", s.handleAdd)
	r.Post("/remove", s.handleRemove)
	r.HandleFunc("/get", s.handleGet)
	r.HandleFunc("/queries", s.handleQueries)
	r.Get("/stage", s.handleStage)

	return r
}

// ---------------------------------------------------------------------------
// Response helpers
// ---------------------------------------------------------------------------

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeErr(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()
	if err := s.dbs.Ping(ctx); err != nil {
		s.log.Warn("readiness probe failed", logx.Err(err))
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}
