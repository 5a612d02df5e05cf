// Package dashboard serves the JSON API behind the catalog dashboard: asset
// listing and tag edits, catalog stats, pass triggers, run history, and the
// asset files themselves.
package dashboard

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/openretro/retrohd/internal/catalog"
	"github.com/openretro/retrohd/internal/config"
	"github.com/openretro/retrohd/internal/metrics"
	"github.com/openretro/retrohd/internal/model"
	"github.com/openretro/retrohd/internal/orchestrator"
	"github.com/openretro/retrohd/internal/runlog"
)

// RunReader reads run history. *runlog.Log implements it.
type RunReader interface {
	GetRun(ctx context.Context, id string) (*model.Run, error)
	ListRuns(ctx context.Context, filter runlog.Filter) ([]model.Run, error)
}

// Options wires the server's collaborators. Runs and Metrics may be nil.
type Options struct {
	Catalog      *catalog.Store
	Orchestrator *orchestrator.Orchestrator
	Runs         RunReader
	Metrics      *metrics.Metrics
	Config       *config.Config
}

// Server is the dashboard API.
type Server struct {
	opts Options
}

// New creates a server.
func New(opts Options) *Server {
	return &Server{opts: opts}
}

// Handler builds the router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger)
	r.Use(s.opts.Metrics.Middleware)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: s.opts.Config.Server.CORSOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if s.opts.Metrics != nil {
		r.Handle("/metrics", s.opts.Metrics.Handler())
	}

	r.Route("/api", func(r chi.Router) {
		r.Get("/assets", s.listAssets)
		r.Get("/assets/{key}", s.getAsset)
		r.Put("/assets/{key}/tags", s.putTags)
		r.Get("/stats", s.stats)

		r.Get("/agents", s.listAgents)
		r.Post("/agents/{id}/run", s.runAgent)

		r.Get("/runs", s.listRuns)
		r.Get("/runs/{id}", s.getRun)
	})

	r.Get("/files/{key}/{variant}", s.serveFile)
	return r
}

// requestLogger logs every request with zap after it completes.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		zap.L().Debug("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Int("bytes", ww.BytesWritten()),
			zap.Duration("elapsed", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		zap.L().Warn("dashboard: encode response", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
