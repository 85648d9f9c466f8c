// Package server exposes the HTTP surface: project and cache management,
// the render-job API, on-demand controls, and the OGC endpoints.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/MeKo-Tech/tilehub/internal/index"
	"github.com/MeKo-Tech/tilehub/internal/jobs"
	"github.com/MeKo-Tech/tilehub/internal/ogc"
	"github.com/MeKo-Tech/tilehub/internal/ondemand"
	"github.com/MeKo-Tech/tilehub/internal/projcfg"
	"github.com/MeKo-Tech/tilehub/internal/project"
	"github.com/MeKo-Tech/tilehub/internal/schedule"
	"github.com/MeKo-Tech/tilehub/internal/storage"
)

// Auth failures surfaced by an AccessProvider.
var (
	ErrAuthRequired       = errors.New("auth_required")
	ErrAuthPluginDisabled = errors.New("auth_plugin_disabled")
)

// AccessProvider is the external authentication collaborator. A nil
// provider leaves the server open.
type AccessProvider interface {
	// CheckAdmin returns nil when the request may perform admin actions.
	CheckAdmin(r *http.Request) error
	// CheckProject returns nil when the request may access the project.
	CheckProject(r *http.Request, projectID string) error
}

// Config parameterizes the HTTP server.
type Config struct {
	Addr            string
	ShutdownTimeout time.Duration
}

// Server bundles the subsystems behind the router.
type Server struct {
	cfg      Config
	layout   storage.Layout
	registry *project.Registry
	configs  *projcfg.Service
	index    *index.Service
	jobs     *jobs.Manager
	engine   *schedule.Engine
	ondemand *ondemand.Renderer
	ogc      *ogc.Service
	access   AccessProvider
	logger   *slog.Logger

	http *http.Server
}

// New assembles the server. Any subsystem may be nil in tests; the
// corresponding routes then fail with 503.
func New(cfg Config, layout storage.Layout, registry *project.Registry, configs *projcfg.Service, idx *index.Service, jm *jobs.Manager, engine *schedule.Engine, od *ondemand.Renderer, ogcSvc *ogc.Service, access AccessProvider, logger *slog.Logger) *Server {
	if cfg.Addr == "" {
		cfg.Addr = ":3000"
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 15 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		cfg:      cfg,
		layout:   layout,
		registry: registry,
		configs:  configs,
		index:    idx,
		jobs:     jm,
		engine:   engine,
		ondemand: od,
		ogc:      ogcSvc,
		access:   access,
		logger:   logger,
	}
	s.http = &http.Server{
		Addr:              cfg.Addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Router builds the chi route tree.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.RequestID)
	r.Use(s.logRequests)
	r.Use(middleware.Recoverer)
	r.Use(corsMiddleware)

	r.Get("/healthz", s.handleHealthz)

	r.Get("/projects", s.handleListProjects)
	r.Route("/projects/{id}", func(r chi.Router) {
		r.Delete("/", s.admin(s.handleDeleteProject))
		r.Get("/config", s.guarded(s.handleGetConfig))
		r.Patch("/config", s.guarded(s.handlePatchConfig))
		r.Get("/cache/project", s.guarded(s.handleGetBatch))
		r.Post("/cache/project", s.guarded(s.handleStartBatch))
	})

	r.Route("/generate-cache", func(r chi.Router) {
		r.Post("/", s.handleStartJob)
		r.Get("/running", s.handleRunningJobs)
		r.Get("/admin/orphans", s.admin(s.handleListOrphans))
		r.Post("/admin/orphans/{id}/kill", s.admin(s.handleKillOrphan))
		r.Post("/admin/{id}/diagnose", s.admin(s.handleDiagnoseJob))
		r.Delete("/abort-all/{project}", s.handleAbortAll)
		r.Delete("/abort-all/{project}/{layer}", s.handleAbortAll)
		r.Get("/{id}", s.handleGetJob)
		r.Delete("/{id}", s.handleAbortJob)
		r.Post("/{id}/abort", s.handleAbortJob)
	})
	r.Post("/admin/kill-pid", s.admin(s.handleKillPid))

	r.Route("/cache/{project}", func(r chi.Router) {
		r.Get("/index.json", s.handleGetIndex)
		r.Patch("/index.json", s.guarded(s.handlePatchIndex))
		r.Delete("/", s.guarded(s.handleDeleteCache))
		r.Delete("/{name}", s.guarded(s.handleDeleteTargetCache))
	})

	if s.ogc != nil {
		r.Get("/wmts", s.ogc.HandleWMTS)
		r.Get("/wmts/rest/{projectKey}/{layerKey}/{styleId}/{setId}/{tileMatrix}/{tileRow}/{tileCol}.{ext}", s.ogc.HandleRESTTile)
		r.Get("/wmts/{project}/themes/{name}/{z}/{x}/{y}.png", s.ogc.HandleLegacyTile)
		r.Get("/wmts/{project}/{name}/{z}/{x}/{y}.png", s.ogc.HandleLegacyTile)
		r.Get("/wms", s.ogc.HandleWMS)
	}
	r.Get("/wfs", s.handleWFS)

	r.Post("/on-demand/abort", s.handleOnDemandAbort)
	r.Post("/viewer/abort", s.handleOnDemandAbort)
	r.Get("/on-demand/status", s.admin(s.handleOnDemandStatus))
	r.Post("/on-demand/abort-all", s.admin(s.handleOnDemandAbortAll))

	return r
}

// Serve runs the server on the listener until ctx is cancelled, then
// shuts down gracefully.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	errCh := make(chan error, 1)
	go func() {
		if err := s.http.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	s.logger.Info("http server listening", "addr", ln.Addr().String())

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	return s.http.Shutdown(shutdownCtx)
}

// ListenAndServe opens the configured address and serves.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) handleWFS(w http.ResponseWriter, _ *http.Request) {
	// WFS is delegated to an external collaborator.
	writeAPIError(w, http.StatusNotImplemented, "wfs_not_available", "")
}

// guarded wraps project-scoped handlers with the access provider.
func (s *Server) guarded(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.access != nil {
			id := chi.URLParam(r, "id")
			if id == "" {
				id = chi.URLParam(r, "project")
			}
			if err := s.access.CheckProject(r, storage.SanitizeProjectID(id)); err != nil {
				writeAuthError(w, err)
				return
			}
		}
		next(w, r)
	}
}

// admin wraps admin-only handlers.
func (s *Server) admin(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.access != nil {
			if err := s.access.CheckAdmin(r); err != nil {
				writeAuthError(w, err)
				return
			}
		}
		next(w, r)
	}
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Debug("http request",
			"method", r.Method, "path", r.URL.Path,
			"status", ww.Status(), "bytes", ww.BytesWritten(),
			"duration", time.Since(start))
	})
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PATCH, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeAPIError(w http.ResponseWriter, status int, code, details string) {
	body := map[string]any{"error": code}
	if details != "" {
		body["details"] = details
	}
	writeJSON(w, status, body)
}

func writeAuthError(w http.ResponseWriter, err error) {
	if errors.Is(err, ErrAuthPluginDisabled) {
		writeJSON(w, http.StatusForbidden, map[string]any{
			"error":      "auth_plugin_disabled",
			"installUrl": "/admin",
		})
		return
	}
	writeAPIError(w, http.StatusUnauthorized, "auth_required", "")
}

// writeJobError maps job-manager errors onto the standard error shape.
func writeJobError(w http.ResponseWriter, err error) {
	var jerr *jobs.Error
	if errors.As(err, &jerr) {
		body := map[string]any{"error": jerr.Code}
		if jerr.Details != "" {
			body["details"] = jerr.Details
		}
		if jerr.JobID != "" {
			body["id"] = jerr.JobID
		}
		if len(jerr.Pids) > 0 {
			body["pids"] = jerr.Pids
		}
		writeJSON(w, jerr.Status, body)
		return
	}
	writeAPIError(w, http.StatusInternalServerError, "internal_error", err.Error())
}
