// Package ogc serves the WMTS and WMS surfaces from the cache indexes:
// capability documents, REST and KVP GetTile with tile-matrix translation,
// the legacy per-project tile routes, and the WMS GetMap redirect.
package ogc

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/MeKo-Tech/tilehub/internal/index"
	"github.com/MeKo-Tech/tilehub/internal/ondemand"
	"github.com/MeKo-Tech/tilehub/internal/projcfg"
	"github.com/MeKo-Tech/tilehub/internal/storage"
	"github.com/MeKo-Tech/tilehub/internal/tilematrix"
)

// Config tunes the OGC surface.
type Config struct {
	TileMaxAgeSeconds int // Cache-Control for REST/KVP tiles
	MinTileBytes      int64
	BaseURL           string // external base URL override; empty derives from the request
}

// Service renders the OGC endpoints.
type Service struct {
	cfg      Config
	layout   storage.Layout
	index    *index.Service
	configs  *projcfg.Service
	presets  *tilematrix.Registry
	ondemand *ondemand.Renderer
	meta     ServiceMetadata
	logger   *slog.Logger

	// ResolveProject maps a project id to its source file for on-demand
	// renders; nil leaves the project path empty.
	ResolveProject func(id string) (string, bool)
}

// NewService wires the OGC surface.
func NewService(cfg Config, layout storage.Layout, idx *index.Service, configs *projcfg.Service, presets *tilematrix.Registry, od *ondemand.Renderer, meta ServiceMetadata, logger *slog.Logger) *Service {
	if cfg.TileMaxAgeSeconds <= 0 {
		cfg.TileMaxAgeSeconds = 3600
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		cfg:      cfg,
		layout:   layout,
		index:    idx,
		configs:  configs,
		presets:  presets,
		ondemand: od,
		meta:     meta,
		logger:   logger,
	}
}

// baseURL derives the externally visible URL prefix.
func (s *Service) baseURL(r *http.Request) string {
	if s.cfg.BaseURL != "" {
		return s.cfg.BaseURL
	}
	scheme := "http"
	if r.TLS != nil || r.Header.Get("X-Forwarded-Proto") == "https" {
		scheme = "https"
	}
	return scheme + "://" + r.Host
}

func writeError(w http.ResponseWriter, status int, code, details string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	body := map[string]string{"error": code}
	if details != "" {
		body["details"] = details
	}
	_ = json.NewEncoder(w).Encode(body)
}
