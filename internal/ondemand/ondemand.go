// Package ondemand renders single tiles on cache misses through the
// persistent renderer pool. Identical concurrent requests collapse into
// one render; viewer sessions can abort their queued work, and admins can
// pause the whole pipeline.
package ondemand

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/MeKo-Tech/tilehub/internal/index"
	"github.com/MeKo-Tech/tilehub/internal/projcfg"
	"github.com/MeKo-Tech/tilehub/internal/renderpool"
	"github.com/MeKo-Tech/tilehub/internal/storage"
	"github.com/MeKo-Tech/tilehub/internal/tilematrix"
)

// Failure modes surfaced on the serving routes.
var (
	ErrPaused         = errors.New("on_demand_paused")
	ErrSessionAborted = errors.New("session_aborted")
	ErrInvalidOutput  = errors.New("invalid_tile_output")
)

// Config tunes the on-demand pipeline. Zero values take defaults.
type Config struct {
	RecordThrottle  time.Duration // min spacing of metadata writes per target
	MinTileBytes    int64
	DefaultPause    time.Duration
	MaxPause        time.Duration
	SessionAbortTTL time.Duration
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		RecordThrottle:  5 * time.Second,
		DefaultPause:    60 * time.Second,
		MaxPause:        5 * time.Minute,
		SessionAbortTTL: 5 * time.Minute,
	}
}

// TileRequest identifies one tile to produce.
type TileRequest struct {
	Project     string
	Mode        string // layer | theme
	Name        string
	Z, X, Y     int
	ProjectFile string
	SessionID   string
}

func (r TileRequest) key() string {
	return fmt.Sprintf("%s|%s|%s|%d|%d|%d", r.Project, r.Mode, r.Name, r.Z, r.X, r.Y)
}

// Renderer coalesces and executes on-demand tile renders.
type Renderer struct {
	cfg     Config
	pool    *renderpool.Pool
	layout  storage.Layout
	index   *index.Service
	configs *projcfg.Service
	presets *tilematrix.Registry
	logger  *slog.Logger

	Now func() time.Time

	group singleflight.Group

	mu           sync.Mutex
	pausedUntil  time.Time
	abortedSids  map[string]time.Time
	lastRecorded map[string]time.Time

	requested atomic.Int64
	completed atomic.Int64
	failed    atomic.Int64
}

// New wires the renderer to the pool and stores.
func New(cfg Config, pool *renderpool.Pool, layout storage.Layout, idx *index.Service, configs *projcfg.Service, presets *tilematrix.Registry, logger *slog.Logger) *Renderer {
	def := DefaultConfig()
	if cfg.RecordThrottle <= 0 {
		cfg.RecordThrottle = def.RecordThrottle
	}
	if cfg.DefaultPause <= 0 {
		cfg.DefaultPause = def.DefaultPause
	}
	if cfg.MaxPause <= 0 {
		cfg.MaxPause = def.MaxPause
	}
	if cfg.SessionAbortTTL <= 0 {
		cfg.SessionAbortTTL = def.SessionAbortTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Renderer{
		cfg:          cfg,
		pool:         pool,
		layout:       layout,
		index:        idx,
		configs:      configs,
		presets:      presets,
		logger:       logger,
		Now:          time.Now,
		abortedSids:  make(map[string]time.Time),
		lastRecorded: make(map[string]time.Time),
	}
}

// Render produces the tile and returns its path. Concurrent calls for the
// same tile share one renderer invocation and one result.
func (r *Renderer) Render(ctx context.Context, req TileRequest) (string, error) {
	r.requested.Add(1)

	if r.paused() {
		r.failed.Add(1)
		return "", ErrPaused
	}
	sid := normalizeSessionID(req.SessionID)
	if sid != "" && r.sessionAborted(sid) {
		r.failed.Add(1)
		return "", ErrSessionAborted
	}
	req.SessionID = sid

	r.recordRequest(req)

	path, err, _ := r.group.Do(req.key(), func() (any, error) {
		return r.renderOnce(ctx, req)
	})
	if err != nil {
		r.failed.Add(1)
		return "", err
	}
	r.completed.Add(1)
	return path.(string), nil
}

func (r *Renderer) renderOnce(ctx context.Context, req TileRequest) (string, error) {
	dir := r.layout.TargetDir(req.Project, req.Mode, req.Name)
	out := storage.TilePath(dir, req.Z, req.X, req.Y, "png")
	if err := os.MkdirAll(filepath.Dir(out), 0o755); err != nil {
		return "", fmt.Errorf("prepare tile dir: %w", err)
	}

	bbox, crs, preset := r.tileBounds(req)

	poolReq := renderpool.Request{
		ProjectPath:      req.ProjectFile,
		OutputFile:       out,
		Z:                req.Z,
		X:                req.X,
		Y:                req.Y,
		BBox:             bbox,
		TileCRS:          crs,
		TileMatrixPreset: preset,
		SessionID:        req.SessionID,
	}
	switch req.Mode {
	case index.KindTheme:
		poolReq.Theme = req.Name
	default:
		poolReq.Layer = req.Name
	}

	if _, err := r.pool.Submit(ctx, poolReq); err != nil {
		return "", err
	}

	ok, err := storage.EnsureValidTile(out, r.cfg.MinTileBytes)
	if err != nil && !os.IsNotExist(err) {
		r.logger.Warn("tile validation failed", "tile", out, "error", err)
	}
	if !ok {
		return "", ErrInvalidOutput
	}
	return out, nil
}

// tileBounds resolves the tile bbox from the target's tile-matrix binding,
// falling back to spherical Web Mercator.
func (r *Renderer) tileBounds(req TileRequest) ([4]float64, string, string) {
	if idx, err := r.index.Read(req.Project); err == nil {
		if entry, ok := idx.Entry(req.Mode, req.Name); ok && entry.TileMatrixPreset != "" && r.presets != nil {
			if set, ok := r.presets.Preset(entry.TileMatrixPreset); ok {
				if m, ok := set.NearestMatrixForZoom(req.Z); ok {
					return m.TileBounds(req.X, req.Y), set.CRS(), set.ID
				}
			}
		} else if ok && entry.TileCRS != "" && entry.TileCRS != "EPSG:3857" && r.presets != nil {
			if set, ok := r.presets.FirstForCRS(entry.TileCRS); ok {
				if m, ok := set.NearestMatrixForZoom(req.Z); ok {
					return m.TileBounds(req.X, req.Y), set.CRS(), set.ID
				}
			}
		}
	}
	return tilematrix.MercatorTileBounds(req.Z, req.X, req.Y), "EPSG:3857", ""
}

// recordRequest stamps lastRequestedAt on config and index, throttled per
// target so tile storms don't hammer the stores.
func (r *Renderer) recordRequest(req TileRequest) {
	target := req.Project + "|" + req.Mode + "|" + req.Name
	now := r.Now()

	r.mu.Lock()
	if last, ok := r.lastRecorded[target]; ok && now.Sub(last) < r.cfg.RecordThrottle {
		r.mu.Unlock()
		return
	}
	r.lastRecorded[target] = now
	r.mu.Unlock()

	stamp := now.UTC().Format(projcfg.TimeFormat)
	if _, err := r.configs.Mutate(req.Project, func(cfg *projcfg.ProjectConfig) {
		cfg.EnsureEntry(req.Mode, req.Name).LastRequestedAt = stamp
	}, projcfg.WriteOptions{SkipReschedule: true}); err != nil {
		r.logger.Warn("on-demand config record failed", "project", req.Project, "error", err)
	}
	if err := r.index.Upsert(req.Project, req.Mode, req.Name, func(e index.Entry) index.Entry {
		e.Updated = stamp
		return e
	}); err != nil {
		r.logger.Warn("on-demand index record failed", "project", req.Project, "error", err)
	}
}

func normalizeSessionID(sid string) string {
	sid = strings.TrimSpace(sid)
	if len(sid) > 64 {
		sid = sid[:64]
	}
	for _, c := range sid {
		valid := c == '-' || c == '_' ||
			(c >= '0' && c <= '9') || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
		if !valid {
			return ""
		}
	}
	return sid
}

func (r *Renderer) paused() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.Now().Before(r.pausedUntil)
}

func (r *Renderer) sessionAborted(sid string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	expiry, ok := r.abortedSids[sid]
	if !ok {
		return false
	}
	if r.Now().After(expiry) {
		delete(r.abortedSids, sid)
		return false
	}
	return true
}

// AbortSession drops queued renders of a viewer session and blocks new
// ones for the abort TTL. Returns the number of dropped renders.
func (r *Renderer) AbortSession(sid string) int {
	sid = normalizeSessionID(sid)
	if sid == "" {
		return 0
	}
	r.mu.Lock()
	r.abortedSids[sid] = r.Now().Add(r.cfg.SessionAbortTTL)
	r.mu.Unlock()

	n := r.pool.CancelQueued(func(req renderpool.Request) bool {
		return req.SessionID == sid
	})
	if n > 0 {
		r.logger.Info("on-demand session aborted", "sid", sid, "dropped", n)
	}
	return n
}

// PauseAll rejects new on-demand work for the given window (default and
// cap from config), drops all queued renders, and tears down in-flight
// renderer children. Already-delivered results are unaffected.
func (r *Renderer) PauseAll(d time.Duration) (time.Time, int) {
	if d <= 0 {
		d = r.cfg.DefaultPause
	}
	if d > r.cfg.MaxPause {
		d = r.cfg.MaxPause
	}
	until := r.Now().Add(d)
	r.mu.Lock()
	r.pausedUntil = until
	r.mu.Unlock()

	dropped := r.pool.AbortAll()
	r.logger.Info("on-demand rendering paused", "until", until, "dropped", dropped)
	return until, dropped
}

// Resume clears an active pause window early.
func (r *Renderer) Resume() {
	r.mu.Lock()
	r.pausedUntil = time.Time{}
	r.mu.Unlock()
}

// Status reports pipeline occupancy for the admin endpoint.
func (r *Renderer) Status() map[string]any {
	queued, active, served, failed := r.pool.Stats()

	r.mu.Lock()
	pausedUntil := r.pausedUntil
	aborted := len(r.abortedSids)
	r.mu.Unlock()

	st := map[string]any{
		"queued":          queued,
		"active":          active,
		"poolServed":      served,
		"poolFailed":      failed,
		"requested":       r.requested.Load(),
		"completed":       r.completed.Load(),
		"failed":          r.failed.Load(),
		"abortedSessions": aborted,
		"paused":          r.Now().Before(pausedUntil),
	}
	if r.Now().Before(pausedUntil) {
		st["pausedUntil"] = pausedUntil.UTC().Format(time.RFC3339)
	}
	return st
}
