package projcfg

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/MeKo-Tech/tilehub/internal/jsonstore"
	"github.com/MeKo-Tech/tilehub/internal/storage"
)

// Service loads, caches, and persists project configurations.
type Service struct {
	layout storage.Layout
	logger *slog.Logger

	mu    sync.Mutex
	cache map[string]*ProjectConfig

	// Finalize is invoked before every persist to recompute schedule state
	// (history bounds, nextRunAt). Wired by the schedule engine.
	Finalize func(cfg *ProjectConfig, now time.Time)

	// OnReschedule re-registers the project timer after a persist, unless
	// the write opted out.
	OnReschedule func(projectID string, cfg *ProjectConfig)

	// Now is the clock, overridable in tests.
	Now func() time.Time
}

// WriteOptions tune a single persist.
type WriteOptions struct {
	SkipReschedule bool
}

// NewService creates a config service over the given cache layout.
func NewService(layout storage.Layout, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		layout: layout,
		logger: logger,
		cache:  make(map[string]*ProjectConfig),
		Now:    time.Now,
	}
}

// Read returns the merged config for a project: defaults overlaid with the
// on-disk file. The result is cached per id; callers receive a deep copy
// they may mutate freely.
func (s *Service) Read(id string) (*ProjectConfig, error) {
	id = storage.SanitizeProjectID(id)

	s.mu.Lock()
	if cfg, ok := s.cache[id]; ok {
		s.mu.Unlock()
		return cloneConfig(cfg), nil
	}
	s.mu.Unlock()

	cfg, err := s.load(id)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.cache[id] = cfg
	s.mu.Unlock()
	return cloneConfig(cfg), nil
}

func (s *Service) load(id string) (*ProjectConfig, error) {
	path := s.layout.ConfigPath(id)

	var onDisk map[string]any
	found, err := jsonstore.ReadJSON(path, &onDisk)
	if err != nil {
		s.logger.Error("project config unreadable, using defaults", "project", id, "error", err)
		return Default(id), nil
	}
	if !found {
		return Default(id), nil
	}

	defaults, err := toMap(Default(id))
	if err != nil {
		return nil, fmt.Errorf("defaults for %s: %w", id, err)
	}
	merged := DeepMerge(defaults, onDisk)

	cfg := Default(id)
	if err := fromMap(merged, cfg); err != nil {
		s.logger.Error("project config undecodable, using defaults", "project", id, "error", err)
		return Default(id), nil
	}
	cfg.ProjectID = id
	if cfg.Layers == nil {
		cfg.Layers = map[string]*TargetEntry{}
	}
	if cfg.Themes == nil {
		cfg.Themes = map[string]*TargetEntry{}
	}
	return cfg, nil
}

// Write persists a config: applies defaults, trims histories, finalizes
// schedules, stamps updatedAt, writes atomically, refreshes the cache, and
// notifies the scheduler unless opted out.
func (s *Service) Write(id string, cfg *ProjectConfig, opts ...WriteOptions) error {
	id = storage.SanitizeProjectID(id)
	now := s.Now()

	var opt WriteOptions
	if len(opts) > 0 {
		opt = opts[0]
	}

	cfg.ProjectID = id
	if cfg.CreatedAt == "" {
		cfg.CreatedAt = now.UTC().Format(TimeFormat)
	}
	cfg.UpdatedAt = now.UTC().Format(TimeFormat)
	cfg.Recache.History = TrimHistory(cfg.Recache.History)
	cfg.ProjectCache.History = TrimHistory(cfg.ProjectCache.History)
	for _, entries := range []map[string]*TargetEntry{cfg.Layers, cfg.Themes} {
		for _, e := range entries {
			if e != nil && e.Schedule != nil {
				e.Schedule.History = TrimHistory(e.Schedule.History)
			}
		}
	}
	if s.Finalize != nil {
		s.Finalize(cfg, now)
	}

	if err := jsonstore.WriteJSON(s.layout.ConfigPath(id), cfg); err != nil {
		return fmt.Errorf("persist config for %s: %w", id, err)
	}

	s.mu.Lock()
	s.cache[id] = cloneConfig(cfg)
	s.mu.Unlock()

	if !opt.SkipReschedule && s.OnReschedule != nil {
		s.OnReschedule(id, cloneConfig(cfg))
	}
	return nil
}

// Update deep-merges a patch into the stored config and persists the
// result. createdAt is preserved from the existing config.
func (s *Service) Update(id string, patch map[string]any, opts ...WriteOptions) (*ProjectConfig, error) {
	current, err := s.Read(id)
	if err != nil {
		return nil, err
	}
	createdAt := current.CreatedAt

	base, err := toMap(current)
	if err != nil {
		return nil, fmt.Errorf("encode config for %s: %w", id, err)
	}
	merged := DeepMerge(base, patch)

	next := Default(id)
	if err := fromMap(merged, next); err != nil {
		return nil, fmt.Errorf("apply patch for %s: %w", id, err)
	}
	next.CreatedAt = createdAt

	if err := s.Write(id, next, opts...); err != nil {
		return nil, err
	}
	return cloneConfig(next), nil
}

// Mutate reads, applies fn, and writes. Read and Write each take the
// service mutex on their own, so concurrent mutations may shadow each
// other; the atomic replace in Write keeps the file intact either way.
func (s *Service) Mutate(id string, fn func(cfg *ProjectConfig), opts ...WriteOptions) (*ProjectConfig, error) {
	cfg, err := s.Read(id)
	if err != nil {
		return nil, err
	}
	fn(cfg)
	if err := s.Write(id, cfg, opts...); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Evict drops a project from the in-memory cache (after deletion).
func (s *Service) Evict(id string) {
	id = storage.SanitizeProjectID(id)
	s.mu.Lock()
	delete(s.cache, id)
	s.mu.Unlock()
}

func cloneConfig(cfg *ProjectConfig) *ProjectConfig {
	m, err := toMap(cfg)
	if err != nil {
		return cfg
	}
	out := &ProjectConfig{}
	if err := fromMap(m, out); err != nil {
		return cfg
	}
	return out
}
