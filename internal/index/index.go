// Package index maintains cache/<project>/index.json, the catalog of every
// cached layer and theme that the OGC endpoints publish from.
package index

import (
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/MeKo-Tech/tilehub/internal/jsonstore"
	"github.com/MeKo-Tech/tilehub/internal/storage"
)

// Entry kinds and schemes.
const (
	KindLayer = "layer"
	KindTheme = "theme"
)

// Entry describes one cached layer or theme.
type Entry struct {
	Name             string         `json:"name"`
	Kind             string         `json:"kind"`   // layer | theme
	Scheme           string         `json:"scheme"` // xyz | wmts | custom
	TileCRS          string         `json:"tile_crs,omitempty"`
	CRS              string         `json:"crs,omitempty"`
	Cacheable        bool           `json:"cacheable"`
	Extent           []float64      `json:"extent,omitempty"`
	ExtentWgs84      []float64      `json:"extent_wgs84,omitempty"`
	ZoomMin          *int           `json:"zoom_min,omitempty"`
	ZoomMax          *int           `json:"zoom_max,omitempty"`
	PublishedZoomMin *int           `json:"published_zoom_min,omitempty"`
	PublishedZoomMax *int           `json:"published_zoom_max,omitempty"`
	CachedZoomMin    *int           `json:"cached_zoom_min,omitempty"`
	CachedZoomMax    *int           `json:"cached_zoom_max,omitempty"`
	LastZoomMin      *int           `json:"last_zoom_min,omitempty"`
	LastZoomMax      *int           `json:"last_zoom_max,omitempty"`
	TileFormat       string         `json:"tile_format,omitempty"`
	XYZMode          string         `json:"xyz_mode,omitempty"`
	Path             string         `json:"path,omitempty"`
	TileMatrixPreset string         `json:"tile_matrix_preset,omitempty"`
	TileMatrixSet    map[string]any `json:"tile_matrix_set,omitempty"`
	TileProfileSrc   string         `json:"tile_profile_source,omitempty"`
	Status           string         `json:"status,omitempty"`
	Partial          bool           `json:"partial,omitempty"`
	Progress         *float64       `json:"progress,omitempty"`
	Generated        string         `json:"generated,omitempty"`
	Updated          string         `json:"updated,omitempty"`
	TileCount        *int           `json:"tile_count,omitempty"`
	CacheRemovedAt   string         `json:"cache_removed_at,omitempty"`
	CacheExists      *bool          `json:"cache_exists,omitempty"`
	HasTiles         *bool          `json:"has_tiles,omitempty"`
}

// Index is the persisted catalog for one project.
type Index struct {
	Project string  `json:"project"`
	ID      string  `json:"id"`
	Created string  `json:"created,omitempty"`
	Updated string  `json:"updated,omitempty"`
	Layers  []Entry `json:"layers"`
}

// Service reads and mutates project indexes with per-project serialization.
type Service struct {
	layout storage.Layout
	logger *slog.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex

	Now func() time.Time
}

// NewService creates an index service over the cache layout.
func NewService(layout storage.Layout, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		layout: layout,
		logger: logger,
		locks:  make(map[string]*sync.Mutex),
		Now:    time.Now,
	}
}

func (s *Service) projectLock(project string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[project]
	if !ok {
		l = &sync.Mutex{}
		s.locks[project] = l
	}
	return l
}

// Read loads the index for a project, returning an empty bootstrap when no
// file exists.
func (s *Service) Read(project string) (*Index, error) {
	project = storage.SanitizeProjectID(project)
	idx := &Index{Project: project, ID: project}
	found, err := jsonstore.ReadJSON(s.layout.IndexPath(project), idx)
	if err != nil {
		return nil, fmt.Errorf("read index for %s: %w", project, err)
	}
	if !found {
		idx.Created = s.Now().UTC().Format(time.RFC3339)
	}
	if idx.Layers == nil {
		idx.Layers = []Entry{}
	}
	return idx, nil
}

// Write persists an index atomically, stamping updated.
func (s *Service) Write(project string, idx *Index) error {
	project = storage.SanitizeProjectID(project)
	idx.Project = project
	if idx.ID == "" {
		idx.ID = project
	}
	now := s.Now().UTC().Format(time.RFC3339)
	if idx.Created == "" {
		idx.Created = now
	}
	idx.Updated = now
	if err := jsonstore.WriteJSON(s.layout.IndexPath(project), idx); err != nil {
		return fmt.Errorf("persist index for %s: %w", project, err)
	}
	return nil
}

// Upsert loads the index, replaces the entry keyed by (kind, name) with the
// updater's result, and persists. The updater receives the prior entry or a
// zero-valued one.
func (s *Service) Upsert(project, kind, name string, updater func(e Entry) Entry) error {
	lock := s.projectLock(storage.SanitizeProjectID(project))
	lock.Lock()
	defer lock.Unlock()

	idx, err := s.Read(project)
	if err != nil {
		return err
	}

	existing := Entry{Name: name, Kind: kind}
	kept := idx.Layers[:0]
	for _, e := range idx.Layers {
		if e.Kind == kind && e.Name == name {
			existing = e
			continue
		}
		kept = append(kept, e)
	}
	idx.Layers = kept

	next := updater(existing)
	next.Name = name
	next.Kind = kind
	next.Updated = s.Now().UTC().Format(time.RFC3339)
	idx.Layers = append(idx.Layers, next)

	return s.Write(project, idx)
}

// ClearCached marks a target as uncached after its tile tree is deleted.
// The entry is retained so the layer still lists as "uncached" rather than
// disappearing.
func (s *Service) ClearCached(project, kind, name string) error {
	return s.Upsert(project, kind, name, func(e Entry) Entry {
		e.CachedZoomMin = nil
		e.CachedZoomMax = nil
		e.Path = ""
		e.TileCount = nil
		e.CacheRemovedAt = s.Now().UTC().Format(time.RFC3339)
		f := false
		e.CacheExists = &f
		return e
	})
}

// Bootstrap writes a fresh empty index for a project.
func (s *Service) Bootstrap(project string) error {
	project = storage.SanitizeProjectID(project)
	idx := &Index{Project: project, ID: project, Layers: []Entry{}}
	return s.Write(project, idx)
}

// Augment decorates entries for the read endpoint: has_tiles from a disk
// probe, cached zoom backfilled from last-run zooms when the tile tree
// exists but the range was never stamped.
func (s *Service) Augment(project string, idx *Index) {
	for i := range idx.Layers {
		e := &idx.Layers[i]
		dir := s.layout.TargetDir(project, e.Kind, e.Name)
		hasTiles := dirHasEntries(dir)
		e.HasTiles = &hasTiles
		if hasTiles && e.CachedZoomMin == nil && e.LastZoomMin != nil {
			e.CachedZoomMin = e.LastZoomMin
			e.CachedZoomMax = e.LastZoomMax
		}
	}
}

// Entry finds the entry for (kind, name) in an index.
func (idx *Index) Entry(kind, name string) (Entry, bool) {
	for _, e := range idx.Layers {
		if e.Kind == kind && e.Name == name {
			return e, true
		}
	}
	return Entry{}, false
}

func dirHasEntries(dir string) bool {
	entries, err := os.ReadDir(dir)
	return err == nil && len(entries) > 0
}
