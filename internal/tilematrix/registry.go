package tilematrix

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Registry holds the tile matrix set presets loaded from disk.
type Registry struct {
	sets  map[string]*Set
	order []string
}

// LoadPresets reads every config/tile-grids/<id>.json preset under dir.
// Unreadable presets are logged and skipped; a missing directory yields an
// empty registry.
func LoadPresets(dir string, logger *slog.Logger) (*Registry, error) {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{sets: make(map[string]*Set)}

	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return r, nil
		}
		return nil, fmt.Errorf("read preset dir %s: %w", dir, err)
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)

	for _, name := range names {
		path := filepath.Join(dir, name)
		data, err := os.ReadFile(path)
		if err != nil {
			logger.Warn("skipping unreadable tile grid preset", "path", path, "error", err)
			continue
		}
		var s Set
		if err := json.Unmarshal(data, &s); err != nil {
			logger.Warn("skipping invalid tile grid preset", "path", path, "error", err)
			continue
		}
		if s.ID == "" {
			s.ID = strings.TrimSuffix(name, ".json")
		}
		if err := s.Normalize(); err != nil {
			logger.Warn("skipping malformed tile grid preset", "path", path, "error", err)
			continue
		}
		r.add(&s)
	}
	return r, nil
}

func (r *Registry) add(s *Set) {
	if _, exists := r.sets[s.ID]; !exists {
		r.order = append(r.order, s.ID)
	}
	r.sets[s.ID] = s
}

// Preset returns the set with the given id.
func (r *Registry) Preset(id string) (*Set, bool) {
	s, ok := r.sets[id]
	return s, ok
}

// FirstForCRS returns the first preset (in filename order) supporting crs.
func (r *Registry) FirstForCRS(crs string) (*Set, bool) {
	for _, id := range r.order {
		if r.sets[id].Supports(crs) {
			return r.sets[id], true
		}
	}
	return nil, false
}

// IDs lists the preset ids in load order.
func (r *Registry) IDs() []string {
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}
