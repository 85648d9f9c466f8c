package ogc

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/MeKo-Tech/tilehub/internal/index"
	"github.com/MeKo-Tech/tilehub/internal/storage"
	"github.com/MeKo-Tech/tilehub/internal/tilematrix"
)

// LayerRecord is one publishable layer in the capability documents.
type LayerRecord struct {
	Identifier string // <projectKey>_<layerKey>, unique
	Project    string
	ProjectKey string
	Name       string
	LayerKey   string
	Kind       string // layer | theme
	Title      string

	TileMatrixSetID string
	CRS             string
	Extent          []float64 // native bbox, may be nil
	ExtentWgs84     []float64 // lon/lat bbox, may be nil
	ZoomMin         int
	ZoomMax         int

	Entry index.Entry
}

// Inventory is the normalized view over every project index.
type Inventory struct {
	Layers     []LayerRecord
	MatrixSets map[string]*tilematrix.Set
	MaxZoom    int
}

// Layer resolves a record by identifier, raw layer key, or layer name.
// Identifier suffix matches cover clients that drop the project prefix.
func (inv *Inventory) Layer(id string) (LayerRecord, bool) {
	for _, rec := range inv.Layers {
		if rec.Identifier == id {
			return rec, true
		}
	}
	for _, rec := range inv.Layers {
		if rec.LayerKey == id || rec.Name == id || strings.HasSuffix(rec.Identifier, "_"+id) {
			return rec, true
		}
	}
	return LayerRecord{}, false
}

// LayerByKeys resolves the REST route pair (projectKey, layerKey).
func (inv *Inventory) LayerByKeys(projectKey, layerKey string) (LayerRecord, bool) {
	for _, rec := range inv.Layers {
		if rec.ProjectKey == projectKey && rec.LayerKey == layerKey {
			return rec, true
		}
	}
	return LayerRecord{}, false
}

// BuildInventory walks cache/*/index.json and produces the publishable
// layer list plus every referenced tile matrix set. Layers that could
// never serve a tile (no Web Mercator XYZ coverage and no custom matrix
// set) are filtered out. Filters narrow to one project and/or layer name.
func (s *Service) BuildInventory(projectFilter, layerFilter string) (*Inventory, error) {
	inv := &Inventory{MatrixSets: map[string]*tilematrix.Set{}}

	projects, err := s.listCachedProjects()
	if err != nil {
		return nil, err
	}

	for _, project := range projects {
		if projectFilter != "" && project != storage.SanitizeProjectID(projectFilter) {
			continue
		}
		idx, err := s.index.Read(project)
		if err != nil {
			s.logger.Warn("index unreadable, skipping project", "project", project, "error", err)
			continue
		}
		s.index.Augment(project, idx)

		projectKey := storage.SanitizeProjectID(project)
		for _, entry := range idx.Layers {
			if layerFilter != "" && entry.Name != layerFilter {
				continue
			}
			rec, ok := s.recordFor(project, projectKey, entry, inv)
			if !ok {
				continue
			}
			inv.Layers = append(inv.Layers, rec)
			if rec.ZoomMax > inv.MaxZoom {
				inv.MaxZoom = rec.ZoomMax
			}
		}
	}

	sort.Slice(inv.Layers, func(i, j int) bool {
		return inv.Layers[i].Identifier < inv.Layers[j].Identifier
	})
	dedupeIdentifiers(inv.Layers)

	if inv.usesWebMercator() {
		maxZoom := inv.MaxZoom
		if maxZoom < 1 {
			maxZoom = 18
		}
		inv.MatrixSets[tilematrix.WebMercatorSetID] = tilematrix.BuildWebMercatorSet(maxZoom)
	}
	return inv, nil
}

func (inv *Inventory) usesWebMercator() bool {
	for _, rec := range inv.Layers {
		if rec.TileMatrixSetID == tilematrix.WebMercatorSetID {
			return true
		}
	}
	return false
}

// recordFor normalizes one index entry, deciding its matrix-set binding.
func (s *Service) recordFor(project, projectKey string, entry index.Entry, inv *Inventory) (LayerRecord, bool) {
	rec := LayerRecord{
		Project:    project,
		ProjectKey: projectKey,
		Name:       entry.Name,
		LayerKey:   storage.SanitizeName(entry.Name),
		Kind:       entry.Kind,
		Title:      entry.Name,
		CRS:        entry.TileCRS,
		Entry:      entry,
	}
	if rec.Kind == "" {
		rec.Kind = index.KindLayer
	}
	rec.Identifier = projectKey + "_" + rec.LayerKey

	switch {
	case entry.TileMatrixPreset != "" && s.presets != nil:
		set, ok := s.presets.Preset(entry.TileMatrixPreset)
		if !ok {
			return LayerRecord{}, false
		}
		rec.TileMatrixSetID = set.ID
		if rec.CRS == "" {
			rec.CRS = set.CRS()
		}
		inv.MatrixSets[set.ID] = set

	case entry.TileMatrixSet != nil:
		set, err := setFromEntry(entry)
		if err != nil {
			s.logger.Warn("embedded tile matrix set invalid", "project", project, "layer", entry.Name, "error", err)
			return LayerRecord{}, false
		}
		rec.TileMatrixSetID = set.ID
		if rec.CRS == "" {
			rec.CRS = set.CRS()
		}
		inv.MatrixSets[set.ID] = set

	case isWebMercatorXYZ(entry):
		rec.TileMatrixSetID = tilematrix.WebMercatorSetID
		if rec.CRS == "" {
			rec.CRS = "EPSG:3857"
		}

	default:
		// No usable matrix binding: every request would 404.
		return LayerRecord{}, false
	}

	rec.ZoomMin, rec.ZoomMax = zoomRangeOf(entry)
	rec.Extent = entry.Extent
	rec.ExtentWgs84 = entry.ExtentWgs84
	if rec.ExtentWgs84 == nil && rec.CRS == "EPSG:3857" && len(entry.Extent) == 4 {
		wgs := tilematrix.MercatorToWgs84([4]float64{entry.Extent[0], entry.Extent[1], entry.Extent[2], entry.Extent[3]})
		rec.ExtentWgs84 = wgs[:]
	}
	return rec, true
}

func isWebMercatorXYZ(entry index.Entry) bool {
	if entry.Scheme != "" && entry.Scheme != "xyz" && entry.Scheme != "auto" {
		return false
	}
	return entry.TileCRS == "" || strings.EqualFold(entry.TileCRS, "EPSG:3857")
}

func zoomRangeOf(entry index.Entry) (int, int) {
	min, max := 0, 18
	switch {
	case entry.PublishedZoomMin != nil && entry.PublishedZoomMax != nil:
		min, max = *entry.PublishedZoomMin, *entry.PublishedZoomMax
	case entry.CachedZoomMin != nil && entry.CachedZoomMax != nil:
		min, max = *entry.CachedZoomMin, *entry.CachedZoomMax
	case entry.ZoomMin != nil && entry.ZoomMax != nil:
		min, max = *entry.ZoomMin, *entry.ZoomMax
	}
	if max < min {
		max = min
	}
	return min, max
}

// setFromEntry decodes an index entry's embedded tile_matrix_set.
func setFromEntry(entry index.Entry) (*tilematrix.Set, error) {
	data, err := json.Marshal(entry.TileMatrixSet)
	if err != nil {
		return nil, err
	}
	var set tilematrix.Set
	if err := json.Unmarshal(data, &set); err != nil {
		return nil, err
	}
	if set.ID == "" {
		set.ID = "custom_" + storage.SanitizeName(entry.Name)
	}
	if err := set.Normalize(); err != nil {
		return nil, err
	}
	return &set, nil
}

// dedupeIdentifiers suffixes collisions so every identifier stays unique.
func dedupeIdentifiers(layers []LayerRecord) {
	seen := map[string]int{}
	for i := range layers {
		id := layers[i].Identifier
		n := seen[id]
		seen[id] = n + 1
		if n > 0 {
			layers[i].Identifier = fmt.Sprintf("%s_%d", id, n+1)
		}
	}
}

// listCachedProjects enumerates cache/* directories with an index file.
func (s *Service) listCachedProjects() ([]string, error) {
	entries, err := os.ReadDir(s.layout.CacheRoot)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var projects []string
	for _, e := range entries {
		if !e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		if _, err := os.Stat(s.layout.IndexPath(e.Name())); err == nil {
			projects = append(projects, e.Name())
		}
	}
	sort.Strings(projects)
	return projects, nil
}
