package ogc

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/MeKo-Tech/tilehub/internal/index"
	"github.com/MeKo-Tech/tilehub/internal/ondemand"
	"github.com/MeKo-Tech/tilehub/internal/storage"
	"github.com/MeKo-Tech/tilehub/internal/tilematrix"
)

// HandleRESTTile serves
// GET /wmts/rest/{projectKey}/{layerKey}/{styleId}/{setId}/{tileMatrix}/{tileRow}/{tileCol}.{ext}.
func (s *Service) HandleRESTTile(w http.ResponseWriter, r *http.Request) {
	projectKey := chi.URLParam(r, "projectKey")
	layerKey := chi.URLParam(r, "layerKey")
	setID := chi.URLParam(r, "setId")
	matrixID := chi.URLParam(r, "tileMatrix")
	ext := chi.URLParam(r, "ext")

	if ext != "png" {
		writeError(w, http.StatusNotFound, "unsupported_format", "only png tiles are served")
		return
	}
	row, err1 := strconv.Atoi(chi.URLParam(r, "tileRow"))
	col, err2 := strconv.Atoi(chi.URLParam(r, "tileCol"))
	if err1 != nil || err2 != nil || row < 0 || col < 0 {
		writeError(w, http.StatusBadRequest, "invalid_tile_index", "")
		return
	}

	inv, err := s.BuildInventory(projectKey, "")
	if err != nil {
		writeError(w, http.StatusInternalServerError, "wmts_capabilities_failed", err.Error())
		return
	}
	rec, ok := inv.LayerByKeys(projectKey, layerKey)
	if !ok || rec.TileMatrixSetID != setID {
		writeError(w, http.StatusNotFound, "layer_not_found", "")
		return
	}
	set, ok := inv.MatrixSets[setID]
	if !ok {
		writeError(w, http.StatusNotFound, "tile_matrix_set_not_found", "")
		return
	}
	m, ok := set.MatrixByIdentifier(matrixID)
	if !ok {
		writeError(w, http.StatusNotFound, "tile_matrix_not_found", "")
		return
	}
	if !m.Contains(col, row) {
		writeError(w, http.StatusNotFound, "tile_out_of_bounds", "")
		return
	}

	s.serveTile(w, r, rec, m.SourceLevel, col, row, s.cacheHeader())
}

// HandleKVPTile serves GET /wmts?REQUEST=GetTile with case-insensitive KVP
// parameters and lenient matrix matching.
func (s *Service) HandleKVPTile(w http.ResponseWriter, r *http.Request) {
	q := kvpParams(r)

	layerID := q["layer"]
	if layerID == "" {
		writeError(w, http.StatusBadRequest, "layer_required", "")
		return
	}
	row, err1 := strconv.Atoi(q["tilerow"])
	col, err2 := strconv.Atoi(q["tilecol"])
	if err1 != nil || err2 != nil || row < 0 || col < 0 {
		writeError(w, http.StatusBadRequest, "invalid_tile_index", "")
		return
	}

	inv, err := s.BuildInventory("", "")
	if err != nil {
		writeError(w, http.StatusInternalServerError, "wmts_capabilities_failed", err.Error())
		return
	}
	rec, ok := inv.Layer(layerID)
	if !ok {
		writeError(w, http.StatusNotFound, "layer_not_found", "")
		return
	}
	set, ok := inv.MatrixSets[rec.TileMatrixSetID]
	if !ok {
		writeError(w, http.StatusNotFound, "tile_matrix_set_not_found", "")
		return
	}

	// Some clients prepend the CRS (EPSG:3006:5); keep the zoom part.
	matrixID := tilematrix.NormalizeKVPMatrix(q["tilematrix"])
	m, mcol, mrow, ok := set.RemapTile(matrixID, col, row)
	if !ok {
		writeError(w, http.StatusNotFound, "tile_matrix_not_found", "")
		return
	}
	if m.Identifier != matrixID {
		s.logger.Debug("kvp matrix remapped",
			"layer", rec.Identifier, "requested", matrixID, "served", m.Identifier,
			"col", col, "row", row, "remappedCol", mcol, "remappedRow", mrow)
	}
	if !m.Contains(mcol, mrow) {
		// TMS clients count rows from the bottom.
		flipped := m.FlipRowTMS(mrow)
		if !m.Contains(mcol, flipped) {
			writeError(w, http.StatusNotFound, "tile_out_of_bounds", "")
			return
		}
		mrow = flipped
	}

	s.serveTile(w, r, rec, m.SourceLevel, mcol, mrow, s.cacheHeader())
}

// HandleLegacyTile serves GET /wmts/{project}/[themes/]{name}/{z}/{x}/{y}.png
// straight off the cache tree, with theme-to-layer fallback.
func (s *Service) HandleLegacyTile(w http.ResponseWriter, r *http.Request) {
	project := storage.SanitizeProjectID(chi.URLParam(r, "project"))
	name := chi.URLParam(r, "name")
	kind := index.KindLayer
	if strings.Contains(r.URL.Path, "/themes/") {
		kind = index.KindTheme
	}

	z, err1 := strconv.Atoi(chi.URLParam(r, "z"))
	x, err2 := strconv.Atoi(chi.URLParam(r, "x"))
	y, err3 := strconv.Atoi(chi.URLParam(r, "y"))
	if err1 != nil || err2 != nil || err3 != nil || z < 0 || x < 0 || y < 0 {
		writeError(w, http.StatusBadRequest, "invalid_tile_index", "")
		return
	}

	// A theme request for something only configured as a layer falls back
	// to the layer of the same name.
	if kind == index.KindTheme {
		if cfg, err := s.configs.Read(project); err == nil {
			if cfg.Entry(index.KindTheme, name) == nil && cfg.Entry(index.KindLayer, name) != nil {
				s.logger.Info("theme request falls back to layer", "project", project, "name", name)
				kind = index.KindLayer
			}
		}
	}

	rec := LayerRecord{Project: project, Name: name, Kind: kind}
	s.serveTile(w, r, rec, z, x, y, "no-cache")
}

func (s *Service) cacheHeader() string {
	return fmt.Sprintf("public, max-age=%d", s.cfg.TileMaxAgeSeconds)
}

// serveTile sends the cached file, rendering it on demand when missing or
// structurally invalid.
func (s *Service) serveTile(w http.ResponseWriter, r *http.Request, rec LayerRecord, z, col, row int, cacheControl string) {
	dir := s.layout.TargetDir(rec.Project, rec.Kind, rec.Name)
	path := storage.TilePath(dir, z, col, row, "png")

	if ok, _ := storage.EnsureValidTile(path, s.cfg.MinTileBytes); ok {
		w.Header().Set("Cache-Control", cacheControl)
		http.ServeFile(w, r, path)
		return
	}
	if s.ondemand == nil {
		writeError(w, http.StatusNotFound, "tile_not_found", "")
		return
	}

	projectFile := ""
	if s.ResolveProject != nil {
		projectFile, _ = s.ResolveProject(rec.Project)
	}
	out, err := s.ondemand.Render(r.Context(), ondemand.TileRequest{
		Project:     rec.Project,
		Mode:        rec.Kind,
		Name:        rec.Name,
		Z:           z,
		X:           col,
		Y:           row,
		ProjectFile: projectFile,
		SessionID:   r.URL.Query().Get("sid"),
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, onDemandErrorCode(err), "")
		return
	}
	w.Header().Set("Cache-Control", cacheControl)
	http.ServeFile(w, r, out)
}

func onDemandErrorCode(err error) string {
	switch {
	case errors.Is(err, ondemand.ErrPaused):
		return "on_demand_paused"
	case errors.Is(err, ondemand.ErrSessionAborted):
		return "session_aborted"
	case errors.Is(err, ondemand.ErrInvalidOutput):
		return "invalid_tile_output"
	default:
		return "aborted"
	}
}

// kvpParams lowercases query keys so WMTS KVP parsing is case-insensitive.
func kvpParams(r *http.Request) map[string]string {
	out := map[string]string{}
	for k, v := range r.URL.Query() {
		if len(v) > 0 {
			out[strings.ToLower(k)] = v[0]
		}
	}
	return out
}
