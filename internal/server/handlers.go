package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/MeKo-Tech/tilehub/internal/index"
	"github.com/MeKo-Tech/tilehub/internal/jobs"
	"github.com/MeKo-Tech/tilehub/internal/projcfg"
	"github.com/MeKo-Tech/tilehub/internal/project"
	"github.com/MeKo-Tech/tilehub/internal/schedule"
	"github.com/MeKo-Tech/tilehub/internal/storage"
)

const maxBodyBytes = 1 << 20

// batchStartWait bounds how long POST /cache/project waits for the batch
// goroutine to register its run before responding.
const batchStartWait = 2 * time.Second

// indexPurgeFields are the entry fields whose change invalidates the tile
// tree: a PATCH touching any of them purges the target cache first.
var indexPurgeFields = []string{"resolutions", "tileGridId", "extent", "tile_matrix_set", "tile_matrix_preset"}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	defer r.Body.Close()
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		writeAPIError(w, http.StatusBadRequest, "invalid_json", err.Error())
		return false
	}
	return true
}

// --- projects ---

func (s *Server) handleListProjects(w http.ResponseWriter, _ *http.Request) {
	infos, err := s.registry.List()
	if err != nil {
		writeAPIError(w, http.StatusInternalServerError, "list_failed", err.Error())
		return
	}
	if infos == nil {
		infos = []project.Info{}
	}
	writeJSON(w, http.StatusOK, infos)
}

func (s *Server) handleDeleteProject(w http.ResponseWriter, r *http.Request) {
	id := storage.SanitizeProjectID(chi.URLParam(r, "id"))
	if _, ok := s.registry.Resolve(id); !ok {
		writeJobError(w, jobs.ErrProjectNotFound)
		return
	}
	if err := s.registry.Delete(id); err != nil {
		writeJobError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "deleted", "project": id})
}

// --- project config ---

func (s *Server) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	id := storage.SanitizeProjectID(chi.URLParam(r, "id"))
	cfg, err := s.configs.Read(id)
	if err != nil {
		writeAPIError(w, http.StatusInternalServerError, "config_read_failed", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

func (s *Server) handlePatchConfig(w http.ResponseWriter, r *http.Request) {
	id := storage.SanitizeProjectID(chi.URLParam(r, "id"))
	var body map[string]any
	if !decodeBody(w, r, &body) {
		return
	}
	patch := projcfg.BuildPatch(body)
	if len(patch) == 0 {
		writeAPIError(w, http.StatusBadRequest, "empty_patch", "")
		return
	}
	cfg, err := s.configs.Update(id, patch)
	if err != nil {
		writeAPIError(w, http.StatusInternalServerError, "config_write_failed", err.Error())
		return
	}
	if s.engine != nil {
		s.engine.Register(id, cfg)
	}
	writeJSON(w, http.StatusOK, cfg)
}

// --- project batch cache ---

func (s *Server) handleGetBatch(w http.ResponseWriter, r *http.Request) {
	id := storage.SanitizeProjectID(chi.URLParam(r, "id"))
	if s.engine != nil {
		if run, ok := s.engine.ActiveBatch(id); ok {
			writeJSON(w, http.StatusOK, run)
			return
		}
	}
	cfg, err := s.configs.Read(id)
	if err != nil {
		writeAPIError(w, http.StatusInternalServerError, "config_read_failed", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":     "idle",
		"lastRunAt":  cfg.ProjectCache.LastRunAt,
		"lastResult": cfg.ProjectCache.LastResult,
		"lastRunId":  cfg.ProjectCache.LastRunID,
		"history":    cfg.ProjectCache.History,
	})
}

func (s *Server) handleStartBatch(w http.ResponseWriter, r *http.Request) {
	if s.engine == nil {
		writeAPIError(w, http.StatusServiceUnavailable, "scheduler_unavailable", "")
		return
	}
	id := storage.SanitizeProjectID(chi.URLParam(r, "id"))
	if _, ok := s.registry.Resolve(id); !ok {
		writeJobError(w, jobs.ErrProjectNotFound)
		return
	}

	var body struct {
		Layers []string `json:"layers"`
		Reason string   `json:"reason"`
		RunID  string   `json:"runId"`
	}
	if r.ContentLength != 0 {
		if !decodeBody(w, r, &body) {
			return
		}
	}
	runID := body.RunID
	if runID == "" {
		runID = uuid.NewString()
	}
	req := schedule.BatchRequest{
		Layers:  body.Layers,
		Trigger: "manual",
		Reason:  body.Reason,
		RunID:   runID,
	}

	type outcome struct {
		run *schedule.BatchRun
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		run, err := s.engine.RunProjectBatch(context.Background(), id, req)
		done <- outcome{run, err}
	}()

	deadline := time.NewTimer(batchStartWait)
	defer deadline.Stop()
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case out := <-done:
			switch {
			case errors.Is(out.err, schedule.ErrBatchRunning):
				writeJSON(w, http.StatusConflict, map[string]any{"error": "batch_running", "id": out.run.ID})
			case errors.Is(out.err, schedule.ErrNoLayers):
				writeAPIError(w, http.StatusBadRequest, "no_layers", "no cached layers qualify for a project recache")
			case out.err != nil:
				writeAPIError(w, http.StatusInternalServerError, "batch_failed", out.err.Error())
			default:
				writeJSON(w, http.StatusOK, out.run)
			}
			return
		case <-ticker.C:
			if run, ok := s.engine.ActiveBatch(id); ok && run.ID == runID {
				writeJSON(w, http.StatusOK, run)
				return
			}
		case <-deadline.C:
			writeJSON(w, http.StatusOK, map[string]any{"status": "started", "id": runID, "project": id})
			return
		}
	}
}

// --- render jobs ---

func (s *Server) handleStartJob(w http.ResponseWriter, r *http.Request) {
	var req jobs.StartRequest
	if !decodeBody(w, r, &req) {
		return
	}
	snap, err := s.jobs.Start(req)
	if err != nil {
		writeJobError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":     "started",
		"id":         snap.ID,
		"target":     snap.Target.Name,
		"targetMode": snap.Target.Mode,
	})
}

func (s *Server) handleRunningJobs(w http.ResponseWriter, _ *http.Request) {
	running := s.jobs.Running()
	if running == nil {
		running = []jobs.Snapshot{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": running, "count": len(running)})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	tail := 0
	if v := r.URL.Query().Get("tail"); v != "" {
		tail, _ = strconv.Atoi(v)
	}
	snap, ok := s.jobs.Get(id, tail)
	if !ok {
		writeJobError(w, jobs.ErrJobNotFound)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleAbortJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.jobs.Abort(id); err != nil {
		writeJobError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "aborted", "id": id})
}

func (s *Server) handleAbortAll(w http.ResponseWriter, r *http.Request) {
	project := storage.SanitizeProjectID(chi.URLParam(r, "project"))
	layer := chi.URLParam(r, "layer")
	ids, err := s.jobs.AbortProject(project, layer)
	if err != nil {
		writeJobError(w, err)
		return
	}
	if ids == nil {
		ids = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "aborted", "ids": ids})
}

func (s *Server) handleListOrphans(w http.ResponseWriter, _ *http.Request) {
	orphans := s.jobs.ScanOrphans()
	if orphans == nil {
		orphans = []jobs.Orphan{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"orphans": orphans})
}

func (s *Server) handleKillOrphan(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.jobs.KillOrphan(id); err != nil {
		writeJobError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "killed", "id": id})
}

func (s *Server) handleDiagnoseJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	kill := r.URL.Query().Get("kill") == "1" || strings.EqualFold(r.URL.Query().Get("kill"), "true")
	writeJSON(w, http.StatusOK, s.jobs.Diagnose(id, kill))
}

func (s *Server) handleKillPid(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Pid int `json:"pid"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	if err := s.jobs.KillPid(body.Pid); err != nil {
		writeJobError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "killed", "pid": body.Pid})
}

// --- cache index + purges ---

func (s *Server) handleGetIndex(w http.ResponseWriter, r *http.Request) {
	project := storage.SanitizeProjectID(chi.URLParam(r, "project"))
	idx, err := s.index.Read(project)
	if err != nil {
		writeAPIError(w, http.StatusInternalServerError, "index_read_failed", err.Error())
		return
	}
	s.index.Augment(project, idx)
	writeJSON(w, http.StatusOK, idx)
}

func (s *Server) handlePatchIndex(w http.ResponseWriter, r *http.Request) {
	project := storage.SanitizeProjectID(chi.URLParam(r, "project"))
	var body struct {
		Layers map[string]map[string]any `json:"layers"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	if len(body.Layers) == 0 {
		writeAPIError(w, http.StatusBadRequest, "empty_patch", "")
		return
	}

	idx, err := s.index.Read(project)
	if err != nil {
		writeAPIError(w, http.StatusInternalServerError, "index_read_failed", err.Error())
		return
	}

	purged := []string{}
	for name, patch := range body.Layers {
		kind := index.KindLayer
		if k, ok := patch["kind"].(string); ok && k != "" {
			kind = k
		}
		prior, _ := idx.Entry(kind, name)
		if entryPatchInvalidates(prior, patch) {
			if err := s.registry.PurgeTarget(project, kind, name, false); err != nil {
				writeJobError(w, err)
				return
			}
			purged = append(purged, name)
		}
		if err := s.index.Upsert(project, kind, name, func(e index.Entry) index.Entry {
			return mergeEntryPatch(e, patch)
		}); err != nil {
			writeAPIError(w, http.StatusInternalServerError, "index_write_failed", err.Error())
			return
		}
	}

	updated, err := s.index.Read(project)
	if err != nil {
		writeAPIError(w, http.StatusInternalServerError, "index_read_failed", err.Error())
		return
	}
	s.index.Augment(project, updated)
	writeJSON(w, http.StatusOK, map[string]any{"index": updated, "purged": purged})
}

// entryPatchInvalidates reports whether the patch changes a grid-defining
// field of the prior entry.
func entryPatchInvalidates(prior index.Entry, patch map[string]any) bool {
	priorMap := entryToMap(prior)
	for _, field := range indexPurgeFields {
		next, ok := patch[field]
		if !ok {
			continue
		}
		if !reflect.DeepEqual(normalizeJSON(priorMap[field]), normalizeJSON(next)) {
			return true
		}
	}
	return false
}

// mergeEntryPatch overlays patch keys onto the entry through its JSON form.
// Unknown keys are dropped by the round trip.
func mergeEntryPatch(e index.Entry, patch map[string]any) index.Entry {
	m := entryToMap(e)
	for k, v := range patch {
		if v == nil {
			delete(m, k)
			continue
		}
		m[k] = v
	}
	raw, err := json.Marshal(m)
	if err != nil {
		return e
	}
	var merged index.Entry
	if err := json.Unmarshal(raw, &merged); err != nil {
		return e
	}
	merged.Name = e.Name
	merged.Kind = e.Kind
	return merged
}

func entryToMap(e index.Entry) map[string]any {
	raw, _ := json.Marshal(e)
	m := map[string]any{}
	_ = json.Unmarshal(raw, &m)
	return m
}

// normalizeJSON round-trips a value through JSON so typed and generic
// representations compare equal.
func normalizeJSON(v any) any {
	raw, err := json.Marshal(v)
	if err != nil {
		return v
	}
	var out any
	_ = json.Unmarshal(raw, &out)
	return out
}

func (s *Server) handleDeleteCache(w http.ResponseWriter, r *http.Request) {
	project := storage.SanitizeProjectID(chi.URLParam(r, "project"))
	force := r.URL.Query().Get("force") == "1"
	if err := s.registry.PurgeProject(project, force); err != nil {
		writeJobError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "deleted", "project": project})
}

func (s *Server) handleDeleteTargetCache(w http.ResponseWriter, r *http.Request) {
	project := storage.SanitizeProjectID(chi.URLParam(r, "project"))
	name := chi.URLParam(r, "name")
	mode := r.URL.Query().Get("mode")
	if mode == "" {
		mode = index.KindLayer
	}
	force := r.URL.Query().Get("force") == "1"
	if err := s.registry.PurgeTarget(project, mode, name, force); err != nil {
		writeJobError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "deleted", "project": project, "target": name})
}

// --- on-demand controls ---

func (s *Server) handleOnDemandAbort(w http.ResponseWriter, r *http.Request) {
	sid := r.URL.Query().Get("sid")
	if sid == "" && r.ContentLength != 0 {
		var body struct {
			Sid string `json:"sid"`
		}
		if !decodeBody(w, r, &body) {
			return
		}
		sid = body.Sid
	}
	if sid == "" {
		writeAPIError(w, http.StatusBadRequest, "sid_required", "")
		return
	}

	cancelled := 0
	if s.ondemand != nil {
		cancelled = s.ondemand.AbortSession(sid)
	}
	var jobIDs []string
	if s.jobs != nil {
		ids, err := s.jobs.AbortSession(sid)
		if err != nil {
			s.logger.Warn("session job abort incomplete", "sid", sid, "error", err)
		}
		jobIDs = ids
	}
	if jobIDs == nil {
		jobIDs = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "aborted",
		"sid":       sid,
		"cancelled": cancelled,
		"jobs":      jobIDs,
	})
}

func (s *Server) handleOnDemandStatus(w http.ResponseWriter, _ *http.Request) {
	if s.ondemand == nil {
		writeAPIError(w, http.StatusServiceUnavailable, "on_demand_unavailable", "")
		return
	}
	writeJSON(w, http.StatusOK, s.ondemand.Status())
}

func (s *Server) handleOnDemandAbortAll(w http.ResponseWriter, r *http.Request) {
	if s.ondemand == nil {
		writeAPIError(w, http.StatusServiceUnavailable, "on_demand_unavailable", "")
		return
	}
	var dur time.Duration
	if v := r.URL.Query().Get("pause_ms"); v != "" {
		if ms, err := strconv.Atoi(v); err == nil {
			dur = time.Duration(ms) * time.Millisecond
		}
	}
	until, dropped := s.ondemand.PauseAll(dur)
	writeJSON(w, http.StatusOK, map[string]any{
		"status":      "paused",
		"pausedUntil": until.UTC().Format(time.RFC3339),
		"dropped":     dropped,
	})
}
