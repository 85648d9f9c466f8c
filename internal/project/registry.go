// Package project manages the project registry: the source files on disk,
// their cache lifecycles (delete cascades, per-target purges), and the
// first-run bootstrap scan.
package project

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/MeKo-Tech/tilehub/internal/index"
	"github.com/MeKo-Tech/tilehub/internal/jobs"
	"github.com/MeKo-Tech/tilehub/internal/projcfg"
	"github.com/MeKo-Tech/tilehub/internal/projlog"
	"github.com/MeKo-Tech/tilehub/internal/storage"
)

// projectFileExts are the source file types the registry recognizes.
var projectFileExts = map[string]bool{".qgs": true, ".qgz": true}

// deleteJobWait bounds how long a delete cascade waits for aborted jobs to
// clear.
const deleteJobWait = 10 * time.Second

// Info is one registry listing entry.
type Info struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	File string `json:"file"`
}

// Registry ties project files to their caches.
type Registry struct {
	projectsDir string
	layout      storage.Layout
	index       *index.Service
	configs     *projcfg.Service
	jobs        *jobs.Manager
	plog        *projlog.Logger
	logger      *slog.Logger
}

// NewRegistry creates the registry over the project file directory.
func NewRegistry(projectsDir string, layout storage.Layout, idx *index.Service, configs *projcfg.Service, jm *jobs.Manager, plog *projlog.Logger, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		projectsDir: projectsDir,
		layout:      layout,
		index:       idx,
		configs:     configs,
		jobs:        jm,
		plog:        plog,
		logger:      logger,
	}
}

// List enumerates known projects, sorted by id.
func (r *Registry) List() ([]Info, error) {
	entries, err := os.ReadDir(r.projectsDir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var infos []Info
	seen := map[string]bool{}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(e.Name()))
		if !projectFileExts[ext] {
			continue
		}
		name := strings.TrimSuffix(e.Name(), filepath.Ext(e.Name()))
		id := storage.SanitizeProjectID(name)
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		infos = append(infos, Info{
			ID:   id,
			Name: name,
			File: filepath.Join(r.projectsDir, e.Name()),
		})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].ID < infos[j].ID })
	return infos, nil
}

// IDs returns just the project ids, for the scheduler heartbeat.
func (r *Registry) IDs() []string {
	infos, err := r.List()
	if err != nil {
		r.logger.Warn("project listing failed", "error", err)
		return nil
	}
	ids := make([]string, len(infos))
	for i, info := range infos {
		ids[i] = info.ID
	}
	return ids
}

// Resolve maps a project id to its source file.
func (r *Registry) Resolve(id string) (string, bool) {
	infos, err := r.List()
	if err != nil {
		return "", false
	}
	id = storage.SanitizeProjectID(id)
	for _, info := range infos {
		if info.ID == id {
			return info.File, true
		}
	}
	return "", false
}

// Delete removes a project: abort its jobs, wait for them to clear, then
// delete the source file and cache directory and re-bootstrap an empty
// index.
func (r *Registry) Delete(id string) error {
	id = storage.SanitizeProjectID(id)

	if r.jobs != nil {
		if _, err := r.jobs.AbortProject(id, ""); err != nil {
			return err
		}
		if !r.jobs.WaitProjectIdle(id, deleteJobWait) {
			return &jobs.Error{Code: "job_abort_failed", Status: 500}
		}
	}

	var errs error
	if file, ok := r.Resolve(id); ok {
		if err := os.Remove(file); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("remove project file: %w", err))
		}
	}
	if err := storage.SafeRemoveDir(r.layout.ProjectDir(id), r.logger); err != nil {
		errs = multierror.Append(errs, fmt.Errorf("remove cache: %w", err))
	}
	r.configs.Evict(id)
	r.plog.Remove(id)
	if err := r.index.Bootstrap(id); err != nil {
		errs = multierror.Append(errs, fmt.Errorf("rebuild index: %w", err))
	}
	if errs != nil {
		return errs
	}
	r.logger.Info("project deleted", "project", id)
	return nil
}

// PurgeTarget deletes one layer/theme cache. With an active job the purge
// fails with job_running unless force is set, which aborts the job first.
func (r *Registry) PurgeTarget(project, mode, name string, force bool) error {
	project = storage.SanitizeProjectID(project)

	if r.jobs != nil {
		active := r.jobs.JobsForProject(project, name)
		running := ""
		for _, j := range active {
			if j.Status == jobs.StatusRunning || j.Status == jobs.StatusAborting {
				running = j.ID
				break
			}
		}
		if running != "" {
			if !force {
				return &jobs.Error{Code: "job_running", Status: 409, JobID: running}
			}
			if err := r.jobs.Abort(running); err != nil {
				return err
			}
		}
	}

	dir := r.layout.TargetDir(project, mode, name)
	if err := storage.SafeRemoveDir(dir, r.logger); err != nil {
		return &jobs.Error{Code: "cache_delete_failed", Status: 500, Details: err.Error()}
	}
	if err := r.index.ClearCached(project, mode, name); err != nil {
		r.logger.Warn("index clear failed after purge", "project", project, "target", name, "error", err)
	}
	if r.plog != nil {
		r.plog.Info(project, fmt.Sprintf("cache purged for %s %s", mode, name))
	}
	return nil
}

// PurgeProject deletes the whole cache directory and re-creates an empty
// index. Running jobs block it the same way PurgeTarget does.
func (r *Registry) PurgeProject(project string, force bool) error {
	project = storage.SanitizeProjectID(project)

	if r.jobs != nil {
		if force {
			if _, err := r.jobs.AbortProject(project, ""); err != nil {
				return err
			}
			if !r.jobs.WaitProjectIdle(project, deleteJobWait) {
				return &jobs.Error{Code: "job_abort_failed", Status: 500}
			}
		} else if active := r.jobs.JobsForProject(project, ""); len(active) > 0 {
			for _, j := range active {
				if j.Status == jobs.StatusRunning || j.Status == jobs.StatusAborting {
					return &jobs.Error{Code: "job_running", Status: 409, JobID: j.ID}
				}
			}
		}
	}

	if err := storage.SafeRemoveDir(r.layout.ProjectDir(project), r.logger); err != nil {
		return &jobs.Error{Code: "cache_delete_failed", Status: 500, Details: err.Error()}
	}
	r.configs.Evict(project)
	if err := r.index.Bootstrap(project); err != nil {
		return &jobs.Error{Code: "write_failed", Status: 500, Details: err.Error()}
	}
	return nil
}
