// Package jobs runs the renderer as child processes: admission control,
// streaming progress parsing, throttled persistence into the project index
// and config, abort with escalation, and orphan reconciliation via pid
// files.
package jobs

import (
	"bufio"
	"encoding/json"
	"fmt"
	"log/slog"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/MeKo-Tech/tilehub/internal/index"
	"github.com/MeKo-Tech/tilehub/internal/projcfg"
	"github.com/MeKo-Tech/tilehub/internal/projlog"
	"github.com/MeKo-Tech/tilehub/internal/storage"
	"github.com/MeKo-Tech/tilehub/internal/tilematrix"
)

const maxBufferedLines = 400

// Config parameterizes the job manager. Zero values take defaults.
type Config struct {
	JobMax              int
	JobTTL              time.Duration
	AbortGrace          time.Duration
	IndexFlushInterval  time.Duration
	ConfigFlushInterval time.Duration

	PythonBin      string
	RendererScript string
	PidDir         string

	DefaultPublishZoomMin int
	DefaultPublishZoomMax int
	RenderTimeoutMs       int
	TileRetries           int
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		JobMax:                4,
		JobTTL:                5 * time.Minute,
		AbortGrace:            time.Second,
		IndexFlushInterval:    180 * time.Second,
		ConfigFlushInterval:   180 * time.Second,
		PythonBin:             "python3",
		RendererScript:        "generate_cache.py",
		PidDir:                "data/job-pids",
		DefaultPublishZoomMin: 0,
		DefaultPublishZoomMax: 20,
		RenderTimeoutMs:       180000,
		TileRetries:           1,
	}
}

// Manager owns all render jobs of this process.
type Manager struct {
	cfg     Config
	layout  storage.Layout
	index   *index.Service
	configs *projcfg.Service
	plog    *projlog.Logger
	presets *tilematrix.Registry
	pids    *PidStore
	logger  *slog.Logger

	// ResolveProject maps a project id to its source file; nil disables
	// existence checks (tests).
	ResolveProject func(id string) (string, bool)

	Now func() time.Time

	mu         sync.Mutex
	jobs       map[string]*Job
	activeKeys map[string]string // target key -> job id
	orphans    map[string]Orphan
	cleanups   map[string]*time.Timer
	closed     bool
}

// NewManager wires the job manager to its stores.
func NewManager(cfg Config, layout storage.Layout, idx *index.Service, configs *projcfg.Service, plog *projlog.Logger, presets *tilematrix.Registry, logger *slog.Logger) *Manager {
	def := DefaultConfig()
	if cfg.JobMax <= 0 {
		cfg.JobMax = def.JobMax
	}
	if cfg.JobTTL <= 0 {
		cfg.JobTTL = def.JobTTL
	}
	if cfg.AbortGrace <= 0 {
		cfg.AbortGrace = def.AbortGrace
	}
	if cfg.IndexFlushInterval <= 0 {
		cfg.IndexFlushInterval = def.IndexFlushInterval
	}
	if cfg.ConfigFlushInterval <= 0 {
		cfg.ConfigFlushInterval = def.ConfigFlushInterval
	}
	if cfg.PythonBin == "" {
		cfg.PythonBin = def.PythonBin
	}
	if cfg.RendererScript == "" {
		cfg.RendererScript = def.RendererScript
	}
	if cfg.PidDir == "" {
		cfg.PidDir = def.PidDir
	}
	if cfg.DefaultPublishZoomMax <= 0 {
		cfg.DefaultPublishZoomMax = def.DefaultPublishZoomMax
	}
	if cfg.RenderTimeoutMs <= 0 {
		cfg.RenderTimeoutMs = def.RenderTimeoutMs
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		cfg:        cfg,
		layout:     layout,
		index:      idx,
		configs:    configs,
		plog:       plog,
		presets:    presets,
		pids:       NewPidStore(cfg.PidDir),
		logger:     logger,
		Now:        time.Now,
		jobs:       make(map[string]*Job),
		activeKeys: make(map[string]string),
		orphans:    make(map[string]Orphan),
		cleanups:   make(map[string]*time.Timer),
	}
}

// Close stops cleanup timers. Running children keep running; their pid
// records let the next boot reconcile them.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	for id, t := range m.cleanups {
		t.Stop()
		delete(m.cleanups, id)
	}
}

// Start admits and spawns a render job.
func (m *Manager) Start(req StartRequest) (Snapshot, error) {
	target, err := resolveTarget(req)
	if err != nil {
		return Snapshot{}, err
	}

	projectFile := req.ProjectFile
	if m.ResolveProject != nil {
		file, ok := m.ResolveProject(req.Project)
		if !ok {
			return Snapshot{}, ErrProjectNotFound
		}
		if projectFile == "" {
			projectFile = file
		}
	}

	var prior *index.Entry
	if idx, err := m.index.Read(req.Project); err == nil {
		if e, ok := idx.Entry(target.Mode, target.Name); ok {
			prior = &e
		}
	}

	plan := ComputePlan(req.Recache, prior, req.TileCRS, req.ZoomMin, req.ZoomMax)
	preset := m.resolvePreset(req.TileMatrixPreset, prior, req.TileCRS)
	pubMin, pubMax := resolvePublishZoom(&req, prior, m.cfg.DefaultPublishZoomMin, m.cfg.DefaultPublishZoomMax)

	job := &Job{
		ID:               uuid.NewString(),
		Project:          req.Project,
		Target:           target,
		Key:              target.Key(req.Project),
		Status:           StatusRunning,
		StartedAt:        m.Now(),
		RunReason:        req.RunReason,
		Trigger:          req.Trigger,
		RunID:            req.RunID,
		BatchIndex:       req.BatchIndex,
		BatchTotal:       req.BatchTotal,
		ViewerSessionID:  req.ViewerSessionID,
		Plan:             plan,
		TileBaseDir:      m.layout.TargetDir(req.Project, target.Mode, target.Name),
		ZoomMin:          req.ZoomMin,
		ZoomMax:          req.ZoomMax,
		PublishZoomMin:   pubMin,
		PublishZoomMax:   pubMax,
		TileCRS:          req.TileCRS,
		Scheme:           req.Scheme,
		XYZMode:          req.XYZMode,
		TileMatrixPreset: preset,
	}
	job.Args = m.buildArgs(job, req, projectFile)

	// Check-and-insert without suspension in between: concurrency cap and
	// per-target uniqueness share one critical section.
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return Snapshot{}, ErrServerBusy
	}
	if existing, ok := m.activeKeys[job.Key]; ok {
		m.mu.Unlock()
		return Snapshot{}, errJobAlreadyRunning(existing)
	}
	running := 0
	for _, j := range m.jobs {
		if j.Status == StatusRunning || j.Status == StatusAborting {
			running++
		}
	}
	if running >= m.cfg.JobMax {
		m.mu.Unlock()
		return Snapshot{}, ErrServerBusy
	}
	m.activeKeys[job.Key] = job.ID
	m.jobs[job.ID] = job
	m.mu.Unlock()

	if err := m.spawn(job); err != nil {
		m.mu.Lock()
		delete(m.activeKeys, job.Key)
		delete(m.jobs, job.ID)
		m.mu.Unlock()
		return Snapshot{}, &Error{Code: "write_failed", Status: 500, Details: err.Error()}
	}

	m.recordStartParams(job, req)
	m.logger.Info("cache job started",
		"job", job.ID, "project", job.Project,
		"target", job.Target.Mode+"/"+job.Target.Name,
		"zoom", fmt.Sprintf("%d-%d", job.ZoomMin, job.ZoomMax),
		"plan", plan.Mode, "pid", job.Pid)
	m.plog.Info(job.Project, fmt.Sprintf("cache job %s started for %s %s (zoom %d-%d, %s)",
		job.ID, job.Target.Mode, job.Target.Name, job.ZoomMin, job.ZoomMax, plan.Mode))

	m.mu.Lock()
	defer m.mu.Unlock()
	return job.snapshot(0), nil
}

func resolveTarget(req StartRequest) (Target, error) {
	if req.Layer != "" && req.Theme != "" {
		return Target{}, ErrTooManyTargets
	}
	var t Target
	switch {
	case req.Layer != "":
		t = Target{Mode: "layer", Name: req.Layer}
	case req.Theme != "":
		t = Target{Mode: "theme", Name: req.Theme}
	default:
		return Target{}, ErrTargetRequired
	}
	if strings.TrimSpace(t.Name) == "" ||
		strings.ContainsAny(t.Name, "/\\") || strings.Contains(t.Name, "..") {
		return Target{}, ErrInvalidTargetName
	}
	return t, nil
}

func (m *Manager) resolvePreset(explicit string, prior *index.Entry, tileCRS string) string {
	if explicit != "" {
		return explicit
	}
	if prior != nil && prior.TileMatrixPreset != "" {
		return prior.TileMatrixPreset
	}
	if m.presets != nil && tileCRS != "" {
		if set, ok := m.presets.FirstForCRS(tileCRS); ok {
			return set.ID
		}
	}
	return ""
}

func (m *Manager) buildArgs(job *Job, req StartRequest, projectFile string) []string {
	args := []string{m.cfg.RendererScript,
		"--" + job.Target.Mode, job.Target.Name,
		"--zoom_min", strconv.Itoa(job.ZoomMin),
		"--zoom_max", strconv.Itoa(job.ZoomMax),
		"--publish_zoom_min", strconv.Itoa(job.PublishZoomMin),
		"--publish_zoom_max", strconv.Itoa(job.PublishZoomMax),
		"--output_dir", job.TileBaseDir,
		"--index_path", m.layout.IndexPath(job.Project),
	}
	scheme := job.Scheme
	if scheme == "" {
		scheme = "auto"
	}
	xyzMode := job.XYZMode
	if xyzMode == "" {
		xyzMode = "partial"
	}
	args = append(args, "--scheme", scheme, "--xyz_mode", xyzMode)
	if job.TileCRS != "" {
		args = append(args, "--tile_crs", job.TileCRS)
	}
	if job.TileMatrixPreset != "" {
		args = append(args, "--tile_matrix_preset", job.TileMatrixPreset)
	}
	if req.WMTS {
		args = append(args, "--wmts")
	}
	if req.AllowRemote != nil && *req.AllowRemote {
		args = append(args, "--allow_remote")
	}
	if job.Plan.SkipExisting {
		args = append(args, "--skip_existing")
	}
	if req.ThrottleMs != nil && *req.ThrottleMs > 0 {
		args = append(args, "--throttle_ms", strconv.Itoa(*req.ThrottleMs))
	}
	renderTimeout := m.cfg.RenderTimeoutMs
	if req.RenderTimeoutMs != nil && *req.RenderTimeoutMs > 0 {
		renderTimeout = *req.RenderTimeoutMs
	}
	args = append(args, "--render_timeout_ms", strconv.Itoa(renderTimeout))
	retries := m.cfg.TileRetries
	if req.TileRetries != nil && *req.TileRetries >= 0 {
		retries = *req.TileRetries
	}
	args = append(args, "--tile_retries", strconv.Itoa(retries))
	if req.PNGCompression != nil && *req.PNGCompression >= 0 && *req.PNGCompression <= 9 {
		args = append(args, "--png_compression", strconv.Itoa(*req.PNGCompression))
	}
	if len(req.ProjectExtent) == 4 {
		args = append(args, "--project_extent4")
		for _, v := range req.ProjectExtent {
			args = append(args, strconv.FormatFloat(v, 'f', -1, 64))
		}
		if req.ExtentCRS != "" {
			args = append(args, "--extent_crs", req.ExtentCRS)
		}
	}
	if projectFile != "" {
		args = append(args, "--project", projectFile)
	}
	args = append(args, "--job_id", job.ID)
	return args
}

func (m *Manager) spawn(job *Job) error {
	cmd := exec.Command(m.cfg.PythonBin, job.Args...)
	cmd.SysProcAttr = sysProcAttr()
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return err
	}
	if err := cmd.Start(); err != nil {
		return err
	}
	job.cmd = cmd
	job.Pid = cmd.Process.Pid

	if err := m.pids.Write(PidRecord{
		ID:              job.ID,
		Pid:             job.Pid,
		Project:         job.Project,
		TargetMode:      job.Target.Mode,
		TargetName:      job.Target.Name,
		ViewerSessionID: job.ViewerSessionID,
		Args:            job.Args,
		StartedAt:       job.StartedAt.UTC().Format(time.RFC3339),
	}); err != nil {
		m.logger.Warn("pid record write failed", "job", job.ID, "error", err)
	}

	var readers sync.WaitGroup
	readers.Add(2)
	go func() {
		defer readers.Done()
		m.readStdout(job, stdout)
	}()
	go func() {
		defer readers.Done()
		m.readStderr(job, stderr)
	}()
	go func() {
		// Wait must not run while the pipe readers are still draining.
		readers.Wait()
		err := cmd.Wait()
		m.finalize(job, err)
	}()
	return nil
}

// recordStartParams remembers the request in the project config so batch
// and scheduled runs can replay it later.
func (m *Manager) recordStartParams(job *Job, req StartRequest) {
	params := map[string]any{
		"zoom_min": req.ZoomMin,
		"zoom_max": req.ZoomMax,
	}
	if req.Scheme != "" {
		params["scheme"] = req.Scheme
	}
	if req.XYZMode != "" {
		params["xyz_mode"] = req.XYZMode
	}
	if req.TileCRS != "" {
		params["tile_crs"] = req.TileCRS
	}
	if req.WMTS {
		params["wmts"] = true
	}
	if req.AllowRemote != nil {
		params["allow_remote"] = *req.AllowRemote
	}
	if req.ThrottleMs != nil {
		params["throttle_ms"] = *req.ThrottleMs
	}
	if job.TileMatrixPreset != "" {
		params["tile_matrix_preset"] = job.TileMatrixPreset
	}
	if len(req.ProjectExtent) == 4 {
		params["project_extent"] = req.ProjectExtent
		if req.ExtentCRS != "" {
			params["extent_crs"] = req.ExtentCRS
		}
	}
	params["publish_zoom_min"] = job.PublishZoomMin
	params["publish_zoom_max"] = job.PublishZoomMax

	now := m.Now().UTC().Format(projcfg.TimeFormat)
	_, err := m.configs.Mutate(job.Project, func(cfg *projcfg.ProjectConfig) {
		e := cfg.EnsureEntry(job.Target.Mode, job.Target.Name)
		e.LastParams = params
		e.LastRequestedAt = now
	}, projcfg.WriteOptions{SkipReschedule: true})
	if err != nil {
		m.logger.Warn("record start params failed", "job", job.ID, "error", err)
	}
}

func (m *Manager) readStdout(job *Job, r interface{ Read([]byte) (int, error) }) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		m.handleStdoutLine(job, sc.Text())
	}
}

func (m *Manager) readStderr(job *Job, r interface{ Read([]byte) (int, error) }) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := sc.Text()
		if strings.TrimSpace(line) == "" {
			continue
		}
		m.mu.Lock()
		job.Stderr = appendBounded(job.Stderr, line)
		m.mu.Unlock()
		m.plog.Error(job.Project, line)
	}
}

// rendererEvent is one stdout line of the renderer.
type rendererEvent struct {
	Debug          string          `json:"debug"`
	Progress       string          `json:"progress"`
	Status         string          `json:"status"`
	TotalGenerated *int            `json:"total_generated"`
	ExpectedTotal  *int            `json:"expected_total"`
	Message        string          `json:"message"`
	Raw            json.RawMessage `json:"-"`
}

func (m *Manager) handleStdoutLine(job *Job, line string) {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" {
		return
	}

	m.mu.Lock()
	job.Stdout = appendBounded(job.Stdout, trimmed)
	m.mu.Unlock()

	if !strings.HasPrefix(trimmed, "{") {
		return
	}
	var ev rendererEvent
	if err := json.Unmarshal([]byte(trimmed), &ev); err != nil {
		return
	}

	switch {
	case ev.Debug == "start_generate":
		var meta Metadata
		_ = json.Unmarshal([]byte(trimmed), &meta)
		m.mu.Lock()
		job.Metadata = &meta
		if meta.ExpectedTotal > 0 {
			job.Progress.ExpectedTotal = meta.ExpectedTotal
		}
		if meta.OutputDir != "" {
			job.TileBaseDir = meta.OutputDir
		}
		job.Progress.Status = StatusRunning
		job.Progress.UpdatedAt = m.Now().UTC().Format(time.RFC3339)
		m.mu.Unlock()
		m.flushIndex(job, true)
		m.flushConfig(job, true, "")

	case ev.Debug == "index_written":
		m.touchProgress(job, ev, false)

	case ev.Progress != "" || ev.Status != "" || ev.TotalGenerated != nil:
		statusChanged := false
		m.mu.Lock()
		if ev.TotalGenerated != nil {
			job.Progress.TotalGenerated = *ev.TotalGenerated
		}
		if ev.ExpectedTotal != nil {
			job.Progress.ExpectedTotal = *ev.ExpectedTotal
		}
		if ev.Status != "" && ev.Status != job.Progress.Status {
			job.Progress.Status = ev.Status
			statusChanged = true
		}
		job.Progress.Percent = percentOf(job.Progress.TotalGenerated, job.Progress.ExpectedTotal)
		job.Progress.UpdatedAt = m.Now().UTC().Format(time.RFC3339)
		m.mu.Unlock()
		m.flushIndex(job, statusChanged)
		m.flushConfig(job, statusChanged, ev.Message)
	}
}

func (m *Manager) touchProgress(job *Job, ev rendererEvent, force bool) {
	m.mu.Lock()
	job.Progress.UpdatedAt = m.Now().UTC().Format(time.RFC3339)
	m.mu.Unlock()
	m.flushIndex(job, force)
}

func percentOf(generated, expected int) *float64 {
	if expected <= 0 {
		return nil
	}
	p := 100 * float64(generated) / float64(expected)
	if p < 0 {
		p = 0
	}
	if p > 100 {
		p = 100
	}
	return &p
}

func appendBounded(lines []string, line string) []string {
	lines = append(lines, line)
	if len(lines) > maxBufferedLines {
		lines = lines[len(lines)-maxBufferedLines:]
	}
	return lines
}

// flushIndex writes the job's progress into the project index, throttled
// unless forced.
func (m *Manager) flushIndex(job *Job, force bool) {
	now := m.Now()
	m.mu.Lock()
	if !force && now.Sub(job.lastIndexWriteAt) < m.cfg.IndexFlushInterval {
		m.mu.Unlock()
		return
	}
	job.lastIndexWriteAt = now
	status := job.Status
	progress := job.Progress
	snapshotJob := *job
	m.mu.Unlock()

	err := m.index.Upsert(job.Project, job.Target.Mode, job.Target.Name, func(e index.Entry) index.Entry {
		e.Scheme = orDefault(snapshotJob.Scheme, orDefault(e.Scheme, "xyz"))
		if snapshotJob.TileCRS != "" {
			e.TileCRS = snapshotJob.TileCRS
		}
		if snapshotJob.XYZMode != "" {
			e.XYZMode = snapshotJob.XYZMode
		}
		if snapshotJob.TileMatrixPreset != "" {
			e.TileMatrixPreset = snapshotJob.TileMatrixPreset
		}
		if snapshotJob.Metadata != nil {
			if len(snapshotJob.Metadata.ProjectExtent) == 4 {
				e.Extent = snapshotJob.Metadata.ProjectExtent
			}
			if snapshotJob.Metadata.Scheme != "" {
				e.Scheme = snapshotJob.Metadata.Scheme
			}
			if snapshotJob.Metadata.TileCRS != "" {
				e.TileCRS = snapshotJob.Metadata.TileCRS
			}
		}
		e.Cacheable = true
		e.TileFormat = "png"
		e.Path = snapshotJob.TileBaseDir
		zMin, zMax := snapshotJob.ZoomMin, snapshotJob.ZoomMax
		e.ZoomMin, e.ZoomMax = &zMin, &zMax
		e.LastZoomMin, e.LastZoomMax = &zMin, &zMax
		pMin, pMax := snapshotJob.PublishZoomMin, snapshotJob.PublishZoomMax
		e.PublishedZoomMin, e.PublishedZoomMax = &pMin, &pMax
		e.Status = status
		e.Progress = progress.Percent
		e.Partial = status != StatusCompleted

		switch status {
		case StatusCompleted:
			cMin, cMax := zMin, zMax
			if snapshotJob.Plan.Mode == "incremental" {
				if e.CachedZoomMin != nil && *e.CachedZoomMin < cMin {
					cMin = *e.CachedZoomMin
				}
				if e.CachedZoomMax != nil && *e.CachedZoomMax > cMax {
					cMax = *e.CachedZoomMax
				}
			}
			e.CachedZoomMin, e.CachedZoomMax = &cMin, &cMax
			t := true
			e.CacheExists = &t
			e.CacheRemovedAt = ""
			e.Generated = now.UTC().Format(time.RFC3339)
			if progress.TotalGenerated > 0 {
				count := progress.TotalGenerated
				if snapshotJob.Plan.Mode == "incremental" && e.TileCount != nil {
					count += *e.TileCount
				}
				e.TileCount = &count
			}
		}
		return e
	})
	if err != nil {
		m.logger.Warn("index flush failed", "job", job.ID, "error", err)
	}
}

// flushConfig mirrors progress into the project config, throttled unless
// forced.
func (m *Manager) flushConfig(job *Job, force bool, message string) {
	now := m.Now()
	m.mu.Lock()
	if !force && now.Sub(job.lastConfigWriteAt) < m.cfg.ConfigFlushInterval {
		m.mu.Unlock()
		return
	}
	job.lastConfigWriteAt = now
	status := job.Status
	progress := job.Progress
	terminal := job.terminal()
	m.mu.Unlock()

	_, err := m.configs.Mutate(job.Project, func(cfg *projcfg.ProjectConfig) {
		e := cfg.EnsureEntry(job.Target.Mode, job.Target.Name)
		e.Progress = &projcfg.ProgressInfo{
			TotalGenerated: progress.TotalGenerated,
			ExpectedTotal:  progress.ExpectedTotal,
			Percent:        progress.Percent,
			Status:         status,
			UpdatedAt:      now.UTC().Format(projcfg.TimeFormat),
		}
		if terminal {
			e.LastResult = resultForStatus(status)
			e.LastRunAt = now.UTC().Format(projcfg.TimeFormat)
			if message != "" {
				e.LastMessage = message
			}
		}
	}, projcfg.WriteOptions{SkipReschedule: true})
	if err != nil {
		m.logger.Warn("config flush failed", "job", job.ID, "error", err)
	}
}

func resultForStatus(status string) string {
	switch status {
	case StatusCompleted:
		return projcfg.ResultCompleted
	case StatusAborted, StatusAborting:
		return projcfg.ResultAborted
	default:
		return projcfg.ResultError
	}
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

// finalize runs once when the child exits or the abort pipeline confirms
// termination.
func (m *Manager) finalize(job *Job, exitErr error) {
	m.mu.Lock()
	if job.finalized {
		m.mu.Unlock()
		return
	}
	job.finalized = true
	switch job.Status {
	case StatusAborting, StatusAborted:
		job.Status = StatusAborted
	default:
		if exitErr == nil {
			job.Status = StatusCompleted
		} else {
			job.Status = StatusError
		}
	}
	job.EndedAt = m.Now()
	job.Progress.Status = job.Status
	status := job.Status
	message := lastMessageFrom(job)
	delete(m.activeKeys, job.Key)
	m.mu.Unlock()

	m.flushIndex(job, true)
	m.flushConfig(job, true, message)

	m.logger.Info("cache job finished", "job", job.ID, "project", job.Project, "status", status)
	level := "info"
	if status == StatusError {
		level = "error"
	}
	m.plog.Append(job.Project, level, fmt.Sprintf("cache job %s finished: %s", job.ID, status))

	m.scheduleCleanup(job.ID)
}

// lastMessageFrom prefers the terminal stdout message; otherwise the last
// five stderr lines.
func lastMessageFrom(job *Job) string {
	for i := len(job.Stdout) - 1; i >= 0; i-- {
		var ev rendererEvent
		if json.Unmarshal([]byte(job.Stdout[i]), &ev) == nil && ev.Message != "" {
			return ev.Message
		}
	}
	tail := tailLines(job.Stderr, 5)
	return strings.Join(tail, "\n")
}

func (m *Manager) scheduleCleanup(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		m.pids.Remove(id)
		delete(m.jobs, id)
		return
	}
	if t, ok := m.cleanups[id]; ok {
		t.Stop()
	}
	m.cleanups[id] = time.AfterFunc(m.cfg.JobTTL, func() {
		m.mu.Lock()
		delete(m.jobs, id)
		delete(m.cleanups, id)
		m.mu.Unlock()
		m.pids.Remove(id)
	})
}

// Get returns the snapshot of a job; tail bounds the stdout/stderr lines.
func (m *Manager) Get(id string, tail int) (Snapshot, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return Snapshot{}, false
	}
	return job.snapshot(tail), true
}

// Running lists all non-terminal jobs.
func (m *Manager) Running() []Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Snapshot
	for _, job := range m.jobs {
		if !job.terminal() {
			out = append(out, job.snapshot(0))
		}
	}
	return out
}

// RunningCount reports jobs currently occupying concurrency slots.
func (m *Manager) RunningCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, job := range m.jobs {
		if !job.terminal() {
			n++
		}
	}
	return n
}

// JobsForProject lists jobs of one project, optionally filtered by target
// name.
func (m *Manager) JobsForProject(project, name string) []Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Snapshot
	for _, job := range m.jobs {
		if job.Project != project {
			continue
		}
		if name != "" && job.Target.Name != name {
			continue
		}
		out = append(out, job.snapshot(0))
	}
	return out
}
