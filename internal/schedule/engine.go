package schedule

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/MeKo-Tech/tilehub/internal/projcfg"
	"github.com/MeKo-Tech/tilehub/internal/projlog"
)

// Config holds the engine's timing knobs.
type Config struct {
	MinLead           time.Duration // SCHEDULE_MIN_LEAD_MS
	DueTolerance      time.Duration // SCHEDULE_DUE_TOLERANCE_MS
	HeartbeatInterval time.Duration // SCHEDULE_HEARTBEAT_INTERVAL_MS
	OverdueGrace      time.Duration // SCHEDULE_OVERDUE_GRACE_MS
	BatchTTL          time.Duration // PROJECT_BATCH_TTL_MS
	RunTimeout        time.Duration // per scheduled cache run
	Location          *time.Location
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		MinLead:           5 * time.Second,
		DueTolerance:      60 * time.Second,
		HeartbeatInterval: 60 * time.Second,
		OverdueGrace:      5 * time.Second,
		BatchTTL:          15 * time.Minute,
		RunTimeout:        time.Hour,
		Location:          time.Local,
	}
}

// CacheRunner executes cache work on behalf of the engine: the job manager
// runs and polls render jobs, the project registry purges tile trees.
type CacheRunner interface {
	RunCacheJob(ctx context.Context, project string, params map[string]any, timeout time.Duration) (result, message string, err error)
	PurgeTarget(project, mode, name string, force bool) error
}

// Item is one derivable schedule for a project: a layer, a theme, or the
// project-level batch.
type Item struct {
	Kind     string // layer | theme | project
	Name     string
	NextAt   time.Time
	Schedule *projcfg.Schedule
}

type projectTimer struct {
	timer  *time.Timer
	target time.Time
}

// Engine owns the per-project timers and the heartbeat.
type Engine struct {
	cfg    Config
	cfgSvc *projcfg.Service
	runner CacheRunner
	plog   *projlog.Logger
	logger *slog.Logger

	// ListProjects enumerates known project ids for the heartbeat's
	// missing-timer sweep.
	ListProjects func() []string

	mu      sync.Mutex
	timers  map[string]*projectTimer
	batches map[string]*BatchRun

	Now func() time.Time

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// NewEngine wires a schedule engine. It also installs itself as the config
// service's Finalize hook and reschedule callback.
func NewEngine(cfg Config, cfgSvc *projcfg.Service, runner CacheRunner, plog *projlog.Logger, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	e := &Engine{
		cfg:     cfg,
		cfgSvc:  cfgSvc,
		runner:  runner,
		plog:    plog,
		logger:  logger,
		timers:  make(map[string]*projectTimer),
		batches: make(map[string]*BatchRun),
		Now:     time.Now,
		stopCh:  make(chan struct{}),
	}
	cfgSvc.Finalize = func(c *projcfg.ProjectConfig, now time.Time) {
		Finalize(c, now, cfg.MinLead, cfg.Location)
	}
	cfgSvc.OnReschedule = func(id string, c *projcfg.ProjectConfig) {
		e.Register(id, c)
	}
	return e
}

// Start launches the heartbeat.
func (e *Engine) Start() {
	e.wg.Add(1)
	go e.heartbeatLoop()
}

// Stop cancels timers and the heartbeat.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() { close(e.stopCh) })
	e.mu.Lock()
	for id, pt := range e.timers {
		pt.timer.Stop()
		delete(e.timers, id)
	}
	e.mu.Unlock()
	e.wg.Wait()
}

// DeriveItems lists the schedules a project currently carries, with their
// effective next-run instants. A stored nextRunAt drifting more than the
// due tolerance into the future is recomputed.
func (e *Engine) DeriveItems(cfg *projcfg.ProjectConfig, now time.Time) []Item {
	var items []Item
	add := func(kind, name string, s *projcfg.Schedule) {
		if s == nil || !s.Enabled {
			return
		}
		next, ok := NextRun(s, now, e.cfg.MinLead, e.cfg.Location)
		if !ok {
			return
		}
		// Trust the stored nextRunAt while it is due or imminent; only a
		// value drifting past the due tolerance gets recomputed (the
		// schedule may have been edited since it was stamped).
		if s.NextRunAt != "" {
			if stored, err := time.Parse(projcfg.TimeFormat, s.NextRunAt); err == nil {
				if !stored.After(now.Add(e.cfg.DueTolerance)) {
					next = stored
				}
			}
		}
		items = append(items, Item{Kind: kind, Name: name, NextAt: next, Schedule: s})
	}
	for name, entry := range cfg.Layers {
		if entry != nil {
			add("layer", name, entry.Schedule)
		}
	}
	for name, entry := range cfg.Themes {
		if entry != nil {
			add("theme", name, entry.Schedule)
		}
	}
	if cfg.Recache.Schedule != nil {
		add("project", "", cfg.Recache.Schedule)
	}
	sort.Slice(items, func(i, j int) bool { return items[i].NextAt.Before(items[j].NextAt) })
	return items
}

// maxTimerDelay clamps against the platform timer limit.
const maxTimerDelay = time.Duration(1<<31-1) * time.Millisecond

// Register installs (or replaces) the single timer for a project, aimed at
// the earliest derivable item. With no eligible items the timer is removed.
func (e *Engine) Register(projectID string, cfg *projcfg.ProjectConfig) {
	now := e.Now()
	items := e.DeriveItems(cfg, now)

	e.mu.Lock()
	defer e.mu.Unlock()

	if pt, ok := e.timers[projectID]; ok {
		pt.timer.Stop()
		delete(e.timers, projectID)
	}
	if len(items) == 0 {
		return
	}

	target := items[0].NextAt
	delay := target.Sub(now)
	if delay < 0 {
		delay = 0
	}
	if delay > maxTimerDelay {
		delay = maxTimerDelay
	}
	pt := &projectTimer{target: target}
	pt.timer = time.AfterFunc(delay, func() { e.handleProjectTimer(projectID, target) })
	e.timers[projectID] = pt
	e.logger.Debug("schedule timer registered", "project", projectID, "target", target)
}

// TimerTarget exposes the registered target time, for the heartbeat and
// tests.
func (e *Engine) TimerTarget(projectID string) (time.Time, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	pt, ok := e.timers[projectID]
	if !ok {
		return time.Time{}, false
	}
	return pt.target, true
}

// handleProjectTimer executes the due items for a project. The call is a
// no-op when the registered timer no longer aims at targetTime, which makes
// duplicate firings (timer + heartbeat) idempotent.
func (e *Engine) handleProjectTimer(projectID string, targetTime time.Time) {
	e.mu.Lock()
	pt, ok := e.timers[projectID]
	if !ok || !pt.target.Equal(targetTime) {
		e.mu.Unlock()
		return
	}
	pt.timer.Stop()
	delete(e.timers, projectID)
	e.mu.Unlock()

	cfg, err := e.cfgSvc.Read(projectID)
	if err != nil {
		e.logger.Error("schedule fire: config read failed", "project", projectID, "error", err)
		return
	}

	now := e.Now()
	items := e.DeriveItems(cfg, now)
	due := items[:0]
	for _, it := range items {
		if !it.NextAt.After(now.Add(e.cfg.DueTolerance)) {
			due = append(due, it)
		}
	}

	for _, it := range due {
		select {
		case <-e.stopCh:
			return
		default:
		}
		e.executeItem(projectID, it)
	}

	// Re-read and re-register with post-run state.
	if updated, err := e.cfgSvc.Read(projectID); err == nil {
		e.Register(projectID, updated)
	}
}

// executeItem runs one due schedule item and records the outcome.
func (e *Engine) executeItem(projectID string, it Item) {
	switch it.Kind {
	case "project":
		if _, err := e.RunProjectBatch(context.Background(), projectID, BatchRequest{
			Trigger: "timer",
			Reason:  "scheduled-project",
		}); err != nil {
			e.logger.Error("scheduled batch failed", "project", projectID, "error", err)
		}
	case "layer", "theme":
		e.runScheduledTarget(projectID, it)
	}
}

func (e *Engine) runScheduledTarget(projectID string, it Item) {
	cfg, err := e.cfgSvc.Read(projectID)
	if err != nil {
		e.logger.Error("scheduled run: config read failed", "project", projectID, "error", err)
		return
	}
	entry := cfg.Entry(it.Kind, it.Name)
	params := e.buildRunParams(cfg, it, entry)

	// Without a zoom override the run replaces the whole cache: purge the
	// prior tile tree first, best effort.
	if it.Schedule.ZoomMin == nil && it.Schedule.ZoomMax == nil {
		if err := e.runner.PurgeTarget(projectID, it.Kind, it.Name, true); err != nil {
			e.logger.Warn("scheduled run: purge failed", "project", projectID, "target", it.Name, "error", err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), e.cfg.RunTimeout)
	defer cancel()
	result, message, err := e.runner.RunCacheJob(ctx, projectID, params, e.cfg.RunTimeout)
	if err != nil {
		result = projcfg.ResultError
		if message == "" {
			message = err.Error()
		}
	}

	now := e.Now().UTC().Format(projcfg.TimeFormat)
	_, updateErr := e.cfgSvc.Mutate(projectID, func(c *projcfg.ProjectConfig) {
		target := c.EnsureEntry(it.Kind, it.Name)
		if target.Schedule == nil {
			target.Schedule = &projcfg.Schedule{}
		}
		s := target.Schedule
		s.LastRunAt = now
		s.LastResult = result
		s.LastMessage = message
		s.History = projcfg.TrimHistory(append(s.History, projcfg.HistoryEntry{
			RunAt:   now,
			Result:  result,
			Message: message,
			Trigger: "timer",
		}))
	}, projcfg.WriteOptions{SkipReschedule: true})
	if updateErr != nil {
		e.logger.Error("scheduled run: config update failed", "project", projectID, "error", updateErr)
	}
	if e.plog != nil {
		e.plog.Info(projectID, fmt.Sprintf("scheduled %s run for %q finished: %s", it.Kind, it.Name, result))
	}
}

// buildRunParams prefers the target's lastParams; otherwise it derives a
// fallback request from the project config.
func (e *Engine) buildRunParams(cfg *projcfg.ProjectConfig, it Item, entry *projcfg.TargetEntry) map[string]any {
	params := map[string]any{}
	if entry != nil && entry.LastParams != nil {
		for k, v := range entry.LastParams {
			params[k] = v
		}
	} else {
		scheme := cfg.CachePreferences.Mode
		if scheme == "" || scheme == "auto" {
			scheme = "xyz"
		}
		params["scheme"] = scheme
		params["xyz_mode"] = "partial"
		if cfg.CachePreferences.TileCRS != "" {
			params["tile_crs"] = cfg.CachePreferences.TileCRS
		}
		if cfg.Zoom.Min != nil {
			params["zoom_min"] = *cfg.Zoom.Min
		}
		if cfg.Zoom.Max != nil {
			params["zoom_max"] = *cfg.Zoom.Max
		}
		if len(cfg.Extent.BBox) == 4 {
			params["project_extent"] = cfg.Extent.BBox
			if cfg.Extent.CRS != "" {
				params["extent_crs"] = cfg.Extent.CRS
			}
		}
		if entry != nil && entry.TileGridID != "" {
			params["tile_matrix_preset"] = entry.TileGridID
		}
		if cfg.CachePreferences.AllowRemote {
			params["allow_remote"] = true
		}
	}
	if it.Schedule.ZoomMin != nil {
		params["zoom_min"] = *it.Schedule.ZoomMin
	}
	if it.Schedule.ZoomMax != nil {
		params["zoom_max"] = *it.Schedule.ZoomMax
	}
	params[it.Kind] = it.Name
	params["run_reason"] = "scheduled-" + it.Kind
	params["trigger"] = "timer"
	return params
}

// heartbeatLoop force-fires overdue timers and registers timers for
// projects that have schedules but lost theirs.
func (e *Engine) heartbeatLoop() {
	defer e.wg.Done()
	ticker := time.NewTicker(e.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-e.stopCh:
			return
		case <-ticker.C:
			e.HeartbeatTick()
		}
	}
}

// HeartbeatTick runs one heartbeat pass. Exported for tests.
func (e *Engine) HeartbeatTick() {
	now := e.Now()

	e.mu.Lock()
	type fire struct {
		project string
		target  time.Time
	}
	var fires []fire
	registered := map[string]bool{}
	for id, pt := range e.timers {
		registered[id] = true
		if !now.Before(pt.target.Add(-e.cfg.OverdueGrace)) {
			fires = append(fires, fire{project: id, target: pt.target})
		}
	}
	e.mu.Unlock()

	for _, f := range fires {
		e.handleProjectTimer(f.project, f.target)
	}

	if e.ListProjects == nil {
		return
	}
	for _, id := range e.ListProjects() {
		if registered[id] {
			continue
		}
		cfg, err := e.cfgSvc.Read(id)
		if err != nil {
			continue
		}
		if len(e.DeriveItems(cfg, now)) > 0 {
			e.Register(id, cfg)
		}
	}
}
