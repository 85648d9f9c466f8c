package schedule

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/MeKo-Tech/tilehub/internal/projcfg"
	"github.com/MeKo-Tech/tilehub/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRunner struct {
	mu     sync.Mutex
	runs   []map[string]any
	purges []string
	result string
	err    error
}

func (f *fakeRunner) RunCacheJob(ctx context.Context, project string, params map[string]any, timeout time.Duration) (string, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := map[string]any{"project": project}
	for k, v := range params {
		cp[k] = v
	}
	f.runs = append(f.runs, cp)
	if f.err != nil {
		return "", "", f.err
	}
	result := f.result
	if result == "" {
		result = projcfg.ResultCompleted
	}
	return result, "", nil
}

func (f *fakeRunner) PurgeTarget(project, mode, name string, force bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.purges = append(f.purges, fmt.Sprintf("%s/%s/%s", project, mode, name))
	return nil
}

func (f *fakeRunner) runCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.runs)
}

func newTestEngine(t *testing.T) (*Engine, *projcfg.Service, *fakeRunner) {
	t.Helper()
	svc := projcfg.NewService(storage.Layout{CacheRoot: t.TempDir()}, nil)
	runner := &fakeRunner{}
	cfg := DefaultConfig()
	cfg.Location = time.UTC
	cfg.RunTimeout = 5 * time.Second
	e := NewEngine(cfg, svc, runner, nil, nil)
	t.Cleanup(e.Stop)
	return e, svc, runner
}

func setClock(e *Engine, svc *projcfg.Service, at time.Time) {
	e.Now = func() time.Time { return at }
	svc.Now = func() time.Time { return at }
}

func enableWeekly(t *testing.T, svc *projcfg.Service, project, layer string) {
	t.Helper()
	_, err := svc.Update(project, map[string]any{
		"layers": map[string]any{
			layer: map[string]any{
				"schedule": map[string]any{
					"enabled": true,
					"mode":    "weekly",
					"weekly":  map[string]any{"days": []any{"mon"}, "time": "02:00"},
				},
			},
		},
	})
	require.NoError(t, err)
}

func TestPatchRegistersTimerAtNextRun(t *testing.T) {
	e, svc, _ := newTestEngine(t)
	sat := time.Date(2025, 6, 7, 18, 0, 0, 0, time.UTC)
	setClock(e, svc, sat)

	enableWeekly(t, svc, "orto", "parcels")

	cfg, err := svc.Read("orto")
	require.NoError(t, err)
	assert.Equal(t, "2025-06-09T02:00:00Z", cfg.Layers["parcels"].Schedule.NextRunAt)

	target, ok := e.TimerTarget("orto")
	require.True(t, ok)
	assert.Equal(t, time.Date(2025, 6, 9, 2, 0, 0, 0, time.UTC), target.UTC())
}

func TestHandleProjectTimerStaleTargetIsNoop(t *testing.T) {
	e, svc, runner := newTestEngine(t)
	setClock(e, svc, time.Date(2025, 6, 7, 18, 0, 0, 0, time.UTC))
	enableWeekly(t, svc, "orto", "parcels")

	e.handleProjectTimer("orto", time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	assert.Zero(t, runner.runCount(), "stale target must not execute")
}

func TestTimerFireRunsDueItemAndReschedules(t *testing.T) {
	e, svc, runner := newTestEngine(t)
	sat := time.Date(2025, 6, 7, 18, 0, 0, 0, time.UTC)
	setClock(e, svc, sat)
	enableWeekly(t, svc, "orto", "parcels")

	target, ok := e.TimerTarget("orto")
	require.True(t, ok)

	// Advance past the target and fire as the timer callback would.
	fireAt := target.Add(time.Second)
	setClock(e, svc, fireAt)
	e.handleProjectTimer("orto", target)

	require.Equal(t, 1, runner.runCount())
	run := runner.runs[0]
	assert.Equal(t, "orto", run["project"])
	assert.Equal(t, "parcels", run["layer"])
	assert.Equal(t, "scheduled-layer", run["run_reason"])
	assert.Equal(t, "timer", run["trigger"])

	// No zoom override on the schedule, so the cache is purged up front.
	assert.Contains(t, runner.purges, "orto/layer/parcels")

	// Outcome recorded and next run strictly in the future.
	cfg, err := svc.Read("orto")
	require.NoError(t, err)
	s := cfg.Layers["parcels"].Schedule
	assert.Equal(t, projcfg.ResultCompleted, s.LastResult)
	require.Len(t, s.History, 1)

	next, ok := e.TimerTarget("orto")
	require.True(t, ok)
	assert.True(t, next.After(fireAt.Add(5*time.Second)))
}

func TestScheduleZoomOverrideSkipsPurge(t *testing.T) {
	e, svc, runner := newTestEngine(t)
	setClock(e, svc, time.Date(2025, 6, 7, 18, 0, 0, 0, time.UTC))

	_, err := svc.Update("orto", map[string]any{
		"layers": map[string]any{
			"parcels": map[string]any{
				"schedule": map[string]any{
					"enabled": true,
					"mode":    "weekly",
					"weekly":  map[string]any{"days": []any{"mon"}, "time": "02:00"},
					"zoomMin": 3.0,
					"zoomMax": 6.0,
				},
			},
		},
	})
	require.NoError(t, err)

	target, _ := e.TimerTarget("orto")
	setClock(e, svc, target.Add(time.Second))
	e.handleProjectTimer("orto", target)

	require.Equal(t, 1, runner.runCount())
	assert.Empty(t, runner.purges)
	assert.Equal(t, 3, runner.runs[0]["zoom_min"])
	assert.Equal(t, 6, runner.runs[0]["zoom_max"])
}

func TestHeartbeatFiresOverdueTimer(t *testing.T) {
	e, svc, runner := newTestEngine(t)
	sat := time.Date(2025, 6, 7, 18, 0, 0, 0, time.UTC)
	setClock(e, svc, sat)
	enableWeekly(t, svc, "orto", "parcels")

	target, _ := e.TimerTarget("orto")
	setClock(e, svc, target.Add(10*time.Minute)) // host was suspended
	e.HeartbeatTick()

	assert.Equal(t, 1, runner.runCount())
}

func TestHeartbeatRegistersMissingTimer(t *testing.T) {
	e, svc, _ := newTestEngine(t)
	setClock(e, svc, time.Date(2025, 6, 7, 18, 0, 0, 0, time.UTC))
	enableWeekly(t, svc, "orto", "parcels")

	e.Stop() // drops all timers
	_, ok := e.TimerTarget("orto")
	require.False(t, ok)

	e.ListProjects = func() []string { return []string{"orto"} }
	e.HeartbeatTick()

	_, ok = e.TimerTarget("orto")
	assert.True(t, ok)
}

func TestRunProjectBatch(t *testing.T) {
	e, svc, runner := newTestEngine(t)
	setClock(e, svc, time.Date(2025, 6, 7, 18, 0, 0, 0, time.UTC))

	_, err := svc.Mutate("orto", func(c *projcfg.ProjectConfig) {
		c.EnsureEntry("layer", "parcels").LastParams = map[string]any{"zoom_min": 0.0, "zoom_max": 3.0}
		c.EnsureEntry("layer", "roads").LastParams = map[string]any{"zoom_min": 0.0, "zoom_max": 5.0}
		off := false
		disabled := c.EnsureEntry("layer", "excluded")
		disabled.LastParams = map[string]any{}
		disabled.AutoRecache = &off
		c.EnsureEntry("layer", "never-cached") // no lastParams
	})
	require.NoError(t, err)

	run, err := e.RunProjectBatch(context.Background(), "orto", BatchRequest{Trigger: "manual", Reason: "manual-project"})
	require.NoError(t, err)

	assert.Equal(t, BatchCompleted, run.Status)
	assert.Equal(t, 2, run.TotalCount)
	assert.Equal(t, 2, run.CompletedCount)
	assert.ElementsMatch(t, []string{"parcels", "roads"}, run.Layers)
	assert.Equal(t, 2, runner.runCount())
	for i, r := range runner.runs {
		assert.Equal(t, i, r["batch_index"])
		assert.Equal(t, 2, r["batch_total"])
		assert.Equal(t, run.ID, r["run_id"])
	}

	cfg, err := svc.Read("orto")
	require.NoError(t, err)
	assert.Equal(t, projcfg.ResultSuccess, cfg.ProjectCache.LastResult)
	require.Len(t, cfg.ProjectCache.History, 1)
}

func TestRunProjectBatchNoLayers(t *testing.T) {
	e, svc, _ := newTestEngine(t)
	setClock(e, svc, time.Date(2025, 6, 7, 18, 0, 0, 0, time.UTC))
	_, err := e.RunProjectBatch(context.Background(), "orto", BatchRequest{Trigger: "manual"})
	assert.ErrorIs(t, err, ErrNoLayers)
}

func TestRunProjectBatchRecordsFailure(t *testing.T) {
	e, svc, runner := newTestEngine(t)
	setClock(e, svc, time.Date(2025, 6, 7, 18, 0, 0, 0, time.UTC))
	runner.result = projcfg.ResultError

	_, err := svc.Mutate("orto", func(c *projcfg.ProjectConfig) {
		c.EnsureEntry("layer", "parcels").LastParams = map[string]any{}
	})
	require.NoError(t, err)

	run, err := e.RunProjectBatch(context.Background(), "orto", BatchRequest{Trigger: "manual"})
	require.NoError(t, err)
	assert.Equal(t, BatchError, run.Status)
	assert.NotEmpty(t, run.Error)
}
