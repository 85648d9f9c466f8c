package jobs

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/MeKo-Tech/tilehub/internal/index"
	"github.com/MeKo-Tech/tilehub/internal/projcfg"
	"github.com/MeKo-Tech/tilehub/internal/projlog"
	"github.com/MeKo-Tech/tilehub/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeRenderer writes a shell script that plays the renderer's stdout
// protocol and returns a manager configured to spawn it via sh.
func newTestManager(t *testing.T, script string, cfg Config) *Manager {
	t.Helper()
	root := t.TempDir()

	scriptPath := filepath.Join(root, "fake_generate_cache.sh")
	require.NoError(t, os.WriteFile(scriptPath, []byte("#!/bin/sh\n"+script), 0o755))

	layout := storage.Layout{CacheRoot: filepath.Join(root, "cache")}
	cfg.PythonBin = "sh"
	cfg.RendererScript = scriptPath
	cfg.PidDir = filepath.Join(root, "data", "job-pids")

	m := NewManager(cfg,
		layout,
		index.NewService(layout, nil),
		projcfg.NewService(layout, nil),
		projlog.New(filepath.Join(root, "logs")),
		nil, nil)
	t.Cleanup(m.Close)
	return m
}

const completingScript = `
echo '{"debug":"start_generate","output_dir":"out","storage_name":"parcels","tile_crs":"EPSG:3857","scheme":"xyz","xyz_mode":"partial","expected_total":85}'
echo '{"progress":"level_done","total_generated":40,"expected_total":85,"status":"running"}'
echo '{"status":"completed","total_generated":85,"expected_total":85,"percent":100}'
echo '{"debug":"index_written"}'
`

const hangingScript = `
echo '{"debug":"start_generate","expected_total":1000}'
sleep 60
`

func waitTerminal(t *testing.T, m *Manager, id string) Snapshot {
	t.Helper()
	var snap Snapshot
	require.Eventually(t, func() bool {
		s, ok := m.Get(id, 0)
		if !ok {
			return false
		}
		snap = s
		return s.Status != StatusRunning && s.Status != StatusAborting
	}, 10*time.Second, 20*time.Millisecond)
	return snap
}

func TestHappyPathJob(t *testing.T) {
	m := newTestManager(t, completingScript, Config{})

	snap, err := m.Start(StartRequest{
		Project: "orto", Layer: "parcels",
		ZoomMin: 0, ZoomMax: 3,
		Scheme: "xyz", XYZMode: "partial", TileCRS: "EPSG:3857",
	})
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, snap.Status)
	assert.NotEmpty(t, snap.ID)

	final := waitTerminal(t, m, snap.ID)
	assert.Equal(t, StatusCompleted, final.Status)
	assert.NotEmpty(t, final.EndedAt)
	assert.Equal(t, 85, final.Progress.TotalGenerated)
	require.NotNil(t, final.Progress.Percent)
	assert.InDelta(t, 100, *final.Progress.Percent, 0.01)
	require.NotNil(t, final.Metadata)
	assert.Equal(t, "parcels", final.Metadata.StorageName)

	idx, err := m.index.Read("orto")
	require.NoError(t, err)
	entry, ok := idx.Entry("layer", "parcels")
	require.True(t, ok)
	assert.Equal(t, StatusCompleted, entry.Status)
	require.NotNil(t, entry.CachedZoomMin)
	require.NotNil(t, entry.CachedZoomMax)
	assert.Equal(t, 0, *entry.CachedZoomMin)
	assert.Equal(t, 3, *entry.CachedZoomMax)
	require.NotNil(t, entry.TileCount)
	assert.Equal(t, 85, *entry.TileCount)
	assert.False(t, entry.Partial)

	cfg, err := m.configs.Read("orto")
	require.NoError(t, err)
	layerCfg := cfg.Entry("layer", "parcels")
	require.NotNil(t, layerCfg)
	assert.Equal(t, projcfg.ResultCompleted, layerCfg.LastResult)
	assert.NotNil(t, layerCfg.LastParams)
	assert.EqualValues(t, 3, layerCfg.LastParams["zoom_max"])
}

func TestJobHasPidRecordUntilTTL(t *testing.T) {
	m := newTestManager(t, completingScript, Config{JobTTL: 80 * time.Millisecond})

	snap, err := m.Start(StartRequest{Project: "orto", Layer: "parcels", ZoomMax: 1})
	require.NoError(t, err)

	_, ok, err := m.pids.Read(snap.ID)
	require.NoError(t, err)
	assert.True(t, ok, "pid record exists while the job lives")

	waitTerminal(t, m, snap.ID)
	require.Eventually(t, func() bool {
		_, stillThere := m.Get(snap.ID, 0)
		_, hasRecord, _ := m.pids.Read(snap.ID)
		return !stillThere && !hasRecord
	}, 5*time.Second, 20*time.Millisecond, "job and pid record go away together")
}

func TestDuplicateJobConflicts(t *testing.T) {
	m := newTestManager(t, hangingScript, Config{})

	first, err := m.Start(StartRequest{Project: "orto", Layer: "parcels", ZoomMax: 3})
	require.NoError(t, err)

	_, err = m.Start(StartRequest{Project: "orto", Layer: "parcels", ZoomMax: 3})
	var jerr *Error
	require.ErrorAs(t, err, &jerr)
	assert.Equal(t, "job_already_running", jerr.Code)
	assert.Equal(t, 409, jerr.Status)
	assert.Equal(t, first.ID, jerr.JobID)

	_, _ = m.AbortProject("orto", "")
}

func TestConcurrencyCap(t *testing.T) {
	m := newTestManager(t, hangingScript, Config{JobMax: 1})

	_, err := m.Start(StartRequest{Project: "orto", Layer: "parcels", ZoomMax: 3})
	require.NoError(t, err)

	_, err = m.Start(StartRequest{Project: "orto", Layer: "roads", ZoomMax: 3})
	var jerr *Error
	require.ErrorAs(t, err, &jerr)
	assert.Equal(t, "server_busy", jerr.Code)
	assert.Equal(t, 429, jerr.Status)

	_, _ = m.AbortProject("orto", "")
}

func TestAbortRunningJob(t *testing.T) {
	m := newTestManager(t, hangingScript, Config{})

	snap, err := m.Start(StartRequest{Project: "orto", Layer: "parcels", ZoomMax: 3})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		s, _ := m.Get(snap.ID, 0)
		return s.Pid > 0
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, m.Abort(snap.ID))

	final := waitTerminal(t, m, snap.ID)
	assert.Equal(t, StatusAborted, final.Status)
	assert.False(t, pidAlive(int32(final.Pid)), "child process must be gone")

	// Aborting again is a no-op.
	assert.NoError(t, m.Abort(snap.ID))
}

func TestAbortUnknownJob(t *testing.T) {
	m := newTestManager(t, completingScript, Config{})
	err := m.Abort("no-such-id")
	assert.ErrorIs(t, err, ErrJobNotFound)
}

func TestAbortSession(t *testing.T) {
	m := newTestManager(t, hangingScript, Config{})

	snap, err := m.Start(StartRequest{
		Project: "orto", Layer: "parcels", ZoomMax: 3,
		ViewerSessionID: "sid-1",
	})
	require.NoError(t, err)
	_, err = m.Start(StartRequest{Project: "orto", Layer: "roads", ZoomMax: 3})
	require.NoError(t, err)

	ids, err := m.AbortSession("sid-1")
	require.NoError(t, err)
	assert.Equal(t, []string{snap.ID}, ids)
	assert.Len(t, m.Running(), 1, "unrelated job keeps running")

	_, _ = m.AbortProject("orto", "")
}

func TestWaitProjectIdle(t *testing.T) {
	m := newTestManager(t, hangingScript, Config{})

	_, err := m.Start(StartRequest{Project: "orto", Layer: "parcels", ZoomMax: 3})
	require.NoError(t, err)

	assert.False(t, m.WaitProjectIdle("orto", 300*time.Millisecond))

	_, err = m.AbortProject("orto", "")
	require.NoError(t, err)
	assert.True(t, m.WaitProjectIdle("orto", 5*time.Second))
}

func TestProjectNotFound(t *testing.T) {
	m := newTestManager(t, completingScript, Config{})
	m.ResolveProject = func(id string) (string, bool) { return "", false }

	_, err := m.Start(StartRequest{Project: "ghost", Layer: "parcels"})
	assert.ErrorIs(t, err, ErrProjectNotFound)
}

func TestRunCacheJobCompletes(t *testing.T) {
	m := newTestManager(t, completingScript, Config{})

	result, msg, err := m.RunCacheJob(context.Background(), "orto", map[string]any{
		"layer": "parcels", "zoom_min": 0, "zoom_max": 2,
	}, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, projcfg.ResultCompleted, result)
	assert.Empty(t, msg)
}

func TestOrphanScanFindsDeadRecords(t *testing.T) {
	m := newTestManager(t, completingScript, Config{})

	// A record for a pid that no longer exists gets reaped, not reported.
	require.NoError(t, m.pids.Write(PidRecord{ID: "stale", Pid: 999999, Project: "orto"}))
	orphans := m.ScanOrphans()
	for _, o := range orphans {
		assert.NotEqual(t, "stale", o.ID)
	}
	_, ok, err := m.pids.Read("stale")
	require.NoError(t, err)
	assert.False(t, ok, "stale record removed")
}

func TestOrphanScanReportsLivePid(t *testing.T) {
	m := newTestManager(t, completingScript, Config{})

	// Our own pid is certainly alive and not a known job.
	require.NoError(t, m.pids.Write(PidRecord{
		ID: "leftover", Pid: os.Getpid(), Project: "orto",
		TargetMode: "layer", TargetName: "parcels",
	}))
	orphans := m.ScanOrphans()
	found := false
	for _, o := range orphans {
		if o.ID == "leftover" {
			found = true
			assert.Equal(t, "pid-file", o.Source)
			assert.Equal(t, "orto", o.Project)
		}
	}
	assert.True(t, found)
}

func TestPidStoreRoundTrip(t *testing.T) {
	s := NewPidStore(filepath.Join(t.TempDir(), "pids"))

	rec := PidRecord{ID: "abc", Pid: 42, Project: "orto", TargetMode: "layer", TargetName: "parcels"}
	require.NoError(t, s.Write(rec))

	got, ok, err := s.Read("abc")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, pidRecordVersion, got.Version)
	assert.Equal(t, 42, got.Pid)

	list, err := s.List()
	require.NoError(t, err)
	require.Len(t, list, 1)

	s.Remove("abc")
	_, ok, err = s.Read("abc")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestPidStoreListMissingDir(t *testing.T) {
	s := NewPidStore(filepath.Join(t.TempDir(), "nope"))
	list, err := s.List()
	require.NoError(t, err)
	assert.Empty(t, list)
}
