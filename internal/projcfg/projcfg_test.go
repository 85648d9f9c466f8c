package projcfg

import (
	"testing"
	"time"

	"github.com/MeKo-Tech/tilehub/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeepMerge(t *testing.T) {
	base := map[string]any{
		"zoom":   map[string]any{"min": 0.0, "max": 10.0},
		"layers": map[string]any{"a": map[string]any{"crs": "EPSG:3857"}},
		"bbox":   []any{1.0, 2.0, 3.0, 4.0},
	}
	overlay := map[string]any{
		"zoom":   map[string]any{"max": 12.0},
		"layers": map[string]any{"b": map[string]any{"crs": "EPSG:3006"}},
		"bbox":   []any{5.0, 6.0, 7.0, 8.0},
	}

	out := DeepMerge(base, overlay)

	zoom := out["zoom"].(map[string]any)
	assert.Equal(t, 0.0, zoom["min"], "objects merge")
	assert.Equal(t, 12.0, zoom["max"])

	layers := out["layers"].(map[string]any)
	assert.Contains(t, layers, "a")
	assert.Contains(t, layers, "b")

	assert.Equal(t, []any{5.0, 6.0, 7.0, 8.0}, out["bbox"], "arrays replace")
}

func TestDeepMergeIdempotent(t *testing.T) {
	defaults := map[string]any{"a": map[string]any{"x": 1.0}, "b": 2.0}
	patch := map[string]any{"a": map[string]any{"y": 3.0}, "c": []any{1.0}}

	once := DeepMerge(defaults, patch)
	twice := DeepMerge(defaults, DeepMerge(defaults, patch))
	assert.Equal(t, once, twice)
}

func TestDeepMergeDoesNotMutateInputs(t *testing.T) {
	base := map[string]any{"a": map[string]any{"x": 1.0}}
	overlay := map[string]any{"a": map[string]any{"y": 2.0}}
	_ = DeepMerge(base, overlay)
	assert.NotContains(t, base["a"].(map[string]any), "y")
}

func TestBuildPatchDropsUnknownFields(t *testing.T) {
	patch := BuildPatch(map[string]any{
		"zoom":       map[string]any{"min": 2.0, "max": 9.0, "bogus": true},
		"hacker":     "field",
		"themes":     map[string]any{"base": map[string]any{"autoRecache": false, "junk": 1.0}},
		"irrelevant": map[string]any{},
	})

	assert.NotContains(t, patch, "hacker")
	assert.NotContains(t, patch, "irrelevant")
	assert.Equal(t, map[string]any{"min": 2, "max": 9}, patch["zoom"])
	theme := patch["themes"].(map[string]any)["base"].(map[string]any)
	assert.Equal(t, map[string]any{"autoRecache": false}, theme)
}

func TestBuildPatchScheduleValidation(t *testing.T) {
	t.Run("invalid mode rejected silently", func(t *testing.T) {
		patch := BuildPatch(map[string]any{
			"layers": map[string]any{
				"parcels": map[string]any{
					"schedule": map[string]any{"enabled": true, "mode": "hourly"},
				},
			},
		})
		assert.NotContains(t, patch, "layers")
	})

	t.Run("weekday normalization", func(t *testing.T) {
		patch := BuildPatch(map[string]any{
			"layers": map[string]any{
				"parcels": map[string]any{
					"schedule": map[string]any{
						"enabled": true,
						"mode":    "weekly",
						"weekly":  map[string]any{"days": []any{"Monday", " TUE ", "mon", "noday"}, "time": "02:00"},
					},
				},
			},
		})
		sched := patch["layers"].(map[string]any)["parcels"].(map[string]any)["schedule"].(map[string]any)
		weekly := sched["weekly"].(map[string]any)
		assert.Equal(t, []string{"mon", "tue"}, weekly["days"])
		assert.Equal(t, "02:00", weekly["time"])
	})

	t.Run("yearly occurrences capped at three", func(t *testing.T) {
		occ := func(m int) map[string]any {
			return map[string]any{"month": float64(m), "day": 1.0, "time": "03:00"}
		}
		patch := BuildPatch(map[string]any{
			"recache": map[string]any{
				"schedule": map[string]any{
					"mode":   "yearly",
					"yearly": map[string]any{"occurrences": []any{occ(1), occ(4), occ(7), occ(10)}},
				},
			},
		})
		sched := patch["recache"].(map[string]any)["schedule"].(map[string]any)
		occs := sched["yearly"].(map[string]any)["occurrences"].([]any)
		assert.Len(t, occs, 3)
	})

	t.Run("bad clock time dropped", func(t *testing.T) {
		patch := BuildPatch(map[string]any{
			"layers": map[string]any{
				"parcels": map[string]any{
					"schedule": map[string]any{"mode": "weekly", "weekly": map[string]any{"days": []any{"mon"}, "time": "25:99"}},
				},
			},
		})
		sched := patch["layers"].(map[string]any)["parcels"].(map[string]any)["schedule"].(map[string]any)
		weekly := sched["weekly"].(map[string]any)
		assert.NotContains(t, weekly, "time")
	})
}

func newTestService(t *testing.T) *Service {
	t.Helper()
	svc := NewService(storage.Layout{CacheRoot: t.TempDir()}, nil)
	svc.Now = func() time.Time { return time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC) }
	return svc
}

func TestServiceReadDefaultsWhenMissing(t *testing.T) {
	svc := newTestService(t)
	cfg, err := svc.Read("orto")
	require.NoError(t, err)
	assert.Equal(t, "orto", cfg.ProjectID)
	assert.Equal(t, "auto", cfg.CachePreferences.Mode)
	assert.NotNil(t, cfg.Layers)
}

func TestServiceWriteReadRoundTrip(t *testing.T) {
	svc := newTestService(t)

	cfg, err := svc.Read("orto")
	require.NoError(t, err)
	two := 2
	cfg.Zoom.Min = &two
	cfg.EnsureEntry("layer", "parcels").TileGridID = "SWEREF99_TM"
	require.NoError(t, err)
	require.NoError(t, svc.Write("orto", cfg))

	svc.Evict("orto")
	again, err := svc.Read("orto")
	require.NoError(t, err)
	require.NotNil(t, again.Zoom.Min)
	assert.Equal(t, 2, *again.Zoom.Min)
	assert.Equal(t, "SWEREF99_TM", again.Layers["parcels"].TileGridID)
	assert.NotEmpty(t, again.CreatedAt)
	assert.NotEmpty(t, again.UpdatedAt)
}

func TestServiceWriteIdempotent(t *testing.T) {
	svc := newTestService(t)
	cfg, err := svc.Read("orto")
	require.NoError(t, err)
	require.NoError(t, svc.Write("orto", cfg))

	first, err := svc.Read("orto")
	require.NoError(t, err)
	require.NoError(t, svc.Write("orto", first))
	second, err := svc.Read("orto")
	require.NoError(t, err)
	assert.Equal(t, first.CreatedAt, second.CreatedAt)
	assert.Equal(t, first.Layers, second.Layers)
	assert.Equal(t, first.Zoom, second.Zoom)
}

func TestServiceUpdatePreservesCreatedAt(t *testing.T) {
	svc := newTestService(t)
	cfg, err := svc.Read("orto")
	require.NoError(t, err)
	require.NoError(t, svc.Write("orto", cfg))
	created := cfg.CreatedAt

	svc.Now = func() time.Time { return time.Date(2025, 7, 1, 12, 0, 0, 0, time.UTC) }
	updated, err := svc.Update("orto", map[string]any{
		"cachePreferences": map[string]any{"mode": "xyz"},
	})
	require.NoError(t, err)
	assert.Equal(t, created, updated.CreatedAt)
	assert.Equal(t, "xyz", updated.CachePreferences.Mode)
	assert.NotEqual(t, created, updated.UpdatedAt)
}

func TestServiceTrimsHistories(t *testing.T) {
	svc := newTestService(t)
	cfg, err := svc.Read("orto")
	require.NoError(t, err)
	for i := 0; i < 40; i++ {
		cfg.Recache.History = append(cfg.Recache.History, HistoryEntry{Result: ResultSuccess})
	}
	require.NoError(t, svc.Write("orto", cfg))
	assert.Len(t, cfg.Recache.History, HistoryLimit)
}

func TestServiceRescheduleCallback(t *testing.T) {
	svc := newTestService(t)
	var calls []string
	svc.OnReschedule = func(id string, cfg *ProjectConfig) { calls = append(calls, id) }

	cfg, err := svc.Read("orto")
	require.NoError(t, err)
	require.NoError(t, svc.Write("orto", cfg))
	require.NoError(t, svc.Write("orto", cfg, WriteOptions{SkipReschedule: true}))

	assert.Equal(t, []string{"orto"}, calls)
}
