package ondemand

import (
	"context"
	"image"
	"image/png"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/MeKo-Tech/tilehub/internal/index"
	"github.com/MeKo-Tech/tilehub/internal/projcfg"
	"github.com/MeKo-Tech/tilehub/internal/renderpool"
	"github.com/MeKo-Tech/tilehub/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRenderer(t *testing.T, workerScript string) (*Renderer, storage.Layout) {
	t.Helper()
	layout := storage.Layout{CacheRoot: filepath.Join(t.TempDir(), "cache")}

	pool := renderpool.New(renderpool.Config{
		Size:    2,
		Command: []string{"sh", "-c", workerScript},
		Timeout: 5 * time.Second,
	})
	pool.Start()
	t.Cleanup(pool.Close)

	r := New(Config{}, pool, layout,
		index.NewService(layout, nil),
		projcfg.NewService(layout, nil),
		nil, nil)
	return r, layout
}

const okWorker = `while read line; do echo '{"status":"ok"}'; done`
const slowOkWorker = `while read line; do sleep 0.2; echo '{"status":"ok"}'; done`

// writeTilePNG puts a structurally valid PNG where the renderer would.
func writeTilePNG(t *testing.T, layout storage.Layout, req TileRequest) string {
	t.Helper()
	dir := layout.TargetDir(req.Project, req.Mode, req.Name)
	out := storage.TilePath(dir, req.Z, req.X, req.Y, "png")
	require.NoError(t, os.MkdirAll(filepath.Dir(out), 0o755))
	f, err := os.Create(out)
	require.NoError(t, err)
	require.NoError(t, png.Encode(f, image.NewRGBA(image.Rect(0, 0, 1, 1))))
	require.NoError(t, f.Close())
	return out
}

func TestRenderServesValidTile(t *testing.T) {
	r, layout := newTestRenderer(t, okWorker)
	req := TileRequest{Project: "orto", Mode: "layer", Name: "parcels", Z: 4, X: 5, Y: 6}
	want := writeTilePNG(t, layout, req)

	got, err := r.Render(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, want, got)

	st := r.Status()
	assert.EqualValues(t, 1, st["requested"])
	assert.EqualValues(t, 1, st["completed"])
}

func TestRenderCoalescesConcurrentRequests(t *testing.T) {
	r, layout := newTestRenderer(t, slowOkWorker)
	req := TileRequest{Project: "orto", Mode: "layer", Name: "parcels", Z: 4, X: 5, Y: 6}
	want := writeTilePNG(t, layout, req)

	const callers = 6
	var wg sync.WaitGroup
	paths := make([]string, callers)
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			paths[i], errs[i] = r.Render(context.Background(), req)
		}(i)
	}
	wg.Wait()

	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, want, paths[i])
	}
	_, _, served, _ := r.pool.Stats()
	assert.EqualValues(t, 1, served, "identical requests share one render")
}

func TestRenderInvalidOutputFails(t *testing.T) {
	r, _ := newTestRenderer(t, okWorker)
	// The worker claims success but never writes a file.
	_, err := r.Render(context.Background(), TileRequest{
		Project: "orto", Mode: "layer", Name: "parcels", Z: 1, X: 0, Y: 0,
	})
	assert.ErrorIs(t, err, ErrInvalidOutput)
}

func TestRenderDeletesCorruptOutput(t *testing.T) {
	r, layout := newTestRenderer(t, okWorker)
	req := TileRequest{Project: "orto", Mode: "layer", Name: "parcels", Z: 2, X: 1, Y: 1}

	dir := layout.TargetDir(req.Project, req.Mode, req.Name)
	out := storage.TilePath(dir, req.Z, req.X, req.Y, "png")
	require.NoError(t, os.MkdirAll(filepath.Dir(out), 0o755))
	require.NoError(t, os.WriteFile(out, []byte("not a png"), 0o644))

	_, err := r.Render(context.Background(), req)
	assert.ErrorIs(t, err, ErrInvalidOutput)
	_, statErr := os.Stat(out)
	assert.True(t, os.IsNotExist(statErr), "corrupt tile must be deleted")
}

func TestPauseRejectsNewWork(t *testing.T) {
	r, layout := newTestRenderer(t, okWorker)
	req := TileRequest{Project: "orto", Mode: "layer", Name: "parcels", Z: 3, X: 2, Y: 2}
	writeTilePNG(t, layout, req)

	until, _ := r.PauseAll(0)
	assert.True(t, until.After(time.Now()))

	_, err := r.Render(context.Background(), req)
	assert.ErrorIs(t, err, ErrPaused)
	assert.Equal(t, true, r.Status()["paused"])

	r.Resume()
	_, err = r.Render(context.Background(), req)
	assert.NoError(t, err)
}

func TestPauseWindowIsCapped(t *testing.T) {
	r, _ := newTestRenderer(t, okWorker)
	until, _ := r.PauseAll(time.Hour)
	assert.LessOrEqual(t, time.Until(until), 5*time.Minute+time.Second)
}

func TestSessionAbortBlocksSession(t *testing.T) {
	r, layout := newTestRenderer(t, okWorker)
	req := TileRequest{Project: "orto", Mode: "layer", Name: "parcels", Z: 3, X: 1, Y: 1, SessionID: "sid-abc"}
	writeTilePNG(t, layout, req)

	r.AbortSession("sid-abc")
	_, err := r.Render(context.Background(), req)
	assert.ErrorIs(t, err, ErrSessionAborted)

	// Other sessions are unaffected.
	other := req
	other.SessionID = "sid-xyz"
	_, err = r.Render(context.Background(), other)
	assert.NoError(t, err)
}

func TestSessionAbortExpires(t *testing.T) {
	r, layout := newTestRenderer(t, okWorker)
	req := TileRequest{Project: "orto", Mode: "layer", Name: "parcels", Z: 3, X: 1, Y: 1, SessionID: "sid-abc"}
	writeTilePNG(t, layout, req)

	r.AbortSession("sid-abc")
	base := time.Now()
	r.Now = func() time.Time { return base.Add(6 * time.Minute) }

	_, err := r.Render(context.Background(), req)
	assert.NoError(t, err, "abort marks expire after the TTL")
}

func TestNormalizeSessionID(t *testing.T) {
	assert.Equal(t, "abc-123_X", normalizeSessionID(" abc-123_X "))
	assert.Equal(t, "", normalizeSessionID("no;injection"))
	assert.Equal(t, "", normalizeSessionID("päth"))
}

func TestRecordRequestStampsConfig(t *testing.T) {
	r, layout := newTestRenderer(t, okWorker)
	req := TileRequest{Project: "orto", Mode: "layer", Name: "parcels", Z: 3, X: 1, Y: 1}
	writeTilePNG(t, layout, req)

	_, err := r.Render(context.Background(), req)
	require.NoError(t, err)

	cfg, err := r.configs.Read("orto")
	require.NoError(t, err)
	entry := cfg.Entry("layer", "parcels")
	require.NotNil(t, entry)
	assert.NotEmpty(t, entry.LastRequestedAt)
}

func TestTileBoundsFallsBackToMercator(t *testing.T) {
	r, _ := newTestRenderer(t, okWorker)
	bbox, crs, preset := r.tileBounds(TileRequest{Project: "orto", Mode: "layer", Name: "parcels", Z: 0, X: 0, Y: 0})
	assert.Equal(t, "EPSG:3857", crs)
	assert.Empty(t, preset)
	assert.InDelta(t, -20037508.34, bbox[0], 1)
	assert.InDelta(t, 20037508.34, bbox[2], 1)
}
