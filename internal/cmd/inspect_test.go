package cmd

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MeKo-Tech/tilehub/internal/index"
	"github.com/MeKo-Tech/tilehub/internal/storage"
)

func TestWriteIndexJSON(t *testing.T) {
	cacheDir := filepath.Join(t.TempDir(), "cache")
	layout := storage.Layout{CacheRoot: cacheDir}
	svc := index.NewService(layout, nil)

	require.NoError(t, svc.Upsert("orto", "layer", "parcels", func(e index.Entry) index.Entry {
		e.Scheme = "xyz"
		e.TileCRS = "EPSG:3857"
		return e
	}))
	tileDir := layout.TargetDir("orto", "layer", "parcels")
	require.NoError(t, os.MkdirAll(filepath.Join(tileDir, "0"), 0o755))

	var buf bytes.Buffer
	require.NoError(t, writeIndexJSON(&buf, cacheDir, "orto"))

	var idx map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &idx))
	assert.Equal(t, "orto", idx["project"])

	layers := idx["layers"].([]any)
	require.Len(t, layers, 1)
	entry := layers[0].(map[string]any)
	assert.Equal(t, "parcels", entry["name"])
	assert.Equal(t, true, entry["has_tiles"], "output carries the disk probe")
}

func TestInspectIndexCommandRegistered(t *testing.T) {
	cmd, _, err := rootCmd.Find([]string{"inspect", "index"})
	require.NoError(t, err)
	assert.Equal(t, "index <project>", cmd.Use)
}

func TestWriteIndexJSONEmptyProject(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, writeIndexJSON(&buf, filepath.Join(t.TempDir(), "cache"), "ghost"))

	var idx map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &idx))
	assert.Equal(t, "ghost", idx["project"])
	assert.Empty(t, idx["layers"])
}
