package jsonstore

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteAtomicCreatesParents(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "a", "b", "state.json")

	require.NoError(t, WriteAtomic(path, []byte(`{"n":1}`)))

	data, err := Read(path)
	require.NoError(t, err)
	assert.JSONEq(t, `{"n":1}`, string(data))
}

func TestWriteAtomicRotatesBackup(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state.json")

	require.NoError(t, WriteAtomic(path, []byte(`{"v":"old"}`)))
	require.NoError(t, WriteAtomic(path, []byte(`{"v":"new"}`)))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.JSONEq(t, `{"v":"new"}`, string(data))

	bak, err := os.ReadFile(BackupPath(path))
	require.NoError(t, err)
	assert.JSONEq(t, `{"v":"old"}`, string(bak))
}

func TestReadJSONFallsBackToBackup(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state.json")

	require.NoError(t, os.WriteFile(BackupPath(path), []byte(`{"v":42}`), 0o644))
	require.NoError(t, os.WriteFile(path, []byte(`{"v":42`), 0o644)) // truncated

	var v struct {
		V int `json:"v"`
	}
	found, err := ReadJSON(path, &v)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, 42, v.V)
}

func TestReadJSONMissingReturnsNotFound(t *testing.T) {
	var v map[string]any
	found, err := ReadJSON(filepath.Join(t.TempDir(), "nope.json"), &v)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestReadMissingReturnsNil(t *testing.T) {
	data, err := Read(filepath.Join(t.TempDir(), "nope.json"))
	require.NoError(t, err)
	assert.Nil(t, data)
}

func TestWriteJSONRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "cfg.json")

	in := map[string]any{"name": "orto", "zoom": float64(7)}
	require.NoError(t, WriteJSON(path, in))

	var out map[string]any
	found, err := ReadJSON(path, &out)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, in, out)
}
