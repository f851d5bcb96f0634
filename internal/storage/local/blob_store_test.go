package local_test

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smrk-ai/simplecomptool/internal/crawler"
	"github.com/smrk-ai/simplecomptool/internal/storage/local"
)

func TestNew(t *testing.T) {
	t.Run("ValidConfig", func(t *testing.T) {
		store, err := local.New(local.Config{BaseDir: t.TempDir()})
		require.NoError(t, err)
		assert.NotNil(t, store)
	})

	t.Run("CreatesMissingDir", func(t *testing.T) {
		dir := filepath.Join(t.TempDir(), "nested", "blobs")
		_, err := local.New(local.Config{BaseDir: dir})
		require.NoError(t, err)
		info, err := os.Stat(dir)
		require.NoError(t, err)
		assert.True(t, info.IsDir())
	})

	t.Run("MissingBaseDir", func(t *testing.T) {
		_, err := local.New(local.Config{})
		assert.Error(t, err)
	})

	t.Run("BaseDirIsNotADirectory", func(t *testing.T) {
		file := filepath.Join(t.TempDir(), "file")
		require.NoError(t, os.WriteFile(file, []byte("x"), 0o600))
		_, err := local.New(local.Config{BaseDir: file})
		assert.Error(t, err)
	})
}

func TestPutGetObject(t *testing.T) {
	tempDir := t.TempDir()
	store, err := local.New(local.Config{BaseDir: tempDir})
	require.NoError(t, err)
	ctx := context.Background()

	t.Run("RoundTrip", func(t *testing.T) {
		path := "snapshots/s1/pages/p1.txt"
		uri, err := store.PutObject(ctx, path, "text/plain", bytes.NewReader([]byte("hello world")))
		require.NoError(t, err)
		assert.Equal(t, "file://"+filepath.Join(tempDir, path), uri)

		got, err := store.GetObject(ctx, path)
		require.NoError(t, err)
		assert.Equal(t, "hello world", string(got))
	})

	t.Run("Overwrite", func(t *testing.T) {
		path := "snapshots/s1/pages/p2.txt"
		_, err := store.PutObject(ctx, path, "text/plain", bytes.NewReader([]byte("one")))
		require.NoError(t, err)
		_, err = store.PutObject(ctx, path, "text/plain", bytes.NewReader([]byte("two")))
		require.NoError(t, err)
		got, err := store.GetObject(ctx, path)
		require.NoError(t, err)
		assert.Equal(t, "two", string(got))
	})

	t.Run("Missing", func(t *testing.T) {
		_, err := store.GetObject(ctx, "does/not/exist")
		require.ErrorIs(t, err, crawler.ErrNotFound)
	})

	t.Run("EmptyPath", func(t *testing.T) {
		_, err := store.PutObject(ctx, "", "text/plain", bytes.NewReader([]byte("data")))
		assert.Error(t, err)
	})

	t.Run("PathTraversal", func(t *testing.T) {
		_, err := store.PutObject(ctx, "../../etc/passwd", "text/plain", bytes.NewReader([]byte("x")))
		assert.Error(t, err)
		_, err = store.GetObject(ctx, "../outside")
		assert.Error(t, err)
	})
}
