package local_test

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/recipe-crawler/internal/storage/local"
)

func TestNew(t *testing.T) {
	t.Run("ValidConfig", func(t *testing.T) {
		store, err := local.New(local.Config{BaseDir: t.TempDir()})
		require.NoError(t, err)
		assert.NotNil(t, store)
	})

	t.Run("MissingBaseDir", func(t *testing.T) {
		_, err := local.New(local.Config{})
		assert.Error(t, err)
	})

	t.Run("CreatesMissingDir", func(t *testing.T) {
		dir := filepath.Join(t.TempDir(), "nested", "archive")
		_, err := local.New(local.Config{BaseDir: dir})
		require.NoError(t, err)
		info, err := os.Stat(dir)
		require.NoError(t, err)
		assert.True(t, info.IsDir())
	})

	t.Run("BaseDirIsNotADirectory", func(t *testing.T) {
		file := filepath.Join(t.TempDir(), "file")
		require.NoError(t, os.WriteFile(file, []byte("x"), 0o600))
		_, err := local.New(local.Config{BaseDir: file})
		assert.Error(t, err)
	})
}

func TestPutObject(t *testing.T) {
	baseDir := t.TempDir()
	store, err := local.New(local.Config{BaseDir: baseDir})
	require.NoError(t, err)
	ctx := context.Background()

	t.Run("WritesPage", func(t *testing.T) {
		uri, err := store.PutObject(ctx, "pages/example.com/abc.html", "text/html", strings.NewReader("<html></html>"))
		require.NoError(t, err)

		want := filepath.Join(baseDir, "pages", "example.com", "abc.html")
		assert.Equal(t, "file://"+want, uri)
		got, err := os.ReadFile(want)
		require.NoError(t, err)
		assert.Equal(t, "<html></html>", string(got))
	})

	t.Run("OverwritesSameKey", func(t *testing.T) {
		_, err := store.PutObject(ctx, "pages/dup.html", "text/html", strings.NewReader("first"))
		require.NoError(t, err)
		_, err = store.PutObject(ctx, "pages/dup.html", "text/html", strings.NewReader("second"))
		require.NoError(t, err)

		got, err := os.ReadFile(filepath.Join(baseDir, "pages", "dup.html"))
		require.NoError(t, err)
		assert.Equal(t, "second", string(got))

		entries, err := os.ReadDir(filepath.Join(baseDir, "pages"))
		require.NoError(t, err)
		for _, e := range entries {
			assert.False(t, strings.HasPrefix(e.Name(), ".archive-"), "temp file left behind: %s", e.Name())
		}
	})

	t.Run("EmptyPath", func(t *testing.T) {
		_, err := store.PutObject(ctx, "  ", "", strings.NewReader("x"))
		assert.Error(t, err)
	})

	t.Run("PathTraversal", func(t *testing.T) {
		_, err := store.PutObject(ctx, "../escape.html", "", strings.NewReader("x"))
		assert.ErrorContains(t, err, "path traversal")
	})
}
