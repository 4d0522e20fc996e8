package local_test

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/newsdesk-crawler/internal/storage/local"
)

func TestNew(t *testing.T) {
	t.Run("CreatesMissingDir", func(t *testing.T) {
		dir := filepath.Join(t.TempDir(), "nested", "pages")
		store, err := local.New(local.Config{BaseDir: dir})
		require.NoError(t, err)
		assert.NotNil(t, store)
		info, err := os.Stat(dir)
		require.NoError(t, err)
		assert.True(t, info.IsDir())
	})

	t.Run("MissingBaseDir", func(t *testing.T) {
		_, err := local.New(local.Config{BaseDir: "  "})
		assert.ErrorContains(t, err, "local_dir")
	})

	t.Run("BaseDirIsAFile", func(t *testing.T) {
		file := filepath.Join(t.TempDir(), "file")
		require.NoError(t, os.WriteFile(file, []byte("x"), 0o600))
		_, err := local.New(local.Config{BaseDir: file})
		assert.Error(t, err)
	})
}

func TestPutObject(t *testing.T) {
	dir := t.TempDir()
	store, err := local.New(local.Config{BaseDir: dir})
	require.NoError(t, err)
	ctx := context.Background()

	uri, err := store.PutObject(ctx, "diario/ab/abcdef.html", "text/html", strings.NewReader("<html>v1</html>"))
	require.NoError(t, err)
	expected := filepath.Join(dir, "diario", "ab", "abcdef.html")
	assert.Equal(t, "file://"+expected, uri)

	data, err := os.ReadFile(expected)
	require.NoError(t, err)
	assert.Equal(t, "<html>v1</html>", string(data))

	// Same address, existing object is kept.
	again, err := store.PutObject(ctx, "diario/ab/abcdef.html", "text/html", strings.NewReader("<html>v2</html>"))
	require.NoError(t, err)
	assert.Equal(t, uri, again)
	data, err = os.ReadFile(expected)
	require.NoError(t, err)
	assert.Equal(t, "<html>v1</html>", string(data))

	entries, err := os.ReadDir(filepath.Dir(expected))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temp files must not linger")
}

func TestPutObjectRejectsBadPaths(t *testing.T) {
	store, err := local.New(local.Config{BaseDir: t.TempDir()})
	require.NoError(t, err)

	_, err = store.PutObject(context.Background(), "../escape.html", "text/html", strings.NewReader("x"))
	assert.ErrorContains(t, err, "escapes the archive root")

	_, err = store.PutObject(context.Background(), "", "text/html", strings.NewReader("x"))
	assert.ErrorContains(t, err, "path is required")
}
