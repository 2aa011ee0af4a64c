package local_test

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/render-proxy/internal/archive/local"
)

func TestNew(t *testing.T) {
	t.Run("creates missing directory", func(t *testing.T) {
		dir := filepath.Join(t.TempDir(), "nested", "archive")
		store, err := local.New(local.Config{BaseDir: dir})
		require.NoError(t, err)
		require.NotNil(t, store)
		require.DirExists(t, dir)
	})

	t.Run("missing base dir", func(t *testing.T) {
		_, err := local.New(local.Config{})
		require.Error(t, err)
	})

	t.Run("base dir is a file", func(t *testing.T) {
		file := filepath.Join(t.TempDir(), "file")
		require.NoError(t, os.WriteFile(file, []byte("x"), 0o600))
		_, err := local.New(local.Config{BaseDir: file})
		require.Error(t, err)
	})
}

func TestPutObject(t *testing.T) {
	dir := t.TempDir()
	store, err := local.New(local.Config{BaseDir: dir})
	require.NoError(t, err)

	meta := map[string]string{"request-id": "req-1", "resolved-url": "https://example.com/"}
	uri, err := store.PutObject(context.Background(), "site/2024/01/02/abc.html", "text/html", meta, strings.NewReader("<html></html>"))
	require.NoError(t, err)

	want := filepath.Join(dir, "site", "2024", "01", "02", "abc.html")
	require.Equal(t, "file://"+want, uri)
	body, err := os.ReadFile(want)
	require.NoError(t, err)
	require.Equal(t, "<html></html>", string(body))

	sidecar, err := os.ReadFile(want + local.MetaSuffix)
	require.NoError(t, err)
	require.JSONEq(t, `{"request-id":"req-1","resolved-url":"https://example.com/"}`, string(sidecar))
}

func TestPutObjectSkipsEmptyMetadata(t *testing.T) {
	dir := t.TempDir()
	store, err := local.New(local.Config{BaseDir: dir})
	require.NoError(t, err)

	_, err = store.PutObject(context.Background(), "page.html", "text/html", nil, strings.NewReader("x"))
	require.NoError(t, err)
	require.NoFileExists(t, filepath.Join(dir, "page.html"+local.MetaSuffix))
}

func TestPutObjectRejectsTraversal(t *testing.T) {
	store, err := local.New(local.Config{BaseDir: t.TempDir()})
	require.NoError(t, err)

	_, err = store.PutObject(context.Background(), "../escape.html", "text/html", nil, strings.NewReader("x"))
	require.ErrorContains(t, err, "path traversal")

	_, err = store.PutObject(context.Background(), " ", "text/html", nil, strings.NewReader("x"))
	require.Error(t, err)
}
