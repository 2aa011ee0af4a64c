package memory_test

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/render-proxy/internal/archive/memory"
)

func TestPutObject(t *testing.T) {
	store := memory.NewBlobStore()

	uri, err := store.PutObject(context.Background(), "b/page.html", "text/html", map[string]string{"request-id": "b"}, strings.NewReader("<p>b</p>"))
	require.NoError(t, err)
	require.Equal(t, "memory://b/page.html", uri)
	_, err = store.PutObject(context.Background(), "a/page.html", "text/html", nil, strings.NewReader("<p>a</p>"))
	require.NoError(t, err)

	body, ok := store.Get("b/page.html")
	require.True(t, ok)
	require.Equal(t, "<p>b</p>", string(body))
	require.Equal(t, []string{"a/page.html", "b/page.html"}, store.Paths())

	meta, ok := store.Metadata("b/page.html")
	require.True(t, ok)
	require.Equal(t, map[string]string{"request-id": "b"}, meta)
	meta["request-id"] = "changed"
	meta, _ = store.Metadata("b/page.html")
	require.Equal(t, "b", meta["request-id"])

	_, ok = store.Get("missing")
	require.False(t, ok)
	_, ok = store.Metadata("missing")
	require.False(t, ok)
}

func TestPutObjectRequiresPath(t *testing.T) {
	_, err := memory.NewBlobStore().PutObject(context.Background(), "", "", nil, strings.NewReader("x"))
	require.Error(t, err)
}
