package uuid

import (
	"strings"
	"testing"

	goUUID "github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func TestNewRawIsVersion7(t *testing.T) {
	t.Parallel()

	id := NewRaw()
	require.Equal(t, goUUID.Version(7), id.Version())
	require.NotEqual(t, id, NewRaw())
}

func TestNewIDIsTimeOrdered(t *testing.T) {
	t.Parallel()

	first := NewID()
	second := NewID()
	require.Len(t, first, 36)
	require.LessOrEqual(t, first[:13], second[:13])
}

func TestCanonical(t *testing.T) {
	t.Parallel()

	id := NewID()
	got, ok := Canonical(strings.ToUpper(id))
	require.True(t, ok)
	require.Equal(t, id, got)

	for _, bad := range []string{"", "<script>", "urn:uuid:" + id, "{" + id + "}", strings.ReplaceAll(id, "-", "")} {
		_, ok := Canonical(bad)
		require.False(t, ok, bad)
	}
}
