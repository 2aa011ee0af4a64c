package system

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRealNowUTC(t *testing.T) {
	t.Parallel()

	before := time.Now().UTC().Add(-time.Second)
	got := New().Now()
	after := time.Now().UTC().Add(time.Second)

	require.Equal(t, time.UTC, got.Location())
	require.True(t, got.After(before) && got.Before(after))
}

func TestManualAdvance(t *testing.T) {
	t.Parallel()

	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	clk := NewManual(start)
	require.Equal(t, start, clk.Now())

	clk.Advance(500 * time.Millisecond)
	require.Equal(t, start.Add(500*time.Millisecond), clk.Now())

	var _ Clock = clk
	var _ Clock = New()
}
