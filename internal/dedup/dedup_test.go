package dedup

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSequencerMonotonic(t *testing.T) {
	s := NewSequencer()
	require.Equal(t, uint64(1), s.Next("default|bob"))
	require.Equal(t, uint64(2), s.Next("default|bob"))
	// Independent stream starts fresh.
	require.Equal(t, uint64(1), s.Next("default|carol"))
}

func TestSequencerSeedResumesHighWaterMark(t *testing.T) {
	s := NewSequencer()
	s.Seed("default|bob", 5)
	require.Equal(t, uint64(6), s.Next("default|bob"))
}

func TestInboundCacheDropsReplays(t *testing.T) {
	c := NewInboundCache(16)
	require.False(t, c.SeenOrRecord("abc"))
	require.True(t, c.SeenOrRecord("abc"))
	require.False(t, c.SeenOrRecord("def"))
}

func TestInboundCacheEvictsOldestBeyondCapacity(t *testing.T) {
	c := NewInboundCache(2)
	require.False(t, c.SeenOrRecord("a"))
	require.False(t, c.SeenOrRecord("b"))
	require.False(t, c.SeenOrRecord("c")) // evicts "a"
	require.False(t, c.SeenOrRecord("a")) // forgotten, treated as new again
}

func TestInboundCacheReplace(t *testing.T) {
	c := NewInboundCache(16)
	c.Replace([]string{"x", "y"}, 16)
	require.True(t, c.SeenOrRecord("x"))
	require.True(t, c.SeenOrRecord("y"))
	require.False(t, c.SeenOrRecord("z"))
}
