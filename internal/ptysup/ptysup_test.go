package ptysup

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestStripANSIRemovesCursorAndColorSequences(t *testing.T) {
	in := []byte("\x1b[2J\x1b[1;1Hhello \x1b[31mworld\x1b[0m\x1b]0;title\x07done")
	out := stripANSI(in)
	require.Equal(t, "hello worlddone", string(out))
}

func TestLookupFallsBackToDefault(t *testing.T) {
	p := Lookup("some-unknown-cli")
	require.Equal(t, DefaultProfile, p)

	p = Lookup("claude")
	require.NotEqual(t, DefaultProfile, p)
}

type recordingSink struct {
	data [][]byte
}

func (r *recordingSink) WritePTYOutput(_ string, data []byte) {
	r.data = append(r.data, append([]byte(nil), data...))
}

func TestSessionReachesQuiescenceAfterOutputStops(t *testing.T) {
	if testing.Short() {
		t.Skip("spawns a real child process")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	sink := &recordingSink{}
	profile := Profile{IdleThreshold: 100 * time.Millisecond}
	sess, err := Spawn(ctx, SpawnOptions{
		Name:            "test-agent",
		CLI:             "sh",
		Args:            []string{"-c", "echo hello; sleep 2"},
		Sink:            sink,
		ProfileOverride: &profile,
	})
	require.NoError(t, err)
	defer sess.Close()

	edges := sess.Subscribe()
	defer sess.Unsubscribe(edges)

	select {
	case quiescent := <-edges:
		require.True(t, quiescent)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for quiescence edge")
	}
	require.True(t, sess.IsQuiescent())
}

func TestSessionExitClosesDone(t *testing.T) {
	if testing.Short() {
		t.Skip("spawns a real child process")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	sess, err := Spawn(ctx, SpawnOptions{
		Name: "test-agent",
		CLI:  "sh",
		Args: []string{"-c", "exit 0"},
	})
	require.NoError(t, err)

	select {
	case <-sess.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for exit")
	}
	require.NoError(t, sess.ExitErr())
}
