package conn

import (
	"net"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/agentrelay/relay/internal/envelope"
)

func pipeTransports(t *testing.T) (*LocalTransport, *LocalTransport) {
	t.Helper()
	a, b := net.Pipe()
	t.Cleanup(func() { a.Close(); b.Close() })
	return NewLocalTransport(a, 0), NewLocalTransport(b, 0)
}

func TestLocalTransportRoundTrip(t *testing.T) {
	ta, tb := pipeTransports(t)

	e := envelope.New(envelope.TypeSend, "alice", "bob", 1)
	done := make(chan error, 1)
	go func() { done <- ta.Send(e) }()

	got, err := tb.Recv()
	require.NoError(t, err)
	require.NoError(t, <-done)
	require.Equal(t, e.ID, got.ID)
}

func TestStateMachineHandshakeGating(t *testing.T) {
	ta, _ := pipeTransports(t)
	c := New("c1", ta, zap.NewNop())
	c.BeginHandshake()

	require.True(t, c.AllowedInState(envelope.TypeHello))
	require.False(t, c.AllowedInState(envelope.TypeSend))

	c.Bind("alice", "sess-1", "resume-1")
	require.Equal(t, StateActive, c.State())
	require.True(t, c.AllowedInState(envelope.TypeSend))
}

func TestHeartbeatTimeoutExemptWhileProcessing(t *testing.T) {
	ta, _ := pipeTransports(t)
	c := New("c1", ta, zap.NewNop())
	c.SetParams(Params{MaxFrameBytes: 1024, HeartbeatMS: 100, HeartbeatMultiplier: 2})
	c.ObservePong(1000)

	require.True(t, c.HeartbeatTimedOut(1300)) // 300ms > 100*2
	c.SetProcessing(true)
	require.False(t, c.HeartbeatTimedOut(1300))
}
