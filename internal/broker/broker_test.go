package broker

import (
	"context"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/agentrelay/relay/internal/conn"
	"github.com/agentrelay/relay/internal/envelope"
)

func dialUnix(path string) (net.Conn, error) {
	return net.Dial("unix", path)
}

func testConfig(t *testing.T) Config {
	t.Helper()
	dir := t.TempDir()
	return Config{
		Version:         "test",
		DataDir:         dir,
		LocalSocketPath: filepath.Join(dir, "relay.sock"),
		MaxFrameBytes:   envelope.DefaultMaxFrameBytes,
		HeartbeatMS:     15_000,
		NowMS:           func() int64 { return time.Now().UnixMilli() },
		Logger:          zap.NewNop(),
	}
}

// runBroker constructs and starts a Broker against a temp data dir, returning
// it alongside a cancel func that shuts it down.
func runBroker(t *testing.T) (*Broker, func()) {
	t.Helper()
	cfg := testConfig(t)
	b, err := New(cfg)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = b.Run(ctx)
	}()

	require.Eventually(t, func() bool {
		return b.ln != nil
	}, 2*time.Second, 10*time.Millisecond)

	return b, func() {
		cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Fatal("broker did not shut down")
		}
	}
}

// dialAgent opens a local-socket Connection and completes the HELLO/WELCOME
// handshake as agentName, returning the transport for further exchange.
func dialAgent(t *testing.T, b *Broker, agentName string) *conn.LocalTransport {
	t.Helper()
	nc, err := dialUnix(b.cfg.LocalSocketPath)
	require.NoError(t, err)
	t.Cleanup(func() { _ = nc.Close() })

	transport := conn.NewLocalTransport(nc, envelope.DefaultMaxFrameBytes)

	hello := envelope.New(envelope.TypeHello, agentName, "", 1000).WithPayload(envelope.HelloPayload{
		Agent:        agentName,
		Capabilities: envelope.Capabilities{Ack: true},
	})
	require.NoError(t, transport.Send(hello))

	welcome, err := transport.Recv()
	require.NoError(t, err)
	require.Equal(t, envelope.TypeWelcome, welcome.Type)

	return transport
}

func TestHandshakeGrantsWelcomeAndRegistersAgent(t *testing.T) {
	b, stop := runBroker(t)
	defer stop()

	dialAgent(t, b, "alice")

	require.Eventually(t, func() bool {
		_, online := b.agents.Lookup("alice")
		return online
	}, time.Second, 10*time.Millisecond)
}

func TestDirectSendDeliversToOnlineRecipient(t *testing.T) {
	b, stop := runBroker(t)
	defer stop()

	aliceT := dialAgent(t, b, "alice")
	bobT := dialAgent(t, b, "bob")

	require.Eventually(t, func() bool {
		_, online := b.agents.Lookup("bob")
		return online
	}, time.Second, 10*time.Millisecond)

	send := envelope.New(envelope.TypeSend, "alice", "bob", 2000).WithPayload(envelope.SendPayload{Body: "hi bob"})
	require.NoError(t, aliceT.Send(send))

	deliver, err := bobT.Recv()
	require.NoError(t, err)
	require.Equal(t, envelope.TypeDeliver, deliver.Type)

	var payload envelope.DeliverPayload
	require.NoError(t, deliver.DecodePayload(&payload))
	require.Equal(t, "hi bob", payload.Body)
}

func TestStatusReportsAgentCount(t *testing.T) {
	b, stop := runBroker(t)
	defer stop()

	aliceT := dialAgent(t, b, "alice")
	dialAgent(t, b, "bob")

	require.Eventually(t, func() bool {
		return len(b.agents.All()) == 2
	}, time.Second, 10*time.Millisecond)

	status := envelope.New(envelope.TypeStatus, "alice", "", 3000)
	require.NoError(t, aliceT.Send(status))

	resp, err := aliceT.Recv()
	require.NoError(t, err)
	require.Equal(t, envelope.TypeStatusResp, resp.Type)

	var sp envelope.StatusResponsePayload
	require.NoError(t, resp.DecodePayload(&sp))
	require.Equal(t, 2, sp.AgentCount)
}

func TestSpawnAndReleaseLifecycle(t *testing.T) {
	if testing.Short() {
		t.Skip("spawns a real child process")
	}
	b, stop := runBroker(t)
	defer stop()

	aliceT := dialAgent(t, b, "alice")

	spawn := envelope.New(envelope.TypeSpawn, "alice", "", 4000).WithPayload(envelope.SpawnPayload{
		Agent: "worker",
		CLI:   "sh",
		Args:  []string{"-c", "sleep 5"},
	})
	require.NoError(t, aliceT.Send(spawn))

	require.Eventually(t, func() bool {
		return b.injector.Has("worker")
	}, 2*time.Second, 10*time.Millisecond)

	release := envelope.New(envelope.TypeRelease, "alice", "", 4500).WithPayload(envelope.ReleasePayload{Agent: "worker"})
	require.NoError(t, aliceT.Send(release))

	require.Eventually(t, func() bool {
		return !b.injector.Has("worker")
	}, 2*time.Second, 10*time.Millisecond)

	_, online := b.agents.Lookup("worker")
	require.False(t, online)
}

func TestCredentialsRoundTripAtomically(t *testing.T) {
	dir := t.TempDir()

	empty, err := LoadCredentials(dir)
	require.NoError(t, err)
	require.Equal(t, Credentials{}, empty)

	creds := Credentials{WorkspaceToken: "tok-1", CloudToken: "cloud-1"}
	require.NoError(t, SaveCredentials(dir, creds))

	got, err := LoadCredentials(dir)
	require.NoError(t, err)
	require.Equal(t, creds, got)
}

func TestSnapshotRoundTrip(t *testing.T) {
	b, stop := runBroker(t)
	defer stop()

	dialAgent(t, b, "alice")
	require.Eventually(t, func() bool {
		return len(b.agents.All()) == 1
	}, time.Second, 10*time.Millisecond)

	require.NoError(t, b.writeSnapshot(context.Background()))

	snap, err := LoadSnapshot(b.cfg.DataDir)
	require.NoError(t, err)
	require.Len(t, snap.Agents, 1)
	require.Equal(t, "alice", snap.Agents[0].Name)
}
