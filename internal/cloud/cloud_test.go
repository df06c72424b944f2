package cloud

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/agentrelay/relay/internal/conn"
	"github.com/agentrelay/relay/internal/envelope"
)

type fakeRouter struct {
	mu  sync.Mutex
	got []*envelope.Envelope
}

func (f *fakeRouter) DeliverRemote(_ context.Context, e *envelope.Envelope) error {
	f.mu.Lock()
	f.got = append(f.got, e)
	f.mu.Unlock()
	return nil
}

func (f *fakeRouter) deliveries() []*envelope.Envelope {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*envelope.Envelope, len(f.got))
	copy(out, f.got)
	return out
}

// newFakeParent starts a WS server that completes the HELLO/WELCOME
// handshake and then hands the caller the server-side transport so the test
// can script what the "parent broker" sends next.
func newFakeParent(t *testing.T) (url string, transports chan *conn.WSTransport, closeFn func()) {
	t.Helper()
	transports = make(chan *conn.WSTransport, 4)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tr, err := conn.UpgradeWS(w, r, 0)
		require.NoError(t, err)

		hello, err := tr.Recv()
		require.NoError(t, err)
		require.Equal(t, envelope.TypeHello, hello.Type)

		welcome := envelope.New(envelope.TypeWelcome, "parent", hello.From, 1000).WithPayload(envelope.WelcomePayload{
			SessionID:   "sess-1",
			ResumeToken: "resume-xyz",
		})
		require.NoError(t, tr.Send(welcome))

		transports <- tr
	}))
	url = "ws" + strings.TrimPrefix(srv.URL, "http")
	return url, transports, srv.Close
}

func TestConnectCompletesHandshakeAndPersistsResumeToken(t *testing.T) {
	url, transports, closeSrv := newFakeParent(t)
	defer closeSrv()

	router := &fakeRouter{}
	m := New(Config{URL: url, BrokerName: "edge-1", StateDir: t.TempDir()}, router, zap.NewNop(), func() int64 { return 1000 })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Run(ctx)

	select {
	case <-transports:
	case <-time.After(2 * time.Second):
		t.Fatal("parent never received a connection")
	}

	require.Eventually(t, m.Connected, time.Second, 10*time.Millisecond)

	state, err := loadState(m.cfg.StateDir)
	require.NoError(t, err)
	require.Equal(t, "resume-xyz", state.ResumeToken)
}

func TestInboundDeliverInjectsIntoLocalRouterAndUpdatesRoster(t *testing.T) {
	url, transports, closeSrv := newFakeParent(t)
	defer closeSrv()

	router := &fakeRouter{}
	m := New(Config{URL: url, BrokerName: "edge-1", StateDir: t.TempDir()}, router, zap.NewNop(), func() int64 { return 1000 })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Run(ctx)

	var tr *conn.WSTransport
	select {
	case tr = <-transports:
	case <-time.After(2 * time.Second):
		t.Fatal("parent never received a connection")
	}

	deliver := envelope.New(envelope.TypeDeliver, "alice", "bob", 1000).WithPayload(envelope.SendPayload{Body: "hi"})
	require.NoError(t, tr.Send(deliver))

	require.Eventually(t, func() bool {
		return len(router.deliveries()) == 1
	}, time.Second, 10*time.Millisecond)

	require.True(t, m.IsRemote("alice"))
	require.False(t, m.IsRemote("someone-else"))
}

func TestDuplicateDeliverIsDroppedByDedup(t *testing.T) {
	url, transports, closeSrv := newFakeParent(t)
	defer closeSrv()

	router := &fakeRouter{}
	m := New(Config{URL: url, BrokerName: "edge-1", StateDir: t.TempDir()}, router, zap.NewNop(), func() int64 { return 1000 })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Run(ctx)

	var tr *conn.WSTransport
	select {
	case tr = <-transports:
	case <-time.After(2 * time.Second):
		t.Fatal("parent never received a connection")
	}

	deliver := envelope.New(envelope.TypeDeliver, "alice", "bob", 1000).WithPayload(envelope.SendPayload{Body: "hi"})
	require.NoError(t, tr.Send(deliver))
	require.NoError(t, tr.Send(deliver))

	require.Eventually(t, func() bool {
		return len(router.deliveries()) >= 1
	}, time.Second, 10*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	require.Len(t, router.deliveries(), 1)
}

func TestForwardQueuesAndDropsOldestWhenSaturated(t *testing.T) {
	router := &fakeRouter{}
	m := New(Config{URL: "ws://unused", BrokerName: "edge-1", StateDir: t.TempDir()}, router, zap.NewNop(), func() int64 { return 1000 })

	for i := 0; i < outboundQueueSize+10; i++ {
		e := envelope.New(envelope.TypeDeliver, "alice", "bob", 1000)
		require.NoError(t, m.Forward(e))
	}
	require.Len(t, m.outbound, outboundQueueSize)
}

func TestSubscribeAndJoinChannelTrackedForResubscribe(t *testing.T) {
	router := &fakeRouter{}
	m := New(Config{URL: "ws://unused", BrokerName: "edge-1", StateDir: t.TempDir()}, router, zap.NewNop(), func() int64 { return 1000 })

	m.Subscribe("builds")
	m.JoinChannel("#team")

	m.subMu.Lock()
	_, hasTopic := m.topics["builds"]
	_, hasChannel := m.channels["#team"]
	m.subMu.Unlock()
	require.True(t, hasTopic)
	require.True(t, hasChannel)
}
