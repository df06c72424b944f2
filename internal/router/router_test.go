package router

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm/logger"

	"github.com/agentrelay/relay/internal/envelope"
	"github.com/agentrelay/relay/internal/inject"
	"github.com/agentrelay/relay/internal/msglog"
	"github.com/agentrelay/relay/internal/registry"
)

// neverQuiescentTarget never reports quiescent, forcing any injection
// attempt against it to wait out its deadline.
type neverQuiescentTarget struct {
	mu   sync.Mutex
	subs []chan bool
}

func (t *neverQuiescentTarget) IsQuiescent() bool { return false }
func (t *neverQuiescentTarget) Subscribe() <-chan bool {
	ch := make(chan bool, 1)
	t.mu.Lock()
	t.subs = append(t.subs, ch)
	t.mu.Unlock()
	return ch
}
func (t *neverQuiescentTarget) Unsubscribe(ch <-chan bool) {}
func (t *neverQuiescentTarget) Write(p []byte) (int, error) { return len(p), nil }

type fakeDispatcher struct {
	id  string
	got []*envelope.Envelope
}

func (f *fakeDispatcher) ID() string { return f.id }
func (f *fakeDispatcher) Send(e *envelope.Envelope) error {
	f.got = append(f.got, e)
	return nil
}

func newTestRouter(t *testing.T) (*Router, *registry.Registry, *msglog.EntryStore) {
	t.Helper()
	db, err := msglog.Open(msglog.Config{
		DSN:      "file:" + t.Name() + "?mode=memory&cache=shared",
		Logger:   zap.NewNop(),
		LogLevel: logger.Silent,
	})
	require.NoError(t, err)

	reg := registry.New(func(string) bool { return true }, zap.NewNop())
	entries := msglog.NewEntryStore(db, 0)
	channels := msglog.NewChannelStore(db)
	acks := msglog.NewPendingAckTable(db)
	injector := inject.NewManager(zap.NewNop(), func() int64 { return 1000 })

	r := New(reg, entries, channels, acks, injector, Config{}, zap.NewNop(), func() int64 { return 1000 })
	return r, reg, entries
}

func TestRouteDirectToOnlineSocketClient(t *testing.T) {
	ctx := context.Background()
	r, reg, _ := newTestRouter(t)

	require.NoError(t, reg.Register("bob", "conn-bob", false, 1000, registry.AgentRecord{}))
	disp := &fakeDispatcher{id: "conn-bob"}
	r.AttachDispatcher(disp)

	e := envelope.New(envelope.TypeSend, "alice", "bob", 1000).WithPayload(envelope.SendPayload{Body: "hi"})
	require.NoError(t, r.Route(ctx, "alice", "conn-alice", e))

	require.Len(t, disp.got, 1)
	require.Equal(t, "bob", disp.got[0].To)
	require.Equal(t, envelope.TypeDeliver, disp.got[0].Type)
}

func TestRouteDirectToOfflineAgentLogsForReplay(t *testing.T) {
	ctx := context.Background()
	r, _, entries := newTestRouter(t)

	e := envelope.New(envelope.TypeSend, "alice", "bob", 1000).WithPayload(envelope.SendPayload{Body: "hi"})
	require.NoError(t, r.Route(ctx, "alice", "conn-alice", e))

	got, err := entries.ByRecipient(ctx, "bob", 0, 0)
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, "pending", got[0].Status)
}

func TestRouteSynchronousUnknownRecipientErrors(t *testing.T) {
	ctx := context.Background()
	r, _, _ := newTestRouter(t)

	e := envelope.New(envelope.TypeSend, "alice", "ghost", 1000).WithPayload(envelope.SendPayload{Body: "hi"})
	e.Sync = &envelope.Sync{Blocking: true, CorrelationID: "corr-1", TimeoutMS: 5000}

	err := r.Route(ctx, "alice", "conn-alice", e)
	require.ErrorIs(t, err, ErrUnknownRecipient)
}

func TestRouteBroadcastExcludesSender(t *testing.T) {
	ctx := context.Background()
	r, reg, _ := newTestRouter(t)

	require.NoError(t, reg.Register("alice", "conn-alice", false, 1000, registry.AgentRecord{}))
	require.NoError(t, reg.Register("bob", "conn-bob", false, 1000, registry.AgentRecord{}))
	aliceDisp := &fakeDispatcher{id: "conn-alice"}
	bobDisp := &fakeDispatcher{id: "conn-bob"}
	r.AttachDispatcher(aliceDisp)
	r.AttachDispatcher(bobDisp)

	e := envelope.New(envelope.TypeSend, "alice", "*", 1000).WithPayload(envelope.SendPayload{Body: "hi all"})
	require.NoError(t, r.Route(ctx, "alice", "conn-alice", e))

	require.Empty(t, aliceDisp.got)
	require.Len(t, bobDisp.got, 1)
}

func TestRouteChannelFanOut(t *testing.T) {
	ctx := context.Background()
	r, reg, _ := newTestRouter(t)

	require.NoError(t, r.JoinChannel(ctx, "#team", "alice"))
	require.NoError(t, r.JoinChannel(ctx, "#team", "bob"))
	require.NoError(t, reg.Register("bob", "conn-bob", false, 1000, registry.AgentRecord{}))
	bobDisp := &fakeDispatcher{id: "conn-bob"}
	r.AttachDispatcher(bobDisp)

	e := envelope.New(envelope.TypeChanMsg, "alice", "#team", 1000).WithPayload(envelope.SendPayload{Body: "standup"})
	require.NoError(t, r.Route(ctx, "alice", "conn-alice", e))

	require.Len(t, bobDisp.got, 1)
	require.Equal(t, "bob", bobDisp.got[0].To)
}

func TestRouteDMCanonicalFormLogsBothParticipants(t *testing.T) {
	ctx := context.Background()
	r, _, entries := newTestRouter(t)

	e := envelope.New(envelope.TypeSend, "alice", "dm:alice:bob", 1000).WithPayload(envelope.SendPayload{Body: "hey"})
	require.NoError(t, r.Route(ctx, "alice", "conn-alice", e))

	forAlice, err := entries.ByRecipient(ctx, "alice", 0, 0)
	require.NoError(t, err)
	require.Len(t, forAlice, 1)

	forBob, err := entries.ByRecipient(ctx, "bob", 0, 0)
	require.NoError(t, err)
	require.Len(t, forBob, 1)
}

func TestInjectionTimeoutNacksOriginalSender(t *testing.T) {
	ctx := context.Background()
	r, _, entries := newTestRouter(t)

	senderDisp := &fakeDispatcher{id: "conn-alice"}
	r.AttachDispatcher(senderDisp)

	target := &neverQuiescentTarget{}
	r.injector.Add(ctx, "carl", target, nil)

	e := envelope.New(envelope.TypeSend, "alice", "carl", 1000).WithPayload(envelope.SendPayload{Body: "now"})
	e.Sync = &envelope.Sync{Blocking: false, TimeoutMS: 30}
	require.NoError(t, r.Route(ctx, "alice", "conn-alice", e))

	require.Eventually(t, func() bool {
		return len(senderDisp.got) == 1
	}, 2*time.Second, 10*time.Millisecond)
	require.Equal(t, envelope.TypeNack, senderDisp.got[0].Type)

	var nack envelope.NackPayload
	require.NoError(t, senderDisp.got[0].DecodePayload(&nack))
	require.Equal(t, envelope.ErrInjectionTimeout, nack.Code)

	require.Eventually(t, func() bool {
		got, err := entries.ByRecipient(ctx, "carl", 0, 0)
		require.NoError(t, err)
		return len(got) == 1 && got[0].Status == "failed"
	}, 2*time.Second, 10*time.Millisecond)
}

func TestResolveAckForwardsToSender(t *testing.T) {
	ctx := context.Background()
	r, _, _ := newTestRouter(t)

	e := envelope.New(envelope.TypeSend, "alice", "ghost-pty", 1000).WithPayload(envelope.SendPayload{Body: "hi"})
	e.Sync = &envelope.Sync{Blocking: true, CorrelationID: "corr-2", TimeoutMS: 5000}
	// ghost-pty is neither registered nor a pty session, so this will error
	// as unknown recipient, but the PendingAck was already created first —
	// exercise that path directly instead.
	_ = e

	require.NoError(t, r.acks.Create(ctx, msglog.PendingAck{CorrelationID: "corr-3", SenderConnID: "conn-alice", DeadlineMS: 9000}))
	senderConnID, ok := r.ResolveAck(ctx, "corr-3")
	require.True(t, ok)
	require.Equal(t, "conn-alice", senderConnID)

	_, ok = r.ResolveAck(ctx, "corr-3")
	require.False(t, ok)
}
