package registry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestRegisterAndLookup(t *testing.T) {
	r := New(func(string) bool { return true }, zap.NewNop())

	err := r.Register("alice", "conn-1", false, 100, AgentRecord{CLI: "claude"})
	require.NoError(t, err)

	connID, online := r.Lookup("alice")
	require.True(t, online)
	require.Equal(t, "conn-1", connID)
}

func TestRegisterRejectsReservedName(t *testing.T) {
	r := New(nil, zap.NewNop())

	err := r.Register("system", "conn-1", false, 100, AgentRecord{})
	require.ErrorIs(t, err, ErrReservedName)

	require.NoError(t, r.Register("system", "conn-1", true, 100, AgentRecord{}))
}

func TestRegisterRejectsNameInUseWhileActive(t *testing.T) {
	r := New(func(string) bool { return true }, zap.NewNop())
	require.NoError(t, r.Register("alice", "conn-1", false, 100, AgentRecord{}))

	err := r.Register("alice", "conn-2", false, 200, AgentRecord{})
	require.ErrorIs(t, err, ErrNameInUse)
}

func TestRegisterDisplacesInactiveConnection(t *testing.T) {
	active := false
	r := New(func(string) bool { return active }, zap.NewNop())
	require.NoError(t, r.Register("alice", "conn-1", false, 100, AgentRecord{}))

	err := r.Register("alice", "conn-2", false, 200, AgentRecord{})
	require.NoError(t, err)

	connID, online := r.Lookup("alice")
	require.True(t, online)
	require.Equal(t, "conn-2", connID)
}

func TestUnregisterIgnoresStaleConnID(t *testing.T) {
	active := true
	r := New(func(string) bool { return active }, zap.NewNop())
	require.NoError(t, r.Register("alice", "conn-1", false, 100, AgentRecord{}))
	// conn-1 drops out of ACTIVE, so a reconnect on conn-2 may displace it.
	active = false
	require.NoError(t, r.Register("alice", "conn-2", false, 200, AgentRecord{}))

	r.Unregister("alice", "conn-1")

	connID, online := r.Lookup("alice")
	require.True(t, online)
	require.Equal(t, "conn-2", connID)

	r.Unregister("alice", "conn-2")
	_, online = r.Lookup("alice")
	require.False(t, online)
}

func TestPresenceEvents(t *testing.T) {
	r := New(func(string) bool { return true }, zap.NewNop())
	ch := r.Subscribe()
	defer r.Unsubscribe(ch)

	require.NoError(t, r.Register("alice", "conn-1", false, 100, AgentRecord{}))
	ev := <-ch
	require.Equal(t, "AGENT_READY", ev.Type)
	require.Equal(t, "alice", ev.Name)

	r.Unregister("alice", "conn-1")
	ev = <-ch
	require.Equal(t, "AGENT_LEFT", ev.Type)
}

func TestWaitForAgentTimesOut(t *testing.T) {
	r := New(func(string) bool { return true }, zap.NewNop())
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := r.WaitForAgent(ctx, "bob")
	require.Error(t, err)
}

func TestWaitForAgentReturnsOnceRegistered(t *testing.T) {
	r := New(func(string) bool { return true }, zap.NewNop())
	go func() {
		time.Sleep(10 * time.Millisecond)
		_ = r.Register("bob", "conn-1", false, 100, AgentRecord{})
	}()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, r.WaitForAgent(ctx, "bob"))
}

func TestAllSortedByName(t *testing.T) {
	r := New(func(string) bool { return true }, zap.NewNop())
	require.NoError(t, r.Register("zed", "c1", false, 1, AgentRecord{}))
	require.NoError(t, r.Register("alice", "c2", false, 1, AgentRecord{}))

	all := r.All()
	require.Len(t, all, 2)
	require.Equal(t, "alice", all[0].Name)
	require.Equal(t, "zed", all[1].Name)
}
