package msglog

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := Open(Config{
		DSN:      "file:" + t.Name() + "?mode=memory&cache=shared",
		Logger:   zap.NewNop(),
		LogLevel: logger.Silent,
	})
	require.NoError(t, err)
	return db
}

func TestEntryStoreAppendAndByRecipient(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	store := NewEntryStore(db, 0)

	require.NoError(t, store.Append(ctx, &Entry{
		ID: "env-1", EnvelopeID: "env-1", TimestampMS: 100,
		From: "alice", To: "bob", Kind: "message", Body: "hi",
	}))
	// Re-appending the same envelope id is a no-op, not an error.
	require.NoError(t, store.Append(ctx, &Entry{
		ID: "env-1", EnvelopeID: "env-1", TimestampMS: 100,
		From: "alice", To: "bob", Kind: "message", Body: "hi",
	}))

	entries, err := store.ByRecipient(ctx, "bob", 0, 0)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, "hi", entries[0].Body)
}

func TestEntryStoreByRecipientSince(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	store := NewEntryStore(db, 0)

	require.NoError(t, store.Append(ctx, &Entry{ID: "e1", EnvelopeID: "e1", TimestampMS: 100, To: "bob", Kind: "message"}))
	require.NoError(t, store.Append(ctx, &Entry{ID: "e2", EnvelopeID: "e2", TimestampMS: 200, To: "bob", Kind: "message"}))

	entries, err := store.ByRecipient(ctx, "bob", 100, 0)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, "e2", entries[0].ID)
}

func TestEntryStorePrune(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	store := NewEntryStore(db, 2)

	for i := 0; i < 5; i++ {
		require.NoError(t, store.Append(ctx, &Entry{
			ID: string(rune('a' + i)), EnvelopeID: string(rune('a' + i)),
			TimestampMS: int64(i), To: "bob", Kind: "message",
		}))
	}

	removed, err := store.Prune(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(3), removed)

	entries, err := store.ByRecipient(ctx, "bob", 0, 0)
	require.NoError(t, err)
	require.Len(t, entries, 2)
}

func TestSessionStoreCreateAndResumeByToken(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	store := NewSessionStore(db)

	require.NoError(t, store.Create(ctx, &Session{
		SessionID: "sess-1", AgentName: "alice", ResumeToken: "resume-1",
	}))

	sess, err := store.ByResumeToken(ctx, "resume-1")
	require.NoError(t, err)
	require.Equal(t, "alice", sess.AgentName)
	require.Empty(t, sess.HighWaterMarks())

	require.NoError(t, store.UpdateHighWater(ctx, "sess-1", map[string]uint64{"alice": 7}))
	sess, err = store.ByResumeToken(ctx, "resume-1")
	require.NoError(t, err)
	require.Equal(t, uint64(7), sess.HighWaterMarks()["alice"])
}

func TestSessionStoreByResumeTokenNotFound(t *testing.T) {
	db := openTestDB(t)
	store := NewSessionStore(db)

	_, err := store.ByResumeToken(context.Background(), "nope")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestChannelStoreJoinLeaveAndRestart(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	store := NewChannelStore(db)

	require.NoError(t, store.Join(ctx, "#team", "alice"))
	require.NoError(t, store.Join(ctx, "#team", "bob"))
	// Idempotent re-join.
	require.NoError(t, store.Join(ctx, "#team", "alice"))

	members, err := store.Members(ctx, "#team")
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"alice", "bob"}, members)

	all, err := store.All(ctx)
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"alice", "bob"}, all["#team"])

	require.NoError(t, store.Leave(ctx, "#team", "alice"))
	members, err = store.Members(ctx, "#team")
	require.NoError(t, err)
	require.Equal(t, []string{"bob"}, members)
}

func TestPendingAckTableLifecycle(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	table := NewPendingAckTable(db)

	require.NoError(t, table.Create(ctx, PendingAck{CorrelationID: "c1", SenderConnID: "conn-1", DeadlineMS: 1000}))
	require.Equal(t, 1, table.Len())

	// Duplicate correlation id is rejected (at most one PendingAck per id).
	err := table.Create(ctx, PendingAck{CorrelationID: "c1", SenderConnID: "conn-2", DeadlineMS: 2000})
	require.Error(t, err)

	ack, ok := table.Resolve(ctx, "c1")
	require.True(t, ok)
	require.Equal(t, "conn-1", ack.SenderConnID)
	require.Equal(t, 0, table.Len())

	_, ok = table.Resolve(ctx, "c1")
	require.False(t, ok)
}

func TestPendingAckTableSweepExpired(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	table := NewPendingAckTable(db)

	require.NoError(t, table.Create(ctx, PendingAck{CorrelationID: "c1", SenderConnID: "conn-1", DeadlineMS: 100}))
	require.NoError(t, table.Create(ctx, PendingAck{CorrelationID: "c2", SenderConnID: "conn-1", DeadlineMS: 900}))

	expired := table.SweepExpired(ctx, 500)
	require.Len(t, expired, 1)
	require.Equal(t, "c1", expired[0].CorrelationID)
	require.Equal(t, 1, table.Len())
}

func TestPendingAckTableResolveBySender(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	table := NewPendingAckTable(db)

	require.NoError(t, table.Create(ctx, PendingAck{CorrelationID: "c1", SenderConnID: "conn-1", DeadlineMS: 100}))
	require.NoError(t, table.Create(ctx, PendingAck{CorrelationID: "c2", SenderConnID: "conn-2", DeadlineMS: 100}))

	resolved := table.ResolveBySender(ctx, "conn-1")
	require.Len(t, resolved, 1)
	require.Equal(t, 1, table.Len())
}
