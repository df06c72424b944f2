package msglog

import "time"

// Entry is the persisted form of a DELIVER, per spec §3
// ("MessageLogEntry"). The log is append-only; Status is delivered for a
// direct socket hand-off, otherwise pending until a PTY injection marks it
// delivered or failed.
type Entry struct {
	ID          string `gorm:"primaryKey"` // same as EnvelopeID; idempotent re-append
	EnvelopeID  string `gorm:"not null;index"`
	TimestampMS int64  `gorm:"column:timestamp_ms;not null"`
	From        string `gorm:"column:from_name;not null;index"`
	To          string `gorm:"column:to_name;not null;index"`
	Kind        string `gorm:"not null"`
	Body        string `gorm:"not null;default:''"`
	ThreadID    string `gorm:"column:thread_id;not null;default:''"`
	Topic       string `gorm:"not null;default:'';index"`
	IsBroadcast bool   `gorm:"not null;default:false"`
	Status      string `gorm:"not null;default:'pending'"` // pending | delivered | failed
	SessionID   string `gorm:"column:session_id;not null;default:'';index"`
	Seq         uint64 `gorm:"not null;default:0"`
	CreatedAt   time.Time
}

// TableName pins the GORM table name so it matches the embedded migration.
func (Entry) TableName() string { return "message_log_entries" }

// Session is the resume store record: one row per live or recently-live
// session, keyed by resume token so a reconnecting Connection can be
// matched back to its prior stream state (spec §4.1).
type Session struct {
	SessionID   string `gorm:"column:session_id;primaryKey"`
	AgentName   string `gorm:"column:agent_name;not null;index"`
	ResumeToken string `gorm:"column:resume_token;not null;uniqueIndex"`
	HighWater   string `gorm:"column:high_water;not null;default:'{}'"` // JSON map[stream]seq
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

func (Session) TableName() string { return "sessions" }

// ChannelMember records a CHANNEL_JOIN that has not yet been undone by a
// CHANNEL_LEAVE, restored on broker restart before any Connection is
// allowed to HELLO (spec §4.7 "Channel membership persistence").
type ChannelMember struct {
	ID        string `gorm:"primaryKey"`
	Channel   string `gorm:"not null;index"`
	AgentName string `gorm:"column:agent_name;not null"`
	CreatedAt time.Time
}

func (ChannelMember) TableName() string { return "channel_members" }

// PendingAckRecord is the durable half of the in-memory PendingAck
// correlation table (spec §3); persisted only so a broker restart does not
// strand a caller waiting on a synchronous SEND — in practice the sweeper
// operates on the in-memory copy and this table is best-effort bookkeeping.
type PendingAckRecord struct {
	CorrelationID string `gorm:"column:correlation_id;primaryKey"`
	SenderConnID  string `gorm:"column:sender_conn_id;not null"`
	DeadlineMS    int64  `gorm:"column:deadline_ms;not null;index"`
	CreatedAt     time.Time
}

func (PendingAckRecord) TableName() string { return "pending_acks" }
