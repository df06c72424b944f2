package broker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/agentrelay/relay/internal/conn"
	"github.com/agentrelay/relay/internal/envelope"
	"github.com/agentrelay/relay/internal/msglog"
	"github.com/agentrelay/relay/internal/registry"
)

// defaultStream is the (topic, peer) stream key used for the common
// non-topic direct-message case. A resumed session's stored high-water marks
// are keyed by the full stream string (spec §3's per-(topic,peer) accounting);
// this broker seeds and replays only the default stream on resume, which
// covers ordinary agent-to-agent traffic — a resumed subscriber mid-topic
// conversation rejoins that topic fresh rather than replaying it, a
// simplification recorded in the design notes.
func defaultStream(agentName string) string {
	return "default|" + agentName
}

// handshake performs the HELLO/WELCOME exchange described in spec §4.1: read
// the first envelope within helloDeadline, validate it, resolve or create a
// session, register the agent name, attach the Connection's Dispatcher to
// the router, and reply with WELCOME.
func (b *Broker) handshake(ctx context.Context, c *conn.Connection) error {
	c.BeginHandshake()

	e, err := b.recvWithDeadline(ctx, c, helloDeadline)
	if err != nil {
		return fmt.Errorf("broker: await hello: %w", err)
	}
	if e.Type != envelope.TypeHello {
		b.sendError(c, envelope.ErrBadRequest, "first envelope must be HELLO", true)
		return fmt.Errorf("broker: expected HELLO, got %s", e.Type)
	}
	if e.Version != 0 && e.Version != envelope.ProtocolVersion {
		b.sendError(c, envelope.ErrBadRequest, "unsupported protocol version", true)
		return fmt.Errorf("broker: protocol version mismatch: %d", e.Version)
	}

	var hp envelope.HelloPayload
	if err := e.DecodePayload(&hp); err != nil {
		b.sendError(c, envelope.ErrBadRequest, "malformed hello payload", true)
		return fmt.Errorf("broker: decode hello: %w", err)
	}
	if hp.Agent == "" {
		b.sendError(c, envelope.ErrBadRequest, "hello.agent is required", true)
		return fmt.Errorf("broker: hello missing agent name")
	}

	sessionID, resumeToken, replay, err := b.resolveSession(ctx, c, hp)
	if err != nil {
		return err
	}

	kind := conn.KindAgent
	switch hp.Kind {
	case "user":
		kind = conn.KindUser
	case "system":
		kind = conn.KindSystem
	}
	c.Kind = kind
	c.CLI = hp.CLI
	c.Model = hp.Model
	c.Cwd = hp.Cwd
	c.Team = hp.Team

	nowMS := b.nowMS()
	meta := registry.AgentRecord{CLI: hp.CLI, Role: hp.Kind, Team: hp.Team}
	if err := b.agents.Register(hp.Agent, c.ID, hp.Internal, nowMS, meta); err != nil {
		code := envelope.ErrBadRequest
		b.sendError(c, code, err.Error(), true)
		return fmt.Errorf("broker: register agent: %w", err)
	}

	c.Bind(hp.Agent, sessionID, resumeToken)
	c.SetParams(conn.Params{
		MaxFrameBytes:       effectiveInt(b.cfg.MaxFrameBytes, envelope.DefaultMaxFrameBytes),
		HeartbeatMS:         effectiveInt64(b.cfg.HeartbeatMS, conn.DefaultParams.HeartbeatMS),
		HeartbeatMultiplier: conn.DefaultParams.HeartbeatMultiplier,
	})
	b.route.AttachDispatcher(connDispatcher{c})

	welcome := envelope.New(envelope.TypeWelcome, "", hp.Agent, nowMS).WithPayload(envelope.WelcomePayload{
		SessionID:     sessionID,
		ResumeToken:   resumeToken,
		MaxFrameBytes: c.Params().MaxFrameBytes,
		HeartbeatMS:   c.Params().HeartbeatMS,
	})
	if err := c.Send(welcome); err != nil {
		return fmt.Errorf("broker: send welcome: %w", err)
	}

	for _, entry := range replay {
		d := envelope.New(envelope.TypeDeliver, entry.From, entry.To, entry.TimestampMS).WithPayload(envelope.DeliverPayload{
			Body:        entry.Body,
			ThreadID:    entry.ThreadID,
			IsBroadcast: entry.IsBroadcast,
		})
		d.Topic = entry.Topic
		d.Seq = entry.Seq
		if err := c.Send(d); err != nil {
			b.logger.Warn("broker: resume replay send failed", zap.String("conn_id", c.ID), zap.Error(err))
			break
		}
	}

	b.logger.Info("agent handshake complete",
		zap.String("agent", hp.Agent), zap.String("conn_id", c.ID), zap.String("session_id", sessionID))
	return nil
}

// resolveSession implements spec §4.1's resume-or-create step: a presented
// resume token that still resolves seeds the router's sequencer and queues a
// replay of everything logged since the stored high-water mark; anything
// else (no token, or one the store no longer recognizes) starts a fresh
// session. Only the unrecognized-token case tells the caller so, via a
// non-fatal RESUME_TOO_OLD.
func (b *Broker) resolveSession(ctx context.Context, c *conn.Connection, hp envelope.HelloPayload) (sessionID, resumeToken string, replay []msglog.Entry, err error) {
	if hp.Session != nil && hp.Session.ResumeToken != "" {
		sess, err := b.sessions.ByResumeToken(ctx, hp.Session.ResumeToken)
		if err == nil {
			marks := sess.HighWaterMarks()
			afterSeq := marks[defaultStream(hp.Agent)]
			entries, rerr := b.entries.BySessionSince(ctx, hp.Agent, afterSeq)
			if rerr != nil {
				b.logger.Warn("broker: resume replay query failed", zap.Error(rerr))
			}
			b.route.SeedSequence(defaultStream(hp.Agent), afterSeq)

			newToken := uuid.New().String()
			if err := b.sessions.RotateResumeToken(ctx, sess.SessionID, newToken); err != nil {
				b.logger.Warn("broker: rotate resume token failed", zap.Error(err))
			}
			return sess.SessionID, newToken, entries, nil
		}
		if !errors.Is(err, msglog.ErrNotFound) {
			return "", "", nil, fmt.Errorf("broker: resume lookup: %w", err)
		}
		b.sendError(c, envelope.ErrResumeTooOld, "resume token not recognized, starting a new session", false)
	}

	newID, err := uuid.NewV7()
	if err != nil {
		return "", "", nil, fmt.Errorf("broker: generate session id: %w", err)
	}
	newToken := uuid.New().String()
	sess := &msglog.Session{SessionID: newID.String(), AgentName: hp.Agent, ResumeToken: newToken}
	if err := b.sessions.Create(ctx, sess); err != nil {
		return "", "", nil, fmt.Errorf("broker: create session: %w", err)
	}
	return sess.SessionID, newToken, nil, nil
}

// recvWithDeadline reads one envelope from c, bounding the wait by d so a
// party that never speaks doesn't tie up an accept-loop goroutine forever.
func (b *Broker) recvWithDeadline(ctx context.Context, c *conn.Connection, d time.Duration) (*envelope.Envelope, error) {
	type result struct {
		e   *envelope.Envelope
		err error
	}
	ch := make(chan result, 1)
	go func() {
		e, err := c.Recv()
		ch <- result{e, err}
	}()

	select {
	case r := <-ch:
		return r.e, r.err
	case <-time.After(d):
		return nil, fmt.Errorf("timed out waiting for envelope")
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// sendError sends an ERROR envelope to c, tolerating a dead transport since
// the caller is usually about to give up on the Connection anyway.
func (b *Broker) sendError(c *conn.Connection, code envelope.ErrorKind, message string, fatal bool) {
	e := envelope.New(envelope.TypeError, "", "", b.nowMS()).WithPayload(envelope.ErrorPayload{Code: code, Message: message})
	e.Fatal = fatal
	if err := c.Send(e); err != nil {
		b.logger.Debug("broker: failed to send error envelope", zap.String("conn_id", c.ID), zap.Error(err))
	}
}

func effectiveInt(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

func effectiveInt64(v, def int64) int64 {
	if v <= 0 {
		return def
	}
	return v
}
