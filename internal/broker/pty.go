package broker

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/agentrelay/relay/internal/conn"
	"github.com/agentrelay/relay/internal/envelope"
	"github.com/agentrelay/relay/internal/outbox"
	"github.com/agentrelay/relay/internal/ptysup"
	"github.com/agentrelay/relay/internal/registry"
)

// handleSpawn decodes and carries out a SPAWN request arriving over a
// Connection, reporting failure back to the requester as an ERROR.
func (b *Broker) handleSpawn(ctx context.Context, c *conn.Connection, spawnerName string, e *envelope.Envelope) {
	var sp envelope.SpawnPayload
	if err := e.DecodePayload(&sp); err != nil {
		b.sendError(c, envelope.ErrBadRequest, "malformed spawn payload", false)
		return
	}
	sp.Spawner = spawnerName
	if err := b.spawnAgent(ctx, sp, c.ID); err != nil {
		b.sendError(c, envelope.ErrBadRequest, err.Error(), false)
	}
}

// handleRelease decodes and carries out a RELEASE request arriving over a
// Connection.
func (b *Broker) handleRelease(ctx context.Context, requester string, e *envelope.Envelope) {
	var rp envelope.ReleasePayload
	if err := e.DecodePayload(&rp); err != nil {
		return
	}
	b.releaseAgent(rp.Agent)
}

// spawnAgent starts a PTY-wrapped CLI under sp.Agent's name, registers its
// injection queue, and starts watching its outbox directory (spec §4.5,
// §6's outbox protocol). It is called both from a live Connection's SPAWN
// (spawnerConnID is that Connection's id) and from a parsed outbox SPAWN file
// (spawnerConnID is "" — the outbox protocol has no live Connection to notify
// on exit).
func (b *Broker) spawnAgent(ctx context.Context, sp envelope.SpawnPayload, spawnerConnID string) error {
	if sp.Agent == "" || sp.CLI == "" {
		return fmt.Errorf("broker: spawn requires agent and cli")
	}
	b.ptyMu.Lock()
	if _, exists := b.ptySessions[sp.Agent]; exists {
		b.ptyMu.Unlock()
		return fmt.Errorf("broker: agent %q already has a pty session", sp.Agent)
	}
	b.ptyMu.Unlock()

	// Every wrapped CLI is handed its own identity and outbox path so it can
	// address itself and emit outbox files without being told those values
	// out of band (spec §6's "environment variables consumed ... for child
	// CLIs").
	env := make([]string, 0, len(sp.Env)+2)
	env = append(env, "RELAY_AGENT_NAME="+sp.Agent, "RELAY_OUTBOX_PATH="+b.outboxDir(sp.Agent))
	for k, v := range sp.Env {
		env = append(env, k+"="+v)
	}

	session, err := ptysup.Spawn(ctx, ptysup.SpawnOptions{
		Name:   sp.Agent,
		CLI:    sp.CLI,
		Args:   sp.Args,
		Dir:    sp.Cwd,
		Env:    env,
		Logger: b.logger,
	})
	if err != nil {
		return fmt.Errorf("broker: spawn %q: %w", sp.CLI, err)
	}

	// A PTY-wrapped agent has no live Connection, so it registers under an
	// empty conn id; the registry still treats this as a presence-worthy
	// binding (AGENT_READY fires) even though Lookup will never report it
	// online for direct socket delivery — the router reaches it through the
	// injector instead (spec §4.7's injector-first routing check).
	if err := b.agents.Register(sp.Agent, "", true, b.nowMS(), registry.AgentRecord{CLI: sp.CLI}); err != nil {
		_ = session.Close()
		return fmt.Errorf("broker: register spawned agent: %w", err)
	}

	b.injector.Add(ctx, sp.Agent, session, nil)

	watchCtx, cancel := context.WithCancel(ctx)
	watcher := outbox.NewWatcher(b.outboxDir(sp.Agent), sp.Agent, b.handleOutboxEnvelope, b.logger, b.nowMS)

	b.ptyMu.Lock()
	b.ptySessions[sp.Agent] = session
	b.watcherStop[sp.Agent] = cancel
	if spawnerConnID != "" {
		b.spawners[sp.Agent] = spawnerConnID
	}
	b.ptyMu.Unlock()

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		if err := watcher.Run(watchCtx); err != nil {
			b.logger.Warn("broker: outbox watcher stopped", zap.String("agent", sp.Agent), zap.Error(err))
		}
	}()

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		if err := b.runPTYControl(watchCtx, sp.Agent); err != nil {
			b.logger.Warn("broker: pty control socket stopped", zap.String("agent", sp.Agent), zap.Error(err))
		}
	}()

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		b.watchPTYExit(sp.Agent, session)
	}()

	b.logger.Info("pty agent spawned", zap.String("agent", sp.Agent), zap.String("cli", sp.CLI), zap.String("spawner", sp.Spawner))
	return nil
}

// watchPTYExit tears down name's injection queue and outbox watcher once its
// child process exits on its own, so a crashed CLI doesn't leave a zombie
// queue accepting injections no one will ever read. It notifies the spawner
// before releasing so the spawner's connection is still registered when the
// notification is sent (spec §4.5's exit handling).
func (b *Broker) watchPTYExit(name string, session *ptysup.Session) {
	<-session.Done()
	b.notifySpawnerDone(name, session.ExitErr())
	b.releaseAgent(name)
}

// notifySpawnerDone delivers a final DONE envelope straight to the agent's
// spawner connection, if one is still known and connected (spec §4.5: "Child
// exit delivers a final DONE notification to the agent's spawner (if
// known)"). A nonzero or errored exit is distinguished via ExitCode/Err but
// is never propagated as an ERROR to other agents, per the same section.
func (b *Broker) notifySpawnerDone(agent string, exitErr error) {
	b.ptyMu.Lock()
	spawnerConnID := b.spawners[agent]
	b.ptyMu.Unlock()
	if spawnerConnID == "" {
		return
	}

	b.mu.RLock()
	sender, ok := b.conns[spawnerConnID]
	b.mu.RUnlock()
	if !ok {
		return
	}

	exitCode := 0
	errMsg := ""
	if exitErr != nil {
		errMsg = exitErr.Error()
		var ee *exec.ExitError
		if errors.As(exitErr, &ee) {
			exitCode = ee.ExitCode()
		} else {
			exitCode = -1
		}
	}

	done := envelope.New(envelope.TypeDone, "", "", b.nowMS()).WithPayload(envelope.DonePayload{
		Agent:    agent,
		ExitCode: exitCode,
		Err:      errMsg,
	})
	if err := sender.Send(done); err != nil {
		b.logger.Warn("broker: failed to notify spawner of exit",
			zap.String("agent", agent), zap.String("spawner_conn_id", spawnerConnID), zap.Error(err))
	}
}

// releaseAgent tears down name's PTY session, injection queue, and outbox
// watcher, and removes it from the registry (spec §4.5's teardown on
// RELEASE or process exit).
func (b *Broker) releaseAgent(name string) {
	b.ptyMu.Lock()
	session, ok := b.ptySessions[name]
	if ok {
		delete(b.ptySessions, name)
	}
	if cancel, ok := b.watcherStop[name]; ok {
		cancel()
		delete(b.watcherStop, name)
	}
	delete(b.spawners, name)
	b.ptyMu.Unlock()

	if !ok {
		return
	}

	b.injector.Remove(name)
	_ = session.Close()
	b.agents.Unregister(name, "")
	b.agents.Remove(name)
	b.logger.Info("pty agent released", zap.String("agent", name))
}

// outboxDir is where a PTY-wrapped agent's outbox files are watched (spec
// §6's outbox directory protocol).
func (b *Broker) outboxDir(agent string) string {
	return filepath.Join(b.cfg.DataDir, "outbox", agent)
}

// handleOutboxEnvelope is the outbox.Handler wired into every agent's
// Watcher: a parsed file becomes a SEND routed exactly like one arriving
// over a live Connection, or a SPAWN/RELEASE carried out the same way a
// Connection's own envelope would be (spec §6: "the outbox protocol and the
// live transport are equivalent ways to originate the same envelope
// kinds").
func (b *Broker) handleOutboxEnvelope(ctx context.Context, e *envelope.Envelope) error {
	switch e.Type {
	case envelope.TypeSend:
		return b.route.Route(ctx, e.From, "", e)
	case envelope.TypeSpawn:
		var sp envelope.SpawnPayload
		if err := e.DecodePayload(&sp); err != nil {
			return fmt.Errorf("broker: decode outbox spawn: %w", err)
		}
		return b.spawnAgent(ctx, sp, "")
	case envelope.TypeRelease:
		var rp envelope.ReleasePayload
		if err := e.DecodePayload(&rp); err != nil {
			return fmt.Errorf("broker: decode outbox release: %w", err)
		}
		b.releaseAgent(rp.Agent)
		return nil
	default:
		return fmt.Errorf("broker: outbox envelope type %s not supported", e.Type)
	}
}
