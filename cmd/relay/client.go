package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"os/exec"
	"time"

	"github.com/agentrelay/relay/internal/conn"
	"github.com/agentrelay/relay/internal/envelope"
)

// dialBroker opens the local-socket transport to an already-running broker.
func dialBroker(socketPath string) (*conn.LocalTransport, error) {
	nc, err := net.Dial("unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("connect to broker at %s: %w", socketPath, err)
	}
	return conn.NewLocalTransport(nc, envelope.DefaultMaxFrameBytes), nil
}

// helloAndWait performs the HELLO/WELCOME exchange as name, internal marking
// this as a non-end-user participant (spec §4.1's Internal hello field).
func helloAndWait(transport *conn.LocalTransport, name string, internal bool) error {
	hello := envelope.New(envelope.TypeHello, name, "", time.Now().UnixMilli()).WithPayload(envelope.HelloPayload{
		Agent:    name,
		Internal: internal,
	})
	if err := transport.Send(hello); err != nil {
		return fmt.Errorf("send hello: %w", err)
	}
	reply, err := transport.Recv()
	if err != nil {
		return fmt.Errorf("await welcome: %w", err)
	}
	if reply.Type == envelope.TypeError {
		var ep envelope.ErrorPayload
		_ = reply.DecodePayload(&ep)
		return fmt.Errorf("broker rejected hello: %s", ep.Message)
	}
	if reply.Type != envelope.TypeWelcome {
		return fmt.Errorf("expected welcome, got %s", reply.Type)
	}
	return nil
}

// spawnAndWatch asks a running broker to wrap cliName in a PTY session named
// name, then streams every envelope sent to its own launcher connection
// ("pty-launcher-<name>"), not the agent's DELIVERs, as JSON lines on stdout
// until the connection ends or ctx is cancelled.
func spawnAndWatch(ctx context.Context, cfg *config, name, cliName string, cliArgs []string) error {
	transport, err := dialBroker(cfg.socketPath)
	if err != nil {
		return err
	}
	defer transport.Close()

	if err := helloAndWait(transport, fmt.Sprintf("pty-launcher-%s", name), true); err != nil {
		return err
	}

	spawn := envelope.New(envelope.TypeSpawn, "", "", time.Now().UnixMilli()).WithPayload(envelope.SpawnPayload{
		Agent: name,
		CLI:   cliName,
		Args:  cliArgs,
		Cwd:   mustGetwd(),
	})
	if err := transport.Send(spawn); err != nil {
		return fmt.Errorf("send spawn: %w", err)
	}

	return streamEnvelopes(ctx, transport)
}

// runHeadless runs cliName one-shot with inherited stdio, bypassing the
// broker entirely — no routing, no injection.
func runHeadless(ctx context.Context, cliName string, cliArgs []string) error {
	cmd := exec.CommandContext(ctx, cliName, cliArgs...)
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	return cmd.Run()
}

// watchOnly attaches to a running broker as an inert participant: it
// completes the handshake and then only reads, printing every envelope it
// observes without ever sending SEND/CHANNEL_MESSAGE itself.
func watchOnly(ctx context.Context, cfg *config, name string) error {
	transport, err := dialBroker(cfg.socketPath)
	if err != nil {
		return err
	}
	defer transport.Close()

	if err := helloAndWait(transport, name, true); err != nil {
		return err
	}

	return streamEnvelopes(ctx, transport)
}

// streamEnvelopes reads envelopes from transport until it closes or ctx is
// cancelled, printing each as a single JSON line on stdout.
func streamEnvelopes(ctx context.Context, transport *conn.LocalTransport) error {
	done := make(chan struct{})
	go func() {
		<-ctx.Done()
		_ = transport.Close()
		close(done)
	}()

	out := bufio.NewWriter(os.Stdout)
	defer out.Flush()

	for {
		e, err := transport.Recv()
		if err != nil {
			select {
			case <-done:
				return nil
			default:
				return fmt.Errorf("connection read ended: %w", err)
			}
		}
		line, err := json.Marshal(e)
		if err != nil {
			continue
		}
		out.Write(line)
		out.WriteByte('\n')
		out.Flush()
		if e.Type == envelope.TypeBye {
			return nil
		}
	}
}

func mustGetwd() string {
	wd, err := os.Getwd()
	if err != nil {
		return ""
	}
	return wd
}
