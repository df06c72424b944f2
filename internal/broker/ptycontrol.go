package broker

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/agentrelay/relay/internal/inject"
)

// controlMessage is one line read from a PTY session's injection control
// socket (spec §6): {"type":"inject", id, from, body, priority} or
// {"type":"shutdown"}.
type controlMessage struct {
	Type     string `json:"type"`
	ID       string `json:"id,omitempty"`
	From     string `json:"from,omitempty"`
	Body     string `json:"body,omitempty"`
	Priority int    `json:"priority,omitempty"`
}

// controlResult is written back for every "inject" request: {"type":
// "inject_result", id, status}.
type controlResult struct {
	Type   string `json:"type"`
	ID     string `json:"id"`
	Status string `json:"status"`
}

// controlSocketPath is the well-known per-agent path an external process
// (e.g. a sidecar wanting to inject text without going through the broader
// routing protocol) dials to reach one PTY session directly.
func (b *Broker) controlSocketPath(agent string) string {
	return filepath.Join(b.cfg.DataDir, "pty-control", agent+".sock")
}

// runPTYControl accepts connections on name's control socket until ctx is
// cancelled, serving the inject/shutdown protocol of spec §6.
func (b *Broker) runPTYControl(ctx context.Context, name string) error {
	path := b.controlSocketPath(name)
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return fmt.Errorf("broker: create pty control dir: %w", err)
	}
	_ = os.Remove(path)

	ln, err := net.Listen("unix", path)
	if err != nil {
		return fmt.Errorf("broker: listen pty control socket: %w", err)
	}
	defer ln.Close()
	defer os.Remove(path)

	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	for {
		nc, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			continue
		}
		go b.servePTYControlConn(ctx, name, nc)
	}
}

// servePTYControlConn handles one control-socket client for a PTY session,
// line-delimited JSON in both directions.
func (b *Broker) servePTYControlConn(ctx context.Context, name string, nc net.Conn) {
	defer nc.Close()
	scanner := bufio.NewScanner(nc)
	enc := json.NewEncoder(nc)

	for scanner.Scan() {
		var msg controlMessage
		if err := json.Unmarshal(scanner.Bytes(), &msg); err != nil {
			continue
		}
		switch msg.Type {
		case "inject":
			status := b.injectViaControl(name, msg)
			_ = enc.Encode(controlResult{Type: "inject_result", ID: msg.ID, Status: status})
		case "shutdown":
			b.releaseAgent(name)
			return
		}
	}
}

// injectViaControl enqueues a directly-formatted inject job against name's
// session, bypassing the router's envelope-shaped path since a control
// socket client supplies the line content itself.
func (b *Broker) injectViaControl(name string, msg controlMessage) string {
	line := fmt.Sprintf("Relay message from %s [%s]: %s\n", msg.From, shortID(msg.ID), msg.Body)
	deadline := b.nowMS() + 30_000
	result := make(chan error, 1)
	if err := b.injector.Enqueue(name, inject.Job{Line: line, DeadlineMS: deadline, Result: result}); err != nil {
		b.logger.Info("broker: pty control inject rejected", zap.String("agent", name), zap.Error(err))
		return "rejected"
	}
	select {
	case err := <-result:
		if err != nil {
			return "failed"
		}
		return "delivered"
	case <-time.After(31 * time.Second):
		return "timeout"
	}
}

func shortID(id string) string {
	if len(id) < 8 {
		return id
	}
	return id[:8]
}
