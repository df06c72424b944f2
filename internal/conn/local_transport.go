package conn

import (
	"bufio"
	"fmt"
	"net"
	"sync"

	"github.com/agentrelay/relay/internal/envelope"
)

// LocalTransport wraps a net.Conn (a Unix-domain socket accept, or any
// stream-oriented connection) with the length-prefixed JSON framing defined
// in spec §6.
type LocalTransport struct {
	conn net.Conn
	r    *bufio.Reader

	maxFrameBytes int

	writeMu sync.Mutex
}

// NewLocalTransport wraps an accepted net.Conn. maxFrameBytes bounds inbound
// frames; 0 uses envelope.DefaultMaxFrameBytes.
func NewLocalTransport(c net.Conn, maxFrameBytes int) *LocalTransport {
	if maxFrameBytes <= 0 {
		maxFrameBytes = envelope.DefaultMaxFrameBytes
	}
	return &LocalTransport{
		conn:          c,
		r:             bufio.NewReader(c),
		maxFrameBytes: maxFrameBytes,
	}
}

// Send writes one length-prefixed frame. Writes are serialized so concurrent
// callers never interleave partial frames on the wire.
func (t *LocalTransport) Send(e *envelope.Envelope) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if err := envelope.WriteFrame(t.conn, e); err != nil {
		return fmt.Errorf("local transport: %w", err)
	}
	return nil
}

// Recv reads and decodes the next frame.
func (t *LocalTransport) Recv() (*envelope.Envelope, error) {
	return envelope.ReadFrame(t.r, t.maxFrameBytes)
}

// Close closes the underlying connection.
func (t *LocalTransport) Close() error {
	return t.conn.Close()
}

// RemoteAddr returns the peer address, or "" if the transport has none.
func (t *LocalTransport) RemoteAddr() string {
	if addr := t.conn.RemoteAddr(); addr != nil {
		return addr.String()
	}
	return ""
}
