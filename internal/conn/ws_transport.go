package conn

import (
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/agentrelay/relay/internal/envelope"
)

// wsUpgrader performs the HTTP → WebSocket upgrade for the broker's optional
// listening WS transport (spec §6). CheckOrigin always allows — same
// posture as the teacher's dashboard hub, which defers origin checks to a
// reverse proxy; the workspace-token check (done by the caller before
// upgrading) is this broker's actual gate.
var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

const (
	wsWriteWait = 10 * time.Second
	wsPongWait  = 60 * time.Second
)

// WSTransport wraps a *websocket.Conn, sending one Envelope per text message
// (spec §6). It is safe for concurrent Send calls — writes are serialized
// internally — and Send and Recv may run concurrently.
type WSTransport struct {
	ws            *websocket.Conn
	maxFrameBytes int
	writeMu       sync.Mutex
}

// UpgradeWS upgrades an HTTP request to a WebSocket and wraps it.
func UpgradeWS(w http.ResponseWriter, r *http.Request, maxFrameBytes int) (*WSTransport, error) {
	c, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, fmt.Errorf("ws transport: upgrade: %w", err)
	}
	if maxFrameBytes <= 0 {
		maxFrameBytes = envelope.DefaultMaxFrameBytes
	}
	c.SetReadLimit(int64(maxFrameBytes))
	return NewWSTransport(c, maxFrameBytes), nil
}

// DialWS dials url as a WebSocket client, used by the cloud uplink (C8) to
// connect outbound.
func DialWS(url string, header http.Header, maxFrameBytes int) (*WSTransport, error) {
	c, _, err := websocket.DefaultDialer.Dial(url, header)
	if err != nil {
		return nil, fmt.Errorf("ws transport: dial %s: %w", url, err)
	}
	if maxFrameBytes <= 0 {
		maxFrameBytes = envelope.DefaultMaxFrameBytes
	}
	c.SetReadLimit(int64(maxFrameBytes))
	return NewWSTransport(c, maxFrameBytes), nil
}

// NewWSTransport wraps an already-established *websocket.Conn.
func NewWSTransport(c *websocket.Conn, maxFrameBytes int) *WSTransport {
	t := &WSTransport{ws: c, maxFrameBytes: maxFrameBytes}
	c.SetPongHandler(func(string) error {
		return c.SetReadDeadline(time.Now().Add(wsPongWait))
	})
	_ = c.SetReadDeadline(time.Now().Add(wsPongWait))
	return t
}

// Send marshals e and writes it as one WS text message.
func (t *WSTransport) Send(e *envelope.Envelope) error {
	data, err := envelope.Marshal(e)
	if err != nil {
		return fmt.Errorf("ws transport: marshal: %w", err)
	}
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if err := t.ws.SetWriteDeadline(time.Now().Add(wsWriteWait)); err != nil {
		return fmt.Errorf("ws transport: set write deadline: %w", err)
	}
	if err := t.ws.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("ws transport: write: %w", err)
	}
	return nil
}

// Ping sends a WS ping control frame. The broker's heartbeat monitor does not
// call it; it sends protocol-level PING envelopes through Connection.Send.
func (t *WSTransport) Ping() error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if err := t.ws.SetWriteDeadline(time.Now().Add(wsWriteWait)); err != nil {
		return err
	}
	return t.ws.WriteMessage(websocket.PingMessage, nil)
}

// Recv reads the next text message and decodes it into an Envelope.
func (t *WSTransport) Recv() (*envelope.Envelope, error) {
	for {
		mt, data, err := t.ws.ReadMessage()
		if err != nil {
			return nil, fmt.Errorf("ws transport: read: %w", err)
		}
		if mt != websocket.TextMessage {
			continue
		}
		return envelope.Unmarshal(data)
	}
}

// Close closes the underlying WebSocket.
func (t *WSTransport) Close() error {
	return t.ws.Close()
}

// RemoteAddr returns the peer address.
func (t *WSTransport) RemoteAddr() string {
	if addr := t.ws.RemoteAddr(); addr != nil {
		return addr.String()
	}
	return ""
}
