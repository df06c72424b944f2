package conn

import "github.com/agentrelay/relay/internal/envelope"

// AllowedInState reports whether envelope type t may be processed while the
// connection is in its current state, per spec §4.1: "On transport open the
// machine is HANDSHAKING and accepts only HELLO; any other envelope yields
// an ERROR with BAD_REQUEST and terminates the Connection."
func (c *Connection) AllowedInState(t envelope.Type) bool {
	switch c.State() {
	case StateHandshaking:
		return t == envelope.TypeHello
	case StateActive:
		return true
	case StateClosing:
		return t == envelope.TypeBye
	default:
		return false
	}
}

// BeginHandshake transitions CONNECTING → HANDSHAKING. Called once the
// transport has accepted the party and is ready to read its first frame.
func (c *Connection) BeginHandshake() {
	c.setState(StateHandshaking)
}

// BeginClosing transitions ACTIVE → CLOSING, the start of a graceful BYE
// exchange (spec §4.9).
func (c *Connection) BeginClosing() {
	c.setState(StateClosing)
}
