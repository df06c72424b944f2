package broker

import (
	"github.com/agentrelay/relay/internal/conn"
	"github.com/agentrelay/relay/internal/envelope"
)

// connDispatcher adapts *conn.Connection to router.Dispatcher. Connection
// exposes its id as the exported field ID rather than a method, so the
// router (which only knows about the Dispatcher interface) needs this thin
// wrapper to call it as ID().
type connDispatcher struct {
	c *conn.Connection
}

func (d connDispatcher) ID() string { return d.c.ID }

func (d connDispatcher) Send(e *envelope.Envelope) error { return d.c.Send(e) }
