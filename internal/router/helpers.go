package router

import (
	"errors"
	"fmt"
	"strings"

	"github.com/agentrelay/relay/internal/envelope"
	"github.com/agentrelay/relay/internal/inject"
)

// ErrUnknownRecipient is returned by Route for a synchronous send whose
// target matches no agent and no channel (spec §4.7).
var ErrUnknownRecipient = errors.New("router: unknown recipient")

// dmPrefix is the canonical direct-message channel form, spec §4.7: "the
// canonical DM form dm:A:B".
const dmPrefix = "dm:"

// parseDM reports whether to is a canonical "dm:A:B" address and, if so,
// its two participants.
func parseDM(to string) (a, b string, ok bool) {
	if !strings.HasPrefix(to, dmPrefix) {
		return "", "", false
	}
	rest := strings.TrimPrefix(to, dmPrefix)
	parts := strings.SplitN(rest, ":", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", false
	}
	return parts[0], parts[1], true
}

// formatInjectedLine renders e as the single line written to a PTY child's
// stdin, per the example in spec §8: "Relay message from Alice [<8hex>]:
// now\n".
func formatInjectedLine(e *envelope.Envelope) string {
	var payload envelope.SendPayload
	_ = e.DecodePayload(&payload)
	return fmt.Sprintf("Relay message from %s [%s]: %s\n", e.From, e.ShortID(), payload.Body)
}

// injectJob builds an inject.Job for line, reporting its outcome on result.
func injectJob(line string, deadlineMS int64, result chan<- error) inject.Job {
	return inject.Job{Line: line, DeadlineMS: deadlineMS, Result: result}
}
