// Package outbox implements the outbox directory protocol (spec §6, §9): a
// per-agent directory a wrapped CLI can write plain files into as an
// alternative to speaking the wire protocol directly. The broker watches
// each directory, parses new files into Envelopes, hands them to the
// router, and deletes the file once ingested.
package outbox

import (
	"bufio"
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/agentrelay/relay/internal/envelope"
)

// Kind enumerates the recognized KIND: header values (spec §6).
type Kind string

const (
	KindMessage    Kind = "message"
	KindSpawn      Kind = "spawn"
	KindRelease    Kind = "release"
	KindContinuity Kind = "continuity"
)

// fileMessage is both the header-parsed and the JSON-fallback shape of one
// outbox file.
type fileMessage struct {
	To     string `json:"to"`
	Kind   Kind   `json:"kind"`
	Name   string `json:"name"`
	CLI    string `json:"cli"`
	Thread string `json:"thread"`
	Action string `json:"action"`
	Body   string `json:"body"`
}

// parseFile parses raw file content, sender identifies the owning agent
// (used as From and, for spawn/release, as the implicit spawner), nowMS
// stamps the resulting Envelope.
func parseFile(raw []byte, sender string, nowMS int64) (*envelope.Envelope, error) {
	msg, err := parseHeaderForm(raw)
	if err != nil {
		msg, err = parseJSONForm(raw)
		if err != nil {
			return nil, fmt.Errorf("outbox: unrecognized file format: %w", err)
		}
	}
	if msg.Kind == "" {
		msg.Kind = KindMessage
	}

	e, err := buildEnvelope(msg, sender, nowMS)
	if err != nil {
		return nil, err
	}
	// Idempotent-by-envelope-id ingestion (spec §9): derive the id from the
	// message content itself rather than a random one, so the same file
	// parsed twice by an overlapping watcher-event-and-rescan race collapses
	// to a single envelope id and the usual at-most-once machinery (dedup
	// cache, on-conflict-do-nothing log insert) absorbs the duplicate.
	e.ID = contentID(sender, raw)
	return e, nil
}

// parseHeaderForm parses the "TO:\nKIND:\n...\n\nbody" form (spec §6).
func parseHeaderForm(raw []byte) (fileMessage, error) {
	var msg fileMessage
	sc := bufio.NewScanner(bytes.NewReader(raw))
	sawHeader := false
	var body strings.Builder
	inBody := false

	for sc.Scan() {
		line := sc.Text()
		if inBody {
			body.WriteString(line)
			body.WriteByte('\n')
			continue
		}
		if line == "" {
			inBody = true
			continue
		}
		key, value, ok := strings.Cut(line, ":")
		if !ok {
			return fileMessage{}, fmt.Errorf("outbox: malformed header line %q", line)
		}
		value = strings.TrimSpace(value)
		switch strings.ToUpper(strings.TrimSpace(key)) {
		case "TO":
			msg.To = value
			sawHeader = true
		case "KIND":
			msg.Kind = Kind(strings.ToLower(value))
			sawHeader = true
		case "NAME":
			msg.Name = value
			sawHeader = true
		case "CLI":
			msg.CLI = value
			sawHeader = true
		case "THREAD":
			msg.Thread = value
			sawHeader = true
		case "ACTION":
			msg.Action = value
			sawHeader = true
		default:
			return fileMessage{}, fmt.Errorf("outbox: unknown header field %q", key)
		}
	}
	if err := sc.Err(); err != nil {
		return fileMessage{}, err
	}
	if !sawHeader {
		return fileMessage{}, fmt.Errorf("outbox: no recognized header fields")
	}
	msg.Body = strings.TrimSuffix(body.String(), "\n")
	return msg, nil
}

// parseJSONForm is the fallback accepted per spec §6 ("JSON files are
// accepted as a fallback").
func parseJSONForm(raw []byte) (fileMessage, error) {
	var msg fileMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return fileMessage{}, err
	}
	return msg, nil
}

// buildEnvelope converts a parsed fileMessage into the Envelope the router
// expects, per kind.
func buildEnvelope(msg fileMessage, sender string, nowMS int64) (*envelope.Envelope, error) {
	switch msg.Kind {
	case KindMessage, KindContinuity:
		if msg.To == "" {
			return nil, fmt.Errorf("outbox: message kind requires TO")
		}
		return envelope.New(envelope.TypeSend, sender, msg.To, nowMS).WithPayload(envelope.SendPayload{
			Body:     msg.Body,
			ThreadID: msg.Thread,
		}), nil
	case KindSpawn:
		if msg.Name == "" || msg.CLI == "" {
			return nil, fmt.Errorf("outbox: spawn kind requires NAME and CLI")
		}
		return envelope.New(envelope.TypeSpawn, sender, "", nowMS).WithPayload(envelope.SpawnPayload{
			Agent:   msg.Name,
			CLI:     msg.CLI,
			Spawner: sender,
		}), nil
	case KindRelease:
		if msg.Name == "" {
			return nil, fmt.Errorf("outbox: release kind requires NAME")
		}
		return envelope.New(envelope.TypeRelease, sender, "", nowMS).WithPayload(envelope.ReleasePayload{
			Agent: msg.Name,
		}), nil
	default:
		return nil, fmt.Errorf("outbox: unrecognized kind %q", msg.Kind)
	}
}

// contentID derives a stable envelope id from the owning agent and the raw
// file bytes, so re-parsing the same file twice is idempotent.
func contentID(sender string, raw []byte) string {
	h := sha256.New()
	h.Write([]byte(sender))
	h.Write([]byte{0})
	h.Write(raw)
	return hex.EncodeToString(h.Sum(nil))[:32]
}
