package envelope

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
)

// DefaultMaxFrameBytes is the fallback ceiling on a single frame's body size,
// negotiated down (never up) in WELCOME per spec §4.1.
const DefaultMaxFrameBytes = 1 << 20 // 1 MiB

// FrameTooLargeError is returned by ReadFrame when a frame's declared length
// exceeds maxBytes. The caller must close the transport with a fatal ERROR
// per spec §7.
type FrameTooLargeError struct {
	Declared int
	Max      int
}

func (e *FrameTooLargeError) Error() string {
	return fmt.Sprintf("envelope: frame of %d bytes exceeds max_frame_bytes %d", e.Declared, e.Max)
}

// WriteFrame writes e to w using the local transport's framing: a
// little-endian 4-byte length prefix followed by that many bytes of UTF-8
// JSON (spec §6).
func WriteFrame(w io.Writer, e *Envelope) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("envelope: marshal: %w", err)
	}
	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(data)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return fmt.Errorf("envelope: write length prefix: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("envelope: write body: %w", err)
	}
	return nil
}

// ReadFrame reads one length-prefixed frame from r and decodes it into an
// Envelope. maxBytes bounds the accepted body size; a frame declaring more
// returns *FrameTooLargeError without consuming the oversized body (the
// caller must close the connection — resynchronizing the stream is not
// attempted).
func ReadFrame(r *bufio.Reader, maxBytes int) (*Envelope, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	n := int(binary.LittleEndian.Uint32(lenBuf[:]))
	if n > maxBytes {
		return nil, &FrameTooLargeError{Declared: n, Max: maxBytes}
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, fmt.Errorf("envelope: read body: %w", err)
	}
	var e Envelope
	if err := json.Unmarshal(body, &e); err != nil {
		return nil, fmt.Errorf("envelope: unmarshal: %w", err)
	}
	return &e, nil
}

// Marshal and Unmarshal are used directly by the WebSocket transport, which
// sends one envelope per text message rather than length-prefixed frames.

// Marshal encodes e as UTF-8 JSON.
func Marshal(e *Envelope) ([]byte, error) {
	return json.Marshal(e)
}

// Unmarshal decodes data into an Envelope.
func Unmarshal(data []byte) (*Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("envelope: unmarshal: %w", err)
	}
	return &e, nil
}
