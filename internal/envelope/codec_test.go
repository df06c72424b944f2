package envelope

import (
	"bufio"
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWriteReadFrameRoundTrip(t *testing.T) {
	e := New(TypeSend, "alice", "bob", 1234)
	e.Topic = "general"
	e.Seq = 7
	e.WithPayload(SendPayload{Body: "hi"})

	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, e))

	got, err := ReadFrame(bufio.NewReader(&buf), DefaultMaxFrameBytes)
	require.NoError(t, err)

	require.Equal(t, e.ID, got.ID)
	require.Equal(t, e.Type, got.Type)
	require.Equal(t, e.From, got.From)
	require.Equal(t, e.To, got.To)
	require.Equal(t, e.Topic, got.Topic)
	require.Equal(t, e.Seq, got.Seq)
	require.Equal(t, e.TimestampMS, got.TimestampMS)

	var payload SendPayload
	require.NoError(t, got.DecodePayload(&payload))
	require.Equal(t, "hi", payload.Body)
}

func TestReadFrameTooLarge(t *testing.T) {
	e := New(TypeSend, "alice", "bob", 1)
	e.WithPayload(SendPayload{Body: "this body is over the limit"})

	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, e))

	_, err := ReadFrame(bufio.NewReader(&buf), 4)
	require.Error(t, err)
	var tooLarge *FrameTooLargeError
	require.ErrorAs(t, err, &tooLarge)
}

func TestEnvelopeIDsAreUnique(t *testing.T) {
	a := New(TypeSend, "a", "b", 0)
	b := New(TypeSend, "a", "b", 0)
	require.NotEqual(t, a.ID, b.ID)
	require.Len(t, a.ID, 32)
	require.Len(t, a.ShortID(), 8)
}

func TestStream(t *testing.T) {
	e := &Envelope{}
	require.Equal(t, "default|bob", e.Stream("bob"))
	e.Topic = "#general"
	require.Equal(t, "#general|bob", e.Stream("bob"))
}
