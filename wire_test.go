package marionette

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWire_RequestRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	req := requestFrame{
		ID:     7,
		Method: "create_primitive",
		Args:   []any{"cube"},
		Kwargs: map[string]any{"name": "box1"},
	}
	require.NoError(t, writeFrame(&buf, frameRequest, req))

	ft, body, err := readFrame(bufio.NewReader(&buf))
	require.NoError(t, err)
	require.Equal(t, frameRequest, ft)

	var got requestFrame
	require.NoError(t, decodeFrame(body, &got))
	require.Equal(t, uint64(7), got.ID)
	require.Equal(t, "create_primitive", got.Method)
	require.Equal(t, []any{"cube"}, got.Args)
	require.Equal(t, map[string]any{"name": "box1"}, got.Kwargs)
}

func TestWire_RejectsUnknownFrameType(t *testing.T) {
	r := bufio.NewReader(bytes.NewReader([]byte{0x7F, 0x00}))
	_, _, err := readFrame(r)
	require.ErrorIs(t, err, ErrFrameInvalid)
}

func TestWire_RejectsOversizedFrame(t *testing.T) {
	// A header declaring more than MaxFrameSize must abort before any
	// allocation of that size.
	header := []byte{byte(frameRequest)}
	header = binary.AppendUvarint(header, MaxFrameSize+1)
	_, _, err := readFrame(bufio.NewReader(bytes.NewReader(header)))
	require.ErrorIs(t, err, ErrFrameTooLarge)

	var buf bytes.Buffer
	huge := requestFrame{ID: 1, Method: "blob", Args: []any{make([]byte, MaxFrameSize+1)}}
	require.ErrorIs(t, writeFrame(&buf, frameRequest, huge), ErrFrameTooLarge)
}
