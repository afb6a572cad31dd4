package marionette

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"reflect"

	"github.com/fxamacker/cbor/v2"
)

// MaxFrameSize bounds a single invocation request or response on the
// wire. Discovery datagrams are bounded much tighter, see maxDatagramSize.
const MaxFrameSize = 1 << 22

// maxDatagramSize keeps discovery records within one UDP datagram.
const maxDatagramSize = 1400

type frameType uint8

const (
	frameRequest frameType = iota + 1
	frameResponse
	framePing
	framePong
)

// encMode is the CBOR encoder configured with Core Deterministic
// Encoding: sorted map keys, smallest integer encoding. The same logical
// record always produces identical bytes, which keeps discovery
// deduplication and tests honest.
var encMode cbor.EncMode

// decMode accepts standard CBOR and decodes any-typed targets into
// map[string]any. Unknown fields are ignored for forward compatibility.
var decMode cbor.DecMode

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("marionette: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic("marionette: CBOR decoder initialization failed: " + err.Error())
	}
}

// requestFrame carries one invocation. Args and Kwargs are opaque
// payload: they are round-tripped through CBOR and never interpreted by
// this layer.
type requestFrame struct {
	ID     uint64         `cbor:"id"`
	Method string         `cbor:"method"`
	Args   []any          `cbor:"args,omitempty"`
	Kwargs map[string]any `cbor:"kwargs,omitempty"`
}

type responseFrame struct {
	ID    uint64 `cbor:"id"`
	OK    bool   `cbor:"ok"`
	Value any    `cbor:"value,omitempty"`
	EKind string `cbor:"ekind,omitempty"`
	EMsg  string `cbor:"emsg,omitempty"`
}

// pingFrame is the liveness probe. The responder echoes Seq back in a
// framePong so a prober can match its own probe.
type pingFrame struct {
	Seq uint64 `cbor:"seq"`
}

// writeFrame emits [type byte][uvarint length][CBOR payload] and returns
// only once the whole frame reached the kernel. Frames written
// sequentially on one conn are delivered in order; callers must not write
// a single conn concurrently.
func writeFrame(w io.Writer, ft frameType, payload any) error {
	body, err := encMode.Marshal(payload)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrFrameInvalid, err)
	}
	if len(body) > MaxFrameSize {
		return ErrFrameTooLarge
	}

	header := make([]byte, 1, 1+binary.MaxVarintLen64)
	header[0] = byte(ft)
	header = binary.AppendUvarint(header, uint64(len(body)))

	if _, err := w.Write(header); err != nil {
		return err
	}
	_, err = w.Write(body)
	return err
}

// readFrame reads one frame header and its raw payload. A payload
// declaring more than MaxFrameSize bytes aborts the stream rather than
// letting a peer make us allocate unboundedly.
func readFrame(r *bufio.Reader) (frameType, []byte, error) {
	tb, err := r.ReadByte()
	if err != nil {
		return 0, nil, err
	}
	ft := frameType(tb)
	if ft < frameRequest || ft > framePong {
		return 0, nil, fmt.Errorf("%w: unknown frame type %#x", ErrFrameInvalid, tb)
	}

	size, err := binary.ReadUvarint(r)
	if err != nil {
		return 0, nil, err
	}
	if size > MaxFrameSize {
		return 0, nil, ErrFrameTooLarge
	}

	body := make([]byte, size)
	if _, err := io.ReadFull(r, body); err != nil {
		return 0, nil, err
	}
	return ft, body, nil
}

func decodeFrame(body []byte, into any) error {
	if err := decMode.Unmarshal(body, into); err != nil {
		return fmt.Errorf("%w: %w", ErrFrameInvalid, err)
	}
	return nil
}
