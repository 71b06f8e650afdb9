// Package wire implements length-prefixed frame encoding for the
// transport layer shared by gossip sync, descriptor exchange, and onion
// circuit cells (spec §6).
package wire

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/terraingossip/terraingossip/internal/tgerr"
)

// MaxFrameSize bounds a single frame's payload+type length to 16 MiB,
// guarding against a malformed length prefix causing an unbounded
// allocation.
const MaxFrameSize = 16 * 1024 * 1024

// FrameType identifies the payload carried by a Frame.
type FrameType byte

const (
	FramePing FrameType = 0
	FramePong FrameType = 1

	FrameDeltaSyncRequest  FrameType = 10
	FrameDeltaSyncResponse FrameType = 11
	FrameEventBroadcast    FrameType = 12

	FrameDescriptorQuery    FrameType = 20
	FrameDescriptorResponse FrameType = 21

	FrameCircuitCreate  FrameType = 30
	FrameCircuitExtend  FrameType = 31
	FrameCircuitCell    FrameType = 32
	FrameCircuitDestroy FrameType = 33

	FrameInferenceRequest  FrameType = 40
	FrameInferenceResponse FrameType = 41
)

func (t FrameType) String() string {
	switch t {
	case FramePing:
		return "PING"
	case FramePong:
		return "PONG"
	case FrameDeltaSyncRequest:
		return "DELTA_SYNC_REQUEST"
	case FrameDeltaSyncResponse:
		return "DELTA_SYNC_RESPONSE"
	case FrameEventBroadcast:
		return "EVENT_BROADCAST"
	case FrameDescriptorQuery:
		return "DESCRIPTOR_QUERY"
	case FrameDescriptorResponse:
		return "DESCRIPTOR_RESPONSE"
	case FrameCircuitCreate:
		return "CIRCUIT_CREATE"
	case FrameCircuitExtend:
		return "CIRCUIT_EXTEND"
	case FrameCircuitCell:
		return "CIRCUIT_CELL"
	case FrameCircuitDestroy:
		return "CIRCUIT_DESTROY"
	case FrameInferenceRequest:
		return "INFERENCE_REQUEST"
	case FrameInferenceResponse:
		return "INFERENCE_RESPONSE"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", byte(t))
	}
}

func parseFrameType(b byte) (FrameType, error) {
	switch FrameType(b) {
	case FramePing, FramePong, FrameDeltaSyncRequest, FrameDeltaSyncResponse,
		FrameEventBroadcast, FrameDescriptorQuery, FrameDescriptorResponse,
		FrameCircuitCreate, FrameCircuitExtend, FrameCircuitCell, FrameCircuitDestroy,
		FrameInferenceRequest, FrameInferenceResponse:
		return FrameType(b), nil
	default:
		return 0, tgerr.SerializationError(fmt.Errorf("unknown frame type: %d", b))
	}
}

// Frame is one length-prefixed protocol message.
//
// Wire format:
//   - 4 bytes: length, big-endian, counts the type byte plus payload
//   - 1 byte:  frame type
//   - N bytes: payload
type Frame struct {
	Type    FrameType
	Payload []byte
}

// Ping returns an empty keepalive frame.
func Ping() Frame { return Frame{Type: FramePing} }

// Pong returns an empty keepalive response frame.
func Pong() Frame { return Frame{Type: FramePong} }

// Codec encodes and decodes Frames. When FixedCellBytes is non-zero,
// CircuitCell frames are padded with zero bytes up to that size on
// Encode — every onion cell on the wire looks identical in length
// regardless of its actual content, denying an observer a length-based
// side channel (spec §4.3).
type Codec struct {
	FixedCellBytes int
}

// NewCodec returns a Codec with no fixed-size padding.
func NewCodec() *Codec {
	return &Codec{}
}

// NewFixedCellCodec returns a Codec that pads CircuitCell frames to
// cellBytes.
func NewFixedCellCodec(cellBytes int) *Codec {
	return &Codec{FixedCellBytes: cellBytes}
}

// Encode writes frame to w in the length-prefixed wire format.
func (c *Codec) Encode(w io.Writer, frame Frame) error {
	payload := frame.Payload
	if c.FixedCellBytes > 0 && frame.Type == FrameCircuitCell {
		if len(payload) > c.FixedCellBytes {
			return tgerr.SerializationError(fmt.Errorf("cell payload %d exceeds fixed size %d", len(payload), c.FixedCellBytes))
		}
		padded := make([]byte, c.FixedCellBytes)
		copy(padded, payload)
		payload = padded
	}

	length := 1 + len(payload)
	if length > MaxFrameSize {
		return tgerr.SerializationError(fmt.Errorf("frame too large: %d bytes", length))
	}

	header := make([]byte, 5)
	binary.BigEndian.PutUint32(header[0:4], uint32(length))
	header[4] = byte(frame.Type)
	if _, err := w.Write(header); err != nil {
		return tgerr.SerializationError(err)
	}
	if _, err := w.Write(payload); err != nil {
		return tgerr.SerializationError(err)
	}
	return nil
}

// Decode reads a single Frame from r, blocking until the full frame has
// arrived.
func (c *Codec) Decode(r io.Reader) (Frame, error) {
	header := make([]byte, 5)
	if _, err := io.ReadFull(r, header); err != nil {
		return Frame{}, tgerr.SerializationError(err)
	}

	length := binary.BigEndian.Uint32(header[0:4])
	if int(length) > MaxFrameSize {
		return Frame{}, tgerr.SerializationError(fmt.Errorf("frame too large: %d bytes", length))
	}
	if length < 1 {
		return Frame{}, tgerr.SerializationError(fmt.Errorf("frame length %d too short for type byte", length))
	}

	frameType, err := parseFrameType(header[4])
	if err != nil {
		return Frame{}, err
	}

	payload := make([]byte, length-1)
	if _, err := io.ReadFull(r, payload); err != nil {
		return Frame{}, tgerr.SerializationError(err)
	}

	return Frame{Type: frameType, Payload: payload}, nil
}
