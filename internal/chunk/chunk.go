// Package chunk implements soxy's on-wire framing unit: a fixed 7-byte
// little-endian header followed by up to 1593 bytes of payload. The codec is
// pure (no I/O) so it can be used symmetrically by the frontend and the
// backend and exercised with simple round-trip tests.
package chunk

import (
	"encoding/binary"
	"fmt"

	"github.com/wb-airbus/soxy/internal/soxyerr"
)

// MaxChunkLength is the maximum serialized size of a Chunk, header included.
const MaxChunkLength = 1600

// HeaderLength is the fixed size of a Chunk's header: 4 bytes of client id,
// 1 byte of kind, 2 bytes of payload length.
const HeaderLength = 4 + 1 + 2

// MaxPayloadLength is the largest payload a Data or Start chunk may carry.
const MaxPayloadLength = MaxChunkLength - HeaderLength

// ClientID identifies a logical stream multiplexed over the channel.
type ClientID = uint32

// Kind is the lifecycle role of a Chunk.
type Kind uint8

const (
	// Start announces a new logical stream; its payload is the service name.
	Start Kind = 0
	// Data carries opaque payload bytes for an already-started stream.
	Data Kind = 1
	// End terminates a logical stream; its payload is always empty.
	End Kind = 2
)

func (k Kind) String() string {
	switch k {
	case Start:
		return "Start"
	case Data:
		return "Data"
	case End:
		return "End"
	default:
		return fmt.Sprintf("Kind(%d)", uint8(k))
	}
}

// Chunk is a decoded on-wire frame. The zero value is not meaningful; use the
// constructors below.
type Chunk struct {
	clientID ClientID
	kind     Kind
	payload  []byte
}

// ClientID returns the chunk's client id.
func (c Chunk) ClientID() ClientID { return c.clientID }

// Kind returns the chunk's kind.
func (c Chunk) Kind() Kind { return c.kind }

// Payload returns the chunk's payload. Callers must not mutate it.
func (c Chunk) Payload() []byte { return c.payload }

func (c Chunk) String() string {
	return fmt.Sprintf("client %08x chunk_type = %s data = %d byte(s)", c.clientID, c.kind, len(c.payload))
}

// EncodeStart builds a Start chunk whose payload is the ASCII service name.
// It fails if name is longer than MaxPayloadLength.
func EncodeStart(clientID ClientID, serviceName string) (Chunk, error) {
	return newChunk(Start, clientID, []byte(serviceName))
}

// EncodeData builds a Data chunk. It fails if payload is longer than
// MaxPayloadLength.
func EncodeData(clientID ClientID, payload []byte) (Chunk, error) {
	return newChunk(Data, clientID, payload)
}

// EncodeEnd builds an End chunk. It is infallible: End always has an empty payload.
func EncodeEnd(clientID ClientID) Chunk {
	c, err := newChunk(End, clientID, nil)
	if err != nil {
		panic("soxy/chunk: EncodeEnd must be infallible: " + err.Error())
	}
	return c
}

func newChunk(kind Kind, clientID ClientID, payload []byte) (Chunk, error) {
	if len(payload) > MaxPayloadLength {
		return Chunk{}, fmt.Errorf("chunk: payload of %d byte(s) exceeds max %d: %w", len(payload), MaxPayloadLength, soxyerr.ErrChunkTooLarge)
	}
	buf := make([]byte, len(payload))
	copy(buf, payload)
	return Chunk{clientID: clientID, kind: kind, payload: buf}, nil
}

// Serialize returns the on-wire byte representation of the chunk.
func (c Chunk) Serialize() []byte {
	out := make([]byte, HeaderLength+len(c.payload))
	binary.LittleEndian.PutUint32(out[0:4], c.clientID)
	out[4] = byte(c.kind)
	binary.LittleEndian.PutUint16(out[5:7], uint16(len(c.payload)))
	copy(out[7:], c.payload)
	return out
}

// DecodeResult is the outcome of TryDecode.
type DecodeResult struct {
	// NeedMore is true when buf does not yet contain a full frame.
	NeedMore bool
	// Len is the total serialized length of the decoded frame. Only
	// meaningful when NeedMore is false and Err is nil.
	Len int
	// Chunk is the decoded frame. Only meaningful when NeedMore is false and
	// Err is nil.
	Chunk Chunk
	// Err is set if buf's prefix is long enough to judge but describes an
	// invalid frame (bad kind, payload_len too large).
	Err error
}

// TryDecode attempts to decode one Chunk from the front of buf. If buf is too
// short to contain a full frame, it returns NeedMore. If the header is
// present but declares an invalid frame, it returns a non-nil Err. Otherwise
// it returns the decoded Chunk and the number of bytes it occupied.
func TryDecode(buf []byte) DecodeResult {
	if len(buf) < HeaderLength {
		return DecodeResult{NeedMore: true}
	}

	kindByte := buf[4]
	if kindByte != byte(Start) && kindByte != byte(Data) && kindByte != byte(End) {
		return DecodeResult{Err: fmt.Errorf("chunk: invalid kind byte 0x%02x: %w", kindByte, soxyerr.ErrInvalidChunk)}
	}

	payloadLen := int(binary.LittleEndian.Uint16(buf[5:7]))
	if payloadLen > MaxPayloadLength {
		return DecodeResult{Err: fmt.Errorf("chunk: declared payload_len %d exceeds max %d: %w", payloadLen, MaxPayloadLength, soxyerr.ErrInvalidChunk)}
	}

	total := HeaderLength + payloadLen
	if len(buf) < total {
		return DecodeResult{NeedMore: true}
	}

	clientID := binary.LittleEndian.Uint32(buf[0:4])
	payload := make([]byte, payloadLen)
	copy(payload, buf[HeaderLength:total])

	return DecodeResult{
		Len: total,
		Chunk: Chunk{
			clientID: clientID,
			kind:     Kind(kindByte),
			payload:  payload,
		},
	}
}
