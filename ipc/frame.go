package ipc

import (
	"fmt"

	"github.com/google/uuid"
)

// Protocol version carried in every frame.
const ProtocolVersion uint8 = 1

// Default maximum frame size (3.5 MB)
const DefaultMaxFrame int = 3_670_016

// Default maximum chunk size (256 KB) for streamed payloads
const DefaultMaxChunk int = 262_144

// Hard limit on frame size (16 MB) - prevents DoS
const MaxFrameHardLimit int = 16_777_216

// FrameType represents the type of CBOR frame
type FrameType uint8

const (
	// FrameTypeIntent is dispatched to a target entry point
	FrameTypeIntent FrameType = 1
	// FrameTypeOpen is the first frame on a pipe opened back to a reply address
	FrameTypeOpen      FrameType = 2
	FrameTypeChunk     FrameType = 3
	FrameTypeStreamEnd FrameType = 4
	FrameTypeAck       FrameType = 5
	FrameTypeErr       FrameType = 6
)

// String returns the frame type name
func (ft FrameType) String() string {
	switch ft {
	case FrameTypeIntent:
		return "INTENT"
	case FrameTypeOpen:
		return "OPEN"
	case FrameTypeChunk:
		return "CHUNK"
	case FrameTypeStreamEnd:
		return "STREAM_END"
	case FrameTypeAck:
		return "ACK"
	case FrameTypeErr:
		return "ERR"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", ft)
	}
}

// Action names the purpose of an INTENT frame
type Action string

const (
	// ActionMessage is the default AASB message action
	ActionMessage     Action = "aasb"
	ActionConfig      Action = "config"
	ActionFetch       Action = "fetch"
	ActionCancelFetch Action = "cancel_fetch"
	ActionPush        Action = "push"
)

func (a Action) valid() bool {
	switch a {
	case ActionMessage, ActionConfig, ActionFetch, ActionCancelFetch, ActionPush:
		return true
	}
	return false
}

// Mode tells whether an INTENT carries its message inline or by reference
type Mode uint8

const (
	ModeEmbedded Mode = 0
	ModeStreamed Mode = 1
)

func (m Mode) String() string {
	if m == ModeStreamed {
		return "streamed"
	}
	return "embedded"
}

// Direction of a fetch/push stream session
type Direction uint8

const (
	// DirectionFetch: the requester reads bytes supplied by the target
	DirectionFetch Direction = 1
	// DirectionPush: the requester writes bytes consumed by the target
	DirectionPush Direction = 2
)

func (d Direction) String() string {
	switch d {
	case DirectionFetch:
		return "fetch"
	case DirectionPush:
		return "push"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", d)
	}
}

// AckStateSuccess is the only acknowledgment state counted by the sender
const AckStateSuccess = "success"

// MessageId represents a unique message identifier (either UUID or uint64)
type MessageId struct {
	uuidBytes []byte
	uintValue *uint64
}

// NewMessageIdFromUint creates a MessageId from a uint64
func NewMessageIdFromUint(value uint64) MessageId {
	return MessageId{uintValue: &value}
}

// NewMessageIdRandom creates a random UUID-based MessageId
func NewMessageIdRandom() MessageId {
	id := uuid.New()
	bytes, _ := id.MarshalBinary()
	return MessageId{uuidBytes: bytes}
}

// IsUuid returns true if this is a UUID-based ID
func (m MessageId) IsUuid() bool {
	return m.uuidBytes != nil
}

// String returns the UUID text or the decimal uint value
func (m MessageId) String() string {
	if m.uuidBytes != nil {
		if id, err := uuid.FromBytes(m.uuidBytes); err == nil {
			return id.String()
		}
		return ""
	}
	if m.uintValue != nil {
		return fmt.Sprintf("%d", *m.uintValue)
	}
	return "0"
}

// Equals checks if two MessageIds are equal
func (m MessageId) Equals(other MessageId) bool {
	if m.uuidBytes != nil && other.uuidBytes != nil {
		return string(m.uuidBytes) == string(other.uuidBytes)
	}
	if m.uintValue != nil && other.uintValue != nil {
		return *m.uintValue == *other.uintValue
	}
	return false
}

// Frame is the transport-level container exchanged between processes.
// INTENT frames travel to a target's entry point; the other types travel
// over a pipe the far end opens back to an INTENT's reply address.
type Frame struct {
	Version    uint8
	FrameType  FrameType
	Id         MessageId              // Transfer id (INTENT), echoed on pipe frames
	Action     Action                 // INTENT purpose
	Mode       Mode                   // INTENT embedded/streamed discriminator
	Message    *string                // Embedded message text
	ResourceId *uint64                // Sender-assigned resource id (streamed send)
	StreamId   *string                // Fetch/push stream id
	ReplyTo    *string                // Callback address the far end opens a pipe to
	Direction  Direction              // OPEN direction for stream sessions
	Foreground bool                   // Target is a foreground-activating entry point
	Payload    []byte                 // CHUNK data
	ChunkIndex *uint64                // REQUIRED for CHUNK frames
	ChunkCount *uint64                // REQUIRED for STREAM_END frames
	Len        *uint64                // Total payload length (STREAM_END)
	Checksum   *uint64                // FNV-1a of Payload, REQUIRED for CHUNK frames
	State      *string                // ACK state
	Meta       map[string]interface{} // ERR code/message
}

func newFrame(frameType FrameType, id MessageId) *Frame {
	return &Frame{
		Version:   ProtocolVersion,
		FrameType: frameType,
		Id:        id,
	}
}

// NewEmbeddedIntent creates an INTENT carrying the whole message inline
func NewEmbeddedIntent(action Action, message string) *Frame {
	frame := newFrame(FrameTypeIntent, NewMessageIdRandom())
	frame.Action = action
	frame.Mode = ModeEmbedded
	frame.Message = &message
	return frame
}

// NewStreamedIntent creates an INTENT referencing a cached resource.
// The receiver opens a pipe to replyTo to read it.
func NewStreamedIntent(action Action, transferId MessageId, resourceId uint64, replyTo string) *Frame {
	frame := newFrame(FrameTypeIntent, transferId)
	frame.Action = action
	frame.Mode = ModeStreamed
	frame.ResourceId = &resourceId
	frame.ReplyTo = &replyTo
	return frame
}

// NewStreamIntent creates a fetch, cancel_fetch or push INTENT
func NewStreamIntent(action Action, streamId string, replyTo string) *Frame {
	frame := newFrame(FrameTypeIntent, NewMessageIdRandom())
	frame.Action = action
	frame.StreamId = &streamId
	if replyTo != "" {
		frame.ReplyTo = &replyTo
	}
	return frame
}

// NewOpenResource creates the OPEN frame requesting a cached resource
func NewOpenResource(id MessageId, resourceId uint64) *Frame {
	frame := newFrame(FrameTypeOpen, id)
	frame.ResourceId = &resourceId
	return frame
}

// NewOpenStream creates the OPEN frame announcing a ready fetch/push pipe
func NewOpenStream(id MessageId, streamId string, direction Direction) *Frame {
	frame := newFrame(FrameTypeOpen, id)
	frame.StreamId = &streamId
	frame.Direction = direction
	return frame
}

// NewChunk creates a CHUNK frame
func NewChunk(id MessageId, payload []byte, chunkIndex uint64, checksum uint64) *Frame {
	frame := newFrame(FrameTypeChunk, id)
	frame.Payload = payload
	frame.ChunkIndex = &chunkIndex
	frame.Checksum = &checksum
	return frame
}

// NewStreamEnd creates a STREAM_END frame closing a chunked payload
func NewStreamEnd(id MessageId, chunkCount uint64, length uint64) *Frame {
	frame := newFrame(FrameTypeStreamEnd, id)
	frame.ChunkCount = &chunkCount
	frame.Len = &length
	return frame
}

// NewAck creates an ACK frame for a fully read resource
func NewAck(id MessageId, resourceId uint64, state string) *Frame {
	frame := newFrame(FrameTypeAck, id)
	frame.ResourceId = &resourceId
	frame.State = &state
	return frame
}

// NewErr creates an ERR frame; code and message are stored in the Meta map
func NewErr(id MessageId, code string, message string) *Frame {
	frame := newFrame(FrameTypeErr, id)
	frame.Meta = map[string]interface{}{
		"code":    code,
		"message": message,
	}
	return frame
}

// ErrorCode gets error code from ERR frame meta
func (f *Frame) ErrorCode() string {
	if f.FrameType != FrameTypeErr || f.Meta == nil {
		return ""
	}
	if code, ok := f.Meta["code"].(string); ok {
		return code
	}
	return ""
}

// ErrorMessage gets error message from ERR frame meta
func (f *Frame) ErrorMessage() string {
	if f.FrameType != FrameTypeErr || f.Meta == nil {
		return ""
	}
	if msg, ok := f.Meta["message"].(string); ok {
		return msg
	}
	return ""
}

// EmbeddedMessage returns the inline message text, or "" if absent
func (f *Frame) EmbeddedMessage() string {
	if f.Message == nil {
		return ""
	}
	return *f.Message
}

// ComputeChecksum computes FNV-1a 64-bit hash of data
func ComputeChecksum(data []byte) uint64 {
	const fnvOffsetBasis = uint64(0xcbf29ce484222325)
	const fnvPrime = uint64(0x100000001b3)

	hash := fnvOffsetBasis
	for _, b := range data {
		hash ^= uint64(b)
		hash = hash * fnvPrime
	}
	return hash
}

// VerifyChunkChecksum verifies a CHUNK frame's checksum matches its payload.
func VerifyChunkChecksum(frame *Frame) error {
	if frame.Checksum == nil {
		return fmt.Errorf("CHUNK frame missing required checksum field")
	}
	expected := ComputeChecksum(frame.Payload)
	if *frame.Checksum != expected {
		return fmt.Errorf("CHUNK checksum mismatch: expected %d, got %d (payload %d bytes)", expected, *frame.Checksum, len(frame.Payload))
	}
	return nil
}
