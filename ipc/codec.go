package ipc

import (
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// CBOR map keys
const (
	keyVersion    = 0
	keyFrameType  = 1
	keyId         = 2  // bytes[16] or uint
	keyAction     = 3  // tstr, INTENT only
	keyMode       = 4  // uint, INTENT only
	keyMessage    = 5  // tstr, embedded message text
	keyResourceId = 6  // uint
	keyStreamId   = 7  // tstr
	keyReplyTo    = 8  // tstr
	keyDirection  = 9  // uint, OPEN for stream sessions
	keyForeground = 10 // bool
	keyPayload    = 11 // bstr
	keyChunkIndex = 12 // uint, REQUIRED for CHUNK
	keyChunkCount = 13 // uint, REQUIRED for STREAM_END
	keyLen        = 14 // uint
	keyChecksum   = 15 // uint, REQUIRED for CHUNK
	keyState      = 16 // tstr, ACK
	keyMeta       = 17 // map, ERR
)

// EncodeFrame encodes a Frame to CBOR bytes using integer keys
func EncodeFrame(frame *Frame) ([]byte, error) {
	m := make(map[int]interface{})

	m[keyVersion] = ProtocolVersion
	m[keyFrameType] = uint8(frame.FrameType)

	if frame.Id.IsUuid() {
		m[keyId] = frame.Id.uuidBytes
	} else if frame.Id.uintValue != nil {
		m[keyId] = *frame.Id.uintValue
	} else {
		m[keyId] = uint64(0)
	}

	if frame.Action != "" {
		m[keyAction] = string(frame.Action)
	}
	if frame.FrameType == FrameTypeIntent {
		m[keyMode] = uint8(frame.Mode)
	}
	if frame.Message != nil {
		m[keyMessage] = *frame.Message
	}
	if frame.ResourceId != nil {
		m[keyResourceId] = *frame.ResourceId
	}
	if frame.StreamId != nil {
		m[keyStreamId] = *frame.StreamId
	}
	if frame.ReplyTo != nil && *frame.ReplyTo != "" {
		m[keyReplyTo] = *frame.ReplyTo
	}
	if frame.Direction != 0 {
		m[keyDirection] = uint8(frame.Direction)
	}
	if frame.Foreground {
		m[keyForeground] = true
	}
	if frame.Payload != nil {
		m[keyPayload] = frame.Payload
	}
	if frame.ChunkIndex != nil {
		m[keyChunkIndex] = *frame.ChunkIndex
	}
	if frame.ChunkCount != nil {
		m[keyChunkCount] = *frame.ChunkCount
	}
	if frame.Len != nil {
		m[keyLen] = *frame.Len
	}
	if frame.Checksum != nil {
		m[keyChecksum] = *frame.Checksum
	}
	if frame.State != nil {
		m[keyState] = *frame.State
	}
	if len(frame.Meta) > 0 {
		m[keyMeta] = frame.Meta
	}

	return cbor.Marshal(m)
}

// DecodeFrame decodes CBOR bytes to a Frame and validates required fields
func DecodeFrame(data []byte) (*Frame, error) {
	var m map[int]interface{}
	if err := cbor.Unmarshal(data, &m); err != nil {
		return nil, err
	}

	frame := &Frame{}

	verVal, ok := m[keyVersion]
	if !ok {
		return nil, errors.New("missing version (key 0)")
	}
	ver, ok := verVal.(uint64)
	if !ok {
		return nil, errors.New("version must be uint")
	}
	if ver != uint64(ProtocolVersion) {
		return nil, fmt.Errorf("invalid version %d, expected %d", ver, ProtocolVersion)
	}
	frame.Version = ProtocolVersion

	ftVal, ok := m[keyFrameType]
	if !ok {
		return nil, errors.New("missing frame_type (key 1)")
	}
	ft, ok := ftVal.(uint64)
	if !ok {
		return nil, errors.New("frame_type must be uint")
	}
	if ft < uint64(FrameTypeIntent) || ft > uint64(FrameTypeErr) {
		return nil, fmt.Errorf("invalid frame_type %d", ft)
	}
	frame.FrameType = FrameType(ft)

	idVal, ok := m[keyId]
	if !ok {
		return nil, errors.New("missing id (key 2)")
	}
	switch v := idVal.(type) {
	case []byte:
		if len(v) != 16 {
			return nil, errors.New("UUID id must be 16 bytes")
		}
		frame.Id = MessageId{uuidBytes: v}
	case uint64:
		frame.Id = NewMessageIdFromUint(v)
	default:
		return nil, errors.New("id must be bytes[16] or uint")
	}

	if s, ok := m[keyAction].(string); ok {
		frame.Action = Action(s)
	}
	if v, ok := m[keyMode].(uint64); ok {
		if v > uint64(ModeStreamed) {
			return nil, fmt.Errorf("invalid mode %d", v)
		}
		frame.Mode = Mode(v)
	}
	if s, ok := m[keyMessage].(string); ok {
		frame.Message = &s
	}
	frame.ResourceId = uintField(m, keyResourceId)
	if s, ok := m[keyStreamId].(string); ok {
		frame.StreamId = &s
	}
	if s, ok := m[keyReplyTo].(string); ok {
		frame.ReplyTo = &s
	}
	if v, ok := m[keyDirection].(uint64); ok {
		if v < uint64(DirectionFetch) || v > uint64(DirectionPush) {
			return nil, fmt.Errorf("invalid direction %d", v)
		}
		frame.Direction = Direction(v)
	}
	if b, ok := m[keyForeground].(bool); ok {
		frame.Foreground = b
	}
	if p, ok := m[keyPayload].([]byte); ok {
		frame.Payload = p
	}
	frame.ChunkIndex = uintField(m, keyChunkIndex)
	frame.ChunkCount = uintField(m, keyChunkCount)
	frame.Len = uintField(m, keyLen)
	frame.Checksum = uintField(m, keyChecksum)
	if s, ok := m[keyState].(string); ok {
		frame.State = &s
	}
	if metaVal, ok := m[keyMeta]; ok {
		if meta, ok := metaVal.(map[interface{}]interface{}); ok {
			frame.Meta = make(map[string]interface{})
			for k, v := range meta {
				if ks, ok := k.(string); ok {
					frame.Meta[ks] = v
				}
			}
		}
	}

	if err := validateFrame(frame); err != nil {
		return nil, err
	}
	return frame, nil
}

// uintField extracts an unsigned integer, handling CBOR type variance
func uintField(m map[int]interface{}, key int) *uint64 {
	v, ok := m[key]
	if !ok {
		return nil
	}
	var u uint64
	switch n := v.(type) {
	case uint64:
		u = n
	case int64:
		if n < 0 {
			return nil
		}
		u = uint64(n)
	default:
		return nil
	}
	return &u
}

func validateFrame(frame *Frame) error {
	switch frame.FrameType {
	case FrameTypeIntent:
		if !frame.Action.valid() {
			return fmt.Errorf("INTENT frame has unknown action %q", frame.Action)
		}
		switch frame.Action {
		case ActionMessage, ActionConfig:
			if frame.Mode == ModeEmbedded && frame.Message == nil {
				return errors.New("embedded INTENT frame missing required field: message")
			}
			if frame.Mode == ModeStreamed && (frame.ResourceId == nil || frame.ReplyTo == nil) {
				return errors.New("streamed INTENT frame requires resource_id and reply_to")
			}
		case ActionFetch, ActionPush:
			if frame.StreamId == nil || frame.ReplyTo == nil {
				return fmt.Errorf("%s INTENT frame requires stream_id and reply_to", frame.Action)
			}
		case ActionCancelFetch:
			if frame.StreamId == nil {
				return errors.New("cancel_fetch INTENT frame requires stream_id")
			}
		}
	case FrameTypeOpen:
		if frame.ResourceId == nil && frame.StreamId == nil {
			return errors.New("OPEN frame requires resource_id or stream_id")
		}
		if frame.StreamId != nil && frame.Direction != DirectionFetch && frame.Direction != DirectionPush {
			return errors.New("OPEN frame for a stream requires a direction")
		}
	case FrameTypeChunk:
		if frame.ChunkIndex == nil {
			return errors.New("CHUNK frame missing required field: chunk_index")
		}
		if frame.Checksum == nil {
			return errors.New("CHUNK frame missing required field: checksum")
		}
	case FrameTypeStreamEnd:
		if frame.ChunkCount == nil {
			return errors.New("STREAM_END frame missing required field: chunk_count")
		}
	}
	return nil
}
