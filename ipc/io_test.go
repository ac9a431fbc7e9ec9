package ipc

import (
	"bytes"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/fxamacker/cbor/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func roundtrip(t *testing.T, frame *Frame) *Frame {
	t.Helper()
	encoded, err := EncodeFrame(frame)
	require.NoError(t, err)
	decoded, err := DecodeFrame(encoded)
	require.NoError(t, err)
	return decoded
}

func TestEmbeddedIntentRoundtrip(t *testing.T) {
	original := NewEmbeddedIntent(ActionMessage, `{"header":{}}`)
	original.Foreground = true

	decoded := roundtrip(t, original)
	assert.Equal(t, FrameTypeIntent, decoded.FrameType)
	assert.Equal(t, ActionMessage, decoded.Action)
	assert.Equal(t, ModeEmbedded, decoded.Mode)
	assert.Equal(t, `{"header":{}}`, decoded.EmbeddedMessage())
	assert.True(t, decoded.Foreground)
	assert.True(t, original.Id.Equals(decoded.Id))
	assert.Nil(t, decoded.ResourceId)
}

func TestStreamedIntentRoundtrip(t *testing.T) {
	transfer := NewMessageIdRandom()
	decoded := roundtrip(t, NewStreamedIntent(ActionConfig, transfer, 42, "/tmp/aacs-reply.sock"))

	assert.Equal(t, ModeStreamed, decoded.Mode)
	assert.Equal(t, ActionConfig, decoded.Action)
	require.NotNil(t, decoded.ResourceId)
	assert.Equal(t, uint64(42), *decoded.ResourceId)
	require.NotNil(t, decoded.ReplyTo)
	assert.Equal(t, "/tmp/aacs-reply.sock", *decoded.ReplyTo)
	assert.True(t, transfer.Equals(decoded.Id))
	assert.Nil(t, decoded.Message)
}

func TestStreamIntentRoundtrip(t *testing.T) {
	decoded := roundtrip(t, NewStreamIntent(ActionFetch, "stream-7", "reply"))
	assert.Equal(t, ActionFetch, decoded.Action)
	require.NotNil(t, decoded.StreamId)
	assert.Equal(t, "stream-7", *decoded.StreamId)

	cancel := roundtrip(t, NewStreamIntent(ActionCancelFetch, "stream-7", ""))
	assert.Equal(t, ActionCancelFetch, cancel.Action)
	assert.Nil(t, cancel.ReplyTo)
}

func TestOpenAndAckRoundtrip(t *testing.T) {
	id := NewMessageIdRandom()

	open := roundtrip(t, NewOpenStream(id, "s", DirectionPush))
	assert.Equal(t, FrameTypeOpen, open.FrameType)
	assert.Equal(t, DirectionPush, open.Direction)

	ack := roundtrip(t, NewAck(id, 9, AckStateSuccess))
	require.NotNil(t, ack.ResourceId)
	require.NotNil(t, ack.State)
	assert.Equal(t, uint64(9), *ack.ResourceId)
	assert.Equal(t, AckStateSuccess, *ack.State)
}

func TestErrFrameRoundtrip(t *testing.T) {
	decoded := roundtrip(t, NewErr(NewMessageIdFromUint(3), "NOT_FOUND", "resource 3"))
	assert.Equal(t, "NOT_FOUND", decoded.ErrorCode())
	assert.Equal(t, "resource 3", decoded.ErrorMessage())
}

func TestDecodeRejectsInvalidIntents(t *testing.T) {
	tests := []struct {
		name  string
		frame func() *Frame
	}{
		{"unknown action", func() *Frame {
			f := NewEmbeddedIntent(ActionMessage, "x")
			f.Action = "bogus"
			return f
		}},
		{"embedded without message", func() *Frame {
			f := NewEmbeddedIntent(ActionMessage, "x")
			f.Message = nil
			return f
		}},
		{"streamed without reply_to", func() *Frame {
			f := NewStreamedIntent(ActionMessage, NewMessageIdRandom(), 1, "r")
			f.ReplyTo = nil
			return f
		}},
		{"fetch without stream_id", func() *Frame {
			f := NewStreamIntent(ActionFetch, "s", "r")
			f.StreamId = nil
			return f
		}},
		{"open stream without direction", func() *Frame {
			return NewOpenStream(NewMessageIdRandom(), "s", 0)
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			encoded, err := EncodeFrame(tt.frame())
			if err != nil {
				return
			}
			_, err = DecodeFrame(encoded)
			assert.Error(t, err)
		})
	}
}

func TestDecodeRejectsOutOfRangeIntegers(t *testing.T) {
	embedded := func() map[int]interface{} {
		return map[int]interface{}{
			keyVersion:   1,
			keyFrameType: 1,
			keyId:        7,
			keyAction:    "aasb",
			keyMode:      0,
			keyMessage:   "x",
		}
	}
	openStream := func() map[int]interface{} {
		return map[int]interface{}{
			keyVersion:   1,
			keyFrameType: 2,
			keyId:        7,
			keyStreamId:  "s",
			keyDirection: 1,
		}
	}

	tests := []struct {
		name  string
		base  func() map[int]interface{}
		key   int
		value uint64
	}{
		{"version wraps to 1", embedded, keyVersion, 257},
		{"frame_type wraps to INTENT", embedded, keyFrameType, 257},
		{"mode wraps to embedded", embedded, keyMode, 256},
		{"mode unknown", embedded, keyMode, 2},
		{"direction wraps to push", openStream, keyDirection, 258},
		{"direction zero", openStream, keyDirection, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			valid, err := cbor.Marshal(tt.base())
			require.NoError(t, err)
			_, err = DecodeFrame(valid)
			require.NoError(t, err)

			m := tt.base()
			m[tt.key] = tt.value
			data, err := cbor.Marshal(m)
			require.NoError(t, err)
			_, err = DecodeFrame(data)
			assert.Error(t, err)
		})
	}
}

func TestPayloadRoundtripAcrossChunks(t *testing.T) {
	var buf bytes.Buffer
	writer := NewFrameWriter(&buf)
	writer.SetLimits(Limits{MaxFrame: 8192, MaxChunk: 1000})

	payload := []byte(strings.Repeat("0123456789", 450))
	require.NoError(t, writer.WritePayload(NewMessageIdRandom(), payload))

	reader := NewFrameReader(&buf)
	got, err := reader.ReadPayload()
	require.NoError(t, err)
	assert.Equal(t, payload, got)
	assert.Zero(t, buf.Len(), "reader must consume exactly the payload frames")
}

func TestEmptyPayloadIsJustStreamEnd(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, NewFrameWriter(&buf).WritePayload(NewMessageIdRandom(), nil))

	frame, err := NewFrameReader(bytes.NewReader(buf.Bytes())).ReadFrame()
	require.NoError(t, err)
	assert.Equal(t, FrameTypeStreamEnd, frame.FrameType)
	assert.Equal(t, uint64(0), *frame.ChunkCount)

	got, err := NewFrameReader(&buf).ReadPayload()
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestReadPayloadRejectsCorruptChunk(t *testing.T) {
	var buf bytes.Buffer
	writer := NewFrameWriter(&buf)
	id := NewMessageIdRandom()

	chunk := NewChunk(id, []byte("hello"), 0, ComputeChecksum([]byte("hellO")))
	require.NoError(t, writer.WriteFrame(chunk))
	require.NoError(t, writer.WriteFrame(NewStreamEnd(id, 1, 5)))

	_, err := NewFrameReader(&buf).ReadPayload()
	assert.True(t, errors.Is(err, ErrProtocol))
}

func TestReadPayloadRejectsOutOfOrderChunk(t *testing.T) {
	var buf bytes.Buffer
	writer := NewFrameWriter(&buf)
	id := NewMessageIdRandom()

	require.NoError(t, writer.WriteFrame(NewChunk(id, []byte("b"), 1, ComputeChecksum([]byte("b")))))

	_, err := NewFrameReader(&buf).ReadPayload()
	assert.ErrorIs(t, err, ErrProtocol)
}

func TestReadPayloadRejectsShortStream(t *testing.T) {
	var buf bytes.Buffer
	writer := NewFrameWriter(&buf)
	id := NewMessageIdRandom()

	require.NoError(t, writer.WriteFrame(NewChunk(id, []byte("abc"), 0, ComputeChecksum([]byte("abc")))))
	require.NoError(t, writer.WriteFrame(NewStreamEnd(id, 2, 6)))

	_, err := NewFrameReader(&buf).ReadPayload()
	assert.ErrorIs(t, err, ErrProtocol)
}

func TestReadPayloadReportsPeerError(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, NewFrameWriter(&buf).WriteFrame(NewErr(NewMessageIdRandom(), "NOT_FOUND", "resource 5")))

	_, err := NewFrameReader(&buf).ReadPayload()
	require.ErrorIs(t, err, ErrProtocol)
	assert.Contains(t, err.Error(), "NOT_FOUND")
}

func TestReadPayloadTruncatedStream(t *testing.T) {
	var buf bytes.Buffer
	id := NewMessageIdRandom()
	require.NoError(t, NewFrameWriter(&buf).WriteFrame(NewChunk(id, []byte("abc"), 0, ComputeChecksum([]byte("abc")))))

	_, err := NewFrameReader(&buf).ReadPayload()
	assert.ErrorIs(t, err, io.EOF)
}

func TestReadFrameEnforcesMaxFrame(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, NewFrameWriter(&buf).WriteFrame(NewEmbeddedIntent(ActionMessage, strings.Repeat("x", 4096))))

	reader := NewFrameReader(&buf)
	reader.SetLimits(Limits{MaxFrame: 2048, MaxChunk: 512})
	_, err := reader.ReadFrame()
	assert.Error(t, err)
}

func TestReaderLeavesRawBytesAfterFrame(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, NewFrameWriter(&buf).WriteFrame(NewOpenStream(NewMessageIdRandom(), "s", DirectionFetch)))
	buf.WriteString("raw stream bytes")

	_, err := NewFrameReader(&buf).ReadFrame()
	require.NoError(t, err)

	rest, err := io.ReadAll(&buf)
	require.NoError(t, err)
	assert.Equal(t, "raw stream bytes", string(rest))
}

func TestLimitsNormalized(t *testing.T) {
	l := Limits{}.normalized()
	assert.Equal(t, DefaultLimits(), l)

	l = Limits{MaxFrame: MaxFrameHardLimit * 2, MaxChunk: MaxFrameHardLimit}.normalized()
	assert.Equal(t, MaxFrameHardLimit, l.MaxFrame)
	assert.Less(t, l.MaxChunk, l.MaxFrame)
}
