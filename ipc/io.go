package ipc

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
)

// FrameReader reads length-prefixed CBOR frames from a stream.
// It never reads past the end of a frame, so raw bytes following a
// frame remain available on the underlying reader.
type FrameReader struct {
	reader io.Reader
	limits Limits
}

// NewFrameReader creates a new FrameReader
func NewFrameReader(r io.Reader) *FrameReader {
	return &FrameReader{
		reader: r,
		limits: DefaultLimits(),
	}
}

// SetLimits updates the reader's limits
func (fr *FrameReader) SetLimits(limits Limits) {
	fr.limits = limits.normalized()
}

// ReadFrame reads a single frame from the stream
func (fr *FrameReader) ReadFrame() (*Frame, error) {
	var lengthBuf [4]byte
	if _, err := io.ReadFull(fr.reader, lengthBuf[:]); err != nil {
		return nil, err
	}

	length := binary.BigEndian.Uint32(lengthBuf[:])

	if int(length) > fr.limits.MaxFrame {
		return nil, fmt.Errorf("frame size %d exceeds max_frame limit %d", length, fr.limits.MaxFrame)
	}
	if int(length) > MaxFrameHardLimit {
		return nil, fmt.Errorf("frame size %d exceeds hard limit %d", length, MaxFrameHardLimit)
	}

	frameBuf := make([]byte, length)
	if _, err := io.ReadFull(fr.reader, frameBuf); err != nil {
		return nil, err
	}

	return DecodeFrame(frameBuf)
}

// FrameWriter writes length-prefixed CBOR frames to a stream
type FrameWriter struct {
	writer io.Writer
	limits Limits
}

// NewFrameWriter creates a new FrameWriter
func NewFrameWriter(w io.Writer) *FrameWriter {
	return &FrameWriter{
		writer: w,
		limits: DefaultLimits(),
	}
}

// SetLimits updates the writer's limits
func (fw *FrameWriter) SetLimits(limits Limits) {
	fw.limits = limits.normalized()
}

// WriteFrame writes a single frame to the stream
func (fw *FrameWriter) WriteFrame(frame *Frame) error {
	frameBuf, err := EncodeFrame(frame)
	if err != nil {
		return err
	}

	if len(frameBuf) > fw.limits.MaxFrame {
		return fmt.Errorf("encoded frame size %d exceeds max_frame limit %d", len(frameBuf), fw.limits.MaxFrame)
	}
	if len(frameBuf) > MaxFrameHardLimit {
		return fmt.Errorf("encoded frame size %d exceeds hard limit %d", len(frameBuf), MaxFrameHardLimit)
	}

	// prefix and body in one write so a frame is never interleaved on a shared conn
	out := make([]byte, 4+len(frameBuf))
	binary.BigEndian.PutUint32(out[:4], uint32(len(frameBuf)))
	copy(out[4:], frameBuf)
	_, err = fw.writer.Write(out)
	return err
}

// WritePayload writes payload as CHUNK frames of at most MaxChunk bytes
// followed by a STREAM_END frame carrying the chunk count and total length.
func (fw *FrameWriter) WritePayload(id MessageId, payload []byte) error {
	chunkIndex := uint64(0)
	offset := 0
	for offset < len(payload) {
		chunkSize := min(len(payload)-offset, fw.limits.MaxChunk)
		chunkData := payload[offset : offset+chunkSize]

		frame := NewChunk(id, chunkData, chunkIndex, ComputeChecksum(chunkData))
		if err := fw.WriteFrame(frame); err != nil {
			return err
		}

		offset += chunkSize
		chunkIndex++
	}

	return fw.WriteFrame(NewStreamEnd(id, chunkIndex, uint64(len(payload))))
}

// ReadPayload reassembles a payload written by WritePayload.
// An ERR frame from the peer is returned as a protocol error.
func (fr *FrameReader) ReadPayload() ([]byte, error) {
	var buf bytes.Buffer
	expected := uint64(0)
	for {
		frame, err := fr.ReadFrame()
		if err != nil {
			return nil, err
		}

		switch frame.FrameType {
		case FrameTypeChunk:
			if *frame.ChunkIndex != expected {
				return nil, newError(KindProtocol, fmt.Sprintf("chunk index %d out of order, expected %d", *frame.ChunkIndex, expected))
			}
			if err := VerifyChunkChecksum(frame); err != nil {
				return nil, wrapError(KindProtocol, "corrupt chunk", err)
			}
			buf.Write(frame.Payload)
			expected++

		case FrameTypeStreamEnd:
			if *frame.ChunkCount != expected {
				return nil, newError(KindProtocol, fmt.Sprintf("STREAM_END chunk_count %d, received %d chunks", *frame.ChunkCount, expected))
			}
			if frame.Len != nil && *frame.Len != uint64(buf.Len()) {
				return nil, newError(KindProtocol, fmt.Sprintf("STREAM_END len %d, received %d bytes", *frame.Len, buf.Len()))
			}
			return buf.Bytes(), nil

		case FrameTypeErr:
			return nil, newError(KindProtocol, fmt.Sprintf("peer error [%s] %s", frame.ErrorCode(), frame.ErrorMessage()))

		default:
			return nil, newError(KindProtocol, fmt.Sprintf("unexpected %s frame in payload stream", frame.FrameType))
		}
	}
}
