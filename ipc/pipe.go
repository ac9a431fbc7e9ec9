package ipc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"time"
)

// readEnd exposes only the readable half of a pipe connection
type readEnd struct {
	conn net.Conn
}

func (r readEnd) Read(p []byte) (int, error) { return r.conn.Read(p) }
func (r readEnd) Close() error               { return r.conn.Close() }

// writeEnd exposes only the writable half of a pipe connection
type writeEnd struct {
	conn net.Conn
}

func (w writeEnd) Write(p []byte) (int, error) { return w.conn.Write(p) }
func (w writeEnd) Close() error                { return w.conn.Close() }

var (
	_ io.ReadCloser  = readEnd{}
	_ io.WriteCloser = writeEnd{}
)

// dialPipe opens a pipe to a reply address, bounded by ctx's deadline
func dialPipe(ctx context.Context, network Network, replyTo string) (net.Conn, error) {
	conn, err := network.Dial(ctx, replyTo)
	if err != nil {
		return nil, wrapError(KindPipe, fmt.Sprintf("open pipe to %s", replyTo), err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	return conn, nil
}

// readResource opens a pipe to the intent's reply address, drains the
// referenced resource and acknowledges it over the same pipe.
func readResource(ctx context.Context, network Network, limits Limits, intent *Frame) ([]byte, error) {
	if intent.ResourceId == nil || intent.ReplyTo == nil {
		return nil, newError(KindProtocol, "streamed intent without resource_id or reply_to")
	}
	resourceID := *intent.ResourceId

	conn, err := dialPipe(ctx, network, *intent.ReplyTo)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	reader := NewFrameReader(conn)
	writer := NewFrameWriter(conn)
	reader.SetLimits(limits)
	writer.SetLimits(limits)

	if err := writer.WriteFrame(NewOpenResource(intent.Id, resourceID)); err != nil {
		return nil, wrapError(KindPipe, fmt.Sprintf("request resource %d", resourceID), err)
	}

	payload, err := reader.ReadPayload()
	if err != nil {
		var ipcErr *Error
		if errors.As(err, &ipcErr) {
			return nil, err
		}
		return nil, wrapError(KindPipe, fmt.Sprintf("read resource %d", resourceID), err)
	}

	if err := writer.WriteFrame(NewAck(intent.Id, resourceID, AckStateSuccess)); err != nil {
		return nil, wrapError(KindPipe, fmt.Sprintf("acknowledge resource %d", resourceID), err)
	}
	return payload, nil
}

// openStream opens a pipe to the intent's reply address and announces
// it as ready for the given direction. The caller owns the returned conn.
func openStream(ctx context.Context, network Network, limits Limits, intent *Frame, direction Direction) (net.Conn, error) {
	if intent.StreamId == nil || intent.ReplyTo == nil {
		return nil, newError(KindProtocol, fmt.Sprintf("%s intent without stream_id or reply_to", direction))
	}

	conn, err := dialPipe(ctx, network, *intent.ReplyTo)
	if err != nil {
		return nil, err
	}

	writer := NewFrameWriter(conn)
	writer.SetLimits(limits)
	if err := writer.WriteFrame(NewOpenStream(intent.Id, *intent.StreamId, direction)); err != nil {
		_ = conn.Close()
		return nil, wrapError(KindPipe, fmt.Sprintf("announce %s stream %s", direction, *intent.StreamId), err)
	}
	// the stream outlives the setup deadline
	_ = conn.SetDeadline(time.Time{})
	return conn, nil
}
