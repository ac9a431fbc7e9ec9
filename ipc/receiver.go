package ipc

import (
	"context"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// EventKind classifies what a Receiver delivers to its consumer
type EventKind int

const (
	EventMessage EventKind = iota + 1
	EventConfig
	EventFetch
	EventCancelFetch
	EventPush
)

func (k EventKind) String() string {
	switch k {
	case EventMessage:
		return "message"
	case EventConfig:
		return "config"
	case EventFetch:
		return "fetch"
	case EventCancelFetch:
		return "cancel_fetch"
	case EventPush:
		return "push"
	default:
		return fmt.Sprintf("unknown(%d)", int(k))
	}
}

// Event is one inbound delivery. Which fields are set depends on Kind:
// Message for EventMessage and EventConfig, StreamID for the stream
// kinds, Writer for EventFetch and Reader for EventPush. The consumer
// owns Reader/Writer and must close them.
type Event struct {
	Kind       EventKind
	Message    string
	StreamID   string
	Reader     io.ReadCloser
	Writer     io.WriteCloser
	Foreground bool
}

// Consumer handles events on the home loop
type Consumer func(ctx context.Context, ev Event)

// Receiver accepts INTENT frames, resolves streamed payloads and stream
// pipes off the home loop, and delivers results to the consumer on it.
type Receiver struct {
	cfg      config
	loop     *Loop
	network  Network
	consumer Consumer
	pool     *Pool
	log      *zap.Logger

	shutdown atomic.Bool

	mu        sync.Mutex
	listeners []net.Listener
}

// NewReceiver creates a receiver delivering to consumer on loop
func NewReceiver(loop *Loop, network Network, consumer Consumer, opts ...Option) (*Receiver, error) {
	if loop == nil {
		return nil, newError(KindArgument, "loop is required")
	}
	if network == nil {
		return nil, newError(KindArgument, "network is required")
	}
	if consumer == nil {
		return nil, newError(KindArgument, "consumer is required")
	}

	cfg := buildConfig(opts)
	return &Receiver{
		cfg:      cfg,
		loop:     loop,
		network:  network,
		consumer: consumer,
		pool:     NewPool(cfg.poolSize),
		log:      cfg.logger.Named("receiver"),
	}, nil
}

// Listen opens the receiver's entry point at address
func (r *Receiver) Listen(address string) (net.Listener, error) {
	if r.shutdown.Load() {
		return nil, newError(KindClosed, "receiver is shut down")
	}
	l, err := r.network.Listen(address)
	if err != nil {
		return nil, wrapError(KindPipe, fmt.Sprintf("listen on %s", address), err)
	}
	r.mu.Lock()
	r.listeners = append(r.listeners, l)
	r.mu.Unlock()
	return l, nil
}

// Serve accepts intents on l until ctx is done or the receiver shuts down
func (r *Receiver) Serve(ctx context.Context, l net.Listener) error {
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			_ = l.Close()
		case <-stop:
		}
	}()

	for {
		conn, err := l.Accept()
		if err != nil {
			if ctx.Err() != nil || r.shutdown.Load() || isClosedConn(err) {
				return nil
			}
			return wrapError(KindPipe, "accept intent", err)
		}
		go r.readIntent(conn)
	}
}

// ListenAndServe is Listen followed by Serve
func (r *Receiver) ListenAndServe(ctx context.Context, address string) error {
	l, err := r.Listen(address)
	if err != nil {
		return err
	}
	return r.Serve(ctx, l)
}

func (r *Receiver) readIntent(conn net.Conn) {
	if r.cfg.streamTimeout > 0 {
		_ = conn.SetReadDeadline(time.Now().Add(r.cfg.streamTimeout))
	}
	reader := NewFrameReader(conn)
	reader.SetLimits(r.cfg.limits)

	frame, err := reader.ReadFrame()
	if err != nil {
		if err != io.EOF {
			r.log.Warn("unreadable intent", zap.Error(err))
		}
		_ = conn.Close()
		return
	}

	finish := func() { _ = conn.Close() }
	if err := r.HandleFrame(frame, finish); err != nil {
		r.log.Warn("intent rejected", zap.Error(err))
	}
}

// HandleFrame accepts one inbound INTENT. finish is called exactly once
// when the receiver is done with the frame, whatever the outcome.
func (r *Receiver) HandleFrame(frame *Frame, finish func()) error {
	if finish == nil {
		finish = func() {}
	}
	if frame == nil || frame.FrameType != FrameTypeIntent {
		finish()
		return newError(KindProtocol, "expected INTENT frame")
	}
	if !frame.Action.valid() {
		finish()
		return newError(KindProtocol, fmt.Sprintf("unknown action %q", frame.Action))
	}

	if !r.loop.Post(func(ctx context.Context) { r.demux(ctx, frame, finish) }) {
		finish()
		return newError(KindClosed, "receiver loop stopped")
	}
	return nil
}

// demux runs on the home loop
func (r *Receiver) demux(ctx context.Context, frame *Frame, finish func()) {
	if r.shutdown.Load() {
		r.log.Debug("dropping intent after shutdown", zap.String("action", string(frame.Action)))
		finish()
		return
	}

	switch frame.Action {
	case ActionMessage, ActionConfig:
		kind := EventMessage
		if frame.Action == ActionConfig {
			kind = EventConfig
		}
		if frame.Mode == ModeEmbedded {
			r.deliver(ctx, Event{Kind: kind, Message: frame.EmbeddedMessage(), Foreground: frame.Foreground})
			finish()
			return
		}
		r.offload(finish, func() { r.readStreamed(frame, kind, finish) })

	case ActionFetch:
		r.offload(finish, func() { r.acceptStream(frame, DirectionFetch, finish) })

	case ActionPush:
		r.offload(finish, func() { r.acceptStream(frame, DirectionPush, finish) })

	case ActionCancelFetch:
		r.deliver(ctx, Event{Kind: EventCancelFetch, StreamID: derefString(frame.StreamId), Foreground: frame.Foreground})
		finish()
	}
}

func (r *Receiver) offload(finish func(), fn func()) {
	if err := r.pool.Go(fn); err != nil {
		r.log.Debug("worker pool closed; dropping intent", zap.Error(err))
		finish()
	}
}

// readStreamed runs on the worker pool
func (r *Receiver) readStreamed(frame *Frame, kind EventKind, finish func()) {
	ctx, cancel := r.ioContext()
	payload, err := readResource(ctx, r.network, r.cfg.limits, frame)
	cancel()
	if err != nil {
		r.log.Error("reading streamed message failed",
			zap.Uint64("resource_id", derefUint(frame.ResourceId)),
			zap.Error(err))
		finish()
		return
	}

	posted := r.loop.Post(func(ctx context.Context) {
		defer finish()
		if r.shutdown.Load() {
			r.log.Debug("dropping streamed message after shutdown", zap.Uint64("resource_id", derefUint(frame.ResourceId)))
			return
		}
		r.deliver(ctx, Event{Kind: kind, Message: string(payload), Foreground: frame.Foreground})
	})
	if !posted {
		finish()
	}
}

// acceptStream runs on the worker pool. For a fetch the consumer gets the
// writable end and supplies the data; for a push it gets the readable end.
func (r *Receiver) acceptStream(frame *Frame, direction Direction, finish func()) {
	streamID := derefString(frame.StreamId)
	ctx, cancel := r.ioContext()
	conn, err := openStream(ctx, r.network, r.cfg.limits, frame, direction)
	cancel()
	if err != nil {
		r.log.Error("opening stream pipe failed", zap.String("stream_id", streamID), zap.Stringer("direction", direction), zap.Error(err))
		finish()
		return
	}

	posted := r.loop.Post(func(ctx context.Context) {
		defer finish()
		if r.shutdown.Load() {
			_ = conn.Close()
			return
		}
		ev := Event{StreamID: streamID, Foreground: frame.Foreground}
		if direction == DirectionFetch {
			ev.Kind = EventFetch
			ev.Writer = writeEnd{conn: conn}
		} else {
			ev.Kind = EventPush
			ev.Reader = readEnd{conn: conn}
		}
		r.deliver(ctx, ev)
	})
	if !posted {
		_ = conn.Close()
		finish()
	}
}

func (r *Receiver) deliver(ctx context.Context, ev Event) {
	defer func() {
		if p := recover(); p != nil {
			r.log.Error("consumer panicked", zap.Stringer("event", ev.Kind), zap.Any("panic", p))
		}
	}()
	r.consumer(ctx, ev)
}

func (r *Receiver) ioContext() (context.Context, context.CancelFunc) {
	if r.cfg.streamTimeout > 0 {
		return context.WithTimeout(context.Background(), r.cfg.streamTimeout)
	}
	return context.WithCancel(context.Background())
}

// IsShutdown reports whether Close has run
func (r *Receiver) IsShutdown() bool {
	return r.shutdown.Load()
}

// Close marks the receiver shut down and stops accepting intents.
// It must run on the home loop; payloads still being read are dropped.
func (r *Receiver) Close(ctx context.Context) error {
	if !r.loop.Owns(ctx) {
		return newError(KindWrongContext, "Receiver.Close")
	}
	if r.shutdown.Swap(true) {
		return nil
	}

	r.mu.Lock()
	listeners := r.listeners
	r.listeners = nil
	r.mu.Unlock()
	for _, l := range listeners {
		_ = l.Close()
	}
	r.pool.Close()
	r.log.Debug("receiver closed")
	return nil
}

// Shutdown runs Close on the home loop and waits for it
func (r *Receiver) Shutdown(ctx context.Context) error {
	return r.loop.Call(ctx, r.Close)
}

func derefString(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func derefUint(v *uint64) uint64 {
	if v == nil {
		return 0
	}
	return *v
}
