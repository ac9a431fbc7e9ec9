package ipc

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/alexa/alexa-auto-sdk-sub003/envelope"
)

// Sender originates messages and byte streams to targets.
//
// Small messages travel inline in the INTENT frame. Larger ones are parked
// in the resource cache and each target opens a pipe back to the sender's
// reply address to read them; the returned Future resolves once every
// target has read and acknowledged the payload.
type Sender struct {
	cfg        config
	loop       *Loop
	dispatcher Dispatcher
	network    Network
	replyAddr  string
	cache      *ResourceCache
	pool       *Pool
	fetches    *streamRegistry[FetchFunc]
	pushes     *streamRegistry[PushFunc]
	log        *zap.Logger

	mu        sync.Mutex
	listener  net.Listener
	closed    bool
	transfers map[string]uint64 // transfer id -> resource id, until the target opens its pipe
	timers    map[uint64]*time.Timer
}

// NewSender creates a sender bound to loop. replyAddress is where targets
// open pipes back to this sender; call Start to listen on it.
func NewSender(loop *Loop, dispatcher Dispatcher, network Network, replyAddress string, opts ...Option) (*Sender, error) {
	if loop == nil {
		return nil, newError(KindArgument, "loop is required")
	}
	if dispatcher == nil {
		return nil, newError(KindArgument, "dispatcher is required")
	}
	if network == nil {
		return nil, newError(KindArgument, "network is required")
	}
	if replyAddress == "" {
		return nil, newError(KindArgument, "reply address is required")
	}

	cfg := buildConfig(opts)
	s := &Sender{
		cfg:        cfg,
		loop:       loop,
		dispatcher: dispatcher,
		network:    network,
		replyAddr:  replyAddress,
		cache:      NewResourceCache(cfg.cacheCapacity, cfg.cachePolicy),
		pool:       NewPool(cfg.poolSize),
		fetches:    newStreamRegistry[FetchFunc](),
		pushes:     newStreamRegistry[PushFunc](),
		log:        cfg.logger.Named("sender"),
		transfers:  make(map[string]uint64),
		timers:     make(map[uint64]*time.Timer),
	}
	s.cache.OnEvict(s.forget)
	return s, nil
}

// Start listens on the reply address
func (s *Sender) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return newError(KindClosed, "sender is shut down")
	}
	if s.listener != nil {
		return nil
	}
	l, err := s.network.Listen(s.replyAddr)
	if err != nil {
		return wrapError(KindPipe, fmt.Sprintf("listen on %s", s.replyAddr), err)
	}
	s.listener = l
	go s.acceptLoop(l)
	return nil
}

// ReplyAddress returns the address targets open pipes to
func (s *Sender) ReplyAddress() string { return s.replyAddr }

// Cache exposes the resource cache backing streamed sends
func (s *Sender) Cache() *ResourceCache { return s.cache }

// WillFitEmbedded reports whether text can be sent inline
func (s *Sender) WillFitEmbedded(text string) bool {
	return len(text) <= s.cfg.embeddedLimit
}

// Send sends text to every target with the default message action.
// Embedded sends return a nil Future.
func (s *Sender) Send(ctx context.Context, text string, targets ...Target) (*Future, error) {
	return s.send(ctx, ActionMessage, text, targets)
}

// SendConfig sends a configuration message to every target
func (s *Sender) SendConfig(ctx context.Context, text string, targets ...Target) (*Future, error) {
	return s.send(ctx, ActionConfig, text, targets)
}

// SendEnvelope encodes env and sends it to every target
func (s *Sender) SendEnvelope(ctx context.Context, env envelope.Envelope, targets ...Target) (*Future, error) {
	text, err := envelope.Encode(env)
	if err != nil {
		return nil, err
	}
	return s.send(ctx, ActionMessage, text, targets)
}

func (s *Sender) send(ctx context.Context, action Action, text string, targets []Target) (*Future, error) {
	if text == "" {
		return nil, newError(KindArgument, "message is empty")
	}
	if !utf8.ValidString(text) {
		return nil, newError(KindArgument, "message is not valid UTF-8")
	}
	if err := validateTargets(targets); err != nil {
		return nil, err
	}
	if s.isClosed() {
		return nil, newError(KindClosed, "sender is shut down")
	}

	if s.WillFitEmbedded(text) {
		for _, target := range targets {
			frame := NewEmbeddedIntent(action, text)
			if err := s.dispatcher.Dispatch(ctx, target, frame); err != nil {
				s.log.Warn("embedded dispatch failed", zap.Stringer("target", target), zap.Error(err))
			}
		}
		return nil, nil
	}

	if !s.isListening() {
		return nil, newError(KindClosed, "sender not started; streamed sends need the reply address")
	}

	resourceID, future, err := s.cache.Put(ctx, []byte(text), len(targets))
	if err != nil {
		return nil, err
	}
	s.armTimeout(resourceID)

	s.log.Debug("streaming message",
		zap.Uint64("resource_id", resourceID),
		zap.Int("bytes", len(text)),
		zap.Int("targets", len(targets)))

	for _, target := range targets {
		transfer := NewMessageIdRandom()
		s.mu.Lock()
		if !s.cache.contains(resourceID) {
			// evicted or expired while dispatching
			s.mu.Unlock()
			break
		}
		s.transfers[transfer.String()] = resourceID
		s.mu.Unlock()

		frame := NewStreamedIntent(action, transfer, resourceID, s.replyAddr)
		if err := s.dispatcher.Dispatch(ctx, target, frame); err != nil {
			s.mu.Lock()
			delete(s.transfers, transfer.String())
			s.mu.Unlock()
			s.log.Warn("streamed dispatch failed; target will not acknowledge",
				zap.Stringer("target", target),
				zap.Uint64("resource_id", resourceID),
				zap.Error(err))
		}
	}
	return future, nil
}

// NewStreamID generates an opaque stream id for Fetch and Push
func NewStreamID() string {
	return uuid.NewString()
}

// Fetch asks target to supply a byte stream. cb runs once on the home
// loop with the readable end when the target's pipe is ready; it must
// hand the reader off rather than block the loop.
func (s *Sender) Fetch(ctx context.Context, streamID string, cb FetchFunc, target Target) error {
	if streamID == "" {
		return newError(KindArgument, "stream id is empty")
	}
	if cb == nil {
		return newError(KindArgument, "fetch callback is nil")
	}
	if err := s.checkStreamReady(target); err != nil {
		return err
	}

	s.fetches.put(streamID, cb)
	if err := s.dispatcher.Dispatch(ctx, target, NewStreamIntent(ActionFetch, streamID, s.replyAddr)); err != nil {
		s.fetches.take(streamID)
		s.log.Warn("fetch dispatch failed", zap.String("stream_id", streamID), zap.Stringer("target", target), zap.Error(err))
	}
	return nil
}

// CancelFetch tells target that streamID is no longer wanted and drops
// the local registration. Delivery of the notice is best effort.
func (s *Sender) CancelFetch(ctx context.Context, streamID string, target Target) error {
	if streamID == "" {
		return newError(KindArgument, "stream id is empty")
	}
	if err := target.validate(); err != nil {
		return err
	}

	s.fetches.take(streamID)
	if err := s.dispatcher.Dispatch(ctx, target, NewStreamIntent(ActionCancelFetch, streamID, "")); err != nil {
		s.log.Warn("cancel_fetch dispatch failed", zap.String("stream_id", streamID), zap.Stringer("target", target), zap.Error(err))
	}
	return nil
}

// Push offers a byte stream to target. cb runs once on the home loop
// with the writable end when the target is ready to receive.
func (s *Sender) Push(ctx context.Context, streamID string, cb PushFunc, target Target) error {
	if streamID == "" {
		return newError(KindArgument, "stream id is empty")
	}
	if cb == nil {
		return newError(KindArgument, "push callback is nil")
	}
	if err := s.checkStreamReady(target); err != nil {
		return err
	}

	s.pushes.put(streamID, cb)
	if err := s.dispatcher.Dispatch(ctx, target, NewStreamIntent(ActionPush, streamID, s.replyAddr)); err != nil {
		s.pushes.take(streamID)
		s.log.Warn("push dispatch failed", zap.String("stream_id", streamID), zap.Stringer("target", target), zap.Error(err))
	}
	return nil
}

func (s *Sender) checkStreamReady(target Target) error {
	if err := target.validate(); err != nil {
		return err
	}
	if s.isClosed() {
		return newError(KindClosed, "sender is shut down")
	}
	if !s.isListening() {
		return newError(KindClosed, "sender not started; streams need the reply address")
	}
	return nil
}

// Close stops the sender. It must run on the home loop (ctx from a loop
// task); otherwise it fails with ErrWrongContext and does nothing.
// In-flight pipe writers finish; pending futures resolve with ErrClosed.
func (s *Sender) Close(ctx context.Context) error {
	if !s.loop.Owns(ctx) {
		return newError(KindWrongContext, "Sender.Close")
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	l := s.listener
	for id, t := range s.timers {
		t.Stop()
		delete(s.timers, id)
	}
	s.transfers = make(map[string]uint64)
	s.mu.Unlock()

	if l != nil {
		_ = l.Close()
	}
	s.pool.Close()
	s.cache.Clear(newError(KindClosed, "sender shut down"))
	s.fetches.clear()
	s.pushes.clear()
	s.log.Debug("sender closed")
	return nil
}

// Shutdown runs Close on the home loop and waits for it
func (s *Sender) Shutdown(ctx context.Context) error {
	return s.loop.Call(ctx, s.Close)
}

func (s *Sender) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Sender) isListening() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listener != nil
}

func (s *Sender) armTimeout(resourceID uint64) {
	if s.cfg.streamTimeout <= 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.cache.contains(resourceID) {
		return
	}
	// the callback takes s.mu, so it cannot run before the timer is stored
	s.timers[resourceID] = time.AfterFunc(s.cfg.streamTimeout, func() {
		s.mu.Lock()
		delete(s.timers, resourceID)
		s.mu.Unlock()
		expired := s.cache.Expire(resourceID, newError(KindTimeout, fmt.Sprintf("resource %d not acknowledged within %s", resourceID, s.cfg.streamTimeout)))
		s.dropTransfers(resourceID)
		if expired {
			s.log.Warn("streamed send timed out", zap.Uint64("resource_id", resourceID))
		}
	})
}

func (s *Sender) disarmTimeout(resourceID uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.timers[resourceID]; ok {
		t.Stop()
		delete(s.timers, resourceID)
	}
}

// forget releases the timer and transfer ids of an evicted resource
func (s *Sender) forget(resourceID uint64) {
	s.disarmTimeout(resourceID)
	s.dropTransfers(resourceID)
	s.log.Debug("resource evicted", zap.Uint64("resource_id", resourceID))
}

func (s *Sender) dropTransfers(resourceID uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, v := range s.transfers {
		if v == resourceID {
			delete(s.transfers, k)
		}
	}
}

// claimTransfer consumes a transfer id so each target is counted at most once
func (s *Sender) claimTransfer(transfer MessageId, resourceID uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := transfer.String()
	id, ok := s.transfers[key]
	if !ok || id != resourceID {
		return false
	}
	delete(s.transfers, key)
	return true
}

func (s *Sender) acceptLoop(l net.Listener) {
	for {
		conn, err := l.Accept()
		if err != nil {
			if !s.isClosed() && !isClosedConn(err) {
				s.log.Error("accept on reply address failed", zap.String("address", s.replyAddr), zap.Error(err))
			}
			return
		}
		if err := s.pool.Go(func() { s.handlePipe(conn) }); err != nil {
			_ = conn.Close()
		}
	}
}

// handlePipe runs on the worker pool for every pipe a target opens
func (s *Sender) handlePipe(conn net.Conn) {
	if s.cfg.streamTimeout > 0 {
		_ = conn.SetDeadline(time.Now().Add(s.cfg.streamTimeout))
	}

	reader := NewFrameReader(conn)
	writer := NewFrameWriter(conn)
	reader.SetLimits(s.cfg.limits)
	writer.SetLimits(s.cfg.limits)

	open, err := reader.ReadFrame()
	if err != nil {
		s.log.Warn("pipe closed before OPEN", zap.Error(err))
		_ = conn.Close()
		return
	}
	if open.FrameType != FrameTypeOpen {
		s.log.Warn("expected OPEN on pipe", zap.Stringer("frame_type", open.FrameType))
		_ = writer.WriteFrame(NewErr(open.Id, "PROTOCOL", "expected OPEN"))
		_ = conn.Close()
		return
	}

	if open.ResourceId != nil {
		defer conn.Close()
		s.serveResource(reader, writer, open)
		return
	}

	_ = conn.SetDeadline(time.Time{})
	s.deliverStream(conn, *open.StreamId, open.Direction)
}

// serveResource writes a cached payload to the pipe and counts the acknowledgment
func (s *Sender) serveResource(reader *FrameReader, writer *FrameWriter, open *Frame) {
	resourceID := *open.ResourceId
	log := s.log.With(zap.Uint64("resource_id", resourceID), zap.Stringer("transfer_id", open.Id))

	if !s.claimTransfer(open.Id, resourceID) {
		log.Warn("pipe opened for unknown or already claimed transfer")
		_ = writer.WriteFrame(NewErr(open.Id, "NOT_FOUND", fmt.Sprintf("no pending transfer for resource %d", resourceID)))
		return
	}

	entry, err := s.cache.Get(resourceID)
	if err != nil {
		log.Warn("pipe opened for unknown resource", zap.Error(err))
		_ = writer.WriteFrame(NewErr(open.Id, "NOT_FOUND", err.Error()))
		return
	}

	if err := writer.WritePayload(open.Id, entry.Payload); err != nil {
		log.Error("writing resource failed", zap.Error(wrapError(KindPipe, "write payload", err)))
		return
	}

	ack, err := reader.ReadFrame()
	if err != nil {
		log.Error("reading acknowledgment failed", zap.Error(wrapError(KindPipe, "read ack", err)))
		return
	}
	if ack.FrameType != FrameTypeAck || ack.ResourceId == nil || *ack.ResourceId != resourceID ||
		ack.State == nil || *ack.State != AckStateSuccess {
		log.Warn("malformed acknowledgment; target not counted", zap.Stringer("frame_type", ack.FrameType))
		return
	}

	remaining, err := s.cache.Acknowledge(resourceID)
	if err != nil {
		log.Warn("acknowledgment for expired resource", zap.Error(err))
		return
	}
	if remaining == 0 {
		s.disarmTimeout(resourceID)
		log.Debug("all targets acknowledged")
	}
}

// deliverStream hands a ready fetch/push pipe to its registered callback on the home loop
func (s *Sender) deliverStream(conn net.Conn, streamID string, direction Direction) {
	posted := s.loop.Post(func(ctx context.Context) {
		if s.isClosed() {
			_ = conn.Close()
			return
		}
		switch direction {
		case DirectionFetch:
			cb, ok := s.fetches.take(streamID)
			if !ok {
				s.log.Warn("fetch pipe ready", zap.String("stream_id", streamID), zap.Error(newError(KindMissingCallback, "fetch "+streamID)))
				_ = conn.Close()
				return
			}
			cb(ctx, streamID, readEnd{conn: conn})
		case DirectionPush:
			cb, ok := s.pushes.take(streamID)
			if !ok {
				s.log.Warn("push pipe ready", zap.String("stream_id", streamID), zap.Error(newError(KindMissingCallback, "push "+streamID)))
				_ = conn.Close()
				return
			}
			cb(ctx, streamID, writeEnd{conn: conn})
		default:
			_ = conn.Close()
		}
	})
	if !posted {
		_ = conn.Close()
	}
}

func validateTargets(targets []Target) error {
	if len(targets) == 0 {
		return newError(KindArgument, "at least one target is required")
	}
	for _, t := range targets {
		if err := t.validate(); err != nil {
			return err
		}
	}
	return nil
}
