package ipc

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type pairFixture struct {
	network  Network
	sender   *Sender
	receiver *Receiver
	events   chan Event
	target   Target
}

func startReceiver(t *testing.T, network Network, address string, events chan Event, opts ...Option) *Receiver {
	t.Helper()
	loop := startLoop(t)
	receiver, err := NewReceiver(loop, network, func(ctx context.Context, ev Event) {
		events <- ev
	}, opts...)
	require.NoError(t, err)

	l, err := receiver.Listen(address)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = receiver.Serve(ctx, l) }()
	t.Cleanup(func() {
		cancel()
		_ = receiver.Shutdown(context.Background())
	})
	return receiver
}

func newPair(t *testing.T, network Network, senderAddr, receiverAddr string, opts ...Option) *pairFixture {
	t.Helper()
	events := make(chan Event, 16)
	receiver := startReceiver(t, network, receiverAddr, events, opts...)

	loop := startLoop(t)
	sender, err := NewSender(loop, NewNetDispatcher(network), network, senderAddr, opts...)
	require.NoError(t, err)
	require.NoError(t, sender.Start())
	t.Cleanup(func() { _ = sender.Shutdown(context.Background()) })

	return &pairFixture{
		network:  network,
		sender:   sender,
		receiver: receiver,
		events:   events,
		target:   NewTarget(TargetReceiver, "com.example.app", "Receiver", receiverAddr),
	}
}

func nextEvent(t *testing.T, events <-chan Event) Event {
	t.Helper()
	select {
	case ev := <-events:
		return ev
	case <-time.After(5 * time.Second):
		t.Fatal("no event delivered")
		return Event{}
	}
}

func TestEndToEndEmbeddedMessage(t *testing.T) {
	p := newPair(t, NewMemNetwork(), "sender.reply", "receiver.entry")
	ctx := testContext(t)

	fut, err := p.sender.Send(ctx, "hello receiver", p.target)
	require.NoError(t, err)
	assert.Nil(t, fut)

	ev := nextEvent(t, p.events)
	assert.Equal(t, EventMessage, ev.Kind)
	assert.Equal(t, "hello receiver", ev.Message)
	assert.False(t, ev.Foreground)
}

func TestEndToEndStreamedConfig(t *testing.T) {
	p := newPair(t, NewMemNetwork(), "sender.reply", "receiver.entry")
	ctx := testContext(t)
	text := strings.Repeat("config-", 100_000)

	fut, err := p.sender.SendConfig(ctx, text, p.target)
	require.NoError(t, err)
	require.NotNil(t, fut)

	ev := nextEvent(t, p.events)
	assert.Equal(t, EventConfig, ev.Kind)
	assert.Equal(t, text, ev.Message)

	ok, err := fut.Wait(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Zero(t, p.sender.Cache().Len())
}

func TestEndToEndStreamedToTwoReceivers(t *testing.T) {
	network := NewMemNetwork()
	p := newPair(t, network, "sender.reply", "first.entry")
	secondEvents := make(chan Event, 4)
	startReceiver(t, network, "second.entry", secondEvents)
	ctx := testContext(t)

	text := strings.Repeat("z", 1_000_000)
	second := NewTarget(TargetReceiver, "com.example.other", "Receiver", "second.entry")
	fut, err := p.sender.Send(ctx, text, p.target, second)
	require.NoError(t, err)

	assert.Equal(t, text, nextEvent(t, p.events).Message)
	assert.Equal(t, text, nextEvent(t, secondEvents).Message)

	ok, err := fut.Wait(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestEndToEndActivityIsForeground(t *testing.T) {
	p := newPair(t, NewMemNetwork(), "sender.reply", "receiver.entry")
	activity := p.target
	activity.Kind = TargetActivity

	_, err := p.sender.Send(testContext(t), "wake up", activity)
	require.NoError(t, err)

	ev := nextEvent(t, p.events)
	assert.True(t, ev.Foreground)
}

func TestEndToEndFetch(t *testing.T) {
	p := newPair(t, NewMemNetwork(), "sender.reply", "receiver.entry")
	ctx := testContext(t)

	got := make(chan string, 1)
	require.NoError(t, p.sender.Fetch(ctx, "map-tile", func(_ context.Context, _ string, r io.ReadCloser) {
		go func() {
			defer r.Close()
			b, _ := io.ReadAll(r)
			got <- string(b)
		}()
	}, p.target))

	ev := nextEvent(t, p.events)
	require.Equal(t, EventFetch, ev.Kind)
	assert.Equal(t, "map-tile", ev.StreamID)
	require.NotNil(t, ev.Writer)
	assert.Nil(t, ev.Reader)
	go func() {
		defer ev.Writer.Close()
		_, _ = ev.Writer.Write([]byte("tile bytes"))
	}()

	select {
	case s := <-got:
		assert.Equal(t, "tile bytes", s)
	case <-ctx.Done():
		t.Fatal("fetched data never arrived")
	}
}

func TestEndToEndPush(t *testing.T) {
	p := newPair(t, NewMemNetwork(), "sender.reply", "receiver.entry")
	ctx := testContext(t)

	require.NoError(t, p.sender.Push(ctx, "audio", func(_ context.Context, _ string, w io.WriteCloser) {
		go func() {
			defer w.Close()
			_, _ = w.Write([]byte("pcm frames"))
		}()
	}, p.target))

	ev := nextEvent(t, p.events)
	require.Equal(t, EventPush, ev.Kind)
	require.NotNil(t, ev.Reader)
	defer ev.Reader.Close()

	b, err := io.ReadAll(ev.Reader)
	require.NoError(t, err)
	assert.Equal(t, "pcm frames", string(b))
}

func TestEndToEndCancelFetch(t *testing.T) {
	p := newPair(t, NewMemNetwork(), "sender.reply", "receiver.entry")

	require.NoError(t, p.sender.CancelFetch(testContext(t), "map-tile", p.target))

	ev := nextEvent(t, p.events)
	assert.Equal(t, EventCancelFetch, ev.Kind)
	assert.Equal(t, "map-tile", ev.StreamID)
}

func TestEndToEndOverUnixSockets(t *testing.T) {
	dir, err := os.MkdirTemp("", "aacs")
	require.NoError(t, err)
	t.Cleanup(func() { _ = os.RemoveAll(dir) })

	p := newPair(t, NewUnixNetwork(), filepath.Join(dir, "s.sock"), filepath.Join(dir, "r.sock"))
	ctx := testContext(t)

	_, err = p.sender.Send(ctx, "small", p.target)
	require.NoError(t, err)
	assert.Equal(t, "small", nextEvent(t, p.events).Message)

	text := strings.Repeat("u", 600_000)
	fut, err := p.sender.Send(ctx, text, p.target)
	require.NoError(t, err)
	assert.Equal(t, text, nextEvent(t, p.events).Message)

	ok, err := fut.Wait(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
}

func newBareReceiver(t *testing.T, consumer Consumer) *Receiver {
	t.Helper()
	receiver, err := NewReceiver(startLoop(t), NewMemNetwork(), consumer)
	require.NoError(t, err)
	return receiver
}

func TestHandleFrameCallsFinishOnce(t *testing.T) {
	events := make(chan Event, 1)
	receiver := newBareReceiver(t, func(_ context.Context, ev Event) { events <- ev })

	var finished atomic.Int32
	require.NoError(t, receiver.HandleFrame(NewEmbeddedIntent(ActionConfig, "{}"), func() { finished.Add(1) }))

	ev := nextEvent(t, events)
	assert.Equal(t, EventConfig, ev.Kind)
	require.Eventually(t, func() bool { return finished.Load() == 1 }, time.Second, time.Millisecond)
}

func TestHandleFrameRejectsNonIntent(t *testing.T) {
	receiver := newBareReceiver(t, func(context.Context, Event) {})

	var finished atomic.Int32
	err := receiver.HandleFrame(NewAck(NewMessageIdRandom(), 1, AckStateSuccess), func() { finished.Add(1) })
	assert.ErrorIs(t, err, ErrProtocol)
	assert.Equal(t, int32(1), finished.Load())

	err = receiver.HandleFrame(nil, nil)
	assert.ErrorIs(t, err, ErrProtocol)
}

func TestReceiverDropsIntentsAfterShutdown(t *testing.T) {
	var delivered atomic.Int32
	receiver := newBareReceiver(t, func(context.Context, Event) { delivered.Add(1) })

	assert.ErrorIs(t, receiver.Close(context.Background()), ErrWrongContext)
	assert.False(t, receiver.IsShutdown())

	require.NoError(t, receiver.Shutdown(testContext(t)))
	assert.True(t, receiver.IsShutdown())

	finished := make(chan struct{})
	require.NoError(t, receiver.HandleFrame(NewEmbeddedIntent(ActionMessage, "late"), func() { close(finished) }))
	select {
	case <-finished:
	case <-time.After(2 * time.Second):
		t.Fatal("finish not called for dropped intent")
	}
	assert.Zero(t, delivered.Load())

	_, err := receiver.Listen("after.shutdown")
	assert.ErrorIs(t, err, ErrClosed)
}

func TestReceiverSurvivesConsumerPanic(t *testing.T) {
	events := make(chan Event, 1)
	receiver := newBareReceiver(t, func(_ context.Context, ev Event) {
		if ev.Message == "boom" {
			panic("consumer failure")
		}
		events <- ev
	})

	require.NoError(t, receiver.HandleFrame(NewEmbeddedIntent(ActionMessage, "boom"), nil))
	require.NoError(t, receiver.HandleFrame(NewEmbeddedIntent(ActionMessage, "fine"), nil))
	assert.Equal(t, "fine", nextEvent(t, events).Message)
}

func TestStreamedIntentWithUnreachableSenderIsDropped(t *testing.T) {
	var delivered atomic.Int32
	receiver, err := NewReceiver(startLoop(t), NewMemNetwork(), func(context.Context, Event) { delivered.Add(1) },
		WithStreamTimeout(100*time.Millisecond))
	require.NoError(t, err)

	finished := make(chan struct{})
	frame := NewStreamedIntent(ActionMessage, NewMessageIdRandom(), 7, "nobody.listens")
	require.NoError(t, receiver.HandleFrame(frame, func() { close(finished) }))

	select {
	case <-finished:
	case <-time.After(2 * time.Second):
		t.Fatal("finish not called after pipe failure")
	}
	assert.Zero(t, delivered.Load())
}

func TestNewReceiverArguments(t *testing.T) {
	loop := startLoop(t)
	_, err := NewReceiver(nil, NewMemNetwork(), func(context.Context, Event) {})
	assert.ErrorIs(t, err, ErrArgument)
	_, err = NewReceiver(loop, nil, func(context.Context, Event) {})
	assert.ErrorIs(t, err, ErrArgument)
	_, err = NewReceiver(loop, NewMemNetwork(), nil)
	assert.ErrorIs(t, err, ErrArgument)
}
