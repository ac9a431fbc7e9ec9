package ipc

import (
	"context"
	"fmt"
	"time"
)

// Dispatcher delivers one INTENT frame to a target's entry point.
// It is the OS-level send primitive: one call per target per message.
type Dispatcher interface {
	Dispatch(ctx context.Context, target Target, frame *Frame) error
}

// NetDispatcher dispatches frames by dialing the target's address on a Network
type NetDispatcher struct {
	network         Network
	limits          Limits
	serviceAttempts int
	serviceBackoff  time.Duration
}

// NewNetDispatcher creates a dispatcher over network.
// Service targets are retried a few times since a supervised
// background process may still be starting.
func NewNetDispatcher(network Network) *NetDispatcher {
	return &NetDispatcher{
		network:         network,
		limits:          DefaultLimits(),
		serviceAttempts: 5,
		serviceBackoff:  50 * time.Millisecond,
	}
}

// SetLimits updates the frame limits used for writing
func (d *NetDispatcher) SetLimits(limits Limits) {
	d.limits = limits.normalized()
}

// SetServiceRetry configures dial attempts and initial backoff for service targets
func (d *NetDispatcher) SetServiceRetry(attempts int, backoff time.Duration) {
	if attempts < 1 {
		attempts = 1
	}
	d.serviceAttempts = attempts
	d.serviceBackoff = backoff
}

// Dispatch writes frame to the target. Activity targets, and service
// targets asking for it, are flagged foreground.
func (d *NetDispatcher) Dispatch(ctx context.Context, target Target, frame *Frame) error {
	if err := target.validate(); err != nil {
		return err
	}

	out := *frame
	out.Foreground = target.Kind == TargetActivity || (target.Kind == TargetService && target.Foreground)

	attempts := 1
	if target.Kind == TargetService {
		attempts = d.serviceAttempts
	}

	backoff := d.serviceBackoff
	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return wrapError(KindPipe, fmt.Sprintf("dispatch to %s", target), ctx.Err())
			}
			backoff *= 2
		}

		conn, err := d.network.Dial(ctx, target.Address)
		if err != nil {
			lastErr = err
			continue
		}

		writer := NewFrameWriter(conn)
		writer.SetLimits(d.limits)
		err = writer.WriteFrame(&out)
		_ = conn.Close()
		if err != nil {
			return wrapError(KindPipe, fmt.Sprintf("write to %s", target), err)
		}
		return nil
	}
	return wrapError(KindPipe, fmt.Sprintf("dial %s after %d attempt(s)", target, attempts), lastErr)
}
