package ipc

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
)

// Network opens listeners for entry points and reply addresses, and
// dials them. A dialed connection is the pipe between two processes.
type Network interface {
	Listen(address string) (net.Listener, error)
	Dial(ctx context.Context, address string) (net.Conn, error)
}

// UnixNetwork connects processes over unix domain sockets
type UnixNetwork struct {
	dialer net.Dialer
}

// NewUnixNetwork creates a unix socket network
func NewUnixNetwork() *UnixNetwork {
	return &UnixNetwork{}
}

// Listen removes a stale socket file at address and listens on it
func (n *UnixNetwork) Listen(address string) (net.Listener, error) {
	if _, err := os.Stat(address); err == nil {
		if err := os.Remove(address); err != nil {
			return nil, fmt.Errorf("remove stale socket %s: %w", address, err)
		}
	}
	return net.Listen("unix", address)
}

// Dial connects to the socket at address
func (n *UnixNetwork) Dial(ctx context.Context, address string) (net.Conn, error) {
	return n.dialer.DialContext(ctx, "unix", address)
}

// MemNetwork is an in-process network using net.Pipe. Useful for tests
// and for components sharing one process.
type MemNetwork struct {
	mu        sync.Mutex
	listeners map[string]*memListener
}

// NewMemNetwork creates an empty in-process network
func NewMemNetwork() *MemNetwork {
	return &MemNetwork{listeners: make(map[string]*memListener)}
}

// Listen registers a listener under address
func (n *MemNetwork) Listen(address string) (net.Listener, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, ok := n.listeners[address]; ok {
		return nil, fmt.Errorf("mem: listener %q already exists", address)
	}
	l := &memListener{
		network: n,
		name:    address,
		newCh:   make(chan net.Conn),
		closeCh: make(chan struct{}),
	}
	n.listeners[address] = l
	return l, nil
}

// Dial connects to the listener registered under address.
// It blocks until the listener accepts or ctx is done.
func (n *MemNetwork) Dial(ctx context.Context, address string) (net.Conn, error) {
	n.mu.Lock()
	l := n.listeners[address]
	n.mu.Unlock()
	if l == nil {
		return nil, fmt.Errorf("mem: no listener at %q", address)
	}

	client, server := net.Pipe()
	select {
	case l.newCh <- server:
		return client, nil
	case <-l.closeCh:
		_ = client.Close()
		_ = server.Close()
		return nil, fmt.Errorf("mem: listener %q closed", address)
	case <-ctx.Done():
		_ = client.Close()
		_ = server.Close()
		return nil, ctx.Err()
	}
}

func (n *MemNetwork) remove(address string, l *memListener) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.listeners[address] == l {
		delete(n.listeners, address)
	}
}

type memListener struct {
	network   *MemNetwork
	name      string
	newCh     chan net.Conn
	closeCh   chan struct{}
	closeOnce sync.Once
}

func (l *memListener) Accept() (net.Conn, error) {
	select {
	case <-l.closeCh:
		return nil, net.ErrClosed
	case c := <-l.newCh:
		return c, nil
	}
}

func (l *memListener) Close() error {
	l.closeOnce.Do(func() {
		close(l.closeCh)
		l.network.remove(l.name, l)
	})
	return nil
}

func (l *memListener) Addr() net.Addr { return memAddr(l.name) }

type memAddr string

func (a memAddr) Network() string { return "mem" }
func (a memAddr) String() string  { return string(a) }

// isClosedConn reports errors that mean the peer or listener went away
func isClosedConn(err error) bool {
	return errors.Is(err, net.ErrClosed)
}
