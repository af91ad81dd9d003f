// Package tunnel relays hijacked WebSocket connections to the backend.
//
// A tunnel is a byte-exact relay: the upgrade request is replayed to the
// backend, the backend's handshake response is relayed to the client, and
// from then on bytes flow both ways unmodified. No WebSocket frames are
// parsed or rewritten.
package tunnel

import (
	"net"
	"sync"
	"sync/atomic"
	"time"
)

// State is the lifecycle state of a Tunnel. Transitions are one-way:
// Connecting → Open → Closed. Closed is terminal.
type State int32

const (
	StateConnecting State = iota
	StateOpen
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	default:
		return "closed"
	}
}

// Tunnel pairs a client socket with a backend socket for the lifetime of one
// accepted upgrade. It is owned by the manager goroutine serving it; other
// goroutines may only read its counters and state, or request closure.
type Tunnel struct {
	id        uint64
	path      string
	createdAt time.Time

	state          atomic.Int32
	bytesToBackend atomic.Int64
	bytesToClient  atomic.Int64

	mu      sync.Mutex // guards client and backend
	client  net.Conn
	backend net.Conn

	closeOnce sync.Once
}

func newTunnel(id uint64, path string, client net.Conn) *Tunnel {
	t := &Tunnel{
		id:        id,
		path:      path,
		createdAt: time.Now(),
		client:    client,
	}
	t.state.Store(int32(StateConnecting))
	return t
}

// State returns the tunnel's current lifecycle state.
func (t *Tunnel) State() State {
	return State(t.state.Load())
}

// Path returns the request path that opened the tunnel.
func (t *Tunnel) Path() string { return t.path }

// CreatedAt returns when the upgrade was accepted.
func (t *Tunnel) CreatedAt() time.Time { return t.createdAt }

// BytesToBackend returns the bytes relayed from client to backend so far.
func (t *Tunnel) BytesToBackend() int64 { return t.bytesToBackend.Load() }

// BytesToClient returns the bytes relayed from backend to client so far.
func (t *Tunnel) BytesToClient() int64 { return t.bytesToClient.Load() }

// setBackend attaches the dialed backend socket.
func (t *Tunnel) setBackend(conn net.Conn) {
	t.mu.Lock()
	t.backend = conn
	t.mu.Unlock()
}

// open marks the relay as active. Only valid from Connecting.
func (t *Tunnel) open() {
	t.state.CompareAndSwap(int32(StateConnecting), int32(StateOpen))
}

// close tears down both legs exactly once and moves the tunnel to Closed.
// Closing either socket unblocks any relay goroutine blocked on it, which
// is how a failure on one leg propagates to the other.
func (t *Tunnel) close() {
	t.closeOnce.Do(func() {
		t.state.Store(int32(StateClosed))
		t.mu.Lock()
		client, backend := t.client, t.backend
		t.mu.Unlock()
		if client != nil {
			_ = client.Close()
		}
		if backend != nil {
			_ = backend.Close()
		}
	})
}

// countingWriter adds every written byte to a tunnel counter, so status
// reporting sees live totals while a relay is running.
type countingWriter struct {
	w net.Conn
	n *atomic.Int64
}

func (cw *countingWriter) Write(p []byte) (int, error) {
	n, err := cw.w.Write(p)
	cw.n.Add(int64(n))
	return n, err
}
