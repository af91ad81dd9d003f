package tunnel

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/bbengt1/live-object-ai-classifier-sub007/internal/config"
	"github.com/bbengt1/live-object-ai-classifier-sub007/internal/metrics"
)

// Stats is a snapshot of tunnel activity for status reporting.
type Stats struct {
	Open           int   `json:"open"`
	Total          int64 `json:"total"`
	BytesToBackend int64 `json:"bytes_to_backend"`
	BytesToClient  int64 `json:"bytes_to_client"`
}

// Manager owns every active Tunnel. Its configuration (backend target, dial
// timeout) is resolved once at construction and read-only after; the tunnel
// map is the only shared mutable state and is guarded by mu.
type Manager struct {
	backendAddr string // host:port to dial
	backendHost string // Host header for the replayed upgrade request
	backendTLS  bool
	dialTimeout time.Duration
	logger      *slog.Logger
	metrics     *metrics.Metrics

	mu      sync.Mutex
	nextID  uint64
	tunnels map[uint64]*Tunnel

	total                int64
	closedBytesToBackend int64
	closedBytesToClient  int64
}

// NewManager creates a Manager dialing the backend from cfg.Backend.BaseURL.
// The metrics parameter is optional; pass nil to disable tunnel metrics.
func NewManager(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) (*Manager, error) {
	u, err := url.Parse(cfg.Backend.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse backend base_url: %w", err)
	}

	useTLS := u.Scheme == "https" || u.Scheme == "wss"
	addr := u.Host
	if u.Port() == "" {
		if useTLS {
			addr = net.JoinHostPort(u.Hostname(), "443")
		} else {
			addr = net.JoinHostPort(u.Hostname(), "80")
		}
	}

	return &Manager{
		backendAddr: addr,
		backendHost: u.Host,
		backendTLS:  useTLS,
		dialTimeout: cfg.Backend.DialTimeout(),
		logger:      logger.With("component", "tunnel_manager"),
		metrics:     m,
		tunnels:     make(map[uint64]*Tunnel),
	}, nil
}

// Serve owns the hijacked client connection for the lifetime of one tunnel.
// It dials the backend, replays the upgrade request, relays the handshake
// response, then links the two sockets until either leg closes or errors.
// It blocks until the tunnel is closed; the caller runs it on the
// connection's own goroutine so one tunnel never stalls another.
//
// clientBuf must be the buffered reader returned by the hijack: bytes the
// client sent ahead of the handshake response may already sit in it.
func (mgr *Manager) Serve(clientConn net.Conn, clientBuf *bufio.Reader, req *http.Request) error {
	t := mgr.register(req.URL.Path, clientConn)
	defer mgr.unregister(t)

	logger := mgr.logger.With(
		"tunnel_id", t.id,
		"path", t.path,
		"backend", mgr.backendAddr,
	)

	backendConn, err := mgr.dial()
	if err != nil {
		mgr.countOutcome(metrics.TunnelOutcomeDialError)
		writeGatewayError(clientConn, err)
		t.close()
		logger.Error("backend dial failed", "err", err)
		return fmt.Errorf("dial backend %s: %w", mgr.backendAddr, err)
	}
	t.setBackend(backendConn)

	// The whole handshake must finish within the dial timeout so a stalled
	// backend cannot pin the upgrade.
	_ = backendConn.SetDeadline(time.Now().Add(mgr.dialTimeout))

	backendBuf := bufio.NewReader(backendConn)
	resp, err := mgr.handshake(backendConn, backendBuf, req)
	if err != nil {
		mgr.countOutcome(metrics.TunnelOutcomeHandshakeError)
		writeGatewayError(clientConn, err)
		t.close()
		logger.Error("backend handshake failed", "err", err)
		return fmt.Errorf("handshake with backend %s: %w", mgr.backendAddr, err)
	}

	// Relay the backend's handshake answer, accepted or not. On a refusal
	// there is nothing further to relay.
	if err := writeHandshakeResponse(clientConn, resp); err != nil {
		t.close()
		logger.Error("writing handshake response to client", "err", err)
		return fmt.Errorf("relay handshake response: %w", err)
	}
	if resp.StatusCode != http.StatusSwitchingProtocols {
		mgr.countOutcome(metrics.TunnelOutcomeRefused)
		t.close()
		logger.Warn("backend refused upgrade", "status", resp.StatusCode)
		return nil
	}

	_ = backendConn.SetDeadline(time.Time{})
	t.open()
	if mgr.metrics != nil {
		mgr.metrics.TunnelsOpen.Inc()
	}
	logger.Info("tunnel open")

	mgr.relay(t, clientConn, clientBuf, backendConn, backendBuf)

	if mgr.metrics != nil {
		mgr.metrics.TunnelsOpen.Dec()
		mgr.metrics.TunnelBytes.WithLabelValues(metrics.DirectionClientToBackend).Add(float64(t.BytesToBackend()))
		mgr.metrics.TunnelBytes.WithLabelValues(metrics.DirectionBackendToClient).Add(float64(t.BytesToClient()))
	}
	mgr.countOutcome(metrics.TunnelOutcomeClosed)
	logger.Info("tunnel closed",
		"duration_ms", time.Since(t.createdAt).Milliseconds(),
		"bytes_to_backend", t.BytesToBackend(),
		"bytes_to_client", t.BytesToClient(),
	)
	return nil
}

// dial opens the backend leg with a bounded timeout.
func (mgr *Manager) dial() (net.Conn, error) {
	if mgr.backendTLS {
		d := &net.Dialer{Timeout: mgr.dialTimeout}
		return tls.DialWithDialer(d, "tcp", mgr.backendAddr, nil)
	}
	return net.DialTimeout("tcp", mgr.backendAddr, mgr.dialTimeout)
}

// handshake replays the client's upgrade request on the backend leg and reads
// the backend's response. Leftover bytes past the response stay in backendBuf
// and belong to the relay.
func (mgr *Manager) handshake(backendConn net.Conn, backendBuf *bufio.Reader, req *http.Request) (*http.Response, error) {
	out := req.Clone(context.Background())
	out.URL = &url.URL{
		Scheme:   "http",
		Host:     mgr.backendHost,
		Path:     req.URL.Path,
		RawQuery: req.URL.RawQuery,
	}
	out.Host = mgr.backendHost
	out.RequestURI = ""
	out.Body = http.NoBody

	if out.Header.Get("Origin") != "" {
		scheme := "http"
		if mgr.backendTLS {
			scheme = "https"
		}
		out.Header.Set("Origin", scheme+"://"+mgr.backendHost)
	}
	if clientIP, _, err := net.SplitHostPort(req.RemoteAddr); err == nil {
		if prior := req.Header.Get("X-Forwarded-For"); prior != "" {
			clientIP = prior + ", " + clientIP
		}
		out.Header.Set("X-Forwarded-For", clientIP)
	}
	out.Header.Set("X-Forwarded-Proto", "https")

	if err := out.Write(backendConn); err != nil {
		return nil, fmt.Errorf("replay upgrade request: %w", err)
	}

	resp, err := http.ReadResponse(backendBuf, out)
	if err != nil {
		return nil, fmt.Errorf("read upgrade response: %w", err)
	}
	return resp, nil
}

// relay copies bytes both ways until either leg fails, then closes both.
// Each direction runs on its own goroutine; a write blocked on a slow peer
// stalls only that goroutine. Within one direction, order is preserved by
// the single sequential copy.
func (mgr *Manager) relay(t *Tunnel, clientConn net.Conn, clientBuf *bufio.Reader, backendConn net.Conn, backendBuf *bufio.Reader) {
	done := make(chan struct{}, 2)

	go func() {
		_, _ = io.Copy(&countingWriter{w: backendConn, n: &t.bytesToBackend}, clientBuf)
		done <- struct{}{}
	}()
	go func() {
		_, _ = io.Copy(&countingWriter{w: clientConn, n: &t.bytesToClient}, backendBuf)
		done <- struct{}{}
	}()

	// First leg down wins; closing both sockets unblocks the second copy.
	<-done
	t.close()
	<-done
}

func (mgr *Manager) register(path string, clientConn net.Conn) *Tunnel {
	mgr.mu.Lock()
	defer mgr.mu.Unlock()
	mgr.nextID++
	mgr.total++
	t := newTunnel(mgr.nextID, path, clientConn)
	mgr.tunnels[t.id] = t
	return t
}

func (mgr *Manager) unregister(t *Tunnel) {
	mgr.mu.Lock()
	defer mgr.mu.Unlock()
	delete(mgr.tunnels, t.id)
	mgr.closedBytesToBackend += t.BytesToBackend()
	mgr.closedBytesToClient += t.BytesToClient()
}

func (mgr *Manager) countOutcome(outcome string) {
	if mgr.metrics != nil {
		mgr.metrics.TunnelsTotal.WithLabelValues(outcome).Inc()
	}
}

// Stats returns a snapshot of tunnel activity, including bytes relayed by
// tunnels that have already closed.
func (mgr *Manager) Stats() Stats {
	mgr.mu.Lock()
	defer mgr.mu.Unlock()
	s := Stats{
		Open:           len(mgr.tunnels),
		Total:          mgr.total,
		BytesToBackend: mgr.closedBytesToBackend,
		BytesToClient:  mgr.closedBytesToClient,
	}
	for _, t := range mgr.tunnels {
		s.BytesToBackend += t.BytesToBackend()
		s.BytesToClient += t.BytesToClient()
	}
	return s
}

// Close tears down every active tunnel. Used on shutdown; hijacked
// connections are invisible to the HTTP server's own drain.
func (mgr *Manager) Close() {
	mgr.mu.Lock()
	active := make([]*Tunnel, 0, len(mgr.tunnels))
	for _, t := range mgr.tunnels {
		active = append(active, t)
	}
	mgr.mu.Unlock()
	for _, t := range active {
		t.close()
	}
}

// writeHandshakeResponse relays the backend's handshake answer to the client
// as status line, headers and body. Response.Write is avoided on purpose: it
// re-derives framing headers, and a 101 must reach the client byte-faithful
// with whatever the backend sent.
func writeHandshakeResponse(conn net.Conn, resp *http.Response) error {
	if _, err := fmt.Fprintf(conn, "HTTP/1.1 %s\r\n", resp.Status); err != nil {
		return err
	}
	if err := resp.Header.Write(conn); err != nil {
		return err
	}
	if _, err := io.WriteString(conn, "\r\n"); err != nil {
		return err
	}
	if resp.Body != nil && resp.Body != http.NoBody {
		defer func() { _ = resp.Body.Close() }()
		if _, err := io.Copy(conn, resp.Body); err != nil {
			return err
		}
	}
	return nil
}

// writeGatewayError answers a failed upgrade attempt on the raw socket. The
// connection is already hijacked, so the response is written by hand.
func writeGatewayError(conn net.Conn, err error) {
	status := http.StatusBadGateway
	var nerr net.Error
	if errors.As(err, &nerr) && nerr.Timeout() {
		status = http.StatusGatewayTimeout
	}
	fmt.Fprintf(conn, "HTTP/1.1 %d %s\r\nContent-Length: 0\r\nConnection: close\r\n\r\n",
		status, http.StatusText(status))
}
