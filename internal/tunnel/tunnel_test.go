package tunnel

import (
	"bufio"
	"bytes"
	"crypto/rand"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/bbengt1/live-object-ai-classifier-sub007/internal/config"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestManager(t *testing.T, baseURL string, dialTimeoutSeconds int) *Manager {
	t.Helper()
	cfg := &config.Config{
		Backend: config.BackendConfig{
			BaseURL:            baseURL,
			DialTimeoutSeconds: dialTimeoutSeconds,
		},
	}
	mgr, err := NewManager(cfg, testLogger(), nil)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	return mgr
}

// upgradeRequest builds a WebSocket upgrade request for the given path.
func upgradeRequest(path string) *http.Request {
	req := httptest.NewRequest(http.MethodGet, "http://gateway.local"+path, http.NoBody)
	req.Header.Set("Connection", "Upgrade")
	req.Header.Set("Upgrade", "websocket")
	req.Header.Set("Sec-WebSocket-Key", "dGhlIHNhbXBsZSBub25jZQ==")
	req.Header.Set("Sec-WebSocket-Version", "13")
	req.RemoteAddr = "192.0.2.1:40000"
	return req
}

// startEchoBackend runs a TCP server that accepts upgrade requests with a
// 101 and then echoes every byte back. The returned channel receives one
// value per finished connection.
func startEchoBackend(t *testing.T) (string, <-chan struct{}) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { _ = ln.Close() })

	finished := make(chan struct{}, 64)
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				defer func() {
					_ = c.Close()
					finished <- struct{}{}
				}()
				br := bufio.NewReader(c)
				if _, err := http.ReadRequest(br); err != nil {
					return
				}
				_, _ = io.WriteString(c, "HTTP/1.1 101 Switching Protocols\r\nUpgrade: websocket\r\nConnection: Upgrade\r\n\r\n")
				_, _ = io.Copy(c, br)
			}(conn)
		}
	}()
	return ln.Addr().String(), finished
}

// serveAsync runs mgr.Serve on its own goroutine, mirroring how the upgrade
// router invokes it, and returns the test-side end of the client socket.
func serveAsync(mgr *Manager, path string) (net.Conn, <-chan error) {
	gwEnd, testEnd := net.Pipe()
	done := make(chan error, 1)
	go func() {
		done <- mgr.Serve(gwEnd, bufio.NewReader(gwEnd), upgradeRequest(path))
	}()
	return testEnd, done
}

func TestServe_RoundTripBytesExact(t *testing.T) {
	addr, _ := startEchoBackend(t)
	mgr := newTestManager(t, "http://"+addr, 5)

	client, done := serveAsync(mgr, "/live/front_door")
	defer client.Close()

	br := bufio.NewReader(client)
	resp, err := http.ReadResponse(br, nil)
	if err != nil {
		t.Fatalf("read handshake response: %v", err)
	}
	if resp.StatusCode != http.StatusSwitchingProtocols {
		t.Fatalf("handshake status = %d, want %d", resp.StatusCode, http.StatusSwitchingProtocols)
	}

	// Arbitrary bytes, including values that look like frame headers; the
	// relay must pass them through untouched and in order.
	payload := make([]byte, 16*1024)
	if _, err := rand.Read(payload); err != nil {
		t.Fatalf("rand: %v", err)
	}

	go func() {
		_, _ = client.Write(payload)
	}()

	echoed := make([]byte, len(payload))
	if _, err := io.ReadFull(br, echoed); err != nil {
		t.Fatalf("read echoed payload: %v", err)
	}
	if !bytes.Equal(payload, echoed) {
		t.Error("echoed payload differs from sent payload")
	}

	_ = client.Close()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Serve() error = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after client close")
	}

	stats := mgr.Stats()
	if stats.Open != 0 {
		t.Errorf("Stats().Open = %d, want 0", stats.Open)
	}
	if stats.BytesToBackend != int64(len(payload)) {
		t.Errorf("Stats().BytesToBackend = %d, want %d", stats.BytesToBackend, len(payload))
	}
	if stats.BytesToClient != int64(len(payload)) {
		t.Errorf("Stats().BytesToClient = %d, want %d", stats.BytesToClient, len(payload))
	}
}

func TestServe_ClientCloseClosesBackend(t *testing.T) {
	addr, finished := startEchoBackend(t)
	mgr := newTestManager(t, "http://"+addr, 5)

	client, done := serveAsync(mgr, "/ws")

	br := bufio.NewReader(client)
	resp, err := http.ReadResponse(br, nil)
	if err != nil {
		t.Fatalf("read handshake response: %v", err)
	}
	if resp.StatusCode != http.StatusSwitchingProtocols {
		t.Fatalf("handshake status = %d, want %d", resp.StatusCode, http.StatusSwitchingProtocols)
	}
	if got := mgr.Stats().Open; got != 1 {
		t.Fatalf("Stats().Open = %d, want 1", got)
	}

	_ = client.Close()

	// The backend leg must be torn down promptly after the client leg drops.
	select {
	case <-finished:
	case <-time.After(5 * time.Second):
		t.Fatal("backend connection not closed after client close")
	}
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after client close")
	}
	if got := mgr.Stats().Open; got != 0 {
		t.Errorf("Stats().Open = %d, want 0", got)
	}
}

func TestServe_BackendUnreachable(t *testing.T) {
	mgr := newTestManager(t, "http://127.0.0.1:1", 1)

	client, done := serveAsync(mgr, "/live/front_door")
	defer client.Close()

	resp, err := http.ReadResponse(bufio.NewReader(client), nil)
	if err != nil {
		t.Fatalf("read error response: %v", err)
	}
	if resp.StatusCode != http.StatusBadGateway && resp.StatusCode != http.StatusGatewayTimeout {
		t.Errorf("status = %d, want 502 or 504", resp.StatusCode)
	}

	select {
	case err := <-done:
		if err == nil {
			t.Error("Serve() expected error for unreachable backend, got nil")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return")
	}

	// A failed dial must leave no tunnel record behind.
	if got := mgr.Stats().Open; got != 0 {
		t.Errorf("Stats().Open = %d, want 0", got)
	}
}

func TestServe_HandshakeTimeout(t *testing.T) {
	// A backend that accepts the connection but never answers the upgrade.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { _ = ln.Close() })
	var (
		mu   sync.Mutex
		held []net.Conn
	)
	t.Cleanup(func() {
		mu.Lock()
		defer mu.Unlock()
		for _, c := range held {
			_ = c.Close()
		}
	})
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			mu.Lock()
			held = append(held, conn)
			mu.Unlock()
		}
	}()

	mgr := newTestManager(t, "http://"+ln.Addr().String(), 1)

	client, done := serveAsync(mgr, "/ws")
	defer client.Close()

	resp, err := http.ReadResponse(bufio.NewReader(client), nil)
	if err != nil {
		t.Fatalf("read error response: %v", err)
	}
	if resp.StatusCode != http.StatusGatewayTimeout {
		t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusGatewayTimeout)
	}

	select {
	case err := <-done:
		if err == nil {
			t.Error("Serve() expected error for stalled handshake, got nil")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return; handshake timeout not applied")
	}
	if got := mgr.Stats().Open; got != 0 {
		t.Errorf("Stats().Open = %d, want 0", got)
	}
}

func TestServe_BackendRefusesUpgrade(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { _ = ln.Close() })
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				defer c.Close()
				br := bufio.NewReader(c)
				if _, err := http.ReadRequest(br); err != nil {
					return
				}
				_, _ = io.WriteString(c, "HTTP/1.1 403 Forbidden\r\nContent-Length: 0\r\n\r\n")
			}(conn)
		}
	}()

	mgr := newTestManager(t, "http://"+ln.Addr().String(), 5)

	client, done := serveAsync(mgr, "/ws")
	defer client.Close()

	// The backend's refusal is relayed verbatim; the tunnel never opens.
	resp, err := http.ReadResponse(bufio.NewReader(client), nil)
	if err != nil {
		t.Fatalf("read refusal response: %v", err)
	}
	if resp.StatusCode != http.StatusForbidden {
		t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusForbidden)
	}

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Serve() error = %v, want nil for relayed refusal", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return")
	}
	if got := mgr.Stats().Open; got != 0 {
		t.Errorf("Stats().Open = %d, want 0", got)
	}
}

func TestServe_ConcurrentTunnelsIndependent(t *testing.T) {
	addr, _ := startEchoBackend(t)
	mgr := newTestManager(t, "http://"+addr, 5)

	// One stalled tunnel: the client floods the relay and never reads the
	// echo, so its backend-to-client copy blocks on the pipe write.
	stalled, stalledDone := serveAsync(mgr, "/live/stalled")
	defer stalled.Close()
	if resp, err := http.ReadResponse(bufio.NewReader(stalled), nil); err != nil || resp.StatusCode != http.StatusSwitchingProtocols {
		t.Fatalf("stalled tunnel handshake: status=%v err=%v", resp, err)
	}
	go func() {
		junk := make([]byte, 32*1024)
		for {
			if _, err := stalled.Write(junk); err != nil {
				return
			}
		}
	}()

	const n = 50
	var wg sync.WaitGroup
	errs := make(chan error, n)
	start := time.Now()

	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			client, _ := serveAsync(mgr, "/live/cam")
			defer client.Close()

			br := bufio.NewReader(client)
			resp, err := http.ReadResponse(br, nil)
			if err != nil {
				errs <- err
				return
			}
			if resp.StatusCode != http.StatusSwitchingProtocols {
				errs <- io.ErrUnexpectedEOF
				return
			}

			msg := []byte("ping from tunnel")
			msg[0] = byte(i)
			go func() { _, _ = client.Write(msg) }()
			echoed := make([]byte, len(msg))
			if _, err := io.ReadFull(br, echoed); err != nil {
				errs <- err
				return
			}
			if !bytes.Equal(msg, echoed) {
				errs <- io.ErrShortWrite
			}
		}(i)
	}

	wg.Wait()
	close(errs)
	for err := range errs {
		t.Errorf("tunnel round trip: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 10*time.Second {
		t.Errorf("concurrent round trips took %v; tunnels are blocking each other", elapsed)
	}

	_ = stalled.Close()
	select {
	case <-stalledDone:
	case <-time.After(5 * time.Second):
		t.Fatal("stalled tunnel did not close")
	}
}

func TestManagerClose_TearsDownActiveTunnels(t *testing.T) {
	addr, _ := startEchoBackend(t)
	mgr := newTestManager(t, "http://"+addr, 5)

	client, done := serveAsync(mgr, "/ws")
	defer client.Close()
	if resp, err := http.ReadResponse(bufio.NewReader(client), nil); err != nil || resp.StatusCode != http.StatusSwitchingProtocols {
		t.Fatalf("handshake: status=%v err=%v", resp, err)
	}

	mgr.Close()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after Manager.Close")
	}
	if got := mgr.Stats().Open; got != 0 {
		t.Errorf("Stats().Open = %d, want 0", got)
	}
}

func TestTunnel_StateTransitions(t *testing.T) {
	gwEnd, testEnd := net.Pipe()
	defer testEnd.Close()

	tun := newTunnel(1, "/ws", gwEnd)
	if got := tun.State(); got != StateConnecting {
		t.Errorf("State() = %v, want %v", got, StateConnecting)
	}

	tun.open()
	if got := tun.State(); got != StateOpen {
		t.Errorf("State() = %v, want %v", got, StateOpen)
	}

	tun.close()
	if got := tun.State(); got != StateClosed {
		t.Errorf("State() = %v, want %v", got, StateClosed)
	}

	// Closed is terminal; open must not resurrect the tunnel and a second
	// close must be a no-op.
	tun.open()
	if got := tun.State(); got != StateClosed {
		t.Errorf("State() after open on closed = %v, want %v", got, StateClosed)
	}
	tun.close()
	if got := tun.State(); got != StateClosed {
		t.Errorf("State() after double close = %v, want %v", got, StateClosed)
	}
}

func TestNewManager_DefaultPorts(t *testing.T) {
	tests := []struct {
		baseURL  string
		wantAddr string
		wantTLS  bool
	}{
		{"http://backend.local", "backend.local:80", false},
		{"https://backend.local", "backend.local:443", true},
		{"http://backend.local:5000", "backend.local:5000", false},
	}

	for _, tt := range tests {
		t.Run(tt.baseURL, func(t *testing.T) {
			mgr := newTestManager(t, tt.baseURL, 1)
			if mgr.backendAddr != tt.wantAddr {
				t.Errorf("backendAddr = %q, want %q", mgr.backendAddr, tt.wantAddr)
			}
			if mgr.backendTLS != tt.wantTLS {
				t.Errorf("backendTLS = %v, want %v", mgr.backendTLS, tt.wantTLS)
			}
		})
	}
}
