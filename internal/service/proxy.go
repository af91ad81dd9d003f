// Package service implements the reverse proxy forwarding logic.
package service

import (
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"

	"github.com/bbengt1/live-object-ai-classifier-sub007/internal/client"
	"github.com/bbengt1/live-object-ai-classifier-sub007/internal/config"
	"github.com/bbengt1/live-object-ai-classifier-sub007/internal/model"
)

// hopByHopHeaders are connection-scoped headers that must not cross the proxy.
var hopByHopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"TE",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// ProxyService forwards classified REST requests to the backend service.
// The backend target is resolved once at construction and read-only after.
type ProxyService struct {
	client  *client.BackendClient
	logger  *slog.Logger
	baseURL *url.URL
}

// NewProxyService creates a ProxyService.
func NewProxyService(c *client.BackendClient, cfg *config.Config, logger *slog.Logger) (*ProxyService, error) {
	u, err := url.Parse(cfg.Backend.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse backend base_url: %w", err)
	}

	return &ProxyService{
		client:  c,
		logger:  logger.With("component", "proxy_service"),
		baseURL: u,
	}, nil
}

// Forward sends a ProxyRequest to the backend at the same relative path and
// returns the response. The caller is responsible for closing the response
// body. Method, headers and body pass through unchanged apart from
// hop-by-hop headers, the rewritten Host/Origin, and the X-Forwarded-*
// additions; the response is returned verbatim minus hop-by-hop headers.
func (s *ProxyService) Forward(pr *model.ProxyRequest) (*model.ProxyResponse, error) {
	backendURL := s.buildBackendURL(pr.Path, pr.Query)
	header := s.forwardHeaders(pr)

	s.logger.Debug("forwarding request",
		"method", pr.Method,
		"path", pr.Path,
		"backend", s.baseURL.Host,
	)

	resp, err := s.client.DoStream(pr.Ctx, pr.Method, backendURL, header, pr.Body)
	if err != nil {
		return nil, fmt.Errorf("forward to backend: %w", err)
	}

	resp.Header = stripHopByHop(resp.Header)
	return resp, nil
}

// buildBackendURL joins the backend base with the request path and query,
// relying on the path parity between the public surface and the backend.
func (s *ProxyService) buildBackendURL(path string, query url.Values) string {
	u := *s.baseURL
	u.Path = path
	u.RawQuery = query.Encode()
	return u.String()
}

// forwardHeaders builds the header set sent to the backend: the client's
// headers minus hop-by-hop entries, with Origin rewritten to the backend
// and forwarding metadata appended. Host is carried on the request itself
// by the HTTP client, so it is dropped here.
func (s *ProxyService) forwardHeaders(pr *model.ProxyRequest) http.Header {
	dst := stripHopByHop(pr.Header)
	dst.Del("Host")

	if dst.Get("Origin") != "" {
		dst.Set("Origin", s.baseURL.Scheme+"://"+s.baseURL.Host)
	}

	if clientIP, _, err := net.SplitHostPort(pr.RemoteAddr); err == nil {
		if prior := pr.Header.Get("X-Forwarded-For"); prior != "" {
			clientIP = prior + ", " + clientIP
		}
		dst.Set("X-Forwarded-For", clientIP)
	}
	if pr.TLS {
		dst.Set("X-Forwarded-Proto", "https")
	} else {
		dst.Set("X-Forwarded-Proto", "http")
	}

	return dst
}

func stripHopByHop(src http.Header) http.Header {
	dst := make(http.Header, len(src))
	for key, vals := range src {
		dst[key] = vals
	}
	// Headers named by the Connection header are hop-by-hop too.
	for _, conn := range src.Values("Connection") {
		for _, name := range strings.Split(conn, ",") {
			if name = strings.TrimSpace(name); name != "" {
				dst.Del(name)
			}
		}
	}
	for _, h := range hopByHopHeaders {
		dst.Del(h)
	}
	return dst
}
