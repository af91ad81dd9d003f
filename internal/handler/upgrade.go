package handler

import (
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/bbengt1/live-object-ai-classifier-sub007/internal/route"
	"github.com/bbengt1/live-object-ai-classifier-sub007/internal/tunnel"
)

// UpgradeRouter returns the middleware that intercepts WebSocket upgrades
// bound for the backend. It must be registered with e.Pre so it runs ahead
// of routing and of every header-rewriting middleware: the decision is made
// from the path alone, and on a match the raw socket is handed to the tunnel
// manager before anything else can touch it. Upgrades on non-matching paths
// fall through untouched, so the web layer's own sockets (e.g. dev-mode
// hot reload) keep working.
func UpgradeRouter(classifier *route.Classifier, mgr *tunnel.Manager, logger *slog.Logger) echo.MiddlewareFunc {
	log := logger.With("component", "upgrade_router")
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			if !isUpgradeRequest(req) || classifier.Classify(req.URL.Path) != route.ProxyWS {
				return next(c)
			}

			conn, brw, err := c.Response().Hijack()
			if err != nil {
				log.Error("hijack failed", "path", req.URL.Path, "err", err)
				return echo.NewHTTPError(http.StatusInternalServerError, "connection cannot be tunneled")
			}
			// The server armed its read deadline before dispatch; a
			// long-lived tunnel must not inherit it.
			_ = conn.SetDeadline(time.Time{})

			// The socket belongs to the tunnel manager from here on. Serve
			// blocks until the tunnel closes and logs its own failures.
			_ = mgr.Serve(conn, brw.Reader, req)
			return nil
		}
	}
}

// isUpgradeRequest reports whether the request asks for a WebSocket upgrade.
func isUpgradeRequest(r *http.Request) bool {
	if !strings.EqualFold(r.Header.Get("Upgrade"), "websocket") {
		return false
	}
	for _, v := range r.Header.Values("Connection") {
		for _, token := range strings.Split(v, ",") {
			if strings.EqualFold(strings.TrimSpace(token), "upgrade") {
				return true
			}
		}
	}
	return false
}
