package handler

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/bbengt1/live-object-ai-classifier-sub007/internal/route"
)

// RegisterRoutes wires all route handlers onto the Echo instance. Everything
// that is not a gateway endpoint goes through Dispatch, so the classifier is
// the single owner of the proxy-or-passthrough decision.
func RegisterRoutes(e *echo.Echo, classifier *route.Classifier, proxy *ProxyHandler, health *HealthHandler, webApp http.Handler) {
	e.GET("/healthz", health.Healthz)
	e.GET("/gateway/status", health.Status)

	e.Any("/*", Dispatch(classifier, proxy, webApp))
}

// Dispatch routes a plain HTTP request by its classified kind: REST calls go
// to the reverse proxy, everything else to the web serving layer. Upgrade
// requests for tunnel paths never reach this handler — they are intercepted
// earlier in the accept path — so a request classified ProxyWS here is a
// plain HTTP request on a WebSocket-only path.
func Dispatch(classifier *route.Classifier, proxy *ProxyHandler, webApp http.Handler) echo.HandlerFunc {
	web := echo.WrapHandler(webApp)
	return func(c echo.Context) error {
		switch classifier.Classify(c.Request().URL.Path) {
		case route.ProxyHTTP:
			return proxy.Handle(c)
		case route.ProxyWS:
			return echo.NewHTTPError(http.StatusUpgradeRequired, "path requires a WebSocket upgrade")
		default:
			return web(c)
		}
	}
}
