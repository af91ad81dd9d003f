package main

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/alecthomas/kong"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/fx"
	"golang.org/x/time/rate"

	"github.com/bbengt1/live-object-ai-classifier-sub007/internal/client"
	"github.com/bbengt1/live-object-ai-classifier-sub007/internal/config"
	"github.com/bbengt1/live-object-ai-classifier-sub007/internal/handler"
	"github.com/bbengt1/live-object-ai-classifier-sub007/internal/metrics"
	"github.com/bbengt1/live-object-ai-classifier-sub007/internal/middleware"
	"github.com/bbengt1/live-object-ai-classifier-sub007/internal/route"
	"github.com/bbengt1/live-object-ai-classifier-sub007/internal/service"
	"github.com/bbengt1/live-object-ai-classifier-sub007/internal/tunnel"
	"github.com/bbengt1/live-object-ai-classifier-sub007/internal/web"
)

// Set by goreleaser ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	var cli config.CLI
	kong.Parse(&cli,
		kong.Name("edge-gateway"),
		kong.Description("TLS edge gateway for the camera dashboard."),
		kong.Vars{"version": fmt.Sprintf("%s (%s, %s)", version, commit, date)},
	)

	fx.New(
		fx.Provide(
			func() *config.CLI { return &cli },
			func() handler.Version { return handler.Version(version) },
			config.Load,
			newLogger,
			newClassifier,
			newWebApp,
			metrics.New,
			newEcho,
			client.NewBackendClient,
			service.NewProxyService,
			tunnel.NewManager,
			handler.NewProxyHandler,
			handler.NewHealthHandler,
		),
		fx.Invoke(registerRoutes, warnConfigPermissions, startServer),
	).Run()
}

func newLogger(cfg *config.Config) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(cfg.Log.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}

	var h slog.Handler
	switch strings.ToLower(cfg.Log.Format) {
	case "text":
		h = slog.NewTextHandler(os.Stdout, opts)
	default:
		h = slog.NewJSONHandler(os.Stdout, opts)
	}

	return slog.New(h)
}

func newClassifier(cfg *config.Config) *route.Classifier {
	return route.NewClassifier(route.Rules{
		APIPrefix:    cfg.Routes.APIPrefix,
		StreamPrefix: cfg.Routes.StreamPrefix,
		NotifyPath:   cfg.Routes.NotifyPath,
	})
}

func newWebApp(cfg *config.Config) http.Handler {
	return web.NewHandler(cfg)
}

func newEcho(cfg *config.Config, logger *slog.Logger, classifier *route.Classifier, mgr *tunnel.Manager, m *metrics.Metrics) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Inbound timeouts to mitigate slow-client attacks. WriteTimeout is
	// disabled (0) so long-running streamed responses (e.g. recorded clip
	// downloads) are not cut off; tunnels manage their own deadlines after
	// hijack.
	e.Server.ReadTimeout = 30 * time.Second
	e.Server.WriteTimeout = 0
	e.Server.IdleTimeout = 120 * time.Second
	e.Server.ReadHeaderTimeout = 10 * time.Second

	// The upgrade router must be the first element of the accept path: it
	// claims matching connections before routing and before any middleware
	// that would rewrite their headers.
	e.Pre(handler.UpgradeRouter(classifier, mgr, logger))

	e.Use(echomw.Recover())
	e.Use(echomw.RequestID())
	e.Use(middleware.RequestLogger(logger))
	if cfg.Metrics.Enabled {
		e.Use(middleware.MetricsMiddleware(m))
	}
	e.Use(middleware.SecurityHeaders())

	if cfg.Server.RateLimit.Enabled {
		store := echomw.NewRateLimiterMemoryStore(rate.Limit(cfg.Server.RateLimit.RequestsPerSecond))
		e.Use(echomw.RateLimiter(store))
		logger.Info("rate limiter enabled", "rps", cfg.Server.RateLimit.RequestsPerSecond)
	}

	return e
}

func registerRoutes(e *echo.Echo, cfg *config.Config, classifier *route.Classifier, proxy *handler.ProxyHandler, health *handler.HealthHandler, webApp http.Handler, m *metrics.Metrics) {
	handler.RegisterRoutes(e, classifier, proxy, health, webApp)
	if cfg.Metrics.Enabled {
		e.GET(cfg.Metrics.Path, echo.WrapHandler(
			promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{}),
		))
	}
}

func warnConfigPermissions(cfg *config.Config, logger *slog.Logger) {
	cfg.WarnPermissions(logger)
}

func startServer(lc fx.Lifecycle, e *echo.Echo, cfg *config.Config, mgr *tunnel.Manager, logger *slog.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			// Missing or unreadable TLS material aborts startup.
			cert, err := tls.LoadX509KeyPair(cfg.Server.TLS.CertFile, cfg.Server.TLS.KeyFile)
			if err != nil {
				return fmt.Errorf("load TLS material: %w", err)
			}
			// HTTP/2 is deliberately not offered: tunneling hijacks the
			// underlying connection, which only HTTP/1.1 supports.
			tlsCfg := &tls.Config{
				Certificates: []tls.Certificate{cert},
				MinVersion:   tls.VersionTLS12,
				NextProtos:   []string{"http/1.1"},
			}

			addr := cfg.Server.Addr()
			ln, err := net.Listen("tcp", addr)
			if err != nil {
				return fmt.Errorf("bind %s: %w", addr, err)
			}
			logger.Info("starting server", "addr", addr, "backend", cfg.Backend.BaseURL)
			go func() {
				if err := e.Server.Serve(tls.NewListener(ln, tlsCfg)); err != nil && err != http.ErrServerClosed {
					logger.Error("server error", "err", err)
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			logger.Info("shutting down server")
			err := e.Shutdown(ctx)
			// Hijacked tunnel connections are invisible to Shutdown.
			mgr.Close()
			return err
		},
	})
}
