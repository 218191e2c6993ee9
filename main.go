package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/labstack/echo/v4"
	echoMiddleware "github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/ollamaproxy/config"
	"github.com/example/ollamaproxy/handlers"
	"github.com/example/ollamaproxy/healthcheck"
	"github.com/example/ollamaproxy/keypool"
	"github.com/example/ollamaproxy/logging"
	"github.com/example/ollamaproxy/middleware"
	"github.com/example/ollamaproxy/models"
	"github.com/example/ollamaproxy/services"
	"github.com/example/ollamaproxy/usage"
)

func main() {
	// 1. Load Config
	if err := config.LoadConfig(); err != nil {
		// Logger is not up yet; write plainly and exit non-zero.
		os.Stderr.WriteString("fatal: " + err.Error() + "\n")
		os.Exit(1)
	}
	cfg := config.AppConfig

	// 2. Initialize Logging
	log, logBuf := logging.New(cfg.LogLevel)
	log.Infof("starting ollamaproxy %s, upstream %s, %d keys loaded", cfg.AppVersion, cfg.UpstreamBaseURL, len(cfg.Keys))

	// 3. Initialize DB
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		log.Fatalf("failed to create data dir: %v", err)
	}
	if err := models.InitDB(cfg.DatabaseURL); err != nil {
		log.Fatalf("%v", err)
	}

	// 4. Key table + Services
	keys, err := keypool.NewTable(cfg.Keys)
	if err != nil {
		log.Fatalf("%v", err)
	}
	upstream := services.NewUpstreamService(cfg.UpstreamBaseURL, cfg.UpstreamTimeout, log)
	recorder := usage.NewRecorder(models.DB, log)
	archive := usage.NewArchive(cfg.DataDir, log)
	checker := healthcheck.NewChecker(keys, upstream, cfg.HealthCheckInterval, log)

	// 5. Initialize Handlers
	h := handlers.NewHandler(cfg, keys, upstream, recorder, archive, checker, logBuf, log)
	authMiddleware := middleware.NewAuthMiddleware(cfg.ProxyAuthToken, cfg.AllowUnauthenticated, log)
	auth := authMiddleware.Middleware

	// 6. Setup Echo
	e := echo.New()
	e.HideBanner = true

	e.Use(echoMiddleware.RequestLoggerWithConfig(echoMiddleware.RequestLoggerConfig{
		LogStatus: true,
		LogURI:    true,
		LogMethod: true,
		LogValuesFunc: func(c echo.Context, v echoMiddleware.RequestLoggerValues) error {
			log.Debugf("REQUEST: method=%s uri=%s status=%v", v.Method, v.URI, v.Status)
			return nil
		},
	}))
	e.Use(echoMiddleware.Recover())

	// 7. Routes
	e.GET("/", h.RootRedirect)
	e.GET("/dashboard", h.Dashboard)
	e.GET("/favicon.ico", h.Favicon)
	e.GET("/health", h.Health)
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	// Administrative endpoints follow the same auth rule as proxied paths.
	e.GET("/health/keys", h.HealthKeys, auth)
	e.POST("/health/keys/:index/reset", h.ResetKey, auth)
	e.POST("/health/keys/:index/penalize", h.PenalizeKey, auth)
	e.GET("/stats", h.Stats, auth)
	e.GET("/stats/minute", h.MinuteStats, auth)
	e.GET("/stats/24h", h.Stats24h, auth)
	e.GET("/queries", h.Queries, auth)
	e.GET("/queries/:id/body", h.QueryBody, auth)
	e.GET("/logs", h.Logs, auth)
	e.GET("/ratelimits", h.RateLimits, auth)

	// Everything else is proxied upstream.
	e.Any("/*", h.Proxy, auth)

	// 8. Background health controller
	checkerCtx, stopChecker := context.WithCancel(context.Background())
	checkerDone := make(chan struct{})
	go func() {
		defer close(checkerDone)
		checker.Run(checkerCtx)
	}()

	// 9. Start Server
	go func() {
		log.Infof("listening on :%s", cfg.Port)
		if err := e.Start(":" + cfg.Port); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server failed: %v", err)
		}
	}()

	// 10. Graceful shutdown: stop ticking immediately, let in-flight
	// dispatches finish within the grace period.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Infof("received signal %v, shutting down", sig)

	stopChecker()
	<-checkerDone

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGracePeriod)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		log.Warnf("server shutdown: %v", err)
	}
	log.Info("shutdown complete")
}
