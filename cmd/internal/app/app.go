// Package app wires the Courier server runtime: config, logging, the fence
// store backend, metrics, HTTP routes and the WebSocket session host.
package app

import (
	"context"
	"errors"
	"net/http"
	"time"

	"courier/cmd/internal/fence"
	"courier/cmd/internal/metrics"
	"courier/cmd/internal/realtime"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// App is the Courier server runtime: it owns the HTTP server, the fence and
// the store backend underneath it.
type App struct {
	cfg Config
	log Logger

	backend *backend
	fence   *fence.Fence
	ws      *realtime.WSGateway

	registry *prometheus.Registry
}

// New constructs a fully wired App instance from config and logger.
func New(ctx context.Context, cfg Config, log Logger) (*App, error) {
	if log == nil {
		log = NewLogger(cfg.LogLevel, cfg.LogFormat, cfg.LogColor)
	}

	if err := ValidateSecurityConfig(cfg); err != nil {
		return nil, err
	}
	auth, err := newAuthenticator(cfg)
	if err != nil {
		return nil, err
	}

	fenceCfg, err := fence.LoadConfigFromEnv()
	if err != nil {
		return nil, err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	obs, err := metrics.NewFenceObserver(reg)
	if err != nil {
		return nil, err
	}

	be, err := newBackend(ctx, cfg, log)
	if err != nil {
		return nil, err
	}

	f, err := fence.New(be.store, fenceCfg,
		fence.WithLogger(log),
		fence.WithObserver(obs),
	)
	if err != nil {
		_ = be.Close(ctx)
		return nil, err
	}

	return &App{
		cfg:      cfg,
		log:      log,
		backend:  be,
		fence:    f,
		ws:       realtime.NewWSGateway(log, f, auth),
		registry: reg,
	}, nil
}

// Handler returns the full HTTP handler chain.
func (a *App) Handler() http.Handler {
	mux := http.NewServeMux()
	registerHTTP(mux, a.log, a.cfg, a.backend.store, a.ws,
		promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{Registry: a.registry}))
	return WithRequestLogging(WithSecurityHeaders(mux), a.log)
}

// Run starts the HTTP server and blocks until context cancellation or fatal server error.
func (a *App) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              a.cfg.HTTPAddr,
		Handler:           a.Handler(),
		ReadHeaderTimeout: nonZeroDuration(a.cfg.ReadHeaderTimeout, 5*time.Second),
		ReadTimeout:       nonZeroDuration(a.cfg.ReadTimeout, 15*time.Second),
		WriteTimeout:      nonZeroDuration(a.cfg.WriteTimeout, 15*time.Second),
		IdleTimeout:       nonZeroDuration(a.cfg.IdleTimeout, 60*time.Second),
		MaxHeaderBytes:    nonZeroInt(a.cfg.MaxHeaderBytes, 1<<20),
	}

	base := runtimeBaseURL(a.cfg.HTTPAddr)
	a.log.Info("server.start",
		"addr", a.cfg.HTTPAddr,
		"backend", a.backend.name,
		"ws_url", wsBaseURL(base)+"/ws",
		"heartbeat_interval", a.fence.Config().HeartbeatInterval.String(),
	)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
		a.log.Info("server.stop", "reason", "context_done")
	case err := <-errCh:
		a.log.Error("server.fail", "err", err)
		runErr = err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), nonZeroDuration(a.cfg.ShutdownTimeout, 10*time.Second))
	defer cancel()

	// Hijacked WebSocket connections are not tracked by http.Server.
	a.ws.Shutdown()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.log.Error("server.shutdown.fail", "err", err)
		if runErr == nil {
			runErr = err
		}
	}

	a.Close(shutdownCtx)
	a.log.Info("server.stopped")
	return runErr
}

// Close releases every attachment, then closes the store backend.
func (a *App) Close(ctx context.Context) {
	a.fence.Close()
	if err := a.backend.Close(ctx); err != nil {
		a.log.Error("store.close.fail", "backend", a.backend.name, "err", err)
	}
}

func nonZeroDuration(v, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return v
}

func nonZeroInt(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
