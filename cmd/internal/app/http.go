package app

import (
	"context"
	"net/http"
	"time"

	"courier/cmd/internal/fence"
	"courier/cmd/internal/realtime"
)

const readinessTimeout = 2 * time.Second

func registerHTTP(
	mux *http.ServeMux,
	log Logger,
	cfg Config,
	store fence.Store,
	ws *realtime.WSGateway,
	metrics http.Handler,
) {
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})

	mux.HandleFunc("GET /readyz", func(w http.ResponseWriter, r *http.Request) {
		if cfg.ReadinessRequireStore {
			if store == nil {
				http.Error(w, "store not configured", http.StatusServiceUnavailable)
				return
			}

			ctx, cancel := context.WithTimeout(r.Context(), readinessTimeout)
			err := store.Ping(ctx)
			cancel()
			if err != nil {
				http.Error(w, "store not ready", http.StatusServiceUnavailable)
				log.Info("readyz.store.not_ready", "backend", cfg.backend(), "err", err)
				return
			}
		}

		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready\n"))
	})

	if metrics != nil {
		mux.Handle("GET /metrics", metrics)
	}

	mux.Handle("/ws", ws)
}
