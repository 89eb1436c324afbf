package app

import (
	"context"
	"net/http"
	"time"

	"relay/cmd/internal/linkapi"
)

// readinessCheck is one dependency /readyz must reach.
type readinessCheck struct {
	name string
	ping func(ctx context.Context) error
}

func registerHTTP(mux *http.ServeMux, log Logger, api *linkapi.Handler, metrics http.Handler, checks []readinessCheck) {
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})

	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		for _, c := range checks {
			if err := c.ping(ctx); err != nil {
				http.Error(w, c.name+" not ready", http.StatusServiceUnavailable)
				log.Info("readyz.not_ready", "dependency", c.name, "err", err)
				return
			}
		}

		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready\n"))
	})

	if metrics != nil {
		mux.Handle("/metrics", metrics)
	}

	api.Register(mux)
}
