// Package api generalizes the teacher's api.HealthServer into the
// proxy's /healthz, /readyz, and /metrics endpoint (spec §6.4).
package api

import (
	"context"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// HealthServer serves liveness/readiness probes and the Prometheus
// scrape endpoint from one mux, same shape as the teacher's
// api.HealthServer but with /metrics added (spec §6.4 of SPEC_FULL.md).
type HealthServer struct {
	server *http.Server
	ready  atomic.Bool
}

// NewHealthServer builds a HealthServer bound to addr, registering handler
// at /metrics (promhttp.Handler() when handler is nil).
func NewHealthServer(addr string, handler http.Handler) *HealthServer {
	mux := http.NewServeMux()
	hs := &HealthServer{
		server: &http.Server{
			Addr:    addr,
			Handler: mux,
		},
	}
	hs.ready.Store(false)

	mux.HandleFunc("/healthz", hs.handleHealthz)
	mux.HandleFunc("/readyz", hs.handleReadyz)
	if handler != nil {
		mux.Handle("/metrics", handler)
	} else {
		mux.Handle("/metrics", promhttp.Handler())
	}

	return hs
}

// Start runs the server in a background goroutine, reporting via onError
// on failure instead of the teacher's bare log.Printf, so callers can
// route it through the structured logger.
func (s *HealthServer) Start(onError func(error)) {
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			if onError != nil {
				onError(err)
			}
		}
	}()
}

// Stop shuts the server down gracefully.
func (s *HealthServer) Stop(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

// SetReady flips the readiness probe's response.
func (s *HealthServer) SetReady(ready bool) {
	s.ready.Store(ready)
}

func (s *HealthServer) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (s *HealthServer) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if s.ready.Load() {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	w.Write([]byte("not ready"))
}
