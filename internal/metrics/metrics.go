// Package metrics wires a single prometheus.Registerer for a device
// process and exposes it over HTTP, the concern go-node never had (it
// shipped no metrics endpoint) but the rest of this tree's prometheus
// usage (internal/network, internal/syncengine) needs a home for.
package metrics

import (
	"context"
	"errors"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry bundles a prometheus.Registry with the HTTP server exposing
// it, so callers can Close it down cleanly alongside the rest of a
// device process.
type Registry struct {
	*prometheus.Registry
	srv *http.Server
}

// New creates a fresh registry with the standard Go/process collectors
// registered, matching what prometheus.NewRegistry() callers conventionally
// add back in since it omits them by default (unlike the global registry).
func New() *Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return &Registry{Registry: reg}
}

// Serve starts an HTTP server exposing /metrics on addr. Non-blocking;
// call Close to shut it down.
func (r *Registry) Serve(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(r.Registry, promhttp.HandlerOpts{}))
	r.srv = &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := r.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			// the caller owns the logger; metrics serving is best-effort
			// and never fatal to the device process.
			_ = err
		}
	}()
}

// Close shuts down the metrics HTTP server, if one was started.
func (r *Registry) Close(ctx context.Context) error {
	if r.srv == nil {
		return nil
	}
	return r.srv.Shutdown(ctx)
}
