// Package stats exposes homccd operational metrics in prometheus format on
// an optional side HTTP listener.
package stats

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/celonis/homcc/pkg/logging"
)

// Tracker aggregates the daemon's counters and gauges.
type Tracker struct {
	registry *prometheus.Registry

	// ActiveJobs is the number of connections currently compiling.
	ActiveJobs prometheus.Gauge
	// Jobs counts finished jobs by result (ok, compiler_error, protocol_error, refused).
	Jobs *prometheus.CounterVec
	// DependencyRequests counts dependencies requested from clients.
	DependencyRequests prometheus.Counter
	// CacheHits counts dependencies served from the cache.
	CacheHits prometheus.Counter
}

// NewTracker creates and registers all metrics. Cache occupancy is polled
// through the given callbacks.
func NewTracker(cacheEntries func() float64, cacheBytes func() float64) *Tracker {
	registry := prometheus.NewRegistry()

	t := &Tracker{
		registry: registry,
		ActiveJobs: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "homccd_active_jobs",
			Help: "Number of connections currently being served.",
		}),
		Jobs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "homccd_jobs_total",
			Help: "Finished jobs by result.",
		}, []string{"result"}),
		DependencyRequests: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "homccd_dependency_requests_total",
			Help: "Dependencies requested from clients.",
		}),
		CacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "homccd_dependency_cache_hits_total",
			Help: "Dependencies served from the local cache.",
		}),
	}

	registry.MustRegister(
		t.ActiveJobs,
		t.Jobs,
		t.DependencyRequests,
		t.CacheHits,
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "homccd_dependency_cache_entries",
			Help: "Entries in the dependency cache.",
		}, cacheEntries),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "homccd_dependency_cache_bytes",
			Help: "Bytes held by the dependency cache.",
		}, cacheBytes),
	)

	return t
}

// Serve blocks serving /metrics on addr until ctx is done.
func (t *Tracker) Serve(ctx context.Context, log logging.Logger, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(t.registry, promhttp.HandlerOpts{}))

	server := &http.Server{Addr: addr, Handler: mux}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	log.Infof("serving metrics on %s", addr)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
