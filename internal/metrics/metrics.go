// Package metrics exposes the daemon's Prometheus collectors and the
// optional exposition listener.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// Metrics bundles the daemon collectors. Register once per process.
type Metrics struct {
	JobsRunning    prometheus.Gauge
	Restarts       *prometheus.CounterVec
	SpawnFailures  prometheus.Counter
	SchedulerFires prometheus.Counter
	LogEntries     prometheus.Counter
	LogEvictions   prometheus.Counter
}

// New creates and registers the collectors on reg.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		JobsRunning: factory.NewGauge(prometheus.GaugeOpts{
			Name: "shellcompose_jobs_running",
			Help: "Number of jobs currently in the running state.",
		}),
		Restarts: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "shellcompose_restarts_total",
			Help: "Total job respawns applied by the restart policy.",
		}, []string{"kind"}),
		SpawnFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "shellcompose_spawn_failures_total",
			Help: "Total failed attempts to start a child process.",
		}),
		SchedulerFires: factory.NewCounter(prometheus.CounterOpts{
			Name: "shellcompose_scheduler_fires_total",
			Help: "Total spawn requests emitted by the scheduler.",
		}),
		LogEntries: factory.NewCounter(prometheus.CounterOpts{
			Name: "shellcompose_log_entries_total",
			Help: "Total log entries appended to the buffer.",
		}),
		LogEvictions: factory.NewCounter(prometheus.CounterOpts{
			Name: "shellcompose_log_evictions_total",
			Help: "Total log entries evicted by the buffer bounds.",
		}),
	}
}

// Serve runs the /metrics and /healthz listener on addr until ctx is
// cancelled. It is only started when an address is configured.
func Serve(ctx context.Context, addr string, gatherer prometheus.Gatherer, logger zerolog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	server := &http.Server{Addr: addr, Handler: mux}

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.ListenAndServe()
	}()

	logger.Info().Str("addr", addr).Msg("metrics listener started")

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	return server.Shutdown(shutdownCtx)
}
