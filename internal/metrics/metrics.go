// Package metrics exposes Prometheus collectors for the lock engine.
//
// Collectors live on a private registry so tests and multiple engines in one
// process never collide on the default registry. [Metrics] implements the
// observer interfaces of the vcs, syncq and enforce packages.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "lfslock"

// Metrics holds every collector.
type Metrics struct {
	registry *prometheus.Registry

	PollCycles       prometheus.Counter
	CommandDuration  *prometheus.HistogramVec
	CommandFailures  *prometheus.CounterVec
	Reconciliations  *prometheus.CounterVec
	Discards         *prometheus.CounterVec
	HandleFailures   prometheus.Counter
	OpenHandleGauge  prometheus.Gauge
	QueueDepthGauge  prometheus.Gauge
	QueueActionFails *prometheus.CounterVec
	LockedFiles      prometheus.Gauge
	ModifiedPaths    prometheus.Gauge
}

// New creates the collectors on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		PollCycles: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "poll_cycles_total",
			Help:      "Completed background poll cycles",
		}),
		CommandDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "git_command_duration_seconds",
			Help:      "Duration of git invocations by subcommand",
			Buckets:   []float64{.01, .05, .1, .25, .5, 1, 2, 5, 10, 30},
		}, []string{"command"}),
		CommandFailures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "git_command_failures_total",
			Help:      "Failed git invocations by subcommand",
		}, []string{"command"}),
		Reconciliations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconciliations_applied_total",
			Help:      "Poll results applied to shared state by kind",
		}, []string{"kind"}),
		Discards: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconciliations_discarded_total",
			Help:      "Poll results discarded after a foreground change by kind",
		}, []string{"kind"}),
		HandleFailures: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "handle_failures_total",
			Help:      "OS file locks that could not be acquired",
		}),
		OpenHandleGauge: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "open_handles",
			Help:      "OS file locks currently held",
		}),
		QueueDepthGauge: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_depth",
			Help:      "Actions waiting for the foreground tick",
		}),
		QueueActionFails: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "queue_action_failures_total",
			Help:      "Queued actions that returned an error or panicked",
		}, []string{"action"}),
		LockedFiles: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "locked_files",
			Help:      "Entries in the lock set",
		}),
		ModifiedPaths: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "modified_paths",
			Help:      "Entries in the modified path set, ancestors included",
		}),
	}
}

// Registry returns the registry the collectors are registered on.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// commandLabel reduces a command line to its subcommand so paths never
// become label values: "lfs lock -- a.psd" -> "lfs lock".
func commandLabel(command string) string {
	fields := strings.Fields(command)
	if len(fields) == 0 {
		return "unknown"
	}
	if fields[0] == "lfs" && len(fields) > 1 {
		return "lfs " + fields[1]
	}
	return fields[0]
}

// ObserveCommand implements vcs.Observer.
func (m *Metrics) ObserveCommand(command string, d time.Duration, err error) {
	label := commandLabel(command)
	m.CommandDuration.WithLabelValues(label).Observe(d.Seconds())
	if err != nil {
		m.CommandFailures.WithLabelValues(label).Inc()
	}
}

// QueueDepth implements syncq.Observer.
func (m *Metrics) QueueDepth(depth int) {
	m.QueueDepthGauge.Set(float64(depth))
}

// ActionFailed implements syncq.Observer.
func (m *Metrics) ActionFailed(name string) {
	m.QueueActionFails.WithLabelValues(name).Inc()
}

// HandleFailed implements enforce.Observer.
func (m *Metrics) HandleFailed() {
	m.HandleFailures.Inc()
}

// OpenHandles implements enforce.Observer.
func (m *Metrics) OpenHandles(n int) {
	m.OpenHandleGauge.Set(float64(n))
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Serve exposes /metrics on addr until ctx is canceled.
func (m *Metrics) Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
