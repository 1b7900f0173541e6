package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"wmsync/internal/progress"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector collects and exposes metrics
type Collector struct {
	registry        *prometheus.Registry
	actionsTotal    *prometheus.CounterVec
	drainsTotal     *prometheus.CounterVec
	queueDepth      *prometheus.GaugeVec
	online          prometheus.Gauge
	actionDuration  prometheus.Histogram
	drainDuration   prometheus.Histogram
	progressTracker *progress.Tracker
}

// New creates a new metrics collector with its own registry
func New() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		actionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "wmsync_actions_synced_total",
				Help: "Total number of queued actions processed, by outcome",
			},
			[]string{"kind", "outcome"},
		),
		drainsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "wmsync_drains_total",
				Help: "Total number of drains, by result",
			},
			[]string{"outcome"},
		),
		queueDepth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "wmsync_queue_actions",
				Help: "Number of actions in the local queue, by status",
			},
			[]string{"status"},
		),
		online: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "wmsync_online",
				Help: "1 when the backend is reachable",
			},
		),
		actionDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "wmsync_action_sync_duration_seconds",
				Help:    "Time taken to replay one action against the backend",
				Buckets: prometheus.DefBuckets,
			},
		),
		drainDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "wmsync_drain_duration_seconds",
				Help:    "Time taken by a full drain",
				Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
			},
		),
		progressTracker: progress.NewTracker(),
	}

	c.registry.MustRegister(
		c.actionsTotal,
		c.drainsTotal,
		c.queueDepth,
		c.online,
		c.actionDuration,
		c.drainDuration,
	)

	return c
}

// IncAction counts one processed action
func (c *Collector) IncAction(kind, outcome string) {
	c.actionsTotal.WithLabelValues(kind, outcome).Inc()
}

// ObserveAction observes the duration of one action replay
func (c *Collector) ObserveAction(duration time.Duration) {
	c.actionDuration.Observe(duration.Seconds())
}

// ObserveDrain counts a drain and observes its duration
func (c *Collector) ObserveDrain(outcome string, duration time.Duration) {
	c.drainsTotal.WithLabelValues(outcome).Inc()
	c.drainDuration.Observe(duration.Seconds())
}

// SetQueueDepth sets the number of queued actions in a status
func (c *Collector) SetQueueDepth(status string, count int) {
	c.queueDepth.WithLabelValues(status).Set(float64(count))
}

// SetOnline records the connectivity state
func (c *Collector) SetOnline(online bool) {
	if online {
		c.online.Set(1)
		return
	}
	c.online.Set(0)
}

// Handler returns the HTTP handler exposing the registry
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// Registry returns the underlying registry
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// StartServer serves /metrics on addr until ctx is cancelled
func (c *Collector) StartServer(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", c.Handler())

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// GetProgressTracker returns the progress tracker
func (c *Collector) GetProgressTracker() *progress.Tracker {
	return c.progressTracker
}
