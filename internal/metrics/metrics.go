// Package metrics exposes dispatcher and API activity as Prometheus
// series, following the teacher's registration/push/poll conventions.
package metrics

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/client_golang/prometheus/push"
	"github.com/sirupsen/logrus"
)

type Config struct {
	ServiceName  string
	PushURL      string
	PushInterval time.Duration
}

// Metrics owns one Prometheus registry's worth of series and, when
// configured, a background pusher. Each instance carries its own
// registry rather than registering against the global default, so a test
// can construct as many Metrics as it needs without colliding collector
// names across cases.
type Metrics struct {
	config   Config
	registry *prometheus.Registry
	pusher   *push.Pusher
	logger   *logrus.Logger

	done    chan struct{}
	stopped chan struct{}
	once    sync.Once

	RowsDelivered       *prometheus.CounterVec
	RequestsReconciled  *prometheus.CounterVec
	DispatchDuration    prometheus.Histogram
	DispatchRunsSkipped prometheus.Counter
	ConnectionFailures  prometheus.Counter
}

func New(c Config, log *logrus.Logger) *Metrics {
	registry := prometheus.NewRegistry()
	m := &Metrics{
		config:   c,
		registry: registry,
		logger:   log,
		done:     make(chan struct{}),
		stopped:  make(chan struct{}),
	}
	if c.PushURL != "" {
		m.pusher = push.New(c.PushURL, c.ServiceName).Gatherer(registry)
	}

	reg := promauto.With(registry)

	m.RowsDelivered = reg.NewCounterVec(prometheus.CounterOpts{
		Name: "notifyd_rows_delivered_total",
		Help: "Queue rows by outcome of the most recent delivery attempt.",
	}, []string{"outcome"}) // outcome ∈ {success, retried, exhausted}

	m.RequestsReconciled = reg.NewCounterVec(prometheus.CounterOpts{
		Name: "notifyd_requests_reconciled_total",
		Help: "Requests moved to a terminal status by reconciliation.",
	}, []string{"status"}) // status ∈ {sent, failed, partial_failure}

	m.DispatchDuration = reg.NewHistogram(prometheus.HistogramOpts{
		Name:    "notifyd_dispatch_duration_seconds",
		Help:    "Wall time of one process_queue run.",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
	})

	m.DispatchRunsSkipped = reg.NewCounter(prometheus.CounterOpts{
		Name: "notifyd_dispatch_runs_skipped_total",
		Help: "process_queue runs that returned early because no request was pending or sending.",
	})

	m.ConnectionFailures = reg.NewCounter(prometheus.CounterOpts{
		Name: "notifyd_connection_failures_total",
		Help: "process_queue runs that could not obtain an SMTP session.",
	})

	return m
}

func (m *Metrics) Start() {
	m.once.Do(func() {
		if m.config.PushInterval.Seconds() < 10 {
			m.config.PushInterval = time.Minute
		}
		if m.pusher == nil {
			close(m.stopped)
			return
		}
		go func() {
			defer close(m.stopped)
			ticker := time.NewTicker(m.config.PushInterval)
			defer ticker.Stop()
			for {
				select {
				case <-m.done:
					return
				case <-ticker.C:
					m.push()
				}
			}
		}()
	})
}

func (m *Metrics) Stop(ctx context.Context) error {
	close(m.done)
	select {
	case <-m.stopped:
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

func (m *Metrics) push() {
	if m.pusher == nil {
		return
	}
	if err := m.pusher.Push(); err != nil {
		m.logger.WithError(err).Error("failed to push metrics")
	}
}

// Handler serves the local Prometheus scrape endpoint for this instance's
// registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
