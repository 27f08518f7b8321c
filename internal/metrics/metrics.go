// Package metrics exposes modelhub's Prometheus collectors. Every method
// is a no-op on a nil *Metrics so components can run without them.
package metrics

import (
	"context"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"modelhub/internal/eventbus"
	"modelhub/internal/task/engine"
)

const Namespace = "modelhub"

type Metrics struct {
	Registry *prometheus.Registry

	scans         *prometheus.CounterVec
	scanDuration  *prometheus.HistogramVec
	inserted      *prometheus.CounterVec
	watermarkLag  *prometheus.GaugeVec
	importJobs    *prometheus.CounterVec
	fanoutErrors  prometheus.Counter
	leaseAcquires *prometheus.CounterVec
	tasks         *prometheus.CounterVec
	alerts        *prometheus.CounterVec
}

// New registers all collectors on a fresh registry, along with the Go
// runtime and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)
	m := &Metrics{Registry: reg}

	m.scans = f.NewCounterVec(prometheus.CounterOpts{
		Namespace: Namespace,
		Subsystem: "notification",
		Name:      "scans_total",
		Help:      "Rule scans by type and result.",
	}, []string{"type", "result"})
	m.scanDuration = f.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: Namespace,
		Subsystem: "notification",
		Name:      "scan_duration_seconds",
		Help:      "Wall time of one rule scan.",
		Buckets:   prometheus.ExponentialBuckets(0.005, 2, 14),
	}, []string{"type"})
	m.inserted = f.NewCounterVec(prometheus.CounterOpts{
		Namespace: Namespace,
		Subsystem: "notification",
		Name:      "inserted_total",
		Help:      "Notifications written by type.",
	}, []string{"type"})
	m.watermarkLag = f.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: Namespace,
		Subsystem: "notification",
		Name:      "watermark_lag_seconds",
		Help:      "Distance between now and the stored watermark after the last scan.",
	}, []string{"type"})
	m.importJobs = f.NewCounterVec(prometheus.CounterOpts{
		Namespace: Namespace,
		Subsystem: "import",
		Name:      "jobs_total",
		Help:      "Import jobs processed by importer and final status.",
	}, []string{"importer", "status"})
	m.fanoutErrors = f.NewCounter(prometheus.CounterOpts{
		Namespace: Namespace,
		Subsystem: "import",
		Name:      "fanout_errors_total",
		Help:      "Errors raised while processing child jobs.",
	})
	m.leaseAcquires = f.NewCounterVec(prometheus.CounterOpts{
		Namespace: Namespace,
		Subsystem: "lease",
		Name:      "acquire_total",
		Help:      "Scan lease attempts by result.",
	}, []string{"result"})
	m.tasks = f.NewCounterVec(prometheus.CounterOpts{
		Namespace: Namespace,
		Subsystem: "task",
		Name:      "events_total",
		Help:      "Task engine lifecycle events by task name and event.",
	}, []string{"name", "event"})
	m.alerts = f.NewCounterVec(prometheus.CounterOpts{
		Namespace: Namespace,
		Subsystem: "alert",
		Name:      "events_total",
		Help:      "Ops alert deliveries by outcome.",
	}, []string{"outcome"})
	return m
}

func (m *Metrics) ObserveScan(typ, result string, d time.Duration) {
	if m == nil {
		return
	}
	m.scans.WithLabelValues(typ, result).Inc()
	m.scanDuration.WithLabelValues(typ).Observe(d.Seconds())
}

func (m *Metrics) NotificationsInserted(typ string, n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.inserted.WithLabelValues(typ).Add(float64(n))
}

func (m *Metrics) WatermarkLag(typ string, lag time.Duration) {
	if m == nil {
		return
	}
	m.watermarkLag.WithLabelValues(typ).Set(lag.Seconds())
}

func (m *Metrics) ImportJob(importer, status string) {
	if m == nil {
		return
	}
	if importer == "" {
		importer = "none"
	}
	m.importJobs.WithLabelValues(importer, status).Inc()
}

func (m *Metrics) FanoutErrors(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.fanoutErrors.Add(float64(n))
}

func (m *Metrics) LeaseAcquire(result string) {
	if m == nil {
		return
	}
	m.leaseAcquires.WithLabelValues(result).Inc()
}

// Consume counts task and alert events from the bus until ctx is done or
// ch is closed.
func (m *Metrics) Consume(ctx context.Context, ch <-chan eventbus.Event) {
	if m == nil {
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			m.observe(e)
		}
	}
}

func (m *Metrics) observe(e eventbus.Event) {
	switch {
	case strings.HasPrefix(e.Type, "task."):
		if te, ok := e.Data.(engine.TaskEvent); ok {
			m.tasks.WithLabelValues(te.Name, strings.TrimPrefix(e.Type, "task.")).Inc()
		}
	case strings.HasPrefix(e.Type, "alert."):
		m.alerts.WithLabelValues(strings.TrimPrefix(e.Type, "alert.")).Inc()
	}
}
