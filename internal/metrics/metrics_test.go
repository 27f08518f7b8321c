package metrics

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"modelhub/internal/eventbus"
	"modelhub/internal/task/engine"
)

func value(t *testing.T, c prometheus.Metric) float64 {
	t.Helper()
	var pb dto.Metric
	require.NoError(t, c.Write(&pb))
	if pb.Counter != nil {
		return pb.GetCounter().GetValue()
	}
	return pb.GetGauge().GetValue()
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.ObserveScan("t", "ok", time.Second)
	m.NotificationsInserted("t", 3)
	m.WatermarkLag("t", time.Second)
	m.ImportJob("hf", "Completed")
	m.FanoutErrors(2)
	m.LeaseAcquire("held")
	m.Consume(context.Background(), nil)
}

func TestCounters(t *testing.T) {
	m := New()
	m.ObserveScan("a", "ok", 10*time.Millisecond)
	m.ObserveScan("a", "ok", 10*time.Millisecond)
	m.NotificationsInserted("a", 4)
	m.NotificationsInserted("a", 0)
	m.ImportJob("", "Failed")
	m.FanoutErrors(3)

	assert.Equal(t, 2.0, value(t, m.scans.WithLabelValues("a", "ok")))
	assert.Equal(t, 4.0, value(t, m.inserted.WithLabelValues("a")))
	assert.Equal(t, 1.0, value(t, m.importJobs.WithLabelValues("none", "Failed")))
	assert.Equal(t, 3.0, value(t, m.fanoutErrors))
}

func TestConsumeBusEvents(t *testing.T) {
	m := New()
	ch := make(chan eventbus.Event, 3)
	ch <- eventbus.Event{Type: eventbus.TopicTaskFinished, Data: engine.TaskEvent{Name: "scan"}}
	ch <- eventbus.Event{Type: eventbus.TopicAlertSent}
	ch <- eventbus.Event{Type: "other"}
	close(ch)

	m.Consume(context.Background(), ch)

	assert.Equal(t, 1.0, value(t, m.tasks.WithLabelValues("scan", "finished")))
	assert.Equal(t, 1.0, value(t, m.alerts.WithLabelValues("sent")))
}
