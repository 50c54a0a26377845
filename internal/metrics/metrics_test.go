package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New("test", reg)

	m.IncPolls("simulated", "empty")
	m.IncPolls("simulated", "alerts")
	m.IncPolls("simulated", "alerts")
	m.AddAlertsPolled("simulated", 5)
	m.AddDocumentsWritten(4)
	m.IncDecodeErrors("template")
	m.SetDispatchState(7, 1, 2)
	m.IncItemsDispatched()
	m.IncSentinelsSent()

	assert.Equal(t, 2.0, testutil.ToFloat64(m.Polls.WithLabelValues("simulated", "alerts")))
	assert.Equal(t, 5.0, testutil.ToFloat64(m.AlertsPolled.WithLabelValues("simulated")))
	assert.Equal(t, 4.0, testutil.ToFloat64(m.DocumentsWritten))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.DecodeErrors.WithLabelValues("template")))
	assert.Equal(t, 7.0, testutil.ToFloat64(m.QueueDepth))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.IdleWorkers))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.ActiveWorkers))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SentinelsSent))

	// A second registry accepts the same names.
	assert.NotPanics(t, func() { New("test", prometheus.NewRegistry()) })
}

func TestGetBeforeInit(t *testing.T) {
	if defaultMetrics == nil {
		assert.Nil(t, Get())
	}
}
