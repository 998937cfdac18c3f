package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/require"
)

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	var m dto.Metric
	require.NoError(t, c.Write(&m))
	return m.GetCounter().GetValue()
}

func TestNewRegistersAllCollectorsWithoutPanicking(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)
	require.NotNil(t, m.EventsApplied)

	families, err := reg.Gather()
	require.NoError(t, err)
	require.NotEmpty(t, families)
}

func TestCountersIncrementIndependently(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.EventsApplied.Inc()
	m.EventsApplied.Inc()
	m.EventsDuplicate.Inc()

	require.Equal(t, 2.0, counterValue(t, m.EventsApplied))
	require.Equal(t, 1.0, counterValue(t, m.EventsDuplicate))
	require.Equal(t, 0.0, counterValue(t, m.ClockSkewRejected))
}

func TestCommandLatencyObservesByLabel(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.CommandLatency.WithLabelValues("get").Observe(0.01)
	m.CommandLatency.WithLabelValues("set").Observe(0.02)

	families, err := reg.Gather()
	require.NoError(t, err)

	var found bool
	for _, f := range families {
		if f.GetName() == "merklekv_command_latency_seconds" {
			found = true
			require.Len(t, f.GetMetric(), 2)
		}
	}
	require.True(t, found)
}
