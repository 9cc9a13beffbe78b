package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/require"

	"github.com/tarkalabs/reliabletransport/internal/transport"
	"github.com/tarkalabs/reliabletransport/internal/wire"
)

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	var m dto.Metric
	require.NoError(t, c.Write(&m))
	return m.GetCounter().GetValue()
}

func gaugeValue(t *testing.T, g prometheus.Gauge) float64 {
	t.Helper()
	var m dto.Metric
	require.NoError(t, g.Write(&m))
	return m.GetGauge().GetValue()
}

func TestObserveAccumulatesCounters(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollectors(reg, "test-client")
	o := NewObserver(c)

	o.Observe(transport.Stats{PacketsSent: 3, PacketsReceived: 1, Pending: 2, WindowSize: 5, Mode: wire.ModeGoBackN})
	require.Equal(t, float64(3), counterValue(t, c.PacketsSent))
	require.Equal(t, float64(1), counterValue(t, c.PacketsReceived))
	require.Equal(t, float64(2), gaugeValue(t, c.Pending))
	require.Equal(t, float64(5), gaugeValue(t, c.WindowSize))

	o.Observe(transport.Stats{PacketsSent: 7, PacketsReceived: 1, Pending: 0, WindowSize: 5})
	require.Equal(t, float64(7), counterValue(t, c.PacketsSent), "counter should move forward by the delta")
	require.Equal(t, float64(1), counterValue(t, c.PacketsReceived), "no delta means no change")
	require.Equal(t, float64(0), gaugeValue(t, c.Pending), "gauges always track the latest value")
}

func TestObserveIgnoresNonIncreasingCounters(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollectors(reg, "test-server")
	o := NewObserver(c)

	o.Observe(transport.Stats{Retransmissions: 5})
	require.Equal(t, float64(5), counterValue(t, c.Retransmissions))

	// A restarted counter source (e.g. stats reset) must not drive the
	// Prometheus counter backwards.
	o.Observe(transport.Stats{Retransmissions: 2})
	require.Equal(t, float64(5), counterValue(t, c.Retransmissions))
}
