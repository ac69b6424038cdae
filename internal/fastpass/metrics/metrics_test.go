package metrics

import (
	"net"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"go.uber.org/zap"

	"github.com/fastpass-project/endpoint/internal/fastpass/endpoint"
)

func newTestEndpoint(t *testing.T) *endpoint.Endpoint {
	t.Helper()
	arbiter, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("ListenUDP: %v", err)
	}
	t.Cleanup(func() { arbiter.Close() })

	cfg := endpoint.DefaultConfig()
	cfg.CtrlAddr = arbiter.LocalAddr().String()
	cfg.Scheduler.MaxFlows = 4
	cfg.Scheduler.TslotBytes = 1500

	ep, err := endpoint.Dial(cfg, zap.NewNop())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { ep.Close() })
	return ep
}

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	var m dto.Metric
	if err := c.Write(&m); err != nil {
		t.Fatalf("Write: %v", err)
	}
	return m.GetCounter().GetValue()
}

func TestCollectExportsForcedResetAsDelta(t *testing.T) {
	reg := prometheus.NewRegistry()
	old := prometheus.DefaultRegisterer
	prometheus.DefaultRegisterer = reg
	defer func() { prometheus.DefaultRegisterer = old }()

	ep := newTestEndpoint(t)
	m := New("fastpass", "endpoint_test_forced_reset")
	c := NewCollector(m, ep)

	ep.ForceReset()
	c.Collect()
	if got := counterValue(t, m.ForcedResets); got != 1 {
		t.Fatalf("ForcedResets = %v, want 1", got)
	}

	// A second Collect with no new resets must not double-count.
	c.Collect()
	if got := counterValue(t, m.ForcedResets); got != 1 {
		t.Fatalf("ForcedResets after second Collect = %v, want still 1", got)
	}
}

func TestCollectExportsPerDestinationGauges(t *testing.T) {
	reg := prometheus.NewRegistry()
	old := prometheus.DefaultRegisterer
	prometheus.DefaultRegisterer = reg
	defer func() { prometheus.DefaultRegisterer = old }()

	ep := newTestEndpoint(t)
	m := New("fastpass", "endpoint_test_dest_gauges")
	c := NewCollector(m, ep)

	ep.SubmitData(2, 3000)
	c.Collect()

	g, err := m.DestDemand.GetMetricWithLabelValues("2")
	if err != nil {
		t.Fatalf("GetMetricWithLabelValues: %v", err)
	}
	var dm dto.Metric
	if err := g.Write(&dm); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if dm.GetGauge().GetValue() <= 0 {
		t.Fatalf("DestDemand[2] = %v, want > 0", dm.GetGauge().GetValue())
	}
}
