package endpoint

import (
	"context"
	"net"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/fastpass-project/endpoint/internal/fastpass/tracing"
	"github.com/fastpass-project/endpoint/internal/fastpass/wire"
)

// TestSetTracerDoesNotDisruptTraffic confirms that attaching a live (but
// offline-exporter) tracer doesn't block or panic the AREQ send path —
// span export happens off the hot path via the batch processor.
func TestSetTracerDoesNotDisruptTraffic(t *testing.T) {
	arbiter, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("ListenUDP: %v", err)
	}
	defer arbiter.Close()

	tr, err := tracing.New(tracing.Config{
		Enable:      true,
		ServiceName: "fastpass-endpoint-test",
		Endpoint:    "http://127.0.0.1:0/api/traces",
		Exporter:    "jaeger",
		SampleRate:  1.0,
	}, zap.NewNop())
	if err != nil {
		t.Fatalf("tracing.New: %v", err)
	}
	defer tr.Shutdown(context.Background())

	ep, err := Dial(testConfig(arbiter.LocalAddr().String()), zap.NewNop())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer ep.Close()

	ep.SetTracer(tr)
	ep.SubmitData(1, 2000)

	buf := make([]byte, 2048)
	arbiter.SetReadDeadline(time.Now().Add(time.Second))
	if _, _, err := arbiter.ReadFrom(buf); err != nil {
		t.Fatalf("expected an AREQ packet at the arbiter: %v", err)
	}
}

// TestHandleAllocStartsAndEndsASpanWithoutPanicking exercises the
// HandleAlloc tracing hook directly, since a full alloc round trip would
// need a scripted arbiter.
func TestHandleAllocStartsAndEndsASpanWithoutPanicking(t *testing.T) {
	arbiter, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("ListenUDP: %v", err)
	}
	defer arbiter.Close()

	tr, err := tracing.New(tracing.Config{Enable: true, Exporter: "jaeger", SampleRate: 1.0}, zap.NewNop())
	if err != nil {
		t.Fatalf("tracing.New: %v", err)
	}

	ep, err := Dial(testConfig(arbiter.LocalAddr().String()), zap.NewNop())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer ep.Close()
	ep.SetTracer(tr)

	ep.HandleAlloc(wire.AllocPayload{
		BaseTslotLow: 0,
		DstIDs:       []uint16{1},
		Slots:        []wire.AllocSlot{{DstIndex: 0}},
	})
}
