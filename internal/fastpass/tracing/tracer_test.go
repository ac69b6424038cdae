package tracing

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"
)

func TestNew(t *testing.T) {
	logger := zap.NewNop()

	tests := []struct {
		name    string
		config  Config
		wantErr bool
	}{
		{
			name:   "disabled tracer",
			config: Config{Enable: false},
		},
		{
			name: "jaeger exporter",
			config: Config{
				Enable:      true,
				ServiceName: "test-service",
				Endpoint:    "http://localhost:14268/api/traces",
				Exporter:    "jaeger",
				SampleRate:  1.0,
			},
		},
		{
			name: "invalid exporter",
			config: Config{
				Enable:      true,
				ServiceName: "test-service",
				Exporter:    "invalid",
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr, err := New(tt.config, logger)
			if (err != nil) != tt.wantErr {
				t.Fatalf("New() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil {
				return
			}
			defer func() {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = tr.Shutdown(ctx)
			}()
			if tt.config.Enable != tr.IsEnabled() {
				t.Errorf("IsEnabled() = %v, want %v", tr.IsEnabled(), tt.config.Enable)
			}
		})
	}
}

func TestDisabledTracerOperationsAreNoops(t *testing.T) {
	tr, err := New(Config{Enable: false}, zap.NewNop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx := context.Background()

	newCtx, span := tr.Start(ctx, "test-span")
	if newCtx == nil || span == nil {
		t.Fatalf("Start() returned nil context or span")
	}
	span.End()

	newCtx, span = tr.StartAREQRound(ctx, 7, 42)
	if newCtx == nil || span == nil {
		t.Fatalf("StartAREQRound() returned nil context or span")
	}
	span.End()

	newCtx, span = tr.StartAllocReceive(ctx, 7, 3)
	if newCtx == nil || span == nil {
		t.Fatalf("StartAllocReceive() returned nil context or span")
	}
	span.End()

	newCtx, span = tr.StartReset(ctx, true)
	if newCtx == nil || span == nil {
		t.Fatalf("StartReset() returned nil context or span")
	}
	span.End()

	tr.RecordError(ctx, nil)

	headers := make(map[string]string)
	tr.InjectHTTPHeaders(ctx, headers)
	if len(headers) != 0 {
		t.Fatalf("InjectHTTPHeaders() on disabled tracer injected headers: %v", headers)
	}
}

func TestInjectExtractHeadersRoundTrip(t *testing.T) {
	cfg := Config{
		Enable:      true,
		ServiceName: "test-service",
		Endpoint:    "http://localhost:14268/api/traces",
		Exporter:    "jaeger",
		SampleRate:  1.0,
	}
	tr, err := New(cfg, zap.NewNop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = tr.Shutdown(ctx)
	}()

	ctx := context.Background()
	ctx, span := tr.StartAREQRound(ctx, 3, 10)
	defer span.End()

	headers := make(map[string]string)
	tr.InjectHTTPHeaders(ctx, headers)
	if len(headers) == 0 {
		t.Fatalf("InjectHTTPHeaders() injected nothing")
	}

	slice := make(map[string][]string, len(headers))
	for k, v := range headers {
		slice[k] = []string{v}
	}
	newCtx := tr.ExtractHTTPHeaders(context.Background(), slice)
	if newCtx == nil {
		t.Fatalf("ExtractHTTPHeaders() returned nil context")
	}
}

func TestSamplingRates(t *testing.T) {
	for _, rate := range []float64{1.0, 0.0, 0.5} {
		cfg := Config{
			Enable:      true,
			ServiceName: "test-service",
			Endpoint:    "http://localhost:14268/api/traces",
			Exporter:    "jaeger",
			SampleRate:  rate,
		}
		tr, err := New(cfg, zap.NewNop())
		if err != nil {
			t.Fatalf("New(rate=%v): %v", rate, err)
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = tr.Shutdown(ctx)
		cancel()
		if !tr.IsEnabled() {
			t.Errorf("rate=%v: tracer should be enabled", rate)
		}
	}
}

func TestMapCarrier(t *testing.T) {
	carrier := &mapCarrier{headers: make(map[string]string)}
	carrier.Set("key1", "value1")
	carrier.Set("key2", "value2")
	if carrier.Get("key1") != "value1" {
		t.Fatalf("Get(key1) = %q, want value1", carrier.Get("key1"))
	}
	if len(carrier.Keys()) != 2 {
		t.Fatalf("Keys() = %v, want 2 entries", carrier.Keys())
	}
}

func TestSliceMapCarrier(t *testing.T) {
	carrier := &sliceMapCarrier{headers: make(map[string][]string)}
	carrier.Set("key1", "value1")
	carrier.Set("key2", "value2")
	if carrier.Get("key1") != "value1" {
		t.Fatalf("Get(key1) = %q, want value1", carrier.Get("key1"))
	}
	if carrier.Get("nonexistent") != "" {
		t.Fatalf("Get(nonexistent) = %q, want empty", carrier.Get("nonexistent"))
	}
	if len(carrier.Keys()) != 2 {
		t.Fatalf("Keys() = %v, want 2 entries", carrier.Keys())
	}
}
