// Package tracing wraps OpenTelemetry span creation for the admin plane
// and the AREQ/ALLOC round trip, adapted from the teacher's tracer.
package tracing

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/jaeger"
	"go.opentelemetry.io/otel/exporters/zipkin"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Config configures the tracer's exporter and sampling.
type Config struct {
	Enable       bool    `yaml:"enable"`
	ServiceName  string  `yaml:"service_name"`
	Endpoint     string  `yaml:"endpoint"`
	Exporter     string  `yaml:"exporter"` // jaeger|zipkin
	SampleRate   float64 `yaml:"sample_rate"`
	Environment  string  `yaml:"environment"`
	BatchTimeout int     `yaml:"batch_timeout_seconds"`
	MaxQueueSize int     `yaml:"max_queue_size"`
}

// DefaultConfig returns a disabled tracer config; callers that want
// tracing must opt in explicitly.
func DefaultConfig() Config {
	return Config{
		Enable:       false,
		ServiceName:  "fastpass-endpoint",
		Endpoint:     "http://localhost:14268/api/traces",
		Exporter:     "jaeger",
		SampleRate:   1.0,
		Environment:  "development",
		BatchTimeout: 5,
		MaxQueueSize: 2048,
	}
}

// Tracer owns the process-wide TracerProvider and exposes span helpers
// scoped to the fastpass control-plane operations (AREQ send, ALLOC
// receive, reset handshake).
type Tracer struct {
	config   Config
	provider *sdktrace.TracerProvider
	tracer   trace.Tracer
	logger   *zap.Logger
}

// New builds a Tracer from cfg. A disabled config returns a no-op Tracer
// so call sites never need an Enable check of their own.
func New(cfg Config, logger *zap.Logger) (*Tracer, error) {
	if !cfg.Enable {
		logger.Info("tracing disabled")
		return &Tracer{config: cfg, logger: logger}, nil
	}

	res, err := resource.New(
		context.Background(),
		resource.WithAttributes(
			semconv.ServiceName(cfg.ServiceName),
			semconv.DeploymentEnvironment(cfg.Environment),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("build resource: %w", err)
	}

	var exporter sdktrace.SpanExporter
	switch cfg.Exporter {
	case "jaeger":
		exporter, err = jaeger.New(jaeger.WithCollectorEndpoint(jaeger.WithEndpoint(cfg.Endpoint)))
		if err != nil {
			return nil, fmt.Errorf("build jaeger exporter: %w", err)
		}
		logger.Info("created jaeger exporter", zap.String("endpoint", cfg.Endpoint))
	case "zipkin":
		exporter, err = zipkin.New(cfg.Endpoint)
		if err != nil {
			return nil, fmt.Errorf("build zipkin exporter: %w", err)
		}
		logger.Info("created zipkin exporter", zap.String("endpoint", cfg.Endpoint))
	default:
		return nil, fmt.Errorf("unsupported exporter: %s", cfg.Exporter)
	}

	var sampler sdktrace.Sampler
	switch {
	case cfg.SampleRate >= 1.0:
		sampler = sdktrace.AlwaysSample()
	case cfg.SampleRate <= 0.0:
		sampler = sdktrace.NeverSample()
	default:
		sampler = sdktrace.TraceIDRatioBased(cfg.SampleRate)
	}

	batcher := sdktrace.NewBatchSpanProcessor(
		exporter,
		sdktrace.WithBatchTimeout(time.Duration(cfg.BatchTimeout)*time.Second),
		sdktrace.WithMaxQueueSize(cfg.MaxQueueSize),
	)

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler),
		sdktrace.WithSpanProcessor(batcher),
	)

	otel.SetTracerProvider(provider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	logger.Info("tracing initialized",
		zap.String("service", cfg.ServiceName),
		zap.String("exporter", cfg.Exporter),
		zap.Float64("sample_rate", cfg.SampleRate),
	)

	return &Tracer{
		config:   cfg,
		provider: provider,
		tracer:   provider.Tracer(cfg.ServiceName),
		logger:   logger,
	}, nil
}

// Shutdown flushes pending spans and tears down the exporter.
func (t *Tracer) Shutdown(ctx context.Context) error {
	if t.provider == nil {
		return nil
	}
	t.logger.Info("shutting down tracer")
	return t.provider.Shutdown(ctx)
}

// Start begins a new span, returning the unchanged context and the
// ambient span when tracing is disabled.
func (t *Tracer) Start(ctx context.Context, spanName string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	if !t.config.Enable || t.tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	return t.tracer.Start(ctx, spanName, opts...)
}

// IsEnabled reports whether spans are actually being exported.
func (t *Tracer) IsEnabled() bool {
	return t.config.Enable
}

// StartAREQRound begins a span covering one AREQ send through its
// eventual ACK or NACK, tagged with the destination and its cumulative
// requested timeslot count.
func (t *Tracer) StartAREQRound(ctx context.Context, dstID uint16, cumulativeTslots uint64) (context.Context, trace.Span) {
	return t.Start(ctx, "fastpass.areq_round",
		trace.WithAttributes(
			attribute.Int64("fastpass.dst_id", int64(dstID)),
			attribute.Int64("fastpass.cumulative_tslots", int64(cumulativeTslots)),
		),
	)
}

// StartAllocReceive begins a span for one HandleAlloc invocation.
func (t *Tracer) StartAllocReceive(ctx context.Context, dstID uint16, count int) (context.Context, trace.Span) {
	return t.Start(ctx, "fastpass.alloc_receive",
		trace.WithAttributes(
			attribute.Int64("fastpass.dst_id", int64(dstID)),
			attribute.Int("fastpass.alloc_count", count),
		),
	)
}

// StartReset begins a span covering one reset handshake attempt.
func (t *Tracer) StartReset(ctx context.Context, forced bool) (context.Context, trace.Span) {
	return t.Start(ctx, "fastpass.reset",
		trace.WithAttributes(attribute.Bool("fastpass.forced", forced)),
	)
}

// RecordError attaches err to the current span, if tracing is enabled.
func (t *Tracer) RecordError(ctx context.Context, err error, attrs ...attribute.KeyValue) {
	if !t.config.Enable || err == nil {
		return
	}
	span := trace.SpanFromContext(ctx)
	span.RecordError(err, trace.WithAttributes(attrs...))
}

// InjectHTTPHeaders propagates the current trace context into outgoing
// admin-plane HTTP headers.
func (t *Tracer) InjectHTTPHeaders(ctx context.Context, headers map[string]string) {
	if !t.config.Enable {
		return
	}
	otel.GetTextMapPropagator().Inject(ctx, &mapCarrier{headers: headers})
}

// ExtractHTTPHeaders recovers a trace context from inbound admin-plane
// HTTP headers.
func (t *Tracer) ExtractHTTPHeaders(ctx context.Context, headers map[string][]string) context.Context {
	if !t.config.Enable {
		return ctx
	}
	return otel.GetTextMapPropagator().Extract(ctx, &sliceMapCarrier{headers: headers})
}

type mapCarrier struct{ headers map[string]string }

func (c *mapCarrier) Get(key string) string { return c.headers[key] }
func (c *mapCarrier) Set(key, value string) { c.headers[key] = value }
func (c *mapCarrier) Keys() []string {
	keys := make([]string, 0, len(c.headers))
	for k := range c.headers {
		keys = append(keys, k)
	}
	return keys
}

type sliceMapCarrier struct{ headers map[string][]string }

func (c *sliceMapCarrier) Get(key string) string {
	if vs := c.headers[key]; len(vs) > 0 {
		return vs[0]
	}
	return ""
}
func (c *sliceMapCarrier) Set(key, value string) { c.headers[key] = []string{value} }
func (c *sliceMapCarrier) Keys() []string {
	keys := make([]string, 0, len(c.headers))
	for k := range c.headers {
		keys = append(keys, k)
	}
	return keys
}
