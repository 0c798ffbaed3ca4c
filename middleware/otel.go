package middleware

import (
	"context"
	"errors"
	"slices"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/felixgeelhaar/multilink/protocol"
	"github.com/felixgeelhaar/multilink/service"
)

const (
	instrumentationName = "github.com/felixgeelhaar/multilink"
)

// OTelOption configures the OpenTelemetry middleware.
type OTelOption func(*otelConfig)

type otelConfig struct {
	tracerProvider trace.TracerProvider
	meterProvider  metric.MeterProvider
	serviceName    string
	spanKind       trace.SpanKind
	skip           map[string]bool
}

// WithTracerProvider sets a custom tracer provider.
func WithTracerProvider(tp trace.TracerProvider) OTelOption {
	return func(c *otelConfig) {
		c.tracerProvider = tp
	}
}

// WithMeterProvider sets a custom meter provider.
func WithMeterProvider(mp metric.MeterProvider) OTelOption {
	return func(c *otelConfig) {
		c.meterProvider = mp
	}
}

// WithOTelServiceName sets the service name for telemetry.
func WithOTelServiceName(name string) OTelOption {
	return func(c *otelConfig) {
		c.serviceName = name
	}
}

// WithSpanKind sets the span kind. Servers use the default,
// trace.SpanKindServer; clients pass trace.SpanKindClient.
func WithSpanKind(kind trace.SpanKind) OTelOption {
	return func(c *otelConfig) {
		c.spanKind = kind
	}
}

// WithOTelSkipOperations specifies operations that are not traced.
func WithOTelSkipOperations(ops ...string) OTelOption {
	return func(c *otelConfig) {
		for _, op := range ops {
			c.skip[op] = true
		}
	}
}

// OTel returns middleware that adds OpenTelemetry tracing and metrics.
// Each call gets a span named after its operation. For a streamed response
// the span stays open until the stream is closed and every element is
// counted.
func OTel[Req, Resp any](opts ...OTelOption) Middleware[Req, Resp] {
	cfg := &otelConfig{
		tracerProvider: otel.GetTracerProvider(),
		meterProvider:  otel.GetMeterProvider(),
		serviceName:    "multilink",
		spanKind:       trace.SpanKindServer,
		skip:           make(map[string]bool),
	}
	for _, opt := range opts {
		opt(cfg)
	}

	tracer := cfg.tracerProvider.Tracer(
		instrumentationName,
		trace.WithInstrumentationVersion("1.0.0"),
	)

	meter := cfg.meterProvider.Meter(
		instrumentationName,
		metric.WithInstrumentationVersion("1.0.0"),
	)

	callCounter, _ := meter.Int64Counter(
		"multilink.calls",
		metric.WithDescription("Total number of service calls"),
		metric.WithUnit("{call}"),
	)

	callDuration, _ := meter.Float64Histogram(
		"multilink.call.duration",
		metric.WithDescription("Time until a call's first outcome"),
		metric.WithUnit("ms"),
	)

	errorCounter, _ := meter.Int64Counter(
		"multilink.errors",
		metric.WithDescription("Total number of failed calls and stream elements"),
		metric.WithUnit("{error}"),
	)

	elementCounter, _ := meter.Int64Counter(
		"multilink.stream.elements",
		metric.WithDescription("Total number of streamed response elements"),
		metric.WithUnit("{element}"),
	)

	return func(next service.Service[Req, Resp]) service.Service[Req, Resp] {
		return service.Func[Req, Resp](func(ctx context.Context, req Req) (*service.Response[Resp], error) {
			op := OperationName(req)
			if cfg.skip[op] {
				return next.Call(ctx, req)
			}

			attrs := []attribute.KeyValue{
				attribute.String("multilink.operation", op),
				attribute.String("service.name", cfg.serviceName),
			}
			if transport := protocol.MetaValue(ctx, protocol.MetaTransport); transport != "" {
				attrs = append(attrs, attribute.String("multilink.transport", transport))
			}
			attrs = slices.Clip(attrs)

			ctx, span := tracer.Start(ctx, "multilink."+op,
				trace.WithSpanKind(cfg.spanKind),
				trace.WithAttributes(attrs...),
			)
			if reqID := RequestIDFromContext(ctx); reqID != "" {
				span.SetAttributes(attribute.String("multilink.request_id", reqID))
			}

			startTime := time.Now()
			callCounter.Add(ctx, 1, metric.WithAttributes(attrs...))

			resp, err := next.Call(ctx, req)

			callDuration.Record(ctx, float64(time.Since(startTime).Milliseconds()), metric.WithAttributes(attrs...))

			if err != nil {
				recordError(ctx, span, errorCounter, attrs, err)
				span.End()
				return resp, err
			}

			span.SetAttributes(attribute.String("multilink.response_mode", resp.Mode()))
			if !resp.IsMultiple() {
				span.SetStatus(codes.Ok, "")
				span.End()
				return resp, nil
			}

			stream := service.Tap(resp.Stream(), func(_ Resp, err error) {
				elementCounter.Add(ctx, 1, metric.WithAttributes(attrs...))
				if err != nil {
					span.AddEvent("stream element error", trace.WithAttributes(
						attribute.String("multilink.error_type", string(protocol.TypeOf(err))),
						attribute.String("error.message", err.Error()),
					))
					errorCounter.Add(ctx, 1, metric.WithAttributes(
						append(attrs, attribute.String("multilink.error_type", string(protocol.TypeOf(err))))...,
					))
				}
			})
			stream.OnClose(func() {
				span.SetStatus(codes.Ok, "")
				span.End()
			})
			return service.Multiple(stream), nil
		})
	}
}

func recordError(ctx context.Context, span trace.Span, counter metric.Int64Counter, attrs []attribute.KeyValue, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())

	errType := string(protocol.TypeOf(err))
	span.SetAttributes(attribute.String("multilink.error_type", errType))
	attrs = append(attrs, attribute.String("multilink.error_type", errType))

	var rpcErr *protocol.Error
	if errors.As(err, &rpcErr) {
		span.SetAttributes(attribute.Int("rpc.jsonrpc.error_code", rpcErr.Code))
		attrs = append(attrs, attribute.Int("rpc.jsonrpc.error_code", rpcErr.Code))
	}
	if errors.Is(err, protocol.ErrTimeout) {
		span.SetAttributes(attribute.Bool("multilink.timeout", true))
	}
	counter.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// SpanFromContext returns the current span from context.
// Returns a no-op span if no span is present.
func SpanFromContext(ctx context.Context) trace.Span {
	return trace.SpanFromContext(ctx)
}

// AddSpanEvent adds an event to the current span.
func AddSpanEvent(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	trace.SpanFromContext(ctx).AddEvent(name, trace.WithAttributes(attrs...))
}
