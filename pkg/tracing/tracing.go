// Package tracing OpenTelemetry 初始化与 span 辅助函数，导出到 Jaeger
package tracing

import (
	"context"
	"errors"
	"net/http"
	"sync/atomic"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/jaeger"
	"go.opentelemetry.io/otel/propagation"
	sdkresource "go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

type Config struct {
	ServiceName string
	Endpoint    string // Jaeger collector endpoint
	Enabled     bool
	SampleRate  float64 // 0.0-1.0，超出范围时截断
}

const (
	traceHeader = "X-Trace-ID"
	tracerName  = "github.com/exchange/bridge"
)

// 探针和指标抓取不产生 span
var untracedPaths = map[string]bool{"/live": true, "/ready": true, "/health": true, "/metrics": true}

var enabled atomic.Bool

// Init installs the global tracer provider and W3C propagators. When tracing
// is disabled a noop provider is installed and shutdown does nothing.
func Init(cfg Config) (shutdown func(context.Context) error, err error) {
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))
	noop := func(context.Context) error { return nil }

	if !cfg.Enabled {
		enabled.Store(false)
		otel.SetTracerProvider(trace.NewNoopTracerProvider())
		return noop, nil
	}
	if cfg.Endpoint == "" {
		return noop, errors.New("tracing: jaeger endpoint is required")
	}

	exp, err := jaeger.New(jaeger.WithCollectorEndpoint(jaeger.WithEndpoint(cfg.Endpoint)))
	if err != nil {
		return noop, err
	}

	service := cfg.ServiceName
	if service == "" {
		service = "exchange-bridge"
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(clampRate(cfg.SampleRate)))),
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(sdkresource.NewSchemaless(attribute.String("service.name", service))),
	)
	otel.SetTracerProvider(tp)
	enabled.Store(true)
	return tp.Shutdown, nil
}

func clampRate(r float64) float64 {
	switch {
	case r < 0:
		return 0
	case r > 1:
		return 1
	}
	return r
}

func Enabled() bool { return enabled.Load() }

// StartSpan starts a span from the package tracer. With tracing disabled the
// returned span is non-recording and ctx is unchanged.
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	if ctx == nil {
		ctx = context.Background()
	}
	if !enabled.Load() {
		return ctx, trace.SpanFromContext(context.Background())
	}
	return otel.Tracer(tracerName).Start(ctx, name, opts...)
}

// Finish 记录错误（如有）并结束 span
func Finish(span trace.Span, err error) {
	if err != nil && span.IsRecording() {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// AddEvent 向当前 span 添加事件
func AddEvent(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	if span := recording(ctx); span != nil {
		span.AddEvent(name, trace.WithAttributes(attrs...))
	}
}

// SetError 标记当前 span 失败
func SetError(ctx context.Context, err error) {
	if span := recording(ctx); span != nil && err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}

func recording(ctx context.Context) trace.Span {
	if ctx == nil || !enabled.Load() {
		return nil
	}
	if span := trace.SpanFromContext(ctx); span.IsRecording() {
		return span
	}
	return nil
}

// traceIDOf returns the hex trace id of the span in ctx, or "" without one.
func traceIDOf(ctx context.Context) string {
	if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
		return sc.TraceID().String()
	}
	return ""
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// HTTPMiddleware continues an incoming W3C trace, opens a server span per
// request and echoes the trace id in X-Trace-ID. 5xx responses mark the span
// as failed.
func HTTPMiddleware(next http.Handler) http.Handler {
	if !enabled.Load() {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if untracedPaths[r.URL.Path] {
			next.ServeHTTP(w, r)
			return
		}
		ctx := otel.GetTextMapPropagator().Extract(r.Context(), propagation.HeaderCarrier(r.Header))
		ctx, span := StartSpan(ctx, r.Method+" "+r.URL.Path, trace.WithSpanKind(trace.SpanKindServer))
		defer span.End()

		if id := traceIDOf(ctx); id != "" {
			w.Header().Set(traceHeader, id)
		}
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r.WithContext(ctx))

		span.SetAttributes(
			attribute.String("http.method", r.Method),
			attribute.String("url.path", r.URL.Path),
			attribute.Int("http.status_code", rec.status),
		)
		if rec.status >= http.StatusInternalServerError {
			span.SetStatus(codes.Error, http.StatusText(rec.status))
		}
	})
}
