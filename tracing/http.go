package tracing

import (
	"fmt"
	"net/http"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/Tsukikage7/orchestrator/logger"
)

// TraceIDHeader 响应头中 traceId 的键名.
const TraceIDHeader = "X-Trace-Id"

// Transport 为出站 HTTP 请求创建客户端 span 并注入追踪头.
type Transport struct {
	base        http.RoundTripper
	serviceName string
	provider    trace.TracerProvider
}

// TransportOption Transport 配置选项.
type TransportOption func(*Transport)

// WithTracerProvider 指定 TracerProvider，默认使用全局 provider.
func WithTracerProvider(tp trace.TracerProvider) TransportOption {
	return func(t *Transport) {
		t.provider = tp
	}
}

// NewTransport 包装 base，base 为空时使用 http.DefaultTransport.
//
// 使用示例:
//
//	client := &http.Client{Transport: tracing.NewTransport(nil, "orchestrator")}
//	inv := invoker.NewHTTPInvoker(invoker.WithHTTPClient(client))
func NewTransport(base http.RoundTripper, serviceName string, opts ...TransportOption) *Transport {
	if base == nil {
		base = http.DefaultTransport
	}
	t := &Transport{base: base, serviceName: serviceName}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// RoundTrip 实现 http.RoundTripper.
func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	ctx, span := t.tracer().Start(req.Context(), fmt.Sprintf("HTTP %s %s", req.Method, req.URL.Path),
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("http.request.method", req.Method),
			attribute.String("server.address", req.URL.Host),
			attribute.String("url.path", req.URL.Path),
		),
	)
	defer span.End()

	// RoundTripper 不能修改原请求
	req = req.Clone(ctx)
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	resp, err := t.base.RoundTrip(req)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		span.RecordError(err)
		return nil, err
	}

	span.SetAttributes(attribute.Int("http.response.status_code", resp.StatusCode))
	if resp.StatusCode >= http.StatusBadRequest {
		span.SetStatus(codes.Error, http.StatusText(resp.StatusCode))
	}
	return resp, nil
}

func (t *Transport) tracer() trace.Tracer {
	if t.provider != nil {
		return t.provider.Tracer(t.serviceName)
	}
	return otel.Tracer(t.serviceName)
}

// Middleware 返回 HTTP 服务端中间件.
//
// 从请求头提取上游追踪上下文并创建服务端 span，traceId 写入响应头，
// 同时放入 context 供 logger.WithContext 使用.
func Middleware(serviceName string, opts ...TransportOption) func(http.Handler) http.Handler {
	cfg := &Transport{serviceName: serviceName}
	for _, opt := range opts {
		opt(cfg)
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := otel.GetTextMapPropagator().Extract(r.Context(), propagation.HeaderCarrier(r.Header))
			ctx, span := cfg.tracer().Start(ctx, fmt.Sprintf("HTTP %s %s", r.Method, r.URL.Path),
				trace.WithSpanKind(trace.SpanKindServer),
				trace.WithAttributes(
					attribute.String("http.request.method", r.Method),
					attribute.String("url.path", r.URL.Path),
				),
			)
			defer span.End()

			spanCtx := span.SpanContext()
			if spanCtx.HasTraceID() {
				ctx = logger.ContextWithTraceID(ctx, spanCtx.TraceID().String())
				w.Header().Set(TraceIDHeader, spanCtx.TraceID().String())
			}

			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r.WithContext(ctx))

			span.SetAttributes(attribute.Int("http.response.status_code", rec.status))
			if rec.status >= http.StatusInternalServerError {
				span.SetStatus(codes.Error, http.StatusText(rec.status))
			}
		})
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}
