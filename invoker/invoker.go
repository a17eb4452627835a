// Package invoker 提供对服务实例的远程调用.
//
// Invoker 只负责把请求送到指定实例，实例选择由 Router 结合
// balancer.Picker 完成:
//
//	router := invoker.NewRouter(picker, reg, invoker.NewHTTPInvoker(),
//	    invoker.WithRetry(3, 100*time.Millisecond),
//	)
//	resp, err := router.Call(ctx, "payment", invoker.Payload{"amount": 100})
//
// 网络错误包装为 ErrTransport，请求写出后才发生的网络错误额外包装
// ErrRequestSent，远端业务错误为 *ApplicationError，三者可区分处理.
package invoker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptrace"
	"strings"
	"sync/atomic"
	"time"

	"github.com/Tsukikage7/orchestrator/logger"
	"github.com/Tsukikage7/orchestrator/registry"
)

// Payload 请求与响应载荷.
type Payload = map[string]any

// Invoker 远程调用器.
//
// timeout > 0 时调用在 timeout 内结束，否则仅受 ctx 约束.
type Invoker interface {
	Invoke(ctx context.Context, instance registry.ServiceInstance, req Payload, timeout time.Duration) (Payload, error)
}

// InvokerFunc 函数适配器.
type InvokerFunc func(ctx context.Context, instance registry.ServiceInstance, req Payload, timeout time.Duration) (Payload, error)

// Invoke 实现 Invoker 接口.
func (f InvokerFunc) Invoke(ctx context.Context, instance registry.ServiceInstance, req Payload, timeout time.Duration) (Payload, error) {
	return f(ctx, instance, req, timeout)
}

type pathKey struct{}

// ContextWithPath 指定本次调用的请求路径，覆盖 HTTPInvoker 的默认路径.
func ContextWithPath(ctx context.Context, path string) context.Context {
	return context.WithValue(ctx, pathKey{}, path)
}

// PathFromContext 获取本次调用的请求路径.
func PathFromContext(ctx context.Context) (string, bool) {
	path, ok := ctx.Value(pathKey{}).(string)
	return path, ok && path != ""
}

// HTTPInvoker 以 JSON POST 方式调用实例.
type HTTPInvoker struct {
	client  *http.Client
	scheme  string
	path    string
	headers map[string]string
	logger  logger.Logger
}

// HTTPOption HTTPInvoker 配置选项.
type HTTPOption func(*HTTPInvoker)

// WithHTTPClient 设置底层 http.Client.
func WithHTTPClient(client *http.Client) HTTPOption {
	return func(h *HTTPInvoker) {
		if client != nil {
			h.client = client
		}
	}
}

// WithScheme 设置 URL scheme，默认 http.
func WithScheme(scheme string) HTTPOption {
	return func(h *HTTPInvoker) {
		if scheme != "" {
			h.scheme = scheme
		}
	}
}

// WithPath 设置默认请求路径，默认 /invoke.
func WithPath(path string) HTTPOption {
	return func(h *HTTPInvoker) {
		if path != "" {
			h.path = path
		}
	}
}

// WithHeader 添加默认请求头.
func WithHeader(key, value string) HTTPOption {
	return func(h *HTTPInvoker) {
		h.headers[key] = value
	}
}

// WithHTTPLogger 设置日志记录器.
func WithHTTPLogger(log logger.Logger) HTTPOption {
	return func(h *HTTPInvoker) {
		if log != nil {
			h.logger = log
		}
	}
}

// NewHTTPInvoker 创建 HTTP 调用器.
func NewHTTPInvoker(opts ...HTTPOption) *HTTPInvoker {
	h := &HTTPInvoker{
		client:  http.DefaultClient,
		scheme:  "http",
		path:    "/invoke",
		headers: make(map[string]string),
		logger:  logger.NewNop(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Invoke 实现 Invoker 接口.
func (h *HTTPInvoker) Invoke(ctx context.Context, instance registry.ServiceInstance, req Payload, timeout time.Duration) (Payload, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	path := h.path
	if p, ok := PathFromContext(ctx); ok {
		path = p
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	url := h.scheme + "://" + instance.Address.String() + path

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("invoker: 请求序列化失败: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("invoker: 请求创建失败: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	for k, v := range h.headers {
		httpReq.Header.Set(k, v)
	}

	var sent atomic.Bool
	httpReq = httpReq.WithContext(httptrace.WithClientTrace(ctx, &httptrace.ClientTrace{
		WroteRequest: func(info httptrace.WroteRequestInfo) {
			if info.Err == nil {
				sent.Store(true)
			}
		},
	}))

	resp, err := h.client.Do(httpReq)
	if err != nil {
		h.logger.WithContext(ctx).With(
			logger.String("instanceId", instance.ID),
			logger.String("url", url),
			logger.Bool("sent", sent.Load()),
			logger.Err(err),
		).Debug("[Invoker] 请求失败")
		return nil, transportError(instance, sent.Load(), err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, transportError(instance, true, err)
	}

	payload, decodeErr := decodePayload(raw)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &ApplicationError{
			StatusCode: resp.StatusCode,
			Payload:    payload,
			Body:       string(raw),
		}
	}
	if decodeErr != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidResponse, decodeErr)
	}
	return payload, nil
}

func transportError(instance registry.ServiceInstance, sent bool, err error) error {
	if sent {
		return fmt.Errorf("%w: %w: %s: %w", ErrTransport, ErrRequestSent, instance.Address, err)
	}
	return fmt.Errorf("%w: %s: %w", ErrTransport, instance.Address, err)
}

// decodePayload 解析 JSON 对象，空响应返回空载荷.
func decodePayload(raw []byte) (Payload, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return Payload{}, nil
	}

	var payload Payload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, err
	}
	if payload == nil {
		return nil, errors.New("响应不是 JSON 对象")
	}
	return payload, nil
}
