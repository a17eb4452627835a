package invoker

import (
	"context"
	"time"

	"github.com/avast/retry-go/v4"

	"github.com/Tsukikage7/orchestrator/balancer"
	"github.com/Tsukikage7/orchestrator/logger"
	"github.com/Tsukikage7/orchestrator/registry"
)

// 默认配置值.
const (
	DefaultTimeout    = 5 * time.Second
	DefaultRetryDelay = 100 * time.Millisecond
)

// Picker 实例选择器，*balancer.Picker 实现了该接口.
type Picker interface {
	Pick(service string) (registry.ServiceInstance, error)
}

// ConnTracker 在途连接计数，*registry.Registry 实现了该接口.
type ConnTracker interface {
	Acquire(id string) error
	Release(id string)
}

// CallHook 每次调用实例后调用.
type CallHook func(service string, instance registry.ServiceInstance, err error, duration time.Duration)

// RouterOption Router 配置选项.
type RouterOption func(*Router)

// WithLogger 设置日志记录器.
func WithLogger(log logger.Logger) RouterOption {
	return func(r *Router) {
		if log != nil {
			r.logger = log
		}
	}
}

// WithTimeout 设置单次调用超时.
func WithTimeout(d time.Duration) RouterOption {
	return func(r *Router) {
		if d > 0 {
			r.timeout = d
		}
	}
}

// WithRetry 请求未送达对端的网络错误时重新选择实例重试，attempts 为总尝试次数.
//
// 业务错误、请求已写出后的超时或断连、无可用实例均不重试.
func WithRetry(attempts uint, delay time.Duration) RouterOption {
	return func(r *Router) {
		r.attempts = attempts
		if delay > 0 {
			r.delay = delay
		}
	}
}

// WithCallHook 添加调用钩子.
func WithCallHook(hooks ...CallHook) RouterOption {
	return func(r *Router) {
		r.hooks = append(r.hooks, hooks...)
	}
}

// Router 经负载均衡选择实例后发起调用.
type Router struct {
	picker   Picker
	tracker  ConnTracker
	invoker  Invoker
	logger   logger.Logger
	timeout  time.Duration
	attempts uint
	delay    time.Duration
	hooks    []CallHook
}

// NewRouter 创建路由调用器，tracker 可为 nil.
func NewRouter(picker Picker, tracker ConnTracker, inv Invoker, opts ...RouterOption) *Router {
	if inv == nil {
		panic(ErrNilInvoker)
	}

	r := &Router{
		picker:   picker,
		tracker:  tracker,
		invoker:  inv,
		logger:   logger.NewNop(),
		timeout:  DefaultTimeout,
		attempts: 1,
		delay:    DefaultRetryDelay,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.attempts == 0 {
		r.attempts = 1
	}
	return r
}

// Call 为服务选择实例并调用.
func (r *Router) Call(ctx context.Context, service string, req Payload) (Payload, error) {
	var resp Payload
	err := retry.Do(
		func() error {
			var err error
			resp, err = r.callOnce(ctx, service, req)
			return err
		},
		retry.Context(ctx),
		retry.Attempts(r.attempts),
		retry.Delay(r.delay),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(Retryable),
		retry.OnRetry(func(n uint, err error) {
			r.logger.WithContext(ctx).With(
				logger.String("service", service),
				logger.Int("attempt", int(n)+1),
				logger.Err(err),
			).Warn("[Invoker] 调用失败，重新选择实例重试")
		}),
	)
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// callOnce 选择实例并调用一次，调用期间计入实例的在途连接数.
func (r *Router) callOnce(ctx context.Context, service string, req Payload) (Payload, error) {
	instance, err := r.picker.Pick(service)
	if err != nil {
		return nil, err
	}

	if r.tracker != nil {
		if err := r.tracker.Acquire(instance.ID); err == nil {
			defer r.tracker.Release(instance.ID)
		}
	}

	start := time.Now()
	resp, err := r.invoker.Invoke(ctx, instance, req, r.timeout)
	duration := time.Since(start)

	for _, hook := range r.hooks {
		hook(service, instance, err, duration)
	}
	return resp, err
}

// Timeout 返回单次调用超时.
func (r *Router) Timeout() time.Duration {
	return r.timeout
}

var _ Picker = (*balancer.Picker)(nil)
