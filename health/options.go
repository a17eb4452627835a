package health

import (
	"time"

	"github.com/Tsukikage7/orchestrator/logger"
	"github.com/Tsukikage7/orchestrator/registry"
)

// 默认配置值.
const (
	DefaultInterval         = 5 * time.Second
	DefaultTimeout          = 2 * time.Second
	DefaultFailureThreshold = 3
)

// ProbeHook 每次探测完成后调用.
type ProbeHook func(instance registry.ServiceInstance, err error, duration time.Duration)

// Option 配置选项函数.
type Option func(*options)

type options struct {
	logger           logger.Logger
	interval         time.Duration
	timeout          time.Duration
	failureThreshold int
	maxConcurrency   int
	hooks            []ProbeHook
}

func defaultOptions() *options {
	return &options{
		logger:           logger.NewNop(),
		interval:         DefaultInterval,
		timeout:          DefaultTimeout,
		failureThreshold: DefaultFailureThreshold,
	}
}

// WithLogger 设置日志记录器.
func WithLogger(log logger.Logger) Option {
	return func(o *options) {
		if log != nil {
			o.logger = log
		}
	}
}

// WithInterval 设置探测周期.
//
// 调度精度为秒，小于 1 秒的周期按 1 秒执行.
func WithInterval(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.interval = d
		}
	}
}

// WithTimeout 设置单次探测超时.
func WithTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.timeout = d
		}
	}
}

// WithFailureThreshold 设置连续失败多少次后标记为不健康.
func WithFailureThreshold(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.failureThreshold = n
		}
	}
}

// WithMaxConcurrency 限制单轮探测的最大并发数，0 表示与实例数相同.
func WithMaxConcurrency(n int) Option {
	return func(o *options) {
		if n >= 0 {
			o.maxConcurrency = n
		}
	}
}

// WithProbeHook 添加探测钩子.
func WithProbeHook(hooks ...ProbeHook) Option {
	return func(o *options) {
		o.hooks = append(o.hooks, hooks...)
	}
}
