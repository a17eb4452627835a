package registry

import (
	"time"

	"github.com/google/uuid"

	"github.com/Tsukikage7/orchestrator/logger"
)

// 默认配置值.
const (
	DefaultTTL       = 30 * time.Second
	DefaultStaleness = 30 * time.Second
)

// Option 配置选项函数.
type Option func(*options)

type options struct {
	logger    logger.Logger
	ttl       time.Duration
	staleness time.Duration
	now       func() time.Time
	idGen     func(name string) string
	observers []Observer
}

func defaultOptions() *options {
	return &options{
		logger:    logger.NewNop(),
		ttl:       DefaultTTL,
		staleness: DefaultStaleness,
		now:       time.Now,
		idGen: func(name string) string {
			return name + "-" + uuid.NewString()
		},
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

// WithDefaultTTL 设置 Register 未指定 ttl 时使用的心跳有效期.
func WithDefaultTTL(ttl time.Duration) Option {
	return func(o *options) {
		if ttl > 0 {
			o.ttl = ttl
		}
	}
}

// WithStaleness 设置过期阈值，0 表示只依据 TTL 判断.
func WithStaleness(d time.Duration) Option {
	return func(o *options) {
		o.staleness = d
	}
}

// WithClock 设置时钟，主要用于测试.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		o.now = now
	}
}

// WithIDGenerator 设置实例 ID 生成器.
func WithIDGenerator(fn func(name string) string) Option {
	return func(o *options) {
		o.idGen = fn
	}
}

// WithObserver 注册实例变更观察者.
func WithObserver(observers ...Observer) Option {
	return func(o *options) {
		o.observers = append(o.observers, observers...)
	}
}
