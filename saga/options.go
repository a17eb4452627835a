package saga

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/Tsukikage7/orchestrator/logger"
)

// 默认配置值.
const (
	DefaultStepTimeout         = 30 * time.Second
	DefaultCompensationTimeout = 30 * time.Second
)

// StepHook 步骤或补偿结束后调用.
type StepHook func(saga, step string, err error, duration time.Duration)

// FinishHook 执行进入终态后调用，record 为副本.
type FinishHook func(record *Record)

// Option 配置选项函数.
type Option func(*options)

// options 编排器配置.
type options struct {
	store               Store
	exporter            Exporter
	logger              logger.Logger
	tracer              trace.Tracer
	stepTimeout         time.Duration
	compensationTimeout time.Duration
	idGen               func() string
	now                 func() time.Time
	onStep              []StepHook
	onCompensate        []StepHook
	onFinish            []FinishHook
}

// defaultOptions 返回默认配置.
func defaultOptions() *options {
	return &options{
		store:               NewNopStore(),
		exporter:            NopExporter{},
		logger:              logger.NewNop(),
		tracer:              otel.GetTracerProvider().Tracer(tracerName),
		stepTimeout:         DefaultStepTimeout,
		compensationTimeout: DefaultCompensationTimeout,
		idGen:               uuid.NewString,
		now:                 time.Now,
	}
}

// WithStore 设置执行记录存储.
//
// 如果不设置，使用 NopStore（不保存记录）.
func WithStore(store Store) Option {
	return func(o *options) {
		if store != nil {
			o.store = store
		}
	}
}

// WithExporter 设置执行记录导出器，执行进入终态后导出.
func WithExporter(exporter Exporter) Option {
	return func(o *options) {
		if exporter != nil {
			o.exporter = exporter
		}
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

// WithTracerProvider 设置链路追踪.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(o *options) {
		if tp != nil {
			o.tracer = tp.Tracer(tracerName)
		}
	}
}

// WithStepTimeout 设置单个步骤的超时时间，0 表示不限制.
//
// 调用方取消不会中断进行中的步骤，步骤只受该超时约束.
func WithStepTimeout(d time.Duration) Option {
	return func(o *options) {
		if d >= 0 {
			o.stepTimeout = d
		}
	}
}

// WithCompensationTimeout 设置单个补偿的超时时间，0 表示不限制.
func WithCompensationTimeout(d time.Duration) Option {
	return func(o *options) {
		if d >= 0 {
			o.compensationTimeout = d
		}
	}
}

// WithIDGenerator 设置执行 ID 生成器.
func WithIDGenerator(fn func() string) Option {
	return func(o *options) {
		if fn != nil {
			o.idGen = fn
		}
	}
}

// WithStepHook 添加步骤钩子.
func WithStepHook(hooks ...StepHook) Option {
	return func(o *options) {
		o.onStep = append(o.onStep, hooks...)
	}
}

// WithCompensationHook 添加补偿钩子.
func WithCompensationHook(hooks ...StepHook) Option {
	return func(o *options) {
		o.onCompensate = append(o.onCompensate, hooks...)
	}
}

// WithFinishHook 添加终态钩子，常用于指标统计.
func WithFinishHook(hooks ...FinishHook) Option {
	return func(o *options) {
		o.onFinish = append(o.onFinish, hooks...)
	}
}

// boundedContext 返回不受调用方取消影响、只受 timeout 约束的 context.
func boundedContext(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	ctx = context.WithoutCancel(ctx)
	if timeout > 0 {
		return context.WithTimeout(ctx, timeout)
	}
	return context.WithCancel(ctx)
}
