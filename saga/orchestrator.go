package saga

import (
	"context"
	"fmt"
	"runtime/debug"

	"github.com/hashicorp/go-multierror"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/Tsukikage7/orchestrator/logger"
)

const tracerName = "github.com/Tsukikage7/orchestrator/saga"

// Orchestrator Saga 编排器.
//
// 同一个 Saga 的步骤严格串行执行，不同执行之间没有共享的可变状态，可以并发调用 Execute.
type Orchestrator struct {
	opts *options
}

// NewOrchestrator 创建编排器.
func NewOrchestrator(opts ...Option) *Orchestrator {
	o := defaultOptions()
	for _, opt := range opts {
		opt(o)
	}
	return &Orchestrator{opts: o}
}

// completedStep 已完成步骤及其成功后的上下文快照.
type completedStep struct {
	step     Step
	snapshot Data
}

// execution 单次执行的运行时状态.
type execution struct {
	def    *Definition
	record *Record
	log    logger.Logger
}

// Execute 执行 Saga.
//
// 全部步骤成功时返回最终上下文、状态为 Committed 的记录和 nil.
// 步骤失败时逆序补偿已完成的步骤，返回的错误同时满足 errors.Is 原始步骤错误
// 以及 ErrRolledBack 或 ErrRollbackIncomplete.
//
// ctx 被取消时正在执行的步骤不会被中断，该步骤结束后立即进入补偿.
// 补偿不受 ctx 取消影响.
// 空定义属于编程错误，直接 panic.
func (o *Orchestrator) Execute(ctx context.Context, def *Definition, initial Data) (Data, *Record, error) {
	if def == nil || len(def.steps) == 0 {
		panic(ErrNoSteps)
	}

	record := newRecord(o.opts.idGen(), def.name, o.opts.now())
	ctx = logger.ContextWithExecutionID(ctx, record.ID)

	ctx, span := o.opts.tracer.Start(ctx, "saga.execute "+def.name,
		trace.WithAttributes(
			attribute.String("saga.name", def.name),
			attribute.String("saga.execution_id", record.ID),
			attribute.Int("saga.steps", len(def.steps)),
		),
	)
	defer span.End()

	exec := &execution{
		def:    def,
		record: record,
		log: o.opts.logger.WithContext(ctx).With(
			logger.String("saga", def.name),
		),
	}

	data := initial.Clone()
	o.save(ctx, exec)

	completed, stepErr := o.forward(ctx, exec, &data)
	record.Context = data.Clone()

	if stepErr == nil {
		record.Status = StatusCommitted
		o.finish(ctx, exec)
		span.SetStatus(codes.Ok, "")
		exec.log.Info("[Saga] 执行成功")
		return data, record.Clone(), nil
	}

	record.Status = StatusCompensating
	record.Error = stepErr.Error()
	o.save(ctx, exec)
	exec.log.With(
		logger.Int("completedSteps", len(completed)),
		logger.Err(stepErr),
	).Warn("[Saga] 开始执行补偿")

	compErr := o.compensate(ctx, exec, completed)

	var err error
	if compErr != nil {
		record.Status = StatusRollbackIncomplete
		err = fmt.Errorf("%w: %w: %w", ErrRollbackIncomplete, stepErr, compErr)
		exec.log.With(logger.Err(compErr)).Error("[Saga] 回滚不完整，需要人工介入")
	} else {
		record.Status = StatusRolledBack
		err = fmt.Errorf("%w: %w", ErrRolledBack, stepErr)
		exec.log.Info("[Saga] 回滚完成")
	}

	record.Error = err.Error()
	o.finish(ctx, exec)
	span.RecordError(err)
	span.SetStatus(codes.Error, string(record.Status))
	return data, record.Clone(), err
}

// forward 依次执行步骤，返回已完成的步骤和触发回滚的错误.
func (o *Orchestrator) forward(ctx context.Context, exec *execution, data *Data) ([]completedStep, error) {
	completed := make([]completedStep, 0, len(exec.def.steps))

	for i, step := range exec.def.steps {
		if err := ctx.Err(); err != nil {
			return completed, fmt.Errorf("%w: %w", ErrCancelled, err)
		}

		exec.record.CurrentStep = i
		start := o.opts.now()
		partial, err := o.runAction(ctx, step, *data)
		duration := o.opts.now().Sub(start)

		for _, hook := range o.opts.onStep {
			hook(exec.def.name, step.Name, err, duration)
		}

		if err != nil {
			exec.record.append(LogEntry{
				Step:     step.Name,
				Status:   EntryFailed,
				Error:    err.Error(),
				At:       o.opts.now(),
				Duration: duration,
			})
			exec.log.With(logger.String("step", step.Name), logger.Err(err)).Error("[Saga] 步骤执行失败")
			return completed, &StepError{Step: step.Name, Err: err}
		}

		*data = data.Merge(partial)
		snapshot := data.Clone()
		completed = append(completed, completedStep{step: step, snapshot: snapshot})
		exec.record.append(LogEntry{
			Step:     step.Name,
			Status:   EntryCompleted,
			Snapshot: snapshot.Clone(),
			At:       o.opts.now(),
			Duration: duration,
		})
		o.save(ctx, exec)

		exec.log.With(
			logger.String("step", step.Name),
			logger.Duration("duration", duration),
		).Debug("[Saga] 步骤执行完成")

		// 步骤执行期间被取消: 已完成的步骤需要补偿
		if err := ctx.Err(); err != nil {
			return completed, fmt.Errorf("%w: %w", ErrCancelled, err)
		}
	}

	return completed, nil
}

// compensate 逆序补偿已完成的步骤，单个补偿失败不影响其余补偿.
func (o *Orchestrator) compensate(ctx context.Context, exec *execution, completed []completedStep) error {
	var result *multierror.Error

	for i := len(completed) - 1; i >= 0; i-- {
		c := completed[i]
		if c.step.Compensate == nil {
			exec.log.With(logger.String("step", c.step.Name)).Debug("[Saga] 步骤无补偿，跳过")
			continue
		}

		start := o.opts.now()
		err := o.runCompensation(ctx, c.step, c.snapshot.Clone())
		duration := o.opts.now().Sub(start)

		for _, hook := range o.opts.onCompensate {
			hook(exec.def.name, c.step.Name, err, duration)
		}

		entry := LogEntry{
			Step:     c.step.Name,
			Status:   EntryCompensationCompleted,
			Snapshot: c.snapshot.Clone(),
			At:       o.opts.now(),
			Duration: duration,
		}
		if err != nil {
			entry.Status = EntryCompensationFailed
			entry.Error = err.Error()
			result = multierror.Append(result, &StepError{Step: c.step.Name, Err: err})
			exec.log.With(logger.String("step", c.step.Name), logger.Err(err)).Error("[Saga] 补偿执行失败")
		} else {
			exec.log.With(logger.String("step", c.step.Name)).Debug("[Saga] 步骤已补偿")
		}
		exec.record.append(entry)
		o.save(ctx, exec)
	}

	return result.ErrorOrNil()
}

// runAction 执行正向操作，调用方取消不会中断进行中的步骤.
func (o *Orchestrator) runAction(ctx context.Context, step Step, data Data) (partial Data, err error) {
	stepCtx, cancel := boundedContext(ctx, o.opts.stepTimeout)
	defer cancel()

	stepCtx, span := o.opts.tracer.Start(stepCtx, "saga.step "+step.Name,
		trace.WithAttributes(attribute.String("saga.step", step.Name)),
	)
	defer func() {
		endSpan(span, err)
	}()

	defer o.recoverStep(step.Name, &err)
	return step.Action(stepCtx, data.Clone())
}

// runCompensation 执行补偿.
func (o *Orchestrator) runCompensation(ctx context.Context, step Step, snapshot Data) (err error) {
	compCtx, cancel := boundedContext(ctx, o.opts.compensationTimeout)
	defer cancel()

	compCtx, span := o.opts.tracer.Start(compCtx, "saga.compensate "+step.Name,
		trace.WithAttributes(attribute.String("saga.step", step.Name)),
	)
	defer func() {
		endSpan(span, err)
	}()

	defer o.recoverStep(step.Name, &err)
	return step.Compensate(compCtx, snapshot)
}

// recoverStep 将 panic 转换为步骤错误.
func (o *Orchestrator) recoverStep(step string, err *error) {
	if p := recover(); p != nil {
		o.opts.logger.Errorf("[Saga] 步骤 panic [%s] [%v]\n%s", step, p, debug.Stack())
		*err = fmt.Errorf("%w: %v", ErrStepPanic, p)
	}
}

// save 保存记录副本，存储失败只记录日志.
func (o *Orchestrator) save(ctx context.Context, exec *execution) {
	if err := o.opts.store.Save(context.WithoutCancel(ctx), exec.record.Clone()); err != nil {
		exec.log.With(
			logger.String("status", string(exec.record.Status)),
			logger.Err(err),
		).Warn("[Saga] 保存执行记录失败")
	}
}

// finish 进入终态: 保存、导出并调用钩子.
func (o *Orchestrator) finish(ctx context.Context, exec *execution) {
	now := o.opts.now()
	exec.record.FinishedAt = &now
	o.save(ctx, exec)

	if err := o.opts.exporter.Export(context.WithoutCancel(ctx), exec.record.Clone()); err != nil {
		exec.log.With(logger.Err(err)).Warn("[Saga] 导出执行记录失败")
	}

	for _, hook := range o.opts.onFinish {
		hook(exec.record.Clone())
	}
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// Store 返回执行记录存储.
func (o *Orchestrator) Store() Store {
	return o.opts.store
}
