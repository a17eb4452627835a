package saga

import (
	"errors"
	"fmt"
)

// 预定义错误.
var (
	// ErrNoSteps 没有定义步骤.
	ErrNoSteps = errors.New("saga: 没有定义步骤")

	// ErrDuplicateStep 步骤名称重复.
	ErrDuplicateStep = errors.New("saga: 步骤名称重复")

	// ErrInvalidStep 步骤无效.
	ErrInvalidStep = errors.New("saga: 步骤无效")

	// ErrRolledBack 步骤失败，已完成的步骤全部补偿成功.
	ErrRolledBack = errors.New("saga: 已回滚")

	// ErrRollbackIncomplete 存在补偿失败，需要人工介入.
	ErrRollbackIncomplete = errors.New("saga: 回滚不完整")

	// ErrCancelled 执行被调用方取消.
	ErrCancelled = errors.New("saga: 执行已取消")

	// ErrStepPanic 步骤或补偿函数 panic.
	ErrStepPanic = errors.New("saga: 步骤 panic")

	// ErrRecordNotFound 执行记录不存在.
	ErrRecordNotFound = errors.New("saga: 执行记录不存在")

	// ErrNilProducer 未设置 Kafka 生产者.
	ErrNilProducer = errors.New("saga: Kafka 生产者不能为空")

	// ErrEmptyTopic 未设置 Kafka topic.
	ErrEmptyTopic = errors.New("saga: Kafka topic 不能为空")
)

// StepError 携带失败步骤名称的错误.
type StepError struct {
	Step string
	Err  error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("saga: 步骤 %s 失败: %v", e.Step, e.Err)
}

func (e *StepError) Unwrap() error {
	return e.Err
}
