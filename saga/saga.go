// Package saga 提供 Saga 分布式事务编排.
//
// Saga 由一组有序步骤组成，步骤依次执行，任一步骤失败时按逆序补偿
// 所有已完成的步骤。补偿失败不会中断回滚，最终状态区分
// RolledBack 与 RollbackIncomplete，后者需要人工介入.
//
// 基本用法:
//
//	def := saga.New("create-order").
//	    Step("reserve", reserve, release).
//	    Step("charge", charge, refund).
//	    Step("confirm", confirm, nil).
//	    Build()
//
//	orch := saga.NewOrchestrator(saga.WithLogger(log), saga.WithStore(store))
//	data, record, err := orch.Execute(ctx, def, saga.Data{"order_id": "O-1"})
//	if errors.Is(err, saga.ErrRollbackIncomplete) {
//	    // record.Log 记录了每个补偿的结果
//	}
//
// 数据传递:
//
//	reserve := func(ctx context.Context, data saga.Data) (saga.Data, error) {
//	    orderID := data.GetString("order_id")
//	    // 执行业务逻辑
//	    return saga.Data{"reservation_id": "RES-123"}, nil
//	}
package saga

import "fmt"

// Definition 不可变的 Saga 定义，可被多个执行并发复用.
type Definition struct {
	name  string
	steps []Step
}

// Name 返回 Saga 名称.
func (d *Definition) Name() string {
	return d.name
}

// Steps 返回步骤副本.
func (d *Definition) Steps() []Step {
	return append([]Step(nil), d.steps...)
}

// Len 返回步骤数量.
func (d *Definition) Len() int {
	return len(d.steps)
}

// Builder Saga 构建器.
type Builder struct {
	name  string
	steps []Step
}

// New 创建 Saga 构建器.
func New(name string) *Builder {
	return &Builder{
		name:  name,
		steps: make([]Step, 0),
	}
}

// Step 添加步骤.
//
// compensate 可以为 nil，表示该步骤不需要补偿.
func (b *Builder) Step(name string, action ActionFunc, compensate CompensateFunc) *Builder {
	b.steps = append(b.steps, Step{
		Name:       name,
		Action:     action,
		Compensate: compensate,
	})
	return b
}

// Add 添加已构造的步骤.
func (b *Builder) Add(steps ...Step) *Builder {
	b.steps = append(b.steps, steps...)
	return b
}

// Build 构建 Saga 定义.
//
// 没有步骤、步骤名为空或重复、缺少正向操作都属于编程错误，直接 panic.
func (b *Builder) Build() *Definition {
	def, err := b.build()
	if err != nil {
		panic(err)
	}
	return def
}

func (b *Builder) build() (*Definition, error) {
	if len(b.steps) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoSteps, b.name)
	}

	seen := make(map[string]struct{}, len(b.steps))
	for i, step := range b.steps {
		if step.Name == "" {
			return nil, fmt.Errorf("%w: 第 %d 个步骤名称为空", ErrInvalidStep, i+1)
		}
		if step.Action == nil {
			return nil, fmt.Errorf("%w: 步骤 %s 缺少正向操作", ErrInvalidStep, step.Name)
		}
		if _, ok := seen[step.Name]; ok {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateStep, step.Name)
		}
		seen[step.Name] = struct{}{}
	}

	return &Definition{
		name:  b.name,
		steps: append([]Step(nil), b.steps...),
	}, nil
}
