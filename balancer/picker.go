package balancer

import (
	"fmt"

	"github.com/Tsukikage7/orchestrator/logger"
	"github.com/Tsukikage7/orchestrator/registry"
)

// Source 健康实例来源，*registry.Registry 实现了该接口.
type Source interface {
	GetHealthyInstances(name string) []registry.ServiceInstance
}

// SelectHook 每次选择后调用，err 非空表示选择失败.
type SelectHook func(service string, instance registry.ServiceInstance, err error)

// Picker 从注册表查询健康实例并交给 Balancer 选择.
type Picker struct {
	source   Source
	balancer Balancer
	logger   logger.Logger
	hooks    []SelectHook
}

// PickerOption Picker 配置选项.
type PickerOption func(*Picker)

// WithLogger 设置日志记录器.
func WithLogger(log logger.Logger) PickerOption {
	return func(p *Picker) {
		if log != nil {
			p.logger = log
		}
	}
}

// WithSelectHook 添加选择钩子，常用于指标统计.
func WithSelectHook(hooks ...SelectHook) PickerOption {
	return func(p *Picker) {
		p.hooks = append(p.hooks, hooks...)
	}
}

// NewPicker 创建实例选择器.
func NewPicker(source Source, b Balancer, opts ...PickerOption) *Picker {
	p := &Picker{
		source:   source,
		balancer: b,
		logger:   logger.NewNop(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Pick 为指定服务选择一个健康实例.
func (p *Picker) Pick(service string) (registry.ServiceInstance, error) {
	instance, err := p.balancer.Select(p.source.GetHealthyInstances(service))
	if err != nil {
		err = fmt.Errorf("%w: %s", err, service)
		p.logger.With(
			logger.String("service", service),
			logger.String("strategy", string(p.balancer.Kind())),
		).Warn("[Balancer] 没有可用实例")
	}

	for _, hook := range p.hooks {
		hook(service, instance, err)
	}
	return instance, err
}

// Balancer 返回底层策略.
func (p *Picker) Balancer() Balancer {
	return p.balancer
}
