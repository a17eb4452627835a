package saga

import (
	"context"

	"github.com/Tsukikage7/orchestrator/invoker"
)

// Caller 按服务名路由的远程调用，*invoker.Router 实现了该接口.
type Caller interface {
	Call(ctx context.Context, service string, req invoker.Payload) (invoker.Payload, error)
}

// Endpoint 远程操作的目标.
type Endpoint struct {
	// Service 服务名，由负载均衡选择实例
	Service string
	// Path 请求路径，空表示使用调用器的默认路径
	Path string
}

// RemoteStep 构造经负载均衡调用远程服务的步骤.
//
// 正向操作以累积上下文为请求体，响应作为部分结果合并.
// compensate 为 nil 时步骤没有补偿.
// 步骤内部不做重试，重试策略由 Caller 决定.
func RemoteStep(name string, caller Caller, action Endpoint, compensate *Endpoint) Step {
	step := Step{
		Name: name,
		Action: func(ctx context.Context, data Data) (Data, error) {
			resp, err := caller.Call(withPath(ctx, action.Path), action.Service, invoker.Payload(data))
			if err != nil {
				return nil, err
			}
			return Data(resp), nil
		},
	}

	if compensate != nil {
		target := *compensate
		step.Compensate = func(ctx context.Context, data Data) error {
			_, err := caller.Call(withPath(ctx, target.Path), target.Service, invoker.Payload(data))
			return err
		}
	}
	return step
}

func withPath(ctx context.Context, path string) context.Context {
	if path == "" {
		return ctx
	}
	return invoker.ContextWithPath(ctx, path)
}
