package balancer

import "errors"

// 预定义错误.
var (
	// ErrNoHealthyInstance 没有可用的健康实例.
	//
	// 调用方应退避重试或向上游返回服务不可用，负载均衡器不会用不健康实例替代.
	ErrNoHealthyInstance = errors.New("balancer: 没有可用的健康实例")

	// ErrUnknownKind 未知的负载均衡策略.
	ErrUnknownKind = errors.New("balancer: 未知的负载均衡策略")
)
