package discovery

import "errors"

// 预定义错误常量.
var (
	// ErrNilConfig 服务发现配置为空.
	ErrNilConfig = errors.New("服务发现配置为空")

	// ErrNilLogger 日志记录器为空.
	ErrNilLogger = errors.New("日志记录器为空")

	// ErrUnsupportedType 不支持的服务发现类型.
	ErrUnsupportedType = errors.New("不支持的服务发现类型")

	// ErrClientCreate 创建客户端失败.
	ErrClientCreate = errors.New("创建客户端失败")

	// ErrRegister 注册服务失败.
	ErrRegister = errors.New("注册服务失败")

	// ErrUnregister 注销服务失败.
	ErrUnregister = errors.New("注销服务失败")

	// ErrQueueFull 同步队列已满，事件被丢弃.
	ErrQueueFull = errors.New("同步队列已满")

	// ErrMirrorClosed 镜像已关闭.
	ErrMirrorClosed = errors.New("服务发现镜像已关闭")
)
