package invoker

import (
	"errors"
	"fmt"
)

// 预定义错误.
var (
	// ErrTransport 网络层错误(连接失败、超时等)，调用方可以换实例重试.
	ErrTransport = errors.New("invoker: 网络调用失败")

	// ErrRequestSent 请求已完整写出后才失败(读取超时、连接中断)，
	// 对端可能已经处理，与 ErrTransport 一起包装，不应换实例重试.
	ErrRequestSent = errors.New("invoker: 请求已发出")

	// ErrInvalidResponse 响应无法解析.
	ErrInvalidResponse = errors.New("invoker: 响应格式无效")

	// ErrNilInvoker 未设置调用器.
	ErrNilInvoker = errors.New("invoker: 调用器不能为空")
)

// ApplicationError 远端返回的业务错误，请求已到达对端，不应换实例重试.
type ApplicationError struct {
	StatusCode int
	Payload    Payload
	Body       string
}

func (e *ApplicationError) Error() string {
	if msg, ok := e.Payload["error"].(string); ok && msg != "" {
		return fmt.Sprintf("invoker: 远端返回错误 %d: %s", e.StatusCode, msg)
	}
	return fmt.Sprintf("invoker: 远端返回错误 %d", e.StatusCode)
}

// Retryable 判断换实例重试是否安全: 只有请求未送达对端的网络错误可以重试.
func Retryable(err error) bool {
	return errors.Is(err, ErrTransport) && !errors.Is(err, ErrRequestSent)
}

// IsApplicationError 判断 err 是否为业务错误.
func IsApplicationError(err error) bool {
	var appErr *ApplicationError
	return errors.As(err, &appErr)
}
