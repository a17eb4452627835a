// Package recovery 提供管理端 HTTP 处理器的 panic 恢复.
package recovery

import (
	"fmt"
	"net/http"
	"runtime"

	"github.com/Tsukikage7/orchestrator/logger"
)

// DefaultStackSize 默认堆栈捕获大小.
const DefaultStackSize = 64 * 1024

// Handler 自定义 panic 处理，返回 true 表示已写入响应.
type Handler func(w http.ResponseWriter, r *http.Request, err *PanicError) bool

type options struct {
	logger    logger.Logger
	handler   Handler
	stackSize int
}

// Option 配置选项.
type Option func(*options)

// WithLogger 设置日志记录器.
func WithLogger(l logger.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithHandler 设置自定义 panic 处理函数.
func WithHandler(h Handler) Option {
	return func(o *options) {
		o.handler = h
	}
}

// WithStackSize 设置堆栈捕获大小.
func WithStackSize(size int) Option {
	return func(o *options) {
		if size > 0 {
			o.stackSize = size
		}
	}
}

// PanicError 处理器 panic 的值与堆栈.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("panic: %v", e.Value)
}

// Unwrap panic 值为 error 时返回该 error.
func (e *PanicError) Unwrap() error {
	if err, ok := e.Value.(error); ok {
		return err
	}
	return nil
}

// Middleware 捕获处理器 panic，记录堆栈后返回 500.
//
//	handler := recovery.Middleware(recovery.WithLogger(log))(mux)
//
// http.ErrAbortHandler 按 net/http 的约定继续向上抛出.
func Middleware(opts ...Option) func(http.Handler) http.Handler {
	o := &options{logger: logger.NewNop(), stackSize: DefaultStackSize}
	for _, opt := range opts {
		opt(o)
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				p := recover()
				if p == nil {
					return
				}
				if p == http.ErrAbortHandler {
					panic(p)
				}

				perr := &PanicError{Value: p, Stack: captureStack(o.stackSize)}
				o.logger.WithContext(r.Context()).With(
					logger.Any("panic", p),
					logger.String("method", r.Method),
					logger.String("path", r.URL.Path),
					logger.String("stack", string(perr.Stack)),
				).Error("[HTTP] 处理器 panic 已恢复")

				if o.handler != nil && o.handler(w, r, perr) {
					return
				}
				http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
			}()

			next.ServeHTTP(w, r)
		})
	}
}

func captureStack(size int) []byte {
	stack := make([]byte, size)
	n := runtime.Stack(stack, false)
	return stack[:n]
}
