package server

import (
	"time"

	"github.com/Tsukikage7/orchestrator/logger"
)

// 默认配置值.
const (
	DefaultAddr         = ":8080"
	DefaultReadTimeout  = 30 * time.Second
	DefaultWriteTimeout = 30 * time.Second
	DefaultIdleTimeout  = 120 * time.Second
)

// HTTPOption HTTP 服务器配置选项.
type HTTPOption func(*httpOptions)

// httpOptions HTTP 服务器内部配置.
type httpOptions struct {
	name         string
	addr         string
	readTimeout  time.Duration
	writeTimeout time.Duration
	idleTimeout  time.Duration
	logger       logger.Logger
}

func defaultHTTPOptions() *httpOptions {
	return &httpOptions{
		name:         "admin",
		addr:         DefaultAddr,
		readTimeout:  DefaultReadTimeout,
		writeTimeout: DefaultWriteTimeout,
		idleTimeout:  DefaultIdleTimeout,
		logger:       logger.NewNop(),
	}
}

// WithHTTPName 设置 HTTP 服务器名称.
func WithHTTPName(name string) HTTPOption {
	return func(o *httpOptions) {
		if name != "" {
			o.name = name
		}
	}
}

// WithHTTPAddr 设置 HTTP 监听地址.
func WithHTTPAddr(addr string) HTTPOption {
	return func(o *httpOptions) {
		if addr != "" {
			o.addr = addr
		}
	}
}

// WithHTTPTimeouts 设置读、写超时，零值保持默认.
func WithHTTPTimeouts(read, write time.Duration) HTTPOption {
	return func(o *httpOptions) {
		if read > 0 {
			o.readTimeout = read
		}
		if write > 0 {
			o.writeTimeout = write
		}
	}
}

// WithHTTPLogger 设置日志记录器.
func WithHTTPLogger(log logger.Logger) HTTPOption {
	return func(o *httpOptions) {
		if log != nil {
			o.logger = log
		}
	}
}
