// Package server 提供控制平面的管理端 HTTP 服务器.
package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"

	"github.com/Tsukikage7/orchestrator/logger"
)

// HTTP HTTP 服务器.
type HTTP struct {
	opts    *httpOptions
	handler http.Handler

	mu       sync.Mutex
	server   *http.Server
	listener net.Listener
	ready    chan struct{}
	once     sync.Once
}

// NewHTTP 创建 HTTP 服务器.
//
// 示例:
//
//	srv := server.NewHTTP(cp.Handler(),
//	    server.WithHTTPAddr(":8080"),
//	    server.WithHTTPLogger(log),
//	)
func NewHTTP(handler http.Handler, opts ...HTTPOption) *HTTP {
	o := defaultHTTPOptions()
	for _, opt := range opts {
		opt(o)
	}

	return &HTTP{
		opts:    o,
		handler: handler,
		ready:   make(chan struct{}),
	}
}

// Start 启动 HTTP 服务器，阻塞直到服务器退出或 ctx 取消.
func (s *HTTP) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.opts.addr)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.listener = ln
	s.server = &http.Server{
		Handler:      s.handler,
		ReadTimeout:  s.opts.readTimeout,
		WriteTimeout: s.opts.writeTimeout,
		IdleTimeout:  s.opts.idleTimeout,
	}
	srv := s.server
	s.mu.Unlock()
	s.once.Do(func() { close(s.ready) })

	s.opts.logger.Infof("[HTTP] 服务器启动 [name:%s] [addr:%s]", s.opts.name, ln.Addr())

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	case <-ctx.Done():
	}

	return nil
}

// Stop 优雅停止 HTTP 服务器.
func (s *HTTP) Stop(ctx context.Context) error {
	s.mu.Lock()
	srv := s.server
	s.mu.Unlock()

	if srv == nil {
		return nil
	}

	s.opts.logger.With(logger.String("name", s.opts.name)).Info("[HTTP] 服务器停止中")
	return srv.Shutdown(ctx)
}

// Ready 服务器开始监听后关闭.
func (s *HTTP) Ready() <-chan struct{} {
	return s.ready
}

// Name 返回服务器名称.
func (s *HTTP) Name() string {
	return s.opts.name
}

// Addr 返回监听地址，启动后为实际绑定的地址.
func (s *HTTP) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.opts.addr
}

// Handler 返回 HTTP Handler.
func (s *HTTP) Handler() http.Handler {
	return s.handler
}
