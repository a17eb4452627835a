// Package app 管理控制平面进程的生命周期.
//
// Application 并行启动所有 Server，收到信号、ctx 取消或任一 Server
// 启动失败时按相反顺序停止，最后执行清理任务:
//
//	application := app.New(
//	    app.Name("orchestrator"),
//	    app.Logger(log),
//	    app.RegisterCloser("logger", syncer, 100),
//	)
//	application.Use(cp, admin)
//	err := application.Run()
package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"sync"
	"syscall"

	"github.com/Tsukikage7/orchestrator/logger"
)

// ErrRunning 应用正在运行.
var ErrRunning = errors.New("app: 应用正在运行")

// Server 由 Application 管理的服务.
//
// Start 可以阻塞直到 ctx 取消，也可以启动后台任务后立即返回.
type Server interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Name() string
	Addr() string
}

// Application 应用程序，管理多个服务器的生命周期.
type Application struct {
	opts    *options
	servers []Server
	ctx     context.Context
	cancel  context.CancelFunc
	mu      sync.Mutex
	running bool
}

// New 创建应用程序.
func New(opts ...Option) *Application {
	o := defaultOptions()
	for _, opt := range opts {
		opt(o)
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Application{
		opts:   o,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Use 注册服务器.
func (a *Application) Use(servers ...Server) *Application {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.servers = append(a.servers, servers...)
	return a
}

// Run 运行应用程序，阻塞直到关闭完成.
//
// 某个 Server 启动失败时返回该错误.
func (a *Application) Run() error {
	a.mu.Lock()
	if a.running {
		a.mu.Unlock()
		return ErrRunning
	}
	a.running = true
	servers := append([]Server(nil), a.servers...)
	a.mu.Unlock()

	if err := a.opts.hooks.runBeforeStart(a.ctx); err != nil {
		return err
	}

	a.opts.logger.With(
		logger.String("name", a.opts.name),
		logger.String("version", a.opts.version),
	).Info("[App] starting")

	errCh := a.start(servers)

	if err := a.opts.hooks.runAfterStart(a.ctx); err != nil {
		a.opts.logger.With(logger.Err(err)).Error("[App] after start hook failed")
	}

	startErr := a.wait(errCh)
	a.shutdown(servers)
	return startErr
}

// Stop 主动停止应用程序.
func (a *Application) Stop() {
	a.cancel()
}

// Context 获取应用上下文.
func (a *Application) Context() context.Context {
	return a.ctx
}

// Name 获取应用名称.
func (a *Application) Name() string {
	return a.opts.name
}

// Version 获取应用版本.
func (a *Application) Version() string {
	return a.opts.version
}

func (a *Application) start(servers []Server) <-chan error {
	errCh := make(chan error, len(servers))
	if len(servers) == 0 {
		a.opts.logger.Warn("[App] no servers registered")
		return errCh
	}

	for _, srv := range servers {
		go func(s Server) {
			a.opts.logger.With(
				logger.String("server", s.Name()),
				logger.String("addr", s.Addr()),
			).Info("[App] starting server")
			if err := s.Start(a.ctx); err != nil {
				errCh <- fmt.Errorf("app: %s 启动失败: %w", s.Name(), err)
			}
		}(srv)
	}

	return errCh
}

func (a *Application) wait(errCh <-chan error) error {
	signals := a.opts.signals
	if len(signals) == 0 {
		signals = []os.Signal{syscall.SIGINT, syscall.SIGTERM}
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, signals...)
	defer signal.Stop(sigCh)

	select {
	case sig := <-sigCh:
		a.opts.logger.With(logger.String("signal", sig.String())).Info("[App] received signal")
	case <-a.ctx.Done():
		a.opts.logger.Info("[App] context cancelled")
	case err := <-errCh:
		a.opts.logger.With(logger.Err(err)).Error("[App] server failed")
		return err
	}
	return nil
}

func (a *Application) shutdown(servers []Server) {
	a.opts.logger.With(
		logger.Duration("timeout", a.opts.gracefulTimeout),
	).Info("[App] shutting down")

	a.cancel()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.opts.gracefulTimeout)
	defer cancel()

	if err := a.opts.hooks.runBeforeStop(shutdownCtx); err != nil {
		a.opts.logger.With(logger.Err(err)).Error("[App] before stop hook failed")
	}

	// 后注册的先停止
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := len(servers) - 1; i >= 0; i-- {
			s := servers[i]
			a.opts.logger.With(logger.String("server", s.Name())).Info("[App] stopping server")
			if err := s.Stop(shutdownCtx); err != nil {
				a.opts.logger.With(
					logger.String("server", s.Name()),
					logger.Err(err),
				).Error("[App] server stop failed")
			}
		}
	}()

	select {
	case <-done:
		a.opts.logger.Info("[App] all servers stopped")
	case <-shutdownCtx.Done():
		a.opts.logger.Warn("[App] shutdown timeout")
	}

	a.runCleanups(shutdownCtx)

	if err := a.opts.hooks.runAfterStop(context.Background()); err != nil {
		a.opts.logger.With(logger.Err(err)).Error("[App] after stop hook failed")
	}

	a.mu.Lock()
	a.running = false
	a.mu.Unlock()

	a.opts.logger.Info("[App] stopped")
}

func (a *Application) runCleanups(ctx context.Context) {
	if len(a.opts.cleanups) == 0 {
		return
	}

	cleanups := make([]Cleanup, len(a.opts.cleanups))
	copy(cleanups, a.opts.cleanups)
	sort.SliceStable(cleanups, func(i, j int) bool {
		return cleanups[i].Priority < cleanups[j].Priority
	})

	for _, c := range cleanups {
		if err := c.Fn(ctx); err != nil {
			a.opts.logger.With(
				logger.String("cleanup", c.Name),
				logger.Err(err),
			).Error("[App] cleanup failed")
		} else {
			a.opts.logger.With(logger.String("cleanup", c.Name)).Debug("[App] cleanup done")
		}
	}
}
