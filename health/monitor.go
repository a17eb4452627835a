// Package health 提供服务实例健康监测.
//
// Monitor 按固定周期并发探测注册表中的全部实例并更新其健康状态:
//
//	Healthy   --(连续 N 次探测失败)--> Unhealthy
//	Unhealthy --(1 次探测成功)-------> Healthy
//
// 慢退化、快恢复，避免抖动导致负载均衡误摘除实例.
// 探测出错(超时、连接拒绝、panic)均计为失败，且不会影响其他实例的探测.
package health

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"github.com/Tsukikage7/orchestrator/logger"
	"github.com/Tsukikage7/orchestrator/registry"
)

// ProbeFunc 探测函数，返回 nil 表示健康.
//
// ctx 带有探测超时，实现应在 ctx 结束时尽快返回.
type ProbeFunc func(ctx context.Context, address registry.Address) error

// Registry 监测器依赖的注册表能力，*registry.Registry 实现了该接口.
type Registry interface {
	All() []registry.ServiceInstance
	Heartbeat(id string) error
	Transition(id string, from, to registry.Status) (bool, error)
}

// probeState 单个实例的连续失败计数.
type probeState struct {
	registeredAt time.Time
	failures     int
}

// Monitor 健康监测器.
type Monitor struct {
	registry Registry
	probe    ProbeFunc
	opts     *options

	mu     sync.Mutex
	states map[string]*probeState

	lifecycle sync.Mutex
	cron      *cron.Cron
	cancel    context.CancelFunc
	running   bool
}

// NewMonitor 创建健康监测器.
func NewMonitor(reg Registry, probe ProbeFunc, opts ...Option) (*Monitor, error) {
	if reg == nil {
		return nil, ErrNilRegistry
	}
	if probe == nil {
		return nil, ErrNilProbe
	}

	o := defaultOptions()
	for _, opt := range opts {
		opt(o)
	}

	return &Monitor{
		registry: reg,
		probe:    probe,
		opts:     o,
		states:   make(map[string]*probeState),
	}, nil
}

// Start 启动周期探测，重复调用无副作用.
func (m *Monitor) Start() error {
	m.lifecycle.Lock()
	defer m.lifecycle.Unlock()

	if m.running {
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	cl := cronLogger{log: m.opts.logger}
	c := cron.New(
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)
	c.Schedule(cron.Every(m.opts.interval), cron.FuncJob(func() {
		m.RunOnce(ctx)
	}))
	c.Start()

	m.cron = c
	m.cancel = cancel
	m.running = true

	m.opts.logger.With(
		logger.Duration("interval", m.opts.interval),
		logger.Duration("timeout", m.opts.timeout),
		logger.Int("failureThreshold", m.opts.failureThreshold),
	).Info("[Health] 健康监测已启动")
	return nil
}

// Stop 停止周期探测并等待进行中的一轮结束.
func (m *Monitor) Stop() {
	m.lifecycle.Lock()
	defer m.lifecycle.Unlock()

	if !m.running {
		return
	}

	m.cancel()
	<-m.cron.Stop().Done()
	m.running = false

	m.opts.logger.Info("[Health] 健康监测已停止")
}

// Running 是否正在运行.
func (m *Monitor) Running() bool {
	m.lifecycle.Lock()
	defer m.lifecycle.Unlock()
	return m.running
}

// RunOnce 执行一轮探测，所有实例并发探测，全部完成后返回.
func (m *Monitor) RunOnce(ctx context.Context) {
	instances := m.registry.All()
	m.prune(instances)
	if len(instances) == 0 {
		return
	}

	limit := len(instances)
	if m.opts.maxConcurrency > 0 && m.opts.maxConcurrency < limit {
		limit = m.opts.maxConcurrency
	}

	var g errgroup.Group
	g.SetLimit(limit)
	for _, instance := range instances {
		g.Go(func() error {
			m.check(ctx, instance)
			return nil
		})
	}
	_ = g.Wait()
}

// check 探测单个实例并更新状态.
func (m *Monitor) check(ctx context.Context, instance registry.ServiceInstance) {
	start := time.Now()
	err := m.runProbe(ctx, instance.Address)
	duration := time.Since(start)

	m.runHooks(instance, err, duration)

	log := m.opts.logger.With(
		logger.String("service", instance.Name),
		logger.String("instanceId", instance.ID),
		logger.String("address", instance.Address.String()),
	)

	if err == nil {
		m.reset(instance)
		// 探测成功同样证明实例存活
		_ = m.registry.Heartbeat(instance.ID)
		if changed, _ := m.registry.Transition(instance.ID, registry.StatusUnhealthy, registry.StatusHealthy); changed {
			log.Info("[Health] 实例恢复健康")
		}
		return
	}

	failures := m.fail(instance)
	log.With(logger.Int("failures", failures), logger.Err(err)).Debug("[Health] 探测失败")

	if failures >= m.opts.failureThreshold {
		if changed, _ := m.registry.Transition(instance.ID, registry.StatusHealthy, registry.StatusUnhealthy); changed {
			log.With(logger.Int("failures", failures)).Warn("[Health] 实例标记为不健康")
		}
	}
}

// runProbe 在超时内执行探测，探测函数 panic 或不响应 ctx 时也能按时返回.
func (m *Monitor) runProbe(ctx context.Context, address registry.Address) error {
	ctx, cancel := context.WithTimeout(ctx, m.opts.timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				m.opts.logger.Errorf("[Health] 探测 panic [%s] [%v]\n%s", address, p, debug.Stack())
				done <- fmt.Errorf("%w: %v", ErrProbePanic, p)
			}
		}()
		done <- m.probe(ctx, address)
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return fmt.Errorf("%w: %s: %v", ErrProbeTimeout, address, ctx.Err())
	}
}

// runHooks 依次执行钩子，单个钩子 panic 不影响状态更新与其余钩子.
func (m *Monitor) runHooks(instance registry.ServiceInstance, err error, duration time.Duration) {
	for _, hook := range m.opts.hooks {
		func() {
			defer func() {
				if p := recover(); p != nil {
					m.opts.logger.Errorf("[Health] 钩子 panic [%s] [%v]\n%s", instance.ID, p, debug.Stack())
				}
			}()
			hook(instance, err, duration)
		}()
	}
}

// reset 清零连续失败计数.
func (m *Monitor) reset(instance registry.ServiceInstance) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stateLocked(instance).failures = 0
}

// fail 累加连续失败计数并返回当前值.
func (m *Monitor) fail(instance registry.ServiceInstance) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	state := m.stateLocked(instance)
	state.failures++
	return state.failures
}

// stateLocked 获取实例计数，实例以相同 ID 重新注册时重新计数.
func (m *Monitor) stateLocked(instance registry.ServiceInstance) *probeState {
	state, ok := m.states[instance.ID]
	if !ok || !state.registeredAt.Equal(instance.RegisteredAt) {
		state = &probeState{registeredAt: instance.RegisteredAt}
		m.states[instance.ID] = state
	}
	return state
}

// prune 删除已注销实例的计数.
func (m *Monitor) prune(instances []registry.ServiceInstance) {
	live := make(map[string]struct{}, len(instances))
	for _, instance := range instances {
		live[instance.ID] = struct{}{}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for id := range m.states {
		if _, ok := live[id]; !ok {
			delete(m.states, id)
		}
	}
}

// Failures 返回实例当前的连续失败次数.
func (m *Monitor) Failures(id string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if state, ok := m.states[id]; ok {
		return state.failures
	}
	return 0
}

// cronLogger 将 cron 的日志转发到 logger.Logger.
type cronLogger struct {
	log logger.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.log.Debugf("[Health] cron %s %v", msg, keysAndValues)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.log.With(logger.Err(err)).Errorf("[Health] cron %s %v", msg, keysAndValues)
}
