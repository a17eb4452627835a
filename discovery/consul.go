// Package discovery 将本地注册表镜像到外部服务发现系统.
//
// ConsulMirror 实现 registry.Observer，注册表中的注册、注销、状态变更
// 经由异步队列同步到 Consul agent，不阻塞注册表本身:
//
//	mirror, _ := discovery.NewConsulMirror(cfg, log)
//	reg := registry.New(registry.WithObserver(mirror))
//	defer mirror.Close()
//
// 非 Healthy 的实例在 Consul 中进入维护模式，消费方按健康状态过滤即可跳过.
package discovery

import (
	"context"
	"fmt"
	"sync"

	"github.com/hashicorp/consul/api"

	"github.com/Tsukikage7/orchestrator/logger"
	"github.com/Tsukikage7/orchestrator/registry"
)

// Meta 键.
const (
	MetaVersion = "version"
	MetaStatus  = "status"
	MetaSource  = "source"

	sourceValue = "orchestrator"
)

// Agent Consul agent 的服务注册子集，*api.Agent 实现了该接口.
type Agent interface {
	ServiceRegisterOpts(service *api.AgentServiceRegistration, opts api.ServiceRegisterOpts) error
	ServiceDeregisterOpts(serviceID string, q *api.QueryOptions) error
	EnableServiceMaintenance(serviceID, reason string) error
	DisableServiceMaintenance(serviceID string) error
}

// ConsulMirror 把注册表事件同步到 Consul.
type ConsulMirror struct {
	agent  Agent
	config *Config
	logger logger.Logger

	mu     sync.RWMutex
	closed bool
	events chan registry.Event
	wg     sync.WaitGroup
}

var _ registry.Observer = (*ConsulMirror)(nil)

// NewConsulMirror 创建 Consul 镜像.
func NewConsulMirror(cfg *Config, log logger.Logger) (*ConsulMirror, error) {
	if cfg == nil {
		return nil, ErrNilConfig
	}
	if log == nil {
		return nil, ErrNilLogger
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg.SetDefaults()

	consulConfig := api.DefaultConfig()
	if cfg.Addr != "" {
		consulConfig.Address = cfg.Addr
	}
	if cfg.Token != "" {
		consulConfig.Token = cfg.Token
	}

	client, err := api.NewClient(consulConfig)
	if err != nil {
		log.Errorf("[Discovery] 创建consul客户端失败 [地址:%s] [错误:%v]", consulConfig.Address, err)
		return nil, fmt.Errorf("%w: %w", ErrClientCreate, err)
	}

	return NewMirror(client.Agent(), cfg, log), nil
}

// NewMirror 使用指定的 Agent 创建镜像并启动同步协程.
func NewMirror(agent Agent, cfg *Config, log logger.Logger) *ConsulMirror {
	if cfg == nil {
		cfg = &Config{}
	}
	cfg.SetDefaults()
	if log == nil {
		log = logger.NewNop()
	}

	m := &ConsulMirror{
		agent:  agent,
		config: cfg,
		logger: log,
		events: make(chan registry.Event, cfg.QueueSize),
	}

	m.wg.Add(1)
	go m.run()
	return m
}

// OnEvent 实现 registry.Observer，事件入队后立即返回.
//
// 队列满时丢弃事件并记录告警.
func (m *ConsulMirror) OnEvent(event registry.Event) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return
	}

	select {
	case m.events <- event:
	default:
		m.logger.With(
			logger.String("service", event.Instance.Name),
			logger.String("instanceId", event.Instance.ID),
			logger.String("event", string(event.Type)),
		).Warnf("[Discovery] %v", ErrQueueFull)
	}
}

// Apply 同步处理单个事件.
func (m *ConsulMirror) Apply(ctx context.Context, event registry.Event) error {
	ctx, cancel := context.WithTimeout(ctx, m.config.Timeout)
	defer cancel()

	switch event.Type {
	case registry.EventRegistered, registry.EventStatusChanged:
		return m.register(ctx, event.Instance)
	case registry.EventUnregistered:
		return m.deregister(ctx, event.Instance.ID)
	default:
		return nil
	}
}

// Close 停止接收事件，等待队列中已有事件同步完成.
func (m *ConsulMirror) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	close(m.events)
	m.mu.Unlock()

	m.wg.Wait()
	m.logger.Debug("[Discovery] consul镜像已关闭")
	return nil
}

func (m *ConsulMirror) run() {
	defer m.wg.Done()
	for event := range m.events {
		if err := m.Apply(context.Background(), event); err != nil {
			m.logger.With(
				logger.String("service", event.Instance.Name),
				logger.String("instanceId", event.Instance.ID),
				logger.Err(err),
			).Error("[Discovery] consul同步失败")
		}
	}
}

func (m *ConsulMirror) register(ctx context.Context, instance registry.ServiceInstance) error {
	registration := m.registration(instance)

	opts := api.ServiceRegisterOpts{}.WithContext(ctx)
	if err := m.agent.ServiceRegisterOpts(registration, opts); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrRegister, instance.ID, err)
	}

	// 维护模式让 Consul 的健康查询跳过不可用实例
	var err error
	if instance.Status == registry.StatusHealthy {
		err = m.agent.DisableServiceMaintenance(instance.ID)
	} else {
		err = m.agent.EnableServiceMaintenance(instance.ID, "orchestrator status: "+string(instance.Status))
	}
	if err != nil {
		return fmt.Errorf("%w: %s: %w", ErrRegister, instance.ID, err)
	}

	m.logger.Debugf("[Discovery] 服务同步成功 [%s] [%s] [%s:%d] [%s]",
		instance.Name,
		instance.ID,
		registration.Address,
		registration.Port,
		instance.Status,
	)
	return nil
}

func (m *ConsulMirror) deregister(ctx context.Context, id string) error {
	q := (&api.QueryOptions{}).WithContext(ctx)
	if err := m.agent.ServiceDeregisterOpts(id, q); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrUnregister, id, err)
	}

	m.logger.Debugf("[Discovery] 服务注销成功 [%s]", id)
	return nil
}

func (m *ConsulMirror) registration(instance registry.ServiceInstance) *api.AgentServiceRegistration {
	host := instance.Address.Host
	// 如果host是0.0.0.0，转换为127.0.0.1
	if host == "0.0.0.0" {
		host = "127.0.0.1"
	}

	meta := make(map[string]string, len(instance.Metadata)+3)
	for k, v := range instance.Metadata {
		meta[k] = v
	}
	meta[MetaVersion] = m.config.Version
	meta[MetaStatus] = string(instance.Status)
	meta[MetaSource] = sourceValue

	tags := make([]string, 0, len(m.config.Tags)+1)
	tags = append(tags, m.config.Tags...)
	tags = append(tags, sourceValue)

	return &api.AgentServiceRegistration{
		ID:      instance.ID,
		Name:    instance.Name,
		Address: host,
		Port:    instance.Address.Port,
		Tags:    tags,
		Meta:    meta,
	}
}
