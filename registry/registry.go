// Package registry 提供内存服务注册表.
//
// 注册表维护服务名到实例集合的映射以及实例 ID 到服务名的反向索引，
// 所有写操作经过同一把锁串行化，读操作返回防御性副本:
//
//	reg := registry.New(registry.WithStaleness(15 * time.Second))
//	id, err := reg.Register("payment", "10.0.0.7:8080", 10*time.Second)
//	...
//	instances := reg.GetHealthyInstances("payment")
//
// 健康状态只由健康监测器(SetStatus)或注销改变，心跳只刷新截止时间.
package registry

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/Tsukikage7/orchestrator/logger"
)

// Registry 服务注册表.
type Registry struct {
	opts *options

	mu sync.RWMutex
	// instances 实例 ID -> 实例，实例内含服务名，用作反向索引
	instances map[string]*ServiceInstance
	// services 服务名 -> 按注册顺序排列的实例 ID
	services map[string][]string
}

// New 创建注册表.
func New(opts ...Option) *Registry {
	o := defaultOptions()
	for _, opt := range opts {
		opt(o)
	}

	return &Registry{
		opts:      o,
		instances: make(map[string]*ServiceInstance),
		services:  make(map[string][]string),
	}
}

// Register 注册实例，初始状态为 Healthy，心跳截止时间为 now+ttl.
//
// ttl <= 0 时使用默认 TTL.
func (r *Registry) Register(name, address string, ttl time.Duration) (string, error) {
	if name == "" {
		return "", ErrEmptyName
	}
	return r.RegisterWithID(r.opts.idGen(name), name, address, ttl)
}

// RegisterWithID 以指定 ID 注册实例.
//
// 同一 ID 已存在时替换原记录，保证每个 ID 只有一条有效记录.
// 用于进程重启后以原 ID 重新注册.
func (r *Registry) RegisterWithID(id, name, address string, ttl time.Duration) (string, error) {
	if id == "" {
		return "", ErrEmptyID
	}
	if name == "" {
		return "", ErrEmptyName
	}

	addr, err := ParseAddress(address)
	if err != nil {
		return "", err
	}

	if ttl <= 0 {
		ttl = r.opts.ttl
	}

	now := r.opts.now()
	instance := &ServiceInstance{
		ID:            id,
		Name:          name,
		Address:       addr,
		Status:        StatusHealthy,
		RegisteredAt:  now,
		LastHeartbeat: now,
		TTL:           ttl,
	}

	r.mu.Lock()
	if old, ok := r.instances[id]; ok {
		r.removeLocked(old)
	}
	r.instances[id] = instance
	r.services[name] = append(r.services[name], id)
	snapshot := instance.clone()
	r.mu.Unlock()

	r.opts.logger.With(
		logger.String("service", name),
		logger.String("instanceId", id),
		logger.String("address", addr.String()),
		logger.Duration("ttl", ttl),
	).Info("[Registry] 实例已注册")

	r.notify(Event{Type: EventRegistered, Instance: snapshot})
	return id, nil
}

// Heartbeat 刷新心跳截止时间，不改变健康状态.
func (r *Registry) Heartbeat(id string) error {
	r.mu.Lock()
	instance, ok := r.instances[id]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrInstanceNotFound, id)
	}
	instance.LastHeartbeat = r.opts.now()
	r.mu.Unlock()
	return nil
}

// Unregister 删除实例记录.
//
// 幂等操作，注销不存在的实例不返回错误.
func (r *Registry) Unregister(id string) error {
	r.mu.Lock()
	instance, ok := r.instances[id]
	if !ok {
		r.mu.Unlock()
		r.opts.logger.Debugf("[Registry] 注销的实例不存在 [%s]", id)
		return nil
	}
	r.removeLocked(instance)
	snapshot := instance.clone()
	r.mu.Unlock()

	r.opts.logger.With(
		logger.String("service", snapshot.Name),
		logger.String("instanceId", id),
	).Info("[Registry] 实例已注销")

	r.notify(Event{Type: EventUnregistered, Instance: snapshot})
	return nil
}

// removeLocked 从两个索引中移除实例，调用方需持有写锁.
func (r *Registry) removeLocked(instance *ServiceInstance) {
	delete(r.instances, instance.ID)

	ids := r.services[instance.Name]
	for i, id := range ids {
		if id == instance.ID {
			ids = append(ids[:i:i], ids[i+1:]...)
			break
		}
	}
	if len(ids) == 0 {
		delete(r.services, instance.Name)
	} else {
		r.services[instance.Name] = ids
	}
}

// GetHealthyInstances 返回指定服务中状态为 Healthy 且未过期的实例快照.
//
// 返回结果是某一时刻的视图，调用方不应假设其持续有效.
func (r *Registry) GetHealthyInstances(name string) []ServiceInstance {
	now := r.opts.now()

	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := r.services[name]
	result := make([]ServiceInstance, 0, len(ids))
	for _, id := range ids {
		instance := r.instances[id]
		if instance.Status != StatusHealthy || instance.Stale(now, r.opts.staleness) {
			continue
		}
		result = append(result, instance.clone())
	}
	return result
}

// Instances 返回指定服务的全部实例快照，不做健康过滤.
func (r *Registry) Instances(name string) []ServiceInstance {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := r.services[name]
	result := make([]ServiceInstance, 0, len(ids))
	for _, id := range ids {
		result = append(result, r.instances[id].clone())
	}
	return result
}

// All 返回全部实例快照，按服务名和注册顺序排列.
func (r *Registry) All() []ServiceInstance {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.services))
	for name := range r.services {
		names = append(names, name)
	}
	sort.Strings(names)

	result := make([]ServiceInstance, 0, len(r.instances))
	for _, name := range names {
		for _, id := range r.services[name] {
			result = append(result, r.instances[id].clone())
		}
	}
	return result
}

// Services 返回已注册的服务名.
func (r *Registry) Services() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.services))
	for name := range r.services {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Get 返回指定实例的快照.
func (r *Registry) Get(id string) (ServiceInstance, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	instance, ok := r.instances[id]
	if !ok {
		return ServiceInstance{}, fmt.Errorf("%w: %s", ErrInstanceNotFound, id)
	}
	return instance.clone(), nil
}

// SetStatus 更新实例健康状态，由健康监测器调用.
func (r *Registry) SetStatus(id string, status Status) error {
	if !status.Valid() {
		return fmt.Errorf("%w: %s", ErrInvalidStatus, status)
	}

	r.mu.Lock()
	instance, ok := r.instances[id]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrInstanceNotFound, id)
	}
	previous := instance.Status
	instance.Status = status
	snapshot := instance.clone()
	r.mu.Unlock()

	if previous == status {
		return nil
	}

	r.opts.logger.With(
		logger.String("service", snapshot.Name),
		logger.String("instanceId", id),
		logger.String("from", string(previous)),
		logger.String("to", string(status)),
	).Info("[Registry] 实例状态变更")

	r.notify(Event{Type: EventStatusChanged, Instance: snapshot, Previous: previous})
	return nil
}

// Transition 仅当实例当前状态为 from 时更新为 to.
//
// 返回是否发生了变更，避免基于过期快照覆盖并发写入的状态.
func (r *Registry) Transition(id string, from, to Status) (bool, error) {
	if !to.Valid() {
		return false, fmt.Errorf("%w: %s", ErrInvalidStatus, to)
	}

	r.mu.Lock()
	instance, ok := r.instances[id]
	if !ok {
		r.mu.Unlock()
		return false, fmt.Errorf("%w: %s", ErrInstanceNotFound, id)
	}
	if instance.Status != from || from == to {
		r.mu.Unlock()
		return false, nil
	}
	instance.Status = to
	snapshot := instance.clone()
	r.mu.Unlock()

	r.opts.logger.With(
		logger.String("service", snapshot.Name),
		logger.String("instanceId", id),
		logger.String("from", string(from)),
		logger.String("to", string(to)),
	).Info("[Registry] 实例状态变更")

	r.notify(Event{Type: EventStatusChanged, Instance: snapshot, Previous: from})
	return true, nil
}

// Drain 将实例置为摘流状态，健康监测器不会将其恢复为 Healthy.
func (r *Registry) Drain(id string) error {
	return r.SetStatus(id, StatusDraining)
}

// Acquire 增加实例的在途连接计数.
func (r *Registry) Acquire(id string) error {
	return r.addConnections(id, 1)
}

// Release 减少实例的在途连接计数，计数不会小于 0.
//
// 实例已被注销时静默忽略.
func (r *Registry) Release(id string) {
	_ = r.addConnections(id, -1)
}

func (r *Registry) addConnections(id string, delta int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	instance, ok := r.instances[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrInstanceNotFound, id)
	}
	instance.Connections += delta
	if instance.Connections < 0 {
		instance.Connections = 0
	}
	return nil
}

// Staleness 返回过期阈值.
func (r *Registry) Staleness() time.Duration {
	return r.opts.staleness
}

// Len 返回实例总数.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.instances)
}

func (r *Registry) notify(event Event) {
	for _, o := range r.opts.observers {
		o.OnEvent(event)
	}
}
