// Package balancer 提供服务实例选择策略.
//
// 策略在构造时确定，调用方只依赖 Balancer 接口，切换策略无需修改调用代码:
//
//	lb, _ := balancer.New(balancer.KindLeastConnections)
//	instance, err := lb.Select(reg.GetHealthyInstances("payment"))
//	if errors.Is(err, balancer.ErrNoHealthyInstance) {
//	    // 退避后重试，或返回服务不可用
//	}
package balancer

import (
	"fmt"
	"math/rand/v2"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"

	"github.com/Tsukikage7/orchestrator/registry"
)

// Kind 负载均衡策略类型.
type Kind string

const (
	KindRoundRobin       Kind = "round_robin"
	KindRandom           Kind = "random"
	KindLeastConnections Kind = "least_connections"
)

// ParseKind 解析策略名称，大小写不敏感，空字符串返回轮询.
func ParseKind(s string) (Kind, error) {
	switch Kind(strings.ToLower(strings.TrimSpace(s))) {
	case KindRoundRobin, "":
		return KindRoundRobin, nil
	case KindRandom:
		return KindRandom, nil
	case KindLeastConnections:
		return KindLeastConnections, nil
	default:
		return "", fmt.Errorf("%w: %s", ErrUnknownKind, s)
	}
}

// Balancer 负载均衡器接口.
//
// Select 只依据传入的实例列表做选择，空列表返回 ErrNoHealthyInstance.
type Balancer interface {
	Select(instances []registry.ServiceInstance) (registry.ServiceInstance, error)
	Kind() Kind
}

// New 根据策略类型创建负载均衡器.
func New(kind Kind) (Balancer, error) {
	switch kind {
	case KindRoundRobin:
		return NewRoundRobin(), nil
	case KindRandom:
		return NewRandom(), nil
	case KindLeastConnections:
		return NewLeastConnections(), nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownKind, kind)
	}
}

// MustNew 创建负载均衡器，失败时 panic.
func MustNew(kind Kind) Balancer {
	b, err := New(kind)
	if err != nil {
		panic(err)
	}
	return b
}

// DefaultMaxCounterSets 轮询计数器默认保留的实例集合数.
const DefaultMaxCounterSets = 1024

// RoundRobin 轮询策略.
//
// 计数器以实例集合的标识(排序后实例 ID 的哈希)为键，
// 同一集合的连续调用依次返回每个实例.
// 实例持续上下线会不断产生新集合，计数器数量超过上限时随机淘汰一个.
type RoundRobin struct {
	mu       sync.Mutex
	counters map[uint64]*atomic.Uint64
	maxSets  int
}

// RoundRobinOption 轮询策略配置选项.
type RoundRobinOption func(*RoundRobin)

// WithMaxCounterSets 设置保留计数器的实例集合上限，非正数忽略.
func WithMaxCounterSets(n int) RoundRobinOption {
	return func(b *RoundRobin) {
		if n > 0 {
			b.maxSets = n
		}
	}
}

// NewRoundRobin 创建轮询负载均衡器.
func NewRoundRobin(opts ...RoundRobinOption) *RoundRobin {
	b := &RoundRobin{
		counters: make(map[uint64]*atomic.Uint64),
		maxSets:  DefaultMaxCounterSets,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Kind 返回策略类型.
func (b *RoundRobin) Kind() Kind { return KindRoundRobin }

// Select 选择实例.
func (b *RoundRobin) Select(instances []registry.ServiceInstance) (registry.ServiceInstance, error) {
	if len(instances) == 0 {
		return registry.ServiceInstance{}, ErrNoHealthyInstance
	}

	counter := b.counter(setKey(instances))
	n := counter.Add(1) - 1
	return instances[n%uint64(len(instances))], nil
}

func (b *RoundRobin) counter(key uint64) *atomic.Uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()

	if c, ok := b.counters[key]; ok {
		return c
	}
	for len(b.counters) >= b.maxSets {
		for k := range b.counters {
			delete(b.counters, k)
			break
		}
	}
	c := new(atomic.Uint64)
	b.counters[key] = c
	return c
}

// sets 返回当前保留计数器的集合数.
func (b *RoundRobin) sets() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.counters)
}

// setKey 计算实例集合的标识，与传入顺序无关.
func setKey(instances []registry.ServiceInstance) uint64 {
	ids := make([]string, len(instances))
	for i, instance := range instances {
		ids[i] = instance.ID
	}
	sort.Strings(ids)

	d := xxhash.New()
	for _, id := range ids {
		_, _ = d.WriteString(id)
		_, _ = d.Write([]byte{0})
	}
	return d.Sum64()
}

// Random 随机策略，无共享状态.
type Random struct{}

// NewRandom 创建随机负载均衡器.
func NewRandom() *Random {
	return &Random{}
}

// Kind 返回策略类型.
func (b *Random) Kind() Kind { return KindRandom }

// Select 均匀随机选择实例.
func (b *Random) Select(instances []registry.ServiceInstance) (registry.ServiceInstance, error) {
	if len(instances) == 0 {
		return registry.ServiceInstance{}, ErrNoHealthyInstance
	}
	return instances[rand.IntN(len(instances))], nil
}

// LeastConnections 最少连接策略.
//
// 选择在途连接数最小的实例，相同时取列表中靠前者.
type LeastConnections struct{}

// NewLeastConnections 创建最少连接负载均衡器.
func NewLeastConnections() *LeastConnections {
	return &LeastConnections{}
}

// Kind 返回策略类型.
func (b *LeastConnections) Kind() Kind { return KindLeastConnections }

// Select 选择在途连接最少的实例.
func (b *LeastConnections) Select(instances []registry.ServiceInstance) (registry.ServiceInstance, error) {
	if len(instances) == 0 {
		return registry.ServiceInstance{}, ErrNoHealthyInstance
	}

	best := 0
	for i := 1; i < len(instances); i++ {
		if instances[i].Connections < instances[best].Connections {
			best = i
		}
	}
	return instances[best], nil
}
