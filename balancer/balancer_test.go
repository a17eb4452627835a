package balancer

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Tsukikage7/orchestrator/registry"
)

func instances(ids ...string) []registry.ServiceInstance {
	result := make([]registry.ServiceInstance, len(ids))
	for i, id := range ids {
		result[i] = registry.ServiceInstance{ID: id, Name: "svc", Status: registry.StatusHealthy}
	}
	return result
}

func TestParseKind(t *testing.T) {
	tests := []struct {
		in      string
		want    Kind
		wantErr bool
	}{
		{in: "", want: KindRoundRobin},
		{in: "round_robin", want: KindRoundRobin},
		{in: "RANDOM", want: KindRandom},
		{in: " least_connections ", want: KindLeastConnections},
		{in: "weighted", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseKind(tt.in)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrUnknownKind)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestNew(t *testing.T) {
	for _, kind := range []Kind{KindRoundRobin, KindRandom, KindLeastConnections} {
		b, err := New(kind)
		require.NoError(t, err)
		assert.Equal(t, kind, b.Kind())
	}

	_, err := New("weighted")
	assert.ErrorIs(t, err, ErrUnknownKind)
	assert.Panics(t, func() { MustNew("weighted") })
}

func TestSelect_EmptyList(t *testing.T) {
	for _, kind := range []Kind{KindRoundRobin, KindRandom, KindLeastConnections} {
		t.Run(string(kind), func(t *testing.T) {
			b := MustNew(kind)
			assert.NotPanics(t, func() {
				_, err := b.Select(nil)
				assert.ErrorIs(t, err, ErrNoHealthyInstance)

				_, err = b.Select([]registry.ServiceInstance{})
				assert.ErrorIs(t, err, ErrNoHealthyInstance)
			})
		})
	}
}

func TestRoundRobin_FullCycle(t *testing.T) {
	b := NewRoundRobin()
	set := instances("a", "b", "c", "d")

	var first []string
	for cycle := 0; cycle < 3; cycle++ {
		seen := make(map[string]int)
		var order []string
		for i := 0; i < len(set); i++ {
			instance, err := b.Select(set)
			require.NoError(t, err)
			seen[instance.ID]++
			order = append(order, instance.ID)
		}

		for _, instance := range set {
			assert.Equal(t, 1, seen[instance.ID], "每个周期每个实例恰好被选中一次")
		}
		if cycle == 0 {
			first = order
		} else {
			assert.Equal(t, first, order, "各周期顺序应保持稳定")
		}
	}
}

func TestRoundRobin_CountersPerSet(t *testing.T) {
	b := NewRoundRobin()

	ab := instances("a", "b")
	xyz := instances("x", "y", "z")

	first, _ := b.Select(ab)
	_, _ = b.Select(xyz)
	_, _ = b.Select(xyz)
	second, _ := b.Select(ab)

	assert.Equal(t, "a", first.ID)
	assert.Equal(t, "b", second.ID, "其他集合的调用不影响本集合计数")

	// 相同集合不同顺序共享同一计数器
	assert.Equal(t, setKey(instances("a", "b")), setKey(instances("b", "a")))
	assert.NotEqual(t, setKey(instances("ab")), setKey(instances("a", "b")))
}

func TestRoundRobin_CountersBounded(t *testing.T) {
	b := NewRoundRobin(WithMaxCounterSets(8))

	// 实例滚动替换，每次都是新的集合
	for i := 0; i < 1000; i++ {
		_, err := b.Select(instances(fmt.Sprintf("a-%d", i), fmt.Sprintf("b-%d", i)))
		require.NoError(t, err)
		assert.LessOrEqual(t, b.sets(), 8)
	}
	assert.Equal(t, 8, b.sets())

	// 当前集合的轮询不受淘汰影响
	set := instances("x", "y")
	first, _ := b.Select(set)
	second, _ := b.Select(set)
	assert.NotEqual(t, first.ID, second.ID)

	assert.Equal(t, DefaultMaxCounterSets, NewRoundRobin(WithMaxCounterSets(0)).maxSets)
}

func TestRoundRobin_Concurrent(t *testing.T) {
	b := NewRoundRobin()
	set := instances("a", "b", "c")

	const goroutines, calls = 10, 300
	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		counts = make(map[string]int)
	)

	for g := 0; g < goroutines; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			local := make(map[string]int)
			for i := 0; i < calls; i++ {
				instance, err := b.Select(set)
				if err == nil {
					local[instance.ID]++
				}
			}
			mu.Lock()
			for id, n := range local {
				counts[id] += n
			}
			mu.Unlock()
		}()
	}
	wg.Wait()

	total := goroutines * calls
	for _, id := range []string{"a", "b", "c"} {
		assert.Equal(t, total/3, counts[id], "原子计数保证均匀分布")
	}
}

func TestRandom_Distribution(t *testing.T) {
	b := NewRandom()
	set := instances("a", "b", "c")

	counts := make(map[string]int)
	for i := 0; i < 3000; i++ {
		instance, err := b.Select(set)
		require.NoError(t, err)
		counts[instance.ID]++
	}

	for _, id := range []string{"a", "b", "c"} {
		assert.Greater(t, counts[id], 700, "实例 %s 选中次数过少", id)
	}
}

func TestLeastConnections(t *testing.T) {
	b := NewLeastConnections()

	set := instances("a", "b", "c", "d")
	set[0].Connections = 5
	set[1].Connections = 2
	set[2].Connections = 7
	set[3].Connections = 2

	instance, err := b.Select(set)
	require.NoError(t, err)
	assert.Equal(t, "b", instance.ID, "相同连接数时取先出现者")

	set[3].Connections = 1
	instance, _ = b.Select(set)
	assert.Equal(t, "d", instance.ID)
}

func TestPicker_WithRegistry(t *testing.T) {
	reg := registry.New()
	a, err := reg.Register("payment", "10.0.0.1:80", time.Minute)
	require.NoError(t, err)
	c, err := reg.Register("payment", "10.0.0.2:80", time.Minute)
	require.NoError(t, err)
	require.NoError(t, reg.Acquire(a))

	var hooked []string
	picker := NewPicker(reg, NewLeastConnections(), WithSelectHook(func(service string, instance registry.ServiceInstance, err error) {
		hooked = append(hooked, fmt.Sprintf("%s:%s:%v", service, instance.ID, err == nil))
	}))

	instance, err := picker.Pick("payment")
	require.NoError(t, err)
	assert.Equal(t, c, instance.ID)

	require.NoError(t, reg.SetStatus(c, registry.StatusUnhealthy))
	instance, err = picker.Pick("payment")
	require.NoError(t, err)
	assert.Equal(t, a, instance.ID, "不健康实例不会被选中")

	_, err = picker.Pick("unknown")
	assert.ErrorIs(t, err, ErrNoHealthyInstance)
	assert.Contains(t, err.Error(), "unknown")

	assert.Equal(t, []string{
		"payment:" + c + ":true",
		"payment:" + a + ":true",
		"unknown::false",
	}, hooked)
}
