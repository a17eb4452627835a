package controlplane

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	"github.com/alicebob/miniredis/v2"
	"github.com/hashicorp/consul/api"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/Tsukikage7/orchestrator/invoker"
	"github.com/Tsukikage7/orchestrator/logger"
	"github.com/Tsukikage7/orchestrator/registry"
	"github.com/Tsukikage7/orchestrator/saga"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m,
		goleak.IgnoreTopFunction("internal/poll.runtime_pollWait"),
		goleak.IgnoreTopFunction("net/http.(*persistConn).writeLoop"),
		goleak.IgnoreTopFunction("net/http.(*persistConn).readLoop"),
	)
}

func upProbe(context.Context, registry.Address) error { return nil }

// recordingInvoker 记录调用并按服务返回预设结果.
type recordingInvoker struct {
	mu     sync.Mutex
	calls  []string
	errors map[string]error
}

func (r *recordingInvoker) Invoke(ctx context.Context, instance registry.ServiceInstance, req invoker.Payload, _ time.Duration) (invoker.Payload, error) {
	path, _ := invoker.PathFromContext(ctx)

	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, instance.Name+path)
	if err := r.errors[instance.Name+path]; err != nil {
		return nil, err
	}
	return invoker.Payload{instance.Name + "_done": true}, nil
}

func (r *recordingInvoker) Calls() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

func newTestControlPlane(t *testing.T, cfg *Config, opts ...Option) *ControlPlane {
	t.Helper()
	if cfg == nil {
		cfg = DefaultConfig()
	}
	opts = append([]Option{WithProbe(upProbe)}, opts...)

	cp, err := New(cfg, logger.NewNop(), opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = cp.Stop(context.Background()) })
	return cp
}

func orderSaga(cp *ControlPlane) *saga.Definition {
	return saga.New("order").
		Add(
			cp.RemoteStep("reserve", saga.Endpoint{Service: "inventory", Path: "/reserve"},
				&saga.Endpoint{Service: "inventory", Path: "/release"}),
			cp.RemoteStep("charge", saga.Endpoint{Service: "payment", Path: "/charge"}, nil),
		).
		Build()
}

func TestNew_NilConfig(t *testing.T) {
	_, err := New(nil, logger.NewNop())
	assert.ErrorIs(t, err, ErrNilConfig)
}

func TestNew_InvalidConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Balancer.Strategy = "weighted"

	_, err := New(cfg, nil)
	var cfgErr *ConfigError
	assert.ErrorAs(t, err, &cfgErr)
}

func TestNew_Defaults(t *testing.T) {
	cp := newTestControlPlane(t, &Config{})

	assert.NotNil(t, cp.Registry())
	assert.NotNil(t, cp.Monitor())
	assert.NotNil(t, cp.Picker())
	assert.NotNil(t, cp.Router())
	assert.NotNil(t, cp.Orchestrator())
	assert.NotNil(t, cp.Readiness())
	assert.Nil(t, cp.Metrics(), "零值配置不启用指标")
	assert.IsType(t, &saga.MemoryStore{}, cp.Orchestrator().Store())
	assert.Equal(t, "controlplane", cp.Name())
	assert.Empty(t, cp.Addr())
	assert.Equal(t, "orchestrator", cp.Config().Name)
}

func TestNew_NoneStore(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Saga.Store = StoreNone
	cp := newTestControlPlane(t, cfg)
	assert.IsType(t, &saga.NopStore{}, cp.Orchestrator().Store())
}

func TestControlPlane_StartStop(t *testing.T) {
	cp := newTestControlPlane(t, nil)
	ctx := context.Background()

	report := cp.Readiness().Check(ctx)
	assert.False(t, report.Ready, "监测器未启动时不就绪")

	require.NoError(t, cp.Start(ctx))
	assert.True(t, cp.Monitor().Running())
	assert.True(t, cp.Readiness().Check(ctx).Ready)

	require.NoError(t, cp.Stop(ctx))
	assert.False(t, cp.Monitor().Running())
	assert.NoError(t, cp.Stop(ctx), "重复停止")
}

func TestControlPlane_ExecuteCommitted(t *testing.T) {
	inv := &recordingInvoker{}
	cp := newTestControlPlane(t, nil, WithInvoker(inv))

	_, err := cp.Registry().Register("inventory", "127.0.0.1:9001", 0)
	require.NoError(t, err)
	_, err = cp.Registry().Register("payment", "127.0.0.1:9002", 0)
	require.NoError(t, err)

	data, record, err := cp.Execute(context.Background(), orderSaga(cp), saga.Data{"order_id": "o-1"})
	require.NoError(t, err)
	assert.Equal(t, saga.StatusCommitted, record.Status)
	assert.Equal(t, "o-1", data.GetString("order_id"))
	assert.True(t, data.GetBool("inventory_done"))
	assert.True(t, data.GetBool("payment_done"))
	assert.Equal(t, []string{"inventory/reserve", "payment/charge"}, inv.Calls())

	stored, err := cp.Orchestrator().Store().Get(context.Background(), record.ID)
	require.NoError(t, err)
	assert.Equal(t, saga.StatusCommitted, stored.Status)

	// 调用结束后连接数归零
	for _, instance := range cp.Registry().All() {
		assert.Zero(t, instance.Connections)
	}
}

func TestControlPlane_ExecuteRolledBack(t *testing.T) {
	inv := &recordingInvoker{errors: map[string]error{
		"payment/charge": &invoker.ApplicationError{StatusCode: 402, Payload: invoker.Payload{"error": "余额不足"}},
	}}
	cp := newTestControlPlane(t, nil, WithInvoker(inv))

	_, err := cp.Registry().Register("inventory", "127.0.0.1:9001", 0)
	require.NoError(t, err)
	_, err = cp.Registry().Register("payment", "127.0.0.1:9002", 0)
	require.NoError(t, err)

	_, record, err := cp.Execute(context.Background(), orderSaga(cp), saga.Data{})
	assert.ErrorIs(t, err, saga.ErrRolledBack)
	assert.Equal(t, saga.StatusRolledBack, record.Status)
	assert.Equal(t, []string{"inventory/reserve", "payment/charge", "inventory/release"}, inv.Calls())
}

func TestControlPlane_ExecuteNoInstances(t *testing.T) {
	cp := newTestControlPlane(t, nil, WithInvoker(&recordingInvoker{}))

	_, record, err := cp.Execute(context.Background(), orderSaga(cp), saga.Data{})
	assert.ErrorIs(t, err, saga.ErrRolledBack)
	assert.Equal(t, saga.StatusRolledBack, record.Status)
}

func TestControlPlane_RedisStore(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	cfg := DefaultConfig()
	cfg.Saga.Store = StoreRedis
	cfg.Saga.Redis.Addrs = []string{mr.Addr()}
	cfg.Saga.Redis.Prefix = "test:saga:"

	cp := newTestControlPlane(t, cfg, WithRedisClient(client), WithInvoker(&recordingInvoker{}))
	_, err := cp.Registry().Register("inventory", "127.0.0.1:9001", 0)
	require.NoError(t, err)
	_, err = cp.Registry().Register("payment", "127.0.0.1:9002", 0)
	require.NoError(t, err)

	_, record, err := cp.Execute(context.Background(), orderSaga(cp), saga.Data{})
	require.NoError(t, err)
	assert.True(t, mr.Exists("test:saga:record:"+record.ID))

	require.NoError(t, cp.Start(context.Background()))
	report := cp.Readiness().Check(context.Background())
	assert.True(t, report.Ready)
	assert.True(t, report.Checks["saga_store"].Ready)

	mr.SetError("LOADING")
	report = cp.Readiness().Check(context.Background())
	assert.False(t, report.Ready, "redis 不可用时不就绪")
}

func TestControlPlane_RedisStoreOwnsClient(t *testing.T) {
	mr := miniredis.RunT(t)

	cfg := DefaultConfig()
	cfg.Saga.Store = StoreRedis
	cfg.Saga.Redis.Addrs = []string{mr.Addr()}

	cp, err := New(cfg, logger.NewNop(), WithProbe(upProbe))
	require.NoError(t, err)
	require.NoError(t, cp.Orchestrator().Store().(*saga.RedisStore).Ping(context.Background()))
	assert.NoError(t, cp.Stop(context.Background()))
}

func TestControlPlane_KafkaExport(t *testing.T) {
	producer := mocks.NewSyncProducer(t, saga.NewProducerConfig())
	producer.ExpectSendMessageWithMessageCheckerFunctionAndSucceed(func(msg *sarama.ProducerMessage) error {
		if msg.Topic != "audit" {
			return errors.New("unexpected topic " + msg.Topic)
		}
		return nil
	})
	t.Cleanup(func() { _ = producer.Close() })

	cfg := DefaultConfig()
	cfg.Saga.Kafka.Topic = "audit"
	cp := newTestControlPlane(t, cfg, WithKafkaProducer(producer), WithInvoker(&recordingInvoker{}))
	_, err := cp.Registry().Register("inventory", "127.0.0.1:9001", 0)
	require.NoError(t, err)
	_, err = cp.Registry().Register("payment", "127.0.0.1:9002", 0)
	require.NoError(t, err)

	_, _, err = cp.Execute(context.Background(), orderSaga(cp), saga.Data{})
	require.NoError(t, err)
}

type mockAgent struct {
	mock.Mock
}

func (m *mockAgent) ServiceRegisterOpts(service *api.AgentServiceRegistration, _ api.ServiceRegisterOpts) error {
	return m.Called(service.ID).Error(0)
}

func (m *mockAgent) ServiceDeregisterOpts(serviceID string, _ *api.QueryOptions) error {
	return m.Called(serviceID).Error(0)
}

func (m *mockAgent) EnableServiceMaintenance(serviceID, reason string) error {
	return m.Called(serviceID, reason).Error(0)
}

func (m *mockAgent) DisableServiceMaintenance(serviceID string) error {
	return m.Called(serviceID).Error(0)
}

func TestControlPlane_ConsulMirror(t *testing.T) {
	agent := &mockAgent{}
	agent.On("ServiceRegisterOpts", "payment-1").Return(nil)
	agent.On("DisableServiceMaintenance", "payment-1").Return(nil)
	agent.On("ServiceDeregisterOpts", "payment-1").Return(nil)

	cfg := DefaultConfig()
	cfg.Discovery.Enabled = true
	cp, err := New(cfg, logger.NewNop(), WithProbe(upProbe), WithConsulAgent(agent))
	require.NoError(t, err)

	_, err = cp.Registry().RegisterWithID("payment-1", "payment", "127.0.0.1:9002", 0)
	require.NoError(t, err)
	require.NoError(t, cp.Registry().Unregister("payment-1"))

	// Stop 会等待镜像队列处理完毕
	require.NoError(t, cp.Stop(context.Background()))
	agent.AssertExpectations(t)
}

func TestControlPlane_MetricsWired(t *testing.T) {
	cp := newTestControlPlane(t, nil, WithInvoker(&recordingInvoker{}))
	require.NotNil(t, cp.Metrics())

	_, err := cp.Registry().Register("inventory", "127.0.0.1:9001", 0)
	require.NoError(t, err)
	_, err = cp.Registry().Register("payment", "127.0.0.1:9002", 0)
	require.NoError(t, err)
	_, _, err = cp.Execute(context.Background(), orderSaga(cp), saga.Data{})
	require.NoError(t, err)

	families, err := cp.Metrics().Registry().Gather()
	require.NoError(t, err)

	names := make(map[string]bool, len(families))
	for _, family := range families {
		names[family.GetName()] = true
	}
	for _, name := range []string{
		"orchestrator_registry_events_total",
		"orchestrator_registry_instances",
		"orchestrator_balancer_selections_total",
		"orchestrator_invoker_calls_total",
		"orchestrator_saga_executions_total",
		"orchestrator_saga_steps_total",
	} {
		assert.True(t, names[name], name)
	}
}
