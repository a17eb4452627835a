// Package controlplane 组装控制平面的各个组件.
//
// ControlPlane 根据 Config 构建注册表、健康监测、负载均衡、远程调用、
// Saga 编排以及可选的指标、链路追踪、Consul 镜像，并实现 app.Server
// 以便由 app.Application 管理生命周期:
//
//	cp, err := controlplane.New(cfg, log)
//	admin := server.NewHTTP(cp.Handler(), server.WithHTTPAddr(cfg.Server.Addr))
//	app.New(app.Logger(log)).Use(cp, admin).Run()
package controlplane

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"github.com/hashicorp/go-multierror"
	"github.com/redis/go-redis/v9"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/Tsukikage7/orchestrator/balancer"
	"github.com/Tsukikage7/orchestrator/discovery"
	"github.com/Tsukikage7/orchestrator/health"
	"github.com/Tsukikage7/orchestrator/invoker"
	"github.com/Tsukikage7/orchestrator/logger"
	"github.com/Tsukikage7/orchestrator/metrics"
	"github.com/Tsukikage7/orchestrator/registry"
	"github.com/Tsukikage7/orchestrator/saga"
	"github.com/Tsukikage7/orchestrator/tracing"
)

// closer 停止时按注册的相反顺序执行.
type closer struct {
	name string
	fn   func(ctx context.Context) error
}

// ControlPlane 控制平面.
type ControlPlane struct {
	cfg *Config
	log logger.Logger

	tracer       *sdktrace.TracerProvider
	metrics      *metrics.PrometheusCollector
	mirror       *discovery.ConsulMirror
	registry     *registry.Registry
	monitor      *health.Monitor
	picker       *balancer.Picker
	router       *invoker.Router
	store        saga.Store
	orchestrator *saga.Orchestrator
	readiness    *health.Readiness

	mu      sync.Mutex
	closers []closer
	stopped bool
}

// New 根据配置构建控制平面，不启动任何后台任务.
func New(cfg *Config, log logger.Logger, opts ...Option) (*ControlPlane, error) {
	if cfg == nil {
		return nil, ErrNilConfig
	}
	if log == nil {
		log = logger.NewNop()
	}

	o := &options{}
	for _, opt := range opts {
		opt(o)
	}

	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	cp := &ControlPlane{cfg: cfg, log: log}
	if err := cp.build(o); err != nil {
		_ = cp.close(context.Background())
		return nil, fmt.Errorf("%w: %w", ErrBuild, err)
	}

	log.With(
		logger.String("name", cfg.Name),
		logger.String("balancer", cfg.Balancer.Strategy),
		logger.String("probe", cfg.Health.Probe.Kind),
		logger.String("sagaStore", cfg.Saga.Store),
		logger.Bool("metrics", cp.metrics != nil),
		logger.Bool("consul", cp.mirror != nil),
	).Info("[ControlPlane] 组件构建完成")

	return cp, nil
}

func (cp *ControlPlane) build(o *options) error {
	cfg := cp.cfg

	tp, err := tracing.NewTracer(&cfg.Tracing, cfg.Name, cfg.Version)
	if err != nil {
		return err
	}
	cp.tracer = tp
	cp.addCloser("tracer", tp.Shutdown)

	if cfg.Metrics.Enabled {
		cp.metrics, err = metrics.NewMetrics(&metrics.Config{
			Path:      cfg.Metrics.Path,
			Namespace: cfg.Metrics.Namespace,
		})
		if err != nil {
			return err
		}
	}

	var observers []registry.Observer
	if cfg.Discovery.Enabled {
		if o.consulAgent != nil {
			cp.mirror = discovery.NewMirror(o.consulAgent, &cfg.Discovery, cp.log)
		} else {
			cp.mirror, err = discovery.NewConsulMirror(&cfg.Discovery, cp.log)
			if err != nil {
				return err
			}
		}
		observers = append(observers, cp.mirror)
		cp.addCloser("consul", func(context.Context) error { return cp.mirror.Close() })
	}
	if cp.metrics != nil {
		observers = append(observers, cp.metrics.RegistryObserver())
	}

	cp.registry = registry.New(
		registry.WithLogger(cp.log),
		registry.WithDefaultTTL(cfg.Registry.DefaultTTL),
		registry.WithStaleness(cfg.Registry.Staleness),
		registry.WithObserver(observers...),
	)
	if cp.metrics != nil {
		if err := cp.metrics.WatchRegistry(cp.registry); err != nil {
			return err
		}
	}

	if err := cp.buildMonitor(o); err != nil {
		return err
	}
	if err := cp.buildRouter(o); err != nil {
		return err
	}
	if err := cp.buildOrchestrator(o); err != nil {
		return err
	}

	cp.readiness = health.NewReadiness(cfg.Health.Timeout)
	cp.readiness.Add("monitor", health.MonitorCheck(cp.monitor))
	if pinger, ok := cp.store.(health.Pinger); ok {
		cp.readiness.Add("saga_store", health.PingCheck(pinger))
	}
	return nil
}

func (cp *ControlPlane) buildMonitor(o *options) error {
	cfg := cp.cfg.Health

	probe := o.probe
	if probe == nil {
		var err error
		if probe, err = health.NewProbe(cfg.Probe); err != nil {
			return err
		}
	}

	monitorOpts := []health.Option{
		health.WithLogger(cp.log),
		health.WithInterval(cfg.Interval),
		health.WithTimeout(cfg.Timeout),
		health.WithFailureThreshold(cfg.FailureThreshold),
		health.WithMaxConcurrency(cfg.MaxConcurrency),
	}
	if cp.metrics != nil {
		monitorOpts = append(monitorOpts, health.WithProbeHook(cp.metrics.ProbeHook()))
	}

	monitor, err := health.NewMonitor(cp.registry, probe, monitorOpts...)
	if err != nil {
		return err
	}
	cp.monitor = monitor
	return nil
}

func (cp *ControlPlane) buildRouter(o *options) error {
	cfg := cp.cfg

	kind, err := balancer.ParseKind(cfg.Balancer.Strategy)
	if err != nil {
		return err
	}
	b, err := balancer.New(kind)
	if err != nil {
		return err
	}

	pickerOpts := []balancer.PickerOption{balancer.WithLogger(cp.log)}
	if cp.metrics != nil {
		pickerOpts = append(pickerOpts, balancer.WithSelectHook(cp.metrics.SelectHook()))
	}
	cp.picker = balancer.NewPicker(cp.registry, b, pickerOpts...)

	inv := o.invoker
	if inv == nil {
		client := &http.Client{
			Transport: tracing.NewTransport(nil, cfg.Name, tracing.WithTracerProvider(cp.tracer)),
		}
		inv = invoker.NewHTTPInvoker(
			invoker.WithHTTPClient(client),
			invoker.WithScheme(cfg.Invoker.Scheme),
			invoker.WithPath(cfg.Invoker.Path),
			invoker.WithHTTPLogger(cp.log),
		)
	}

	routerOpts := []invoker.RouterOption{
		invoker.WithLogger(cp.log),
		invoker.WithTimeout(cfg.Invoker.Timeout),
		invoker.WithRetry(cfg.Invoker.RetryAttempts, cfg.Invoker.RetryDelay),
	}
	if cp.metrics != nil {
		routerOpts = append(routerOpts, invoker.WithCallHook(cp.metrics.CallHook()))
	}
	cp.router = invoker.NewRouter(cp.picker, cp.registry, inv, routerOpts...)
	return nil
}

func (cp *ControlPlane) buildOrchestrator(o *options) error {
	cfg := cp.cfg.Saga

	switch cfg.Store {
	case StoreRedis:
		client := o.redisClient
		if client == nil {
			client = redis.NewUniversalClient(&redis.UniversalOptions{
				Addrs:    cfg.Redis.Addrs,
				Password: cfg.Redis.Password,
				DB:       cfg.Redis.DB,
			})
			cp.addCloser("redis", func(context.Context) error { return client.Close() })
		}
		cp.store = saga.NewRedisStore(client,
			saga.WithRedisPrefix(cfg.Redis.Prefix),
			saga.WithRedisTTL(cfg.Redis.TTL),
		)
	case StoreNone:
		cp.store = saga.NewNopStore()
	default:
		cp.store = saga.NewMemoryStore(saga.WithRetention(cfg.Retention))
	}

	sagaOpts := []saga.Option{
		saga.WithStore(cp.store),
		saga.WithLogger(cp.log),
		saga.WithTracerProvider(cp.tracer),
		saga.WithStepTimeout(cfg.StepTimeout),
		saga.WithCompensationTimeout(cfg.CompensationTimeout),
	}

	switch {
	case o.kafkaProducer != nil:
		exporter, err := saga.NewKafkaExporter(o.kafkaProducer, cfg.Kafka.Topic)
		if err != nil {
			return err
		}
		sagaOpts = append(sagaOpts, saga.WithExporter(exporter))
	case len(cfg.Kafka.Brokers) > 0:
		exporter, err := saga.NewKafkaExporterFromBrokers(cfg.Kafka.Brokers, cfg.Kafka.Topic)
		if err != nil {
			return err
		}
		cp.addCloser("kafka", func(context.Context) error { return exporter.Close() })
		sagaOpts = append(sagaOpts, saga.WithExporter(exporter))
	}

	if cp.metrics != nil {
		sagaOpts = append(sagaOpts, cp.metrics.SagaOptions()...)
	}

	cp.orchestrator = saga.NewOrchestrator(sagaOpts...)
	return nil
}

func (cp *ControlPlane) addCloser(name string, fn func(ctx context.Context) error) {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	cp.closers = append(cp.closers, closer{name: name, fn: fn})
}

// Start 启动健康监测，立即返回.
func (cp *ControlPlane) Start(context.Context) error {
	if err := cp.monitor.Start(); err != nil {
		return err
	}
	cp.log.Info("[ControlPlane] 已启动")
	return nil
}

// Stop 停止健康监测并释放外部连接，可重复调用.
func (cp *ControlPlane) Stop(ctx context.Context) error {
	cp.monitor.Stop()
	err := cp.close(ctx)
	cp.log.Info("[ControlPlane] 已停止")
	return err
}

func (cp *ControlPlane) close(ctx context.Context) error {
	cp.mu.Lock()
	if cp.stopped {
		cp.mu.Unlock()
		return nil
	}
	cp.stopped = true
	closers := cp.closers
	cp.mu.Unlock()

	var result *multierror.Error
	for i := len(closers) - 1; i >= 0; i-- {
		c := closers[i]
		if err := c.fn(ctx); err != nil {
			cp.log.With(logger.String("component", c.name), logger.Err(err)).Error("[ControlPlane] 关闭失败")
			result = multierror.Append(result, fmt.Errorf("%s: %w", c.name, err))
		}
	}
	return result.ErrorOrNil()
}

// Name 实现 app.Server.
func (cp *ControlPlane) Name() string {
	return "controlplane"
}

// Addr 实现 app.Server，控制平面本身不监听端口.
func (cp *ControlPlane) Addr() string {
	return ""
}

// Config 返回填充默认值后的配置.
func (cp *ControlPlane) Config() *Config {
	return cp.cfg
}

// Registry 返回服务注册表.
func (cp *ControlPlane) Registry() *registry.Registry {
	return cp.registry
}

// Monitor 返回健康监测器.
func (cp *ControlPlane) Monitor() *health.Monitor {
	return cp.monitor
}

// Picker 返回实例选择器.
func (cp *ControlPlane) Picker() *balancer.Picker {
	return cp.picker
}

// Router 返回负载均衡的远程调用路由.
func (cp *ControlPlane) Router() *invoker.Router {
	return cp.router
}

// Orchestrator 返回 Saga 编排器.
func (cp *ControlPlane) Orchestrator() *saga.Orchestrator {
	return cp.orchestrator
}

// Metrics 返回指标收集器，未启用时为 nil.
func (cp *ControlPlane) Metrics() *metrics.PrometheusCollector {
	return cp.metrics
}

// Readiness 返回就绪检查.
func (cp *ControlPlane) Readiness() *health.Readiness {
	return cp.readiness
}

// RemoteStep 构建经由负载均衡路由的 Saga 步骤.
func (cp *ControlPlane) RemoteStep(name string, action saga.Endpoint, compensate *saga.Endpoint) saga.Step {
	return saga.RemoteStep(name, cp.router, action, compensate)
}

// Execute 执行 Saga.
func (cp *ControlPlane) Execute(ctx context.Context, def *saga.Definition, initial saga.Data) (saga.Data, *saga.Record, error) {
	return cp.orchestrator.Execute(ctx, def, initial)
}
