package metrics

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Tsukikage7/orchestrator/balancer"
	"github.com/Tsukikage7/orchestrator/health"
	"github.com/Tsukikage7/orchestrator/invoker"
	"github.com/Tsukikage7/orchestrator/registry"
	"github.com/Tsukikage7/orchestrator/saga"
)

// 调用结果标签值.
const (
	resultSuccess     = "success"
	resultFailure     = "failure"
	resultTransport   = "transport_error"
	resultApplication = "application_error"
)

// PrometheusCollector Prometheus 指标收集器实现.
type PrometheusCollector struct {
	config *Config

	// 注册表指标
	statusTransitions *prometheus.CounterVec
	registrations     *prometheus.CounterVec

	// 健康监测指标
	probesTotal   *prometheus.CounterVec
	probeDuration *prometheus.HistogramVec

	// 负载均衡与调用指标
	selectionsTotal    *prometheus.CounterVec
	invocationsTotal   *prometheus.CounterVec
	invocationDuration *prometheus.HistogramVec

	// Saga 指标
	sagaExecutions    *prometheus.CounterVec
	sagaDuration      *prometheus.HistogramVec
	sagaSteps         *prometheus.CounterVec
	sagaCompensations *prometheus.CounterVec

	registry *prometheus.Registry
}

// NewPrometheus 创建 Prometheus 指标收集器.
func NewPrometheus(cfg *Config) (*PrometheusCollector, error) {
	if cfg == nil {
		return nil, ErrNilConfig
	}

	namespace := cfg.Namespace
	if namespace == "" {
		namespace = "orchestrator"
	}

	// 创建新的注册表，避免与默认注册表冲突
	reg := prometheus.NewRegistry()

	c := &PrometheusCollector{
		config:   cfg,
		registry: reg,
	}

	c.registrations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "registry",
			Name:      "events_total",
			Help:      "Total number of register/unregister events",
		},
		[]string{"service", "event"},
	)

	c.statusTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "registry",
			Name:      "status_transitions_total",
			Help:      "Total number of instance status transitions",
		},
		[]string{"service", "from", "to"},
	)

	c.probesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "health",
			Name:      "probes_total",
			Help:      "Total number of health probes",
		},
		[]string{"service", "result"},
	)

	c.probeDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "health",
			Name:      "probe_duration_seconds",
			Help:      "Health probe duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"service"},
	)

	c.selectionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "balancer",
			Name:      "selections_total",
			Help:      "Total number of instance selections",
		},
		[]string{"service", "result"},
	)

	c.invocationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "invoker",
			Name:      "calls_total",
			Help:      "Total number of remote calls",
		},
		[]string{"service", "result"},
	)

	c.invocationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "invoker",
			Name:      "call_duration_seconds",
			Help:      "Remote call duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"service"},
	)

	c.sagaExecutions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "saga",
			Name:      "executions_total",
			Help:      "Total number of saga executions by terminal status",
		},
		[]string{"saga", "status"},
	)

	c.sagaDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "saga",
			Name:      "execution_duration_seconds",
			Help:      "Saga execution duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"saga"},
	)

	c.sagaSteps = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "saga",
			Name:      "steps_total",
			Help:      "Total number of saga step actions",
		},
		[]string{"saga", "step", "result"},
	)

	c.sagaCompensations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "saga",
			Name:      "compensations_total",
			Help:      "Total number of saga compensations",
		},
		[]string{"saga", "step", "result"},
	)

	// 注册所有指标
	collectors := []prometheus.Collector{
		c.registrations,
		c.statusTransitions,
		c.probesTotal,
		c.probeDuration,
		c.selectionsTotal,
		c.invocationsTotal,
		c.invocationDuration,
		c.sagaExecutions,
		c.sagaDuration,
		c.sagaSteps,
		c.sagaCompensations,
	}

	for _, collector := range collectors {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrRegisterMetric, err)
		}
	}

	return c, nil
}

// RegistryObserver 返回注册表观察者，统计注册事件与状态变更.
func (c *PrometheusCollector) RegistryObserver() registry.Observer {
	return registry.ObserverFunc(func(event registry.Event) {
		name := event.Instance.Name
		switch event.Type {
		case registry.EventStatusChanged:
			c.statusTransitions.WithLabelValues(name, string(event.Previous), string(event.Instance.Status)).Inc()
		default:
			c.registrations.WithLabelValues(name, string(event.Type)).Inc()
		}
	})
}

// ProbeHook 返回健康探测钩子.
func (c *PrometheusCollector) ProbeHook() health.ProbeHook {
	return func(instance registry.ServiceInstance, err error, duration time.Duration) {
		c.probesTotal.WithLabelValues(instance.Name, result(err)).Inc()
		c.probeDuration.WithLabelValues(instance.Name).Observe(duration.Seconds())
	}
}

// SelectHook 返回实例选择钩子.
func (c *PrometheusCollector) SelectHook() balancer.SelectHook {
	return func(service string, _ registry.ServiceInstance, err error) {
		c.selectionsTotal.WithLabelValues(service, result(err)).Inc()
	}
}

// CallHook 返回远程调用钩子，区分网络错误与业务错误.
func (c *PrometheusCollector) CallHook() invoker.CallHook {
	return func(service string, _ registry.ServiceInstance, err error, duration time.Duration) {
		r := resultSuccess
		switch {
		case err == nil:
		case errors.Is(err, invoker.ErrTransport):
			r = resultTransport
		case invoker.IsApplicationError(err):
			r = resultApplication
		default:
			r = resultFailure
		}
		c.invocationsTotal.WithLabelValues(service, r).Inc()
		c.invocationDuration.WithLabelValues(service).Observe(duration.Seconds())
	}
}

// SagaOptions 返回接入 Saga 编排器的钩子选项.
func (c *PrometheusCollector) SagaOptions() []saga.Option {
	return []saga.Option{
		saga.WithStepHook(func(name, step string, err error, _ time.Duration) {
			c.sagaSteps.WithLabelValues(name, step, result(err)).Inc()
		}),
		saga.WithCompensationHook(func(name, step string, err error, _ time.Duration) {
			c.sagaCompensations.WithLabelValues(name, step, result(err)).Inc()
		}),
		saga.WithFinishHook(func(record *saga.Record) {
			c.sagaExecutions.WithLabelValues(record.Saga, string(record.Status)).Inc()
			c.sagaDuration.WithLabelValues(record.Saga).Observe(record.Duration().Seconds())
		}),
	}
}

// WatchRegistry 采集时读取注册表快照，导出各状态的实例数与在途连接数.
func (c *PrometheusCollector) WatchRegistry(source InstanceSource) error {
	if err := c.registry.Register(newRegistryCollector(c.namespace(), source)); err != nil {
		return fmt.Errorf("%w: %v", ErrRegisterMetric, err)
	}
	return nil
}

// Registry 返回底层 Prometheus 注册表.
func (c *PrometheusCollector) Registry() *prometheus.Registry {
	return c.registry
}

// GetHandler 返回 metrics 的 HTTP 处理器.
func (c *PrometheusCollector) GetHandler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// GetPath 返回 metrics 路径.
func (c *PrometheusCollector) GetPath() string {
	if c.config.Path == "" {
		return "/metrics"
	}
	return c.config.Path
}

func (c *PrometheusCollector) namespace() string {
	if c.config.Namespace == "" {
		return "orchestrator"
	}
	return c.config.Namespace
}

func result(err error) string {
	if err != nil {
		return resultFailure
	}
	return resultSuccess
}
