// Package metrics 提供控制平面的 Prometheus 指标.
//
// 各组件通过钩子上报，收集器不主动依赖任何组件:
//
//	collector := metrics.MustNewMetrics(metrics.DefaultConfig())
//	reg := registry.New(registry.WithObserver(collector.RegistryObserver()))
//	monitor, _ := health.NewMonitor(reg, probe, health.WithProbeHook(collector.ProbeHook()))
//	collector.WatchRegistry(reg)
//	http.Handle(collector.GetPath(), collector.GetHandler())
package metrics

// NewMetrics 创建指标收集器.
func NewMetrics(cfg *Config) (*PrometheusCollector, error) {
	if cfg == nil {
		return nil, ErrNilConfig
	}

	return NewPrometheus(cfg)
}

// MustNewMetrics 创建指标收集器，失败时 panic.
func MustNewMetrics(cfg *Config) *PrometheusCollector {
	c, err := NewMetrics(cfg)
	if err != nil {
		panic(err)
	}
	return c
}
