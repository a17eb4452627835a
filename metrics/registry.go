package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/Tsukikage7/orchestrator/registry"
)

// InstanceSource 实例快照来源，*registry.Registry 实现了该接口.
type InstanceSource interface {
	All() []registry.ServiceInstance
}

// registryCollector 在采集时读取注册表，避免维护重复的状态.
type registryCollector struct {
	source      InstanceSource
	instances   *prometheus.Desc
	connections *prometheus.Desc
}

func newRegistryCollector(namespace string, source InstanceSource) *registryCollector {
	return &registryCollector{
		source: source,
		instances: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "registry", "instances"),
			"Number of registered instances by status",
			[]string{"service", "status"}, nil,
		),
		connections: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "registry", "connections"),
			"In-flight calls per instance",
			[]string{"service", "instance"}, nil,
		),
	}
}

// Describe 实现 prometheus.Collector.
func (c *registryCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.instances
	ch <- c.connections
}

// Collect 实现 prometheus.Collector.
func (c *registryCollector) Collect(ch chan<- prometheus.Metric) {
	type key struct {
		service string
		status  registry.Status
	}
	counts := make(map[key]int)

	for _, instance := range c.source.All() {
		counts[key{instance.Name, instance.Status}]++
		ch <- prometheus.MustNewConstMetric(c.connections, prometheus.GaugeValue,
			float64(instance.Connections), instance.Name, instance.ID)
	}

	for k, n := range counts {
		ch <- prometheus.MustNewConstMetric(c.instances, prometheus.GaugeValue,
			float64(n), k.service, string(k.status))
	}
}
