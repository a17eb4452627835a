package controlplane

import (
	"fmt"
	"strings"
	"time"

	"github.com/Tsukikage7/orchestrator/balancer"
	"github.com/Tsukikage7/orchestrator/discovery"
	"github.com/Tsukikage7/orchestrator/health"
	"github.com/Tsukikage7/orchestrator/logger"
	"github.com/Tsukikage7/orchestrator/metrics"
	"github.com/Tsukikage7/orchestrator/registry"
	"github.com/Tsukikage7/orchestrator/saga"
	"github.com/Tsukikage7/orchestrator/tracing"
)

// Saga 存储类型.
const (
	StoreMemory = "memory"
	StoreRedis  = "redis"
	StoreNone   = "none"
)

// DefaultKafkaTopic 执行记录默认导出 topic.
const DefaultKafkaTopic = "saga-records"

// Config 控制平面配置.
type Config struct {
	Name    string `json:"name" yaml:"name" mapstructure:"name"`
	Version string `json:"version" yaml:"version" mapstructure:"version"`

	Logger    logger.Config    `json:"logger" yaml:"logger" mapstructure:"logger"`
	Server    ServerConfig     `json:"server" yaml:"server" mapstructure:"server"`
	Registry  RegistryConfig   `json:"registry" yaml:"registry" mapstructure:"registry"`
	Health    HealthConfig     `json:"health" yaml:"health" mapstructure:"health"`
	Balancer  BalancerConfig   `json:"balancer" yaml:"balancer" mapstructure:"balancer"`
	Invoker   InvokerConfig    `json:"invoker" yaml:"invoker" mapstructure:"invoker"`
	Saga      SagaConfig       `json:"saga" yaml:"saga" mapstructure:"saga"`
	Discovery discovery.Config `json:"discovery" yaml:"discovery" mapstructure:"discovery"`
	Metrics   MetricsConfig    `json:"metrics" yaml:"metrics" mapstructure:"metrics"`
	Tracing   tracing.Config   `json:"tracing" yaml:"tracing" mapstructure:"tracing"`
}

// ServerConfig 管理端 HTTP 服务器配置.
type ServerConfig struct {
	Addr            string        `json:"addr" yaml:"addr" mapstructure:"addr"`
	ReadTimeout     time.Duration `json:"read_timeout" yaml:"read_timeout" mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `json:"write_timeout" yaml:"write_timeout" mapstructure:"write_timeout"`
	GracefulTimeout time.Duration `json:"graceful_timeout" yaml:"graceful_timeout" mapstructure:"graceful_timeout"`
}

// RegistryConfig 注册表配置.
type RegistryConfig struct {
	DefaultTTL time.Duration `json:"default_ttl" yaml:"default_ttl" mapstructure:"default_ttl"`
	Staleness  time.Duration `json:"staleness" yaml:"staleness" mapstructure:"staleness"`
}

// HealthConfig 健康监测配置.
type HealthConfig struct {
	Interval         time.Duration      `json:"interval" yaml:"interval" mapstructure:"interval"`
	Timeout          time.Duration      `json:"timeout" yaml:"timeout" mapstructure:"timeout"`
	FailureThreshold int                `json:"failure_threshold" yaml:"failure_threshold" mapstructure:"failure_threshold"`
	MaxConcurrency   int                `json:"max_concurrency" yaml:"max_concurrency" mapstructure:"max_concurrency"`
	Probe            health.ProbeConfig `json:"probe" yaml:"probe" mapstructure:"probe"`
}

// BalancerConfig 负载均衡配置.
type BalancerConfig struct {
	Strategy string `json:"strategy" yaml:"strategy" mapstructure:"strategy"`
}

// InvokerConfig 远程调用配置.
type InvokerConfig struct {
	Timeout       time.Duration `json:"timeout" yaml:"timeout" mapstructure:"timeout"`
	Scheme        string        `json:"scheme" yaml:"scheme" mapstructure:"scheme"`
	Path          string        `json:"path" yaml:"path" mapstructure:"path"`
	RetryAttempts uint          `json:"retry_attempts" yaml:"retry_attempts" mapstructure:"retry_attempts"`
	RetryDelay    time.Duration `json:"retry_delay" yaml:"retry_delay" mapstructure:"retry_delay"`
}

// SagaConfig Saga 编排配置.
type SagaConfig struct {
	Store               string        `json:"store" yaml:"store" mapstructure:"store"`
	Retention           time.Duration `json:"retention" yaml:"retention" mapstructure:"retention"`
	StepTimeout         time.Duration `json:"step_timeout" yaml:"step_timeout" mapstructure:"step_timeout"`
	CompensationTimeout time.Duration `json:"compensation_timeout" yaml:"compensation_timeout" mapstructure:"compensation_timeout"`
	Redis               RedisConfig   `json:"redis" yaml:"redis" mapstructure:"redis"`
	Kafka               KafkaConfig   `json:"kafka" yaml:"kafka" mapstructure:"kafka"`
}

// RedisConfig Redis 存储配置.
type RedisConfig struct {
	Addrs    []string      `json:"addrs" yaml:"addrs" mapstructure:"addrs"`
	Password string        `json:"password" yaml:"password" mapstructure:"password"`
	DB       int           `json:"db" yaml:"db" mapstructure:"db"`
	Prefix   string        `json:"prefix" yaml:"prefix" mapstructure:"prefix"`
	TTL      time.Duration `json:"ttl" yaml:"ttl" mapstructure:"ttl"`
}

// KafkaConfig 执行记录导出配置，Brokers 为空时不导出.
type KafkaConfig struct {
	Brokers []string `json:"brokers" yaml:"brokers" mapstructure:"brokers"`
	Topic   string   `json:"topic" yaml:"topic" mapstructure:"topic"`
}

// MetricsConfig 指标配置.
type MetricsConfig struct {
	Enabled   bool   `json:"enabled" yaml:"enabled" mapstructure:"enabled"`
	Namespace string `json:"namespace" yaml:"namespace" mapstructure:"namespace"`
	Path      string `json:"path" yaml:"path" mapstructure:"path"`
}

// DefaultConfig 返回默认配置.
func DefaultConfig() *Config {
	cfg := &Config{Metrics: MetricsConfig{Enabled: true}}
	cfg.SetDefaults()
	return cfg
}

// SetDefaults 填充默认值.
func (c *Config) SetDefaults() {
	if c.Name == "" {
		c.Name = "orchestrator"
	}
	if c.Version == "" {
		c.Version = "dev"
	}
	c.Logger.ApplyDefaults()
	if c.Logger.ServiceName == "orchestrator" && c.Name != "orchestrator" {
		c.Logger.ServiceName = c.Name
	}

	if c.Server.Addr == "" {
		c.Server.Addr = ":8080"
	}
	if c.Server.GracefulTimeout == 0 {
		c.Server.GracefulTimeout = 30 * time.Second
	}

	if c.Registry.DefaultTTL == 0 {
		c.Registry.DefaultTTL = registry.DefaultTTL
	}
	if c.Registry.Staleness == 0 {
		c.Registry.Staleness = registry.DefaultStaleness
	}

	if c.Health.Interval == 0 {
		c.Health.Interval = health.DefaultInterval
	}
	if c.Health.Timeout == 0 {
		c.Health.Timeout = health.DefaultTimeout
	}
	if c.Health.FailureThreshold == 0 {
		c.Health.FailureThreshold = health.DefaultFailureThreshold
	}
	if c.Health.Probe.Kind == "" {
		c.Health.Probe.Kind = health.ProbeTCP
	}

	if c.Balancer.Strategy == "" {
		c.Balancer.Strategy = string(balancer.KindRoundRobin)
	}

	if c.Invoker.Timeout == 0 {
		c.Invoker.Timeout = 5 * time.Second
	}
	if c.Invoker.Scheme == "" {
		c.Invoker.Scheme = "http"
	}
	if c.Invoker.Path == "" {
		c.Invoker.Path = "/invoke"
	}
	if c.Invoker.RetryAttempts == 0 {
		c.Invoker.RetryAttempts = 1
	}
	if c.Invoker.RetryDelay == 0 {
		c.Invoker.RetryDelay = 100 * time.Millisecond
	}

	if c.Saga.Store == "" {
		c.Saga.Store = StoreMemory
	}
	if c.Saga.StepTimeout == 0 {
		c.Saga.StepTimeout = saga.DefaultStepTimeout
	}
	if c.Saga.CompensationTimeout == 0 {
		c.Saga.CompensationTimeout = saga.DefaultCompensationTimeout
	}
	if c.Saga.Redis.Prefix == "" {
		c.Saga.Redis.Prefix = "saga:"
	}
	if c.Saga.Kafka.Topic == "" {
		c.Saga.Kafka.Topic = DefaultKafkaTopic
	}

	if c.Discovery.Enabled {
		c.Discovery.SetDefaults()
	}

	if c.Metrics.Namespace == "" {
		c.Metrics.Namespace = metrics.DefaultConfig().Namespace
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = metrics.DefaultConfig().Path
	}
}

// Validate 验证配置.
func (c *Config) Validate() error {
	if c == nil {
		return ErrNilConfig
	}
	if err := c.Logger.Validate(); err != nil {
		return err
	}

	if c.Registry.DefaultTTL < 0 || c.Registry.Staleness < 0 {
		return &ConfigError{Field: "registry", Message: "时长不能为负数"}
	}

	if c.Health.Interval < 0 || c.Health.Timeout < 0 {
		return &ConfigError{Field: "health", Message: "时长不能为负数"}
	}
	if c.Health.FailureThreshold < 0 {
		return &ConfigError{Field: "health.failure_threshold", Message: "不能为负数"}
	}
	if _, err := health.NewProbe(health.ProbeConfig{Kind: c.Health.Probe.Kind}); err != nil {
		return &ConfigError{Field: "health.probe.kind", Message: err.Error()}
	}

	if _, err := balancer.ParseKind(c.Balancer.Strategy); err != nil {
		return &ConfigError{Field: "balancer.strategy", Message: err.Error()}
	}

	if c.Invoker.Timeout < 0 || c.Invoker.RetryDelay < 0 {
		return &ConfigError{Field: "invoker", Message: "时长不能为负数"}
	}
	switch strings.ToLower(c.Invoker.Scheme) {
	case "", "http", "https":
	default:
		return &ConfigError{Field: "invoker.scheme", Message: "仅支持 http 或 https"}
	}

	switch c.Saga.Store {
	case "", StoreMemory, StoreNone:
	case StoreRedis:
		if len(c.Saga.Redis.Addrs) == 0 {
			return &ConfigError{Field: "saga.redis.addrs", Message: "redis 存储需要地址"}
		}
	default:
		return &ConfigError{Field: "saga.store", Message: fmt.Sprintf("不支持的存储类型: %s", c.Saga.Store)}
	}
	if c.Saga.StepTimeout < 0 || c.Saga.CompensationTimeout < 0 || c.Saga.Retention < 0 {
		return &ConfigError{Field: "saga", Message: "时长不能为负数"}
	}

	if err := c.Discovery.Validate(); err != nil {
		return err
	}
	if err := c.Tracing.Validate(); err != nil {
		return err
	}
	return nil
}

// ConfigError 配置错误.
type ConfigError struct {
	Field   string
	Message string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("配置错误 [%s]: %s", e.Field, e.Message)
}
