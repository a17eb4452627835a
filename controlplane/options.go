package controlplane

import (
	"github.com/IBM/sarama"
	"github.com/redis/go-redis/v9"

	"github.com/Tsukikage7/orchestrator/discovery"
	"github.com/Tsukikage7/orchestrator/health"
	"github.com/Tsukikage7/orchestrator/invoker"
)

// Option 替换默认构建的外部依赖，主要用于测试与嵌入.
type Option func(*options)

type options struct {
	probe         health.ProbeFunc
	invoker       invoker.Invoker
	redisClient   redis.UniversalClient
	kafkaProducer sarama.SyncProducer
	consulAgent   discovery.Agent
}

// WithProbe 使用指定的探测函数，忽略 health.probe 配置.
func WithProbe(probe health.ProbeFunc) Option {
	return func(o *options) {
		o.probe = probe
	}
}

// WithInvoker 使用指定的调用器，忽略 invoker 的传输配置.
func WithInvoker(inv invoker.Invoker) Option {
	return func(o *options) {
		o.invoker = inv
	}
}

// WithRedisClient 使用已有的 Redis 客户端，saga.store 为 redis 时生效.
func WithRedisClient(client redis.UniversalClient) Option {
	return func(o *options) {
		o.redisClient = client
	}
}

// WithKafkaProducer 使用已有的 Kafka 生产者导出执行记录.
func WithKafkaProducer(producer sarama.SyncProducer) Option {
	return func(o *options) {
		o.kafkaProducer = producer
	}
}

// WithConsulAgent 使用指定的 Consul agent，discovery.enabled 为 true 时生效.
func WithConsulAgent(agent discovery.Agent) Option {
	return func(o *options) {
		o.consulAgent = agent
	}
}
