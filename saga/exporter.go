package saga

import (
	"context"
	"fmt"

	"github.com/IBM/sarama"
)

// Exporter 执行记录导出接口，执行进入终态后调用.
type Exporter interface {
	Export(ctx context.Context, record *Record) error
}

// ExporterFunc 函数适配器.
type ExporterFunc func(ctx context.Context, record *Record) error

// Export 实现 Exporter 接口.
func (f ExporterFunc) Export(ctx context.Context, record *Record) error {
	return f(ctx, record)
}

// NopExporter 不导出.
type NopExporter struct{}

// Export 实现 Exporter 接口.
func (NopExporter) Export(context.Context, *Record) error {
	return nil
}

// KafkaExporter 将执行记录发布到 Kafka.
//
// 消息 key 为执行 ID，value 为 Record.Export 的 JSON，
// header 携带 saga 名称与终态，方便消费端按状态过滤.
type KafkaExporter struct {
	producer sarama.SyncProducer
	topic    string
}

// NewKafkaExporter 使用已有生产者创建导出器.
func NewKafkaExporter(producer sarama.SyncProducer, topic string) (*KafkaExporter, error) {
	if producer == nil {
		return nil, ErrNilProducer
	}
	if topic == "" {
		return nil, ErrEmptyTopic
	}
	return &KafkaExporter{producer: producer, topic: topic}, nil
}

// NewKafkaExporterFromBrokers 连接 brokers 并创建导出器.
func NewKafkaExporterFromBrokers(brokers []string, topic string) (*KafkaExporter, error) {
	if topic == "" {
		return nil, ErrEmptyTopic
	}

	producer, err := sarama.NewSyncProducer(brokers, NewProducerConfig())
	if err != nil {
		return nil, fmt.Errorf("saga: 创建 Kafka 生产者失败: %w", err)
	}
	return NewKafkaExporter(producer, topic)
}

// NewProducerConfig 返回导出器使用的生产者配置.
func NewProducerConfig() *sarama.Config {
	config := sarama.NewConfig()
	config.Version = sarama.V3_8_0_0
	config.Producer.Return.Successes = true
	config.Producer.Return.Errors = true
	config.Producer.RequiredAcks = sarama.WaitForAll
	config.Producer.Retry.Max = 3
	config.Producer.Idempotent = true
	config.Net.MaxOpenRequests = 1
	return config
}

// Export 同步发送执行记录.
func (e *KafkaExporter) Export(ctx context.Context, record *Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	value, err := record.Export()
	if err != nil {
		return fmt.Errorf("saga: 序列化执行记录失败: %w", err)
	}

	_, _, err = e.producer.SendMessage(&sarama.ProducerMessage{
		Topic: e.topic,
		Key:   sarama.StringEncoder(record.ID),
		Value: sarama.ByteEncoder(value),
		Headers: []sarama.RecordHeader{
			{Key: []byte("saga"), Value: []byte(record.Saga)},
			{Key: []byte("status"), Value: []byte(record.Status)},
		},
	})
	if err != nil {
		return fmt.Errorf("saga: 发送执行记录失败: %w", err)
	}
	return nil
}

// Close 关闭生产者.
func (e *KafkaExporter) Close() error {
	return e.producer.Close()
}
