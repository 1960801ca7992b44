package mq

import (
	"credvault/internal/config"

	"github.com/IBM/sarama"
	"go.uber.org/zap"
)

// Publisher 消息发送接口，OutboxSender 依赖它而不是具体的 Kafka 客户端
type Publisher interface {
	Publish(topic, key, value string, headers map[string]string) error
	Close() error
}

type KafkaPublisher struct {
	producer sarama.SyncProducer
}

func NewProducerConfig() *sarama.Config {
	kafkaConfig := sarama.NewConfig()
	kafkaConfig.Version = sarama.V2_1_0_0
	kafkaConfig.Producer.RequiredAcks = sarama.WaitForAll // 等待所有副本确认
	kafkaConfig.Producer.Retry.Max = 3
	kafkaConfig.Producer.Return.Successes = true
	kafkaConfig.Producer.Idempotent = true
	kafkaConfig.Net.MaxOpenRequests = 1 // 幂等生产者要求
	return kafkaConfig
}

// InitKafka 初始化 Kafka 同步生产者
func InitKafka(cfg *config.KafkaConfig) (*KafkaPublisher, error) {
	producer, err := sarama.NewSyncProducer(cfg.Brokers, NewProducerConfig())
	if err != nil {
		return nil, err
	}

	zap.L().Info("Kafka 生产者创建成功", zap.Strings("brokers", cfg.Brokers))
	return NewKafkaPublisher(producer), nil
}

func NewKafkaPublisher(producer sarama.SyncProducer) *KafkaPublisher {
	return &KafkaPublisher{producer: producer}
}

func (p *KafkaPublisher) Publish(topic, key, value string, headers map[string]string) error {
	msg := &sarama.ProducerMessage{
		Topic: topic,
		Key:   sarama.StringEncoder(key),
		Value: sarama.StringEncoder(value),
	}
	for k, v := range headers {
		msg.Headers = append(msg.Headers, sarama.RecordHeader{Key: []byte(k), Value: []byte(v)})
	}

	_, _, err := p.producer.SendMessage(msg)
	return err
}

func (p *KafkaPublisher) Close() error {
	if p.producer == nil {
		return nil
	}
	return p.producer.Close()
}
