package alerts

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/IBM/sarama"

	"github.com/YousifYassi/prototype/internal/config"
)

// KafkaHandler publishes alerts as JSON to a Kafka topic, keyed by source id
type KafkaHandler struct {
	producer sarama.SyncProducer
	topic    string
}

// NewKafkaHandler connects a synchronous producer to the configured brokers
func NewKafkaHandler(cfg config.KafkaConfig) (*KafkaHandler, error) {
	sc := sarama.NewConfig()
	sc.Producer.Return.Successes = true
	sc.Producer.RequiredAcks = sarama.WaitForAll
	sc.Producer.Retry.Max = 3
	if cfg.ClientID != "" {
		sc.ClientID = cfg.ClientID
	}

	producer, err := sarama.NewSyncProducer(cfg.Brokers, sc)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka producer: %w", err)
	}
	return NewKafkaHandlerWithProducer(producer, cfg.Topic), nil
}

// NewKafkaHandlerWithProducer wraps an existing producer
func NewKafkaHandlerWithProducer(producer sarama.SyncProducer, topic string) *KafkaHandler {
	if topic == "" {
		topic = "safety-alerts"
	}
	return &KafkaHandler{producer: producer, topic: topic}
}

func (h *KafkaHandler) Name() string { return "kafka" }

func (h *KafkaHandler) Handle(ctx context.Context, a *Alert) error {
	value, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("failed to marshal alert: %w", err)
	}

	msg := &sarama.ProducerMessage{
		Topic: h.topic,
		Key:   sarama.StringEncoder(a.SourceID),
		Value: sarama.ByteEncoder(value),
		Headers: []sarama.RecordHeader{
			{Key: []byte("severity"), Value: []byte(fmt.Sprint(a.Severity))},
			{Key: []byte("source_type"), Value: []byte(a.SourceType)},
		},
	}
	if _, _, err := h.producer.SendMessage(msg); err != nil {
		return fmt.Errorf("failed to send alert to kafka: %w", err)
	}
	return nil
}

// Close closes the producer
func (h *KafkaHandler) Close() error {
	return h.producer.Close()
}
