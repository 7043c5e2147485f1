package alert

import (
	"context"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/JakeFAU/au-crawler/internal/crawler"
)

// KafkaConfig names the brokers and topic.
type KafkaConfig struct {
	Brokers      []string      `mapstructure:"brokers"`
	Topic        string        `mapstructure:"topic"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaSink writes alerts to a Kafka topic keyed by AUID, so alerts for
// one unit stay ordered within a partition.
type KafkaSink struct {
	writer messageWriter
}

// NewKafkaSink builds a synchronous writer for cfg.
func NewKafkaSink(cfg KafkaConfig) (*KafkaSink, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("kafka brokers are required")
	}
	if cfg.Topic == "" {
		return nil, fmt.Errorf("kafka topic is required")
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	return &KafkaSink{writer: &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		BatchSize:    1,
		BatchTimeout: time.Millisecond,
		WriteTimeout: cfg.WriteTimeout,
		RequiredAcks: kafka.RequireOne,
	}}, nil
}

// Raise implements crawler.AlertSink.
func (s *KafkaSink) Raise(ctx context.Context, a crawler.Alert) error {
	data, err := encode(a)
	if err != nil {
		return err
	}
	headers := make([]kafka.Header, 0, 3)
	for k, v := range attributes(a) {
		headers = append(headers, kafka.Header{Key: k, Value: []byte(v)})
	}
	msg := kafka.Message{Key: []byte(a.AUID), Value: data, Headers: headers, Time: a.RaisedAt}
	if err := s.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("write alert to kafka: %w", err)
	}
	return nil
}

// Close flushes and closes the writer.
func (s *KafkaSink) Close() error {
	if err := s.writer.Close(); err != nil {
		return fmt.Errorf("close kafka writer: %w", err)
	}
	return nil
}
