package alert

import (
	"context"
	"fmt"

	"cloud.google.com/go/pubsub"

	"github.com/JakeFAU/au-crawler/internal/crawler"
)

// PubSubConfig names the destination topic.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	Topic     string `mapstructure:"topic"`
}

// PubSubSink publishes alerts as JSON messages to a Pub/Sub topic.
type PubSubSink struct {
	client *pubsub.Client
	topic  *pubsub.Topic
}

// NewPubSubSink publishes to cfg.Topic through client. The caller keeps
// ownership of client.
func NewPubSubSink(client *pubsub.Client, cfg PubSubConfig) (*PubSubSink, error) {
	if client == nil {
		return nil, fmt.Errorf("pubsub client is required")
	}
	if cfg.Topic == "" {
		return nil, fmt.Errorf("pubsub topic is required")
	}
	return &PubSubSink{client: client, topic: client.Topic(cfg.Topic)}, nil
}

// DialPubSub creates a client for cfg.ProjectID and a sink on cfg.Topic.
// Close releases both.
func DialPubSub(ctx context.Context, cfg PubSubConfig) (*PubSubSink, error) {
	if cfg.ProjectID == "" {
		return nil, fmt.Errorf("pubsub project id is required")
	}
	client, err := pubsub.NewClient(ctx, cfg.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("create pubsub client: %w", err)
	}
	sink, err := NewPubSubSink(client, cfg)
	if err != nil {
		_ = client.Close()
		return nil, err
	}
	return sink, nil
}

// Raise publishes a and waits for the server to acknowledge it.
func (s *PubSubSink) Raise(ctx context.Context, a crawler.Alert) error {
	data, err := encode(a)
	if err != nil {
		return err
	}
	res := s.topic.Publish(ctx, &pubsub.Message{Data: data, Attributes: attributes(a)})
	if _, err := res.Get(ctx); err != nil {
		return fmt.Errorf("publish alert: %w", err)
	}
	return nil
}

// Close flushes pending publishes and closes the client.
func (s *PubSubSink) Close() error {
	s.topic.Stop()
	if err := s.client.Close(); err != nil {
		return fmt.Errorf("close pubsub client: %w", err)
	}
	return nil
}
