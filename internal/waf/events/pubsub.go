package events

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"cloud.google.com/go/pubsub"
)

// PubSubBus wraps Bus and additionally publishes every event to a
// Google Cloud Pub/Sub topic for durable, cross-service delivery to
// downstream security analytics. It is optional ambient wiring,
// enabled via events.pubsub_enabled; the Judge and Learner never
// require it to be present.
type PubSubBus struct {
	*Bus

	client *pubsub.Client
	topic  *pubsub.Topic
}

// NewPubSubBus connects to projectID and publishes to topicID, creating
// the topic if it does not already exist.
func NewPubSubBus(projectID, topicID string) (*PubSubBus, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	client, err := pubsub.NewClient(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("events: pubsub client: %w", err)
	}

	topic := client.Topic(topicID)
	exists, err := topic.Exists(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("events: topic exists: %w", err)
	}
	if !exists {
		topic, err = client.CreateTopic(ctx, topicID)
		if err != nil {
			client.Close()
			return nil, fmt.Errorf("events: create topic: %w", err)
		}
		slog.Info("events: created pubsub topic", "topic_id", topicID)
	}

	return &PubSubBus{Bus: NewBus(), client: client, topic: topic}, nil
}

// Emit publishes to Pub/Sub (durable fan-out) and to the in-process bus
// (live operator stream) in that order.
func (p *PubSubBus) Emit(eventType, source, subject string, data map[string]interface{}) {
	event := newCloudEvent(eventType, source, subject, data)
	p.publishDurable(event)
	p.Bus.Publish(event)
}

func (p *PubSubBus) publishDurable(event *CloudEvent) {
	payload, err := event.JSON()
	if err != nil {
		slog.Warn("events: marshal failed", "error", err, "event_id", event.ID)
		return
	}
	result := p.topic.Publish(context.Background(), &pubsub.Message{
		Data: payload,
		Attributes: map[string]string{
			"ce-specversion": event.SpecVersion,
			"ce-type":        event.Type,
			"ce-source":      event.Source,
			"ce-id":          event.ID,
			"ce-time":        event.Time.Format(time.RFC3339Nano),
		},
	})
	go func() {
		if _, err := result.Get(context.Background()); err != nil {
			slog.Warn("events: pubsub publish failed", "error", err, "event_id", event.ID)
		}
	}()
}

// Close shuts down the Pub/Sub client.
func (p *PubSubBus) Close() error {
	p.topic.Stop()
	return p.client.Close()
}

var _ Emitter = (*PubSubBus)(nil)
