package notify

import (
	"context"
	"encoding/json"
	"fmt"

	"cloud.google.com/go/pubsub"

	"github.com/leadgrid/scraperd/internal/task"
)

// PubSubNotifier publishes notifications to a Google Cloud Pub/Sub topic so
// an external surface (chat bot, dashboard) can alert an operator.
type PubSubNotifier struct {
	client *pubsub.Client
	topic  *pubsub.Topic
}

// NewPubSubNotifier connects a client and resolves the topic.
func NewPubSubNotifier(ctx context.Context, projectID, topicName string) (*PubSubNotifier, error) {
	if projectID == "" || topicName == "" {
		return nil, fmt.Errorf("pubsub project id and topic name are required")
	}
	client, err := pubsub.NewClient(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("create pubsub client: %w", err)
	}
	return &PubSubNotifier{
		client: client,
		topic:  client.Topic(topicName),
	}, nil
}

// Notify publishes the notification as a JSON message and waits for the
// server-assigned id.
func (n *PubSubNotifier) Notify(ctx context.Context, note task.Notification) error {
	data, err := json.Marshal(note)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}
	result := n.topic.Publish(ctx, &pubsub.Message{
		Data: data,
		Attributes: map[string]string{
			"kind": string(note.Kind),
		},
	})
	if _, err := result.Get(ctx); err != nil {
		return fmt.Errorf("publish notification: %w", err)
	}
	return nil
}

// Close releases the topic and client.
func (n *PubSubNotifier) Close() error {
	n.topic.Stop()
	if err := n.client.Close(); err != nil {
		return fmt.Errorf("close pubsub client: %w", err)
	}
	return nil
}
