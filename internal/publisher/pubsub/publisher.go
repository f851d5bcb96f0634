// Package pubsub implements a Google Cloud Pub/Sub publisher for snapshot
// completion events.
package pubsub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	pubsub "cloud.google.com/go/pubsub/v2"
)

// ErrNotConfigured is returned when no topic publisher is attached.
var ErrNotConfigured = errors.New("pubsub publisher is not configured")

// Attributed payloads contribute Pub/Sub message attributes.
type Attributed interface {
	Attributes() map[string]string
}

// Publisher wraps a Pub/Sub publisher client.
type Publisher struct {
	client    *pubsub.Client
	publisher *pubsub.Publisher
}

// New creates a Publisher for the provided topic publisher.
func New(publisher *pubsub.Publisher) *Publisher {
	return &Publisher{publisher: publisher}
}

// Dial opens a client for projectID and binds it to topic.
func Dial(ctx context.Context, projectID, topic string) (*Publisher, error) {
	client, err := pubsub.NewClient(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("pubsub client: %w", err)
	}
	return &Publisher{client: client, publisher: client.Publisher(topic)}, nil
}

// Publish marshals the payload to JSON and publishes it to the bound topic.
func (p *Publisher) Publish(ctx context.Context, _ string, payload any) (string, error) {
	if p == nil || p.publisher == nil {
		return "", ErrNotConfigured
	}
	msg, err := Message(payload)
	if err != nil {
		return "", err
	}
	id, err := p.publisher.Publish(ctx, msg).Get(ctx)
	if err != nil {
		return "", fmt.Errorf("publish message: %w", err)
	}
	return id, nil
}

// Close flushes pending messages and releases the client when owned.
func (p *Publisher) Close() error {
	if p == nil || p.publisher == nil {
		return nil
	}
	p.publisher.Stop()
	if p.client != nil {
		return p.client.Close()
	}
	return nil
}

// Message builds the Pub/Sub message for payload.
func Message(payload any) (*pubsub.Message, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	msg := &pubsub.Message{Data: data}
	if a, ok := payload.(Attributed); ok {
		msg.Attributes = a.Attributes()
	}
	return msg, nil
}
