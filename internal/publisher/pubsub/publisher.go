// Package pubsub publishes completion events to Google Cloud Pub/Sub.
package pubsub

import (
	"context"
	"encoding/json"
	"fmt"

	pubsub "cloud.google.com/go/pubsub/v2"

	"github.com/JakeFAU/catalog-crawler/internal/crawler"
)

// Publisher wraps a Pub/Sub topic publisher.
type Publisher struct {
	publisher *pubsub.Publisher
}

// New creates a Publisher for the provided topic publisher.
func New(publisher *pubsub.Publisher) *Publisher {
	return &Publisher{publisher: publisher}
}

// Publish marshals the payload to JSON and waits for the server ID. Session
// events also carry their session key as a message attribute so subscribers
// can filter without decoding.
func (p *Publisher) Publish(ctx context.Context, _ string, payload any) (string, error) {
	if p == nil || p.publisher == nil {
		return "", fmt.Errorf("pubsub publisher is not configured")
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}
	msg := &pubsub.Message{Data: data, Attributes: attributes(payload)}
	id, err := p.publisher.Publish(ctx, msg).Get(ctx)
	if err != nil {
		return "", fmt.Errorf("publish message: %w", err)
	}
	return id, nil
}

// Stop flushes pending messages.
func (p *Publisher) Stop() {
	if p == nil || p.publisher == nil {
		return
	}
	p.publisher.Stop()
}

func attributes(payload any) map[string]string {
	var evt crawler.SessionEvent
	switch v := payload.(type) {
	case crawler.SessionEvent:
		evt = v
	case *crawler.SessionEvent:
		if v == nil {
			return nil
		}
		evt = *v
	default:
		return nil
	}
	attrs := map[string]string{"session": evt.Session, "run_id": evt.RunID}
	if evt.Complete {
		attrs["complete"] = "true"
	} else {
		attrs["complete"] = "false"
	}
	return attrs
}
