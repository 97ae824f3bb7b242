package notify

import (
	"context"
	"encoding/json"
	"fmt"

	"eventbot/internal/rabbit"
)

// RabbitSink publishes intents to the notifications exchange, where the
// chat transport picks them up for delivery.
type RabbitSink struct {
	client *rabbit.Client
}

func NewRabbitSink(client *rabbit.Client) *RabbitSink {
	return &RabbitSink{client: client}
}

func (s *RabbitSink) Deliver(_ context.Context, intent Intent) error {
	payload, err := json.Marshal(intent)
	if err != nil {
		return fmt.Errorf("marshal intent: %w", err)
	}
	if err := s.client.Publish(payload, 0); err != nil {
		return fmt.Errorf("publish intent: %w", err)
	}
	return nil
}
