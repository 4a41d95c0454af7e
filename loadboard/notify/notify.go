// Package notify delivers negotiation events to the party that has to act next.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// EventType names what happened to a negotiation
type EventType string

const (
	OfferSubmitted       EventType = "offer_submitted"
	OfferCountered       EventType = "offer_countered"
	OfferAccepted        EventType = "offer_accepted"
	OfferRejected        EventType = "offer_rejected"
	NegotiationCancelled EventType = "negotiation_cancelled"
	NegotiationExpired   EventType = "negotiation_expired"
)

// Event is one notification about a negotiation
type Event struct {
	Type          EventType        `json:"type"`
	NegotiationID string           `json:"negotiation_id"`
	LoadID        string           `json:"load_id"`
	CarrierID     string           `json:"carrier_id"`
	Recipient     string           `json:"recipient"`
	Amount        *decimal.Decimal `json:"amount,omitempty"`
	Status        string           `json:"status"`
	Message       string           `json:"message,omitempty"`
	OccurredAt    time.Time        `json:"occurred_at"`
}

// Notifier publishes negotiation events. Delivery is best effort; callers log
// a failed Publish and carry on.
type Notifier interface {
	Publish(ctx context.Context, event Event) error
}

// RedisNotifier publishes events as JSON on a Redis pub/sub channel
type RedisNotifier struct {
	client  *redis.Client
	channel string
}

// NewRedisNotifier creates a notifier on an existing client
func NewRedisNotifier(client *redis.Client, channel string) *RedisNotifier {
	return &RedisNotifier{client: client, channel: channel}
}

// Channel returns the channel a recipient's events are published on
func (n *RedisNotifier) Channel(recipient string) string {
	return fmt.Sprintf("%s:%s", n.channel, recipient)
}

// Publish sends the event on the shared channel and on the recipient's own
// channel.
func (n *RedisNotifier) Publish(ctx context.Context, event Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	pipe := n.client.Pipeline()
	pipe.Publish(ctx, n.channel, payload)
	if event.Recipient != "" {
		pipe.Publish(ctx, n.Channel(event.Recipient), payload)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to publish %s: %w", event.Type, err)
	}
	return nil
}

// LogNotifier writes events to the log. Used when Redis is not configured.
type LogNotifier struct {
	logger logrus.FieldLogger
}

// NewLogNotifier creates a notifier that only logs
func NewLogNotifier(logger logrus.FieldLogger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

func (n *LogNotifier) Publish(ctx context.Context, event Event) error {
	fields := logrus.Fields{
		"event":          event.Type,
		"negotiation_id": event.NegotiationID,
		"load_id":        event.LoadID,
		"recipient":      event.Recipient,
		"status":         event.Status,
	}
	if event.Amount != nil {
		fields["amount"] = event.Amount.StringFixed(2)
	}
	n.logger.WithFields(fields).Info("Negotiation event")
	return nil
}
