package notify

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleEvent() Event {
	amount := decimal.RequireFromString("1900")
	return Event{
		Type:          OfferCountered,
		NegotiationID: "NEG-1",
		LoadID:        "LD-001",
		CarrierID:     "CAR-001",
		Recipient:     "CAR-001",
		Amount:        &amount,
		Status:        "pending",
		OccurredAt:    time.Date(2026, 3, 2, 15, 0, 0, 0, time.UTC),
	}
}

func TestEventJSON(t *testing.T) {
	payload, err := json.Marshal(sampleEvent())
	require.NoError(t, err)

	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal(payload, &decoded))
	assert.Equal(t, "offer_countered", decoded["type"])
	assert.Equal(t, "1900", decoded["amount"])
	assert.Equal(t, "2026-03-02T15:00:00Z", decoded["occurred_at"])
	assert.NotContains(t, decoded, "message")
}

func TestLogNotifier(t *testing.T) {
	logger, hook := test.NewNullLogger()
	n := NewLogNotifier(logger)

	require.NoError(t, n.Publish(context.Background(), sampleEvent()))

	entry := hook.LastEntry()
	require.NotNil(t, entry)
	assert.Equal(t, logrus.InfoLevel, entry.Level)
	assert.Equal(t, OfferCountered, entry.Data["event"])
	assert.Equal(t, "1900.00", entry.Data["amount"])
}

func TestRedisNotifierChannels(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1"})
	defer client.Close()

	n := NewRedisNotifier(client, "negotiations")
	assert.Equal(t, "negotiations:DSP-001", n.Channel("DSP-001"))
}

func TestRedisNotifierUnreachable(t *testing.T) {
	client := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 200 * time.Millisecond,
		MaxRetries:  -1,
	})
	defer client.Close()

	n := NewRedisNotifier(client, "negotiations")
	err := n.Publish(context.Background(), sampleEvent())
	assert.ErrorContains(t, err, "failed to publish offer_countered")
}
