package notify

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRedisSink_Channel(t *testing.T) {
	s := NewRedisSink(nil)

	assert.Equal(t, "notifications:pro-ada", s.Channel("pro-ada"))
}

func TestEncodeMessage(t *testing.T) {
	created := time.Date(2026, time.March, 2, 8, 0, 0, 0, time.UTC)
	payload, err := encodeMessage(Notification{
		RecipientID: "pro-ada",
		Type:        TypePayout,
		Title:       "Payment received",
		Body:        "20000.00 NGN credited",
		RefID:       "app-1",
		CreatedAt:   created,
	})
	require.NoError(t, err)

	var got map[string]any
	require.NoError(t, json.Unmarshal(payload, &got))
	assert.Equal(t, "pro-ada", got["recipient_id"])
	assert.Equal(t, "PAYOUT", got["type"])
	assert.Equal(t, "app-1", got["ref_id"])
	assert.Equal(t, "2026-03-02T08:00:00Z", got["created_at"])
}

func TestRedisSink_UnreachableServerReturnsError(t *testing.T) {
	// GIVEN: A client pointed at a closed port
	client := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 100 * time.Millisecond,
		MaxRetries:  -1,
	})
	defer client.Close()
	s := NewRedisSink(client)

	// WHEN: Sending
	err := s.Send(context.Background(), Notification{RecipientID: "pro-ada", Type: TypeBroadcast})

	// THEN: The error names the channel so Dispatch can log it
	require.Error(t, err)
	assert.Contains(t, err.Error(), "notifications:pro-ada")
}
