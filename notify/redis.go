package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultChannelPrefix is prepended to the recipient id to form the pub/sub
// channel, e.g. "notifications:pro-ada".
const DefaultChannelPrefix = "notifications:"

// RedisSink publishes each notification as JSON on a per-recipient channel.
// Push gateways and websocket servers subscribe to the channels they serve.
type RedisSink struct {
	Client  *redis.Client
	Prefix  string
	Timeout time.Duration
}

func NewRedisSink(client *redis.Client) *RedisSink {
	return &RedisSink{Client: client, Prefix: DefaultChannelPrefix, Timeout: time.Second}
}

type redisMessage struct {
	RecipientID string    `json:"recipient_id"`
	Type        Type      `json:"type"`
	Title       string    `json:"title"`
	Body        string    `json:"body"`
	RefID       string    `json:"ref_id,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// Channel returns the channel a recipient's notifications go to.
func (s *RedisSink) Channel(recipientID string) string {
	return s.Prefix + recipientID
}

func encodeMessage(n Notification) ([]byte, error) {
	return json.Marshal(redisMessage{
		RecipientID: n.RecipientID,
		Type:        n.Type,
		Title:       n.Title,
		Body:        n.Body,
		RefID:       n.RefID,
		CreatedAt:   n.CreatedAt,
	})
}

func (s *RedisSink) Send(ctx context.Context, n Notification) error {
	payload, err := encodeMessage(n)
	if err != nil {
		return fmt.Errorf("failed to encode notification: %w", err)
	}
	if s.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.Timeout)
		defer cancel()
	}
	if err := s.Client.Publish(ctx, s.Channel(n.RecipientID), payload).Err(); err != nil {
		return fmt.Errorf("redis publish to %s: %w", s.Channel(n.RecipientID), err)
	}
	return nil
}
