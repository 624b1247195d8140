package redis

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/victorivanov/parley/internal/broadcast"
)

const (
	roomPrefix           = "parley:room:"
	subscriberBufferSize = 64
)

func roomChannel(userID int64) string {
	return roomPrefix + strconv.FormatInt(userID, 10)
}

// Broadcaster fans room payloads out across processes with Redis Pub/Sub.
// Every gateway instance subscribes to the rooms of its locally joined users.
type Broadcaster struct {
	client *Client
	logger *slog.Logger
}

var _ broadcast.Broadcaster = (*Broadcaster)(nil)

// NewBroadcaster creates a Pub/Sub broadcaster on top of c.
func NewBroadcaster(c *Client, logger *slog.Logger) *Broadcaster {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broadcaster{client: c, logger: logger.With("component", "redis_broadcaster")}
}

// Publish sends payload to the user's room channel and returns the number
// of subscriptions that received it, across all instances.
func (b *Broadcaster) Publish(ctx context.Context, userID int64, payload []byte) (int64, error) {
	n, err := b.client.rdb.Publish(ctx, roomChannel(userID), payload).Result()
	if err != nil {
		return 0, fmt.Errorf("publishing to room: %w", err)
	}
	return n, nil
}

// Subscribe subscribes to the user's room channel. It returns once Redis has
// confirmed the subscription, so a Publish issued afterwards is observed.
func (b *Broadcaster) Subscribe(ctx context.Context, userID int64) (<-chan []byte, error) {
	channel := roomChannel(userID)
	ps := b.client.rdb.Subscribe(ctx, channel)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("subscribing to room: %w", err)
	}

	out := make(chan []byte, subscriberBufferSize)
	msgs := ps.Channel()
	go func() {
		defer close(out)
		defer ps.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case m, ok := <-msgs:
				if !ok {
					return
				}
				select {
				case out <- []byte(m.Payload):
				default:
					b.logger.Warn("dropped payload for slow subscriber", "userID", userID)
				}
			}
		}
	}()
	return out, nil
}

// Joined reports whether any instance holds a subscription to the user's room.
func (b *Broadcaster) Joined(ctx context.Context, userID int64) (bool, error) {
	channel := roomChannel(userID)
	counts, err := b.client.rdb.PubSubNumSub(ctx, channel).Result()
	if err != nil {
		return false, fmt.Errorf("counting room subscribers: %w", err)
	}
	return counts[channel] > 0, nil
}
