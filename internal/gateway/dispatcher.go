package gateway

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/victorivanov/parley/internal/broadcast"
)

// Dispatcher is used by the messaging service to push events to user rooms.
// Publisher implements it.
type Dispatcher interface {
	// DispatchToUser delivers ev to every connection in the user's room and
	// returns how many room subscriptions took it.
	DispatchToUser(ctx context.Context, userID int64, ev ServerEvent) (int64, error)
	// Joined reports whether the user has at least one live connection in
	// their room on any instance.
	Joined(ctx context.Context, userID int64) bool
}

// Publisher encodes server events and publishes them through a Broadcaster.
type Publisher struct {
	broadcaster broadcast.Broadcaster
}

var _ Dispatcher = (*Publisher)(nil)

// NewPublisher creates a Publisher on top of b.
func NewPublisher(b broadcast.Broadcaster) *Publisher {
	return &Publisher{broadcaster: b}
}

// DispatchToUser publishes ev to the user's room.
func (p *Publisher) DispatchToUser(ctx context.Context, userID int64, ev ServerEvent) (int64, error) {
	payload, err := encodeDispatch(ev)
	if err != nil {
		return 0, err
	}
	n, err := p.broadcaster.Publish(ctx, userID, payload)
	if err != nil {
		return 0, fmt.Errorf("dispatching %s to user %d: %w", ev.EventName(), userID, err)
	}
	return n, nil
}

// Joined reports whether the user's room has a live subscription. Lookup
// failures count as not joined since every caller treats a miss as a no-op.
func (p *Publisher) Joined(ctx context.Context, userID int64) bool {
	joined, err := p.broadcaster.Joined(ctx, userID)
	if err != nil {
		slog.Warn("room lookup failed", "userID", userID, "error", err)
		return false
	}
	return joined
}
