// Package broadcast defines the room fanout capability used by the gateway
// and an in-process implementation of it.
package broadcast

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

// subscriberBufferSize is the channel buffer for each room subscription.
const subscriberBufferSize = 64

// Broadcaster delivers encoded gateway payloads to user rooms. A room is
// keyed by user id and may have subscribers in several processes.
type Broadcaster interface {
	// Publish sends payload to every subscriber of the user's room and
	// reports how many subscribers it was handed to.
	Publish(ctx context.Context, userID int64, payload []byte) (int64, error)
	// Subscribe registers for the user's room. The returned channel is
	// closed once ctx is done.
	Subscribe(ctx context.Context, userID int64) (<-chan []byte, error)
	// Joined reports whether the user's room has any subscriber.
	Joined(ctx context.Context, userID int64) (bool, error)
}

// Local is a Broadcaster confined to one process.
type Local struct {
	mu          sync.RWMutex
	subscribers map[int64]map[string]chan []byte // userID -> subID -> ch
	closed      bool
	logger      *slog.Logger
}

var _ Broadcaster = (*Local)(nil)

// NewLocal creates an in-process broadcaster. Pass nil logger for default.
func NewLocal(logger *slog.Logger) *Local {
	if logger == nil {
		logger = slog.Default()
	}
	return &Local{
		subscribers: make(map[int64]map[string]chan []byte),
		logger:      logger.With("component", "broadcaster"),
	}
}

// Subscribe registers a subscriber for the user's room. The subscription
// is removed and its channel closed when ctx is cancelled.
func (b *Local) Subscribe(ctx context.Context, userID int64) (<-chan []byte, error) {
	subID := uuid.NewString()
	ch := make(chan []byte, subscriberBufferSize)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(ch)
		return ch, nil
	}
	if _, ok := b.subscribers[userID]; !ok {
		b.subscribers[userID] = make(map[string]chan []byte)
	}
	b.subscribers[userID][subID] = ch
	b.mu.Unlock()

	b.logger.Debug("subscriber added", "userID", userID, "subID", subID)

	go func() {
		<-ctx.Done()
		b.unsubscribe(userID, subID)
	}()
	return ch, nil
}

// Publish hands payload to every subscriber of the room without blocking.
// Subscribers whose buffers are full miss the payload.
func (b *Local) Publish(_ context.Context, userID int64, payload []byte) (int64, error) {
	// Sends happen under the read lock so unsubscribe cannot close a
	// channel mid-send; they never block.
	b.mu.RLock()
	defer b.mu.RUnlock()

	var delivered int64
	for subID, ch := range b.subscribers[userID] {
		select {
		case ch <- payload:
			delivered++
		default:
			b.logger.Warn("dropped payload for slow subscriber", "userID", userID, "subID", subID)
		}
	}
	return delivered, nil
}

// Joined reports whether anyone is subscribed to the user's room.
func (b *Local) Joined(_ context.Context, userID int64) (bool, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers[userID]) > 0, nil
}

func (b *Local) unsubscribe(userID int64, subID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs, ok := b.subscribers[userID]
	if !ok {
		return
	}
	ch, ok := subs[subID]
	if !ok {
		return
	}
	delete(subs, subID)
	close(ch)
	if len(subs) == 0 {
		delete(b.subscribers, userID)
	}
	b.logger.Debug("subscriber removed", "userID", userID, "subID", subID)
}

// Close closes every subscriber channel. Later subscriptions receive an
// already-closed channel.
func (b *Local) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for userID, subs := range b.subscribers {
		for subID, ch := range subs {
			close(ch)
			delete(subs, subID)
		}
		delete(b.subscribers, userID)
	}
	b.closed = true
}
