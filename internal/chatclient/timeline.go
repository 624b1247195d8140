package chatclient

import (
	"sort"
	"sync"
	"time"

	"github.com/victorivanov/parley/internal/dedupe"
	"github.com/victorivanov/parley/internal/models"
)

// Timeline is the client's ordered view of messages. message_id is the
// idempotency key: the same message arriving from a send response, a
// message_sent echo, a new_message push or a history fetch is kept once.
type Timeline struct {
	mu       sync.Mutex
	seen     *dedupe.Cache[int64]
	msgs     []models.Message // ascending by ID
	capacity int

	// readUpTo is the highest receipt per sender/reader pair. Messages at
	// or below it are read even when they arrive after the receipt.
	readUpTo map[readPair]int64
}

type readPair struct{ sender, reader int64 }

// NewTimeline creates a Timeline holding at most capacity messages.
func NewTimeline(capacity int, ttl time.Duration) *Timeline {
	if capacity <= 0 {
		capacity = 10000
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Timeline{
		seen:     dedupe.New[int64](ttl, capacity),
		capacity: capacity,
		readUpTo: make(map[readPair]int64),
	}
}

// Add inserts m in id order and reports whether it was new.
func (t *Timeline) Add(m models.Message) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.seen.CheckAndMark(m.ID) {
		return false
	}
	i := sort.Search(len(t.msgs), func(i int) bool { return t.msgs[i].ID >= m.ID })
	if i < len(t.msgs) && t.msgs[i].ID == m.ID {
		return false
	}
	if m.ID <= t.readUpTo[readPair{m.SenderID, m.ReceiverID}] {
		m.Read = true
	}
	t.msgs = append(t.msgs, models.Message{})
	copy(t.msgs[i+1:], t.msgs[i:])
	t.msgs[i] = m

	if len(t.msgs) > t.capacity {
		t.msgs = t.msgs[len(t.msgs)-t.capacity:]
	}
	return true
}

// Merge adds every message and returns how many were new.
func (t *Timeline) Merge(msgs []models.Message) int {
	n := 0
	for _, m := range msgs {
		if t.Add(m) {
			n++
		}
	}
	return n
}

// MarkReadBy applies a read receipt: every message from senderID to
// readerID with an id up to upTo is read, including ones not seen yet.
// Returns how many held messages changed.
func (t *Timeline) MarkReadBy(readerID, senderID, upTo int64) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	p := readPair{senderID, readerID}
	if upTo > t.readUpTo[p] {
		t.readUpTo[p] = upTo
	}
	n := 0
	for i := range t.msgs {
		m := &t.msgs[i]
		if m.ID > upTo {
			break
		}
		if m.SenderID == senderID && m.ReceiverID == readerID && !m.Read {
			m.Read = true
			n++
		}
	}
	return n
}

// Conversation returns the messages exchanged between a and b, oldest first.
func (t *Timeline) Conversation(a, b int64) []models.Message {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []models.Message
	for _, m := range t.msgs {
		if (m.SenderID == a && m.ReceiverID == b) || (m.SenderID == b && m.ReceiverID == a) {
			out = append(out, m)
		}
	}
	return out
}

func (t *Timeline) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.msgs)
}

// Close stops the dedupe sweeper.
func (t *Timeline) Close() {
	t.seen.Close()
}
