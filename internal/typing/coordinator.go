// Package typing tracks who is typing to whom. State is per ordered
// (sender, receiver) pair, lives only in memory and expires on its own
// after a debounce window without a refresh.
package typing

import (
	"fmt"
	"sync"
	"time"

	"github.com/victorivanov/parley/internal/keylock"
)

// DefaultWindow is the debounce window after the last typing signal.
const DefaultWindow = 2 * time.Second

// EmitFunc delivers a typing state change for the pair to the receiver.
type EmitFunc func(senderID, receiverID int64, isTyping bool)

type pair struct {
	sender, receiver int64
}

func (p pair) key() string {
	return fmt.Sprintf("typing:%d:%d", p.sender, p.receiver)
}

type state struct {
	timer *time.Timer
	gen   uint64
}

// Coordinator runs the Idle/Typing state machine for every pair.
type Coordinator struct {
	window time.Duration
	emit   EmitFunc

	// pairs serializes transitions and emissions of one pair so a firing
	// timer cannot overtake a later signal on the wire.
	pairs *keylock.Map

	mu     sync.Mutex
	states map[pair]*state
	gen    uint64
	closed bool
}

// NewCoordinator creates a coordinator. A non-positive window uses DefaultWindow.
func NewCoordinator(window time.Duration, emit EmitFunc) *Coordinator {
	if window <= 0 {
		window = DefaultWindow
	}
	return &Coordinator{
		window: window,
		emit:   emit,
		pairs:  keylock.New(),
		states: make(map[pair]*state),
	}
}

// Signal applies a typing signal from sender to receiver and forwards it.
// A true signal (re)arms the expiry timer; a false one cancels it.
func (c *Coordinator) Signal(senderID, receiverID int64, isTyping bool) {
	p := pair{senderID, receiverID}
	unlock := c.pairs.Lock(p.key())
	defer unlock()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	st := c.states[p]
	if isTyping {
		if st == nil {
			st = &state{}
			c.states[p] = st
		} else {
			st.timer.Stop()
		}
		c.gen++
		gen := c.gen
		st.gen = gen
		st.timer = time.AfterFunc(c.window, func() { c.expire(p, gen) })
	} else if st != nil {
		st.timer.Stop()
		delete(c.states, p)
	}
	c.mu.Unlock()

	c.emit(senderID, receiverID, isTyping)
}

// expire returns the pair to Idle unless a newer signal re-armed it.
func (c *Coordinator) expire(p pair, gen uint64) {
	unlock := c.pairs.Lock(p.key())
	defer unlock()

	c.mu.Lock()
	st, ok := c.states[p]
	if !ok || st.gen != gen || c.closed {
		c.mu.Unlock()
		return
	}
	delete(c.states, p)
	c.mu.Unlock()

	c.emit(p.sender, p.receiver, false)
}

// IsTyping reports whether sender is currently typing to receiver.
func (c *Coordinator) IsTyping(senderID, receiverID int64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.states[pair{senderID, receiverID}]
	return ok
}

// Close stops every pending timer without emitting.
func (c *Coordinator) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for p, st := range c.states {
		st.timer.Stop()
		delete(c.states, p)
	}
	c.closed = true
}
