// Package snowflake issues time-ordered 63-bit identifiers. Message ids double
// as the ordering key of a conversation, so a generator never goes backwards,
// even when the wall clock does.
package snowflake

import (
	"encoding/json"
	"fmt"
	"hash/fnv"
	"strconv"
	"sync"
	"time"
)

// Custom epoch: January 1, 2025 00:00:00 UTC.
const epoch int64 = 1735689600000

const (
	nodeBits     = 10
	sequenceBits = 12

	MaxNode     = (1 << nodeBits) - 1
	maxSequence = (1 << sequenceBits) - 1

	nodeShift      = sequenceBits
	timestampShift = sequenceBits + nodeBits
)

// ID is a snowflake that marshals to JSON as a string.
type ID int64

func (id ID) Int64() int64 {
	return int64(id)
}

func (id ID) String() string {
	return strconv.FormatInt(int64(id), 10)
}

// Time returns the millisecond the id was issued in.
func (id ID) Time() time.Time {
	return TimeOf(int64(id))
}

func (id ID) MarshalJSON() ([]byte, error) {
	return json.Marshal(strconv.FormatInt(int64(id), 10))
}

func (id *ID) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		var n int64
		if nerr := json.Unmarshal(data, &n); nerr != nil {
			return fmt.Errorf("snowflake: cannot unmarshal %s: %w", string(data), err)
		}
		*id = ID(n)
		return nil
	}
	n, err := Parse(s)
	if err != nil {
		return err
	}
	*id = ID(n)
	return nil
}

// Parse parses the decimal string form of an id.
func Parse(s string) (int64, error) {
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("snowflake: invalid id %q", s)
	}
	return n, nil
}

// TimeOf returns the wall-clock time embedded in a snowflake.
func TimeOf(id int64) time.Time {
	ms := (id >> timestampShift) + epoch
	return time.UnixMilli(ms).UTC()
}

// NodeFromString folds an arbitrary instance name into a node number.
func NodeFromString(s string) int64 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(s))
	return int64(h.Sum32() % (MaxNode + 1))
}

// Generator produces unique, strictly increasing snowflakes for one node.
type Generator struct {
	mu       sync.Mutex
	node     int64
	sequence int64
	lastTime int64
	now      func() int64
}

// NewGenerator creates a generator for the given node in [0, MaxNode].
func NewGenerator(node int64) (*Generator, error) {
	if node < 0 || node > MaxNode {
		return nil, fmt.Errorf("snowflake: node must be between 0 and %d", MaxNode)
	}
	return &Generator{
		node: node,
		now:  func() int64 { return time.Now().UnixMilli() },
	}, nil
}

// Generate returns the next id.
func (g *Generator) Generate() ID {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now() - epoch
	if now < g.lastTime {
		// Clock stepped back; keep issuing from the last observed millisecond.
		now = g.lastTime
	}

	if now == g.lastTime {
		g.sequence = (g.sequence + 1) & maxSequence
		if g.sequence == 0 {
			for now <= g.lastTime {
				now = g.now() - epoch
			}
		}
	} else {
		g.sequence = 0
	}

	g.lastTime = now

	return ID((now << timestampShift) | (g.node << nodeShift) | g.sequence)
}
