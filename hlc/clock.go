// Package hlc implements a hybrid logical clock. The bus uses it for
// watermark timestamps (never regressing, even when the wall clock does)
// and as the basis for lineage token generation.
package hlc

import (
	"sync"
	"time"
)

// Clock is a hybrid logical clock scoped to one bus instance.
type Clock struct {
	nodeID   uint64
	wallTime int64
	logical  int32
	lastMS   int64 // logical resets when the millisecond advances
	mu       sync.Mutex
}

// Timestamp is a point in time that orders totally across nodes.
type Timestamp struct {
	WallTime int64
	Logical  int32
	NodeID   uint64
}

// NewClock creates a clock seeded from the current wall time.
func NewClock(nodeID uint64) *Clock {
	now := time.Now().UnixNano()
	return &Clock{
		nodeID:   nodeID,
		wallTime: now,
		lastMS:   now / 1_000_000,
	}
}

// LogicalBits is the number of bits reserved for the logical counter in
// packed tokens: 16 bits = ~65k tokens per millisecond per node.
const LogicalBits = 16

// LogicalMask masks the logical counter for ToToken.
const LogicalMask = (1 << LogicalBits) - 1

// NodeIDBits is the number of bits reserved for node ID in packed tokens.
const NodeIDBits = 6

// NodeIDMask masks the node ID for ToToken.
const NodeIDMask = (1 << NodeIDBits) - 1

// TotalShiftBits is the total shift applied to wall milliseconds.
const TotalShiftBits = NodeIDBits + LogicalBits

// MaxLogical is the counter value at which Now spins to the next millisecond
// so packed tokens never collide.
const MaxLogical = LogicalMask

// Now generates a timestamp for a local event. Monotonic: successive calls
// never return equal or decreasing timestamps.
func (c *Clock) Now() Timestamp {
	c.mu.Lock()
	defer c.mu.Unlock()

	physicalNow := time.Now().UnixNano()
	currentMS := physicalNow / 1_000_000

	if physicalNow > c.wallTime {
		c.wallTime = physicalNow
	}

	if currentMS > c.lastMS {
		c.lastMS = currentMS
		c.logical = 0
	}

	// Exhausted the logical counter for this millisecond: wait it out
	// rather than risk a token collision.
	for c.logical >= MaxLogical {
		time.Sleep(100 * time.Microsecond)
		now := time.Now().UnixNano()
		nowMS := now / 1_000_000
		if nowMS > c.lastMS {
			c.wallTime = now
			c.lastMS = nowMS
			c.logical = 0
			break
		}
	}

	c.logical++

	return Timestamp{
		WallTime: c.wallTime,
		Logical:  c.logical,
		NodeID:   c.nodeID,
	}
}

// Update advances the clock past a timestamp observed from a remote party
// and returns the new current time.
func (c *Clock) Update(remote Timestamp) Timestamp {
	c.mu.Lock()
	defer c.mu.Unlock()

	physicalNow := time.Now().UnixNano()

	maxWall := c.wallTime
	if remote.WallTime > maxWall {
		maxWall = remote.WallTime
	}
	if physicalNow > maxWall {
		maxWall = physicalNow
	}

	maxWallMS := maxWall / 1_000_000

	switch {
	case maxWall == c.wallTime && maxWall == remote.WallTime:
		if remote.Logical > c.logical {
			c.logical = remote.Logical + 1
		} else {
			c.logical++
		}
	case maxWall == remote.WallTime:
		c.logical = remote.Logical + 1
	case maxWall == physicalNow && maxWallMS > c.lastMS:
		c.logical = 0
	default:
		c.logical++
	}

	c.wallTime = maxWall
	c.lastMS = maxWallMS

	for c.logical >= MaxLogical {
		time.Sleep(100 * time.Microsecond)
		now := time.Now().UnixNano()
		nowMS := now / 1_000_000
		if nowMS > c.lastMS {
			c.wallTime = now
			c.lastMS = nowMS
			c.logical = 1
			break
		}
	}

	return Timestamp{
		WallTime: c.wallTime,
		Logical:  c.logical,
		NodeID:   c.nodeID,
	}
}

// Compare returns -1 if a < b, 0 if equal, 1 if a > b.
func Compare(a, b Timestamp) int {
	if a.WallTime != b.WallTime {
		if a.WallTime < b.WallTime {
			return -1
		}
		return 1
	}
	if a.Logical != b.Logical {
		if a.Logical < b.Logical {
			return -1
		}
		return 1
	}
	if a.NodeID != b.NodeID {
		if a.NodeID < b.NodeID {
			return -1
		}
		return 1
	}
	return 0
}

// Less returns true if a happened before b.
func Less(a, b Timestamp) bool {
	return Compare(a, b) < 0
}

// PhysicalTime returns the wall component as time.Time.
func (t Timestamp) PhysicalTime() time.Time {
	return time.Unix(0, t.WallTime)
}

func (t Timestamp) String() string {
	return t.PhysicalTime().Format(time.RFC3339Nano)
}

// ToToken packs the timestamp into a unique 64-bit value.
// Format: (physical_ms << 22) | (node_id << 16) | logical.
// 42 bits of wall milliseconds, 6 bits of node ID, 16 bits of logical
// counter; unique across nodes even within the same millisecond.
func (t Timestamp) ToToken() uint64 {
	physicalMS := uint64(t.WallTime / 1_000_000)
	nodeID := t.NodeID & NodeIDMask
	logical := uint64(t.Logical) & LogicalMask
	return (physicalMS << TotalShiftBits) | (nodeID << LogicalBits) | logical
}
