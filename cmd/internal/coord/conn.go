package coord

import (
	"sync"

	v1 "quorum/shared/contracts/coord/v1"
)

// Visibility states reported by tabs. Visible tabs outrank hidden ones
// during election.
const (
	VisibilityVisible = "visible"
	VisibilityHidden  = "hidden"
)

// Conn represents one attached transport endpoint: a single tab of a
// single device of a single user.
//
// Design notes:
//   - Send is intentionally NOT closed by the server to avoid panics
//     from concurrent broadcasters.
//   - done signals the transport goroutines to stop; Close is idempotent.
//   - Identity fields are immutable after attach. Visibility, leadership
//     and the local vector clock are guarded by mu.
type Conn struct {
	ID        string
	UserID    string
	DeviceID  string
	SessionID string
	TabID     string

	Send chan v1.Envelope

	done      chan struct{}
	closeOnce sync.Once

	mu         sync.Mutex
	visibility string
	isLeader   bool
	clock      VectorClock
}

// NewConn constructs a connection with a bounded send queue.
func NewConn(id, userID, deviceID, sessionID, tabID, visibility string, sendQueueSize int) *Conn {
	if sendQueueSize <= 0 {
		sendQueueSize = 64
	}
	if visibility != VisibilityVisible && visibility != VisibilityHidden {
		visibility = VisibilityVisible
	}
	return &Conn{
		ID:         id,
		UserID:     userID,
		DeviceID:   deviceID,
		SessionID:  sessionID,
		TabID:      tabID,
		Send:       make(chan v1.Envelope, sendQueueSize),
		done:       make(chan struct{}),
		visibility: visibility,
		clock:      VectorClock{},
	}
}

// Done returns a channel closed when the connection is shutting down.
func (c *Conn) Done() <-chan struct{} {
	if c == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return c.done
}

// Close signals the transport goroutines to stop (idempotent).
// It does NOT close Send to keep broadcast safe under concurrency.
func (c *Conn) Close() {
	if c == nil {
		return
	}
	c.closeOnce.Do(func() {
		close(c.done)
	})
}

// Visibility returns the current visibility state.
func (c *Conn) Visibility() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.visibility
}

// SetVisibility records a visibility transition.
func (c *Conn) SetVisibility(state string) {
	if state != VisibilityVisible && state != VisibilityHidden {
		return
	}
	c.mu.Lock()
	c.visibility = state
	c.mu.Unlock()
}

// IsLeader reports whether this connection currently holds leadership.
func (c *Conn) IsLeader() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.isLeader
}

func (c *Conn) setLeader(v bool) {
	c.mu.Lock()
	c.isLeader = v
	c.mu.Unlock()
}

// Clock returns a copy of the connection's local vector clock.
func (c *Conn) Clock() VectorClock {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.clock.Clone()
}

// Tick advances this tab's counter and returns the updated clock copy.
func (c *Conn) Tick() VectorClock {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.clock.Tick(c.TabID)
	return c.clock.Clone()
}

// ObserveClock merges a peer clock into the local one (per-key max).
func (c *Conn) ObserveClock(peer VectorClock) {
	if len(peer) == 0 {
		return
	}
	c.mu.Lock()
	c.clock = c.clock.Merge(peer)
	c.mu.Unlock()
}
