package registry

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/flarewatch/server/internal/alert"
)

// Conn represents a single live push connection. It is created by
// Registry.Register and is valid until Registry.Remove is called.
//
// The identity fields (user, tier, thresholds) are guarded by a per-conn
// mutex; the registry's lock only guards map membership.
type Conn struct {
	id   string
	send chan []byte

	// Dropped counts frames discarded because the send buffer was full.
	Dropped atomic.Int64

	mu            sync.Mutex
	userID        string
	tier          alert.Tier
	thresholds    alert.Thresholds
	authenticated bool
	lastSeen      time.Time
	connectedAt   time.Time
	closed        bool
}

// ID returns the connection's unique identifier.
func (c *Conn) ID() string { return c.id }

// Send returns the receive-only channel on which encoded frames are
// delivered to the writer goroutine. The channel is closed when the
// connection is removed from the registry.
func (c *Conn) Send() <-chan []byte { return c.send }

// TrySend queues frame for delivery without blocking. It returns false when
// the buffer is full or the connection is closed; a full buffer also
// increments Dropped.
func (c *Conn) TrySend(frame []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- frame:
		return true
	default:
		c.Dropped.Add(1)
		return false
	}
}

// close closes the send channel exactly once.
func (c *Conn) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

// setIdentity records the authenticated identity. Called by the registry
// under its own lock, which also orders it against concurrent UserID reads
// in Remove.
func (c *Conn) setIdentity(userID string, tier alert.Tier) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.userID = userID
	c.tier = tier
	c.authenticated = true
}

// UserID returns the authenticated user ID, or "" for anonymous connections.
func (c *Conn) UserID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.userID
}

// Tier returns the connection's subscription tier. Anonymous connections
// are FREE.
func (c *Conn) Tier() alert.Tier {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tier
}

// Authenticated reports whether the connection has completed the token
// handshake.
func (c *Conn) Authenticated() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.authenticated
}

// Thresholds returns the connection's current severity thresholds.
func (c *Conn) Thresholds() alert.Thresholds {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.thresholds
}

// SetThresholds replaces the connection's severity thresholds. The caller
// validates the triple first.
func (c *Conn) SetThresholds(t alert.Thresholds) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.thresholds = t
}

// Touch records client activity for idle-connection reaping.
func (c *Conn) Touch() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastSeen = time.Now()
}

// LastSeen returns the time of the most recent client activity.
func (c *Conn) LastSeen() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastSeen
}

// ConnectedAt returns when the connection was registered.
func (c *Conn) ConnectedAt() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connectedAt
}

// Eligible reports whether an alert with the given severity and probability
// should be delivered on this connection. FREE-tier (and anonymous)
// connections receive only HIGH alerts at or above their high threshold;
// PRO and ENTERPRISE connections receive any severity whose probability
// meets their own threshold for it.
func (c *Conn) Eligible(sev alert.Severity, probability float64) bool {
	c.mu.Lock()
	tier, th := c.tier, c.thresholds
	c.mu.Unlock()

	if tier == alert.TierFree {
		return sev == alert.SeverityHigh && probability >= th.High
	}
	return probability >= th.For(sev)
}
