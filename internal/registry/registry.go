// Package registry tracks live push connections for the FlareWatch server.
// The Registry maps connection IDs to Conn values and maintains a secondary
// index from authenticated user ID to that user's connections, so the
// broadcast engine can both fan out to everyone and answer "is this user
// online" in one lock acquisition.
//
// A single mutex guards both maps. Removal must clear the connection from
// both indexes atomically, and authentication must move a connection into
// the user index without a window where it is visible in one map but not
// the other.
package registry

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/flarewatch/server/internal/alert"
)

// Registry holds every live push connection. It is safe for concurrent use.
type Registry struct {
	mu     sync.RWMutex
	conns  map[string]*Conn            // by connection ID
	byUser map[string]map[string]*Conn // user ID → connection ID → conn
	closed bool

	bufSize    int
	thresholds alert.Thresholds
	logger     *slog.Logger
}

// NewRegistry creates a Registry. bufSize is the per-connection outbound
// buffer depth (0 uses 64). defaults is the threshold triple assigned to
// every new connection until the client overrides it.
func NewRegistry(logger *slog.Logger, bufSize int, defaults alert.Thresholds) *Registry {
	if bufSize <= 0 {
		bufSize = 64
	}
	return &Registry{
		conns:      make(map[string]*Conn),
		byUser:     make(map[string]map[string]*Conn),
		bufSize:    bufSize,
		thresholds: defaults,
		logger:     logger,
	}
}

// Register creates a new anonymous FREE-tier connection, stores it, and
// returns it. The caller owns the connection's write side and must call
// Remove when the transport closes.
//
// If the registry is already closed, Register returns a connection whose
// Send channel is already closed.
func (r *Registry) Register() *Conn {
	now := time.Now()
	c := &Conn{
		id:          uuid.NewString(),
		send:        make(chan []byte, r.bufSize),
		tier:        alert.TierFree,
		thresholds:  r.thresholds,
		connectedAt: now,
		lastSeen:    now,
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		c.close()
		return c
	}
	r.conns[c.id] = c
	return c
}

// Remove deletes the connection with id from both indexes and closes its
// Send channel so the writer goroutine exits. Removing an unknown id is a
// no-op.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	c, ok := r.conns[id]
	if ok {
		delete(r.conns, id)
		if user := c.UserID(); user != "" {
			if set := r.byUser[user]; set != nil {
				delete(set, id)
				if len(set) == 0 {
					delete(r.byUser, user)
				}
			}
		}
	}
	r.mu.Unlock()

	if ok {
		c.close()
	}
}

// Get returns the connection with id.
func (r *Registry) Get(id string) (*Conn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.conns[id]
	return c, ok
}

// Authenticate upgrades the connection with id to an authenticated identity
// and indexes it under userID. Re-authenticating an already authenticated
// connection moves it between user indexes.
func (r *Registry) Authenticate(id, userID string, tier alert.Tier) (*Conn, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.conns[id]
	if !ok {
		return nil, false
	}

	if prev := c.UserID(); prev != "" && prev != userID {
		if set := r.byUser[prev]; set != nil {
			delete(set, id)
			if len(set) == 0 {
				delete(r.byUser, prev)
			}
		}
	}

	c.setIdentity(userID, tier)

	set := r.byUser[userID]
	if set == nil {
		set = make(map[string]*Conn)
		r.byUser[userID] = set
	}
	set[id] = c
	return c, true
}

// Conns returns a snapshot of every live connection.
func (r *Registry) Conns() []*Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Conn, 0, len(r.conns))
	for _, c := range r.conns {
		out = append(out, c)
	}
	return out
}

// ConnsForUser returns a snapshot of the authenticated connections belonging
// to userID.
func (r *Registry) ConnsForUser(userID string) []*Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	set := r.byUser[userID]
	out := make([]*Conn, 0, len(set))
	for _, c := range set {
		out = append(out, c)
	}
	return out
}

// HasUser reports whether userID has at least one live authenticated
// connection.
func (r *Registry) HasUser(userID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byUser[userID]) > 0
}

// Count returns the number of live connections.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// AuthenticatedCount returns the number of live authenticated connections.
func (r *Registry) AuthenticatedCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, set := range r.byUser {
		n += len(set)
	}
	return n
}

// Close removes every connection and closes its Send channel. After Close,
// Register returns connections that are already closed.
func (r *Registry) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	conns := make([]*Conn, 0, len(r.conns))
	for _, c := range r.conns {
		conns = append(conns, c)
	}
	r.conns = make(map[string]*Conn)
	r.byUser = make(map[string]map[string]*Conn)
	r.mu.Unlock()

	for _, c := range conns {
		c.close()
	}
}
