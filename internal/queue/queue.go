// Package queue holds alert frames for users with no live connection. Each
// user has an independent bounded FIFO: when the bound is hit the oldest
// frame is dropped so the newest alerts always survive. Frames are drained
// in arrival order when the user authenticates a new connection.
//
// The queue is in-memory only; a server restart discards it.
package queue

import (
	"log/slog"
	"sync"
	"time"
)

// DefaultCapacity is the per-user bound used when the configured capacity
// is not positive.
const DefaultCapacity = 100

// Message is one queued frame with its enqueue time, used for TTL expiry.
type Message struct {
	Payload    []byte
	EnqueuedAt time.Time
}

// Queue is the per-user offline alert store. It is safe for concurrent use.
type Queue struct {
	mu    sync.Mutex
	users map[string][]Message

	capacity int
	ttl      time.Duration
	logger   *slog.Logger
}

// NewQueue creates a Queue. capacity bounds each user's FIFO (0 uses
// DefaultCapacity); ttl bounds message age for Sweep (0 disables expiry).
func NewQueue(logger *slog.Logger, capacity int, ttl time.Duration) *Queue {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Queue{
		users:    make(map[string][]Message),
		capacity: capacity,
		ttl:      ttl,
		logger:   logger,
	}
}

// Enqueue appends payload to userID's FIFO, dropping the oldest message
// first when the FIFO is full. It reports whether a drop occurred.
func (q *Queue) Enqueue(userID string, payload []byte) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	msgs := q.users[userID]
	dropped := false
	if len(msgs) >= q.capacity {
		drop := len(msgs) - q.capacity + 1
		msgs = msgs[drop:]
		dropped = true
		q.logger.Warn("queue: capacity reached, dropping oldest",
			slog.String("user_id", userID),
			slog.Int("dropped", drop),
		)
	}
	q.users[userID] = append(msgs, Message{Payload: payload, EnqueuedAt: time.Now()})
	return dropped
}

// Drain removes and returns userID's queued messages in arrival order. The
// removal is atomic with the read, so a message is never handed to two
// drains.
func (q *Queue) Drain(userID string) []Message {
	q.mu.Lock()
	defer q.mu.Unlock()

	msgs := q.users[userID]
	if len(msgs) == 0 {
		return nil
	}
	delete(q.users, userID)
	return msgs
}

// Depth returns the number of messages queued for userID.
func (q *Queue) Depth(userID string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.users[userID])
}

// TotalDepth returns the number of queued messages across all users.
func (q *Queue) TotalDepth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for _, msgs := range q.users {
		n += len(msgs)
	}
	return n
}

// Sweep drops every message enqueued before now minus the TTL and returns
// the number dropped. A zero TTL disables expiry.
func (q *Queue) Sweep(now time.Time) int {
	if q.ttl <= 0 {
		return 0
	}
	cutoff := now.Add(-q.ttl)

	q.mu.Lock()
	defer q.mu.Unlock()

	dropped := 0
	for user, msgs := range q.users {
		keep := msgs[:0:0]
		for _, m := range msgs {
			if m.EnqueuedAt.After(cutoff) {
				keep = append(keep, m)
			}
		}
		dropped += len(msgs) - len(keep)
		if len(keep) == 0 {
			delete(q.users, user)
		} else {
			q.users[user] = keep
		}
	}
	if dropped > 0 {
		q.logger.Info("queue: expired messages swept", slog.Int("dropped", dropped))
	}
	return dropped
}
