package queue_test

import (
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/flarewatch/server/internal/queue"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

// TestEnqueueDrainOrder verifies FIFO ordering and that a drain empties the
// user's queue.
func TestEnqueueDrainOrder(t *testing.T) {
	t.Parallel()

	q := queue.NewQueue(discardLogger(), 10, 0)
	for i := 0; i < 3; i++ {
		q.Enqueue("user-1", []byte(fmt.Sprintf("msg-%d", i)))
	}

	if got := q.Depth("user-1"); got != 3 {
		t.Fatalf("Depth = %d, want 3", got)
	}

	msgs := q.Drain("user-1")
	if len(msgs) != 3 {
		t.Fatalf("Drain returned %d messages, want 3", len(msgs))
	}
	for i, m := range msgs {
		want := fmt.Sprintf("msg-%d", i)
		if string(m.Payload) != want {
			t.Errorf("msgs[%d] = %q, want %q", i, m.Payload, want)
		}
	}

	if got := q.Depth("user-1"); got != 0 {
		t.Errorf("Depth after drain = %d, want 0", got)
	}
	if again := q.Drain("user-1"); again != nil {
		t.Errorf("second drain returned %d messages, want none", len(again))
	}
}

// TestEnqueueDropOldest verifies the bounded-FIFO overflow policy: the
// oldest message is dropped and the newest always survives.
func TestEnqueueDropOldest(t *testing.T) {
	t.Parallel()

	q := queue.NewQueue(discardLogger(), 3, 0)
	for i := 0; i < 3; i++ {
		if dropped := q.Enqueue("user-1", []byte(fmt.Sprintf("msg-%d", i))); dropped {
			t.Errorf("enqueue %d within capacity must not drop", i)
		}
	}
	if dropped := q.Enqueue("user-1", []byte("msg-3")); !dropped {
		t.Error("enqueue past capacity must report a drop")
	}

	msgs := q.Drain("user-1")
	if len(msgs) != 3 {
		t.Fatalf("Drain returned %d messages, want 3", len(msgs))
	}
	if string(msgs[0].Payload) != "msg-1" {
		t.Errorf("oldest surviving message = %q, want msg-1", msgs[0].Payload)
	}
	if string(msgs[2].Payload) != "msg-3" {
		t.Errorf("newest message = %q, want msg-3", msgs[2].Payload)
	}
}

// TestQueuesAreIndependent verifies per-user isolation.
func TestQueuesAreIndependent(t *testing.T) {
	t.Parallel()

	q := queue.NewQueue(discardLogger(), 2, 0)
	q.Enqueue("user-a", []byte("a"))
	q.Enqueue("user-b", []byte("b1"))
	q.Enqueue("user-b", []byte("b2"))
	q.Enqueue("user-b", []byte("b3")) // drops b1 for user-b only

	if got := q.Depth("user-a"); got != 1 {
		t.Errorf("user-a depth = %d, want 1", got)
	}
	if got := q.Depth("user-b"); got != 2 {
		t.Errorf("user-b depth = %d, want 2", got)
	}
	if got := q.TotalDepth(); got != 3 {
		t.Errorf("TotalDepth = %d, want 3", got)
	}
}

// TestSweepExpiresOldMessages verifies TTL expiry drops only messages older
// than the cutoff.
func TestSweepExpiresOldMessages(t *testing.T) {
	t.Parallel()

	q := queue.NewQueue(discardLogger(), 10, 50*time.Millisecond)
	q.Enqueue("user-1", []byte("old"))
	time.Sleep(60 * time.Millisecond)
	q.Enqueue("user-1", []byte("fresh"))

	if n := q.Sweep(time.Now()); n != 1 {
		t.Fatalf("Sweep dropped %d messages, want 1", n)
	}

	msgs := q.Drain("user-1")
	if len(msgs) != 1 || string(msgs[0].Payload) != "fresh" {
		t.Errorf("surviving messages = %v, want only fresh", msgs)
	}
}

// TestSweepDisabledWithoutTTL verifies that a zero TTL never expires
// anything.
func TestSweepDisabledWithoutTTL(t *testing.T) {
	t.Parallel()

	q := queue.NewQueue(discardLogger(), 10, 0)
	q.Enqueue("user-1", []byte("m"))
	if n := q.Sweep(time.Now().Add(time.Hour)); n != 0 {
		t.Errorf("Sweep dropped %d messages with TTL disabled, want 0", n)
	}
}
