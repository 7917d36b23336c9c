// Package queue implements C11: an at-least-once message queue abstraction
// backing the delivery pipeline's outbox fan-out and the inbox listener's
// retry path. MemoryQueue generalizes nothing from the teacher (klistr has
// no queue at all — it federates synchronously from a goroutine per
// activity, internal/ap/federation.go's Federate); SQLQueue generalizes
// internal/db/db.go's dual-driver connection/migration/placeholder pattern,
// the same one kv.SQLStore already adapts, into a durable polling queue.
package queue

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Message is one enqueued unit of work. Payload is caller-defined; Queue
// implementations do not interpret it beyond storing and returning it.
type Message struct {
	ID      string
	Payload json.RawMessage
	// Attempt is the 1-indexed delivery attempt number, incremented by the
	// queue each time a failed message is scheduled for redelivery. A
	// SQLQueue message reclaimed after a worker crash keeps its count.
	Attempt int
}

// HandlerFunc processes one message. Returning an error redelivers it
// (subject to the queue's own retry/backoff policy); returning nil acks it.
// A handler that wants to control its own redelivery delay or give-up point
// (e.g. delivery.Pipeline applying its RetryPolicy) wraps the failure in a
// *RetryError instead of returning a bare error.
type HandlerFunc func(ctx context.Context, msg Message) error

// RetryError lets a HandlerFunc override a queue's default redelivery
// behavior for one failed message: Delay (if positive) replaces the queue's
// own backoff calculation, and Abandon drops the message instead of
// redelivering it at all. A HandlerFunc that returns a plain error instead
// of a *RetryError gets the queue's built-in default policy.
type RetryError struct {
	Err     error
	Delay   time.Duration
	Abandon bool
}

func (e *RetryError) Error() string { return e.Err.Error() }
func (e *RetryError) Unwrap() error { return e.Err }

// Queue is the abstract at-least-once message queue contract used by the
// delivery pipeline (fan-out tasks, per-recipient outbox tasks) and by the
// inbox listener's optional retry path.
type Queue interface {
	// Enqueue adds one message, delivered no earlier than delay from now.
	Enqueue(ctx context.Context, payload json.RawMessage, delay time.Duration) (id string, err error)
	// EnqueueMany adds several messages atomically where the backend
	// supports it. SQLQueue does, in one transaction; MemoryQueue enqueues
	// them one by one and, if ctx is cancelled partway, returns the ids
	// enqueued so far with the error.
	EnqueueMany(ctx context.Context, payloads []json.RawMessage, delay time.Duration) (ids []string, err error)
	// Listen runs handler for every message until ctx is cancelled. It
	// blocks; callers run it in its own goroutine.
	Listen(ctx context.Context, handler HandlerFunc) error
}

func newMessageID() string {
	return uuid.NewString()
}
