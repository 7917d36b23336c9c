package queue

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// MemoryQueue is an in-process Queue backed by a buffered channel, with
// time.AfterFunc used to honor a delayed Enqueue — the in-memory analog of
// the teacher's bare goroutine-per-activity dispatch in Federate, given a
// durable-looking API so callers can swap in SQLQueue without change.
type MemoryQueue struct {
	ch chan Message
}

// NewMemoryQueue constructs a MemoryQueue with the given channel buffer
// size (how many ready messages may wait for a Listen call before
// Enqueue blocks).
func NewMemoryQueue(buffer int) *MemoryQueue {
	return &MemoryQueue{ch: make(chan Message, buffer)}
}

func (q *MemoryQueue) Enqueue(ctx context.Context, payload json.RawMessage, delay time.Duration) (string, error) {
	id := newMessageID()
	msg := Message{ID: id, Payload: payload, Attempt: 1}
	if delay <= 0 {
		select {
		case q.ch <- msg:
		case <-ctx.Done():
			return "", ctx.Err()
		}
		return id, nil
	}

	time.AfterFunc(delay, func() {
		q.ch <- msg
	})
	return id, nil
}

func (q *MemoryQueue) EnqueueMany(ctx context.Context, payloads []json.RawMessage, delay time.Duration) ([]string, error) {
	ids := make([]string, 0, len(payloads))
	for _, p := range payloads {
		id, err := q.Enqueue(ctx, p, delay)
		if err != nil {
			return ids, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// Listen dispatches messages to handler until ctx is cancelled. A handler
// error causes one re-enqueue: a *RetryError's Delay/Abandon are honored
// (delivery.Pipeline uses this to apply its own RetryPolicy); any other
// error falls back to a linear backoff of Attempt+1 seconds, with no
// retry after the fifth attempt.
// MemoryQueue does not persist attempt counts across process restarts,
// matching its in-process-only scope.
func (q *MemoryQueue) Listen(ctx context.Context, handler HandlerFunc) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg := <-q.ch:
			err := handler(ctx, msg)
			if err == nil {
				continue
			}

			var re *RetryError
			if errors.As(err, &re) {
				if re.Abandon {
					continue
				}
				delay := re.Delay
				if delay <= 0 {
					delay = time.Second
				}
				q.scheduleRetry(ctx, msg, delay)
				continue
			}

			if msg.Attempt < 5 {
				q.scheduleRetry(ctx, msg, time.Second*time.Duration(msg.Attempt+1))
			}
		}
	}
}

func (q *MemoryQueue) scheduleRetry(ctx context.Context, msg Message, delay time.Duration) {
	retry := msg
	retry.Attempt++
	go func() {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return
		}
		select {
		case q.ch <- retry:
		case <-ctx.Done():
		}
	}()
}
