// Package queue implements the bounded in-process work queue (C6)
// that sits between submission ingress and the Processor workers.
package queue

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// Submission is one unit of pipeline work.
type Submission struct {
	ApplicationID string
	PhotoBytes    []byte
	Format        string
	EnqueuedAt    time.Time
	RetryCount    int
}

// ErrFull is returned by Enqueue when the queue is at capacity.
type ErrFull struct{}

func (ErrFull) Error() string { return "queue: at capacity" }

// ErrExhaustedRetries is returned by Requeue once an item has already
// been retried maxRetries times.
type ErrExhaustedRetries struct{}

func (ErrExhaustedRetries) Error() string { return "queue: retries exhausted" }

type inflightEntry struct {
	submission Submission
	dequeuedAt time.Time
}

// Queue is a bounded FIFO with an in-flight map for orphan recovery on
// clean shutdown. All mutations are serialized behind a single mutex;
// Dequeue is non-blocking — callers poll with their own back-off.
type Queue struct {
	mu       sync.Mutex
	capacity int
	items    []Submission
	inflight map[string]inflightEntry
	log      *zap.Logger
}

// New builds a Queue bounded at capacity.
func New(capacity int, log *zap.Logger) *Queue {
	if log == nil {
		log = zap.NewNop()
	}
	return &Queue{
		capacity: capacity,
		inflight: make(map[string]inflightEntry),
		log:      log,
	}
}

// Enqueue appends sub to the tail, or returns ErrFull if the queue
// (counting both waiting and in-flight items) is at capacity.
func (q *Queue) Enqueue(sub Submission) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items)+len(q.inflight) >= q.capacity {
		return ErrFull{}
	}
	q.items = append(q.items, sub)
	return nil
}

// Dequeue removes and returns the head item, marking it in-flight. It
// returns (Submission{}, false) when the queue is empty.
func (q *Queue) Dequeue() (Submission, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) == 0 {
		return Submission{}, false
	}
	sub := q.items[0]
	q.items = q.items[1:]
	q.inflight[sub.ApplicationID] = inflightEntry{submission: sub, dequeuedAt: time.Now()}
	return sub, true
}

// MarkComplete removes applicationID from the in-flight map. success
// is accepted for symmetry with the operation's spec shape and for
// future metrics hooks; completion itself is unconditional.
func (q *Queue) MarkComplete(applicationID string, success bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.inflight, applicationID)
}

// Requeue moves an in-flight item back to the tail with its retry
// counter incremented, or returns ErrExhaustedRetries once
// RetryCount would exceed maxRetries.
func (q *Queue) Requeue(applicationID string, maxRetries int) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	entry, ok := q.inflight[applicationID]
	if !ok {
		return ErrExhaustedRetries{}
	}
	delete(q.inflight, applicationID)

	if entry.submission.RetryCount >= maxRetries {
		return ErrExhaustedRetries{}
	}
	entry.submission.RetryCount++
	q.items = append(q.items, entry.submission)
	return nil
}

// Stats reports current occupancy.
type Stats struct {
	Waiting  int
	InFlight int
	Capacity int
}

// Stats returns a snapshot of queue occupancy.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return Stats{Waiting: len(q.items), InFlight: len(q.inflight), Capacity: q.capacity}
}

// DrainInFlight re-enqueues every currently in-flight item to the
// head of the waiting list and clears the in-flight map. Called on
// clean shutdown so restart picks orphaned work back up first.
func (q *Queue) DrainInFlight() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	drained := make([]Submission, 0, len(q.inflight))
	for _, entry := range q.inflight {
		drained = append(drained, entry.submission)
	}
	q.inflight = make(map[string]inflightEntry)
	q.items = append(drained, q.items...)

	if len(drained) > 0 {
		q.log.Info("re-enqueued in-flight submissions on shutdown", zap.Int("count", len(drained)))
	}
	return len(drained)
}
