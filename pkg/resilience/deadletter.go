package resilience

import (
	"sync"
	"time"
)

// DeadLetterItem is a single entry deposited after retry exhaustion.
type DeadLetterItem struct {
	Name      string
	Error     error
	Attempts  int
	Timestamp time.Time
}

// DeadLetterStats summarizes sink contents by error kind (the error's
// string form, since not every deposited error is an *apperr.Error).
type DeadLetterStats struct {
	Size        int
	Capacity    int
	Evicted     int
	CountByKind map[string]int
}

// DeadLetterSink is a bounded ring buffer of failed operations; the
// oldest entry is evicted once capacity is reached (SPEC_FULL.md §4.1,
// supplemented by SPEC_FULL.md's "Dead-letter inspection" entry with a
// read path).
type DeadLetterSink struct {
	mu       sync.Mutex
	items    []DeadLetterItem
	capacity int
	next     int
	size     int
	evicted  int
}

// NewDeadLetterSink builds a sink holding at most capacity items.
func NewDeadLetterSink(capacity int) *DeadLetterSink {
	if capacity <= 0 {
		capacity = 1000
	}
	return &DeadLetterSink{
		items:    make([]DeadLetterItem, capacity),
		capacity: capacity,
	}
}

// Deposit records item, evicting the oldest entry if the sink is full.
func (s *DeadLetterSink) Deposit(item DeadLetterItem) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.size < s.capacity {
		s.items[(s.next+s.size)%s.capacity] = item
		s.size++
	} else {
		s.items[s.next] = item
		s.next = (s.next + 1) % s.capacity
		s.evicted++
	}
}

// List returns all currently buffered items, oldest first.
func (s *DeadLetterSink) List() []DeadLetterItem {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]DeadLetterItem, s.size)
	for i := 0; i < s.size; i++ {
		out[i] = s.items[(s.next+i)%s.capacity]
	}
	return out
}

// Stats reports sink occupancy and a breakdown of buffered errors by
// message.
func (s *DeadLetterSink) Stats() DeadLetterStats {
	s.mu.Lock()
	defer s.mu.Unlock()

	byKind := make(map[string]int)
	for i := 0; i < s.size; i++ {
		item := s.items[(s.next+i)%s.capacity]
		if item.Error != nil {
			byKind[item.Error.Error()]++
		}
	}
	return DeadLetterStats{
		Size:        s.size,
		Capacity:    s.capacity,
		Evicted:     s.evicted,
		CountByKind: byKind,
	}
}

// Purge empties the sink, returning the number of items discarded.
func (s *DeadLetterSink) Purge() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := s.size
	s.size = 0
	s.next = 0
	return n
}
