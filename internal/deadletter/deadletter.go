// Package deadletter records operations whose retries were exhausted, so
// that failed work survives for inspection or replay even though the
// submission queue itself is in-process only.
package deadletter

import (
	"context"
	"errors"
	"sync"
	"time"
)

var (
	// ErrSinkClosed is returned when publishing to a closed sink.
	ErrSinkClosed = errors.New("dead letter sink is closed")

	// ErrInvalidEntry is returned when a nil or incomplete entry is published.
	ErrInvalidEntry = errors.New("invalid dead letter entry")
)

// Entry describes one permanently failed operation.
type Entry struct {
	OperationID string    `json:"operation_id"`
	Type        string    `json:"type"`
	Payload     any       `json:"payload,omitempty"`
	Attempts    int       `json:"attempts"`
	Error       string    `json:"error"`
	FailedAt    time.Time `json:"failed_at"`
}

// Sink receives permanently failed operations. Implementations must be
// safe for concurrent use; publishing is best-effort from the scheduler's
// point of view.
type Sink interface {
	Publish(ctx context.Context, entry *Entry) error
	Close() error
}

// MemorySink keeps entries in memory. Useful for tests and for callers
// that only want to inspect failures programmatically.
type MemorySink struct {
	mu      sync.Mutex
	entries []*Entry
	closed  bool
}

// NewMemorySink creates an in-memory dead letter sink.
func NewMemorySink() *MemorySink {
	return &MemorySink{}
}

// Publish appends the entry.
func (s *MemorySink) Publish(_ context.Context, entry *Entry) error {
	if entry == nil {
		return ErrInvalidEntry
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSinkClosed
	}
	s.entries = append(s.entries, entry)
	return nil
}

// Entries returns a copy of everything published so far.
func (s *MemorySink) Entries() []*Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Entry, len(s.entries))
	copy(out, s.entries)
	return out
}

// Close marks the sink closed.
func (s *MemorySink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
