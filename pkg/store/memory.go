package store

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-memory implementation of the ledger
type MemoryStore struct {
	mu     sync.RWMutex
	events []Event
}

// NewMemoryStore creates a new in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// Record appends an event
func (s *MemoryStore) Record(ctx context.Context, ev Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, stamp(ev))
	return nil
}

// Events returns a copy of a run's events
func (s *MemoryStore) Events(ctx context.Context, runID string) ([]Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Event
	for _, ev := range s.events {
		if ev.RunID == runID {
			out = append(out, ev)
		}
	}
	return out, nil
}

func (s *MemoryStore) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.events[:0]
	for _, ev := range s.events {
		if !ev.At.Before(cutoff) {
			kept = append(kept, ev)
		}
	}
	pruned := int64(len(s.events) - len(kept))
	s.events = kept
	return pruned, nil
}

// Kinds returns the kinds recorded for runID, in order.
func (s *MemoryStore) Kinds(runID string) []Kind {
	events, _ := s.Events(context.Background(), runID)
	kinds := make([]Kind, 0, len(events))
	for _, ev := range events {
		kinds = append(kinds, ev.Kind)
	}
	return kinds
}

func (s *MemoryStore) HealthCheck() error { return nil }

func (s *MemoryStore) Close() error { return nil }
