package audit

import (
	"context"
	"sort"
	"sync"
	"time"
)

// DefaultMemoryCapacity bounds MemoryStore.
const DefaultMemoryCapacity = 10_000

// Store persists events and answers the queries the alert engine needs.
type Store interface {
	Append(ctx context.Context, event Event) error
	// RecentBySeverity returns at most limit events, newest first.
	RecentBySeverity(ctx context.Context, severity Severity, limit int) ([]Event, error)
	// FailureCountsSince groups events of eventType at or after since by
	// principal, keeping groups with at least minCount events.
	FailureCountsSince(ctx context.Context, eventType EventType, since time.Time, minCount int) ([]PrincipalCount, error)
	// BySourceSince returns events from clientAddress, newest first.
	BySourceSince(ctx context.Context, clientAddress string, since time.Time) ([]Event, error)
	DeleteByPrincipalAndTypes(ctx context.Context, principal string, types []EventType) (int64, error)
}

// MemoryStore keeps the newest events in process. Once full, the oldest
// event is discarded for each append.
type MemoryStore struct {
	mu       sync.RWMutex
	events   []Event
	capacity int
}

// NewMemoryStore returns a store holding at most capacity events. Values
// below 1 use DefaultMemoryCapacity.
func NewMemoryStore(capacity int) *MemoryStore {
	if capacity < 1 {
		capacity = DefaultMemoryCapacity
	}
	return &MemoryStore{capacity: capacity}
}

func (s *MemoryStore) Append(_ context.Context, event Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.events) >= s.capacity {
		copy(s.events, s.events[1:])
		s.events = s.events[:len(s.events)-1]
	}
	s.events = append(s.events, event)
	return nil
}

// newestFirst walks events from the most recent append backwards.
func (s *MemoryStore) newestFirst(keep func(Event) bool, limit int) []Event {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Event, 0)
	for i := len(s.events) - 1; i >= 0; i-- {
		if !keep(s.events[i]) {
			continue
		}
		out = append(out, s.events[i])
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out
}

func (s *MemoryStore) RecentBySeverity(_ context.Context, severity Severity, limit int) ([]Event, error) {
	return s.newestFirst(func(e Event) bool { return e.Severity == severity }, limit), nil
}

func (s *MemoryStore) FailureCountsSince(_ context.Context, eventType EventType, since time.Time, minCount int) ([]PrincipalCount, error) {
	s.mu.RLock()
	counts := make(map[string]int)
	for _, e := range s.events {
		if e.Type == eventType && !e.Timestamp.Before(since) {
			counts[e.Principal]++
		}
	}
	s.mu.RUnlock()

	out := make([]PrincipalCount, 0, len(counts))
	for principal, n := range counts {
		if n >= minCount {
			out = append(out, PrincipalCount{Principal: principal, Count: n})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Principal < out[j].Principal
	})
	return out, nil
}

func (s *MemoryStore) BySourceSince(_ context.Context, clientAddress string, since time.Time) ([]Event, error) {
	return s.newestFirst(func(e Event) bool {
		return e.ClientAddress == clientAddress && !e.Timestamp.Before(since)
	}, 0), nil
}

func (s *MemoryStore) DeleteByPrincipalAndTypes(_ context.Context, principal string, types []EventType) (int64, error) {
	match := make(map[EventType]struct{}, len(types))
	for _, t := range types {
		match[t] = struct{}{}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.events[:0]
	var removed int64
	for _, e := range s.events {
		if _, ok := match[e.Type]; ok && e.Principal == principal {
			removed++
			continue
		}
		kept = append(kept, e)
	}
	for i := len(kept); i < len(s.events); i++ {
		s.events[i] = Event{}
	}
	s.events = kept
	return removed, nil
}

// Len reports stored events.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.events)
}
