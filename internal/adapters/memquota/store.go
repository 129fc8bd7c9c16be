package memquota

import (
	"context"
	"sync"
)

type counter struct {
	day   string
	count int
}

// Store implements ports.QuotaStore in process memory.
type Store struct {
	mu       sync.Mutex
	counters map[string]*counter
}

// NewStore creates an empty Store.
func NewStore() *Store {
	return &Store{counters: make(map[string]*counter)}
}

// Admit increments the counter for ip if it is below limit. A counter from
// another day is treated as zero.
func (s *Store) Admit(_ context.Context, ip, day string, limit int) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.counters[ip]
	if !ok || c.day != day {
		c = &counter{day: day}
		s.counters[ip] = c
	}
	if c.count >= limit {
		return false, nil
	}
	c.count++
	return true, nil
}

// Prune drops counters whose day is not current.
func (s *Store) Prune(_ context.Context, current string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for ip, c := range s.counters {
		if c.day != current {
			delete(s.counters, ip)
		}
	}
	return nil
}

// Count returns the stored count for ip on day.
func (s *Store) Count(ip, day string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.counters[ip]; ok && c.day == day {
		return c.count
	}
	return 0
}
