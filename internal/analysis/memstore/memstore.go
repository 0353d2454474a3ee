// Package memstore provides an in-memory implementation of analysis.Store.
package memstore

import (
	"context"
	"sync"

	"github.com/linnemanlabs/lookout/internal/analysis"
)

// DefaultCapacity is the number of records kept when none is configured.
const DefaultCapacity = 1000

// Store holds the most recent analysis records in memory, evicting the
// oldest once capacity is reached. Suitable for dev/testing and for
// deployments that only need a short rolling history.
type Store struct {
	mu       sync.RWMutex
	capacity int
	records  map[string]*analysis.Record // record ID -> record
	order    []string                    // insertion order, oldest first
}

// New initializes a Store. A non-positive capacity selects DefaultCapacity.
func New(capacity int) *Store {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Store{
		capacity: capacity,
		records:  make(map[string]*analysis.Record),
	}
}

// Get retrieves a record by its ID. Returns a copy.
func (s *Store) Get(_ context.Context, id string) (*analysis.Record, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.records[id]
	if !ok {
		return nil, false, nil
	}
	cp := *r
	return &cp, true, nil
}

// Put stores a copy of the record. Overwriting an existing ID keeps its
// original position in the eviction order.
func (s *Store) Put(_ context.Context, r *analysis.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *r
	if _, exists := s.records[r.ID]; !exists {
		s.order = append(s.order, r.ID)
	}
	s.records[r.ID] = &cp

	for len(s.order) > s.capacity {
		delete(s.records, s.order[0])
		s.order[0] = ""
		s.order = s.order[1:]
	}
	return nil
}

// Recent returns copies of up to limit records, newest first.
func (s *Store) Recent(_ context.Context, limit int) ([]*analysis.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if limit <= 0 || limit > len(s.order) {
		limit = len(s.order)
	}
	out := make([]*analysis.Record, 0, limit)
	for i := len(s.order) - 1; i >= 0 && len(out) < limit; i-- {
		cp := *s.records[s.order[i]]
		out = append(out, &cp)
	}
	return out, nil
}

// Len returns the number of records held.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}
