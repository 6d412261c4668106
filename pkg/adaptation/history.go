package adaptation

import (
	"context"
	"sync"
)

// HistoryStore persists adaptation records. Stores are append-only: an updated
// record is appended again under the same ID and the newest entry wins.
type HistoryStore interface {
	// Append stores one record entry
	Append(ctx context.Context, rec Record) error
	// Query returns every entry of a plan in append order; an empty planID returns all plans
	Query(ctx context.Context, planID string) ([]Record, error)
}

// Latest collapses history entries to the newest entry per record ID,
// keeping the order in which each ID first appeared
func Latest(entries []Record) []Record {
	idx := make(map[string]int, len(entries))
	out := make([]Record, 0, len(entries))
	for _, rec := range entries {
		if i, ok := idx[rec.ID]; ok {
			out[i] = rec
			continue
		}
		idx[rec.ID] = len(out)
		out = append(out, rec)
	}
	return out
}

// MemoryStore is an in-process HistoryStore
type MemoryStore struct {
	entries []Record
	mu      sync.RWMutex
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// Append stores a copy of the record
func (s *MemoryStore) Append(ctx context.Context, rec Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, rec.Clone())
	return nil
}

// Query returns copies of the stored entries
func (s *MemoryStore) Query(ctx context.Context, planID string) ([]Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Record
	for _, rec := range s.entries {
		if planID == "" || rec.PlanID == planID {
			out = append(out, rec.Clone())
		}
	}
	return out, nil
}
