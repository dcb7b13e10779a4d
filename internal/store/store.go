// Package store provides the pluggable persistence backends for the smart
// logging engine. Records are opaque JSON payloads keyed by id; backends
// implement local (memory, sqlite) and remote (postgres) persistence with
// optional gzip compression and object-storage archival of expired batches.
package store

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Record is a single persisted entry.
type Record struct {
	// ID is the unique record key.
	ID string `json:"id"`

	// Timestamp is when the record was produced. Retention cleanup and
	// archival operate on this.
	Timestamp time.Time `json:"timestamp"`

	// Payload is the serialized entry body.
	Payload []byte `json:"payload"`
}

// Store is implemented by every persistence backend.
type Store interface {
	// Save persists a single record, overwriting any record with the same id.
	Save(ctx context.Context, rec Record) error

	// SaveBatch persists a batch of records.
	SaveBatch(ctx context.Context, recs []Record) error

	// Load returns up to limit records ordered oldest first. A limit <= 0
	// returns everything.
	Load(ctx context.Context, limit int) ([]Record, error)

	// Delete removes a record by id. Deleting a missing id is not an error.
	Delete(ctx context.Context, id string) error

	// Cleanup removes records older than the retention window and returns
	// the removed records so callers can archive them.
	Cleanup(ctx context.Context, olderThan time.Time) ([]Record, error)

	// Close releases backend resources.
	Close() error
}

// MemoryStore is the default in-process backend. It is bounded: once maxRecords
// is exceeded the oldest records are dropped.
type MemoryStore struct {
	mu         sync.Mutex
	records    map[string]Record
	order      []string
	maxRecords int
}

// NewMemoryStore creates a memory store holding at most maxRecords entries.
// A non-positive max defaults to 10000.
func NewMemoryStore(maxRecords int) *MemoryStore {
	if maxRecords <= 0 {
		maxRecords = 10000
	}
	return &MemoryStore{
		records:    make(map[string]Record),
		maxRecords: maxRecords,
	}
}

// Save persists a single record.
func (s *MemoryStore) Save(ctx context.Context, rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saveLocked(rec)
	return nil
}

// SaveBatch persists a batch of records.
func (s *MemoryStore) SaveBatch(ctx context.Context, recs []Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, rec := range recs {
		s.saveLocked(rec)
	}
	return nil
}

func (s *MemoryStore) saveLocked(rec Record) {
	if _, exists := s.records[rec.ID]; !exists {
		s.order = append(s.order, rec.ID)
	}
	s.records[rec.ID] = rec

	// Drop oldest entries past the cap.
	for len(s.order) > s.maxRecords {
		oldest := s.order[0]
		s.order = s.order[1:]
		delete(s.records, oldest)
	}
}

// Load returns up to limit records ordered oldest first.
func (s *MemoryStore) Load(ctx context.Context, limit int) ([]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	recs := make([]Record, 0, len(s.order))
	for _, id := range s.order {
		recs = append(recs, s.records[id])
	}
	sort.Slice(recs, func(i, j int) bool { return recs[i].Timestamp.Before(recs[j].Timestamp) })

	if limit > 0 && len(recs) > limit {
		recs = recs[len(recs)-limit:]
	}
	return recs, nil
}

// Delete removes a record by id.
func (s *MemoryStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.records[id]; !exists {
		return nil
	}
	delete(s.records, id)
	for i, ordered := range s.order {
		if ordered == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	return nil
}

// Cleanup removes and returns records older than the cutoff.
func (s *MemoryStore) Cleanup(ctx context.Context, olderThan time.Time) ([]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var removed []Record
	kept := s.order[:0]
	for _, id := range s.order {
		rec := s.records[id]
		if rec.Timestamp.Before(olderThan) {
			removed = append(removed, rec)
			delete(s.records, id)
			continue
		}
		kept = append(kept, id)
	}
	s.order = kept
	return removed, nil
}

// Close releases nothing for the memory backend.
func (s *MemoryStore) Close() error { return nil }

// Len returns the number of stored records.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}
