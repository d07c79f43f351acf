package history

import (
	"context"
	"sync"
	"time"
)

// MemoryStore keeps the most recent records in memory. It is safe for
// concurrent use.
type MemoryStore struct {
	mu       sync.Mutex
	capacity int
	records  []Record
	nextID   int64
	now      func() time.Time
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore returns a store that retains at most capacity records
// (at least 1; [MaxLimit] when capacity <= 0).
func NewMemoryStore(capacity int) *MemoryStore {
	if capacity <= 0 {
		capacity = MaxLimit
	}
	return &MemoryStore{capacity: capacity, nextID: 1, now: time.Now}
}

func (s *MemoryStore) Save(_ context.Context, rec *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec.ID = s.nextID
	s.nextID++
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = s.now()
	}
	s.records = append(s.records, *rec)
	if over := len(s.records) - s.capacity; over > 0 {
		s.records = append(s.records[:0:0], s.records[over:]...)
	}
	return nil
}

func (s *MemoryStore) Recent(_ context.Context, limit int) ([]Record, error) {
	limit = clampLimit(limit)

	s.mu.Lock()
	defer s.mu.Unlock()

	n := min(limit, len(s.records))
	out := make([]Record, 0, n)
	for i := len(s.records) - 1; i >= len(s.records)-n; i-- {
		out = append(out, s.records[i])
	}
	return out, nil
}

func (s *MemoryStore) Ping(context.Context) error { return nil }

func (s *MemoryStore) Close() {}
