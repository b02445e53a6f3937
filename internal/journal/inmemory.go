package journal

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// InMemoryStore keeps the most recent records per session in process.
type InMemoryStore struct {
	mu       sync.RWMutex
	capacity int
	records  map[string][]TurnRecord
}

// NewInMemoryStore bounds each session to capacity records (default 500).
func NewInMemoryStore(capacity int) *InMemoryStore {
	if capacity <= 0 {
		capacity = 500
	}
	return &InMemoryStore{capacity: capacity, records: make(map[string][]TurnRecord)}
}

func (s *InMemoryStore) SaveTurn(_ context.Context, record TurnRecord) error {
	record = record.Redacted()
	if record.ID == "" {
		record.ID = uuid.NewString()
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	arr := append(s.records[record.SessionID], record)
	if len(arr) > s.capacity {
		arr = arr[len(arr)-s.capacity:]
	}
	s.records[record.SessionID] = arr
	return nil
}

func (s *InMemoryStore) Recent(_ context.Context, sessionID string, limit int) ([]TurnRecord, error) {
	if limit <= 0 {
		limit = defaultRecentLimit
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	arr := s.records[sessionID]
	if limit > len(arr) {
		limit = len(arr)
	}
	out := make([]TurnRecord, 0, limit)
	for i := len(arr) - 1; i >= len(arr)-limit; i-- {
		out = append(out, arr[i])
	}
	return out, nil
}

func (s *InMemoryStore) Close() error { return nil }
