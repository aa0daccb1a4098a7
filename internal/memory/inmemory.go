package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

const DefaultLimit = 50

// InMemoryStore keeps each session's turns in a bounded slice.
type InMemoryStore struct {
	mu      sync.RWMutex
	limit   int
	records map[string][]Turn
}

func NewInMemoryStore(limit int) *InMemoryStore {
	if limit <= 0 {
		limit = DefaultLimit
	}
	return &InMemoryStore{limit: limit, records: make(map[string][]Turn)}
}

func (s *InMemoryStore) Append(_ context.Context, turn Turn) error {
	turn = normalize(turn)
	s.mu.Lock()
	defer s.mu.Unlock()
	arr := append(s.records[turn.SessionID], turn)
	if over := len(arr) - s.limit; over > 0 {
		arr = append([]Turn(nil), arr[over:]...)
	}
	s.records[turn.SessionID] = arr
	return nil
}

func (s *InMemoryStore) History(_ context.Context, sessionID string) ([]Turn, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	arr := s.records[sessionID]
	if len(arr) == 0 {
		return nil, nil
	}
	return append([]Turn(nil), arr...), nil
}

func (s *InMemoryStore) Clear(_ context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, sessionID)
	return nil
}

func (s *InMemoryStore) Sessions(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.records))
	for id := range s.records {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *InMemoryStore) Close() error { return nil }

func normalize(turn Turn) Turn {
	if turn.CreatedAt.IsZero() {
		turn.CreatedAt = time.Now().UTC()
	}
	if turn.ID == "" {
		turn.ID = uuid.NewString()
	}
	return turn
}
