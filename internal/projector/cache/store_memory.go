package cache

import (
	"context"
	"sync"
)

type record struct {
	ts      int64
	value   []byte
	deleted bool
}

// MemoryStore implements Store on a map; the mutex makes each versioned
// write atomic. Used by unit tests and single-process runs; production uses
// RedisStore.
type MemoryStore struct {
	mu   sync.RWMutex
	data map[string]record
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: make(map[string]record)}
}

func (s *MemoryStore) Put(ctx context.Context, key string, ts int64, value []byte) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.data[key]; ok && cur.ts > ts {
		return false, nil
	}
	s.data[key] = record{ts: ts, value: append([]byte(nil), value...)}
	return true, nil
}

func (s *MemoryStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cur, ok := s.data[key]
	if !ok || cur.deleted {
		return nil, false, nil
	}
	return append([]byte(nil), cur.value...), true, nil
}

func (s *MemoryStore) Delete(ctx context.Context, key string, ts int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.data[key]; ok && cur.ts > ts {
		return false, nil
	}
	s.data[key] = record{ts: ts, deleted: true}
	return true, nil
}

// Len reports how many live (non-tombstoned) keys the store holds. Test
// helper.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, cur := range s.data {
		if !cur.deleted {
			n++
		}
	}
	return n
}
