package store

import (
	"sync"

	"github.com/gustycube/sslinspect/internal/result"
)

// Memory is an unbounded in-process store.
type Memory struct {
	mu sync.RWMutex
	m  map[string]*result.Record
}

func NewMemory() *Memory { return &Memory{m: make(map[string]*result.Record)} }

func (s *Memory) Put(key string, rec *result.Record) error {
	s.mu.Lock()
	s.m[key] = rec
	s.mu.Unlock()
	return nil
}

func (s *Memory) Get(key string) result.Result {
	s.mu.RLock()
	rec, ok := s.m[key]
	s.mu.RUnlock()
	if !ok {
		return result.NotFound(key)
	}
	return result.Success(rec)
}

func (s *Memory) Keys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]string, 0, len(s.m))
	for k := range s.m {
		keys = append(keys, k)
	}
	return keys
}

func (s *Memory) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.m)
}
