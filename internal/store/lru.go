package store

import (
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/gustycube/sslinspect/internal/result"
)

// LRU is a bounded store that evicts the least recently used record once
// size is reached, and any record older than ttl. A zero ttl disables expiry.
type LRU struct {
	lru *expirable.LRU[string, *result.Record]
}

func NewLRU(size int, ttl time.Duration) *LRU {
	return &LRU{lru: expirable.NewLRU[string, *result.Record](size, nil, ttl)}
}

func (s *LRU) Put(key string, rec *result.Record) error {
	s.lru.Add(key, rec)
	return nil
}

func (s *LRU) Get(key string) result.Result {
	if rec, ok := s.lru.Get(key); ok {
		return result.Success(rec)
	}
	return result.NotFound(key)
}

func (s *LRU) Keys() []string { return s.lru.Keys() }

func (s *LRU) Len() int { return s.lru.Len() }
