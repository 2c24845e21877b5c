package ingestion

import (
	"sync"

	"github.com/zeebo/xxh3"
)

// keySet remembers transaction IDs seen during one validation run.
// Keys are stored as 128-bit hashes so multi-million row files stay small in memory.
type keySet struct {
	mu    sync.Mutex
	first map[xxh3.Uint128]int
}

func newKeySet() *keySet {
	return &keySet{first: make(map[xxh3.Uint128]int)}
}

// observe records key at row and returns the row where it was first seen, if earlier.
func (s *keySet) observe(key string, row int) (firstRow int, duplicate bool) {
	sum := xxh3.HashString128(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.first[sum]; ok {
		return existing, true
	}
	s.first[sum] = row
	return row, false
}

func (s *keySet) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.first)
}
