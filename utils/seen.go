package utils

import (
	"strings"
	"sync"
)

// SeenSet tracks keys already handled to avoid duplicates.
// Keys are compared after trimming surrounding whitespace.
type SeenSet struct {
	mu   sync.Mutex
	seen map[string]struct{}
}

// NewSeenSet creates an empty set
func NewSeenSet() *SeenSet {
	return &SeenSet{seen: make(map[string]struct{})}
}

// Add returns true if the key is new, false if duplicate or blank
func (s *SeenSet) Add(key string) bool {
	key = strings.TrimSpace(key)
	if key == "" {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.seen[key]; exists {
		return false
	}
	s.seen[key] = struct{}{}
	return true
}

// Count returns the number of tracked keys
func (s *SeenSet) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.seen)
}
