package stream

import "sync"

// DefaultProcessedCap bounds the trade-ID dedupe set.
const DefaultProcessedCap = 10_000

// ProcessedSet remembers which trade IDs were already ingested so the
// stream path and the REST reconciliation path never double-count a
// fill. When the set grows past its cap the oldest half is evicted.
type ProcessedSet struct {
	mu    sync.Mutex
	cap   int
	ids   map[int64]struct{}
	order []int64
}

// NewProcessedSet creates a set with the given capacity, or
// DefaultProcessedCap when n <= 0.
func NewProcessedSet(n int) *ProcessedSet {
	if n <= 0 {
		n = DefaultProcessedCap
	}
	return &ProcessedSet{
		cap: n,
		ids: make(map[int64]struct{}, n),
	}
}

// Add marks an ID as processed. It returns true when the ID was new.
func (s *ProcessedSet) Add(id int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.ids[id]; ok {
		return false
	}
	s.ids[id] = struct{}{}
	s.order = append(s.order, id)

	if len(s.ids) > s.cap {
		drop := len(s.order) / 2
		for _, old := range s.order[:drop] {
			delete(s.ids, old)
		}
		s.order = append(s.order[:0:0], s.order[drop:]...)
	}
	return true
}

// Contains reports whether an ID was already processed.
func (s *ProcessedSet) Contains(id int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.ids[id]
	return ok
}

// Len returns the current number of remembered IDs.
func (s *ProcessedSet) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.ids)
}
