// Package queue holds per-key FIFO backlogs.
package queue

import "sync"

type lane[V any] struct {
	mu    sync.RWMutex
	items []V
}

// Store is a set of independent FIFO queues, one per key. Each queue has its
// own lock, so operations on different keys never contend beyond the lane
// lookup.
type Store[K comparable, V any] struct {
	mu    sync.Mutex
	lanes map[K]*lane[V]
}

// NewStore creates an empty store.
func NewStore[K comparable, V any]() *Store[K, V] {
	return &Store[K, V]{lanes: make(map[K]*lane[V])}
}

// lane returns the queue for key, creating it on first use. Only writes
// create lanes and lanes are never removed.
func (s *Store[K, V]) lane(key K) *lane[V] {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.lanes[key]
	if !ok {
		l = &lane[V]{}
		s.lanes[key] = l
	}
	return l
}

func (s *Store[K, V]) find(key K) (*lane[V], bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.lanes[key]
	return l, ok
}

// Enqueue appends v to the tail of key's queue and returns the new length.
func (s *Store[K, V]) Enqueue(key K, v V) int {
	l := s.lane(key)
	l.mu.Lock()
	defer l.mu.Unlock()

	l.items = append(l.items, v)
	return len(l.items)
}

// DequeueNext pops the head of key's queue. ok is false when it is empty.
func (s *Store[K, V]) DequeueNext(key K) (v V, ok bool) {
	l, found := s.find(key)
	if !found {
		return v, false
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	if len(l.items) == 0 {
		return v, false
	}
	v = l.items[0]
	var zero V
	l.items[0] = zero
	l.items = l.items[1:]
	if len(l.items) == 0 {
		l.items = nil
	}
	return v, true
}

// Clear drops every pending item for key and returns them in queue order.
func (s *Store[K, V]) Clear(key K) []V {
	l, ok := s.find(key)
	if !ok {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	dropped := l.items
	l.items = nil
	return dropped
}

// Snapshot returns a copy of key's queue.
func (s *Store[K, V]) Snapshot(key K) []V {
	l, ok := s.find(key)
	if !ok {
		return []V{}
	}
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]V, len(l.items))
	copy(out, l.items)
	return out
}

// Len returns the number of pending items for key.
func (s *Store[K, V]) Len(key K) int {
	l, ok := s.find(key)
	if !ok {
		return 0
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.items)
}

// Keys returns every key that has ever had an item enqueued.
func (s *Store[K, V]) Keys() []K {
	s.mu.Lock()
	defer s.mu.Unlock()

	keys := make([]K, 0, len(s.lanes))
	for k := range s.lanes {
		keys = append(keys, k)
	}
	return keys
}
