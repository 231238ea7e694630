package tiles

import (
	"sort"
	"sync"
)

// Set collects tile ids, e.g. the tiles that must be rewritten after a
// changeset. It is safe for concurrent use.
type Set struct {
	mu    sync.Mutex
	tiles map[ID]struct{}
}

// NewSet creates an empty set.
func NewSet() *Set {
	return &Set{tiles: make(map[ID]struct{})}
}

// Add inserts tiles into the set.
func (s *Set) Add(ids ...ID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		s.tiles[id] = struct{}{}
	}
}

// AddTIP inserts the tile a TIP refers to; purgatory and NoTIP are ignored.
func (s *Set) AddTIP(tip TIP) {
	if id, ok := tip.Tile(); ok {
		s.Add(id)
	}
}

// Contains reports whether id is in the set.
func (s *Set) Contains(id ID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.tiles[id]
	return ok
}

// Count returns the number of tiles in the set.
func (s *Set) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tiles)
}

// IDs returns the tiles in ascending order.
func (s *Set) IDs() []ID {
	s.mu.Lock()
	ids := make([]ID, 0, len(s.tiles))
	for id := range s.tiles {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
