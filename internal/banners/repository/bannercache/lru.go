package bannercache

import (
	"fmt"
	"sync"

	"github.com/hashicorp/golang-lru/v2/simplelru"
)

// floorsPerEntry sizes the revision floor table relative to the shard
// capacity. Floors outlive the entries they guard so a load finishing after
// its entry was evicted or removed still sees the newer revision.
const floorsPerEntry = 4

type evictedItem struct {
	key   Key
	entry Entry
}

// lruShard is a bounded LRU. Entries of one banner live in the same shard so
// they can be dropped together.
type lruShard struct {
	mu      sync.Mutex
	items   *simplelru.LRU[Key, *Entry]
	byID    map[int64]map[int64]struct{} // banner id -> cached versions
	floor   *simplelru.LRU[int64, int64] // lowest revision still valid per banner
	evicted []evictedItem

	onEvict  func(Key, Entry)
	onResize func(delta int)
}

func newLRUShard(maxSize int, onEvict func(Key, Entry), onResize func(int)) (*lruShard, error) {
	if maxSize < 1 {
		maxSize = 1
	}

	s := &lruShard{
		byID:     make(map[int64]map[int64]struct{}),
		onEvict:  onEvict,
		onResize: onResize,
	}

	items, err := simplelru.NewLRU[Key, *Entry](maxSize, s.dropped)
	if err != nil {
		return nil, fmt.Errorf("new lru error: %w", err)
	}

	floor, err := simplelru.NewLRU[int64, int64](maxSize*floorsPerEntry, nil)
	if err != nil {
		return nil, fmt.Errorf("new floor lru error: %w", err)
	}

	s.items = items
	s.floor = floor

	return s, nil
}

// dropped runs under mu for capacity evictions and explicit removals alike.
func (s *lruShard) dropped(k Key, e *Entry) {
	versions := s.byID[k.ID]
	delete(versions, k.Version)

	if len(versions) == 0 {
		delete(s.byID, k.ID)
	}

	s.evicted = append(s.evicted, evictedItem{key: k, entry: *e})
}

func (s *lruShard) floorOf(id int64) int64 {
	f, _ := s.floor.Peek(id)

	return f
}

func (s *lruShard) raiseFloor(id, revision int64) {
	if revision > s.floorOf(id) {
		s.floor.Add(id, revision)
	}
}

func (s *lruShard) get(k Key) (Entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.items.Get(k)
	if !ok {
		return Entry{}, false
	}

	return *e, true
}

// set stores e unless a newer revision is already held. It returns the entry
// that ends up cached.
func (s *lruShard) set(k Key, e Entry) Entry {
	s.mu.Lock()

	if k.Version == 0 && e.Revision < s.floorOf(k.ID) {
		e.Valid = false
	}

	if cur, ok := s.items.Get(k); ok {
		if cur.Revision <= e.Revision {
			*cur = e
		}

		e = *cur
		s.mu.Unlock()

		return e
	}

	stored := e
	s.items.Add(k, &stored)

	versions, ok := s.byID[k.ID]
	if !ok {
		versions = make(map[int64]struct{})
		s.byID[k.ID] = versions
	}

	versions[k.Version] = struct{}{}

	evicted := s.evicted
	s.evicted = nil

	s.mu.Unlock()

	s.resized(1 - len(evicted))

	for _, item := range evicted {
		if s.onEvict != nil {
			s.onEvict(item.key, item.entry)
		}
	}

	return e
}

// invalidate marks the latest entry of id stale when it is older than
// revision. Versioned snapshots never change and are left alone.
func (s *lruShard) invalidate(id, revision int64) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.raiseFloor(id, revision)

	e, ok := s.items.Peek(Key{ID: id})
	if !ok || !e.Valid || e.Revision >= s.floorOf(id) {
		return 0
	}

	e.Valid = false

	return 1
}

// remove drops every entry of id, versioned snapshots included.
func (s *lruShard) remove(id, revision int64) int {
	s.mu.Lock()

	s.raiseFloor(id, revision)

	versions := make([]int64, 0, len(s.byID[id]))
	for v := range s.byID[id] {
		versions = append(versions, v)
	}

	for _, v := range versions {
		s.items.Remove(Key{ID: id, Version: v})
	}

	n := len(s.evicted)
	s.evicted = nil

	s.mu.Unlock()

	s.resized(-n)

	return n
}

func (s *lruShard) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.items.Len()
}

func (s *lruShard) resized(delta int) {
	if delta != 0 && s.onResize != nil {
		s.onResize(delta)
	}
}
