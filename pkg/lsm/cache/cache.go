// Package cache implements a sharded LRU cache for decoded table blocks.
//
// Each shard is guarded by its own mutex and evicts its least recently used
// entries once the charges stored in it exceed the shard's share of the total
// capacity. Entries are keyed by the table file number and the block offset, so
// all blocks of a table can be dropped together when the table is deleted.
package cache

import (
	"container/list"
	"encoding/binary"
	"sync"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"
	"github.com/cockroachdb/errors"
)

// ErrInvalidCapacity is returned by New when the capacity cannot give every shard
// at least one byte.
var ErrInvalidCapacity = errors.New("cache: capacity smaller than shard count")

// Key identifies a block.
type Key struct {
	FileNum uint64
	Offset  uint64
}

func (k Key) shardIdx(n int) int {
	var buf [16]byte
	binary.LittleEndian.PutUint64(buf[0:8], k.FileNum)
	binary.LittleEndian.PutUint64(buf[8:16], k.Offset)
	return int(xxhash.Sum64(buf[:]) % uint64(n))
}

// Metrics holds metrics for the cache.
type Metrics struct {
	// Hits and misses since the cache was created.
	Hits   int64
	Misses int64
	// Size is the sum of the charges of the cached entries.
	Size int64
	// Count is the number of cached entries.
	Count int64
}

type entry[V any] struct {
	key    Key
	value  V
	charge int64
}

type shard[V any] struct {
	mu       sync.Mutex
	capacity int64
	size     int64
	lru      *list.List // front is most recently used
	items    map[Key]*list.Element
	files    map[uint64]map[uint64]struct{}
}

func (s *shard[V]) init(capacity int64) {
	s.capacity = capacity
	s.lru = list.New()
	s.items = make(map[Key]*list.Element)
	s.files = make(map[uint64]map[uint64]struct{})
}

func (s *shard[V]) get(k Key) (V, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.items[k]; ok {
		s.lru.MoveToFront(e)
		return e.Value.(*entry[V]).value, true
	}
	var zero V
	return zero, false
}

func (s *shard[V]) set(k Key, v V, charge int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.items[k]; ok {
		s.removeLocked(e)
	}
	if charge > s.capacity {
		return
	}
	e := s.lru.PushFront(&entry[V]{key: k, value: v, charge: charge})
	s.items[k] = e
	offsets := s.files[k.FileNum]
	if offsets == nil {
		offsets = make(map[uint64]struct{})
		s.files[k.FileNum] = offsets
	}
	offsets[k.Offset] = struct{}{}
	s.size += charge
	for s.size > s.capacity {
		s.removeLocked(s.lru.Back())
	}
}

func (s *shard[V]) removeLocked(e *list.Element) {
	ent := e.Value.(*entry[V])
	s.lru.Remove(e)
	delete(s.items, ent.key)
	if offsets := s.files[ent.key.FileNum]; offsets != nil {
		delete(offsets, ent.key.Offset)
		if len(offsets) == 0 {
			delete(s.files, ent.key.FileNum)
		}
	}
	s.size -= ent.charge
}

func (s *shard[V]) evictFile(fileNum uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for off := range s.files[fileNum] {
		if e, ok := s.items[Key{FileNum: fileNum, Offset: off}]; ok {
			s.removeLocked(e)
		}
	}
}

func (s *shard[V]) stats() (size, count int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.size, int64(len(s.items))
}

// Cache is a sharded LRU cache. It is safe for concurrent use.
type Cache[V any] struct {
	maxSize int64
	shards  []shard[V]
	hits    atomic.Int64
	misses  atomic.Int64
}

// New creates a cache holding up to capacity bytes of charges split evenly over
// the given number of shards.
func New[V any](capacity int64, shards int) (*Cache[V], error) {
	if shards <= 0 {
		shards = 1
	}
	if capacity < int64(shards) {
		return nil, errors.Wrapf(ErrInvalidCapacity, "cache: capacity %d, %d shards", capacity, shards)
	}
	c := &Cache[V]{maxSize: capacity, shards: make([]shard[V], shards)}
	for i := range c.shards {
		c.shards[i].init(capacity / int64(shards))
	}
	return c, nil
}

func (c *Cache[V]) getShard(k Key) *shard[V] {
	return &c.shards[k.shardIdx(len(c.shards))]
}

// Get returns the cached value and records a hit or a miss.
func (c *Cache[V]) Get(k Key) (V, bool) {
	v, ok := c.getShard(k).get(k)
	if ok {
		c.hits.Add(1)
	} else {
		c.misses.Add(1)
	}
	return v, ok
}

// Set inserts or replaces an entry. An entry whose charge exceeds the shard
// capacity is not cached.
func (c *Cache[V]) Set(k Key, v V, charge int64) {
	c.getShard(k).set(k, v, charge)
}

// EvictFile drops every block belonging to fileNum.
func (c *Cache[V]) EvictFile(fileNum uint64) {
	for i := range c.shards {
		c.shards[i].evictFile(fileNum)
	}
}

func (c *Cache[V]) MaxSize() int64 { return c.maxSize }

// Size returns the sum of the charges of all cached entries.
func (c *Cache[V]) Size() int64 {
	var size int64
	for i := range c.shards {
		s, _ := c.shards[i].stats()
		size += s
	}
	return size
}

// Len returns the number of cached entries.
func (c *Cache[V]) Len() int {
	var n int64
	for i := range c.shards {
		_, count := c.shards[i].stats()
		n += count
	}
	return int(n)
}

// Metrics returns the current metrics for the cache.
func (c *Cache[V]) Metrics() Metrics {
	m := Metrics{Hits: c.hits.Load(), Misses: c.misses.Load()}
	for i := range c.shards {
		size, count := c.shards[i].stats()
		m.Size += size
		m.Count += count
	}
	return m
}
