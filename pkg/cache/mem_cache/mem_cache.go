package mem_cache

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/pmkol/swcache/pkg/cache"
	"github.com/pmkol/swcache/pkg/concurrent_lru"
)

const shardSize = 16

// MemStorage keeps buckets in process memory. Everything is lost on
// restart, so workers using it re-install their shell at every start.
type MemStorage struct {
	sizePerShard int

	m       sync.Mutex
	closed  bool
	buckets map[string]*memBucket
	order   []string
}

// NewMemStorage returns a MemStorage whose buckets hold at most size
// entries each. A size <= 0 means unbounded.
func NewMemStorage(size int) *MemStorage {
	sizePerShard := 0
	if size > 0 {
		sizePerShard = size / shardSize
		if sizePerShard < 1 {
			sizePerShard = 1
		}
	}
	return &MemStorage{
		sizePerShard: sizePerShard,
		buckets:      make(map[string]*memBucket),
	}
}

type memBucket struct {
	name    string
	deleted atomic.Bool
	lru     *concurrent_lru.ShardedLRU[*cache.Entry]
}

func (s *MemStorage) Open(_ context.Context, name string) (cache.Bucket, error) {
	s.m.Lock()
	defer s.m.Unlock()
	if s.closed {
		return nil, cache.ErrUnavailable
	}
	if b, ok := s.buckets[name]; ok {
		return b, nil
	}
	b := &memBucket{
		name: name,
		lru:  concurrent_lru.NewShardedLRU[*cache.Entry](shardSize, s.sizePerShard, nil),
	}
	s.buckets[name] = b
	s.order = append(s.order, name)
	return b, nil
}

func (s *MemStorage) Lookup(_ context.Context, name string) (cache.Bucket, bool, error) {
	s.m.Lock()
	defer s.m.Unlock()
	if s.closed {
		return nil, false, cache.ErrUnavailable
	}
	b, ok := s.buckets[name]
	if !ok {
		return nil, false, nil
	}
	return b, true, nil
}

func (s *MemStorage) Has(_ context.Context, name string) (bool, error) {
	s.m.Lock()
	defer s.m.Unlock()
	if s.closed {
		return false, cache.ErrUnavailable
	}
	_, ok := s.buckets[name]
	return ok, nil
}

func (s *MemStorage) Keys(_ context.Context) ([]string, error) {
	s.m.Lock()
	defer s.m.Unlock()
	if s.closed {
		return nil, cache.ErrUnavailable
	}
	return append([]string(nil), s.order...), nil
}

func (s *MemStorage) Delete(_ context.Context, name string) (bool, error) {
	s.m.Lock()
	defer s.m.Unlock()
	if s.closed {
		return false, cache.ErrUnavailable
	}
	b, ok := s.buckets[name]
	if !ok {
		return false, nil
	}
	b.deleted.Store(true)
	delete(s.buckets, name)
	for i, n := range s.order {
		if n == name {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	return true, nil
}

func (s *MemStorage) Match(ctx context.Context, key string) (*cache.Entry, bool, error) {
	return cache.StorageMatch(ctx, s, key)
}

func (s *MemStorage) Close() error {
	s.m.Lock()
	defer s.m.Unlock()
	s.closed = true
	s.buckets = nil
	s.order = nil
	return nil
}

func (b *memBucket) Name() string {
	return b.name
}

func (b *memBucket) Match(_ context.Context, key string) (*cache.Entry, bool, error) {
	if b.deleted.Load() {
		return nil, false, cache.ErrBucketDeleted
	}
	e, ok := b.lru.Get(key)
	return e, ok, nil
}

func (b *memBucket) Put(_ context.Context, key string, e *cache.Entry) error {
	if b.deleted.Load() {
		return cache.ErrBucketDeleted
	}
	b.lru.Add(key, e)
	return nil
}

func (b *memBucket) PutAll(_ context.Context, kvs []cache.KV) error {
	if b.deleted.Load() {
		return cache.ErrBucketDeleted
	}
	for _, kv := range kvs {
		b.lru.Add(kv.Key, kv.Entry)
	}
	return nil
}

func (b *memBucket) Keys(_ context.Context) ([]string, error) {
	if b.deleted.Load() {
		return nil, cache.ErrBucketDeleted
	}
	keys := make([]string, 0, b.lru.Len())
	b.lru.Range(func(key string, _ *cache.Entry) bool {
		keys = append(keys, key)
		return true
	})
	return keys, nil
}
