// Package cachetest checks that a cache.Storage implementation behaves
// the way workers rely on.
package cachetest

import (
	"context"
	"net/http"
	"sort"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pmkol/swcache/pkg/cache"
)

// NewEntry returns a small 200 entry with body.
func NewEntry(body string) *cache.Entry {
	return &cache.Entry{
		StatusCode: http.StatusOK,
		Header:     http.Header{"Content-Type": {"text/plain; charset=utf-8"}},
		Body:       []byte(body),
		StoredAt:   time.Now(),
	}
}

// RunStorageTests runs the conformance suite. newStorage must return an
// empty Storage; it is closed by the suite.
func RunStorageTests(t *testing.T, newStorage func(t *testing.T) cache.Storage) {
	t.Run("OpenCreatesOnce", func(t *testing.T) {
		s := newStorage(t)
		defer s.Close()
		ctx := context.Background()

		ok, err := s.Has(ctx, "todo-v4")
		require.NoError(t, err)
		assert.False(t, ok)

		b, err := s.Open(ctx, "todo-v4")
		require.NoError(t, err)
		assert.Equal(t, "todo-v4", b.Name())
		_, err = s.Open(ctx, "todo-v4")
		require.NoError(t, err)

		keys, err := s.Keys(ctx)
		require.NoError(t, err)
		assert.Equal(t, []string{"todo-v4"}, keys)

		ok, err = s.Has(ctx, "todo-v4")
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("LookupNeverCreates", func(t *testing.T) {
		s := newStorage(t)
		defer s.Close()
		ctx := context.Background()

		_, ok, err := s.Lookup(ctx, "todo-v3")
		require.NoError(t, err)
		assert.False(t, ok)
		has, err := s.Has(ctx, "todo-v3")
		require.NoError(t, err)
		assert.False(t, has)

		b, err := s.Open(ctx, "todo-v3")
		require.NoError(t, err)
		require.NoError(t, b.Put(ctx, "/", NewEntry("v3")))

		lb, ok, err := s.Lookup(ctx, "todo-v3")
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, "todo-v3", lb.Name())
		e, ok, err := lb.Match(ctx, "/")
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, "v3", string(e.Body))

		deleted, err := s.Delete(ctx, "todo-v3")
		require.NoError(t, err)
		require.True(t, deleted)
		_, ok, err = s.Lookup(ctx, "todo-v3")
		require.NoError(t, err)
		assert.False(t, ok)
		keys, err := s.Keys(ctx)
		require.NoError(t, err)
		assert.Empty(t, keys)
	})

	t.Run("KeysInCreationOrder", func(t *testing.T) {
		s := newStorage(t)
		defer s.Close()
		ctx := context.Background()

		for _, name := range []string{"todo-v2", "todo-v3", "todo-v1"} {
			_, err := s.Open(ctx, name)
			require.NoError(t, err)
		}
		keys, err := s.Keys(ctx)
		require.NoError(t, err)
		assert.Equal(t, []string{"todo-v2", "todo-v3", "todo-v1"}, keys)
	})

	t.Run("PutMatch", func(t *testing.T) {
		s := newStorage(t)
		defer s.Close()
		ctx := context.Background()

		b, err := s.Open(ctx, "valentine-v2")
		require.NoError(t, err)

		_, ok, err := b.Match(ctx, "/")
		require.NoError(t, err)
		assert.False(t, ok)

		require.NoError(t, b.Put(ctx, "/", NewEntry("index")))
		require.NoError(t, b.Put(ctx, "/", NewEntry("index v2")))

		e, ok, err := b.Match(ctx, "/")
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, "index v2", string(e.Body))
		assert.Equal(t, http.StatusOK, e.StatusCode)
		assert.Equal(t, "text/plain; charset=utf-8", e.Header.Get("Content-Type"))

		// A handle opened later sees the same data.
		b2, err := s.Open(ctx, "valentine-v2")
		require.NoError(t, err)
		_, ok, err = b2.Match(ctx, "/")
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("PutAllAndKeys", func(t *testing.T) {
		s := newStorage(t)
		defer s.Close()
		ctx := context.Background()

		b, err := s.Open(ctx, "todo-v4")
		require.NoError(t, err)
		shell := []string{"/", "/static/manifest.json", "/static/icon-192.png", "/static/icon-512.png"}
		kvs := make([]cache.KV, 0, len(shell))
		for _, u := range shell {
			kvs = append(kvs, cache.KV{Key: u, Entry: NewEntry(u)})
		}
		require.NoError(t, b.PutAll(ctx, kvs))

		keys, err := b.Keys(ctx)
		require.NoError(t, err)
		sort.Strings(keys)
		want := append([]string(nil), shell...)
		sort.Strings(want)
		assert.Equal(t, want, keys)

		for _, u := range shell {
			e, ok, err := b.Match(ctx, u)
			require.NoError(t, err)
			require.True(t, ok, u)
			assert.Equal(t, u, string(e.Body))
		}
	})

	t.Run("DeleteRemovesEntries", func(t *testing.T) {
		s := newStorage(t)
		defer s.Close()
		ctx := context.Background()

		old, err := s.Open(ctx, "todo-v3")
		require.NoError(t, err)
		require.NoError(t, old.Put(ctx, "/", NewEntry("old")))

		deleted, err := s.Delete(ctx, "todo-v3")
		require.NoError(t, err)
		assert.True(t, deleted)

		deleted, err = s.Delete(ctx, "todo-v3")
		require.NoError(t, err)
		assert.False(t, deleted)

		keys, err := s.Keys(ctx)
		require.NoError(t, err)
		assert.Empty(t, keys)

		_, ok, err := s.Match(ctx, "/")
		require.NoError(t, err)
		assert.False(t, ok)

		// Re-creating the name starts empty.
		b, err := s.Open(ctx, "todo-v3")
		require.NoError(t, err)
		_, ok, err = b.Match(ctx, "/")
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("MatchAcrossBuckets", func(t *testing.T) {
		s := newStorage(t)
		defer s.Close()
		ctx := context.Background()

		first, err := s.Open(ctx, "todo-v3")
		require.NoError(t, err)
		second, err := s.Open(ctx, "todo-v4")
		require.NoError(t, err)
		require.NoError(t, first.Put(ctx, "/", NewEntry("from v3")))
		require.NoError(t, second.Put(ctx, "/", NewEntry("from v4")))
		require.NoError(t, second.Put(ctx, "/api/tasks", NewEntry("[]")))

		e, ok, err := s.Match(ctx, "/")
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, "from v3", string(e.Body))

		e, ok, err = s.Match(ctx, "/api/tasks")
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, "[]", string(e.Body))

		_, ok, err = s.Match(ctx, "/missing")
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("ConcurrentPut", func(t *testing.T) {
		s := newStorage(t)
		defer s.Close()
		ctx := context.Background()

		b, err := s.Open(ctx, "todo-v4")
		require.NoError(t, err)

		var wg sync.WaitGroup
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				for j := 0; j < 16; j++ {
					assert.NoError(t, b.Put(ctx, "/api/tasks/"+strconv.Itoa(j), NewEntry(strconv.Itoa(i))))
				}
			}(i)
		}
		wg.Wait()

		keys, err := b.Keys(ctx)
		require.NoError(t, err)
		assert.Len(t, keys, 16)
	})
}
