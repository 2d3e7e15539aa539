package cache

import (
	"context"
	"errors"
	"io"
	"net/http"
)

var (
	// ErrUnavailable is returned while a remote backend is disabled after
	// an error.
	ErrUnavailable = errors.New("cache backend unavailable")

	// ErrBucketDeleted is returned by operations on a Bucket whose name was
	// deleted from its Storage after it was opened.
	ErrBucketDeleted = errors.New("cache bucket was deleted")
)

// Storage is the set of named buckets owned by one worker scope.
// Implementations must be safe for concurrent use.
type Storage interface {
	// Open returns the bucket called name, creating it if absent.
	Open(ctx context.Context, name string) (Bucket, error)

	// Lookup returns the bucket called name if it exists. Unlike Open it
	// never creates one, so readers that race a Delete cannot bring a
	// deleted bucket back.
	Lookup(ctx context.Context, name string) (Bucket, bool, error)

	// Has reports whether a bucket called name exists.
	Has(ctx context.Context, name string) (bool, error)

	// Keys returns the bucket names in creation order.
	Keys(ctx context.Context) ([]string, error)

	// Delete removes the bucket called name and every entry in it.
	// It reports whether the bucket existed.
	Delete(ctx context.Context, name string) (bool, error)

	// Match looks key up in every bucket, in creation order, and returns
	// the first hit.
	Match(ctx context.Context, key string) (*Entry, bool, error)

	io.Closer
}

// Bucket maps request keys to stored responses. There is no per-entry
// expiry. Concurrent Puts of one key are last-write-wins.
type Bucket interface {
	Name() string
	Match(ctx context.Context, key string) (*Entry, bool, error)
	Put(ctx context.Context, key string, e *Entry) error

	// PutAll stores every kv or none of them.
	PutAll(ctx context.Context, kvs []KV) error

	Keys(ctx context.Context) ([]string, error)
}

type KV struct {
	Key   string
	Entry *Entry
}

// Key returns the bucket key of req: its path and query. Fragments never
// reach the server and the host is fixed per worker, so neither is part
// of the key.
func Key(req *http.Request) string {
	return req.URL.RequestURI()
}

// StorageMatch implements Storage.Match for backends whose buckets are
// cheap to look up. Buckets deleted after the listing are skipped.
func StorageMatch(ctx context.Context, s Storage, key string) (*Entry, bool, error) {
	names, err := s.Keys(ctx)
	if err != nil {
		return nil, false, err
	}
	for _, name := range names {
		b, ok, err := s.Lookup(ctx, name)
		if err != nil {
			return nil, false, err
		}
		if !ok {
			continue
		}
		e, ok, err := b.Match(ctx, key)
		if err != nil {
			if errors.Is(err, ErrBucketDeleted) {
				continue
			}
			return nil, false, err
		}
		if ok {
			return e, true, nil
		}
	}
	return nil, false, nil
}
