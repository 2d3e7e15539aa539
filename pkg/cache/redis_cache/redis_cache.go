/*
 * Copyright (C) 2020-2022, IrineSistiana
 *
 * This file is part of swcache.
 *
 * swcache is free software: you can redistribute it and/or modify
 * it under the terms of the GNU General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * swcache is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU General Public License for more details.
 *
 * You should have received a copy of the GNU General Public License
 * along with this program.  If not, see <https://www.gnu.org/licenses/>.
 */

package redis_cache

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"sync/atomic"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/pmkol/swcache/pkg/cache"
	"github.com/pmkol/swcache/pkg/pool"
)

var nopLogger = zap.NewNop()

type RedisCacheOpts struct {
	// Client cannot be nil.
	Client redis.Cmdable

	// ClientCloser closes Client when RedisStorage.Close is called.
	// Optional.
	ClientCloser io.Closer

	// ClientTimeout specifies the timeout for read and write operations.
	// Default is 1s.
	ClientTimeout time.Duration

	// Prefix is prepended to every redis key. Default is "swcache".
	Prefix string

	// Scope separates the buckets of different workers sharing one redis.
	// Cannot be empty.
	Scope string

	// Logger is the *zap.Logger for this RedisStorage.
	// A nil Logger will disable logging.
	Logger *zap.Logger
}

func (opts *RedisCacheOpts) Init() error {
	if opts.Client == nil {
		return errors.New("nil client")
	}
	if len(opts.Scope) == 0 {
		return errors.New("empty scope")
	}
	if opts.ClientTimeout <= 0 {
		opts.ClientTimeout = time.Second
	}
	if len(opts.Prefix) == 0 {
		opts.Prefix = "swcache"
	}
	if opts.Logger == nil {
		opts.Logger = nopLogger
	}
	return nil
}

// RedisStorage stores buckets in redis. The bucket names of a scope live
// in a sorted set scored by creation sequence, each bucket is one hash of
// packed entries.
type RedisStorage struct {
	opts           RedisCacheOpts
	clientDisabled uint32

	bucketsKey string
	seqKey     string
}

func NewRedisStorage(opts RedisCacheOpts) (*RedisStorage, error) {
	if err := opts.Init(); err != nil {
		return nil, err
	}
	base := opts.Prefix + ":" + opts.Scope + ":"
	return &RedisStorage{
		opts:       opts,
		bucketsKey: base + "buckets",
		seqKey:     base + "seq",
	}, nil
}

func (r *RedisStorage) bucketKey(name string) string {
	return r.opts.Prefix + ":" + r.opts.Scope + ":bucket:" + name
}

func (r *RedisStorage) disabled() bool {
	return atomic.LoadUint32(&r.clientDisabled) != 0
}

func (r *RedisStorage) disableClient() {
	if atomic.CompareAndSwapUint32(&r.clientDisabled, 0, 1) {
		r.opts.Logger.Warn("redis temporarily disabled")
		go func() {
			const maxBackoff = time.Second * 30
			backoff := time.Millisecond * 100
			for {
				time.Sleep(backoff)
				ctx, cancel := context.WithTimeout(context.Background(), time.Millisecond*500)
				err := r.opts.Client.Ping(ctx).Err()
				cancel()
				if err != nil {
					if backoff >= maxBackoff {
						backoff = maxBackoff
					} else {
						backoff += time.Duration(rand.Intn(1000))*time.Millisecond + time.Second
					}
					r.opts.Logger.Warn("redis ping failed", zap.Error(err), zap.Duration("next_ping", backoff))
					continue
				}
				atomic.StoreUint32(&r.clientDisabled, 0)
				r.opts.Logger.Info("redis enabled")
				return
			}
		}()
	}
}

// check logs err, disables the client on backend errors and wraps err for
// the caller.
func (r *RedisStorage) check(op string, err error) error {
	if err == nil || errors.Is(err, redis.Nil) {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	r.opts.Logger.Warn("redis "+op, zap.Error(err))
	r.disableClient()
	return fmt.Errorf("redis %s: %w", op, err)
}

func (r *RedisStorage) ctx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, r.opts.ClientTimeout)
}

func (r *RedisStorage) Open(ctx context.Context, name string) (cache.Bucket, error) {
	if r.disabled() {
		return nil, cache.ErrUnavailable
	}
	ctx, cancel := r.ctx(ctx)
	defer cancel()

	ok, err := r.has(ctx, name)
	if err != nil {
		return nil, err
	}
	if !ok {
		seq, err := r.opts.Client.Incr(ctx, r.seqKey).Result()
		if err := r.check("incr", err); err != nil {
			return nil, err
		}
		err = r.opts.Client.ZAddNX(ctx, r.bucketsKey, &redis.Z{Score: float64(seq), Member: name}).Err()
		if err := r.check("zadd", err); err != nil {
			return nil, err
		}
	}
	return &redisBucket{s: r, name: name, key: r.bucketKey(name)}, nil
}

func (r *RedisStorage) Lookup(ctx context.Context, name string) (cache.Bucket, bool, error) {
	ok, err := r.Has(ctx, name)
	if err != nil || !ok {
		return nil, false, err
	}
	return &redisBucket{s: r, name: name, key: r.bucketKey(name)}, true, nil
}

func (r *RedisStorage) has(ctx context.Context, name string) (bool, error) {
	err := r.opts.Client.ZScore(ctx, r.bucketsKey, name).Err()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err := r.check("zscore", err); err != nil {
		return false, err
	}
	return true, nil
}

func (r *RedisStorage) Has(ctx context.Context, name string) (bool, error) {
	if r.disabled() {
		return false, cache.ErrUnavailable
	}
	ctx, cancel := r.ctx(ctx)
	defer cancel()
	return r.has(ctx, name)
}

func (r *RedisStorage) Keys(ctx context.Context) ([]string, error) {
	if r.disabled() {
		return nil, cache.ErrUnavailable
	}
	ctx, cancel := r.ctx(ctx)
	defer cancel()
	names, err := r.opts.Client.ZRange(ctx, r.bucketsKey, 0, -1).Result()
	if err := r.check("zrange", err); err != nil {
		return nil, err
	}
	return names, nil
}

func (r *RedisStorage) Delete(ctx context.Context, name string) (bool, error) {
	if r.disabled() {
		return false, cache.ErrUnavailable
	}
	ctx, cancel := r.ctx(ctx)
	defer cancel()

	var removed *redis.IntCmd
	_, err := r.opts.Client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		removed = p.ZRem(ctx, r.bucketsKey, name)
		p.Del(ctx, r.bucketKey(name))
		return nil
	})
	if err := r.check("delete", err); err != nil {
		return false, err
	}
	return removed.Val() > 0, nil
}

// Match fetches key from every bucket in one pipeline and returns the hit
// of the oldest bucket.
func (r *RedisStorage) Match(ctx context.Context, key string) (*cache.Entry, bool, error) {
	names, err := r.Keys(ctx)
	if err != nil || len(names) == 0 {
		return nil, false, err
	}
	ctx, cancel := r.ctx(ctx)
	defer cancel()

	cmds := make([]*redis.StringCmd, len(names))
	_, err = r.opts.Client.Pipelined(ctx, func(p redis.Pipeliner) error {
		for i, name := range names {
			cmds[i] = p.HGet(ctx, r.bucketKey(name), key)
		}
		return nil
	})
	if err := r.check("hget", err); err != nil {
		return nil, false, err
	}
	for _, cmd := range cmds {
		b, err := cmd.Bytes()
		if err != nil {
			continue
		}
		e, err := cache.Unpack(b)
		if err != nil {
			r.opts.Logger.Warn("redis data unpack error", zap.Error(err))
			continue
		}
		return e, true, nil
	}
	return nil, false, nil
}

// Close closes the redis client.
func (r *RedisStorage) Close() error {
	if f := r.opts.ClientCloser; f != nil {
		return f.Close()
	}
	return nil
}

// putScript writes field/value pairs only while the bucket is still listed,
// so a handle kept across a Delete cannot resurrect the bucket.
var putScript = redis.NewScript(`
if not redis.call('ZSCORE', KEYS[1], ARGV[1]) then
	return 0
end
for i = 2, #ARGV, 2 do
	redis.call('HSET', KEYS[2], ARGV[i], ARGV[i + 1])
end
return 1
`)

type redisBucket struct {
	s    *RedisStorage
	name string
	key  string
}

func (b *redisBucket) Name() string {
	return b.name
}

func (b *redisBucket) Match(ctx context.Context, key string) (*cache.Entry, bool, error) {
	if b.s.disabled() {
		return nil, false, cache.ErrUnavailable
	}
	ctx, cancel := b.s.ctx(ctx)
	defer cancel()

	data, err := b.s.opts.Client.HGet(ctx, b.key, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err := b.s.check("hget", err); err != nil {
		return nil, false, err
	}
	e, err := cache.Unpack(data)
	if err != nil {
		b.s.opts.Logger.Warn("redis data unpack error", zap.String("bucket", b.name), zap.Error(err))
		return nil, false, nil
	}
	return e, true, nil
}

func (b *redisBucket) Put(ctx context.Context, key string, e *cache.Entry) error {
	return b.PutAll(ctx, []cache.KV{{Key: key, Entry: e}})
}

func (b *redisBucket) PutAll(ctx context.Context, kvs []cache.KV) error {
	if b.s.disabled() {
		return cache.ErrUnavailable
	}
	if len(kvs) == 0 {
		return nil
	}

	args := make([]interface{}, 0, 1+2*len(kvs))
	args = append(args, b.name)
	buffers := make([]*pool.Buffer, 0, len(kvs))
	defer func() {
		for _, buf := range buffers {
			buf.Release()
		}
	}()
	for _, kv := range kvs {
		buf := cache.Pack(kv.Entry)
		buffers = append(buffers, buf)
		args = append(args, kv.Key, buf.Bytes())
	}

	ctx, cancel := b.s.ctx(ctx)
	defer cancel()
	n, err := putScript.Run(ctx, b.s.opts.Client, []string{b.s.bucketsKey, b.key}, args...).Int()
	if err := b.s.check("put", err); err != nil {
		return err
	}
	if n == 0 {
		return cache.ErrBucketDeleted
	}
	return nil
}

func (b *redisBucket) Keys(ctx context.Context) ([]string, error) {
	if b.s.disabled() {
		return nil, cache.ErrUnavailable
	}
	ctx, cancel := b.s.ctx(ctx)
	defer cancel()
	keys, err := b.s.opts.Client.HKeys(ctx, b.key).Result()
	if err := b.s.check("hkeys", err); err != nil {
		return nil, err
	}
	return keys, nil
}
