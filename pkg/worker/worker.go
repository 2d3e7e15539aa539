package worker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/pmkol/swcache/pkg/cache"
	"github.com/pmkol/swcache/pkg/fetcher"
)

var nopLogger = zap.NewNop()

var (
	// ErrNoResponse means neither the network nor the cache could answer.
	ErrNoResponse = errors.New("no response available")

	// ErrBadState is returned when a lifecycle step is called out of order.
	ErrBadState = errors.New("invalid worker state")
)

type State int32

const (
	StateParsed State = iota
	StateInstalling
	StateInstalled
	StateActivating
	StateActivated
	StateRedundant
)

func (s State) String() string {
	switch s {
	case StateParsed:
		return "parsed"
	case StateInstalling:
		return "installing"
	case StateInstalled:
		return "installed"
	case StateActivating:
		return "activating"
	case StateActivated:
		return "activated"
	case StateRedundant:
		return "redundant"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// Outcome tells how a request was answered.
type Outcome string

const (
	OutcomePassthrough   Outcome = "passthrough"
	OutcomeCacheHit      Outcome = "cache-hit"
	OutcomeNetwork       Outcome = "network"
	OutcomeCacheFallback Outcome = "cache-fallback"
	OutcomeFailed        Outcome = "failed"
)

type Result struct {
	Response *http.Response
	Outcome  Outcome
}

type Opts struct {
	// Tag names the worker in logs and metrics.
	Tag string

	Config Config

	// Storage and Fetcher cannot be nil.
	Storage cache.Storage
	Fetcher fetcher.Fetcher

	// Metrics is optional.
	Metrics *Metrics

	// Logger is the *zap.Logger for this Worker.
	// A nil Logger will disable logging.
	Logger *zap.Logger
}

func (opts *Opts) Init() error {
	if opts.Storage == nil {
		return errors.New("nil storage")
	}
	if opts.Fetcher == nil {
		return errors.New("nil fetcher")
	}
	if err := opts.Config.Validate(); err != nil {
		return fmt.Errorf("invalid worker config, %w", err)
	}
	opts.Config = opts.Config.Clone()
	if opts.Logger == nil {
		opts.Logger = nopLogger
	}
	return nil
}

// Worker is one version of the caching policy. It goes through
// Install, then Activate, and only intercepts requests once activated.
type Worker struct {
	opts    Opts
	logger  *zap.Logger
	metrics *tagMetrics
	state   atomic.Int32

	// bucket is the version bucket opened at install.
	bucket atomic.Pointer[bucketRef]
}

type bucketRef struct {
	cache.Bucket
}

func New(opts Opts) (*Worker, error) {
	if err := opts.Init(); err != nil {
		return nil, err
	}
	return &Worker{
		opts:    opts,
		logger:  opts.Logger.With(zap.String("worker", opts.Tag), zap.String("version", opts.Config.Version)),
		metrics: opts.Metrics.forTag(opts.Tag),
	}, nil
}

func (w *Worker) Config() Config {
	return w.opts.Config.Clone()
}

func (w *Worker) Version() string {
	return w.opts.Config.Version
}

func (w *Worker) State() State {
	return State(w.state.Load())
}

func (w *Worker) transition(from, to State) bool {
	return w.state.CompareAndSwap(int32(from), int32(to))
}

// MarkRedundant retires w. In-flight requests complete, later ones pass
// through.
func (w *Worker) MarkRedundant() {
	w.state.Store(int32(StateRedundant))
}

// Install opens the version bucket and stores the whole shell. Any shell
// fetch that errors or is not 2xx fails the install and nothing is
// written. A failed worker is redundant.
func (w *Worker) Install(ctx context.Context) error {
	if !w.transition(StateParsed, StateInstalling) {
		return fmt.Errorf("%w: install in state %s", ErrBadState, w.State())
	}

	start := time.Now()
	if err := w.install(ctx); err != nil {
		w.transition(StateInstalling, StateRedundant)
		w.metrics.install(false)
		w.logger.Warn("install failed", zap.Error(err))
		return fmt.Errorf("install %s, %w", w.opts.Config.Version, err)
	}
	w.transition(StateInstalling, StateInstalled)
	w.metrics.install(true)
	w.logger.Info("installed", zap.Int("shell", len(w.opts.Config.Shell)), zap.Duration("elapsed", time.Since(start)))
	return nil
}

func (w *Worker) install(ctx context.Context) error {
	bucket, err := w.opts.Storage.Open(ctx, w.opts.Config.Version)
	if err != nil {
		w.metrics.cacheError("open")
		return fmt.Errorf("open bucket, %w", err)
	}

	shell := w.opts.Config.Shell
	kvs := make([]cache.KV, len(shell))
	g, gCtx := errgroup.WithContext(ctx)
	for i, u := range shell {
		g.Go(func() error {
			req, err := fetcher.NewGetRequest(gCtx, u)
			if err != nil {
				return err
			}
			e, err := w.fetchEntry(gCtx, req)
			if err != nil {
				return fmt.Errorf("fetch %s, %w", u, err)
			}
			if !e.OK() {
				return fmt.Errorf("fetch %s, bad status %d", u, e.StatusCode)
			}
			kvs[i] = cache.KV{Key: cache.Key(req), Entry: e}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	if err := bucket.PutAll(ctx, kvs); err != nil {
		w.metrics.cacheError("put")
		return fmt.Errorf("store shell, %w", err)
	}
	w.bucket.Store(&bucketRef{bucket})
	return nil
}

// Activate deletes every bucket except the version bucket, then claims.
// It can be called again on an activated worker and only deletes what is
// stale. The worker claims even if a deletion failed, the error is still
// returned.
func (w *Worker) Activate(ctx context.Context) (deleted []string, err error) {
	if !w.transition(StateInstalled, StateActivating) && !w.transition(StateActivated, StateActivating) {
		return nil, fmt.Errorf("%w: activate in state %s", ErrBadState, w.State())
	}
	defer func() {
		w.transition(StateActivating, StateActivated)
		w.metrics.activation(err == nil, len(deleted))
	}()

	names, err := w.opts.Storage.Keys(ctx)
	if err != nil {
		w.metrics.cacheError("keys")
		return nil, fmt.Errorf("list buckets, %w", err)
	}
	var errs []error
	for _, name := range names {
		if name == w.opts.Config.Version {
			continue
		}
		ok, err := w.opts.Storage.Delete(ctx, name)
		if err != nil {
			w.metrics.cacheError("delete")
			errs = append(errs, fmt.Errorf("delete bucket %s, %w", name, err))
			continue
		}
		if ok {
			deleted = append(deleted, name)
		}
	}
	if len(deleted) > 0 {
		w.logger.Info("stale buckets deleted", zap.Strings("buckets", deleted))
	}
	return deleted, errors.Join(errs...)
}

// Fetch answers req. Requests that are not GET, and every request before
// the worker has claimed, go to the network untouched and are never
// cached.
func (w *Worker) Fetch(req *http.Request) (*Result, error) {
	res, err := w.fetch(req)
	if err != nil {
		w.metrics.request(OutcomeFailed)
		return nil, err
	}
	w.metrics.request(res.Outcome)
	return res, nil
}

func (w *Worker) fetch(req *http.Request) (*Result, error) {
	if req.Method != http.MethodGet || w.State() != StateActivated {
		return w.passthrough(req)
	}
	if w.opts.Config.networkFirst(req.URL.Path) {
		return w.networkFirst(req)
	}
	return w.cacheFirst(req)
}

func (w *Worker) passthrough(req *http.Request) (*Result, error) {
	resp, err := w.opts.Fetcher.Fetch(req.Context(), req)
	if err != nil {
		w.metrics.networkError()
		return nil, errors.Join(ErrNoResponse, err)
	}
	return &Result{Response: resp, Outcome: OutcomePassthrough}, nil
}

func (w *Worker) networkFirst(req *http.Request) (*Result, error) {
	ctx := req.Context()
	key := cache.Key(req)

	e, netErr := w.fetchEntry(ctx, req)
	if netErr == nil {
		w.put(ctx, key, e)
		return &Result{Response: e.Response(req), Outcome: OutcomeNetwork}, nil
	}
	w.metrics.networkError()
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	cached, ok, err := w.opts.Storage.Match(ctx, key)
	if err != nil {
		w.metrics.cacheError("match")
		w.logger.Warn("cache match failed", zap.String("key", key), zap.Error(err))
		return nil, errors.Join(ErrNoResponse, netErr, err)
	}
	if !ok {
		return nil, errors.Join(ErrNoResponse, netErr)
	}
	return &Result{Response: cached.Response(req), Outcome: OutcomeCacheFallback}, nil
}

func (w *Worker) cacheFirst(req *http.Request) (*Result, error) {
	ctx := req.Context()
	key := cache.Key(req)

	cached, ok, err := w.opts.Storage.Match(ctx, key)
	if err != nil {
		// An unreachable cache is a miss.
		w.metrics.cacheError("match")
		w.logger.Warn("cache match failed", zap.String("key", key), zap.Error(err))
	}
	if ok {
		return &Result{Response: cached.Response(req), Outcome: OutcomeCacheHit}, nil
	}

	e, err := w.fetchEntry(ctx, req)
	if err != nil {
		w.metrics.networkError()
		return nil, errors.Join(ErrNoResponse, err)
	}
	w.put(ctx, key, e)
	return &Result{Response: e.Response(req), Outcome: OutcomeNetwork}, nil
}

// partialHeaders ask the origin for something other than the complete,
// identity encoded representation. They are dropped from requests whose
// response may be stored under the url only key. The transport negotiates
// its own compression and decodes it.
var partialHeaders = []string{
	"If-Match",
	"If-None-Match",
	"If-Modified-Since",
	"If-Unmodified-Since",
	"If-Range",
	"Range",
	"Accept-Encoding",
}

// fetchEntry fetches req and reads the whole response. A body that cannot
// be read counts as a network failure.
func (w *Worker) fetchEntry(ctx context.Context, req *http.Request) (*cache.Entry, error) {
	out := req.Clone(ctx)
	for _, h := range partialHeaders {
		out.Header.Del(h)
	}
	resp, err := w.opts.Fetcher.Fetch(ctx, out)
	if err != nil {
		return nil, err
	}
	return cache.NewEntry(resp)
}

// storable reports whether e is a complete response that does not depend
// on request headers other than Accept-Encoding, which fetchEntry never
// forwards.
func storable(e *cache.Entry) bool {
	switch e.StatusCode {
	case http.StatusPartialContent, http.StatusNotModified:
		return false
	}
	for _, v := range e.Header.Values("Vary") {
		for _, f := range strings.Split(v, ",") {
			f = strings.TrimSpace(f)
			if len(f) == 0 || strings.EqualFold(f, "Accept-Encoding") {
				continue
			}
			return false
		}
	}
	return true
}

// put stores e in the version bucket. The write outlives a cancelled
// request and its failure never fails the request. A worker that is no
// longer active does not re-create its bucket once it was deleted.
func (w *Worker) put(ctx context.Context, key string, e *cache.Entry) {
	if !storable(e) {
		w.logger.Debug("response not stored", zap.String("key", key), zap.Int("status", e.StatusCode), zap.Strings("vary", e.Header.Values("Vary")))
		return
	}
	ctx = context.WithoutCancel(ctx)
	ref := w.bucket.Load()
	if ref == nil {
		return
	}
	err := ref.Put(ctx, key, e)
	if errors.Is(err, cache.ErrBucketDeleted) && w.State() == StateActivated {
		var b cache.Bucket
		if b, err = w.opts.Storage.Open(ctx, w.opts.Config.Version); err == nil {
			w.bucket.Store(&bucketRef{b})
			err = b.Put(ctx, key, e)
		}
	}
	if errors.Is(err, cache.ErrBucketDeleted) {
		w.logger.Debug("bucket deleted, entry dropped", zap.String("key", key))
		return
	}
	if err != nil {
		w.metrics.cacheError("put")
		w.logger.Warn("cache put failed", zap.String("key", key), zap.Error(err))
	}
}
