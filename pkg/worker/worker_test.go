package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/pmkol/swcache/pkg/cache"
	"github.com/pmkol/swcache/pkg/cache/cachetest"
	"github.com/pmkol/swcache/pkg/cache/mem_cache"
	"github.com/pmkol/swcache/pkg/fetcher"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m,
		goleak.IgnoreTopFunction("net/http.(*persistConn).readLoop"),
		goleak.IgnoreTopFunction("net/http.(*persistConn).writeLoop"),
		goleak.IgnoreTopFunction("internal/poll.runtime_pollWait"),
	)
}

// testOrigin is a stand-in for the todo / valentine application.
type testOrigin struct {
	*httptest.Server

	mu       sync.Mutex
	hits     map[string]int
	tasks    int
	broken   map[string]int // path -> status to return
	received []string
}

func newTestOrigin(t *testing.T) *testOrigin {
	t.Helper()
	o := &testOrigin{hits: make(map[string]int), broken: make(map[string]int)}
	o.Server = httptest.NewServer(http.HandlerFunc(o.serve))
	t.Cleanup(o.Close)
	return o
}

func (o *testOrigin) serve(w http.ResponseWriter, r *http.Request) {
	o.mu.Lock()
	o.hits[r.URL.Path]++
	o.received = append(o.received, r.Method+" "+r.URL.RequestURI())
	status, broken := o.broken[r.URL.Path]
	if r.Method == http.MethodPost {
		o.tasks++
	}
	tasks := o.tasks
	o.mu.Unlock()

	if broken {
		http.Error(w, "broken", status)
		return
	}
	switch {
	case r.URL.Path == "/api/tasks":
		w.Header().Set("Content-Type", "application/json")
		if r.Method == http.MethodPost {
			w.WriteHeader(http.StatusCreated)
		}
		fmt.Fprintf(w, `{"tasks":%d}`, tasks)
	case r.URL.Path == "/" || strings.HasPrefix(r.URL.Path, "/static/"):
		fmt.Fprintf(w, "asset %s", r.URL.Path)
	default:
		http.NotFound(w, r)
	}
}

func (o *testOrigin) hitCount(path string) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.hits[path]
}

func (o *testOrigin) breakPath(path string, status int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.broken[path] = status
}

// switchFetcher simulates losing the network.
type switchFetcher struct {
	f       *fetcher.HTTPFetcher
	offline atomic.Bool
	calls   atomic.Int32
}

var errOffline = errors.New("network is unreachable")

func (s *switchFetcher) Fetch(ctx context.Context, req *http.Request) (*http.Response, error) {
	s.calls.Add(1)
	if s.offline.Load() {
		return nil, errOffline
	}
	return s.f.Fetch(ctx, req)
}

func newSwitchFetcher(t *testing.T, origin string) *switchFetcher {
	t.Helper()
	u, err := url.Parse(origin)
	require.NoError(t, err)
	f, err := fetcher.NewHTTPFetcher(fetcher.HTTPFetcherOpts{Origin: u})
	require.NoError(t, err)
	t.Cleanup(func() { _ = f.Close() })
	return &switchFetcher{f: f}
}

type env struct {
	origin  *testOrigin
	fetcher *switchFetcher
	storage *mem_cache.MemStorage
}

func newEnv(t *testing.T) *env {
	t.Helper()
	o := newTestOrigin(t)
	s := mem_cache.NewMemStorage(0)
	t.Cleanup(func() { _ = s.Close() })
	return &env{origin: o, fetcher: newSwitchFetcher(t, o.URL), storage: s}
}

func (e *env) newWorker(t *testing.T, preset string) *Worker {
	t.Helper()
	cfg, ok := Preset(preset)
	require.True(t, ok)
	w, err := New(Opts{Tag: preset, Config: cfg, Storage: e.storage, Fetcher: e.fetcher})
	require.NoError(t, err)
	return w
}

func (e *env) activeWorker(t *testing.T, preset string) *Worker {
	t.Helper()
	w := e.newWorker(t, preset)
	require.NoError(t, w.Install(context.Background()))
	_, err := w.Activate(context.Background())
	require.NoError(t, err)
	return w
}

func get(t *testing.T, w *Worker, target string) (*Result, string, error) {
	t.Helper()
	res, err := w.Fetch(httptest.NewRequest(http.MethodGet, target, nil))
	if err != nil {
		return nil, "", err
	}
	defer res.Response.Body.Close()
	b, err := io.ReadAll(res.Response.Body)
	require.NoError(t, err)
	return res, string(b), nil
}

func TestWorker_installStoresShell(t *testing.T) {
	e := newEnv(t)
	w := e.newWorker(t, "todo")
	ctx := context.Background()

	require.NoError(t, w.Install(ctx))
	assert.Equal(t, StateInstalled, w.State())

	b, err := e.storage.Open(ctx, "todo-v4")
	require.NoError(t, err)
	for _, u := range DefaultShell {
		entry, ok, err := b.Match(ctx, u)
		require.NoError(t, err)
		require.True(t, ok, u)
		assert.Equal(t, "asset "+u, string(entry.Body))
	}
}

func TestWorker_installFailsOnAnyShellError(t *testing.T) {
	e := newEnv(t)
	e.origin.breakPath("/static/icon-512.png", http.StatusNotFound)
	w := e.newWorker(t, "valentine")
	ctx := context.Background()

	err := w.Install(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "/static/icon-512.png")
	assert.Equal(t, StateRedundant, w.State())

	b, err := e.storage.Open(ctx, "valentine-v2")
	require.NoError(t, err)
	keys, err := b.Keys(ctx)
	require.NoError(t, err)
	assert.Empty(t, keys, "no partial shell")

	_, err = w.Activate(ctx)
	assert.ErrorIs(t, err, ErrBadState)
}

func TestWorker_installOffline(t *testing.T) {
	e := newEnv(t)
	e.fetcher.offline.Store(true)
	w := e.newWorker(t, "todo")
	assert.ErrorIs(t, w.Install(context.Background()), errOffline)
}

func TestWorker_installTwice(t *testing.T) {
	e := newEnv(t)
	w := e.newWorker(t, "todo")
	require.NoError(t, w.Install(context.Background()))
	assert.ErrorIs(t, w.Install(context.Background()), ErrBadState)
}

func TestWorker_activateDeletesStaleBuckets(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	for _, name := range []string{"todo-v2", "todo-v3"} {
		b, err := e.storage.Open(ctx, name)
		require.NoError(t, err)
		require.NoError(t, b.Put(ctx, "/", cachetest.NewEntry("old "+name)))
	}

	w := e.newWorker(t, "todo")
	require.NoError(t, w.Install(ctx))
	deleted, err := w.Activate(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"todo-v2", "todo-v3"}, deleted)
	assert.Equal(t, StateActivated, w.State())

	keys, err := e.storage.Keys(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"todo-v4"}, keys)

	// Re-running with only the current bucket is a no-op.
	deleted, err = w.Activate(ctx)
	require.NoError(t, err)
	assert.Empty(t, deleted)
	keys, err = e.storage.Keys(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"todo-v4"}, keys)
}

func TestWorker_nonGETPassesThrough(t *testing.T) {
	e := newEnv(t)
	w := e.activeWorker(t, "todo")

	for _, method := range []string{http.MethodPost, http.MethodPut, http.MethodDelete} {
		req := httptest.NewRequest(method, "/api/tasks", strings.NewReader(`{"title":"x"}`))
		res, err := w.Fetch(req)
		require.NoError(t, err)
		_ = res.Response.Body.Close()
		assert.Equal(t, OutcomePassthrough, res.Outcome)
	}

	_, ok, err := e.storage.Match(context.Background(), "/api/tasks")
	require.NoError(t, err)
	assert.False(t, ok, "non-GET responses are never cached")
	assert.Equal(t, 3, e.origin.hitCount("/api/tasks"))
}

func TestWorker_notInterceptingBeforeActivation(t *testing.T) {
	e := newEnv(t)
	w := e.newWorker(t, "valentine")
	require.NoError(t, w.Install(context.Background()))
	before := e.origin.hitCount("/")

	res, _, err := get(t, w, "/")
	require.NoError(t, err)
	assert.Equal(t, OutcomePassthrough, res.Outcome)
	assert.Equal(t, before+1, e.origin.hitCount("/"))
}

func TestWorker_apiNetworkFirst(t *testing.T) {
	e := newEnv(t)
	w := e.activeWorker(t, "todo")
	ctx := context.Background()

	res, body, err := get(t, w, "/api/tasks")
	require.NoError(t, err)
	assert.Equal(t, OutcomeNetwork, res.Outcome)
	assert.Equal(t, `{"tasks":0}`, body)
	assert.Equal(t, "application/json", res.Response.Header.Get("Content-Type"))

	entry, ok, err := e.storage.Match(ctx, "/api/tasks")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, body, string(entry.Body))

	// The network wins over the cache while reachable.
	postRes, err := w.Fetch(httptest.NewRequest(http.MethodPost, "/api/tasks", strings.NewReader("{}")))
	require.NoError(t, err)
	_ = postRes.Response.Body.Close()

	res, body, err = get(t, w, "/api/tasks")
	require.NoError(t, err)
	assert.Equal(t, OutcomeNetwork, res.Outcome)
	assert.Equal(t, `{"tasks":1}`, body)
	entry, _, _ = e.storage.Match(ctx, "/api/tasks")
	assert.Equal(t, `{"tasks":1}`, string(entry.Body))
}

func TestWorker_apiOfflineFallsBackToCache(t *testing.T) {
	e := newEnv(t)
	w := e.activeWorker(t, "todo")

	_, online, err := get(t, w, "/api/tasks")
	require.NoError(t, err)

	e.fetcher.offline.Store(true)
	res, offline, err := get(t, w, "/api/tasks")
	require.NoError(t, err)
	assert.Equal(t, OutcomeCacheFallback, res.Outcome)
	assert.Equal(t, online, offline)
}

func TestWorker_apiOfflineWithoutCacheFails(t *testing.T) {
	e := newEnv(t)
	w := e.activeWorker(t, "todo")
	e.fetcher.offline.Store(true)

	_, _, err := get(t, w, "/api/tasks?done=1")
	assert.ErrorIs(t, err, ErrNoResponse)
}

func TestWorker_apiErrorStatusIsNotAFailure(t *testing.T) {
	e := newEnv(t)
	w := e.activeWorker(t, "todo")
	e.origin.breakPath("/api/tasks", http.StatusInternalServerError)

	res, _, err := get(t, w, "/api/tasks")
	require.NoError(t, err)
	assert.Equal(t, OutcomeNetwork, res.Outcome)
	assert.Equal(t, http.StatusInternalServerError, res.Response.StatusCode)
}

func TestWorker_cachedAssetSkipsNetwork(t *testing.T) {
	for _, preset := range PresetNames() {
		t.Run(preset, func(t *testing.T) {
			e := newEnv(t)
			w := e.activeWorker(t, preset)
			calls := e.fetcher.calls.Load()

			res, body, err := get(t, w, "/static/manifest.json")
			require.NoError(t, err)
			assert.Equal(t, OutcomeCacheHit, res.Outcome)
			assert.Equal(t, "asset /static/manifest.json", body)
			assert.Equal(t, calls, e.fetcher.calls.Load(), "no network request")
			assert.Equal(t, 1, e.origin.hitCount("/static/manifest.json"), "only the install fetch")
		})
	}
}

func TestWorker_uncachedAssetIsStored(t *testing.T) {
	for _, preset := range PresetNames() {
		t.Run(preset, func(t *testing.T) {
			e := newEnv(t)
			w := e.activeWorker(t, preset)

			res, body, err := get(t, w, "/static/app.js")
			require.NoError(t, err)
			assert.Equal(t, OutcomeNetwork, res.Outcome)
			assert.Equal(t, "asset /static/app.js", body)

			e.fetcher.offline.Store(true)
			res, body2, err := get(t, w, "/static/app.js")
			require.NoError(t, err)
			assert.Equal(t, OutcomeCacheHit, res.Outcome)
			assert.Equal(t, body, body2)
			assert.Equal(t, 1, e.origin.hitCount("/static/app.js"))
		})
	}
}

func TestWorker_uncachedAssetOffline(t *testing.T) {
	e := newEnv(t)
	w := e.activeWorker(t, "valentine")
	e.fetcher.offline.Store(true)

	_, _, err := get(t, w, "/static/missing.css")
	assert.ErrorIs(t, err, ErrNoResponse)
}

func TestWorker_valentineTreatsAPIAsCacheFirst(t *testing.T) {
	e := newEnv(t)
	w := e.activeWorker(t, "valentine")

	res, _, err := get(t, w, "/api/tasks")
	require.NoError(t, err)
	assert.Equal(t, OutcomeNetwork, res.Outcome)

	res, _, err = get(t, w, "/api/tasks")
	require.NoError(t, err)
	assert.Equal(t, OutcomeCacheHit, res.Outcome)
	assert.Equal(t, 1, e.origin.hitCount("/api/tasks"))
}

func TestWorker_redundantWorkerDoesNotRecreateBucket(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	old := e.activeWorker(t, "todo")

	cfg, _ := Preset("todo")
	cfg.Version = "todo-v5"
	next, err := New(Opts{Config: cfg, Storage: e.storage, Fetcher: e.fetcher})
	require.NoError(t, err)
	require.NoError(t, next.Install(ctx))
	old.MarkRedundant()
	_, err = next.Activate(ctx)
	require.NoError(t, err)

	old.put(ctx, "/late", cachetest.NewEntry("late"))
	keys, err := e.storage.Keys(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"todo-v5"}, keys)
}

func TestWorker_metrics(t *testing.T) {
	e := newEnv(t)
	reg := prometheus.NewRegistry()
	m, err := NewMetrics(reg)
	require.NoError(t, err)

	cfg, _ := Preset("todo")
	w, err := New(Opts{Tag: "todo", Config: cfg, Storage: e.storage, Fetcher: e.fetcher, Metrics: m})
	require.NoError(t, err)
	require.NoError(t, w.Install(context.Background()))
	_, err = w.Activate(context.Background())
	require.NoError(t, err)

	_, _, err = get(t, w, "/")
	require.NoError(t, err)
	e.fetcher.offline.Store(true)
	_, _, _ = get(t, w, "/api/tasks")

	assert.Equal(t, 1.0, testutil.ToFloat64(m.installs.WithLabelValues("todo", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.requests.WithLabelValues("todo", string(OutcomeCacheHit))))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.requests.WithLabelValues("todo", string(OutcomeFailed))))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.networkErrors.WithLabelValues("todo")))
}

func TestOpts_Init(t *testing.T) {
	cfg, _ := Preset("todo")
	_, err := New(Opts{Config: cfg, Fetcher: &switchFetcher{}})
	assert.Error(t, err)
	_, err = New(Opts{Config: cfg, Storage: mem_cache.NewMemStorage(0)})
	assert.Error(t, err)

	cfg.Shell = append(cfg.Shell, "/")
	_, err = New(Opts{Config: cfg, Storage: mem_cache.NewMemStorage(0), Fetcher: &switchFetcher{}})
	assert.ErrorContains(t, err, "duplicated")
}

var _ cache.Storage = (*mem_cache.MemStorage)(nil)
