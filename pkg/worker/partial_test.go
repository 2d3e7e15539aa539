package worker

import (
	"compress/gzip"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pmkol/swcache/pkg/cache/mem_cache"
)

const appJS = "console.log('todo')"

// edgeOrigin serves /app.js with validators and range support, plus a few
// paths whose responses must never be stored.
type edgeOrigin struct {
	*httptest.Server

	mu      sync.Mutex
	headers []http.Header
}

func newEdgeOrigin(t *testing.T) *edgeOrigin {
	t.Helper()
	o := &edgeOrigin{}
	o.Server = httptest.NewServer(http.HandlerFunc(o.serve))
	t.Cleanup(o.Close)
	return o
}

func (o *edgeOrigin) serve(w http.ResponseWriter, r *http.Request) {
	o.mu.Lock()
	o.headers = append(o.headers, r.Header.Clone())
	o.mu.Unlock()

	switch r.URL.Path {
	case "/app.js":
		w.Header().Set("ETag", `"v1"`)
		http.ServeContent(w, r, "app.js", time.Date(2024, 2, 14, 0, 0, 0, 0, time.UTC), strings.NewReader(appJS))
	case "/app.js.gz":
		if !strings.Contains(r.Header.Get("Accept-Encoding"), "gzip") {
			io.WriteString(w, appJS)
			return
		}
		w.Header().Set("Content-Encoding", "gzip")
		w.Header().Set("Vary", "Accept-Encoding")
		gw := gzip.NewWriter(w)
		io.WriteString(gw, appJS)
		gw.Close()
	case "/partial":
		w.Header().Set("Content-Range", "bytes 0-1/19")
		w.WriteHeader(http.StatusPartialContent)
		io.WriteString(w, appJS[:2])
	case "/not-modified":
		w.WriteHeader(http.StatusNotModified)
	case "/vary-star":
		w.Header().Set("Vary", "*")
		io.WriteString(w, appJS)
	case "/vary-cookie":
		w.Header().Set("Vary", "Accept-Encoding, Cookie")
		io.WriteString(w, appJS)
	case "/vary-encoding":
		w.Header().Set("Vary", "Accept-Encoding")
		io.WriteString(w, appJS)
	default:
		http.NotFound(w, r)
	}
}

func (o *edgeOrigin) lastHeader() http.Header {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.headers[len(o.headers)-1]
}

// newEdgeWorker returns an activated cache-first worker with an empty shell.
func newEdgeWorker(t *testing.T) (*Worker, *edgeOrigin, *mem_cache.MemStorage) {
	t.Helper()
	o := newEdgeOrigin(t)
	s := mem_cache.NewMemStorage(0)
	t.Cleanup(func() { _ = s.Close() })
	w, err := New(Opts{Tag: "edge", Config: Config{Version: "edge-v1"}, Storage: s, Fetcher: newSwitchFetcher(t, o.URL)})
	require.NoError(t, err)
	require.NoError(t, w.Install(context.Background()))
	_, err = w.Activate(context.Background())
	require.NoError(t, err)
	return w, o, s
}

func getWith(t *testing.T, w *Worker, target string, h http.Header) (*Result, string) {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, target, nil)
	for k, v := range h {
		req.Header[k] = v
	}
	res, err := w.Fetch(req)
	require.NoError(t, err)
	defer res.Response.Body.Close()
	b, err := io.ReadAll(res.Response.Body)
	require.NoError(t, err)
	return res, string(b)
}

func TestWorker_conditionalRequestStoresFullResponse(t *testing.T) {
	w, o, s := newEdgeWorker(t)

	res, body := getWith(t, w, "/app.js", http.Header{"If-None-Match": {`"v1"`}})
	assert.Equal(t, OutcomeNetwork, res.Outcome)
	assert.Equal(t, http.StatusOK, res.Response.StatusCode)
	assert.Equal(t, appJS, body)
	assert.Empty(t, o.lastHeader().Get("If-None-Match"))

	res, body = getWith(t, w, "/app.js", nil)
	assert.Equal(t, OutcomeCacheHit, res.Outcome)
	assert.Equal(t, http.StatusOK, res.Response.StatusCode)
	assert.Equal(t, appJS, body)

	e, ok, err := s.Match(context.Background(), "/app.js")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, http.StatusOK, e.StatusCode)
}

func TestWorker_modifiedSinceRequestStoresFullResponse(t *testing.T) {
	w, _, _ := newEdgeWorker(t)

	res, body := getWith(t, w, "/app.js", http.Header{"If-Modified-Since": {time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC).Format(http.TimeFormat)}})
	assert.Equal(t, http.StatusOK, res.Response.StatusCode)
	assert.Equal(t, appJS, body)

	res, body = getWith(t, w, "/app.js", nil)
	assert.Equal(t, OutcomeCacheHit, res.Outcome)
	assert.Equal(t, appJS, body)
}

func TestWorker_rangeRequestStoresFullResponse(t *testing.T) {
	w, o, _ := newEdgeWorker(t)

	res, body := getWith(t, w, "/app.js", http.Header{"Range": {"bytes=0-1"}})
	assert.Equal(t, http.StatusOK, res.Response.StatusCode)
	assert.Equal(t, appJS, body)
	assert.Empty(t, o.lastHeader().Get("Range"))

	res, body = getWith(t, w, "/app.js", nil)
	assert.Equal(t, OutcomeCacheHit, res.Outcome)
	assert.Equal(t, http.StatusOK, res.Response.StatusCode)
	assert.Equal(t, appJS, body)
}

func TestWorker_clientEncodingIsNotForwarded(t *testing.T) {
	w, _, s := newEdgeWorker(t)

	res, body := getWith(t, w, "/app.js.gz", http.Header{"Accept-Encoding": {"gzip"}})
	assert.Equal(t, OutcomeNetwork, res.Outcome)
	assert.Empty(t, res.Response.Header.Get("Content-Encoding"))
	assert.Equal(t, appJS, body)

	e, ok, err := s.Match(context.Background(), "/app.js.gz")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Empty(t, e.Header.Get("Content-Encoding"))
	assert.Equal(t, appJS, string(e.Body))

	res, body = getWith(t, w, "/app.js.gz", nil)
	assert.Equal(t, OutcomeCacheHit, res.Outcome)
	assert.Equal(t, appJS, body)
}

func TestWorker_unstorableResponses(t *testing.T) {
	tests := []struct {
		path   string
		status int
		stored bool
	}{
		{"/partial", http.StatusPartialContent, false},
		{"/not-modified", http.StatusNotModified, false},
		{"/vary-star", http.StatusOK, false},
		{"/vary-cookie", http.StatusOK, false},
		{"/vary-encoding", http.StatusOK, true},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			w, _, s := newEdgeWorker(t)

			res, _ := getWith(t, w, tt.path, nil)
			assert.Equal(t, OutcomeNetwork, res.Outcome)
			assert.Equal(t, tt.status, res.Response.StatusCode)

			_, ok, err := s.Match(context.Background(), tt.path)
			require.NoError(t, err)
			assert.Equal(t, tt.stored, ok)

			res, _ = getWith(t, w, tt.path, nil)
			if tt.stored {
				assert.Equal(t, OutcomeCacheHit, res.Outcome)
			} else {
				assert.Equal(t, OutcomeNetwork, res.Outcome)
			}
		})
	}
}

// cancelledFetcher fails like a transport whose request context is done.
type cancelledFetcher struct{}

func (cancelledFetcher) Fetch(ctx context.Context, req *http.Request) (*http.Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, &url.Error{Op: "Get", URL: req.URL.String(), Err: err}
	}
	return &http.Response{StatusCode: http.StatusOK, Header: make(http.Header), Body: http.NoBody}, nil
}

func TestWorker_cancelledRequestKeepsCause(t *testing.T) {
	s := mem_cache.NewMemStorage(0)
	t.Cleanup(func() { _ = s.Close() })
	w, err := New(Opts{Tag: "edge", Config: Config{Version: "edge-v1", NetworkFirstPrefixes: []string{"/api/"}}, Storage: s, Fetcher: cancelledFetcher{}})
	require.NoError(t, err)
	require.NoError(t, w.Install(context.Background()))
	_, err = w.Activate(context.Background())
	require.NoError(t, err)

	r, err := NewRegistration(RegistrationOpts{Tag: "edge", Storage: s, Fetcher: cancelledFetcher{}})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	tests := []struct {
		name  string
		fetch func(*http.Request) (*Result, error)
		req   *http.Request
	}{
		{"cache first", w.Fetch, httptest.NewRequest(http.MethodGet, "/app.js", nil)},
		{"network first", w.Fetch, httptest.NewRequest(http.MethodGet, "/api/tasks", nil)},
		{"passthrough", w.Fetch, httptest.NewRequest(http.MethodPost, "/api/tasks", nil)},
		{"no worker", r.Fetch, httptest.NewRequest(http.MethodGet, "/", nil)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tt.fetch(tt.req.WithContext(ctx))
			require.Error(t, err)
			assert.True(t, errors.Is(err, context.Canceled), "%v", err)
		})
	}
}
