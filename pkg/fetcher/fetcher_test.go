package fetcher

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestFetcher(t *testing.T, origin string) *HTTPFetcher {
	t.Helper()
	u, err := url.Parse(origin)
	require.NoError(t, err)
	f, err := NewHTTPFetcher(HTTPFetcherOpts{Origin: u})
	require.NoError(t, err)
	t.Cleanup(func() { _ = f.Close() })
	return f
}

func TestHTTPFetcher_forwardsToOrigin(t *testing.T) {
	var got *http.Request
	var gotBody string
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r
		b, _ := io.ReadAll(r.Body)
		gotBody = string(b)
		w.WriteHeader(http.StatusCreated)
		_, _ = io.WriteString(w, "created")
	}))
	defer origin.Close()

	f := newTestFetcher(t, origin.URL+"/app")
	req := httptest.NewRequest(http.MethodPost, "http://proxy.local/api/tasks?x=1", strings.NewReader(`{"title":"a"}`))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Keep-Alive", "timeout=5")

	resp, err := f.Fetch(context.Background(), req)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, "created", string(body))

	require.NotNil(t, got)
	assert.Equal(t, http.MethodPost, got.Method)
	assert.Equal(t, "/app/api/tasks", got.URL.Path)
	assert.Equal(t, "x=1", got.URL.RawQuery)
	assert.Equal(t, `{"title":"a"}`, gotBody)
	assert.Equal(t, "application/json", got.Header.Get("Content-Type"))
	assert.Empty(t, got.Header.Get("Keep-Alive"))
	assert.Equal(t, "192.0.2.1", got.Header.Get("X-Forwarded-For"))
	assert.True(t, strings.HasPrefix(got.Header.Get("User-Agent"), "swcache/"))
}

func TestHTTPFetcher_errorStatusIsNotAnError(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusInternalServerError)
	}))
	defer origin.Close()

	f := newTestFetcher(t, origin.URL)
	resp, err := f.Get(context.Background(), "/static/icon-512.png")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
}

func TestHTTPFetcher_networkError(t *testing.T) {
	origin := httptest.NewServer(http.NotFoundHandler())
	addr := origin.URL
	origin.Close()

	f := newTestFetcher(t, addr)
	_, err := f.Get(context.Background(), "/")
	assert.Error(t, err)
}

func TestHTTPFetcherOpts_Init(t *testing.T) {
	_, err := NewHTTPFetcher(HTTPFetcherOpts{})
	assert.Error(t, err)

	u, _ := url.Parse("ftp://example.com")
	_, err = NewHTTPFetcher(HTTPFetcherOpts{Origin: u})
	assert.Error(t, err)

	u, _ = url.Parse("http://")
	_, err = NewHTTPFetcher(HTTPFetcherOpts{Origin: u})
	assert.Error(t, err)
}

func TestNewGetRequest(t *testing.T) {
	req, err := NewGetRequest(context.Background(), "/static/manifest.json")
	require.NoError(t, err)
	assert.Equal(t, http.MethodGet, req.Method)
	assert.Equal(t, "/static/manifest.json", req.URL.Path)

	_, err = NewGetRequest(context.Background(), "static/manifest.json")
	assert.Error(t, err)
}

func Test_singleJoiningSlash(t *testing.T) {
	assert.Equal(t, "/", singleJoiningSlash("", "/"))
	assert.Equal(t, "/app/api", singleJoiningSlash("/app/", "/api"))
	assert.Equal(t, "/app/api", singleJoiningSlash("/app", "api"))
}
