package fetcher

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/net/http/httpguts"

	C "github.com/pmkol/swcache/constant"
)

var nopLogger = zap.NewNop()

var defaultUserAgent = fmt.Sprintf("swcache/%s", C.Version)

// Fetcher performs network requests on behalf of a worker.
type Fetcher interface {
	// Fetch sends req to the network. A non-nil error means the network
	// could not be reached; any HTTP status, 4xx and 5xx included, is a
	// successful fetch.
	Fetch(ctx context.Context, req *http.Request) (*http.Response, error)
}

// hopHeaders are removed before forwarding, in both directions.
var hopHeaders = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

type HTTPFetcherOpts struct {
	// Origin is the base url of the application, e.g. http://127.0.0.1:5000.
	// Cannot be nil.
	Origin *url.URL

	// Transport defaults to a keep-alive transport with a dial timeout.
	// No overall request timeout is applied.
	Transport http.RoundTripper

	// UserAgent is set on requests without one.
	UserAgent string

	// Logger is the *zap.Logger for this HTTPFetcher.
	// A nil Logger will disable logging.
	Logger *zap.Logger
}

func (opts *HTTPFetcherOpts) Init() error {
	if opts.Origin == nil {
		return errors.New("nil origin")
	}
	if opts.Origin.Scheme != "http" && opts.Origin.Scheme != "https" {
		return fmt.Errorf("unsupported origin scheme %q", opts.Origin.Scheme)
	}
	if len(opts.Origin.Host) == 0 {
		return errors.New("origin has no host")
	}
	if opts.Transport == nil {
		opts.Transport = NewTransport(nil)
	}
	if len(opts.UserAgent) == 0 {
		opts.UserAgent = defaultUserAgent
	}
	if opts.Logger == nil {
		opts.Logger = nopLogger
	}
	return nil
}

// NewTransport returns a keep-alive transport with a dial timeout.
// tlsConfig may be nil.
func NewTransport(tlsConfig *tls.Config) *http.Transport {
	return &http.Transport{
		TLSClientConfig: tlsConfig,
		Proxy:           http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   5 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		ForceAttemptHTTP2:   true,
		MaxIdleConnsPerHost: 16,
		IdleConnTimeout:     90 * time.Second,
	}
}

// HTTPFetcher forwards requests to a single origin.
type HTTPFetcher struct {
	opts HTTPFetcherOpts
}

func NewHTTPFetcher(opts HTTPFetcherOpts) (*HTTPFetcher, error) {
	if err := opts.Init(); err != nil {
		return nil, err
	}
	return &HTTPFetcher{opts: opts}, nil
}

func (f *HTTPFetcher) Origin() *url.URL {
	return f.opts.Origin
}

func (f *HTTPFetcher) Fetch(ctx context.Context, req *http.Request) (*http.Response, error) {
	out := req.Clone(ctx)
	out.RequestURI = ""
	out.URL.Scheme = f.opts.Origin.Scheme
	out.URL.Host = f.opts.Origin.Host
	out.URL.Path, out.URL.RawPath = joinURLPath(f.opts.Origin, req.URL)
	out.URL.Fragment = ""
	out.Host = ""
	if req.ContentLength == 0 {
		out.Body = nil
	}
	if out.Header == nil {
		out.Header = make(http.Header)
	}
	removeHopHeaders(out.Header)
	if _, ok := out.Header["User-Agent"]; !ok {
		out.Header.Set("User-Agent", f.opts.UserAgent)
	}
	if clientIP, _, err := net.SplitHostPort(req.RemoteAddr); err == nil {
		if prior := out.Header["X-Forwarded-For"]; len(prior) > 0 {
			clientIP = strings.Join(prior, ", ") + ", " + clientIP
		}
		out.Header.Set("X-Forwarded-For", clientIP)
	}

	resp, err := f.opts.Transport.RoundTrip(out)
	if err != nil {
		f.opts.Logger.Debug("fetch failed", zap.String("url", out.URL.String()), zap.Error(err))
		return nil, err
	}
	removeHopHeaders(resp.Header)
	return resp, nil
}

// Get fetches path from the origin.
func (f *HTTPFetcher) Get(ctx context.Context, path string) (*http.Response, error) {
	req, err := NewGetRequest(ctx, path)
	if err != nil {
		return nil, err
	}
	return f.Fetch(ctx, req)
}

// Close closes idle connections of the transport. Transports that hold
// more than idle connections, such as HTTP/3 ones, are closed.
func (f *HTTPFetcher) Close() error {
	if t, ok := f.opts.Transport.(interface{ CloseIdleConnections() }); ok {
		t.CloseIdleConnections()
	}
	if c, ok := f.opts.Transport.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// NewGetRequest builds a GET for an origin-relative path such as
// "/static/manifest.json".
func NewGetRequest(ctx context.Context, path string) (*http.Request, error) {
	if !strings.HasPrefix(path, "/") {
		return nil, fmt.Errorf("path %q is not absolute", path)
	}
	u, err := url.ParseRequestURI(path)
	if err != nil {
		return nil, fmt.Errorf("invalid path %q: %w", path, err)
	}
	return http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
}

func removeHopHeaders(h http.Header) {
	for _, v := range h["Connection"] {
		for _, name := range strings.Split(v, ",") {
			if name = strings.TrimSpace(name); httpguts.ValidHeaderFieldName(name) {
				h.Del(name)
			}
		}
	}
	for _, name := range hopHeaders {
		h.Del(name)
	}
}

func joinURLPath(a, b *url.URL) (path, rawpath string) {
	if a.RawPath == "" && b.RawPath == "" {
		return singleJoiningSlash(a.Path, b.Path), ""
	}
	apath := a.EscapedPath()
	bpath := b.EscapedPath()
	aslash := strings.HasSuffix(apath, "/")
	bslash := strings.HasPrefix(bpath, "/")

	switch {
	case aslash && bslash:
		return a.Path + b.Path[1:], apath + bpath[1:]
	case !aslash && !bslash:
		return a.Path + "/" + b.Path, apath + "/" + bpath
	}
	return a.Path + b.Path, apath + bpath
}

func singleJoiningSlash(a, b string) string {
	aslash := strings.HasSuffix(a, "/")
	bslash := strings.HasPrefix(b, "/")
	switch {
	case aslash && bslash:
		return a + b[1:]
	case !aslash && !bslash:
		return a + "/" + b
	}
	return a + b
}
