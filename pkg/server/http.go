package server

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/pires/go-proxyproto"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
)

const (
	// TLS handshake + HTTP headers (Slowloris protection)
	defaultReadHeaderTimeout = 5 * time.Second

	defaultTCPIdleTimeout = 60 * time.Second

	defaultMaxHeaderBytes = 16 << 10
)

func (s *Server) newHTTPServer(h http.Handler) *http.Server {
	idleTimeout := s.opts.IdleTimeout
	if idleTimeout == 0 {
		idleTimeout = defaultTCPIdleTimeout
	}
	return &http.Server{
		Handler:           h,
		ReadHeaderTimeout: defaultReadHeaderTimeout,
		IdleTimeout:       idleTimeout,
		MaxHeaderBytes:    defaultMaxHeaderBytes,
		ErrorLog:          newStdLogger(s.opts.Logger),
	}
}

// ServeHTTP serves plain text HTTP/1.1 and h2c on l.
func (s *Server) ServeHTTP(l net.Listener) error {
	defer l.Close()

	if s.opts.HttpHandler == nil {
		return errMissingHTTPHandler
	}

	hs := s.newHTTPServer(h2c.NewHandler(s.opts.HttpHandler, &http2.Server{
		IdleTimeout: s.opts.IdleTimeout,
	}))
	return s.serve(hs, l)
}

func (s *Server) serve(hs *http.Server, l net.Listener) error {
	if ok := s.trackCloser(hs, true); !ok {
		return ErrServerClosed
	}
	defer s.trackCloser(hs, false)

	err := hs.Serve(l)
	if errors.Is(err, http.ErrServerClosed) {
		return ErrServerClosed
	}
	return err
}

// ServeHTTPS serves HTTP/1.1 and HTTP/2 over tls on l.
func (s *Server) ServeHTTPS(l net.Listener) error {
	defer l.Close()

	if s.opts.HttpHandler == nil {
		return errMissingHTTPHandler
	}

	tl, err := s.CreateTLSListener(l, []string{"h2", "http/1.1"})
	if err != nil {
		return err
	}

	hs := s.newHTTPServer(s.opts.HttpHandler)
	if err := http2.ConfigureServer(hs, &http2.Server{IdleTimeout: s.opts.IdleTimeout}); err != nil {
		return fmt.Errorf("failed to configure http2, %w", err)
	}
	return s.serve(hs, tl)
}

// WrapProxyProtocol accepts PROXY protocol v1/v2 headers on l so that
// RemoteAddr reports the real client behind a load balancer.
func WrapProxyProtocol(l net.Listener) net.Listener {
	return &proxyproto.Listener{
		Listener:          l,
		ReadHeaderTimeout: defaultReadHeaderTimeout,
	}
}
