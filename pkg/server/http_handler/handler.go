/*
 * Copyright (C) 2020-2022, IrineSistiana
 *
 * This file is part of swcache.
 */

package http_handler

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/netip"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pmkol/swcache/pkg/worker"
)

var nopLogger = zap.NewNop()

const (
	// OutcomeHeader reports how the worker answered a request.
	OutcomeHeader = "X-Swcache"

	// RequestIDHeader is kept from the client or generated, and echoed in
	// the response and the logs.
	RequestIDHeader = "X-Request-Id"
)

// proxyHeaders is defined as a package-level variable to avoid allocation on every request.
var proxyHeaders = []string{"True-Client-IP", "X-Real-IP", "X-Forwarded-For"}

// Fetcher answers intercepted requests. *worker.Registration implements it.
type Fetcher interface {
	Fetch(req *http.Request) (*worker.Result, error)
}

type HandlerOpts struct {
	// Worker cannot be nil.
	Worker Fetcher

	// SrcIPHeader is an extra header that carries the client address.
	SrcIPHeader string

	// HealthPath is answered with 200 without reaching the worker.
	// Default is "/health".
	HealthPath string

	Logger *zap.Logger
}

func (opts *HandlerOpts) Init() error {
	if opts.Worker == nil {
		return errors.New("nil worker")
	}
	if opts.Logger == nil {
		opts.Logger = nopLogger
	}
	if opts.HealthPath == "" {
		opts.HealthPath = "/health"
	}
	return nil
}

type Handler struct {
	opts HandlerOpts
}

func NewHandler(opts HandlerOpts) (*Handler, error) {
	if err := opts.Init(); err != nil {
		return nil, err
	}
	return &Handler{opts: opts}, nil
}

func (h *Handler) warnErr(req *http.Request, err error) {
	h.opts.Logger.Warn(err.Error(),
		zap.Stringer("from", clientAddr(req, h.opts.SrcIPHeader)),
		zap.String("method", req.Method),
		zap.String("url", req.RequestURI),
		zap.String("request_id", req.Header.Get(RequestIDHeader)),
	)
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	// Health check - Fast path
	if req.URL.Path == h.opts.HealthPath {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
		return
	}

	reqID := req.Header.Get(RequestIDHeader)
	if len(reqID) == 0 || len(reqID) > 128 {
		reqID = uuid.NewString()
		req.Header.Set(RequestIDHeader, reqID)
	}
	w.Header().Set(RequestIDHeader, reqID)

	res, err := h.opts.Worker.Fetch(req)
	if err != nil {
		switch {
		case errors.Is(err, context.Canceled) && req.Context().Err() != nil:
			// Client is gone.
			return
		case errors.Is(err, worker.ErrNoResponse):
			w.Header().Set(OutcomeHeader, string(worker.OutcomeFailed))
			w.WriteHeader(http.StatusBadGateway)
		default:
			w.WriteHeader(http.StatusInternalServerError)
		}
		h.warnErr(req, err)
		return
	}

	resp := res.Response
	defer resp.Body.Close()

	dst := w.Header()
	for k, vv := range resp.Header {
		dst[k] = append(dst[k][:0:0], vv...)
	}
	dst.Set(OutcomeHeader, string(res.Outcome))
	w.WriteHeader(resp.StatusCode)

	if req.Method == http.MethodHead {
		return
	}
	if _, err := io.Copy(w, resp.Body); err != nil && req.Context().Err() == nil {
		h.opts.Logger.Debug("failed to write response body", zap.String("url", req.RequestURI), zap.Error(err))
	}
}

// clientAddr returns the client address, preferring common proxy headers.
func clientAddr(req *http.Request, customHeader string) netip.Addr {
	for _, h := range proxyHeaders {
		if val := req.Header.Get(h); val != "" {
			ipStr := val
			if h == "X-Forwarded-For" {
				ipStr, _, _ = strings.Cut(val, ",")
			}
			if addr, err := netip.ParseAddr(strings.TrimSpace(ipStr)); err == nil {
				return addr.Unmap()
			}
		}
	}

	if customHeader != "" {
		if val := req.Header.Get(customHeader); val != "" {
			if addr, err := netip.ParseAddr(strings.TrimSpace(val)); err == nil {
				return addr.Unmap()
			}
		}
	}

	addrport, err := netip.ParseAddrPort(req.RemoteAddr)
	if err != nil {
		return netip.Addr{}
	}
	return addrport.Addr().Unmap()
}
