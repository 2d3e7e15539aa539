package server

import (
	"crypto/rand"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/quic-go/quic-go"
	"go.uber.org/zap"

	"github.com/pmkol/swcache/pkg/pool"
)

const certReloadDelay = 2 * time.Second

var errMissingCert = errors.New("missing certificate for tls listener")

// serverKeys holds the QUIC stateless reset key and the TLS session ticket
// key. They are persisted in ServerOpts.KeyDir so that a restart does not
// invalidate tickets or confuse peers. Without KeyDir they are ephemeral.
type serverKeys struct {
	statelessReset quic.StatelessResetKey
	sessionTicket  [32]byte
}

func (s *Server) keys() (*serverKeys, error) {
	s.keysOnce.Do(func() {
		s.serverKeys, s.keysErr = loadOrCreateKeys(s.opts.KeyDir, s.opts.Logger)
	})
	return s.serverKeys, s.keysErr
}

func loadOrCreateKeys(keyDir string, logger *zap.Logger) (*serverKeys, error) {
	k := new(serverKeys)
	if keyDir == "" {
		if _, err := rand.Read(k.statelessReset[:]); err != nil {
			return nil, fmt.Errorf("failed to generate stateless reset key, %w", err)
		}
		if _, err := rand.Read(k.sessionTicket[:]); err != nil {
			return nil, fmt.Errorf("failed to generate session ticket key, %w", err)
		}
		return k, nil
	}

	resetKey, err := loadOrCreateSingleKey(filepath.Join(keyDir, ".swcache_stateless_reset.key"), keyDir, logger)
	if err != nil {
		return nil, err
	}
	sessionKey, err := loadOrCreateSingleKey(filepath.Join(keyDir, ".swcache_session_ticket.key"), keyDir, logger)
	if err != nil {
		return nil, err
	}
	copy(k.statelessReset[:], resetKey)
	copy(k.sessionTicket[:], sessionKey)
	return k, nil
}

func loadOrCreateSingleKey(keyFile string, keyDir string, logger *zap.Logger) ([]byte, error) {
	if data, err := os.ReadFile(keyFile); err == nil && len(data) == 32 {
		logger.Debug("key loaded", zap.String("file", keyFile))
		return data, nil
	}

	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(keyDir, 0700); err != nil {
		return nil, err
	}
	if err := os.WriteFile(keyFile, key, 0600); err != nil {
		return nil, err
	}
	logger.Info("new key created", zap.String("file", keyFile))
	return key, nil
}

// certWatcher holds a certificate pair and reloads it when the files change.
type certWatcher struct {
	ptr atomic.Pointer[tls.Certificate]

	certFile, keyFile string
	logger            *zap.Logger

	closeOnce sync.Once
	closeC    chan struct{}
	doneC     chan struct{}
}

func (c *certWatcher) get() *tls.Certificate {
	return c.ptr.Load()
}

func (c *certWatcher) reload() error {
	cert, err := tls.LoadX509KeyPair(c.certFile, c.keyFile)
	if err != nil {
		return err
	}
	c.ptr.Store(&cert)
	return nil
}

// Close stops the watcher goroutine and waits for it to exit.
func (c *certWatcher) Close() error {
	c.closeOnce.Do(func() { close(c.closeC) })
	<-c.doneC
	return nil
}

func newCertWatcher(certFile, keyFile string, logger *zap.Logger) (*certWatcher, error) {
	c := &certWatcher{
		certFile: certFile,
		keyFile:  keyFile,
		logger:   logger,
		closeC:   make(chan struct{}),
		doneC:    make(chan struct{}),
	}
	if err := c.reload(); err != nil {
		return nil, err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		logger.Error("failed to create certificate watcher", zap.Error(err))
		close(c.doneC)
		return c, nil
	}
	c.watch(watcher)
	go c.run(watcher)
	return c, nil
}

func (c *certWatcher) watch(watcher *fsnotify.Watcher) {
	for _, f := range [...]string{c.certFile, c.keyFile} {
		_ = watcher.Remove(f)
		if err := watcher.Add(f); err != nil {
			c.logger.Warn("failed to watch certificate file", zap.String("file", f), zap.Error(err))
		}
	}
}

func (c *certWatcher) run(watcher *fsnotify.Watcher) {
	defer close(c.doneC)
	defer watcher.Close()

	timer := pool.NewStoppedTimer()
	defer pool.StopTimer(timer)

	needReWatch := false
	for {
		select {
		case <-c.closeC:
			return

		case e, ok := <-watcher.Events:
			if !ok {
				return
			}
			c.logger.Debug("certificate event", zap.String("file", e.Name), zap.Stringer("op", e.Op))
			if e.Has(fsnotify.Chmod) && !e.Has(fsnotify.Write) {
				continue
			}
			// Editors and cert managers replace files by rename, which
			// drops the inotify watch on the original inode.
			if e.Has(fsnotify.Remove) || e.Has(fsnotify.Rename) {
				needReWatch = true
			}
			pool.ResetTimer(timer, certReloadDelay)

		case <-timer.C:
			if needReWatch {
				needReWatch = false
				c.watch(watcher)
			}
			if err := c.reload(); err != nil {
				c.logger.Error("failed to reload certificate", zap.String("file", c.certFile), zap.Error(err))
				continue
			}
			c.logger.Info("certificate reloaded", zap.String("file", c.certFile))

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			c.logger.Error("certificate watcher error", zap.Error(err))
		}
	}
}

// tlsConfig builds a server side tls config whose certificate follows the
// watched files. The watcher is tracked and closed with the Server.
func (s *Server) tlsConfig(nextProtos []string) (*tls.Config, error) {
	if s.opts.Cert == "" || s.opts.Key == "" {
		return nil, errMissingCert
	}
	keys, err := s.keys()
	if err != nil {
		return nil, err
	}
	c, err := newCertWatcher(s.opts.Cert, s.opts.Key, s.opts.Logger)
	if err != nil {
		return nil, fmt.Errorf("failed to load certificate, %w", err)
	}
	if ok := s.trackCloser(c, true); !ok {
		_ = c.Close()
		return nil, ErrServerClosed
	}

	allowedSNI := s.opts.AllowedSNI
	return &tls.Config{
		NextProtos:       nextProtos,
		SessionTicketKey: keys.sessionTicket,
		MinVersion:       tls.VersionTLS12,
		CurvePreferences: []tls.CurveID{
			tls.X25519,
			tls.CurveP256,
		},
		GetCertificate: func(chi *tls.ClientHelloInfo) (*tls.Certificate, error) {
			cert := c.get()
			if cert == nil {
				return nil, errors.New("certificate not available")
			}
			if allowedSNI != "" && chi.ServerName != "" && chi.ServerName != allowedSNI {
				return nil, errors.New("invalid sni")
			}
			return cert, nil
		},
	}, nil
}

// CreateTLSListener wraps l with tls. Certificates are reloaded when the
// files change.
func (s *Server) CreateTLSListener(l net.Listener, nextProtos []string) (net.Listener, error) {
	tlsConfig, err := s.tlsConfig(nextProtos)
	if err != nil {
		return nil, err
	}
	return tls.NewListener(l, tlsConfig), nil
}

// CreateQUICListener creates a quic listener on conn for HTTP/3.
func (s *Server) CreateQUICListener(conn net.PacketConn, nextProtos []string) (*quic.EarlyListener, error) {
	tlsConfig, err := s.tlsConfig(nextProtos)
	if err != nil {
		return nil, err
	}
	keys, err := s.keys()
	if err != nil {
		return nil, err
	}
	tlsConfig.MinVersion = tls.VersionTLS13

	tr := &quic.Transport{
		Conn:              conn,
		StatelessResetKey: &keys.statelessReset,
	}
	l, err := tr.ListenEarly(tlsConfig, &quic.Config{
		Allow0RTT:                      true,
		InitialStreamReceiveWindow:     64 * 1024,
		MaxStreamReceiveWindow:         4 * 1024 * 1024,
		InitialConnectionReceiveWindow: 128 * 1024,
		MaxConnectionReceiveWindow:     8 * 1024 * 1024,
		MaxIncomingStreams:             1000,
	})
	if err != nil {
		_ = tr.Close()
		return nil, err
	}
	return l, nil
}
