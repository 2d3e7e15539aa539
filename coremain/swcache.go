package coremain

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/pprof"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/quic-go/quic-go/http3"
	"go.uber.org/zap"

	"github.com/pmkol/swcache/mlog"
	"github.com/pmkol/swcache/pkg/cache"
	"github.com/pmkol/swcache/pkg/cache/mem_cache"
	"github.com/pmkol/swcache/pkg/cache/redis_cache"
	"github.com/pmkol/swcache/pkg/cache/sqlite_cache"
	"github.com/pmkol/swcache/pkg/fetcher"
	"github.com/pmkol/swcache/pkg/safe_close"
	"github.com/pmkol/swcache/pkg/server"
	"github.com/pmkol/swcache/pkg/server/http_handler"
	"github.com/pmkol/swcache/pkg/worker"
)

type Swcache struct {
	logger *zap.Logger

	// cfgFiles are the root config file and its includes.
	cfgFiles []string

	newStorage func(tag string) (cache.Storage, error)
	closers    []io.Closer

	workers map[string]*workerEntry

	httpAPIMux *http.ServeMux
	metricsReg *prometheus.Registry

	sc *safe_close.SafeClose
}

type workerEntry struct {
	reg     *worker.Registration
	fetcher *fetcher.HTTPFetcher
	storage cache.Storage

	mu  sync.Mutex
	cfg WorkerConfig // last config applied successfully
}

func (e *workerEntry) config() WorkerConfig {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cfg
}

func (e *workerEntry) setConfig(wc WorkerConfig) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cfg = wc
}

func RunSwcache(cfg *Config, cfgFiles []string) error {
	lg, err := mlog.NewLogger(&cfg.Log)
	if err != nil {
		return fmt.Errorf("failed to init logger: %w", err)
	}

	m, err := newSwcache(cfg, cfgFiles, lg)
	if err != nil {
		return err
	}
	defer m.closeResources()

	m.installWorkers(cfg)

	for i, sc := range cfg.Servers {
		if err := m.startServer(&sc); err != nil {
			m.sc.SendCloseSignal(nil)
			m.sc.Done()
			m.sc.CloseWait()
			return fmt.Errorf("failed to start server #%d, %w", i, err)
		}
	}

	// Start http api server
	if httpAddr := cfg.API.HTTP; len(httpAddr) > 0 {
		httpServer := &http.Server{
			Addr:              httpAddr,
			Handler:           m.httpAPIMux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		m.sc.Attach(func(done func(), closeSignal <-chan struct{}) {
			defer done()
			errChan := make(chan error, 1)
			go func() {
				m.logger.Info("starting api http server", zap.String("addr", httpAddr))
				errChan <- httpServer.ListenAndServe()
			}()
			select {
			case err := <-errChan:
				m.sc.SendCloseSignal(err)
			case <-closeSignal:
				httpServer.Close()
			}
		})
	}

	if len(m.cfgFiles) > 0 && len(m.cfgFiles[0]) > 0 {
		m.watchConfig()
	}

	<-m.sc.ReceiveCloseSignal()
	m.sc.Done()
	m.sc.CloseWait()
	return m.sc.Err()
}

// newSwcache builds the storages, workers and the api mux. Nothing is
// listening and no worker is installed yet.
func newSwcache(cfg *Config, cfgFiles []string, lg *zap.Logger) (_ *Swcache, err error) {
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config, %w", err)
	}

	m := &Swcache{
		logger:     lg,
		cfgFiles:   cfgFiles,
		workers:    make(map[string]*workerEntry),
		httpAPIMux: http.NewServeMux(),
		metricsReg: newMetricsReg(),
		sc:         safe_close.NewSafeClose(),
	}
	defer func() {
		if err != nil {
			m.closeResources()
		}
	}()

	if err := m.initStorage(&cfg.Storage); err != nil {
		return nil, fmt.Errorf("failed to init storage, %w", err)
	}

	workerMetrics, err := worker.NewMetrics(m.GetMetricsReg())
	if err != nil {
		return nil, fmt.Errorf("failed to register worker metrics, %w", err)
	}

	for _, wc := range cfg.Workers {
		e, err := m.newWorkerEntry(wc, workerMetrics)
		if err != nil {
			return nil, fmt.Errorf("failed to init worker %s, %w", wc.Tag, err)
		}
		m.workers[wc.Tag] = e
	}

	m.httpAPIMux.Handle("/metrics", promhttp.HandlerFor(m.metricsReg, promhttp.HandlerOpts{}))
	m.httpAPIMux.HandleFunc("/debug/pprof/", pprof.Index)
	m.httpAPIMux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	m.httpAPIMux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	m.httpAPIMux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	m.httpAPIMux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	m.httpAPIMux.HandleFunc("GET /workers/{tag}/{$}", m.handleWorkerStatus)
	m.httpAPIMux.HandleFunc("POST /workers/{tag}/update", m.handleWorkerUpdate)
	return m, nil
}

func (m *Swcache) initStorage(sc *StorageConfig) error {
	switch sc.Type {
	case storageRedis:
		opt, err := redis.ParseURL(sc.Redis)
		if err != nil {
			return fmt.Errorf("invalid redis url, %w", err)
		}
		client := redis.NewClient(opt)
		m.closers = append(m.closers, client)
		timeout := time.Duration(sc.RedisTimeout) * time.Millisecond
		m.newStorage = func(tag string) (cache.Storage, error) {
			return redis_cache.NewRedisStorage(redis_cache.RedisCacheOpts{
				Client:        client,
				ClientTimeout: timeout,
				Prefix:        sc.Prefix,
				Scope:         tag,
				Logger:        m.logger.Named("redis").With(zap.String("worker", tag)),
			})
		}
	case storageSQLite:
		db, err := sqlite_cache.Open(sc.Path)
		if err != nil {
			return err
		}
		m.closers = append(m.closers, db)
		m.newStorage = func(tag string) (cache.Storage, error) {
			return db.Storage(tag)
		}
	default:
		size := sc.Size
		m.newStorage = func(string) (cache.Storage, error) {
			return mem_cache.NewMemStorage(size), nil
		}
	}
	return nil
}

func (m *Swcache) newWorkerEntry(wc WorkerConfig, metrics *worker.Metrics) (*workerEntry, error) {
	if _, err := wc.WorkerConfig(); err != nil {
		return nil, err
	}
	origin, err := wc.originURL()
	if err != nil {
		return nil, err
	}
	lg := m.logger.Named("worker")

	var tlsConfig *tls.Config
	if wc.InsecureSkipVerify {
		tlsConfig = &tls.Config{InsecureSkipVerify: true}
	}
	var transport http.RoundTripper
	if wc.H3 {
		transport = fetcher.NewH3Transport(tlsConfig)
	} else {
		transport = fetcher.NewTransport(tlsConfig)
	}
	f, err := fetcher.NewHTTPFetcher(fetcher.HTTPFetcherOpts{
		Origin:    origin,
		Transport: transport,
		Logger:    lg.With(zap.String("worker", wc.Tag)),
	})
	if err != nil {
		return nil, err
	}
	m.closers = append(m.closers, f)

	st, err := m.newStorage(wc.Tag)
	if err != nil {
		return nil, fmt.Errorf("failed to open storage, %w", err)
	}
	// Storages must close before their shared client or database.
	m.closers = append([]io.Closer{st}, m.closers...)

	reg, err := worker.NewRegistration(worker.RegistrationOpts{
		Tag:     wc.Tag,
		Storage: st,
		Fetcher: f,
		Metrics: metrics,
		Logger:  lg,
	})
	if err != nil {
		return nil, err
	}
	return &workerEntry{cfg: wc, reg: reg, fetcher: f, storage: st}, nil
}

// installWorkers installs every worker in the background. Until a worker
// is active its server passes requests through to the origin.
func (m *Swcache) installWorkers(cfg *Config) {
	for _, wc := range cfg.Workers {
		e := m.workers[wc.Tag]
		m.sc.Attach(func(done func(), _ <-chan struct{}) {
			defer done()
			if err := m.updateWorker(m.sc.Context(), e, wc); err != nil {
				m.logger.Error("worker install failed, requests pass through", zap.String("worker", wc.Tag), zap.Error(err))
			}
		})
	}
}

// updateWorker installs and activates the policy of wc on e. It is a no-op
// if the active worker already runs the same policy.
func (m *Swcache) updateWorker(ctx context.Context, e *workerEntry, wc WorkerConfig) error {
	if wc.Origin != e.config().Origin {
		m.logger.Warn("origin changes take effect after restart", zap.String("worker", wc.Tag), zap.String("origin", wc.Origin), zap.Stringer("serving", e.fetcher.Origin()))
	}
	cfg, err := wc.WorkerConfig()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, wc.installTimeout())
	defer cancel()
	if err := e.reg.Update(ctx, cfg); err != nil {
		return err
	}
	e.setConfig(wc)
	return nil
}

// reload reads the config files again and updates every worker whose
// policy changed.
func (m *Swcache) reload(ctx context.Context) error {
	cfg, _, err := loadConfigWithInclude(m.cfgFiles[0])
	if err != nil {
		return err
	}
	var errs []error
	for _, wc := range cfg.Workers {
		e, ok := m.workers[wc.Tag]
		if !ok {
			m.logger.Warn("new workers take effect after restart", zap.String("worker", wc.Tag))
			continue
		}
		if err := m.updateWorker(ctx, e, wc); err != nil {
			errs = append(errs, fmt.Errorf("worker %s, %w", wc.Tag, err))
		}
	}
	return errors.Join(errs...)
}

func (m *Swcache) startServer(sc *ServerConfig) error {
	e, ok := m.workers[sc.Worker]
	if !ok {
		return fmt.Errorf("unknown worker %s", sc.Worker)
	}
	lg := m.logger.Named("server").With(zap.String("addr", sc.Addr), zap.String("protocol", sc.Protocol))

	h, err := http_handler.NewHandler(http_handler.HandlerOpts{
		Worker:      e.reg,
		SrcIPHeader: sc.SrcIPHeader,
		HealthPath:  sc.HealthPath,
		Logger:      lg,
	})
	if err != nil {
		return err
	}
	s := server.NewServer(server.ServerOpts{
		Logger:      lg,
		HttpHandler: h,
		Cert:        sc.Cert,
		Key:         sc.Key,
		KeyDir:      sc.KeyDir,
		AllowedSNI:  sc.AllowedSNI,
		IdleTimeout: time.Duration(sc.IdleTimeout) * time.Second,
	})

	var run func() error
	switch sc.Protocol {
	case protocolHTTP, protocolHTTPS:
		l, err := net.Listen("tcp", sc.Addr)
		if err != nil {
			return err
		}
		if sc.ProxyProtocol {
			l = server.WrapProxyProtocol(l)
		}
		if sc.Protocol == protocolHTTP {
			run = func() error { return s.ServeHTTP(l) }
		} else {
			run = func() error { return s.ServeHTTPS(l) }
		}
	case protocolH3:
		conn, err := net.ListenPacket("udp", sc.Addr)
		if err != nil {
			return err
		}
		ql, err := s.CreateQUICListener(conn, []string{http3.NextProtoH3})
		if err != nil {
			conn.Close()
			return err
		}
		run = func() error {
			defer conn.Close()
			return s.ServeH3(ql)
		}
	default:
		return fmt.Errorf("unknown protocol %s", sc.Protocol)
	}

	m.sc.Attach(func(done func(), closeSignal <-chan struct{}) {
		defer done()
		errChan := make(chan error, 1)
		go func() {
			lg.Info("server started", zap.String("worker", sc.Worker))
			errChan <- run()
		}()
		select {
		case err := <-errChan:
			m.sc.SendCloseSignal(fmt.Errorf("server %s exited, %w", sc.Addr, err))
		case <-closeSignal:
			s.Close()
			<-errChan
		}
	})
	return nil
}

func (m *Swcache) closeResources() {
	for _, c := range m.closers {
		if err := c.Close(); err != nil {
			m.logger.Warn("failed to close resource", zap.Error(err))
		}
	}
	m.closers = nil
}

func (m *Swcache) GetSafeClose() *safe_close.SafeClose {
	return m.sc
}

func (m *Swcache) GetMetricsReg() prometheus.Registerer {
	return prometheus.WrapRegistererWithPrefix("swcache_", m.metricsReg)
}

func (m *Swcache) GetHTTPAPIMux() *http.ServeMux {
	return m.httpAPIMux
}

func newMetricsReg() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	reg.MustRegister(collectors.NewGoCollector())
	return reg
}
