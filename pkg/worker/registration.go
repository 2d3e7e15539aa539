package worker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/pmkol/swcache/pkg/cache"
	"github.com/pmkol/swcache/pkg/fetcher"
)

type RegistrationOpts struct {
	// Tag names the registration in logs, metrics and the api.
	Tag string

	// Storage and Fetcher are shared by every worker version.
	Storage cache.Storage
	Fetcher fetcher.Fetcher

	Metrics *Metrics

	// Logger is the *zap.Logger for this Registration.
	// A nil Logger will disable logging.
	Logger *zap.Logger
}

func (opts *RegistrationOpts) Init() error {
	if opts.Storage == nil {
		return errors.New("nil storage")
	}
	if opts.Fetcher == nil {
		return errors.New("nil fetcher")
	}
	if opts.Logger == nil {
		opts.Logger = nopLogger
	}
	return nil
}

// Registration keeps the active worker of one application and replaces it
// when the config changes. A new version only takes over after its install
// succeeded, a failed install leaves the current worker in charge.
type Registration struct {
	opts   RegistrationOpts
	active atomic.Pointer[Worker]

	updateMu sync.Mutex
	sf       singleflight.Group
}

func NewRegistration(opts RegistrationOpts) (*Registration, error) {
	if err := opts.Init(); err != nil {
		return nil, err
	}
	return &Registration{opts: opts}, nil
}

func (r *Registration) Tag() string {
	return r.opts.Tag
}

// Active returns the active worker, nil before the first successful update.
func (r *Registration) Active() *Worker {
	return r.active.Load()
}

// Update installs a worker for cfg and activates it. It is a no-op if the
// active worker already runs an equal config. Concurrent calls with the
// same config share one attempt.
func (r *Registration) Update(ctx context.Context, cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid worker config, %w", err)
	}
	_, err, _ := r.sf.Do(cfg.fingerprint(), func() (interface{}, error) {
		return nil, r.update(ctx, cfg)
	})
	return err
}

func (r *Registration) update(ctx context.Context, cfg Config) error {
	r.updateMu.Lock()
	defer r.updateMu.Unlock()

	cur := r.active.Load()
	if cur != nil && cur.opts.Config.Equal(cfg) {
		return nil
	}

	w, err := New(Opts{
		Tag:     r.opts.Tag,
		Config:  cfg,
		Storage: r.opts.Storage,
		Fetcher: r.opts.Fetcher,
		Metrics: r.opts.Metrics,
		Logger:  r.opts.Logger,
	})
	if err != nil {
		return err
	}
	if err := w.Install(ctx); err != nil {
		if cur != nil {
			r.opts.Logger.Warn("update failed, keeping current worker",
				zap.String("worker", r.opts.Tag), zap.String("version", cur.Version()), zap.Error(err))
		}
		return err
	}

	// The new worker skips waiting: it replaces the current one right away
	// and only intercepts once activation has claimed.
	if old := r.active.Swap(w); old != nil {
		old.MarkRedundant()
	}
	if _, err := w.Activate(ctx); err != nil {
		r.opts.Logger.Warn("activation incomplete", zap.String("worker", r.opts.Tag), zap.Error(err))
		return fmt.Errorf("activate %s, %w", cfg.Version, err)
	}
	r.opts.Logger.Info("worker activated", zap.String("worker", r.opts.Tag), zap.String("version", cfg.Version))
	return nil
}

// Fetch routes req to the active worker, or to the network while there is
// none.
func (r *Registration) Fetch(req *http.Request) (*Result, error) {
	if w := r.active.Load(); w != nil {
		return w.Fetch(req)
	}
	resp, err := r.opts.Fetcher.Fetch(req.Context(), req)
	if err != nil {
		return nil, errors.Join(ErrNoResponse, err)
	}
	return &Result{Response: resp, Outcome: OutcomePassthrough}, nil
}

type Status struct {
	Tag     string         `json:"tag"`
	Version string         `json:"version,omitempty"`
	State   string         `json:"state"`
	Buckets []BucketStatus `json:"buckets"`
}

type BucketStatus struct {
	Name    string   `json:"name"`
	Entries []string `json:"entries"`
}

// Status describes the active worker and the content of the storage.
func (r *Registration) Status(ctx context.Context) (*Status, error) {
	st := &Status{Tag: r.opts.Tag, State: "none", Buckets: []BucketStatus{}}
	if w := r.active.Load(); w != nil {
		st.Version = w.Version()
		st.State = w.State().String()
	}
	names, err := r.opts.Storage.Keys(ctx)
	if err != nil {
		return nil, err
	}
	for _, name := range names {
		b, ok, err := r.opts.Storage.Lookup(ctx, name)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		keys, err := b.Keys(ctx)
		if err != nil {
			if errors.Is(err, cache.ErrBucketDeleted) {
				continue
			}
			return nil, err
		}
		if keys == nil {
			keys = []string{}
		}
		st.Buckets = append(st.Buckets, BucketStatus{Name: name, Entries: keys})
	}
	return st, nil
}
