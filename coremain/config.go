package coremain

import (
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/pmkol/swcache/mlog"
	"github.com/pmkol/swcache/pkg/worker"
)

// Config is the root of a swcache config file.
type Config struct {
	Log     mlog.LogConfig `yaml:"log"`
	Include []string       `yaml:"include,omitempty"`
	API     APIConfig      `yaml:"api"`
	Storage StorageConfig  `yaml:"storage"`
	Workers []WorkerConfig `yaml:"workers"`
	Servers []ServerConfig `yaml:"servers"`
}

type APIConfig struct {
	// HTTP is the listen address of the api server, e.g. 127.0.0.1:8080.
	// Empty disables the api.
	HTTP string `yaml:"http"`
}

const (
	storageMem    = "mem"
	storageRedis  = "redis"
	storageSQLite = "sqlite"
)

type StorageConfig struct {
	// Type is one of mem, redis, sqlite. Default is mem.
	Type string `yaml:"type"`

	// Size is the maximum entries per bucket of the mem storage.
	// 0 means unbounded.
	Size int `yaml:"size,omitempty"`

	// Redis is a redis url, e.g. redis://127.0.0.1:6379/0.
	Redis string `yaml:"redis,omitempty"`

	// RedisTimeout is the redis operation timeout in milliseconds.
	RedisTimeout int `yaml:"redis_timeout,omitempty"`

	// Prefix is prepended to every redis key.
	Prefix string `yaml:"prefix,omitempty"`

	// Path is the sqlite database file.
	Path string `yaml:"path,omitempty"`
}

type WorkerConfig struct {
	// Tag identifies the worker, its storage scope and its api path.
	Tag string `yaml:"tag"`

	// Preset is a bundled policy, "todo" or "valentine". Fields below
	// override the preset.
	Preset string `yaml:"preset,omitempty"`

	Version      string   `yaml:"version,omitempty"`
	Shell        []string `yaml:"shell,omitempty"`
	NetworkFirst []string `yaml:"network_first,omitempty"`

	// Origin is the base url of the application.
	Origin string `yaml:"origin"`

	// H3 fetches from an https origin over HTTP/3.
	H3 bool `yaml:"h3,omitempty"`

	// InsecureSkipVerify disables certificate checks of the origin.
	InsecureSkipVerify bool `yaml:"insecure_skip_verify,omitempty"`

	// InstallTimeout limits one install, in seconds. Default is 30.
	InstallTimeout int `yaml:"install_timeout,omitempty"`
}

const defaultInstallTimeout = 30 * time.Second

func (wc *WorkerConfig) installTimeout() time.Duration {
	if wc.InstallTimeout > 0 {
		return time.Duration(wc.InstallTimeout) * time.Second
	}
	return defaultInstallTimeout
}

// WorkerConfig returns the policy of the worker, the preset with the
// overrides applied.
func (wc *WorkerConfig) WorkerConfig() (worker.Config, error) {
	var cfg worker.Config
	if len(wc.Preset) > 0 {
		p, ok := worker.Preset(wc.Preset)
		if !ok {
			return worker.Config{}, fmt.Errorf("unknown preset %s, available presets are %v", wc.Preset, worker.PresetNames())
		}
		cfg = p
	} else {
		cfg.Shell = append([]string(nil), worker.DefaultShell...)
	}
	if len(wc.Version) > 0 {
		cfg.Version = wc.Version
	}
	if len(wc.Shell) > 0 {
		cfg.Shell = append([]string(nil), wc.Shell...)
	}
	if wc.NetworkFirst != nil {
		cfg.NetworkFirstPrefixes = append([]string(nil), wc.NetworkFirst...)
	}
	if err := cfg.Validate(); err != nil {
		return worker.Config{}, err
	}
	return cfg, nil
}

func (wc *WorkerConfig) originURL() (*url.URL, error) {
	if len(wc.Origin) == 0 {
		return nil, errors.New("missing origin")
	}
	u, err := url.Parse(wc.Origin)
	if err != nil {
		return nil, fmt.Errorf("invalid origin, %w", err)
	}
	if wc.H3 && u.Scheme != "https" {
		return nil, errors.New("h3 requires an https origin")
	}
	return u, nil
}

const (
	protocolHTTP  = "http"
	protocolHTTPS = "https"
	protocolH3    = "h3"
)

type ServerConfig struct {
	// Protocol is one of http (with h2c), https, h3.
	Protocol string `yaml:"protocol"`
	Addr     string `yaml:"addr"`

	// Worker is the tag of the worker that answers this server.
	Worker string `yaml:"worker"`

	Cert       string `yaml:"cert,omitempty"`
	Key        string `yaml:"key,omitempty"`
	KeyDir     string `yaml:"key_dir,omitempty"`
	AllowedSNI string `yaml:"allowed_sni,omitempty"`

	// ProxyProtocol accepts PROXY protocol headers on tcp listeners.
	ProxyProtocol bool `yaml:"proxy_protocol,omitempty"`

	// IdleTimeout in seconds.
	IdleTimeout int `yaml:"idle_timeout,omitempty"`

	HealthPath  string `yaml:"health_path,omitempty"`
	SrcIPHeader string `yaml:"src_ip_header,omitempty"`
}

// validate checks references between sections. Per worker settings are
// checked when the worker is built.
func (c *Config) validate() error {
	if len(c.Workers) == 0 {
		return errors.New("no worker is configured")
	}
	tags := make(map[string]struct{}, len(c.Workers))
	for i, wc := range c.Workers {
		if len(wc.Tag) == 0 {
			return fmt.Errorf("worker #%d has no tag", i)
		}
		if _, dup := tags[wc.Tag]; dup {
			return fmt.Errorf("duplicated worker tag %s", wc.Tag)
		}
		tags[wc.Tag] = struct{}{}
	}

	switch c.Storage.Type {
	case "", storageMem:
	case storageRedis:
		if len(c.Storage.Redis) == 0 {
			return errors.New("redis storage requires a redis url")
		}
	case storageSQLite:
		if len(c.Storage.Path) == 0 {
			return errors.New("sqlite storage requires a path")
		}
	default:
		return fmt.Errorf("unknown storage type %s", c.Storage.Type)
	}

	if len(c.Servers) == 0 {
		return errors.New("no server is configured")
	}
	for i, sc := range c.Servers {
		if _, ok := tags[sc.Worker]; !ok {
			return fmt.Errorf("server #%d refers to unknown worker %q", i, sc.Worker)
		}
		if len(sc.Addr) == 0 {
			return fmt.Errorf("server #%d has no addr", i)
		}
		switch sc.Protocol {
		case protocolHTTP:
		case protocolHTTPS, protocolH3:
			if len(sc.Cert) == 0 || len(sc.Key) == 0 {
				return fmt.Errorf("server #%d, %s requires cert and key", i, sc.Protocol)
			}
		default:
			return fmt.Errorf("server #%d has unknown protocol %q", i, sc.Protocol)
		}
	}
	return nil
}

// defaultConfig is printed by the config command.
func defaultConfig() *Config {
	return &Config{
		Log: mlog.LogConfig{Level: "info"},
		API: APIConfig{HTTP: "127.0.0.1:8080"},
		Storage: StorageConfig{
			Type: storageMem,
		},
		Workers: []WorkerConfig{
			{Tag: "todo", Preset: "todo", Origin: "http://127.0.0.1:5000"},
			{Tag: "valentine", Preset: "valentine", Origin: "http://127.0.0.1:5001"},
		},
		Servers: []ServerConfig{
			{Protocol: protocolHTTP, Addr: "127.0.0.1:8000", Worker: "todo"},
			{Protocol: protocolHTTP, Addr: "127.0.0.1:8001", Worker: "valentine"},
		},
	}
}
