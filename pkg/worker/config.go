package worker

import (
	"errors"
	"fmt"
	"slices"
	"strings"
)

// DefaultShell is the offline shell of both bundled applications.
var DefaultShell = []string{
	"/",
	"/static/manifest.json",
	"/static/icon-192.png",
	"/static/icon-512.png",
}

// Config is everything that identifies one worker version. Version names
// the cache bucket and must change whenever Shell or the prefixes change,
// otherwise the old bucket is kept.
type Config struct {
	Version string

	// Shell is fetched and cached as a whole at install.
	Shell []string

	// NetworkFirstPrefixes selects the network-first strategy for GETs
	// whose path starts with one of them. Every other GET is cache-first.
	NetworkFirstPrefixes []string
}

var presets = map[string]Config{
	"todo": {
		Version:              "todo-v4",
		Shell:                DefaultShell,
		NetworkFirstPrefixes: []string{"/api/"},
	},
	"valentine": {
		Version: "valentine-v2",
		Shell:   DefaultShell,
	},
}

// Preset returns a copy of a bundled variant: "todo" or "valentine".
func Preset(name string) (Config, bool) {
	c, ok := presets[name]
	if !ok {
		return Config{}, false
	}
	return c.Clone(), true
}

func PresetNames() []string {
	names := make([]string, 0, len(presets))
	for n := range presets {
		names = append(names, n)
	}
	slices.Sort(names)
	return names
}

func (c Config) Clone() Config {
	return Config{
		Version:              c.Version,
		Shell:                slices.Clone(c.Shell),
		NetworkFirstPrefixes: slices.Clone(c.NetworkFirstPrefixes),
	}
}

func (c Config) Equal(o Config) bool {
	return c.Version == o.Version &&
		slices.Equal(c.Shell, o.Shell) &&
		slices.Equal(c.NetworkFirstPrefixes, o.NetworkFirstPrefixes)
}

func (c Config) Validate() error {
	if len(strings.TrimSpace(c.Version)) == 0 {
		return errors.New("empty version")
	}
	seen := make(map[string]struct{}, len(c.Shell))
	for _, u := range c.Shell {
		if !strings.HasPrefix(u, "/") {
			return fmt.Errorf("shell url %q is not an absolute path", u)
		}
		if _, dup := seen[u]; dup {
			return fmt.Errorf("duplicated shell url %q", u)
		}
		seen[u] = struct{}{}
	}
	for _, p := range c.NetworkFirstPrefixes {
		if !strings.HasPrefix(p, "/") {
			return fmt.Errorf("prefix %q is not an absolute path", p)
		}
	}
	return nil
}

func (c Config) networkFirst(path string) bool {
	for _, p := range c.NetworkFirstPrefixes {
		if strings.HasPrefix(path, p) {
			return true
		}
	}
	return false
}

// fingerprint identifies c for singleflight.
func (c Config) fingerprint() string {
	return c.Version + "\x00" + strings.Join(c.Shell, "\x01") + "\x00" + strings.Join(c.NetworkFirstPrefixes, "\x01")
}
