// Package config loads the INI configuration file and resolves its
// search path ($JULEA_CONFIG, then XDG directories).
//
// Parsing itself is delegated to github.com/spf13/viper configured for
// the "ini" format; viper has no opinion on search-path precedence, so
// the XDG_CONFIG_HOME / XDG_CONFIG_DIRS walk is hand-written here.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// Component is the client|server tag a backend section's `component`
// key carries.
type Component string

const (
	ComponentClient Component = "client"
	ComponentServer Component = "server"
)

// BackendConfig is one of the [object]/[kv]/[db] sections: which
// driver to load, whether this process is the client or server side,
// and the storage path template.
type BackendConfig struct {
	Backend   string
	Component Component
	Path      string
}

// Expand substitutes "{PORT}" in Path with port, performed once at
// server start rather than per request.
func (b BackendConfig) Expand(port int) string {
	return strings.ReplaceAll(b.Path, "{PORT}", fmt.Sprintf("%d", port))
}

// Configuration is the immutable-after-construction configuration
// object, built as a plain value once at startup and passed by
// reference to whatever needs it.
type Configuration struct {
	MaxOperationSize uint64
	MaxConnections   int
	StripeSize       uint64

	ServersObject []string
	ServersKV     []string
	ServersDB     []string

	Object BackendConfig
	KV     BackendConfig
	DB     BackendConfig
}

const (
	defaultMaxOperationSize = 512 * 1024
	defaultMaxConnections   = 8
	defaultStripeSize       = 512 * 1024
)

type rawSection struct {
	MaxOperationSize uint64 `mapstructure:"max-operation-size"`
	MaxConnections   int    `mapstructure:"max-connections"`
	StripeSize       uint64 `mapstructure:"stripe-size"`
	Object           string `mapstructure:"object"`
	KV               string `mapstructure:"kv"`
	DB               string `mapstructure:"db"`
	Backend          string `mapstructure:"backend"`
	Component        string `mapstructure:"component"`
	Path             string `mapstructure:"path"`
}

type rawConfig struct {
	Core    rawSection `mapstructure:"core"`
	Clients rawSection `mapstructure:"clients"`
	Servers rawSection `mapstructure:"servers"`
	Object  rawSection `mapstructure:"object"`
	KV      rawSection `mapstructure:"kv"`
	DB      rawSection `mapstructure:"db"`
}

// Load parses the config file at path, which is used as-is: Load does
// no search of its own. Callers that need discovery pass the result of
// ResolvePath; callers that already know where their config lives
// (e.g. tests) pass it directly.
func Load(path string) (*Configuration, error) {
	v := viper.New()
	v.SetConfigType("ini")
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	var raw rawConfig
	if err := v.Unmarshal(&raw); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	cfg := &Configuration{
		MaxOperationSize: orDefault(raw.Core.MaxOperationSize, defaultMaxOperationSize),
		MaxConnections:   orDefaultInt(raw.Clients.MaxConnections, defaultMaxConnections),
		StripeSize:       orDefault(raw.Clients.StripeSize, defaultStripeSize),
		ServersObject:    splitServers(raw.Servers.Object),
		ServersKV:        splitServers(raw.Servers.KV),
		ServersDB:        splitServers(raw.Servers.DB),
		Object:           toBackendConfig(raw.Object),
		KV:               toBackendConfig(raw.KV),
		DB:               toBackendConfig(raw.DB),
	}
	return cfg, nil
}

func toBackendConfig(s rawSection) BackendConfig {
	return BackendConfig{
		Backend:   s.Backend,
		Component: Component(s.Component),
		Path:      s.Path,
	}
}

func splitServers(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func orDefault(v, def uint64) uint64 {
	if v == 0 {
		return def
	}
	return v
}

func orDefaultInt(v, def int) int {
	if v == 0 {
		return def
	}
	return v
}

// ResolvePath resolves the configuration file, in order:
//
//  1. $JULEA_CONFIG, taken as an absolute path, if set.
//  2. $XDG_CONFIG_HOME/julea/<name>, if that file exists.
//  3. Each directory in $XDG_CONFIG_DIRS/julea/<name>, in listed order.
//
// name defaults to "julea". $JULEA_CONFIG, when set, is returned
// without checking that the file exists; otherwise ResolvePath returns
// the first XDG candidate that exists on disk, or an error if none do.
func ResolvePath(name string) (string, error) {
	if name == "" {
		name = "julea"
	}

	if p := os.Getenv("JULEA_CONFIG"); p != "" {
		return p, nil
	}

	if home := os.Getenv("XDG_CONFIG_HOME"); home != "" {
		candidate := filepath.Join(home, "julea", name)
		if fileExists(candidate) {
			return candidate, nil
		}
	}

	if dirs := os.Getenv("XDG_CONFIG_DIRS"); dirs != "" {
		for _, dir := range strings.Split(dirs, ":") {
			if dir == "" {
				continue
			}
			candidate := filepath.Join(dir, "julea", name)
			if fileExists(candidate) {
				return candidate, nil
			}
		}
	}

	return "", fmt.Errorf("config: no configuration file found for %q ($JULEA_CONFIG unset, not found under $XDG_CONFIG_HOME or $XDG_CONFIG_DIRS)", name)
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
