// Package config loads the viewtail server configuration from defaults, an
// optional YAML file, and VIEWTAIL_* environment variables, in that order of
// precedence (later wins).
package config

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// Upstream holds the streaming-query source connection settings.
type Upstream struct {
	// WSURL is the websocket feed endpoint.
	WSURL string `koanf:"ws_url" validate:"required"`
	// HTTPURL is the base URL of the one-shot query API.
	HTTPURL string `koanf:"http_url" validate:"required"`
	// SyncPath is the path segment of the one-shot query API.
	SyncPath string `koanf:"sync_path"`
	// Token is an optional bearer token.
	Token string `koanf:"token"`
}

// Config is the full server configuration.
type Config struct {
	ListenAddr string `koanf:"listen_addr" validate:"required"`
	DataDir    string `koanf:"data_dir" validate:"required"`

	// SnapshotDeadline bounds the consolidator's snapshot phase when the
	// upstream is slow to emit a progress marker. Liveness mechanism, not a
	// correctness one.
	SnapshotDeadline time.Duration `koanf:"snapshot_deadline"`

	Upstream Upstream `koanf:"upstream"`

	// Collections maps logical collection names to physical upstream view
	// identifiers.
	Collections map[string]string `koanf:"collections" validate:"required,min=1"`

	// Activate lists the logical collections to consume on startup; empty
	// means all configured collections.
	Activate []string `koanf:"activate"`
}

func defaults() Config {
	return Config{
		ListenAddr:       ":6008",
		DataDir:          "./data",
		SnapshotDeadline: 30 * time.Second,
		Upstream: Upstream{
			SyncPath: "sync",
		},
	}
}

// Load reads the configuration. path may be empty to run on defaults plus
// environment.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(defaults(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", path, err)
		}
	}

	// VIEWTAIL_UPSTREAM__WS_URL → upstream.ws_url; double underscore nests.
	envProvider := env.Provider("VIEWTAIL_", ".", func(s string) string {
		return strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(s, "VIEWTAIL_")), "__", ".")
	})
	if err := k.Load(envProvider, nil); err != nil {
		return nil, fmt.Errorf("failed to load environment: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := validator.New().Struct(&cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	for _, name := range cfg.Activate {
		if _, ok := cfg.Collections[name]; !ok {
			return nil, fmt.Errorf("invalid config: activated collection %q is not configured", name)
		}
	}

	return &cfg, nil
}

// Activated returns the logical collections to consume, sorted.
func (c *Config) Activated() []string {
	names := c.Activate
	if len(names) == 0 {
		names = make([]string, 0, len(c.Collections))
		for name := range c.Collections {
			names = append(names, name)
		}
	}
	out := append([]string(nil), names...)
	sort.Strings(out)
	return out
}
