// Package config loads server configuration from a YAML file with
// environment variable overrides.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// envPrefix scopes the environment overrides. Nesting uses a double
// underscore: STREAMD_SERVER__LISTEN overrides server.listen.
const envPrefix = "STREAMD_"

// Config is the full server configuration.
type Config struct {
	Server  ServerConfig  `koanf:"server"`
	Store   StoreConfig   `koanf:"store"`
	Logging LoggingConfig `koanf:"logging"`
}

type ServerConfig struct {
	Listen          string        `koanf:"listen"`
	LongPollTimeout time.Duration `koanf:"long_poll_timeout"`
	MaxAppendBytes  int64         `koanf:"max_append_bytes"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
}

type StoreConfig struct {
	// Backend selects the storage engine: "file" or "memory".
	Backend string `koanf:"backend"`
	DataDir string `koanf:"data_dir"`
	// MetadataBackend selects the file store's KV engine: "bbolt" or "lmdb".
	MetadataBackend string        `koanf:"metadata_backend"`
	FilePoolSize    int           `koanf:"file_pool_size"`
	CleanupInterval time.Duration `koanf:"cleanup_interval"`
}

type LoggingConfig struct {
	// Level is a zap level name: debug, info, warn, error.
	Level string `koanf:"level"`
	// Development switches to zap's console encoder.
	Development bool `koanf:"development"`
}

// Default returns the configuration used when file and environment provide
// nothing.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Listen:          ":8080",
			LongPollTimeout: 30 * time.Second,
			MaxAppendBytes:  32 << 20,
			ShutdownTimeout: 10 * time.Second,
		},
		Store: StoreConfig{
			Backend:         "file",
			DataDir:         "./data",
			MetadataBackend: "bbolt",
			FilePoolSize:    100,
			CleanupInterval: time.Minute,
		},
		Logging: LoggingConfig{Level: "info"},
	}
}

// Load reads configuration in increasing priority: defaults, a .env file if
// present, the YAML file at path (skipped when path is empty or missing), and
// STREAMD_* environment variables.
func Load(path string) (Config, error) {
	_ = godotenv.Load()

	k := koanf.New(".")

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
				return Config{}, fmt.Errorf("load config file %s: %w", path, err)
			}
		} else if !os.IsNotExist(err) {
			return Config{}, fmt.Errorf("stat config file %s: %w", path, err)
		}
	}

	err := k.Load(env.Provider(envPrefix, ".", func(s string) string {
		s = strings.ToLower(strings.TrimPrefix(s, envPrefix))
		return strings.ReplaceAll(s, "__", ".")
	}), nil)
	if err != nil {
		return Config{}, fmt.Errorf("load env config: %w", err)
	}

	cfg := Default()
	if err := k.Unmarshal("", &cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	switch c.Store.Backend {
	case "file", "memory":
	default:
		return fmt.Errorf("unknown store backend %q", c.Store.Backend)
	}
	switch c.Store.MetadataBackend {
	case "bbolt", "lmdb":
	default:
		return fmt.Errorf("unknown metadata backend %q", c.Store.MetadataBackend)
	}
	if c.Server.LongPollTimeout <= 0 {
		return fmt.Errorf("server.long_poll_timeout must be positive")
	}
	if c.Server.MaxAppendBytes <= 0 {
		return fmt.Errorf("server.max_append_bytes must be positive")
	}
	return nil
}
