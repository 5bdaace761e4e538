// Package config loads server configuration: built-in defaults, then an
// optional YAML file, then IHUB_-prefixed environment variables, each layer
// overriding the one before.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// EnvPrefix namespaces environment overrides, e.g. IHUB_SERVER_ADDR.
const EnvPrefix = "IHUB_"

type ServerConfig struct {
	Addr     string        `koanf:"addr"`
	Shutdown time.Duration `koanf:"shutdown"`
}

type SessionConfig struct {
	TTL time.Duration `koanf:"ttl"`
}

type ValidationConfig struct {
	TTL time.Duration `koanf:"ttl"`
}

type ConfirmationConfig struct {
	TTL time.Duration `koanf:"ttl"`
}

type EventsConfig struct {
	Cap int `koanf:"cap"`
}

type LogConfig struct {
	Level  string `koanf:"level"`
	Pretty bool   `koanf:"pretty"`
}

type PolicyConfig struct {
	MaxRisk string   `koanf:"maxrisk"`
	Deny    []string `koanf:"deny"`
}

type Config struct {
	Server       ServerConfig       `koanf:"server"`
	Session      SessionConfig      `koanf:"session"`
	Validation   ValidationConfig   `koanf:"validation"`
	Confirmation ConfirmationConfig `koanf:"confirmation"`
	Events       EventsConfig       `koanf:"events"`
	Voices       []string           `koanf:"voices"`
	Log          LogConfig          `koanf:"log"`
	Policy       PolicyConfig       `koanf:"policy"`
}

// Default is the configuration the server runs with when nothing else is
// provided. The bind address is loopback-only on purpose.
func Default() Config {
	return Config{
		Server:       ServerConfig{Addr: "127.0.0.1:4850", Shutdown: 10 * time.Second},
		Session:      SessionConfig{TTL: time.Hour},
		Validation:   ValidationConfig{TTL: 5 * time.Minute},
		Confirmation: ConfirmationConfig{TTL: 2 * time.Minute},
		Events:       EventsConfig{Cap: 2000},
		Voices:       []string{"voiceA", "voiceB", "voiceC", "voiceD"},
		Log:          LogConfig{Level: "info"},
		Policy:       PolicyConfig{MaxRisk: "high"},
	}
}

// Load layers the optional YAML file at path and the environment over the
// defaults. An empty path skips the file layer.
func Load(path string) (Config, error) {
	cfg := Default()

	k := koanf.New(".")
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return cfg, fmt.Errorf("load config file %s: %w", path, err)
		}
	}
	if err := k.Load(env.Provider(EnvPrefix, ".", func(s string) string {
		return strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(s, EnvPrefix)), "_", ".")
	}), nil); err != nil {
		return cfg, fmt.Errorf("load environment: %w", err)
	}
	if err := k.Unmarshal("", &cfg); err != nil {
		return cfg, fmt.Errorf("unmarshal config: %w", err)
	}
	return cfg, nil
}
