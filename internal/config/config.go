// Package config handles presence-cli configuration loading.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/nugget/presence-client/presence"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/presence-cli/config.yaml, /config/config.yaml,
// /etc/presence-cli/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "presence-cli", "config.yaml"))
	}

	paths = append(paths, "/config/config.yaml") // Container convention
	paths = append(paths, "/etc/presence-cli/config.yaml")
	return paths
}

// searchPathsFunc is a var (not a direct call to DefaultSearchPaths) so
// tests can swap in a temp-dir search list without touching the real
// filesystem's default locations.
var searchPathsFunc = DefaultSearchPaths

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches searchPathsFunc() and returns the first that exists.
// Returns the path found, or an error if nothing was found.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	paths := searchPathsFunc()
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", paths)
}

// Config holds all presence-cli configuration.
type Config struct {
	Server       ServerConfig       `yaml:"server"`
	Auth         AuthConfig         `yaml:"auth"`
	Reachability ReachabilityConfig `yaml:"reachability"`
	LogLevel     string             `yaml:"log_level"`
}

// ServerConfig defines the presence server endpoint and queue/timeout
// bounds, mirroring presence.Options.
type ServerConfig struct {
	URL                        string        `yaml:"url"`
	PublicKey                  string        `yaml:"public_key"`
	UID                        string        `yaml:"uid"`
	Throttle                   time.Duration `yaml:"throttle"`
	LostConnectionTimeout      time.Duration `yaml:"lost_connection_timeout"`
	BackgroundKeepAliveTimeout time.Duration `yaml:"background_keep_alive_timeout"`
}

// AuthConfig names where the CLI's AuthenticateFunc reads its
// credential from. Exactly one of TokenFile or Token should be set;
// Token takes precedence when both are present.
type AuthConfig struct {
	Token     string `yaml:"token"`
	TokenFile string `yaml:"token_file"`
}

// ReachabilityConfig configures presence.ReachabilityHostSignals for
// callers with no browser online/offline events to listen to.
type ReachabilityConfig struct {
	Enabled  bool   `yaml:"enabled"`
	ProbeURL string `yaml:"probe_url"`
}

// Load reads configuration from a YAML file, expands environment
// variables, applies defaults (see applyDefaults), and validates the
// result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables (e.g., ${HOME}, ${PRESENCE_TOKEN}).
	// This is a convenience for container deployments; the recommended
	// approach is to put values directly in the config file.
	expanded := os.ExpandEnv(string(data))

	cfg := &Config{}
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return cfg, nil
}

// applyDefaults fills in Server.Throttle, Server.LostConnectionTimeout
// and Reachability.ProbeURL when they are unset. Called automatically by
// Load. Other fields (for example Server.UID, Server.PublicKey and
// Server.BackgroundKeepAliveTimeout) keep their zero values.
func (c *Config) applyDefaults() {
	if c.Server.Throttle == 0 {
		c.Server.Throttle = 100 * time.Millisecond
	}
	if c.Server.LostConnectionTimeout == 0 {
		c.Server.LostConnectionTimeout = 5000 * time.Millisecond
	}
	if c.Reachability.ProbeURL == "" {
		c.Reachability.ProbeURL = "https://connectivitycheck.gstatic.com/generate_204"
	}
}

// Validate checks that the configuration is internally consistent.
// It runs after applyDefaults, so it can assume defaults are populated.
// Returns an error describing the first problem found, or nil.
//
// Bound checking for Throttle/LostConnectionTimeout/
// BackgroundKeepAliveTimeout is deliberately left to
// presence.Options.Validate, which Config.ToOptions feeds into — this
// avoids duplicating (and risking drift from) the same bounds in two
// places.
func (c *Config) Validate() error {
	if c.Server.URL == "" {
		return fmt.Errorf("server.url is required")
	}
	if c.Auth.Token == "" && c.Auth.TokenFile == "" {
		return fmt.Errorf("auth.token or auth.token_file is required")
	}
	if c.LogLevel != "" {
		if _, err := ParseLogLevel(c.LogLevel); err != nil {
			return err
		}
	}
	return nil
}

// ToOptions builds a presence.Options from the server section. logger
// is attached directly; bound validation happens in
// presence.Options.Validate, called from presence.NewClient.
func (c *Config) ToOptions(logger *slog.Logger) presence.Options {
	return presence.Options{
		URL:                        c.Server.URL,
		PublicKey:                  c.Server.PublicKey,
		UID:                        c.Server.UID,
		Throttle:                   c.Server.Throttle,
		LostConnectionTimeout:      c.Server.LostConnectionTimeout,
		BackgroundKeepAliveTimeout: c.Server.BackgroundKeepAliveTimeout,
		Logger:                     logger,
	}
}

// AuthToken resolves the configured credential: Auth.Token verbatim if
// set, otherwise the trimmed contents of Auth.TokenFile.
func (c *Config) AuthToken() (string, error) {
	if c.Auth.Token != "" {
		return c.Auth.Token, nil
	}
	data, err := os.ReadFile(c.Auth.TokenFile)
	if err != nil {
		return "", fmt.Errorf("reading auth.token_file: %w", err)
	}
	return strings.TrimSpace(string(data)), nil
}
