// internal/config/loader.go
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Environment variables consulted by Load.
const (
	EnvConfigPath = "AGENTQ_CONFIG"
	EnvToken      = "AGENTQ_TOKEN"
)

// DefaultPath returns the config file location: $AGENTQ_CONFIG, or
// agentq/config.yaml under the user config directory.
func DefaultPath() string {
	if p := os.Getenv(EnvConfigPath); p != "" {
		return p
	}
	dir, err := os.UserConfigDir()
	if err != nil {
		return "config.yaml"
	}
	return filepath.Join(dir, "agentq", "config.yaml")
}

// DataDir returns the directory that holds the cache and catalog databases.
func DataDir() string {
	if dir, err := os.UserCacheDir(); err == nil {
		return filepath.Join(dir, "agentq")
	}
	return ".agentq"
}

// LoadGlobal loads the global configuration from a YAML file
func LoadGlobal(path string) (*Global, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	var cfg Global
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	applyGlobalDefaults(&cfg)
	applyEnv(&cfg)
	return &cfg, nil
}

// Default returns the configuration used when no file exists.
func Default() *Global {
	var cfg Global
	applyGlobalDefaults(&cfg)
	applyEnv(&cfg)
	return &cfg
}

// Marshal renders cfg as YAML.
func Marshal(cfg *Global) ([]byte, error) {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("encoding config: %w", err)
	}
	return data, nil
}

var hhmm = regexp.MustCompile(`^([01][0-9]|2[0-3]):[0-5][0-9]$`)
var every = regexp.MustCompile(`^[1-9][0-9]*[mh]$`)

// Validate reports the first configuration error.
func Validate(cfg *Global) error {
	if cfg.API.BaseURL == "" {
		return errors.New("api.base_url is required")
	}
	u, err := url.Parse(cfg.API.BaseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("api.base_url %q must be an http(s) URL", cfg.API.BaseURL)
	}
	if cfg.Server.ListenPort < 0 || cfg.Server.ListenPort > 65535 {
		return fmt.Errorf("server.listen_port %d out of range", cfg.Server.ListenPort)
	}

	schedules := map[string]Schedule{
		"categories":  cfg.Refresh.Categories,
		"tools":       cfg.Refresh.Tools,
		"marketplace": cfg.Refresh.Marketplace,
		"endpoints":   cfg.Refresh.Endpoints,
		"cleanup":     cfg.Refresh.Cleanup,
	}
	for name, s := range schedules {
		if s.RunAt != "" && !hhmm.MatchString(s.RunAt) {
			return fmt.Errorf("refresh.%s.run_at %q must be HH:MM", name, s.RunAt)
		}
		if s.RunEvery != "" && !every.MatchString(s.RunEvery) {
			return fmt.Errorf("refresh.%s.run_every %q must look like 30m or 6h", name, s.RunEvery)
		}
	}
	return nil
}

// Timeout returns the API request timeout.
func (c APIConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// VisibilityWindow returns how long a watched conversation keeps polling
// after its status was last asked for.
func (c WatchConfig) VisibilityWindow() time.Duration {
	return time.Duration(c.VisibilityWindowSeconds) * time.Second
}

// CacheEnabled reports whether query results are persisted.
func (c CacheConfig) CacheEnabled() bool {
	return c.Enabled == nil || *c.Enabled
}

// Prefetch reports whether refresh jobs run once at startup.
func (c RefreshConfig) Prefetch() bool {
	return c.PrefetchOnStart == nil || *c.PrefetchOnStart
}

// Seconds converts a stale time in seconds, keeping negative values as
// "never stale".
func Seconds(n int) time.Duration {
	if n < 0 {
		return -1
	}
	return time.Duration(n) * time.Second
}

func applyGlobalDefaults(cfg *Global) {
	if cfg.API.BaseURL == "" {
		cfg.API.BaseURL = "http://localhost:3080"
	}
	if cfg.API.TimeoutSeconds <= 0 {
		cfg.API.TimeoutSeconds = 30
	}
	if cfg.Cache.Path == "" {
		cfg.Cache.Path = filepath.Join(DataDir(), "cache.db")
	}
	if cfg.Cache.RetentionDays <= 0 {
		cfg.Cache.RetentionDays = 30
	}
	// Catalog: only set default path if enabled and path not set
	if cfg.Catalog.Enabled && cfg.Catalog.Path == "" {
		cfg.Catalog.Path = filepath.Join(DataDir(), "catalog.db")
	}
	if cfg.Queries.CategoriesStaleSeconds == 0 {
		cfg.Queries.CategoriesStaleSeconds = 3600
	}
	if cfg.Queries.MarketplacePageSize <= 0 {
		cfg.Queries.MarketplacePageSize = 25
	}
	if isZero(cfg.Refresh.Categories) {
		cfg.Refresh.Categories = Schedule{RunEvery: "1h"}
	}
	if isZero(cfg.Refresh.Tools) {
		cfg.Refresh.Tools = Schedule{RunEvery: "6h"}
	}
	if isZero(cfg.Refresh.Marketplace) {
		cfg.Refresh.Marketplace = Schedule{RunEvery: "30m"}
	}
	if isZero(cfg.Refresh.Endpoints) {
		cfg.Refresh.Endpoints = Schedule{RunEvery: "15m"}
	}
	if isZero(cfg.Refresh.Cleanup) {
		cfg.Refresh.Cleanup = Schedule{RunAt: "03:00"}
	}
	if cfg.Watch.VisibilityWindowSeconds <= 0 {
		cfg.Watch.VisibilityWindowSeconds = 60
	}
	if cfg.Server.ListenAddress == "" {
		cfg.Server.ListenAddress = "127.0.0.1"
	}
	if cfg.Server.ListenPort == 0 {
		cfg.Server.ListenPort = 9877
	}
	if cfg.Server.RateLimitPerMinute <= 0 {
		cfg.Server.RateLimitPerMinute = 120
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.MaxSizeMB <= 0 {
		cfg.Logging.MaxSizeMB = 10
	}
}

// applyEnv resolves the token: api.token, then token_env_var, then
// AGENTQ_TOKEN.
func applyEnv(cfg *Global) {
	if cfg.API.Token != "" {
		return
	}
	if cfg.API.TokenEnvVar != "" {
		if v := os.Getenv(cfg.API.TokenEnvVar); v != "" {
			cfg.API.Token = v
			return
		}
	}
	cfg.API.Token = os.Getenv(EnvToken)
}

func isZero(s Schedule) bool {
	return s == Schedule{}
}
