// internal/config/types.go
package config

// Global configuration loaded from config.yaml
type Global struct {
	API     APIConfig     `yaml:"api"`
	Cache   CacheConfig   `yaml:"cache"`
	Catalog CatalogConfig `yaml:"catalog"`
	Queries QueryConfig   `yaml:"queries"`
	Refresh RefreshConfig `yaml:"refresh"`
	Watch   WatchConfig   `yaml:"watch"`
	Server  ServerConfig  `yaml:"server"`
	Logging LoggingConfig `yaml:"logging"`
}

type APIConfig struct {
	BaseURL        string `yaml:"base_url"`
	Token          string `yaml:"token"`
	TokenEnvVar    string `yaml:"token_env_var"` // read when token is empty
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

type CacheConfig struct {
	Enabled       *bool  `yaml:"enabled"` // nil = enabled
	Path          string `yaml:"path"`
	RetentionDays int    `yaml:"retention_days"`
}

type CatalogConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// QueryConfig holds stale times, in seconds, for the cached agent queries.
type QueryConfig struct {
	AgentsStaleSeconds     int `yaml:"agents_stale_seconds"`
	ToolsStaleSeconds      int `yaml:"tools_stale_seconds"`
	CategoriesStaleSeconds int `yaml:"categories_stale_seconds"`
	MarketplacePageSize    int `yaml:"marketplace_page_size"`
}

type RefreshConfig struct {
	Categories  Schedule `yaml:"categories"`
	Tools       Schedule `yaml:"tools"`
	Marketplace Schedule `yaml:"marketplace"`
	Endpoints   Schedule `yaml:"endpoints"`
	Cleanup     Schedule `yaml:"cleanup"`
	// PrefetchOnStart runs every job once at startup.
	PrefetchOnStart *bool `yaml:"prefetch_on_start"`
}

// Schedule is a cron expression or one of the short forms run_every ("30m",
// "6h") and run_at ("HH:MM").
type Schedule struct {
	CronExpression string `yaml:"cron_expression"`
	RunEvery       string `yaml:"run_every"`
	RunAt          string `yaml:"run_at"`
	Disabled       bool   `yaml:"disabled"`
}

type WatchConfig struct {
	Conversations           []string `yaml:"conversations"`
	VisibilityWindowSeconds int      `yaml:"visibility_window_seconds"`
}

type ServerConfig struct {
	ListenAddress      string `yaml:"listen_address"`
	ListenPort         int    `yaml:"listen_port"`
	RateLimitPerMinute int    `yaml:"rate_limit_per_minute"`
}

type LoggingConfig struct {
	Format    string `yaml:"format"`
	Level     string `yaml:"level"`
	File      string `yaml:"file"`
	MaxSizeMB int    `yaml:"max_size_mb"`
}
