package config

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Config represents the complete lfslock configuration
type Config struct {
	User     UserConfig     `mapstructure:"user" yaml:"user"`
	Locks    LocksConfig    `mapstructure:"locks" yaml:"locks"`
	AutoLock AutoLockConfig `mapstructure:"auto_lock" yaml:"auto_lock"`
	Poll     PollConfig     `mapstructure:"poll" yaml:"poll"`
	Timeouts TimeoutsConfig `mapstructure:"timeouts" yaml:"timeouts"`
	Modified ModifiedConfig `mapstructure:"modified" yaml:"modified"`
	Store    StoreConfig    `mapstructure:"store" yaml:"store"`
	Logging  LoggingConfig  `mapstructure:"logging" yaml:"logging"`
	Metrics  MetricsConfig  `mapstructure:"metrics" yaml:"metrics"`

	// ShutdownTimeoutMs bounds how long shutdown waits for the background
	// worker before abandoning it (default: 2000)
	ShutdownTimeoutMs int `mapstructure:"shutdown_timeout_ms" yaml:"shutdown_timeout_ms"`
}

// UserConfig identifies the local user
type UserConfig struct {
	// Name is the lock owner name the LFS server reports for this user.
	// Locks owned by anyone else are treated as remote.
	Name string `mapstructure:"name" yaml:"name"`
}

// LocksConfig controls remote lock enforcement
type LocksConfig struct {
	// PreventEditsOnRemoteLock holds an exclusive OS lock on every file
	// locked by another user so local writers cannot modify it (default: true)
	PreventEditsOnRemoteLock bool `mapstructure:"prevent_edits_on_remote_lock" yaml:"prevent_edits_on_remote_lock"`
}

// AutoLockConfig controls locking on save
type AutoLockConfig struct {
	// Enabled requests a lock when a matching file is saved (default: false)
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`
	// Patterns are glob patterns matched against the file name, or the
	// whole repository path when they contain a slash (default: ["*.unity"])
	Patterns []string `mapstructure:"patterns" yaml:"patterns"`
}

// PollConfig controls the background poller
type PollConfig struct {
	// IntervalMs is the delay between poll cycles (default: 2000)
	IntervalMs int `mapstructure:"interval_ms" yaml:"interval_ms"`
	// BusyBackoffMs is how long the poller sleeps while busy (default: 100)
	BusyBackoffMs int `mapstructure:"busy_backoff_ms" yaml:"busy_backoff_ms"`
}

// TimeoutsConfig holds per-command deadlines in milliseconds
type TimeoutsConfig struct {
	// StatusMs covers rev-parse, lfs locks, diff, ls-tree and branch (default: 5000)
	StatusMs int `mapstructure:"status_ms" yaml:"status_ms"`
	// UntrackedMs covers ls-files --others (default: 500)
	UntrackedMs int `mapstructure:"untracked_ms" yaml:"untracked_ms"`
	// TrackMs covers lfs track and version (default: 2000)
	TrackMs int `mapstructure:"track_ms" yaml:"track_ms"`
	// CheckoutMs covers checkout (default: 2000)
	CheckoutMs int `mapstructure:"checkout_ms" yaml:"checkout_ms"`
	// LockMs covers lfs lock and lfs unlock (default: 30000)
	LockMs int `mapstructure:"lock_ms" yaml:"lock_ms"`
}

// ModifiedConfig controls the modified path set
type ModifiedConfig struct {
	// AncestorFloor is the shallowest directory depth added for a modified
	// file; 1 means top-level directories are included (default: 1)
	AncestorFloor int `mapstructure:"ancestor_floor" yaml:"ancestor_floor"`
}

// StoreConfig selects where the lock cache is persisted
type StoreConfig struct {
	// Backend is "file", "redis" or "memory" (default: "file")
	Backend string `mapstructure:"backend" yaml:"backend"`
	// Dir is the file backend directory. Empty means "lfslock" inside the
	// repository's git directory. Supports ~ for home directory expansion.
	Dir string `mapstructure:"dir" yaml:"dir"`
	// RedisAddr is the redis backend address (default: "localhost:6379")
	RedisAddr string `mapstructure:"redis_addr" yaml:"redis_addr"`
	// RedisDB is the redis database number (default: 0)
	RedisDB int `mapstructure:"redis_db" yaml:"redis_db"`
}

// LoggingConfig controls logging
type LoggingConfig struct {
	// Level is the log level: "debug", "info", "warn", "error" (default: "info")
	Level string `mapstructure:"level" yaml:"level"`
	// Dir is where lfslock.log is written. Empty logs to stderr.
	Dir string `mapstructure:"dir" yaml:"dir"`
}

// MetricsConfig controls the Prometheus endpoint
type MetricsConfig struct {
	// Addr is the listen address for /metrics, e.g. ":9464". Empty disables it.
	Addr string `mapstructure:"addr" yaml:"addr"`
}

// Default returns a Config with sensible default values
func Default() *Config {
	return &Config{
		User: UserConfig{
			Name: "",
		},
		Locks: LocksConfig{
			PreventEditsOnRemoteLock: true,
		},
		AutoLock: AutoLockConfig{
			Enabled:  false,
			Patterns: []string{"*.unity"},
		},
		Poll: PollConfig{
			IntervalMs:    2000,
			BusyBackoffMs: 100,
		},
		Timeouts: TimeoutsConfig{
			StatusMs:    5000,
			UntrackedMs: 500,
			TrackMs:     2000,
			CheckoutMs:  2000,
			LockMs:      30000,
		},
		Modified: ModifiedConfig{
			AncestorFloor: 1,
		},
		Store: StoreConfig{
			Backend:   "file",
			Dir:       "", // Empty means <git-dir>/lfslock
			RedisAddr: "localhost:6379",
			RedisDB:   0,
		},
		Logging: LoggingConfig{
			Level: "info",
			Dir:   "",
		},
		Metrics: MetricsConfig{
			Addr: "",
		},
		ShutdownTimeoutMs: 2000,
	}
}

func ms(n int) time.Duration {
	return time.Duration(n) * time.Millisecond
}

// Interval returns the poll interval as a time.Duration
func (c *PollConfig) Interval() time.Duration {
	return ms(c.IntervalMs)
}

// BusyBackoff returns the busy backoff as a time.Duration
func (c *PollConfig) BusyBackoff() time.Duration {
	return ms(c.BusyBackoffMs)
}

// ShutdownTimeout returns the shutdown timeout as a time.Duration
func (c *Config) ShutdownTimeout() time.Duration {
	return ms(c.ShutdownTimeoutMs)
}

// Status returns the status command timeout.
func (c *TimeoutsConfig) Status() time.Duration { return ms(c.StatusMs) }

// Untracked returns the untracked listing timeout.
func (c *TimeoutsConfig) Untracked() time.Duration { return ms(c.UntrackedMs) }

// Track returns the lfs track timeout.
func (c *TimeoutsConfig) Track() time.Duration { return ms(c.TrackMs) }

// Checkout returns the checkout timeout.
func (c *TimeoutsConfig) Checkout() time.Duration { return ms(c.CheckoutMs) }

// Lock returns the lock and unlock timeout.
func (c *TimeoutsConfig) Lock() time.Duration { return ms(c.LockMs) }

// ResolveDir returns the file backend directory.
// If Dir is empty, it returns "lfslock" inside gitDir.
// If Dir starts with ~, it expands to the user's home directory.
// If Dir is a relative path, it's resolved relative to baseDir.
func (s *StoreConfig) ResolveDir(gitDir, baseDir string) string {
	if s.Dir == "" {
		return filepath.Join(gitDir, "lfslock")
	}

	path := s.Dir

	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err == nil {
			path = filepath.Join(home, path[2:])
		}
	} else if path == "~" {
		home, err := os.UserHomeDir()
		if err == nil {
			path = home
		}
	}

	if !filepath.IsAbs(path) {
		path = filepath.Join(baseDir, path)
	}

	return path
}

// SetDefaults registers default values with viper
func SetDefaults() {
	defaults := Default()

	viper.SetDefault("user.name", defaults.User.Name)

	viper.SetDefault("locks.prevent_edits_on_remote_lock", defaults.Locks.PreventEditsOnRemoteLock)

	viper.SetDefault("auto_lock.enabled", defaults.AutoLock.Enabled)
	viper.SetDefault("auto_lock.patterns", defaults.AutoLock.Patterns)

	viper.SetDefault("poll.interval_ms", defaults.Poll.IntervalMs)
	viper.SetDefault("poll.busy_backoff_ms", defaults.Poll.BusyBackoffMs)

	viper.SetDefault("timeouts.status_ms", defaults.Timeouts.StatusMs)
	viper.SetDefault("timeouts.untracked_ms", defaults.Timeouts.UntrackedMs)
	viper.SetDefault("timeouts.track_ms", defaults.Timeouts.TrackMs)
	viper.SetDefault("timeouts.checkout_ms", defaults.Timeouts.CheckoutMs)
	viper.SetDefault("timeouts.lock_ms", defaults.Timeouts.LockMs)

	viper.SetDefault("modified.ancestor_floor", defaults.Modified.AncestorFloor)

	viper.SetDefault("store.backend", defaults.Store.Backend)
	viper.SetDefault("store.dir", defaults.Store.Dir)
	viper.SetDefault("store.redis_addr", defaults.Store.RedisAddr)
	viper.SetDefault("store.redis_db", defaults.Store.RedisDB)

	viper.SetDefault("logging.level", defaults.Logging.Level)
	viper.SetDefault("logging.dir", defaults.Logging.Dir)

	viper.SetDefault("metrics.addr", defaults.Metrics.Addr)

	viper.SetDefault("shutdown_timeout_ms", defaults.ShutdownTimeoutMs)
}

// Load reads the configuration from viper into a Config struct and validates it
func Load() (*Config, error) {
	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	if errs := cfg.Validate(); len(errs) > 0 {
		return nil, ValidationErrors(errs)
	}

	return &cfg, nil
}

// Get returns the current configuration (convenience function)
func Get() *Config {
	cfg, err := Load()
	if err != nil {
		return Default()
	}
	return cfg
}

// YAML renders the configuration as a commented YAML document.
func (c *Config) YAML() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteString("# lfslock configuration\n")
	buf.WriteString("# Environment variables override these values: LFSLOCK_<SECTION>_<KEY>\n\n")

	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(c); err != nil {
		return nil, err
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// ConfigDir returns the path to the user's config directory
func ConfigDir() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "lfslock")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".lfslock"
	}
	return filepath.Join(home, ".config", "lfslock")
}

// ConfigFile returns the path to the config file
func ConfigFile() string {
	return filepath.Join(ConfigDir(), "config.yaml")
}

// ValidStoreBackends returns the list of valid store backends
func ValidStoreBackends() []string {
	return []string{"file", "redis", "memory"}
}
