package config

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/scrawlhq/scrawl/internal/store"
)

// Config is the top-level TOML structure for a scrawl data directory.
//
// Plugin settings live in the flattened key space passed to hooks as
// environment variables: WGET_TIMEOUT=120, CHROME_ENABLED=false, etc.
// Anything under [extra] is passed through verbatim.
type Config struct {
	DataDir        string   `toml:"data_dir" mapstructure:"data_dir"`
	LibBinDir      string   `toml:"lib_bin_dir" mapstructure:"lib_bin_dir"`
	PluginsDir     string   `toml:"plugins_dir" mapstructure:"plugins_dir"`
	UserPluginsDir string   `toml:"user_plugins_dir" mapstructure:"user_plugins_dir"`
	Plugins        []string `toml:"plugins" mapstructure:"plugins"` // whitelist; empty = all
	TimeoutSec     int      `toml:"timeout" mapstructure:"timeout"`
	MaxURLAttempts int      `toml:"max_url_attempts" mapstructure:"max_url_attempts"`

	Env      []string `toml:"env" mapstructure:"env"`
	EnvFiles []string `toml:"env_files" mapstructure:"env_files"`
	UseOSEnv bool     `toml:"use_os_env" mapstructure:"use_os_env"`

	Store store.Config `toml:"store" mapstructure:"store"`
	Log   *LogConfig   `toml:"log" mapstructure:"log"`

	Orchestrator OrchestratorConfig `toml:"orchestrator" mapstructure:"orchestrator"`

	History *HistoryConfig `toml:"history" mapstructure:"history"`

	Extra map[string]string `toml:"extra" mapstructure:"extra"`

	// Path is the file this config was loaded from, passed to spawned
	// worker subprocesses. Empty for built-in defaults.
	Path string `toml:"-" mapstructure:"-"`
}

type LogConfig struct {
	Dir        string `toml:"dir" mapstructure:"dir"`
	MaxSizeMB  int    `toml:"max_size_mb" mapstructure:"max_size_mb"`
	MaxBackups int    `toml:"max_backups" mapstructure:"max_backups"`
	MaxAgeDays int    `toml:"max_age_days" mapstructure:"max_age_days"`
	Compress   bool   `toml:"compress" mapstructure:"compress"`
}

// HistoryConfig points transition events at an external analytics sink.
type HistoryConfig struct {
	Enabled bool   `toml:"enabled" mapstructure:"enabled"`
	DSN     string `toml:"dsn" mapstructure:"dsn"`
}

type OrchestratorConfig struct {
	PollInterval       time.Duration `toml:"poll_interval" mapstructure:"poll_interval"`
	IdleTimeout        int           `toml:"idle_timeout" mapstructure:"idle_timeout"`
	MaxCrawlWorkers    int           `toml:"max_crawl_workers" mapstructure:"max_crawl_workers"`
	MaxSnapshotWorkers int           `toml:"max_snapshot_workers" mapstructure:"max_snapshot_workers"`
	MaxBinaryWorkers   int           `toml:"max_binary_workers" mapstructure:"max_binary_workers"`
	MaxConcurrentTasks int           `toml:"max_concurrent_tasks" mapstructure:"max_concurrent_tasks"`
	CleanupInterval    time.Duration `toml:"cleanup_interval" mapstructure:"cleanup_interval"`
	ExitOnIdle         bool          `toml:"exit_on_idle" mapstructure:"exit_on_idle"`
}

// Defaults for tunables left unset in the TOML file.
const (
	DefaultTimeoutSec     = 300
	DefaultMaxURLAttempts = 50
)

// Default returns the configuration for a data directory with no config file.
func Default(dataDir string) *Config {
	c := &Config{DataDir: dataDir}
	c.ApplyDefaults()
	return c
}

// Load reads a TOML config file and fills in defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("toml")
	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}
	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, err
	}
	if c.DataDir == "" {
		c.DataDir = filepath.Dir(path)
	}
	c.Path = path
	c.ApplyDefaults()
	return &c, nil
}

// ApplyDefaults fills zero fields with their documented defaults.
func (c *Config) ApplyDefaults() {
	if c.DataDir == "" {
		c.DataDir = "."
	}
	if c.LibBinDir == "" {
		c.LibBinDir = filepath.Join(c.DataDir, "lib", "bin")
	}
	if c.PluginsDir == "" {
		c.PluginsDir = filepath.Join(c.DataDir, "plugins")
	}
	if c.UserPluginsDir == "" {
		c.UserPluginsDir = filepath.Join(c.DataDir, "user_plugins")
	}
	if c.TimeoutSec <= 0 {
		c.TimeoutSec = DefaultTimeoutSec
	}
	if c.MaxURLAttempts <= 0 {
		c.MaxURLAttempts = DefaultMaxURLAttempts
	}
	if c.Store.Type == "" {
		c.Store.Type = "sqlite"
	}
	if c.Store.Type == "sqlite" && c.Store.Path == "" {
		c.Store.Path = filepath.Join(c.DataDir, "index.sqlite3")
	}
	o := &c.Orchestrator
	if o.PollInterval <= 0 {
		o.PollInterval = 2 * time.Second
	}
	if o.IdleTimeout <= 0 {
		o.IdleTimeout = 3
	}
	if o.MaxCrawlWorkers <= 0 {
		o.MaxCrawlWorkers = 8
	}
	if o.MaxSnapshotWorkers <= 0 {
		o.MaxSnapshotWorkers = 8
	}
	if o.MaxBinaryWorkers <= 0 {
		o.MaxBinaryWorkers = 1
	}
	if o.MaxConcurrentTasks <= 0 {
		o.MaxConcurrentTasks = 1
	}
	if o.CleanupInterval <= 0 {
		o.CleanupInterval = 30 * time.Second
	}
}

// Foreground tightens the loop tunables for inline one-shot runs.
func (c *Config) Foreground() {
	c.Orchestrator.PollInterval = 250 * time.Millisecond
	c.Orchestrator.IdleTimeout = 1
	c.Orchestrator.MaxCrawlWorkers = 1
	c.Orchestrator.ExitOnIdle = true
}

// Flatten produces the merged key/value map hooks receive as environment.
// Later maps override earlier ones: base config, then each override map in
// order (machine config, crawl config, call-site overrides).
func (c *Config) Flatten(overrides ...map[string]string) map[string]string {
	m := make(map[string]string)
	if c.UseOSEnv {
		for _, kv := range os.Environ() {
			if i := strings.IndexByte(kv, '='); i >= 0 {
				m[kv[:i]] = kv[i+1:]
			}
		}
	}
	for _, p := range c.EnvFiles {
		pairs, err := loadEnvFile(p)
		if err != nil {
			continue
		}
		for k, v := range pairs {
			m[k] = v
		}
	}
	for _, kv := range c.Env {
		if i := strings.IndexByte(kv, '='); i >= 0 {
			m[kv[:i]] = kv[i+1:]
		}
	}
	for k, v := range c.Extra {
		m[strings.ToUpper(k)] = v
	}
	m["DATA_DIR"] = c.DataDir
	m["LIB_BIN_DIR"] = c.LibBinDir
	m["TIMEOUT"] = strconv.Itoa(c.TimeoutSec)
	m["MAX_URL_ATTEMPTS"] = strconv.Itoa(c.MaxURLAttempts)
	if len(c.Plugins) > 0 {
		m["PLUGINS"] = strings.Join(c.Plugins, ",")
	}
	for _, o := range overrides {
		for k, v := range o {
			m[strings.ToUpper(k)] = v
		}
	}
	return m
}

// PluginEnabled reports whether a plugin should run given the merged config:
// a PLUGINS whitelist (when present) must contain it, and
// {PLUGIN}_ENABLED defaults to true.
func PluginEnabled(merged map[string]string, plugin string) bool {
	if list, ok := merged["PLUGINS"]; ok && strings.TrimSpace(list) != "" {
		found := false
		for _, p := range strings.Split(list, ",") {
			if strings.EqualFold(strings.TrimSpace(p), plugin) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if v, ok := merged[pluginKey(plugin, "ENABLED")]; ok {
		enabled, err := strconv.ParseBool(v)
		if err == nil && !enabled {
			return false
		}
		if err != nil && strings.EqualFold(v, "false") {
			return false
		}
	}
	return true
}

// PluginTimeout resolves {PLUGIN}_TIMEOUT, then TIMEOUT, then the default.
func PluginTimeout(merged map[string]string, plugin string) time.Duration {
	for _, key := range []string{pluginKey(plugin, "TIMEOUT"), "TIMEOUT"} {
		if v, ok := merged[key]; ok {
			if sec, err := strconv.Atoi(v); err == nil && sec > 0 {
				return time.Duration(sec) * time.Second
			}
		}
	}
	return DefaultTimeoutSec * time.Second
}

// PluginBinary resolves {PLUGIN}_BINARY, the executable override for a plugin.
func PluginBinary(merged map[string]string, plugin string) string {
	return merged[pluginKey(plugin, "BINARY")]
}

// MaxAttempts resolves MAX_URL_ATTEMPTS from the merged config.
func MaxAttempts(merged map[string]string) int {
	if v, ok := merged["MAX_URL_ATTEMPTS"]; ok {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return DefaultMaxURLAttempts
}

func pluginKey(plugin, suffix string) string {
	return strings.ToUpper(strings.ReplaceAll(plugin, "-", "_")) + "_" + suffix
}

// loadEnvFile parses a simple .env file with KEY=VALUE lines (no export, no
// quotes). Lines starting with # are ignored.
func loadEnvFile(path string) (map[string]string, error) {
	clean := filepath.Clean(path)
	b, err := os.ReadFile(clean)
	if err != nil {
		return nil, err
	}
	m := make(map[string]string)
	for _, line := range strings.Split(string(b), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if i := strings.IndexByte(line, '='); i >= 0 {
			k := strings.TrimSpace(line[:i])
			v := strings.TrimSpace(line[i+1:])
			m[k] = v
		}
	}
	return m, nil
}
