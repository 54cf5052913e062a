package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultFillsPaths(t *testing.T) {
	c := Default("/data")
	if c.LibBinDir != filepath.Join("/data", "lib", "bin") {
		t.Fatalf("lib_bin_dir: %s", c.LibBinDir)
	}
	if c.PluginsDir != filepath.Join("/data", "plugins") {
		t.Fatalf("plugins_dir: %s", c.PluginsDir)
	}
	if c.Store.Type != "sqlite" || c.Store.Path != filepath.Join("/data", "index.sqlite3") {
		t.Fatalf("store defaults: %+v", c.Store)
	}
	if c.TimeoutSec != DefaultTimeoutSec || c.MaxURLAttempts != DefaultMaxURLAttempts {
		t.Fatalf("tunable defaults: timeout=%d attempts=%d", c.TimeoutSec, c.MaxURLAttempts)
	}
	if c.Orchestrator.MaxCrawlWorkers != 8 || c.Orchestrator.PollInterval != 2*time.Second {
		t.Fatalf("orchestrator defaults: %+v", c.Orchestrator)
	}
}

func TestLoadTOML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "scrawl.toml")
	body := `
data_dir = "` + dir + `"
timeout = 60
max_url_attempts = 5
plugins = ["wget", "chrome"]

[store]
type = "sqlite"
path = "` + filepath.Join(dir, "custom.sqlite3") + `"

[orchestrator]
max_crawl_workers = 2
exit_on_idle = true

[extra]
wget_timeout = "30"
`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	c, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if c.Path != path {
		t.Fatalf("config path not recorded: %s", c.Path)
	}
	if c.TimeoutSec != 60 || c.MaxURLAttempts != 5 {
		t.Fatalf("tunables: %+v", c)
	}
	if c.Store.Path != filepath.Join(dir, "custom.sqlite3") {
		t.Fatalf("store path: %s", c.Store.Path)
	}
	if c.Orchestrator.MaxCrawlWorkers != 2 || !c.Orchestrator.ExitOnIdle {
		t.Fatalf("orchestrator: %+v", c.Orchestrator)
	}
	m := c.Flatten()
	if m["WGET_TIMEOUT"] != "30" {
		t.Fatalf("extra not flattened: %v", m["WGET_TIMEOUT"])
	}
	if m["PLUGINS"] != "wget,chrome" {
		t.Fatalf("plugins whitelist: %v", m["PLUGINS"])
	}
}

func TestFlattenPrecedence(t *testing.T) {
	c := Default(t.TempDir())
	c.Extra = map[string]string{"key": "base"}
	m := c.Flatten(
		map[string]string{"KEY": "machine", "ONLY_MACHINE": "1"},
		map[string]string{"key": "crawl"},
	)
	if m["KEY"] != "crawl" {
		t.Fatalf("later override must win: %s", m["KEY"])
	}
	if m["ONLY_MACHINE"] != "1" {
		t.Fatalf("machine key lost")
	}
	if m["DATA_DIR"] != c.DataDir || m["LIB_BIN_DIR"] != c.LibBinDir {
		t.Fatalf("identity keys missing: %v", m)
	}
}

func TestFlattenEnvFile(t *testing.T) {
	dir := t.TempDir()
	envFile := filepath.Join(dir, "hooks.env")
	if err := os.WriteFile(envFile, []byte("# comment\nFOO=bar\n\nBAZ = qux\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	c := Default(dir)
	c.EnvFiles = []string{envFile}
	c.Env = []string{"FOO=overridden"}
	m := c.Flatten()
	if m["FOO"] != "overridden" {
		t.Fatalf("env list must override env file: %s", m["FOO"])
	}
	if m["BAZ"] != "qux" {
		t.Fatalf("env file entry lost: %s", m["BAZ"])
	}
}

func TestPluginEnabled(t *testing.T) {
	cases := []struct {
		name   string
		merged map[string]string
		plugin string
		want   bool
	}{
		{"default on", map[string]string{}, "wget", true},
		{"whitelist hit", map[string]string{"PLUGINS": "wget,chrome"}, "wget", true},
		{"whitelist miss", map[string]string{"PLUGINS": "chrome"}, "wget", false},
		{"disabled flag", map[string]string{"WGET_ENABLED": "false"}, "wget", false},
		{"enabled flag", map[string]string{"WGET_ENABLED": "true"}, "wget", true},
		{"dashed plugin", map[string]string{"READABILITY_JS_ENABLED": "false"}, "readability-js", false},
	}
	for _, tc := range cases {
		if got := PluginEnabled(tc.merged, tc.plugin); got != tc.want {
			t.Errorf("%s: got %v want %v", tc.name, got, tc.want)
		}
	}
}

func TestPluginTimeout(t *testing.T) {
	m := map[string]string{"TIMEOUT": "100", "WGET_TIMEOUT": "25"}
	if d := PluginTimeout(m, "wget"); d != 25*time.Second {
		t.Fatalf("plugin key should win: %v", d)
	}
	if d := PluginTimeout(m, "chrome"); d != 100*time.Second {
		t.Fatalf("fallback to TIMEOUT: %v", d)
	}
	if d := PluginTimeout(map[string]string{}, "chrome"); d != DefaultTimeoutSec*time.Second {
		t.Fatalf("default timeout: %v", d)
	}
}

func TestForeground(t *testing.T) {
	c := Default(t.TempDir())
	c.Foreground()
	if c.Orchestrator.PollInterval != 250*time.Millisecond || c.Orchestrator.IdleTimeout != 1 {
		t.Fatalf("foreground tunables: %+v", c.Orchestrator)
	}
	if c.Orchestrator.MaxCrawlWorkers != 1 || !c.Orchestrator.ExitOnIdle {
		t.Fatalf("foreground tunables: %+v", c.Orchestrator)
	}
}

func TestMaxAttempts(t *testing.T) {
	if n := MaxAttempts(map[string]string{"MAX_URL_ATTEMPTS": "7"}); n != 7 {
		t.Fatalf("got %d", n)
	}
	if n := MaxAttempts(map[string]string{"MAX_URL_ATTEMPTS": "bogus"}); n != DefaultMaxURLAttempts {
		t.Fatalf("got %d", n)
	}
}
