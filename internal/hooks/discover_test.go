package hooks

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/scrawlhq/scrawl/internal/config"
)

func writeHook(t *testing.T, dir, plugin, name string) string {
	t.Helper()
	pd := filepath.Join(dir, plugin)
	if err := os.MkdirAll(pd, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	path := filepath.Join(pd, name)
	if err := os.WriteFile(path, []byte("#!/bin/sh\nexit 0\n"), 0o755); err != nil {
		t.Fatalf("write: %v", err)
	}
	return path
}

func TestDiscoverOrderAndBackground(t *testing.T) {
	dir := t.TempDir()
	writeHook(t, dir, "wget", "on_Snapshot__50_wget.sh")
	writeHook(t, dir, "chrome", "on_Snapshot__20_screenshot.py")
	writeHook(t, dir, "ytdlp", "on_Snapshot__90_media.bg.sh")
	writeHook(t, dir, "wget", "on_Crawl__10_seed.sh") // different event

	cfg := &config.Config{PluginsDir: dir}
	got := Discover(EventSnapshot, cfg, nil)
	if len(got) != 3 {
		t.Fatalf("hooks=%d", len(got))
	}
	// two-digit priority prefix makes lexicographic order the run order
	if got[0].Plugin != "chrome" || got[1].Plugin != "wget" || got[2].Plugin != "ytdlp" {
		t.Fatalf("order: %s %s %s", got[0].Plugin, got[1].Plugin, got[2].Plugin)
	}
	if got[0].Background || got[1].Background || !got[2].Background {
		t.Fatalf("background detection: %+v", got)
	}
	if got[1].Name != "on_Snapshot__50_wget" {
		t.Fatalf("name should drop the extension: %s", got[1].Name)
	}
}

func TestDiscoverFiltersDisabledPlugins(t *testing.T) {
	dir := t.TempDir()
	writeHook(t, dir, "wget", "on_Snapshot__50_wget.sh")
	writeHook(t, dir, "chrome", "on_Snapshot__20_screenshot.sh")

	cfg := &config.Config{PluginsDir: dir}
	got := Discover(EventSnapshot, cfg, map[string]string{"CHROME_ENABLED": "false"})
	if len(got) != 1 || got[0].Plugin != "wget" {
		t.Fatalf("disabled plugin leaked: %+v", got)
	}

	got = Discover(EventSnapshot, cfg, map[string]string{"PLUGINS": "chrome"})
	if len(got) != 1 || got[0].Plugin != "chrome" {
		t.Fatalf("whitelist not applied: %+v", got)
	}
}

func TestDiscoverUserPluginsDir(t *testing.T) {
	builtin := t.TempDir()
	user := t.TempDir()
	writeHook(t, builtin, "wget", "on_Snapshot__50_wget.sh")
	writeHook(t, user, "custom", "on_Snapshot__60_mine.js")

	cfg := &config.Config{PluginsDir: builtin, UserPluginsDir: user}
	got := Discover(EventSnapshot, cfg, nil)
	if len(got) != 2 {
		t.Fatalf("hooks=%d", len(got))
	}
	if got[1].Plugin != "custom" {
		t.Fatalf("user plugin missing: %+v", got)
	}
}

func TestOutcomeClassification(t *testing.T) {
	rec := func(line string) []Record {
		rs, _ := ExtractRecords(line)
		return rs
	}
	cases := []struct {
		name string
		res  Result
		want OutcomeKind
	}{
		{"clean with records", Result{ExitCode: 0, Records: rec(`{"type":"ArchiveResult","id":"r1"}`)}, OutcomeSucceeded},
		{"clean no records", Result{ExitCode: 0}, OutcomeSkipped},
		{"nonzero no records", Result{ExitCode: 1}, OutcomeTransient},
		{"timeout", Result{ExitCode: 137, TimedOut: true}, OutcomeTransient},
		{"explicit failed", Result{ExitCode: 0, Records: rec(`{"type":"ArchiveResult","status":"failed"}`)}, OutcomeFailed},
		{"explicit skipped", Result{ExitCode: 0, Records: rec(`{"type":"ArchiveResult","status":"skipped"}`)}, OutcomeSkipped},
		{"nonzero with explicit failed", Result{ExitCode: 2, Records: rec(`{"type":"ArchiveResult","status":"failed"}`)}, OutcomeFailed},
	}
	for _, tc := range cases {
		if got := tc.res.Outcome(); got != tc.want {
			t.Errorf("%s: got %v want %v", tc.name, got, tc.want)
		}
	}
}
