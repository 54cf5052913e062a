package logger

import (
	"os"
	"path/filepath"
	"testing"

	lj "gopkg.in/natefinch/lumberjack.v2"
)

func TestWriters_Dir(t *testing.T) {
	dir := t.TempDir()
	cfg := Config{Dir: dir}
	outW, errW, err := cfg.Writers("", "demo")
	if err != nil {
		t.Fatalf("Writers error: %v", err)
	}
	if outW == nil || errW == nil {
		t.Fatalf("expected both writers non-nil when Dir is set")
	}
	_, _ = outW.Write([]byte("hello-out\n"))
	_, _ = errW.Write([]byte("hello-err\n"))
	_ = outW.Close()
	_ = errW.Close()
	if _, err := os.Stat(filepath.Join(dir, "demo.stdout.log")); err != nil {
		t.Fatalf("stdout log not created: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "demo.stderr.log")); err != nil {
		t.Fatalf("stderr log not created: %v", err)
	}
}

func TestWriters_DirOverride(t *testing.T) {
	base := t.TempDir()
	override := t.TempDir()
	cfg := Config{Dir: base}
	outW, errW, err := cfg.Writers(override, "n")
	if err != nil {
		t.Fatalf("Writers error: %v", err)
	}
	_, _ = outW.Write([]byte("x"))
	_ = outW.Close()
	_ = errW.Close()
	if _, err := os.Stat(filepath.Join(override, "n.stdout.log")); err != nil {
		t.Fatalf("override dir not used: %v", err)
	}
	if _, err := os.Stat(filepath.Join(base, "n.stdout.log")); err == nil {
		t.Fatalf("base dir should not have been written")
	}
}

func TestWriters_NoDir(t *testing.T) {
	var cfg Config
	outW, errW, err := cfg.Writers("", "n")
	if err != nil {
		t.Fatalf("Writers error: %v", err)
	}
	if outW != nil || errW != nil {
		t.Fatalf("expected nil writers without a directory")
	}
}

func TestWriters_Defaults(t *testing.T) {
	cfg := Config{Dir: t.TempDir()}
	outW, errW, _ := cfg.Writers("", "n")
	ol, ok1 := outW.(*lj.Logger)
	el, ok2 := errW.(*lj.Logger)
	if !ok1 || !ok2 {
		t.Fatalf("writers are not lumberjack loggers")
	}
	if ol.MaxSize != DefaultMaxSizeMB || ol.MaxBackups != DefaultMaxBackups || ol.MaxAge != DefaultMaxAgeDays {
		t.Fatalf("unexpected defaults: size=%d backups=%d age=%d", ol.MaxSize, ol.MaxBackups, ol.MaxAge)
	}
	if el.MaxSize != DefaultMaxSizeMB || el.MaxBackups != DefaultMaxBackups || el.MaxAge != DefaultMaxAgeDays {
		t.Fatalf("unexpected defaults (stderr): size=%d backups=%d age=%d", el.MaxSize, el.MaxBackups, el.MaxAge)
	}
	_ = outW.Close()
	_ = errW.Close()
}

func TestWriters_Overrides(t *testing.T) {
	cfg := Config{Dir: t.TempDir(), MaxSizeMB: 1, MaxBackups: 9, MaxAgeDays: 11, Compress: true}
	outW, errW, _ := cfg.Writers("", "n")
	ol := outW.(*lj.Logger)
	el := errW.(*lj.Logger)
	if ol.MaxSize != 1 || ol.MaxBackups != 9 || ol.MaxAge != 11 || !ol.Compress {
		t.Fatalf("unexpected overrides: size=%d backups=%d age=%d compress=%t", ol.MaxSize, ol.MaxBackups, ol.MaxAge, ol.Compress)
	}
	if el.MaxSize != 1 || el.MaxBackups != 9 || el.MaxAge != 11 || !el.Compress {
		t.Fatalf("unexpected overrides (stderr): size=%d backups=%d age=%d compress=%t", el.MaxSize, el.MaxBackups, el.MaxAge, el.Compress)
	}
	_ = outW.Close()
	_ = errW.Close()
}

func TestSetup_Level(t *testing.T) {
	l := Setup(true)
	if l == nil {
		t.Fatalf("Setup returned nil logger")
	}
	if !l.Enabled(t.Context(), -4) {
		t.Fatalf("debug level not enabled")
	}
	l = Setup(false)
	if l.Enabled(t.Context(), -4) {
		t.Fatalf("debug level unexpectedly enabled")
	}
}
