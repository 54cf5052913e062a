package hooks

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/scrawlhq/scrawl/internal/config"
	"github.com/scrawlhq/scrawl/internal/logger"
	"github.com/scrawlhq/scrawl/internal/metrics"
	"github.com/scrawlhq/scrawl/internal/model"
	"github.com/scrawlhq/scrawl/internal/registry"
)

// Runner executes discovered hooks and owns the stdio contract: stdout is
// the JSONL record channel, stderr is diagnostics only.
type Runner struct {
	Reg *registry.Registry
	Cfg *config.Config
	Log logger.Config
}

// RunOptions scope one hook invocation.
type RunOptions struct {
	OutputDir  string            // working directory for the hook
	Merged     map[string]string // flattened config, becomes the environment
	Args       map[string]string // passed as --key=value flags
	ParentID   string            // spawner's Process row id
	CrawlID    string
	SnapshotID string
	Timeout    time.Duration // zero: resolved from plugin config
}

// Result of one foreground hook run. Background hooks return a Handle
// instead; their output is only inspected at finalize time.
type Result struct {
	Hook     Hook
	ExitCode int
	TimedOut bool
	Records  []Record
	Noise    []string
	Proc     *model.Process
}

// Run executes one hook. Foreground hooks block up to the timeout and have
// their stdout parsed into records; on timeout the subprocess group is
// killed and the result reports TimedOut. Background hooks are launched and
// returned immediately as a handle the caller must finalize later.
func (r *Runner) Run(ctx context.Context, h Hook, opts RunOptions) (*Result, *registry.Handle, error) {
	argv := r.argv(h, opts)
	env := r.environ(opts.Merged)
	spec := registry.LaunchSpec{
		Name:          h.Name,
		Argv:          argv,
		Dir:           opts.OutputDir,
		Env:           env,
		ProcessType:   model.ProcessTypeHook,
		ParentID:      opts.ParentID,
		CrawlID:       opts.CrawlID,
		SnapshotID:    opts.SnapshotID,
		CaptureStdout: !h.Background,
		Log:           r.Log,
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = config.PluginTimeout(opts.Merged, h.Plugin)
	}
	spec.TimeoutSec = int(timeout / time.Second)

	handle, err := r.Reg.Launch(ctx, spec)
	if err != nil {
		return nil, nil, err
	}
	if h.Background {
		slog.Debug("background hook launched", "hook", h.Name, "pid", handle.Proc.PID)
		return nil, handle, nil
	}

	started := time.Now()
	code, werr := handle.Wait(ctx, timeout)
	metrics.ObserveHookDuration(h.Plugin, time.Since(started).Seconds())
	res := &Result{Hook: h, ExitCode: code, Proc: handle.Proc}
	if errors.Is(werr, registry.ErrTimeout) {
		res.TimedOut = true
		slog.Warn("hook timed out", "hook", h.Name, "timeout", timeout)
	}
	res.Records, res.Noise = ExtractRecords(handle.Stdout())
	for _, line := range res.Noise {
		slog.Debug("hook output", "hook", h.Name, "line", line)
	}
	metrics.RecordHookRun(h.Plugin, res.Outcome().String())
	return res, nil, nil
}

// argv builds the command line: interpreter (or {PLUGIN}_BINARY override),
// hook path, then --key=value args in sorted key order.
func (r *Runner) argv(h Hook, opts RunOptions) []string {
	var argv []string
	if bin := config.PluginBinary(opts.Merged, h.Plugin); bin != "" {
		argv = append(argv, bin)
	} else {
		switch filepath.Ext(h.Path) {
		case ".py":
			argv = append(argv, "python3")
		case ".js":
			argv = append(argv, "node")
		default:
			argv = append(argv, "sh")
		}
	}
	argv = append(argv, h.Path)
	keys := make([]string, 0, len(opts.Args))
	for k := range opts.Args {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		argv = append(argv, "--"+k+"="+opts.Args[k])
	}
	return argv
}

// environ turns the merged config into the hook environment, prepending
// LIB_BIN_DIR to PATH so installed binaries win.
func (r *Runner) environ(merged map[string]string) map[string]string {
	env := make(map[string]string, len(merged)+4)
	for k, v := range merged {
		env[k] = v
	}
	path := env["PATH"]
	if path == "" {
		path = os.Getenv("PATH")
	}
	if lib := env["LIB_BIN_DIR"]; lib != "" {
		path = lib + string(os.PathListSeparator) + path
	}
	env["PATH"] = path
	if _, ok := env["HOME"]; !ok {
		env["HOME"] = os.Getenv("HOME")
	}
	return env
}

// Outcome classifies a foreground hook result per the exit-code contract:
//   - timeout or non-zero exit with no ArchiveResult record: transient
//     failure, retry later
//   - an explicit status:failed ArchiveResult record: domain failure
//   - zero exit with zero records: deliberate skip (feature disabled)
//   - otherwise: success
type OutcomeKind int

const (
	OutcomeSucceeded OutcomeKind = iota
	OutcomeTransient
	OutcomeFailed
	OutcomeSkipped
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeSucceeded:
		return "succeeded"
	case OutcomeTransient:
		return "transient"
	case OutcomeFailed:
		return "failed"
	case OutcomeSkipped:
		return "skipped"
	}
	return "unknown"
}

func (r *Result) Outcome() OutcomeKind {
	reported := ""
	for _, rec := range r.Records {
		if rec.Type == "ArchiveResult" {
			if s := rec.Str("status"); s != "" {
				reported = s
			}
		}
	}
	switch {
	case strings.EqualFold(reported, string(model.StatusFailed)):
		return OutcomeFailed
	case strings.EqualFold(reported, string(model.StatusSkipped)):
		return OutcomeSkipped
	case r.TimedOut:
		return OutcomeTransient
	case r.ExitCode != 0 && reported == "":
		return OutcomeTransient
	case r.ExitCode == 0 && len(r.Records) == 0:
		return OutcomeSkipped
	default:
		return OutcomeSucceeded
	}
}
