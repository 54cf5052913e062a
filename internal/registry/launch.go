package registry

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/scrawlhq/scrawl/internal/logger"
	"github.com/scrawlhq/scrawl/internal/model"
)

// LaunchSpec describes one subprocess to spawn and track in the registry.
type LaunchSpec struct {
	Name        string // base name for stdio/pid files in Dir
	Argv        []string
	Dir         string // working directory, created if missing
	Env         map[string]string
	ProcessType string
	WorkerType  string
	ParentID    string
	CrawlID     string
	SnapshotID  string
	TimeoutSec  int

	// CaptureStdout tees stdout into memory so the caller can parse it
	// after Wait. Foreground hooks set this; background launches only get
	// the on-disk capture.
	CaptureStdout bool

	Log logger.Config
}

// Handle tracks a launched subprocess until Wait or Terminate.
type Handle struct {
	Proc *model.Process

	reg  *Registry
	cmd  *exec.Cmd
	done chan error
	buf  *bytes.Buffer
	outW io.Closer
	errW io.Closer
}

var ErrTimeout = errors.New("subprocess timed out")

// Launch starts the subprocess in its own process group, records a running
// Process row for it, and writes cmd.sh plus a pid file into Dir so the tree
// survives a coordinator crash.
func (r *Registry) Launch(ctx context.Context, spec LaunchSpec) (*Handle, error) {
	if len(spec.Argv) == 0 {
		return nil, errors.New("empty argv")
	}
	m, err := r.Machine(ctx)
	if err != nil {
		return nil, err
	}
	if spec.Dir != "" {
		if err := os.MkdirAll(spec.Dir, 0o755); err != nil {
			return nil, err
		}
	}
	name := spec.Name
	if name == "" {
		name = filepath.Base(spec.Argv[0])
	}

	cmd := exec.Command(spec.Argv[0], spec.Argv[1:]...)
	cmd.Dir = spec.Dir
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	rowID := model.NewID()
	env := make([]string, 0, len(spec.Env)+2)
	for k, v := range spec.Env {
		env = append(env, k+"="+v)
	}
	if spec.ParentID != "" {
		env = append(env, ParentProcessEnv+"="+spec.ParentID)
	}
	env = append(env, SelfProcessEnv+"="+rowID)
	cmd.Env = env

	outW, errW, err := spec.Log.Writers(spec.Dir, name)
	if err != nil {
		return nil, err
	}
	h := &Handle{reg: r, cmd: cmd, outW: outW, errW: errW}
	if spec.CaptureStdout {
		h.buf = &bytes.Buffer{}
	}
	switch {
	case outW != nil && h.buf != nil:
		cmd.Stdout = io.MultiWriter(h.buf, outW)
	case outW != nil:
		cmd.Stdout = outW
	case h.buf != nil:
		cmd.Stdout = h.buf
	}
	if errW != nil {
		cmd.Stderr = errW
	}

	if err := cmd.Start(); err != nil {
		closeIfSet(outW)
		closeIfSet(errW)
		return nil, err
	}
	started := time.Now().UTC()

	p := &model.Process{
		ID:          rowID,
		MachineID:   m.ID,
		PID:         cmd.Process.Pid,
		ProcessType: spec.ProcessType,
		WorkerType:  spec.WorkerType,
		Status:      model.ProcessRunning,
		ParentID:    spec.ParentID,
		CrawlID:     spec.CrawlID,
		SnapshotID:  spec.SnapshotID,
		Cmd:         append([]string(nil), spec.Argv...),
		Pwd:         spec.Dir,
		Env:         spec.Env,
		StartedAt:   started,
		TimeoutSec:  spec.TimeoutSec,
	}
	if spec.Dir != "" {
		p.Stdout = filepath.Join(spec.Dir, name+".stdout.log")
		p.Stderr = filepath.Join(spec.Dir, name+".stderr.log")
		writeCmdScript(spec.Dir, spec.Argv)
		writePIDFile(spec.Dir, name, cmd.Process.Pid, started)
	}
	if err := r.st.InsertProcess(ctx, p); err != nil {
		_ = signalGroup(cmd.Process.Pid, syscall.SIGKILL)
		_ = cmd.Wait()
		closeIfSet(outW)
		closeIfSet(errW)
		return nil, err
	}
	h.Proc = p
	h.done = make(chan error, 1)
	go func() { h.done <- cmd.Wait() }()
	return h, nil
}

// Wait blocks until the subprocess exits or timeout elapses. On timeout the
// whole process group is killed and the recorded exit code is 137; the
// returned error is ErrTimeout. The Process row is always transitioned to
// exited before Wait returns.
func (h *Handle) Wait(ctx context.Context, timeout time.Duration) (int, error) {
	var werr error
	timedOut := false
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		select {
		case werr = <-h.done:
		case <-t.C:
			timedOut = true
			_ = signalGroup(h.Proc.PID, syscall.SIGKILL)
			werr = <-h.done
		case <-ctx.Done():
			_ = signalGroup(h.Proc.PID, syscall.SIGKILL)
			werr = <-h.done
		}
	} else {
		select {
		case werr = <-h.done:
		case <-ctx.Done():
			_ = signalGroup(h.Proc.PID, syscall.SIGKILL)
			werr = <-h.done
		}
	}
	code := exitCodeOf(h.cmd, werr)
	if timedOut {
		code = KilledExitCode
	}
	h.finish(ctx, code)
	if timedOut {
		return code, ErrTimeout
	}
	return code, nil
}

// Terminate asks the subprocess group to stop: SIGTERM, a graceful wait,
// then SIGKILL. Used to finalize background hooks.
func (h *Handle) Terminate(ctx context.Context, gracefulTimeout time.Duration) int {
	if gracefulTimeout <= 0 {
		gracefulTimeout = DefaultGracefulTimeout
	}
	_ = signalGroup(h.Proc.PID, syscall.SIGTERM)
	select {
	case werr := <-h.done:
		code := exitCodeOf(h.cmd, werr)
		h.finish(ctx, code)
		return code
	case <-time.After(gracefulTimeout):
	}
	_ = signalGroup(h.Proc.PID, syscall.SIGKILL)
	<-h.done
	h.finish(ctx, KilledExitCode)
	return KilledExitCode
}

// TryWait reports whether the subprocess has already exited, finishing the
// row when it has. Non-blocking.
func (h *Handle) TryWait(ctx context.Context) (int, bool) {
	select {
	case werr := <-h.done:
		code := exitCodeOf(h.cmd, werr)
		h.finish(ctx, code)
		return code, true
	default:
		return 0, false
	}
}

// Stdout returns the in-memory capture. Valid after Wait, and only when the
// launch asked for capture.
func (h *Handle) Stdout() string {
	if h.buf == nil {
		return ""
	}
	return h.buf.String()
}

func (h *Handle) finish(ctx context.Context, code int) {
	closeIfSet(h.outW)
	closeIfSet(h.errW)
	h.outW, h.errW = nil, nil
	ended := time.Now().UTC()
	_ = h.reg.st.MarkProcessExited(ctx, h.Proc.ID, ended, code, "", "")
	h.Proc.Status = model.ProcessExited
	h.Proc.EndedAt = &ended
	h.Proc.ExitCode = &code
	removePIDFile(h.Proc)
}

func exitCodeOf(cmd *exec.Cmd, err error) int {
	if err == nil {
		return 0
	}
	var ee *exec.ExitError
	if errors.As(err, &ee) {
		if ws, ok := ee.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			return 128 + int(ws.Signal())
		}
		return ee.ExitCode()
	}
	return KilledExitCode
}

func writeCmdScript(dir string, argv []string) {
	quoted := make([]string, len(argv))
	for i, a := range argv {
		if strings.ContainsAny(a, " \t\"'$") {
			quoted[i] = strconv.Quote(a)
		} else {
			quoted[i] = a
		}
	}
	body := "#!/bin/sh\nexec " + strings.Join(quoted, " ") + "\n"
	_ = os.WriteFile(filepath.Join(dir, "cmd.sh"), []byte(body), 0o755)
}

// writePIDFile records the pid with mtime pinned to the start time, so a
// later observer can distinguish a recycled PID from the original process.
func writePIDFile(dir, name string, pid int, started time.Time) {
	path := filepath.Join(dir, name+".pid")
	if err := os.WriteFile(path, []byte(strconv.Itoa(pid)+"\n"), 0o644); err != nil {
		return
	}
	_ = os.Chtimes(path, started, started)
}

// removePIDFile unlinks pid files in the row's working directory that still
// point at the row's PID.
func removePIDFile(p *model.Process) {
	if p.Pwd == "" {
		return
	}
	matches, err := filepath.Glob(filepath.Join(p.Pwd, "*.pid"))
	if err != nil {
		return
	}
	want := strconv.Itoa(p.PID)
	for _, f := range matches {
		b, err := os.ReadFile(f)
		if err != nil {
			continue
		}
		if strings.TrimSpace(string(b)) == want {
			_ = os.Remove(f)
		}
	}
}

func closeIfSet(c io.Closer) {
	if c != nil {
		_ = c.Close()
	}
}

// ExitCodeString formats an exit code for logs, naming the signal when the
// code follows the 128+signal convention.
func ExitCodeString(code int) string {
	if code > 128 && code < 160 {
		return fmt.Sprintf("%d (signal %s)", code, syscall.Signal(code-128))
	}
	return strconv.Itoa(code)
}
