// Package agent spawns the external coding agent and turns its stdout into
// a stream of typed events. Headless runs speak newline-delimited JSON;
// interactive runs are attached to the caller's terminal and not captured.
package agent

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/mattn/go-isatty"
)

// Spawn errors.
var (
	ErrInvalidWorkingDir = errors.New("invalid working directory")
	ErrNotFound          = errors.New("agent executable not found")
	ErrNoTerminal        = errors.New("interactive mode requires a terminal")
)

// DefaultExecutable is the agent binary looked up on PATH.
const DefaultExecutable = "claude"

// Permission modes understood by the agent. Headless runs never bypass
// permission checks; only the settings file's allow list grants tools.
const (
	PermissionDefault = "default"
	PermissionPlan    = "plan" // read-only
)

// DefaultStopGrace is how long Stop waits after SIGTERM before SIGKILL.
const DefaultStopGrace = 3 * time.Second

// Mode selects how the agent is attached.
type Mode int

// Spawn modes.
const (
	Headless Mode = iota
	Interactive
)

func (m Mode) String() string {
	if m == Interactive {
		return "interactive"
	}
	return "headless"
}

// Options tunes a spawn. The zero value runs DefaultExecutable headless.
type Options struct {
	Executable      string        // binary name or path; default DefaultExecutable
	Model           string        // --model
	SettingsPath    string        // --settings (hook configuration file)
	ResumeSession   string        // --resume <session>
	AllowedTools    []string      // --allowedTools
	DisallowedTools []string      // --disallowedTools; wins over the settings allow list
	PermissionMode  string        // --permission-mode; headless default PermissionDefault
	ExtraArgs       []string      // appended before an interactive prompt
	Env             []string      // appended to os.Environ()
	Stderr          io.Writer     // headless stderr sink; default discard
	StopGrace       time.Duration // SIGTERM to SIGKILL; default DefaultStopGrace
	Logger          *slog.Logger
}

// Args builds the argument vector for a spawn. Interactive runs pass the
// prompt as the final argument; headless runs read it from stdin.
func (o Options) Args(mode Mode, prompt string) []string {
	var args []string
	if mode == Headless {
		args = append(args, "-p", "--output-format", "stream-json", "--verbose")
		pm := o.PermissionMode
		if pm == "" {
			pm = PermissionDefault
		}
		args = append(args, "--permission-mode", pm)
	} else if o.PermissionMode != "" {
		args = append(args, "--permission-mode", o.PermissionMode)
	}
	if o.Model != "" {
		args = append(args, "--model", o.Model)
	}
	if o.SettingsPath != "" {
		args = append(args, "--settings", o.SettingsPath)
	}
	if o.ResumeSession != "" {
		args = append(args, "--resume", o.ResumeSession)
	}
	if len(o.AllowedTools) > 0 {
		args = append(args, "--allowedTools", strings.Join(o.AllowedTools, ","))
	}
	if len(o.DisallowedTools) > 0 {
		args = append(args, "--disallowedTools", strings.Join(o.DisallowedTools, ","))
	}
	args = append(args, o.ExtraArgs...)
	if mode == Interactive && prompt != "" {
		args = append(args, prompt)
	}
	return args
}

// Handle tracks one running agent process.
type Handle struct {
	cmd       *exec.Cmd
	pid       int
	group     bool
	grace     time.Duration
	log       *slog.Logger
	events    chan Event
	done      chan struct{}
	stopCh    chan struct{}
	stopOnce  sync.Once
	mu        sync.Mutex
	exitCode  int
	waitErr   error
	skipped   int
	stopped   bool
	startedAt time.Time
}

// Spawn starts the agent in workdir. The headless prompt is written to the
// process's stdin. Cancelling ctx stops the process.
func Spawn(ctx context.Context, workdir string, mode Mode, prompt string, opts Options) (*Handle, error) {
	info, err := os.Stat(workdir)
	if err != nil || !info.IsDir() {
		return nil, fmt.Errorf("%w: %s", ErrInvalidWorkingDir, workdir)
	}
	exe := opts.Executable
	if exe == "" {
		exe = DefaultExecutable
	}
	path, err := exec.LookPath(exe)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, exe)
	}
	if mode == Interactive && !isTerminal(os.Stdin) {
		return nil, ErrNoTerminal
	}

	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	grace := opts.StopGrace
	if grace <= 0 {
		grace = DefaultStopGrace
	}

	//nolint:gosec // the agent binary and its flags are operator-configured
	cmd := exec.Command(path, opts.Args(mode, prompt)...)
	cmd.Dir = workdir
	if len(opts.Env) > 0 {
		cmd.Env = append(os.Environ(), opts.Env...)
	}

	h := &Handle{
		cmd:       cmd,
		grace:     grace,
		log:       log,
		events:    make(chan Event, 64),
		done:      make(chan struct{}),
		stopCh:    make(chan struct{}),
		exitCode:  -1,
		startedAt: time.Now(),
	}

	var stdout io.ReadCloser
	if mode == Interactive {
		cmd.Stdin, cmd.Stdout, cmd.Stderr = os.Stdin, os.Stdout, os.Stderr
	} else {
		// Own process group so Stop reaches the agent's descendants too.
		cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
		h.group = true
		cmd.Stdin = strings.NewReader(prompt)
		if opts.Stderr != nil {
			cmd.Stderr = opts.Stderr
		}
		stdout, err = cmd.StdoutPipe()
		if err != nil {
			return nil, fmt.Errorf("stdout pipe: %w", err)
		}
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", exe, err)
	}
	h.pid = cmd.Process.Pid
	log.Debug("agent started", "pid", h.pid, "mode", mode.String(), "dir", workdir)

	if stdout != nil {
		go h.pump(stdout)
	} else {
		close(h.events)
		go h.reap()
	}

	go func() {
		select {
		case <-ctx.Done():
			_ = h.Stop()
		case <-h.done:
		}
	}()
	return h, nil
}

// pump decodes stdout until EOF, then reaps the process. Once Stop has been
// requested, remaining events are drained and dropped so the child never
// blocks on a full pipe.
func (h *Handle) pump(stdout io.Reader) {
	dec := NewDecoder(stdout)
	for {
		ev, err := dec.Next()
		if err != nil {
			break
		}
		select {
		case h.events <- ev:
		case <-h.stopCh:
		}
	}
	h.mu.Lock()
	h.skipped = dec.Skipped()
	h.mu.Unlock()
	close(h.events)
	h.reap()
}

func (h *Handle) reap() {
	err := h.cmd.Wait()
	code := -1
	if h.cmd.ProcessState != nil {
		code = h.cmd.ProcessState.ExitCode()
	}
	h.mu.Lock()
	h.exitCode = code
	h.waitErr = err
	h.mu.Unlock()
	h.log.Debug("agent exited", "pid", h.pid, "exit_code", code, "elapsed", time.Since(h.startedAt).Round(time.Millisecond))
	close(h.done)
}

// Events delivers decoded stream events in order. The channel is closed
// when stdout reaches EOF. Interactive handles return a closed channel.
func (h *Handle) Events() <-chan Event { return h.events }

// Done is closed once the process has exited and been reaped.
func (h *Handle) Done() <-chan struct{} { return h.done }

// PID returns the operating system process ID.
func (h *Handle) PID() int { return h.pid }

// Alive reports whether the process is still running.
func (h *Handle) Alive() bool {
	select {
	case <-h.done:
		return false
	default:
		return true
	}
}

// Wait blocks until the process exits and returns its exit code. A process
// killed by a signal reports -1.
func (h *Handle) Wait() int {
	<-h.done
	return h.ExitCode()
}

// ExitCode returns the exit code, or -1 while running or after a signal.
func (h *Handle) ExitCode() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.exitCode
}

// Skipped reports the number of malformed stream lines discarded.
func (h *Handle) Skipped() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.skipped
}

// Stopped reports whether Stop was called before the process exited.
func (h *Handle) Stopped() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.stopped
}

// Stop terminates the process: SIGTERM to its process group, then SIGKILL
// after the grace period. It is safe to call repeatedly and on a handle
// whose process has already exited.
func (h *Handle) Stop() error {
	if !h.Alive() {
		return nil
	}
	h.stopOnce.Do(h.terminate)
	return nil
}

func (h *Handle) terminate() {
	h.mu.Lock()
	h.stopped = true
	h.mu.Unlock()
	close(h.stopCh)

	if err := h.signal(syscall.SIGTERM); err != nil {
		// Already gone; the reaper will close done.
		_ = h.cmd.Process.Kill()
	}
	select {
	case <-h.done:
		return
	case <-time.After(h.grace):
	}
	h.log.Warn("agent ignored SIGTERM, killing", "pid", h.pid)
	_ = h.signal(syscall.SIGKILL)
	select {
	case <-h.done:
	case <-time.After(h.grace):
		h.log.Error("agent did not exit after SIGKILL", "pid", h.pid)
	}
}

func (h *Handle) signal(sig syscall.Signal) error {
	if h.group {
		return syscall.Kill(-h.pid, sig)
	}
	return h.cmd.Process.Signal(sig)
}

func isTerminal(f *os.File) bool {
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}
