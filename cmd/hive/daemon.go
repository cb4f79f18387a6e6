package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"
)

// daemonState is what the PID file says about the daemon.
type daemonState string

const (
	daemonRunning daemonState = "running"
	daemonStopped daemonState = "stopped"
	daemonStale   daemonState = "stale" // file left behind by a dead process
)

// errDaemonRunning is returned when a live daemon already holds the PID file.
var errDaemonRunning = errors.New("daemon already running")

// pidFile is the path of the daemon's PID file.
type pidFile string

// read parses the PID stored in the file.
func (p pidFile) read() (int, error) {
	data, err := os.ReadFile(string(p))
	if err != nil {
		return 0, fmt.Errorf("read PID file %s: %w", p, err)
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return 0, fmt.Errorf("PID file %s: bad content %q", p, strings.TrimSpace(string(data)))
	}
	return pid, nil
}

// state reports whether the recorded daemon is alive. A missing file is
// stopped; an unreadable or dead one is stale.
func (p pidFile) state() (daemonState, int, error) {
	pid, err := p.read()
	switch {
	case errors.Is(err, os.ErrNotExist):
		return daemonStopped, 0, nil
	case err != nil:
		if _, statErr := os.Stat(string(p)); statErr == nil {
			return daemonStale, 0, nil
		}
		return daemonStopped, 0, err
	case processAlive(pid):
		return daemonRunning, pid, nil
	default:
		return daemonStale, pid, nil
	}
}

// acquire records pid in the file. A stale file is replaced; a live
// daemon's file yields errDaemonRunning.
func (p pidFile) acquire(pid int) error {
	if err := os.MkdirAll(filepath.Dir(string(p)), 0o755); err != nil {
		return fmt.Errorf("create PID dir: %w", err)
	}
	for range 2 {
		f, err := os.OpenFile(string(p), os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
		if err == nil {
			_, werr := f.WriteString(strconv.Itoa(pid))
			if cerr := f.Close(); werr == nil {
				werr = cerr
			}
			if werr != nil {
				return fmt.Errorf("write PID file %s: %w", p, werr)
			}
			return nil
		}
		if !errors.Is(err, os.ErrExist) {
			return fmt.Errorf("create PID file %s: %w", p, err)
		}

		state, owner, err := p.state()
		if err != nil {
			return err
		}
		if state == daemonRunning {
			return fmt.Errorf("%w (PID %d)", errDaemonRunning, owner)
		}
		if err := p.release(); err != nil {
			return err
		}
	}
	return fmt.Errorf("PID file %s was recreated while starting", p)
}

// release removes the file. A missing file is not an error.
func (p pidFile) release() error {
	if err := os.Remove(string(p)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove PID file %s: %w", p, err)
	}
	return nil
}

// terminate sends SIGTERM to the recorded daemon and returns its PID.
func (p pidFile) terminate() (int, error) {
	pid, err := p.read()
	if err != nil {
		return 0, err
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return pid, fmt.Errorf("find process %d: %w", pid, err)
	}
	if err := proc.Signal(syscall.SIGTERM); err != nil {
		return pid, fmt.Errorf("signal daemon (PID %d): %w", pid, err)
	}
	return pid, nil
}

// processAlive probes pid with signal 0. EPERM still means the process exists.
func processAlive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = proc.Signal(syscall.Signal(0))
	return err == nil || errors.Is(err, syscall.EPERM)
}

// waitExit polls until pid is gone or ctx ends.
func waitExit(ctx context.Context, pid int, poll time.Duration) error {
	t := time.NewTicker(poll)
	defer t.Stop()
	for processAlive(pid) {
		select {
		case <-ctx.Done():
			return fmt.Errorf("daemon (PID %d) still running: %w", pid, ctx.Err())
		case <-t.C:
		}
	}
	return nil
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
}
