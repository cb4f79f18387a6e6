package agent_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"
	"time"

	"hive/pkg/agent"

	"github.com/mattn/go-isatty"
)

// writeScript creates an executable shell script standing in for the agent.
func writeScript(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fake-agent")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o755); err != nil { //nolint:gosec // test script must be executable
		t.Fatalf("write script: %v", err)
	}
	return path
}

func collect(h *agent.Handle) []agent.Event {
	var out []agent.Event
	for ev := range h.Events() {
		out = append(out, ev)
	}
	return out
}

func TestSpawn_InvalidWorkingDir(t *testing.T) {
	_, err := agent.Spawn(context.Background(), filepath.Join(t.TempDir(), "missing"), agent.Headless, "", agent.Options{})
	if !errors.Is(err, agent.ErrInvalidWorkingDir) {
		t.Fatalf("expected ErrInvalidWorkingDir, got %v", err)
	}
}

func TestSpawn_ExecutableNotFound(t *testing.T) {
	_, err := agent.Spawn(context.Background(), t.TempDir(), agent.Headless, "", agent.Options{
		Executable: "hive-no-such-agent-binary",
	})
	if !errors.Is(err, agent.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestSpawn_InteractiveNeedsTerminal(t *testing.T) {
	if isatty.IsTerminal(os.Stdin.Fd()) {
		t.Skip("stdin is a terminal")
	}
	script := writeScript(t, "exit 0")
	_, err := agent.Spawn(context.Background(), t.TempDir(), agent.Interactive, "", agent.Options{Executable: script})
	if !errors.Is(err, agent.ErrNoTerminal) {
		t.Fatalf("expected ErrNoTerminal, got %v", err)
	}
}

func TestSpawn_HeadlessStreamsEvents(t *testing.T) {
	script := writeScript(t, `cat > prompt.txt
echo '{"type":"system","session_id":"sess-42"}'
echo 'this is not json'
echo '{"type":"assistant","message":{"content":[{"type":"text","text":"working"}]}}'
printf '{"type":"result","usage":{"input_tokens":3,"output_tokens":4}}'`)
	dir := t.TempDir()

	h, err := agent.Spawn(context.Background(), dir, agent.Headless, "do the thing", agent.Options{Executable: script})
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}
	events := collect(h)
	if code := h.Wait(); code != 0 {
		t.Fatalf("exit code: got %d, want 0", code)
	}

	if len(events) != 3 {
		t.Fatalf("events: got %d, want 3", len(events))
	}
	if id, ok := agent.ExtractSessionID(events); !ok || id != "sess-42" {
		t.Fatalf("session: got %q ok=%v", id, ok)
	}
	if !agent.SessionComplete(events[2]) {
		t.Fatal("last event should be result")
	}
	if h.Skipped() != 1 {
		t.Fatalf("skipped: got %d, want 1", h.Skipped())
	}
	if h.Alive() {
		t.Fatal("handle should not be alive after exit")
	}

	prompt, err := os.ReadFile(filepath.Join(dir, "prompt.txt"))
	if err != nil {
		t.Fatalf("read prompt: %v", err)
	}
	if string(prompt) != "do the thing" {
		t.Fatalf("prompt on stdin: got %q", prompt)
	}
}

func TestSpawn_NonZeroExit(t *testing.T) {
	script := writeScript(t, "echo '{\"type\":\"system\"}'\nexit 3")
	h, err := agent.Spawn(context.Background(), t.TempDir(), agent.Headless, "", agent.Options{Executable: script})
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}
	collect(h)
	if code := h.Wait(); code != 3 {
		t.Fatalf("exit code: got %d, want 3", code)
	}
}

func TestHandle_StopIsIdempotent(t *testing.T) {
	script := writeScript(t, "sleep 30")
	h, err := agent.Spawn(context.Background(), t.TempDir(), agent.Headless, "", agent.Options{Executable: script})
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}
	if !h.Alive() {
		t.Fatal("handle should be alive")
	}

	start := time.Now()
	if err := h.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if time.Since(start) > 2*time.Second {
		t.Fatalf("SIGTERM should end sleep promptly, took %v", time.Since(start))
	}
	if h.Alive() {
		t.Fatal("handle should be dead after stop")
	}
	if !h.Stopped() {
		t.Fatal("Stopped should report true")
	}
	if err := h.Stop(); err != nil {
		t.Fatalf("second stop: %v", err)
	}
}

func TestHandle_StopEscalatesToKill(t *testing.T) {
	script := writeScript(t, "trap '' TERM\nsleep 30")
	h, err := agent.Spawn(context.Background(), t.TempDir(), agent.Headless, "", agent.Options{
		Executable: script,
		StopGrace:  200 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}
	// Give the shell time to install the trap.
	time.Sleep(100 * time.Millisecond)
	_ = h.Stop()
	select {
	case <-h.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("process survived SIGKILL escalation")
	}
	if h.ExitCode() != -1 {
		t.Fatalf("killed process exit code: got %d, want -1", h.ExitCode())
	}
}

func TestHandle_StopAfterExitIsNoop(t *testing.T) {
	script := writeScript(t, "exit 0")
	h, err := agent.Spawn(context.Background(), t.TempDir(), agent.Headless, "", agent.Options{Executable: script})
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}
	collect(h)
	h.Wait()
	if err := h.Stop(); err != nil {
		t.Fatalf("stop after exit: %v", err)
	}
	if h.Stopped() {
		t.Fatal("stop after exit should not mark the handle stopped")
	}
}

func TestSpawn_ContextCancelStops(t *testing.T) {
	script := writeScript(t, "sleep 30")
	ctx, cancel := context.WithCancel(context.Background())
	h, err := agent.Spawn(ctx, t.TempDir(), agent.Headless, "", agent.Options{Executable: script})
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}
	cancel()
	select {
	case <-h.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("cancel should stop the agent")
	}
}

func TestOptions_Args(t *testing.T) {
	opts := agent.Options{
		Model:         "sonnet",
		SettingsPath:  "/cell/.claude/settings.local.json",
		ResumeSession: "sess-1",
		AllowedTools:  []string{"Read", "Edit"},
	}
	args := opts.Args(agent.Headless, "prompt")
	for _, want := range []string{"-p", "stream-json", "--verbose", "sonnet", "sess-1", "Read,Edit"} {
		if !slices.Contains(args, want) {
			t.Errorf("headless args %v missing %q", args, want)
		}
	}
	if slices.Contains(args, "--dangerously-skip-permissions") {
		t.Errorf("headless args %v bypass permission checks", args)
	}
	if i := slices.Index(args, "--permission-mode"); i < 0 || args[i+1] != agent.PermissionDefault {
		t.Errorf("headless args %v: want --permission-mode %s", args, agent.PermissionDefault)
	}
	if i := slices.Index(args, "--settings"); i < 0 || args[i+1] != opts.SettingsPath {
		t.Errorf("headless args %v: settings file not passed", args)
	}

	ro := agent.Options{PermissionMode: agent.PermissionPlan, DisallowedTools: []string{"Edit", "Write"}}.Args(agent.Headless, "")
	if i := slices.Index(ro, "--permission-mode"); i < 0 || ro[i+1] != agent.PermissionPlan {
		t.Errorf("read-only args %v: want plan mode", ro)
	}
	if i := slices.Index(ro, "--disallowedTools"); i < 0 || ro[i+1] != "Edit,Write" {
		t.Errorf("read-only args %v: disallowed tools missing", ro)
	}
	if slices.Contains(args, "prompt") {
		t.Error("headless prompt must go to stdin, not argv")
	}

	inter := agent.Options{}.Args(agent.Interactive, "hello")
	if strings.Join(inter, " ") != "hello" {
		t.Fatalf("interactive args: got %v", inter)
	}
}
