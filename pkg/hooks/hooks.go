// Package hooks writes the agent settings file placed in a workspace before
// the agent starts. The file wires the session-start and stop hooks back to
// the hive binary and restricts which tools the agent may use.
package hooks

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"hive/pkg/protocol"
)

// Role selects the permission profile.
type Role string

// Roles.
const (
	RoleBee   Role = "bee"
	RoleQueen Role = "queen"
)

// Hook event names understood by the agent.
const (
	EventSessionStart = "SessionStart"
	EventStop         = "Stop"
)

// Command is a single hook command.
type Command struct {
	Type    string `json:"type"`
	Command string `json:"command"`
	Timeout int    `json:"timeout,omitempty"`
}

// Matcher groups hook commands for one event.
type Matcher struct {
	Matcher string    `json:"matcher,omitempty"`
	Hooks   []Command `json:"hooks"`
}

// Permissions lists allowed and denied tool patterns.
type Permissions struct {
	Allow []string `json:"allow"`
	Deny  []string `json:"deny"`
}

// Settings is the on-disk settings document.
type Settings struct {
	Hooks       map[string][]Matcher `json:"hooks"`
	Permissions Permissions          `json:"permissions"`
}

// pathTools take a filesystem path pattern as their argument.
var pathTools = []string{"Read", "Edit", "Write", "MultiEdit", "Glob", "Grep", "NotebookEdit"} //nolint:gochecknoglobals // fixed list

// writeTools can change files.
var writeTools = []string{"Edit", "Write", "MultiEdit", "NotebookEdit"} //nolint:gochecknoglobals // fixed list

func hookCommands(binary string, role Role, id string) map[string][]Matcher {
	if binary == "" {
		binary = "hive"
	}
	flag := "--" + string(role)
	cmd := func(sub string) []Matcher {
		return []Matcher{{Hooks: []Command{{
			Type:    "command",
			Command: fmt.Sprintf("%s hook %s %s %s", binary, sub, flag, id),
			Timeout: 30,
		}}}}
	}
	return map[string][]Matcher{
		EventSessionStart: cmd("session-start"),
		EventStop:         cmd("stop"),
	}
}

// ForBee returns settings that confine a bee to its cell.
func ForBee(binary, beeID, cellPath string) Settings {
	scope := filepath.Clean(cellPath) + "/**"
	allow := make([]string, 0, len(pathTools)+4)
	for _, tool := range pathTools {
		allow = append(allow, fmt.Sprintf("%s(%s)", tool, scope))
	}
	allow = append(allow, "Bash(git add:*)", "Bash(git commit:*)", "Bash(git status:*)", "Bash(git diff:*)")

	hiveScope := filepath.Join(filepath.Clean(cellPath), protocol.HiveDir) + "/**"
	return Settings{
		Hooks: hookCommands(binary, RoleBee, beeID),
		Permissions: Permissions{
			Allow: allow,
			Deny: []string{
				fmt.Sprintf("Read(%s)", hiveScope),
				fmt.Sprintf("Edit(%s)", hiveScope),
				fmt.Sprintf("Write(%s)", hiveScope),
				"Bash(git push:*)",
			},
		},
	}
}

// ForQueen returns read-only coordination settings.
func ForQueen(binary, id string) Settings {
	deny := make([]string, len(writeTools))
	copy(deny, writeTools)
	return Settings{
		Hooks: hookCommands(binary, RoleQueen, id),
		Permissions: Permissions{
			Allow: []string{"Read", "Glob", "Grep", "Bash(hive:*)", "Bash(git log:*)", "Bash(git status:*)", "Bash(git diff:*)"},
			Deny:  deny,
		},
	}
}

// ReadOnlyTools returns the tools a read-only agent, such as a diff
// reviewer, may use and the file-writing tools it must be denied.
func ReadOnlyTools() (allow, deny []string) {
	allow = []string{"Read", "Glob", "Grep", "Bash(git diff:*)", "Bash(git log:*)", "Bash(git show:*)"}
	deny = append([]string(nil), writeTools...)
	return allow, deny
}

// toolName splits "Edit(/x/**)" into "Edit" and "/x/**".
func toolName(entry string) (name, arg string) {
	i := strings.IndexByte(entry, '(')
	if i < 0 || !strings.HasSuffix(entry, ")") {
		return entry, ""
	}
	return entry[:i], entry[i+1 : len(entry)-1]
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// Validate checks the role's permission rules: a bee's path-scoped tools
// must stay inside root, and the queen may not be allowed any tool that
// writes files.
func Validate(role Role, root string, s Settings) error {
	for _, event := range []string{EventSessionStart, EventStop} {
		if len(s.Hooks[event]) == 0 {
			return fmt.Errorf("missing %s hook", event)
		}
	}
	switch role {
	case RoleBee:
		prefix := filepath.Clean(root) + "/"
		for _, entry := range s.Permissions.Allow {
			name, arg := toolName(entry)
			if !contains(pathTools, name) {
				continue
			}
			if arg == "" || !strings.HasPrefix(arg, prefix) {
				return fmt.Errorf("bee allow entry %q escapes %s", entry, root)
			}
		}
	case RoleQueen:
		for _, entry := range s.Permissions.Allow {
			name, arg := toolName(entry)
			if contains(writeTools, name) {
				return fmt.Errorf("queen allow entry %q can write files", entry)
			}
			if name == "Bash" && (arg == "" || arg == "*") {
				return fmt.Errorf("queen allow entry %q grants unrestricted shell", entry)
			}
		}
	default:
		return fmt.Errorf("unknown role %q", role)
	}
	return nil
}

// Write stores settings at <dir>/.claude/settings.local.json and returns
// the file path. The file is replaced atomically.
func Write(dir string, s Settings) (string, error) {
	path := filepath.Join(dir, protocol.HookSettingsFile)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("create settings dir: %w", err)
	}
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal settings: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, append(data, '\n'), 0o600); err != nil {
		return "", fmt.Errorf("write settings: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return "", fmt.Errorf("install settings: %w", err)
	}
	return path, nil
}

// Read loads a settings file.
func Read(path string) (Settings, error) {
	data, err := os.ReadFile(path) //nolint:gosec // caller-provided settings path
	if err != nil {
		return Settings{}, fmt.Errorf("read settings: %w", err)
	}
	var s Settings
	if err := json.Unmarshal(data, &s); err != nil {
		return Settings{}, fmt.Errorf("parse settings %s: %w", path, err)
	}
	return s, nil
}
