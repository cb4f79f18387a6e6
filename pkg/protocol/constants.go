package protocol

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/google/uuid"
)

// Directory and path constants used throughout hive.
const (
	// HiveDir is the per-repository control directory. Bees never see it.
	HiveDir = ".hive"

	// CellsDir is the directory under HiveDir where worktrees are created.
	CellsDir = "cells"

	// HomeDir is the user-level state directory (e.g., ~/.hive).
	HomeDir = ".hive"

	// BranchPrefix is the git branch prefix for bee worktrees.
	BranchPrefix = "hive/"

	// HookSettingsFile is the agent settings file written into each cell.
	HookSettingsFile = ".claude/settings.local.json"
)

// ID prefixes. Every record ID is "<prefix>-<uuid>".
const (
	PrefixComb   = "comb"
	PrefixQuest  = "quest"
	PrefixJob    = "job"
	PrefixBee    = "bee"
	PrefixCell   = "cell"
	PrefixWaggle = "waggle"
	PrefixCost   = "cost"
)

// NewID returns a globally unique identifier carrying the given prefix.
func NewID(prefix string) string {
	return prefix + "-" + uuid.NewString()
}

// HasPrefix reports whether id was minted with prefix.
func HasPrefix(id, prefix string) bool {
	return strings.HasPrefix(id, prefix+"-")
}

// idPattern restricts IDs to characters that are safe in branch names and paths.
var idPattern = regexp.MustCompile(`^[a-z]+-[A-Za-z0-9._-]+$`)

// ValidateID rejects IDs that could escape a directory or break a git ref.
func ValidateID(id string) error {
	if id == "" {
		return fmt.Errorf("empty id")
	}
	if strings.Contains(id, "..") || !idPattern.MatchString(id) {
		return fmt.Errorf("invalid id %q", id)
	}
	return nil
}

// Well-known bus topics.
const (
	TopicQueen    = "queen"
	TopicCosts    = "costs"
	TopicOperator = "operator"
)

// TopicComb returns the per-project topic.
func TopicComb(combID string) string { return "comb:" + combID }

// Waggle subjects.
const (
	SubjectStatus     = "status"
	SubjectProgress   = "progress"
	SubjectCost       = "cost"
	SubjectJobDone    = "job_done"
	SubjectJobFailed  = "job_failed"
	SubjectEscalation = "escalation"
	SubjectCommand    = "command"
	SubjectSession    = "session"
)

// Metadata keys carried on waggles.
const (
	MetaJobID   = "job_id"
	MetaBeeID   = "bee_id"
	MetaCombID  = "comb_id"
	MetaStatus  = "status"
	MetaOutcome = "outcome"
	MetaReason  = "reason"
	MetaOp      = "op"
	MetaTarget  = "target"
)
