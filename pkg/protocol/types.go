// Package protocol defines the records, status enums, identifiers, topics and
// typed errors shared by every hive component. It has no behaviour beyond
// validation helpers so that the store, the bus and the supervisors can agree
// on one vocabulary.
package protocol

import (
	"encoding/json"
	"time"
)

// MergePolicy controls what happens to a bee's branch after a passing job.
type MergePolicy string

// Merge policy constants.
const (
	MergeManual   MergePolicy = "manual"     // leave the branch for the operator
	MergeAuto     MergePolicy = "auto_merge" // rebase and fast-forward onto the base branch
	MergePRBranch MergePolicy = "pr_branch"  // push the branch for review
)

// Valid reports whether p is a known merge policy.
func (p MergePolicy) Valid() bool {
	switch p {
	case MergeManual, MergeAuto, MergePRBranch:
		return true
	default:
		return false
	}
}

// Comb is a tracked source repository (a project).
type Comb struct {
	ID                string      `json:"id"`
	Name              string      `json:"name"`
	RepoURL           string      `json:"repo_url,omitempty"`
	Path              string      `json:"path"`
	MergePolicy       MergePolicy `json:"merge_policy"`
	ValidationCommand string      `json:"validation_command,omitempty"`
	BaseBranch        string      `json:"base_branch"`
	CreatedAt         time.Time   `json:"created_at"`
}

// Quest is a named objective decomposed into jobs.
type Quest struct {
	ID        string      `json:"id"`
	Name      string      `json:"name"`
	Status    QuestStatus `json:"status"`
	CombID    string      `json:"comb_id,omitempty"`
	CreatedAt time.Time   `json:"created_at"`
	UpdatedAt time.Time   `json:"updated_at"`
}

// Job is one schedulable unit of work.
type Job struct {
	ID          string    `json:"id"`
	Title       string    `json:"title"`
	Description string    `json:"description,omitempty"`
	Status      JobStatus `json:"status"`
	QuestID     string    `json:"quest_id"`
	CombID      string    `json:"comb_id"`
	BeeID       string    `json:"bee_id,omitempty"`
	DependsOn   []string  `json:"depends_on,omitempty"`
	Reason      string    `json:"reason,omitempty"` // last failure reason
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Bee is an ephemeral agent instance that executes exactly one job.
type Bee struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	CombID    string    `json:"comb_id"`
	Status    BeeStatus `json:"status"`
	JobID     string    `json:"job_id,omitempty"`
	CellID    string    `json:"cell_id,omitempty"`
	PID       int       `json:"pid,omitempty"`
	SessionID string    `json:"session_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Cell is an isolated git worktree owned by one bee.
type Cell struct {
	ID        string     `json:"id"`
	BeeID     string     `json:"bee_id"`
	CombID    string     `json:"comb_id"`
	Path      string     `json:"path"`
	Branch    string     `json:"branch"`
	BaseSHA   string     `json:"base_sha,omitempty"`
	Status    CellStatus `json:"status"`
	CreatedAt time.Time  `json:"created_at"`
	RemovedAt *time.Time `json:"removed_at,omitempty"`
}

// Waggle is one message on the bus. Only Read ever changes after insert.
type Waggle struct {
	ID        string          `json:"id"`
	From      string          `json:"from"`
	To        string          `json:"to"`
	Subject   string          `json:"subject,omitempty"`
	Body      string          `json:"body,omitempty"`
	Read      bool            `json:"read"`
	Metadata  json.RawMessage `json:"metadata,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// Meta decodes the metadata blob into a string map. Non-string values are
// rendered with their JSON text. A missing or malformed blob yields an empty map.
func (w Waggle) Meta() map[string]string {
	out := map[string]string{}
	if len(w.Metadata) == 0 {
		return out
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(w.Metadata, &raw); err != nil {
		return out
	}
	for k, v := range raw {
		var s string
		if err := json.Unmarshal(v, &s); err == nil {
			out[k] = s
			continue
		}
		out[k] = string(v)
	}
	return out
}

// CostRecord is one append-only resource usage observation.
type CostRecord struct {
	ID               string    `json:"id"`
	BeeID            string    `json:"bee_id"`
	InputTokens      int64     `json:"input_tokens"`
	OutputTokens     int64     `json:"output_tokens"`
	CacheReadTokens  int64     `json:"cache_read_tokens"`
	CacheWriteTokens int64     `json:"cache_write_tokens"`
	CostUSD          float64   `json:"cost_usd"`
	Model            string    `json:"model"`
	RecordedAt       time.Time `json:"recorded_at"`
}

// CostTotals aggregates cost records.
type CostTotals struct {
	Records          int     `json:"records"`
	InputTokens      int64   `json:"input_tokens"`
	OutputTokens     int64   `json:"output_tokens"`
	CacheReadTokens  int64   `json:"cache_read_tokens"`
	CacheWriteTokens int64   `json:"cache_write_tokens"`
	CostUSD          float64 `json:"cost_usd"`
}
