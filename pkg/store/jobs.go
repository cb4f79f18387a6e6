package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"hive/pkg/protocol"
)

// ErrNotRunnable is returned by MarkJobRunning when the job is not assigned
// to the bee or the bee has no active cell.
var ErrNotRunnable = fmt.Errorf("job not runnable: %w", protocol.ErrInvalidTransition)

// JobFilter narrows ListJobs. Empty fields match everything.
type JobFilter struct {
	CombID  string
	QuestID string
	BeeID   string
	Status  []protocol.JobStatus
}

const jobColumns = `id, title, description, status, quest_id, comb_id, bee_id, reason, created_at, updated_at`

func scanJob(row scanner) (protocol.Job, error) {
	var (
		j                protocol.Job
		status           string
		beeID            sql.NullString
		created, updated string
	)
	if err := row.Scan(&j.ID, &j.Title, &j.Description, &status, &j.QuestID, &j.CombID, &beeID, &j.Reason, &created, &updated); err != nil {
		return protocol.Job{}, err
	}
	j.Status = protocol.JobStatus(status)
	j.BeeID = beeID.String
	j.CreatedAt = parseTime(created)
	j.UpdatedAt = parseTime(updated)
	return j, nil
}

// CreateJob inserts a pending job and its dependency edges atomically.
//
// It enforces the record-level invariants: the quest and comb exist, the
// comb matches the quest's comb when the quest has one, and every dependency
// exists in the same comb, appears once and is not the job itself. Cycle
// detection across the wider graph is the caller's concern.
func (s *Store) CreateJob(ctx context.Context, j protocol.Job) (protocol.Job, error) {
	if strings.TrimSpace(j.Title) == "" {
		return protocol.Job{}, &protocol.FieldError{Field: "title"}
	}
	if j.ID == "" {
		j.ID = protocol.NewID(protocol.PrefixJob)
	}
	now := s.now().UTC()
	j.Status = protocol.JobPending
	j.BeeID = ""
	j.Reason = ""
	j.CreatedAt = now
	j.UpdatedAt = now

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var questComb sql.NullString
		err := tx.QueryRowContext(ctx, `SELECT comb_id FROM quests WHERE id = ?`, j.QuestID).Scan(&questComb)
		if err != nil {
			return notFound("quest", j.QuestID, err)
		}
		var one int
		if err := tx.QueryRowContext(ctx, `SELECT 1 FROM combs WHERE id = ?`, j.CombID).Scan(&one); err != nil {
			return notFound("comb", j.CombID, err)
		}
		if questComb.Valid && questComb.String != "" && questComb.String != j.CombID {
			return fmt.Errorf("job comb %s, quest comb %s: %w", j.CombID, questComb.String, protocol.ErrProjectMismatch)
		}

		seen := make(map[string]bool, len(j.DependsOn))
		for _, dep := range j.DependsOn {
			if dep == j.ID {
				return &protocol.InvalidDependencyError{JobID: j.ID, DependsOn: dep, Reason: "cycle"}
			}
			if seen[dep] {
				return &protocol.InvalidDependencyError{JobID: j.ID, DependsOn: dep, Reason: "duplicate"}
			}
			seen[dep] = true
			var depComb string
			err := tx.QueryRowContext(ctx, `SELECT comb_id FROM jobs WHERE id = ?`, dep).Scan(&depComb)
			if errors.Is(err, sql.ErrNoRows) {
				return &protocol.InvalidDependencyError{JobID: j.ID, DependsOn: dep, Reason: "missing"}
			}
			if err != nil {
				return fmt.Errorf("look up dependency %s: %w", dep, err)
			}
			if depComb != j.CombID {
				return &protocol.InvalidDependencyError{JobID: j.ID, DependsOn: dep, Reason: "other_project"}
			}
		}

		ts := formatTime(now)
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO jobs (`+jobColumns+`) VALUES (?, ?, ?, ?, ?, ?, NULL, '', ?, ?)`,
			j.ID, j.Title, j.Description, string(j.Status), j.QuestID, j.CombID, ts, ts); err != nil {
			return fmt.Errorf("insert job: %w", err)
		}
		for _, dep := range j.DependsOn {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO job_deps (job_id, depends_on) VALUES (?, ?)`, j.ID, dep); err != nil {
				return fmt.Errorf("insert dependency %s: %w", dep, err)
			}
		}
		return nil
	})
	if err != nil {
		return protocol.Job{}, err
	}
	return j, nil
}

// GetJob returns the job with its dependency list.
func (s *Store) GetJob(ctx context.Context, id string) (protocol.Job, error) {
	j, err := scanJob(s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id))
	if err != nil {
		return protocol.Job{}, notFound("job", id, err)
	}
	deps, err := s.dependencies(ctx, id)
	if err != nil {
		return protocol.Job{}, err
	}
	j.DependsOn = deps
	return j, nil
}

func (s *Store) dependencies(ctx context.Context, jobID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT depends_on FROM job_deps WHERE job_id = ? ORDER BY rowid`, jobID)
	if err != nil {
		return nil, fmt.Errorf("list dependencies of %s: %w", jobID, err)
	}
	defer rows.Close()
	var deps []string
	for rows.Next() {
		var d string
		if err := rows.Scan(&d); err != nil {
			return nil, fmt.Errorf("scan dependency: %w", err)
		}
		deps = append(deps, d)
	}
	return deps, rows.Err()
}

// ListJobs returns jobs in insertion order with their dependency lists.
func (s *Store) ListJobs(ctx context.Context, f JobFilter) ([]protocol.Job, error) {
	var (
		where []string
		args  []any
	)
	if f.CombID != "" {
		where = append(where, "comb_id = ?")
		args = append(args, f.CombID)
	}
	if f.QuestID != "" {
		where = append(where, "quest_id = ?")
		args = append(args, f.QuestID)
	}
	if f.BeeID != "" {
		where = append(where, "bee_id = ?")
		args = append(args, f.BeeID)
	}
	if len(f.Status) > 0 {
		marks := make([]string, len(f.Status))
		for i, st := range f.Status {
			marks[i] = "?"
			args = append(args, string(st))
		}
		where = append(where, "status IN ("+strings.Join(marks, ", ")+")")
	}
	query := `SELECT ` + jobColumns + ` FROM jobs`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY rowid`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	var jobs []protocol.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	_ = rows.Close()

	if len(jobs) == 0 {
		return jobs, nil
	}
	graph, err := s.edges(ctx, f.CombID)
	if err != nil {
		return nil, err
	}
	for i := range jobs {
		jobs[i].DependsOn = graph[jobs[i].ID]
	}
	return jobs, nil
}

// DependencyGraph maps each job in the comb to the jobs it depends on.
func (s *Store) DependencyGraph(ctx context.Context, combID string) (map[string][]string, error) {
	return s.edges(ctx, combID)
}

func (s *Store) edges(ctx context.Context, combID string) (map[string][]string, error) {
	query := `SELECT d.job_id, d.depends_on FROM job_deps d`
	var args []any
	if combID != "" {
		query += ` JOIN jobs j ON j.id = d.job_id WHERE j.comb_id = ?`
		args = append(args, combID)
	}
	rows, err := s.db.QueryContext(ctx, query+` ORDER BY d.rowid`, args...)
	if err != nil {
		return nil, fmt.Errorf("load dependency graph: %w", err)
	}
	defer rows.Close()
	graph := make(map[string][]string)
	for rows.Next() {
		var from, to string
		if err := rows.Scan(&from, &to); err != nil {
			return nil, fmt.Errorf("scan edge: %w", err)
		}
		graph[from] = append(graph[from], to)
	}
	return graph, rows.Err()
}

// AssignJob moves a pending job to assigned under beeID. A job that is not
// pending yields ErrAlreadyAssigned; a missing job yields NotFoundError.
func (s *Store) AssignJob(ctx context.Context, jobID, beeID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET status = 'assigned', bee_id = ?, reason = '', updated_at = ?
		 WHERE id = ? AND status = 'pending'`, beeID, s.stamp(), jobID)
	if err != nil {
		return fmt.Errorf("assign job %s: %w", jobID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 1 {
		return nil
	}
	if _, err := s.GetJob(ctx, jobID); err != nil {
		return err
	}
	return fmt.Errorf("job %s: %w", jobID, protocol.ErrAlreadyAssigned)
}

// MarkJobRunning moves an assigned job to running. It succeeds only when
// the job is held by beeID and that bee owns an active cell.
func (s *Store) MarkJobRunning(ctx context.Context, jobID, beeID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET status = 'running', updated_at = ?
		 WHERE id = ? AND bee_id = ? AND status IN ('assigned', 'running')
		   AND EXISTS (SELECT 1 FROM cells WHERE bee_id = ? AND status = 'active')`,
		s.stamp(), jobID, beeID, beeID)
	if err != nil {
		return fmt.Errorf("mark job %s running: %w", jobID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("job %s bee %s: %w", jobID, beeID, ErrNotRunnable)
	}
	return nil
}

// SetJobStatus overwrites status and reason unconditionally.
func (s *Store) SetJobStatus(ctx context.Context, id string, status protocol.JobStatus, reason string) error {
	if !status.Valid() {
		return &protocol.FieldError{Field: "status", Value: string(status)}
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET status = ?, reason = ?, updated_at = ? WHERE id = ?`,
		string(status), reason, s.stamp(), id)
	if err != nil {
		return fmt.Errorf("set job %s status: %w", id, err)
	}
	return requireRow(res, "job", id)
}

// FinishJob records a terminal outcome. It reports false without error when
// the job is already done or failed, which makes completion idempotent.
func (s *Store) FinishJob(ctx context.Context, id string, status protocol.JobStatus, reason string) (bool, error) {
	if !status.Terminal() {
		return false, &protocol.FieldError{Field: "status", Value: string(status)}
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET status = ?, reason = ?, updated_at = ?
		 WHERE id = ? AND status NOT IN ('done', 'failed')`,
		string(status), reason, s.stamp(), id)
	if err != nil {
		return false, fmt.Errorf("finish job %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	if n == 1 {
		return true, nil
	}
	if _, err := s.GetJob(ctx, id); err != nil {
		return false, err
	}
	return false, nil
}

// UnassignJob returns an assigned (not yet running) job to pending.
func (s *Store) UnassignJob(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET status = 'pending', bee_id = NULL, updated_at = ?
		 WHERE id = ? AND status = 'assigned'`, s.stamp(), id)
	if err != nil {
		return fmt.Errorf("unassign job %s: %w", id, err)
	}
	return nil
}

// ResetJob returns a failed or blocked job to pending and clears its bee.
// It reports false when the job was in any other state.
func (s *Store) ResetJob(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET status = 'pending', bee_id = NULL, reason = '', updated_at = ?
		 WHERE id = ? AND status IN ('failed', 'blocked')`, s.stamp(), id)
	if err != nil {
		return false, fmt.Errorf("reset job %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	if n == 1 {
		return true, nil
	}
	if _, err := s.GetJob(ctx, id); err != nil {
		return false, err
	}
	return false, nil
}
