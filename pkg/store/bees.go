package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"hive/pkg/protocol"
)

const beeColumns = `id, name, comb_id, status, job_id, cell_id, pid, session_id, created_at, updated_at`

func scanBee(row scanner) (protocol.Bee, error) {
	var (
		b                protocol.Bee
		status           string
		jobID, cellID    sql.NullString
		created, updated string
	)
	if err := row.Scan(&b.ID, &b.Name, &b.CombID, &status, &jobID, &cellID, &b.PID, &b.SessionID, &created, &updated); err != nil {
		return protocol.Bee{}, err
	}
	b.Status = protocol.BeeStatus(status)
	b.JobID = jobID.String
	b.CellID = cellID.String
	b.CreatedAt = parseTime(created)
	b.UpdatedAt = parseTime(updated)
	return b, nil
}

// CreateBee inserts a bee in the starting state.
func (s *Store) CreateBee(ctx context.Context, combID, jobID string) (protocol.Bee, error) {
	if _, err := s.GetComb(ctx, combID); err != nil {
		return protocol.Bee{}, err
	}
	now := s.now().UTC()
	id := protocol.NewID(protocol.PrefixBee)
	b := protocol.Bee{
		ID:        id,
		Name:      beeName(id),
		CombID:    combID,
		Status:    protocol.BeeStarting,
		JobID:     jobID,
		CreatedAt: now,
		UpdatedAt: now,
	}
	ts := formatTime(now)
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO bees (`+beeColumns+`) VALUES (?, ?, ?, ?, ?, NULL, 0, '', ?, ?)`,
		b.ID, b.Name, b.CombID, string(b.Status), nullString(jobID), ts, ts); err != nil {
		return protocol.Bee{}, fmt.Errorf("insert bee: %w", err)
	}
	return b, nil
}

// beeName derives a short human label from the bee ID.
func beeName(id string) string {
	short := strings.TrimPrefix(id, protocol.PrefixBee+"-")
	if len(short) > 8 {
		short = short[:8]
	}
	return "bee-" + short
}

// GetBee returns the bee with the given ID.
func (s *Store) GetBee(ctx context.Context, id string) (protocol.Bee, error) {
	b, err := scanBee(s.db.QueryRowContext(ctx, `SELECT `+beeColumns+` FROM bees WHERE id = ?`, id))
	if err != nil {
		return protocol.Bee{}, notFound("bee", id, err)
	}
	return b, nil
}

// ListBees returns bees in creation order, optionally filtered by comb and status.
func (s *Store) ListBees(ctx context.Context, combID string, statuses ...protocol.BeeStatus) ([]protocol.Bee, error) {
	var (
		where []string
		args  []any
	)
	if combID != "" {
		where = append(where, "comb_id = ?")
		args = append(args, combID)
	}
	if len(statuses) > 0 {
		marks := make([]string, len(statuses))
		for i, st := range statuses {
			marks[i] = "?"
			args = append(args, string(st))
		}
		where = append(where, "status IN ("+strings.Join(marks, ", ")+")")
	}
	query := `SELECT ` + beeColumns + ` FROM bees`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	rows, err := s.db.QueryContext(ctx, query+` ORDER BY rowid`, args...)
	if err != nil {
		return nil, fmt.Errorf("list bees: %w", err)
	}
	defer rows.Close()

	var out []protocol.Bee
	for rows.Next() {
		b, err := scanBee(rows)
		if err != nil {
			return nil, fmt.Errorf("scan bee: %w", err)
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// TransitionBee moves a bee to a new state if the state machine allows it
// and returns the previous state.
func (s *Store) TransitionBee(ctx context.Context, id string, to protocol.BeeStatus) (protocol.BeeStatus, error) {
	var from protocol.BeeStatus
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var cur string
		if err := tx.QueryRowContext(ctx, `SELECT status FROM bees WHERE id = ?`, id).Scan(&cur); err != nil {
			return notFound("bee", id, err)
		}
		from = protocol.BeeStatus(cur)
		if !from.CanTransition(to) {
			return &protocol.TransitionError{BeeID: id, From: from, To: to}
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE bees SET status = ?, updated_at = ? WHERE id = ?`, string(to), s.stamp(), id); err != nil {
			return fmt.Errorf("update bee %s: %w", id, err)
		}
		return nil
	})
	return from, err
}

// SetBeeCell records (or clears, with "") the bee's current cell.
func (s *Store) SetBeeCell(ctx context.Context, id, cellID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE bees SET cell_id = ?, updated_at = ? WHERE id = ?`, nullString(cellID), s.stamp(), id)
	if err != nil {
		return fmt.Errorf("set bee %s cell: %w", id, err)
	}
	return requireRow(res, "bee", id)
}

// SetBeeProcess records the agent's process ID and, when non-empty, its
// session ID. A zero pid clears the process handle.
func (s *Store) SetBeeProcess(ctx context.Context, id string, pid int, sessionID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE bees SET pid = ?, session_id = CASE WHEN ? = '' THEN session_id ELSE ? END, updated_at = ?
		 WHERE id = ?`, pid, sessionID, sessionID, s.stamp(), id)
	if err != nil {
		return fmt.Errorf("set bee %s process: %w", id, err)
	}
	return requireRow(res, "bee", id)
}
