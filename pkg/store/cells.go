package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"hive/pkg/protocol"
)

// ErrActiveCellExists is returned when a bee already owns an active cell.
var ErrActiveCellExists = errors.New("bee already has an active cell")

const cellColumns = `id, bee_id, comb_id, path, branch, base_sha, status, created_at, removed_at`

func scanCell(row scanner) (protocol.Cell, error) {
	var (
		c       protocol.Cell
		status  string
		created string
		removed sql.NullString
	)
	if err := row.Scan(&c.ID, &c.BeeID, &c.CombID, &c.Path, &c.Branch, &c.BaseSHA, &status, &created, &removed); err != nil {
		return protocol.Cell{}, err
	}
	c.Status = protocol.CellStatus(status)
	c.CreatedAt = parseTime(created)
	c.RemovedAt = parseNullTime(removed)
	return c, nil
}

// CreateCell inserts an active cell. The bee's comb must match the cell's.
func (s *Store) CreateCell(ctx context.Context, c protocol.Cell) (protocol.Cell, error) {
	if c.ID == "" {
		c.ID = protocol.NewID(protocol.PrefixCell)
	}
	now := s.now().UTC()
	c.Status = protocol.CellActive
	c.CreatedAt = now
	c.RemovedAt = nil

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var beeComb string
		if err := tx.QueryRowContext(ctx, `SELECT comb_id FROM bees WHERE id = ?`, c.BeeID).Scan(&beeComb); err != nil {
			return notFound("bee", c.BeeID, err)
		}
		if beeComb != c.CombID {
			return fmt.Errorf("cell comb %s, bee comb %s: %w", c.CombID, beeComb, protocol.ErrProjectMismatch)
		}
		_, err := tx.ExecContext(ctx,
			`INSERT INTO cells (`+cellColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, NULL)`,
			c.ID, c.BeeID, c.CombID, c.Path, c.Branch, c.BaseSHA, string(c.Status), formatTime(now))
		if isUniqueViolation(err) {
			return fmt.Errorf("bee %s: %w", c.BeeID, ErrActiveCellExists)
		}
		if err != nil {
			return fmt.Errorf("insert cell: %w", err)
		}
		return nil
	})
	if err != nil {
		return protocol.Cell{}, err
	}
	return c, nil
}

// GetCell returns the cell with the given ID.
func (s *Store) GetCell(ctx context.Context, id string) (protocol.Cell, error) {
	c, err := scanCell(s.db.QueryRowContext(ctx, `SELECT `+cellColumns+` FROM cells WHERE id = ?`, id))
	if err != nil {
		return protocol.Cell{}, notFound("cell", id, err)
	}
	return c, nil
}

// ActiveCellForBee returns the bee's active cell, or NotFoundError.
func (s *Store) ActiveCellForBee(ctx context.Context, beeID string) (protocol.Cell, error) {
	c, err := scanCell(s.db.QueryRowContext(ctx,
		`SELECT `+cellColumns+` FROM cells WHERE bee_id = ? AND status = 'active'`, beeID))
	if err != nil {
		return protocol.Cell{}, notFound("cell", "active:"+beeID, err)
	}
	return c, nil
}

// ListCells returns cells in creation order, optionally filtered.
func (s *Store) ListCells(ctx context.Context, combID string, status protocol.CellStatus) ([]protocol.Cell, error) {
	query := `SELECT ` + cellColumns + ` FROM cells WHERE 1 = 1`
	var args []any
	if combID != "" {
		query += ` AND comb_id = ?`
		args = append(args, combID)
	}
	if status != "" {
		query += ` AND status = ?`
		args = append(args, string(status))
	}
	rows, err := s.db.QueryContext(ctx, query+` ORDER BY rowid`, args...)
	if err != nil {
		return nil, fmt.Errorf("list cells: %w", err)
	}
	defer rows.Close()

	var out []protocol.Cell
	for rows.Next() {
		c, err := scanCell(rows)
		if err != nil {
			return nil, fmt.Errorf("scan cell: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// MarkCellRemoved records that the worktree is gone. An active cell becomes
// removed; a merged cell keeps its status. The first removal time wins.
func (s *Store) MarkCellRemoved(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE cells
		 SET status = CASE WHEN status = 'active' THEN 'removed' ELSE status END,
		     removed_at = COALESCE(removed_at, ?)
		 WHERE id = ?`, s.stamp(), id)
	if err != nil {
		return fmt.Errorf("mark cell %s removed: %w", id, err)
	}
	return requireRow(res, "cell", id)
}

// MarkCellMerged flags an active cell as merged.
func (s *Store) MarkCellMerged(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE cells SET status = 'merged' WHERE id = ? AND status = 'active'`, id)
	if err != nil {
		return fmt.Errorf("mark cell %s merged: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		if _, err := s.GetCell(ctx, id); err != nil {
			return err
		}
	}
	return nil
}
