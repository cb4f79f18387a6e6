package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"hive/pkg/protocol"
)

const questColumns = `id, name, status, comb_id, created_at, updated_at`

func scanQuest(row scanner) (protocol.Quest, error) {
	var (
		q                protocol.Quest
		status           string
		combID           sql.NullString
		created, updated string
	)
	if err := row.Scan(&q.ID, &q.Name, &status, &combID, &created, &updated); err != nil {
		return protocol.Quest{}, err
	}
	q.Status = protocol.QuestStatus(status)
	q.CombID = combID.String
	q.CreatedAt = parseTime(created)
	q.UpdatedAt = parseTime(updated)
	return q, nil
}

// CreateQuest inserts a pending quest. combID may be empty.
func (s *Store) CreateQuest(ctx context.Context, name, combID string) (protocol.Quest, error) {
	if strings.TrimSpace(name) == "" {
		return protocol.Quest{}, &protocol.FieldError{Field: "name"}
	}
	if combID != "" {
		if _, err := s.GetComb(ctx, combID); err != nil {
			return protocol.Quest{}, err
		}
	}
	now := s.now().UTC()
	q := protocol.Quest{
		ID:        protocol.NewID(protocol.PrefixQuest),
		Name:      name,
		Status:    protocol.QuestPending,
		CombID:    combID,
		CreatedAt: now,
		UpdatedAt: now,
	}
	ts := formatTime(now)
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO quests (`+questColumns+`) VALUES (?, ?, ?, ?, ?, ?)`,
		q.ID, q.Name, string(q.Status), nullString(combID), ts, ts); err != nil {
		return protocol.Quest{}, fmt.Errorf("insert quest: %w", err)
	}
	return q, nil
}

// GetQuest returns the quest with the given ID.
func (s *Store) GetQuest(ctx context.Context, id string) (protocol.Quest, error) {
	q, err := scanQuest(s.db.QueryRowContext(ctx, `SELECT `+questColumns+` FROM quests WHERE id = ?`, id))
	if err != nil {
		return protocol.Quest{}, notFound("quest", id, err)
	}
	return q, nil
}

// ListQuests returns quests in creation order, optionally filtered by comb.
func (s *Store) ListQuests(ctx context.Context, combID string) ([]protocol.Quest, error) {
	query := `SELECT ` + questColumns + ` FROM quests`
	var args []any
	if combID != "" {
		query += ` WHERE comb_id = ?`
		args = append(args, combID)
	}
	rows, err := s.db.QueryContext(ctx, query+` ORDER BY rowid`, args...)
	if err != nil {
		return nil, fmt.Errorf("list quests: %w", err)
	}
	defer rows.Close()

	var out []protocol.Quest
	for rows.Next() {
		q, err := scanQuest(rows)
		if err != nil {
			return nil, fmt.Errorf("scan quest: %w", err)
		}
		out = append(out, q)
	}
	return out, rows.Err()
}

// SetQuestStatus overwrites a quest's status.
func (s *Store) SetQuestStatus(ctx context.Context, id string, status protocol.QuestStatus) error {
	if !status.Valid() {
		return &protocol.FieldError{Field: "status", Value: string(status)}
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE quests SET status = ?, updated_at = ? WHERE id = ?`, string(status), s.stamp(), id)
	if err != nil {
		return fmt.Errorf("set quest %s status: %w", id, err)
	}
	return requireRow(res, "quest", id)
}

// requireRow converts a zero-row update into NotFoundError.
func requireRow(res sql.Result, kind, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return &protocol.NotFoundError{Kind: kind, ID: id}
	}
	return nil
}
