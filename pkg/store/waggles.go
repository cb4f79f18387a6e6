package store

import (
	"context"
	"encoding/json"
	"fmt"

	"hive/pkg/protocol"
)

// StoredWaggle pairs a waggle with its insertion sequence (SQLite rowid).
type StoredWaggle struct {
	Seq    int64
	Waggle protocol.Waggle
}

const waggleColumns = `rowid, id, sender, recipient, subject, body, read, metadata, created_at`

func scanWaggle(row scanner) (StoredWaggle, error) {
	var (
		sw      StoredWaggle
		read    int
		meta    string
		created string
	)
	w := &sw.Waggle
	if err := row.Scan(&sw.Seq, &w.ID, &w.From, &w.To, &w.Subject, &w.Body, &read, &meta, &created); err != nil {
		return StoredWaggle{}, err
	}
	w.Read = read != 0
	if meta != "" && meta != "{}" {
		w.Metadata = json.RawMessage(meta)
	}
	w.CreatedAt = parseTime(created)
	return sw, nil
}

// InsertWaggle appends a waggle and returns it with its sequence number.
func (s *Store) InsertWaggle(ctx context.Context, w protocol.Waggle) (StoredWaggle, error) {
	if w.To == "" {
		return StoredWaggle{}, &protocol.FieldError{Field: "to"}
	}
	if w.ID == "" {
		w.ID = protocol.NewID(protocol.PrefixWaggle)
	}
	meta := "{}"
	if len(w.Metadata) > 0 {
		if !json.Valid(w.Metadata) {
			return StoredWaggle{}, &protocol.FieldError{Field: "metadata", Value: string(w.Metadata)}
		}
		meta = string(w.Metadata)
	}
	now := s.now().UTC()
	w.CreatedAt = now
	w.Read = false

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO waggles (id, sender, recipient, subject, body, read, metadata, created_at)
		 VALUES (?, ?, ?, ?, ?, 0, ?, ?)`,
		w.ID, w.From, w.To, w.Subject, w.Body, meta, formatTime(now))
	if err != nil {
		return StoredWaggle{}, fmt.Errorf("insert waggle: %w", err)
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return StoredWaggle{}, fmt.Errorf("waggle rowid: %w", err)
	}
	return StoredWaggle{Seq: seq, Waggle: w}, nil
}

// GetWaggle returns a single waggle.
func (s *Store) GetWaggle(ctx context.Context, id string) (protocol.Waggle, error) {
	sw, err := scanWaggle(s.db.QueryRowContext(ctx, `SELECT `+waggleColumns+` FROM waggles WHERE id = ?`, id))
	if err != nil {
		return protocol.Waggle{}, notFound("waggle", id, err)
	}
	return sw.Waggle, nil
}

// ListWaggles returns waggles addressed to topic, newest first. An empty
// topic lists every topic. limit <= 0 means no limit.
func (s *Store) ListWaggles(ctx context.Context, topic string, limit int, unreadOnly bool) ([]protocol.Waggle, error) {
	query := `SELECT ` + waggleColumns + ` FROM waggles WHERE 1 = 1`
	var args []any
	if topic != "" {
		query += ` AND recipient = ?`
		args = append(args, topic)
	}
	if unreadOnly {
		query += ` AND read = 0`
	}
	query += ` ORDER BY rowid DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	stored, err := s.queryWaggles(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	out := make([]protocol.Waggle, len(stored))
	for i, sw := range stored {
		out[i] = sw.Waggle
	}
	return out, nil
}

// UnreadFor returns unread waggles for topic, oldest first.
func (s *Store) UnreadFor(ctx context.Context, topic string) ([]StoredWaggle, error) {
	return s.queryWaggles(ctx,
		`SELECT `+waggleColumns+` FROM waggles WHERE recipient = ? AND read = 0 ORDER BY rowid`, topic)
}

// WagglesAfter returns waggles with a sequence greater than seq, oldest first.
func (s *Store) WagglesAfter(ctx context.Context, seq int64, limit int) ([]StoredWaggle, error) {
	if limit <= 0 {
		limit = 500
	}
	return s.queryWaggles(ctx,
		`SELECT `+waggleColumns+` FROM waggles WHERE rowid > ? ORDER BY rowid LIMIT ?`, seq, limit)
}

// LatestWaggleSeq returns the highest sequence number, or 0 when empty.
func (s *Store) LatestWaggleSeq(ctx context.Context) (int64, error) {
	var seq int64
	if err := s.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(rowid), 0) FROM waggles`).Scan(&seq); err != nil {
		return 0, fmt.Errorf("latest waggle seq: %w", err)
	}
	return seq, nil
}

func (s *Store) queryWaggles(ctx context.Context, query string, args ...any) ([]StoredWaggle, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query waggles: %w", err)
	}
	defer rows.Close()

	var out []StoredWaggle
	for rows.Next() {
		sw, err := scanWaggle(rows)
		if err != nil {
			return nil, fmt.Errorf("scan waggle: %w", err)
		}
		out = append(out, sw)
	}
	return out, rows.Err()
}

// MarkWaggleRead sets the read flag. Marking an already-read waggle is a no-op.
func (s *Store) MarkWaggleRead(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE waggles SET read = 1 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("mark waggle %s read: %w", id, err)
	}
	return requireRow(res, "waggle", id)
}
