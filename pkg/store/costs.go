package store

import (
	"context"
	"fmt"

	"hive/pkg/protocol"
)

const costColumns = `id, bee_id, input_tokens, output_tokens, cache_read_tokens, cache_write_tokens, cost_usd, model, recorded_at`

// InsertCost appends a cost record. Records cannot be changed afterwards.
func (s *Store) InsertCost(ctx context.Context, c protocol.CostRecord) (protocol.CostRecord, error) {
	if c.BeeID == "" {
		return protocol.CostRecord{}, &protocol.FieldError{Field: "bee_id"}
	}
	for field, v := range map[string]int64{
		"input_tokens":       c.InputTokens,
		"output_tokens":      c.OutputTokens,
		"cache_read_tokens":  c.CacheReadTokens,
		"cache_write_tokens": c.CacheWriteTokens,
	} {
		if v < 0 {
			return protocol.CostRecord{}, &protocol.FieldError{Field: field, Value: fmt.Sprint(v)}
		}
	}
	if c.CostUSD < 0 {
		return protocol.CostRecord{}, &protocol.FieldError{Field: "cost_usd", Value: fmt.Sprint(c.CostUSD)}
	}
	if c.ID == "" {
		c.ID = protocol.NewID(protocol.PrefixCost)
	}
	now := s.now().UTC()
	c.RecordedAt = now

	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO costs (`+costColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.BeeID, c.InputTokens, c.OutputTokens, c.CacheReadTokens, c.CacheWriteTokens,
		c.CostUSD, c.Model, formatTime(now)); err != nil {
		return protocol.CostRecord{}, fmt.Errorf("insert cost: %w", err)
	}
	return c, nil
}

// ListCosts returns cost records in recording order. Empty beeID lists all.
func (s *Store) ListCosts(ctx context.Context, beeID string) ([]protocol.CostRecord, error) {
	query := `SELECT ` + costColumns + ` FROM costs`
	var args []any
	if beeID != "" {
		query += ` WHERE bee_id = ?`
		args = append(args, beeID)
	}
	rows, err := s.db.QueryContext(ctx, query+` ORDER BY rowid`, args...)
	if err != nil {
		return nil, fmt.Errorf("list costs: %w", err)
	}
	defer rows.Close()

	var out []protocol.CostRecord
	for rows.Next() {
		var (
			c        protocol.CostRecord
			recorded string
		)
		if err := rows.Scan(&c.ID, &c.BeeID, &c.InputTokens, &c.OutputTokens, &c.CacheReadTokens,
			&c.CacheWriteTokens, &c.CostUSD, &c.Model, &recorded); err != nil {
			return nil, fmt.Errorf("scan cost: %w", err)
		}
		c.RecordedAt = parseTime(recorded)
		out = append(out, c)
	}
	return out, rows.Err()
}

// CostTotals sums cost records. Empty beeID sums across all bees.
func (s *Store) CostTotals(ctx context.Context, beeID string) (protocol.CostTotals, error) {
	query := `SELECT COUNT(*), COALESCE(SUM(input_tokens), 0), COALESCE(SUM(output_tokens), 0),
		COALESCE(SUM(cache_read_tokens), 0), COALESCE(SUM(cache_write_tokens), 0),
		COALESCE(SUM(cost_usd), 0) FROM costs`
	var args []any
	if beeID != "" {
		query += ` WHERE bee_id = ?`
		args = append(args, beeID)
	}
	var t protocol.CostTotals
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&t.Records, &t.InputTokens, &t.OutputTokens,
		&t.CacheReadTokens, &t.CacheWriteTokens, &t.CostUSD); err != nil {
		return protocol.CostTotals{}, fmt.Errorf("cost totals: %w", err)
	}
	return t, nil
}
