package store

import (
	"context"
	"fmt"
	"strings"

	"hive/pkg/protocol"
)

// CombSettings holds the mutable fields of a comb. Nil fields are left alone.
type CombSettings struct {
	MergePolicy       *protocol.MergePolicy
	ValidationCommand *string
}

const combColumns = `id, name, repo_url, path, merge_policy, validation_command, base_branch, created_at`

func scanComb(row scanner) (protocol.Comb, error) {
	var (
		c       protocol.Comb
		policy  string
		created string
	)
	if err := row.Scan(&c.ID, &c.Name, &c.RepoURL, &c.Path, &policy, &c.ValidationCommand, &c.BaseBranch, &created); err != nil {
		return protocol.Comb{}, err
	}
	c.MergePolicy = protocol.MergePolicy(policy)
	c.CreatedAt = parseTime(created)
	return c, nil
}

// CreateComb inserts a comb. ID and CreatedAt are filled in when empty.
func (s *Store) CreateComb(ctx context.Context, c protocol.Comb) (protocol.Comb, error) {
	if strings.TrimSpace(c.Name) == "" {
		return protocol.Comb{}, &protocol.FieldError{Field: "name"}
	}
	if c.Path == "" {
		return protocol.Comb{}, &protocol.FieldError{Field: "path"}
	}
	if c.MergePolicy == "" {
		c.MergePolicy = protocol.MergeManual
	}
	if !c.MergePolicy.Valid() {
		return protocol.Comb{}, &protocol.FieldError{Field: "merge_policy", Value: string(c.MergePolicy)}
	}
	if c.BaseBranch == "" {
		c.BaseBranch = "main"
	}
	if c.ID == "" {
		c.ID = protocol.NewID(protocol.PrefixComb)
	}
	now := s.now()
	c.CreatedAt = now.UTC()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO combs (`+combColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.Name, c.RepoURL, c.Path, string(c.MergePolicy), c.ValidationCommand, c.BaseBranch, formatTime(now))
	if isUniqueViolation(err) {
		return protocol.Comb{}, &protocol.DuplicateNameError{Kind: "comb", Name: c.Name}
	}
	if err != nil {
		return protocol.Comb{}, fmt.Errorf("insert comb: %w", err)
	}
	return c, nil
}

// GetComb returns the comb with the given ID.
func (s *Store) GetComb(ctx context.Context, id string) (protocol.Comb, error) {
	c, err := scanComb(s.db.QueryRowContext(ctx, `SELECT `+combColumns+` FROM combs WHERE id = ?`, id))
	if err != nil {
		return protocol.Comb{}, notFound("comb", id, err)
	}
	return c, nil
}

// GetCombByName returns the comb with the given unique name.
func (s *Store) GetCombByName(ctx context.Context, name string) (protocol.Comb, error) {
	c, err := scanComb(s.db.QueryRowContext(ctx, `SELECT `+combColumns+` FROM combs WHERE name = ?`, name))
	if err != nil {
		return protocol.Comb{}, notFound("comb", name, err)
	}
	return c, nil
}

// ResolveComb accepts either an ID or a name.
func (s *Store) ResolveComb(ctx context.Context, ref string) (protocol.Comb, error) {
	if protocol.HasPrefix(ref, protocol.PrefixComb) {
		if c, err := s.GetComb(ctx, ref); err == nil {
			return c, nil
		}
	}
	return s.GetCombByName(ctx, ref)
}

// ListCombs returns all combs in creation order.
func (s *Store) ListCombs(ctx context.Context) ([]protocol.Comb, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+combColumns+` FROM combs ORDER BY rowid`)
	if err != nil {
		return nil, fmt.Errorf("list combs: %w", err)
	}
	defer rows.Close()

	var out []protocol.Comb
	for rows.Next() {
		c, err := scanComb(rows)
		if err != nil {
			return nil, fmt.Errorf("scan comb: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// UpdateCombSettings changes the merge policy and/or validation command.
func (s *Store) UpdateCombSettings(ctx context.Context, id string, set CombSettings) (protocol.Comb, error) {
	if set.MergePolicy != nil && !set.MergePolicy.Valid() {
		return protocol.Comb{}, &protocol.FieldError{Field: "merge_policy", Value: string(*set.MergePolicy)}
	}
	c, err := s.GetComb(ctx, id)
	if err != nil {
		return protocol.Comb{}, err
	}
	if set.MergePolicy != nil {
		c.MergePolicy = *set.MergePolicy
	}
	if set.ValidationCommand != nil {
		c.ValidationCommand = *set.ValidationCommand
	}
	if _, err := s.db.ExecContext(ctx,
		`UPDATE combs SET merge_policy = ?, validation_command = ? WHERE id = ?`,
		string(c.MergePolicy), c.ValidationCommand, id); err != nil {
		return protocol.Comb{}, fmt.Errorf("update comb %s: %w", id, err)
	}
	return c, nil
}
