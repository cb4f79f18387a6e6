// Package eventlog provides read-only access to the waggle log in the hive
// state database. Monitoring tools and `hive logs` use it to reconstruct
// what bees and the queen did without going through the bus.
package eventlog

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	_ "modernc.org/sqlite" // SQLite driver
)

// Entry is one logged waggle.
type Entry struct {
	Seq       int64
	ID        string
	From      string
	To        string
	Subject   string
	Body      string
	Read      bool
	Metadata  map[string]string
	CreatedAt time.Time
}

// QueryOpts specifies filter criteria. Empty fields match everything.
type QueryOpts struct {
	// BeeID matches entries sent by, addressed to, or tagged with the bee.
	BeeID string

	// JobID matches entries tagged with the job.
	JobID string

	// Topic matches the recipient exactly.
	Topic string

	// Subject filters to one subject (e.g., "status", "job_done").
	Subject string

	// AfterSeq returns only entries with a greater sequence number.
	AfterSeq int64

	// After and Before bound created_at, inclusive.
	After  *time.Time
	Before *time.Time

	// Limit restricts the number of results (0 = no limit).
	Limit int

	// Ascending returns oldest first instead of newest first.
	Ascending bool
}

// Reader provides read-only access to the waggle log.
type Reader struct {
	db *sql.DB
}

// NewReader opens the hive database in read-only mode. It fails if the
// database does not exist.
func NewReader(dbPath string) (*Reader, error) {
	if _, err := os.Stat(dbPath); err != nil {
		return nil, fmt.Errorf("database not found: %w", err)
	}

	// Read-only so a reader can never block the daemon's writes.
	dsn := fmt.Sprintf("file:%s?mode=ro&_pragma=busy_timeout(5000)", dbPath)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return &Reader{db: db}, nil
}

// Close releases the database connection.
// Safe to call multiple times.
func (r *Reader) Close() error {
	if r.db != nil {
		err := r.db.Close()
		r.db = nil
		return err
	}
	return nil
}

// Query retrieves entries matching opts. It returns an empty slice when
// nothing matches.
func (r *Reader) Query(ctx context.Context, opts QueryOpts) ([]Entry, error) {
	query, args := buildQuery(opts)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query waggles: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var (
			e       Entry
			read    int
			meta    string
			created string
		)
		if err := rows.Scan(&e.Seq, &e.ID, &e.From, &e.To, &e.Subject, &e.Body, &read, &meta, &created); err != nil {
			return nil, fmt.Errorf("scan waggle: %w", err)
		}
		e.Read = read != 0
		if meta != "" && meta != "{}" {
			if err := json.Unmarshal([]byte(meta), &e.Metadata); err != nil {
				return nil, fmt.Errorf("decode metadata of %s: %w", e.ID, err)
			}
		}
		if created != "" {
			t, err := time.Parse(time.RFC3339Nano, created)
			if err != nil {
				return nil, fmt.Errorf("parse created_at: %w", err)
			}
			e.CreatedAt = t
		}
		entries = append(entries, e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate waggles: %w", err)
	}

	return entries, nil
}

// Follow polls for entries newer than afterSeq and delivers them in order
// until ctx is cancelled. The channel is closed on return.
func (r *Reader) Follow(ctx context.Context, opts QueryOpts, interval time.Duration) <-chan Entry {
	out := make(chan Entry)
	opts.Ascending = true
	opts.Limit = 0
	go func() {
		defer close(out)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			entries, err := r.Query(ctx, opts)
			if err == nil {
				for _, e := range entries {
					select {
					case out <- e:
						opts.AfterSeq = e.Seq
					case <-ctx.Done():
						return
					}
				}
			}
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
	return out
}

// buildQuery constructs the SQL query and arguments from QueryOpts.
func buildQuery(opts QueryOpts) (string, []any) {
	var conditions []string
	var args []any

	query := "SELECT rowid, id, sender, recipient, subject, body, read, metadata, created_at FROM waggles WHERE 1=1"

	if opts.BeeID != "" {
		conditions = append(conditions, "(sender = ? OR recipient = ? OR json_extract(metadata, '$.bee_id') = ?)")
		args = append(args, opts.BeeID, opts.BeeID, opts.BeeID)
	}

	if opts.JobID != "" {
		conditions = append(conditions, "json_extract(metadata, '$.job_id') = ?")
		args = append(args, opts.JobID)
	}

	if opts.Topic != "" {
		conditions = append(conditions, "recipient = ?")
		args = append(args, opts.Topic)
	}

	if opts.Subject != "" {
		conditions = append(conditions, "subject = ?")
		args = append(args, opts.Subject)
	}

	if opts.AfterSeq > 0 {
		conditions = append(conditions, "rowid > ?")
		args = append(args, opts.AfterSeq)
	}

	// created_at is RFC3339Nano in UTC, which sorts lexically.
	if opts.After != nil {
		conditions = append(conditions, "created_at >= ?")
		args = append(args, opts.After.UTC().Format(time.RFC3339Nano))
	}

	if opts.Before != nil {
		conditions = append(conditions, "created_at <= ?")
		args = append(args, opts.Before.UTC().Format(time.RFC3339Nano))
	}

	if len(conditions) > 0 {
		query += " AND " + strings.Join(conditions, " AND ")
	}

	if opts.Ascending {
		query += " ORDER BY rowid ASC"
	} else {
		query += " ORDER BY rowid DESC"
	}

	if opts.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", opts.Limit)
	}

	return query, args
}
