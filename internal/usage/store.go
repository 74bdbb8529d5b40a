// Package usage persists per-request accounting rows to SQLite and serves
// aggregate queries over them. Writes arrive through an async buffered
// recorder so the generation path never waits on the database.
package usage

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"modelgate/internal/core"
)

// SQLite caps bindable parameters at 999 per statement. With 9 columns per
// row that allows 111 rows per batch insert.
const (
	maxSQLiteParams = 999
	columnsPerRow   = 9
	maxRowsPerBatch = maxSQLiteParams / columnsPerRow
)

// cleanupInterval is how often retention cleanup runs.
const cleanupInterval = time.Hour

// Store is a SQLite-backed usage store. Safe for concurrent use; the
// underlying driver serializes writers.
type Store struct {
	db            *sql.DB
	retentionDays int
	stopCleanup   chan struct{}
	closeOnce     sync.Once
}

// Open opens (or creates) the database at path and prepares the schema.
// A positive retentionDays starts an hourly cleanup goroutine that deletes
// rows older than the retention window.
func Open(path string, retentionDays int) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open usage database: %w", err)
	}
	// One writer at a time keeps the pure-Go driver away from SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS usage (
			id TEXT PRIMARY KEY,
			timestamp DATETIME NOT NULL,
			backend TEXT NOT NULL,
			model TEXT NOT NULL,
			input_tokens INTEGER NOT NULL DEFAULT 0,
			output_tokens INTEGER NOT NULL DEFAULT 0,
			cost REAL NOT NULL DEFAULT 0,
			outcome TEXT NOT NULL,
			latency_ms INTEGER NOT NULL DEFAULT 0
		)
	`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create usage table: %w", err)
	}

	indexes := []string{
		"CREATE INDEX IF NOT EXISTS idx_usage_timestamp ON usage(timestamp)",
		"CREATE INDEX IF NOT EXISTS idx_usage_backend ON usage(backend)",
		"CREATE INDEX IF NOT EXISTS idx_usage_model ON usage(model)",
	}
	for _, idx := range indexes {
		if _, err := db.Exec(idx); err != nil {
			slog.Warn("failed to create usage index", "error", err)
		}
	}

	s := &Store{
		db:            db,
		retentionDays: retentionDays,
		stopCleanup:   make(chan struct{}),
	}
	if retentionDays > 0 {
		go s.cleanupLoop()
	}
	return s, nil
}

// WriteBatch inserts rows in chunks that respect SQLite's parameter limit.
// Rows without an ID get one assigned; duplicate IDs are ignored so replays
// stay idempotent.
func (s *Store) WriteBatch(ctx context.Context, rows []core.UsageRecord) error {
	if len(rows) == 0 {
		return nil
	}
	for i := 0; i < len(rows); i += maxRowsPerBatch {
		end := i + maxRowsPerBatch
		if end > len(rows) {
			end = len(rows)
		}
		chunk := rows[i:end]

		placeholders := make([]string, len(chunk))
		values := make([]any, 0, len(chunk)*columnsPerRow)
		for j, r := range chunk {
			placeholders[j] = "(?, ?, ?, ?, ?, ?, ?, ?, ?)"
			id := r.ID
			if id == "" {
				id = uuid.NewString()
			}
			ts := r.Timestamp
			if ts.IsZero() {
				ts = time.Now()
			}
			values = append(values,
				id,
				ts.UTC().Format(time.RFC3339Nano),
				r.Backend,
				r.Model,
				r.InputTokens,
				r.OutputTokens,
				r.Cost,
				r.Outcome,
				r.LatencyMS,
			)
		}

		query := `INSERT OR IGNORE INTO usage (id, timestamp, backend, model,
			input_tokens, output_tokens, cost, outcome, latency_ms) VALUES ` +
			strings.Join(placeholders, ",")
		if _, err := s.db.ExecContext(ctx, query, values...); err != nil {
			return fmt.Errorf("insert usage batch: %w", err)
		}
	}
	return nil
}

// Totals aggregates tokens and cost per backend since the given time.
type Totals struct {
	Backend      string
	Requests     int64
	InputTokens  int64
	OutputTokens int64
	Cost         float64
}

// TotalsSince returns per-backend aggregates for rows at or after since.
func (s *Store) TotalsSince(ctx context.Context, since time.Time) ([]Totals, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT backend, COUNT(*), SUM(input_tokens), SUM(output_tokens), SUM(cost)
		FROM usage WHERE timestamp >= ?
		GROUP BY backend ORDER BY backend
	`, since.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return nil, fmt.Errorf("query usage totals: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Totals
	for rows.Next() {
		var t Totals
		if err := rows.Scan(&t.Backend, &t.Requests, &t.InputTokens, &t.OutputTokens, &t.Cost); err != nil {
			return nil, fmt.Errorf("scan usage totals: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// Close stops the cleanup goroutine and closes the database. Idempotent.
func (s *Store) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.stopCleanup)
		err = s.db.Close()
	})
	return err
}

func (s *Store) cleanupLoop() {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()

	s.cleanup()
	for {
		select {
		case <-ticker.C:
			s.cleanup()
		case <-s.stopCleanup:
			return
		}
	}
}

// cleanup deletes rows older than the retention window.
func (s *Store) cleanup() {
	cutoff := time.Now().AddDate(0, 0, -s.retentionDays).UTC().Format(time.RFC3339Nano)
	result, err := s.db.Exec("DELETE FROM usage WHERE timestamp < ?", cutoff)
	if err != nil {
		slog.Error("usage cleanup failed", "error", err)
		return
	}
	if n, err := result.RowsAffected(); err == nil && n > 0 {
		slog.Info("cleaned up old usage rows", "deleted", n)
	}
}
