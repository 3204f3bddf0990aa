package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore persists run history in a single-file database. Designed
// for development and single-process hosts: zero setup, WAL mode for
// concurrent reads, transactional writes.
//
// Schema:
//   - evaluation_runs: one row per top-level evaluation
//   - perf_snapshots: one row per performance snapshot
type SQLiteStore struct {
	db   *sql.DB
	path string
}

// NewSQLiteStore opens (and migrates) the database at path. Use
// ":memory:" for an in-memory database that dies with the connection.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite connection: %w", err)
	}

	// SQLite supports one writer at a time.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	ctx := context.Background()
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}

	s := &SQLiteStore{db: db, path: path}
	if err := s.createTables(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) createTables(ctx context.Context) error {
	runsTable := `
		CREATE TABLE IF NOT EXISTS evaluation_runs (
			run_id TEXT PRIMARY KEY,
			mode TEXT NOT NULL,
			started_at TIMESTAMP NOT NULL,
			duration_ns INTEGER NOT NULL,
			evaluated_count INTEGER NOT NULL,
			failed_count INTEGER NOT NULL,
			cached_results_used INTEGER NOT NULL,
			evaluation_order TEXT NOT NULL,
			errors TEXT NOT NULL
		)
	`
	if _, err := s.db.ExecContext(ctx, runsTable); err != nil {
		return fmt.Errorf("failed to create evaluation_runs table: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, "CREATE INDEX IF NOT EXISTS idx_runs_started_at ON evaluation_runs(started_at)"); err != nil {
		return fmt.Errorf("failed to create idx_runs_started_at: %w", err)
	}

	snapshotsTable := `
		CREATE TABLE IF NOT EXISTS perf_snapshots (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			at TIMESTAMP NOT NULL,
			cache_hits INTEGER NOT NULL,
			cache_misses INTEGER NOT NULL,
			node_evaluations INTEGER NOT NULL,
			node_failures INTEGER NOT NULL,
			cpu_percent REAL NOT NULL
		)
	`
	if _, err := s.db.ExecContext(ctx, snapshotsTable); err != nil {
		return fmt.Errorf("failed to create perf_snapshots table: %w", err)
	}
	return nil
}

// SaveRun implements Store.
func (s *SQLiteStore) SaveRun(ctx context.Context, rec EvaluationRecord) error {
	orderJSON, err := json.Marshal(rec.EvaluationOrder)
	if err != nil {
		return fmt.Errorf("failed to marshal evaluation order: %w", err)
	}
	errorsJSON, err := json.Marshal(rec.Errors)
	if err != nil {
		return fmt.Errorf("failed to marshal errors: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO evaluation_runs
			(run_id, mode, started_at, duration_ns, evaluated_count, failed_count, cached_results_used, evaluation_order, errors)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(run_id) DO UPDATE SET
			mode=excluded.mode,
			started_at=excluded.started_at,
			duration_ns=excluded.duration_ns,
			evaluated_count=excluded.evaluated_count,
			failed_count=excluded.failed_count,
			cached_results_used=excluded.cached_results_used,
			evaluation_order=excluded.evaluation_order,
			errors=excluded.errors`,
		rec.RunID, rec.Mode, rec.StartedAt.UTC(), rec.Duration.Nanoseconds(),
		rec.EvaluatedCount, rec.FailedCount, rec.CachedResultsUsed,
		string(orderJSON), string(errorsJSON))
	if err != nil {
		return fmt.Errorf("failed to save run %s: %w", rec.RunID, err)
	}
	return nil
}

// GetRun implements Store.
func (s *SQLiteStore) GetRun(ctx context.Context, runID string) (EvaluationRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT run_id, mode, started_at, duration_ns, evaluated_count, failed_count, cached_results_used, evaluation_order, errors
		FROM evaluation_runs WHERE run_id = ?`, runID)
	rec, err := scanRun(row)
	if err == sql.ErrNoRows {
		return EvaluationRecord{}, ErrNotFound
	}
	if err != nil {
		return EvaluationRecord{}, fmt.Errorf("failed to load run %s: %w", runID, err)
	}
	return rec, nil
}

// ListRuns implements Store.
func (s *SQLiteStore) ListRuns(ctx context.Context, limit int) ([]EvaluationRecord, error) {
	query := `
		SELECT run_id, mode, started_at, duration_ns, evaluated_count, failed_count, cached_results_used, evaluation_order, errors
		FROM evaluation_runs ORDER BY started_at DESC`
	args := []any{}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []EvaluationRecord
	for rows.Next() {
		rec, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// SaveSnapshot implements Store.
func (s *SQLiteStore) SaveSnapshot(ctx context.Context, snap PerfSnapshot) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO perf_snapshots (at, cache_hits, cache_misses, node_evaluations, node_failures, cpu_percent)
		VALUES (?, ?, ?, ?, ?, ?)`,
		snap.At.UTC(), snap.CacheHits, snap.CacheMisses, snap.NodeEvaluations, snap.NodeFailures, snap.CPUPercent)
	if err != nil {
		return fmt.Errorf("failed to save snapshot: %w", err)
	}
	return nil
}

// ListSnapshots implements Store.
func (s *SQLiteStore) ListSnapshots(ctx context.Context, limit int) ([]PerfSnapshot, error) {
	query := `
		SELECT at, cache_hits, cache_misses, node_evaluations, node_failures, cpu_percent
		FROM perf_snapshots ORDER BY at DESC`
	args := []any{}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list snapshots: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []PerfSnapshot
	for rows.Next() {
		var snap PerfSnapshot
		var at time.Time
		if err := rows.Scan(&at, &snap.CacheHits, &snap.CacheMisses, &snap.NodeEvaluations, &snap.NodeFailures, &snap.CPUPercent); err != nil {
			return nil, fmt.Errorf("failed to scan snapshot: %w", err)
		}
		snap.At = at
		out = append(out, snap)
	}
	return out, rows.Err()
}

// Close implements Store.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// scanner abstracts sql.Row and sql.Rows for shared scanning.
type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (EvaluationRecord, error) {
	var rec EvaluationRecord
	var startedAt time.Time
	var durationNS int64
	var orderJSON, errorsJSON string
	err := row.Scan(&rec.RunID, &rec.Mode, &startedAt, &durationNS,
		&rec.EvaluatedCount, &rec.FailedCount, &rec.CachedResultsUsed,
		&orderJSON, &errorsJSON)
	if err != nil {
		return EvaluationRecord{}, err
	}
	rec.StartedAt = startedAt
	rec.Duration = time.Duration(durationNS)
	if err := json.Unmarshal([]byte(orderJSON), &rec.EvaluationOrder); err != nil {
		return EvaluationRecord{}, fmt.Errorf("corrupt evaluation order: %w", err)
	}
	if err := json.Unmarshal([]byte(errorsJSON), &rec.Errors); err != nil {
		return EvaluationRecord{}, fmt.Errorf("corrupt errors map: %w", err)
	}
	return rec, nil
}
