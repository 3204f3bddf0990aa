package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/go-sql-driver/mysql"
)

// MySQLStore persists run history in a shared MySQL database, for
// deployments where several hosts report into one place.
//
// The DSN must enable parseTime, e.g.
//
//	user:pass@tcp(localhost:3306)/evalgraph?parseTime=true
type MySQLStore struct {
	db *sql.DB
}

// NewMySQLStore opens the database and migrates the schema.
func NewMySQLStore(dsn string) (*MySQLStore, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open MySQL connection: %w", err)
	}
	db.SetMaxOpenConns(16)
	db.SetMaxIdleConns(4)
	db.SetConnMaxLifetime(time.Hour)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping MySQL: %w", err)
	}

	s := &MySQLStore{db: db}
	if err := s.createTables(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return s, nil
}

func (s *MySQLStore) createTables(ctx context.Context) error {
	runsTable := `
		CREATE TABLE IF NOT EXISTS evaluation_runs (
			run_id VARCHAR(64) PRIMARY KEY,
			mode VARCHAR(16) NOT NULL,
			started_at DATETIME(6) NOT NULL,
			duration_ns BIGINT NOT NULL,
			evaluated_count INT NOT NULL,
			failed_count INT NOT NULL,
			cached_results_used INT NOT NULL,
			evaluation_order JSON NOT NULL,
			errors JSON NOT NULL,
			INDEX idx_runs_started_at (started_at)
		)
	`
	if _, err := s.db.ExecContext(ctx, runsTable); err != nil {
		return fmt.Errorf("failed to create evaluation_runs table: %w", err)
	}

	snapshotsTable := `
		CREATE TABLE IF NOT EXISTS perf_snapshots (
			id BIGINT AUTO_INCREMENT PRIMARY KEY,
			at DATETIME(6) NOT NULL,
			cache_hits BIGINT NOT NULL,
			cache_misses BIGINT NOT NULL,
			node_evaluations BIGINT NOT NULL,
			node_failures BIGINT NOT NULL,
			cpu_percent DOUBLE NOT NULL,
			INDEX idx_snapshots_at (at)
		)
	`
	if _, err := s.db.ExecContext(ctx, snapshotsTable); err != nil {
		return fmt.Errorf("failed to create perf_snapshots table: %w", err)
	}
	return nil
}

// SaveRun implements Store.
func (s *MySQLStore) SaveRun(ctx context.Context, rec EvaluationRecord) error {
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
		ON DUPLICATE KEY UPDATE
			mode=VALUES(mode),
			started_at=VALUES(started_at),
			duration_ns=VALUES(duration_ns),
			evaluated_count=VALUES(evaluated_count),
			failed_count=VALUES(failed_count),
			cached_results_used=VALUES(cached_results_used),
			evaluation_order=VALUES(evaluation_order),
			errors=VALUES(errors)`,
		rec.RunID, rec.Mode, rec.StartedAt.UTC(), rec.Duration.Nanoseconds(),
		rec.EvaluatedCount, rec.FailedCount, rec.CachedResultsUsed,
		string(orderJSON), string(errorsJSON))
	if err != nil {
		return fmt.Errorf("failed to save run %s: %w", rec.RunID, err)
	}
	return nil
}

// GetRun implements Store.
func (s *MySQLStore) GetRun(ctx context.Context, runID string) (EvaluationRecord, error) {
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
func (s *MySQLStore) ListRuns(ctx context.Context, limit int) ([]EvaluationRecord, error) {
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
func (s *MySQLStore) SaveSnapshot(ctx context.Context, snap PerfSnapshot) error {
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
func (s *MySQLStore) ListSnapshots(ctx context.Context, limit int) ([]PerfSnapshot, error) {
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
func (s *MySQLStore) Close() error {
	return s.db.Close()
}
