// Package store provides persistence for evaluation-run history and
// performance snapshots. The graph itself is never persisted; stores hold
// run telemetry only.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested run id does not exist.
var ErrNotFound = errors.New("not found")

// EvaluationRecord is the persisted summary of one top-level evaluation
// run.
type EvaluationRecord struct {
	// RunID uniquely identifies the run.
	RunID string `json:"run_id"`

	// Mode is the strategy the run used: "full", "incremental" or
	// "single".
	Mode string `json:"mode"`

	// StartedAt is the run's start time.
	StartedAt time.Time `json:"started_at"`

	// Duration is the run's wall-clock duration.
	Duration time.Duration `json:"duration"`

	// EvaluatedCount is the number of nodes recomputed.
	EvaluatedCount int `json:"evaluated_count"`

	// FailedCount is the number of failed or skipped nodes.
	FailedCount int `json:"failed_count"`

	// CachedResultsUsed is the number of cache-served nodes.
	CachedResultsUsed int `json:"cached_results_used"`

	// EvaluationOrder is the topological order the run walked.
	EvaluationOrder []string `json:"evaluation_order"`

	// Errors maps failing node ids to their error messages.
	Errors map[string]string `json:"errors"`
}

// PerfSnapshot is a persisted point-in-time view of the performance
// monitor, suitable for offline analysis of a session.
type PerfSnapshot struct {
	At              time.Time `json:"at"`
	CacheHits       int64     `json:"cache_hits"`
	CacheMisses     int64     `json:"cache_misses"`
	NodeEvaluations int64     `json:"node_evaluations"`
	NodeFailures    int64     `json:"node_failures"`
	CPUPercent      float64   `json:"cpu_percent"`
}

// Store persists evaluation-run records and performance snapshots.
//
// Implementations:
//   - MemStore: in-memory, for tests and short-lived hosts.
//   - SQLiteStore: single-file database, zero setup.
//   - MySQLStore: shared database for multi-host deployments.
type Store interface {
	// SaveRun persists one run record. Saving an existing run id
	// replaces the record.
	SaveRun(ctx context.Context, rec EvaluationRecord) error

	// GetRun returns the record for runID, or ErrNotFound.
	GetRun(ctx context.Context, runID string) (EvaluationRecord, error)

	// ListRuns returns up to limit records, most recent first. A
	// non-positive limit returns everything.
	ListRuns(ctx context.Context, limit int) ([]EvaluationRecord, error)

	// SaveSnapshot persists one performance snapshot.
	SaveSnapshot(ctx context.Context, snap PerfSnapshot) error

	// ListSnapshots returns up to limit snapshots, most recent first.
	ListSnapshots(ctx context.Context, limit int) ([]PerfSnapshot, error)

	// Close releases the store's resources.
	Close() error
}
