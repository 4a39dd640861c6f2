package stores

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	// SQLite driver
	_ "modernc.org/sqlite"

	"github.com/ferrite-build/ferrite/pkg/engine"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLiteStore implements IndexStore on SQLite. It also serves the
// engine's artifact registry: binary fingerprints map to indexed
// artifact rows, with producer locks held in process.
type SQLiteStore struct {
	db    *sql.DB
	cfg   Config
	locks *KeyedLock
}

// Config holds SQLite store configuration.
type Config struct {
	// Path is the database file, or ":memory:" for an in-memory index.
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// NewSQLiteStore creates a new SQLite store instance.
func NewSQLiteStore(cfg Config) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	// Set defaults
	if cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = 25
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = 5
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}

	return &SQLiteStore{
		cfg:   cfg,
		locks: NewKeyedLock(),
	}, nil
}

// Init opens the database, enables WAL mode and runs migrations.
func (s *SQLiteStore) Init(ctx context.Context) error {
	inMemory := s.cfg.Path == ":memory:"

	if !inMemory {
		if err := os.MkdirAll(filepath.Dir(s.cfg.Path), 0o755); err != nil {
			return fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	// Open database with SQLite-specific connection parameters
	dsn := fmt.Sprintf("%s?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)&_txlock=immediate", s.cfg.Path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool. An in-memory database exists per
	// connection, so the pool must stay at one.
	if inMemory {
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	} else {
		db.SetMaxOpenConns(s.cfg.MaxOpenConns)
		db.SetMaxIdleConns(s.cfg.MaxIdleConns)
		db.SetConnMaxLifetime(s.cfg.ConnMaxLifetime)
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	s.db = db

	if err := s.Migrate(ctx); err != nil {
		_ = db.Close()
		s.db = nil
		return err
	}

	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Migrate runs database migrations.
func (s *SQLiteStore) Migrate(_ context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	// Create migration source from embedded FS
	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	// Create database driver
	driver, err := sqlite3.WithInstance(s.db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	// Create migration instance
	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	// Run migrations
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// BeginTx starts a new transaction
func (s *SQLiteStore) BeginTx(ctx context.Context) (*sql.Tx, error) {
	return s.db.BeginTx(ctx, &sql.TxOptions{
		Isolation: sql.LevelSerializable,
	})
}

// CommitTx commits a transaction
func (s *SQLiteStore) CommitTx(tx *sql.Tx) error {
	return tx.Commit()
}

// RollbackTx rolls back a transaction
func (s *SQLiteStore) RollbackTx(tx *sql.Tx) error {
	return tx.Rollback()
}

// CreateRun creates a new run record
func (s *SQLiteStore) CreateRun(ctx context.Context, run *engine.Run) error {
	query := `
		INSERT INTO runs (id, root_ref, status, started_at, completed_at, duration_ms, total, built, reused, failed, skipped, invalid)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		run.ID,
		run.RootRef,
		run.Status,
		run.StartedAt,
		run.CompletedAt,
		run.Duration.Milliseconds(),
		run.Summary.Total,
		run.Summary.Built,
		run.Summary.Reused,
		run.Summary.Failed,
		run.Summary.Skipped,
		run.Summary.Invalid,
	)

	if err != nil {
		return fmt.Errorf("failed to create run: %w", err)
	}

	return nil
}

// FinishRun updates a run with its terminal status and summary.
func (s *SQLiteStore) FinishRun(ctx context.Context, run *engine.Run) error {
	query := `
		UPDATE runs
		SET status = ?, completed_at = ?, duration_ms = ?,
		    total = ?, built = ?, reused = ?, failed = ?, skipped = ?, invalid = ?
		WHERE id = ?
	`

	result, err := s.db.ExecContext(ctx, query,
		run.Status,
		run.CompletedAt,
		run.Duration.Milliseconds(),
		run.Summary.Total,
		run.Summary.Built,
		run.Summary.Reused,
		run.Summary.Failed,
		run.Summary.Skipped,
		run.Summary.Invalid,
		run.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to finish run: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("run not found: %s", run.ID)
	}

	return nil
}

// GetRun retrieves a run by ID
func (s *SQLiteStore) GetRun(ctx context.Context, id string) (*engine.Run, error) {
	query := `
		SELECT id, root_ref, status, started_at, completed_at, duration_ms, total, built, reused, failed, skipped, invalid
		FROM runs
		WHERE id = ?
	`

	run, err := scanRun(s.db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("run not found: %s", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}

	return run, nil
}

// ListRuns lists runs with pagination, most recent first.
func (s *SQLiteStore) ListRuns(ctx context.Context, limit, offset int) ([]*engine.Run, error) {
	query := `
		SELECT id, root_ref, status, started_at, completed_at, duration_ms, total, built, reused, failed, skipped, invalid
		FROM runs
		ORDER BY started_at DESC
		LIMIT ? OFFSET ?
	`

	rows, err := s.db.QueryContext(ctx, query, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	runs := []*engine.Run{}
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, run)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating runs: %w", err)
	}

	return runs, nil
}

// DeleteRun deletes a run by ID. Node results and events cascade.
func (s *SQLiteStore) DeleteRun(ctx context.Context, id string) error {
	query := `DELETE FROM runs WHERE id = ?`

	result, err := s.db.ExecContext(ctx, query, id)
	if err != nil {
		return fmt.Errorf("failed to delete run: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("run not found: %s", id)
	}

	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*engine.Run, error) {
	run := &engine.Run{}
	var completedAt sql.NullTime
	var durationMS int64

	err := row.Scan(
		&run.ID,
		&run.RootRef,
		&run.Status,
		&run.StartedAt,
		&completedAt,
		&durationMS,
		&run.Summary.Total,
		&run.Summary.Built,
		&run.Summary.Reused,
		&run.Summary.Failed,
		&run.Summary.Skipped,
		&run.Summary.Invalid,
	)
	if err != nil {
		return nil, err
	}

	if completedAt.Valid {
		t := completedAt.Time
		run.CompletedAt = &t
	}
	run.Duration = time.Duration(durationMS) * time.Millisecond

	return run, nil
}

// RecordNode records the outcome of one graph node in a run. Recording
// the same node twice overwrites the earlier outcome.
func (s *SQLiteStore) RecordNode(ctx context.Context, rec *NodeRecord) error {
	if rec.RunID == "" || rec.NodeID == "" {
		return fmt.Errorf("node record requires run_id and node_id")
	}

	query := `
		INSERT INTO node_results (run_id, node_id, ref, fingerprint, state, action, cache_hit, failure_reason, started_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(run_id, node_id) DO UPDATE SET
			ref = excluded.ref,
			fingerprint = excluded.fingerprint,
			state = excluded.state,
			action = excluded.action,
			cache_hit = excluded.cache_hit,
			failure_reason = excluded.failure_reason,
			started_at = excluded.started_at,
			completed_at = excluded.completed_at
	`

	result, err := s.db.ExecContext(ctx, query,
		rec.RunID,
		rec.NodeID,
		rec.Ref,
		rec.Fingerprint,
		rec.State,
		rec.Action,
		rec.CacheHit,
		rec.FailureReason,
		rec.StartedAt,
		rec.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to record node: %w", err)
	}

	if id, err := result.LastInsertId(); err == nil {
		rec.ID = id
	}

	return nil
}

// ListNodes returns the node results of a run in insertion order.
func (s *SQLiteStore) ListNodes(ctx context.Context, runID string) ([]*NodeRecord, error) {
	query := `
		SELECT id, run_id, node_id, ref, fingerprint, state, action, cache_hit, failure_reason, started_at, completed_at
		FROM node_results
		WHERE run_id = ?
		ORDER BY id
	`

	rows, err := s.db.QueryContext(ctx, query, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list nodes: %w", err)
	}
	defer rows.Close()

	records := []*NodeRecord{}
	for rows.Next() {
		rec := &NodeRecord{}
		var startedAt, completedAt sql.NullTime

		err := rows.Scan(
			&rec.ID,
			&rec.RunID,
			&rec.NodeID,
			&rec.Ref,
			&rec.Fingerprint,
			&rec.State,
			&rec.Action,
			&rec.CacheHit,
			&rec.FailureReason,
			&startedAt,
			&completedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan node record: %w", err)
		}

		if startedAt.Valid {
			t := startedAt.Time
			rec.StartedAt = &t
		}
		if completedAt.Valid {
			t := completedAt.Time
			rec.CompletedAt = &t
		}
		records = append(records, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating node records: %w", err)
	}

	return records, nil
}

// AppendEvent appends an event to the timeline.
func (s *SQLiteStore) AppendEvent(ctx context.Context, event *engine.Event) error {
	query := `
		INSERT INTO events (id, run_id, node_id, type, level, message, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`

	// An event outside any run stores a NULL run_id.
	runID := sql.NullString{String: event.RunID, Valid: event.RunID != ""}

	_, err := s.db.ExecContext(ctx, query,
		event.ID,
		runID,
		event.NodeID,
		event.Type,
		event.Level,
		event.Message,
		event.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}

	return nil
}

// ListEvents retrieves events with optional filters and pagination, most
// recent first.
func (s *SQLiteStore) ListEvents(ctx context.Context, runID *string, level *string, limit, offset int) ([]*engine.Event, error) {
	query := `
		SELECT id, run_id, node_id, type, level, message, timestamp
		FROM events
		WHERE (? IS NULL OR run_id = ?)
		  AND (? IS NULL OR level = ?)
		ORDER BY timestamp DESC
		LIMIT ? OFFSET ?
	`

	rows, err := s.db.QueryContext(ctx, query, runID, runID, level, level, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	defer rows.Close()

	events := []*engine.Event{}
	for rows.Next() {
		event := &engine.Event{}
		var eventRunID sql.NullString

		err := rows.Scan(
			&event.ID,
			&eventRunID,
			&event.NodeID,
			&event.Type,
			&event.Level,
			&event.Message,
			&event.Timestamp,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}

		event.RunID = eventRunID.String
		events = append(events, event)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating events: %w", err)
	}

	return events, nil
}

// IndexArtifact inserts or updates an artifact row keyed by fingerprint.
func (s *SQLiteStore) IndexArtifact(ctx context.Context, a *engine.Artifact) error {
	if a.Fingerprint == "" {
		return fmt.Errorf("artifact fingerprint is required")
	}

	query := `
		INSERT INTO artifacts (fingerprint, ref, path, size, checksum, info, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(fingerprint) DO UPDATE SET
			ref = excluded.ref,
			path = excluded.path,
			size = excluded.size,
			checksum = excluded.checksum,
			info = excluded.info,
			created_at = excluded.created_at
	`

	var info sql.NullString
	if a.Info != nil {
		data, err := json.Marshal(a.Info)
		if err != nil {
			return fmt.Errorf("failed to marshal package info: %w", err)
		}
		info = sql.NullString{String: string(data), Valid: true}
	}

	createdAt := a.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, query,
		a.Fingerprint,
		a.Ref,
		a.Path,
		a.Size,
		a.Checksum,
		info,
		createdAt,
	)
	if err != nil {
		return fmt.Errorf("failed to index artifact: %w", err)
	}

	return nil
}

// GetArtifact retrieves an artifact row by fingerprint.
func (s *SQLiteStore) GetArtifact(ctx context.Context, fingerprint string) (*engine.Artifact, error) {
	a, err := s.getArtifact(ctx, fingerprint)
	if err != nil {
		return nil, err
	}
	if a == nil {
		return nil, fmt.Errorf("artifact not found: %s", fingerprint)
	}
	return a, nil
}

func (s *SQLiteStore) getArtifact(ctx context.Context, fingerprint string) (*engine.Artifact, error) {
	query := `
		SELECT fingerprint, ref, path, size, checksum, info, created_at
		FROM artifacts
		WHERE fingerprint = ?
	`

	a := &engine.Artifact{}
	var info sql.NullString

	err := s.db.QueryRowContext(ctx, query, fingerprint).Scan(
		&a.Fingerprint,
		&a.Ref,
		&a.Path,
		&a.Size,
		&a.Checksum,
		&info,
		&a.CreatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get artifact: %w", err)
	}

	if info.Valid {
		a.Info = &engine.PackageInfo{}
		if err := json.Unmarshal([]byte(info.String), a.Info); err != nil {
			return nil, fmt.Errorf("failed to unmarshal package info: %w", err)
		}
	}

	return a, nil
}

// ListArtifacts lists artifact rows with pagination, newest first.
func (s *SQLiteStore) ListArtifacts(ctx context.Context, limit, offset int) ([]*engine.Artifact, error) {
	query := `
		SELECT fingerprint, ref, path, size, checksum, info, created_at
		FROM artifacts
		ORDER BY created_at DESC
		LIMIT ? OFFSET ?
	`

	rows, err := s.db.QueryContext(ctx, query, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list artifacts: %w", err)
	}
	defer rows.Close()

	artifacts := []*engine.Artifact{}
	for rows.Next() {
		a, err := scanArtifact(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan artifact: %w", err)
		}
		artifacts = append(artifacts, a)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating artifacts: %w", err)
	}

	return artifacts, nil
}

func scanArtifact(row rowScanner) (*engine.Artifact, error) {
	a := &engine.Artifact{}
	var info sql.NullString

	err := row.Scan(
		&a.Fingerprint,
		&a.Ref,
		&a.Path,
		&a.Size,
		&a.Checksum,
		&info,
		&a.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	if info.Valid {
		a.Info = &engine.PackageInfo{}
		if err := json.Unmarshal([]byte(info.String), a.Info); err != nil {
			return nil, fmt.Errorf("failed to unmarshal package info: %w", err)
		}
	}

	return a, nil
}

// RemoveArtifact deletes an artifact row by fingerprint.
func (s *SQLiteStore) RemoveArtifact(ctx context.Context, fingerprint string) error {
	query := `DELETE FROM artifacts WHERE fingerprint = ?`

	result, err := s.db.ExecContext(ctx, query, fingerprint)
	if err != nil {
		return fmt.Errorf("failed to remove artifact: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("artifact not found: %s", fingerprint)
	}

	return nil
}

// HealthCheck verifies the database is reachable.
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	var result int
	if err := s.db.QueryRowContext(ctx, "SELECT 1").Scan(&result); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}

	return nil
}

// Lookup implements the engine's artifact registry over the index.
func (s *SQLiteStore) Lookup(ctx context.Context, fingerprint string) (*engine.Artifact, bool, error) {
	a, err := s.getArtifact(ctx, fingerprint)
	if err != nil {
		return nil, false, err
	}
	if a == nil {
		return nil, false, nil
	}
	return a, true, nil
}

// Store indexes an artifact under its fingerprint.
func (s *SQLiteStore) Store(ctx context.Context, a *engine.Artifact) error {
	return s.IndexArtifact(ctx, a)
}

// Lock serializes producers of one fingerprint within this process.
func (s *SQLiteStore) Lock(ctx context.Context, fingerprint string) (func(), error) {
	return s.locks.Acquire(ctx, fingerprint)
}

// Open is not supported: the index holds artifact metadata, not content.
func (s *SQLiteStore) Open(ctx context.Context, fingerprint string) (io.ReadCloser, error) {
	return nil, fmt.Errorf("artifact content is not stored in the index")
}

// Delete removes the artifact row. Deleting an absent row is not an
// error.
func (s *SQLiteStore) Delete(ctx context.Context, fingerprint string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM artifacts WHERE fingerprint = ?`, fingerprint); err != nil {
		return fmt.Errorf("failed to delete artifact: %w", err)
	}
	return nil
}

// List returns all artifact rows ordered by reference.
func (s *SQLiteStore) List(ctx context.Context) ([]*engine.Artifact, error) {
	query := `
		SELECT fingerprint, ref, path, size, checksum, info, created_at
		FROM artifacts
		ORDER BY ref, fingerprint
	`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list artifacts: %w", err)
	}
	defer rows.Close()

	artifacts := []*engine.Artifact{}
	for rows.Next() {
		a, err := scanArtifact(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan artifact: %w", err)
		}
		artifacts = append(artifacts, a)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating artifacts: %w", err)
	}

	return artifacts, nil
}

// Stats reports index totals.
func (s *SQLiteStore) Stats(ctx context.Context) (*CacheStats, error) {
	stats := &CacheStats{}

	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*), COALESCE(SUM(size), 0) FROM artifacts`).
		Scan(&stats.Artifacts, &stats.TotalSize)
	if err != nil {
		return nil, fmt.Errorf("failed to get stats: %w", err)
	}
	if stats.Artifacts == 0 {
		return stats, nil
	}

	// MIN/MAX strip the column's declared type, which the driver needs to
	// yield time values. Select the column directly instead.
	err = s.db.QueryRowContext(ctx, `SELECT created_at FROM artifacts ORDER BY created_at LIMIT 1`).
		Scan(&stats.Oldest)
	if err != nil {
		return nil, fmt.Errorf("failed to get oldest artifact: %w", err)
	}
	err = s.db.QueryRowContext(ctx, `SELECT created_at FROM artifacts ORDER BY created_at DESC LIMIT 1`).
		Scan(&stats.Newest)
	if err != nil {
		return nil, fmt.Errorf("failed to get newest artifact: %w", err)
	}

	return stats, nil
}

// Ensure SQLiteStore satisfies the store surfaces.
var _ IndexStore = (*SQLiteStore)(nil)
var _ ArtifactStore = (*SQLiteStore)(nil)
var _ engine.ArtifactStore = (*SQLiteStore)(nil)
