package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"

	"github.com/artpar/hotswap/internal/core/domain"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// =============================================================================
// SQLiteStore
// =============================================================================

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sqlx.DB
}

// NewSQLiteStore opens the journal at dsn and runs migrations.
func NewSQLiteStore(dsn string) (*SQLiteStore, error) {
	db, err := sqlx.Open("sqlite3", dsn+"?_foreign_keys=on")
	if err != nil {
		return nil, NewStoreError("NewSQLiteStore", "", "failed to open database", ErrConnectionFailed)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, NewStoreError("NewSQLiteStore", "", "failed to ping database", ErrConnectionFailed)
	}

	// An in-memory database is per connection.
	if dsn == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	if err := runMigrations(db.DB); err != nil {
		db.Close()
		return nil, NewStoreError("NewSQLiteStore", "", err.Error(), ErrMigrationFailed)
	}

	return &SQLiteStore{db: db}, nil
}

// runMigrations runs database migrations using embedded SQL files.
func runMigrations(db *sql.DB) error {
	driver, err := sqlite3.WithInstance(db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("failed to create migration driver: %w", err)
	}

	source, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", source, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("failed to create migrator: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// =============================================================================
// Run Operations
// =============================================================================

// runRow represents a run row in the database.
type runRow struct {
	ID              string  `db:"id"`
	Platform        string  `db:"platform"`
	Status          string  `db:"status"`
	FailedStage     string  `db:"failed_stage"`
	Version         string  `db:"version"`
	ReportedVersion string  `db:"reported_version"`
	ExitCode        int     `db:"exit_code"`
	Error           string  `db:"error"`
	StartedAt       string  `db:"started_at"`
	FinishedAt      *string `db:"finished_at"`
}

func (s *SQLiteStore) CreateRun(ctx context.Context, run *domain.RunRecord) error {
	query := `
		INSERT INTO runs (
			id, platform, status, failed_stage, version, reported_version,
			exit_code, error, started_at, finished_at
		) VALUES (
			:id, :platform, :status, :failed_stage, :version, :reported_version,
			:exit_code, :error, :started_at, :finished_at
		)`

	_, err := s.db.NamedExecContext(ctx, query, runToRow(run))
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed: runs.id") {
			return NewStoreError("CreateRun", run.ID, "run with this ID already exists", ErrDuplicateID)
		}
		return NewStoreError("CreateRun", run.ID, err.Error(), err)
	}
	return nil
}

func (s *SQLiteStore) FinishRun(ctx context.Context, run *domain.RunRecord) error {
	query := `
		UPDATE runs SET
			status = :status,
			failed_stage = :failed_stage,
			version = :version,
			reported_version = :reported_version,
			exit_code = :exit_code,
			error = :error,
			finished_at = :finished_at
		WHERE id = :id`

	result, err := s.db.NamedExecContext(ctx, query, runToRow(run))
	if err != nil {
		return NewStoreError("FinishRun", run.ID, err.Error(), err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return NewStoreError("FinishRun", run.ID, err.Error(), err)
	}
	if rows == 0 {
		return NewStoreError("FinishRun", run.ID, "run not found", ErrNotFound)
	}
	return nil
}

func (s *SQLiteStore) GetRun(ctx context.Context, id string) (*domain.RunRecord, error) {
	var row runRow
	err := s.db.GetContext(ctx, &row, `SELECT * FROM runs WHERE id = ?`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, NewStoreError("GetRun", id, "run not found", ErrNotFound)
		}
		return nil, NewStoreError("GetRun", id, err.Error(), err)
	}
	return rowToRun(&row)
}

// ListRuns returns the most recent runs first.
func (s *SQLiteStore) ListRuns(ctx context.Context, limit int) ([]domain.RunRecord, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}

	var rows []runRow
	err := s.db.SelectContext(ctx, &rows, `SELECT * FROM runs ORDER BY started_at DESC, id LIMIT ?`, limit)
	if err != nil {
		return nil, NewStoreError("ListRuns", "", err.Error(), err)
	}

	runs := make([]domain.RunRecord, 0, len(rows))
	for i := range rows {
		run, err := rowToRun(&rows[i])
		if err != nil {
			return nil, err
		}
		runs = append(runs, *run)
	}
	return runs, nil
}

// =============================================================================
// Stage Operations
// =============================================================================

type stageRow struct {
	ID         int64  `db:"id"`
	RunID      string `db:"run_id"`
	Stage      string `db:"stage"`
	StartedAt  string `db:"started_at"`
	FinishedAt string `db:"finished_at"`
	Skipped    bool   `db:"skipped"`
	Error      string `db:"error"`
}

func (s *SQLiteStore) RecordStage(ctx context.Context, runID string, rec domain.StageRecord) error {
	query := `
		INSERT INTO stage_events (run_id, stage, started_at, finished_at, skipped, error)
		VALUES (:run_id, :stage, :started_at, :finished_at, :skipped, :error)`

	row := map[string]any{
		"run_id":      runID,
		"stage":       string(rec.Stage),
		"started_at":  formatTime(rec.StartedAt),
		"finished_at": formatTime(rec.FinishedAt),
		"skipped":     rec.Skipped,
		"error":       rec.Error,
	}

	if _, err := s.db.NamedExecContext(ctx, query, row); err != nil {
		if strings.Contains(err.Error(), "FOREIGN KEY constraint failed") {
			return NewStoreError("RecordStage", runID, "run does not exist", ErrForeignKey)
		}
		return NewStoreError("RecordStage", runID, err.Error(), err)
	}
	return nil
}

// ListStages returns the stages of a run in the order they were recorded.
func (s *SQLiteStore) ListStages(ctx context.Context, runID string) ([]domain.StageRecord, error) {
	var rows []stageRow
	err := s.db.SelectContext(ctx, &rows, `SELECT * FROM stage_events WHERE run_id = ? ORDER BY id`, runID)
	if err != nil {
		return nil, NewStoreError("ListStages", runID, err.Error(), err)
	}

	stages := make([]domain.StageRecord, 0, len(rows))
	for _, row := range rows {
		started, err := parseTime(row.StartedAt)
		if err != nil {
			return nil, NewStoreError("ListStages", runID, "invalid started_at", ErrInvalidData)
		}
		finished, err := parseTime(row.FinishedAt)
		if err != nil {
			return nil, NewStoreError("ListStages", runID, "invalid finished_at", ErrInvalidData)
		}
		stages = append(stages, domain.StageRecord{
			Stage:      domain.PipelineStage(row.Stage),
			StartedAt:  started,
			FinishedAt: finished,
			Skipped:    row.Skipped,
			Error:      row.Error,
		})
	}
	return stages, nil
}

// =============================================================================
// Row Conversion
// =============================================================================

func runToRow(run *domain.RunRecord) map[string]any {
	var finished *string
	if run.FinishedAt != nil {
		f := formatTime(*run.FinishedAt)
		finished = &f
	}
	return map[string]any{
		"id":               run.ID,
		"platform":         run.Platform,
		"status":           run.Status,
		"failed_stage":     run.FailedStage,
		"version":          run.Version,
		"reported_version": run.ReportedVersion,
		"exit_code":        run.ExitCode,
		"error":            run.Error,
		"started_at":       formatTime(run.StartedAt),
		"finished_at":      finished,
	}
}

func rowToRun(row *runRow) (*domain.RunRecord, error) {
	started, err := parseTime(row.StartedAt)
	if err != nil {
		return nil, NewStoreError("rowToRun", row.ID, "invalid started_at", ErrInvalidData)
	}

	run := &domain.RunRecord{
		ID:              row.ID,
		Platform:        row.Platform,
		Status:          row.Status,
		FailedStage:     row.FailedStage,
		Version:         row.Version,
		ReportedVersion: row.ReportedVersion,
		ExitCode:        row.ExitCode,
		Error:           row.Error,
		StartedAt:       started,
	}
	if row.FinishedAt != nil {
		finished, err := parseTime(*row.FinishedAt)
		if err != nil {
			return nil, NewStoreError("rowToRun", row.ID, "invalid finished_at", ErrInvalidData)
		}
		run.FinishedAt = &finished
	}
	return run, nil
}

// timeLayout has fixed-width fractions so stored timestamps sort as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}
