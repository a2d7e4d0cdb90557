// Package journal persists execution history to SQLite so past runs can be
// inspected after the fact.
package journal

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"

	"github.com/artpar/podstack/internal/shell/executor"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

const timeFormat = time.RFC3339Nano

// =============================================================================
// Journal
// =============================================================================

// Journal stores run reports in SQLite.
type Journal struct {
	db *sqlx.DB
}

// Open opens (or creates) the journal database and runs migrations.
func Open(dsn string) (*Journal, error) {
	if dsn != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dsn), 0755); err != nil {
			return nil, fmt.Errorf("create journal directory: %w", err)
		}
	}
	db, err := sqlx.Open("sqlite3", dsn+"?_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("open journal database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping journal database: %w", err)
	}
	if err := runMigrations(db.DB); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate journal database: %w", err)
	}
	return &Journal{db: db}, nil
}

// runMigrations applies the embedded SQL migrations.
func runMigrations(db *sql.DB) error {
	driver, err := sqlite3.WithInstance(db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("create migration driver: %w", err)
	}
	source, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("create migration source: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", source, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("create migrator: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("run migrations: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (j *Journal) Close() error {
	return j.db.Close()
}

// =============================================================================
// Writing Runs
// =============================================================================

type runRow struct {
	ID         string `db:"id"`
	Project    string `db:"project"`
	Operation  string `db:"operation"`
	Outcome    string `db:"outcome"`
	StartedAt  string `db:"started_at"`
	FinishedAt string `db:"finished_at"`
}

type serviceRow struct {
	RunID      string  `db:"run_id"`
	Service    string  `db:"service"`
	State      string  `db:"state"`
	Reason     string  `db:"reason"`
	StartedAt  *string `db:"started_at"`
	FinishedAt *string `db:"finished_at"`
}

// RecordRun stores one execution report.
func (j *Journal) RecordRun(ctx context.Context, report *executor.Report) error {
	tx, err := j.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin journal transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.NamedExecContext(ctx, `
		INSERT INTO runs (id, project, operation, outcome, started_at, finished_at)
		VALUES (:id, :project, :operation, :outcome, :started_at, :finished_at)`,
		runRow{
			ID:         report.RunID,
			Project:    report.Project,
			Operation:  report.Operation,
			Outcome:    report.Outcome(),
			StartedAt:  report.StartedAt.UTC().Format(timeFormat),
			FinishedAt: report.FinishedAt.UTC().Format(timeFormat),
		})
	if err != nil {
		return fmt.Errorf("insert run %s: %w", report.RunID, err)
	}

	for _, service := range report.Services() {
		result := report.Results[service]
		_, err = tx.NamedExecContext(ctx, `
			INSERT INTO run_services (run_id, service, state, reason, started_at, finished_at)
			VALUES (:run_id, :service, :state, :reason, :started_at, :finished_at)`,
			serviceRow{
				RunID:      report.RunID,
				Service:    service,
				State:      string(result.State),
				Reason:     result.Reason,
				StartedAt:  optionalTime(result.StartedAt),
				FinishedAt: optionalTime(result.FinishedAt),
			})
		if err != nil {
			return fmt.Errorf("insert run service %s/%s: %w", report.RunID, service, err)
		}
	}
	return tx.Commit()
}

func optionalTime(t time.Time) *string {
	if t.IsZero() {
		return nil
	}
	formatted := t.UTC().Format(timeFormat)
	return &formatted
}

// =============================================================================
// Reading Runs
// =============================================================================

// RunSummary is one row of execution history.
type RunSummary struct {
	ID         string
	Project    string
	Operation  string
	Outcome    string
	StartedAt  time.Time
	FinishedAt time.Time
}

// ServiceRecord is the stored outcome of one service in a run.
type ServiceRecord struct {
	Service string
	State   string
	Reason  string
}

// ListRuns returns recent runs for a project, newest first. A zero limit
// returns up to twenty.
func (j *Journal) ListRuns(ctx context.Context, project string, limit int) ([]RunSummary, error) {
	if limit <= 0 {
		limit = 20
	}
	var rows []runRow
	err := j.db.SelectContext(ctx, &rows, `
		SELECT id, project, operation, outcome, started_at, finished_at
		FROM runs WHERE project = ?
		ORDER BY started_at DESC LIMIT ?`, project, limit)
	if err != nil {
		return nil, fmt.Errorf("list runs for %s: %w", project, err)
	}

	out := make([]RunSummary, 0, len(rows))
	for _, row := range rows {
		summary := RunSummary{
			ID:        row.ID,
			Project:   row.Project,
			Operation: row.Operation,
			Outcome:   row.Outcome,
		}
		summary.StartedAt, _ = time.Parse(timeFormat, row.StartedAt)
		summary.FinishedAt, _ = time.Parse(timeFormat, row.FinishedAt)
		out = append(out, summary)
	}
	return out, nil
}

// RunServices returns the per-service outcomes of one run, sorted by service
// name.
func (j *Journal) RunServices(ctx context.Context, runID string) ([]ServiceRecord, error) {
	var rows []serviceRow
	err := j.db.SelectContext(ctx, &rows, `
		SELECT run_id, service, state, reason, started_at, finished_at
		FROM run_services WHERE run_id = ?
		ORDER BY service`, runID)
	if err != nil {
		return nil, fmt.Errorf("list run services for %s: %w", runID, err)
	}

	out := make([]ServiceRecord, 0, len(rows))
	for _, row := range rows {
		out = append(out, ServiceRecord{Service: row.Service, State: row.State, Reason: row.Reason})
	}
	return out, nil
}
