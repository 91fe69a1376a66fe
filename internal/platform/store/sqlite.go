// Package store keeps a history of finished jobs in SQLite.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	_ "modernc.org/sqlite"

	"github.com/dontdude/buildbox/internal/domain"
)

const schema = `CREATE TABLE IF NOT EXISTS jobs (
	id            TEXT PRIMARY KEY,
	toolchain     TEXT NOT NULL,
	state         TEXT NOT NULL,
	kind          TEXT NOT NULL DEFAULT '',
	message       TEXT NOT NULL DEFAULT '',
	exit_code     INTEGER NOT NULL DEFAULT 0,
	duration_ms   INTEGER NOT NULL DEFAULT 0,
	artifact_size INTEGER NOT NULL DEFAULT 0,
	created_at    INTEGER NOT NULL,
	updated_at    INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS jobs_created_at ON jobs (created_at);`

const columns = `id, toolchain, state, kind, message, exit_code, duration_ms, artifact_size, created_at, updated_at`

// SQLiteStore implements domain.JobStore.
type SQLiteStore struct {
	db *sql.DB
}

var _ domain.JobStore = (*SQLiteStore)(nil)

// Open opens or creates the database at path and applies the schema.
func Open(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open job database: %w", err)
	}
	// SQLite allows one writer; a single connection avoids SQLITE_BUSY between our own goroutines.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create jobs table: %w", err)
	}
	_, _ = db.Exec("PRAGMA journal_mode=WAL;")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL;")
	_, _ = db.Exec("PRAGMA busy_timeout = 5000;")

	slog.Info("Job history ready", "path", path)
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

// Save inserts or replaces the record for rec.ID.
func (s *SQLiteStore) Save(ctx context.Context, rec domain.JobRecord) error {
	query := `INSERT INTO jobs (` + columns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			state = excluded.state,
			kind = excluded.kind,
			message = excluded.message,
			exit_code = excluded.exit_code,
			duration_ms = excluded.duration_ms,
			artifact_size = excluded.artifact_size,
			updated_at = excluded.updated_at`

	_, err := s.db.ExecContext(ctx, query,
		rec.ID, rec.Toolchain, string(rec.State), string(rec.Kind), rec.Message,
		rec.ExitCode, rec.DurationMs, rec.ArtifactSize,
		rec.CreatedAt.UnixMilli(), rec.UpdatedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to save job %s: %w", rec.ID, err)
	}
	return nil
}

// Get returns domain.ErrNotFound for an unknown id.
func (s *SQLiteStore) Get(ctx context.Context, id string) (domain.JobRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+columns+` FROM jobs WHERE id = ?`, id)
	rec, err := scan(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.JobRecord{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.JobRecord{}, fmt.Errorf("failed to load job %s: %w", id, err)
	}
	return rec, nil
}

// Recent lists the newest jobs first.
func (s *SQLiteStore) Recent(ctx context.Context, limit int) ([]domain.JobRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+columns+` FROM jobs ORDER BY created_at DESC, id LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	defer rows.Close()

	var out []domain.JobRecord
	for rows.Next() {
		rec, err := scan(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan job: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Prune deletes jobs created before cutoff and reports how many were removed.
func (s *SQLiteStore) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM jobs WHERE created_at < ?`, cutoff.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("failed to prune jobs: %w", err)
	}
	return res.RowsAffected()
}

type scanner interface {
	Scan(dest ...any) error
}

func scan(row scanner) (domain.JobRecord, error) {
	var (
		rec                  domain.JobRecord
		state, kind          string
		createdAt, updatedAt int64
	)
	err := row.Scan(&rec.ID, &rec.Toolchain, &state, &kind, &rec.Message,
		&rec.ExitCode, &rec.DurationMs, &rec.ArtifactSize, &createdAt, &updatedAt)
	if err != nil {
		return domain.JobRecord{}, err
	}
	rec.State, rec.Kind = domain.State(state), domain.Kind(kind)
	rec.CreatedAt, rec.UpdatedAt = time.UnixMilli(createdAt), time.UnixMilli(updatedAt)
	return rec, nil
}
