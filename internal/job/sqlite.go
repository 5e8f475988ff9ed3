package job

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore is a SQLite-backed implementation of Store.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) the SQLite database at dbPath and runs migrations.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}

	// WAL mode for better concurrent read performance.
	if _, err = db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err = s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS jobs (
			id           TEXT PRIMARY KEY,
			file_name    TEXT NOT NULL,
			file_size    INTEGER NOT NULL,
			file_type    TEXT NOT NULL,
			status       TEXT NOT NULL DEFAULT 'pending',
			result       TEXT,
			error        TEXT NOT NULL DEFAULT '',
			metadata     TEXT,
			version      INTEGER NOT NULL DEFAULT 0,
			created_at   DATETIME NOT NULL,
			updated_at   DATETIME NOT NULL,
			completed_at DATETIME
		);
		CREATE INDEX IF NOT EXISTS idx_jobs_status       ON jobs(status);
		CREATE INDEX IF NOT EXISTS idx_jobs_created_at   ON jobs(created_at);
		CREATE INDEX IF NOT EXISTS idx_jobs_completed_at ON jobs(completed_at);
	`)
	return err
}

func (s *SQLiteStore) Create(ctx context.Context, j *Job) error {
	meta, err := encodeMetadata(j.Metadata)
	if err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO jobs
			(id, file_name, file_size, file_type, status, result, error, metadata, version, created_at, updated_at)
		VALUES
			(?, ?, ?, ?, ?, NULL, '', ?, 0, ?, ?)
	`,
		j.ID,
		j.FileName,
		j.FileSize,
		j.FileType,
		j.Status,
		meta,
		j.CreatedAt.UTC(),
		j.UpdatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("create job: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Get(ctx context.Context, id string) (*Job, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, file_name, file_size, file_type, status, result, error,
		       metadata, version, created_at, updated_at, completed_at
		FROM jobs WHERE id = ?
	`, id)

	j, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job %s: %w", id, err)
	}
	return j, nil
}

// Apply runs the guarded merge in a transaction so a concurrent update for
// the same id cannot interleave between the read and the write.
func (s *SQLiteStore) Apply(ctx context.Context, id string, u Update) (*Job, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	row := tx.QueryRowContext(ctx, `
		SELECT id, file_name, file_size, file_type, status, result, error,
		       metadata, version, created_at, updated_at, completed_at
		FROM jobs WHERE id = ?
	`, id)

	j, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load job %s: %w", id, err)
	}

	if !j.Status.CanTransitionTo(u.Status) {
		return nil, ErrConflict
	}
	j.applyUpdate(u, time.Now().UTC())

	var result interface{}
	if j.Result != nil {
		result = string(j.Result)
	}
	var completedAt interface{}
	if j.CompletedAt != nil {
		completedAt = j.CompletedAt.UTC()
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE jobs SET status = ?, result = ?, error = ?, version = ?, updated_at = ?, completed_at = ?
		WHERE id = ?
	`, j.Status, result, j.Error, j.Version, j.UpdatedAt.UTC(), completedAt, id)
	if err != nil {
		return nil, fmt.Errorf("update job %s: %w", id, err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit update for job %s: %w", id, err)
	}
	return j, nil
}

func (s *SQLiteStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM jobs WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete job %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete job %s: %w", id, err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// List returns jobs ordered by created_at DESC with pagination, and the total count.
func (s *SQLiteStore) List(ctx context.Context, limit, offset int) ([]*Job, int, error) {
	if limit <= 0 {
		limit = 20
	}
	if limit > 100 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM jobs`).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count jobs: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, file_name, file_size, file_type, status, result, error,
		       metadata, version, created_at, updated_at, completed_at
		FROM jobs
		ORDER BY created_at DESC, id DESC
		LIMIT ? OFFSET ?
	`, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	jobs := []*Job{}
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate jobs: %w", err)
	}
	return jobs, total, nil
}

func (s *SQLiteStore) DeleteTerminalBefore(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM jobs
		WHERE status IN (?, ?)
		AND completed_at IS NOT NULL
		AND completed_at < ?
	`, StatusComplete, StatusError, before.UTC())
	if err != nil {
		return 0, fmt.Errorf("delete terminal jobs: %w", err)
	}
	return res.RowsAffected()
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanJob(row rowScanner) (*Job, error) {
	j := &Job{}
	var result, metadata sql.NullString
	var completedAt sql.NullTime

	err := row.Scan(
		&j.ID, &j.FileName, &j.FileSize, &j.FileType, &j.Status,
		&result, &j.Error, &metadata, &j.Version,
		&j.CreatedAt, &j.UpdatedAt, &completedAt,
	)
	if err != nil {
		return nil, err
	}

	if result.Valid {
		j.Result = json.RawMessage(result.String)
	}
	if metadata.Valid && metadata.String != "" {
		if err := json.Unmarshal([]byte(metadata.String), &j.Metadata); err != nil {
			return nil, fmt.Errorf("decode metadata: %w", err)
		}
	}
	if completedAt.Valid {
		t := completedAt.Time
		j.CompletedAt = &t
	}
	return j, nil
}

// encodeMetadata returns nil for an empty map so the column stays NULL.
func encodeMetadata(m map[string]string) (interface{}, error) {
	if len(m) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}
