package jobs

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/jo-hoe/heic2png/internal/common"
)

// reasonInterrupted is recorded on jobs a previous process left pending.
const reasonInterrupted = "interrupted by restart"

// SQLiteRegistry stores jobs in a single SQLite table. Transitions are
// conditional updates, so the database enforces pending -> terminal once.
type SQLiteRegistry struct {
	db *sql.DB
}

var _ Registry = (*SQLiteRegistry)(nil)

func NewSQLiteRegistry(path string) (*SQLiteRegistry, error) {
	// Busy timeout to avoid SQLITE_BUSY in concurrent access.
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(%d)", path, common.SQLiteBusyTimeoutMS)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := migrate(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := failInterrupted(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &SQLiteRegistry{db: db}, nil
}

func migrate(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS jobs (
		id TEXT PRIMARY KEY,
		state TEXT NOT NULL,
		artifact_ref TEXT,
		error_message TEXT,
		original_name TEXT,
		created_at TEXT NOT NULL,
		completed_at TEXT
	);
	`
	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("migrate schema: %w", err)
	}
	return nil
}

// failInterrupted terminates jobs whose worker died with a previous process.
func failInterrupted(db *sql.DB) error {
	_, err := db.Exec(`UPDATE jobs SET state = ?, error_message = ?, completed_at = ? WHERE state = ?`,
		string(StateFailed), reasonInterrupted, time.Now().UTC().Format(time.RFC3339Nano), string(StatePending))
	if err != nil {
		return fmt.Errorf("fail interrupted jobs: %w", err)
	}
	return nil
}

func (s *SQLiteRegistry) Put(ctx context.Context, job Job) error {
	if err := validateNew(job); err != nil {
		return err
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now().UTC()
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO jobs (id, state, original_name, created_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(id) DO NOTHING`,
		job.ID, string(job.State), job.OriginalName, job.CreatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	if n == 0 {
		return ErrDuplicateID
	}
	return nil
}

func (s *SQLiteRegistry) Get(ctx context.Context, id string) (Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, state, artifact_ref, error_message, original_name, created_at, completed_at
		FROM jobs WHERE id = ?`, id)

	var job Job
	var state string
	var ref, errMsg, name, completed sql.NullString
	var created string
	if err := row.Scan(&job.ID, &state, &ref, &errMsg, &name, &created, &completed); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Job{}, ErrNotFound
		}
		return Job{}, fmt.Errorf("scan job: %w", err)
	}
	job.State = State(state)
	job.ArtifactRef = ref.String
	job.Error = errMsg.String
	job.OriginalName = name.String
	if t, err := time.Parse(time.RFC3339Nano, created); err == nil {
		job.CreatedAt = t
	}
	if completed.Valid {
		if t, err := time.Parse(time.RFC3339Nano, completed.String); err == nil {
			job.CompletedAt = &t
		}
	}
	return job, nil
}

func (s *SQLiteRegistry) Complete(ctx context.Context, id, artifactRef string) error {
	if artifactRef == "" {
		return errors.New("artifact reference is required")
	}
	return s.transition(ctx, id,
		`UPDATE jobs SET state = ?, artifact_ref = ?, completed_at = ? WHERE id = ? AND state = ?`,
		string(StateComplete), artifactRef, time.Now().UTC().Format(time.RFC3339Nano), id, string(StatePending))
}

func (s *SQLiteRegistry) Fail(ctx context.Context, id, reason string) error {
	return s.transition(ctx, id,
		`UPDATE jobs SET state = ?, error_message = ?, completed_at = ? WHERE id = ? AND state = ?`,
		string(StateFailed), reason, time.Now().UTC().Format(time.RFC3339Nano), id, string(StatePending))
}

func (s *SQLiteRegistry) transition(ctx context.Context, id, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update job: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update job: %w", err)
	}
	if n == 1 {
		return nil
	}
	// Nothing matched: tell a missing id apart from a job that already finished.
	var exists int
	err = s.db.QueryRowContext(ctx, `SELECT 1 FROM jobs WHERE id = ?`, id).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("lookup job: %w", err)
	}
	return ErrInvalidTransition
}

func (s *SQLiteRegistry) Close() error {
	return s.db.Close()
}
