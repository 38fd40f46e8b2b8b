package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"
)

const schemaVersion = 1

var (
	// ErrNotFound is returned when the requested job does not exist.
	ErrNotFound = errors.New("store: job not found")
	// ErrProgressRegression is returned when a progress write would move
	// a job's progress backwards without entering a terminal state.
	ErrProgressRegression = errors.New("store: progress regression refused")
)

// Store is the single durable state holder: jobs, audio metadata, stage
// results and processing logs live in one SQLite file.
type Store struct {
	db  *sql.DB
	log zerolog.Logger
}

// Open opens (creating if needed) the SQLite database under dataDir and
// runs migrations.
func Open(dataDir string, log zerolog.Logger) (*Store, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("mkdir %s: %w", dataDir, err)
	}
	path := filepath.Join(dataDir, "gijiroku.db")

	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	// SQLite allows one writer at a time; a single connection avoids
	// SQLITE_BUSY churn between the engine workers and the HTTP surface.
	db.SetMaxOpenConns(1)

	s := &Store{db: db, log: log}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	log.Info().Str("path", path).Msg("store opened")
	return s, nil
}

func (s *Store) migrate() error {
	var current int
	if err := s.db.QueryRow("PRAGMA user_version").Scan(&current); err != nil {
		return err
	}
	if current >= schemaVersion {
		return nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	schema := `
	CREATE TABLE IF NOT EXISTS jobs (
		id                TEXT PRIMARY KEY,
		original_filename TEXT NOT NULL,
		stored_filename   TEXT NOT NULL,
		file_size         INTEGER NOT NULL,
		file_hash         TEXT NOT NULL,
		mime_type         TEXT NOT NULL,
		usage_type        TEXT NOT NULL,
		status            TEXT NOT NULL DEFAULT 'UPLOADED',
		progress          INTEGER NOT NULL DEFAULT 0,
		message           TEXT NOT NULL DEFAULT '',
		error_code        TEXT,
		error_message     TEXT,
		claimed           INTEGER NOT NULL DEFAULT 0,
		cancel_requested  INTEGER NOT NULL DEFAULT 0,
		created_at        TEXT NOT NULL,
		updated_at        TEXT NOT NULL,
		started_at        TEXT,
		completed_at      TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status);
	CREATE INDEX IF NOT EXISTS idx_jobs_hash ON jobs(file_hash);
	CREATE INDEX IF NOT EXISTS idx_jobs_created ON jobs(created_at);

	CREATE TABLE IF NOT EXISTS audio_meta (
		job_id           TEXT PRIMARY KEY REFERENCES jobs(id) ON DELETE CASCADE,
		file_path        TEXT NOT NULL,
		duration_seconds REAL NOT NULL,
		sample_rate      INTEGER,
		channels         INTEGER,
		bitrate          INTEGER
	);

	CREATE TABLE IF NOT EXISTS raw_transcripts (
		job_id                  TEXT PRIMARY KEY REFERENCES jobs(id) ON DELETE CASCADE,
		text                    TEXT NOT NULL,
		language                TEXT NOT NULL,
		confidence              REAL NOT NULL,
		model_used              TEXT NOT NULL,
		processing_time_seconds REAL NOT NULL,
		created_at              TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS corrected_transcripts (
		job_id                  TEXT PRIMARY KEY REFERENCES jobs(id) ON DELETE CASCADE,
		text                    TEXT NOT NULL,
		model_used              TEXT NOT NULL,
		processing_time_seconds REAL NOT NULL,
		created_at              TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS summaries (
		job_id                  TEXT PRIMARY KEY REFERENCES jobs(id) ON DELETE CASCADE,
		formatted_text          TEXT NOT NULL,
		details                 TEXT NOT NULL,
		model_used              TEXT NOT NULL,
		confidence              REAL NOT NULL,
		processing_time_seconds REAL NOT NULL,
		created_at              TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS processing_logs (
		id        INTEGER PRIMARY KEY AUTOINCREMENT,
		job_id    TEXT NOT NULL REFERENCES jobs(id) ON DELETE CASCADE,
		level     TEXT NOT NULL,
		message   TEXT NOT NULL,
		details   TEXT,
		timestamp TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_logs_job ON processing_logs(job_id, timestamp);
	`
	if _, err := tx.Exec(schema); err != nil {
		return err
	}
	if _, err := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d", schemaVersion)); err != nil {
		return err
	}
	return tx.Commit()
}

// HealthCheck pings the database with a short deadline.
func (s *Store) HealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return s.db.PingContext(ctx)
}

func (s *Store) Close() error {
	s.log.Info().Msg("closing store")
	return s.db.Close()
}

func now() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}

func parseTime(v string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, v)
	return t
}

func parseNullTime(v sql.NullString) *time.Time {
	if !v.Valid {
		return nil
	}
	t := parseTime(v.String)
	return &t
}
