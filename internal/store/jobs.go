package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

const jobColumns = `id, original_filename, stored_filename, file_size, file_hash,
	mime_type, usage_type, status, progress, message, error_code, error_message,
	claimed, cancel_requested, created_at, updated_at, started_at, completed_at`

func scanJob(row interface{ Scan(...any) error }) (*Job, error) {
	var (
		j                      Job
		errCode, errMsg        sql.NullString
		created, updated       string
		startedAt, completedAt sql.NullString
	)
	err := row.Scan(&j.ID, &j.OriginalFilename, &j.StoredFilename, &j.FileSize,
		&j.FileHash, &j.MimeType, &j.UsageType, &j.Status, &j.Progress,
		&j.Message, &errCode, &errMsg, &j.Claimed, &j.CancelRequested,
		&created, &updated, &startedAt, &completedAt)
	if err != nil {
		return nil, err
	}
	j.ErrorCode = errCode.String
	j.ErrorMessage = errMsg.String
	j.CreatedAt = parseTime(created)
	j.UpdatedAt = parseTime(updated)
	j.StartedAt = parseNullTime(startedAt)
	j.CompletedAt = parseNullTime(completedAt)
	return &j, nil
}

// CreateJob inserts a job and its audio metadata in one transaction.
func (s *Store) CreateJob(ctx context.Context, job *Job, meta *AudioMeta) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	ts := now()
	_, err = tx.ExecContext(ctx, `
		INSERT INTO jobs (id, original_filename, stored_filename, file_size,
			file_hash, mime_type, usage_type, status, progress, message,
			created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0, ?, ?, ?)`,
		job.ID, job.OriginalFilename, job.StoredFilename, job.FileSize,
		job.FileHash, job.MimeType, job.UsageType, StatusUploaded,
		"アップロード完了。処理待ちです。", ts, ts)
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO audio_meta (job_id, file_path, duration_seconds,
			sample_rate, channels, bitrate)
		VALUES (?, ?, ?, ?, ?, ?)`,
		job.ID, meta.FilePath, meta.DurationSeconds,
		meta.SampleRate, meta.Channels, meta.Bitrate)
	if err != nil {
		return fmt.Errorf("insert audio_meta: %w", err)
	}

	return tx.Commit()
}

// GetJob fetches a single job by ID.
func (s *Store) GetJob(ctx context.Context, id string) (*Job, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+jobColumns+" FROM jobs WHERE id = ?", id)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job %s: %w", id, err)
	}
	return job, nil
}

// ListJobs returns jobs newest-first, optionally filtered.
func (s *Store) ListJobs(ctx context.Context, f ListFilter) ([]*Job, error) {
	var (
		where []string
		args  []any
	)
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, f.Status)
	}
	if f.UsageType != "" {
		where = append(where, "usage_type = ?")
		args = append(args, f.UsageType)
	}

	q := "SELECT " + jobColumns + " FROM jobs"
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY created_at DESC"
	limit := f.Limit
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	q += " LIMIT ? OFFSET ?"
	args = append(args, limit, f.Offset)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	jobs := []*Job{}
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

// FileReferenced reports whether any job still references the stored
// filename. Content-addressed uploads can be shared across jobs.
func (s *Store) FileReferenced(ctx context.Context, storedFilename string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM jobs WHERE stored_filename = ?", storedFilename).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("count stored filename: %w", err)
	}
	return n > 0, nil
}

// FindActiveByHash returns a non-terminal job with the same content hash
// and usage type, if one exists. Used for upload deduplication.
func (s *Store) FindActiveByHash(ctx context.Context, hash, usageType string) (*Job, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+jobColumns+` FROM jobs
		WHERE file_hash = ? AND usage_type = ?
		  AND status NOT IN (?, ?, ?)
		ORDER BY created_at DESC LIMIT 1`,
		hash, usageType, StatusCompleted, StatusFailed, StatusCancelled)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find by hash: %w", err)
	}
	return job, nil
}

// ClaimNext atomically claims the oldest claimable job and returns it.
// Claimable means unclaimed and in a non-terminal status. A freshly
// uploaded job transitions to TRANSCRIBING on claim; a job interrupted
// mid-pipeline keeps its status so the engine can resume at the right
// stage. Returns (nil, nil) when nothing is claimable.
func (s *Store) ClaimNext(ctx context.Context) (*Job, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx, `
		SELECT id, status, started_at FROM jobs
		WHERE claimed = 0 AND status IN (?, ?, ?, ?)
		ORDER BY created_at ASC LIMIT 1`,
		StatusUploaded, StatusTranscribing, StatusCorrecting, StatusSummarizing)

	var (
		id, status string
		startedAt  sql.NullString
	)
	if err := row.Scan(&id, &status, &startedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("select claimable: %w", err)
	}

	ts := now()
	if status == StatusUploaded {
		_, err = tx.ExecContext(ctx, `
			UPDATE jobs SET claimed = 1, status = ?, message = ?,
				started_at = ?, updated_at = ?
			WHERE id = ?`,
			StatusTranscribing, "音声の文字起こしを開始しました。", ts, ts, id)
	} else {
		_, err = tx.ExecContext(ctx,
			"UPDATE jobs SET claimed = 1, updated_at = ? WHERE id = ?", ts, id)
	}
	if err != nil {
		return nil, fmt.Errorf("claim %s: %w", id, err)
	}

	row = tx.QueryRowContext(ctx,
		"SELECT "+jobColumns+" FROM jobs WHERE id = ?", id)
	job, err := scanJob(row)
	if err != nil {
		return nil, fmt.Errorf("reload %s: %w", id, err)
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return job, nil
}

// ResetClaims clears the claimed marker on every non-terminal job. Called
// once at startup so work interrupted by a crash becomes claimable again.
func (s *Store) ResetClaims(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET claimed = 0, updated_at = ?
		WHERE claimed = 1 AND status NOT IN (?, ?, ?)`,
		now(), StatusCompleted, StatusFailed, StatusCancelled)
	if err != nil {
		return 0, fmt.Errorf("reset claims: %w", err)
	}
	return res.RowsAffected()
}

// UpdateProgress writes status/progress/message for an active job. Writes
// that would move progress backwards are refused; terminal jobs are never
// touched.
func (s *Store) UpdateProgress(ctx context.Context, id, status string, progress int, message string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET status = ?, progress = ?, message = ?, updated_at = ?
		WHERE id = ? AND progress <= ?
		  AND status NOT IN (?, ?, ?)`,
		status, progress, message, now(), id, progress,
		StatusCompleted, StatusFailed, StatusCancelled)
	if err != nil {
		return fmt.Errorf("update progress %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		if _, err := s.GetJob(ctx, id); err != nil {
			return err
		}
		return ErrProgressRegression
	}
	return nil
}

// MarkFailed moves a job to FAILED with a persisted error code and
// releases the claim. No-op if the job is already terminal.
func (s *Store) MarkFailed(ctx context.Context, id, code, message string) error {
	ts := now()
	_, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET status = ?, error_code = ?, error_message = ?,
			message = ?, claimed = 0, completed_at = ?, updated_at = ?
		WHERE id = ? AND status NOT IN (?, ?, ?)`,
		StatusFailed, code, message, "処理に失敗しました。", ts, ts, id,
		StatusCompleted, StatusFailed, StatusCancelled)
	if err != nil {
		return fmt.Errorf("mark failed %s: %w", id, err)
	}
	return nil
}

// Cancel requests cancellation of a job. An unclaimed active job is moved
// to CANCELLED immediately; a claimed one only gets cancel_requested set
// and its worker performs the transition at the next stage boundary.
// Idempotent: cancelling a terminal job changes nothing. Returns the job
// state after the call.
func (s *Store) Cancel(ctx context.Context, id string) (*Job, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	ts := now()
	_, err = tx.ExecContext(ctx, `
		UPDATE jobs SET cancel_requested = 1, updated_at = ?
		WHERE id = ? AND status NOT IN (?, ?, ?)`,
		ts, id, StatusCompleted, StatusFailed, StatusCancelled)
	if err != nil {
		return nil, fmt.Errorf("request cancel %s: %w", id, err)
	}
	_, err = tx.ExecContext(ctx, `
		UPDATE jobs SET status = ?, message = ?, completed_at = ?, updated_at = ?
		WHERE id = ? AND claimed = 0 AND status NOT IN (?, ?, ?)`,
		StatusCancelled, "処理をキャンセルしました。", ts, ts, id,
		StatusCompleted, StatusFailed, StatusCancelled)
	if err != nil {
		return nil, fmt.Errorf("cancel %s: %w", id, err)
	}

	row := tx.QueryRowContext(ctx,
		"SELECT "+jobColumns+" FROM jobs WHERE id = ?", id)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("reload %s: %w", id, err)
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return job, nil
}

// CancelRequested reports whether cancellation has been requested for a job.
func (s *Store) CancelRequested(ctx context.Context, id string) (bool, error) {
	var v bool
	err := s.db.QueryRowContext(ctx,
		"SELECT cancel_requested FROM jobs WHERE id = ?", id).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return false, ErrNotFound
	}
	return v, err
}

// FinishCancel completes a worker-side cancellation: the claimed job is
// moved to CANCELLED and its claim released.
func (s *Store) FinishCancel(ctx context.Context, id string) error {
	ts := now()
	_, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET status = ?, message = ?, claimed = 0,
			completed_at = ?, updated_at = ?
		WHERE id = ? AND status NOT IN (?, ?, ?)`,
		StatusCancelled, "処理をキャンセルしました。", ts, ts, id,
		StatusCompleted, StatusFailed, StatusCancelled)
	if err != nil {
		return fmt.Errorf("finish cancel %s: %w", id, err)
	}
	return nil
}

// DeleteJob removes a job and all dependent rows, returning the stored
// audio file path so the caller can unlink it.
func (s *Store) DeleteJob(ctx context.Context, id string) (string, error) {
	var path string
	err := s.db.QueryRowContext(ctx,
		"SELECT file_path FROM audio_meta WHERE job_id = ?", id).Scan(&path)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("lookup audio path %s: %w", id, err)
	}

	res, err := s.db.ExecContext(ctx, "DELETE FROM jobs WHERE id = ?", id)
	if err != nil {
		return "", fmt.Errorf("delete job %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return "", err
	}
	if n == 0 {
		return "", ErrNotFound
	}
	return path, nil
}

// PurgeExpired deletes terminal jobs whose completion is older than the
// cutoff and returns the audio file paths that backed them.
func (s *Store) PurgeExpired(ctx context.Context, cutoff time.Time) ([]string, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	limit := cutoff.UTC().Format(time.RFC3339Nano)
	rows, err := tx.QueryContext(ctx, `
		SELECT j.id, COALESCE(m.file_path, '')
		FROM jobs j LEFT JOIN audio_meta m ON m.job_id = j.id
		WHERE j.status IN (?, ?, ?)
		  AND COALESCE(j.completed_at, j.updated_at) < ?`,
		StatusCompleted, StatusFailed, StatusCancelled, limit)
	if err != nil {
		return nil, fmt.Errorf("select expired: %w", err)
	}

	var ids []string
	var paths []string
	for rows.Next() {
		var id, path string
		if err := rows.Scan(&id, &path); err != nil {
			rows.Close()
			return nil, err
		}
		ids = append(ids, id)
		if path != "" {
			paths = append(paths, path)
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, id := range ids {
		if _, err := tx.ExecContext(ctx, "DELETE FROM jobs WHERE id = ?", id); err != nil {
			return nil, fmt.Errorf("purge %s: %w", id, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return paths, nil
}
