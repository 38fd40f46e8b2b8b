package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// SaveRawTranscript persists the transcription stage output and advances
// the job to CORRECTING in one transaction. Idempotent: a second save for
// the same job keeps the first row and only re-advances the status.
func (s *Store) SaveRawTranscript(ctx context.Context, t *RawTranscript) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	ts := now()
	_, err = tx.ExecContext(ctx, `
		INSERT INTO raw_transcripts (job_id, text, language, confidence,
			model_used, processing_time_seconds, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(job_id) DO NOTHING`,
		t.JobID, t.Text, t.Language, t.Confidence, t.ModelUsed,
		t.ProcessingTime, ts)
	if err != nil {
		return fmt.Errorf("insert raw transcript: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE jobs SET status = ?, progress = ?, message = ?, updated_at = ?
		WHERE id = ? AND progress <= ? AND status NOT IN (?, ?, ?)`,
		StatusCorrecting, 50, "文字起こしが完了しました。テキストを整形しています。", ts,
		t.JobID, 50, StatusCompleted, StatusFailed, StatusCancelled)
	if err != nil {
		return fmt.Errorf("advance to correcting: %w", err)
	}
	return tx.Commit()
}

// SaveCorrectedTranscript persists the correction stage output and
// advances the job to SUMMARIZING. Same idempotency as SaveRawTranscript.
func (s *Store) SaveCorrectedTranscript(ctx context.Context, t *CorrectedTranscript) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	ts := now()
	_, err = tx.ExecContext(ctx, `
		INSERT INTO corrected_transcripts (job_id, text, model_used,
			processing_time_seconds, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(job_id) DO NOTHING`,
		t.JobID, t.Text, t.ModelUsed, t.ProcessingTime, ts)
	if err != nil {
		return fmt.Errorf("insert corrected transcript: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE jobs SET status = ?, progress = ?, message = ?, updated_at = ?
		WHERE id = ? AND progress <= ? AND status NOT IN (?, ?, ?)`,
		StatusSummarizing, 70, "テキスト整形が完了しました。議事録を作成しています。", ts,
		t.JobID, 70, StatusCompleted, StatusFailed, StatusCancelled)
	if err != nil {
		return fmt.Errorf("advance to summarizing: %w", err)
	}
	return tx.Commit()
}

// SaveSummary persists the summary, completes the job (progress 100,
// completed_at set) and releases the claim, all in one transaction.
func (s *Store) SaveSummary(ctx context.Context, sum *Summary) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	ts := now()
	_, err = tx.ExecContext(ctx, `
		INSERT INTO summaries (job_id, formatted_text, details, model_used,
			confidence, processing_time_seconds, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(job_id) DO NOTHING`,
		sum.JobID, sum.FormattedText, sum.Details, sum.ModelUsed,
		sum.Confidence, sum.ProcessingTime, ts)
	if err != nil {
		return fmt.Errorf("insert summary: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE jobs SET status = ?, progress = 100, message = ?, claimed = 0,
			completed_at = ?, updated_at = ?
		WHERE id = ? AND status NOT IN (?, ?, ?)`,
		StatusCompleted, "議事録の作成が完了しました。", ts, ts,
		sum.JobID, StatusCompleted, StatusFailed, StatusCancelled)
	if err != nil {
		return fmt.Errorf("complete job: %w", err)
	}
	return tx.Commit()
}

// GetResults loads everything produced for a job so far. Missing stage
// outputs are nil; a missing job is ErrNotFound.
func (s *Store) GetResults(ctx context.Context, id string) (*Results, error) {
	if _, err := s.GetJob(ctx, id); err != nil {
		return nil, err
	}
	r := &Results{}

	row := s.db.QueryRowContext(ctx, `
		SELECT file_path, duration_seconds, sample_rate, channels, bitrate
		FROM audio_meta WHERE job_id = ?`, id)
	var meta AudioMeta
	var sr, ch, br sql.NullInt64
	err := row.Scan(&meta.FilePath, &meta.DurationSeconds, &sr, &ch, &br)
	if err == nil {
		meta.JobID = id
		meta.SampleRate = int(sr.Int64)
		meta.Channels = int(ch.Int64)
		meta.Bitrate = int(br.Int64)
		r.Audio = &meta
	} else if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("load audio_meta: %w", err)
	}

	row = s.db.QueryRowContext(ctx, `
		SELECT text, language, confidence, model_used,
			processing_time_seconds, created_at
		FROM raw_transcripts WHERE job_id = ?`, id)
	var raw RawTranscript
	var created string
	err = row.Scan(&raw.Text, &raw.Language, &raw.Confidence, &raw.ModelUsed,
		&raw.ProcessingTime, &created)
	if err == nil {
		raw.JobID = id
		raw.CreatedAt = parseTime(created)
		r.Raw = &raw
	} else if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("load raw transcript: %w", err)
	}

	row = s.db.QueryRowContext(ctx, `
		SELECT text, model_used, processing_time_seconds, created_at
		FROM corrected_transcripts WHERE job_id = ?`, id)
	var cor CorrectedTranscript
	err = row.Scan(&cor.Text, &cor.ModelUsed, &cor.ProcessingTime, &created)
	if err == nil {
		cor.JobID = id
		cor.CreatedAt = parseTime(created)
		r.Corrected = &cor
	} else if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("load corrected transcript: %w", err)
	}

	row = s.db.QueryRowContext(ctx, `
		SELECT formatted_text, details, model_used, confidence,
			processing_time_seconds, created_at
		FROM summaries WHERE job_id = ?`, id)
	var sum Summary
	err = row.Scan(&sum.FormattedText, &sum.Details, &sum.ModelUsed,
		&sum.Confidence, &sum.ProcessingTime, &created)
	if err == nil {
		sum.JobID = id
		sum.CreatedAt = parseTime(created)
		r.Summary = &sum
	} else if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("load summary: %w", err)
	}

	return r, nil
}
