package store

import (
	"context"
	"database/sql"
	"fmt"
)

// Log levels for processing audit records.
const (
	LogInfo  = "INFO"
	LogWarn  = "WARN"
	LogError = "ERROR"
)

// AppendLog records one processing audit entry for a job. Details may be
// empty or a JSON object.
func (s *Store) AppendLog(ctx context.Context, jobID, level, message, details string) error {
	var d any
	if details != "" {
		d = details
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO processing_logs (job_id, level, message, details, timestamp)
		VALUES (?, ?, ?, ?, ?)`,
		jobID, level, message, d, now())
	if err != nil {
		return fmt.Errorf("append log %s: %w", jobID, err)
	}
	return nil
}

// GetLogs returns a job's processing log in chronological order.
func (s *Store) GetLogs(ctx context.Context, jobID string) ([]*LogEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, level, message, details, timestamp
		FROM processing_logs WHERE job_id = ?
		ORDER BY id ASC`, jobID)
	if err != nil {
		return nil, fmt.Errorf("get logs %s: %w", jobID, err)
	}
	defer rows.Close()

	entries := []*LogEntry{}
	for rows.Next() {
		var (
			e       LogEntry
			details sql.NullString
			ts      string
		)
		if err := rows.Scan(&e.ID, &e.Level, &e.Message, &details, &ts); err != nil {
			return nil, fmt.Errorf("scan log: %w", err)
		}
		e.JobID = jobID
		e.Details = details.String
		e.Timestamp = parseTime(ts)
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}
