package store

import "time"

// Job statuses. Terminal statuses are COMPLETED, FAILED and CANCELLED.
const (
	StatusUploaded     = "UPLOADED"
	StatusTranscribing = "TRANSCRIBING"
	StatusCorrecting   = "CORRECTING"
	StatusSummarizing  = "SUMMARIZING"
	StatusCompleted    = "COMPLETED"
	StatusFailed       = "FAILED"
	StatusCancelled    = "CANCELLED"
)

// IsTerminal reports whether a status admits no further transitions.
func IsTerminal(status string) bool {
	switch status {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Job is one transcription request and its lifecycle state.
type Job struct {
	ID               string     `json:"id"`
	OriginalFilename string     `json:"original_filename"`
	StoredFilename   string     `json:"-"`
	FileSize         int64      `json:"file_size"`
	FileHash         string     `json:"file_hash"`
	MimeType         string     `json:"mime_type"`
	UsageType        string     `json:"usage_type"`
	Status           string     `json:"status_code"`
	Progress         int        `json:"progress"`
	Message          string     `json:"message"`
	ErrorCode        string     `json:"error_code,omitempty"`
	ErrorMessage     string     `json:"error_message,omitempty"`
	Claimed          bool       `json:"-"`
	CancelRequested  bool       `json:"-"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
	StartedAt        *time.Time `json:"started_at,omitempty"`
	CompletedAt      *time.Time `json:"completed_at,omitempty"`
}

// AudioMeta describes the stored audio file backing a job.
type AudioMeta struct {
	JobID           string  `json:"-"`
	FilePath        string  `json:"-"`
	DurationSeconds float64 `json:"duration_seconds"`
	SampleRate      int     `json:"sample_rate,omitempty"`
	Channels        int     `json:"channels,omitempty"`
	Bitrate         int     `json:"bitrate,omitempty"`
}

// RawTranscript is the output of the transcription stage.
type RawTranscript struct {
	JobID          string    `json:"-"`
	Text           string    `json:"text"`
	Language       string    `json:"language"`
	Confidence     float64   `json:"confidence"`
	ModelUsed      string    `json:"model_used"`
	ProcessingTime float64   `json:"processing_time_seconds"`
	CreatedAt      time.Time `json:"created_at"`
}

// CorrectedTranscript is the output of the correction stage.
type CorrectedTranscript struct {
	JobID          string    `json:"-"`
	Text           string    `json:"text"`
	ModelUsed      string    `json:"model_used"`
	ProcessingTime float64   `json:"processing_time_seconds"`
	CreatedAt      time.Time `json:"created_at"`
}

// Summary is the output of the summarization stage. Details holds the
// parsed section payload as JSON.
type Summary struct {
	JobID          string    `json:"-"`
	FormattedText  string    `json:"formatted_text"`
	Details        string    `json:"-"`
	ModelUsed      string    `json:"model_used"`
	Confidence     float64   `json:"confidence"`
	ProcessingTime float64   `json:"processing_time_seconds"`
	CreatedAt      time.Time `json:"created_at"`
}

// Results bundles everything produced for a job so far.
type Results struct {
	Audio     *AudioMeta
	Raw       *RawTranscript
	Corrected *CorrectedTranscript
	Summary   *Summary
}

// LogEntry is one processing audit record for a job.
type LogEntry struct {
	ID        int64     `json:"id"`
	JobID     string    `json:"-"`
	Level     string    `json:"level"`
	Message   string    `json:"message"`
	Details   string    `json:"details,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// ListFilter narrows ListJobs.
type ListFilter struct {
	Status    string
	UsageType string
	Limit     int
	Offset    int
}
