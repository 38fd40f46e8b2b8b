// Package intake validates uploaded audio and turns it into a stored job.
package intake

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/snarg/gijiroku/internal/storage"
	"github.com/snarg/gijiroku/internal/store"
)

// ValidationError is a rejected upload with a stable error code for the
// HTTP surface.
type ValidationError struct {
	Code    string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Upload rejection codes.
const (
	CodeEmptyFile     = "EMPTY_FILE"
	CodeFileTooLarge  = "FILE_TOO_LARGE"
	CodeInvalidFormat = "INVALID_FORMAT"
	CodeCorruptFile   = "CORRUPT_FILE"
)

// extMime maps accepted file extensions to the canonical MIME type
// recorded on the job. mp4 audio is normalized to m4a.
var extMime = map[string]string{
	".m4a": "audio/m4a",
	".mp4": "audio/m4a",
	".wav": "audio/wav",
	".mp3": "audio/mp3",
}

// sniffMime maps detected MIME types to the same canonical set.
var sniffMime = map[string]string{
	"audio/x-m4a":    "audio/m4a",
	"audio/mp4":      "audio/m4a",
	"video/mp4":      "audio/m4a",
	"audio/m4a":      "audio/m4a",
	"audio/wav":      "audio/wav",
	"audio/wave":     "audio/wav",
	"audio/x-wav":    "audio/wav",
	"audio/vnd.wave": "audio/wav",
	"audio/mpeg":     "audio/mp3",
	"audio/mp3":      "audio/mp3",
}

// Service accepts uploads: validate, dedup, probe, persist.
type Service struct {
	store    *store.Store
	files    *storage.LocalStore
	maxBytes int64
	probe    Prober
	log      zerolog.Logger
}

// NewService creates an intake service. probe may be nil, in which case
// the default prober (native WAV + ffprobe fallback) is used.
func NewService(st *store.Store, files *storage.LocalStore, maxBytes int64, probe Prober, log zerolog.Logger) *Service {
	if probe == nil {
		probe = defaultProber{}
	}
	return &Service{
		store:    st,
		files:    files,
		maxBytes: maxBytes,
		probe:    probe,
		log:      log.With().Str("component", "intake").Logger(),
	}
}

// Accept validates the upload and creates a job for it. When an active
// job already covers the same content and usage type, that job is
// returned instead with dedup true. Nothing is persisted on failure.
func (s *Service) Accept(ctx context.Context, originalName string, data []byte, usageType string) (*store.Job, bool, error) {
	if len(data) == 0 {
		return nil, false, &ValidationError{CodeEmptyFile, "アップロードされたファイルが空です"}
	}
	if int64(len(data)) > s.maxBytes {
		return nil, false, &ValidationError{CodeFileTooLarge,
			fmt.Sprintf("ファイルサイズが上限 %d バイトを超えています", s.maxBytes)}
	}

	ext := strings.ToLower(filepath.Ext(originalName))
	wantMime, ok := extMime[ext]
	if !ok {
		return nil, false, &ValidationError{CodeInvalidFormat,
			fmt.Sprintf("対応していないファイル形式です: %s", ext)}
	}
	sniffed := mimetype.Detect(data).String()
	if i := strings.Index(sniffed, ";"); i >= 0 {
		sniffed = sniffed[:i]
	}
	if got, ok := sniffMime[sniffed]; !ok || got != wantMime {
		return nil, false, &ValidationError{CodeInvalidFormat,
			fmt.Sprintf("ファイル内容が拡張子と一致しません: %s", sniffed)}
	}

	sum := sha256.Sum256(data)
	hash := hex.EncodeToString(sum[:])

	if existing, err := s.store.FindActiveByHash(ctx, hash, usageType); err != nil {
		return nil, false, fmt.Errorf("dedup lookup: %w", err)
	} else if existing != nil {
		s.log.Info().Str("job_id", existing.ID).Str("hash", hash[:8]).
			Msg("duplicate upload, returning active job")
		return existing, true, nil
	}

	info, err := s.probe.Probe(ctx, data, wantMime)
	if err != nil {
		return nil, false, &ValidationError{CodeCorruptFile,
			"音声ファイルを解析できませんでした"}
	}

	key := storage.Key(hash, ext)
	path, err := s.files.Save(key, data)
	if err != nil {
		return nil, false, fmt.Errorf("save upload: %w", err)
	}

	job := &store.Job{
		ID:               uuid.NewString(),
		OriginalFilename: originalName,
		StoredFilename:   key,
		FileSize:         int64(len(data)),
		FileHash:         hash,
		MimeType:         wantMime,
		UsageType:        usageType,
	}
	meta := &store.AudioMeta{
		JobID:           job.ID,
		FilePath:        path,
		DurationSeconds: info.DurationSeconds,
		SampleRate:      info.SampleRate,
		Channels:        info.Channels,
		Bitrate:         info.Bitrate,
	}
	if err := s.store.CreateJob(ctx, job, meta); err != nil {
		// Content-addressed files may back an older job with the same
		// hash; only drop the file when no job row references it.
		if used, lerr := s.store.FileReferenced(ctx, key); lerr == nil && !used {
			_ = s.files.Remove(path)
		}
		return nil, false, fmt.Errorf("create job: %w", err)
	}

	s.log.Info().Str("job_id", job.ID).Str("file", originalName).
		Int64("size", job.FileSize).Str("mime", wantMime).Msg("upload accepted")
	return job, false, nil
}
