package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"

	"github.com/snarg/gijiroku/internal/intake"
	"github.com/snarg/gijiroku/internal/storage"
	"github.com/snarg/gijiroku/internal/store"
)

// Engine is the part of the job engine the HTTP surface needs.
type Engine interface {
	Notify()
	Degraded() bool
}

// WhisperStatus reports transcription backend readiness for /health.
type WhisperStatus interface {
	Ready() bool
}

// LLMStatus reports chat backend readiness for /health.
type LLMStatus interface {
	CheckModel(ctx context.Context) error
}

// Handlers carries the dependencies of every endpoint.
type Handlers struct {
	store    *store.Store
	files    *storage.LocalStore
	intake   *intake.Service
	engine   Engine
	whisper  WhisperStatus
	llm      LLMStatus
	maxBytes int64
	log      zerolog.Logger
}

func NewHandlers(st *store.Store, files *storage.LocalStore, in *intake.Service,
	engine Engine, whisper WhisperStatus, llm LLMStatus, maxBytes int64, log zerolog.Logger) *Handlers {
	return &Handlers{
		store:    st,
		files:    files,
		intake:   in,
		engine:   engine,
		whisper:  whisper,
		llm:      llm,
		maxBytes: maxBytes,
		log:      log.With().Str("component", "api").Logger(),
	}
}

// transcriptionResult is the text payload attached to job detail reads.
type transcriptionResult struct {
	Text            string    `json:"text"`
	RawText         string    `json:"raw_text,omitempty"`
	Language        string    `json:"language"`
	Confidence      float64   `json:"confidence"`
	ModelUsed       string    `json:"model_used"`
	DurationSeconds float64   `json:"duration_seconds,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
}

type summaryView struct {
	FormattedText  string          `json:"formatted_text"`
	Details        json.RawMessage `json:"details"`
	ModelUsed      string          `json:"model_used"`
	Confidence     float64         `json:"confidence"`
	ProcessingTime float64         `json:"processing_time_seconds"`
	CreatedAt      time.Time       `json:"created_at"`
}

type jobDetail struct {
	*store.Job
	TranscriptionResult *transcriptionResult `json:"transcription_result,omitempty"`
	Summary             *summaryView         `json:"summary,omitempty"`
}

// CreateTranscription accepts a multipart upload and enqueues a job.
func (h *Handlers) CreateTranscription(w http.ResponseWriter, r *http.Request) {
	// Headroom over the content limit so an oversized file is rejected
	// with FILE_TOO_LARGE instead of an opaque body-read error.
	r.Body = http.MaxBytesReader(w, r.Body, h.maxBytes+(1<<20))

	file, hdr, err := r.FormFile("file")
	if err != nil {
		var mbe *http.MaxBytesError
		if errors.As(err, &mbe) {
			writeError(w, intake.CodeFileTooLarge, "ファイルサイズが上限を超えています")
			return
		}
		writeError(w, codeInvalidRequest, "file フィールドが必要です")
		return
	}
	defer file.Close()

	usageType := r.FormValue("usage_type")
	if usageType == "" {
		usageType = "meeting"
	}
	if usageType != "meeting" && usageType != "interview" {
		writeError(w, codeInvalidRequest, "usage_type は meeting または interview を指定してください")
		return
	}

	data, err := io.ReadAll(file)
	if err != nil {
		var mbe *http.MaxBytesError
		if errors.As(err, &mbe) {
			writeError(w, intake.CodeFileTooLarge, "ファイルサイズが上限を超えています")
			return
		}
		writeError(w, codeInvalidRequest, "ファイルを読み込めませんでした")
		return
	}

	filename := hdr.Filename
	if filename == "" {
		filename = "upload"
	}

	job, dedup, err := h.intake.Accept(r.Context(), filename, data, usageType)
	if err != nil {
		var ve *intake.ValidationError
		if errors.As(err, &ve) {
			writeError(w, ve.Code, ve.Message)
			return
		}
		hlog.FromRequest(r).Error().Err(err).Msg("upload failed")
		writeError(w, codeInternalError, "アップロード処理に失敗しました")
		return
	}

	h.engine.Notify()
	status := http.StatusCreated
	if dedup {
		status = http.StatusOK
	}
	writeData(w, status, job)
}

// ListTranscriptions returns jobs newest-first with optional filters.
func (h *Handlers) ListTranscriptions(w http.ResponseWriter, r *http.Request) {
	p, err := parsePagination(r)
	if err != nil {
		writeError(w, codeInvalidRequest, err.Error())
		return
	}
	filter := store.ListFilter{
		Status:    r.URL.Query().Get("status"),
		UsageType: r.URL.Query().Get("usage_type"),
		Limit:     p.Limit,
		Offset:    p.Offset,
	}
	jobs, err := h.store.ListJobs(r.Context(), filter)
	if err != nil {
		hlog.FromRequest(r).Error().Err(err).Msg("list jobs failed")
		writeError(w, codeInternalError, "ジョブ一覧を取得できませんでした")
		return
	}
	writeData(w, http.StatusOK, map[string]any{
		"jobs":  jobs,
		"count": len(jobs),
	})
}

// GetTranscription returns job state plus whatever results exist so far.
func (h *Handlers) GetTranscription(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	job, err := h.store.GetJob(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, codeJobNotFound, "指定されたジョブが見つかりません")
		return
	}
	if err != nil {
		hlog.FromRequest(r).Error().Err(err).Msg("get job failed")
		writeError(w, codeInternalError, "ジョブを取得できませんでした")
		return
	}

	res, err := h.store.GetResults(r.Context(), id)
	if err != nil {
		hlog.FromRequest(r).Error().Err(err).Msg("get results failed")
		writeError(w, codeInternalError, "結果を取得できませんでした")
		return
	}

	detail := jobDetail{Job: job}
	if res.Raw != nil {
		tr := &transcriptionResult{
			Text:       res.Raw.Text,
			Language:   res.Raw.Language,
			Confidence: res.Raw.Confidence,
			ModelUsed:  res.Raw.ModelUsed,
			CreatedAt:  res.Raw.CreatedAt,
		}
		if res.Corrected != nil {
			tr.Text = res.Corrected.Text
			tr.RawText = res.Raw.Text
		}
		if res.Audio != nil {
			tr.DurationSeconds = res.Audio.DurationSeconds
		}
		detail.TranscriptionResult = tr
	}
	if res.Summary != nil {
		detail.Summary = newSummaryView(res.Summary)
	}
	writeData(w, http.StatusOK, detail)
}

// GetSummary returns the finished minutes, or 409 while the job is still
// in flight.
func (h *Handlers) GetSummary(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	job, err := h.store.GetJob(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, codeJobNotFound, "指定されたジョブが見つかりません")
		return
	}
	if err != nil {
		hlog.FromRequest(r).Error().Err(err).Msg("get job failed")
		writeError(w, codeInternalError, "ジョブを取得できませんでした")
		return
	}
	if job.Status != store.StatusCompleted {
		writeError(w, codeJobNotCompleted, "ジョブはまだ完了していません")
		return
	}

	res, err := h.store.GetResults(r.Context(), id)
	if err != nil || res.Summary == nil {
		hlog.FromRequest(r).Error().Err(err).Msg("summary load failed")
		writeError(w, codeInternalError, "要約を取得できませんでした")
		return
	}
	writeData(w, http.StatusOK, newSummaryView(res.Summary))
}

// GetLogs returns the processing audit trail for a job.
func (h *Handlers) GetLogs(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := h.store.GetJob(r.Context(), id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, codeJobNotFound, "指定されたジョブが見つかりません")
			return
		}
		hlog.FromRequest(r).Error().Err(err).Msg("get job failed")
		writeError(w, codeInternalError, "ジョブを取得できませんでした")
		return
	}
	logs, err := h.store.GetLogs(r.Context(), id)
	if err != nil {
		hlog.FromRequest(r).Error().Err(err).Msg("get logs failed")
		writeError(w, codeInternalError, "ログを取得できませんでした")
		return
	}
	writeData(w, http.StatusOK, map[string]any{
		"job_id": id,
		"logs":   logs,
	})
}

// DeleteTranscription cancels or deletes a job. A job a worker is
// currently processing only gets cancel_requested set; the worker moves
// it to CANCELLED at the next stage boundary and the row stays readable
// until TTL purge. Idle and terminal jobs are removed immediately, along
// with their audio file when no other job shares it. Idempotent:
// deleting a missing job succeeds.
func (h *Handlers) DeleteTranscription(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	job, err := h.store.Cancel(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeData(w, http.StatusOK, map[string]any{"id": id, "deleted": false})
			return
		}
		hlog.FromRequest(r).Error().Err(err).Msg("cancel failed")
		writeError(w, codeInternalError, "キャンセル処理に失敗しました")
		return
	}

	if job.Claimed && !store.IsTerminal(job.Status) {
		writeData(w, http.StatusOK, map[string]any{
			"id": id, "deleted": false, "cancel_requested": true,
		})
		return
	}

	path, err := h.store.DeleteJob(r.Context(), id)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		hlog.FromRequest(r).Error().Err(err).Msg("delete failed")
		writeError(w, codeInternalError, "削除に失敗しました")
		return
	}
	if path != "" {
		if used, lerr := h.store.FileReferenced(r.Context(), job.StoredFilename); lerr == nil && !used {
			if rerr := h.files.Remove(path); rerr != nil {
				hlog.FromRequest(r).Warn().Err(rerr).Msg("audio file removal failed")
			}
		}
	}

	writeData(w, http.StatusOK, map[string]any{"id": id, "deleted": true})
}

func newSummaryView(s *store.Summary) *summaryView {
	details := json.RawMessage(s.Details)
	if len(details) == 0 {
		details = json.RawMessage("{}")
	}
	return &summaryView{
		FormattedText:  s.FormattedText,
		Details:        details,
		ModelUsed:      s.ModelUsed,
		Confidence:     s.Confidence,
		ProcessingTime: s.ProcessingTime,
		CreatedAt:      s.CreatedAt,
	}
}
