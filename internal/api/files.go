package api

import (
	"archive/zip"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/hlog"

	"github.com/snarg/gijiroku/internal/store"
)

// loadForDownload fetches a job and its results, writing the error
// envelope itself when the job is missing.
func (h *Handlers) loadForDownload(w http.ResponseWriter, r *http.Request) (*store.Job, *store.Results, bool) {
	id := chi.URLParam(r, "id")
	job, err := h.store.GetJob(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, codeJobNotFound, "指定されたジョブが見つかりません")
		return nil, nil, false
	}
	if err != nil {
		hlog.FromRequest(r).Error().Err(err).Msg("get job failed")
		writeError(w, codeInternalError, "ジョブを取得できませんでした")
		return nil, nil, false
	}
	res, err := h.store.GetResults(r.Context(), job.ID)
	if err != nil {
		hlog.FromRequest(r).Error().Err(err).Msg("get results failed")
		writeError(w, codeInternalError, "結果を取得できませんでした")
		return nil, nil, false
	}
	return job, res, true
}

// DownloadTranscriptionTxt serves the transcript as a plain-text
// attachment.
func (h *Handlers) DownloadTranscriptionTxt(w http.ResponseWriter, r *http.Request) {
	job, res, ok := h.loadForDownload(w, r)
	if !ok {
		return
	}
	if res.Raw == nil {
		writeError(w, codeJobNotCompleted, "転写結果がまだありません")
		return
	}
	serveAttachment(w, downloadName(job, "transcription", "txt"),
		"text/plain; charset=utf-8", []byte(transcriptionTxt(job, res)))
}

// DownloadTranscriptionJSON serves the transcript and job metadata as a
// JSON attachment.
func (h *Handlers) DownloadTranscriptionJSON(w http.ResponseWriter, r *http.Request) {
	job, res, ok := h.loadForDownload(w, r)
	if !ok {
		return
	}
	if res.Raw == nil {
		writeError(w, codeJobNotCompleted, "転写結果がまだありません")
		return
	}
	body, err := json.MarshalIndent(transcriptionExport(job, res), "", "  ")
	if err != nil {
		writeError(w, codeInternalError, "エクスポートに失敗しました")
		return
	}
	serveAttachment(w, downloadName(job, "transcription", "json"),
		"application/json; charset=utf-8", body)
}

// DownloadSummaryTxt serves the minutes as a plain-text attachment.
func (h *Handlers) DownloadSummaryTxt(w http.ResponseWriter, r *http.Request) {
	job, res, ok := h.loadForDownload(w, r)
	if !ok {
		return
	}
	if res.Summary == nil {
		writeError(w, codeJobNotCompleted, "要約がまだありません")
		return
	}
	serveAttachment(w, downloadName(job, "summary", "txt"),
		"text/plain; charset=utf-8", []byte(summaryTxt(job, res.Summary)))
}

// Export bundles every artifact of a completed job into one zip.
func (h *Handlers) Export(w http.ResponseWriter, r *http.Request) {
	job, res, ok := h.loadForDownload(w, r)
	if !ok {
		return
	}
	if res.Summary == nil {
		writeError(w, codeJobNotCompleted, "ジョブはまだ完了していません")
		return
	}

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	entries := []struct {
		name string
		body []byte
	}{
		{"transcription.txt", []byte(transcriptionTxt(job, res))},
		{"summary.md", []byte(res.Summary.FormattedText)},
		{"summary.txt", []byte(summaryTxt(job, res.Summary))},
	}
	if body, err := json.MarshalIndent(transcriptionExport(job, res), "", "  "); err == nil {
		entries = append(entries, struct {
			name string
			body []byte
		}{"transcription.json", body})
	}
	for _, e := range entries {
		f, err := zw.Create(e.name)
		if err != nil {
			writeError(w, codeInternalError, "エクスポートに失敗しました")
			return
		}
		if _, err := f.Write(e.body); err != nil {
			writeError(w, codeInternalError, "エクスポートに失敗しました")
			return
		}
	}
	if err := zw.Close(); err != nil {
		writeError(w, codeInternalError, "エクスポートに失敗しました")
		return
	}
	serveAttachment(w, downloadName(job, "export", "zip"), "application/zip", buf.Bytes())
}

func transcriptionTxt(job *store.Job, res *store.Results) string {
	text := res.Raw.Text
	if res.Corrected != nil {
		text = res.Corrected.Text
	}
	var duration float64
	if res.Audio != nil {
		duration = res.Audio.DurationSeconds
	}
	return fmt.Sprintf(`転写結果
ファイル名: %s
処理日時: %s
使用モデル: %s
信頼度: %.2f
音声長: %.1f秒
言語: %s

--- 転写テキスト ---
%s
`,
		job.OriginalFilename,
		res.Raw.CreatedAt.Format("2006-01-02 15:04:05"),
		res.Raw.ModelUsed,
		res.Raw.Confidence,
		duration,
		res.Raw.Language,
		text)
}

func summaryTxt(job *store.Job, sum *store.Summary) string {
	return fmt.Sprintf(`%s要約結果
ファイル名: %s
処理日時: %s
使用モデル: %s
信頼度: %.2f

--- 要約内容 ---
%s
`,
		strings.ToUpper(job.UsageType),
		job.OriginalFilename,
		sum.CreatedAt.Format("2006-01-02"),
		sum.ModelUsed,
		sum.Confidence,
		sum.FormattedText)
}

func transcriptionExport(job *store.Job, res *store.Results) map[string]any {
	transcription := map[string]any{
		"text":                    res.Raw.Text,
		"confidence":              res.Raw.Confidence,
		"language":                res.Raw.Language,
		"model_used":              res.Raw.ModelUsed,
		"processing_time_seconds": res.Raw.ProcessingTime,
		"created_at":              res.Raw.CreatedAt.Format(time.RFC3339),
	}
	if res.Audio != nil {
		transcription["duration_seconds"] = res.Audio.DurationSeconds
	}
	if res.Corrected != nil {
		transcription["corrected_text"] = res.Corrected.Text
	}
	return map[string]any{
		"job": map[string]any{
			"id":                job.ID,
			"original_filename": job.OriginalFilename,
			"usage_type":        job.UsageType,
			"created_at":        job.CreatedAt.Format(time.RFC3339),
			"file_size":         job.FileSize,
		},
		"transcription": transcription,
	}
}

// downloadName builds "<kind>_<basename>.<ext>" with spaces and slashes
// sanitized, mirroring the client-facing filename convention.
func downloadName(job *store.Job, kind, ext string) string {
	safe := strings.NewReplacer(" ", "_", "/", "_").Replace(job.OriginalFilename)
	if i := strings.Index(safe, "."); i > 0 {
		safe = safe[:i]
	}
	return fmt.Sprintf("%s_%s.%s", kind, safe, ext)
}

func serveAttachment(w http.ResponseWriter, filename, contentType string, body []byte) {
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition",
		fmt.Sprintf("attachment; filename*=UTF-8''%s", url.PathEscape(filename)))
	w.WriteHeader(http.StatusOK)
	w.Write(body)
}
