package api

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/snarg/gijiroku/internal/intake"
	"github.com/snarg/gijiroku/internal/storage"
	"github.com/snarg/gijiroku/internal/store"
)

type fakeEngine struct {
	notified int
	degraded bool
}

func (f *fakeEngine) Notify()        { f.notified++ }
func (f *fakeEngine) Degraded() bool { return f.degraded }

type fakeWhisper struct{ ready bool }

func (f *fakeWhisper) Ready() bool { return f.ready }

type fakeLLM struct{ err error }

func (f *fakeLLM) CheckModel(ctx context.Context) error { return f.err }

type fakeProber struct{}

func (fakeProber) Probe(ctx context.Context, data []byte, mime string) (*intake.AudioInfo, error) {
	return &intake.AudioInfo{DurationSeconds: 12.5}, nil
}

type testAPI struct {
	handler http.Handler
	store   *store.Store
	files   *storage.LocalStore
	engine  *fakeEngine
	whisper *fakeWhisper
	llm     *fakeLLM
}

func newTestAPI(t *testing.T, maxBytes int64) *testAPI {
	t.Helper()
	st, err := store.Open(t.TempDir(), zerolog.Nop())
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	files, err := storage.NewLocalStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewLocalStore: %v", err)
	}
	in := intake.NewService(st, files, maxBytes, fakeProber{}, zerolog.Nop())
	a := &testAPI{
		store:   st,
		files:   files,
		engine:  &fakeEngine{},
		whisper: &fakeWhisper{ready: true},
		llm:     &fakeLLM{},
	}
	h := NewHandlers(st, files, in, a.engine, a.whisper, a.llm, maxBytes, zerolog.Nop())
	a.handler = Router(h, zerolog.Nop())
	return a
}

func (a *testAPI) do(t *testing.T, req *http.Request) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	rec := httptest.NewRecorder()
	a.handler.ServeHTTP(rec, req)
	var body map[string]any
	if strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json") {
		if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
			t.Fatalf("decode response: %v\n%s", err, rec.Body.String())
		}
	}
	return rec, body
}

func uploadRequest(t *testing.T, filename string, data []byte, usageType string) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("file", filename)
	if err != nil {
		t.Fatalf("form file: %v", err)
	}
	fw.Write(data)
	if usageType != "" {
		mw.WriteField("usage_type", usageType)
	}
	mw.Close()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/transcriptions/", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func wavBytes(t *testing.T, samples int) []byte {
	t.Helper()
	path := filepath.Join(t.TempDir(), "gen.wav")
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	enc := wav.NewEncoder(f, 16000, 16, 1, 1)
	data := make([]int, samples)
	for i := range data {
		data[i] = (i % 64) * 100
	}
	buf := &audio.IntBuffer{
		Format:         &audio.Format{NumChannels: 1, SampleRate: 16000},
		Data:           data,
		SourceBitDepth: 16,
	}
	if err := enc.Write(buf); err != nil {
		t.Fatalf("encode: %v", err)
	}
	if err := enc.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	f.Close()
	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	return b
}

func errCode(t *testing.T, body map[string]any) string {
	t.Helper()
	e, ok := body["error"].(map[string]any)
	if !ok {
		t.Fatalf("no error object in %v", body)
	}
	return e["code"].(string)
}

func dataOf(t *testing.T, body map[string]any) map[string]any {
	t.Helper()
	d, ok := body["data"].(map[string]any)
	if !ok {
		t.Fatalf("no data object in %v", body)
	}
	return d
}

// seedJob inserts a job directly, bypassing upload validation.
func seedJob(t *testing.T, st *store.Store, usageType string) *store.Job {
	t.Helper()
	job := &store.Job{
		ID:               uuid.NewString(),
		OriginalFilename: "会議 2026-08-26.wav",
		StoredFilename:   "ab/abcdef.wav",
		FileSize:         2048,
		FileHash:         uuid.NewString(),
		MimeType:         "audio/wav",
		UsageType:        usageType,
	}
	meta := &store.AudioMeta{
		JobID:           job.ID,
		FilePath:        "/tmp/" + job.ID + ".wav",
		DurationSeconds: 33.3,
		SampleRate:      16000,
		Channels:        1,
	}
	if err := st.CreateJob(context.Background(), job, meta); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	return job
}

func seedRaw(t *testing.T, st *store.Store, jobID, text string) {
	t.Helper()
	err := st.SaveRawTranscript(context.Background(), &store.RawTranscript{
		JobID:      jobID,
		Text:       text,
		Language:   "ja",
		Confidence: 0.91,
		ModelUsed:  "large-v3-turbo",
	})
	if err != nil {
		t.Fatalf("SaveRawTranscript: %v", err)
	}
}

func seedCompleted(t *testing.T, st *store.Store, jobID string) {
	t.Helper()
	seedRaw(t, st, jobID, "こんにちわ会議を始めます")
	err := st.SaveCorrectedTranscript(context.Background(), &store.CorrectedTranscript{
		JobID:     jobID,
		Text:      "こんにちは。会議を始めます。",
		ModelUsed: "gemma-2-2b-jpn-it",
	})
	if err != nil {
		t.Fatalf("SaveCorrectedTranscript: %v", err)
	}
	err = st.SaveSummary(context.Background(), &store.Summary{
		JobID:         jobID,
		FormattedText: "# 要約\n予算を確認した。\n\n## 決定事項\n- 予算を承認\n",
		Details:       `{"decisions":["予算を承認"]}`,
		ModelUsed:     "gemma-2-2b-jpn-it",
		Confidence:    0.85,
	})
	if err != nil {
		t.Fatalf("SaveSummary: %v", err)
	}
}

func TestUploadCreatesJob(t *testing.T) {
	a := newTestAPI(t, 1<<20)

	rec, body := a.do(t, uploadRequest(t, "meeting.wav", wavBytes(t, 1600), ""))
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	data := dataOf(t, body)
	if data["status_code"] != store.StatusUploaded {
		t.Errorf("status_code = %v", data["status_code"])
	}
	if data["usage_type"] != "meeting" {
		t.Errorf("usage_type = %v, want default meeting", data["usage_type"])
	}
	if data["id"] == "" {
		t.Error("missing id")
	}
	if a.engine.notified != 1 {
		t.Errorf("engine notified %d times, want 1", a.engine.notified)
	}
}

func TestUploadDedupReturnsExistingJob(t *testing.T) {
	a := newTestAPI(t, 1<<20)
	wav := wavBytes(t, 1600)

	rec, body := a.do(t, uploadRequest(t, "a.wav", wav, "meeting"))
	if rec.Code != http.StatusCreated {
		t.Fatalf("first upload status = %d", rec.Code)
	}
	first := dataOf(t, body)["id"]

	rec, body = a.do(t, uploadRequest(t, "a.wav", wav, "meeting"))
	if rec.Code != http.StatusOK {
		t.Fatalf("dedup status = %d, want 200", rec.Code)
	}
	if got := dataOf(t, body)["id"]; got != first {
		t.Errorf("dedup id = %v, want %v", got, first)
	}
}

func TestUploadRejections(t *testing.T) {
	a := newTestAPI(t, 1024)

	t.Run("unknown_extension", func(t *testing.T) {
		rec, body := a.do(t, uploadRequest(t, "notes.txt", []byte("hello"), ""))
		if rec.Code != http.StatusUnsupportedMediaType {
			t.Fatalf("status = %d", rec.Code)
		}
		if errCode(t, body) != "INVALID_FORMAT" {
			t.Errorf("code = %s", errCode(t, body))
		}
	})

	t.Run("oversize", func(t *testing.T) {
		rec, body := a.do(t, uploadRequest(t, "big.wav", wavBytes(t, 16000), ""))
		if rec.Code != http.StatusRequestEntityTooLarge {
			t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
		}
		if errCode(t, body) != "FILE_TOO_LARGE" {
			t.Errorf("code = %s", errCode(t, body))
		}
	})

	t.Run("missing_file_field", func(t *testing.T) {
		var buf bytes.Buffer
		mw := multipart.NewWriter(&buf)
		mw.WriteField("usage_type", "meeting")
		mw.Close()
		req := httptest.NewRequest(http.MethodPost, "/api/v1/transcriptions/", &buf)
		req.Header.Set("Content-Type", mw.FormDataContentType())
		rec, body := a.do(t, req)
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("status = %d", rec.Code)
		}
		if errCode(t, body) != "INVALID_REQUEST" {
			t.Errorf("code = %s", errCode(t, body))
		}
	})

	t.Run("bad_usage_type", func(t *testing.T) {
		rec, body := a.do(t, uploadRequest(t, "a.wav", wavBytes(t, 160), "podcast"))
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("status = %d", rec.Code)
		}
		if errCode(t, body) != "INVALID_REQUEST" {
			t.Errorf("code = %s", errCode(t, body))
		}
	})
}

func TestEnvelopeShape(t *testing.T) {
	a := newTestAPI(t, 1<<20)

	rec, body := a.do(t, httptest.NewRequest(http.MethodGet, "/api/v1/transcriptions/"+uuid.NewString(), nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d", rec.Code)
	}
	if body["success"] != false {
		t.Error("success should be false")
	}
	if errCode(t, body) != "JOB_NOT_FOUND" {
		t.Errorf("code = %s", errCode(t, body))
	}
	if _, err := time.Parse(time.RFC3339, body["timestamp"].(string)); err != nil {
		t.Errorf("timestamp not RFC3339: %v", body["timestamp"])
	}
	if rec.Header().Get("X-Request-ID") == "" {
		t.Error("missing X-Request-ID header")
	}
}

func TestGetTranscriptionPrefersCorrectedText(t *testing.T) {
	a := newTestAPI(t, 1<<20)
	job := seedJob(t, a.store, "meeting")
	seedCompleted(t, a.store, job.ID)

	rec, body := a.do(t, httptest.NewRequest(http.MethodGet, "/api/v1/transcriptions/"+job.ID, nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	data := dataOf(t, body)
	if data["status_code"] != store.StatusCompleted {
		t.Errorf("status_code = %v", data["status_code"])
	}
	tr := data["transcription_result"].(map[string]any)
	if tr["text"] != "こんにちは。会議を始めます。" {
		t.Errorf("text = %v", tr["text"])
	}
	if tr["raw_text"] != "こんにちわ会議を始めます" {
		t.Errorf("raw_text = %v", tr["raw_text"])
	}
	if tr["duration_seconds"].(float64) != 33.3 {
		t.Errorf("duration = %v", tr["duration_seconds"])
	}
}

func TestGetSummaryLifecycle(t *testing.T) {
	a := newTestAPI(t, 1<<20)
	job := seedJob(t, a.store, "meeting")

	rec, body := a.do(t, httptest.NewRequest(http.MethodGet, "/api/v1/transcriptions/"+job.ID+"/summary", nil))
	if rec.Code != http.StatusConflict {
		t.Fatalf("in-flight status = %d, want 409", rec.Code)
	}
	if errCode(t, body) != "JOB_NOT_COMPLETED" {
		t.Errorf("code = %s", errCode(t, body))
	}

	seedCompleted(t, a.store, job.ID)

	rec, body = a.do(t, httptest.NewRequest(http.MethodGet, "/api/v1/transcriptions/"+job.ID+"/summary", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("completed status = %d", rec.Code)
	}
	data := dataOf(t, body)
	if !strings.Contains(data["formatted_text"].(string), "## 決定事項") {
		t.Errorf("formatted_text = %v", data["formatted_text"])
	}
	details := data["details"].(map[string]any)
	if len(details["decisions"].([]any)) != 1 {
		t.Errorf("details = %v", details)
	}
}

func TestListTranscriptions(t *testing.T) {
	a := newTestAPI(t, 1<<20)
	seedJob(t, a.store, "meeting")
	seedJob(t, a.store, "interview")

	rec, body := a.do(t, httptest.NewRequest(http.MethodGet, "/api/v1/transcriptions/?usage_type=interview", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	data := dataOf(t, body)
	if data["count"].(float64) != 1 {
		t.Errorf("count = %v", data["count"])
	}

	rec, body = a.do(t, httptest.NewRequest(http.MethodGet, "/api/v1/transcriptions/?limit=bogus", nil))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("bad limit status = %d", rec.Code)
	}
	if errCode(t, body) != "INVALID_REQUEST" {
		t.Errorf("code = %s", errCode(t, body))
	}
}

func TestDeleteTranscriptionIdempotent(t *testing.T) {
	a := newTestAPI(t, 1<<20)

	rec, body := a.do(t, uploadRequest(t, "del.wav", wavBytes(t, 1600), ""))
	if rec.Code != http.StatusCreated {
		t.Fatalf("upload status = %d", rec.Code)
	}
	id := dataOf(t, body)["id"].(string)

	rec, body = a.do(t, httptest.NewRequest(http.MethodDelete, "/api/v1/transcriptions/"+id, nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("delete status = %d", rec.Code)
	}
	if dataOf(t, body)["deleted"] != true {
		t.Error("first delete should report deleted=true")
	}

	rec, body = a.do(t, httptest.NewRequest(http.MethodDelete, "/api/v1/transcriptions/"+id, nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("repeat delete status = %d", rec.Code)
	}
	if dataOf(t, body)["deleted"] != false {
		t.Error("repeat delete should report deleted=false")
	}

	if _, err := a.store.GetJob(context.Background(), id); err == nil {
		t.Error("job should be gone")
	}
}

func TestDeleteRunningJobRequestsCancel(t *testing.T) {
	a := newTestAPI(t, 1<<20)
	job := seedJob(t, a.store, "meeting")
	claimed, err := a.store.ClaimNext(context.Background())
	if err != nil || claimed == nil || claimed.ID != job.ID {
		t.Fatalf("ClaimNext: %v %v", claimed, err)
	}

	rec, body := a.do(t, httptest.NewRequest(http.MethodDelete, "/api/v1/transcriptions/"+job.ID, nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("delete status = %d", rec.Code)
	}
	data := dataOf(t, body)
	if data["deleted"] != false || data["cancel_requested"] != true {
		t.Fatalf("delete of running job = %v, want cancel request only", data)
	}

	// The row must stay readable while the worker winds the job down.
	rec, body = a.do(t, httptest.NewRequest(http.MethodGet, "/api/v1/transcriptions/"+job.ID, nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("get after delete = %d, want 200", rec.Code)
	}
	if got := dataOf(t, body)["status_code"]; got != store.StatusTranscribing {
		t.Errorf("status_code = %v, want still TRANSCRIBING", got)
	}

	// Worker reaches the next stage boundary and finishes the cancel.
	if err := a.store.FinishCancel(context.Background(), job.ID); err != nil {
		t.Fatalf("FinishCancel: %v", err)
	}
	rec, body = a.do(t, httptest.NewRequest(http.MethodGet, "/api/v1/transcriptions/"+job.ID, nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("get after cancel = %d", rec.Code)
	}
	if got := dataOf(t, body)["status_code"]; got != store.StatusCancelled {
		t.Errorf("status_code = %v, want CANCELLED", got)
	}

	// Now terminal and unclaimed: a second DELETE removes the row.
	rec, body = a.do(t, httptest.NewRequest(http.MethodDelete, "/api/v1/transcriptions/"+job.ID, nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("second delete status = %d", rec.Code)
	}
	if dataOf(t, body)["deleted"] != true {
		t.Error("terminal job should be deleted")
	}
}

func TestGetLogs(t *testing.T) {
	a := newTestAPI(t, 1<<20)
	job := seedJob(t, a.store, "meeting")
	if err := a.store.AppendLog(context.Background(), job.ID, store.LogInfo, "処理を開始しました", ""); err != nil {
		t.Fatalf("AppendLog: %v", err)
	}

	rec, body := a.do(t, httptest.NewRequest(http.MethodGet, "/api/v1/transcriptions/"+job.ID+"/logs", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	logs := dataOf(t, body)["logs"].([]any)
	if len(logs) != 1 {
		t.Fatalf("len(logs) = %d", len(logs))
	}
}

func TestDownloadTranscriptionTxt(t *testing.T) {
	a := newTestAPI(t, 1<<20)
	job := seedJob(t, a.store, "meeting")

	rec, body := a.do(t, httptest.NewRequest(http.MethodGet, "/api/v1/files/"+job.ID+"/transcription.txt", nil))
	if rec.Code != http.StatusConflict {
		t.Fatalf("before transcription status = %d, want 409", rec.Code)
	}
	if errCode(t, body) != "JOB_NOT_COMPLETED" {
		t.Errorf("code = %s", errCode(t, body))
	}

	seedCompleted(t, a.store, job.ID)

	rec, _ = a.do(t, httptest.NewRequest(http.MethodGet, "/api/v1/files/"+job.ID+"/transcription.txt", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "text/plain; charset=utf-8" {
		t.Errorf("Content-Type = %s", ct)
	}
	cd := rec.Header().Get("Content-Disposition")
	if !strings.HasPrefix(cd, "attachment; filename*=UTF-8''transcription_") {
		t.Errorf("Content-Disposition = %s", cd)
	}
	text := rec.Body.String()
	if !strings.Contains(text, "--- 転写テキスト ---") {
		t.Errorf("missing transcript marker:\n%s", text)
	}
	if !strings.Contains(text, "こんにちは。会議を始めます。") {
		t.Error("should serve corrected text")
	}
	if !strings.Contains(text, "ファイル名: 会議 2026-08-26.wav") {
		t.Errorf("missing filename line:\n%s", text)
	}
}

func TestDownloadSummaryTxt(t *testing.T) {
	a := newTestAPI(t, 1<<20)
	job := seedJob(t, a.store, "meeting")
	seedCompleted(t, a.store, job.ID)

	rec, _ := a.do(t, httptest.NewRequest(http.MethodGet, "/api/v1/files/"+job.ID+"/summary.txt", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	text := rec.Body.String()
	if !strings.HasPrefix(text, "MEETING要約結果") {
		t.Errorf("missing usage header:\n%s", text)
	}
	if !strings.Contains(text, "--- 要約内容 ---") {
		t.Errorf("missing summary marker:\n%s", text)
	}
	if !strings.Contains(text, "予算を承認") {
		t.Error("missing summary body")
	}
}

func TestExportZip(t *testing.T) {
	a := newTestAPI(t, 1<<20)
	job := seedJob(t, a.store, "meeting")
	seedCompleted(t, a.store, job.ID)

	rec, _ := a.do(t, httptest.NewRequest(http.MethodGet, "/api/v1/files/"+job.ID+"/export", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/zip" {
		t.Errorf("Content-Type = %s", ct)
	}
	zr, err := zip.NewReader(bytes.NewReader(rec.Body.Bytes()), int64(rec.Body.Len()))
	if err != nil {
		t.Fatalf("zip open: %v", err)
	}
	want := map[string]bool{
		"transcription.txt":  false,
		"transcription.json": false,
		"summary.md":         false,
		"summary.txt":        false,
	}
	for _, f := range zr.File {
		want[f.Name] = true
	}
	for name, found := range want {
		if !found {
			t.Errorf("zip missing %s", name)
		}
	}
}

func TestHealth(t *testing.T) {
	a := newTestAPI(t, 1<<20)

	rec, body := a.do(t, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	data := dataOf(t, body)
	for _, key := range []string{"status", "store", "whisper", "llm"} {
		if data[key] != "OK" {
			t.Errorf("%s = %v, want OK", key, data[key])
		}
	}

	a.engine.degraded = true
	rec, body = a.do(t, httptest.NewRequest(http.MethodGet, "/api/v1/health", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("degraded status = %d, want 200", rec.Code)
	}
	data = dataOf(t, body)
	if data["status"] != "DEGRADED" {
		t.Errorf("status = %v", data["status"])
	}
	if data["whisper"] != "DEGRADED" {
		t.Errorf("whisper = %v", data["whisper"])
	}
	if data["store"] != "OK" {
		t.Errorf("store = %v", data["store"])
	}
}

func TestCORSPreflight(t *testing.T) {
	a := newTestAPI(t, 1<<20)

	rec, _ := a.do(t, httptest.NewRequest(http.MethodOptions, "/api/v1/transcriptions/", nil))
	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d", rec.Code)
	}
	if rec.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Error("missing CORS header")
	}
}
