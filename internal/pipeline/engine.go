// Package pipeline drives jobs through transcription, correction and
// summarization.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/snarg/gijiroku/internal/llm"
	"github.com/snarg/gijiroku/internal/store"
	"github.com/snarg/gijiroku/internal/whisper"
)

// Fixed LLM confidence: Ollama does not report one.
const llmConfidence = 0.85

const stageRetries = 2

// Transcriber is the speech-to-text backend.
type Transcriber interface {
	Transcribe(ctx context.Context, audioPath string) (*whisper.Result, error)
}

// Generator is the chat LLM backend.
type Generator interface {
	Generate(ctx context.Context, prompt string, opts llm.Options) (string, error)
	Model() string
}

// Config sizes the engine.
type Config struct {
	WorkerCount       int
	TranscribeTimeout time.Duration
	CorrectTimeout    time.Duration
	SummarizeTimeout  time.Duration
	PollInterval      time.Duration
}

// Engine claims jobs from the store and runs the three-stage pipeline
// with a bounded worker pool. Stage output rows are the idempotency key:
// a re-claimed job skips every stage that already has output.
type Engine struct {
	store    *store.Store
	stt      Transcriber
	llm      Generator
	cfg      Config
	log      zerolog.Logger
	notify   chan struct{}
	degraded atomic.Bool
	wg       sync.WaitGroup

	// backoffBase is the first retry delay; it grows 4x per attempt.
	backoffBase time.Duration
}

// New creates an engine. Workers do not run until Start.
func New(st *store.Store, stt Transcriber, gen Generator, cfg Config, log zerolog.Logger) *Engine {
	if cfg.WorkerCount < 1 {
		cfg.WorkerCount = 1
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	return &Engine{
		store:       st,
		stt:         stt,
		llm:         gen,
		cfg:         cfg,
		log:         log.With().Str("component", "engine").Logger(),
		notify:      make(chan struct{}, 1),
		backoffBase: time.Second,
	}
}

// Start recovers interrupted work and launches the worker pool. Workers
// exit when ctx is cancelled; Wait blocks until they are gone.
func (e *Engine) Start(ctx context.Context) error {
	n, err := e.store.ResetClaims(ctx)
	if err != nil {
		return fmt.Errorf("reset claims: %w", err)
	}
	if n > 0 {
		e.log.Info().Int64("jobs", n).Msg("requeued interrupted jobs")
	}

	for i := 0; i < e.cfg.WorkerCount; i++ {
		e.wg.Add(1)
		go e.worker(ctx, i)
	}
	e.log.Info().Int("workers", e.cfg.WorkerCount).Msg("engine started")
	return nil
}

// Wait blocks until all workers have exited.
func (e *Engine) Wait() {
	e.wg.Wait()
}

// Notify wakes a worker to look for new work. Never blocks.
func (e *Engine) Notify() {
	select {
	case e.notify <- struct{}{}:
	default:
	}
}

// Degraded reports whether the engine stopped claiming work because the
// transcription model could not be loaded.
func (e *Engine) Degraded() bool {
	return e.degraded.Load()
}

func (e *Engine) worker(ctx context.Context, id int) {
	defer e.wg.Done()
	log := e.log.With().Int("worker", id).Logger()

	ticker := time.NewTicker(e.cfg.PollInterval)
	defer ticker.Stop()
	for {
		e.drain(ctx, log)
		select {
		case <-ctx.Done():
			return
		case <-e.notify:
		case <-ticker.C:
		}
	}
}

// drain claims and runs jobs until the queue is empty.
func (e *Engine) drain(ctx context.Context, log zerolog.Logger) {
	for ctx.Err() == nil && !e.degraded.Load() {
		job, err := e.store.ClaimNext(ctx)
		if err != nil {
			if ctx.Err() == nil {
				log.Error().Err(err).Msg("claim failed")
			}
			return
		}
		if job == nil {
			return
		}
		e.run(ctx, job, log.With().Str("job_id", job.ID).Logger())
	}
}

// run executes the remaining stages for one claimed job.
func (e *Engine) run(ctx context.Context, job *store.Job, log zerolog.Logger) {
	log.Info().Str("status", job.Status).Int("progress", job.Progress).Msg("job claimed")

	if e.checkCancel(ctx, job.ID, log) {
		return
	}
	results, err := e.store.GetResults(ctx, job.ID)
	if err != nil {
		log.Error().Err(err).Msg("could not load results, leaving job for recovery")
		return
	}

	if results.Raw == nil {
		raw, ok := e.transcribe(ctx, job, results, log)
		if !ok {
			return
		}
		results.Raw = raw
		if e.checkCancel(ctx, job.ID, log) {
			return
		}
	}

	if results.Corrected == nil {
		corrected, ok := e.correct(ctx, job, results, log)
		if !ok {
			return
		}
		results.Corrected = corrected
		if e.checkCancel(ctx, job.ID, log) {
			return
		}
	}

	if results.Summary == nil {
		if !e.summarize(ctx, job, results, log) {
			return
		}
	}

	e.appendLog(ctx, job.ID, store.LogInfo, "議事録の作成が完了しました", "")
	log.Info().Msg("job completed")
}

func (e *Engine) transcribe(ctx context.Context, job *store.Job, results *store.Results, log zerolog.Logger) (*store.RawTranscript, bool) {
	if results.Audio == nil {
		e.fail(ctx, job, CodeStoreError, errors.New("audio metadata missing"), log)
		return nil, false
	}
	e.progress(ctx, job.ID, store.StatusTranscribing, 10, "音声の文字起こしを実行中です。", log)
	e.appendLog(ctx, job.ID, store.LogInfo, "文字起こしを開始しました", "")

	var lastErr error
	for attempt := 0; attempt <= stageRetries; attempt++ {
		if attempt > 0 {
			if !e.backoff(ctx, attempt) {
				return nil, false
			}
		}

		start := time.Now()
		callCtx, cancel := context.WithTimeout(ctx, e.cfg.TranscribeTimeout)
		res, err := e.stt.Transcribe(callCtx, results.Audio.FilePath)
		cancel()
		if err == nil {
			raw := &store.RawTranscript{
				JobID:          job.ID,
				Text:           res.Text,
				Language:       res.Language,
				Confidence:     res.Confidence,
				ModelUsed:      res.ModelName,
				ProcessingTime: time.Since(start).Seconds(),
			}
			if e.checkCancel(ctx, job.ID, log) {
				return nil, false
			}
			if serr := e.store.SaveRawTranscript(ctx, raw); serr != nil {
				log.Error().Err(serr).Msg("could not persist transcript, leaving job for recovery")
				return nil, false
			}
			e.appendLog(ctx, job.ID, store.LogInfo, "文字起こしが完了しました",
				fmt.Sprintf(`{"chars":%d}`, len(res.Text)))
			return raw, true
		}

		if ctx.Err() != nil {
			// Shutdown mid-stage: leave the job claimed-but-unfinished
			// so ResetClaims requeues it on the next start.
			return nil, false
		}
		code, retryable := classify(err)
		if code == CodeWhisperLoadFailed {
			e.degraded.Store(true)
			log.Error().Err(err).Msg("model load failed, engine degraded")
			e.fail(ctx, job, code, err, log)
			return nil, false
		}
		if !retryable || attempt == stageRetries {
			e.fail(ctx, job, code, err, log)
			return nil, false
		}
		lastErr = err
		e.appendLog(ctx, job.ID, store.LogWarn, "文字起こしをリトライします",
			fmt.Sprintf(`{"code":%q,"attempt":%d}`, code, attempt+1))
		log.Warn().Err(err).Int("attempt", attempt+1).Msg("transcription retry")
	}
	e.fail(ctx, job, CodeWhisperInferenceFailed, lastErr, log)
	return nil, false
}

func (e *Engine) correct(ctx context.Context, job *store.Job, results *store.Results, log zerolog.Logger) (*store.CorrectedTranscript, bool) {
	e.progress(ctx, job.ID, store.StatusCorrecting, 60, "テキストを整形しています。", log)
	e.appendLog(ctx, job.ID, store.LogInfo, "テキスト整形を開始しました", "")

	start := time.Now()
	text, ok := e.generate(ctx, job, correctionPrompt(results.Raw.Text), llm.Options{
		NumPredict:  2000,
		Temperature: 0.3,
		TopP:        0.9,
		OnRetry:     e.retryAuditor(job.ID, "テキスト整形をリトライします"),
	}, e.cfg.CorrectTimeout, "テキスト整形をリトライします", log)
	if !ok {
		return nil, false
	}
	if e.checkCancel(ctx, job.ID, log) {
		return nil, false
	}

	corrected := strings.TrimSpace(text)
	if corrected == "" {
		// An empty answer is not worth failing the job over.
		log.Warn().Msg("empty correction result, keeping raw text")
		corrected = results.Raw.Text
	}
	ct := &store.CorrectedTranscript{
		JobID:          job.ID,
		Text:           corrected,
		ModelUsed:      e.llm.Model(),
		ProcessingTime: time.Since(start).Seconds(),
	}
	if serr := e.store.SaveCorrectedTranscript(ctx, ct); serr != nil {
		log.Error().Err(serr).Msg("could not persist correction, leaving job for recovery")
		return nil, false
	}
	e.appendLog(ctx, job.ID, store.LogInfo, "テキスト整形が完了しました", "")
	return ct, true
}

func (e *Engine) summarize(ctx context.Context, job *store.Job, results *store.Results, log zerolog.Logger) bool {
	e.appendLog(ctx, job.ID, store.LogInfo, "議事録の作成を開始しました", "")

	start := time.Now()
	text, ok := e.generate(ctx, job, summaryPrompt(results.Corrected.Text), llm.Options{
		NumPredict:  1000,
		Temperature: 0.7,
		TopP:        0.9,
		OnRetry:     e.retryAuditor(job.ID, "議事録の作成をリトライします"),
	}, e.cfg.SummarizeTimeout, "議事録の作成をリトライします", log)
	if !ok {
		return false
	}
	if e.checkCancel(ctx, job.ID, log) {
		return false
	}

	e.progress(ctx, job.ID, store.StatusSummarizing, 90, "議事録を整形しています。", log)

	summaryText, details := parseSummaryResponse(text)
	detailsJSON, merr := marshalDetails(details)
	if merr != nil {
		e.fail(ctx, job, CodeLLMBadResponse, merr, log)
		return false
	}
	sum := &store.Summary{
		JobID:          job.ID,
		FormattedText:  formatSummary(summaryText, details),
		Details:        detailsJSON,
		ModelUsed:      e.llm.Model(),
		Confidence:     llmConfidence,
		ProcessingTime: time.Since(start).Seconds(),
	}
	if serr := e.store.SaveSummary(ctx, sum); serr != nil {
		log.Error().Err(serr).Msg("could not persist summary, leaving job for recovery")
		return false
	}
	return true
}

// generate runs one LLM call under the stage retry budget. Timeouts are
// transient here (retried with the same backoff as transcription); the
// client handles its own transport retries, so an ErrUnavailable that
// reaches this loop is final.
func (e *Engine) generate(ctx context.Context, job *store.Job, prompt string, opts llm.Options, timeout time.Duration, retryMsg string, log zerolog.Logger) (string, bool) {
	for attempt := 0; ; attempt++ {
		callCtx, cancel := context.WithTimeout(ctx, timeout)
		text, err := e.llm.Generate(callCtx, prompt, opts)
		cancel()
		if err == nil {
			return text, true
		}
		if ctx.Err() != nil {
			return "", false
		}
		code, retryable := classify(err)
		if !retryable || attempt == stageRetries {
			e.fail(ctx, job, code, err, log)
			return "", false
		}
		e.appendLog(ctx, job.ID, store.LogWarn, retryMsg,
			fmt.Sprintf(`{"code":%q,"attempt":%d}`, code, attempt+1))
		log.Warn().Err(err).Int("attempt", attempt+1).Msg("generation retry")
		if !e.backoff(ctx, attempt+1) {
			return "", false
		}
	}
}

// checkCancel finishes a requested cancellation; it runs before a stage
// starts and again before a stage result is written, so a backend call
// that was in flight when cancellation arrived has its result discarded.
func (e *Engine) checkCancel(ctx context.Context, jobID string, log zerolog.Logger) bool {
	requested, err := e.store.CancelRequested(ctx, jobID)
	if err != nil {
		// Job may have been deleted out from under us; stop working on it.
		log.Warn().Err(err).Msg("cancel check failed, dropping job")
		return true
	}
	if !requested {
		return false
	}
	if err := e.store.FinishCancel(ctx, jobID); err != nil {
		log.Error().Err(err).Msg("could not finish cancellation")
		return true
	}
	e.appendLog(ctx, jobID, store.LogInfo, "処理をキャンセルしました", "")
	log.Info().Msg("job cancelled")
	return true
}

func (e *Engine) fail(ctx context.Context, job *store.Job, code string, cause error, log zerolog.Logger) {
	if err := e.store.MarkFailed(ctx, job.ID, code, cause.Error()); err != nil {
		log.Error().Err(err).Msg("could not mark job failed")
		return
	}
	e.appendLog(ctx, job.ID, store.LogError, "処理に失敗しました",
		fmt.Sprintf(`{"code":%q}`, code))
	log.Error().Err(cause).Str("code", code).Msg("job failed")
}

// progress ignores monotonic-guard refusals: on recovery replays the
// stored progress may already be ahead of the milestone.
func (e *Engine) progress(ctx context.Context, jobID, status string, pct int, message string, log zerolog.Logger) {
	err := e.store.UpdateProgress(ctx, jobID, status, pct, message)
	if err != nil && !errors.Is(err, store.ErrProgressRegression) {
		log.Warn().Err(err).Int("progress", pct).Msg("progress update failed")
	}
}

// appendLog is best-effort: audit records never block the pipeline.
func (e *Engine) appendLog(ctx context.Context, jobID, level, message, details string) {
	if err := e.store.AppendLog(ctx, jobID, level, message, details); err != nil {
		e.log.Warn().Err(err).Str("job_id", jobID).Msg("processing log write failed")
	}
}

// retryAuditor turns LLM client retries into WARN audit records.
func (e *Engine) retryAuditor(jobID, message string) llm.RetryHook {
	return func(attempt int, cause error, wait time.Duration) {
		code, _ := classify(cause)
		e.appendLog(context.Background(), jobID, store.LogWarn, message,
			fmt.Sprintf(`{"code":%q,"attempt":%d,"wait":%q}`, code, attempt, wait.String()))
	}
}

func (e *Engine) backoff(ctx context.Context, attempt int) bool {
	wait := e.backoffBase << (2 * (attempt - 1)) // 1s, 4s
	select {
	case <-time.After(wait):
		return true
	case <-ctx.Done():
		return false
	}
}
