// Package whisper runs in-process speech-to-text through whisper.cpp.
package whisper

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	whispercpp "github.com/ggerganov/whisper.cpp/bindings/go/pkg/whisper"
	"github.com/go-audio/wav"
	"github.com/rs/zerolog"
)

var (
	// ErrLoadFailed means the model could not be loaded. The failure is
	// sticky: every later call fails the same way until restart.
	ErrLoadFailed = errors.New("whisper: model load failed")
	// ErrInference means a single transcription attempt failed.
	ErrInference = errors.New("whisper: inference failed")
	// ErrTimeout means the transcription exceeded its deadline.
	ErrTimeout = errors.New("whisper: transcription timed out")
	// ErrDecode means the audio could not be converted or decoded.
	ErrDecode = errors.New("whisper: audio decode failed")
)

// Result is one finished transcription.
type Result struct {
	Text       string
	Language   string
	Confidence float64
	ModelName  string
}

// Client wraps a whisper.cpp model. The model is loaded lazily on first
// use and shared; each call gets a fresh whisper context, and only one
// inference runs at a time.
type Client struct {
	modelPath string
	modelName string
	language  string
	log       zerolog.Logger

	loadMu  sync.Mutex
	loaded  bool
	model   whispercpp.Model
	loadErr error

	// whisper.cpp contexts are cheap but inference saturates the CPU;
	// serialize so concurrent jobs queue instead of thrashing.
	inferMu sync.Mutex
}

// New creates a whisper client. The model file is not touched until the
// first transcription.
func New(modelPath, modelName, language string, log zerolog.Logger) *Client {
	return &Client{
		modelPath: modelPath,
		modelName: modelName,
		language:  language,
		log:       log.With().Str("component", "whisper").Str("model", modelName).Logger(),
	}
}

func (c *Client) load() (whispercpp.Model, error) {
	c.loadMu.Lock()
	defer c.loadMu.Unlock()
	if c.loaded {
		return c.model, c.loadErr
	}
	c.loaded = true

	if _, err := os.Stat(c.modelPath); err != nil {
		c.loadErr = fmt.Errorf("%w: %v", ErrLoadFailed, err)
		return nil, c.loadErr
	}
	c.log.Info().Str("path", c.modelPath).Msg("loading whisper model")
	start := time.Now()
	model, err := whispercpp.New(c.modelPath)
	if err != nil {
		c.loadErr = fmt.Errorf("%w: %v", ErrLoadFailed, err)
		return nil, c.loadErr
	}
	c.model = model
	c.log.Info().Dur("took", time.Since(start)).Msg("whisper model loaded")
	return c.model, nil
}

// Degraded reports whether a previous model load failed permanently.
func (c *Client) Degraded() bool {
	c.loadMu.Lock()
	defer c.loadMu.Unlock()
	return c.loaded && c.loadErr != nil
}

// Ready reports whether the model file exists or is already loaded. Used
// by the health endpoint without forcing a load.
func (c *Client) Ready() bool {
	c.loadMu.Lock()
	defer c.loadMu.Unlock()
	if c.loaded {
		return c.loadErr == nil
	}
	_, err := os.Stat(c.modelPath)
	return err == nil
}

func (c *Client) Close() error {
	c.loadMu.Lock()
	defer c.loadMu.Unlock()
	if c.model != nil {
		return c.model.Close()
	}
	return nil
}

// Transcribe converts audioPath to 16 kHz mono PCM and runs whisper.cpp
// over it. The inference itself cannot be interrupted; on ctx expiry the
// call returns ErrTimeout and the late result is discarded.
func (c *Client) Transcribe(ctx context.Context, audioPath string) (*Result, error) {
	model, err := c.load()
	if err != nil {
		return nil, err
	}

	wavPath, cleanup, err := ensureWhisperWAV(ctx, audioPath)
	if err != nil {
		return nil, err
	}
	defer cleanup()

	samples, err := decodeSamples(wavPath)
	if err != nil {
		return nil, err
	}

	type outcome struct {
		res *Result
		err error
	}
	ch := make(chan outcome, 1)
	go func() {
		c.inferMu.Lock()
		defer c.inferMu.Unlock()
		if ctx.Err() != nil {
			ch <- outcome{err: classifyCtx(ctx.Err())}
			return
		}
		res, err := c.infer(model, samples)
		ch <- outcome{res: res, err: err}
	}()

	select {
	case o := <-ch:
		return o.res, o.err
	case <-ctx.Done():
		return nil, classifyCtx(ctx.Err())
	}
}

func (c *Client) infer(model whispercpp.Model, samples []float32) (*Result, error) {
	wctx, err := model.NewContext()
	if err != nil {
		return nil, fmt.Errorf("%w: create context: %v", ErrInference, err)
	}
	if c.language != "" {
		if err := wctx.SetLanguage(c.language); err != nil {
			c.log.Warn().Err(err).Str("language", c.language).Msg("could not set language")
		}
	}

	start := time.Now()
	if err := wctx.Process(samples, nil, nil, nil); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInference, err)
	}

	var (
		parts    []string
		probSum  float64
		tokCount int
	)
	for {
		segment, err := wctx.NextSegment()
		if err != nil {
			break
		}
		if text := strings.TrimSpace(segment.Text); text != "" {
			parts = append(parts, text)
		}
		for _, tok := range segment.Tokens {
			probSum += float64(tok.P)
			tokCount++
		}
	}

	confidence := 0.0
	if tokCount > 0 {
		confidence = probSum / float64(tokCount)
	}
	c.log.Info().
		Dur("took", time.Since(start)).
		Int("segments", len(parts)).
		Msg("transcription finished")

	return &Result{
		Text:       strings.Join(parts, ""),
		Language:   resultLanguage(wctx.DetectedLanguage(), c.language),
		Confidence: confidence,
		ModelName:  c.modelName,
	}, nil
}

// resultLanguage prefers the language the model detected in the audio,
// falling back to the configured one when detection reports nothing.
func resultLanguage(detected, configured string) string {
	if detected == "" || detected == "auto" {
		return configured
	}
	return detected
}

// ensureWhisperWAV returns a path to 16 kHz mono 16-bit WAV audio for the
// given input, converting through ffmpeg when the input is anything else.
func ensureWhisperWAV(ctx context.Context, audioPath string) (string, func(), error) {
	if isWhisperReadyWAV(audioPath) {
		return audioPath, func() {}, nil
	}

	tmp, err := os.CreateTemp("", "whisper-*.wav")
	if err != nil {
		return "", nil, fmt.Errorf("%w: create temp: %v", ErrDecode, err)
	}
	tmpPath := tmp.Name()
	tmp.Close()

	cmd := exec.CommandContext(ctx, "ffmpeg",
		"-y", "-i", audioPath,
		"-ar", "16000", "-ac", "1", "-c:a", "pcm_s16le",
		"-f", "wav", tmpPath)
	if out, err := cmd.CombinedOutput(); err != nil {
		os.Remove(tmpPath)
		if ctx.Err() != nil {
			return "", nil, classifyCtx(ctx.Err())
		}
		return "", nil, fmt.Errorf("%w: ffmpeg: %v: %s", ErrDecode, err, tail(out, 200))
	}
	return tmpPath, func() { os.Remove(tmpPath) }, nil
}

// isWhisperReadyWAV reports whether the file is already 16 kHz mono
// 16-bit WAV and needs no conversion.
func isWhisperReadyWAV(path string) bool {
	if strings.ToLower(filepath.Ext(path)) != ".wav" {
		return false
	}
	f, err := os.Open(path)
	if err != nil {
		return false
	}
	defer f.Close()
	dec := wav.NewDecoder(f)
	dec.ReadInfo()
	return dec.SampleRate == 16000 && dec.NumChans == 1 && dec.BitDepth == 16
}

func decodeSamples(wavPath string) ([]float32, error) {
	f, err := os.Open(wavPath)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	defer f.Close()

	dec := wav.NewDecoder(f)
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	samples := make([]float32, buf.NumFrames())
	for i := 0; i < buf.NumFrames(); i++ {
		samples[i] = float32(buf.Data[i]) / 32768.0
	}
	return samples, nil
}

func classifyCtx(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	return err
}

func tail(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return "..." + string(b[len(b)-n:])
}
