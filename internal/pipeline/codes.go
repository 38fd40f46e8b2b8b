package pipeline

import (
	"errors"

	"github.com/snarg/gijiroku/internal/llm"
	"github.com/snarg/gijiroku/internal/whisper"
)

// Job error codes persisted on FAILED jobs and surfaced to clients.
const (
	CodeWhisperLoadFailed      = "WHISPER_LOAD_FAILED"
	CodeWhisperInferenceFailed = "WHISPER_INFERENCE_FAILED"
	CodeWhisperTimeout         = "WHISPER_TIMEOUT"
	CodeLLMUnavailable         = "LLM_UNAVAILABLE"
	CodeLLMTimeout             = "LLM_TIMEOUT"
	CodeLLMBadResponse         = "LLM_BAD_RESPONSE"
	CodeLLMModelMissing        = "LLM_MODEL_MISSING"
	CodeStoreError             = "STORE_ERROR"
)

// classify maps a backend error to its persisted code and whether the
// engine may retry the stage in place.
func classify(err error) (code string, retryable bool) {
	switch {
	case errors.Is(err, whisper.ErrLoadFailed):
		return CodeWhisperLoadFailed, false
	case errors.Is(err, whisper.ErrTimeout):
		return CodeWhisperTimeout, true
	case errors.Is(err, whisper.ErrInference):
		return CodeWhisperInferenceFailed, true
	case errors.Is(err, whisper.ErrDecode):
		// Deterministic: the same bytes will fail the same way.
		return CodeWhisperInferenceFailed, false
	case errors.Is(err, llm.ErrUnavailable):
		// The client already spent its own retry budget.
		return CodeLLMUnavailable, false
	case errors.Is(err, llm.ErrTimeout):
		return CodeLLMTimeout, true
	case errors.Is(err, llm.ErrModelMissing):
		return CodeLLMModelMissing, false
	case errors.Is(err, llm.ErrBadResponse):
		return CodeLLMBadResponse, false
	}
	return CodeStoreError, false
}
