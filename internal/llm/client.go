// Package llm talks to a local Ollama server over its native JSON API.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

var (
	// ErrUnavailable means the server could not be reached at all.
	ErrUnavailable = errors.New("llm: server unavailable")
	// ErrTimeout means the call exceeded its deadline.
	ErrTimeout = errors.New("llm: request timed out")
	// ErrModelMissing means the configured model is not pulled on the server.
	ErrModelMissing = errors.New("llm: model not found")
	// ErrBadResponse means the server answered with something unusable.
	ErrBadResponse = errors.New("llm: malformed response")
)

const (
	maxRetries = 2
	baseDelay  = 1 * time.Second
)

// Options tune a single generation call.
type Options struct {
	NumPredict  int
	Temperature float64
	TopP        float64
	// OnRetry overrides the client-level RetryHook for this call.
	OnRetry RetryHook
}

// RetryHook is invoked before each retry wait, letting the caller audit
// transient failures.
type RetryHook func(attempt int, cause error, wait time.Duration)

// Client is a minimal Ollama text-generation client: non-streaming
// /api/generate with bounded retries for transient failures.
type Client struct {
	baseURL   string
	model     string
	http      *http.Client
	log       zerolog.Logger
	RetryHook RetryHook
}

// New creates an Ollama client. timeout bounds a single HTTP exchange;
// per-call deadlines come from the caller's context.
func New(baseURL, model string, timeout time.Duration, log zerolog.Logger) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		model:   model,
		http:    &http.Client{Timeout: timeout},
		log:     log.With().Str("component", "ollama").Str("model", model).Logger(),
	}
}

// Model returns the configured model name.
func (c *Client) Model() string { return c.model }

type generateRequest struct {
	Model   string         `json:"model"`
	Prompt  string         `json:"prompt"`
	Stream  bool           `json:"stream"`
	Options map[string]any `json:"options,omitempty"`
}

type generateResponse struct {
	Response string `json:"response"`
	Done     bool   `json:"done"`
}

// Generate runs one completion and returns the model's text. Network
// errors and 5xx responses are retried up to two times with increasing
// backoff; everything else fails immediately.
func (c *Client) Generate(ctx context.Context, prompt string, opts Options) (string, error) {
	options := map[string]any{}
	if opts.NumPredict > 0 {
		options["num_predict"] = opts.NumPredict
	}
	if opts.Temperature > 0 {
		options["temperature"] = opts.Temperature
	}
	if opts.TopP > 0 {
		options["top_p"] = opts.TopP
	}
	body, err := json.Marshal(generateRequest{
		Model:   c.model,
		Prompt:  prompt,
		Stream:  false,
		Options: options,
	})
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	hook := opts.OnRetry
	if hook == nil {
		hook = c.RetryHook
	}

	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			wait := baseDelay << (2 * (attempt - 1)) // 1s, 4s
			if hook != nil {
				hook(attempt, lastErr, wait)
			}
			c.log.Warn().Err(lastErr).Int("attempt", attempt).Dur("wait", wait).
				Msg("retrying generation")
			select {
			case <-time.After(wait):
			case <-ctx.Done():
				return "", classifyCtx(ctx.Err())
			}
		}

		text, err := c.generateOnce(ctx, body)
		if err == nil {
			return text, nil
		}
		if !retryable(err) {
			return "", err
		}
		lastErr = err
	}
	return "", lastErr
}

func (c *Client) generateOnce(ctx context.Context, body []byte) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/api/generate", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return "", classifyCtx(ctxErr)
		}
		var ue interface{ Timeout() bool }
		if errors.As(err, &ue) && ue.Timeout() {
			return "", fmt.Errorf("%w: %v", ErrTimeout, err)
		}
		return "", fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 32<<20))
	if err != nil {
		return "", fmt.Errorf("%w: read body: %v", ErrBadResponse, err)
	}

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return "", fmt.Errorf("%w: %s", ErrModelMissing, c.model)
	case resp.StatusCode >= 500:
		return "", fmt.Errorf("%w: status %d: %s", ErrUnavailable, resp.StatusCode, truncate(raw, 200))
	case resp.StatusCode != http.StatusOK:
		return "", fmt.Errorf("%w: status %d: %s", ErrBadResponse, resp.StatusCode, truncate(raw, 200))
	}

	var gen generateResponse
	if err := json.Unmarshal(raw, &gen); err != nil {
		return "", fmt.Errorf("%w: %v", ErrBadResponse, err)
	}
	if gen.Response == "" {
		return "", fmt.Errorf("%w: empty response field", ErrBadResponse)
	}
	return gen.Response, nil
}

// CheckModel verifies the server is reachable and the configured model is
// pulled. Used by the health endpoint.
func (c *Client) CheckModel(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.baseURL+"/api/tags", nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode)
	}

	var tags struct {
		Models []struct {
			Name string `json:"name"`
		} `json:"models"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&tags); err != nil {
		return fmt.Errorf("%w: %v", ErrBadResponse, err)
	}
	for _, m := range tags.Models {
		if m.Name == c.model || strings.TrimSuffix(m.Name, ":latest") == c.model {
			return nil
		}
	}
	return fmt.Errorf("%w: %s", ErrModelMissing, c.model)
}

func retryable(err error) bool {
	return errors.Is(err, ErrUnavailable)
}

func classifyCtx(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	return err
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
