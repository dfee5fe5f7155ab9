// Package genai calls the external text-generation endpoint and turns
// its loosely structured responses into decoded JSON objects.
package genai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/lexatlas/contentgen/internal/domain"
	"github.com/lexatlas/contentgen/internal/jsonrepair"
)

// Generator is the surface the pipeline stages depend on.
type Generator interface {
	GenerateStructured(ctx context.Context, instruction string, maxTokens int) (map[string]any, error)
}

// Config holds generation endpoint settings. All of it is passed in
// explicitly at construction time; the client keeps no ambient state.
type Config struct {
	BaseURL       string
	APIKey        string
	Model         string
	Temperature   float64
	MaxRetries    int
	RetryInterval time.Duration
	Timeout       time.Duration
}

// Client is an HTTP client for the generation endpoint with linear
// backoff retry on transient failures.
type Client struct {
	cfg        Config
	logger     *slog.Logger
	httpClient *http.Client
}

// NewClient creates a generation client from explicit configuration.
func NewClient(cfg Config, logger *slog.Logger) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("genai: base URL is required")
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = time.Second
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 120 * time.Second
	}

	return &Client{
		cfg:        cfg,
		logger:     logger.With(slog.String("component", "genai")),
		httpClient: &http.Client{Timeout: timeout},
	}, nil
}

type generateRequest struct {
	Model           string  `json:"model,omitempty"`
	Instruction     string  `json:"instruction"`
	MaxOutputTokens int     `json:"max_output_tokens"`
	Temperature     float64 `json:"temperature"`
}

type generateResponse struct {
	OutputText string `json:"output_text"`
}

type httpStatusError struct {
	StatusCode int
	Body       string
}

func (e *httpStatusError) Error() string {
	return fmt.Sprintf("generation endpoint returned %d: %s", e.StatusCode, e.Body)
}

// GenerateStructured sends the instruction, retries transient failures
// with linear backoff, and repairs the returned text into a JSON object.
// Every failure mode surfaces as a *domain.GenerationError.
func (c *Client) GenerateStructured(ctx context.Context, instruction string, maxTokens int) (map[string]any, error) {
	raw, err := c.callWithRetry(ctx, instruction, maxTokens)
	if err != nil {
		return nil, &domain.GenerationError{Err: err}
	}

	obj, err := jsonrepair.RepairObject(raw)
	if err != nil {
		c.logger.Warn("Generated text unusable after repair",
			slog.String("error", err.Error()),
			slog.Int("raw_len", len(raw)),
		)
		return nil, &domain.GenerationError{Err: err}
	}
	return obj, nil
}

func (c *Client) callWithRetry(ctx context.Context, instruction string, maxTokens int) (string, error) {
	var lastErr error

	for attempt := 0; attempt <= c.cfg.MaxRetries; attempt++ {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}

		text, retryAfter, err := c.callOnce(ctx, instruction, maxTokens)
		if err == nil {
			return text, nil
		}
		lastErr = err

		if !isRetryable(err) {
			return "", err
		}
		if attempt == c.cfg.MaxRetries {
			break
		}

		// Linear backoff: interval * attempt number, or Retry-After
		// when the endpoint asked for a specific delay.
		sleepFor := c.cfg.RetryInterval * time.Duration(attempt+1)
		if retryAfter > 0 {
			sleepFor = retryAfter
		}

		c.logger.Warn("Generation call failed, retrying",
			slog.Int("attempt", attempt+1),
			slog.Int("max_retries", c.cfg.MaxRetries),
			slog.Duration("retry_after", sleepFor),
			slog.String("error", err.Error()),
		)

		select {
		case <-time.After(sleepFor):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}

	return "", fmt.Errorf("generation failed after %d attempts: %w", c.cfg.MaxRetries+1, lastErr)
}

func (c *Client) callOnce(ctx context.Context, instruction string, maxTokens int) (string, time.Duration, error) {
	reqBody := generateRequest{
		Model:           c.cfg.Model,
		Instruction:     instruction,
		MaxOutputTokens: maxTokens,
		Temperature:     c.cfg.Temperature,
	}

	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(reqBody); err != nil {
		return "", 0, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/v1/generate", &buf)
	if err != nil {
		return "", 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", 0, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", 0, err
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", parseRetryAfter(resp), &httpStatusError{
			StatusCode: resp.StatusCode,
			Body:       strings.TrimSpace(string(raw)),
		}
	}

	var out generateResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return "", 0, fmt.Errorf("decode generation response: %w", err)
	}
	if out.OutputText == "" {
		return "", 0, fmt.Errorf("generation response contained no output text")
	}
	return out.OutputText, 0, nil
}

func parseRetryAfter(resp *http.Response) time.Duration {
	ra := strings.TrimSpace(resp.Header.Get("Retry-After"))
	if ra == "" {
		return 0
	}
	secs, err := strconv.Atoi(ra)
	if err != nil || secs <= 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}

// isRetryable classifies transport errors, timeouts, rate limiting and
// server-side failures as retryable. Anything else fails fast.
func isRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var statusErr *httpStatusError
	if errors.As(err, &statusErr) {
		code := statusErr.StatusCode
		return code == http.StatusRequestTimeout ||
			code == http.StatusTooManyRequests ||
			(code >= 500 && code <= 599)
	}
	// url.Error wraps connection failures without implementing net.Error
	// timeouts; treat plain transport errors as transient.
	return isTransportError(err)
}

func isTransportError(err error) bool {
	var opErr *net.OpError
	return errors.As(err, &opErr)
}
