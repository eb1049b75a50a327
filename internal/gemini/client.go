// Package gemini talks to the Gemini generateContent API and implements the
// recommendation, content, image and speech providers on top of it.
package gemini

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

const (
	DefaultBaseURL        = "https://generativelanguage.googleapis.com"
	DefaultRecommendModel = "gemini-3-flash-preview"
	DefaultContentModel   = "gemini-3-pro-preview"
	DefaultImageModel     = "gemini-2.5-flash-image"
	DefaultTTSModel       = "gemini-2.5-flash-preview-tts"
	DefaultVoice          = "Kore"
	DefaultRequestsPerMin = 30

	defaultTimeout = 180 * time.Second
	maxRetries     = 3
	initialBackoff = 500 * time.Millisecond
	maxErrorBody   = 4 << 10
)

// PlatformLimits are the character budgets given to the content model.
type PlatformLimits struct {
	Long   int
	Medium int
	Short  int
}

// DefaultPlatformLimits match what each network group comfortably displays.
var DefaultPlatformLimits = PlatformLimits{Long: 2500, Medium: 600, Short: 260}

// Config configures a Client. Zero fields select the defaults.
type Config struct {
	APIKey            string
	BaseURL           string
	RecommendModel    string
	ContentModel      string
	ImageModel        string
	TTSModel          string
	Voice             string
	RequestsPerMinute int
	Limits            PlatformLimits
	HTTPClient        *http.Client
	Logger            *slog.Logger
}

// Client communicates with the Gemini API. Requests are throttled to the
// configured rate and retried with exponential backoff on HTTP 429.
type Client struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
	limiter    *rate.Limiter
	models     models
	voice      string
	limits     PlatformLimits
	logger     *slog.Logger
}

type models struct {
	recommend, content, image, tts string
}

// NewClient creates a Client from cfg.
func NewClient(cfg Config) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.RequestsPerMinute <= 0 {
		cfg.RequestsPerMinute = DefaultRequestsPerMin
	}
	if cfg.Limits.Long <= 0 {
		cfg.Limits.Long = DefaultPlatformLimits.Long
	}
	if cfg.Limits.Medium <= 0 {
		cfg.Limits.Medium = DefaultPlatformLimits.Medium
	}
	if cfg.Limits.Short <= 0 {
		cfg.Limits.Short = DefaultPlatformLimits.Short
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: defaultTimeout}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Client{
		apiKey:     cfg.APIKey,
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		httpClient: cfg.HTTPClient,
		limiter:    rate.NewLimiter(rate.Limit(float64(cfg.RequestsPerMinute)/60), 1),
		models: models{
			recommend: orDefault(cfg.RecommendModel, DefaultRecommendModel),
			content:   orDefault(cfg.ContentModel, DefaultContentModel),
			image:     orDefault(cfg.ImageModel, DefaultImageModel),
			tts:       orDefault(cfg.TTSModel, DefaultTTSModel),
		},
		voice:  orDefault(cfg.Voice, DefaultVoice),
		limits: cfg.Limits,
		logger: cfg.Logger,
	}
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

// APIError is a non-success response from the API.
type APIError struct {
	StatusCode int
	Status     string
	Message    string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("gemini: HTTP %d", e.StatusCode)
	}
	return fmt.Sprintf("gemini: HTTP %d %s: %s", e.StatusCode, e.Status, e.Message)
}

// UserMessage returns the API's explanation, if it gave one.
func (e *APIError) UserMessage() string { return e.Message }

func isRateLimit(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusTooManyRequests
}

// generate calls model:generateContent, retrying on rate limiting.
func (c *Client) generate(ctx context.Context, model string, req generateRequest) (*generateResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}

	var lastErr error
	for attempt := range maxRetries {
		resp, err := c.doGenerate(ctx, model, body)
		if err == nil {
			return resp, nil
		}
		if !isRateLimit(err) {
			return nil, err
		}

		lastErr = err
		if attempt < maxRetries-1 {
			backoff := time.Duration(float64(initialBackoff) * math.Pow(2, float64(attempt)))
			c.logger.Debug("gemini rate limited, backing off", "model", model, "attempt", attempt+1, "backoff", backoff)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
		}
	}
	return nil, fmt.Errorf("rate limited after %d retries: %w", maxRetries, lastErr)
}

// limiterError reports a limiter wait that cannot finish before the deadline
// as a deadline error, so callers classify it as a timeout.
func limiterError(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("waiting for rate limiter: %w", ctxErr)
	}
	if _, ok := ctx.Deadline(); ok {
		return fmt.Errorf("waiting for rate limiter: %v: %w", err, context.DeadlineExceeded)
	}
	return fmt.Errorf("waiting for rate limiter: %w", err)
}

func (c *Client) doGenerate(ctx context.Context, model string, body []byte) (*generateResponse, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, limiterError(ctx, err)
	}

	url := fmt.Sprintf("%s/v1beta/models/%s:generateContent", c.baseURL, model)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-goog-api-key", c.apiKey)

	start := time.Now()
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("executing request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		apiErr := &APIError{StatusCode: resp.StatusCode}
		var er errorResponse
		if json.Unmarshal(raw, &er) == nil && er.Error.Message != "" {
			apiErr.Status = er.Error.Status
			apiErr.Message = er.Error.Message
		} else {
			apiErr.Message = strings.TrimSpace(string(raw))
		}
		return nil, apiErr
	}

	var out generateResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decoding response: %w", err)
	}
	c.logger.Debug("gemini call", "model", model, "duration_ms", time.Since(start).Milliseconds())
	return &out, nil
}
