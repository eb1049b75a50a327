package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/kalambet/echoes/internal/config"
	"github.com/kalambet/echoes/internal/echo"
	"github.com/kalambet/echoes/internal/session"
)

// probeTimeout bounds the health check so `status` answers quickly when the
// port is taken by something that never replies.
const probeTimeout = 2 * time.Second

// apiClient talks to a running `echoes serve` on the loopback interface.
type apiClient struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

var newAPIClient = func() (*apiClient, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}

	token, err := config.GetAPIToken()
	if err != nil {
		return nil, fmt.Errorf("getting API token: %w", err)
	}

	return &apiClient{
		baseURL:    fmt.Sprintf("http://127.0.0.1:%d", cfg.Server.Port),
		token:      token,
		httpClient: &http.Client{Timeout: requestBudget(cfg.Pipeline)},
	}, nil
}

// requestBudget covers the longest call the API serves: a select that runs
// content and image generation back to back.
func requestBudget(p config.PipelineConfig) time.Duration {
	longest := p.ScanTimeout
	if gen := p.ContentTimeout + p.ImageTimeout; gen > longest {
		longest = gen
	}
	return longest + 30*time.Second
}

func (c *apiClient) do(ctx context.Context, method, path string, body any) (*http.Response, error) {
	var payload io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encoding %s %s: %w", method, path, err)
		}
		payload = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, payload)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("server not reachable, is `echoes serve` running? (%w)", err)
	}
	return resp, nil
}

func (c *apiClient) get(ctx context.Context, path string) (*http.Response, error) {
	return c.do(ctx, http.MethodGet, path, nil)
}

// health reports whether the server answers /health in time.
func (c *apiClient) health(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()
	resp, err := c.get(ctx, "/health")
	if err != nil {
		return err
	}
	var body struct {
		Status string `json:"status"`
	}
	return decodeJSON(resp, &body)
}

func (c *apiClient) state(ctx context.Context) (session.State, error) {
	var st session.State
	resp, err := c.get(ctx, "/state")
	if err != nil {
		return st, err
	}
	return st, decodeJSON(resp, &st)
}

func (c *apiClient) entries(ctx context.Context) ([]echo.HistoryEntry, error) {
	resp, err := c.get(ctx, "/history")
	if err != nil {
		return nil, err
	}
	var body struct {
		Entries []echo.HistoryEntry `json:"entries"`
	}
	if err := decodeJSON(resp, &body); err != nil {
		return nil, err
	}
	return body.Entries, nil
}

// apiError is a non-2xx reply, decoded from the server's error envelope
// when it has one.
type apiError struct {
	Status  int
	Type    string
	Message string
}

func (e *apiError) Error() string {
	if e.Type == "" {
		return fmt.Sprintf("server returned %d: %s", e.Status, e.Message)
	}
	return fmt.Sprintf("server returned %d (%s): %s", e.Status, e.Type, e.Message)
}

func decodeJSON(resp *http.Response, v any) error {
	defer resp.Body.Close()
	if resp.StatusCode < 400 {
		return json.NewDecoder(resp.Body).Decode(v)
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return fmt.Errorf("server returned %d (failed to read body: %w)", resp.StatusCode, err)
	}
	apiErr := &apiError{Status: resp.StatusCode, Message: string(bytes.TrimSpace(raw))}
	var envelope struct {
		Error struct {
			Message string `json:"message"`
			Type    string `json:"type"`
		} `json:"error"`
	}
	if json.Unmarshal(raw, &envelope) == nil && envelope.Error.Message != "" {
		apiErr.Type = envelope.Error.Type
		apiErr.Message = envelope.Error.Message
	}
	return apiErr
}

// isAPIError reports whether err is a server reply of the given type.
func isAPIError(err error, typ string) bool {
	var apiErr *apiError
	return errors.As(err, &apiErr) && apiErr.Type == typ
}
