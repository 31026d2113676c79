package httpsubmit

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/dukex/labrun/pkg/adapters"
)

const (
	defaultTimeout = 30 * time.Second
	maxErrorBody   = 2048
)

// Client sends JSON requests to an adapter's HTTP API.
type Client struct {
	baseURL string
	headers map[string]string
	http    *http.Client
	logger  *slog.Logger
}

// NewClient creates a client for baseURL.
func NewClient(baseURL string, timeout time.Duration, headers map[string]string, logger *slog.Logger) *Client {
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		headers: headers,
		http:    &http.Client{Timeout: timeout},
		logger:  logger,
	}
}

// Do sends body as JSON and decodes a 2xx response into out. Transport
// failures and non-2xx responses return *adapters.DispatchError.
func (c *Client) Do(ctx context.Context, op, method, path string, body, out any) error {
	var reader io.Reader

	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal %s request: %w", op, err)
		}

		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to build %s request: %w", op, err)
	}

	req.Header.Set("Accept", "application/json")

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	for k, v := range c.headers {
		req.Header.Set(k, v)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return &adapters.DispatchError{Op: op, Stderr: err.Error(), Err: fmt.Errorf("http request failed: %w", err)}
	}

	defer func() {
		if err := resp.Body.Close(); err != nil {
			c.logger.ErrorContext(ctx, "failed to close response body", "error", err)
		}
	}()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return &adapters.DispatchError{Op: op, Stderr: err.Error(), Err: fmt.Errorf("failed to read response: %w", err)}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet := string(data)
		if len(snippet) > maxErrorBody {
			snippet = snippet[:maxErrorBody]
		}

		return &adapters.DispatchError{
			Op:        op,
			StatusRaw: fmt.Sprintf("http_%d", resp.StatusCode),
			Stderr:    snippet,
			Err:       fmt.Errorf("adapter responded with status %d", resp.StatusCode),
		}
	}

	if out == nil || len(bytes.TrimSpace(data)) == 0 {
		return nil
	}

	if err := json.Unmarshal(data, out); err != nil {
		return &adapters.DispatchError{Op: op, Stderr: "malformed response: " + err.Error(), Err: err}
	}

	return nil
}
