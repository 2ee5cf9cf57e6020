// Package workerclient is a typed HTTP client for the worker control
// surface, used by the API service to proxy worker operations.
package workerclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/schemapilot/schemapilot/internal/worker"
)

const defaultTimeout = 30 * time.Second

// Client talks to one worker instance.
type Client struct {
	baseURL string
	http    *http.Client
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient substitutes the underlying HTTP client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.http = h }
}

// New creates a client for the worker at baseURL.
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: defaultTimeout},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Status fetches the worker's status.
func (c *Client) Status(ctx context.Context) (worker.Status, error) {
	var status worker.Status
	err := c.do(ctx, http.MethodGet, "/status", nil, &status)
	return status, err
}

// SetDB switches the worker's active database and reports the switch result,
// including the database it replaced.
func (c *Client) SetDB(ctx context.Context, name string) (worker.SetDBResult, error) {
	var result worker.SetDBResult
	err := c.do(ctx, http.MethodPost, "/set_db", map[string]string{"database": name}, &result)
	return result, err
}

// AddListener attaches a change listener. The result's Status is "exists"
// when one was already running.
func (c *Client) AddListener(ctx context.Context, name string) (worker.AddListenerResult, error) {
	var result worker.AddListenerResult
	err := c.do(ctx, http.MethodPost, "/add_database_listener",
		map[string]string{"database": name}, &result)
	return result, err
}

// RefreshEmbeddings rebuilds embeddings. With table set only that table is
// refreshed; an empty name targets the worker's active database.
func (c *Client) RefreshEmbeddings(ctx context.Context, name, schema, table string) (worker.RefreshResult, error) {
	var result worker.RefreshResult
	err := c.do(ctx, http.MethodPost, "/refresh_embeddings",
		map[string]string{"database": name, "schema": schema, "table": table}, &result)
	return result, err
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding worker request: %w", err)
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("building worker request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("worker unreachable: %w", err)
	}
	defer resp.Body.Close() //nolint:errcheck

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("reading worker response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("worker %s %s failed status=%d body=%s",
			method, path, resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			return fmt.Errorf("decoding worker response: %w", err)
		}
	}
	return nil
}
