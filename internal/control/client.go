package control

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/thawkins/gcodekit6/pkg/stream"
)

// Client talks to a control server of another gcodekit6 process
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a client for addr, which may be host:port or a URL
func NewClient(addr string, timeout time.Duration) *Client {
	base := strings.TrimRight(addr, "/")
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "http://" + base
	}
	return &Client{
		baseURL:    base,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// Status returns the engine statistics
func (c *Client) Status(ctx context.Context) (stream.Stats, error) {
	return c.do(ctx, http.MethodGet, "/v1/status")
}

// Pause pauses the remote stream
func (c *Client) Pause(ctx context.Context) (stream.Stats, error) {
	return c.do(ctx, http.MethodPost, "/v1/pause")
}

// Resume resumes the remote stream
func (c *Client) Resume(ctx context.Context) (stream.Stats, error) {
	return c.do(ctx, http.MethodPost, "/v1/resume")
}

// EmergencyStop halts the remote stream
func (c *Client) EmergencyStop(ctx context.Context) (stream.Stats, error) {
	return c.do(ctx, http.MethodPost, "/v1/estop")
}

func (c *Client) do(ctx context.Context, method, path string) (stream.Stats, error) {
	var stats stream.Stats

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, nil)
	if err != nil {
		return stats, fmt.Errorf("failed to build request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return stats, fmt.Errorf("control API request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return stats, fmt.Errorf("failed to read control API response: %w", err)
	}

	if resp.StatusCode >= 300 {
		var failure struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(body, &failure) == nil && failure.Error != "" {
			return stats, fmt.Errorf("%s %s: %s (HTTP %d)", method, path, failure.Error, resp.StatusCode)
		}
		return stats, fmt.Errorf("%s %s: HTTP %d", method, path, resp.StatusCode)
	}

	if err := json.Unmarshal(body, &stats); err != nil {
		return stats, fmt.Errorf("failed to decode control API response: %w", err)
	}
	return stats, nil
}
