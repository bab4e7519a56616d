package platform

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"executor-core/internal/command"
	"executor-core/internal/strategy"
)

// Client wraps REST access to the control plane. Fetches are authoritative;
// every report path is best-effort and never retried past its own call.
type Client struct {
	BaseURL    string
	APIKey     string
	APISecret  string
	ExecutorID string
	HTTPClient *http.Client
}

func NewClient(baseURL, apiKey, apiSecret, executorID string) *Client {
	return &Client{
		BaseURL:    baseURL,
		APIKey:     apiKey,
		APISecret:  apiSecret,
		ExecutorID: executorID,
		HTTPClient: &http.Client{Timeout: 15 * time.Second},
	}
}

func (c *Client) configured() bool {
	return c.BaseURL != "" && c.APIKey != ""
}

// ActiveStrategies fetches the strategies assigned to this executor. The
// reconciler treats the result as authoritative.
func (c *Client) ActiveStrategies(ctx context.Context) ([]strategy.Strategy, error) {
	if !c.configured() {
		return nil, fmt.Errorf("platform api not configured")
	}

	u := fmt.Sprintf("%s/api/executor/%s/active-strategies", c.BaseURL, c.ExecutorID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	c.authorize(req)

	res, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch active strategies: %w", err)
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("active strategies status %d", res.StatusCode)
	}

	var body struct {
		Strategies []map[string]any `json:"strategies"`
	}
	if err := json.NewDecoder(res.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("decode active strategies: %w", err)
	}

	out := make([]strategy.Strategy, 0, len(body.Strategies))
	for _, raw := range body.Strategies {
		s, err := strategy.FromParameters(raw)
		if err != nil {
			log.Printf("platform: skip malformed strategy: %v", err)
			continue
		}
		out = append(out, s)
	}
	return out, nil
}

// ReportResult posts a command outcome. Implements the pipeline's Reporter.
func (c *Client) ReportResult(ctx context.Context, res command.Result) error {
	return c.post(ctx, "/api/executor/command-result", map[string]any{
		"executorId": c.ExecutorID,
		"commandId":  res.CommandID,
		"kind":       res.Kind,
		"success":    res.Success,
		"detail":     res.Detail,
		"retries":    res.Retries,
		"finishedAt": res.Finished.Format(time.RFC3339),
	})
}

// ReportTrade posts an opened trade to the platform.
func (c *Client) ReportTrade(ctx context.Context, trade map[string]any) error {
	payload := map[string]any{"executorId": c.ExecutorID}
	for k, v := range trade {
		payload[k] = v
	}
	return c.post(ctx, "/api/executor/trade-report", payload)
}

// HeartbeatStatus is the periodic liveness payload.
type HeartbeatStatus struct {
	Status           string `json:"status"`
	ActiveStrategies int    `json:"activeStrategies"`
	OpenPositions    int    `json:"openPositions"`
}

// Heartbeat posts a liveness report. Failures are expected while offline and
// logged at most.
func (c *Client) Heartbeat(ctx context.Context, status HeartbeatStatus) error {
	return c.post(ctx, "/api/executor/heartbeat", map[string]any{
		"executorId":       c.ExecutorID,
		"status":           status.Status,
		"activeStrategies": status.ActiveStrategies,
		"openPositions":    status.OpenPositions,
		"timestamp":        time.Now().UTC().Format(time.RFC3339),
	})
}

func (c *Client) post(ctx context.Context, path string, payload map[string]any) error {
	if !c.configured() {
		return fmt.Errorf("platform api not configured")
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	c.authorize(req)

	res, err := c.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("post %s: %w", path, err)
	}
	defer res.Body.Close()
	io.Copy(io.Discard, res.Body)

	if res.StatusCode >= 300 {
		return fmt.Errorf("post %s status %d", path, res.StatusCode)
	}
	return nil
}

func (c *Client) authorize(req *http.Request) {
	req.Header.Set("Authorization", "Bearer "+c.APIKey)
	req.Header.Set("X-Executor-ID", c.ExecutorID)
	if c.APISecret != "" {
		req.Header.Set("X-API-Secret", c.APISecret)
	}
}
