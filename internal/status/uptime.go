package status

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// ErrNoHeartbeats is returned when the monitor has not recorded any checks.
var ErrNoHeartbeats = errors.New("status: monitor has no heartbeats")

// UptimeClient reads a relay monitor from an Uptime Kuma status page.
type UptimeClient struct {
	baseURL   string
	monitorID string
	http      *http.Client
}

// NewUptimeClient returns a client for the given status page monitor.
func NewUptimeClient(baseURL, monitorID string, timeout time.Duration) *UptimeClient {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &UptimeClient{
		baseURL:   strings.TrimRight(baseURL, "/"),
		monitorID: monitorID,
		http:      &http.Client{Timeout: timeout},
	}
}

type heartbeatSummary struct {
	Uptime float64 `json:"uptime"`
	Total  float64 `json:"total"`
}

// Uptime returns the monitor's uptime formatted as a percentage with two
// decimals, e.g. "99.87%".
func (c *UptimeClient) Uptime(ctx context.Context) (string, error) {
	url := fmt.Sprintf("%s/api/status-page/heartbeat/%s", c.baseURL, c.monitorID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetch heartbeat: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("fetch heartbeat: unexpected status %d", resp.StatusCode)
	}

	var summary heartbeatSummary
	if err := json.NewDecoder(resp.Body).Decode(&summary); err != nil {
		return "", fmt.Errorf("decode heartbeat: %w", err)
	}
	if summary.Total <= 0 {
		return "", ErrNoHeartbeats
	}
	return FormatUptime(summary.Uptime / summary.Total), nil
}

// FormatUptime renders a ratio in [0,1] as a percentage string.
func FormatUptime(ratio float64) string {
	return fmt.Sprintf("%.2f%%", ratio*100)
}
