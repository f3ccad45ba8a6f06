// Package history performs the one-shot historical retrieval for a server's
// recent metric samples.
package history

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	smerrors "github.com/team-btg/server-metrics/internal/errors"
	"github.com/team-btg/server-metrics/internal/models"
	"github.com/team-btg/server-metrics/internal/normalize"
)

const (
	// Agents sample every 10 seconds, so a period maps to period/10s rows.
	sampleInterval = 10 * time.Second

	// Server-side bounds on the recent-metrics query.
	defaultLimit = 300
	maxLimit     = 2000
)

// ClientConfig holds configuration for the history client.
type ClientConfig struct {
	BaseURL string // e.g. "http://localhost:8000/api/v1"
	Token   string // bearer token, optional
	Timeout time.Duration
}

// Client fetches recent samples over HTTP.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// NewClient creates a history client.
func NewClient(cfg ClientConfig) (*Client, error) {
	base := strings.TrimSpace(cfg.BaseURL)
	if base == "" {
		return nil, fmt.Errorf("history: base URL required")
	}
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "http://" + base
	}
	if _, err := url.Parse(base); err != nil {
		return nil, fmt.Errorf("history: invalid base URL: %w", err)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}

	return &Client{
		baseURL:    strings.TrimSuffix(base, "/"),
		token:      cfg.Token,
		httpClient: &http.Client{Timeout: cfg.Timeout},
	}, nil
}

// PeriodLimit maps a display period to a row limit, clamped to the server's
// bounds. Unknown periods fall back to the server default.
func PeriodLimit(period string) int {
	d, err := time.ParseDuration(strings.TrimSpace(period))
	if err != nil || d <= 0 {
		switch strings.ToLower(strings.TrimSpace(period)) {
		case "1d", "24h":
			d = 24 * time.Hour
		default:
			return defaultLimit
		}
	}
	limit := int(d / sampleInterval)
	if limit < 1 {
		limit = 1
	}
	if limit > maxLimit {
		limit = maxLimit
	}
	return limit
}

// Recent fetches the ordered recent samples for a server covering the given
// period and returns them normalized, oldest first. Records with unusable
// timestamps are dropped, not fatal. Failures carry the HTTP status when one
// was received.
func (c *Client) Recent(ctx context.Context, serverID, period string) ([]models.MetricPoint, error) {
	endpoint := fmt.Sprintf("%s/metrics/recent?server_id=%s&limit=%d",
		c.baseURL, url.QueryEscape(serverID), PeriodLimit(period))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, smerrors.WrapFetchFailed("fetch_recent", serverID, err, 0)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, smerrors.WrapFetchFailed("fetch_recent", serverID, err, 0)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, smerrors.WrapFetchFailed("fetch_recent", serverID,
			fmt.Errorf("unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(body))),
			resp.StatusCode)
	}

	var records []models.RawRecord
	if err := json.NewDecoder(resp.Body).Decode(&records); err != nil {
		return nil, smerrors.WrapFetchFailed("fetch_recent", serverID,
			fmt.Errorf("decode response: %w", err), resp.StatusCode)
	}

	points := make([]models.MetricPoint, 0, len(records))
	dropped := 0
	for _, rec := range records {
		point, err := normalize.Record(rec)
		if err != nil {
			dropped++
			continue
		}
		points = append(points, point)
	}
	if dropped > 0 {
		log.Warn().
			Str("serverID", serverID).
			Int("dropped", dropped).
			Int("kept", len(points)).
			Msg("Dropped malformed records from history response")
	}

	log.Debug().
		Str("serverID", serverID).
		Str("period", period).
		Int("points", len(points)).
		Msg("Fetched recent metrics")

	return points, nil
}
