package history

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	smerrors "github.com/team-btg/server-metrics/internal/errors"
)

func TestNewClientValidation(t *testing.T) {
	_, err := NewClient(ClientConfig{})
	assert.Error(t, err)

	c, err := NewClient(ClientConfig{BaseURL: "localhost:8000/api/v1"})
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:8000/api/v1", c.baseURL)

	c, err = NewClient(ClientConfig{BaseURL: "https://example.com/api/v1/"})
	require.NoError(t, err)
	assert.Equal(t, "https://example.com/api/v1", c.baseURL)
}

func TestPeriodLimit(t *testing.T) {
	tests := []struct {
		period string
		want   int
	}{
		{"1h", 360},
		{"30m", 180},
		{"5m", 30},
		{"10s", 1},
		{"1s", 1}, // sub-interval periods clamp up to one row
		{"1d", maxLimit},
		{"24h", maxLimit},
		{"", defaultLimit},
		{"bogus", defaultLimit},
		{"-5m", defaultLimit},
	}
	for _, tt := range tests {
		if got := PeriodLimit(tt.period); got != tt.want {
			t.Errorf("PeriodLimit(%q) = %d, want %d", tt.period, got, tt.want)
		}
	}
}

func TestRecent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/metrics/recent", r.URL.Path)
		assert.Equal(t, "srv-1", r.URL.Query().Get("server_id"))
		assert.Equal(t, "360", r.URL.Query().Get("limit"))
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`[
			{"server_id":"srv-1","timestamp":"2026-08-30T09:59:40Z","metrics":[{"name":"cpu.percent","value":10}]},
			{"server_id":"srv-1","timestamp":"not-a-time","metrics":[]},
			{"server_id":"srv-1","timestamp":"2026-08-30T09:59:50Z","metrics":[{"name":"cpu.percent","value":20}]}
		]`))
	}))
	defer srv.Close()

	client, err := NewClient(ClientConfig{BaseURL: srv.URL + "/api/v1", Token: "secret"})
	require.NoError(t, err)

	points, err := client.Recent(context.Background(), "srv-1", "1h")
	require.NoError(t, err)

	// The malformed middle record is dropped, not fatal.
	require.Len(t, points, 2)
	assert.Equal(t, 10.0, points[0].CPUPercent)
	assert.Equal(t, 20.0, points[1].CPUPercent)
	assert.True(t, points[0].Timestamp.Before(points[1].Timestamp))
}

func TestRecentHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "server not found", http.StatusNotFound)
	}))
	defer srv.Close()

	client, err := NewClient(ClientConfig{BaseURL: srv.URL})
	require.NoError(t, err)

	_, err = client.Recent(context.Background(), "srv-1", "1h")
	require.Error(t, err)
	assert.True(t, errors.Is(err, smerrors.ErrFetchFailed))
	assert.Equal(t, http.StatusNotFound, smerrors.StatusCode(err))
}

func TestRecentDecodeFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"not":"an array"`))
	}))
	defer srv.Close()

	client, err := NewClient(ClientConfig{BaseURL: srv.URL})
	require.NoError(t, err)

	_, err = client.Recent(context.Background(), "srv-1", "")
	require.Error(t, err)
	assert.True(t, errors.Is(err, smerrors.ErrFetchFailed))
}

func TestRecentConnectionRefused(t *testing.T) {
	client, err := NewClient(ClientConfig{
		BaseURL: "http://127.0.0.1:1",
		Timeout: time.Second,
	})
	require.NoError(t, err)

	_, err = client.Recent(context.Background(), "srv-1", "")
	require.Error(t, err)
	assert.True(t, errors.Is(err, smerrors.ErrFetchFailed))
	assert.Zero(t, smerrors.StatusCode(err))
}
