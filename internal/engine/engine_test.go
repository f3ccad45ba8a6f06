package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	smerrors "github.com/team-btg/server-metrics/internal/errors"
	"github.com/team-btg/server-metrics/internal/models"
	"github.com/team-btg/server-metrics/internal/status"
	"github.com/team-btg/server-metrics/internal/stream"
	"github.com/team-btg/server-metrics/internal/telemetry"
)

var testLogger = zerolog.Nop()

var engineBase = time.Date(2026, 8, 30, 10, 0, 0, 0, time.UTC)

// backend fakes the metrics API: a history endpoint and a live socket, both
// keyed by server_id so scope changes are observable.
type backend struct {
	t *testing.T

	liveConns atomic.Int32

	mu           sync.Mutex
	history      map[string][]json.RawMessage // server_id -> raw records
	gates        map[string]chan struct{}     // server_id -> history responds only once closed
	live         map[string][]string          // server_id -> frames to push on connect
	historyCode  int
	historyCalls int
}

func newBackend(t *testing.T) *backend {
	return &backend{
		t:           t,
		history:     make(map[string][]json.RawMessage),
		gates:       make(map[string]chan struct{}),
		live:        make(map[string][]string),
		historyCode: http.StatusOK,
	}
}

func rawRecord(t *testing.T, serverID string, ts time.Time, cpu float64) json.RawMessage {
	t.Helper()
	return json.RawMessage(fmt.Sprintf(
		`{"server_id":%q,"timestamp":%q,"metrics":[{"name":"cpu.percent","value":%g}]}`,
		serverID, ts.Format(time.RFC3339), cpu))
}

func metricFrame(t *testing.T, serverID string, ts time.Time, cpu float64) string {
	t.Helper()
	return fmt.Sprintf(`{"type":"metric","data":%s}`, rawRecord(t, serverID, ts, cpu))
}

func (b *backend) start() *httptest.Server {
	upgrader := websocket.Upgrader{}
	mux := http.NewServeMux()

	mux.HandleFunc("/metrics/recent", func(w http.ResponseWriter, r *http.Request) {
		serverID := r.URL.Query().Get("server_id")
		b.mu.Lock()
		b.historyCalls++
		code := b.historyCode
		records := b.history[serverID]
		gate := b.gates[serverID]
		b.mu.Unlock()

		if gate != nil {
			<-gate
		}
		if code != http.StatusOK {
			http.Error(w, "history unavailable", code)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(records)
	})

	mux.HandleFunc("/ws/metrics", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		b.liveConns.Add(1)
		defer b.liveConns.Add(-1)
		defer conn.Close()

		b.mu.Lock()
		frames := b.live[r.URL.Query().Get("server_id")]
		b.mu.Unlock()

		for _, frame := range frames {
			if err := conn.WriteMessage(websocket.TextMessage, []byte(frame)); err != nil {
				return
			}
		}
		// Hold the socket open until the client tears it down.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})

	srv := httptest.NewServer(mux)
	b.t.Cleanup(srv.Close)
	return srv
}

func (b *backend) calls() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.historyCalls
}

func (b *backend) openConns() int {
	return int(b.liveConns.Load())
}

func newTestEngine(url string) *Engine {
	return New(Config{
		APIURL:       url,
		FetchTimeout: 5 * time.Second,
	}, testLogger)
}

func cpuValues(points []models.MetricPoint) []float64 {
	out := make([]float64, 0, len(points))
	for _, p := range points {
		out = append(out, p.CPUPercent)
	}
	return out
}

func TestEngineMergesHistoryAndLive(t *testing.T) {
	b := newBackend(t)
	for i := 0; i < 10; i++ {
		b.history["srv-1"] = append(b.history["srv-1"],
			rawRecord(t, "srv-1", engineBase.Add(time.Duration(i)*time.Second), float64(i)))
	}
	// First live frame shares the newest history timestamp, second is new.
	b.live["srv-1"] = []string{
		metricFrame(t, "srv-1", engineBase.Add(9*time.Second), 90),
		metricFrame(t, "srv-1", engineBase.Add(10*time.Second), 91),
	}
	srv := b.start()

	eng := newTestEngine(srv.URL)
	defer eng.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, eng.SetScope(ctx, Scope{ServerID: "srv-1", Period: "1h"}))

	require.Eventually(t, func() bool { return len(eng.Snapshot()) == 11 },
		5*time.Second, 10*time.Millisecond, "expected history and live to merge into 11 points")

	snap := eng.Snapshot()
	for i := 1; i < len(snap); i++ {
		assert.True(t, snap[i].Timestamp.After(snap[i-1].Timestamp))
	}
	values := cpuValues(snap)
	assert.Equal(t, 90.0, values[9], "live value wins at the shared timestamp")
	assert.Equal(t, 91.0, values[10])

	latest, ok := eng.Latest()
	require.True(t, ok)
	assert.Equal(t, 91.0, latest.CPUPercent)
	assert.NoError(t, eng.LastFetchError())
}

func TestEngineScopeChangeDiscardsBuffer(t *testing.T) {
	b := newBackend(t)
	b.history["srv-a"] = []json.RawMessage{rawRecord(t, "srv-a", engineBase, 11)}
	b.history["srv-b"] = []json.RawMessage{rawRecord(t, "srv-b", engineBase.Add(time.Hour), 22)}
	srv := b.start()

	eng := newTestEngine(srv.URL)
	defer eng.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, eng.SetScope(ctx, Scope{ServerID: "srv-a"}))
	require.Eventually(t, func() bool { return len(eng.Snapshot()) == 1 },
		5*time.Second, 10*time.Millisecond)
	assert.Equal(t, []float64{11}, cpuValues(eng.Snapshot()))

	require.NoError(t, eng.SetScope(ctx, Scope{ServerID: "srv-b"}))
	require.Eventually(t, func() bool {
		snap := eng.Snapshot()
		return len(snap) == 1 && snap[0].CPUPercent == 22
	}, 5*time.Second, 10*time.Millisecond, "old scope's points must not survive the remount")
}

func TestEngineSetScopeNoopForEqualScope(t *testing.T) {
	b := newBackend(t)
	b.history["srv-1"] = []json.RawMessage{rawRecord(t, "srv-1", engineBase, 11)}
	srv := b.start()

	eng := newTestEngine(srv.URL)
	defer eng.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	scope := Scope{ServerID: "srv-1", Token: "tok", Period: "1h"}
	require.NoError(t, eng.SetScope(ctx, scope))
	require.Eventually(t, func() bool { return len(eng.Snapshot()) == 1 },
		5*time.Second, 10*time.Millisecond)

	require.NoError(t, eng.SetScope(ctx, scope))
	assert.Len(t, eng.Snapshot(), 1, "equal scope must not discard the buffer")
	assert.Equal(t, 1, b.calls(), "equal scope must not refetch")
}

func TestEngineInvalidScope(t *testing.T) {
	eng := newTestEngine("http://127.0.0.1:1")
	err := eng.SetScope(context.Background(), Scope{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, smerrors.ErrScopeChanged))
}

func TestEngineFetchFailureKeepsLivePoints(t *testing.T) {
	b := newBackend(t)
	b.historyCode = http.StatusBadGateway
	b.live["srv-1"] = []string{metricFrame(t, "srv-1", engineBase, 33)}
	srv := b.start()

	eng := newTestEngine(srv.URL)
	defer eng.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, eng.SetScope(ctx, Scope{ServerID: "srv-1"}))

	require.Eventually(t, func() bool { return eng.LastFetchError() != nil },
		5*time.Second, 10*time.Millisecond)
	assert.True(t, errors.Is(eng.LastFetchError(), smerrors.ErrFetchFailed))
	assert.Equal(t, http.StatusBadGateway, smerrors.StatusCode(eng.LastFetchError()))

	// The failed fetch does not wipe what the live channel delivered.
	require.Eventually(t, func() bool { return len(eng.Snapshot()) == 1 },
		5*time.Second, 10*time.Millisecond)
	assert.Equal(t, []float64{33}, cpuValues(eng.Snapshot()))
}

func TestEngineSubscribersSurviveScopeChanges(t *testing.T) {
	b := newBackend(t)
	b.history["srv-a"] = []json.RawMessage{rawRecord(t, "srv-a", engineBase, 11)}
	b.history["srv-b"] = []json.RawMessage{rawRecord(t, "srv-b", engineBase, 22)}
	srv := b.start()

	eng := newTestEngine(srv.URL)
	defer eng.Stop()

	var mu sync.Mutex
	var last []models.MetricPoint
	id := eng.Subscribe(func(points []models.MetricPoint) {
		mu.Lock()
		last = points
		mu.Unlock()
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, eng.SetScope(ctx, Scope{ServerID: "srv-a"}))
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(last) == 1 && last[0].CPUPercent == 11
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, eng.SetScope(ctx, Scope{ServerID: "srv-b"}))
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(last) == 1 && last[0].CPUPercent == 22
	}, 5*time.Second, 10*time.Millisecond, "subscriber must keep receiving after remount")

	eng.Unsubscribe(id)
}

func TestEngineConcurrentRemountsSerialize(t *testing.T) {
	b := newBackend(t)
	b.history["srv-a"] = []json.RawMessage{rawRecord(t, "srv-a", engineBase, 11)}
	b.history["srv-b"] = []json.RawMessage{rawRecord(t, "srv-b", engineBase, 22)}
	b.history["srv-c"] = []json.RawMessage{rawRecord(t, "srv-c", engineBase, 33)}
	srv := b.start()

	eng := newTestEngine(srv.URL)
	defer eng.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, eng.SetScope(ctx, Scope{ServerID: "srv-a"}))
	require.Eventually(t, func() bool { return len(eng.Snapshot()) == 1 },
		5*time.Second, 10*time.Millisecond)

	// Two remounts racing each other must both tear down their predecessor.
	var wg sync.WaitGroup
	for _, id := range []string{"srv-b", "srv-c"} {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			assert.NoError(t, eng.SetScope(ctx, Scope{ServerID: id}))
		}(id)
	}
	wg.Wait()

	// Exactly one live connection survives; the loser's session is gone.
	require.Eventually(t, func() bool { return b.openConns() == 1 },
		5*time.Second, 10*time.Millisecond, "previous sessions must close their transports")

	// The surviving session still ingests: the engine is not wedged behind a
	// mismatched generation.
	require.Eventually(t, func() bool {
		snap := eng.Snapshot()
		return len(snap) == 1 && (snap[0].CPUPercent == 22 || snap[0].CPUPercent == 33)
	}, 5*time.Second, 10*time.Millisecond, "winning scope's history must land in the buffer")
	assert.NoError(t, eng.LastFetchError())
}

func TestEngineLateHistoryResponseDiscarded(t *testing.T) {
	b := newBackend(t)
	gate := make(chan struct{})
	b.history["srv-old"] = []json.RawMessage{rawRecord(t, "srv-old", engineBase, 77)}
	b.gates["srv-old"] = gate
	b.history["srv-new"] = []json.RawMessage{rawRecord(t, "srv-new", engineBase.Add(time.Minute), 88)}
	srv := b.start()

	eng := newTestEngine(srv.URL)
	defer eng.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	discardedBefore := testutil.ToFloat64(telemetry.StaleFetchesDiscardedTotal)

	require.NoError(t, eng.SetScope(ctx, Scope{ServerID: "srv-old"}))
	require.Eventually(t, func() bool { return b.calls() == 1 },
		5*time.Second, 10*time.Millisecond, "history request should be in flight")

	// Remount while srv-old's history response is still pending. SetScope
	// waits for the old session to drain, so by the time it returns the late
	// response has been resolved and dropped by the liveness check.
	require.NoError(t, eng.SetScope(ctx, Scope{ServerID: "srv-new"}))
	assert.Equal(t, discardedBefore+1,
		testutil.ToFloat64(telemetry.StaleFetchesDiscardedTotal))

	require.Eventually(t, func() bool {
		snap := eng.Snapshot()
		return len(snap) == 1 && snap[0].CPUPercent == 88
	}, 5*time.Second, 10*time.Millisecond)

	// Even once the backend finally answers for srv-old, nothing changes.
	close(gate)
	time.Sleep(100 * time.Millisecond)
	snap := eng.Snapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, 88.0, snap[0].CPUPercent)
	assert.NoError(t, eng.LastFetchError())
}

func TestEngineHealth(t *testing.T) {
	eng := newTestEngine("http://127.0.0.1:1")
	assert.Equal(t, status.StatusLoading, eng.Health(time.Now()),
		"no scope mounted yet means loading")
}

func TestEngineConnStateLifecycle(t *testing.T) {
	b := newBackend(t)
	srv := b.start()

	eng := newTestEngine(srv.URL)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	assert.Equal(t, stream.StateDisconnected, eng.ConnState())

	require.NoError(t, eng.SetScope(ctx, Scope{ServerID: "srv-1"}))
	require.Eventually(t, func() bool { return eng.ConnState() == stream.StateOpen },
		5*time.Second, 10*time.Millisecond)

	eng.Stop()
	assert.Equal(t, stream.StateClosed, eng.ConnState())
}
