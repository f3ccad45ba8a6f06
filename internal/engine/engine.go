// Package engine ties the pipeline together for one active scope: it starts
// the historical fetch and the live stream, folds both into the reconciled
// buffer, and exposes snapshots and derived health to consumers.
package engine

import (
	"context"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	smerrors "github.com/team-btg/server-metrics/internal/errors"
	"github.com/team-btg/server-metrics/internal/history"
	"github.com/team-btg/server-metrics/internal/models"
	"github.com/team-btg/server-metrics/internal/reconcile"
	"github.com/team-btg/server-metrics/internal/status"
	"github.com/team-btg/server-metrics/internal/stream"
	"github.com/team-btg/server-metrics/internal/telemetry"
)

// Scope is the identity tuple that determines which buffer and connection
// are active. Changing any part of it tears the previous session down.
type Scope struct {
	ServerID string
	Token    string
	Period   string
}

// Valid reports whether the scope can be activated.
func (s Scope) Valid() bool {
	return s.ServerID != ""
}

// Equal reports whether two scopes are the same identity.
func (s Scope) Equal(other Scope) bool {
	return s.ServerID == other.ServerID && s.Token == other.Token && s.Period == other.Period
}

// Config holds engine-level settings shared across scopes.
type Config struct {
	APIURL         string
	BufferCapacity int
	FetchTimeout   time.Duration
	StaleAfter     time.Duration
	Reconnect      stream.SupervisorConfig
}

// session is one scope activation: its buffer, its goroutines, and the
// generation number that guards late arrivals against a changed scope.
type session struct {
	scope      Scope
	generation uint64
	buffer     *reconcile.Buffer
	cancel     context.CancelFunc
	done       chan struct{}
}

// Engine owns at most one active session. All reads go through the current
// session's buffer snapshot.
type Engine struct {
	cfg    Config
	logger zerolog.Logger

	generation atomic.Uint64

	// remountMu serializes SetScope and Stop so only one teardown/install
	// sequence runs at a time; e.mu alone protects reads.
	remountMu sync.Mutex

	mu           sync.RWMutex
	session      *session
	connState    stream.State
	lastFetchErr error
	subscribers  map[string]reconcile.Subscriber
	subSeq       int
}

// New creates an engine.
func New(cfg Config, logger zerolog.Logger) *Engine {
	if cfg.BufferCapacity <= 0 {
		cfg.BufferCapacity = reconcile.DefaultCapacity
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = 15 * time.Second
	}
	return &Engine{
		cfg:         cfg,
		logger:      logger,
		connState:   stream.StateDisconnected,
		subscribers: make(map[string]reconcile.Subscriber),
	}
}

// SetScope activates a new scope. The previous session's transport is
// closed, its buffer discarded, and any still-in-flight history response
// for it will be ignored on arrival. The provided context bounds the new
// session's lifetime.
func (e *Engine) SetScope(ctx context.Context, scope Scope) error {
	if !scope.Valid() {
		return smerrors.New(smerrors.KindScopeChanged, "set_scope", scope.ServerID, smerrors.ErrScopeChanged)
	}

	e.remountMu.Lock()
	defer e.remountMu.Unlock()

	e.mu.Lock()
	if e.session != nil && e.session.scope.Equal(scope) {
		e.mu.Unlock()
		return nil
	}
	previous := e.session
	e.mu.Unlock()

	// Bump the generation before teardown: anything the old session still
	// delivers, including a history response resolving mid-teardown, fails
	// the liveness check and is discarded.
	generation := e.generation.Add(1)

	if previous != nil {
		previous.cancel()
		<-previous.done
	}

	buffer := reconcile.NewBuffer(e.cfg.BufferCapacity)
	buffer.Subscribe(e.fanout)

	sessionCtx, cancel := context.WithCancel(ctx)
	sess := &session{
		scope:      scope,
		generation: generation,
		buffer:     buffer,
		cancel:     cancel,
		done:       make(chan struct{}),
	}

	e.mu.Lock()
	e.session = sess
	e.connState = stream.StateDisconnected
	e.lastFetchErr = nil
	e.mu.Unlock()

	telemetry.ScopeChangesTotal.Inc()
	telemetry.BufferPoints.Set(0)
	e.fanout(nil)

	e.logger.Info().
		Str("serverID", scope.ServerID).
		Str("period", scope.Period).
		Msg("Scope activated")

	go e.runSession(sessionCtx, sess)
	return nil
}

// Stop tears down the active session, if any.
func (e *Engine) Stop() {
	e.remountMu.Lock()
	defer e.remountMu.Unlock()

	e.mu.Lock()
	sess := e.session
	e.session = nil
	e.mu.Unlock()

	if sess != nil {
		sess.cancel()
		<-sess.done
	}
}

// runSession drives the two sources until the session context ends.
func (e *Engine) runSession(ctx context.Context, sess *session) {
	defer close(sess.done)

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		e.fetchHistory(groupCtx, sess)
		return nil
	})
	group.Go(func() error {
		return e.runStream(groupCtx, sess)
	})

	if err := group.Wait(); err != nil && ctx.Err() == nil {
		e.logger.Warn().Err(err).
			Str("serverID", sess.scope.ServerID).
			Msg("Session source terminated")
	}
}

// fetchHistory issues the one-shot retrieval and folds the result into the
// buffer, unless the scope changed while the request was in flight. The
// liveness check is by generation, not by cancelling the network call.
func (e *Engine) fetchHistory(ctx context.Context, sess *session) {
	client, err := history.NewClient(history.ClientConfig{
		BaseURL: e.cfg.APIURL,
		Token:   sess.scope.Token,
		Timeout: e.cfg.FetchTimeout,
	})
	if err != nil {
		e.setFetchErr(sess.generation, err)
		return
	}

	telemetry.HistoryFetchesTotal.Inc()
	points, err := client.Recent(ctx, sess.scope.ServerID, sess.scope.Period)

	if e.generation.Load() != sess.generation {
		telemetry.StaleFetchesDiscardedTotal.Inc()
		e.logger.Debug().
			Str("serverID", sess.scope.ServerID).
			Msg("Discarding history response for stale scope")
		return
	}

	if err != nil {
		telemetry.HistoryFetchFailuresTotal.
			WithLabelValues(strconv.Itoa(smerrors.StatusCode(err))).Inc()
		e.setFetchErr(sess.generation, err)
		e.logger.Error().Err(err).
			Str("serverID", sess.scope.ServerID).
			Msg("Historical fetch failed, keeping prior buffer contents")
		return
	}

	sess.buffer.IngestBatch(points)
	telemetry.RecordIngest(reconcile.SourceHistory.String(), len(points), sess.buffer.Len())
	e.setFetchErr(sess.generation, nil)
}

// runStream supervises the live channel for the session's scope.
func (e *Engine) runStream(ctx context.Context, sess *session) error {
	supervisor := stream.NewSupervisor(
		stream.Config{
			URL:      e.cfg.APIURL,
			ServerID: sess.scope.ServerID,
			Token:    sess.scope.Token,
		},
		e.cfg.Reconnect,
		func(point models.MetricPoint) {
			if e.generation.Load() != sess.generation {
				return
			}
			sess.buffer.IngestOne(point)
			telemetry.RecordIngest(reconcile.SourceLive.String(), 1, sess.buffer.Len())
		},
		func(state stream.State) {
			e.setConnState(sess.generation, state)
		},
		e.logger,
	)

	err := supervisor.Run(ctx)
	if err != nil && ctx.Err() == nil {
		e.logger.Warn().Err(err).
			Str("serverID", sess.scope.ServerID).
			Msg("Live stream ended")
	}
	return nil
}

func (e *Engine) setFetchErr(generation uint64, err error) {
	e.mu.Lock()
	if e.generation.Load() == generation {
		e.lastFetchErr = err
	}
	e.mu.Unlock()
}

func (e *Engine) setConnState(generation uint64, state stream.State) {
	e.mu.Lock()
	if e.generation.Load() != generation {
		e.mu.Unlock()
		return
	}
	reconnecting := state == stream.StateConnecting && e.connState == stream.StateClosed
	e.connState = state
	e.mu.Unlock()

	if reconnecting {
		telemetry.StreamReconnectsTotal.Inc()
	}
}

// fanout forwards buffer snapshots to engine-level subscribers, which
// outlive individual scopes.
func (e *Engine) fanout(points []models.MetricPoint) {
	e.mu.RLock()
	subs := make([]reconcile.Subscriber, 0, len(e.subscribers))
	for _, fn := range e.subscribers {
		subs = append(subs, fn)
	}
	e.mu.RUnlock()

	for _, fn := range subs {
		fn(points)
	}
}

// Subscribe registers a snapshot consumer that survives scope changes.
func (e *Engine) Subscribe(fn reconcile.Subscriber) string {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.subSeq++
	id := "sub-" + strconv.Itoa(e.subSeq)
	e.subscribers[id] = fn
	return id
}

// Unsubscribe removes a snapshot consumer.
func (e *Engine) Unsubscribe(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.subscribers, id)
}

// Snapshot returns the active scope's reconciled series, oldest first.
func (e *Engine) Snapshot() []models.MetricPoint {
	e.mu.RLock()
	sess := e.session
	e.mu.RUnlock()
	if sess == nil {
		return nil
	}
	return sess.buffer.Snapshot()
}

// Latest returns the most recent reconciled point, if any.
func (e *Engine) Latest() (models.MetricPoint, bool) {
	e.mu.RLock()
	sess := e.session
	e.mu.RUnlock()
	if sess == nil {
		return models.MetricPoint{}, false
	}
	return sess.buffer.Latest()
}

// Health classifies the latest point against the given clock.
func (e *Engine) Health(now time.Time) status.Status {
	latest, ok := e.Latest()
	if !ok {
		return status.ClassifyWithin(nil, now, e.cfg.StaleAfter)
	}
	return status.ClassifyWithin(&latest, now, e.cfg.StaleAfter)
}

// ConnState returns the live channel's current lifecycle state.
func (e *Engine) ConnState() stream.State {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.connState
}

// LastFetchError returns the most recent historical fetch failure for the
// active scope, or nil. A failed fetch leaves the buffer at its prior
// content; this is the explicit error state consumers surface.
func (e *Engine) LastFetchError() error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.lastFetchErr
}
