// Package reconcile merges the one-shot history fetch and the live stream
// into a single chronologically consistent, capacity-bounded series. The
// Buffer is the sole source of truth for all downstream consumers.
package reconcile

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/team-btg/server-metrics/internal/models"
)

// DefaultCapacity is the maximum number of retained points.
const DefaultCapacity = 200

// Source identifies where a point came from. At equal timestamps a live
// point always supersedes a historical one, regardless of arrival order.
type Source int

const (
	SourceHistory Source = iota
	SourceLive
)

func (s Source) String() string {
	if s == SourceLive {
		return "live"
	}
	return "history"
}

// Subscriber receives the new snapshot after every mutation. Callbacks are
// never invoked concurrently and snapshots arrive in publication order, so a
// subscriber observes the series only moving forward. The slice must be
// treated as read-only; it is never mutated after publication.
type Subscriber func(points []models.MetricPoint)

type entry struct {
	point  models.MetricPoint
	source Source
}

// Buffer owns the reconciled series for one scope. All mutation goes through
// IngestBatch, IngestOne, and Reset; readers only ever see complete derived
// snapshots, never partial states.
type Buffer struct {
	// publishMu is held across mutate+notify so subscriber deliveries are
	// serialized and ordered, while readers only contend on mu.
	publishMu sync.Mutex

	mu          sync.RWMutex
	capacity    int
	entries     map[int64]entry // keyed by UnixNano of the point timestamp
	snapshot    []models.MetricPoint
	subscribers map[string]Subscriber
}

// NewBuffer creates a Buffer with the given capacity. A non-positive
// capacity falls back to DefaultCapacity.
func NewBuffer(capacity int) *Buffer {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Buffer{
		capacity:    capacity,
		entries:     make(map[int64]entry),
		subscribers: make(map[string]Subscriber),
	}
}

// IngestBatch folds a history fetch result into the buffer. Points landing
// on a timestamp already occupied by a live point are ignored: live data is
// authoritative for "now".
func (b *Buffer) IngestBatch(points []models.MetricPoint) {
	if len(points) == 0 {
		return
	}
	b.publishMu.Lock()
	defer b.publishMu.Unlock()

	b.mu.Lock()
	for _, p := range points {
		key := p.Timestamp.UnixNano()
		if existing, ok := b.entries[key]; ok && existing.source == SourceLive {
			continue
		}
		b.entries[key] = entry{point: p, source: SourceHistory}
	}
	snapshot, subs := b.rederiveLocked()
	b.mu.Unlock()

	notify(snapshot, subs)
}

// IngestOne folds a single live stream point into the buffer, overwriting
// any point at the same timestamp.
func (b *Buffer) IngestOne(point models.MetricPoint) {
	b.publishMu.Lock()
	defer b.publishMu.Unlock()

	b.mu.Lock()
	b.entries[point.Timestamp.UnixNano()] = entry{point: point, source: SourceLive}
	snapshot, subs := b.rederiveLocked()
	b.mu.Unlock()

	notify(snapshot, subs)
}

// Reset discards every point, e.g. when the scope identity changes.
func (b *Buffer) Reset() {
	b.publishMu.Lock()
	defer b.publishMu.Unlock()

	b.mu.Lock()
	b.entries = make(map[int64]entry)
	snapshot, subs := b.rederiveLocked()
	b.mu.Unlock()

	notify(snapshot, subs)
}

// rederiveLocked rebuilds the visible sequence: sort ascending by timestamp,
// keep the most recent capacity entries, evict the rest from the keyed map.
// Returns the new snapshot and the subscriber list for post-unlock fan-out.
func (b *Buffer) rederiveLocked() ([]models.MetricPoint, []Subscriber) {
	keys := make([]int64, 0, len(b.entries))
	for key := range b.entries {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })

	if len(keys) > b.capacity {
		for _, key := range keys[:len(keys)-b.capacity] {
			delete(b.entries, key)
		}
		keys = keys[len(keys)-b.capacity:]
	}

	snapshot := make([]models.MetricPoint, 0, len(keys))
	for _, key := range keys {
		snapshot = append(snapshot, b.entries[key].point)
	}
	b.snapshot = snapshot

	subs := make([]Subscriber, 0, len(b.subscribers))
	for _, fn := range b.subscribers {
		subs = append(subs, fn)
	}
	return snapshot, subs
}

func notify(snapshot []models.MetricPoint, subs []Subscriber) {
	for _, fn := range subs {
		fn(snapshot)
	}
}

// Snapshot returns the current reconciled series, oldest first. The returned
// slice is read-only.
func (b *Buffer) Snapshot() []models.MetricPoint {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.snapshot
}

// Latest returns the most recent point, if any.
func (b *Buffer) Latest() (models.MetricPoint, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if len(b.snapshot) == 0 {
		return models.MetricPoint{}, false
	}
	return b.snapshot[len(b.snapshot)-1], true
}

// Len returns the number of retained points.
func (b *Buffer) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.snapshot)
}

// SourceAt reports which source produced the point at the given timestamp.
func (b *Buffer) SourceAt(ts time.Time) (Source, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	e, ok := b.entries[ts.UnixNano()]
	return e.source, ok
}

// Subscribe registers a callback invoked with the new snapshot after every
// mutation, and returns a registration ID for Unsubscribe.
func (b *Buffer) Subscribe(fn Subscriber) string {
	id := uuid.NewString()
	b.mu.Lock()
	b.subscribers[id] = fn
	b.mu.Unlock()
	return id
}

// Unsubscribe removes a previously registered subscriber.
func (b *Buffer) Unsubscribe(id string) {
	b.mu.Lock()
	delete(b.subscribers, id)
	b.mu.Unlock()
}

// SubscriberCount returns the number of registered subscribers.
func (b *Buffer) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
