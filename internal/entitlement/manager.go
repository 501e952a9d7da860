package entitlement

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/entitlekit/entitlekit-go/internal/dispatch"
	"github.com/entitlekit/entitlekit-go/internal/storage"
	"github.com/entitlekit/entitlekit-go/internal/telemetry"
)

// Staleness TTLs. Background refreshes tolerate much older data to cut
// battery and network use on backgrounded apps.
const (
	DefaultForegroundTTL       = 5 * time.Minute
	DefaultBackgroundTTL       = 25 * time.Hour
	DefaultBackgroundJitterMax = 5 * time.Second
)

// Fetcher fetches a fresh snapshot for one user from the backend.
type Fetcher interface {
	FetchSnapshot(ctx context.Context, appUserID string) (*Snapshot, error)
}

// Listener receives snapshot change notifications on the main context.
type Listener func(*Snapshot)

// Config tunes the staleness policy.
type Config struct {
	ForegroundTTL       time.Duration
	BackgroundTTL       time.Duration
	BackgroundJitterMax time.Duration
}

func (c Config) withDefaults() Config {
	if c.ForegroundTTL <= 0 {
		c.ForegroundTTL = DefaultForegroundTTL
	}
	if c.BackgroundTTL <= 0 {
		c.BackgroundTTL = DefaultBackgroundTTL
	}
	if c.BackgroundJitterMax <= 0 {
		c.BackgroundJitterMax = DefaultBackgroundJitterMax
	}
	return c
}

// Manager serves the best-available snapshot per app user id, minimizing
// redundant backend calls, and notifies listeners exactly when the visible
// snapshot changes by value.
type Manager struct {
	store      storage.Store
	fetcher    Fetcher
	dispatcher *dispatch.Dispatcher
	cfg        Config
	metrics    *telemetry.Metrics
	logger     zerolog.Logger

	group singleflight.Group

	clock func() time.Time

	// mu guards the last-notified state and the listener registry, and
	// serializes snapshot writes against ClearCache so a clear cannot land
	// between a persist and its notification. Listener dispatch happens
	// after the lock is released.
	mu           sync.Mutex
	lastNotified *Snapshot
	hasNotified  bool
	listeners    map[uint64]Listener
	nextListener uint64
}

// NewManager creates a Manager over the given collaborators. metrics may be
// nil.
func NewManager(store storage.Store, fetcher Fetcher, dispatcher *dispatch.Dispatcher, cfg Config, metrics *telemetry.Metrics, logger zerolog.Logger) *Manager {
	return &Manager{
		store:      store,
		fetcher:    fetcher,
		dispatcher: dispatcher,
		cfg:        cfg.withDefaults(),
		metrics:    metrics,
		logger:     logger,
		clock:      time.Now,
		listeners:  make(map[uint64]Listener),
	}
}

// GetSnapshot is the primary read path. A cached snapshot, if present, is
// delivered to completion immediately; staleness is evaluated independently
// and may trigger a background refresh. completion fires at most once per
// call, always on the main context. completion may be nil.
func (m *Manager) GetSnapshot(appUserID string, backgrounded bool, completion func(*Snapshot, error)) {
	cached := m.CachedSnapshot(appUserID)

	delivered := false
	if cached != nil {
		m.metrics.CacheHit()
		if completion != nil {
			cb := completion
			m.dispatcher.OnMain(func() { cb(cached, nil) })
		}
		delivered = true
	} else {
		m.metrics.CacheMiss()
	}

	if m.isStale(appUserID, backgrounded, cached != nil) {
		m.logger.Debug().
			Str("appUserID", appUserID).
			Bool("backgrounded", backgrounded).
			Msg("Cache stale, refreshing")
		cb := completion
		if delivered {
			cb = nil
		}
		m.RefreshAndCache(appUserID, backgrounded, cb)
	}
}

// RefreshAndCache fetches a fresh snapshot for appUserID and caches it. The
// fetch timestamp is stamped before the request starts so that concurrent
// callers re-evaluating staleness do not issue duplicate fetches. On failure
// the timestamp is cleared again so the next call correctly sees the cache
// as stale. completion fires exactly once, on the main context.
func (m *Manager) RefreshAndCache(appUserID string, backgrounded bool, completion func(*Snapshot, error)) {
	if err := m.store.SetTimestamp(appUserID, m.clock()); err != nil {
		m.logger.Warn().Err(err).Str("appUserID", appUserID).Msg("Failed to stamp fetch timestamp")
	}

	var delay time.Duration
	if backgrounded {
		delay = dispatch.Jitter(m.cfg.BackgroundJitterMax)
	}

	m.dispatcher.OnWorkerDelayed(func() {
		m.metrics.Fetch()
		result, err, shared := m.group.Do(appUserID, func() (interface{}, error) {
			return m.fetcher.FetchSnapshot(context.Background(), appUserID)
		})
		if shared {
			m.logger.Debug().Str("appUserID", appUserID).Msg("Coalesced concurrent snapshot fetch")
		}

		if err != nil {
			m.metrics.FetchFailure()
			if clearErr := m.store.ClearTimestamp(appUserID); clearErr != nil {
				m.logger.Warn().Err(clearErr).Str("appUserID", appUserID).Msg("Failed to clear fetch timestamp")
			}
			m.logger.Warn().Err(err).Str("appUserID", appUserID).Msg("Snapshot fetch failed")
			if completion != nil {
				m.dispatcher.OnMain(func() { completion(nil, err) })
			}
			return
		}

		snapshot := result.(*Snapshot)
		m.Cache(appUserID, snapshot)
		if completion != nil {
			m.dispatcher.OnMain(func() { completion(snapshot, nil) })
		}
	}, delay)
}

// CachedSnapshot returns the valid cached snapshot for appUserID, or nil.
// Missing bytes, undecodable bytes, and schema-version mismatches all read
// as a cache miss, never as an error; the fallback of re-fetching from the
// backend is always available.
func (m *Manager) CachedSnapshot(appUserID string) *Snapshot {
	data, ok := m.store.SnapshotBytes(appUserID)
	if !ok {
		return nil
	}

	var snapshot Snapshot
	if err := json.Unmarshal(data, &snapshot); err != nil {
		m.logger.Warn().Err(err).Str("appUserID", appUserID).Msg("Cached snapshot undecodable, treating as miss")
		return nil
	}
	if snapshot.SchemaVersion != CurrentSchemaVersion {
		m.logger.Debug().
			Int("cached", snapshot.SchemaVersion).
			Int("supported", CurrentSchemaVersion).
			Str("appUserID", appUserID).
			Msg("Cached snapshot schema mismatch, treating as miss")
		return nil
	}
	return &snapshot
}

// Cache persists snapshot for appUserID and notifies listeners if the
// visible snapshot changed. A serialization failure aborts the write and
// skips notification.
func (m *Manager) Cache(appUserID string, snapshot *Snapshot) {
	data, err := json.Marshal(snapshot)
	if err != nil {
		m.logger.Error().Err(err).Str("appUserID", appUserID).Msg("Failed to serialize snapshot, skipping cache write")
		return
	}
	m.mu.Lock()
	if err := m.store.SetSnapshotBytes(appUserID, data); err != nil {
		m.logger.Warn().Err(err).Str("appUserID", appUserID).Msg("Failed to persist snapshot")
	}
	if m.hasNotified && snapshot.Equal(m.lastNotified) {
		m.mu.Unlock()
		return
	}
	m.lastNotified = snapshot
	m.hasNotified = true
	targets := make([]Listener, 0, len(m.listeners))
	for _, l := range m.listeners {
		targets = append(targets, l)
	}
	m.mu.Unlock()

	m.metrics.Notification()
	for _, l := range targets {
		l := l
		m.dispatcher.OnMain(func() { l(snapshot) })
	}
}

// ClearCache removes the persisted snapshot and timestamp for appUserID and
// resets the last-notified memory, so the next write notifies again even if
// it equals a previously notified value.
func (m *Manager) ClearCache(appUserID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.store.ClearSnapshot(appUserID); err != nil {
		m.logger.Warn().Err(err).Str("appUserID", appUserID).Msg("Failed to clear cached snapshot")
	}
	if err := m.store.ClearTimestamp(appUserID); err != nil {
		m.logger.Warn().Err(err).Str("appUserID", appUserID).Msg("Failed to clear fetch timestamp")
	}
	m.lastNotified = nil
	m.hasNotified = false
}

// OnSnapshotChanged registers a listener for snapshot changes. Listeners run
// on the main context. The returned function unsubscribes.
func (m *Manager) OnSnapshotChanged(listener Listener) (unsubscribe func()) {
	m.mu.Lock()
	id := m.nextListener
	m.nextListener++
	m.listeners[id] = listener
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		delete(m.listeners, id)
		m.mu.Unlock()
	}
}

func (m *Manager) isStale(appUserID string, backgrounded bool, hasCached bool) bool {
	if !hasCached {
		return true
	}
	last, ok := m.store.Timestamp(appUserID)
	if !ok {
		return true
	}
	ttl := m.cfg.ForegroundTTL
	if backgrounded {
		ttl = m.cfg.BackgroundTTL
	}
	return m.clock().Sub(last) >= ttl
}
