// Package sdk is the public surface of the entitlekit SDK: a single Client
// that owns the current purchase identity and a locally cached snapshot of
// the user's entitlement state.
package sdk

import (
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/entitlekit/entitlekit-go/internal/backend"
	"github.com/entitlekit/entitlekit-go/internal/dispatch"
	"github.com/entitlekit/entitlekit-go/internal/entitlement"
	"github.com/entitlekit/entitlekit-go/internal/identity"
	"github.com/entitlekit/entitlekit-go/internal/storage"
	"github.com/entitlekit/entitlekit-go/internal/telemetry"
)

// Snapshot is the cached entitlement state for one user.
type Snapshot = entitlement.Snapshot

// Entitlement is one entitlement within a Snapshot.
type Entitlement = entitlement.Entitlement

// Config configures a Client.
type Config struct {
	APIKey  string
	BaseURL string

	// DataDir is where the device database lives.
	DataDir string

	// AppUserID optionally pins the identity at configure time. Leave empty
	// to recover a persisted id or generate an anonymous one.
	AppUserID string

	ForegroundTTL       time.Duration
	BackgroundTTL       time.Duration
	BackgroundJitterMax time.Duration
	HTTPTimeout         time.Duration

	// MetricsRegistry optionally receives the SDK's Prometheus collectors.
	MetricsRegistry prometheus.Registerer

	// Logger overrides the global zerolog logger for SDK components.
	Logger *zerolog.Logger
}

// Client is the SDK entry point. All completion callbacks and snapshot
// change listeners run on a single serialized context, so callers need no
// synchronization of their own around them.
type Client struct {
	dispatcher *dispatch.Dispatcher
	store      *storage.SQLiteStore
	backend    *backend.HTTPClient
	cache      *entitlement.Manager
	identity   *identity.Manager

	backgrounded atomic.Bool
}

// New wires up the SDK and resolves the current identity. The returned
// Client is ready for use; the identity is already configured.
func New(cfg Config) (*Client, error) {
	logger := log.Logger
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}

	store, err := storage.NewSQLiteStore(dbPath(cfg.DataDir))
	if err != nil {
		return nil, err
	}

	backendClient, err := backend.NewHTTPClient(backend.ClientConfig{
		BaseURL: cfg.BaseURL,
		APIKey:  cfg.APIKey,
		Timeout: cfg.HTTPTimeout,
	}, logger.With().Str("component", "backend").Logger())
	if err != nil {
		store.Close()
		return nil, err
	}

	dispatcher := dispatch.New()
	metrics := telemetry.New(cfg.MetricsRegistry)

	cache := entitlement.NewManager(store, backendClient, dispatcher, entitlement.Config{
		ForegroundTTL:       cfg.ForegroundTTL,
		BackgroundTTL:       cfg.BackgroundTTL,
		BackgroundJitterMax: cfg.BackgroundJitterMax,
	}, metrics, logger.With().Str("component", "entitlement").Logger())

	identityManager := identity.NewManager(store, backendClient, cache, nil, dispatcher,
		logger.With().Str("component", "identity").Logger())

	if _, err := identityManager.Configure(cfg.AppUserID); err != nil {
		dispatcher.Close()
		store.Close()
		return nil, err
	}

	return &Client{
		dispatcher: dispatcher,
		store:      store,
		backend:    backendClient,
		cache:      cache,
		identity:   identityManager,
	}, nil
}

// CurrentAppUserID returns the authoritative current app user id.
func (c *Client) CurrentAppUserID() string {
	return c.identity.CurrentAppUserID()
}

// IsAnonymous reports whether the current user id was generated by the SDK.
func (c *Client) IsAnonymous() bool {
	return c.identity.CurrentUserIsAnonymous()
}

// SetAppBackgrounded tells the SDK whether the host app is backgrounded.
// Backgrounded apps tolerate staler caches and add jitter to refreshes.
func (c *Client) SetAppBackgrounded(backgrounded bool) {
	c.backgrounded.Store(backgrounded)
}

// LogIn switches the current user to newID. completion receives the merged
// snapshot and whether newID was newly created server-side.
func (c *Client) LogIn(newID string, completion func(*Snapshot, bool, error)) {
	c.identity.LogIn(newID, completion)
}

// LogOut replaces a known user with a fresh anonymous id.
func (c *Client) LogOut(completion func(error)) {
	c.identity.LogOut(completion)
}

// GetEntitlementSnapshot delivers the best-available snapshot for the
// current user: cached when present, refreshed when stale.
func (c *Client) GetEntitlementSnapshot(completion func(*Snapshot, error)) {
	c.cache.GetSnapshot(c.identity.CurrentAppUserID(), c.backgrounded.Load(), completion)
}

// CachedSnapshotIfAny returns the valid cached snapshot for the current
// user, or nil, without touching the network.
func (c *Client) CachedSnapshotIfAny() *Snapshot {
	return c.cache.CachedSnapshot(c.identity.CurrentAppUserID())
}

// OnSnapshotChanged registers a listener for snapshot changes. The returned
// function unsubscribes.
func (c *Client) OnSnapshotChanged(listener func(*Snapshot)) (unsubscribe func()) {
	return c.cache.OnSnapshotChanged(listener)
}

// Close flushes pending callbacks and releases resources.
func (c *Client) Close() error {
	c.dispatcher.Close()
	return c.store.Close()
}

func dbPath(dataDir string) string {
	if dataDir == "" {
		dataDir = "entitlekit-data"
	}
	return filepath.Join(dataDir, "device.db")
}
