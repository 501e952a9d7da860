// Package identity owns the authoritative current app user id: resolution at
// configure time, anonymous id generation and classification, and the
// login/logout/alias transitions with the cache clearing they imply.
package identity

import (
	"context"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/entitlekit/entitlekit-go/internal/dispatch"
	"github.com/entitlekit/entitlekit-go/internal/entitlement"
	"github.com/entitlekit/entitlekit-go/internal/sdkerr"
	"github.com/entitlekit/entitlekit-go/internal/storage"
)

// Backend is the subset of the backend client the identity manager needs.
type Backend interface {
	// LogIn merges purchase history from currentID into newID and returns the
	// resulting snapshot plus whether newID was newly created.
	LogIn(ctx context.Context, currentID, newID string) (*entitlement.Snapshot, bool, error)

	// CreateAlias links newAlias to appUserID server-side.
	CreateAlias(ctx context.Context, appUserID, newAlias string) error

	// ClearServerSideCaches drops any conditional-request state held by the
	// transport so the next fetch for a new identity is unconditional.
	ClearServerSideCaches()
}

// AttributeSyncer is the delegated per-user bookkeeping cleared on identity
// transitions. Implementations live outside this subsystem; a nil syncer is
// valid.
type AttributeSyncer interface {
	// CleanupFor drops stale subscriber-attribute bookkeeping for appUserID.
	CleanupFor(appUserID string)

	// ClearLastSentFor forgets the last network/advertising ids sent for
	// appUserID.
	ClearLastSentFor(appUserID string)
}

// Manager owns the current app user id. Mutating operations are expected to
// be invoked serially by the host application; an internal operation lock
// keeps state consistent if they are not.
type Manager struct {
	store      storage.Store
	backend    Backend
	cache      *entitlement.Manager
	attributes AttributeSyncer
	dispatcher *dispatch.Dispatcher
	logger     zerolog.Logger

	// opMu serializes identity-mutating operations end to end.
	opMu sync.Mutex

	configured bool
	confMu     sync.Mutex
}

// NewManager creates an identity Manager. attributes may be nil.
func NewManager(store storage.Store, backend Backend, cache *entitlement.Manager, attributes AttributeSyncer, dispatcher *dispatch.Dispatcher, logger zerolog.Logger) *Manager {
	return &Manager{
		store:      store,
		backend:    backend,
		cache:      cache,
		attributes: attributes,
		dispatcher: dispatcher,
		logger:     logger,
	}
}

// Configure resolves the current app user id: an explicit non-blank id wins
// (preserved verbatim), then a previously persisted id, then a freshly
// generated anonymous id. The resolved id is persisted before Configure
// returns.
func (m *Manager) Configure(explicitID string) (string, error) {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	id := explicitID
	if strings.TrimSpace(id) == "" {
		if persisted, ok := m.store.CurrentID(); ok {
			id = persisted
		} else {
			id = GenerateAnonymousID()
			m.logger.Info().Msg("No persisted app user id, generated anonymous id")
		}
	}

	if err := m.store.SetCurrentID(id); err != nil {
		return "", err
	}

	m.confMu.Lock()
	m.configured = true
	m.confMu.Unlock()

	if m.attributes != nil {
		m.attributes.CleanupFor(id)
	}

	m.logger.Debug().Bool("anonymous", m.isAnonymous(id)).Msg("Identity configured")
	return id, nil
}

// CurrentAppUserID returns the authoritative current app user id. Calling it
// before Configure is a programming error and panics; the SDK's own
// initialization sequence guarantees Configure runs first.
func (m *Manager) CurrentAppUserID() string {
	m.confMu.Lock()
	configured := m.configured
	m.confMu.Unlock()
	if !configured {
		panic(sdkerr.ErrNotConfigured)
	}

	id, ok := m.store.CurrentID()
	if !ok {
		panic(sdkerr.ErrNotConfigured)
	}
	return id
}

// CurrentUserIsAnonymous classifies the live current id. Never cached: the
// current id can change underneath long-lived callers.
func (m *Manager) CurrentUserIsAnonymous() bool {
	return m.isAnonymous(m.CurrentAppUserID())
}

func (m *Manager) isAnonymous(id string) bool {
	if IsGeneratedAnonymousID(id) {
		return true
	}
	if legacy, ok := m.store.LegacyID(); ok && legacy == id {
		return true
	}
	return false
}

// LogIn switches the current user to newID, merging purchase history
// server-side. Logging in as the current user skips the backend merge and
// returns the current snapshot with created=false. completion runs on the
// main context.
func (m *Manager) LogIn(newID string, completion func(*entitlement.Snapshot, bool, error)) {
	trimmed := strings.TrimSpace(newID)
	if trimmed == "" {
		m.completeLogIn(completion, nil, false, sdkerr.WrapValidation("log_in", "", sdkerr.ErrMissingIdentifier))
		return
	}

	current := m.CurrentAppUserID()
	if trimmed == current {
		m.logger.Debug().Msg("Logging in as the current user, fetching snapshot instead")
		m.cache.GetSnapshot(current, false, func(snapshot *entitlement.Snapshot, err error) {
			if completion != nil {
				completion(snapshot, false, err)
			}
		})
		return
	}

	m.dispatcher.OnWorker(func() {
		m.opMu.Lock()
		defer m.opMu.Unlock()

		oldID := m.CurrentAppUserID()
		snapshot, created, err := m.backend.LogIn(context.Background(), oldID, trimmed)
		if err != nil {
			// Identity and cache are untouched on failure.
			m.completeLogIn(completion, nil, false, sdkerr.WrapBackend("log_in", trimmed, err))
			return
		}

		m.switchUser(oldID, trimmed)
		m.cache.Cache(trimmed, snapshot)

		m.logger.Info().Bool("created", created).Msg("Logged in")
		m.completeLogIn(completion, snapshot, created, nil)
	})
}

// LogOut replaces a known current user with a fresh anonymous id and clears
// all state tied to the old id. Logging out an anonymous user fails with
// ErrLogOutAnonymous and mutates nothing. completion runs on the main
// context.
func (m *Manager) LogOut(completion func(error)) {
	m.dispatcher.OnWorker(func() {
		m.opMu.Lock()
		defer m.opMu.Unlock()

		oldID := m.CurrentAppUserID()
		if m.isAnonymous(oldID) {
			m.complete(completion, sdkerr.WrapValidation("log_out", oldID, sdkerr.ErrLogOutAnonymous))
			return
		}

		newID := GenerateAnonymousID()
		m.switchUser(oldID, newID)
		if m.attributes != nil {
			m.attributes.ClearLastSentFor(oldID)
		}

		m.logger.Info().Msg("Logged out, generated new anonymous id")
		m.complete(completion, nil)
	})
}

// Identify is the legacy identity transition. An anonymous current user is
// aliased to newID server-side; a known current user is rekeyed locally
// without a backend call.
//
// Deprecated: use LogIn.
func (m *Manager) Identify(newID string, completion func(error)) {
	trimmed := strings.TrimSpace(newID)
	if trimmed == "" {
		m.complete(completion, sdkerr.WrapValidation("identify", "", sdkerr.ErrMissingIdentifier))
		return
	}

	if m.CurrentUserIsAnonymous() {
		m.CreateAlias(trimmed, completion)
		return
	}

	m.dispatcher.OnWorker(func() {
		m.opMu.Lock()
		defer m.opMu.Unlock()

		oldID := m.CurrentAppUserID()
		if oldID == trimmed {
			m.complete(completion, nil)
			return
		}

		m.switchUser(oldID, trimmed)
		m.logger.Info().Msg("Identified known user, cache rekeyed")
		m.complete(completion, nil)
	})
}

// CreateAlias links newAlias to the current user server-side, then rekeys
// the local cache to newAlias.
//
// Deprecated: use LogIn.
func (m *Manager) CreateAlias(newAlias string, completion func(error)) {
	trimmed := strings.TrimSpace(newAlias)
	if trimmed == "" {
		m.complete(completion, sdkerr.WrapValidation("create_alias", "", sdkerr.ErrMissingIdentifierForAlias))
		return
	}

	m.dispatcher.OnWorker(func() {
		m.opMu.Lock()
		defer m.opMu.Unlock()

		oldID := m.CurrentAppUserID()
		if err := m.backend.CreateAlias(context.Background(), oldID, trimmed); err != nil {
			m.complete(completion, sdkerr.WrapBackend("create_alias", oldID, err))
			return
		}

		m.switchUser(oldID, trimmed)
		m.logger.Info().Msg("Alias created, cache rekeyed")
		m.complete(completion, nil)
	})
}

// switchUser clears all cached state for oldID and persists newID as the
// current id. The entitlement cache clear runs first so its last-notified
// memory resets under its lock before any write for the new user lands.
func (m *Manager) switchUser(oldID, newID string) {
	m.cache.ClearCache(oldID)
	if err := m.store.ClearUserState(oldID, newID); err != nil {
		m.logger.Error().Err(err).Msg("Failed to persist identity switch")
	}
	m.backend.ClearServerSideCaches()
}

func (m *Manager) complete(completion func(error), err error) {
	if completion == nil {
		return
	}
	m.dispatcher.OnMain(func() { completion(err) })
}

func (m *Manager) completeLogIn(completion func(*entitlement.Snapshot, bool, error), snapshot *entitlement.Snapshot, created bool, err error) {
	if completion == nil {
		return
	}
	m.dispatcher.OnMain(func() { completion(snapshot, created, err) })
}
