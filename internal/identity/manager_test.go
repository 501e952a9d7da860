package identity

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/rs/zerolog"

	"github.com/entitlekit/entitlekit-go/internal/dispatch"
	"github.com/entitlekit/entitlekit-go/internal/entitlement"
	"github.com/entitlekit/entitlekit-go/internal/sdkerr"
	"github.com/entitlekit/entitlekit-go/internal/storage"
)

type fakeBackend struct {
	loginSnapshot *entitlement.Snapshot
	loginCreated  bool
	loginErr      error
	aliasErr      error

	fetchSnapshot *entitlement.Snapshot
	fetchErr      error

	loginCalls int32
	aliasCalls int32
	fetchCalls int32
	clearCalls int32
}

func (b *fakeBackend) LogIn(ctx context.Context, currentID, newID string) (*entitlement.Snapshot, bool, error) {
	atomic.AddInt32(&b.loginCalls, 1)
	if b.loginErr != nil {
		return nil, false, b.loginErr
	}
	return b.loginSnapshot, b.loginCreated, nil
}

func (b *fakeBackend) CreateAlias(ctx context.Context, appUserID, newAlias string) error {
	atomic.AddInt32(&b.aliasCalls, 1)
	return b.aliasErr
}

func (b *fakeBackend) ClearServerSideCaches() {
	atomic.AddInt32(&b.clearCalls, 1)
}

func (b *fakeBackend) FetchSnapshot(ctx context.Context, appUserID string) (*entitlement.Snapshot, error) {
	atomic.AddInt32(&b.fetchCalls, 1)
	if b.fetchErr != nil {
		return nil, b.fetchErr
	}
	return b.fetchSnapshot, nil
}

type fakeAttributes struct {
	cleanups []string
	lastSent []string
}

func (a *fakeAttributes) CleanupFor(appUserID string)       { a.cleanups = append(a.cleanups, appUserID) }
func (a *fakeAttributes) ClearLastSentFor(appUserID string) { a.lastSent = append(a.lastSent, appUserID) }

func snapshotFor(userID string) *entitlement.Snapshot {
	return &entitlement.Snapshot{
		SchemaVersion:     entitlement.CurrentSchemaVersion,
		OriginalAppUserID: userID,
		Entitlements: map[string]entitlement.Entitlement{
			"pro": {Identifier: "pro", ProductIdentifier: "com.example.pro", IsActive: true},
		},
	}
}

func newTestIdentity(t *testing.T, backend *fakeBackend) (*Manager, *entitlement.Manager, *storage.MemoryStore) {
	t.Helper()
	store := storage.NewMemoryStore()
	d := dispatch.NewSynchronous()
	cache := entitlement.NewManager(store, backend, d, entitlement.Config{}, nil, zerolog.Nop())
	m := NewManager(store, backend, cache, nil, d, zerolog.Nop())
	return m, cache, store
}

func TestConfigure_ExplicitIDPreservedVerbatim(t *testing.T) {
	m, _, store := newTestIdentity(t, &fakeBackend{})

	id, err := m.Configure("  spaced user  ")
	if err != nil {
		t.Fatalf("Configure: %v", err)
	}
	if id != "  spaced user  " {
		t.Errorf("Configure returned %q, want verbatim id", id)
	}
	if persisted, _ := store.CurrentID(); persisted != "  spaced user  " {
		t.Errorf("persisted id = %q, want verbatim explicit id", persisted)
	}
	if m.CurrentAppUserID() != "  spaced user  " {
		t.Error("CurrentAppUserID should return the explicit id verbatim")
	}
}

func TestConfigure_RecoversPersistedID(t *testing.T) {
	m, _, store := newTestIdentity(t, &fakeBackend{})
	store.SetCurrentID("persisted-user")

	id, err := m.Configure("")
	if err != nil {
		t.Fatalf("Configure: %v", err)
	}
	if id != "persisted-user" {
		t.Errorf("Configure returned %q, want persisted id", id)
	}
}

func TestConfigure_GeneratesAnonymousID(t *testing.T) {
	m, _, _ := newTestIdentity(t, &fakeBackend{})

	id, err := m.Configure("")
	if err != nil {
		t.Fatalf("Configure: %v", err)
	}
	if !IsGeneratedAnonymousID(id) {
		t.Errorf("generated id %q does not match anonymous pattern", id)
	}
	if !m.CurrentUserIsAnonymous() {
		t.Error("freshly generated identity should classify as anonymous")
	}
}

func TestConfigure_RunsAttributeCleanup(t *testing.T) {
	store := storage.NewMemoryStore()
	d := dispatch.NewSynchronous()
	backend := &fakeBackend{}
	cache := entitlement.NewManager(store, backend, d, entitlement.Config{}, nil, zerolog.Nop())
	attrs := &fakeAttributes{}
	m := NewManager(store, backend, cache, attrs, d, zerolog.Nop())

	id, err := m.Configure("alice")
	if err != nil {
		t.Fatal(err)
	}
	if len(attrs.cleanups) != 1 || attrs.cleanups[0] != id {
		t.Errorf("attribute cleanup calls = %v, want [%s]", attrs.cleanups, id)
	}
}

func TestCurrentAppUserID_PanicsBeforeConfigure(t *testing.T) {
	m, _, _ := newTestIdentity(t, &fakeBackend{})

	defer func() {
		if recover() == nil {
			t.Error("CurrentAppUserID before Configure should panic")
		}
	}()
	m.CurrentAppUserID()
}

func TestAnonymousClassification_LegacyID(t *testing.T) {
	m, _, store := newTestIdentity(t, &fakeBackend{})
	store.SetLegacyID("legacy-anon-123")

	if _, err := m.Configure("legacy-anon-123"); err != nil {
		t.Fatal(err)
	}
	if !m.CurrentUserIsAnonymous() {
		t.Error("id matching the persisted legacy id should classify as anonymous")
	}
}

func TestGenerateAnonymousID_Format(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		id := GenerateAnonymousID()
		if !strings.HasPrefix(id, "$RCAnonymousID:") {
			t.Fatalf("id %q missing prefix", id)
		}
		if !IsGeneratedAnonymousID(id) {
			t.Fatalf("id %q does not match its own pattern", id)
		}
		if seen[id] {
			t.Fatalf("duplicate anonymous id generated: %q", id)
		}
		seen[id] = true
	}
}

func TestLogIn_EmptyIDFails(t *testing.T) {
	m, _, store := newTestIdentity(t, &fakeBackend{})
	m.Configure("alice")

	for _, input := range []string{"", "   ", "\t\n"} {
		var gotErr error
		m.LogIn(input, func(s *entitlement.Snapshot, created bool, err error) { gotErr = err })
		if !errors.Is(gotErr, sdkerr.ErrMissingIdentifier) {
			t.Errorf("LogIn(%q) error = %v, want ErrMissingIdentifier", input, gotErr)
		}
		if id, _ := store.CurrentID(); id != "alice" {
			t.Errorf("LogIn(%q) mutated current id to %q", input, id)
		}
	}
}

func TestLogIn_SameUserSkipsBackendMerge(t *testing.T) {
	backend := &fakeBackend{fetchSnapshot: snapshotFor("alice")}
	m, _, _ := newTestIdentity(t, backend)
	m.Configure("alice")

	var gotCreated bool
	var gotSnapshot *entitlement.Snapshot
	m.LogIn("alice", func(s *entitlement.Snapshot, created bool, err error) {
		if err != nil {
			t.Errorf("unexpected error: %v", err)
		}
		gotSnapshot = s
		gotCreated = created
	})

	if atomic.LoadInt32(&backend.loginCalls) != 0 {
		t.Error("logging in as the current user must not call the backend merge")
	}
	if gotCreated {
		t.Error("created should be false for a self login")
	}
	if gotSnapshot == nil {
		t.Error("self login should still deliver a snapshot")
	}
}

func TestLogIn_TrimsWhitespace(t *testing.T) {
	backend := &fakeBackend{fetchSnapshot: snapshotFor("alice")}
	m, _, _ := newTestIdentity(t, backend)
	m.Configure("alice")

	// "  alice  " trims to the current user: no merge call.
	m.LogIn("  alice  ", func(s *entitlement.Snapshot, created bool, err error) {})
	if atomic.LoadInt32(&backend.loginCalls) != 0 {
		t.Error("trimmed self login must not call the backend merge")
	}
}

func TestLogIn_SwitchesUserAndSeedsCache(t *testing.T) {
	backend := &fakeBackend{loginSnapshot: snapshotFor("bob"), loginCreated: true}
	m, cache, store := newTestIdentity(t, backend)
	m.Configure("alice")
	cache.Cache("alice", snapshotFor("alice"))

	var gotCreated bool
	var gotErr error
	m.LogIn("bob", func(s *entitlement.Snapshot, created bool, err error) {
		gotCreated = created
		gotErr = err
	})

	if gotErr != nil {
		t.Fatalf("LogIn: %v", gotErr)
	}
	if !gotCreated {
		t.Error("created flag should pass through from the backend")
	}
	if id, _ := store.CurrentID(); id != "bob" {
		t.Errorf("current id = %q, want bob", id)
	}
	if cache.CachedSnapshot("alice") != nil {
		t.Error("old user's cache should be cleared after login")
	}
	got := cache.CachedSnapshot("bob")
	if got == nil || !got.Equal(backend.loginSnapshot) {
		t.Error("new user's cache should hold the snapshot returned by the backend")
	}
	if atomic.LoadInt32(&backend.clearCalls) == 0 {
		t.Error("identity switch should clear server-side caches")
	}
}

func TestLogIn_BackendFailureLeavesStateIntact(t *testing.T) {
	backend := &fakeBackend{loginErr: errors.New("merge failed")}
	m, cache, store := newTestIdentity(t, backend)
	m.Configure("alice")
	cache.Cache("alice", snapshotFor("alice"))

	var gotErr error
	m.LogIn("bob", func(s *entitlement.Snapshot, created bool, err error) { gotErr = err })

	if gotErr == nil {
		t.Fatal("expected backend error to surface")
	}
	if id, _ := store.CurrentID(); id != "alice" {
		t.Errorf("current id = %q, want alice (unchanged on failure)", id)
	}
	if cache.CachedSnapshot("alice") == nil {
		t.Error("cache must not be mutated on login failure")
	}
}

func TestLogOut_AnonymousUserFails(t *testing.T) {
	m, _, store := newTestIdentity(t, &fakeBackend{})
	m.Configure("")
	anonID := m.CurrentAppUserID()

	var gotErr error
	m.LogOut(func(err error) { gotErr = err })

	if !errors.Is(gotErr, sdkerr.ErrLogOutAnonymous) {
		t.Errorf("LogOut error = %v, want ErrLogOutAnonymous", gotErr)
	}
	if id, _ := store.CurrentID(); id != anonID {
		t.Error("failed logout must not mutate the current id")
	}
}

func TestLogOut_KnownUserGetsFreshAnonymousID(t *testing.T) {
	store := storage.NewMemoryStore()
	d := dispatch.NewSynchronous()
	backend := &fakeBackend{}
	cache := entitlement.NewManager(store, backend, d, entitlement.Config{}, nil, zerolog.Nop())
	attrs := &fakeAttributes{}
	m := NewManager(store, backend, cache, attrs, d, zerolog.Nop())

	m.Configure("alice")
	cache.Cache("alice", snapshotFor("alice"))

	var gotErr error
	m.LogOut(func(err error) { gotErr = err })

	if gotErr != nil {
		t.Fatalf("LogOut: %v", gotErr)
	}
	newID := m.CurrentAppUserID()
	if newID == "alice" {
		t.Error("current id should change on logout")
	}
	if !IsGeneratedAnonymousID(newID) {
		t.Errorf("post-logout id %q should be anonymous", newID)
	}
	if cache.CachedSnapshot("alice") != nil {
		t.Error("old user's cache should be cleared on logout")
	}
	if len(attrs.lastSent) != 1 || attrs.lastSent[0] != "alice" {
		t.Errorf("last-sent bookkeeping clears = %v, want [alice]", attrs.lastSent)
	}
}

func TestCreateAlias_EmptyAliasFails(t *testing.T) {
	m, _, _ := newTestIdentity(t, &fakeBackend{})
	m.Configure("alice")

	var gotErr error
	m.CreateAlias("   ", func(err error) { gotErr = err })
	if !errors.Is(gotErr, sdkerr.ErrMissingIdentifierForAlias) {
		t.Errorf("CreateAlias error = %v, want ErrMissingIdentifierForAlias", gotErr)
	}
}

func TestCreateAlias_RekeysCache(t *testing.T) {
	backend := &fakeBackend{}
	m, cache, store := newTestIdentity(t, backend)
	m.Configure("alice")
	cache.Cache("alice", snapshotFor("alice"))

	var gotErr error
	m.CreateAlias("alice-alias", func(err error) { gotErr = err })

	if gotErr != nil {
		t.Fatalf("CreateAlias: %v", gotErr)
	}
	if atomic.LoadInt32(&backend.aliasCalls) != 1 {
		t.Errorf("alias calls = %d, want 1", backend.aliasCalls)
	}
	if id, _ := store.CurrentID(); id != "alice-alias" {
		t.Errorf("current id = %q, want alice-alias", id)
	}
	if cache.CachedSnapshot("alice") != nil {
		t.Error("old key's cache should be cleared after alias")
	}
}

func TestCreateAlias_BackendFailureLeavesStateIntact(t *testing.T) {
	backend := &fakeBackend{aliasErr: errors.New("alias rejected")}
	m, _, store := newTestIdentity(t, backend)
	m.Configure("alice")

	var gotErr error
	m.CreateAlias("alice-alias", func(err error) { gotErr = err })

	if gotErr == nil {
		t.Fatal("expected alias error to surface")
	}
	if id, _ := store.CurrentID(); id != "alice" {
		t.Errorf("current id = %q, want alice (unchanged on failure)", id)
	}
}

func TestIdentify_AnonymousUserCreatesAlias(t *testing.T) {
	backend := &fakeBackend{}
	m, _, store := newTestIdentity(t, backend)
	m.Configure("")

	var gotErr error
	m.Identify("alice", func(err error) { gotErr = err })

	if gotErr != nil {
		t.Fatalf("Identify: %v", gotErr)
	}
	if atomic.LoadInt32(&backend.aliasCalls) != 1 {
		t.Error("identify from an anonymous user should create an alias")
	}
	if id, _ := store.CurrentID(); id != "alice" {
		t.Errorf("current id = %q, want alice", id)
	}
}

func TestIdentify_KnownUserRekeysWithoutBackendCall(t *testing.T) {
	backend := &fakeBackend{}
	m, cache, store := newTestIdentity(t, backend)
	m.Configure("alice")
	cache.Cache("alice", snapshotFor("alice"))

	var gotErr error
	m.Identify("bob", func(err error) { gotErr = err })

	if gotErr != nil {
		t.Fatalf("Identify: %v", gotErr)
	}
	if atomic.LoadInt32(&backend.aliasCalls) != 0 {
		t.Error("identify from a known user must not call the backend")
	}
	if id, _ := store.CurrentID(); id != "bob" {
		t.Errorf("current id = %q, want bob", id)
	}
	if cache.CachedSnapshot("alice") != nil {
		t.Error("old user's cache should be cleared after identify")
	}
}
