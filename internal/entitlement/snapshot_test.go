package entitlement

import (
	"sort"
	"testing"
	"time"
)

func testSnapshot(userID string, active bool) *Snapshot {
	expires := time.Date(2027, 1, 1, 0, 0, 0, 0, time.UTC)
	return &Snapshot{
		SchemaVersion:     CurrentSchemaVersion,
		OriginalAppUserID: userID,
		FirstSeen:         time.Date(2026, 1, 15, 10, 0, 0, 0, time.UTC),
		RequestDate:       time.Now(),
		Entitlements: map[string]Entitlement{
			"pro": {
				Identifier:        "pro",
				ProductIdentifier: "com.example.pro.monthly",
				IsActive:          active,
				ExpiresDate:       &expires,
			},
		},
	}
}

func TestSnapshot_Equal(t *testing.T) {
	a := testSnapshot("alice", true)
	b := testSnapshot("alice", true)

	if !a.Equal(b) {
		t.Error("identical snapshots should be equal")
	}
	if !a.Equal(a) {
		t.Error("snapshot should equal itself")
	}
}

func TestSnapshot_Equal_IgnoresRequestDate(t *testing.T) {
	a := testSnapshot("alice", true)
	b := testSnapshot("alice", true)
	b.RequestDate = b.RequestDate.Add(time.Hour)

	if !a.Equal(b) {
		t.Error("snapshots differing only in request date should be equal")
	}
}

func TestSnapshot_Equal_DetectsDifferences(t *testing.T) {
	base := testSnapshot("alice", true)

	changedUser := testSnapshot("bob", true)
	if base.Equal(changedUser) {
		t.Error("different user ids should not be equal")
	}

	changedActive := testSnapshot("alice", false)
	if base.Equal(changedActive) {
		t.Error("different active flags should not be equal")
	}

	extraEntitlement := testSnapshot("alice", true)
	extraEntitlement.Entitlements["plus"] = Entitlement{Identifier: "plus", IsActive: true}
	if base.Equal(extraEntitlement) {
		t.Error("different entitlement sets should not be equal")
	}

	changedVersion := testSnapshot("alice", true)
	changedVersion.SchemaVersion = CurrentSchemaVersion - 1
	if base.Equal(changedVersion) {
		t.Error("different schema versions should not be equal")
	}

	changedExpiry := testSnapshot("alice", true)
	later := changedExpiry.Entitlements["pro"].ExpiresDate.Add(time.Hour)
	ent := changedExpiry.Entitlements["pro"]
	ent.ExpiresDate = &later
	changedExpiry.Entitlements["pro"] = ent
	if base.Equal(changedExpiry) {
		t.Error("different expiry dates should not be equal")
	}
}

func TestSnapshot_Equal_Nil(t *testing.T) {
	var a *Snapshot
	b := testSnapshot("alice", true)

	if a.Equal(b) {
		t.Error("nil should not equal non-nil")
	}
	if b.Equal(nil) {
		t.Error("non-nil should not equal nil")
	}
	var c *Snapshot
	if !a.Equal(c) {
		t.Error("nil should equal nil")
	}
}

func TestSnapshot_ActiveEntitlements(t *testing.T) {
	snapshot := testSnapshot("alice", true)
	snapshot.Entitlements["expired"] = Entitlement{Identifier: "expired", IsActive: false}
	snapshot.Entitlements["plus"] = Entitlement{Identifier: "plus", IsActive: true}

	active := snapshot.ActiveEntitlements()
	sort.Strings(active)
	want := []string{"plus", "pro"}
	if len(active) != len(want) {
		t.Fatalf("ActiveEntitlements = %v, want %v", active, want)
	}
	for i := range want {
		if active[i] != want[i] {
			t.Errorf("ActiveEntitlements[%d] = %q, want %q", i, active[i], want[i])
		}
	}

	var none *Snapshot
	if none.ActiveEntitlements() != nil {
		t.Error("nil snapshot should have no active entitlements")
	}
}
