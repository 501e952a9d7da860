// Package entitlement owns the cached entitlement snapshot: the snapshot
// value type, the per-user durable cache with its staleness policy, fetch
// coordination, and change notification.
package entitlement

import "time"

// CurrentSchemaVersion is the snapshot schema this build understands. Cached
// bytes carrying any other version are treated as a cache miss.
const CurrentSchemaVersion = 3

// Entitlement describes one entitlement the backend granted to a user.
type Entitlement struct {
	Identifier         string     `json:"identifier"`
	ProductIdentifier  string     `json:"product_identifier"`
	IsActive           bool       `json:"is_active"`
	ExpiresDate        *time.Time `json:"expires_date,omitempty"`
	LatestPurchaseDate *time.Time `json:"latest_purchase_date,omitempty"`
}

// Snapshot is the backend's view of a user's entitlements at a point in
// time. Snapshots are immutable once created; managers always replace, never
// mutate.
type Snapshot struct {
	SchemaVersion     int                    `json:"schema_version"`
	OriginalAppUserID string                 `json:"original_app_user_id"`
	FirstSeen         time.Time              `json:"first_seen"`
	RequestDate       time.Time              `json:"request_date"`
	Entitlements      map[string]Entitlement `json:"entitlements"`
}

// Equal reports value equality over the observable fields of the snapshot.
// RequestDate is excluded: two fetches moments apart with identical
// ownership are the same snapshot for change-notification purposes.
func (s *Snapshot) Equal(other *Snapshot) bool {
	if s == nil || other == nil {
		return s == other
	}
	if s.SchemaVersion != other.SchemaVersion ||
		s.OriginalAppUserID != other.OriginalAppUserID ||
		!s.FirstSeen.Equal(other.FirstSeen) {
		return false
	}
	if len(s.Entitlements) != len(other.Entitlements) {
		return false
	}
	for key, ent := range s.Entitlements {
		otherEnt, ok := other.Entitlements[key]
		if !ok || !ent.equal(otherEnt) {
			return false
		}
	}
	return true
}

func (e Entitlement) equal(other Entitlement) bool {
	return e.Identifier == other.Identifier &&
		e.ProductIdentifier == other.ProductIdentifier &&
		e.IsActive == other.IsActive &&
		timePtrEqual(e.ExpiresDate, other.ExpiresDate) &&
		timePtrEqual(e.LatestPurchaseDate, other.LatestPurchaseDate)
}

func timePtrEqual(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(*b)
}

// ActiveEntitlements returns the identifiers of all active entitlements,
// for display purposes.
func (s *Snapshot) ActiveEntitlements() []string {
	if s == nil {
		return nil
	}
	var active []string
	for key, ent := range s.Entitlements {
		if ent.IsActive {
			active = append(active, key)
		}
	}
	return active
}
