// Package storage provides the durable key-value layer backing the identity
// and entitlement managers: the current and legacy app user ids, per-user
// cached snapshot bytes, and per-user fetch timestamps.
package storage

import "time"

// Store is the persistence surface consumed by the managers. Reads report
// presence with a bool; storage-level read failures are treated as absence
// by implementations (logged, never surfaced), since the caller can always
// fall back to a backend fetch. Writes return errors.
type Store interface {
	// CurrentID returns the persisted current app user id, if any.
	CurrentID() (string, bool)

	// LegacyID returns the persisted legacy-format anonymous id, if any.
	LegacyID() (string, bool)

	// SetCurrentID durably records id as the current app user id.
	SetCurrentID(id string) error

	// SnapshotBytes returns the cached snapshot bytes for appUserID, if any.
	SnapshotBytes(appUserID string) ([]byte, bool)

	// SetSnapshotBytes stores snapshot bytes for appUserID.
	SetSnapshotBytes(appUserID string, data []byte) error

	// ClearSnapshot removes the cached snapshot bytes for appUserID.
	ClearSnapshot(appUserID string) error

	// Timestamp returns the last fetch timestamp for appUserID, if any.
	Timestamp(appUserID string) (time.Time, bool)

	// SetTimestamp records when a fetch for appUserID last started.
	SetTimestamp(appUserID string, t time.Time) error

	// ClearTimestamp removes the fetch timestamp for appUserID.
	ClearTimestamp(appUserID string) error

	// ClearUserState removes all state scoped to oldID and records newID as
	// the current app user id in one transaction.
	ClearUserState(oldID, newID string) error

	// Close releases underlying resources.
	Close() error
}
