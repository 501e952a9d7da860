// Package backend implements the subscription-backend client: snapshot
// fetch, login-and-merge, and alias creation.
package backend

import (
	"context"

	"github.com/entitlekit/entitlekit-go/internal/entitlement"
)

// Client is the full backend surface consumed by the SDK. It satisfies both
// the entitlement manager's Fetcher and the identity manager's Backend.
type Client interface {
	// FetchSnapshot retrieves the current entitlement snapshot for appUserID.
	FetchSnapshot(ctx context.Context, appUserID string) (*entitlement.Snapshot, error)

	// LogIn merges purchase history from currentID into newID. The bool
	// reports whether newID was newly created server-side.
	LogIn(ctx context.Context, currentID, newID string) (*entitlement.Snapshot, bool, error)

	// CreateAlias links newAlias to appUserID.
	CreateAlias(ctx context.Context, appUserID, newAlias string) error

	// ClearServerSideCaches drops conditional-request state so the next
	// fetch is unconditional. Called on identity transitions.
	ClearServerSideCaches()
}
