package dispute

import (
	"context"
	"errors"

	"escrowdesk/escrow"
)

var (
	// ErrInFlight is returned when a resolution for the same transaction is still awaiting the server.
	ErrInFlight = errors.New("dispute: resolution already in flight")
	// ErrLocked is returned once the session expired and until the admin signs in again.
	ErrLocked = errors.New("dispute: desk locked")
)

// Gateway is the authoritative escrow API as one administrator sees it.
// escrow.Scoped and escrowapi.Client both satisfy it.
type Gateway interface {
	Get(ctx context.Context, id string) (escrow.Transaction, error)
	List(ctx context.Context, filter escrow.Filter) (escrow.Page, error)
	Timeline(ctx context.Context, id string) ([]escrow.AuditEntry, error)
	Resolve(ctx context.Context, id string, req escrow.ResolveRequest) (escrow.Transaction, error)
}

var _ Gateway = (*escrow.Scoped)(nil)
