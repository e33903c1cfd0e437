package tokens

import (
	"context"
	"time"
)

// Store persists token records. Every method returns only after the write is
// visible to a subsequent Get.
type Store interface {
	Get(ctx context.Context, s Subject) (*Record, error)
	// Upsert inserts r or replaces the token fields of the existing record.
	Upsert(ctx context.Context, r Record) error
	// Swap replaces the token fields only if the stored refresh token is still
	// prevRefreshToken; otherwise it returns ErrConflict.
	Swap(ctx context.Context, r Record, prevRefreshToken string) error
	// DeleteAll removes every record of s. Deleting nothing is not an error.
	DeleteAll(ctx context.Context, s Subject) error
	ListActive(ctx context.Context) ([]Record, error)

	// AcquireRefreshLease claims the right to call the refresh endpoint for s
	// until the given time. It returns false while a lease held by someone
	// else is still live at now, or when s has no record. Upsert and Swap
	// drop any lease.
	AcquireRefreshLease(ctx context.Context, s Subject, now, until time.Time) (bool, error)
	// ReleaseRefreshLease drops the lease acquired with until; a lease that
	// was already dropped or taken over is left alone.
	ReleaseRefreshLease(ctx context.Context, s Subject, until time.Time) error
}
