// Package entities keeps the authorized shop and merchant profiles that sit
// next to the token records.
package entities

import (
	"context"
	"errors"
	"time"

	"github.com/idako2023/frappe-shopee/internal/tokens"
)

var ErrNotFound = errors.New("entity not found")

// Entity is the profile of an authorized shop or merchant.
type Entity struct {
	Subject     tokens.Subject
	Name        string
	CompanyName string
	Status      []string
	Region      string
	Currency    string

	IsAuthorized        bool
	IsGroup             bool
	AuthorizedAt        time.Time
	AuthorizationExpiry time.Time

	// Set for shops whose merchant is known.
	ParentMerchantID int64
	ParentCompany    string

	LastEventAt   time.Time
	LastEventCode int
}

type Store interface {
	Get(ctx context.Context, s tokens.Subject) (*Entity, error)
	// Upsert writes the profile fields of e. Last-event fields are left untouched.
	Upsert(ctx context.Context, e Entity) error
	// MarkDeauthorized clears IsAuthorized and stamps the expiry. A missing
	// entity is not an error.
	MarkDeauthorized(ctx context.Context, s tokens.Subject, at time.Time) error
	// RecordEvent stamps the last webhook event seen for s. Returns ErrNotFound
	// when s has no profile.
	RecordEvent(ctx context.Context, s tokens.Subject, code int, at time.Time) error
}
