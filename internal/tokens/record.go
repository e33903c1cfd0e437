package tokens

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// RefreshTokenValidity is how long Shopee honours a refresh token after it was issued.
const RefreshTokenValidity = 30 * 24 * time.Hour

var (
	ErrNotFound = errors.New("token record not found")
	// ErrConflict means the stored token pair changed since it was read.
	ErrConflict = errors.New("token record changed concurrently")
)

type Kind string

const (
	KindShop     Kind = "SHOP"
	KindMerchant Kind = "MERCHANT"
)

// Subject identifies an authorizable shop or merchant.
type Subject struct {
	Kind Kind
	ID   int64
}

func Shop(id int64) Subject     { return Subject{Kind: KindShop, ID: id} }
func Merchant(id int64) Subject { return Subject{Kind: KindMerchant, ID: id} }

// Key is the DynamoDB partition key, e.g. SHOP#123.
func (s Subject) Key() string {
	return fmt.Sprintf("%s#%d", s.Kind, s.ID)
}

func (s Subject) String() string { return s.Key() }

func ParseSubject(key string) (Subject, error) {
	kind, id, ok := strings.Cut(key, "#")
	if !ok {
		return Subject{}, fmt.Errorf("invalid subject key %q", key)
	}
	n, err := strconv.ParseInt(id, 10, 64)
	if err != nil {
		return Subject{}, fmt.Errorf("invalid subject key %q: %w", key, err)
	}
	switch Kind(kind) {
	case KindShop, KindMerchant:
		return Subject{Kind: Kind(kind), ID: n}, nil
	default:
		return Subject{}, fmt.Errorf("invalid subject kind %q", kind)
	}
}

// Record is the persisted token pair for one subject. One authorization grant
// can produce several records sharing the same pair.
type Record struct {
	Subject       Subject
	AccessToken   string
	RefreshToken  string
	TokenExpiry   time.Time
	LastRefreshed time.Time
	Active        bool
}

// RefreshTokenExpiry is derived, never stored.
func (r Record) RefreshTokenExpiry() time.Time {
	return r.LastRefreshed.Add(RefreshTokenValidity)
}

// AccessTokenExpiresWithin reports whether the access token has at most d left at now.
func (r Record) AccessTokenExpiresWithin(now time.Time, d time.Duration) bool {
	return r.TokenExpiry.Sub(now) <= d
}
