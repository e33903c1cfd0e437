// Package lifecycle exchanges authorization codes for tokens, keeps access
// tokens fresh and tears authorizations down.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/idako2023/frappe-shopee/internal/entities"
	"github.com/idako2023/frappe-shopee/internal/shopee"
	"github.com/idako2023/frappe-shopee/internal/tokens"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"
)

const (
	// RefreshWindow is how close to expiry an access token may get before
	// GetValidAccessToken refreshes it.
	RefreshWindow = 300 * time.Second
	// DefaultSessionWindow applies when a token response carries no expire_in.
	DefaultSessionWindow = 4 * time.Hour
	// RefreshLease bounds one refresh attempt, across processes through the
	// store lease and within the process through the flight context.
	RefreshLease = 30 * time.Second
)

// TokenAPI is the token half of the marketplace client.
type TokenAPI interface {
	GetAccessToken(ctx context.Context, req shopee.TokenRequest) (*shopee.TokenResponse, error)
	RefreshAccessToken(ctx context.Context, req shopee.RefreshRequest) (*shopee.TokenResponse, error)
}

type ProfileSyncer interface {
	Sync(ctx context.Context, s tokens.Subject, accessToken string) (*entities.Entity, error)
}

// RefreshError wraps any failure of a refresh attempt.
type RefreshError struct {
	Subject tokens.Subject
	Err     error
}

func (e *RefreshError) Error() string {
	return fmt.Sprintf("refresh %s: %v", e.Subject, e.Err)
}

func (e *RefreshError) Unwrap() error { return e.Err }

type Manager struct {
	api      TokenAPI
	store    tokens.Store
	entities entities.Store
	profiles ProfileSyncer
	log      logrus.FieldLogger
	now      func() time.Time

	// refreshes serializes refresh calls per subject within this process;
	// the store lease does the same across processes.
	refreshes singleflight.Group
	leaseWait time.Duration
}

func New(api TokenAPI, store tokens.Store, ents entities.Store, profiles ProfileSyncer, log logrus.FieldLogger) *Manager {
	return &Manager{
		api:       api,
		store:     store,
		entities:  ents,
		profiles:  profiles,
		log:       log,
		now:       time.Now,
		leaseWait: 250 * time.Millisecond,
	}
}

type ExchangeRequest struct {
	Code          string
	MainAccountID int64
	ShopID        int64
}

// ProfileError is a profile fetch that failed after the tokens were stored.
type ProfileError struct {
	Subject tokens.Subject
	Err     error
}

func (e ProfileError) Error() string {
	return fmt.Sprintf("profile %s: %v", e.Subject, e.Err)
}

type ExchangeResult struct {
	// Subjects lists every stored record, merchants first.
	Subjects      []tokens.Subject
	ProfileErrors []ProfileError
}

// ExchangeCode trades an authorization code for a token pair and stores that
// pair for every merchant and shop the grant covers.
func (m *Manager) ExchangeCode(ctx context.Context, req ExchangeRequest) (*ExchangeResult, error) {
	resp, err := m.api.GetAccessToken(ctx, shopee.TokenRequest{
		Code:          req.Code,
		MainAccountID: req.MainAccountID,
		ShopID:        req.ShopID,
	})
	if err != nil {
		return nil, err
	}

	now := m.now()
	subjects := grantSubjects(resp, req.ShopID)
	res := &ExchangeResult{Subjects: subjects}

	for _, s := range subjects {
		rec := tokens.Record{
			Subject:       s,
			AccessToken:   resp.AccessToken,
			RefreshToken:  resp.RefreshToken,
			TokenExpiry:   now.Add(sessionWindow(resp.ExpireIn)),
			LastRefreshed: now,
			Active:        true,
		}
		if err := m.store.Upsert(ctx, rec); err != nil {
			return nil, err
		}

		if _, err := m.profiles.Sync(ctx, s, resp.AccessToken); err != nil {
			m.log.WithError(err).WithField("subject", s.String()).Warn("profile sync failed")
			res.ProfileErrors = append(res.ProfileErrors, ProfileError{Subject: s, Err: err})
		}
	}

	m.log.WithField("subjects", len(subjects)).
		WithField("profile_errors", len(res.ProfileErrors)).
		Info("authorization code exchanged")
	return res, nil
}

// grantSubjects orders merchants before shops so shop profiles can link to
// an already stored parent.
func grantSubjects(resp *shopee.TokenResponse, reqShopID int64) []tokens.Subject {
	seen := map[tokens.Subject]bool{}
	var out []tokens.Subject
	add := func(s tokens.Subject) {
		if s.ID == 0 || seen[s] {
			return
		}
		seen[s] = true
		out = append(out, s)
	}

	for _, id := range resp.MerchantIDList {
		add(tokens.Merchant(id))
	}
	for _, id := range resp.ShopIDList {
		add(tokens.Shop(id))
	}
	// Single-shop grants return the shop outside the lists.
	if len(resp.MerchantIDList) == 0 && len(resp.ShopIDList) == 0 {
		add(tokens.Merchant(resp.MerchantID))
		add(tokens.Shop(resp.ShopID))
		add(tokens.Shop(reqShopID))
	}
	return out
}

func sessionWindow(expireIn int64) time.Duration {
	if expireIn <= 0 {
		return DefaultSessionWindow
	}
	return time.Duration(expireIn) * time.Second
}

// GetValidAccessToken returns an access token for s, refreshing it first when
// it expires within RefreshWindow.
func (m *Manager) GetValidAccessToken(ctx context.Context, s tokens.Subject) (string, error) {
	rec, err := m.store.Get(ctx, s)
	if err != nil {
		return "", err
	}
	if !rec.AccessTokenExpiresWithin(m.now(), RefreshWindow) {
		return rec.AccessToken, nil
	}

	access, _, err := m.Refresh(ctx, s, rec.RefreshToken)
	if err != nil {
		return "", err
	}
	return access, nil
}

type pair struct {
	access, refresh string
}

// Refresh rotates the token pair of s. When the stored refresh token no longer
// matches currentRefresh another caller already rotated it and the stored
// pair is returned as is.
//
// The rotation runs detached from ctx, bounded by RefreshLease, so one
// cancelled caller does not fail the others waiting on the same subject.
func (m *Manager) Refresh(ctx context.Context, s tokens.Subject, currentRefresh string) (string, string, error) {
	ch := m.refreshes.DoChan(s.Key(), func() (any, error) {
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), RefreshLease)
		defer cancel()
		return m.refresh(fctx, s, currentRefresh)
	})
	select {
	case <-ctx.Done():
		return "", "", &RefreshError{Subject: s, Err: ctx.Err()}
	case res := <-ch:
		if res.Err != nil {
			return "", "", res.Err
		}
		p := res.Val.(pair)
		return p.access, p.refresh, nil
	}
}

func (m *Manager) refresh(ctx context.Context, s tokens.Subject, currentRefresh string) (pair, error) {
	rec, err := m.store.Get(ctx, s)
	if err != nil {
		return pair{}, &RefreshError{Subject: s, Err: err}
	}
	if currentRefresh != "" && rec.RefreshToken != currentRefresh {
		return pair{rec.AccessToken, rec.RefreshToken}, nil
	}
	seen := rec.RefreshToken

	for {
		now := m.now()
		until := now.Add(RefreshLease)
		ok, err := m.store.AcquireRefreshLease(ctx, s, now, until)
		if err != nil {
			return pair{}, &RefreshError{Subject: s, Err: err}
		}
		if ok {
			return m.refreshLeased(ctx, s, seen, until)
		}

		// Another process holds the lease; wait for its pair to land.
		select {
		case <-ctx.Done():
			return pair{}, &RefreshError{Subject: s, Err: ctx.Err()}
		case <-time.After(m.leaseWait):
		}
		cur, err := m.store.Get(ctx, s)
		if err != nil {
			return pair{}, &RefreshError{Subject: s, Err: err}
		}
		if cur.RefreshToken != seen {
			m.log.WithField("subject", s.String()).Debug("refreshed elsewhere, using stored pair")
			return pair{cur.AccessToken, cur.RefreshToken}, nil
		}
	}
}

// refreshLeased calls the refresh endpoint while holding the lease taken
// with until. seen is the refresh token the caller observed.
func (m *Manager) refreshLeased(ctx context.Context, s tokens.Subject, seen string, until time.Time) (pair, error) {
	rec, err := m.store.Get(ctx, s)
	if err != nil {
		m.release(ctx, s, until)
		return pair{}, &RefreshError{Subject: s, Err: err}
	}
	if rec.RefreshToken != seen {
		m.release(ctx, s, until)
		return pair{rec.AccessToken, rec.RefreshToken}, nil
	}

	req := shopee.RefreshRequest{RefreshToken: rec.RefreshToken}
	switch s.Kind {
	case tokens.KindShop:
		req.ShopID = s.ID
	case tokens.KindMerchant:
		req.MerchantID = s.ID
	}

	resp, err := m.api.RefreshAccessToken(ctx, req)
	if err != nil {
		m.release(ctx, s, until)
		// A holder whose lease lapsed mid-call may have rotated the pair,
		// which is what makes our refresh token invalid.
		if cur, gerr := m.store.Get(ctx, s); gerr == nil && cur.RefreshToken != seen {
			m.log.WithField("subject", s.String()).Info("refresh rejected, pair already rotated")
			return pair{cur.AccessToken, cur.RefreshToken}, nil
		}
		return pair{}, &RefreshError{Subject: s, Err: err}
	}

	now := m.now()
	next := *rec
	next.AccessToken = resp.AccessToken
	next.RefreshToken = resp.RefreshToken
	next.TokenExpiry = now.Add(sessionWindow(resp.ExpireIn))
	next.LastRefreshed = now
	next.Active = true

	if err := m.store.Swap(ctx, next, rec.RefreshToken); err != nil {
		m.release(ctx, s, until)
		if !errors.Is(err, tokens.ErrConflict) {
			return pair{}, &RefreshError{Subject: s, Err: err}
		}
		// Another process stored its pair first; that one is authoritative.
		winner, gerr := m.store.Get(ctx, s)
		if gerr != nil {
			return pair{}, &RefreshError{Subject: s, Err: gerr}
		}
		m.log.WithField("subject", s.String()).Info("refresh lost race, using stored pair")
		return pair{winner.AccessToken, winner.RefreshToken}, nil
	}

	m.log.WithField("subject", s.String()).
		WithField("token_expiry", next.TokenExpiry.UTC().Format(time.RFC3339)).
		Info("token refreshed")
	return pair{next.AccessToken, next.RefreshToken}, nil
}

func (m *Manager) release(ctx context.Context, s tokens.Subject, until time.Time) {
	if err := m.store.ReleaseRefreshLease(ctx, s, until); err != nil {
		m.log.WithError(err).WithField("subject", s.String()).Warn("release refresh lease")
	}
}

// Deauthorize marks the entity unauthorized and drops its tokens. Safe to
// repeat.
func (m *Manager) Deauthorize(ctx context.Context, s tokens.Subject) error {
	if err := m.entities.MarkDeauthorized(ctx, s, m.now()); err != nil {
		return err
	}
	if err := m.store.DeleteAll(ctx, s); err != nil {
		return err
	}
	m.log.WithField("subject", s.String()).Info("deauthorized")
	return nil
}
