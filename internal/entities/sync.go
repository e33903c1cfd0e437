package entities

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/idako2023/frappe-shopee/internal/shopee"
	"github.com/idako2023/frappe-shopee/internal/tokens"

	"github.com/sirupsen/logrus"
)

const (
	StatusCrossBorder = "Cross-Border"
	StatusCNSC        = "CNSC"
	StatusKRSC        = "KRSC"
	StatusUnupgraded  = "UNUPGRADED"
	StatusSIP         = "SIP"
	StatusOthers      = "Others"
)

var fulfillmentStatus = map[string]string{
	"Pure - FBS Shop": "Pure-FBS",
	"Pure - 3PF Shop": "Pure-3PF",
	"PFF - FBS Shop":  "PFF-FBS",
	"PFF - 3PF Shop":  "PFF-3PF",
}

// CompanyName is SP_<region[:2]>_<name[:2]>, cut on runes.
func CompanyName(region, name string) string {
	return fmt.Sprintf("SP_%s_%s", prefix(region, 2), prefix(name, 2))
}

func prefix(s string, n int) string {
	r := []rune(s)
	if len(r) > n {
		r = r[:n]
	}
	return string(r)
}

func MerchantStatus(info *shopee.MerchantInfo) []string {
	switch {
	case info.IsCNSC:
		return []string{StatusCrossBorder, StatusCNSC}
	case info.MerchantRegion == "KR" && info.IsUpgradedCBSC:
		return []string{StatusCrossBorder, StatusKRSC}
	default:
		return []string{StatusUnupgraded}
	}
}

func ShopStatus(info *shopee.ShopInfo) []string {
	var st []string
	if info.ShopCBSC != "" {
		st = append(st, info.ShopCBSC)
	}
	if info.IsSIP {
		st = append(st, StatusSIP)
	}
	if f, ok := fulfillmentStatus[info.ShopFulfillmentFlag]; ok {
		st = append(st, f)
	} else {
		st = append(st, StatusOthers)
	}
	return st
}

func unixOr(sec int64, fallback time.Time) time.Time {
	if sec == 0 {
		return fallback
	}
	return time.Unix(sec, 0).UTC()
}

func MerchantEntity(merchantID int64, info *shopee.MerchantInfo, now time.Time) Entity {
	return Entity{
		Subject:             tokens.Merchant(merchantID),
		Name:                info.MerchantName,
		CompanyName:         CompanyName(info.MerchantRegion, info.MerchantName),
		Status:              MerchantStatus(info),
		Region:              info.MerchantRegion,
		Currency:            info.MerchantCurrency,
		IsAuthorized:        true,
		IsGroup:             true,
		AuthorizedAt:        unixOr(info.AuthTime, now),
		AuthorizationExpiry: unixOr(info.ExpireTime, now),
	}
}

func ShopEntity(shopID int64, info *shopee.ShopInfo, now time.Time) Entity {
	return Entity{
		Subject:             tokens.Shop(shopID),
		Name:                info.ShopName,
		CompanyName:         CompanyName(info.Region, info.ShopName),
		Status:              ShopStatus(info),
		Region:              info.Region,
		IsAuthorized:        true,
		AuthorizedAt:        unixOr(info.AuthTime, now),
		AuthorizationExpiry: unixOr(info.ExpireTime, now),
		ParentMerchantID:    info.MerchantID,
	}
}

// ProfileAPI is the part of the marketplace client used for profile sync.
type ProfileAPI interface {
	GetShopInfo(ctx context.Context, accessToken string, shopID int64) (*shopee.ShopInfo, error)
	GetMerchantInfo(ctx context.Context, accessToken string, merchantID int64) (*shopee.MerchantInfo, error)
}

// Syncer refreshes entity profiles from the marketplace.
type Syncer struct {
	API   ProfileAPI
	Store Store
	Log   logrus.FieldLogger
	Now   func() time.Time
}

func NewSyncer(api ProfileAPI, store Store, log logrus.FieldLogger) *Syncer {
	return &Syncer{API: api, Store: store, Log: log, Now: time.Now}
}

// Sync fetches and stores the profile of s using accessToken.
func (y *Syncer) Sync(ctx context.Context, s tokens.Subject, accessToken string) (*Entity, error) {
	switch s.Kind {
	case tokens.KindMerchant:
		return y.syncMerchant(ctx, s.ID, accessToken)
	case tokens.KindShop:
		return y.syncShop(ctx, s.ID, accessToken)
	default:
		return nil, fmt.Errorf("sync %s: unsupported kind", s)
	}
}

func (y *Syncer) syncMerchant(ctx context.Context, id int64, accessToken string) (*Entity, error) {
	info, err := y.API.GetMerchantInfo(ctx, accessToken, id)
	if err != nil {
		return nil, fmt.Errorf("fetch merchant %d: %w", id, err)
	}
	e := MerchantEntity(id, info, y.Now())
	if err := y.Store.Upsert(ctx, e); err != nil {
		return nil, err
	}
	return &e, nil
}

func (y *Syncer) syncShop(ctx context.Context, id int64, accessToken string) (*Entity, error) {
	info, err := y.API.GetShopInfo(ctx, accessToken, id)
	if err != nil {
		return nil, fmt.Errorf("fetch shop %d: %w", id, err)
	}
	e := ShopEntity(id, info, y.Now())

	if e.ParentMerchantID != 0 {
		parent, err := y.Store.Get(ctx, tokens.Merchant(e.ParentMerchantID))
		switch {
		case err == nil:
			e.ParentCompany = parent.CompanyName
		case errors.Is(err, ErrNotFound):
			y.Log.WithField("subject", e.Subject.String()).
				WithField("merchant_id", e.ParentMerchantID).
				Info("parent merchant not synced yet")
		default:
			return nil, err
		}
	}

	if err := y.Store.Upsert(ctx, e); err != nil {
		return nil, err
	}
	return &e, nil
}
