package entities

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/idako2023/frappe-shopee/internal/db/dbtest"
	"github.com/idako2023/frappe-shopee/internal/logging"
	"github.com/idako2023/frappe-shopee/internal/shopee"
	"github.com/idako2023/frappe-shopee/internal/tokens"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const table = "entities"

var now = time.Date(2024, 5, 10, 8, 0, 0, 0, time.UTC)

func newStore() (*DynamoStore, *dbtest.Fake) {
	fake := dbtest.NewFake()
	s := NewDynamoStore(fake, table)
	s.now = func() time.Time { return now }
	return s, fake
}

type fakeAPI struct {
	shops     map[int64]*shopee.ShopInfo
	merchants map[int64]*shopee.MerchantInfo
	tokens    []string
}

func (f *fakeAPI) GetShopInfo(_ context.Context, at string, id int64) (*shopee.ShopInfo, error) {
	f.tokens = append(f.tokens, at)
	if s, ok := f.shops[id]; ok {
		return s, nil
	}
	return nil, &shopee.APIError{Path: shopee.PathShopInfo, HTTPStatus: 200, Code: "error_param"}
}

func (f *fakeAPI) GetMerchantInfo(_ context.Context, at string, id int64) (*shopee.MerchantInfo, error) {
	f.tokens = append(f.tokens, at)
	if m, ok := f.merchants[id]; ok {
		return m, nil
	}
	return nil, &shopee.APIError{Path: shopee.PathMerchantInfo, HTTPStatus: 200, Code: "error_param"}
}

func TestMerchantStatus(t *testing.T) {
	assert.Equal(t, []string{"Cross-Border", "CNSC"}, MerchantStatus(&shopee.MerchantInfo{IsCNSC: true, MerchantRegion: "KR", IsUpgradedCBSC: true}))
	assert.Equal(t, []string{"Cross-Border", "KRSC"}, MerchantStatus(&shopee.MerchantInfo{MerchantRegion: "KR", IsUpgradedCBSC: true}))
	assert.Equal(t, []string{"UNUPGRADED"}, MerchantStatus(&shopee.MerchantInfo{MerchantRegion: "CN", IsUpgradedCBSC: true}))
}

func TestShopStatus(t *testing.T) {
	assert.Equal(t, []string{"CBSC", "SIP", "Pure-FBS"},
		ShopStatus(&shopee.ShopInfo{ShopCBSC: "CBSC", IsSIP: true, ShopFulfillmentFlag: "Pure - FBS Shop"}))
	assert.Equal(t, []string{"PFF-3PF"}, ShopStatus(&shopee.ShopInfo{ShopFulfillmentFlag: "PFF - 3PF Shop"}))
	assert.Equal(t, []string{"Local", "Others"}, ShopStatus(&shopee.ShopInfo{ShopCBSC: "Local", ShopFulfillmentFlag: "Unknown"}))
}

func TestCompanyName(t *testing.T) {
	assert.Equal(t, "SP_SG_Ac", CompanyName("SG", "Acme"))
	assert.Equal(t, "SP_CN_集团", CompanyName("CN", "集团公司"))
	assert.Equal(t, "SP_B_", CompanyName("B", ""))
}

func TestDynamoStore_UpsertGet(t *testing.T) {
	s, _ := newStore()
	ctx := context.Background()
	e := MerchantEntity(7, &shopee.MerchantInfo{
		MerchantName: "Group", MerchantRegion: "CN", MerchantCurrency: "CNY", IsCNSC: true,
		AuthTime: 1700000000, ExpireTime: 1731536000,
	}, now)
	require.NoError(t, s.Upsert(ctx, e))

	got, err := s.Get(ctx, tokens.Merchant(7))
	require.NoError(t, err)
	assert.Equal(t, "Group", got.Name)
	assert.Equal(t, "SP_CN_Gr", got.CompanyName)
	assert.Equal(t, []string{"Cross-Border", "CNSC"}, got.Status)
	assert.Equal(t, "CNY", got.Currency)
	assert.True(t, got.IsAuthorized)
	assert.True(t, got.IsGroup)
	assert.Equal(t, time.Unix(1700000000, 0).UTC(), got.AuthorizedAt)
	assert.Equal(t, time.Unix(1731536000, 0).UTC(), got.AuthorizationExpiry)
}

func TestDynamoStore_UpsertKeepsLastEvent(t *testing.T) {
	s, fake := newStore()
	ctx := context.Background()
	e := ShopEntity(3, &shopee.ShopInfo{ShopName: "Acme", Region: "SG"}, now)
	require.NoError(t, s.Upsert(ctx, e))
	require.NoError(t, s.RecordEvent(ctx, tokens.Shop(3), 5, now))

	e.Name = "Acme 2"
	require.NoError(t, s.Upsert(ctx, e))

	got, err := s.Get(ctx, tokens.Shop(3))
	require.NoError(t, err)
	assert.Equal(t, "Acme 2", got.Name)
	assert.Equal(t, 5, got.LastEventCode)
	assert.Equal(t, now, got.LastEventAt)
	assert.Equal(t, "5", fake.Item(table, "SHOP#3")["LastEventCode"].(*types.AttributeValueMemberN).Value)
}

func TestDynamoStore_MarkDeauthorized(t *testing.T) {
	s, fake := newStore()
	ctx := context.Background()
	require.NoError(t, s.Upsert(ctx, ShopEntity(3, &shopee.ShopInfo{ShopName: "Acme", Region: "SG"}, now)))

	at := now.Add(time.Hour)
	require.NoError(t, s.MarkDeauthorized(ctx, tokens.Shop(3), at))
	require.NoError(t, s.MarkDeauthorized(ctx, tokens.Shop(3), at.Add(time.Hour)))

	got, err := s.Get(ctx, tokens.Shop(3))
	require.NoError(t, err)
	assert.False(t, got.IsAuthorized)
	assert.Equal(t, at, got.AuthorizationExpiry)

	// Unknown entities are left alone.
	require.NoError(t, s.MarkDeauthorized(ctx, tokens.Shop(99), at))
	assert.Nil(t, fake.Item(table, "SHOP#99"))
}

func TestDynamoStore_RecordEventUnknown(t *testing.T) {
	s, fake := newStore()
	err := s.RecordEvent(context.Background(), tokens.Merchant(1), 3, now)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Nil(t, fake.Item(table, "MERCHANT#1"))
}

func TestDynamoStore_GetMissing(t *testing.T) {
	s, _ := newStore()
	_, err := s.Get(context.Background(), tokens.Shop(1))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSyncer_ShopLinksParentMerchant(t *testing.T) {
	s, _ := newStore()
	api := &fakeAPI{
		merchants: map[int64]*shopee.MerchantInfo{7: {MerchantName: "Group", MerchantRegion: "CN"}},
		shops:     map[int64]*shopee.ShopInfo{3: {ShopName: "Acme", Region: "SG", MerchantID: 7, ShopFulfillmentFlag: "PFF - FBS Shop"}},
	}
	y := NewSyncer(api, s, logging.Discard())
	y.Now = func() time.Time { return now }
	ctx := context.Background()

	_, err := y.Sync(ctx, tokens.Merchant(7), "at")
	require.NoError(t, err)
	shop, err := y.Sync(ctx, tokens.Shop(3), "at")
	require.NoError(t, err)

	assert.Equal(t, int64(7), shop.ParentMerchantID)
	assert.Equal(t, "SP_CN_Gr", shop.ParentCompany)
	assert.Equal(t, []string{"PFF-FBS"}, shop.Status)
	assert.Equal(t, now, shop.AuthorizedAt)
	assert.Equal(t, []string{"at", "at"}, api.tokens)

	stored, err := s.Get(ctx, tokens.Shop(3))
	require.NoError(t, err)
	assert.Equal(t, "SP_CN_Gr", stored.ParentCompany)
	assert.False(t, stored.IsGroup)
}

func TestSyncer_ShopWithoutKnownParent(t *testing.T) {
	s, _ := newStore()
	api := &fakeAPI{shops: map[int64]*shopee.ShopInfo{3: {ShopName: "Acme", Region: "SG", MerchantID: 8}}}
	y := NewSyncer(api, s, logging.Discard())

	shop, err := y.Sync(context.Background(), tokens.Shop(3), "at")
	require.NoError(t, err)
	assert.Equal(t, int64(8), shop.ParentMerchantID)
	assert.Empty(t, shop.ParentCompany)
}

func TestSyncer_APIErrorIsReturned(t *testing.T) {
	s, fake := newStore()
	y := NewSyncer(&fakeAPI{}, s, logging.Discard())

	_, err := y.Sync(context.Background(), tokens.Merchant(1), "at")
	var apiErr *shopee.APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Empty(t, fake.Items(table))
}
