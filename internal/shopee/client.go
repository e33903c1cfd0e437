package shopee

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

const (
	PathTokenGet       = "/api/v2/auth/token/get"
	PathAccessTokenGet = "/api/v2/auth/access_token/get"
	PathShopInfo       = "/api/v2/shop/get_shop_info"
	PathMerchantInfo   = "/api/v2/merchant/get_merchant_info"

	maxResponseBytes = 1 << 20
)

// ErrIncompleteResponse is returned when a 2xx token response lacks the token pair.
var ErrIncompleteResponse = errors.New("shopee: incomplete token response")

// APIError is a non-2xx reply or a reply carrying a non-empty "error" field.
type APIError struct {
	Path       string
	HTTPStatus int
	Code       string
	Message    string
	RequestID  string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("shopee %s: http %d: %s: %s (request_id=%s)", e.Path, e.HTTPStatus, e.Code, e.Message, e.RequestID)
	}
	return fmt.Sprintf("shopee %s: http %d: %s", e.Path, e.HTTPStatus, e.Message)
}

// Credentials identify the integrating application on the open platform.
type Credentials struct {
	PartnerID  int64
	PartnerKey string
}

type Client struct {
	HTTPClient *http.Client
	Host       string
	Creds      Credentials
	Now        func() time.Time
}

func NewClient(host string, creds Credentials, timeout time.Duration) *Client {
	return &Client{
		HTTPClient: &http.Client{Timeout: timeout},
		Host:       host,
		Creds:      creds,
		Now:        time.Now,
	}
}

type apiStatus struct {
	RequestID string `json:"request_id"`
	Error     string `json:"error"`
	Message   string `json:"message"`
}

func (s *apiStatus) status() *apiStatus { return s }

type statusCarrier interface {
	status() *apiStatus
}

type TokenRequest struct {
	Code          string
	MainAccountID int64
	ShopID        int64
}

type TokenResponse struct {
	apiStatus
	AccessToken    string  `json:"access_token"`
	RefreshToken   string  `json:"refresh_token"`
	ExpireIn       int64   `json:"expire_in"`
	MerchantIDList []int64 `json:"merchant_id_list"`
	ShopIDList     []int64 `json:"shop_id_list"`
	SupplierIDList []int64 `json:"supplier_id_list"`
	ShopID         int64   `json:"shop_id"`
	MerchantID     int64   `json:"merchant_id"`
}

// GetAccessToken exchanges an authorization code for a token pair.
func (c *Client) GetAccessToken(ctx context.Context, req TokenRequest) (*TokenResponse, error) {
	body := map[string]any{
		"code":       req.Code,
		"partner_id": c.Creds.PartnerID,
	}
	if req.MainAccountID != 0 {
		body["main_account_id"] = req.MainAccountID
	}
	if req.ShopID != 0 {
		body["shop_id"] = req.ShopID
	}

	var out TokenResponse
	if err := c.postPublic(ctx, PathTokenGet, body, &out); err != nil {
		return nil, err
	}
	if out.AccessToken == "" || out.RefreshToken == "" {
		return nil, fmt.Errorf("%s: %w", PathTokenGet, ErrIncompleteResponse)
	}
	return &out, nil
}

type RefreshRequest struct {
	RefreshToken string
	ShopID       int64
	MerchantID   int64
}

// RefreshAccessToken trades a refresh token for a new pair. Shopee invalidates
// the old refresh token once this succeeds.
func (c *Client) RefreshAccessToken(ctx context.Context, req RefreshRequest) (*TokenResponse, error) {
	body := map[string]any{
		"refresh_token": req.RefreshToken,
		"partner_id":    c.Creds.PartnerID,
	}
	if req.ShopID != 0 {
		body["shop_id"] = req.ShopID
	}
	if req.MerchantID != 0 {
		body["merchant_id"] = req.MerchantID
	}

	var out TokenResponse
	if err := c.postPublic(ctx, PathAccessTokenGet, body, &out); err != nil {
		return nil, err
	}
	if out.AccessToken == "" || out.RefreshToken == "" {
		return nil, fmt.Errorf("%s: %w", PathAccessTokenGet, ErrIncompleteResponse)
	}
	return &out, nil
}

type ShopInfo struct {
	apiStatus
	ShopName            string `json:"shop_name"`
	Region              string `json:"region"`
	Status              string `json:"status"`
	ShopCBSC            string `json:"shop_cbsc"`
	IsSIP               bool   `json:"is_sip"`
	IsCB                bool   `json:"is_cb"`
	ShopFulfillmentFlag string `json:"shop_fulfillment_flag"`
	AuthTime            int64  `json:"auth_time"`
	ExpireTime          int64  `json:"expire_time"`
	MerchantID          int64  `json:"merchant_id"`
}

func (c *Client) GetShopInfo(ctx context.Context, accessToken string, shopID int64) (*ShopInfo, error) {
	var out ShopInfo
	in := SignInput{Path: PathShopInfo, AccessToken: accessToken, ShopID: shopID}
	q := url.Values{}
	q.Set("access_token", accessToken)
	q.Set("shop_id", strconv.FormatInt(shopID, 10))
	if err := c.getSigned(ctx, in, q, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

type MerchantInfo struct {
	apiStatus
	MerchantName     string `json:"merchant_name"`
	MerchantRegion   string `json:"merchant_region"`
	MerchantCurrency string `json:"merchant_currency"`
	IsCNSC           bool   `json:"is_cnsc"`
	IsUpgradedCBSC   bool   `json:"is_upgraded_cbsc"`
	AuthTime         int64  `json:"auth_time"`
	ExpireTime       int64  `json:"expire_time"`
}

func (c *Client) GetMerchantInfo(ctx context.Context, accessToken string, merchantID int64) (*MerchantInfo, error) {
	var out MerchantInfo
	in := SignInput{Path: PathMerchantInfo, AccessToken: accessToken, MerchantID: merchantID}
	q := url.Values{}
	q.Set("access_token", accessToken)
	q.Set("merchant_id", strconv.FormatInt(merchantID, 10))
	if err := c.getSigned(ctx, in, q, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// signedQuery fills partner_id, timestamp and sign for in (PartnerID and
// Timestamp are set here).
func (c *Client) signedQuery(in SignInput, q url.Values) url.Values {
	if q == nil {
		q = url.Values{}
	}
	in.PartnerID = c.Creds.PartnerID
	in.Timestamp = c.Now().Unix()
	q.Set("partner_id", strconv.FormatInt(in.PartnerID, 10))
	q.Set("timestamp", strconv.FormatInt(in.Timestamp, 10))
	q.Set("sign", Sign(c.Creds.PartnerKey, in))
	return q
}

func (c *Client) postPublic(ctx context.Context, path string, body any, out statusCarrier) error {
	q := c.signedQuery(SignInput{Path: path}, nil)
	b, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal %s body: %w", path, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.Host+path+"?"+q.Encode(), bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, path, out)
}

func (c *Client) getSigned(ctx context.Context, in SignInput, q url.Values, out statusCarrier) error {
	q = c.signedQuery(in, q)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.Host+in.Path+"?"+q.Encode(), nil)
	if err != nil {
		return err
	}
	return c.do(req, in.Path, out)
}

func (c *Client) do(req *http.Request, path string, out statusCarrier) error {
	res, err := c.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("shopee %s: %w", path, err)
	}
	defer res.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(res.Body, maxResponseBytes))
	if err != nil {
		return fmt.Errorf("shopee %s: read body: %w", path, err)
	}

	// Error replies still carry the JSON envelope; decode best effort first.
	decodeErr := json.Unmarshal(raw, out)
	st := out.status()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		msg := st.Message
		if decodeErr != nil || (msg == "" && st.Error == "") {
			msg = string(raw)
		}
		return &APIError{Path: path, HTTPStatus: res.StatusCode, Code: st.Error, Message: msg, RequestID: st.RequestID}
	}
	if decodeErr != nil {
		return fmt.Errorf("shopee %s: decode response: %w", path, decodeErr)
	}
	if st.Error != "" {
		return &APIError{Path: path, HTTPStatus: res.StatusCode, Code: st.Error, Message: st.Message, RequestID: st.RequestID}
	}
	return nil
}
