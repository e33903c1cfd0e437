package shopee

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"
)

// SignInput holds the base-string parts of a Shopee v2 API signature.
// Zero values are omitted: public calls set none of AccessToken, ShopID and
// MerchantID, shop calls add AccessToken+ShopID, merchant calls AccessToken+MerchantID.
type SignInput struct {
	PartnerID   int64
	Path        string
	Timestamp   int64
	AccessToken string
	ShopID      int64
	MerchantID  int64
}

func (in SignInput) baseString() string {
	var b strings.Builder
	b.WriteString(strconv.FormatInt(in.PartnerID, 10))
	b.WriteString(in.Path)
	b.WriteString(strconv.FormatInt(in.Timestamp, 10))
	if in.AccessToken != "" {
		b.WriteString(in.AccessToken)
	}
	if in.ShopID != 0 {
		b.WriteString(strconv.FormatInt(in.ShopID, 10))
	}
	if in.MerchantID != 0 {
		b.WriteString(strconv.FormatInt(in.MerchantID, 10))
	}
	return b.String()
}

// Sign returns the lowercase hex HMAC-SHA256 of the base string keyed by partnerKey.
func Sign(partnerKey string, in SignInput) string {
	return hmacHex(partnerKey, in.baseString())
}

type VerifyResult int

const (
	VerifyOK VerifyResult = iota
	VerifyBadSignature
	VerifyMisconfigured
)

func (r VerifyResult) String() string {
	switch r {
	case VerifyOK:
		return "ok"
	case VerifyBadSignature:
		return "bad_signature"
	case VerifyMisconfigured:
		return "misconfigured"
	default:
		return "unknown"
	}
}

// VerifyWebhook checks a push notification's Authorization header against
// HMAC-SHA256(partnerKey, url + "|" + body).
func VerifyWebhook(url string, body []byte, partnerKey, provided string) VerifyResult {
	if partnerKey == "" {
		return VerifyMisconfigured
	}
	provided = strings.ToLower(strings.TrimSpace(provided))
	if provided == "" {
		return VerifyBadSignature
	}

	expected := hmacHex(partnerKey, url+"|"+string(body))
	if !hmac.Equal([]byte(expected), []byte(provided)) {
		return VerifyBadSignature
	}
	return VerifyOK
}

func hmacHex(key, msg string) string {
	mac := hmac.New(sha256.New, []byte(key))
	_, _ = mac.Write([]byte(msg))
	return hex.EncodeToString(mac.Sum(nil))
}
