package shopee

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/assert"
)

func referenceHMAC(key, msg string) string {
	mac := hmac.New(sha256.New, []byte(key))
	mac.Write([]byte(msg))
	return hex.EncodeToString(mac.Sum(nil))
}

func TestSign_BaseStringOrder(t *testing.T) {
	in := SignInput{
		PartnerID:   2001887,
		Path:        "/api/v2/shop/get_shop_info",
		Timestamp:   1700000000,
		AccessToken: "tok",
		ShopID:      55,
	}
	assert.Equal(t, referenceHMAC("key", "2001887/api/v2/shop/get_shop_info1700000000tok55"), Sign("key", in))

	merchant := SignInput{PartnerID: 1, Path: "/p", Timestamp: 2, AccessToken: "a", MerchantID: 9}
	assert.Equal(t, referenceHMAC("k", "1/p2a9"), Sign("k", merchant))

	public := SignInput{PartnerID: 1, Path: "/api/v2/auth/token/get", Timestamp: 2}
	assert.Equal(t, referenceHMAC("k", "1/api/v2/auth/token/get2"), Sign("k", public))
}

func TestSign_Deterministic(t *testing.T) {
	in := SignInput{PartnerID: 1, Path: "/a", Timestamp: 100, AccessToken: "t", ShopID: 3}
	first := Sign("key", in)
	assert.Equal(t, first, Sign("key", in))
	assert.Len(t, first, 64)
	assert.Equal(t, first, hex.EncodeToString(mustDecode(t, first)))
}

func TestSign_AnyFieldChangesDigest(t *testing.T) {
	base := SignInput{PartnerID: 1, Path: "/a", Timestamp: 100, AccessToken: "t", ShopID: 3}
	sig := Sign("key", base)

	variants := map[string]SignInput{
		"path":      {PartnerID: 1, Path: "/b", Timestamp: 100, AccessToken: "t", ShopID: 3},
		"timestamp": {PartnerID: 1, Path: "/a", Timestamp: 101, AccessToken: "t", ShopID: 3},
		"token":     {PartnerID: 1, Path: "/a", Timestamp: 100, AccessToken: "u", ShopID: 3},
		"shop":      {PartnerID: 1, Path: "/a", Timestamp: 100, AccessToken: "t", ShopID: 4},
		"partner":   {PartnerID: 2, Path: "/a", Timestamp: 100, AccessToken: "t", ShopID: 3},
	}
	for name, in := range variants {
		assert.NotEqual(t, sig, Sign("key", in), name)
	}
	assert.NotEqual(t, sig, Sign("other", base))
}

func TestVerifyWebhook(t *testing.T) {
	url := "https://erp.example.com/integrations/shopee/webhook"
	body := []byte(`{"code":3,"shop_id":5}`)
	sig := referenceHMAC("pk", url+"|"+string(body))

	assert.Equal(t, VerifyOK, VerifyWebhook(url, body, "pk", sig))
	assert.Equal(t, VerifyOK, VerifyWebhook(url, body, "pk", " "+sig+"\n"))

	tampered := []byte(`{"code":3,"shop_id":6}`)
	assert.Equal(t, VerifyBadSignature, VerifyWebhook(url, tampered, "pk", sig))
	assert.Equal(t, VerifyBadSignature, VerifyWebhook(url+"?x=1", body, "pk", sig))
	assert.Equal(t, VerifyBadSignature, VerifyWebhook(url, body, "pk", flipLast(sig)))
	assert.Equal(t, VerifyBadSignature, VerifyWebhook(url, body, "pk", ""))
	assert.Equal(t, VerifyMisconfigured, VerifyWebhook(url, body, "", sig))
}

func TestVerifyResult_String(t *testing.T) {
	assert.Equal(t, "ok", VerifyOK.String())
	assert.Equal(t, "bad_signature", VerifyBadSignature.String())
	assert.Equal(t, "misconfigured", VerifyMisconfigured.String())
}

func flipLast(s string) string {
	if s[len(s)-1] == '0' {
		return s[:len(s)-1] + "1"
	}
	return s[:len(s)-1] + "0"
}

func mustDecode(t *testing.T, s string) []byte {
	t.Helper()
	b, err := hex.DecodeString(s)
	if err != nil {
		t.Fatalf("decode %q: %v", s, err)
	}
	return b
}
