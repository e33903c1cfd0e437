// Package webhook verifies and routes Shopee push notifications.
package webhook

import (
	"encoding/json"
	"strconv"
	"time"

	"github.com/idako2023/frappe-shopee/internal/tokens"
)

// EventCode is the "code" field of a push notification.
type EventCode int

const (
	CodeShopAuthorized         EventCode = 1
	CodeDeauthorized           EventCode = 2
	CodeOrderStatus            EventCode = 3
	CodeTrackingNumber         EventCode = 4
	CodeGeneralUpdate          EventCode = 5
	CodeBannedItem             EventCode = 6
	CodeItemPromotion          EventCode = 7
	CodeReservedStock          EventCode = 8
	CodePromotionUpdate        EventCode = 9
	CodeWebchat                EventCode = 10
	CodeVideoUpload            EventCode = 11
	CodeAuthExpiryNotice       EventCode = 12
	CodeBrandRegisterResult    EventCode = 13
	CodeShippingDocumentStatus EventCode = 15
)

func (c EventCode) String() string {
	switch c {
	case CodeShopAuthorized:
		return "shop_authorized"
	case CodeDeauthorized:
		return "deauthorized"
	case CodeOrderStatus:
		return "order_status"
	case CodeTrackingNumber:
		return "tracking_number"
	case CodeGeneralUpdate:
		return "general_update"
	case CodeBannedItem:
		return "banned_item"
	case CodeItemPromotion:
		return "item_promotion"
	case CodeReservedStock:
		return "reserved_stock"
	case CodePromotionUpdate:
		return "promotion_update"
	case CodeWebchat:
		return "webchat"
	case CodeVideoUpload:
		return "video_upload"
	case CodeAuthExpiryNotice:
		return "auth_expiry_notice"
	case CodeBrandRegisterResult:
		return "brand_register_result"
	case CodeShippingDocumentStatus:
		return "shipping_document_status"
	default:
		return "unknown_" + strconv.Itoa(int(c))
	}
}

// identifiers appear at the top level and, for newer pushes, under "data".
type identifiers struct {
	ShopID         int64   `json:"shop_id"`
	ShopIDList     []int64 `json:"shop_id_list"`
	MerchantID     int64   `json:"merchant_id"`
	MerchantIDList []int64 `json:"merchant_id_list"`
}

type payload struct {
	Code      EventCode       `json:"code"`
	Timestamp int64           `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
	identifiers
}

// Event is a verified notification as forwarded to downstream consumers.
type Event struct {
	Code       EventCode       `json:"code"`
	ShopID     int64           `json:"shop_id,omitempty"`
	MerchantID int64           `json:"merchant_id,omitempty"`
	Timestamp  int64           `json:"timestamp,omitempty"`
	ReceivedAt time.Time       `json:"received_at"`
	Data       json.RawMessage `json:"data,omitempty"`
}

// Subject is the shop, else the merchant, the event belongs to.
func (e Event) Subject() (tokens.Subject, bool) {
	switch {
	case e.ShopID != 0:
		return tokens.Shop(e.ShopID), true
	case e.MerchantID != 0:
		return tokens.Merchant(e.MerchantID), true
	default:
		return tokens.Subject{}, false
	}
}

// deauthSubjects unions the single and list forms of both kinds, top level
// and data, without duplicates and in first-seen order.
func deauthSubjects(p payload) []tokens.Subject {
	sets := []identifiers{p.identifiers}
	if len(p.Data) > 0 {
		var inner identifiers
		if json.Unmarshal(p.Data, &inner) == nil {
			sets = append(sets, inner)
		}
	}

	seen := map[tokens.Subject]bool{}
	var out []tokens.Subject
	add := func(s tokens.Subject) {
		if s.ID == 0 || seen[s] {
			return
		}
		seen[s] = true
		out = append(out, s)
	}
	for _, ids := range sets {
		add(tokens.Shop(ids.ShopID))
		for _, id := range ids.ShopIDList {
			add(tokens.Shop(id))
		}
	}
	for _, ids := range sets {
		add(tokens.Merchant(ids.MerchantID))
		for _, id := range ids.MerchantIDList {
			add(tokens.Merchant(id))
		}
	}
	return out
}
