package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/idako2023/frappe-shopee/internal/shopee"
	"github.com/idako2023/frappe-shopee/internal/tokens"

	"github.com/sirupsen/logrus"
)

var (
	ErrSignature     = errors.New("webhook signature mismatch")
	ErrMisconfigured = errors.New("webhook partner key not configured")
)

type Deauthorizer interface {
	Deauthorize(ctx context.Context, s tokens.Subject) error
}

// Claimer reports whether an identical delivery was already processed.
type Claimer interface {
	Claim(ctx context.Context, body []byte, code EventCode) (duplicate bool, err error)
}

type Forwarder interface {
	Forward(ctx context.Context, ev Event) error
}

// Delivery is one inbound push as received by the HTTP layer.
type Delivery struct {
	URL       string
	Body      []byte
	Signature string
}

// Outcome describes how an acknowledged delivery was handled.
type Outcome struct {
	Code         EventCode
	Known        bool
	Malformed    bool
	Duplicate    bool
	Forwarded    bool
	Deauthorized []tokens.Subject
	// Failures are handler errors that were logged and swallowed.
	Failures []error
}

type Dispatcher struct {
	PartnerKey string
	Deauth     Deauthorizer
	// Dedupe and Forward are optional.
	Dedupe  Claimer
	Forward Forwarder
	Log     logrus.FieldLogger
	Now     func() time.Time
}

func NewDispatcher(partnerKey string, deauth Deauthorizer, log logrus.FieldLogger) *Dispatcher {
	return &Dispatcher{PartnerKey: partnerKey, Deauth: deauth, Log: log, Now: time.Now}
}

// Dispatch verifies d and routes it by event code. Only verification failures
// are returned as errors; everything after that is acknowledged.
func (w *Dispatcher) Dispatch(ctx context.Context, d Delivery) (Outcome, error) {
	switch shopee.VerifyWebhook(d.URL, d.Body, w.PartnerKey, d.Signature) {
	case shopee.VerifyOK:
	case shopee.VerifyMisconfigured:
		w.Log.WithField("url", d.URL).Error("partner key missing, cannot verify webhook")
		return Outcome{}, ErrMisconfigured
	default:
		w.Log.WithField("url", d.URL).Warn("webhook signature mismatch")
		return Outcome{}, ErrSignature
	}

	var p payload
	if err := json.Unmarshal(d.Body, &p); err != nil {
		w.Log.WithError(err).Warn("malformed webhook payload")
		return Outcome{Malformed: true}, nil
	}
	out := Outcome{Code: p.Code}
	log := w.Log.WithField("event_code", int(p.Code))

	if w.Dedupe != nil {
		dup, err := w.Dedupe.Claim(ctx, d.Body, p.Code)
		switch {
		case err != nil:
			log.WithError(err).Warn("webhook dedupe claim failed, processing anyway")
		case dup:
			log.Info("duplicate webhook delivery skipped")
			out.Duplicate = true
			return out, nil
		}
	}

	switch p.Code {
	case CodeDeauthorized:
		out.Known = true
		w.deauthorize(ctx, p, &out, log)
	case CodeShopAuthorized, CodeOrderStatus, CodeTrackingNumber, CodeGeneralUpdate,
		CodeBannedItem, CodeItemPromotion, CodeReservedStock, CodePromotionUpdate,
		CodeWebchat, CodeVideoUpload, CodeAuthExpiryNotice, CodeBrandRegisterResult,
		CodeShippingDocumentStatus:
		out.Known = true
		w.forward(ctx, p, &out, log)
	default:
		log.WithField("body", string(d.Body)).Warn("no handler for webhook event code")
	}
	return out, nil
}

func (w *Dispatcher) deauthorize(ctx context.Context, p payload, out *Outcome, log logrus.FieldLogger) {
	for _, s := range deauthSubjects(p) {
		if err := w.Deauth.Deauthorize(ctx, s); err != nil {
			log.WithError(err).WithField("subject", s.String()).Error("deauthorization failed")
			out.Failures = append(out.Failures, err)
			continue
		}
		out.Deauthorized = append(out.Deauthorized, s)
	}
	log.WithField("subjects", len(out.Deauthorized)).Info("deauthorization processed")
}

func (w *Dispatcher) forward(ctx context.Context, p payload, out *Outcome, log logrus.FieldLogger) {
	if w.Forward == nil {
		log.Debug("webhook event received, forwarding disabled")
		return
	}
	ev := Event{
		Code:       p.Code,
		ShopID:     p.ShopID,
		MerchantID: p.MerchantID,
		Timestamp:  p.Timestamp,
		ReceivedAt: w.Now().UTC(),
		Data:       p.Data,
	}
	if err := w.Forward.Forward(ctx, ev); err != nil {
		log.WithError(err).Error("webhook forward failed")
		out.Failures = append(out.Failures, err)
		return
	}
	out.Forwarded = true
}
