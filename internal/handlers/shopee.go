package handlers

import (
	"context"
	"encoding/base64"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/idako2023/frappe-shopee/internal/lifecycle"
	"github.com/idako2023/frappe-shopee/internal/shopee"
	"github.com/idako2023/frappe-shopee/internal/webhook"

	"github.com/aws/aws-lambda-go/events"
	"github.com/sirupsen/logrus"
)

const (
	RouteAuthLink   = "/integrations/shopee/auth-link"
	RouteDeauthLink = "/integrations/shopee/deauth-link"
	RouteCallback   = "/integrations/shopee/callback"
	RouteWebhook    = "/integrations/shopee/webhook"

	webhookAck = "Webhook processed successfully"
)

type LinkBuilder interface {
	BuildAuthURL(kind shopee.LinkKind, redirectBase string) (string, error)
}

type Exchanger interface {
	ExchangeCode(ctx context.Context, req lifecycle.ExchangeRequest) (*lifecycle.ExchangeResult, error)
}

type Dispatcher interface {
	Dispatch(ctx context.Context, d webhook.Delivery) (webhook.Outcome, error)
}

type ShopeeHandler struct {
	Links        LinkBuilder
	RedirectBase string
	Exchange     Exchanger
	Webhooks     Dispatcher
	// WebhookURL is the signed URL; empty means rebuild it from the request.
	WebhookURL string
	Log        logrus.FieldLogger
}

func (h *ShopeeHandler) Handle(ctx context.Context, req events.APIGatewayV2HTTPRequest) (events.APIGatewayV2HTTPResponse, error) {
	method := req.RequestContext.HTTP.Method
	switch req.RawPath {
	case RouteAuthLink:
		if method != http.MethodGet {
			return errResp(405, "method not allowed")
		}
		return h.link(shopee.LinkAuthorize)
	case RouteDeauthLink:
		if method != http.MethodGet {
			return errResp(405, "method not allowed")
		}
		return h.link(shopee.LinkDeauthorize)
	case RouteCallback:
		if method != http.MethodGet {
			return errResp(405, "method not allowed")
		}
		return h.callback(ctx, req)
	case RouteWebhook:
		if method != http.MethodPost {
			return errResp(405, "method not allowed")
		}
		return h.webhook(ctx, req)
	default:
		return errResp(404, "not found")
	}
}

func (h *ShopeeHandler) link(kind shopee.LinkKind) (events.APIGatewayV2HTTPResponse, error) {
	u, err := h.Links.BuildAuthURL(kind, h.RedirectBase)
	if err != nil {
		h.Log.WithError(err).Error("build shopee auth link")
		return errResp(500, "authorization link unavailable")
	}
	return jsonResp(200, map[string]any{"url": u})
}

func (h *ShopeeHandler) callback(ctx context.Context, req events.APIGatewayV2HTTPRequest) (events.APIGatewayV2HTTPResponse, error) {
	params := req.QueryStringParameters
	code := firstParam(params, "code", "auth_code")
	if code == "" {
		return errResp(400, "missing authorization code")
	}

	var er lifecycle.ExchangeRequest
	er.Code = code
	var err error
	if raw := firstParam(params, "main_account_id", "account_id"); raw != "" {
		if er.MainAccountID, err = strconv.ParseInt(raw, 10, 64); err != nil {
			return errResp(400, "invalid main_account_id")
		}
	}
	if raw := firstParam(params, "shop_id"); raw != "" {
		if er.ShopID, err = strconv.ParseInt(raw, 10, 64); err != nil {
			return errResp(400, "invalid shop_id")
		}
	}
	if er.MainAccountID == 0 && er.ShopID == 0 {
		return errResp(400, "missing main_account_id or shop_id")
	}

	res, err := h.Exchange.ExchangeCode(ctx, er)
	if err != nil {
		h.Log.WithError(err).WithField("main_account_id", er.MainAccountID).Error("shopee code exchange failed")
		status, msg := exchangeFailure(err)
		return errResp(status, msg)
	}

	subjects := make([]string, 0, len(res.Subjects))
	for _, s := range res.Subjects {
		subjects = append(subjects, s.Key())
	}
	profileErrors := make([]string, 0, len(res.ProfileErrors))
	for _, pe := range res.ProfileErrors {
		profileErrors = append(profileErrors, pe.Subject.Key())
	}
	return jsonResp(200, map[string]any{
		"ok":             true,
		"authorized":     subjects,
		"profile_errors": profileErrors,
	})
}

// exchangeFailure turns an exchange error into what the seller sees.
func exchangeFailure(err error) (int, string) {
	var apiErr *shopee.APIError
	switch {
	case errors.As(err, &apiErr):
		msg := "Shopee rejected the authorization"
		if apiErr.Message != "" {
			msg += ": " + apiErr.Message
		}
		return 502, msg
	case errors.Is(err, shopee.ErrIncompleteResponse):
		return 502, "Shopee returned an incomplete token response, please authorize again"
	case errors.Is(err, context.DeadlineExceeded):
		return 504, "Shopee did not respond in time, please try again"
	default:
		return 500, "Authorization failed, please try again"
	}
}

func (h *ShopeeHandler) webhook(ctx context.Context, req events.APIGatewayV2HTTPRequest) (events.APIGatewayV2HTTPResponse, error) {
	body := []byte(req.Body)
	if req.IsBase64Encoded {
		b, err := base64.StdEncoding.DecodeString(req.Body)
		if err != nil {
			return errResp(400, "invalid body encoding")
		}
		body = b
	}

	out, err := h.Webhooks.Dispatch(ctx, webhook.Delivery{
		URL:       h.webhookURL(req),
		Body:      body,
		Signature: header(req.Headers, "Authorization"),
	})
	switch {
	case errors.Is(err, webhook.ErrMisconfigured):
		return errResp(500, "webhook verification not configured")
	case err != nil:
		return errResp(403, "invalid signature")
	}

	h.Log.WithField("event_code", int(out.Code)).
		WithField("known", out.Known).
		WithField("duplicate", out.Duplicate).
		WithField("failures", len(out.Failures)).
		Debug("webhook acknowledged")
	return textResp(200, webhookAck)
}

func (h *ShopeeHandler) webhookURL(req events.APIGatewayV2HTTPRequest) string {
	if h.WebhookURL != "" {
		return h.WebhookURL
	}
	scheme := "https"
	if p := header(req.Headers, "X-Forwarded-Proto"); p != "" {
		scheme = p
	}
	host := req.RequestContext.DomainName
	if host == "" {
		host = header(req.Headers, "Host")
	}
	u := scheme + "://" + host + req.RawPath
	if req.RawQueryString != "" {
		u += "?" + req.RawQueryString
	}
	return u
}

func firstParam(params map[string]string, names ...string) string {
	for _, n := range names {
		if v := strings.TrimSpace(params[n]); v != "" {
			return v
		}
	}
	return ""
}

// header looks name up case-insensitively; HTTP APIs lowercase header names.
func header(headers map[string]string, name string) string {
	if v, ok := headers[strings.ToLower(name)]; ok {
		return v
	}
	for k, v := range headers {
		if strings.EqualFold(k, name) {
			return v
		}
	}
	return ""
}
