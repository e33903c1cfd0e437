package shopee

import (
	"errors"
	"net/url"
	"strings"
)

const (
	PathAuthPartner       = "/api/v2/shop/auth_partner"
	PathCancelAuthPartner = "/api/v2/shop/cancel_auth_partner"

	AuthCallbackPath   = "/auth-callback"
	DeauthCallbackPath = "/deauth-callback"
)

type LinkKind int

const (
	LinkAuthorize LinkKind = iota
	LinkDeauthorize
)

// BuildAuthURL returns the partner authorization (or cancellation) page the
// seller is redirected to. redirectBase is the frontend origin that receives
// the callback.
func (c *Client) BuildAuthURL(kind LinkKind, redirectBase string) (string, error) {
	redirectBase = strings.TrimRight(strings.TrimSpace(redirectBase), "/")
	if redirectBase == "" {
		return "", errors.New("shopee: redirect base not configured")
	}

	path, callback := PathAuthPartner, AuthCallbackPath
	if kind == LinkDeauthorize {
		path, callback = PathCancelAuthPartner, DeauthCallbackPath
	}

	q := c.signedQuery(SignInput{Path: path}, nil)
	q.Set("redirect", redirectBase+callback)

	u, err := url.Parse(c.Host + path)
	if err != nil {
		return "", err
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}
