package upstream

import (
	"bytes"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/oauth2"
)

const (
	authService = "oauth2:https://www.googleapis.com/auth/googleplay"
	authApp     = "com.android.vending"
	// defaultTokenLifetime applies when the backend omits an expiry.
	defaultTokenLifetime = time.Hour
)

// AuthParams are the inputs of the token exchange.
type AuthParams struct {
	Email      string
	AASToken   string
	AndroidID  string
	Channel    string
	SDKVersion int
	Country    string
	Language   string
}

// AuthRequest builds the request descriptor for the token exchange.
func AuthRequest(p AuthParams) Request {
	req := Request{Endpoint: EndpointAuth, DeviceID: p.AndroidID}
	req.Params = url.Values{}
	req.Params.Set("Email", p.Email)
	req.Params.Set("Token", p.AASToken)
	req.Params.Set("androidId", p.AndroidID)
	req.Params.Set("service", authService)
	req.Params.Set("app", authApp)
	req.Params.Set("track", p.Channel)
	if p.SDKVersion > 0 {
		req.Params.Set("sdk_version", strconv.Itoa(p.SDKVersion))
	}
	if p.Country != "" {
		req.Params.Set("device_country", p.Country)
	}
	if p.Language != "" {
		req.Params.Set("lang", p.Language)
	}
	return req
}

// ParseAuthResponse decodes the newline separated Key=Value body returned by
// the authentication endpoint. A body carrying Error= or lacking Auth= is a
// rejection.
func ParseAuthResponse(body []byte, now time.Time) (*oauth2.Token, error) {
	values := make(map[string]string)
	for _, line := range bytes.Split(body, []byte("\n")) {
		key, value, ok := strings.Cut(strings.TrimSpace(string(line)), "=")
		if !ok || key == "" {
			continue
		}
		values[key] = value
	}
	if reason := values["Error"]; reason != "" {
		return nil, fmt.Errorf("%w: %s", ErrUnauthorized, reason)
	}
	access := values["Auth"]
	if access == "" {
		return nil, fmt.Errorf("%w: response missing Auth", ErrUnauthorized)
	}
	token := &oauth2.Token{AccessToken: access, TokenType: "Bearer", Expiry: now.Add(defaultTokenLifetime)}
	if raw := values["Expiry"]; raw != "" {
		if unix, err := strconv.ParseInt(raw, 10, 64); err == nil && unix > 0 {
			token.Expiry = time.Unix(unix, 0)
		}
	}
	return token, nil
}

// EncodeAuthResponse renders a successful exchange body.
func EncodeAuthResponse(token string, expiry time.Time) []byte {
	return []byte(fmt.Sprintf("Auth=%s\nExpiry=%d\n", token, expiry.Unix()))
}
