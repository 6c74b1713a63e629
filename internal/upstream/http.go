package upstream

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/text/language"
)

const (
	// DefaultBaseURL is the production store backend.
	DefaultBaseURL   = "https://android.clients.google.com"
	defaultUserAgent = "Android-Finsky/38.5.24-29 (api=3,versionCode=83852400,sdk=30,device=sargo,hardware=sargo,product=sargo)"
	defaultClientID  = "am-android-google"
	maxSnippet       = 512
)

// HTTPTransport sends requests to the store backend over HTTP.
type HTTPTransport struct {
	baseURL   string
	client    *http.Client
	userAgent string
	clientID  string
	locale    language.Tag
}

// Option customises the HTTP transport.
type Option func(*HTTPTransport)

// WithHTTPClient overrides the client used for backend calls.
func WithHTTPClient(client *http.Client) Option {
	return func(t *HTTPTransport) {
		if client != nil {
			t.client = client
		}
	}
}

// WithUserAgent sets the device user agent sent on every call.
func WithUserAgent(ua string) Option {
	return func(t *HTTPTransport) {
		if ua = strings.TrimSpace(ua); ua != "" {
			t.userAgent = ua
		}
	}
}

// WithClientID sets the X-DFE-Client-Id header value.
func WithClientID(id string) Option {
	return func(t *HTTPTransport) {
		if id = strings.TrimSpace(id); id != "" {
			t.clientID = id
		}
	}
}

// WithLocale sets the Accept-Language header.
func WithLocale(tag language.Tag) Option {
	return func(t *HTTPTransport) {
		if tag != language.Und {
			t.locale = tag
		}
	}
}

// NewHTTPTransport constructs a transport rooted at baseURL.
func NewHTTPTransport(baseURL string, opts ...Option) *HTTPTransport {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	t := &HTTPTransport{
		baseURL:   baseURL,
		client:    &http.Client{Timeout: 30 * time.Second},
		userAgent: defaultUserAgent,
		clientID:  defaultClientID,
		locale:    language.AmericanEnglish,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(t)
		}
	}
	return t
}

// Send performs req and maps the backend status onto the upstream errors.
func (t *HTTPTransport) Send(ctx context.Context, req Request) (Response, error) {
	request, err := t.newRequest(ctx, req)
	if err != nil {
		return Response{}, err
	}
	response, err := t.client.Do(request)
	if err != nil {
		return Response{}, fmt.Errorf("upstream %s: %w", req.Endpoint, err)
	}
	defer response.Body.Close()
	body, err := io.ReadAll(response.Body)
	if err != nil {
		return Response{}, fmt.Errorf("read upstream %s response: %w", req.Endpoint, err)
	}
	switch {
	case response.StatusCode == http.StatusForbidden && req.Endpoint == EndpointDelivery:
		// delivery refusals (region, device) are absence under this identity
		return Response{}, fmt.Errorf("%w: %s returned status %d", ErrNotFound, req.Endpoint, response.StatusCode)
	case response.StatusCode == http.StatusUnauthorized || response.StatusCode == http.StatusForbidden:
		return Response{}, fmt.Errorf("%w: %s returned status %d", ErrUnauthorized, req.Endpoint, response.StatusCode)
	case response.StatusCode == http.StatusNotFound:
		return Response{}, fmt.Errorf("%w: %s returned status %d", ErrNotFound, req.Endpoint, response.StatusCode)
	case response.StatusCode < 200 || response.StatusCode >= 300:
		snippet := string(bytes.TrimSpace(body))
		if len(snippet) > maxSnippet {
			snippet = snippet[:maxSnippet]
		}
		return Response{}, &StatusError{Endpoint: req.Endpoint, StatusCode: response.StatusCode, Snippet: snippet}
	}
	return Response{StatusCode: response.StatusCode, Body: body}, nil
}

func (t *HTTPTransport) newRequest(ctx context.Context, req Request) (*http.Request, error) {
	var (
		request *http.Request
		err     error
	)
	switch req.Endpoint {
	case EndpointAuth:
		request, err = http.NewRequestWithContext(ctx, http.MethodPost, t.baseURL+"/auth", strings.NewReader(req.Params.Encode()))
		if err == nil {
			request.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		}
	case EndpointDetails, EndpointDelivery:
		target := t.baseURL + "/fdfe/" + string(req.Endpoint)
		if len(req.Params) > 0 {
			target += "?" + req.Params.Encode()
		}
		request, err = http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
		if err == nil {
			request.Header.Set("Authorization", "Bearer "+req.Token)
			request.Header.Set("X-DFE-Client-Id", t.clientID)
			request.Header.Set("Accept", "application/x-protobuf")
		}
	default:
		return nil, fmt.Errorf("unknown upstream endpoint %q", req.Endpoint)
	}
	if err != nil {
		return nil, fmt.Errorf("create %s request: %w", req.Endpoint, err)
	}
	request.Header.Set("User-Agent", t.userAgent)
	request.Header.Set("Accept-Language", t.locale.String())
	if req.DeviceID != "" {
		request.Header.Set("X-DFE-Device-Id", req.DeviceID)
	}
	return request, nil
}
