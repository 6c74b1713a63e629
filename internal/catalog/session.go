package catalog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/oauth2"

	"sniff/internal/channel"
	"sniff/internal/models"
	"sniff/internal/observability/logging"
	"sniff/internal/observability/metrics"
	"sniff/internal/upstream"
)

// expiryDelta is how long before its expiry a token is treated as stale.
const expiryDelta = 30 * time.Second

// Session is an authenticated client bound to one channel. It owns the
// channel's bearer token and re-authenticates at most once per request when
// the backend rejects it.
type Session struct {
	channel   channel.Channel
	creds     Credentials
	deviceID  string
	transport upstream.Transport
	timeout   time.Duration
	now       func() time.Time
	logger    *slog.Logger
	metrics   *metrics.Recorder

	// authMu serialises token exchanges; mu guards the token cell.
	authMu sync.Mutex
	mu     sync.RWMutex
	token  *oauth2.Token

	invalid  atomic.Bool
	lastUsed atomic.Int64
}

// Channel reports the channel the session is scoped to.
func (s *Session) Channel() channel.Channel { return s.channel }

// Valid reports whether the session may still be used. A session becomes
// invalid once the backend rejected its credential twice in a row.
func (s *Session) Valid() bool { return !s.invalid.Load() }

// LastUsed reports when the session last served a request.
func (s *Session) LastUsed() time.Time { return time.Unix(0, s.lastUsed.Load()) }

func (s *Session) touch() { s.lastUsed.Store(s.now().UnixNano()) }

func (s *Session) fresh(token *oauth2.Token) bool {
	if token == nil || token.AccessToken == "" {
		return false
	}
	return token.Expiry.IsZero() || s.now().Before(token.Expiry.Add(-expiryDelta))
}

// FetchDetails retrieves the details document for packageName. found is
// false when the backend reports the package absent on this channel.
func (s *Session) FetchDetails(ctx context.Context, packageName string) (models.DetailsDocument, bool, error) {
	resp, err := s.call(ctx, func(token string) upstream.Request {
		return upstream.DetailsRequest(token, s.deviceID, packageName)
	})
	if errors.Is(err, upstream.ErrNotFound) {
		return models.DetailsDocument{}, false, nil
	}
	if err != nil {
		return models.DetailsDocument{}, false, classify(upstream.EndpointDetails, err)
	}
	doc, err := upstream.DecodeDetails(resp.Body)
	if errors.Is(err, upstream.ErrNotFound) {
		return models.DetailsDocument{}, false, nil
	}
	if err != nil {
		return models.DetailsDocument{}, false, classify(upstream.EndpointDetails, err)
	}
	return doc, true, nil
}

// FetchDelivery retrieves the download bundle for packageName at
// versionCode. A versionCode of zero or less resolves the latest version
// from the details document first; a package without details is absent and
// a document without a version code is ErrNoVersionAvailable. entitled is
// false when the backend refuses the download or reports the package absent.
func (s *Session) FetchDelivery(ctx context.Context, packageName string, versionCode int32) (models.DownloadBundle, bool, error) {
	if versionCode <= 0 {
		doc, found, err := s.FetchDetails(ctx, packageName)
		if err != nil {
			return models.DownloadBundle{}, false, err
		}
		if !found {
			return models.DownloadBundle{}, false, nil
		}
		latest, ok := doc.VersionCode()
		if !ok || latest <= 0 {
			return models.DownloadBundle{}, false, fmt.Errorf("%w: %s on %s", ErrNoVersionAvailable, packageName, s.channel)
		}
		versionCode = latest
	}
	resp, err := s.call(ctx, func(token string) upstream.Request {
		return upstream.DeliveryRequest(token, s.deviceID, packageName, versionCode)
	})
	if errors.Is(err, upstream.ErrNotFound) {
		return models.DownloadBundle{}, false, nil
	}
	if err != nil {
		return models.DownloadBundle{}, false, classify(upstream.EndpointDelivery, err)
	}
	bundle, entitled, err := upstream.DecodeDelivery(resp.Body, packageName, versionCode)
	if errors.Is(err, upstream.ErrNotFound) {
		return models.DownloadBundle{}, false, nil
	}
	if err != nil {
		return models.DownloadBundle{}, false, classify(upstream.EndpointDelivery, err)
	}
	return bundle, entitled, nil
}

// call sends a catalog request with the current token. On a rejection it
// re-authenticates once and retries once; a second rejection invalidates the
// session.
func (s *Session) call(ctx context.Context, build func(token string) upstream.Request) (upstream.Response, error) {
	if s.invalid.Load() {
		return upstream.Response{}, fmt.Errorf("%w: %s session invalidated", ErrAuthenticationFailed, s.channel)
	}
	s.touch()

	token, err := s.currentToken(ctx)
	if err != nil {
		return upstream.Response{}, err
	}
	resp, err := s.send(ctx, build(token.AccessToken))
	if !errors.Is(err, upstream.ErrUnauthorized) {
		return resp, err
	}

	s.logger.Info("token rejected, re-authenticating", "token", logging.Fingerprint(token.AccessToken))
	token, err = s.refresh(ctx, token)
	if err != nil {
		return upstream.Response{}, err
	}
	resp, err = s.send(ctx, build(token.AccessToken))
	if errors.Is(err, upstream.ErrUnauthorized) {
		s.invalid.Store(true)
		s.logger.Warn("token rejected after re-authentication", "token", logging.Fingerprint(token.AccessToken))
		return upstream.Response{}, fmt.Errorf("%w: %s retried request rejected: %w", ErrAuthenticationFailed, s.channel, err)
	}
	return resp, err
}

func (s *Session) currentToken(ctx context.Context) (*oauth2.Token, error) {
	s.mu.RLock()
	token := s.token
	s.mu.RUnlock()
	if s.fresh(token) {
		return token, nil
	}
	return s.refresh(ctx, token)
}

// refresh replaces stale with a new token. When another caller already
// replaced it, the newer token is returned without another exchange.
func (s *Session) refresh(ctx context.Context, stale *oauth2.Token) (*oauth2.Token, error) {
	s.authMu.Lock()
	defer s.authMu.Unlock()

	s.mu.RLock()
	current := s.token
	s.mu.RUnlock()
	if current != nil && current != stale && s.fresh(current) {
		return current, nil
	}

	token, err := s.exchange(ctx)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.token = token
	s.mu.Unlock()
	return token, nil
}

func (s *Session) exchange(ctx context.Context) (*oauth2.Token, error) {
	resp, err := s.send(ctx, upstream.AuthRequest(s.creds.authParams(s.channel)))
	if err == nil {
		var token *oauth2.Token
		token, err = upstream.ParseAuthResponse(resp.Body, s.now())
		if err == nil {
			s.metrics.ObserveAuthExchange(s.channel.String(), "ok")
			s.logger.Debug("token issued", "token", logging.Fingerprint(token.AccessToken), "expiry", token.Expiry)
			return token, nil
		}
	}
	if errors.Is(err, upstream.ErrUnauthorized) {
		s.invalid.Store(true)
		s.metrics.ObserveAuthExchange(s.channel.String(), "rejected")
		s.logger.Warn("token exchange rejected", "error", err)
		return nil, fmt.Errorf("%w: %s token exchange: %w", ErrAuthenticationFailed, s.channel, err)
	}
	s.metrics.ObserveAuthExchange(s.channel.String(), "error")
	return nil, classify(upstream.EndpointAuth, err)
}

// send performs one transport call bounded by the session timeout.
func (s *Session) send(ctx context.Context, req upstream.Request) (upstream.Response, error) {
	callCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	start := time.Now()
	resp, err := s.transport.Send(callCtx, req)
	s.metrics.ObserveUpstreamCall(string(req.Endpoint), outcome(err), time.Since(start))
	return resp, err
}
