package catalog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"sniff/internal/channel"
	"sniff/internal/observability/logging"
	"sniff/internal/observability/metrics"
	"sniff/internal/upstream"
)

const defaultCallTimeout = 15 * time.Second

// Option configures a Registry.
type Option func(*Registry)

// WithCallTimeout bounds every upstream call made by the registry's sessions.
func WithCallTimeout(timeout time.Duration) Option {
	return func(r *Registry) {
		if timeout > 0 {
			r.timeout = timeout
		}
	}
}

// WithLogger sets the logger used by the registry and its sessions.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Registry) {
		if logger != nil {
			r.base = logger
		}
	}
}

// WithMetrics sets the recorder used for upstream and session metrics.
func WithMetrics(recorder *metrics.Recorder) Option {
	return func(r *Registry) {
		if recorder != nil {
			r.metrics = recorder
		}
	}
}

// WithClock overrides the time source used for token expiry and idleness.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) {
		if now != nil {
			r.now = now
		}
	}
}

// Registry caches one authenticated Session per channel. Concurrent callers
// for a channel without a session share a single authentication exchange.
type Registry struct {
	creds     Credentials
	transport upstream.Transport
	timeout   time.Duration
	now       func() time.Time
	base      *slog.Logger
	logger    *slog.Logger
	metrics   *metrics.Recorder

	mu       sync.Mutex
	sessions map[channel.Channel]*Session
	group    singleflight.Group
}

// NewRegistry constructs an empty registry. Sessions are created lazily on
// first use.
func NewRegistry(creds Credentials, transport upstream.Transport, opts ...Option) *Registry {
	r := &Registry{
		creds:     creds,
		transport: transport,
		timeout:   defaultCallTimeout,
		now:       time.Now,
		base:      slog.Default(),
		metrics:   metrics.Default(),
		sessions:  make(map[channel.Channel]*Session),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	r.logger = logging.WithComponent(r.base, "registry")
	return r
}

// Get returns the channel's cached session, authenticating a new one when
// none exists or the cached one was invalidated.
func (r *Registry) Get(ctx context.Context, ch channel.Channel) (*Session, error) {
	if !ch.Valid() {
		return nil, &channel.InvalidChannelError{Value: ch.String()}
	}
	if s := r.cached(ch); s != nil {
		return s, nil
	}

	result := r.group.DoChan(ch.String(), func() (any, error) {
		if s := r.cached(ch); s != nil {
			return s, nil
		}
		s := r.newSession(ch)
		// The exchange outlives a cancelled caller so waiters sharing it
		// still get a session.
		authCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.timeout)
		defer cancel()
		if _, err := s.refresh(authCtx, nil); err != nil {
			return nil, err
		}
		s.touch()
		r.mu.Lock()
		r.sessions[ch] = s
		r.mu.Unlock()
		r.metrics.SessionOpened()
		r.logger.Info("session established", "channel", ch.String())
		return s, nil
	})

	select {
	case res := <-result:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Session), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// cached returns the valid session for ch, dropping an invalid one.
func (r *Registry) cached(ch channel.Channel) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[ch]
	if !ok {
		return nil
	}
	if s.Valid() {
		return s
	}
	delete(r.sessions, ch)
	r.metrics.SessionClosed()
	r.logger.Info("invalid session dropped", "channel", ch.String())
	return nil
}

func (r *Registry) newSession(ch channel.Channel) *Session {
	return &Session{
		channel:   ch,
		creds:     r.creds,
		deviceID:  r.creds.ChannelDeviceID(ch),
		transport: r.transport,
		timeout:   r.timeout,
		now:       r.now,
		logger:    logging.WithComponent(r.base, "catalog").With("channel", ch.String()),
		metrics:   r.metrics,
	}
}

// Use runs fn with the channel's session. The session is evicted when fn
// fails with ErrAuthenticationFailed.
func (r *Registry) Use(ctx context.Context, ch channel.Channel, fn func(*Session) error) error {
	s, err := r.Get(ctx, ch)
	if err != nil {
		return err
	}
	err = fn(s)
	if errors.Is(err, ErrAuthenticationFailed) {
		r.evict(ch, s)
	}
	return err
}

// Evict drops the channel's session so the next Get authenticates afresh.
func (r *Registry) Evict(ch channel.Channel) {
	r.evict(ch, nil)
}

// evict removes ch's session; when target is non-nil only that exact
// session is removed so a newer replacement survives.
func (r *Registry) evict(ch channel.Channel, target *Session) {
	r.mu.Lock()
	s, ok := r.sessions[ch]
	if ok && (target == nil || s == target) {
		delete(r.sessions, ch)
	}
	r.mu.Unlock()
	if ok && (target == nil || s == target) {
		r.metrics.SessionClosed()
		r.logger.Info("session evicted", "channel", ch.String())
	}
}

// PruneIdle evicts sessions that have not served a request for longer than
// idle and returns how many were removed.
func (r *Registry) PruneIdle(idle time.Duration) int {
	if idle <= 0 {
		return 0
	}
	cutoff := r.now().Add(-idle)
	r.mu.Lock()
	var removed []channel.Channel
	for ch, s := range r.sessions {
		if s.LastUsed().Before(cutoff) {
			delete(r.sessions, ch)
			removed = append(removed, ch)
		}
	}
	r.mu.Unlock()
	for _, ch := range removed {
		r.metrics.SessionClosed()
		r.logger.Info("idle session pruned", "channel", ch.String(), "idle", idle.String())
	}
	return len(removed)
}

// Channels lists the channels that currently hold a session, in priority
// order.
func (r *Registry) Channels() []channel.Channel {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []channel.Channel
	for _, ch := range channel.All() {
		if _, ok := r.sessions[ch]; ok {
			out = append(out, ch)
		}
	}
	return out
}

// Ping verifies that the registry has what it needs to authenticate.
func (r *Registry) Ping(context.Context) error {
	if r == nil || r.transport == nil {
		return fmt.Errorf("catalog registry not configured")
	}
	return r.creds.Validate()
}
