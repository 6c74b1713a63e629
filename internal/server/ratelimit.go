package server

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"
)

const (
	defaultDownloadWindow = time.Minute
	defaultRateKeyPrefix  = "sniff:ratelimit"
)

// RateLimitConfig configures request throttling. A zero GlobalRPS disables
// the global limit and a zero DownloadLimit disables the per-client window.
type RateLimitConfig struct {
	GlobalRPS   float64
	GlobalBurst int
	// DownloadLimit caps download and APK requests per client per window.
	DownloadLimit  int
	DownloadWindow time.Duration
	// Redis shares download windows between instances when set.
	Redis     redis.UniversalClient
	KeyPrefix string
	// TrustForwardedHeaders keys clients on X-Forwarded-For / X-Real-IP
	// from any peer. Leave it off unless every request arrives through a
	// proxy that overwrites those headers.
	TrustForwardedHeaders bool
	// TrustedProxies lists CIDRs (or addresses) whose forwarded headers are
	// honoured when TrustForwardedHeaders is off.
	TrustedProxies []string
}

// windowStore counts requests in fixed windows.
type windowStore interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, time.Duration, error)
	Ping(ctx context.Context) error
}

// RateLimiter enforces a process-wide token bucket and a per-client fixed
// window on download endpoints.
type RateLimiter struct {
	global         *rate.Limiter
	downloadLimit  int
	downloadWindow time.Duration
	prefix         string
	store          windowStore
	clients        *clientIPResolver
}

func NewRateLimiter(cfg RateLimitConfig) (*RateLimiter, error) {
	clients, err := newClientIPResolver(cfg)
	if err != nil {
		return nil, err
	}
	rl := &RateLimiter{
		clients:        clients,
		downloadLimit:  cfg.DownloadLimit,
		downloadWindow: cfg.DownloadWindow,
		prefix:         strings.TrimSuffix(strings.TrimSpace(cfg.KeyPrefix), ":"),
	}
	if cfg.GlobalRPS > 0 {
		burst := cfg.GlobalBurst
		if burst <= 0 {
			burst = int(math.Ceil(cfg.GlobalRPS))
		}
		rl.global = rate.NewLimiter(rate.Limit(cfg.GlobalRPS), burst)
	}
	if rl.downloadLimit < 0 {
		rl.downloadLimit = 0
	}
	if rl.downloadWindow <= 0 {
		rl.downloadWindow = defaultDownloadWindow
	}
	if rl.prefix == "" {
		rl.prefix = defaultRateKeyPrefix
	}
	if cfg.Redis != nil {
		rl.store = &redisWindowStore{client: cfg.Redis}
	} else {
		rl.store = newMemoryWindowStore(time.Now)
	}
	return rl, nil
}

// ClientIP returns the address download windows are keyed on.
func (r *RateLimiter) ClientIP(req *http.Request) string {
	if r == nil {
		return clientIP(req.RemoteAddr)
	}
	ip, _ := r.clients.ClientIPFromRequest(req)
	return ip
}

func (r *RateLimiter) AllowRequest() bool {
	if r == nil || r.global == nil {
		return true
	}
	return r.global.Allow()
}

// AllowDownload counts one download request for key. When the window is
// exhausted it reports how long until it resets.
func (r *RateLimiter) AllowDownload(ctx context.Context, key string) (bool, time.Duration, error) {
	if r == nil || r.downloadLimit <= 0 {
		return true, 0, nil
	}
	if key == "" {
		key = "unknown"
	}
	return r.store.Allow(ctx, fmt.Sprintf("%s:download:%s", r.prefix, key), r.downloadLimit, r.downloadWindow)
}

// Ping reports the health of the window store.
func (r *RateLimiter) Ping(ctx context.Context) error {
	if r == nil || r.store == nil {
		return nil
	}
	return r.store.Ping(ctx)
}

func rateLimitMiddleware(rl *RateLimiter, logger *slog.Logger, next http.Handler) http.Handler {
	if rl == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !rl.AllowRequest() {
			w.Header().Set("Retry-After", "1")
			writeMiddlewareError(w, http.StatusTooManyRequests, "global rate limit exceeded")
			return
		}
		if isDownloadPath(r.URL.Path) {
			allowed, retryAfter, err := rl.AllowDownload(r.Context(), rl.ClientIP(r))
			if err != nil {
				if logger != nil {
					logger.Error("rate limiter failure", "error", err)
				}
				writeMiddlewareError(w, http.StatusServiceUnavailable, "rate limit unavailable")
				return
			}
			if !allowed {
				if retryAfter > 0 {
					w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(retryAfter.Seconds()))))
				}
				writeMiddlewareError(w, http.StatusTooManyRequests, "too many download requests")
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

func isDownloadPath(path string) bool {
	return strings.HasPrefix(path, "/v1/download/") || strings.HasPrefix(path, "/v1/apk/")
}

type memoryWindow struct {
	start time.Time
	count int
}

type memoryWindowStore struct {
	mu      sync.Mutex
	now     func() time.Time
	windows map[string]*memoryWindow
}

func newMemoryWindowStore(now func() time.Time) *memoryWindowStore {
	return &memoryWindowStore{now: now, windows: make(map[string]*memoryWindow)}
}

func (s *memoryWindowStore) Allow(_ context.Context, key string, limit int, window time.Duration) (bool, time.Duration, error) {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.windows[key]
	if !ok || !now.Before(entry.start.Add(window)) {
		s.cleanupLocked(now, window)
		entry = &memoryWindow{start: now}
		s.windows[key] = entry
	}
	entry.count++
	if entry.count <= limit {
		return true, 0, nil
	}
	return false, entry.start.Add(window).Sub(now), nil
}

func (s *memoryWindowStore) cleanupLocked(now time.Time, window time.Duration) {
	for key, entry := range s.windows {
		if !now.Before(entry.start.Add(window)) {
			delete(s.windows, key)
		}
	}
}

func (s *memoryWindowStore) Ping(context.Context) error { return nil }

// redisWindowStore keeps one counter per key that expires with its window.
type redisWindowStore struct {
	client redis.UniversalClient
}

func (s *redisWindowStore) Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, time.Duration, error) {
	count, err := s.client.Incr(ctx, key).Result()
	if err != nil {
		return false, 0, fmt.Errorf("incr %s: %w", key, err)
	}
	if count == 1 {
		if window < time.Second {
			window = time.Second
		}
		if err := s.client.Expire(ctx, key, window).Err(); err != nil {
			return false, 0, fmt.Errorf("expire %s: %w", key, err)
		}
	}
	if count <= int64(limit) {
		return true, 0, nil
	}
	ttl, err := s.client.TTL(ctx, key).Result()
	if err != nil {
		return false, 0, fmt.Errorf("ttl %s: %w", key, err)
	}
	if ttl < 0 {
		// counter lost its expiry; restore it so the client is not locked out
		if err := s.client.Expire(ctx, key, window).Err(); err != nil {
			return false, 0, fmt.Errorf("expire %s: %w", key, err)
		}
		ttl = window
	}
	return false, ttl, nil
}

func (s *redisWindowStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
