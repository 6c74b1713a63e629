// Command sniffd serves the catalog API over HTTP.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"sniff/internal/api"
	"sniff/internal/cache"
	"sniff/internal/catalog"
	"sniff/internal/config"
	"sniff/internal/observability/logging"
	"sniff/internal/observability/metrics"
	"sniff/internal/server"
	"sniff/internal/storage"
	"sniff/internal/upstream"
)

// options is the resolved process configuration. Flags win over SNIFF_*
// environment variables, which win over defaults.
type options struct {
	Addr      string
	LogLevel  string
	LogFormat string

	Credentials string
	Email       string
	AASToken    string
	AndroidID   string
	Locale      string

	UpstreamURL     string
	UpstreamTimeout time.Duration
	BrandName       string
	HomeURL         string

	CacheDriver        string
	CacheRedisAddr     string
	CacheRedisPassword string
	CacheTTL           time.Duration

	HistoryDriver      string
	HistoryPostgresDSN string
	HistoryRetention   int

	GlobalRPS         float64
	GlobalBurst       int
	DownloadLimit     int
	DownloadWindow    time.Duration
	RateRedisAddr     string
	RateRedisPassword string

	// RateTrustForwarded and RateTrustedProxies control whether download
	// windows key on forwarded client headers.
	RateTrustForwarded bool
	RateTrustedProxies []string

	SessionIdleTTL time.Duration
	TLSCert        string
	TLSKey         string
}

func parseOptions(args []string, lookupEnv func(string) string) (options, error) {
	if lookupEnv == nil {
		lookupEnv = os.Getenv
	}
	env := func(key string) string { return strings.TrimSpace(lookupEnv(key)) }

	fs := flag.NewFlagSet("sniffd", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	addr := fs.String("addr", "", "HTTP listen address")
	logLevel := fs.String("log-level", "", "log level (debug, info, warn, error)")
	logFormat := fs.String("log-format", "", "log format (json or text)")
	credentials := fs.String("credentials", "", "credential document: inline JSON/YAML or a file path")
	email := fs.String("email", "", "account email, overrides the credential document")
	aasToken := fs.String("aas-token", "", "account AAS token, overrides the credential document")
	androidID := fs.String("android-id", "", "device android id, overrides the credential document")
	locale := fs.String("locale", "", "BCP 47 locale sent upstream")
	upstreamURL := fs.String("upstream-url", "", "store backend base URL")
	upstreamTimeout := fs.String("upstream-timeout", "", "timeout for each upstream call")
	brandName := fs.String("brand-name", "", "brand prefix used in suggested filenames")
	homeURL := fs.String("home-url", "", "redirect target for GET /")
	cacheDriver := fs.String("cache-driver", "", "details cache driver (none, memory or redis)")
	cacheRedisAddr := fs.String("cache-redis-addr", "", "Redis address for the details cache")
	cacheRedisPassword := fs.String("cache-redis-password", "", "Redis password for the details cache")
	cacheTTL := fs.String("cache-ttl", "", "details cache entry lifetime")
	historyDriver := fs.String("history-driver", "", "download history driver (memory or postgres)")
	historyDSN := fs.String("history-postgres-dsn", "", "Postgres DSN for the download history")
	historyRetention := fs.Int("history-retention", 0, "events kept per package by the memory history")
	globalRPS := fs.Float64("rate-global-rps", 0, "global request rate limit in requests per second")
	globalBurst := fs.Int("rate-global-burst", 0, "global rate limit burst allowance")
	downloadLimit := fs.Int("rate-download-limit", 0, "download requests allowed per client per window")
	downloadWindow := fs.String("rate-download-window", "", "window for counting download requests")
	rateRedisAddr := fs.String("rate-redis-addr", "", "Redis address for distributed download throttling")
	rateRedisPassword := fs.String("rate-redis-password", "", "Redis password for distributed download throttling")
	rateTrustForwarded := fs.Bool("rate-trust-forwarded", false, "key download windows on X-Forwarded-For / X-Real-IP from any peer")
	rateTrustedProxies := fs.String("rate-trusted-proxies", "", "comma separated proxy CIDRs whose forwarded headers are trusted")
	sessionIdleTTL := fs.String("session-idle-ttl", "", "evict channel sessions idle for longer than this (0 disables)")
	tlsCert := fs.String("tls-cert", "", "path to TLS certificate file")
	tlsKey := fs.String("tls-key", "", "path to TLS private key file")
	if err := fs.Parse(args); err != nil {
		return options{}, err
	}

	opts := options{
		Addr:               firstNonEmpty(*addr, env("SNIFF_ADDR"), ":8080"),
		LogLevel:           firstNonEmpty(*logLevel, env("SNIFF_LOG_LEVEL"), "info"),
		LogFormat:          strings.ToLower(firstNonEmpty(*logFormat, env("SNIFF_LOG_FORMAT"), string(logging.FormatJSON))),
		Credentials:        *credentials,
		Email:              *email,
		AASToken:           *aasToken,
		AndroidID:          *androidID,
		Locale:             *locale,
		UpstreamURL:        firstNonEmpty(*upstreamURL, env("SNIFF_UPSTREAM_URL"), upstream.DefaultBaseURL),
		BrandName:          firstNonEmpty(*brandName, env("SNIFF_BRAND_NAME"), env("BRAND_NAME"), api.DefaultBrandName),
		HomeURL:            firstNonEmpty(*homeURL, env("SNIFF_HOME_URL")),
		CacheDriver:        strings.ToLower(firstNonEmpty(*cacheDriver, env("SNIFF_CACHE_DRIVER"), "none")),
		CacheRedisAddr:     firstNonEmpty(*cacheRedisAddr, env("SNIFF_CACHE_REDIS_ADDR")),
		CacheRedisPassword: firstNonEmpty(*cacheRedisPassword, env("SNIFF_CACHE_REDIS_PASSWORD")),
		HistoryDriver:      strings.ToLower(firstNonEmpty(*historyDriver, env("SNIFF_HISTORY_DRIVER"), "memory")),
		HistoryPostgresDSN: firstNonEmpty(*historyDSN, env("SNIFF_HISTORY_POSTGRES_DSN")),
		RateRedisAddr:      firstNonEmpty(*rateRedisAddr, env("SNIFF_RATE_REDIS_ADDR")),
		RateRedisPassword:  firstNonEmpty(*rateRedisPassword, env("SNIFF_RATE_REDIS_PASSWORD")),
		RateTrustedProxies: splitList(firstNonEmpty(*rateTrustedProxies, env("SNIFF_RATE_TRUSTED_PROXIES"))),
		TLSCert:            firstNonEmpty(*tlsCert, env("SNIFF_TLS_CERT")),
		TLSKey:             firstNonEmpty(*tlsKey, env("SNIFF_TLS_KEY")),
	}

	var err error
	if opts.UpstreamTimeout, err = resolveDuration(*upstreamTimeout, env("SNIFF_UPSTREAM_TIMEOUT"), 15*time.Second); err != nil {
		return options{}, fmt.Errorf("upstream timeout: %w", err)
	}
	if opts.CacheTTL, err = resolveDuration(*cacheTTL, env("SNIFF_CACHE_TTL"), cache.DefaultTTL); err != nil {
		return options{}, fmt.Errorf("cache ttl: %w", err)
	}
	if opts.DownloadWindow, err = resolveDuration(*downloadWindow, env("SNIFF_RATE_DOWNLOAD_WINDOW"), time.Minute); err != nil {
		return options{}, fmt.Errorf("rate download window: %w", err)
	}
	if opts.SessionIdleTTL, err = resolveDuration(*sessionIdleTTL, env("SNIFF_SESSION_IDLE_TTL"), 6*time.Hour); err != nil {
		return options{}, fmt.Errorf("session idle ttl: %w", err)
	}
	if opts.HistoryRetention, err = resolveInt(*historyRetention, env("SNIFF_HISTORY_RETENTION")); err != nil {
		return options{}, fmt.Errorf("history retention: %w", err)
	}
	if opts.GlobalRPS, err = resolveFloat(*globalRPS, env("SNIFF_RATE_GLOBAL_RPS")); err != nil {
		return options{}, fmt.Errorf("rate global rps: %w", err)
	}
	if opts.GlobalBurst, err = resolveInt(*globalBurst, env("SNIFF_RATE_GLOBAL_BURST")); err != nil {
		return options{}, fmt.Errorf("rate global burst: %w", err)
	}
	if opts.DownloadLimit, err = resolveInt(*downloadLimit, env("SNIFF_RATE_DOWNLOAD_LIMIT")); err != nil {
		return options{}, fmt.Errorf("rate download limit: %w", err)
	}
	if opts.RateTrustForwarded, err = resolveBool(*rateTrustForwarded, env("SNIFF_RATE_TRUST_FORWARDED")); err != nil {
		return options{}, fmt.Errorf("rate trust forwarded: %w", err)
	}
	if opts.LogFormat != string(logging.FormatJSON) && opts.LogFormat != string(logging.FormatText) {
		return options{}, fmt.Errorf("unsupported log format %q", opts.LogFormat)
	}
	return opts, nil
}

func main() {
	opts, err := parseOptions(os.Args[1:], os.Getenv)
	if err != nil {
		fmt.Fprintf(os.Stderr, "sniffd: %v\n", err)
		os.Exit(2)
	}
	logger := logging.Init(logging.Config{Level: opts.LogLevel, Format: opts.LogFormat})
	if err := run(opts, logger); err != nil {
		logger.Error("sniffd failed", "error", err)
		os.Exit(1)
	}
}

func run(opts options, logger *slog.Logger) error {
	creds, err := config.LoadFromFlagsAndEnv(config.LoadInput{
		Source:    opts.Credentials,
		Email:     opts.Email,
		AASToken:  opts.AASToken,
		AndroidID: opts.AndroidID,
		Locale:    opts.Locale,
	})
	if err != nil {
		return err
	}

	recorder := metrics.New()
	metrics.SetDefault(recorder)

	transport := upstream.NewHTTPTransport(opts.UpstreamURL,
		upstream.WithUserAgent(creds.Device.UserAgent),
		upstream.WithClientID(creds.Device.ClientID),
		upstream.WithLocale(creds.Locale),
	)
	registry := catalog.NewRegistry(creds, transport,
		catalog.WithCallTimeout(opts.UpstreamTimeout),
		catalog.WithLogger(logger),
		catalog.WithMetrics(recorder),
	)

	startupCtx, startupCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer startupCancel()

	details, err := buildCache(startupCtx, opts, logger)
	if err != nil {
		return err
	}
	defer details.close()

	history, err := buildHistory(startupCtx, opts)
	if err != nil {
		return err
	}

	limiter, closeLimiter, err := buildRateLimiter(startupCtx, opts)
	if err != nil {
		return err
	}
	defer closeLimiter()

	var engineOpts []catalog.EngineOption
	if details.cache != nil {
		engineOpts = append(engineOpts, catalog.WithDetailsCache(details.cache))
	}
	handler := api.NewHandler(catalog.NewEngine(registry, engineOpts...), history)
	handler.BrandName = opts.BrandName
	handler.HomeURL = opts.HomeURL
	handler.Logger = logging.WithComponent(logger, "api")
	if details.pinger != nil {
		handler.Cache = details.pinger
	}
	if limiter != nil {
		handler.RateLimiter = limiter
	}

	srv, err := server.New(handler, server.Config{
		Addr:        opts.Addr,
		TLS:         server.TLSConfig{CertFile: opts.TLSCert, KeyFile: opts.TLSKey},
		RateLimiter: limiter,
		Logger:      logger,
		Metrics:     recorder,
	})
	if err != nil {
		return fmt.Errorf("initialise server: %w", err)
	}

	logger.Info("sniffd starting",
		"addr", opts.Addr,
		"upstream", opts.UpstreamURL,
		"email", creds.Email,
		"aas_token", logging.Fingerprint(creds.AASToken),
		"locale", creds.Locale.String(),
		"cache", opts.CacheDriver,
		"history", opts.HistoryDriver,
		"session_idle_ttl", opts.SessionIdleTTL.String(),
	)

	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()
	stopReaper := startSessionReaper(workerCtx, logging.WithComponent(logger, "session-reaper"), registry, opts.SessionIdleTTL)
	defer stopReaper()
	stopPurger := func() {}
	if purger, ok := details.cache.(expiredPurger); ok {
		stopPurger = startCachePurger(workerCtx, logging.WithComponent(logger, "cache-purger"), purger, opts.CacheTTL)
	}
	defer stopPurger()

	errs := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errs <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	var serveErr error
	select {
	case sig := <-quit:
		logger.Info("received shutdown signal", "signal", sig.String())
	case serveErr = <-errs:
		logger.Error("server error", "error", serveErr)
	}

	workerCancel()
	stopReaper()
	stopPurger()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Warn("graceful shutdown failed", "error", err)
	}
	if err := history.Close(ctx); err != nil {
		logger.Warn("failed to close download history", "error", err)
	}

	logger.Info("server stopped")
	return serveErr
}

// cacheComponents carries the configured details cache, if any.
type cacheComponents struct {
	cache  catalog.DetailsCache
	pinger api.Pinger
	close  func()
}

func buildCache(ctx context.Context, opts options, logger *slog.Logger) (cacheComponents, error) {
	noop := func() {}
	switch opts.CacheDriver {
	case "", "none":
		return cacheComponents{close: noop}, nil
	case "memory":
		memory := cache.NewMemoryDetailsCache(opts.CacheTTL)
		return cacheComponents{cache: memory, pinger: memory, close: noop}, nil
	case "redis":
		client, err := cache.NewRedisClient(cache.RedisConfig{Addr: opts.CacheRedisAddr, Password: opts.CacheRedisPassword})
		if err != nil {
			return cacheComponents{}, fmt.Errorf("details cache: %w", err)
		}
		redisCache := cache.NewRedisDetailsCache(client, opts.CacheTTL, cache.WithLogger(logger))
		if err := redisCache.Ping(ctx); err != nil {
			_ = redisCache.Close()
			return cacheComponents{}, fmt.Errorf("details cache: %w", err)
		}
		return cacheComponents{cache: redisCache, pinger: redisCache, close: func() { _ = redisCache.Close() }}, nil
	default:
		return cacheComponents{}, fmt.Errorf("unsupported cache driver %q", opts.CacheDriver)
	}
}

func buildHistory(ctx context.Context, opts options) (storage.HistoryStore, error) {
	switch opts.HistoryDriver {
	case "", "memory":
		return storage.NewMemoryHistory(opts.HistoryRetention), nil
	case "postgres":
		if opts.HistoryPostgresDSN == "" {
			return nil, fmt.Errorf("postgres history selected without DSN")
		}
		history, err := storage.NewPostgresHistory(ctx, storage.PostgresConfig{DSN: opts.HistoryPostgresDSN})
		if err != nil {
			return nil, err
		}
		if err := history.EnsureSchema(ctx); err != nil {
			_ = history.Close(ctx)
			return nil, err
		}
		return history, nil
	default:
		return nil, fmt.Errorf("unsupported history driver %q", opts.HistoryDriver)
	}
}

// buildRateLimiter returns nil when no limit is configured.
func buildRateLimiter(ctx context.Context, opts options) (*server.RateLimiter, func(), error) {
	noop := func() {}
	if opts.GlobalRPS <= 0 && opts.DownloadLimit <= 0 {
		return nil, noop, nil
	}
	cfg := server.RateLimitConfig{
		GlobalRPS:      opts.GlobalRPS,
		GlobalBurst:    opts.GlobalBurst,
		DownloadLimit:  opts.DownloadLimit,
		DownloadWindow: opts.DownloadWindow,

		TrustForwardedHeaders: opts.RateTrustForwarded,
		TrustedProxies:        opts.RateTrustedProxies,
	}
	closer := noop
	if opts.RateRedisAddr != "" && opts.DownloadLimit > 0 {
		client, err := cache.NewRedisClient(cache.RedisConfig{Addr: opts.RateRedisAddr, Password: opts.RateRedisPassword})
		if err != nil {
			return nil, noop, fmt.Errorf("rate limiter: %w", err)
		}
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, noop, fmt.Errorf("rate limiter: %w", err)
		}
		cfg.Redis = client
		closer = func() { _ = client.Close() }
	}
	limiter, err := server.NewRateLimiter(cfg)
	if err != nil {
		closer()
		return nil, noop, fmt.Errorf("rate limiter: %w", err)
	}
	return limiter, closer, nil
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		trimmed := strings.TrimSpace(value)
		if trimmed != "" {
			return trimmed
		}
	}
	return ""
}

func resolveDuration(flagValue, envValue string, fallback time.Duration) (time.Duration, error) {
	raw := firstNonEmpty(flagValue, envValue)
	if raw == "" {
		return fallback, nil
	}
	duration, err := time.ParseDuration(raw)
	if err != nil {
		return 0, err
	}
	if duration < 0 {
		return 0, fmt.Errorf("duration %q must not be negative", raw)
	}
	return duration, nil
}

func resolveInt(flagValue int, envValue string) (int, error) {
	if flagValue > 0 {
		return flagValue, nil
	}
	if envValue == "" {
		return 0, nil
	}
	return strconv.Atoi(envValue)
}

func resolveFloat(flagValue float64, envValue string) (float64, error) {
	if flagValue > 0 {
		return flagValue, nil
	}
	if envValue == "" {
		return 0, nil
	}
	return strconv.ParseFloat(envValue, 64)
}

func resolveBool(flagValue bool, envValue string) (bool, error) {
	if flagValue || envValue == "" {
		return flagValue, nil
	}
	return strconv.ParseBool(envValue)
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
