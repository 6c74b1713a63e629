package cache

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	redis "github.com/redis/go-redis/v9"

	"sniff/internal/channel"
	"sniff/internal/models"
	"sniff/internal/observability/logging"
)

const defaultKeyPrefix = "sniff:details"

// RedisConfig describes how to reach a Redis deployment. It is shared by the
// details cache and the distributed download limiter.
type RedisConfig struct {
	Addr         string
	Addrs        []string
	Username     string
	Password     string
	DB           int
	MasterName   string
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	PoolSize     int
	TLS          RedisTLSConfig
}

// RedisTLSConfig enables TLS for Redis connections when any field is set.
type RedisTLSConfig struct {
	CAFile             string
	CertFile           string
	KeyFile            string
	ServerName         string
	InsecureSkipVerify bool
}

// NewRedisClient builds a universal client: a single node, a cluster or a
// sentinel group depending on the addresses and master name provided.
func NewRedisClient(cfg RedisConfig) (redis.UniversalClient, error) {
	addrs := make([]string, 0, len(cfg.Addrs)+1)
	for _, addr := range cfg.Addrs {
		if trimmed := strings.TrimSpace(addr); trimmed != "" {
			addrs = append(addrs, trimmed)
		}
	}
	if addr := strings.TrimSpace(cfg.Addr); addr != "" {
		addrs = append(addrs, addr)
	}
	if len(addrs) == 0 {
		return nil, fmt.Errorf("redis addr is required")
	}
	tlsConfig, err := buildTLSConfig(cfg.TLS)
	if err != nil {
		return nil, err
	}
	return redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:        addrs,
		DB:           cfg.DB,
		MasterName:   strings.TrimSpace(cfg.MasterName),
		Username:     strings.TrimSpace(cfg.Username),
		Password:     cfg.Password,
		TLSConfig:    tlsConfig,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		PoolSize:     cfg.PoolSize,
		MaxRetries:   2,
	}), nil
}

func buildTLSConfig(cfg RedisTLSConfig) (*tls.Config, error) {
	if cfg.CAFile == "" && cfg.CertFile == "" && cfg.KeyFile == "" && !cfg.InsecureSkipVerify {
		return nil, nil
	}
	tlsCfg := &tls.Config{InsecureSkipVerify: cfg.InsecureSkipVerify, MinVersion: tls.VersionTLS12}
	if cfg.ServerName != "" {
		tlsCfg.ServerName = cfg.ServerName
	}
	if cfg.CAFile != "" {
		pemData, err := os.ReadFile(filepath.Clean(cfg.CAFile))
		if err != nil {
			return nil, fmt.Errorf("read redis tls ca: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pemData) {
			return nil, fmt.Errorf("redis tls ca is invalid")
		}
		tlsCfg.RootCAs = pool
	}
	if cfg.CertFile != "" || cfg.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(filepath.Clean(cfg.CertFile), filepath.Clean(cfg.KeyFile))
		if err != nil {
			return nil, fmt.Errorf("load redis tls certificate: %w", err)
		}
		tlsCfg.Certificates = []tls.Certificate{cert}
	}
	return tlsCfg, nil
}

// RedisDetailsCache stores JSON encoded documents under
// "<prefix>:<channel>:<package>" with a Redis-side expiry.
type RedisDetailsCache struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
	logger *slog.Logger
}

// RedisCacheOption configures a RedisDetailsCache.
type RedisCacheOption func(*RedisDetailsCache)

// WithKeyPrefix overrides the default "sniff:details" key prefix.
func WithKeyPrefix(prefix string) RedisCacheOption {
	return func(c *RedisDetailsCache) {
		if trimmed := strings.Trim(strings.TrimSpace(prefix), ":"); trimmed != "" {
			c.prefix = trimmed
		}
	}
}

// WithLogger sets the logger used for decode failures.
func WithLogger(logger *slog.Logger) RedisCacheOption {
	return func(c *RedisDetailsCache) {
		if logger != nil {
			c.logger = logging.WithComponent(logger, "cache")
		}
	}
}

// NewRedisDetailsCache wraps client. The caller keeps ownership of client
// unless Close is called on the cache.
func NewRedisDetailsCache(client redis.UniversalClient, ttl time.Duration, opts ...RedisCacheOption) *RedisDetailsCache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	c := &RedisDetailsCache{
		client: client,
		prefix: defaultKeyPrefix,
		ttl:    ttl,
		logger: logging.WithComponent(slog.Default(), "cache"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

// Key returns the Redis key for a channel and package.
func (c *RedisDetailsCache) Key(ch channel.Channel, packageName string) string {
	return c.prefix + ":" + ch.String() + ":" + packageName
}

// Get reads a cached document. A missing key is a miss, not an error.
// Entries that no longer decode are deleted and reported as misses.
func (c *RedisDetailsCache) Get(ctx context.Context, ch channel.Channel, packageName string) (models.DetailsDocument, bool, error) {
	key := c.Key(ch, packageName)
	payload, err := c.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return models.DetailsDocument{}, false, nil
	}
	if err != nil {
		return models.DetailsDocument{}, false, fmt.Errorf("redis get %s: %w", key, err)
	}
	var doc models.DetailsDocument
	if err := json.Unmarshal(payload, &doc); err != nil {
		c.logger.Warn("discarding undecodable cache entry", "key", key, "error", err)
		if delErr := c.client.Del(ctx, key).Err(); delErr != nil {
			c.logger.Warn("failed to delete cache entry", "key", key, "error", delErr)
		}
		return models.DetailsDocument{}, false, nil
	}
	return doc, true, nil
}

// Set stores doc with the cache TTL.
func (c *RedisDetailsCache) Set(ctx context.Context, ch channel.Channel, packageName string, doc models.DetailsDocument) error {
	payload, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode details: %w", err)
	}
	key := c.Key(ch, packageName)
	if err := c.client.Set(ctx, key, payload, c.ttl).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", key, err)
	}
	return nil
}

// Ping checks connectivity with the Redis deployment.
func (c *RedisDetailsCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// Close releases the underlying client.
func (c *RedisDetailsCache) Close() error {
	return c.client.Close()
}
