package storage

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"sniff/internal/channel"
)

const historySchema = `
CREATE TABLE IF NOT EXISTS download_events (
	id UUID PRIMARY KEY,
	package_name TEXT NOT NULL,
	channel TEXT NOT NULL,
	version_code INTEGER NOT NULL,
	version_string TEXT NOT NULL DEFAULT '',
	app_name TEXT NOT NULL DEFAULT '',
	source TEXT NOT NULL,
	request_id TEXT NOT NULL DEFAULT '',
	occurred_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS download_events_package_time_idx
	ON download_events (package_name, occurred_at DESC);
`

// PostgresConfig describes how the history store initialises its pool.
type PostgresConfig struct {
	DSN                 string
	MaxConnections      int32
	MinConnections      int32
	MaxConnLifetime     time.Duration
	MaxConnIdleTime     time.Duration
	HealthCheckInterval time.Duration
	AcquireTimeout      time.Duration
	ApplicationName     string
}

// PostgresHistory stores events in the download_events table.
type PostgresHistory struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

// NewPostgresHistory opens a pool for cfg. EnsureSchema must run before the
// first Record unless the table was created out of band.
func NewPostgresHistory(ctx context.Context, cfg PostgresConfig) (*PostgresHistory, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, fmt.Errorf("postgres dsn required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres config: %w", err)
	}
	if cfg.MaxConnections > 0 {
		poolCfg.MaxConns = cfg.MaxConnections
	}
	if cfg.MinConnections > 0 {
		poolCfg.MinConns = cfg.MinConnections
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	if cfg.MaxConnIdleTime > 0 {
		poolCfg.MaxConnIdleTime = cfg.MaxConnIdleTime
	}
	if cfg.HealthCheckInterval > 0 {
		poolCfg.HealthCheckPeriod = cfg.HealthCheckInterval
	}
	if cfg.AcquireTimeout > 0 {
		poolCfg.ConnConfig.ConnectTimeout = cfg.AcquireTimeout
	}
	appName := cfg.ApplicationName
	if appName == "" {
		appName = "sniffd"
	}
	if poolCfg.ConnConfig.RuntimeParams == nil {
		poolCfg.ConnConfig.RuntimeParams = make(map[string]string)
	}
	poolCfg.ConnConfig.RuntimeParams["application_name"] = appName

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("open postgres pool: %w", err)
	}
	return &PostgresHistory{pool: pool, now: time.Now}, nil
}

// EnsureSchema creates the download_events table and its index.
func (h *PostgresHistory) EnsureSchema(ctx context.Context) error {
	if _, err := h.pool.Exec(ctx, historySchema); err != nil {
		return fmt.Errorf("create download_events: %w", err)
	}
	return nil
}

func (h *PostgresHistory) Record(ctx context.Context, event DownloadEvent) (DownloadEvent, error) {
	event, err := normalizeEvent(event, h.now)
	if err != nil {
		return DownloadEvent{}, err
	}
	_, err = h.pool.Exec(ctx, `
INSERT INTO download_events (id, package_name, channel, version_code, version_string, app_name, source, request_id, occurred_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
`, event.ID, event.PackageName, event.Channel.String(), event.VersionCode, event.VersionString,
		event.AppName, event.Source, event.RequestID, event.OccurredAt)
	if err != nil {
		return DownloadEvent{}, fmt.Errorf("insert download event: %w", err)
	}
	return event, nil
}

func (h *PostgresHistory) Recent(ctx context.Context, packageName string, limit int) ([]DownloadEvent, error) {
	rows, err := h.pool.Query(ctx, `
SELECT id::text, package_name, channel, version_code, version_string, app_name, source, request_id, occurred_at
FROM download_events
WHERE package_name = $1
ORDER BY occurred_at DESC, id
LIMIT $2
`, packageName, clampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("query download events: %w", err)
	}
	events, err := pgx.CollectRows(rows, scanEvent)
	if err != nil {
		return nil, fmt.Errorf("scan download events: %w", err)
	}
	return events, nil
}

func scanEvent(row pgx.CollectableRow) (DownloadEvent, error) {
	var (
		event   DownloadEvent
		chName  string
		occurredAt time.Time
	)
	if err := row.Scan(&event.ID, &event.PackageName, &chName, &event.VersionCode, &event.VersionString,
		&event.AppName, &event.Source, &event.RequestID, &occurredAt); err != nil {
		return DownloadEvent{}, err
	}
	ch, err := channel.Parse(chName)
	if err != nil {
		return DownloadEvent{}, err
	}
	event.Channel = ch
	event.OccurredAt = occurredAt.UTC()
	return event, nil
}

func (h *PostgresHistory) Ping(ctx context.Context) error {
	return h.pool.Ping(ctx)
}

// Close releases the pool, giving up when ctx ends first.
func (h *PostgresHistory) Close(ctx context.Context) error {
	if h == nil || h.pool == nil {
		return nil
	}
	done := make(chan struct{})
	go func() {
		h.pool.Close()
		close(done)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}
