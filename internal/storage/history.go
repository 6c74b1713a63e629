// Package storage keeps the download history log: one event per successful
// download or APK pass-through, queryable per package. Events never hold
// signed URLs or tokens.
package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"sniff/internal/channel"
)

const (
	// DefaultRecentLimit is used when Recent is called with a non-positive limit.
	DefaultRecentLimit = 20
	// MaxRecentLimit caps the number of events returned by Recent.
	MaxRecentLimit = 100
)

// Event sources.
const (
	SourceDownload = "download"
	SourceAPK      = "apk"
)

// ErrInvalidEvent is returned when an event misses its package or channel.
var ErrInvalidEvent = errors.New("invalid download event")

// DownloadEvent records one resolved download.
type DownloadEvent struct {
	ID            string          `json:"id"`
	PackageName   string          `json:"package_name"`
	Channel       channel.Channel `json:"channel"`
	VersionCode   int32           `json:"version_code"`
	VersionString string          `json:"version_string,omitempty"`
	AppName       string          `json:"app_name,omitempty"`
	Source        string          `json:"source"`
	RequestID     string          `json:"request_id,omitempty"`
	OccurredAt    time.Time       `json:"occurred_at"`
}

// HistoryStore persists download events.
type HistoryStore interface {
	Record(ctx context.Context, event DownloadEvent) (DownloadEvent, error)
	Recent(ctx context.Context, packageName string, limit int) ([]DownloadEvent, error)
	Ping(ctx context.Context) error
	Close(ctx context.Context) error
}

// normalizeEvent validates event and fills in the id, source and timestamp.
func normalizeEvent(event DownloadEvent, now func() time.Time) (DownloadEvent, error) {
	event.PackageName = strings.TrimSpace(event.PackageName)
	if event.PackageName == "" {
		return DownloadEvent{}, fmt.Errorf("%w: package name required", ErrInvalidEvent)
	}
	if !event.Channel.Valid() {
		return DownloadEvent{}, fmt.Errorf("%w: channel required", ErrInvalidEvent)
	}
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Source == "" {
		event.Source = SourceDownload
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = now()
	}
	event.OccurredAt = event.OccurredAt.UTC()
	return event, nil
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return DefaultRecentLimit
	}
	if limit > MaxRecentLimit {
		return MaxRecentLimit
	}
	return limit
}
