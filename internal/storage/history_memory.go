package storage

import (
	"context"
	"sync"
	"time"
)

const defaultMemoryRetention = 200

// MemoryHistory keeps the most recent events per package in process memory.
type MemoryHistory struct {
	mu        sync.RWMutex
	events    map[string][]DownloadEvent
	retention int
	now       func() time.Time
}

// NewMemoryHistory retains up to retention events per package.
func NewMemoryHistory(retention int) *MemoryHistory {
	if retention <= 0 {
		retention = defaultMemoryRetention
	}
	return &MemoryHistory{
		events:    make(map[string][]DownloadEvent),
		retention: retention,
		now:       time.Now,
	}
}

func (h *MemoryHistory) Record(_ context.Context, event DownloadEvent) (DownloadEvent, error) {
	event, err := normalizeEvent(event, h.now)
	if err != nil {
		return DownloadEvent{}, err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	list := append(h.events[event.PackageName], event)
	if len(list) > h.retention {
		list = append([]DownloadEvent(nil), list[len(list)-h.retention:]...)
	}
	h.events[event.PackageName] = list
	return event, nil
}

// Recent returns up to limit events for packageName, newest first.
func (h *MemoryHistory) Recent(_ context.Context, packageName string, limit int) ([]DownloadEvent, error) {
	limit = clampLimit(limit)
	h.mu.RLock()
	defer h.mu.RUnlock()
	list := h.events[packageName]
	out := make([]DownloadEvent, 0, min(limit, len(list)))
	for i := len(list) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, list[i])
	}
	return out, nil
}

func (h *MemoryHistory) Ping(context.Context) error { return nil }

func (h *MemoryHistory) Close(context.Context) error { return nil }
