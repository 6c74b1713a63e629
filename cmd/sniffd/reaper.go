package main

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

type sessionPruner interface {
	PruneIdle(idle time.Duration) int
}

type reapTicker interface {
	C() <-chan time.Time
	Stop()
}

type timeTicker struct {
	ticker *time.Ticker
}

func (t timeTicker) C() <-chan time.Time {
	return t.ticker.C
}

func (t timeTicker) Stop() {
	t.ticker.Stop()
}

type tickerFactory func(time.Duration) reapTicker

// reapInterval checks often enough that a session outlives its idle ttl by at
// most a quarter of it, bounded to [1m, 15m].
func reapInterval(idle time.Duration) time.Duration {
	interval := idle / 4
	if interval < time.Minute {
		interval = time.Minute
	}
	if interval > 15*time.Minute {
		interval = 15 * time.Minute
	}
	return interval
}

func startSessionReaper(ctx context.Context, logger *slog.Logger, sessions sessionPruner, idle time.Duration) func() {
	return startSessionReaperWithTicker(ctx, logger, sessions, idle, func(d time.Duration) reapTicker {
		return timeTicker{ticker: time.NewTicker(d)}
	})
}

func startSessionReaperWithTicker(
	ctx context.Context,
	logger *slog.Logger,
	sessions sessionPruner,
	idle time.Duration,
	newTicker tickerFactory,
) func() {
	if sessions == nil || idle <= 0 {
		return func() {}
	}
	return runTicker(ctx, newTicker(reapInterval(idle)), func(time.Time) {
		if removed := sessions.PruneIdle(idle); removed > 0 && logger != nil {
			logger.Info("idle sessions reaped", "removed", removed)
		}
	})
}

type expiredPurger interface {
	PurgeExpired(now time.Time) int
}

// startCachePurger drops expired entries from an in-process details cache so
// packages that are never requested again do not pin memory.
func startCachePurger(ctx context.Context, logger *slog.Logger, purger expiredPurger, ttl time.Duration) func() {
	return startCachePurgerWithTicker(ctx, logger, purger, ttl, func(d time.Duration) reapTicker {
		return timeTicker{ticker: time.NewTicker(d)}
	})
}

func startCachePurgerWithTicker(
	ctx context.Context,
	logger *slog.Logger,
	purger expiredPurger,
	ttl time.Duration,
	newTicker tickerFactory,
) func() {
	if purger == nil || ttl <= 0 {
		return func() {}
	}
	return runTicker(ctx, newTicker(reapInterval(ttl)), func(now time.Time) {
		if removed := purger.PurgeExpired(now); removed > 0 && logger != nil {
			logger.Debug("expired cache entries purged", "removed", removed)
		}
	})
}

// runTicker calls tick on every ticker fire until ctx ends or the returned
// stop func is called. stop waits for the loop to exit and is idempotent.
func runTicker(ctx context.Context, ticker reapTicker, tick func(time.Time)) func() {
	workerCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer func() {
			ticker.Stop()
			close(done)
		}()
		for {
			select {
			case <-workerCtx.Done():
				return
			case now := <-ticker.C():
				tick(now)
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			<-done
		})
	}
}
