package catalog

import (
	"context"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"sniff/internal/channel"
	"sniff/internal/models"
	"sniff/internal/observability/logging"
	"sniff/internal/observability/metrics"
)

// DetailsCache stores found details documents per channel and package.
type DetailsCache interface {
	Get(ctx context.Context, ch channel.Channel, packageName string) (models.DetailsDocument, bool, error)
	Set(ctx context.Context, ch channel.Channel, packageName string, doc models.DetailsDocument) error
}

// ChannelDetails is a details document tagged with the channel it came from.
type ChannelDetails struct {
	Channel channel.Channel
	Details models.DetailsDocument
}

// ChannelDownload is a download bundle together with the details it was
// resolved against.
type ChannelDownload struct {
	Channel channel.Channel
	Details models.DetailsDocument
	Bundle  models.DownloadBundle
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithDetailsCache enables caching of found details documents for the multi
// and fallback queries.
func WithDetailsCache(cache DetailsCache) EngineOption {
	return func(e *Engine) {
		e.cache = cache
	}
}

// Engine implements the channel resolution policies on top of a Registry.
type Engine struct {
	registry *Registry
	cache    DetailsCache
	logger   *slog.Logger
	metrics  *metrics.Recorder
}

// NewEngine builds an engine over registry.
func NewEngine(registry *Registry, opts ...EngineOption) *Engine {
	e := &Engine{
		registry: registry,
		logger:   logging.WithComponent(registry.base, "catalog"),
		metrics:  registry.metrics,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// Registry exposes the session registry backing the engine.
func (e *Engine) Registry() *Registry { return e.registry }

// MultiChannelQuery fetches packageName on every channel concurrently and
// returns the documents of the channels that have it. Channels that fail are
// dropped; when every channel fails the result is ErrAllChannelsFailed
// wrapping the error of the last channel in priority order.
func (e *Engine) MultiChannelQuery(ctx context.Context, packageName string) (map[channel.Channel]models.DetailsDocument, error) {
	channels := channel.All()
	docs := make([]models.DetailsDocument, len(channels))
	found := make([]bool, len(channels))
	errs := make([]error, len(channels))

	// errgroup without a shared context: one channel failing must not cancel
	// the others.
	var g errgroup.Group
	for i, ch := range channels {
		i, ch := i, ch
		g.Go(func() error {
			docs[i], found[i], errs[i] = e.fetchDetails(ctx, ch, packageName)
			return nil
		})
	}
	_ = g.Wait()

	result := make(map[channel.Channel]models.DetailsDocument, len(channels))
	var (
		failures int
		last     error
	)
	logger := logging.WithContext(ctx, e.logger)
	for i, ch := range channels {
		switch {
		case errs[i] != nil:
			failures++
			last = errs[i]
			logger.Warn("channel query failed", "channel", ch.String(), "error", errs[i])
		case found[i]:
			result[ch] = docs[i]
		}
	}
	if failures == len(channels) {
		e.metrics.ObserveResolution("multi", "error")
		return nil, fmt.Errorf("%w: %w", ErrAllChannelsFailed, last)
	}
	if len(result) == 0 {
		e.metrics.ObserveResolution("multi", "not_found")
	} else {
		e.metrics.ObserveResolution("multi", "found")
	}
	return result, nil
}

// FallbackQuery returns the details from the requested channel, or from the
// first other channel in priority order that has the package. Any hard error
// stops the search.
func (e *Engine) FallbackQuery(ctx context.Context, packageName string, requested channel.Channel) (ChannelDetails, bool, error) {
	if !requested.Valid() {
		return ChannelDetails{}, false, &channel.InvalidChannelError{Value: requested.String()}
	}
	for _, ch := range channel.FallbackOrder(requested) {
		doc, found, err := e.fetchDetails(ctx, ch, packageName)
		if err != nil {
			e.metrics.ObserveResolution("fallback", "error")
			return ChannelDetails{}, false, err
		}
		if found {
			if ch != requested {
				logging.WithContext(ctx, e.logger).Info("resolved on fallback channel", "requested", requested.String(), "channel", ch.String())
			}
			e.metrics.ObserveResolution("fallback", "found")
			return ChannelDetails{Channel: ch, Details: doc}, true, nil
		}
	}
	e.metrics.ObserveResolution("fallback", "not_found")
	return ChannelDetails{}, false, nil
}

// DownloadQuery resolves the download bundle of packageName on exactly ch.
// A versionCode of zero or less selects the version advertised by the
// channel's details. Details are always read fresh.
func (e *Engine) DownloadQuery(ctx context.Context, packageName string, ch channel.Channel, versionCode int32) (ChannelDownload, bool, error) {
	if !ch.Valid() {
		return ChannelDownload{}, false, &channel.InvalidChannelError{Value: ch.String()}
	}
	var (
		result = ChannelDownload{Channel: ch}
		found  bool
	)
	err := e.registry.Use(ctx, ch, func(s *Session) error {
		doc, ok, err := s.FetchDetails(ctx, packageName)
		if err != nil || !ok {
			return err
		}
		result.Details = doc
		vc := versionCode
		if vc <= 0 {
			latest, ok := doc.VersionCode()
			if !ok || latest <= 0 {
				return fmt.Errorf("%w: %s on %s", ErrNoVersionAvailable, packageName, ch)
			}
			vc = latest
		}
		bundle, entitled, err := s.FetchDelivery(ctx, packageName, vc)
		if err != nil || !entitled {
			return err
		}
		result.Bundle = bundle
		found = true
		return nil
	})
	switch {
	case err != nil:
		e.metrics.ObserveResolution("download", "error")
		return ChannelDownload{}, false, &ChannelError{Channel: ch, Err: err}
	case !found:
		e.metrics.ObserveResolution("download", "not_found")
		return ChannelDownload{}, false, nil
	}
	e.metrics.ObserveResolution("download", "found")
	e.metrics.ObserveDownload(ch.String())
	return result, true, nil
}

func (e *Engine) fetchDetails(ctx context.Context, ch channel.Channel, packageName string) (models.DetailsDocument, bool, error) {
	logger := logging.WithContext(ctx, e.logger)
	if e.cache != nil {
		doc, ok, err := e.cache.Get(ctx, ch, packageName)
		switch {
		case err != nil:
			logger.Warn("details cache read failed", "channel", ch.String(), "error", err)
		case ok:
			return doc, true, nil
		}
	}

	var (
		doc   models.DetailsDocument
		found bool
	)
	err := e.registry.Use(ctx, ch, func(s *Session) error {
		var err error
		doc, found, err = s.FetchDetails(ctx, packageName)
		return err
	})
	if err != nil {
		return models.DetailsDocument{}, false, &ChannelError{Channel: ch, Err: err}
	}
	if found && e.cache != nil {
		if err := e.cache.Set(ctx, ch, packageName, doc); err != nil {
			logger.Warn("details cache write failed", "channel", ch.String(), "error", err)
		}
	}
	return doc, found, nil
}
