package catalog

import (
	"context"
	"errors"
	"fmt"

	"sniff/internal/channel"
	"sniff/internal/upstream"
)

var (
	// ErrAuthenticationFailed is returned when the backend keeps rejecting a
	// channel's credential after one re-authentication.
	ErrAuthenticationFailed = errors.New("authentication failed")
	// ErrNoVersionAvailable is returned when a latest-version download is
	// requested but the details carry no version code.
	ErrNoVersionAvailable = errors.New("no version code available")
	// ErrMalformedResponse is returned when the response envelope cannot be
	// decoded.
	ErrMalformedResponse = errors.New("malformed upstream response")
	// ErrTransport wraps network failures, timeouts and unexpected backend
	// statuses.
	ErrTransport = errors.New("upstream transport failure")
	// ErrAllChannelsFailed is returned by the multi-channel query when no
	// channel produced a usable answer.
	ErrAllChannelsFailed = errors.New("all channels failed")
)

// ChannelError tags an error with the channel whose query produced it.
type ChannelError struct {
	Channel channel.Channel
	Err     error
}

func (e *ChannelError) Error() string {
	return fmt.Sprintf("channel %s: %v", e.Channel, e.Err)
}

func (e *ChannelError) Unwrap() error { return e.Err }

// classify maps a transport or decode failure onto the catalog taxonomy.
// The upstream cause is flattened into the message so callers cannot mistake
// a failed exchange for an absent package.
func classify(endpoint upstream.Endpoint, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrAuthenticationFailed),
		errors.Is(err, ErrNoVersionAvailable),
		errors.Is(err, ErrMalformedResponse),
		errors.Is(err, ErrTransport):
		return err
	case errors.Is(err, upstream.ErrMalformed):
		return fmt.Errorf("%w: %s: %v", ErrMalformedResponse, endpoint, err)
	case errors.Is(err, context.Canceled):
		return err
	default:
		return fmt.Errorf("%w: %s: %v", ErrTransport, endpoint, err)
	}
}

// outcome names a result for metrics labels.
func outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, upstream.ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, upstream.ErrNotFound):
		return "not_found"
	case errors.Is(err, upstream.ErrMalformed), errors.Is(err, ErrMalformedResponse):
		return "malformed"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	default:
		return "error"
	}
}
