// Package backendchannel opens the backend's side of the virtual channel
// through a platform channel library and keeps reopening it, with capped
// exponential backoff, when an attempt fails. It only retries the channel
// open itself and does not watch transport lifecycle events; it never
// restores any client-table entry.
package backendchannel

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/jpillora/backoff"

	"github.com/wb-airbus/soxy/internal/transport"
	"github.com/wb-airbus/soxy/soxylog"
)

// DefaultChannelName is the 4-byte ASCII virtual channel name both ends
// open.
const DefaultChannelName = "SOXY"

// API is the seam over a loaded platform channel library: open a named
// channel and get back a blocking read/write handle on it. Which concrete
// library backs it (and how its symbols were resolved) is the loader's
// concern, not this package's.
type API interface {
	OpenChannel(name string) (io.ReadWriteCloser, error)
}

// OpenFunc opens (or reopens) the platform channel library and returns once
// it is ready to carry frames, or an error if the attempt failed.
type OpenFunc func(ctx context.Context) error

// Loop calls open once, and on failure retries with capped exponential
// backoff until it succeeds, ctx is cancelled, or maxAttempts is reached
// (0 means unlimited). maxInterval bounds the backoff delay.
func Loop(ctx context.Context, logger soxylog.Logger, open OpenFunc, maxInterval time.Duration, maxAttempts int) error {
	b := &backoff.Backoff{Max: maxInterval}

	for {
		err := open(ctx)
		if err == nil {
			return nil
		}

		attempt := int(b.Attempt())
		msg := fmt.Sprintf("channel open failed: %v (attempt %d", err, attempt+1)
		if maxAttempts > 0 {
			msg += fmt.Sprintf("/%d", maxAttempts)
		}
		logger.WLogf(msg + ")")

		if maxAttempts > 0 && attempt+1 >= maxAttempts {
			return fmt.Errorf("backendchannel: giving up after %d attempt(s): %w", attempt+1, err)
		}

		d := b.Duration()
		logger.ILogf("retrying channel open in %s", d)
		select {
		case <-time.After(d):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Open resolves the named channel through api, retrying with Loop's backoff
// policy, and wraps the resulting handle in a ChannelTransport ready for a
// FrameReader.
func Open(ctx context.Context, logger soxylog.Logger, api API, name string, maxInterval time.Duration, maxAttempts int) (*transport.ChannelTransport, error) {
	var rw io.ReadWriteCloser
	err := Loop(ctx, logger, func(context.Context) error {
		var err error
		rw, err = api.OpenChannel(name)
		return err
	}, maxInterval, maxAttempts)
	if err != nil {
		return nil, err
	}
	logger.ILogf("channel %q open", name)
	return transport.NewChannelTransport(logger.Fork("channel %s", name), rw), nil
}
