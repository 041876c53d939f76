package lib

import (
	"context"
	"errors"
	"fmt"

	"github.com/jpillora/backoff"
	"github.com/rs/zerolog"
)

// ReconStrat produces a replacement stream after a client lost its
// connection. attempt counts the calls made in the current reconnection
// episode, starting at 0. Returning an error asks to be called again with
// attempt+1, unless the error wraps ErrStopReconnect, which ends the
// client. ctx is cancelled when the client is closed.
type ReconStrat func(ctx context.Context, attempt int) (ByteStream, error)

// BackoffStrat waits b.Duration() before every call to dial and gives up
// after max attempts. A max of zero never gives up.
func BackoffStrat(dial func(ctx context.Context) (ByteStream, error), b *backoff.Backoff, max int) ReconStrat {
	return func(ctx context.Context, attempt int) (ByteStream, error) {
		if attempt == 0 {
			b.Reset()
		}
		if max > 0 && attempt >= max {
			return nil, fmt.Errorf("%w: gave up after %d attempts", ErrStopReconnect, attempt)
		}

		t := timerPool.acquire(b.Duration())
		defer timerPool.release(t)

		select {
		case <-t.C:
		case <-ctx.Done():
			return nil, ctx.Err()
		}

		return dial(ctx)
	}
}

var errNoStream = errors.New("reconnect strategy returned no stream")

// reconnect runs one reconnection episode. A strategy returning neither a
// stream nor an error counts as a failed attempt.
func reconnect(ctx context.Context, strat ReconStrat, log zerolog.Logger, metrics *Metrics) (ByteStream, error) {
	for attempt := 0; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		metrics.reconnectAttempt()

		stream, err := strat(ctx, attempt)
		if err == nil && stream == nil {
			err = errNoStream
		}
		if err == nil {
			if ctx.Err() != nil {
				_ = stream.Close()
				return nil, ctx.Err()
			}
			metrics.reconnected()
			log.Info().Int("attempt", attempt).Msg("reconnected")
			return stream, nil
		}

		if errors.Is(err, ErrStopReconnect) {
			return nil, err
		}

		log.Warn().Err(err).Int("attempt", attempt).Msg("reconnect attempt failed")
	}
}
