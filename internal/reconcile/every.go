package reconcile

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// Every runs fn immediately and then once per interval until ctx is done.
// A failed iteration is logged and the loop carries on.
func Every(ctx context.Context, interval time.Duration, log zerolog.Logger, name string, fn func(context.Context) error) {
	log = log.With().Str("worker", name).Logger()

	t := time.NewTicker(interval)
	defer t.Stop()

	for {
		if err := fn(ctx); err != nil && ctx.Err() == nil {
			log.Warn().Err(err).Msg("iteration failed")
		}

		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
	}
}
