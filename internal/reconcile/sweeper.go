package reconcile

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/die-net/socksfarm/internal/lease"
)

// Notifier delivers expiry notices to subscribers.
type Notifier interface {
	NotifyExpired(ctx context.Context, subscriberIDs []int64) error
}

// LogNotifier records expiry notices in the log.
type LogNotifier struct {
	Log zerolog.Logger
}

func (n LogNotifier) NotifyExpired(_ context.Context, ids []int64) error {
	for _, id := range ids {
		n.Log.Info().Int64("subscriber", id).Msg("lease expired")
	}
	return nil
}

// Sweeper runs the allocator's expiry sweep and notifies the affected
// subscribers.
type Sweeper struct {
	Allocator *lease.Allocator
	Notifier  Notifier
	Log       zerolog.Logger
}

// Sweep expires due leases. A failed notification is logged and does not
// undo the sweep; the subscriber is not reported again.
func (s *Sweeper) Sweep(ctx context.Context) ([]int64, error) {
	ids, err := s.Allocator.SweepExpired(ctx)
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 || s.Notifier == nil {
		return ids, nil
	}
	if err := s.Notifier.NotifyExpired(ctx, ids); err != nil {
		s.Log.Warn().Err(err).Int("subscribers", len(ids)).Msg("expiry notification failed")
	}
	return ids, nil
}
