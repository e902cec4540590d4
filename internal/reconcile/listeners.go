package reconcile

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/die-net/socksfarm/internal/proxy"
	"github.com/die-net/socksfarm/internal/store"
)

// ListenerRefresher keeps a relay's listener set in line with the store:
// one listener per pool entry, gated by that entry's credential.
type ListenerRefresher struct {
	DB      *store.DB
	Manager *proxy.Manager
	Log     zerolog.Logger
}

// Refresh reads the pool and syncs the manager to it. Ports that fail to
// bind are reported in the error and retried on the next refresh.
func (r *ListenerRefresher) Refresh(ctx context.Context) error {
	entries, err := r.DB.PoolEntries(ctx)
	if err != nil {
		return err
	}

	desired := make(map[int]proxy.Credential, len(entries))
	for _, e := range entries {
		desired[e.Port] = proxy.Credential{Username: e.Username, Password: e.Password}
	}

	res, err := r.Manager.Sync(desired)
	if res.Started > 0 || res.Stopped > 0 || res.Restarted > 0 {
		r.Log.Info().
			Int("started", res.Started).
			Int("stopped", res.Stopped).
			Int("restarted", res.Restarted).
			Int("listening", len(r.Manager.Ports())).
			Msg("listeners refreshed")
	}
	return err
}
