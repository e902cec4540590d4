package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/die-net/socksfarm/internal/dialer"
	"github.com/die-net/socksfarm/internal/lease"
	"github.com/die-net/socksfarm/internal/proxy"
	"github.com/die-net/socksfarm/internal/reconcile"
)

func newServeCmd(a *app) *cobra.Command {
	var relay, workers bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the SOCKS5 relay and the pool workers",
		Long: `Runs one SOCKS5 listener per pool port plus the pool sync and expiry sweep
workers. Either half can be disabled to run the relay and the workers as
separate processes sharing one database.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !relay && !workers {
				return errors.New("nothing to run (both --relay and --workers are off)")
			}
			return a.serve(relay, workers)
		},
	}

	cmd.Flags().BoolVar(&relay, "relay", true, "Serve the pool ports")
	cmd.Flags().BoolVar(&workers, "workers", true, "Run pool sync and expiry sweep")

	return cmd
}

func (a *app) serve(relay, workers bool) error {
	start, end, err := a.cfg.PortRange()
	if err != nil {
		return err
	}
	ka, err := a.cfg.KeepAlive()
	if err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(context.Background())

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer db.Close()

	if workers {
		syncer := &reconcile.Syncer{
			DB:       db,
			PoolFile: a.cfg.PoolFile,
			Start:    start,
			End:      end,
			Log:      a.log.With().Str("component", "sync").Logger(),
		}
		// The relay reads the pool from the store, so fill it before the
		// first listener refresh.
		if _, err := syncer.Sync(ctx); err != nil {
			return fmt.Errorf("initial pool sync: %w", err)
		}

		sweeper := &reconcile.Sweeper{
			Allocator: lease.New(db, a.log.With().Str("component", "lease").Logger()),
			Notifier:  reconcile.LogNotifier{Log: a.log.With().Str("component", "notify").Logger()},
			Log:       a.log.With().Str("component", "sweep").Logger(),
		}

		g.Go(func() error {
			reconcile.Every(ctx, a.cfg.SyncInterval, a.log, "pool-sync", func(ctx context.Context) error {
				_, err := syncer.Sync(ctx)
				return err
			})
			return nil
		})
		g.Go(func() error {
			reconcile.Every(ctx, a.cfg.ExpiryInterval, a.log, "expiry-sweep", func(ctx context.Context) error {
				_, err := sweeper.Sweep(ctx)
				return err
			})
			return nil
		})
		a.log.Info().Int("start", start).Int("end", end).Msg("pool workers started")
	}

	if relay {
		if n, err := proxy.RaiseOpenFileLimit(); err != nil {
			a.log.Warn().Err(err).Msg("could not raise open file limit")
		} else if n > 0 {
			a.log.Debug().Uint64("limit", n).Msg("open file limit")
		}

		cfg := proxy.Config{
			NegotiationTimeout: a.cfg.NegotiationTimeout,
			KeepAlive:          ka,
			Verbose:            a.cfg.Verbose,
		}
		cfg.Dialer, err = dialer.New(dialer.Config{
			DialTimeout:        a.cfg.DialTimeout,
			NegotiationTimeout: a.cfg.NegotiationTimeout,
			KeepAlive:          ka,
		}, a.cfg.Upstream)
		if err != nil {
			return fmt.Errorf("invalid --upstream: %w", err)
		}

		mgr := proxy.NewManager(ctx, cfg, a.cfg.Bind, a.log.With().Str("component", "relay").Logger())
		refresher := &reconcile.ListenerRefresher{DB: db, Manager: mgr, Log: a.log.With().Str("component", "relay").Logger()}

		g.Go(func() error {
			defer mgr.Close()
			reconcile.Every(ctx, a.cfg.SyncInterval, a.log, "listener-refresh", refresher.Refresh)
			return nil
		})
		a.log.Info().Str("bind", a.cfg.Bind).Str("upstream", redactURL(a.cfg.Upstream)).Msg("relay started")
	}

	err = g.Wait()
	a.log.Info().Msg("shutting down")
	return err
}

func redactURL(s string) string {
	u, err := url.Parse(s)
	if err != nil {
		return "invalid"
	}
	return u.Redacted()
}
