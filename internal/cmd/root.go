// Package cmd implements the socksfarm command line.
package cmd

import (
	"context"
	"fmt"
	"io"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/die-net/socksfarm/internal/config"
	"github.com/die-net/socksfarm/internal/lease"
	"github.com/die-net/socksfarm/internal/store"
)

var version = "0.1.0"

type app struct {
	cfg        config.Config
	configPath string
	log        zerolog.Logger
}

// NewRootCmd returns the socksfarm command tree.
func NewRootCmd() *cobra.Command {
	a := &app{cfg: config.Default()}

	root := &cobra.Command{
		Use:   "socksfarm",
		Short: "Leased SOCKS5 proxy farm",
		Long: `Socksfarm serves a fixed pool of password-protected SOCKS5 ports and leases
them to subscribers for a bounded time, reclaiming them on expiry or revocation.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := a.cfg.Load(a.configPath, cmd.Flags()); err != nil {
				return err
			}
			log, err := newLogger(cmd.ErrOrStderr(), a.cfg.LogLevel, a.cfg.LogFormat)
			if err != nil {
				return err
			}
			a.log = log
			return nil
		},
	}

	pf := root.PersistentFlags()
	pf.SortFlags = false
	pf.StringVar(&a.configPath, "config", "", "Path to a YAML config file")
	a.cfg.RegisterFlags(pf)

	root.AddCommand(newServeCmd(a))
	root.AddCommand(newPoolCmd(a))
	root.AddCommand(newAllocateCmd(a))
	root.AddCommand(newRevokeCmd(a))
	root.AddCommand(newSlotsCmd(a))
	root.AddCommand(newSweepCmd(a))

	return root
}

func newLogger(w io.Writer, level, format string) (zerolog.Logger, error) {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		return zerolog.Nop(), err
	}
	if format == "console" {
		w = zerolog.ConsoleWriter{Out: w}
	}
	return zerolog.New(w).Level(lvl).With().Timestamp().Logger(), nil
}

func (a *app) openStore(ctx context.Context) (*store.DB, error) {
	db, err := store.Open(ctx, a.cfg.Database, a.log)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", a.cfg.Database, err)
	}
	return db, nil
}

func (a *app) openAllocator(ctx context.Context) (*lease.Allocator, *store.DB, error) {
	db, err := a.openStore(ctx)
	if err != nil {
		return nil, nil, err
	}
	return lease.New(db, a.log), db, nil
}
