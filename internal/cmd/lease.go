package cmd

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/die-net/socksfarm/internal/lease"
	"github.com/die-net/socksfarm/internal/reconcile"
	"github.com/die-net/socksfarm/internal/store"
)

func newAllocateCmd(a *app) *cobra.Command {
	var req lease.Request

	cmd := &cobra.Command{
		Use:   "allocate",
		Short: "Lease free pool entries to a subscriber",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			alloc, db, err := a.openAllocator(ctx)
			if err != nil {
				return err
			}
			defer db.Close()

			g, err := alloc.Allocate(ctx, req)
			var short *lease.InsufficientPoolError
			if errors.As(err, &short) {
				return fmt.Errorf("only %d of %d requested slots are free", short.Free, short.Requested)
			}
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Lease %d for subscriber %d, expires %s\n", g.LeaseID, g.SubscriberID, g.ExpiresAt.Local().Format(time.DateTime))
			printSlots(out, g.Slots, a.cfg.PublicHost)
			return nil
		},
	}

	cmd.Flags().Int64Var(&req.SubscriberID, "subscriber", 0, "Subscriber id")
	cmd.Flags().IntVar(&req.Slots, "slots", 1, "Number of slots")
	cmd.Flags().DurationVar(&req.Duration, "duration", 30*24*time.Hour, "Lease duration")
	_ = cmd.MarkFlagRequired("subscriber")

	return cmd
}

func newRevokeCmd(a *app) *cobra.Command {
	var subscriber, leaseID, slotID int64
	var all bool

	cmd := &cobra.Command{
		Use:   "revoke",
		Short: "Revoke a subscriber's slots and free their pool entries",
		Long: `Revokes one slot (--slot) or every slot (the default) of --lease, or with --all
every active slot the subscriber holds.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !all && leaseID == 0 {
				return errors.New("either --lease or --all is required")
			}

			ctx := cmd.Context()
			alloc, db, err := a.openAllocator(ctx)
			if err != nil {
				return err
			}
			defer db.Close()

			var freed int
			if all {
				freed, err = alloc.RevokeSubscriber(ctx, subscriber)
			} else {
				freed, err = alloc.Revoke(ctx, subscriber, leaseID, slotID)
			}
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Freed %d slots\n", freed)
			return nil
		},
	}

	cmd.Flags().Int64Var(&subscriber, "subscriber", 0, "Subscriber id")
	cmd.Flags().Int64Var(&leaseID, "lease", 0, "Lease id")
	cmd.Flags().Int64Var(&slotID, "slot", lease.AllSlots, "Slot id (default all slots of the lease)")
	cmd.Flags().BoolVar(&all, "all", false, "Revoke every active slot of the subscriber")
	_ = cmd.MarkFlagRequired("subscriber")
	cmd.MarkFlagsMutuallyExclusive("all", "lease")

	return cmd
}

func newSlotsCmd(a *app) *cobra.Command {
	var subscriber int64
	var history bool

	cmd := &cobra.Command{
		Use:   "slots",
		Short: "List a subscriber's proxy links",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			alloc, db, err := a.openAllocator(ctx)
			if err != nil {
				return err
			}
			defer db.Close()

			var slots []lease.Slot
			if history {
				slots, err = alloc.SlotsFor(ctx, subscriber)
			} else {
				slots, err = alloc.ActiveSlotsFor(ctx, subscriber)
			}
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if len(slots) == 0 {
				fmt.Fprintln(out, "No slots found")
				return nil
			}
			printSlots(out, slots, a.cfg.PublicHost)
			return nil
		},
	}

	cmd.Flags().Int64Var(&subscriber, "subscriber", 0, "Subscriber id")
	cmd.Flags().BoolVar(&history, "all", false, "Include expired slots")
	_ = cmd.MarkFlagRequired("subscriber")

	return cmd
}

func newSweepCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Expire due leases once",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			alloc, db, err := a.openAllocator(ctx)
			if err != nil {
				return err
			}
			defer db.Close()

			s := &reconcile.Sweeper{
				Allocator: alloc,
				Notifier:  reconcile.LogNotifier{Log: a.log},
				Log:       a.log,
			}
			ids, err := s.Sweep(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Notified %d subscribers\n", len(ids))
			return nil
		},
	}
}

func printSlots(w io.Writer, slots []lease.Slot, host string) {
	green := color.New(color.FgGreen).SprintFunc()
	red := color.New(color.FgRed).SprintFunc()
	cyan := color.New(color.FgCyan).SprintFunc()

	for _, s := range slots {
		status := green(s.Status)
		if s.Status == store.StatusExpired {
			status = red(s.Status)
		}
		fmt.Fprintf(w, "  #%d  lease %d slot %d (%s)\n", s.SlotNumber, s.LeaseID, s.ID, status)
		fmt.Fprintf(w, "      %s\n", cyan(s.URL(host)))
		fmt.Fprintf(w, "      expires %s\n", s.ExpiresAt.Local().Format(time.DateTime))
	}
}
