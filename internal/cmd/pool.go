package cmd

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/die-net/socksfarm/internal/credential"
	"github.com/die-net/socksfarm/internal/reconcile"
	"github.com/die-net/socksfarm/internal/store"
)

func newPoolCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pool",
		Short: "Manage the pool description and its stored entries",
	}
	cmd.AddCommand(newPoolGenerateCmd(a))
	cmd.AddCommand(newPoolSyncCmd(a))
	cmd.AddCommand(newPoolStatusCmd(a))
	return cmd
}

func newPoolGenerateCmd(a *app) *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Write the pool description for the configured port range",
		Long: `Writes random credentials for every port in --ports to --pool-file. An existing
file that already covers exactly that range is kept unless --force is set.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			start, end, err := a.cfg.PortRange()
			if err != nil {
				return err
			}

			if force {
				entries, err := credential.Generate(start, end)
				if err != nil {
					return err
				}
				if err := credential.Save(a.cfg.PoolFile, entries); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Generated %d entries in %s\n", len(entries), a.cfg.PoolFile)
				return nil
			}

			entries, regenerated, err := credential.LoadOrCreate(a.cfg.PoolFile, start, end, a.log)
			if err != nil {
				return err
			}
			if regenerated {
				fmt.Fprintf(cmd.OutOrStdout(), "Generated %d entries in %s\n", len(entries), a.cfg.PoolFile)
			} else {
				fmt.Fprintf(cmd.OutOrStdout(), "Kept %d entries in %s\n", len(entries), a.cfg.PoolFile)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "Regenerate even if the existing file matches")

	return cmd
}

func newPoolSyncCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Apply the pool description to the database once",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			start, end, err := a.cfg.PortRange()
			if err != nil {
				return err
			}
			db, err := a.openStore(ctx)
			if err != nil {
				return err
			}
			defer db.Close()

			s := &reconcile.Syncer{DB: db, PoolFile: a.cfg.PoolFile, Start: start, End: end, Log: a.log}
			st, err := s.Sync(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Declared %d, inserted %d, updated %d, removed %d, left %d assigned\n",
				st.Declared, st.Inserted, st.Updated, st.Removed, st.Assigned+st.Stale)
			return nil
		},
	}
}

func newPoolStatusCmd(a *app) *cobra.Command {
	var list bool

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show free and assigned pool entries",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.poolStatus(cmd, list)
		},
	}

	cmd.Flags().BoolVar(&list, "list", false, "List every entry")

	return cmd
}

func (a *app) poolStatus(cmd *cobra.Command, list bool) error {
	ctx := cmd.Context()
	db, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer db.Close()

	entries, err := db.PoolEntries(ctx)
	if err != nil {
		return err
	}

	green := color.New(color.FgGreen).SprintFunc()
	yellow := color.New(color.FgYellow).SprintFunc()

	free := 0
	for _, e := range entries {
		if e.Status == store.EntryFree {
			free++
		}
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Pool: %d entries, %s free, %s assigned\n", len(entries), green(free), yellow(len(entries)-free))

	if list {
		fmt.Fprintln(out)
		for _, e := range entries {
			status := green(e.Status)
			if e.Status == store.EntryAssigned {
				status = yellow(fmt.Sprintf("%s (slot %d)", e.Status, e.AssignedSlotID))
			}
			fmt.Fprintf(out, "  %5d  %-10s  %s\n", e.Port, e.Username, status)
		}
	}
	return nil
}
