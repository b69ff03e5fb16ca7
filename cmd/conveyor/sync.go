package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/franksops/gridconveyor/failure"
	"github.com/franksops/gridconveyor/scheduler"
	"github.com/franksops/gridconveyor/store"
)

func newSyncCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Manage synchronization relationships",
	}

	var (
		account   string
		direction string
		disabled  bool
	)
	add := &cobra.Command{
		Use:   "add NAME LOCAL_PATH REMOTE_PATH",
		Short: "Create or replace a synchronization relationship",
		Args:  cobra.ExactArgs(3),
		RunE: withApp(opts, func(cmd *cobra.Command, args []string, a *app) error {
			acct, err := a.accounts.Resolve(account)
			if err != nil {
				return err
			}
			r := store.SyncRelationship{
				Name:       args[0],
				LocalPath:  args[1],
				RemotePath: args[2],
				Account:    acct,
				Direction:  store.Direction(direction),
				Enabled:    !disabled,
			}
			if err := scheduler.Validate(r); err != nil {
				return failure.Validation("add sync", err)
			}
			if err := a.store.SaveSync(r); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), r.Name)
			return nil
		}),
	}
	add.Flags().StringVar(&account, "account", "", "Signature of a registered account")
	add.Flags().StringVar(&direction, "direction", string(store.DirectionBoth), "both, push or pull")
	add.Flags().BoolVar(&disabled, "disabled", false, "Store the relationship without scheduling it")
	_ = add.MarkFlagRequired("account")

	list := &cobra.Command{
		Use:   "list",
		Short: "List synchronization relationships",
		Args:  cobra.NoArgs,
		RunE: withApp(opts, func(cmd *cobra.Command, _ []string, a *app) error {
			syncs, err := a.store.ListSyncs()
			if err != nil {
				return err
			}
			if opts.output == "yaml" {
				return writeYAML(cmd, syncs)
			}
			rows := make([][]string, 0, len(syncs))
			for _, r := range syncs {
				rows = append(rows, []string{
					r.Name, string(r.Direction), fmt.Sprint(r.Enabled), r.LocalPath, r.RemotePath, r.Account.Signature(),
				})
			}
			return writeTable(cmd, []string{"NAME", "DIRECTION", "ENABLED", "LOCAL", "REMOTE", "ACCOUNT"}, rows)
		}),
	}

	remove := &cobra.Command{
		Use:   "remove NAME",
		Short: "Delete a synchronization relationship",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(opts, func(cmd *cobra.Command, args []string, a *app) error {
			return a.store.DeleteSync(args[0])
		}),
	}

	cmd.AddCommand(add, list, remove)
	return cmd
}
