package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/franksops/gridconveyor/queue"
	"github.com/franksops/gridconveyor/store"
)

type enqueueOptions struct {
	account string
	target  string
}

func newEnqueueCmd(opts *rootOptions) *cobra.Command {
	eo := &enqueueOptions{}
	cmd := &cobra.Command{
		Use:   "enqueue TYPE LOCAL_PATH REMOTE_PATH",
		Short: "Add a transfer to the back of the queue",
		Long: `Add a transfer to the back of the queue.

TYPE is one of PUT, GET, REPLICATE or SYNCHRONIZE. REPLICATE copies
REMOTE_PATH to the resource named by --target and ignores LOCAL_PATH.`,
		Example: `  conveyor enqueue PUT /data/run42 /tempZone/home/rods/run42 --account rods@grid.local:1247/tempZone`,
		Args:    cobra.ExactArgs(3),
		RunE: withApp(opts, func(cmd *cobra.Command, args []string, a *app) error {
			account, err := a.accounts.Resolve(eo.account)
			if err != nil {
				return err
			}
			d := &store.Descriptor{
				Type:           store.TransferType(strings.ToUpper(args[0])),
				LocalPath:      args[1],
				RemotePath:     args[2],
				TargetResource: eo.target,
				Account:        account,
			}
			id, err := a.queue.Enqueue(cmd.Context(), d)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), id)
			return nil
		}),
	}
	cmd.Flags().StringVar(&eo.account, "account", "", "Signature of a registered account (user@host:port/zone)")
	cmd.Flags().StringVar(&eo.target, "target", "", "Destination resource of a REPLICATE transfer")
	_ = cmd.MarkFlagRequired("account")
	return cmd
}

type listOptions struct {
	states []string
}

func newListCmd(opts *rootOptions) *cobra.Command {
	lo := &listOptions{}
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List descriptors, oldest first",
		Args:  cobra.NoArgs,
		RunE: withApp(opts, func(cmd *cobra.Command, _ []string, a *app) error {
			keep := map[store.State]bool{}
			for _, s := range lo.states {
				keep[store.State(strings.ToUpper(s))] = true
			}
			ds, err := a.queue.List(cmd.Context(), func(d *store.Descriptor) bool {
				return len(keep) == 0 || keep[d.State]
			})
			if err != nil {
				return err
			}
			if opts.output == "yaml" {
				return writeYAML(cmd, ds)
			}
			rows := make([][]string, 0, len(ds))
			for _, d := range ds {
				errMsg := ""
				if d.Error != nil {
					errMsg = d.Error.Message
				}
				rows = append(rows, []string{
					d.ID, string(d.Type), string(d.State),
					fmt.Sprintf("%d/%d", d.FilesTransferred, d.TotalFiles),
					fmt.Sprintf("%d/%d", d.BytesTransferred, d.TotalBytes),
					fmt.Sprint(d.RetryCount), d.RemotePath, errMsg,
				})
			}
			return writeTable(cmd, []string{"ID", "TYPE", "STATE", "FILES", "BYTES", "RETRIES", "REMOTE", "ERROR"}, rows)
		}),
	}
	cmd.Flags().StringSliceVar(&lo.states, "state", nil, "Only show descriptors in these states")
	return cmd
}

// newControlCmd builds a command that applies op to each descriptor ID.
func newControlCmd(opts *rootOptions, use, short string, op func(*queue.Queue, context.Context, string) error) *cobra.Command {
	return &cobra.Command{
		Use:   use + " ID...",
		Short: short,
		Args:  cobra.MinimumNArgs(1),
		RunE: withApp(opts, func(cmd *cobra.Command, args []string, a *app) error {
			for _, id := range args {
				if err := op(a.queue, cmd.Context(), id); err != nil {
					return fmt.Errorf("%s %s: %w", use, id, err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", use, id)
			}
			return nil
		}),
	}
}
