package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/franksops/gridconveyor/config"
	"github.com/franksops/gridconveyor/grid"
	"github.com/franksops/gridconveyor/logging"
	"github.com/franksops/gridconveyor/queue"
	"github.com/franksops/gridconveyor/store"
)

type rootOptions struct {
	configPath string
	output     string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:   "conveyor",
		Short: "conveyor moves bulk transfers between local disk and grid storage",
		Long: `conveyor keeps a durable queue of bulk grid transfers and runs them
one at a time through configurable flows.

Settings come from --config and CONVEYOR_* environment variables.`,
		SilenceUsage: true,
	}
	cmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", os.Getenv("CONVEYOR_CONFIG"),
		"Path to a YAML config file (or set CONVEYOR_CONFIG)")
	cmd.PersistentFlags().StringVarP(&opts.output, "output", "o", "table", "Listing format: table or yaml")

	cmd.AddCommand(
		newRunCmd(opts),
		newEnqueueCmd(opts),
		newListCmd(opts),
		newControlCmd(opts, "cancel", "Cancel a descriptor that is not running", (*queue.Queue).Cancel),
		newControlCmd(opts, "pause", "Hold an enqueued descriptor back", (*queue.Queue).Pause),
		newControlCmd(opts, "restart", "Requeue a paused or failed descriptor", (*queue.Queue).Restart),
		newAccountCmd(opts),
		newSyncCmd(opts),
		newFlowsCmd(opts),
	)
	return cmd
}

// app holds what every command needs: settings, logging and the state
// database.
type app struct {
	cfg      *config.Config
	log      logging.Logger
	store    *store.BoltStore
	accounts *grid.Registry
	queue    *queue.Queue
}

func openApp(ctx context.Context, cmd *cobra.Command, opts *rootOptions) (*app, error) {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return nil, err
	}
	log, err := logging.New(cmd.ErrOrStderr(), cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(cfg.StateDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create state directory: %w", err)
	}
	st, err := store.NewBoltStore(cfg.DBPath())
	if err != nil {
		return nil, err
	}
	accounts := grid.NewRegistry(st)
	if err := accounts.Load(ctx); err != nil {
		st.Close()
		return nil, err
	}
	return &app{
		cfg:      cfg,
		log:      log,
		store:    st,
		accounts: accounts,
		queue:    queue.New(st),
	}, nil
}

func (a *app) Close() error {
	return a.store.Close()
}

// withApp runs fn against an opened app and closes it afterwards.
func withApp(opts *rootOptions, fn func(cmd *cobra.Command, args []string, a *app) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		if ctx == nil {
			ctx = context.Background()
			cmd.SetContext(ctx)
		}
		a, err := openApp(ctx, cmd, opts)
		if err != nil {
			return err
		}
		defer a.Close()
		return fn(cmd, args, a)
	}
}
