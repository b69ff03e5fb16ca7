package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/franksops/gridconveyor/connection"
	"github.com/franksops/gridconveyor/engine"
	"github.com/franksops/gridconveyor/flow"
	"github.com/franksops/gridconveyor/grid"
	"github.com/franksops/gridconveyor/logging"
	"github.com/franksops/gridconveyor/metrics"
	"github.com/franksops/gridconveyor/provider"
	"github.com/franksops/gridconveyor/scheduler"
	"github.com/franksops/gridconveyor/ui"
)

type runOptions struct {
	tui  bool
	once bool
}

func newRunCmd(opts *rootOptions) *cobra.Command {
	ro := &runOptions{}
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Process the transfer queue and run scheduled synchronizations",
		Args:  cobra.NoArgs,
		RunE: withApp(opts, func(cmd *cobra.Command, _ []string, a *app) error {
			return a.run(cmd, ro)
		}),
	}
	cmd.Flags().BoolVar(&ro.tui, "tui", false, "Show the terminal monitor (logs go to conveyor.log in the state directory)")
	cmd.Flags().BoolVar(&ro.once, "once", false, "Run one synchronization pass, drain the queue and exit")
	return cmd
}

// conveyor is the wired runtime behind the run command.
type conveyor struct {
	cache    *connection.Cache
	flows    *flow.Resolver
	exec     *engine.Executor
	sched    *scheduler.Scheduler
	registry *prometheus.Registry
}

func (a *app) authenticator() grid.Authenticator {
	if a.cfg.Grid.Scheme == "file" {
		return &provider.LocalAuthenticator{Root: a.cfg.Grid.Root}
	}
	return provider.NewS3Authenticator(provider.S3Config{
		Region:   a.cfg.S3.Region,
		UseTLS:   a.cfg.S3.UseTLS,
		PartSize: a.cfg.S3.PartSize,
	})
}

// flowResolver registers the persisted flows, then the flows file, then the
// catch-all default. A later flow replaces an earlier one of the same name.
// The default goes last so an operator's ANY flow wins the registration
// tie-break against it; an operator flow named "default" is kept.
func (a *app) flowResolver(factory *flow.Factory) (*flow.Resolver, error) {
	flows := flow.NewResolver()
	if _, err := flows.Restore(a.store, factory); err != nil {
		return nil, err
	}
	if a.cfg.FlowsFile != "" {
		recs, err := flow.LoadFile(a.cfg.FlowsFile)
		if err != nil {
			return nil, err
		}
		for _, rec := range recs {
			spec, err := flow.Build(rec, factory)
			if err != nil {
				return nil, fmt.Errorf("flow %q: %w", rec.Name, err)
			}
			if err := flows.Register(spec); err != nil {
				return nil, err
			}
		}
	}
	def := flow.Default()
	for _, s := range flows.Specs() {
		if s.Name() == def.Name() {
			return flows, nil
		}
	}
	if err := flows.Register(def); err != nil {
		return nil, err
	}
	return flows, nil
}

func (a *app) wire() (*conveyor, error) {
	cfg := a.cfg
	cache, err := connection.NewCache(a.authenticator(), connection.Config{
		Capacity:      cfg.Cache.Capacity,
		IdleTimeout:   cfg.Cache.IdleTimeout,
		MaxAge:        cfg.Cache.MaxAge,
		SweepInterval: cfg.Cache.SweepInterval,
		OpenTimeout:   cfg.Cache.OpenTimeout,
	}, a.log)
	if err != nil {
		return nil, err
	}

	local := provider.NewLocalProvider("")
	buffers := engine.NewBufferPool(cfg.Transfer.BufferSize)
	factory, err := builtinFactory(local, buffers, a.log)
	if err != nil {
		cache.Shutdown()
		return nil, err
	}
	flows, err := a.flowResolver(factory)
	if err != nil {
		cache.Shutdown()
		return nil, err
	}

	// Zero retries in the config means none; the executor reads zero as
	// its default.
	retries := cfg.Executor.MaxRetries
	if retries == 0 {
		retries = -1
	}
	exec, err := engine.NewExecutor(engine.Deps{
		Queue:      a.queue,
		Flows:      flows,
		Sessions:   cache,
		Operations: engine.NewProviderOperations(local, buffers),
		Logger:     a.log,
	}, engine.Config{MaxRetries: retries, PollInterval: cfg.Executor.PollInterval})
	if err != nil {
		cache.Shutdown()
		return nil, err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m, err := metrics.New(reg)
	if err != nil {
		cache.Shutdown()
		return nil, err
	}
	if err := metrics.RegisterCache(reg, cache.Stats); err != nil {
		cache.Shutdown()
		return nil, err
	}
	exec.RegisterStatusListener(m)
	exec.RegisterStatusListener(statusLogger(a.log))

	trees := &engine.ProviderTrees{Local: local, Sessions: cache, Checksums: cfg.Sync.Checksum, Buffers: buffers}
	sched, err := scheduler.New(scheduler.Config{Interval: cfg.Sync.Interval}, a.store, trees, a.queue, a.log)
	if err != nil {
		cache.Shutdown()
		return nil, err
	}

	return &conveyor{cache: cache, flows: flows, exec: exec, sched: sched, registry: reg}, nil
}

// statusLogger logs the outcome of every descriptor attempt.
func statusLogger(log logging.Logger) engine.StatusListener {
	return engine.StatusListenerFunc(func(ctx context.Context, ev engine.StatusEvent) error {
		d := ev.Descriptor
		args := []any{"id", d.ID, "type", d.Type, "files", d.FilesTransferred, "bytes", d.BytesTransferred}
		switch ev.Kind {
		case engine.EventStarted:
			log.Info(ctx, "descriptor started", "id", d.ID, "type", d.Type, "local", d.LocalPath, "remote", d.RemotePath)
		case engine.EventCompleted, engine.EventPaused, engine.EventCancelled:
			log.Info(ctx, "descriptor "+string(ev.Kind), args...)
		case engine.EventRetrying:
			log.Warn(ctx, "descriptor retrying", append(args, "retry", d.RetryCount, "error", ev.Message)...)
		case engine.EventFailed:
			log.Error(ctx, "descriptor failed", append(args, "kind", ev.ErrKind, "error", ev.Message)...)
		}
		return nil
	})
}

func (a *app) run(cmd *cobra.Command, ro *runOptions) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if ro.tui {
		f, err := os.OpenFile(filepath.Join(a.cfg.StateDir, "conveyor.log"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return fmt.Errorf("failed to open log file: %w", err)
		}
		defer f.Close()
		if a.log, err = logging.New(f, a.cfg.Log.Level, a.cfg.Log.Format); err != nil {
			return err
		}
	}

	c, err := a.wire()
	if err != nil {
		return err
	}
	defer c.cache.Shutdown()

	if ro.once {
		return a.runOnce(ctx, cmd, c)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return c.cache.Run(gctx) })
	if addr := a.cfg.Metrics.Addr; addr != "" {
		g.Go(func() error { return metrics.Serve(gctx, addr, c.registry, a.log) })
	}
	if ro.tui {
		mon := ui.NewMonitor(c.exec)
		c.exec.RegisterStatusListener(mon)
		g.Go(func() error {
			defer stop()
			return mon.Run(gctx)
		})
	}

	if err := c.exec.Start(gctx); err != nil {
		stop()
		_ = g.Wait()
		return err
	}
	if err := c.sched.Start(gctx); err != nil {
		stop()
		c.exec.Stop()
		_ = g.Wait()
		return err
	}
	a.log.Info(ctx, "conveyor running", "flows", len(c.flows.Specs()), "scheme", a.cfg.Grid.Scheme)

	g.Go(func() error {
		<-gctx.Done()
		c.sched.Stop()
		c.exec.Stop()
		return nil
	})

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	a.log.Info(context.Background(), "conveyor stopped")
	return err
}

func (a *app) runOnce(ctx context.Context, cmd *cobra.Command, c *conveyor) error {
	rep, syncErr := c.sched.RunOnce(ctx)
	if syncErr != nil {
		a.log.Warn(ctx, "synchronization pass finished with errors", "error", syncErr)
	}
	if _, err := a.queue.Recover(ctx); err != nil {
		return err
	}
	n, err := c.exec.Drain(ctx)
	fmt.Fprintf(cmd.OutOrStdout(), "synchronized %d relationships (%d enqueued, %d skipped), processed %d descriptors\n",
		rep.Relationships, rep.Enqueued, rep.Skipped, n)
	return errors.Join(err, syncErr)
}
