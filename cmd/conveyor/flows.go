package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/franksops/gridconveyor/engine"
	"github.com/franksops/gridconveyor/flow"
	"github.com/franksops/gridconveyor/logging"
	"github.com/franksops/gridconveyor/provider"
	"github.com/franksops/gridconveyor/store"
)

// builtinFactory returns a factory holding the built-in microservices.
func builtinFactory(local provider.Provider, buffers *engine.BufferPool, log logging.Logger) (*flow.Factory, error) {
	f := flow.NewFactory()
	if err := engine.RegisterBuiltins(f, local, buffers, log); err != nil {
		return nil, err
	}
	return f, nil
}

func (a *app) factory() (*flow.Factory, error) {
	return builtinFactory(provider.NewLocalProvider(""), engine.NewBufferPool(a.cfg.Transfer.BufferSize), a.log)
}

func newFlowsCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "flows",
		Short: "Manage flows",
	}

	add := &cobra.Command{
		Use:   "add FILE",
		Short: "Persist the flows defined in a YAML file",
		Long: `Persist the flows defined in a YAML file. Every flow is built first, so
an unknown microservice or action rejects the flow. A flow replaces a
persisted flow of the same name.`,
		Args: cobra.ExactArgs(1),
		RunE: withApp(opts, func(cmd *cobra.Command, args []string, a *app) error {
			recs, err := flow.LoadFile(args[0])
			if err != nil {
				return err
			}
			f, err := a.factory()
			if err != nil {
				return err
			}
			r := flow.NewResolver()
			for _, rec := range recs {
				spec, err := r.Persist(a.store, rec, f)
				if err != nil {
					return fmt.Errorf("flow %q: %w", rec.Name, err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", spec.Name(), spec.Selector())
			}
			return nil
		}),
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List persisted flows",
		Args:  cobra.NoArgs,
		RunE: withApp(opts, func(cmd *cobra.Command, _ []string, a *app) error {
			recs, err := a.store.ListFlows()
			if err != nil {
				return err
			}
			if opts.output == "yaml" {
				return writeYAML(cmd, map[string][]*store.FlowRecord{"flows": recs})
			}
			rows := make([][]string, 0, len(recs))
			for _, rec := range recs {
				rows = append(rows, []string{
					rec.Name, rec.Action, orAny(rec.Host), orAny(rec.Zone),
					chainNames(rec.PreOperation), chainNames(rec.PreFile), chainNames(rec.PostFile),
					chainNames(rec.PostOperation), chainNames(rec.OnError),
				})
			}
			return writeTable(cmd, []string{"NAME", "ACTION", "HOST", "ZONE", "PRE-OP", "PRE-FILE", "POST-FILE", "POST-OP", "ON-ERROR"}, rows)
		}),
	}

	remove := &cobra.Command{
		Use:   "remove NAME",
		Short: "Delete a persisted flow",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(opts, func(cmd *cobra.Command, args []string, a *app) error {
			return a.store.DeleteFlow(args[0])
		}),
	}

	services := &cobra.Command{
		Use:   "microservices",
		Short: "List the microservices flows can reference",
		Args:  cobra.NoArgs,
		RunE: withApp(opts, func(cmd *cobra.Command, _ []string, a *app) error {
			f, err := a.factory()
			if err != nil {
				return err
			}
			for _, name := range f.Names() {
				fmt.Fprintln(cmd.OutOrStdout(), name)
			}
			return nil
		}),
	}

	cmd.AddCommand(add, list, remove, services)
	return cmd
}

func orAny(s string) string {
	if s == "" {
		return "*"
	}
	return s
}

func chainNames(refs []store.MicroserviceRef) string {
	if len(refs) == 0 {
		return "-"
	}
	names := make([]string, len(refs))
	for i, r := range refs {
		names[i] = r.Name
	}
	return strings.Join(names, ",")
}
