package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/franksops/gridconveyor/grid"
)

func newAccountCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "account",
		Short: "Manage grid accounts",
	}

	var (
		port    int
		credRef string
	)
	add := &cobra.Command{
		Use:   "add USER@HOST ZONE",
		Short: "Register a grid account",
		Long: `Register a grid account.

The secret is never stored. --credential-ref names it; the S3 scheme reads
<REF>_ACCESS_KEY and <REF>_SECRET_KEY from the environment.`,
		Args: cobra.ExactArgs(2),
		RunE: withApp(opts, func(cmd *cobra.Command, args []string, a *app) error {
			acct, err := grid.ParseSignature(fmt.Sprintf("%s:%d/%s", args[0], port, args[1]))
			if err != nil {
				return err
			}
			acct.CredentialRef = credRef
			if err := a.accounts.Register(cmd.Context(), acct); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), acct.Signature())
			return nil
		}),
	}
	add.Flags().IntVar(&port, "port", 1247, "Grid port")
	add.Flags().StringVar(&credRef, "credential-ref", "", "Name of the credentials to authenticate with")

	list := &cobra.Command{
		Use:   "list",
		Short: "List registered accounts",
		Args:  cobra.NoArgs,
		RunE: withApp(opts, func(cmd *cobra.Command, _ []string, a *app) error {
			accounts := a.accounts.List()
			if opts.output == "yaml" {
				return writeYAML(cmd, accounts)
			}
			rows := make([][]string, 0, len(accounts))
			for _, acct := range accounts {
				rows = append(rows, []string{acct.Signature(), acct.CredentialRef})
			}
			return writeTable(cmd, []string{"SIGNATURE", "CREDENTIAL REF"}, rows)
		}),
	}

	remove := &cobra.Command{
		Use:   "remove SIGNATURE",
		Short: "Forget a grid account",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(opts, func(cmd *cobra.Command, args []string, a *app) error {
			return a.accounts.Remove(cmd.Context(), args[0])
		}),
	}

	cmd.AddCommand(add, list, remove)
	return cmd
}
