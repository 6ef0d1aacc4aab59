// Package cmd implements the credithub command line.
package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var version = "dev"

// NewRootCmd creates the root cobra command for credithub.
// When invoked without a subcommand, it runs the server.
func NewRootCmd(v string) *cobra.Command {
	version = v

	root := &cobra.Command{
		Use:   "credithub [config-file]",
		Short: "credithub, a prepaid credit ledger for metered AI usage",
		Long: "credithub grants expiring credit packages from payment webhooks, " +
			"meters AI chat against them and serves balances over HTTP.",
		Args:          cobra.MaximumNArgs(1),
		RunE:          runRun,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(newRunCmd())
	root.AddCommand(newInitCmd())
	root.AddCommand(newSweepCmd())
	root.AddCommand(newCreditsCmd())
	root.AddCommand(newUsersCmd())
	root.AddCommand(newVersionCmd())

	root.PersistentFlags().StringP("config", "c", "", "path to config file")

	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version and exit",
		Run: func(cmd *cobra.Command, args []string) {
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), "credithub", version)
		},
	}
}
