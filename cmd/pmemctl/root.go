package main

import (
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

var verbose bool

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use: "pmemctl",
		Short: "Inspect and format pmstore pool files",
		SilenceUsage: true,
		SilenceErrors: true,
	}
	flags := pflag.NewFlagSet("pmemctl", pflag.ContinueOnError)
	flags.BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	root.PersistentFlags().AddFlagSet(flags)

	root.AddCommand(newOpenCmd(), newInfoCmd(), newUsedCmd(), newGCCmd())
	return root
}
