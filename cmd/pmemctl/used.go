package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newUsedCmd() *cobra.Command {
	return &cobra.Command{
		Use: "used PATH",
		Short: "Print the number of bytes currently allocated out of a pool's arena",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			setupLogging()
			p, err := openReadOnlyInfo(args[0])
			if err != nil {
				return fmt.Errorf("pmemctl: used: %w", err)
			}
			defer p.Close()
			fmt.Fprintln(cmd.OutOrStdout(), p.Used())
			return nil
		},
	}
}
