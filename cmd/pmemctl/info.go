package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newInfoCmd() *cobra.Command {
	return &cobra.Command{
		Use: "info PATH",
		Short: "Print a pool's header layout and allocator occupancy",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			setupLogging()
			p, err := openReadOnlyInfo(args[0])
			if err != nil {
				return fmt.Errorf("pmemctl: info: %w", err)
			}
			defer p.Close()
			p.PrintInfo()
			return nil
		},
	}
}
