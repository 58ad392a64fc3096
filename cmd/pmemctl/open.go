package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/vaultmem/pmstore/pool"
)

func newOpenCmd() *cobra.Command {
	var size string
	var force bool
	cmd := &cobra.Command{
		Use: "open PATH",
		Short: "Create and format a new pool file",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			setupLogging()
			sf, err := sizeFlag(size)
			if err != nil {
				return err
			}
			flags := pool.OCreate | sf
			if force {
				flags |= pool.OFormat
			}
			p, err := pool.OpenNoRoot[anyRoot](args[0], flags)
			if err != nil {
				return fmt.Errorf("pmemctl: open: %w", err)
			}
			defer p.Close()
			fmt.Fprintf(cmd.OutOrStdout(), "formatted %s (%d bytes used)\n", args[0], p.Used())
			return nil
		},
	}
	cmd.Flags().StringVar(&size, "size", "1gb", "pool size class: 1gb, 4gb, 8gb, 16gb, 32gb")
	cmd.Flags().BoolVar(&force, "force", false, "reformat even if the file already exists")
	return cmd
}
