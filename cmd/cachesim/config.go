package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Print the effective configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, _, err := loadConfig()
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "total_size:             %d\n", cfg.TotalSize)
		fmt.Fprintf(out, "max_block_size:         %d\n", cfg.MaxBlockSize)
		fmt.Fprintf(out, "pages:                  %d\n", cfg.Pages)
		fmt.Fprintf(out, "blocks:                 %d\n", cfg.Blocks)
		fmt.Fprintf(out, "align:                  %d\n", cfg.Align)
		fmt.Fprintf(out, "hash_shift:             %d (%d buckets)\n", cfg.HashShift, cfg.HashBuckets())
		fmt.Fprintf(out, "page_delay:             %d\n", cfg.PageDelay)
		fmt.Fprintf(out, "invalidation_threshold: %d\n", cfg.InvalidationThreshold)
		fmt.Fprintf(out, "executable:             %t\n", cfg.Executable)
		fmt.Fprintf(out, "log_level:              %s\n", cfg.LogLevel)
		return nil
	},
}
