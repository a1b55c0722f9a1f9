package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/nebari-go/nebari/bench"
)

var benchCmd = &cobra.Command{
	Use:   "bench",
	Short: "Run the insert/get/scan throughput sweep across batch sizes",
	RunE: func(cmd *cobra.Command, args []string) error {
		r, err := openRoots(cmd)
		if err != nil {
			return fmt.Errorf("open database: %w", err)
		}
		valueSize, _ := cmd.Flags().GetInt("value-size")
		seed, _ := cmd.Flags().GetInt64("seed")

		results, err := bench.RunAll(r, bench.DefaultBatchSizes, valueSize, seed)
		if err != nil {
			return fmt.Errorf("bench: %w", err)
		}
		bench.PrintReport(results)
		return nil
	},
}

func init() {
	benchCmd.Flags().Int("value-size", 100, "Value size in bytes")
	benchCmd.Flags().Int64("seed", 12345, "Key generator random seed")
}
