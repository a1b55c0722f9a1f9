package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var compactCmd = &cobra.Command{
	Use:   "compact",
	Short: "Rewrite the tree's backing file, reclaiming space from pruned nodes",
	RunE: func(cmd *cobra.Command, args []string) error {
		r, err := openRoots(cmd)
		if err != nil {
			return fmt.Errorf("open database: %w", err)
		}
		name, _ := cmd.Flags().GetString("tree")
		if err := r.Compact(name); err != nil {
			return fmt.Errorf("compact %q: %w", name, err)
		}
		fmt.Printf("compacted %q\n", name)
		return nil
	},
}
