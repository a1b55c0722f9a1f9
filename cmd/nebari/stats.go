package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Print database and tree information",
	RunE: func(cmd *cobra.Command, args []string) error {
		r, err := openRoots(cmd)
		if err != nil {
			return fmt.Errorf("open database: %w", err)
		}
		names, err := r.TreeNames()
		if err != nil {
			return fmt.Errorf("list trees: %w", err)
		}
		fmt.Printf("path: %s\n", r.Path())
		fmt.Printf("trees: %d\n", len(names))
		for _, name := range names {
			fmt.Printf("  %s\n", name)
		}

		tr, err := openTree(cmd)
		if err != nil {
			return fmt.Errorf("open tree: %w", err)
		}
		if treeKind(cmd) != 0 {
			seq, err := tr.CurrentSequenceID()
			if err != nil {
				return fmt.Errorf("read sequence: %w", err)
			}
			fmt.Printf("current sequence (%s): %d\n", mustFlag(cmd, "tree"), seq)
		}
		return nil
	},
}

func mustFlag(cmd *cobra.Command, name string) string {
	v, _ := cmd.Flags().GetString(name)
	return v
}
