package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var deleteCmd = &cobra.Command{
	Use:   "delete KEY",
	Short: "Remove a key",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		tr, err := openTree(cmd)
		if err != nil {
			return fmt.Errorf("open tree: %w", err)
		}
		_, existed, err := tr.Remove([]byte(args[0]))
		if err != nil {
			return fmt.Errorf("delete %q: %w", args[0], err)
		}
		if !existed {
			return fmt.Errorf("key %q not found", args[0])
		}
		fmt.Printf("deleted %q\n", args[0])
		return nil
	},
}
