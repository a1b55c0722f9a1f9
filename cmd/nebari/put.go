package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var putCmd = &cobra.Command{
	Use:   "put KEY VALUE",
	Short: "Set a key to a value, creating the tree if necessary",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		tr, err := openTree(cmd)
		if err != nil {
			return fmt.Errorf("open tree: %w", err)
		}
		if err := tr.Set([]byte(args[0]), []byte(args[1])); err != nil {
			return fmt.Errorf("set %q: %w", args[0], err)
		}
		fmt.Printf("set %q\n", args[0])
		return nil
	},
}
