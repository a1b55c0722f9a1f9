package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var getCmd = &cobra.Command{
	Use:   "get KEY",
	Short: "Read a key's value",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		tr, err := openTree(cmd)
		if err != nil {
			return fmt.Errorf("open tree: %w", err)
		}
		value, found, err := tr.Get([]byte(args[0]))
		if err != nil {
			return fmt.Errorf("get %q: %w", args[0], err)
		}
		if !found {
			return fmt.Errorf("key %q not found", args[0])
		}
		fmt.Println(string(value))
		return nil
	},
}
