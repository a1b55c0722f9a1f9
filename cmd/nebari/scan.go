package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/nebari-go/nebari/btreeengine"
)

var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Print every key (optionally filtered by --prefix) in key order",
	RunE: func(cmd *cobra.Command, args []string) error {
		tr, err := openTree(cmd)
		if err != nil {
			return fmt.Errorf("open tree: %w", err)
		}
		prefix, _ := cmd.Flags().GetString("prefix")
		limit, _ := cmd.Flags().GetInt("limit")

		count := 0
		err = tr.Scan(
			func(key []byte) btreeengine.KeyEvaluation {
				if prefix == "" {
					return btreeengine.EvalRead
				}
				if strings.HasPrefix(string(key), prefix) {
					return btreeengine.EvalRead
				}
				if string(key) > prefix {
					return btreeengine.EvalStop
				}
				return btreeengine.EvalSkip
			},
			func(key, value []byte) (bool, error) {
				fmt.Printf("%s\t%s\n", key, value)
				count++
				if limit > 0 && count >= limit {
					return false, nil
				}
				return true, nil
			},
			true,
		)
		if err != nil {
			return fmt.Errorf("scan: %w", err)
		}
		return nil
	},
}

func init() {
	scanCmd.Flags().String("prefix", "", "Only print keys with this prefix")
	scanCmd.Flags().Int("limit", 0, "Stop after this many keys (0 = unlimited)")
}
