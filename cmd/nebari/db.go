package main

import (
	"github.com/spf13/cobra"

	"github.com/nebari-go/nebari/roots"
	"github.com/nebari-go/nebari/tree"
)

// openRoots and openTree are shared by every subcommand below: each
// invocation of the CLI is a single short-lived process, so there is no
// long-lived Roots to share across commands the way a server would.
func openRoots(cmd *cobra.Command) (*roots.Roots, error) {
	dataDir, _ := cmd.Flags().GetString("data-dir")
	return roots.Open(dataDir, roots.DefaultConfig())
}

func treeKind(cmd *cobra.Command) tree.Kind {
	versioned, _ := cmd.Flags().GetBool("versioned")
	if versioned {
		return tree.KindVersioned
	}
	return tree.KindUnversioned
}

func openTree(cmd *cobra.Command) (*roots.Tree, error) {
	r, err := openRoots(cmd)
	if err != nil {
		return nil, err
	}
	name, _ := cmd.Flags().GetString("tree")
	return r.Tree(name, treeKind(cmd)), nil
}
