// Command nebari is a CLI front end over the roots package: open (or
// create) a database directory and put, get, delete, scan, or benchmark
// against one of its trees.
//
// Grounded on warren's cmd/warren: a cobra root command with persistent
// flags, cobra.OnInitialize wiring logging before any subcommand runs, and
// one noun-shaped subcommand tree per concern rather than warren's
// cluster/service/node nouns.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/nebari-go/nebari/internal/nlog"
)

var (
	Version = "dev"
	Commit  = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "nebari",
	Short:   "nebari is an embedded, transactional, append-only key/value store",
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("nebari version %s\ncommit: %s\n", Version, Commit))

	rootCmd.PersistentFlags().String("data-dir", "./nebari-data", "Database directory")
	rootCmd.PersistentFlags().String("tree", "default", "Tree name to operate on")
	rootCmd.PersistentFlags().Bool("versioned", false, "Open the tree as versioned rather than unversioned")
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")

	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(putCmd)
	rootCmd.AddCommand(getCmd)
	rootCmd.AddCommand(deleteCmd)
	rootCmd.AddCommand(scanCmd)
	rootCmd.AddCommand(statsCmd)
	rootCmd.AddCommand(compactCmd)
	rootCmd.AddCommand(benchCmd)
}

func initLogging() {
	level, _ := rootCmd.PersistentFlags().GetString("log-level")
	jsonOutput, _ := rootCmd.PersistentFlags().GetBool("log-json")
	nlog.Init(nlog.Config{Level: nlog.Level(level), JSONOutput: jsonOutput})
}
