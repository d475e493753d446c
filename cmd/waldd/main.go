package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	root := &cobra.Command{
		Use:   "waldd",
		Short: "Replicated write-ahead log daemon",
		Long: `waldd runs one node of a replicated write-ahead log cluster.

A primary accepts writes, archives sealed segments, and streams records
to standbys. A standby persists the stream, acknowledges it, and replays
it into its local state. The recover subcommand rebuilds a node from the
archive up to a point-in-time target.`,
		SilenceUsage: true,
	}

	root.PersistentFlags().StringP("config", "c", "", "path to configuration file")

	root.AddCommand(newServeCmd())
	root.AddCommand(newRecoverCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
