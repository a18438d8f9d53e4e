// Package cli wires the node together and runs it.
package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/fragmesh/stornode/internal/config"
)

var (
	settingsPath string
	dbPath       string
)

var rootCmd = &cobra.Command{
	Use:           "stornode",
	Long:          "stornode is a storage-node agent for a peer-to-peer content distribution network",
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runNode(cmd.Context())
	},
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "stornode:", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.Flags().StringVar(&settingsPath, "settings", config.FileName, "path to the node settings file")
	rootCmd.Flags().StringVar(&dbPath, "db", "stornode.sqlite3", "path to the local metadata database")
}
