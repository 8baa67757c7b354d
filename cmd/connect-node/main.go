// Command connect-node runs a Sacred Shifter Connect node.
package main

import (
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "connect-node",
	Short: "Run a multi-channel mesh node",
	Long: `connect-node brings up the channel layer, the mesh and document sync
for one peer. Configuration comes from connect.yaml and CONNECT_* variables.`,
	SilenceUsage: true,
}

var configPath string

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to YAML config file")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(keygenCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
