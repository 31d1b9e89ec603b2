// Package cmd contains the CLI commands for agent-device.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	// Version info (set from main)
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"

	// Global flags
	stateDirFlag string
	verbose      bool
)

// rootCmd represents the base command when called without subcommands.
var rootCmd = &cobra.Command{
	Use:   "agent-device",
	Short: "Local control plane for driving iOS and Android devices",
	Long: `agent-device is a long-lived local daemon that lets automated
clients drive iOS and Android devices - simulators, emulators and
physical hardware - through a single stateful request surface.

Commands are routed to platform backends that shell out to the vendor
tooling (xcrun simctl, xcrun devicectl, adb) and return structured
results over JSON-RPC.`,
	SilenceUsage: true,
}

// Execute runs the CLI.
func Execute() error {
	return rootCmd.Execute()
}

// SetVersionInfo sets version information from the main package.
func SetVersionInfo(v, bt, gc string) {
	version = v
	buildTime = bt
	gitCommit = gc
}

func init() {
	rootCmd.PersistentFlags().StringVar(&stateDirFlag, "state-dir", "", "state directory (default: ~/.agent-device)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")

	rootCmd.AddCommand(daemonCmd)
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(runCmd)
}

// applyGlobalFlags pushes CLI flags into the environment so the config
// layer sees one source of truth.
func applyGlobalFlags() {
	if stateDirFlag != "" {
		os.Setenv("AGENT_DEVICE_STATE_DIR", stateDirFlag)
	}
	if verbose {
		os.Setenv("AGENT_DEVICE_LOGGING_LEVEL", "debug")
	}
}

// versionCmd displays version information.
var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("agent-device %s\n", version)
		fmt.Printf("  Build time: %s\n", buildTime)
		fmt.Printf("  Git commit: %s\n", gitCommit)
	},
}
