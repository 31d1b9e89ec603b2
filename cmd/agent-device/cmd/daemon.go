package cmd

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/agent-device/agent-device/internal/config"
	"github.com/agent-device/agent-device/internal/daemon"
)

var serverModeFlag string

// daemonCmd runs the daemon in the foreground until signaled.
var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run the device control-plane daemon",
	Long: `Runs the daemon in the foreground. The daemon owns device
sessions, serves JSON-RPC on a loopback socket and/or HTTP port, and
supervises the external device tooling. Exactly one daemon runs per
state directory; a second launch yields to the incumbent.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		applyGlobalFlags()
		if serverModeFlag != "" {
			os.Setenv("AGENT_DEVICE_DAEMON_SERVER_MODE", serverModeFlag)
		}
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		d := daemon.New(cfg, version)
		if err := d.Run(); err != nil {
			if errors.Is(err, daemon.ErrAlreadyRunning) {
				fmt.Fprintln(os.Stderr, "agent-device daemon already running; yielding")
				return nil
			}
			return err
		}
		return nil
	},
}

func init() {
	daemonCmd.Flags().StringVar(&serverModeFlag, "server-mode", "", "transports to serve: socket, http or dual")
}
