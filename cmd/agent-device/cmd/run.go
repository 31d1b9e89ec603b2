package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/agent-device/agent-device/internal/client"
	"github.com/agent-device/agent-device/internal/config"
	"github.com/agent-device/agent-device/internal/domain"
)

var (
	sessionFlag string
	flagPairs   []string
	jsonOutput  bool
)

// runCmd forwards one command to the daemon, launching it on demand.
var runCmd = &cobra.Command{
	Use:   "run <command> [positionals...]",
	Short: "Send a command to the daemon (starting it if needed)",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		applyGlobalFlags()
		cfg, err := config.Load()
		if err != nil {
			return err
		}

		flags := map[string]any{}
		for _, pair := range flagPairs {
			key, value, found := strings.Cut(pair, "=")
			if !found {
				flags[key] = true
				continue
			}
			flags[key] = value
		}

		cwd, _ := os.Getwd()
		req := &domain.Request{
			Session:     sessionFlag,
			Command:     args[0],
			Positionals: args[1:],
			Flags:       flags,
			Meta:        domain.RequestMeta{Cwd: cwd, Debug: verbose},
		}

		c := client.New(cfg, version)
		resp, err := c.Send(req)
		if err != nil {
			return err
		}

		if jsonOutput {
			out, _ := json.MarshalIndent(resp, "", "  ")
			fmt.Println(string(out))
		} else if resp.OK {
			out, _ := json.MarshalIndent(resp.Data, "", "  ")
			fmt.Println(string(out))
		} else {
			fmt.Fprintf(os.Stderr, "error [%s]: %s\n", resp.Error.Code, resp.Error.Message)
			if resp.Error.Hint != "" {
				fmt.Fprintf(os.Stderr, "hint: %s\n", resp.Error.Hint)
			}
			if resp.Error.LogPath != "" {
				fmt.Fprintf(os.Stderr, "log: %s\n", resp.Error.LogPath)
			}
			os.Exit(1)
		}
		return nil
	},
}

func init() {
	runCmd.Flags().StringVarP(&sessionFlag, "session", "s", "", "session name (default: default)")
	runCmd.Flags().StringArrayVarP(&flagPairs, "flag", "f", nil, "command flag as key=value (repeatable)")
	runCmd.Flags().BoolVar(&jsonOutput, "json", false, "print the full response envelope as JSON")
}
