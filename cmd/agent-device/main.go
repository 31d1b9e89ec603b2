package main

import (
	"os"

	"github.com/agent-device/agent-device/cmd/agent-device/cmd"
)

// Version info set via ldflags at build time.
var (
	version   = "0.1.0"
	buildTime = "unknown"
	gitCommit = "unknown"
)

func main() {
	cmd.SetVersionInfo(version, buildTime, gitCommit)
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
