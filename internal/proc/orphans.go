package proc

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/agent-device/agent-device/internal/procident"
)

// runnerPatterns identify xcodebuild invocations that belong to the
// XCTest runner harness. The sweep only touches processes matching one
// of these, never arbitrary xcodebuild runs.
var runnerPatterns = []string{
	"AgentDeviceRunner.xcodeproj",
	"AgentDeviceRunnerUITests",
}

// SweepOrphanedRunners terminates xcodebuild processes whose command
// line matches the runner patterns. Best-effort: a process scan that
// fails finds nothing and the sweep terminates nothing.
func SweepOrphanedRunners() int {
	killed := 0
	for _, pid := range listPIDs() {
		cmdline := procident.Cmdline(pid)
		if cmdline == "" || !strings.Contains(cmdline, "xcodebuild") {
			continue
		}
		matched := false
		for _, p := range runnerPatterns {
			if strings.Contains(cmdline, p) {
				matched = true
				break
			}
		}
		if !matched {
			continue
		}
		log.Info().Int("pid", pid).Msg("terminating orphaned runner build")
		procident.StopProcess(pid, 2*time.Second, 2*time.Second, "")
		killed++
	}
	return killed
}

// listPIDs enumerates live process ids from procfs; an empty slice on
// platforms without /proc keeps the sweep a no-op rather than an error.
func listPIDs() []int {
	entries, err := os.ReadDir("/proc")
	if err != nil {
		return nil
	}
	var pids []int
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		pid, err := strconv.Atoi(filepath.Base(e.Name()))
		if err != nil || pid <= 0 {
			continue
		}
		pids = append(pids, pid)
	}
	return pids
}
