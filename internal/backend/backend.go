// Package backend implements the platform backends that carry commands
// out against real devices by shelling out to vendor tooling: xcrun
// simctl for iOS simulators, xcrun devicectl for iOS hardware, adb for
// Android. The request pipeline treats them as opaque executors.
package backend

import (
	"context"
	"io"

	"github.com/agent-device/agent-device/internal/domain"
	"github.com/agent-device/agent-device/internal/proc"
)

// ExecContext is the per-request execution context the dispatcher hands
// to a backend.
type ExecContext struct {
	DaemonLogPath string
	Debug         bool
	OutPath       string
	AppBundleID   string
	TracePath     string
	RequestID     string
}

// Backend executes commands against one device class.
type Backend interface {
	// Name identifies the backend in logs and lease keys.
	Name() string
	// Owns reports whether this backend drives the given device.
	Owns(d *domain.Device) bool
	// Discover lists the devices this backend can currently see.
	Discover(ctx context.Context) ([]domain.Device, error)
	// Exec runs one command to completion and returns its result data.
	Exec(ctx context.Context, ec *ExecContext, d *domain.Device, command string, positionals []string) (map[string]any, *domain.CPError)
}

// Recorder is implemented by backends that support screen recording.
type Recorder interface {
	// StartRecording launches a recorder writing to outputPath and
	// returns its handle plus any device-side remote path.
	StartRecording(ctx context.Context, d *domain.Device, outputPath string) (*proc.Handle, string, *domain.CPError)
	// StopRecording finalizes a recording previously started.
	StopRecording(ctx context.Context, d *domain.Device, h *proc.Handle, remotePath, outputPath string) *domain.CPError
}

// LogStreamer is implemented by backends that can stream app logs.
type LogStreamer interface {
	// StartLogStream launches a log streamer for the bundle writing to
	// the given sinks.
	StartLogStream(ctx context.Context, d *domain.Device, bundleID string, stdout, stderr io.Writer) (*proc.Handle, *domain.CPError)
}
