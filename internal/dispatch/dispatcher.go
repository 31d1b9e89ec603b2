package dispatch

import (
	"context"

	"github.com/rs/zerolog/log"

	"github.com/agent-device/agent-device/internal/backend"
	"github.com/agent-device/agent-device/internal/domain"
)

// Dispatcher routes a command to the backend owning the target device
// and builds the execution context the backend sees.
type Dispatcher struct {
	discovery     *backend.Discovery
	daemonLogPath string
}

// NewDispatcher creates a dispatcher over the discovery service.
func NewDispatcher(discovery *backend.Discovery, daemonLogPath string) *Dispatcher {
	return &Dispatcher{discovery: discovery, daemonLogPath: daemonLogPath}
}

// Discovery exposes the underlying discovery service.
func (dp *Dispatcher) Discovery() *backend.Discovery { return dp.discovery }

// ExecInput bundles everything a dispatch call needs.
type ExecInput struct {
	Device      *domain.Device
	Command     string
	Positionals []string
	OutPath     string
	AppBundleID string
	TracePath   string
	RequestID   string
	Debug       bool
}

// Exec validates capability and platform coverage, then hands the
// command to the owning backend.
func (dp *Dispatcher) Exec(ctx context.Context, in ExecInput) (map[string]any, *domain.CPError) {
	if !Supported(in.Command, in.Device) {
		return nil, domain.Errorf(domain.CodeUnsupportedOperation,
			"%s is not supported on %s/%s", in.Command, in.Device.Platform, in.Device.Kind)
	}
	b := dp.discovery.BackendFor(in.Device)
	if b == nil {
		return nil, domain.Errorf(domain.CodeUnsupportedPlatform,
			"no backend for %s/%s/%s", in.Device.Platform, in.Device.Kind, in.Device.Target)
	}
	ec := &backend.ExecContext{
		DaemonLogPath: dp.daemonLogPath,
		Debug:         in.Debug,
		OutPath:       in.OutPath,
		AppBundleID:   in.AppBundleID,
		TracePath:     in.TracePath,
		RequestID:     in.RequestID,
	}
	log.Debug().
		Str("command", in.Command).
		Str("backend", b.Name()).
		Str("device", in.Device.ID).
		Msg("dispatching")
	return b.Exec(ctx, ec, in.Device, in.Command, in.Positionals)
}
