package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/agent-device/agent-device/internal/domain"
	"github.com/agent-device/agent-device/internal/proc"
)

// IOSDevice drives physical iPhones, iPads and Apple TVs through
// `xcrun devicectl`. The UI command family rides the same XCTest runner
// harness as the simulator backend, targeted at hardware.
type IOSDevice struct{}

// Name implements Backend.
func (b *IOSDevice) Name() string { return "ios-device" }

// Owns implements Backend.
func (b *IOSDevice) Owns(d *domain.Device) bool {
	return d.Platform == domain.PlatformIOS && d.Kind == domain.KindDevice
}

// devicectlList mirrors the slice of `devicectl list devices -j` we read.
type devicectlList struct {
	Result struct {
		Devices []struct {
			Identifier string `json:"identifier"`
			DeviceProperties struct {
				Name string `json:"name"`
			} `json:"deviceProperties"`
			Hardware struct {
				ProductType string `json:"productType"`
			} `json:"hardwareProperties"`
			ConnectionProperties struct {
				TunnelState string `json:"tunnelState"`
			} `json:"connectionProperties"`
		} `json:"devices"`
	} `json:"result"`
}

// Discover implements Backend.
func (b *IOSDevice) Discover(ctx context.Context) ([]domain.Device, error) {
	tmp, err := os.CreateTemp("", "devicectl-*.json")
	if err != nil {
		return nil, fmt.Errorf("create devicectl output file: %w", err)
	}
	tmpPath := tmp.Name()
	tmp.Close()
	defer os.Remove(tmpPath)

	_, runErr := proc.Run(ctx, "xcrun", []string{"devicectl", "list", "devices", "-j", tmpPath}, proc.RunOptions{
		Timeout: proc.ProfileTimeout("ios_devicectl"),
	})
	if runErr != nil {
		return nil, runErr
	}
	raw, err := os.ReadFile(tmpPath)
	if err != nil {
		return nil, fmt.Errorf("read devicectl output: %w", err)
	}
	var list devicectlList
	if err := json.Unmarshal(raw, &list); err != nil {
		return nil, fmt.Errorf("parse devicectl output: %w", err)
	}
	var devices []domain.Device
	for _, d := range list.Result.Devices {
		target := domain.TargetMobile
		if strings.HasPrefix(d.Hardware.ProductType, "AppleTV") {
			target = domain.TargetTV
		}
		devices = append(devices, domain.Device{
			Platform: domain.PlatformIOS,
			ID:       d.Identifier,
			Name:     d.DeviceProperties.Name,
			Kind:     domain.KindDevice,
			Target:   target,
			Booted:   d.ConnectionProperties.TunnelState == "connected",
		})
	}
	return devices, nil
}

// Exec implements Backend.
func (b *IOSDevice) Exec(ctx context.Context, ec *ExecContext, d *domain.Device, command string, positionals []string) (map[string]any, *domain.CPError) {
	switch command {
	case "boot":
		// Hardware is either connected or it is not.
		return map[string]any{"booted": d.Booted}, nil

	case "open":
		if len(positionals) == 0 {
			return nil, domain.NewError(domain.CodeInvalidArgs, "open requires an app identifier")
		}
		bundleID := positionals[0]
		if !strings.Contains(bundleID, ".") {
			return nil, domain.Errorf(domain.CodeAppNotInstalled,
				"physical devices require a full bundle id, got %q", bundleID)
		}
		if _, err := proc.Run(ctx, "xcrun", []string{"devicectl", "device", "process", "launch",
			"--device", d.ID, bundleID}, proc.RunOptions{
			Timeout: proc.ProfileTimeout("ios_devicectl"),
		}); err != nil {
			return nil, domain.AsCPError(err)
		}
		return map[string]any{"bundleId": bundleID}, nil

	case "close":
		if ec.AppBundleID == "" {
			return map[string]any{"terminated": false}, nil
		}
		// devicectl has no terminate-by-bundle; the runner harness sends
		// the app to background and the OS reaps it.
		if _, cperr := runnerExec(ctx, ec, d, "home", nil, "platform=iOS,id="+d.ID); cperr != nil {
			return nil, cperr
		}
		return map[string]any{"terminated": true, "bundleId": ec.AppBundleID, "note": "backgrounded"}, nil

	case "reinstall":
		if len(positionals) == 0 {
			return nil, domain.NewError(domain.CodeInvalidArgs, "reinstall requires an app path")
		}
		if _, err := proc.Run(ctx, "xcrun", []string{"devicectl", "device", "install", "app",
			"--device", d.ID, positionals[0]}, proc.RunOptions{
			Timeout: proc.ProfileTimeout("ios_devicectl"),
		}); err != nil {
			return nil, domain.AsCPError(err)
		}
		return map[string]any{"installed": positionals[0]}, nil

	case "apps":
		res, err := proc.Run(ctx, "xcrun", []string{"devicectl", "device", "info", "apps",
			"--device", d.ID}, proc.RunOptions{
			Timeout: proc.ProfileTimeout("ios_devicectl"),
		})
		if err != nil {
			return nil, domain.AsCPError(err)
		}
		return map[string]any{"raw": res.Stdout}, nil

	case "settings", "push", "clipboard":
		return nil, domain.Errorf(domain.CodeUnsupportedOperation,
			"%s is not available on physical iOS devices", command)

	case "trigger-app-event":
		if len(positionals) == 0 {
			return nil, domain.NewError(domain.CodeInvalidArgs, "trigger-app-event requires a URL")
		}
		if _, err := proc.Run(ctx, "xcrun", []string{"devicectl", "device", "process", "launch",
			"--device", d.ID, "com.apple.mobilesafari", positionals[0]}, proc.RunOptions{
			Timeout: proc.ProfileTimeout("ios_devicectl"),
		}); err != nil {
			return nil, domain.AsCPError(err)
		}
		return map[string]any{"opened": positionals[0]}, nil

	default:
		// UI commands go through the runner targeted at the device.
		return runnerExec(ctx, ec, d, command, positionals, "platform=iOS,id="+d.ID)
	}
}
