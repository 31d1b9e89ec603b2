package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/agent-device/agent-device/internal/domain"
	"github.com/agent-device/agent-device/internal/proc"
)

// IOSSimulator drives iOS and tvOS simulators through `xcrun simctl`.
type IOSSimulator struct {
	// SimulatorSet scopes simctl to a private device set when non-empty.
	SimulatorSet string
}

// Name implements Backend.
func (b *IOSSimulator) Name() string { return "ios-simulator" }

// Owns implements Backend.
func (b *IOSSimulator) Owns(d *domain.Device) bool {
	return d.Platform == domain.PlatformIOS && d.Kind == domain.KindSimulator
}

func (b *IOSSimulator) simctlArgs(args ...string) []string {
	out := []string{"simctl"}
	if b.SimulatorSet != "" {
		out = append(out, "--set", b.SimulatorSet)
	}
	return append(out, args...)
}

// simctlDeviceList mirrors the relevant slice of `simctl list -j`.
type simctlDeviceList struct {
	Devices map[string][]struct {
		UDID  string `json:"udid"`
		Name  string `json:"name"`
		State string `json:"state"`
	} `json:"devices"`
}

// Discover implements Backend.
func (b *IOSSimulator) Discover(ctx context.Context) ([]domain.Device, error) {
	res, err := proc.Run(ctx, "xcrun", b.simctlArgs("list", "devices", "-j"), proc.RunOptions{
		Timeout: proc.ProfileTimeout("quick"),
	})
	if err != nil {
		return nil, err
	}
	var list simctlDeviceList
	if err := json.Unmarshal([]byte(res.Stdout), &list); err != nil {
		return nil, fmt.Errorf("parse simctl device list: %w", err)
	}
	var devices []domain.Device
	for runtime, devs := range list.Devices {
		target := domain.TargetMobile
		if strings.Contains(runtime, "tvOS") {
			target = domain.TargetTV
		}
		for _, d := range devs {
			devices = append(devices, domain.Device{
				Platform:     domain.PlatformIOS,
				ID:           d.UDID,
				Name:         d.Name,
				Kind:         domain.KindSimulator,
				Target:       target,
				Booted:       d.State == "Booted",
				SimulatorSet: b.SimulatorSet,
			})
		}
	}
	return devices, nil
}

// Exec implements Backend. Each command maps onto one simctl invocation
// (or a short sequence); results are small maps the pipeline passes
// through untouched.
func (b *IOSSimulator) Exec(ctx context.Context, ec *ExecContext, d *domain.Device, command string, positionals []string) (map[string]any, *domain.CPError) {
	switch command {
	case "boot":
		res, err := proc.Run(ctx, "xcrun", b.simctlArgs("boot", d.ID), proc.RunOptions{
			Timeout:      proc.ProfileTimeout("ios_boot"),
			AllowFailure: true,
		})
		if err != nil {
			return nil, domain.AsCPError(err)
		}
		// "Unable to boot device in current state: Booted" is success.
		if res.ExitCode != 0 && !strings.Contains(res.Stderr, "current state: Booted") {
			return nil, simctlError(res, "boot")
		}
		return map[string]any{"booted": true, "udid": d.ID}, nil

	case "open":
		if len(positionals) == 0 {
			return nil, domain.NewError(domain.CodeInvalidArgs, "open requires an app identifier or name")
		}
		bundleID, cperr := b.resolveApp(ctx, d, positionals[0])
		if cperr != nil {
			return nil, cperr
		}
		res, err := proc.Run(ctx, "xcrun", b.simctlArgs("launch", d.ID, bundleID), proc.RunOptions{
			Timeout: proc.ProfileTimeout("ios_app_launch"),
		})
		if err != nil {
			return nil, domain.AsCPError(err)
		}
		pid := parseLaunchPID(res.Stdout)
		return map[string]any{"bundleId": bundleID, "pid": pid}, nil

	case "close":
		if ec.AppBundleID == "" {
			return map[string]any{"terminated": false}, nil
		}
		_, err := proc.Run(ctx, "xcrun", b.simctlArgs("terminate", d.ID, ec.AppBundleID), proc.RunOptions{
			AllowFailure: true,
			Timeout:      proc.ProfileTimeout("quick"),
		})
		if err != nil {
			return nil, domain.AsCPError(err)
		}
		return map[string]any{"terminated": true, "bundleId": ec.AppBundleID}, nil

	case "screenshot":
		out := ec.OutPath
		if out == "" {
			out = fmt.Sprintf("screenshot-%s.png", d.ID[:8])
		}
		if _, err := proc.Run(ctx, "xcrun", b.simctlArgs("io", d.ID, "screenshot", out), proc.RunOptions{}); err != nil {
			return nil, domain.AsCPError(err)
		}
		return map[string]any{"path": out}, nil

	case "apps":
		res, err := proc.Run(ctx, "xcrun", b.simctlArgs("listapps", d.ID), proc.RunOptions{})
		if err != nil {
			return nil, domain.AsCPError(err)
		}
		return map[string]any{"raw": res.Stdout}, nil

	case "appstate":
		bundle := ec.AppBundleID
		if len(positionals) > 0 {
			bundle = positionals[0]
		}
		if bundle == "" {
			return nil, domain.NewError(domain.CodeInvalidArgs, "appstate requires an app identifier")
		}
		res, err := proc.Run(ctx, "xcrun", b.simctlArgs("spawn", d.ID, "launchctl", "list"), proc.RunOptions{AllowFailure: true})
		if err != nil {
			return nil, domain.AsCPError(err)
		}
		running := strings.Contains(res.Stdout, bundle)
		state := "not-running"
		if running {
			state = "running"
		}
		return map[string]any{"bundleId": bundle, "state": state}, nil

	case "reinstall":
		if len(positionals) == 0 {
			return nil, domain.NewError(domain.CodeInvalidArgs, "reinstall requires an app path")
		}
		if ec.AppBundleID != "" {
			_, _ = proc.Run(ctx, "xcrun", b.simctlArgs("uninstall", d.ID, ec.AppBundleID), proc.RunOptions{AllowFailure: true})
		}
		if _, err := proc.Run(ctx, "xcrun", b.simctlArgs("install", d.ID, positionals[0]), proc.RunOptions{}); err != nil {
			return nil, domain.AsCPError(err)
		}
		return map[string]any{"installed": positionals[0]}, nil

	case "push":
		if len(positionals) == 0 {
			return nil, domain.NewError(domain.CodeInvalidArgs, "push requires a payload file")
		}
		bundle := ec.AppBundleID
		if bundle == "" {
			return nil, domain.NewError(domain.CodeInvalidArgs, "push requires an app context")
		}
		if _, err := proc.Run(ctx, "xcrun", b.simctlArgs("push", d.ID, bundle, positionals[0]), proc.RunOptions{}); err != nil {
			return nil, domain.AsCPError(err)
		}
		return map[string]any{"pushed": true}, nil

	case "clipboard":
		if len(positionals) > 0 {
			if _, err := proc.Run(ctx, "xcrun", b.simctlArgs("pbcopy", d.ID), proc.RunOptions{Stdin: positionals[0]}); err != nil {
				return nil, domain.AsCPError(err)
			}
			return map[string]any{"set": true}, nil
		}
		res, err := proc.Run(ctx, "xcrun", b.simctlArgs("pbpaste", d.ID), proc.RunOptions{})
		if err != nil {
			return nil, domain.AsCPError(err)
		}
		return map[string]any{"text": res.Stdout}, nil

	case "settings":
		if len(positionals) < 2 {
			return nil, domain.NewError(domain.CodeInvalidArgs, "settings requires a service and a value")
		}
		bundle := ec.AppBundleID
		args := b.simctlArgs("privacy", d.ID, positionals[1], positionals[0])
		if bundle != "" {
			args = append(args, bundle)
		}
		if _, err := proc.Run(ctx, "xcrun", args, proc.RunOptions{}); err != nil {
			return nil, domain.AsCPError(err)
		}
		return map[string]any{"service": positionals[0], "action": positionals[1]}, nil

	case "trigger-app-event":
		if len(positionals) == 0 {
			return nil, domain.NewError(domain.CodeInvalidArgs, "trigger-app-event requires a URL")
		}
		if _, err := proc.Run(ctx, "xcrun", b.simctlArgs("openurl", d.ID, positionals[0]), proc.RunOptions{}); err != nil {
			return nil, domain.AsCPError(err)
		}
		return map[string]any{"opened": positionals[0]}, nil

	default:
		// Snapshot, find and interaction commands ride the XCTest runner
		// harness; everything it serves funnels through here.
		return runnerExec(ctx, ec, d, command, positionals, "platform=iOS Simulator,id="+d.ID)
	}
}

// resolveApp maps an app name or bundle id onto an installed bundle id.
func (b *IOSSimulator) resolveApp(ctx context.Context, d *domain.Device, nameOrID string) (string, *domain.CPError) {
	// Bundle ids contain dots; trust them as-is.
	if strings.Contains(nameOrID, ".") {
		return nameOrID, nil
	}
	res, err := proc.Run(ctx, "xcrun", b.simctlArgs("listapps", d.ID), proc.RunOptions{})
	if err != nil {
		return "", domain.AsCPError(err)
	}
	if id := matchAppByName(res.Stdout, nameOrID); id != "" {
		return id, nil
	}
	return "", domain.Errorf(domain.CodeAppNotInstalled, "no installed app matches %q", nameOrID)
}

// matchAppByName scans simctl's plist-style listapps output for a
// CFBundleDisplayName/CFBundleName match and returns the enclosing
// bundle identifier.
func matchAppByName(listing, name string) string {
	lines := strings.Split(listing, "\n")
	currentBundle := ""
	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		if strings.HasSuffix(trimmed, "= {") && strings.Contains(trimmed, ".") {
			currentBundle = strings.Trim(strings.TrimSuffix(trimmed, "= {"), "\" ")
		}
		if strings.Contains(trimmed, "CFBundleDisplayName") || strings.Contains(trimmed, "CFBundleName") {
			if strings.Contains(trimmed, "\""+name+"\"") || strings.HasSuffix(trimmed, "= "+name+";") {
				return currentBundle
			}
		}
	}
	return ""
}

func parseLaunchPID(stdout string) int {
	// simctl launch prints "<bundle>: <pid>".
	parts := strings.Split(strings.TrimSpace(stdout), ":")
	if len(parts) != 2 {
		return 0
	}
	var pid int
	_, _ = fmt.Sscanf(strings.TrimSpace(parts[1]), "%d", &pid)
	return pid
}

// runnerExec drives the XCTest runner harness for UI commands. The
// runner speaks a one-shot contract: command plus JSON args in env,
// JSON result on a marker line of the build output.
func runnerExec(ctx context.Context, ec *ExecContext, d *domain.Device, command string, positionals []string, destination string) (map[string]any, *domain.CPError) {
	payload, _ := json.Marshal(map[string]any{
		"command":     command,
		"positionals": positionals,
		"udid":        d.ID,
		"bundleId":    ec.AppBundleID,
	})
	env := []string{
		"AGENT_DEVICE_RUNNER_REQUEST=" + string(payload),
		"AGENT_DEVICE_RUNNER_REQUEST_ID=" + ec.RequestID,
	}
	args := []string{
		"test-without-building",
		"-project", "AgentDeviceRunner.xcodeproj",
		"-scheme", "AgentDeviceRunnerUITests",
		"-destination", destination,
	}
	res, err := proc.Run(ctx, "xcodebuild", args, proc.RunOptions{
		Env:     env,
		Timeout: proc.ProfileTimeout("ios_app_launch"),
	})
	if err != nil {
		return nil, domain.AsCPError(err)
	}
	data := parseRunnerResult(res.Stdout)
	if data == nil {
		return nil, domain.Errorf(domain.CodeCommandFailed, "runner produced no result for %q", command).
			WithDetails(map[string]any{"stderr": res.Stderr})
	}
	return data, nil
}

// parseRunnerResult finds the runner's result marker in xcodebuild's
// noisy output and decodes the JSON after it.
func parseRunnerResult(stdout string) map[string]any {
	const marker = "AGENT_DEVICE_RESULT:"
	for _, line := range strings.Split(stdout, "\n") {
		idx := strings.Index(line, marker)
		if idx < 0 {
			continue
		}
		var data map[string]any
		if err := json.Unmarshal([]byte(line[idx+len(marker):]), &data); err == nil {
			return data
		}
	}
	return nil
}

// StartRecording implements Recorder via `simctl io recordVideo`.
func (b *IOSSimulator) StartRecording(ctx context.Context, d *domain.Device, outputPath string) (*proc.Handle, string, *domain.CPError) {
	args := append([]string{"xcrun"}, b.simctlArgs("io", d.ID, "recordVideo", "--codec", "h264", outputPath)...)
	h, err := proc.Start(args[0], args[1:], nil, nil, nil)
	if err != nil {
		return nil, "", domain.AsCPError(err)
	}
	log.Debug().Str("udid", d.ID).Str("output", outputPath).Msg("simulator recording started")
	return h, "", nil
}

// StopRecording implements Recorder. simctl finalizes the file on
// SIGINT; Stop sends SIGTERM first which simctl treats the same way.
func (b *IOSSimulator) StopRecording(ctx context.Context, d *domain.Device, h *proc.Handle, remotePath, outputPath string) *domain.CPError {
	h.Stop(5 * time.Second)
	if _, err := os.Stat(outputPath); err != nil {
		return domain.Errorf(domain.CodeCommandFailed, "recording file missing: %v", err)
	}
	return nil
}

// StartLogStream implements LogStreamer via `simctl spawn log stream`.
func (b *IOSSimulator) StartLogStream(ctx context.Context, d *domain.Device, bundleID string, stdout, stderr io.Writer) (*proc.Handle, *domain.CPError) {
	args := b.simctlArgs("spawn", d.ID, "log", "stream",
		"--style", "compact",
		"--predicate", fmt.Sprintf("subsystem CONTAINS %q", bundleID))
	h, err := proc.Start("xcrun", args, nil, stdout, stderr)
	if err != nil {
		return nil, domain.AsCPError(err)
	}
	return h, nil
}

func simctlError(res *proc.Result, op string) *domain.CPError {
	return domain.Errorf(domain.CodeCommandFailed, "simctl %s failed", op).
		WithDetails(map[string]any{"stderr": res.Stderr, "exitCode": res.ExitCode, "direct": true})
}
