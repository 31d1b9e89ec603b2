package backend

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/agent-device/agent-device/internal/domain"
	"github.com/agent-device/agent-device/internal/proc"
)

// Android drives emulators and physical Android devices (including
// Android TV) through adb.
type Android struct{}

// Name implements Backend.
func (b *Android) Name() string { return "android" }

// Owns implements Backend.
func (b *Android) Owns(d *domain.Device) bool {
	return d.Platform == domain.PlatformAndroid
}

func adbArgs(serial string, args ...string) []string {
	return append([]string{"-s", serial}, args...)
}

// Discover implements Backend by parsing `adb devices -l`.
func (b *Android) Discover(ctx context.Context) ([]domain.Device, error) {
	res, err := proc.Run(ctx, "adb", []string{"devices", "-l"}, proc.RunOptions{
		Timeout: proc.ProfileTimeout("quick"),
	})
	if err != nil {
		return nil, err
	}
	var devices []domain.Device
	for _, line := range strings.Split(res.Stdout, "\n")[1:] {
		fields := strings.Fields(line)
		if len(fields) < 2 || fields[1] != "device" {
			continue
		}
		serial := fields[0]
		kind := domain.KindDevice
		if strings.HasPrefix(serial, "emulator-") {
			kind = domain.KindEmulator
		}
		name := serial
		for _, f := range fields[2:] {
			if strings.HasPrefix(f, "model:") {
				name = strings.TrimPrefix(f, "model:")
			}
		}
		target := domain.TargetMobile
		if b.isTV(ctx, serial) {
			target = domain.TargetTV
		}
		devices = append(devices, domain.Device{
			Platform: domain.PlatformAndroid,
			ID:       serial,
			Name:     name,
			Kind:     kind,
			Target:   target,
			Booted:   true,
		})
	}
	return devices, nil
}

// isTV probes the leanback feature flag. Failures read as "not a TV".
func (b *Android) isTV(ctx context.Context, serial string) bool {
	res, err := proc.Run(ctx, "adb", adbArgs(serial, "shell", "pm", "has-feature", "android.software.leanback"), proc.RunOptions{
		AllowFailure: true,
		Timeout:      proc.ProfileTimeout("quick"),
	})
	return err == nil && strings.Contains(res.Stdout, "true")
}

// Exec implements Backend.
func (b *Android) Exec(ctx context.Context, ec *ExecContext, d *domain.Device, command string, positionals []string) (map[string]any, *domain.CPError) {
	switch command {
	case "boot":
		// Physical devices are already up; for an emulator this waits on
		// `adb wait-for-device`. A stopped emulator is not launched here.
		if d.Kind == domain.KindDevice {
			return map[string]any{"booted": true}, nil
		}
		if _, err := proc.Run(ctx, "adb", adbArgs(d.ID, "wait-for-device"), proc.RunOptions{
			Timeout: proc.ProfileTimeout("android_boot"),
		}); err != nil {
			return nil, domain.AsCPError(err)
		}
		return map[string]any{"booted": true}, nil

	case "open":
		if len(positionals) == 0 {
			return nil, domain.NewError(domain.CodeInvalidArgs, "open requires a package or app name")
		}
		pkg, cperr := b.resolveApp(ctx, d, positionals[0])
		if cperr != nil {
			return nil, cperr
		}
		// The launcher intent flakes while the emulator is still settling.
		err := proc.Retry(ctx, proc.DefaultRetryPolicy(), func() error {
			_, runErr := proc.Run(ctx, "adb", adbArgs(d.ID, "shell", "monkey", "-p", pkg,
				"-c", "android.intent.category.LAUNCHER", "1"), proc.RunOptions{})
			return runErr
		})
		if err != nil {
			return nil, domain.AsCPError(err)
		}
		return map[string]any{"package": pkg}, nil

	case "close":
		if ec.AppBundleID == "" {
			return map[string]any{"terminated": false}, nil
		}
		if _, err := proc.Run(ctx, "adb", adbArgs(d.ID, "shell", "am", "force-stop", ec.AppBundleID), proc.RunOptions{}); err != nil {
			return nil, domain.AsCPError(err)
		}
		return map[string]any{"terminated": true, "package": ec.AppBundleID}, nil

	case "screenshot":
		out := ec.OutPath
		if out == "" {
			out = fmt.Sprintf("screenshot-%s.png", strings.ReplaceAll(d.ID, ":", "_"))
		}
		res, err := proc.Run(ctx, "adb", adbArgs(d.ID, "exec-out", "screencap", "-p"), proc.RunOptions{})
		if err != nil {
			return nil, domain.AsCPError(err)
		}
		if err := os.WriteFile(out, []byte(res.Stdout), 0o644); err != nil {
			return nil, domain.Errorf(domain.CodeCommandFailed, "write screenshot: %v", err)
		}
		return map[string]any{"path": out}, nil

	case "snapshot":
		res, err := proc.Run(ctx, "adb", adbArgs(d.ID, "exec-out", "uiautomator", "dump", "/dev/tty"), proc.RunOptions{})
		if err != nil {
			return nil, domain.AsCPError(err)
		}
		return map[string]any{"format": "uiautomator-xml", "raw": res.Stdout}, nil

	case "apps":
		res, err := proc.Run(ctx, "adb", adbArgs(d.ID, "shell", "pm", "list", "packages"), proc.RunOptions{})
		if err != nil {
			return nil, domain.AsCPError(err)
		}
		var pkgs []string
		for _, line := range strings.Split(res.Stdout, "\n") {
			if p := strings.TrimPrefix(strings.TrimSpace(line), "package:"); p != "" && p != strings.TrimSpace(line) {
				pkgs = append(pkgs, p)
			}
		}
		return map[string]any{"packages": pkgs}, nil

	case "appstate":
		pkg := ec.AppBundleID
		if len(positionals) > 0 {
			pkg = positionals[0]
		}
		if pkg == "" {
			return nil, domain.NewError(domain.CodeInvalidArgs, "appstate requires a package")
		}
		res, err := proc.Run(ctx, "adb", adbArgs(d.ID, "shell", "pidof", pkg), proc.RunOptions{AllowFailure: true})
		if err != nil {
			return nil, domain.AsCPError(err)
		}
		state := "not-running"
		if strings.TrimSpace(res.Stdout) != "" {
			state = "running"
		}
		return map[string]any{"package": pkg, "state": state}, nil

	case "reinstall":
		if len(positionals) == 0 {
			return nil, domain.NewError(domain.CodeInvalidArgs, "reinstall requires an apk path")
		}
		if _, err := proc.Run(ctx, "adb", adbArgs(d.ID, "install", "-r", positionals[0]), proc.RunOptions{}); err != nil {
			return nil, domain.AsCPError(err)
		}
		return map[string]any{"installed": positionals[0]}, nil

	case "push":
		if len(positionals) == 0 {
			return nil, domain.NewError(domain.CodeInvalidArgs, "push requires a payload file")
		}
		// Notification payloads are delivered through the broadcast shim.
		if _, err := proc.Run(ctx, "adb", adbArgs(d.ID, "shell", "am", "broadcast",
			"-a", "com.agentdevice.PUSH", "--es", "payload_file", positionals[0]), proc.RunOptions{}); err != nil {
			return nil, domain.AsCPError(err)
		}
		return map[string]any{"pushed": true}, nil

	case "clipboard":
		if len(positionals) > 0 {
			if _, err := proc.Run(ctx, "adb", adbArgs(d.ID, "shell", "cmd", "clipboard", "set-text", positionals[0]), proc.RunOptions{}); err != nil {
				return nil, domain.AsCPError(err)
			}
			return map[string]any{"set": true}, nil
		}
		res, err := proc.Run(ctx, "adb", adbArgs(d.ID, "shell", "cmd", "clipboard", "get-text"), proc.RunOptions{})
		if err != nil {
			return nil, domain.AsCPError(err)
		}
		return map[string]any{"text": strings.TrimSpace(res.Stdout)}, nil

	case "settings":
		if len(positionals) < 2 {
			return nil, domain.NewError(domain.CodeInvalidArgs, "settings requires a namespace and key=value")
		}
		if _, err := proc.Run(ctx, "adb", adbArgs(d.ID, "shell", "settings", "put", positionals[0], positionals[1]), proc.RunOptions{}); err != nil {
			return nil, domain.AsCPError(err)
		}
		return map[string]any{"applied": true}, nil

	case "keyboard":
		if len(positionals) == 0 {
			return nil, domain.NewError(domain.CodeInvalidArgs, "keyboard requires an ime id or 'reset'")
		}
		args := adbArgs(d.ID, "shell", "ime", "set", positionals[0])
		if positionals[0] == "reset" {
			args = adbArgs(d.ID, "shell", "ime", "reset")
		}
		if _, err := proc.Run(ctx, "adb", args, proc.RunOptions{}); err != nil {
			return nil, domain.AsCPError(err)
		}
		return map[string]any{"keyboard": positionals[0]}, nil

	case "back":
		return b.keyevent(ctx, d, "KEYCODE_BACK")
	case "home":
		return b.keyevent(ctx, d, "KEYCODE_HOME")
	case "app-switcher":
		return b.keyevent(ctx, d, "KEYCODE_APP_SWITCH")

	case "type":
		if len(positionals) == 0 {
			return nil, domain.NewError(domain.CodeInvalidArgs, "type requires text")
		}
		escaped := strings.ReplaceAll(positionals[0], " ", "%s")
		if _, err := proc.Run(ctx, "adb", adbArgs(d.ID, "shell", "input", "text", escaped), proc.RunOptions{}); err != nil {
			return nil, domain.AsCPError(err)
		}
		return map[string]any{"typed": positionals[0]}, nil

	case "trigger-app-event":
		if len(positionals) == 0 {
			return nil, domain.NewError(domain.CodeInvalidArgs, "trigger-app-event requires a URL")
		}
		if _, err := proc.Run(ctx, "adb", adbArgs(d.ID, "shell", "am", "start", "-a",
			"android.intent.action.VIEW", "-d", positionals[0]), proc.RunOptions{}); err != nil {
			return nil, domain.AsCPError(err)
		}
		return map[string]any{"opened": positionals[0]}, nil

	default:
		// The remaining interaction commands resolve a UI target first
		// via the uiautomator dump, then synthesize input taps/swipes.
		return b.interactionExec(ctx, d, command, positionals)
	}
}

func (b *Android) keyevent(ctx context.Context, d *domain.Device, code string) (map[string]any, *domain.CPError) {
	if _, err := proc.Run(ctx, "adb", adbArgs(d.ID, "shell", "input", "keyevent", code), proc.RunOptions{}); err != nil {
		return nil, domain.AsCPError(err)
	}
	return map[string]any{"key": code}, nil
}

// interactionExec covers press/longpress/swipe/scroll and the find
// family. Target resolution parses the uiautomator XML dump; the result
// carries the tap coordinates used so `--update` replays can resolve
// better selectors.
func (b *Android) interactionExec(ctx context.Context, d *domain.Device, command string, positionals []string) (map[string]any, *domain.CPError) {
	switch command {
	case "press", "longpress", "focus", "fill", "find", "is", "get", "wait",
		"scroll", "scrollintoview", "swipe", "diff":
		if len(positionals) == 0 && command != "diff" {
			return nil, domain.Errorf(domain.CodeInvalidArgs, "%s requires a target", command)
		}
		res, err := proc.Run(ctx, "adb", adbArgs(d.ID, "exec-out", "uiautomator", "dump", "/dev/tty"), proc.RunOptions{})
		if err != nil {
			return nil, domain.AsCPError(err)
		}
		target := ""
		if len(positionals) > 0 {
			target = positionals[0]
		}
		x, y, found := locateNode(res.Stdout, target)
		if command == "find" || command == "is" || command == "get" || command == "wait" {
			return map[string]any{"found": found, "x": x, "y": y, "target": target}, nil
		}
		if command == "diff" {
			return map[string]any{"format": "uiautomator-xml", "raw": res.Stdout}, nil
		}
		if !found {
			return nil, domain.Errorf(domain.CodeCommandFailed, "no UI node matches %q", target)
		}
		switch command {
		case "press", "focus":
			_, err = proc.Run(ctx, "adb", adbArgs(d.ID, "shell", "input", "tap",
				fmt.Sprint(x), fmt.Sprint(y)), proc.RunOptions{})
		case "longpress":
			_, err = proc.Run(ctx, "adb", adbArgs(d.ID, "shell", "input", "swipe",
				fmt.Sprint(x), fmt.Sprint(y), fmt.Sprint(x), fmt.Sprint(y), "800"), proc.RunOptions{})
		case "fill":
			if len(positionals) < 2 {
				return nil, domain.NewError(domain.CodeInvalidArgs, "fill requires a target and text")
			}
			if _, err = proc.Run(ctx, "adb", adbArgs(d.ID, "shell", "input", "tap",
				fmt.Sprint(x), fmt.Sprint(y)), proc.RunOptions{}); err == nil {
				escaped := strings.ReplaceAll(positionals[1], " ", "%s")
				_, err = proc.Run(ctx, "adb", adbArgs(d.ID, "shell", "input", "text", escaped), proc.RunOptions{})
			}
		case "scroll", "scrollintoview", "swipe":
			_, err = proc.Run(ctx, "adb", adbArgs(d.ID, "shell", "input", "swipe",
				fmt.Sprint(x), fmt.Sprint(y+400), fmt.Sprint(x), fmt.Sprint(y-400), "300"), proc.RunOptions{})
		}
		if err != nil {
			return nil, domain.AsCPError(err)
		}
		return map[string]any{"target": target, "x": x, "y": y}, nil

	case "pinch":
		return nil, domain.NewError(domain.CodeUnsupportedOperation, "pinch is not supported on android")

	default:
		return nil, domain.Errorf(domain.CodeUnsupportedOperation, "%s has no android backend", command)
	}
}

// locateNode finds the first node whose attribute text (text,
// resource-id, content-desc or any other attribute) contains target, and
// returns its bounds center.
func locateNode(xmlDump, target string) (int, int, bool) {
	if target == "" {
		return 0, 0, false
	}
	for _, node := range strings.Split(xmlDump, "<node ") {
		if !strings.Contains(node, "text=\""+target+"\"") &&
			!strings.Contains(node, target) {
			continue
		}
		var x1, y1, x2, y2 int
		idx := strings.Index(node, "bounds=\"")
		if idx < 0 {
			continue
		}
		if _, err := fmt.Sscanf(node[idx:], "bounds=\"[%d,%d][%d,%d]\"", &x1, &y1, &x2, &y2); err != nil {
			continue
		}
		return (x1 + x2) / 2, (y1 + y2) / 2, true
	}
	return 0, 0, false
}

// StartRecording implements Recorder via `adb shell screenrecord`; the
// file lands on the device and StopRecording pulls it.
func (b *Android) StartRecording(ctx context.Context, d *domain.Device, outputPath string) (*proc.Handle, string, *domain.CPError) {
	remote := path.Join("/sdcard", fmt.Sprintf("agent-device-%d.mp4", time.Now().UnixMilli()))
	h, err := proc.Start("adb", adbArgs(d.ID, "shell", "screenrecord", remote), nil, nil, nil)
	if err != nil {
		return nil, "", domain.AsCPError(err)
	}
	log.Debug().Str("serial", d.ID).Str("remote", remote).Msg("android recording started")
	return h, remote, nil
}

// StopRecording implements Recorder: stop the recorder, pull the file,
// remove the device-side copy.
func (b *Android) StopRecording(ctx context.Context, d *domain.Device, h *proc.Handle, remotePath, outputPath string) *domain.CPError {
	h.Stop(3 * time.Second)
	// screenrecord needs a moment to finalize the moov atom.
	time.Sleep(500 * time.Millisecond)
	if _, err := proc.Run(ctx, "adb", adbArgs(d.ID, "pull", remotePath, outputPath), proc.RunOptions{}); err != nil {
		return domain.AsCPError(err)
	}
	_, _ = proc.Run(ctx, "adb", adbArgs(d.ID, "shell", "rm", "-f", remotePath), proc.RunOptions{AllowFailure: true})
	return nil
}

// StartLogStream implements LogStreamer via logcat, scoped to the app pid
// when the app is running; otherwise the whole logcat stream is captured.
func (b *Android) StartLogStream(ctx context.Context, d *domain.Device, pkg string, stdout, stderr io.Writer) (*proc.Handle, *domain.CPError) {
	args := adbArgs(d.ID, "logcat", "-v", "time")
	res, err := proc.Run(ctx, "adb", adbArgs(d.ID, "shell", "pidof", pkg), proc.RunOptions{AllowFailure: true})
	if err == nil {
		if pid := strings.TrimSpace(res.Stdout); pid != "" {
			args = append(args, "--pid", pid)
		}
	}
	h, err := proc.Start("adb", args, nil, stdout, stderr)
	if err != nil {
		return nil, domain.AsCPError(err)
	}
	return h, nil
}

// resolveApp maps a package id or name onto an installed package. A
// dotted value is taken as a package id; any other name is matched
// case-insensitively as a substring of installed package ids (app labels
// are not read).
func (b *Android) resolveApp(ctx context.Context, d *domain.Device, nameOrID string) (string, *domain.CPError) {
	if strings.Contains(nameOrID, ".") {
		return nameOrID, nil
	}
	res, err := proc.Run(ctx, "adb", adbArgs(d.ID, "shell", "pm", "list", "packages"), proc.RunOptions{})
	if err != nil {
		return "", domain.AsCPError(err)
	}
	lower := strings.ToLower(nameOrID)
	for _, line := range strings.Split(res.Stdout, "\n") {
		pkg := strings.TrimPrefix(strings.TrimSpace(line), "package:")
		if pkg != "" && strings.Contains(strings.ToLower(pkg), lower) {
			return pkg, nil
		}
	}
	return "", domain.Errorf(domain.CodeAppNotInstalled, "no installed package matches %q", nameOrID)
}
