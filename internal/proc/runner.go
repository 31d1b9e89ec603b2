// Package proc supervises the external processes the backends shell out
// to: bounded run-to-completion, detached launches, retries, request
// cancellation, and the orphaned-runner sweep.
package proc

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/agent-device/agent-device/internal/domain"
)

// Result carries the outcome of a completed subprocess.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// RunOptions tunes a single Run call.
type RunOptions struct {
	Env   []string
	Stdin string
	// AllowFailure suppresses the error for non-zero exits; the caller
	// inspects ExitCode instead.
	AllowFailure bool
	Timeout      time.Duration
}

// Timeout profiles per operation class. Backends pick the profile that
// matches the vendor tool they invoke.
var timeoutProfiles = map[string]time.Duration{
	"default":        30 * time.Second,
	"android_boot":   180 * time.Second,
	"ios_boot":       120 * time.Second,
	"ios_devicectl":  90 * time.Second,
	"ios_app_launch": 60 * time.Second,
	"quick":          10 * time.Second,
}

// ProfileTimeout returns the deadline for a named profile, falling back
// to the default profile for unknown names.
func ProfileTimeout(profile string) time.Duration {
	if d, ok := timeoutProfiles[profile]; ok {
		return d
	}
	return timeoutProfiles["default"]
}

// Run executes bin with args to completion. On timeout the process gets
// SIGTERM, then SIGKILL after a grace period.
func Run(ctx context.Context, bin string, args []string, opts RunOptions) (*Result, error) {
	if _, err := exec.LookPath(bin); err != nil {
		return nil, domain.Errorf(domain.CodeToolMissing, "%s not found in PATH", bin)
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = timeoutProfiles["default"]
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, bin, args...)
	cmd.WaitDelay = 3 * time.Second
	cmd.Cancel = func() error {
		// Polite first; WaitDelay escalates to SIGKILL.
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	if len(opts.Env) > 0 {
		cmd.Env = append(os.Environ(), opts.Env...)
	}
	if opts.Stdin != "" {
		cmd.Stdin = strings.NewReader(opts.Stdin)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	res := &Result{Stdout: stdout.String(), Stderr: stderr.String(), ExitCode: -1}
	if cmd.ProcessState != nil {
		res.ExitCode = cmd.ProcessState.ExitCode()
	}

	if runCtx.Err() == context.DeadlineExceeded {
		return res, domain.Errorf(domain.CodeCommandFailed, "%s timed out after %s", bin, timeout).
			WithDetails(map[string]any{"stderr": res.Stderr, "timeoutMs": timeout.Milliseconds()})
	}
	if errors.Is(ctx.Err(), context.Canceled) {
		return res, domain.NewError(domain.CodeCommandFailed, "request canceled")
	}
	if err != nil && !opts.AllowFailure {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return res, domain.Errorf(domain.CodeCommandFailed, "%s exited with code %d", bin, res.ExitCode).
				WithDetails(map[string]any{
					"stderr":   res.Stderr,
					"exitCode": res.ExitCode,
					"direct":   true,
				})
		}
		return res, domain.Errorf(domain.CodeCommandFailed, "run %s: %v", bin, err)
	}
	return res, nil
}

// RunDetached launches bin and does not wait. The child is its own
// process group so it survives daemon shutdown (used for `emulator` and
// for relaunching the daemon itself).
func RunDetached(bin string, args []string, env []string) (int, error) {
	if _, err := exec.LookPath(bin); err != nil {
		return 0, domain.Errorf(domain.CodeToolMissing, "%s not found in PATH", bin)
	}
	cmd := exec.Command(bin, args...)
	if len(env) > 0 {
		cmd.Env = append(os.Environ(), env...)
	}
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Stdout = nil
	cmd.Stderr = nil
	if err := cmd.Start(); err != nil {
		return 0, fmt.Errorf("start %s: %w", bin, err)
	}
	pid := cmd.Process.Pid
	// Reap the child when it eventually exits.
	go func() { _ = cmd.Wait() }()
	log.Debug().Str("bin", bin).Int("pid", pid).Msg("detached process started")
	return pid, nil
}

// Handle tracks a long-running supervised process (recorder, log
// stream). Done is closed when the process exits, so any number of
// watchers may wait on it. Stop is idempotent.
type Handle struct {
	Cmd  *exec.Cmd
	Done chan struct{}

	waitErr error
}

// Start launches a long-running process and returns its handle.
func Start(bin string, args []string, env []string, stdout, stderr io.Writer) (*Handle, error) {
	if _, err := exec.LookPath(bin); err != nil {
		return nil, domain.Errorf(domain.CodeToolMissing, "%s not found in PATH", bin)
	}
	cmd := exec.Command(bin, args...)
	if len(env) > 0 {
		cmd.Env = append(os.Environ(), env...)
	}
	if stdout != nil {
		cmd.Stdout = stdout
	}
	if stderr != nil {
		cmd.Stderr = stderr
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", bin, err)
	}
	h := &Handle{Cmd: cmd, Done: make(chan struct{})}
	go func() {
		h.waitErr = cmd.Wait()
		close(h.Done)
	}()
	return h, nil
}

// WaitErr returns the process exit error once Done is closed.
func (h *Handle) WaitErr() error { return h.waitErr }

// PID returns the process id, or 0 when the handle never started.
func (h *Handle) PID() int {
	if h == nil || h.Cmd == nil || h.Cmd.Process == nil {
		return 0
	}
	return h.Cmd.Process.Pid
}

// Stop terminates the process politely, then forcibly, waiting up to
// grace for each phase.
func (h *Handle) Stop(grace time.Duration) {
	if h == nil || h.Cmd == nil || h.Cmd.Process == nil {
		return
	}
	_ = h.Cmd.Process.Signal(syscall.SIGTERM)
	select {
	case <-h.Done:
		return
	case <-time.After(grace):
	}
	_ = h.Cmd.Process.Kill()
	select {
	case <-h.Done:
	case <-time.After(grace):
	}
}
