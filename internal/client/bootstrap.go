// Package client implements the client-side bootstrap: find or launch
// the daemon for a state directory, pick a transport, and send one
// request.
package client

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/agent-device/agent-device/internal/config"
	"github.com/agent-device/agent-device/internal/daemon"
	"github.com/agent-device/agent-device/internal/domain"
	"github.com/agent-device/agent-device/internal/proc"
	"github.com/agent-device/agent-device/internal/procident"
	"github.com/agent-device/agent-device/internal/rpc/message"
)

// startupWindow bounds the wait for fresh metadata after launching a
// daemon, polled alongside an fsnotify watch on the state directory.
const (
	startupWindow   = 5 * time.Second
	startupPoll     = 100 * time.Millisecond
	stopTermTimeout = 3 * time.Second
	stopKillTimeout = 2 * time.Second
)

// Client talks to (and if necessary launches) the daemon.
type Client struct {
	cfg     *config.Config
	version string
}

// New creates a client for the given configuration.
func New(cfg *config.Config, version string) *Client {
	return &Client{cfg: cfg, version: version}
}

// Send ensures a healthy daemon and forwards one request, enforcing the
// client-side timeout. On expiry, orphaned runner builds are reaped and
// the request fails with COMMAND_FAILED.
func (c *Client) Send(req *domain.Request) (*domain.Response, error) {
	md, err := c.ensureDaemon()
	if err != nil {
		return nil, err
	}
	req.Token = md.Token
	if req.Meta.RequestID == "" {
		req.Meta.RequestID = uuid.NewString()
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.ClientTimeout())
	defer cancel()

	type outcome struct {
		resp *domain.Response
		err  error
	}
	ch := make(chan outcome, 1)
	go func() {
		resp, err := c.dispatch(ctx, md, req)
		ch <- outcome{resp, err}
	}()

	select {
	case out := <-ch:
		return out.resp, out.err
	case <-ctx.Done():
		killed := proc.SweepOrphanedRunners()
		log.Warn().Int("killed", killed).Msg("daemon request timed out; reaped orphaned runner builds")
		return nil, domain.Errorf(domain.CodeCommandFailed, "daemon request timed out after %s", c.cfg.ClientTimeout())
	}
}

// dispatch picks the transport per preference and metadata.
func (c *Client) dispatch(ctx context.Context, md *daemon.Metadata, req *domain.Request) (*domain.Response, error) {
	pref := c.cfg.Client.Transport
	useSocket := md.Port > 0 && (pref == "socket" || (pref == "auto" && md.Port > 0))
	if pref == "http" || (pref == "auto" && md.Port == 0) {
		useSocket = false
	}
	if useSocket {
		return sendSocket(ctx, md.Port, req)
	}
	if md.HTTPPort == 0 {
		return nil, fmt.Errorf("daemon exposes no http transport")
	}
	return sendHTTP(ctx, md.HTTPPort, req)
}

// ensureDaemon returns live metadata, taking over stale or mismatched
// daemons along the way.
func (c *Client) ensureDaemon() (*daemon.Metadata, error) {
	stateDir := c.cfg.StateDir
	md, err := daemon.ReadMetadata(stateDir)
	if err == nil && c.usable(md) {
		return md, nil
	}

	if md != nil {
		// Stale or mismatched daemon: stop it before relaunching.
		log.Debug().Int("pid", md.PID).Msg("taking over stale daemon")
		procident.StopProcess(md.PID, stopTermTimeout, stopKillTimeout, md.ProcessStartTime)
	}
	daemon.RemoveMetadata(stateDir)
	_ = os.Remove(daemon.LockPath(stateDir))

	if err := c.launchDaemon(stateDir); err != nil {
		return nil, err
	}
	return c.awaitMetadata(stateDir)
}

// usable reports whether the described daemon is alive, reachable and
// matches the installed codebase.
func (c *Client) usable(md *daemon.Metadata) bool {
	if !procident.IsLiveDaemonProcess(md.PID, md.ProcessStartTime) {
		return false
	}
	if md.Version != c.version {
		return false
	}
	if exe, err := os.Executable(); err == nil {
		if sig := procident.CodeSignature(exe, filepath.Dir(exe)); sig != "" && md.CodeSignature != "" && sig != md.CodeSignature {
			return false
		}
	}
	return c.reachable(md)
}

// reachable probes whichever transport the metadata advertises.
func (c *Client) reachable(md *daemon.Metadata) bool {
	if md.Port > 0 {
		conn, err := net.DialTimeout("tcp", fmt.Sprintf("127.0.0.1:%d", md.Port), time.Second)
		if err != nil {
			return false
		}
		conn.Close()
		return true
	}
	if md.HTTPPort > 0 {
		client := &http.Client{Timeout: time.Second}
		resp, err := client.Get(fmt.Sprintf("http://127.0.0.1:%d/health", md.HTTPPort))
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}
	return false
}

// launchDaemon starts a fresh daemon detached with the state directory
// pinned through the environment.
func (c *Client) launchDaemon(stateDir string) error {
	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("locate executable: %w", err)
	}
	_, err = proc.RunDetached(exe, []string{"daemon"}, []string{
		"AGENT_DEVICE_STATE_DIR=" + stateDir,
		"AGENT_DEVICE_DAEMON_SERVER_MODE=" + c.cfg.Daemon.ServerMode,
	})
	if err != nil {
		return fmt.Errorf("launch daemon: %w", err)
	}
	return nil
}

// awaitMetadata waits for fresh, reachable metadata inside the startup
// window. fsnotify wakes the loop early when the file lands; polling
// backstops platforms where the watch is unreliable.
func (c *Client) awaitMetadata(stateDir string) (*daemon.Metadata, error) {
	watcher, err := fsnotify.NewWatcher()
	if err == nil {
		defer watcher.Close()
		_ = watcher.Add(stateDir)
	}

	deadline := time.Now().Add(startupWindow)
	for time.Now().Before(deadline) {
		md, rerr := daemon.ReadMetadata(stateDir)
		if rerr == nil && procident.IsLiveDaemonProcess(md.PID, md.ProcessStartTime) && c.reachable(md) {
			return md, nil
		}
		if watcher != nil {
			select {
			case <-watcher.Events:
			case <-watcher.Errors:
			case <-time.After(startupPoll):
			}
		} else {
			time.Sleep(startupPoll)
		}
	}
	return nil, fmt.Errorf("daemon did not come up within %s", startupWindow)
}

// sendSocket speaks one NDJSON round trip on the stream transport.
func sendSocket(ctx context.Context, port int, req *domain.Request) (*domain.Response, error) {
	dialer := net.Dialer{}
	conn, err := dialer.DialContext(ctx, "tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		return nil, fmt.Errorf("dial daemon: %w", err)
	}
	defer conn.Close()
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	if _, err := conn.Write(append(payload, '\n')); err != nil {
		return nil, fmt.Errorf("write request: %w", err)
	}

	reader := bufio.NewReader(conn)
	line, err := reader.ReadBytes('\n')
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	var resp domain.Response
	if err := json.Unmarshal(line, &resp); err != nil {
		return nil, fmt.Errorf("parse response: %w", err)
	}
	return &resp, nil
}

// sendHTTP speaks one JSON-RPC round trip on the HTTP transport.
func sendHTTP(ctx context.Context, port int, req *domain.Request) (*domain.Response, error) {
	params, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal params: %w", err)
	}
	body, err := json.Marshal(map[string]any{
		"jsonrpc": message.Version,
		"id":      req.Meta.RequestID,
		"method":  "agent_device.command",
		"params":  json.RawMessage(params),
	})
	if err != nil {
		return nil, fmt.Errorf("marshal rpc request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		fmt.Sprintf("http://127.0.0.1:%d/rpc", port), bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	httpResp, err := http.DefaultClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("post rpc: %w", err)
	}
	defer httpResp.Body.Close()

	var rpcResp message.Response
	if err := json.NewDecoder(httpResp.Body).Decode(&rpcResp); err != nil {
		return nil, fmt.Errorf("parse rpc response: %w", err)
	}
	if rpcResp.Error != nil {
		// The data payload decodes as a generic value; round-trip it
		// through JSON to recover the control-plane error shape.
		if rpcResp.Error.Data != nil {
			var cperr domain.CPError
			if raw, merr := json.Marshal(rpcResp.Error.Data); merr == nil {
				if json.Unmarshal(raw, &cperr) == nil && cperr.Code != "" {
					return domain.FailResponse(&cperr), nil
				}
			}
		}
		return domain.FailResponse(domain.NewError(domain.CodeUnknown, rpcResp.Error.Message)), nil
	}
	var resp domain.Response
	if err := json.Unmarshal(rpcResp.Result, &resp); err != nil {
		return nil, fmt.Errorf("parse result: %w", err)
	}
	return &resp, nil
}
