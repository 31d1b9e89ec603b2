package httpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"testing"

	"github.com/agent-device/agent-device/internal/backend"
	"github.com/agent-device/agent-device/internal/dispatch"
	"github.com/agent-device/agent-device/internal/domain"
	"github.com/agent-device/agent-device/internal/lease"
	"github.com/agent-device/agent-device/internal/pipeline"
	"github.com/agent-device/agent-device/internal/proc"
	"github.com/agent-device/agent-device/internal/rpc/message"
	"github.com/agent-device/agent-device/internal/session"
)

const testToken = "http-test-token"

type nullBackend struct{}

func (nullBackend) Name() string               { return "ios-simulator" }
func (nullBackend) Owns(d *domain.Device) bool { return true }
func (nullBackend) Discover(ctx context.Context) ([]domain.Device, error) {
	return nil, nil
}
func (nullBackend) Exec(ctx context.Context, ec *backend.ExecContext, d *domain.Device, command string, positionals []string) (map[string]any, *domain.CPError) {
	return map[string]any{"done": true}, nil
}

func startTestServer(t *testing.T, hook *AuthHook) int {
	t.Helper()
	stateDir := t.TempDir()
	store := session.NewStore(stateDir, 0, 0)
	leases := lease.NewRegistry(lease.Config{})
	dispatcher := dispatch.NewDispatcher(backend.NewDiscovery(nullBackend{}), filepath.Join(stateDir, "daemon.log"))
	pipe := pipeline.New(pipeline.Config{Token: testToken, StateDir: stateDir}, store, leases, dispatcher)
	srv := NewServer(pipe, proc.NewCancelRegistry(), hook)
	port, err := srv.Start()
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(srv.Close)
	return port
}

func postRPC(t *testing.T, port int, body []byte, headers map[string]string) (*http.Response, *message.Response) {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, fmt.Sprintf("http://127.0.0.1:%d/rpc", port), bytes.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	httpResp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	t.Cleanup(func() { httpResp.Body.Close() })
	var rpcResp message.Response
	if err := json.NewDecoder(httpResp.Body).Decode(&rpcResp); err != nil {
		t.Fatalf("decode rpc response: %v", err)
	}
	return httpResp, &rpcResp
}

func rpcBody(t *testing.T, method string, params any) []byte {
	t.Helper()
	body, err := json.Marshal(map[string]any{
		"jsonrpc": "2.0",
		"id":      "1",
		"method":  method,
		"params":  params,
	})
	if err != nil {
		t.Fatal(err)
	}
	return body
}

func errData(t *testing.T, rpcResp *message.Response) *domain.CPError {
	t.Helper()
	if rpcResp.Error == nil {
		t.Fatal("expected a JSON-RPC error")
	}
	raw, err := json.Marshal(rpcResp.Error.Data)
	if err != nil {
		t.Fatalf("re-marshal error data: %v", err)
	}
	var cperr domain.CPError
	if err := json.Unmarshal(raw, &cperr); err != nil {
		t.Fatalf("decode error data: %v", err)
	}
	return &cperr
}

func TestHealth(t *testing.T) {
	port := startTestServer(t, nil)
	resp, err := http.Get(fmt.Sprintf("http://127.0.0.1:%d/health", port))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("health status = %d", resp.StatusCode)
	}
	var body map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body["ok"] != true {
		t.Errorf("health body = %v", body)
	}
}

func TestCommandHappyPath(t *testing.T) {
	port := startTestServer(t, nil)
	body := rpcBody(t, "agent_device.command", map[string]any{
		"session": "default",
		"command": "session_list",
		"token":   testToken,
	})
	httpResp, rpcResp := postRPC(t, port, body, nil)
	if httpResp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", httpResp.StatusCode)
	}
	var result domain.Response
	if err := json.Unmarshal(rpcResp.Result, &result); err != nil {
		t.Fatal(err)
	}
	if !result.OK {
		t.Errorf("result not ok: %+v", result.Error)
	}
}

func TestCommandDashedAliasAndHeaderToken(t *testing.T) {
	port := startTestServer(t, nil)
	body := rpcBody(t, "agent-device.command", map[string]any{
		"command": "session_list",
	})
	httpResp, _ := postRPC(t, port, body, map[string]string{TokenHeader: testToken})
	if httpResp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", httpResp.StatusCode)
	}

	// Bearer form works too.
	httpResp, _ = postRPC(t, port, body, map[string]string{"Authorization": "Bearer " + testToken})
	if httpResp.StatusCode != http.StatusOK {
		t.Fatalf("bearer status = %d", httpResp.StatusCode)
	}
}

func TestTenantIsolationGate(t *testing.T) {
	port := startTestServer(t, nil)
	body := rpcBody(t, "agent_device.command", map[string]any{
		"command": "session_list",
		"token":   testToken,
		"flags":   map[string]any{"sessionIsolation": "tenant"},
	})
	httpResp, rpcResp := postRPC(t, port, body, nil)
	if httpResp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", httpResp.StatusCode)
	}
	if cperr := errData(t, rpcResp); cperr.Code != domain.CodeInvalidArgs {
		t.Errorf("error code = %s, want INVALID_ARGS", cperr.Code)
	}
}

func TestLeaseFullFlow(t *testing.T) {
	port := startTestServer(t, nil)
	auth := map[string]string{TokenHeader: testToken}

	// Allocate.
	httpResp, rpcResp := postRPC(t, port, rpcBody(t, "agent_device.lease.allocate", map[string]any{
		"tenantId": "acme", "runId": "run-1", "ttlMs": 60000,
	}), auth)
	if httpResp.StatusCode != http.StatusOK {
		t.Fatalf("allocate status = %d", httpResp.StatusCode)
	}
	var allocResult struct {
		OK   bool `json:"ok"`
		Data struct {
			Lease lease.Lease `json:"lease"`
		} `json:"data"`
	}
	if err := json.Unmarshal(rpcResp.Result, &allocResult); err != nil {
		t.Fatal(err)
	}
	leaseID := allocResult.Data.Lease.LeaseID
	if leaseID == "" {
		t.Fatal("no leaseId in allocate result")
	}

	// Tenant-isolated command without a lease id: 400.
	cmd := func(leaseID string) []byte {
		flags := map[string]any{"sessionIsolation": "tenant", "tenant": "acme", "runId": "run-1"}
		if leaseID != "" {
			flags["leaseId"] = leaseID
		}
		return rpcBody(t, "agent_device.command", map[string]any{
			"command": "close", "token": testToken, "flags": flags,
		})
	}
	httpResp, rpcResp = postRPC(t, port, cmd(""), nil)
	if httpResp.StatusCode != http.StatusBadRequest {
		t.Fatalf("missing lease status = %d, want 400", httpResp.StatusCode)
	}
	if cperr := errData(t, rpcResp); cperr.Code != domain.CodeInvalidArgs {
		t.Errorf("code = %s, want INVALID_ARGS", cperr.Code)
	}

	// With the lease: admission passes, no session yet -> 404.
	httpResp, rpcResp = postRPC(t, port, cmd(leaseID), nil)
	if httpResp.StatusCode != http.StatusNotFound {
		t.Fatalf("with lease status = %d, want 404", httpResp.StatusCode)
	}
	if cperr := errData(t, rpcResp); cperr.Code != domain.CodeSessionNotFound {
		t.Errorf("code = %s, want SESSION_NOT_FOUND", cperr.Code)
	}

	// Heartbeat then release.
	httpResp, _ = postRPC(t, port, rpcBody(t, "agent_device.lease.heartbeat", map[string]any{
		"leaseId": leaseID, "ttlMs": 60000,
	}), auth)
	if httpResp.StatusCode != http.StatusOK {
		t.Fatalf("heartbeat status = %d", httpResp.StatusCode)
	}
	httpResp, rpcResp = postRPC(t, port, rpcBody(t, "agent_device.lease.release", map[string]any{
		"leaseId": leaseID,
	}), auth)
	if httpResp.StatusCode != http.StatusOK {
		t.Fatalf("release status = %d", httpResp.StatusCode)
	}
	var relResult struct {
		Data struct {
			Released bool `json:"released"`
		} `json:"data"`
	}
	if err := json.Unmarshal(rpcResp.Result, &relResult); err != nil {
		t.Fatal(err)
	}
	if !relResult.Data.Released {
		t.Error("release reported false")
	}

	// Released lease no longer admits: 401.
	httpResp, rpcResp = postRPC(t, port, cmd(leaseID), nil)
	if httpResp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("released lease status = %d, want 401", httpResp.StatusCode)
	}
	if cperr := errData(t, rpcResp); cperr.Code != domain.CodeUnauthorized {
		t.Errorf("code = %s, want UNAUTHORIZED", cperr.Code)
	}
}

func TestBodyCap(t *testing.T) {
	port := startTestServer(t, nil)
	big := bytes.Repeat([]byte("a"), maxBodyBytes+100)
	httpResp, rpcResp := postRPC(t, port, big, nil)
	if httpResp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", httpResp.StatusCode)
	}
	if rpcResp.Error == nil || rpcResp.Error.Code != message.ParseError {
		t.Errorf("expected -32700 parse error, got %+v", rpcResp.Error)
	}
}

func TestMethodNotFound(t *testing.T) {
	port := startTestServer(t, nil)
	httpResp, rpcResp := postRPC(t, port, rpcBody(t, "agent_device.nonsense", nil), nil)
	if httpResp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", httpResp.StatusCode)
	}
	if rpcResp.Error == nil || rpcResp.Error.Code != message.MethodNotFound {
		t.Errorf("expected -32601, got %+v", rpcResp.Error)
	}
}

func TestInvalidJSON(t *testing.T) {
	port := startTestServer(t, nil)
	httpResp, rpcResp := postRPC(t, port, []byte("{broken"), nil)
	if httpResp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", httpResp.StatusCode)
	}
	if rpcResp.Error == nil || rpcResp.Error.Code != message.ParseError {
		t.Errorf("expected -32700, got %+v", rpcResp.Error)
	}
}

// writeHookScript drops an executable auth hook into dir.
func writeHookScript(t *testing.T, dir, script string) string {
	t.Helper()
	path := filepath.Join(dir, "hook.sh")
	if err := os.WriteFile(path, []byte(script), 0o755); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestAuthHookRejects(t *testing.T) {
	hookPath := writeHookScript(t, t.TempDir(), `#!/bin/sh
if grep -q '"x-test-auth":"allow"' 2>/dev/null; then
  echo '{"ok":true,"tenantId":"hooktenant"}'
else
  echo '{"ok":false,"code":"UNAUTHORIZED"}'
fi
`)
	port := startTestServer(t, NewAuthHook(hookPath, ""))

	body := rpcBody(t, "agent_device.command", map[string]any{
		"command": "session_list", "token": testToken,
	})
	httpResp, rpcResp := postRPC(t, port, body, nil)
	if httpResp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", httpResp.StatusCode)
	}
	if rpcResp.Error == nil || rpcResp.Error.Code != message.AuthHookRejected {
		t.Fatalf("expected -32001, got %+v", rpcResp.Error)
	}
	if cperr := errData(t, rpcResp); cperr.Code != domain.CodeUnauthorized {
		t.Errorf("data code = %s, want UNAUTHORIZED", cperr.Code)
	}
}

func TestAuthHookInjectsTenant(t *testing.T) {
	hookPath := writeHookScript(t, t.TempDir(), `#!/bin/sh
if grep -q '"x-test-auth":"allow"'; then
  echo '{"ok":true,"tenantId":"hooktenant"}'
else
  echo '{"ok":false,"code":"UNAUTHORIZED"}'
fi
`)
	port := startTestServer(t, NewAuthHook(hookPath, ""))

	body := rpcBody(t, "agent_device.lease.allocate", map[string]any{
		"runId": "auth-hook-run", "ttlMs": 30000,
	})
	httpResp, rpcResp := postRPC(t, port, body, map[string]string{"x-test-auth": "allow"})
	if httpResp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200 (error: %+v)", httpResp.StatusCode, rpcResp.Error)
	}
	var result struct {
		Data struct {
			Lease lease.Lease `json:"lease"`
		} `json:"data"`
	}
	if err := json.Unmarshal(rpcResp.Result, &result); err != nil {
		t.Fatal(err)
	}
	if result.Data.Lease.TenantID != "hooktenant" {
		t.Errorf("tenantId = %q, want hooktenant (injected by hook)", result.Data.Lease.TenantID)
	}
}
