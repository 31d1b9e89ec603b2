package pipeline

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/agent-device/agent-device/internal/backend"
	"github.com/agent-device/agent-device/internal/dispatch"
	"github.com/agent-device/agent-device/internal/domain"
	"github.com/agent-device/agent-device/internal/lease"
	"github.com/agent-device/agent-device/internal/session"
)

const testToken = "test-token"

// fakeBackend stands in for the simulator backend; it records the
// commands it receives and fails on the "@broken" target.
type fakeBackend struct {
	devices []domain.Device
	calls   []string
}

func (f *fakeBackend) Name() string { return "ios-simulator" }

func (f *fakeBackend) Owns(d *domain.Device) bool {
	return d.Platform == domain.PlatformIOS && d.Kind == domain.KindSimulator
}

func (f *fakeBackend) Discover(ctx context.Context) ([]domain.Device, error) {
	return f.devices, nil
}

func (f *fakeBackend) Exec(ctx context.Context, ec *backend.ExecContext, d *domain.Device, command string, positionals []string) (map[string]any, *domain.CPError) {
	f.calls = append(f.calls, command)
	if len(positionals) > 0 && positionals[0] == "@broken" {
		return nil, domain.Errorf(domain.CodeCommandFailed, "element %q not found", positionals[0])
	}
	switch command {
	case "open":
		return map[string]any{"bundleId": "com.example.app", "pid": 42}, nil
	case "close":
		return map[string]any{"terminated": true}, nil
	default:
		return map[string]any{"done": command}, nil
	}
}

func testPipeline(t *testing.T) (*Pipeline, *fakeBackend) {
	t.Helper()
	fake := &fakeBackend{devices: []domain.Device{{
		Platform: domain.PlatformIOS,
		ID:       "UDID-1",
		Name:     "iPhone 15",
		Kind:     domain.KindSimulator,
		Target:   domain.TargetMobile,
		Booted:   true,
	}}}
	stateDir := t.TempDir()
	store := session.NewStore(stateDir, 0, 0)
	leases := lease.NewRegistry(lease.Config{})
	dispatcher := dispatch.NewDispatcher(backend.NewDiscovery(fake), filepath.Join(stateDir, "daemon.log"))
	pipe := New(Config{Token: testToken, StateDir: stateDir}, store, leases, dispatcher)
	return pipe, fake
}

func request(command string, positionals ...string) *domain.Request {
	return &domain.Request{
		Token:       testToken,
		Command:     command,
		Positionals: positionals,
		Flags:       map[string]any{},
	}
}

func TestTokenRejected(t *testing.T) {
	pipe, _ := testPipeline(t)
	req := request("session_list")
	req.Token = "wrong"
	resp := pipe.HandleRequest(context.Background(), req)
	if resp.OK || resp.Error.Code != domain.CodeUnauthorized {
		t.Fatalf("expected UNAUTHORIZED, got %+v", resp)
	}
	if resp.Error.Details != nil {
		t.Errorf("token rejection must carry no details: %v", resp.Error.Details)
	}
}

func TestAliasClickBecomesPress(t *testing.T) {
	pipe, fake := testPipeline(t)
	if resp := pipe.HandleRequest(context.Background(), request("open", "Settings")); !resp.OK {
		t.Fatalf("open failed: %+v", resp.Error)
	}
	if resp := pipe.HandleRequest(context.Background(), request("click", "General")); !resp.OK {
		t.Fatalf("click failed: %+v", resp.Error)
	}
	last := fake.calls[len(fake.calls)-1]
	if last != "press" {
		t.Errorf("click should reach the backend as press, got %q", last)
	}
}

func TestTenantIsolationRequiresTenant(t *testing.T) {
	pipe, _ := testPipeline(t)
	req := request("session_list")
	req.Flags["sessionIsolation"] = "tenant"
	resp := pipe.HandleRequest(context.Background(), req)
	if resp.OK || resp.Error.Code != domain.CodeInvalidArgs {
		t.Fatalf("expected INVALID_ARGS without tenant id, got %+v", resp)
	}
}

func TestLeaseAdmissionFlow(t *testing.T) {
	pipe, _ := testPipeline(t)
	ctx := context.Background()

	// Allocate a lease for the tenant/run pair.
	alloc := request("lease_allocate")
	alloc.Flags["tenant"] = "acme"
	alloc.Flags["runId"] = "run-1"
	resp := pipe.HandleRequest(ctx, alloc)
	if !resp.OK {
		t.Fatalf("lease_allocate failed: %+v", resp.Error)
	}
	leaseID := resp.Data["lease"].(map[string]any)["leaseId"].(string)

	tenantReq := func(leaseID string) *domain.Request {
		req := request("close")
		req.Flags["sessionIsolation"] = "tenant"
		req.Flags["tenant"] = "acme"
		req.Flags["runId"] = "run-1"
		if leaseID != "" {
			req.Flags["leaseId"] = leaseID
		}
		return req
	}

	// Without a lease id admission fails before any handler runs.
	resp = pipe.HandleRequest(ctx, tenantReq(""))
	if resp.OK || resp.Error.Code != domain.CodeInvalidArgs {
		t.Fatalf("expected INVALID_ARGS without leaseId, got %+v", resp)
	}

	// With the lease, admission passes and the command fails on its own
	// terms: no such session yet.
	resp = pipe.HandleRequest(ctx, tenantReq(leaseID))
	if resp.OK || resp.Error.Code != domain.CodeSessionNotFound {
		t.Fatalf("expected SESSION_NOT_FOUND past admission, got %+v", resp)
	}

	// After release, the same lease no longer admits.
	rel := request("lease_release")
	rel.Flags["leaseId"] = leaseID
	if resp := pipe.HandleRequest(ctx, rel); !resp.OK || resp.Data["released"] != true {
		t.Fatalf("lease_release failed: %+v", resp)
	}
	resp = pipe.HandleRequest(ctx, tenantReq(leaseID))
	if resp.OK || resp.Error.Code != domain.CodeUnauthorized {
		t.Fatalf("expected UNAUTHORIZED with released lease, got %+v", resp)
	}
}

func TestSelectorConflictNeverDispatches(t *testing.T) {
	pipe, fake := testPipeline(t)
	ctx := context.Background()
	if resp := pipe.HandleRequest(ctx, request("open", "Settings")); !resp.OK {
		t.Fatalf("open failed: %+v", resp.Error)
	}
	calls := len(fake.calls)

	req := request("press", "General")
	req.Flags["udid"] = "UDID-OTHER"
	resp := pipe.HandleRequest(ctx, req)
	if resp.OK || resp.Error.Code != domain.CodeInvalidArgs {
		t.Fatalf("expected INVALID_ARGS on selector conflict, got %+v", resp)
	}
	conflicting, _ := resp.Error.Details["conflicting"].([]any)
	found := false
	for _, c := range conflicting {
		if c == "udid" {
			found = true
		}
	}
	if !found {
		// Details survive normalization as []string or []any depending
		// on the path; accept either.
		if raw, ok := resp.Error.Details["conflicting"].([]string); !ok || len(raw) == 0 || raw[0] != "udid" {
			t.Errorf("conflicting flags not enumerated: %v", resp.Error.Details)
		}
	}
	if len(fake.calls) != calls {
		t.Error("conflicting selector still reached the backend")
	}
}

func TestOpenJournalsStartupSample(t *testing.T) {
	pipe, _ := testPipeline(t)
	resp := pipe.HandleRequest(context.Background(), request("open", "Settings"))
	if !resp.OK {
		t.Fatalf("open failed: %+v", resp.Error)
	}
	if _, ok := resp.Data["startup"].(map[string]any); !ok {
		t.Fatalf("open result missing startup sample: %v", resp.Data)
	}
	s := pipe.Store().Get("default")
	if s == nil {
		t.Fatal("open did not create a session")
	}
	if len(s.StartupSamples()) == 0 {
		t.Error("no startup sample recorded in the journal")
	}
	if s.App == nil || s.App.BundleID != "com.example.app" {
		t.Errorf("app context not bound: %+v", s.App)
	}
}

func TestOpenCloseLeavesNoResidue(t *testing.T) {
	pipe, _ := testPipeline(t)
	ctx := context.Background()
	if resp := pipe.HandleRequest(ctx, request("open", "Settings")); !resp.OK {
		t.Fatalf("open failed: %+v", resp.Error)
	}
	resp := pipe.HandleRequest(ctx, request("close"))
	if !resp.OK {
		t.Fatalf("close failed: %+v", resp.Error)
	}
	if pipe.Store().Get("default") != nil {
		t.Error("session survived close")
	}
	scriptPath, _ := resp.Data["scriptPath"].(string)
	if scriptPath == "" {
		t.Fatal("close did not write a journal script")
	}
	raw, err := os.ReadFile(scriptPath)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(raw), "open Settings") {
		t.Errorf("script missing journaled open: %q", raw)
	}
}

func TestDeviceInUse(t *testing.T) {
	pipe, _ := testPipeline(t)
	ctx := context.Background()
	if resp := pipe.HandleRequest(ctx, request("open", "Settings")); !resp.OK {
		t.Fatalf("open failed: %+v", resp.Error)
	}
	req := request("open", "Settings")
	req.Session = "second"
	resp := pipe.HandleRequest(ctx, req)
	if resp.OK || resp.Error.Code != domain.CodeDeviceInUse {
		t.Fatalf("expected DEVICE_IN_USE, got %+v", resp)
	}
}

func TestUnsupportedOperation(t *testing.T) {
	pipe, fake := testPipeline(t)
	ctx := context.Background()
	if resp := pipe.HandleRequest(ctx, request("open", "Settings")); !resp.OK {
		t.Fatalf("open failed: %+v", resp.Error)
	}
	calls := len(fake.calls)
	resp := pipe.HandleRequest(ctx, request("keyboard", "reset"))
	if resp.OK || resp.Error.Code != domain.CodeUnsupportedOperation {
		t.Fatalf("expected UNSUPPORTED_OPERATION for keyboard on iOS, got %+v", resp)
	}
	if len(fake.calls) != calls {
		t.Error("unsupported command still reached the backend")
	}
}

func TestBatchFailFastWithPartials(t *testing.T) {
	pipe, _ := testPipeline(t)
	ctx := context.Background()

	req := request("batch")
	req.Flags["steps"] = []any{"open Settings", "click @broken", "press General"}
	resp := pipe.HandleRequest(ctx, req)
	if resp.OK {
		t.Fatal("batch with a failing step should fail")
	}
	if resp.Error.Code != domain.CodeCommandFailed {
		t.Errorf("error code = %s", resp.Error.Code)
	}
	if step, _ := resp.Error.Details["step"].(int); step != 2 {
		t.Errorf("failing step = %v, want 2", resp.Error.Details["step"])
	}
	if executed, _ := resp.Error.Details["executed"].(int); executed != 1 {
		t.Errorf("executed = %v, want 1", resp.Error.Details["executed"])
	}
	partials, _ := resp.Error.Details["partialResults"].([]any)
	if len(partials) != 1 {
		t.Errorf("partialResults length = %d, want 1", len(partials))
	}
}

func TestBatchRejectsNesting(t *testing.T) {
	pipe, _ := testPipeline(t)
	req := request("batch")
	req.Flags["steps"] = []any{"replay script.ad"}
	resp := pipe.HandleRequest(context.Background(), req)
	if resp.OK || resp.Error.Code != domain.CodeInvalidArgs {
		t.Fatalf("nested replay should be INVALID_ARGS, got %+v", resp)
	}
}

func TestReplayRoundTrip(t *testing.T) {
	pipe, fake := testPipeline(t)
	ctx := context.Background()

	// Record a small journal, close to a script, then replay it.
	if resp := pipe.HandleRequest(ctx, request("open", "Settings")); !resp.OK {
		t.Fatalf("open failed: %+v", resp.Error)
	}
	if resp := pipe.HandleRequest(ctx, request("press", "General")); !resp.OK {
		t.Fatalf("press failed: %+v", resp.Error)
	}
	closeReq := request("close")
	closeResp := pipe.HandleRequest(ctx, closeReq)
	if !closeResp.OK {
		t.Fatalf("close failed: %+v", closeResp.Error)
	}
	script := closeResp.Data["scriptPath"].(string)

	fake.calls = nil
	resp := pipe.HandleRequest(ctx, request("replay", script))
	if !resp.OK {
		t.Fatalf("replay failed: %+v", resp.Error)
	}
	want := []string{"open", "press", "close"}
	if len(fake.calls) != len(want) {
		t.Fatalf("replayed calls = %v, want %v", fake.calls, want)
	}
	for i := range want {
		if fake.calls[i] != want[i] {
			t.Errorf("call %d = %q, want %q", i, fake.calls[i], want[i])
		}
	}
}

func TestPerfSummary(t *testing.T) {
	pipe, _ := testPipeline(t)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if resp := pipe.HandleRequest(ctx, request("open", "Settings")); !resp.OK {
			t.Fatalf("open failed: %+v", resp.Error)
		}
	}
	resp := pipe.HandleRequest(ctx, request("perf"))
	if !resp.OK {
		t.Fatalf("perf failed: %+v", resp.Error)
	}
	if n, _ := resp.Data["samples"].(int); n != 3 {
		t.Errorf("samples = %v, want 3", resp.Data["samples"])
	}
}

func TestFailureFlushesDiagnostics(t *testing.T) {
	pipe, _ := testPipeline(t)
	resp := pipe.HandleRequest(context.Background(), request("press", "General"))
	if resp.OK || resp.Error.Code != domain.CodeSessionNotFound {
		t.Fatalf("expected SESSION_NOT_FOUND, got %+v", resp)
	}
	if resp.Error.DiagnosticID == "" {
		t.Error("failed response missing diagnosticId")
	}
	if resp.Error.LogPath == "" {
		t.Fatal("failed response missing logPath")
	}
	if _, err := os.Stat(resp.Error.LogPath); err != nil {
		t.Errorf("diagnostics file missing: %v", err)
	}
}
