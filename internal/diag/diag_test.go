package diag

import (
	"bufio"
	"encoding/json"
	"os"
	"strings"
	"testing"
)

func TestScopeFlushWritesNDJSON(t *testing.T) {
	stateDir := t.TempDir()
	scope := NewScope("web", "open", "req-1", false)
	scope.Info("request_start", map[string]any{"command": "open"})
	scope.Error("request_failed", map[string]any{"code": "COMMAND_FAILED"})

	path, err := scope.Flush(stateDir)
	if err != nil {
		t.Fatalf("flush: %v", err)
	}
	if !strings.HasSuffix(path, ".ndjson") {
		t.Errorf("unexpected diagnostics path: %q", path)
	}
	if !strings.Contains(path, scope.DiagnosticID()) {
		t.Errorf("path should embed the diagnostic id: %q", path)
	}

	f, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	var lines int
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var ev Event
		if err := json.Unmarshal(scanner.Bytes(), &ev); err != nil {
			t.Fatalf("line %d not valid JSON: %v", lines+1, err)
		}
		lines++
	}
	if lines != 2 {
		t.Errorf("flushed %d events, want 2", lines)
	}
}

func TestScopeRedactsEventData(t *testing.T) {
	stateDir := t.TempDir()
	scope := NewScope("web", "open", "req-1", false)
	scope.Info("auth", map[string]any{"token": "super-secret", "plain": "ok"})

	path, err := scope.Flush(stateDir)
	if err != nil {
		t.Fatal(err)
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(string(raw), "super-secret") {
		t.Error("secret leaked into flushed diagnostics")
	}
	if !strings.Contains(string(raw), "[REDACTED]") {
		t.Error("redaction marker missing")
	}
}

func TestScopeTenantSessionPath(t *testing.T) {
	stateDir := t.TempDir()
	scope := NewScope("acme:web", "open", "req-1", false)
	path, err := scope.Flush(stateDir)
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(path, "acme:web") {
		t.Errorf("tenant separator leaked into the path: %q", path)
	}
}

func TestScopeTime(t *testing.T) {
	scope := NewScope("s", "open", "r", false)
	err := scope.Time("dispatch", func() error { return nil })
	if err != nil {
		t.Fatal(err)
	}
	path, ferr := scope.Flush(t.TempDir())
	if ferr != nil {
		t.Fatal(ferr)
	}
	raw, _ := os.ReadFile(path)
	if !strings.Contains(string(raw), "dispatch_start") || !strings.Contains(string(raw), "dispatch_end") {
		t.Errorf("timing phases missing: %s", raw)
	}
	if !strings.Contains(string(raw), "durationMs") {
		t.Error("duration missing from timing end event")
	}
}
