package replay

import (
	"os"
	"path/filepath"
	"testing"
)

func TestEncodeParseRoundTrip(t *testing.T) {
	tests := []struct {
		command     string
		positionals []string
		flags       map[string]any
	}{
		{"open", []string{"Settings"}, nil},
		{"press", []string{"@e1"}, nil},
		{"fill", []string{"Email field", "user@example.com"}, nil},
		{"type", []string{"hello world"}, map[string]any{"out": "shot.png"}},
		{"record", []string{"start"}, map[string]any{"update": true}},
		{"press", []string{`quoted "inner" text`}, nil},
	}
	for _, tt := range tests {
		line := EncodeLine(tt.command, tt.positionals, tt.flags)
		step, err := ParseLine(1, line)
		if err != nil {
			t.Fatalf("ParseLine(%q): %v", line, err)
		}
		if step.Command != tt.command {
			t.Errorf("command round trip: %q -> %q", tt.command, step.Command)
		}
		if len(step.Positionals) != len(tt.positionals) {
			t.Fatalf("positionals round trip: %v -> %v (line %q)", tt.positionals, step.Positionals, line)
		}
		for i := range tt.positionals {
			if step.Positionals[i] != tt.positionals[i] {
				t.Errorf("positional %d: %q -> %q", i, tt.positionals[i], step.Positionals[i])
			}
		}
		for k, v := range tt.flags {
			got, ok := step.Flags[k]
			if !ok {
				t.Errorf("flag %q lost in round trip (line %q)", k, line)
				continue
			}
			switch want := v.(type) {
			case bool:
				if got != want {
					t.Errorf("flag %q: %v -> %v", k, want, got)
				}
			default:
				if got != v {
					t.Errorf("flag %q: %v -> %v", k, v, got)
				}
			}
		}
	}
}

func TestParseLineSkipsCommentsAndBlanks(t *testing.T) {
	for _, line := range []string{"", "   ", "# a comment"} {
		step, err := ParseLine(1, line)
		if err != nil || step != nil {
			t.Errorf("ParseLine(%q) = %v, %v; want nil, nil", line, step, err)
		}
	}
}

func TestParseLineErrors(t *testing.T) {
	if _, err := ParseLine(1, `press "unterminated`); err == nil {
		t.Error("unterminated quote should fail")
	}
	if _, err := ParseLine(1, `press -- value`); err == nil {
		t.Error("empty flag name should fail")
	}
}

func TestParseScript(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "session.ad")
	content := "open Settings\n# comment\npress \"General\"\nfill Email user@example.com\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	steps, err := ParseScript(path)
	if err != nil {
		t.Fatalf("ParseScript: %v", err)
	}
	if len(steps) != 3 {
		t.Fatalf("expected 3 steps, got %d", len(steps))
	}
	if steps[1].Command != "press" || steps[1].Positionals[0] != "General" {
		t.Errorf("unexpected step 2: %+v", steps[1])
	}
	if steps[2].Line != 4 {
		t.Errorf("line numbers should survive comments: %d", steps[2].Line)
	}
}

func TestRewriteScriptAtomic(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "session.ad")
	if err := os.WriteFile(path, []byte("old content\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := RewriteScript(path, []string{"open Settings", "press General"}); err != nil {
		t.Fatalf("RewriteScript: %v", err)
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if string(raw) != "open Settings\npress General\n" {
		t.Errorf("unexpected rewritten content: %q", raw)
	}
	// No temp files left behind.
	entries, _ := os.ReadDir(dir)
	if len(entries) != 1 {
		t.Errorf("expected exactly one file after rewrite, got %d", len(entries))
	}
}
