package domain

import "testing"

func TestSelectorMismatches(t *testing.T) {
	device := &Device{
		Platform: PlatformIOS,
		ID:       "UDID-1234",
		Name:     "iPhone 15",
		Kind:     KindSimulator,
		Target:   TargetMobile,
	}

	tests := []struct {
		name string
		sel  Selector
		want []string
	}{
		{"empty selector matches", Selector{}, nil},
		{"platform alias apple", Selector{Platform: "apple"}, nil},
		{"case-insensitive name", Selector{DeviceName: "iphone 15"}, nil},
		{"wrong platform", Selector{Platform: "android"}, []string{"platform"}},
		{"wrong udid", Selector{UDID: "other"}, []string{"udid"}},
		{"wrong target", Selector{Target: "tv"}, []string{"target"}},
		{"allowlist miss", Selector{Allowlist: []string{"a", "b"}}, []string{"serials"}},
		{"allowlist hit", Selector{Allowlist: []string{"UDID-1234"}}, nil},
		{
			"multiple conflicts enumerated",
			Selector{Platform: "android", UDID: "other"},
			[]string{"platform", "udid"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.sel.Mismatches(device)
			if len(got) != len(tt.want) {
				t.Fatalf("Mismatches() = %v, want %v", got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("Mismatches()[%d] = %q, want %q", i, got[i], tt.want[i])
				}
			}
		})
	}
}

func TestValidScopeID(t *testing.T) {
	valid := []string{"acme", "run-1", "a.b_c-d", "A1"}
	for _, s := range valid {
		if !ValidScopeID(s) {
			t.Errorf("ValidScopeID(%q) = false, want true", s)
		}
	}
	invalid := []string{"", "has space", "colon:bad", "slash/bad", string(make([]byte, 129))}
	for _, s := range invalid {
		if ValidScopeID(s) {
			t.Errorf("ValidScopeID(%q) = true, want false", s)
		}
	}
}

func TestScopedSessionName(t *testing.T) {
	if got := ScopedSessionName("acme", "default"); got != "acme:default" {
		t.Errorf("ScopedSessionName = %q", got)
	}
	// Already scoped names are not double-prefixed.
	if got := ScopedSessionName("acme", "acme:default"); got != "acme:default" {
		t.Errorf("double-scoped: %q", got)
	}
}

func TestFlagAccessors(t *testing.T) {
	r := &Request{Flags: map[string]any{
		"out":   "path.png",
		"count": float64(3),
		"on":    true,
		"onStr": "true",
	}}
	if v, ok := r.FlagString("out"); !ok || v != "path.png" {
		t.Errorf("FlagString(out) = %q, %v", v, ok)
	}
	if n, ok := r.FlagInt("count"); !ok || n != 3 {
		t.Errorf("FlagInt(count) = %d, %v", n, ok)
	}
	if !r.FlagBool("on") || !r.FlagBool("onStr") {
		t.Error("FlagBool failed on boolean forms")
	}
	if r.FlagBool("absent") {
		t.Error("FlagBool on absent key should be false")
	}
}
