package backend

import (
	"testing"

	"github.com/agent-device/agent-device/internal/domain"
)

func TestParseLaunchPID(t *testing.T) {
	if got := parseLaunchPID("com.example.app: 4242\n"); got != 4242 {
		t.Errorf("pid = %d", got)
	}
	if got := parseLaunchPID("garbage"); got != 0 {
		t.Errorf("garbage should parse to 0, got %d", got)
	}
}

func TestParseRunnerResult(t *testing.T) {
	stdout := `Test Suite 'All tests' started
2026-01-05 building...
AGENT_DEVICE_RESULT:{"found":true,"ref":"@e3"}
Test session results...`
	data := parseRunnerResult(stdout)
	if data == nil {
		t.Fatal("marker line not found")
	}
	if data["found"] != true || data["ref"] != "@e3" {
		t.Errorf("unexpected result: %v", data)
	}
	if parseRunnerResult("no marker here") != nil {
		t.Error("absent marker should yield nil")
	}
}

func TestLocateNode(t *testing.T) {
	dump := `<?xml version='1.0'?><hierarchy>` +
		`<node text="Settings" resource-id="com.android:id/title" bounds="[100,200][300,260]"/>` +
		`<node text="Wi-Fi" bounds="[100,300][300,360]"/>` +
		`</hierarchy>`

	x, y, found := locateNode(dump, "Wi-Fi")
	if !found {
		t.Fatal("Wi-Fi node not found")
	}
	if x != 200 || y != 330 {
		t.Errorf("center = (%d,%d), want (200,330)", x, y)
	}

	if _, _, found := locateNode(dump, "Bluetooth"); found {
		t.Error("absent node reported found")
	}
	if _, _, found := locateNode(dump, ""); found {
		t.Error("empty target must not match")
	}
}

func TestMatchAppByName(t *testing.T) {
	listing := `{
    "com.apple.Preferences" = {
        CFBundleDisplayName = Settings;
        CFBundleName = Preferences;
    };
    "com.example.other" = {
        CFBundleDisplayName = Other;
    };
}`
	if got := matchAppByName(listing, "Settings"); got != "com.apple.Preferences" {
		t.Errorf("matched %q, want com.apple.Preferences", got)
	}
	if got := matchAppByName(listing, "Nothing"); got != "" {
		t.Errorf("phantom match: %q", got)
	}
}

func TestBackendOwnership(t *testing.T) {
	sim := &domain.Device{Platform: domain.PlatformIOS, Kind: domain.KindSimulator}
	phone := &domain.Device{Platform: domain.PlatformIOS, Kind: domain.KindDevice}
	droid := &domain.Device{Platform: domain.PlatformAndroid, Kind: domain.KindEmulator}

	ds := NewDiscovery(&IOSSimulator{}, &IOSDevice{}, &Android{})
	if got := ds.BackendFor(sim); got == nil || got.Name() != "ios-simulator" {
		t.Errorf("simulator routed to %v", got)
	}
	if got := ds.BackendFor(phone); got == nil || got.Name() != "ios-device" {
		t.Errorf("phone routed to %v", got)
	}
	if got := ds.BackendFor(droid); got == nil || got.Name() != "android" {
		t.Errorf("android routed to %v", got)
	}
}
