package domain

import "strings"

// Platform identifies the vendor ecosystem a device belongs to.
type Platform string

const (
	PlatformIOS     Platform = "ios"
	PlatformAndroid Platform = "android"
)

// NormalizePlatform resolves platform aliases ("apple" means ios).
func NormalizePlatform(s string) Platform {
	switch strings.ToLower(s) {
	case "apple", "ios":
		return PlatformIOS
	case "android":
		return PlatformAndroid
	default:
		return Platform(strings.ToLower(s))
	}
}

// DeviceKind distinguishes virtual from physical hardware.
type DeviceKind string

const (
	KindSimulator DeviceKind = "simulator"
	KindEmulator  DeviceKind = "emulator"
	KindDevice    DeviceKind = "device"
)

// TargetClass distinguishes handset/tablet targets from TV targets.
type TargetClass string

const (
	TargetMobile TargetClass = "mobile"
	TargetTV     TargetClass = "tv"
)

// Device describes one discoverable device. Immutable once returned from
// discovery for the duration of a session.
type Device struct {
	Platform Platform    `json:"platform"`
	ID       string      `json:"id"`
	Name     string      `json:"name"`
	Kind     DeviceKind  `json:"kind"`
	Target   TargetClass `json:"target"`
	Booted   bool        `json:"booted"`
	// SimulatorSet is the simulator-set path for scoped iOS simulators.
	SimulatorSet string `json:"simulatorSet,omitempty"`
}

// Selector is the device-selection tuple a client may supply.
type Selector struct {
	Platform     string
	Target       string
	DeviceName   string
	UDID         string
	Serial       string
	SimulatorSet string
	Allowlist    []string
}

// SelectorFromRequest extracts the selector flags from a request.
func SelectorFromRequest(r *Request) Selector {
	sel := Selector{}
	sel.Platform, _ = r.FlagString("platform")
	sel.Target, _ = r.FlagString("target")
	sel.DeviceName, _ = r.FlagString("device")
	sel.UDID, _ = r.FlagString("udid")
	sel.Serial, _ = r.FlagString("serial")
	sel.SimulatorSet, _ = r.FlagString("simulatorSet")
	if v, ok := r.Flags["serials"]; ok {
		switch t := v.(type) {
		case []any:
			for _, s := range t {
				if str, ok := s.(string); ok {
					sel.Allowlist = append(sel.Allowlist, str)
				}
			}
		case string:
			for _, s := range strings.Split(t, ",") {
				if s = strings.TrimSpace(s); s != "" {
					sel.Allowlist = append(sel.Allowlist, s)
				}
			}
		}
	}
	return sel
}

// Empty reports whether no selector field is set.
func (s Selector) Empty() bool {
	return s.Platform == "" && s.Target == "" && s.DeviceName == "" &&
		s.UDID == "" && s.Serial == "" && s.SimulatorSet == "" && len(s.Allowlist) == 0
}

// Mismatches returns the selector fields incompatible with the given
// device, by flag name. An empty result means the device satisfies the
// selector.
func (s Selector) Mismatches(d *Device) []string {
	var bad []string
	if s.Platform != "" && NormalizePlatform(s.Platform) != d.Platform {
		bad = append(bad, "platform")
	}
	if s.Target != "" && TargetClass(strings.ToLower(s.Target)) != d.Target {
		bad = append(bad, "target")
	}
	if s.DeviceName != "" && !strings.EqualFold(s.DeviceName, d.Name) {
		bad = append(bad, "device")
	}
	if s.UDID != "" && s.UDID != d.ID {
		bad = append(bad, "udid")
	}
	if s.Serial != "" && s.Serial != d.ID {
		bad = append(bad, "serial")
	}
	if s.SimulatorSet != "" && s.SimulatorSet != d.SimulatorSet {
		bad = append(bad, "simulatorSet")
	}
	if len(s.Allowlist) > 0 {
		found := false
		for _, id := range s.Allowlist {
			if id == d.ID {
				found = true
				break
			}
		}
		if !found {
			bad = append(bad, "serials")
		}
	}
	return bad
}

// AppContext is the application a session is focused on.
type AppContext struct {
	BundleID string `json:"bundleId"`
	Name     string `json:"name,omitempty"`
}
