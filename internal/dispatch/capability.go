// Package dispatch owns the capability matrix and the routing from a
// command name to the backend that executes it.
package dispatch

import (
	"github.com/agent-device/agent-device/internal/domain"
)

// deviceClass is a (platform, kind) pair after target folding: Android
// TV shares the Android capability set, tvOS shares iOS by kind.
type deviceClass int

const (
	classIOSSimulator deviceClass = iota
	classIOSDevice
	classAndroid
)

func classify(d *domain.Device) deviceClass {
	if d.Platform == domain.PlatformAndroid {
		return classAndroid
	}
	if d.Kind == domain.KindSimulator {
		return classIOSSimulator
	}
	return classIOSDevice
}

type support struct {
	iosSimulator bool
	iosDevice    bool
	android      bool
}

var (
	allClasses    = support{true, true, true}
	simOnly       = support{iosSimulator: true}
	simAndAndroid = support{iosSimulator: true, android: true}
	androidOnly   = support{android: true}
)

// capabilities is the authoritative command-support table. Commands not
// listed default to supported everywhere: unknown commands pass through
// so newer clients keep working against older daemons.
var capabilities = map[string]support{
	"alert": simOnly,
	"pinch": simOnly,

	"settings":  simAndAndroid,
	"push":      simAndAndroid,
	"clipboard": simAndAndroid,

	"keyboard": androidOnly,

	"open": allClasses, "close": allClasses, "snapshot": allClasses,
	"wait": allClasses, "press": allClasses, "fill": allClasses,
	"type": allClasses, "focus": allClasses, "scroll": allClasses,
	"scrollintoview": allClasses, "back": allClasses, "home": allClasses,
	"app-switcher": allClasses, "screenshot": allClasses, "record": allClasses,
	"reinstall": allClasses, "logs": allClasses, "apps": allClasses,
	"appstate": allClasses, "boot": allClasses, "trigger-app-event": allClasses,
	"find": allClasses, "is": allClasses, "get": allClasses,
	"longpress": allClasses, "diff": allClasses, "perf": allClasses,
	"swipe": allClasses, "network": allClasses,
}

// Supported reports whether the command runs on the given device class.
func Supported(command string, d *domain.Device) bool {
	s, ok := capabilities[command]
	if !ok {
		return true
	}
	switch classify(d) {
	case classIOSSimulator:
		return s.iosSimulator
	case classIOSDevice:
		return s.iosDevice
	default:
		return s.android
	}
}

// KnownCommand reports whether the command appears in the matrix at all.
func KnownCommand(command string) bool {
	_, ok := capabilities[command]
	return ok
}
