// Package session holds the daemon's in-memory session store: each
// session pins one device and carries app context, the active recording
// and log-stream handles, and a bounded action journal that persists as
// a replay script when the session closes.
package session

import (
	"time"

	"github.com/agent-device/agent-device/internal/domain"
	"github.com/agent-device/agent-device/internal/proc"
)

// journalCap bounds the action journal; the oldest entries fall off.
const journalCap = 2000

// startupRingCap bounds the per-session startup-duration samples kept
// for `perf`.
const startupRingCap = 100

// Recording is the active screen-recording handle of a session.
type Recording struct {
	// Kind is the platform recorder in use (simctl, adb).
	Kind       string       `json:"kind"`
	OutputPath string       `json:"outputPath"`
	RemotePath string       `json:"remotePath,omitempty"`
	Handle     *proc.Handle `json:"-"`
	StartedAt  time.Time    `json:"startedAt"`
}

// AppLog is the active app-log stream handle of a session.
type AppLog struct {
	Backend    string       `json:"backend"`
	OutputPath string       `json:"outputPath"`
	State      string       `json:"state"`
	Handle     *proc.Handle `json:"-"`
	StartedAt  time.Time    `json:"startedAt"`
}

// Action is one journaled command.
type Action struct {
	Command     string         `json:"command"`
	Positionals []string       `json:"positionals,omitempty"`
	Flags       map[string]any `json:"flags,omitempty"`
	Result      map[string]any `json:"result,omitempty"`
	At          time.Time      `json:"at"`
}

// Session is one named, device-bound unit of work.
type Session struct {
	Name      string             `json:"name"`
	Device    *domain.Device     `json:"device"`
	App       *domain.AppContext `json:"app,omitempty"`
	Recording *Recording         `json:"recording,omitempty"`
	AppLog    *AppLog            `json:"appLog,omitempty"`
	TracePath string             `json:"tracePath,omitempty"`
	CreatedAt time.Time          `json:"createdAt"`
	UpdatedAt time.Time          `json:"updatedAt"`

	journal        []Action
	startupSamples []int64
}

// New creates a session bound to a device.
func New(name string, device *domain.Device) *Session {
	now := time.Now()
	return &Session{
		Name:      name,
		Device:    device,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Journal returns a copy of the recorded actions.
func (s *Session) Journal() []Action {
	out := make([]Action, len(s.journal))
	copy(out, s.journal)
	return out
}

// StartupSamples returns a copy of the open-duration samples.
func (s *Session) StartupSamples() []int64 {
	out := make([]int64, len(s.startupSamples))
	copy(out, s.startupSamples)
	return out
}

func (s *Session) appendAction(a Action) {
	s.journal = append(s.journal, a)
	if len(s.journal) > journalCap {
		s.journal = s.journal[len(s.journal)-journalCap:]
	}
	s.UpdatedAt = a.At
}

func (s *Session) appendStartupSample(ms int64) {
	s.startupSamples = append(s.startupSamples, ms)
	if len(s.startupSamples) > startupRingCap {
		s.startupSamples = s.startupSamples[len(s.startupSamples)-startupRingCap:]
	}
}
