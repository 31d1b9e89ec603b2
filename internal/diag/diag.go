// Package diag provides per-request scoped diagnostics: a rolling buffer
// of structured events that is dropped on success and flushed to an
// ndjson file on failure (or when the request asked for debug).
package diag

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/agent-device/agent-device/internal/domain"
)

// Event is one structured diagnostic record inside a scope.
type Event struct {
	Level     string         `json:"level"`
	Phase     string         `json:"phase"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data,omitempty"`
}

// Scope collects events for a single request.
type Scope struct {
	Session   string
	Command   string
	RequestID string
	Debug     bool

	mu     sync.Mutex
	diagID string
	events []Event
	start  time.Time
}

// NewScope opens a diagnostics scope for one request.
func NewScope(session, command, requestID string, debug bool) *Scope {
	return &Scope{
		Session:   session,
		Command:   command,
		RequestID: requestID,
		Debug:     debug,
		diagID:    uuid.NewString()[:8],
		start:     time.Now(),
	}
}

// DiagnosticID returns the short id stamped on flushed files and errors.
func (s *Scope) DiagnosticID() string {
	return s.diagID
}

// Event appends a structured event to the scope buffer.
func (s *Scope) Event(level, phase string, data map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, Event{
		Level:     level,
		Phase:     phase,
		Timestamp: time.Now(),
		Data:      domain.Redact(data),
	})
}

// Info records an info-level event.
func (s *Scope) Info(phase string, data map[string]any) { s.Event("info", phase, data) }

// Error records an error-level event.
func (s *Scope) Error(phase string, data map[string]any) { s.Event("error", phase, data) }

// Time wraps fn with start/end events and returns its error unchanged.
func (s *Scope) Time(phase string, fn func() error) error {
	begin := time.Now()
	s.Info(phase+"_start", nil)
	err := fn()
	data := map[string]any{"durationMs": time.Since(begin).Milliseconds()}
	if err != nil {
		data["error"] = err.Error()
		s.Error(phase+"_end", data)
		return err
	}
	s.Info(phase+"_end", data)
	return nil
}

// ElapsedMs returns milliseconds since the scope opened.
func (s *Scope) ElapsedMs() int64 {
	return time.Since(s.start).Milliseconds()
}

// Flush writes the buffered events under
// <stateDir>/logs/<session>/<YYYY-MM-DD>/<ts>-<diagId>.ndjson and returns
// the file path. Events stay buffered so a later flush sees them too.
func (s *Scope) Flush(stateDir string) (string, error) {
	s.mu.Lock()
	events := make([]Event, len(s.events))
	copy(events, s.events)
	s.mu.Unlock()

	session := s.Session
	if session == "" {
		session = "unscoped"
	}
	// Tenant-scoped session names contain ':'; keep directory names flat.
	session = strings.ReplaceAll(session, ":", "_")

	dir := filepath.Join(stateDir, "logs", session, time.Now().Format("2006-01-02"))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create diagnostics dir: %w", err)
	}
	path := filepath.Join(dir, fmt.Sprintf("%d-%s.ndjson", time.Now().UnixMilli(), s.diagID))

	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("create diagnostics file: %w", err)
	}
	defer f.Close()

	enc := json.NewEncoder(f)
	for _, ev := range events {
		if err := enc.Encode(ev); err != nil {
			return "", fmt.Errorf("write diagnostics: %w", err)
		}
	}
	log.Debug().Str("path", path).Str("request_id", s.RequestID).Msg("flushed diagnostics")
	return path, nil
}
