package session

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/agent-device/agent-device/internal/domain"
	"github.com/agent-device/agent-device/internal/procident"
	"github.com/agent-device/agent-device/internal/replay"
)

// Store is the name -> session map plus the path helpers rooted at the
// state directory. A single mutex guards the map; read-modify-write on
// a session value happens under Update.
type Store struct {
	stateDir string

	mu       sync.Mutex
	sessions map[string]*Session

	appLogMaxBytes int
	appLogMaxFiles int
}

// NewStore creates a store rooted at stateDir.
func NewStore(stateDir string, appLogMaxBytes, appLogMaxFiles int) *Store {
	return &Store{
		stateDir:       stateDir,
		sessions:       make(map[string]*Session),
		appLogMaxBytes: appLogMaxBytes,
		appLogMaxFiles: appLogMaxFiles,
	}
}

func (st *Store) lock()   { st.mu.Lock() }
func (st *Store) unlock() { st.mu.Unlock() }

// StateDir returns the backing state directory.
func (st *Store) StateDir() string { return st.stateDir }

// SessionsDir returns the directory holding per-session artifacts.
func (st *Store) SessionsDir() string { return filepath.Join(st.stateDir, "sessions") }

// List returns the active session names, sorted.
func (st *Store) List() []string {
	st.lock()
	defer st.unlock()
	names := make([]string, 0, len(st.sessions))
	for name := range st.sessions {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Get returns the session with the given name, or nil.
func (st *Store) Get(name string) *Session {
	st.lock()
	defer st.unlock()
	return st.sessions[name]
}

// Set installs a session, enforcing the one-session-per-device
// invariant.
func (st *Store) Set(name string, s *Session) *domain.CPError {
	st.lock()
	defer st.unlock()
	for other, existing := range st.sessions {
		if other == name {
			continue
		}
		if existing.Device != nil && s.Device != nil && existing.Device.ID == s.Device.ID {
			return domain.Errorf(domain.CodeDeviceInUse,
				"device %s is bound to session %q", s.Device.ID, other).
				WithDetails(map[string]any{"session": other})
		}
	}
	st.sessions[name] = s
	return nil
}

// Update runs fn on the named session under the store lock. Returns
// false when the session does not exist.
func (st *Store) Update(name string, fn func(*Session)) bool {
	st.lock()
	defer st.unlock()
	s, ok := st.sessions[name]
	if !ok {
		return false
	}
	fn(s)
	return true
}

// Delete removes a session entry. Handle teardown is the caller's job;
// Close does both.
func (st *Store) Delete(name string) {
	st.lock()
	defer st.unlock()
	delete(st.sessions, name)
}

// Close tears a session down: recording first, then log stream (LIFO of
// acquisition), journal to disk, then the entry goes away. The written
// script path is returned when a journal existed.
func (st *Store) Close(name, scriptPath string) (string, *domain.CPError) {
	st.lock()
	s, ok := st.sessions[name]
	st.unlock()
	if !ok {
		return "", domain.Errorf(domain.CodeSessionNotFound, "no session %q", name)
	}

	if s.Recording != nil && s.Recording.Handle != nil {
		s.Recording.Handle.Stop(3 * time.Second)
	}
	if s.AppLog != nil && s.AppLog.Handle != nil {
		s.AppLog.Handle.Stop(3 * time.Second)
	}
	s.Recording = nil
	s.AppLog = nil

	written := ""
	if len(s.journal) > 0 {
		path, err := st.WriteSessionLog(s, scriptPath)
		if err != nil {
			log.Warn().Err(err).Str("session", name).Msg("failed to persist session journal")
		} else {
			written = path
		}
	}

	st.lock()
	delete(st.sessions, name)
	st.unlock()
	return written, nil
}

// CloseAll drains every session (daemon shutdown path).
func (st *Store) CloseAll() {
	for _, name := range st.List() {
		if _, err := st.Close(name, ""); err != nil {
			log.Warn().Str("session", name).Str("code", string(err.Code)).Msg("session close failed during drain")
		}
	}
}

// RecordAction appends to the session journal. `open` results carrying
// a startup duration feed the perf ring as well.
func (st *Store) RecordAction(name string, a Action) {
	st.Update(name, func(s *Session) {
		if a.At.IsZero() {
			a.At = time.Now()
		}
		s.appendAction(a)
		if a.Command == "open" {
			if startup, ok := a.Result["startup"].(map[string]any); ok {
				if ms, ok := startup["durationMs"].(int64); ok {
					s.appendStartupSample(ms)
				} else if msf, ok := startup["durationMs"].(float64); ok {
					s.appendStartupSample(int64(msf))
				}
			}
		}
	})
}

// WriteSessionLog serializes the journal to a replay script. With an
// empty target the file lands under <sessions>/<name>-<timestamp>.ad.
func (st *Store) WriteSessionLog(s *Session, targetPath string) (string, error) {
	path := targetPath
	if path == "" {
		name := strings.ReplaceAll(s.Name, ":", "_")
		path = filepath.Join(st.SessionsDir(), fmt.Sprintf("%s-%d.ad", name, time.Now().UnixMilli()))
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("create sessions dir: %w", err)
	}
	var b strings.Builder
	for _, a := range s.journal {
		b.WriteString(replay.EncodeLine(a.Command, a.Positionals, a.Flags))
		b.WriteByte('\n')
	}
	if err := os.WriteFile(path, []byte(b.String()), 0o644); err != nil {
		return "", fmt.Errorf("write session log: %w", err)
	}
	return path, nil
}

// SessionDir returns the per-session artifact directory, creating it.
func (st *Store) SessionDir(name string) (string, error) {
	dir := filepath.Join(st.SessionsDir(), strings.ReplaceAll(name, ":", "_"))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create session dir: %w", err)
	}
	return dir, nil
}

// ResolveAppLogPath returns the stable app-log path for a session.
func (st *Store) ResolveAppLogPath(name string) (string, error) {
	dir, err := st.SessionDir(name)
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "app.log"), nil
}

// AppLogWriter opens a size/file-count rotated writer for the session's
// app log. Rotation bounds come from the store config.
func (st *Store) AppLogWriter(name string) (*lumberjack.Logger, error) {
	path, err := st.ResolveAppLogPath(name)
	if err != nil {
		return nil, err
	}
	maxMB := st.appLogMaxBytes / (1024 * 1024)
	if maxMB < 1 {
		maxMB = 1
	}
	return &lumberjack.Logger{
		Filename:   path,
		MaxSize:    maxMB,
		MaxBackups: st.appLogMaxFiles,
	}, nil
}

// StashAppLogPID records the streaming process pid next to the app log
// so a later daemon start can reap it if it was orphaned.
func (st *Store) StashAppLogPID(name string, pid int) {
	dir, err := st.SessionDir(name)
	if err != nil {
		return
	}
	_ = os.WriteFile(filepath.Join(dir, "app.log.pid"), []byte(strconv.Itoa(pid)), 0o644)
}

// SweepStaleAppLogs walks the sessions directory for stashed pids and
// terminates streamers with no live owning session. Runs at daemon start.
func (st *Store) SweepStaleAppLogs() {
	entries, err := os.ReadDir(st.SessionsDir())
	if err != nil {
		return
	}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		pidFile := filepath.Join(st.SessionsDir(), e.Name(), "app.log.pid")
		raw, err := os.ReadFile(pidFile)
		if err != nil {
			continue
		}
		pid, err := strconv.Atoi(strings.TrimSpace(string(raw)))
		if err != nil || pid <= 0 {
			_ = os.Remove(pidFile)
			continue
		}
		if st.Get(e.Name()) != nil {
			continue
		}
		if procident.ProcessExists(pid) {
			log.Info().Int("pid", pid).Str("session", e.Name()).Msg("terminating orphaned app-log streamer")
			procident.StopProcess(pid, 2*time.Second, 2*time.Second, "")
		}
		_ = os.Remove(pidFile)
	}
}
