package daemon

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/agent-device/agent-device/internal/procident"
)

// LockInfo is the singleton lock file payload.
type LockInfo struct {
	PID       int    `json:"pid"`
	StartTime string `json:"startTime,omitempty"`
	StartedAt int64  `json:"startedAt"`
	Version   string `json:"version"`
}

// ErrAlreadyRunning reports that another live daemon owns the lock.
var ErrAlreadyRunning = errors.New("another daemon instance owns the lock")

// AcquireLock takes the singleton lock for this state directory. A
// stale lock (dead or foreign PID) is deleted and the acquisition
// retried once.
func AcquireLock(stateDir, version string) error {
	info := LockInfo{
		PID:       os.Getpid(),
		StartTime: procident.ReadStartTime(os.Getpid()),
		StartedAt: time.Now().UnixMilli(),
		Version:   version,
	}
	payload, err := json.Marshal(info)
	if err != nil {
		return fmt.Errorf("marshal lock info: %w", err)
	}

	path := LockPath(stateDir)
	for attempt := 0; attempt < 2; attempt++ {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err == nil {
			_, werr := f.Write(payload)
			cerr := f.Close()
			if werr != nil {
				return fmt.Errorf("write lock: %w", werr)
			}
			return cerr
		}
		if !os.IsExist(err) {
			return fmt.Errorf("create lock: %w", err)
		}

		existing, readErr := readLock(path)
		if readErr == nil && procident.IsLiveDaemonProcess(existing.PID, existing.StartTime) {
			return ErrAlreadyRunning
		}
		log.Info().Str("lock", path).Msg("removing stale daemon lock")
		if rmErr := os.Remove(path); rmErr != nil && !os.IsNotExist(rmErr) {
			return fmt.Errorf("remove stale lock: %w", rmErr)
		}
	}
	return fmt.Errorf("lock at %s kept reappearing", path)
}

// ReleaseLock removes the lock if this process owns it.
func ReleaseLock(stateDir string) {
	path := LockPath(stateDir)
	info, err := readLock(path)
	if err == nil && info.PID != os.Getpid() {
		return
	}
	_ = os.Remove(path)
}

func readLock(path string) (*LockInfo, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var info LockInfo
	if err := json.Unmarshal(raw, &info); err != nil {
		return nil, fmt.Errorf("parse lock file: %w", err)
	}
	return &info, nil
}
