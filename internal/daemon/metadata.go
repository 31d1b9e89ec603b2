// Package daemon owns the daemon lifecycle: singleton election over a
// lock file, the metadata file clients bootstrap from, server startup
// for the configured mode, and signal-driven drain.
package daemon

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// MetadataFile is the metadata file name under the state directory.
const MetadataFile = "daemon.json"

// LockFile is the singleton lock file name under the state directory.
const LockFile = "daemon.lock"

// LogFile is the daemon-scope log file name under the state directory.
const LogFile = "daemon.log"

// Metadata is the client-facing description of a running daemon.
type Metadata struct {
	Port             int    `json:"port,omitempty"`
	HTTPPort         int    `json:"httpPort,omitempty"`
	Transport        string `json:"transport"`
	Token            string `json:"token"`
	PID              int    `json:"pid"`
	ProcessStartTime string `json:"processStartTime,omitempty"`
	Version          string `json:"version"`
	CodeSignature    string `json:"codeSignature,omitempty"`
	StateDir         string `json:"stateDir"`
}

// MetadataPath returns the metadata file path for a state directory.
func MetadataPath(stateDir string) string { return filepath.Join(stateDir, MetadataFile) }

// LockPath returns the lock file path for a state directory.
func LockPath(stateDir string) string { return filepath.Join(stateDir, LockFile) }

// ReadMetadata loads and parses the metadata file.
func ReadMetadata(stateDir string) (*Metadata, error) {
	raw, err := os.ReadFile(MetadataPath(stateDir))
	if err != nil {
		return nil, err
	}
	var md Metadata
	if err := json.Unmarshal(raw, &md); err != nil {
		return nil, fmt.Errorf("parse daemon metadata: %w", err)
	}
	return &md, nil
}

// WriteMetadata writes the metadata file atomically with 0600
// permissions: the token inside is the daemon's only credential.
func WriteMetadata(stateDir string, md *Metadata) error {
	data, err := json.MarshalIndent(md, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal daemon metadata: %w", err)
	}
	path := MetadataPath(stateDir)
	tmp, err := os.CreateTemp(stateDir, ".daemon.json-*")
	if err != nil {
		return fmt.Errorf("create metadata temp file: %w", err)
	}
	tmpName := tmp.Name()
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("chmod metadata: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write metadata: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close metadata: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("install metadata: %w", err)
	}
	return nil
}

// RemoveMetadata deletes the metadata file, tolerating absence.
func RemoveMetadata(stateDir string) {
	_ = os.Remove(MetadataPath(stateDir))
}
