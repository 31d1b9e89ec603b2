package daemon

import (
	"encoding/json"
	"os"
	"testing"
)

func TestMetadataRoundTrip(t *testing.T) {
	dir := t.TempDir()
	md := &Metadata{
		Port:      4242,
		Transport: "socket",
		Token:     "deadbeef",
		PID:       os.Getpid(),
		Version:   "0.1.0",
		StateDir:  dir,
	}
	if err := WriteMetadata(dir, md); err != nil {
		t.Fatalf("write: %v", err)
	}

	info, err := os.Stat(MetadataPath(dir))
	if err != nil {
		t.Fatal(err)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Errorf("metadata permissions = %o, want 600", perm)
	}

	got, err := ReadMetadata(dir)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if got.Port != md.Port || got.Token != md.Token || got.PID != md.PID {
		t.Errorf("round trip mismatch: %+v", got)
	}

	RemoveMetadata(dir)
	if _, err := ReadMetadata(dir); err == nil {
		t.Error("metadata survived removal")
	}
}

func TestAcquireLockRecordsOwner(t *testing.T) {
	dir := t.TempDir()
	if err := AcquireLock(dir, "0.1.0"); err != nil {
		t.Fatalf("first acquire: %v", err)
	}
	// The lock payload names this process as the owner, and releasing
	// the lock removes the file.
	raw, err := os.ReadFile(LockPath(dir))
	if err != nil {
		t.Fatal(err)
	}
	var info LockInfo
	if err := json.Unmarshal(raw, &info); err != nil {
		t.Fatal(err)
	}
	if info.PID != os.Getpid() {
		t.Errorf("lock pid = %d, want %d", info.PID, os.Getpid())
	}

	ReleaseLock(dir)
	if _, err := os.Stat(LockPath(dir)); !os.IsNotExist(err) {
		t.Error("lock survived release")
	}
}

func TestAcquireLockStealsStale(t *testing.T) {
	dir := t.TempDir()
	// A lock naming a certainly-dead PID is stale.
	stale := LockInfo{PID: 1 << 30, StartedAt: 1, Version: "old"}
	payload, _ := json.Marshal(stale)
	if err := os.WriteFile(LockPath(dir), payload, 0o644); err != nil {
		t.Fatal(err)
	}
	if err := AcquireLock(dir, "0.1.0"); err != nil {
		t.Fatalf("acquire over stale lock: %v", err)
	}
	ReleaseLock(dir)
}

func TestAcquireLockStealsGarbage(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(LockPath(dir), []byte("not json"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := AcquireLock(dir, "0.1.0"); err != nil {
		t.Fatalf("acquire over garbage lock: %v", err)
	}
	ReleaseLock(dir)
}
