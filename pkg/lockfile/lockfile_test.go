package lockfile

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/paulschiretz/tm-backup/pkg/plog"
	"github.com/paulschiretz/tm-backup/pkg/transport"
	"github.com/paulschiretz/tm-backup/pkg/util"
)

func TestMain(m *testing.M) {
	plog.SetOutput(io.Discard)
	os.Exit(m.Run())
}

func writeStaleLock(t *testing.T, lockPath string) {
	t.Helper()
	staleContent := LockContent{
		PID:        12345, // A fake PID from a "dead" process
		Hostname:   "stale-host",
		LastUpdate: time.Now().Add(-(staleTimeout + time.Minute)),
		Nonce:      "stale-nonce",
		AppID:      "stale-app",
	}
	data, _ := json.Marshal(staleContent)
	if err := os.WriteFile(lockPath, data, util.UserWritableFilePerms); err != nil {
		t.Fatalf("failed to create stale lock file: %v", err)
	}
}

// TestAcquireAndRelease verifies the basic functionality of acquiring and releasing a lock.
func TestAcquireAndRelease(t *testing.T) {
	dir := t.TempDir()
	tr := transport.NewLocal(nil)
	expectedLockPath := filepath.Join(dir, LockFileName)

	lock, err := Acquire(context.Background(), tr, dir, "test-app")
	if err != nil {
		t.Fatalf("expected to acquire lock, but got error: %v", err)
	}
	if lock.Path() != expectedLockPath {
		t.Errorf("expected lock path %s, got %s", expectedLockPath, lock.Path())
	}

	data, err := os.ReadFile(expectedLockPath)
	if err != nil {
		t.Fatal("lock file was not created after acquiring lock")
	}
	var content LockContent
	if err := json.Unmarshal(data, &content); err != nil {
		t.Fatalf("lock file is not valid JSON: %v", err)
	}
	if content.AppID != "test-app" || content.PID != int64(os.Getpid()) || content.Nonce == "" {
		t.Errorf("unexpected lock content %+v", content)
	}

	lock.Release()

	if _, err := os.Stat(expectedLockPath); !os.IsNotExist(err) {
		t.Fatal("lock file was not removed after releasing lock")
	}
}

// TestContention ensures that a second process cannot acquire an active lock.
func TestContention(t *testing.T) {
	dir := t.TempDir()
	tr := transport.NewLocal(nil)

	lock1, err := Acquire(context.Background(), tr, dir, "app-1")
	if err != nil {
		t.Fatalf("Process 1 failed to acquire lock: %v", err)
	}
	defer lock1.Release()

	_, err = Acquire(context.Background(), tr, dir, "app-2")
	if err == nil {
		t.Fatal("Process 2 unexpectedly acquired an active lock")
	}

	var lockErr *ErrLockActive
	if !errors.As(err, &lockErr) {
		t.Fatalf("expected error of type *ErrLockActive, but got %T: %v", err, err)
	}
	if lockErr.AppID != "app-1" {
		t.Errorf("expected lock error to report AppID 'app-1', but got '%s'", lockErr.AppID)
	}
}

// TestStaleLockTakeover verifies that a stale lock can be acquired.
func TestStaleLockTakeover(t *testing.T) {
	dir := t.TempDir()
	tr := transport.NewLocal(nil)
	lockPath := filepath.Join(dir, LockFileName)
	writeStaleLock(t, lockPath)

	lock, err := Acquire(context.Background(), tr, dir, "new-app")
	if err != nil {
		t.Fatalf("failed to acquire stale lock: %v", err)
	}
	defer lock.Release()

	content, err := readLockContentSafely(context.Background(), tr, lockPath)
	if err != nil {
		t.Fatalf("failed to read content of newly acquired lock: %v", err)
	}
	if content.AppID != "new-app" {
		t.Errorf("expected new lock to have AppID 'new-app', but got '%s'", content.AppID)
	}
}

// TestCorruptLockTakeover verifies that a corrupt lock file is treated as stale.
func TestCorruptLockTakeover(t *testing.T) {
	dir := t.TempDir()
	tr := transport.NewLocal(nil)
	lockPath := filepath.Join(dir, LockFileName)
	if err := os.WriteFile(lockPath, []byte("{corrupt"), util.UserWritableFilePerms); err != nil {
		t.Fatal(err)
	}

	lock, err := Acquire(context.Background(), tr, dir, "new-app")
	if err != nil {
		t.Fatalf("failed to acquire corrupt lock: %v", err)
	}
	lock.Release()
}

// TestHeartbeatEffect ensures an active lock with a heartbeat is not considered stale.
func TestHeartbeatEffect(t *testing.T) {
	originalHeartbeat := heartbeatInterval
	originalStale := staleTimeout
	heartbeatInterval = 50 * time.Millisecond
	staleTimeout = 3 * heartbeatInterval
	t.Cleanup(func() {
		heartbeatInterval = originalHeartbeat
		staleTimeout = originalStale
	})

	dir := t.TempDir()
	tr := transport.NewLocal(nil)

	lock1, err := Acquire(context.Background(), tr, dir, "app-1")
	if err != nil {
		t.Fatalf("failed to acquire initial lock: %v", err)
	}
	defer lock1.Release()

	// Without a heartbeat the lock would be stale after this sleep.
	time.Sleep(staleTimeout + 2*heartbeatInterval)

	_, err = Acquire(context.Background(), tr, dir, "app-2")
	if err == nil {
		t.Fatal("expected lock acquisition to fail, but it succeeded")
	}
	var lockErr *ErrLockActive
	if !errors.As(err, &lockErr) {
		t.Fatalf("expected ErrLockActive, but got %T", err)
	}
}

// TestReleaseIdempotency verifies that calling Release multiple times is safe.
func TestReleaseIdempotency(t *testing.T) {
	dir := t.TempDir()
	tr := transport.NewLocal(nil)
	expectedLockPath := filepath.Join(dir, LockFileName)

	lock, err := Acquire(context.Background(), tr, dir, "test-app")
	if err != nil {
		t.Fatalf("failed to acquire lock: %v", err)
	}

	lock.Release()
	lock.Release() // This should not panic or cause an error

	if _, err := os.Stat(expectedLockPath); !os.IsNotExist(err) {
		t.Fatal("lock file still exists after multiple releases")
	}

	// The root is free again.
	again, err := Acquire(context.Background(), tr, dir, "test-app")
	if err != nil {
		t.Fatalf("expected to re-acquire a released lock: %v", err)
	}
	again.Release()
}

func TestAcquire_MissingRoot(t *testing.T) {
	tr := transport.NewLocal(nil)
	_, err := Acquire(context.Background(), tr, filepath.Join(t.TempDir(), "absent"), "app")
	if err == nil {
		t.Fatal("expected an error for a missing root")
	}
	var lockErr *ErrLockActive
	if errors.As(err, &lockErr) {
		t.Fatalf("a missing root must not look like an active lock: %v", err)
	}
	if !errors.Is(err, transport.ErrTransport) {
		t.Errorf("expected the transport error to be wrapped, got %v", err)
	}
}

func TestAcquire_CanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := Acquire(ctx, transport.NewLocal(nil), t.TempDir(), "app"); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

// TestReadLockContentSafely tests the retry logic for reading a lock file.
func TestReadLockContentSafely(t *testing.T) {
	ctx := context.Background()
	tr := transport.NewLocal(nil)
	lockPath := filepath.Join(t.TempDir(), "test.lock")

	t.Run("Reads valid file", func(t *testing.T) {
		content := LockContent{PID: 1, AppID: "valid", Hostname: "h", Nonce: "abc"}
		data, _ := json.Marshal(content)
		if err := os.WriteFile(lockPath, data, util.UserWritableFilePerms); err != nil {
			t.Fatalf("failed to write test lock file: %v", err)
		}
		readContent, err := readLockContentSafely(ctx, tr, lockPath)
		if err != nil {
			t.Fatalf("failed to read valid content: %v", err)
		}
		if readContent.AppID != "valid" {
			t.Errorf("expected AppID 'valid', got '%s'", readContent.AppID)
		}
	})

	t.Run("Fails on persistently empty file", func(t *testing.T) {
		if err := os.WriteFile(lockPath, []byte{}, util.UserWritableFilePerms); err != nil {
			t.Fatalf("failed to write empty file: %v", err)
		}
		_, err := readLockContentSafely(ctx, tr, lockPath)
		if !errors.Is(err, ErrCorruptLockFile) {
			t.Errorf("expected error to be ErrCorruptLockFile, got: %v", err)
		}
	})

	t.Run("Fails on persistently corrupt file", func(t *testing.T) {
		if err := os.WriteFile(lockPath, []byte("{corrupt"), util.UserWritableFilePerms); err != nil {
			t.Fatalf("failed to write corrupt file: %v", err)
		}
		_, err := readLockContentSafely(ctx, tr, lockPath)
		if !errors.Is(err, ErrCorruptLockFile) {
			t.Errorf("expected error to be ErrCorruptLockFile, got: %v", err)
		}
	})

	t.Run("Missing file is not corrupt", func(t *testing.T) {
		_, err := readLockContentSafely(ctx, tr, filepath.Join(t.TempDir(), "absent"))
		if !errors.Is(err, os.ErrNotExist) || errors.Is(err, ErrCorruptLockFile) {
			t.Errorf("expected ErrNotExist, got: %v", err)
		}
	})
}
