package lockfile

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/paulschiretz/tm-backup/pkg/plog"
	"github.com/paulschiretz/tm-backup/pkg/transport"
)

// LockFileName is the name of the lock file created in the target root.
// The '~' prefix marks it as temporary.
const LockFileName = ".~tm-backup.lock"

// LockContent defines the structure of the data written to the lock file.
type LockContent struct {
	PID        int64     `json:"pid"`
	Hostname   string    `json:"hostname"`
	LastUpdate time.Time `json:"lastUpdate"`
	Nonce      string    `json:"nonce,omitempty"` // Used for takeover race resolution
	AppID      string    `json:"appID"`
}

// ErrLockActive is a structured error returned when a lock is already held by another process.
type ErrLockActive struct {
	PID       int64
	Hostname  string
	AppID     string
	TimeSince time.Duration
}

// Error implements the error interface for ErrLockActive.
func (e *ErrLockActive) Error() string {
	// Truncate for cleaner output, e.g., "3m2s" instead of "3m2.123456789s".
	return fmt.Sprintf("lock is active, held by PID %d on host '%s' (App: %s), last updated %s ago", e.PID, e.Hostname, e.AppID, e.TimeSince.Truncate(time.Second))
}

// ErrLostRace is a sentinel error returned when a process attempts to take over a stale lock but another process wins.
var ErrLostRace = errors.New("lost race during stale lock takeover")

// ErrCorruptLockFile indicates that the lock file is unreadable, either empty or containing invalid JSON.
var ErrCorruptLockFile = errors.New("lock file is corrupt or empty")

// Lock manages the state of the acquired lock file.
type Lock struct {
	tr      transport.Transport
	path    string
	content LockContent
	// The context and cancel function are used to stop the background heartbeat goroutine.
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	mu     sync.Mutex
	// We keep track if we actually hold the lock to prevent double release
	held bool
}

// These are vars to allow modification during testing.
var (
	heartbeatInterval = 1 * time.Minute
	// staleTimeout is defined in relation to the heartbeat to ensure a safe margin.
	staleTimeout = 3 * heartbeatInterval
	// releaseTimeout bounds the removal of the lock file on Release.
	releaseTimeout = 30 * time.Second
	retryDelay     = 100 * time.Millisecond
)

// Acquire attempts to acquire the lock in rootPath, which is a path on tr.
// ctx is used for the lifecycle of the acquisition attempt, not the background heartbeat.
// It returns a non-nil Lock on success.
// It returns (nil, *ErrLockActive) if the lock is already held.
// It returns (nil, error) for any other failure.
func Acquire(ctx context.Context, tr transport.Transport, rootPath string, appID string) (*Lock, error) {
	lockPath := tr.Join(rootPath, LockFileName)
	// We will attempt to acquire multiple times in case of race conditions during cleanup
	maxAttempts := 3

	for range maxAttempts {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		// --- 1. Attempt Atomic Acquisition ---
		lock, err := tryAcquire(ctx, tr, lockPath, appID)
		if err == nil {
			lock.start()
			return lock, nil
		}

		// If error is NOT "file exists", it's a real filesystem error (permissions, disk full, etc)
		if !errors.Is(err, os.ErrExist) {
			return nil, fmt.Errorf("failed to access lock file: %w", err)
		}

		// --- 2. Lock is Held, Check for Staleness ---
		content, staleErr := readLockContentSafely(ctx, tr, lockPath)
		if staleErr != nil {
			if errors.Is(staleErr, ErrCorruptLockFile) {
				plog.Warn("Found corrupt lock file, treating as stale", "path", lockPath, "error", staleErr)
			} else {
				// Released between our create and our read, or unreadable. Retry.
				sleep(ctx, retryDelay)
				continue
			}
		} else {
			elapsed := time.Since(content.LastUpdate)
			if elapsed < staleTimeout {
				return nil, &ErrLockActive{
					PID:       content.PID,
					Hostname:  content.Hostname,
					AppID:     content.AppID,
					TimeSince: elapsed,
				}
			}
			plog.Warn("Found stale lock, attempting takeover", "pid", content.PID, "host", content.Hostname, "age", elapsed.Truncate(time.Second))
		}

		// --- 3. Lock is Stale or Corrupt, Attempt Takeover ---
		lock, takeoverErr := attemptStaleLockTakeover(ctx, tr, lockPath, appID)
		if takeoverErr != nil {
			if errors.Is(takeoverErr, ErrLostRace) {
				plog.Debug("Lock takeover race lost, retrying acquisition")
			} else {
				plog.Warn("Failed to attempt lock takeover, retrying", "error", takeoverErr)
			}
			sleep(ctx, retryDelay)
			continue
		}

		lock.start()
		return lock, nil
	}

	return nil, fmt.Errorf("failed to acquire lock after %d attempts (contention)", maxAttempts)
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

func newContent(appID string) (LockContent, error) {
	nonce, err := generateNonce()
	if err != nil {
		return LockContent{}, err
	}
	hostname, err := os.Hostname()
	if err != nil {
		return LockContent{}, err
	}
	return LockContent{
		PID:        int64(os.Getpid()),
		Hostname:   hostname,
		LastUpdate: time.Now().UTC(),
		Nonce:      nonce,
		AppID:      appID,
	}, nil
}

// tryAcquire relies on CreateExclusive to guarantee "I created this file first".
func tryAcquire(ctx context.Context, tr transport.Transport, lockPath, appID string) (*Lock, error) {
	content, err := newContent(appID)
	if err != nil {
		return nil, err
	}
	data, err := marshalLockContent(content)
	if err != nil {
		return nil, err
	}
	if err := tr.CreateExclusive(ctx, lockPath, data); err != nil {
		return nil, err
	}
	return newLock(tr, lockPath, content), nil
}

// newLock creates a new Lock object and sets up its context for the heartbeat.
func newLock(tr transport.Transport, lockPath string, content LockContent) *Lock {
	ctx, cancel := context.WithCancel(context.Background())
	return &Lock{
		tr:      tr,
		path:    lockPath,
		content: content,
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
		held:    true,
	}
}

func (l *Lock) start() {
	plog.Debug("Lock acquired", "path", l.path)
	go l.heartbeat()
}

// Path returns the location of the lock file.
func (l *Lock) Path() string { return l.path }

// Release stops heartbeat and removes file.
func (l *Lock) Release() {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.held {
		return
	}

	l.cancel()
	<-l.done // a heartbeat write must not recreate the file after removal
	l.cleanup()
	l.held = false
}

// attemptStaleLockTakeover seizes a stale or corrupt lock by atomically
// replacing the file, then reads it back to see whether another process
// replaced it after us.
func attemptStaleLockTakeover(ctx context.Context, tr transport.Transport, lockPath, appID string) (*Lock, error) {
	// Generate a unique nonce for this specific takeover attempt. This is the key
	takeoverContent, err := newContent(appID)
	if err != nil {
		return nil, err
	}

	if err := writeLockFile(ctx, tr, lockPath, takeoverContent); err != nil {
		return nil, err
	}

	// Read back immediately to verify we won the race.
	readbackContent, readbackErr := readLockContentSafely(ctx, tr, lockPath)
	if readbackErr != nil {
		return nil, fmt.Errorf("failed to read back lock file after takeover: %w", readbackErr)
	}

	if readbackContent.PID == takeoverContent.PID && readbackContent.Nonce == takeoverContent.Nonce {
		plog.Debug("Successfully took over stale lock")
		return newLock(tr, lockPath, takeoverContent), nil
	}
	return nil, ErrLostRace
}

func (l *Lock) cleanup() {
	ctx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
	defer cancel()
	if err := l.tr.RemoveFile(ctx, l.path); err != nil {
		// If file is already gone, that's fine.
		if exists, existsErr := l.tr.Exists(ctx, l.path); existsErr != nil || exists {
			plog.Warn("Failed to remove lock file", "path", l.path, "error", err)
		}
		return
	}
	plog.Debug("Lock released", "path", l.path)
}

func (l *Lock) heartbeat() {
	defer close(l.done)
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-l.ctx.Done():
			return
		case <-ticker.C:
			// Update the timestamp on our internal content and update the file
			l.content.LastUpdate = time.Now().UTC()
			if err := writeLockFile(l.ctx, l.tr, l.path, l.content); err != nil {
				if l.ctx.Err() != nil {
					return
				}
				plog.Warn("Heartbeat failed to update lock file", "error", err)
				// Note: We do not exit the loop. We try again next tick.
			}
		}
	}
}

// writeLockFile replaces the lock file atomically, so readers never see it
// empty or half written.
func writeLockFile(ctx context.Context, tr transport.Transport, lockPath string, content LockContent) error {
	data, err := marshalLockContent(content)
	if err != nil {
		return err
	}
	if err := tr.WriteFile(ctx, lockPath, data); err != nil {
		return fmt.Errorf("failed to write lock file: %w", err)
	}
	return nil
}

// generateNonce creates a new random 16-byte token and returns it as a hex string.
func generateNonce() (string, error) {
	nonceBytes := make([]byte, 16)
	if _, err := rand.Read(nonceBytes); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}
	return fmt.Sprintf("%x", nonceBytes), nil
}

func marshalLockContent(content LockContent) ([]byte, error) {
	data, err := json.MarshalIndent(content, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal lock content: %w", err)
	}
	return data, nil
}

// readLockContentSafely attempts to read the lock file, handling the race condition
// where the file exists but is currently being written to (empty or partial).
// NOTE: Even with an atomic rename strategy for writes, filesystems can have
// transient states. This retry logic provides a robust defense against such edge cases.
func readLockContentSafely(ctx context.Context, tr transport.Transport, lockPath string) (LockContent, error) {
	var lastEmptyOrCorruptErr error
	for range 3 {
		data, err := tr.ReadFile(ctx, lockPath)
		if err != nil {
			return LockContent{}, err
		}

		if len(data) == 0 {
			lastEmptyOrCorruptErr = fmt.Errorf("lock file is empty")
			sleep(ctx, 50*time.Millisecond)
			continue
		}

		var content LockContent
		lastEmptyOrCorruptErr = json.Unmarshal(data, &content)
		if lastEmptyOrCorruptErr != nil {
			sleep(ctx, 50*time.Millisecond)
			continue
		}

		return content, nil
	}

	return LockContent{}, fmt.Errorf("%w: %v", ErrCorruptLockFile, lastEmptyOrCorruptErr)
}
