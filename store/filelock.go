package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"
)

// lockPolicy controls how long a writer waits for the session file lock.
type lockPolicy struct {
	attempts   int
	retryDelay time.Duration
	staleAfter time.Duration
}

var defaultLockPolicy = lockPolicy{
	attempts:   50,
	retryDelay: 100 * time.Millisecond,
	staleAfter: 30 * time.Second,
}

func (p lockPolicy) timeout() time.Duration {
	return time.Duration(p.attempts) * p.retryDelay
}

// fileLock is an exclusive, cross-process lock held through a sibling
// "<path>.lock" file.
type fileLock struct {
	lockFile *os.File
	lockPath string
	released bool
}

// acquireFileLock takes the lock for filePath, breaking locks older than
// policy.staleAfter left behind by crashed processes.
func acquireFileLock(ctx context.Context, filePath string, policy lockPolicy) (*fileLock, error) {
	lockPath := filePath + ".lock"

	for i := 0; i < policy.attempts; i++ {
		lockFile, err := os.OpenFile(lockPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
		if err == nil {
			// PID helps when debugging a stuck lock by hand.
			_, _ = lockFile.WriteString(strconv.Itoa(os.Getpid()))
			return &fileLock{lockFile: lockFile, lockPath: lockPath}, nil
		}
		if !errors.Is(err, os.ErrExist) {
			return nil, fmt.Errorf("failed to acquire file lock: %w", err)
		}

		if info, statErr := os.Stat(lockPath); statErr == nil &&
			time.Since(info.ModTime()) > policy.staleAfter {
			if remErr := os.Remove(lockPath); remErr != nil && !errors.Is(remErr, os.ErrNotExist) {
				return nil, fmt.Errorf("failed to remove stale lock file %s: %w", lockPath, remErr)
			}
			continue
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(policy.retryDelay):
		}
	}

	return nil, fmt.Errorf("timeout waiting for file lock after %v", policy.timeout())
}

// release drops the lock. Calling it more than once is a no-op.
func (fl *fileLock) release() error {
	if fl.released {
		return nil
	}
	fl.released = true
	if fl.lockFile != nil {
		_ = fl.lockFile.Close()
	}
	return os.Remove(fl.lockPath)
}
