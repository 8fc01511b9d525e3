package store

import (
	"fmt"
	"os"
	"time"
)

// Lock file tuning. A lock older than staleLockAge is assumed to belong to a
// crashed process.
const (
	lockRetries    = 50
	lockRetryDelay = 100 * time.Millisecond
	staleLockAge   = 30 * time.Second
)

// fileLock is an exclusive cross-process lock implemented as a sibling
// "<path>.lock" file created with O_EXCL.
type fileLock struct {
	lockFile *os.File
	lockPath string
}

func acquireFileLock(filePath string) (*fileLock, error) {
	lockPath := filePath + ".lock"

	for range lockRetries {
		f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
		if err == nil {
			// owner pid, for whoever has to debug a stuck lock
			fmt.Fprintf(f, "%d", os.Getpid())
			return &fileLock{lockFile: f, lockPath: lockPath}, nil
		}
		if !os.IsExist(err) {
			return nil, fmt.Errorf("acquire session file lock: %w", err)
		}

		if info, statErr := os.Stat(lockPath); statErr == nil &&
			time.Since(info.ModTime()) > staleLockAge {
			if rmErr := os.Remove(lockPath); rmErr != nil && !os.IsNotExist(rmErr) {
				return nil, fmt.Errorf("remove stale lock file %s: %w", lockPath, rmErr)
			}
			continue
		}

		time.Sleep(lockRetryDelay)
	}

	return nil, fmt.Errorf(
		"timeout waiting for session file lock after %v",
		time.Duration(lockRetries)*lockRetryDelay,
	)
}

func (fl *fileLock) release() error {
	if fl.lockFile != nil {
		fl.lockFile.Close()
	}
	return os.Remove(fl.lockPath)
}
