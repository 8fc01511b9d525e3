package store

import (
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestFileLock_BasicAcquireRelease(t *testing.T) {
	sessionFile := filepath.Join(t.TempDir(), "session.json")

	lock, err := acquireFileLock(sessionFile)
	if err != nil {
		t.Fatalf("Failed to acquire lock: %v", err)
	}

	lockPath := sessionFile + ".lock"
	if _, err := os.Stat(lockPath); os.IsNotExist(err) {
		t.Errorf("Lock file was not created")
	}

	if err := lock.release(); err != nil {
		t.Errorf("Failed to release lock: %v", err)
	}

	if _, err := os.Stat(lockPath); !os.IsNotExist(err) {
		t.Errorf("Lock file was not removed after release")
	}
}

func TestFileLock_ConcurrentAccess(t *testing.T) {
	sessionFile := filepath.Join(t.TempDir(), "session.json")

	const goroutines = 8
	const iterations = 4

	var (
		holders  atomic.Int32
		overlaps atomic.Int32
		wg       sync.WaitGroup
	)

	wg.Add(goroutines)
	for i := 0; i < goroutines; i++ {
		go func(id int) {
			defer wg.Done()
			for j := 0; j < iterations; j++ {
				lock, err := acquireFileLock(sessionFile)
				if err != nil {
					t.Errorf("Goroutine %d iteration %d: Failed to acquire lock: %v", id, j, err)
					return
				}
				if holders.Add(1) > 1 {
					overlaps.Add(1)
				}
				time.Sleep(5 * time.Millisecond)
				holders.Add(-1)
				if err := lock.release(); err != nil {
					t.Errorf("Goroutine %d iteration %d: Failed to release lock: %v", id, j, err)
					return
				}
			}
		}(i)
	}
	wg.Wait()

	if overlaps.Load() != 0 {
		t.Errorf("Lock was held by %d goroutines at once", overlaps.Load()+1)
	}
}

func TestFileLock_StaleLockIsReclaimed(t *testing.T) {
	sessionFile := filepath.Join(t.TempDir(), "session.json")
	lockPath := sessionFile + ".lock"

	if err := os.WriteFile(lockPath, []byte("12345"), 0o600); err != nil {
		t.Fatalf("Failed to create stale lock: %v", err)
	}
	staleTime := time.Now().Add(-2 * staleLockAge)
	if err := os.Chtimes(lockPath, staleTime, staleTime); err != nil {
		t.Fatalf("Failed to age lock file: %v", err)
	}

	start := time.Now()
	lock, err := acquireFileLock(sessionFile)
	if err != nil {
		t.Fatalf("Failed to acquire lock after stale lock: %v", err)
	}
	defer lock.release()

	if elapsed := time.Since(start); elapsed >= lockRetryDelay {
		t.Errorf("Reclaiming a stale lock took %v, want under %v", elapsed, lockRetryDelay)
	}

	if lock.lockFile == nil {
		t.Errorf("Lock file handle is nil")
	}
}

func TestFileLock_WaitsForActiveHolder(t *testing.T) {
	sessionFile := filepath.Join(t.TempDir(), "session.json")

	first, err := acquireFileLock(sessionFile)
	if err != nil {
		t.Fatalf("Failed to acquire first lock: %v", err)
	}

	acquired := make(chan time.Time, 1)
	go func() {
		second, err := acquireFileLock(sessionFile)
		if err != nil {
			t.Errorf("Failed to acquire second lock: %v", err)
			close(acquired)
			return
		}
		acquired <- time.Now()
		second.release()
	}()

	held := 250 * time.Millisecond
	start := time.Now()
	time.Sleep(held)
	if err := first.release(); err != nil {
		t.Fatalf("Failed to release first lock: %v", err)
	}

	at, ok := <-acquired
	if !ok {
		return
	}
	if at.Sub(start) < held {
		t.Errorf("Second lock acquired after %v, before the first was released", at.Sub(start))
	}
}
