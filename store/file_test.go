package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
)

func TestFile_SetGetDelete(t *testing.T) {
	ctx := context.Background()
	s := NewFile(filepath.Join(t.TempDir(), "session.json"), "shop")

	if _, err := s.Get(ctx, KeyToken); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get on empty store: expected ErrNotFound, got %v", err)
	}

	if err := s.Set(ctx, KeyToken, "tok-1"); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	got, err := s.Get(ctx, KeyToken)
	if err != nil || got != "tok-1" {
		t.Fatalf("Get = %q, %v; want tok-1", got, err)
	}

	if err := s.Delete(ctx, KeyToken, KeyUser); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, err := s.Get(ctx, KeyToken); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get after Delete: expected ErrNotFound, got %v", err)
	}

	info, err := os.Stat(s.Path())
	if err != nil {
		t.Fatalf("stat session file: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Errorf("session file mode = %o, want 600", perm)
	}
}

func TestFile_PreservesOtherProfiles(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "session.json")

	a := NewFile(path, "a")
	b := NewFile(path, "b")
	if err := a.Set(ctx, KeyToken, "token-a"); err != nil {
		t.Fatal(err)
	}
	if err := b.Set(ctx, KeyToken, "token-b"); err != nil {
		t.Fatal(err)
	}

	if got, _ := a.Get(ctx, KeyToken); got != "token-a" {
		t.Errorf("profile a token = %q, want token-a", got)
	}
	if got, _ := b.Get(ctx, KeyToken); got != "token-b" {
		t.Errorf("profile b token = %q, want token-b", got)
	}
}

func TestFile_ConcurrentWrites(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "session.json")

	const goroutines = 10
	var wg sync.WaitGroup
	wg.Add(goroutines)
	for i := 0; i < goroutines; i++ {
		go func(id int) {
			defer wg.Done()
			s := NewFile(path, fmt.Sprintf("profile-%d", id))
			if err := s.Set(ctx, KeyToken, fmt.Sprintf("token-%d", id)); err != nil {
				t.Errorf("Goroutine %d: Set failed: %v", id, err)
			}
		}(i)
	}
	wg.Wait()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("Failed to read session file: %v", err)
	}
	var doc fileDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		t.Fatalf("Failed to parse session file: %v", err)
	}
	if len(doc.Profiles) != goroutines {
		t.Errorf("Expected %d profiles, got %d", goroutines, len(doc.Profiles))
	}
	if _, err := os.Stat(path + ".lock"); !os.IsNotExist(err) {
		t.Errorf("Lock file still exists after all writes completed")
	}
}

func TestLookup_MissingIsEmpty(t *testing.T) {
	got, err := Lookup(context.Background(), NewMemory(), KeyUser)
	if err != nil || got != "" {
		t.Errorf("Lookup = %q, %v; want empty, nil", got, err)
	}
}
