package store

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// fileDocument is the on-disk layout. Several profiles (for example one per
// server URL) can share one session file.
type fileDocument struct {
	Profiles map[string]map[string]string `json:"profiles"`
}

// File stores one profile's values in a JSON document on disk. Writes are
// serialized across processes with a lock file and land atomically via a
// temp-file rename.
type File struct {
	path    string
	profile string
}

var _ Store = (*File)(nil)

// NewFile returns a store for profile inside the session file at path.
func NewFile(path, profile string) *File {
	if profile == "" {
		profile = "default"
	}
	return &File{path: path, profile: profile}
}

// Path returns the session file location.
func (f *File) Path() string { return f.path }

func (f *File) Get(_ context.Context, key string) (string, error) {
	doc, err := f.read()
	if err != nil {
		return "", err
	}
	v, ok := doc.Profiles[f.profile][key]
	if !ok {
		return "", ErrNotFound
	}
	return v, nil
}

func (f *File) Set(_ context.Context, key, value string) error {
	return f.update(func(values map[string]string) {
		values[key] = value
	})
}

func (f *File) Delete(_ context.Context, keys ...string) error {
	return f.update(func(values map[string]string) {
		for _, k := range keys {
			delete(values, k)
		}
	})
}

func (f *File) read() (*fileDocument, error) {
	data, err := os.ReadFile(f.path)
	if err != nil {
		if os.IsNotExist(err) {
			return &fileDocument{}, nil
		}
		return nil, fmt.Errorf("read session file: %w", err)
	}

	var doc fileDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse session file: %w", err)
	}
	return &doc, nil
}

func (f *File) update(mutate func(values map[string]string)) error {
	if dir := filepath.Dir(f.path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("create session directory: %w", err)
		}
	}

	lock, err := acquireFileLock(f.path)
	if err != nil {
		return err
	}
	defer func() {
		if releaseErr := lock.release(); releaseErr != nil {
			fmt.Fprintf(os.Stderr, "failed to release lock: %v\n", releaseErr)
		}
	}()

	// Re-read inside the lock; a corrupt file is replaced rather than
	// blocking every future write.
	var doc fileDocument
	if existing, err := os.ReadFile(f.path); err == nil {
		_ = json.Unmarshal(existing, &doc)
	}
	if doc.Profiles == nil {
		doc.Profiles = make(map[string]map[string]string)
	}
	values := doc.Profiles[f.profile]
	if values == nil {
		values = make(map[string]string)
	}
	mutate(values)
	if len(values) == 0 {
		delete(doc.Profiles, f.profile)
	} else {
		doc.Profiles[f.profile] = values
	}

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return err
	}

	tempFile := f.path + ".tmp"
	if err := os.WriteFile(tempFile, data, 0o600); err != nil {
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := os.Rename(tempFile, f.path); err != nil {
		if removeErr := os.Remove(tempFile); removeErr != nil {
			return fmt.Errorf(
				"failed to rename temp file: %v; additionally failed to remove temp file: %w",
				err,
				removeErr,
			)
		}
		return fmt.Errorf("failed to rename temp file: %w", err)
	}
	return nil
}
