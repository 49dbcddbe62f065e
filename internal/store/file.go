package store

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/yaml.v3"
)

// FileName is the name of the state file inside the data directory.
const FileName = "state.yaml"

// File is a Store persisted as a YAML map. Every mutation rewrites the file
// atomically (temp file + rename).
type File struct {
	mu   sync.RWMutex
	path string
	data map[string]string
}

// OpenFile loads the store from dataDir, creating the directory if needed.
// A missing state file yields an empty store.
func OpenFile(dataDir string) (*File, error) {
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	f := &File{
		path: filepath.Join(dataDir, FileName),
		data: make(map[string]string),
	}

	raw, err := os.ReadFile(f.path)
	if err != nil {
		if os.IsNotExist(err) {
			return f, nil
		}
		return nil, fmt.Errorf("failed to read state: %w", err)
	}
	if err := yaml.Unmarshal(raw, &f.data); err != nil {
		return nil, fmt.Errorf("failed to parse state %s: %w", f.path, err)
	}
	if f.data == nil {
		f.data = make(map[string]string)
	}
	return f, nil
}

// Path returns the location of the state file.
func (f *File) Path() string { return f.path }

// Get returns the value stored under key.
func (f *File) Get(key string) (string, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	v, ok := f.data[key]
	return v, ok
}

// Set stores value under key and persists the store.
func (f *File) Set(key, value string) error {
	if key == "" {
		return ErrEmptyKey
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if old, ok := f.data[key]; ok && old == value {
		return nil
	}
	f.data[key] = value
	return f.flush()
}

// Remove deletes key and persists the store.
func (f *File) Remove(key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.data[key]; !ok {
		return nil
	}
	delete(f.data, key)
	return f.flush()
}

// flush must be called with mu held.
func (f *File) flush() error {
	raw, err := yaml.Marshal(f.data)
	if err != nil {
		return fmt.Errorf("failed to encode state: %w", err)
	}

	tempPath := f.path + ".tmp"
	if err := os.WriteFile(tempPath, raw, 0600); err != nil {
		return fmt.Errorf("failed to write state: %w", err)
	}
	if err := os.Rename(tempPath, f.path); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("failed to persist state: %w", err)
	}
	return nil
}
