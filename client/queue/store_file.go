// --- File: client/queue/store_file.go ---
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// FileStore persists the queue as a JSON file. Save writes to a temp file in
// the same directory and renames it over the target, so a crash mid-write
// never leaves a truncated queue behind.
type FileStore struct {
	path string
	mu   sync.Mutex
}

// NewFileStore creates a store at the given path, creating parent
// directories as needed.
func NewFileStore(path string) (*FileStore, error) {
	if path == "" {
		return nil, fmt.Errorf("store path cannot be empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create store directory: %w", err)
	}
	return &FileStore{path: path}, nil
}

// Load reads the persisted queue. A missing file is an empty queue.
func (s *FileStore) Load(_ context.Context) ([]Operation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read queue file: %w", err)
	}
	if len(data) == 0 {
		return nil, nil
	}

	var ops []Operation
	if err := json.Unmarshal(data, &ops); err != nil {
		return nil, fmt.Errorf("decode queue file: %w", err)
	}
	return ops, nil
}

// Save replaces the persisted queue.
func (s *FileStore) Save(_ context.Context, ops []Operation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.MarshalIndent(ops, "", "  ")
	if err != nil {
		return fmt.Errorf("encode queue: %w", err)
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write queue file: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("replace queue file: %w", err)
	}
	return nil
}
