package state

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// FileBackend keeps each document as a JSON file under a directory
// (providers.json, keys.json, models.json). Writes go through a temp file
// and rename so readers never observe a torn document; a process-level mutex
// serializes concurrent writers.
type FileBackend struct {
	dir string
	mu  sync.Mutex
}

// NewFileBackend returns a backend rooted at dir, creating it if needed.
func NewFileBackend(dir string) (*FileBackend, error) {
	if dir == "" {
		dir = "."
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("state: create data dir: %w", err)
	}
	return &FileBackend{dir: dir}, nil
}

func (b *FileBackend) Name() string { return "filesystem" }

func (b *FileBackend) path(doc string) string {
	return filepath.Join(b.dir, doc+".json")
}

func (b *FileBackend) Get(_ context.Context, doc string) ([]byte, bool, error) {
	raw, err := os.ReadFile(b.path(doc))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("state: read %s: %w", b.path(doc), err)
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, false, nil
	}
	return raw, true, nil
}

func (b *FileBackend) Set(_ context.Context, doc string, raw []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	tmp, err := os.CreateTemp(b.dir, doc+".*.tmp")
	if err != nil {
		return fmt.Errorf("state: temp file for %s: %w", doc, err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("state: write %s: %w", doc, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("state: close temp for %s: %w", doc, err)
	}
	if err := os.Rename(tmpName, b.path(doc)); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("state: rename %s: %w", doc, err)
	}
	return nil
}
