package metastore

import (
	"fmt"
	"os"
	"path/filepath"
)

// FileKV is a KV backed by a single file, written atomically via a
// temp-file rename.
type FileKV struct {
	path string
}

// NewFileKV creates a file-backed KV at path. Parent directories are
// created on the first save.
func NewFileKV(path string) *FileKV {
	return &FileKV{path: path}
}

// Load implements KV.
func (kv *FileKV) Load() ([]byte, error) {
	data, err := os.ReadFile(kv.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", kv.path, err)
	}
	return data, nil
}

// Save implements KV.
func (kv *FileKV) Save(data []byte) error {
	if err := os.MkdirAll(filepath.Dir(kv.path), 0700); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}
	tmpPath := kv.path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0600); err != nil {
		return fmt.Errorf("write %s: %w", tmpPath, err)
	}
	if err := os.Rename(tmpPath, kv.path); err != nil {
		return fmt.Errorf("replace %s: %w", kv.path, err)
	}
	return nil
}

// Delete implements KV.
func (kv *FileKV) Delete() error {
	if err := os.Remove(kv.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove %s: %w", kv.path, err)
	}
	return nil
}
