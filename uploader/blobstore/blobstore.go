// Package blobstore is a durable key-to-binary store for upload sources
// that must survive a process restart. Blobs are kept zstd-compressed on
// disk, one file per upload id, with a JSON index carrying per-blob
// metadata (filename, size, creation time) for Stat and PruneOlderThan.
package blobstore

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/bitrise-io/go-utils/v2/pathutil"
	"github.com/klauspost/compress/zstd"
)

// ErrNotFound is returned by Get and Stat when no blob is stored under
// the requested key.
var ErrNotFound = errors.New("blob not found")

const (
	blobsDirName  = "blobs"
	indexFileName = "index.json"
	blobExt       = ".zst"
)

// Meta is the per-key index entry.
type Meta struct {
	Filename  string    `json:"filename"`
	Filesize  int64     `json:"filesize"`
	CreatedAt time.Time `json:"createdAt"`
}

// Store is a file-backed blob store rooted at a data directory.
// Initialization is lazy and memoized: the first operation opens the
// store and concurrent callers share that single open.
type Store struct {
	dir          string
	logger       log.Logger
	pathProvider pathutil.PathProvider

	initOnce sync.Once
	initErr  error
	spoolDir string

	mu    sync.Mutex
	index map[string]Meta
}

// New creates a blob store rooted at dir. The directory is created on
// first use.
func New(dir string, logger log.Logger) *Store {
	return &Store{
		dir:          dir,
		logger:       logger,
		pathProvider: pathutil.NewPathProvider(),
		index:        map[string]Meta{},
	}
}

// Dir returns the data directory the store is rooted at.
func (s *Store) Dir() string {
	return s.dir
}

func (s *Store) init() error {
	s.initOnce.Do(func() {
		if err := os.MkdirAll(filepath.Join(s.dir, blobsDirName), 0700); err != nil {
			s.initErr = fmt.Errorf("create blob dir: %w", err)
			return
		}

		spoolDir, err := s.pathProvider.CreateTempDir("resumable-spool")
		if err != nil {
			s.initErr = fmt.Errorf("create spool dir: %w", err)
			return
		}
		s.spoolDir = spoolDir

		if err := s.loadIndex(); err != nil {
			s.initErr = fmt.Errorf("load blob index: %w", err)
		}
	})
	return s.initErr
}

func (s *Store) loadIndex() error {
	data, err := os.ReadFile(filepath.Join(s.dir, indexFileName))
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}

	index := map[string]Meta{}
	if err := json.Unmarshal(data, &index); err != nil {
		s.logger.Warnf("Blob index is corrupt, starting empty: %s", err)
		return nil
	}
	s.index = index
	return nil
}

// writeIndex persists the index. Callers must hold s.mu.
func (s *Store) writeIndex() {
	data, err := json.Marshal(s.index)
	if err != nil {
		s.logger.Warnf("Failed to serialize blob index: %s", err)
		return
	}
	tmpPath := filepath.Join(s.dir, indexFileName+".tmp")
	if err := os.WriteFile(tmpPath, data, 0600); err != nil {
		s.logger.Warnf("Failed to write blob index: %s", err)
		return
	}
	if err := os.Rename(tmpPath, filepath.Join(s.dir, indexFileName)); err != nil {
		s.logger.Warnf("Failed to replace blob index: %s", err)
	}
}

func (s *Store) blobPath(key string) string {
	return filepath.Join(s.dir, blobsDirName, key+blobExt)
}

// Put writes or overwrites the blob stored under key.
func (s *Store) Put(key string, blob Blob, meta Meta) error {
	if err := s.init(); err != nil {
		return err
	}

	source, err := blob.Slice(0, blob.Size())
	if err != nil {
		return fmt.Errorf("read blob %s: %w", key, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tmpPath := s.blobPath(key) + ".tmp"
	file, err := os.Create(tmpPath)
	if err != nil {
		return fmt.Errorf("create blob file: %w", err)
	}

	encoder, err := zstd.NewWriter(file)
	if err != nil {
		file.Close()
		return fmt.Errorf("create zstd writer: %w", err)
	}

	_, copyErr := io.Copy(encoder, source)
	encodeErr := encoder.Close()
	closeErr := file.Close()
	for _, err := range []error{copyErr, encodeErr, closeErr} {
		if err != nil {
			if removeErr := os.Remove(tmpPath); removeErr != nil {
				s.logger.Warnf("Failed to remove partial blob file: %s", removeErr)
			}
			return fmt.Errorf("write blob %s: %w", key, err)
		}
	}

	if err := os.Rename(tmpPath, s.blobPath(key)); err != nil {
		return fmt.Errorf("store blob %s: %w", key, err)
	}

	if meta.CreatedAt.IsZero() {
		meta.CreatedAt = time.Now()
	}
	if meta.Filesize == 0 {
		meta.Filesize = blob.Size()
	}
	s.index[key] = meta
	s.writeIndex()
	return nil
}

// Get returns the blob stored under key, or ErrNotFound. The blob is
// decompressed to a spool file; the returned value slices from there.
func (s *Store) Get(key string) (Blob, error) {
	if err := s.init(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.index[key]; !ok {
		return nil, ErrNotFound
	}

	file, err := os.Open(s.blobPath(key))
	if os.IsNotExist(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("open blob %s: %w", key, err)
	}
	defer file.Close()

	decoder, err := zstd.NewReader(file)
	if err != nil {
		return nil, fmt.Errorf("create zstd reader: %w", err)
	}
	defer decoder.Close()

	spool, err := os.CreateTemp(s.spoolDir, key+"-*")
	if err != nil {
		return nil, fmt.Errorf("create spool file: %w", err)
	}

	size, copyErr := io.Copy(spool, decoder)
	closeErr := spool.Close()
	for _, err := range []error{copyErr, closeErr} {
		if err != nil {
			if removeErr := os.Remove(spool.Name()); removeErr != nil {
				s.logger.Warnf("Failed to remove spool file: %s", removeErr)
			}
			return nil, fmt.Errorf("decompress blob %s: %w", key, err)
		}
	}

	return &fileBlob{path: spool.Name(), size: size}, nil
}

// Stat returns the index entry for key, or ErrNotFound.
func (s *Store) Stat(key string) (Meta, error) {
	if err := s.init(); err != nil {
		return Meta{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	meta, ok := s.index[key]
	if !ok {
		return Meta{}, ErrNotFound
	}
	return meta, nil
}

// Delete removes the blob stored under key. Deleting an absent key is
// not an error.
func (s *Store) Delete(key string) error {
	if err := s.init(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Remove(s.blobPath(key)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete blob %s: %w", key, err)
	}
	if _, ok := s.index[key]; ok {
		delete(s.index, key)
		s.writeIndex()
	}
	return nil
}

// Clear removes every stored blob.
func (s *Store) Clear() error {
	if err := s.init(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.RemoveAll(filepath.Join(s.dir, blobsDirName)); err != nil {
		return fmt.Errorf("clear blobs: %w", err)
	}
	if err := os.MkdirAll(filepath.Join(s.dir, blobsDirName), 0700); err != nil {
		return fmt.Errorf("recreate blob dir: %w", err)
	}
	s.index = map[string]Meta{}
	s.writeIndex()
	return nil
}

// PruneOlderThan removes every blob whose creation time predates
// now - days. Returns the number of removed blobs.
func (s *Store) PruneOlderThan(days int) (int, error) {
	if err := s.init(); err != nil {
		return 0, err
	}

	cutoff := time.Now().AddDate(0, 0, -days)

	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for key, meta := range s.index {
		if !meta.CreatedAt.Before(cutoff) {
			continue
		}
		if err := os.Remove(s.blobPath(key)); err != nil && !os.IsNotExist(err) {
			s.logger.Warnf("Failed to prune blob %s: %s", key, err)
			continue
		}
		delete(s.index, key)
		removed++
	}
	if removed > 0 {
		s.writeIndex()
	}
	return removed, nil
}
