package blobstore

import (
	"bytes"
	"fmt"
	"io"
	"os"
)

// Blob is an opaque byte region of known length supporting range
// extraction. For retries, Slice may be called multiple times for the
// same range.
type Blob interface {
	// Size returns the total byte length of the region.
	Size() int64

	// Slice returns a reader over [offset, offset+length). Length is
	// clamped to the end of the region.
	Slice(offset, length int64) (io.Reader, error)
}

// FromBytes wraps an in-memory byte slice as a Blob.
func FromBytes(data []byte) Blob {
	return bytesBlob(data)
}

type bytesBlob []byte

func (b bytesBlob) Size() int64 {
	return int64(len(b))
}

func (b bytesBlob) Slice(offset, length int64) (io.Reader, error) {
	if offset < 0 || offset > int64(len(b)) {
		return nil, fmt.Errorf("slice offset %d out of range [0, %d]", offset, len(b))
	}
	end := offset + length
	if end > int64(len(b)) {
		end = int64(len(b))
	}
	return bytes.NewReader(b[offset:end]), nil
}

// FromFile wraps a file on disk as a Blob. The file is opened per slice,
// so the value stays valid across process restarts as long as the path
// does.
func FromFile(path string) (Blob, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", path, err)
	}
	return &fileBlob{path: path, size: info.Size()}, nil
}

type fileBlob struct {
	path string
	size int64
}

func (b *fileBlob) Size() int64 {
	return b.size
}

func (b *fileBlob) Slice(offset, length int64) (io.Reader, error) {
	if offset < 0 || offset > b.size {
		return nil, fmt.Errorf("slice offset %d out of range [0, %d]", offset, b.size)
	}
	if offset+length > b.size {
		length = b.size - offset
	}

	file, err := os.Open(b.path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", b.path, err)
	}

	data, err := io.ReadAll(io.NewSectionReader(file, offset, length))
	closeErr := file.Close()
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", b.path, err)
	}
	if closeErr != nil {
		return nil, fmt.Errorf("close %s: %w", b.path, closeErr)
	}
	return bytes.NewReader(data), nil
}
