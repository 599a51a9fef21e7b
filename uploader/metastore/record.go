package metastore

import (
	"sort"
	"time"

	"github.com/Cally99/go-resumable/uploader/blobstore"
)

// DefaultChunkSize is the chunk size used when the server does not
// override it at initiate time.
const DefaultChunkSize int64 = 5 * 1024 * 1024

// Status is the lifecycle state of an upload.
type Status string

const (
	StatusInitiating Status = "INITIATING"
	StatusPending    Status = "PENDING"
	StatusUploading  Status = "UPLOADING"
	StatusPaused     Status = "PAUSED"
	StatusCompleted  Status = "COMPLETED"
	StatusFailed     Status = "FAILED"
	StatusCanceled   Status = "CANCELED"
)

// Terminal reports whether the status allows no further engine work.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCanceled
}

// Record is the per-upload state container. UploadedBytes and Progress
// are derived from the chunk set; the store recomputes them on every
// write, overwriting any value a caller sets.
type Record struct {
	UploadID       string     `json:"uploadId"`
	Filename       string     `json:"filename"`
	Filetype       string     `json:"filetype"`
	Filesize       int64      `json:"filesize"`
	ChunkSize      int64      `json:"chunkSize"`
	TotalChunks    int        `json:"totalChunks"`
	UploadedChunks []int      `json:"uploadedChunks"`
	UploadedBytes  int64      `json:"uploadedBytes"`
	Progress       float64    `json:"progress"`
	Status         Status     `json:"status"`
	CreatedAt      time.Time  `json:"createdAt"`
	LastError      string     `json:"lastError,omitempty"`
	LastErrorAt    *time.Time `json:"lastErrorAt,omitempty"`
	NeedsFile      bool       `json:"needsFile"`
	S3Key          string     `json:"s3Key,omitempty"`

	// Blob is the upload source. It lives in the blob store, not in the
	// persisted projection.
	Blob blobstore.Blob `json:"-"`
}

// UIState is the transient presentation-facing state bag. It is never
// persisted and is rebuilt empty on every load.
type UIState struct {
	IsLoading  bool
	Error      string
	IsOffline  bool
	IsResuming bool
	DragOver   bool
}

// TotalChunks returns ceil(filesize / chunkSize).
func TotalChunks(filesize, chunkSize int64) int {
	if filesize <= 0 || chunkSize <= 0 {
		return 0
	}
	return int((filesize + chunkSize - 1) / chunkSize)
}

// NormalizeChunks returns the canonical form of a chunk set: strictly
// ascending, deduplicated, every element in [0, totalChunks).
func NormalizeChunks(chunks []int, totalChunks int) []int {
	normalized := make([]int, 0, len(chunks))
	seen := map[int]bool{}
	for _, chunk := range chunks {
		if chunk < 0 || chunk >= totalChunks || seen[chunk] {
			continue
		}
		seen[chunk] = true
		normalized = append(normalized, chunk)
	}
	sort.Ints(normalized)
	return normalized
}

// ChunkLength returns the byte length of the chunk at index: chunkSize
// for every chunk except possibly the last.
func ChunkLength(index int, chunkSize, filesize int64) int64 {
	remaining := filesize - int64(index)*chunkSize
	if remaining < 0 {
		return 0
	}
	if remaining < chunkSize {
		return remaining
	}
	return chunkSize
}

func computeUploadedBytes(chunks []int, chunkSize, filesize int64) int64 {
	var total int64
	for _, chunk := range chunks {
		total += ChunkLength(chunk, chunkSize, filesize)
	}
	return total
}

// recompute refreshes the derived fields from the canonical chunk set.
func (r *Record) recompute() {
	if r.ChunkSize <= 0 {
		r.ChunkSize = DefaultChunkSize
	}
	r.TotalChunks = TotalChunks(r.Filesize, r.ChunkSize)
	r.UploadedChunks = NormalizeChunks(r.UploadedChunks, r.TotalChunks)
	r.UploadedBytes = computeUploadedBytes(r.UploadedChunks, r.ChunkSize, r.Filesize)

	if r.Filesize > 0 {
		r.Progress = 100 * float64(r.UploadedBytes) / float64(r.Filesize)
	} else {
		r.Progress = 0
	}
	if r.Progress < 0 {
		r.Progress = 0
	}
	if r.Progress > 100 {
		r.Progress = 100
	}
}

// HasChunk reports membership in the uploaded chunk set.
func (r *Record) HasChunk(index int) bool {
	for _, chunk := range r.UploadedChunks {
		if chunk == index {
			return true
		}
		if chunk > index {
			break
		}
	}
	return false
}
