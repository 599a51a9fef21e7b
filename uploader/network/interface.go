package network

import (
	"context"
	"io"
)

// Client is the HTTP boundary to the upload service. Implementations
// retry transient failures internally; callers see either success or the
// final classified error.
type Client interface {
	Initiate(ctx context.Context, params InitiateParams) (InitiateResponse, error)
	UploadChunk(ctx context.Context, id string, index, totalChunks int, chunk io.Reader, size int64) error
	Complete(ctx context.Context, id string) error
	Pause(ctx context.Context, id string) error
	Resume(ctx context.Context, id string) error
	Status(ctx context.Context, id string) (StatusResponse, error)
	Cancel(ctx context.Context, id string) error
}

// InitiateParams describes the file an upload session is opened for.
type InitiateParams struct {
	Filename string `json:"filename"`
	Filetype string `json:"filetype"`
	Filesize int64  `json:"filesize"`
}

// InitiateResponse is the server's answer to an initiate request. The
// server may override the chunk size; ChunkSize and TotalChunks are zero
// when it does not.
type InitiateResponse struct {
	UploadID    string `json:"uploadId"`
	S3Key       string `json:"s3Key,omitempty"`
	ChunkSize   int64  `json:"chunkSize,omitempty"`
	TotalChunks int    `json:"totalChunks,omitempty"`
}

// StatusResponse is the server's authoritative view of an upload.
type StatusResponse struct {
	Status         string `json:"status"`
	UploadedChunks []int  `json:"uploadedChunks"`
}
