package uploader

import "errors"

var (
	// ErrUploadNotFound is returned when no record exists for the id.
	ErrUploadNotFound = errors.New("upload not found")

	// ErrEmptyFile is returned by Add when the source has no bytes.
	ErrEmptyFile = errors.New("file is empty")

	// ErrOffline is returned when an operation needs the network and the
	// connectivity monitor reports offline.
	ErrOffline = errors.New("network offline")

	// ErrFileUnavailable is returned when the upload source is gone and
	// could not be restored from the blob store.
	ErrFileUnavailable = errors.New("file is no longer available")

	// ErrTempUpload is returned for operations that need a server-side
	// session while the upload is still waiting for its initiate answer.
	ErrTempUpload = errors.New("upload is not yet registered with the server")
)

// User-facing messages stored in a record's lastError field. They survive
// reloads, so the presentation layer can keep explaining what happened.
const (
	msgOffline         = "Network offline. Upload paused."
	msgMissingFile     = "File is no longer available. Please re-select the file to resume."
	msgReconcileFailed = "Could not verify upload status with server."
)
