// Package uploader is the client-side resumable upload engine: a
// per-file state machine that chunks a local source, transmits it with
// retries, persists its progress across process restarts and reconciles
// with the server after reloads, connectivity loss and suspends.
package uploader

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/Cally99/go-resumable/uploader/blobstore"
	"github.com/Cally99/go-resumable/uploader/metastore"
	"github.com/Cally99/go-resumable/uploader/network"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/docker/go-units"
	"github.com/google/uuid"
)

// tempIDPrefix marks uploads registered locally but not yet acknowledged
// by the server.
const tempIDPrefix = "temp_"

func isTempID(id string) bool {
	return strings.HasPrefix(id, tempIDPrefix)
}

// Engine drives the per-upload state machine and chunk loop. It owns no
// records itself; all state lives in the meta store so it survives
// restarts.
type Engine struct {
	store   *metastore.Store
	blobs   *blobstore.Store
	client  network.Client
	monitor Monitor
	logger  log.Logger
	config  Config

	mu       sync.Mutex
	inFlight map[string]bool
}

// NewEngine wires an engine from its collaborators. A nil monitor means
// connectivity is assumed.
func NewEngine(store *metastore.Store, blobs *blobstore.Store, client network.Client, monitor Monitor, config Config, logger log.Logger) *Engine {
	if monitor == nil {
		monitor = staticMonitor{online: true}
	}
	return &Engine{
		store:    store,
		blobs:    blobs,
		client:   client,
		monitor:  monitor,
		logger:   logger,
		config:   config,
		inFlight: map[string]bool{},
	}
}

func (e *Engine) online() bool {
	return e.monitor.Online()
}

// Initiate registers a new upload: a temporary record is added locally,
// the session is opened on the server, and the record is re-keyed under
// the server-assigned id. On initiate failure no record survives.
func (e *Engine) Initiate(ctx context.Context, filename, filetype string, blob blobstore.Blob) (string, error) {
	chunkSize := e.config.ChunkSize
	if chunkSize <= 0 {
		chunkSize = metastore.DefaultChunkSize
	}

	tempID := tempIDPrefix + uuid.NewString()
	now := time.Now()
	e.store.Add(metastore.Record{
		UploadID:  tempID,
		Filename:  filename,
		Filetype:  filetype,
		Filesize:  blob.Size(),
		ChunkSize: chunkSize,
		Status:    metastore.StatusInitiating,
		CreatedAt: now,
		Blob:      blob,
	})

	resp, err := e.client.Initiate(ctx, network.InitiateParams{
		Filename: filename,
		Filetype: filetype,
		Filesize: blob.Size(),
	})
	if err != nil {
		e.store.Remove(tempID)
		return "", fmt.Errorf("initiate upload: %w", err)
	}
	if resp.UploadID == "" {
		e.store.Remove(tempID)
		return "", fmt.Errorf("initiate upload: server returned no upload id")
	}

	if resp.ChunkSize > 0 && resp.ChunkSize != chunkSize {
		e.logger.Debugf("Server overrode chunk size to %s", units.BytesSize(float64(resp.ChunkSize)))
		chunkSize = resp.ChunkSize
	}

	e.store.Remove(tempID)
	e.store.Add(metastore.Record{
		UploadID:  resp.UploadID,
		Filename:  filename,
		Filetype:  filetype,
		Filesize:  blob.Size(),
		ChunkSize: chunkSize,
		Status:    metastore.StatusPending,
		CreatedAt: now,
		S3Key:     resp.S3Key,
		Blob:      blob,
	})

	record, _ := e.store.Get(resp.UploadID)
	if resp.TotalChunks > 0 && resp.TotalChunks != record.TotalChunks {
		e.logger.Warnf("Chunk count mismatch for %s, server expects %d, computed %d",
			resp.UploadID, resp.TotalChunks, record.TotalChunks)
	}

	if err := e.blobs.Put(resp.UploadID, blob, blobstore.Meta{
		Filename:  filename,
		Filesize:  blob.Size(),
		CreatedAt: now,
	}); err != nil {
		// The upload still works this session; only reload recovery suffers.
		e.logger.Warnf("Failed to stash file for %s: %s", resp.UploadID, err)
	}

	e.logger.Infof("Upload %s registered: %s, %s, %d chunk(s)",
		resp.UploadID, filename, units.HumanSizeWithPrecision(float64(blob.Size()), 3), record.TotalChunks)
	return resp.UploadID, nil
}

// Start transitions a pending or paused upload to UPLOADING and runs its
// chunk loop. When offline or when the source is gone, the upload stays
// paused with the reason recorded.
func (e *Engine) Start(ctx context.Context, id string) error {
	record, ok := e.store.Get(id)
	if !ok {
		return ErrUploadNotFound
	}
	switch record.Status {
	case metastore.StatusPending, metastore.StatusPaused, metastore.StatusUploading:
	default:
		return fmt.Errorf("cannot start upload in status %s", record.Status)
	}

	if !e.online() {
		e.store.SetStatus(id, metastore.StatusPaused)
		e.store.RecordError(id, msgOffline)
		return ErrOffline
	}
	if !e.ensureFileAvailable(id) {
		return ErrFileUnavailable
	}

	e.store.SetStatus(id, metastore.StatusUploading)
	e.launch(ctx, id)
	return nil
}

// Pause notifies the server (best-effort) and parks the upload. The
// running chunk loop observes the status change and exits.
func (e *Engine) Pause(ctx context.Context, id string) error {
	record, ok := e.store.Get(id)
	if !ok {
		return ErrUploadNotFound
	}
	if record.Status != metastore.StatusUploading {
		return fmt.Errorf("cannot pause upload in status %s", record.Status)
	}

	if err := e.client.Pause(ctx, id); err != nil {
		e.logger.Warnf("Server pause notification for %s failed: %s", id, err)
	}
	e.store.SetStatus(id, metastore.StatusPaused)
	return nil
}

// Resume is Start plus a server-side resume notification, guarded by the
// process-wide resume flag: a second caller returns immediately while one
// resume is in flight.
func (e *Engine) Resume(ctx context.Context, id string) error {
	if !e.store.TryBeginResume() {
		return nil
	}
	defer e.store.EndResume()

	record, ok := e.store.Get(id)
	if !ok {
		return ErrUploadNotFound
	}
	if record.Status.Terminal() {
		return fmt.Errorf("cannot resume upload in status %s", record.Status)
	}

	if err := e.client.Resume(ctx, id); err != nil {
		e.logger.Warnf("Server resume notification for %s failed: %s", id, err)
	}
	return e.Start(ctx, id)
}

// Cancel deletes the upload on the server and locally. The local record
// and blob are removed even when the server call fails; that failure is
// still reported.
func (e *Engine) Cancel(ctx context.Context, id string) error {
	record, ok := e.store.Get(id)
	if !ok {
		return ErrUploadNotFound
	}
	if record.Status.Terminal() {
		return fmt.Errorf("cannot cancel upload in status %s", record.Status)
	}

	var serverErr error
	if !isTempID(id) {
		serverErr = e.client.Cancel(ctx, id)
	}

	e.store.Remove(id)
	e.deleteBlob(id)

	if serverErr != nil {
		return fmt.Errorf("cancel upload %s: %w", id, serverErr)
	}
	return nil
}

// Remove deletes the upload locally; for unfinished server-known uploads
// the server-side session is deleted best-effort. Local removal always
// succeeds.
func (e *Engine) Remove(ctx context.Context, id string) error {
	record, ok := e.store.Get(id)
	if !ok {
		return ErrUploadNotFound
	}

	if record.Status != metastore.StatusCompleted && !isTempID(id) {
		if err := e.client.Cancel(ctx, id); err != nil {
			e.logger.Warnf("Server delete for %s failed: %s", id, err)
		}
	}

	e.store.Remove(id)
	e.deleteBlob(id)
	return nil
}

func (e *Engine) deleteBlob(id string) {
	if err := e.blobs.Delete(id); err != nil {
		e.logger.Warnf("Failed to delete stored file for %s: %s", id, err)
	}
}

// launch runs the chunk loop in its own goroutine, guaranteeing at most
// one loop per upload id.
func (e *Engine) launch(ctx context.Context, id string) {
	e.mu.Lock()
	if e.inFlight[id] {
		e.mu.Unlock()
		return
	}
	e.inFlight[id] = true
	e.mu.Unlock()

	go func() {
		defer func() {
			e.mu.Lock()
			delete(e.inFlight, id)
			e.mu.Unlock()
		}()
		e.uploadChunks(ctx, id)
	}()
}

// refreshStatus overwrites local progress with the server's view. It is
// the only path allowed to shrink the uploaded chunk set. A server-side
// completed or paused status is adopted.
func (e *Engine) refreshStatus(ctx context.Context, id string) error {
	status, err := e.client.Status(ctx, id)
	if err != nil {
		return fmt.Errorf("fetch status of %s: %w", id, err)
	}

	e.store.UpdateProgress(id, status.UploadedChunks)
	switch strings.ToLower(status.Status) {
	case "completed":
		e.store.SetStatus(id, metastore.StatusCompleted)
		e.deleteBlob(id)
	case "paused":
		e.store.SetStatus(id, metastore.StatusPaused)
	}
	return nil
}

// uploadChunks is the chunk loop: reconcile, then transmit every missing
// chunk in ascending order, then finalize. Exits quietly whenever the
// record leaves UPLOADING; pause and cancel are cooperative.
func (e *Engine) uploadChunks(ctx context.Context, id string) {
	if err := e.refreshStatus(ctx, id); err != nil {
		e.logger.Debugf("Status refresh before upload failed for %s: %s", id, err)
	}

	record, ok := e.store.Get(id)
	if !ok || record.Status != metastore.StatusUploading {
		return
	}

	for index := 0; index < record.TotalChunks; index++ {
		if !e.online() {
			e.store.SetStatus(id, metastore.StatusPaused)
			e.store.RecordError(id, msgOffline)
			return
		}

		current, ok := e.store.Get(id)
		if !ok || current.Status != metastore.StatusUploading {
			return
		}
		if current.HasChunk(index) {
			continue
		}

		if !e.uploadChunk(ctx, id, index) {
			return
		}

		current, ok = e.store.Get(id)
		if !ok {
			return
		}
		e.store.UpdateProgress(id, append(current.UploadedChunks, index))
	}

	if err := e.client.Complete(ctx, id); err != nil {
		e.store.SetStatus(id, metastore.StatusFailed)
		e.store.RecordError(id, fmt.Sprintf("Could not finalize upload: %s", err))
		e.logger.Errorf("Upload %s failed to finalize: %s", id, err)
		return
	}

	e.store.Update(id, func(r *metastore.Record) {
		r.Status = metastore.StatusCompleted
		r.LastError = ""
		r.LastErrorAt = nil
	})
	e.deleteBlob(id)
	e.logger.Donef("Upload %s completed", id)
}

// uploadChunk transmits a single chunk. Returns false after parking the
// upload in PAUSED with the failure recorded.
func (e *Engine) uploadChunk(ctx context.Context, id string, index int) bool {
	if !e.ensureFileAvailable(id) {
		return false
	}
	if !e.online() {
		e.store.SetStatus(id, metastore.StatusPaused)
		e.store.RecordError(id, msgOffline)
		return false
	}

	record, ok := e.store.Get(id)
	if !ok {
		return false
	}

	offset := int64(index) * record.ChunkSize
	length := metastore.ChunkLength(index, record.ChunkSize, record.Filesize)
	chunk, err := record.Blob.Slice(offset, length)
	if err != nil {
		e.pauseWithChunkError(id, index, err)
		return false
	}

	if err := e.client.UploadChunk(ctx, id, index, record.TotalChunks, chunk, length); err != nil {
		e.pauseWithChunkError(id, index, err)
		e.logger.Warnf("Chunk %d of %s failed: %s", index, id, err)
		return false
	}

	e.logger.Debugf("Chunk %d/%d of %s uploaded", index+1, record.TotalChunks, id)
	return true
}

func (e *Engine) pauseWithChunkError(id string, index int, err error) {
	e.store.SetStatus(id, metastore.StatusPaused)
	e.store.RecordError(id, fmt.Sprintf("Chunk %d failed: %s. Upload paused.", index, err))
}

// ensureFileAvailable makes sure the record carries a usable source,
// restoring it from the blob store if needed. When the source is gone the
// upload is parked with needsFile set so the UI can ask for the file
// again.
func (e *Engine) ensureFileAvailable(id string) bool {
	record, ok := e.store.Get(id)
	if !ok {
		return false
	}
	if record.Blob != nil && record.Blob.Size() > 0 {
		return true
	}

	restored, err := e.restoreFile(id)
	if err != nil {
		e.logger.Warnf("Failed to restore file for %s: %s", id, err)
	}
	if restored {
		e.store.Update(id, func(r *metastore.Record) {
			r.LastError = ""
			r.LastErrorAt = nil
		})
		return true
	}

	e.store.Update(id, func(r *metastore.Record) {
		r.NeedsFile = true
	})
	e.store.RecordError(id, msgMissingFile)
	e.store.SetStatus(id, metastore.StatusPaused)
	return false
}

// restoreFile attaches the stored blob to the record. Returns false with
// a nil error when the blob store simply has no entry.
func (e *Engine) restoreFile(id string) (bool, error) {
	blob, err := e.blobs.Get(id)
	if errors.Is(err, blobstore.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if blob.Size() == 0 {
		return false, nil
	}

	e.store.Update(id, func(r *metastore.Record) {
		r.Blob = blob
		r.NeedsFile = false
	})
	return true, nil
}
