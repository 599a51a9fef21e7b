package uploader

import (
	"context"
	"fmt"
	"mime"
	"os"
	"path/filepath"
	"time"

	"github.com/Cally99/go-resumable/uploader/blobstore"
	"github.com/Cally99/go-resumable/uploader/metastore"
	"github.com/Cally99/go-resumable/uploader/network"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/bmatcuk/doublestar/v4"
)

// stateFileName is the persisted projection entry inside the data dir.
const stateFileName = "resumable-uploads.json"

// Manager is the stable API exposed to the presentation layer. It
// validates input, keeps the blob store and the record registry in step,
// and delegates lifecycle transitions to the engine.
type Manager struct {
	engine *Engine
	store  *metastore.Store
	blobs  *blobstore.Store
	logger log.Logger
}

// New builds a manager with the default collaborators: file-backed
// persistence and blob store under config.DataDir, the retrying HTTP
// client and a polling connectivity monitor.
func New(config Config, logger log.Logger) *Manager {
	store := metastore.NewStore(metastore.NewFileKV(filepath.Join(config.DataDir, stateFileName)), logger)
	blobs := blobstore.New(config.DataDir, logger)
	client := network.NewAPIClient(config.APIBaseURL, logger)
	monitor := NewPollingMonitor(config.APIBaseURL, config.ProbeInterval, logger)
	return NewManager(store, blobs, client, monitor, config, logger)
}

// NewManager wires a manager from explicit collaborators.
func NewManager(store *metastore.Store, blobs *blobstore.Store, client network.Client, monitor Monitor, config Config, logger log.Logger) *Manager {
	return &Manager{
		engine: NewEngine(store, blobs, client, monitor, config, logger),
		store:  store,
		blobs:  blobs,
		logger: logger,
	}
}

// Add registers a new upload for the given source. Leftover records of
// the same file that went stale are cleaned up first; a surviving record
// still waiting for this exact file is reused instead of opening a new
// server session.
func (m *Manager) Add(ctx context.Context, filename, filetype string, blob blobstore.Blob) (string, error) {
	if blob == nil || blob.Size() <= 0 {
		return "", ErrEmptyFile
	}
	if filename == "" {
		return "", fmt.Errorf("filename must not be empty")
	}

	for _, id := range m.store.ClearStale(filename, blob.Size()) {
		m.logger.Debugf("Cleared stale upload %s for re-added file %s", id, filename)
		if err := m.blobs.Delete(id); err != nil {
			m.logger.Warnf("Failed to delete stale blob %s: %s", id, err)
		}
	}

	for _, record := range m.store.List() {
		if record.Filename != filename || record.Filesize != blob.Size() || !record.NeedsFile {
			continue
		}
		m.store.Update(record.UploadID, func(r *metastore.Record) {
			r.Blob = blob
			r.NeedsFile = false
			r.LastError = ""
			r.LastErrorAt = nil
		})
		if err := m.blobs.Put(record.UploadID, blob, blobstore.Meta{
			Filename:  filename,
			Filesize:  blob.Size(),
			CreatedAt: time.Now(),
		}); err != nil {
			m.logger.Warnf("Failed to stash re-added file for %s: %s", record.UploadID, err)
		}
		m.logger.Infof("Re-attached file to upload %s", record.UploadID)
		return record.UploadID, nil
	}

	return m.engine.Initiate(ctx, filename, filetype, blob)
}

// AddFile registers the file at path as a new upload. The MIME type is
// derived from the extension.
func (m *Manager) AddFile(ctx context.Context, path string) (string, error) {
	blob, err := blobstore.FromFile(path)
	if err != nil {
		return "", err
	}
	filetype := mime.TypeByExtension(filepath.Ext(path))
	if filetype == "" {
		filetype = "application/octet-stream"
	}
	return m.Add(ctx, filepath.Base(path), filetype, blob)
}

// AddMatching registers every regular file matching a doublestar glob
// pattern. Files that fail to register are skipped with a warning;
// the successfully registered ids are returned.
func (m *Manager) AddMatching(ctx context.Context, pattern string) ([]string, error) {
	base, glob := doublestar.SplitPattern(pattern)
	matches, err := doublestar.Glob(os.DirFS(base), glob, doublestar.WithNoFollow())
	if err != nil {
		return nil, err
	}

	var ids []string
	for _, match := range matches {
		path := filepath.Join(base, match)
		info, err := os.Stat(path)
		if err != nil || info.IsDir() {
			continue
		}
		id, err := m.AddFile(ctx, path)
		if err != nil {
			m.logger.Warnf("Skipping %s: %s", path, err)
			continue
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// Start begins transmitting a pending or paused upload.
func (m *Manager) Start(ctx context.Context, id string) error {
	if isTempID(id) {
		return ErrTempUpload
	}
	return m.engine.Start(ctx, id)
}

// Pause parks a running upload.
func (m *Manager) Pause(ctx context.Context, id string) error {
	if isTempID(id) {
		return ErrTempUpload
	}
	return m.engine.Pause(ctx, id)
}

// Resume restarts a paused upload.
func (m *Manager) Resume(ctx context.Context, id string) error {
	if isTempID(id) {
		return ErrTempUpload
	}
	return m.engine.Resume(ctx, id)
}

// Cancel aborts an upload on the server and removes it locally.
func (m *Manager) Cancel(ctx context.Context, id string) error {
	return m.engine.Cancel(ctx, id)
}

// Remove deletes an upload locally, cleaning up the server session for
// unfinished uploads best-effort.
func (m *Manager) Remove(ctx context.Context, id string) error {
	return m.engine.Remove(ctx, id)
}

// ClearAll drops every record and stored blob.
func (m *Manager) ClearAll() {
	m.store.ClearAll()
	if err := m.blobs.Clear(); err != nil {
		m.logger.Warnf("Failed to clear blob store: %s", err)
	}
}

// Uploads returns all records ordered by creation time.
func (m *Manager) Uploads() []metastore.Record {
	return m.store.List()
}

// Upload returns the record under id.
func (m *Manager) Upload(id string) (metastore.Record, bool) {
	return m.store.Get(id)
}

// UI returns the transient UI state.
func (m *Manager) UI() metastore.UIState {
	return m.store.UI()
}

// Subscribe registers a change listener; the returned function removes
// it. Listeners fire after every store mutation.
func (m *Manager) Subscribe(fn func()) func() {
	return m.store.Subscribe(fn)
}
