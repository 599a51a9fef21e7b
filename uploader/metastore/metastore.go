// Package metastore holds the authoritative in-memory view of all upload
// records plus the transient UI state bag. Every mutation persists a
// filtered projection of the store to a durable key/value entry and
// notifies subscribers, so the presentation layer can re-render and a
// reloaded process can pick up where it left off.
package metastore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/Cally99/go-resumable/uploader/retry"
	"github.com/bitrise-io/go-utils/v2/log"
)

// staleAge is how old a matching record must be before a re-added file
// is allowed to displace it.
const staleAge = 24 * time.Hour

// Store is the record registry. All mutations are atomic with respect to
// each other; reads return copies.
type Store struct {
	mu      sync.RWMutex
	uploads map[string]*Record
	ui      UIState

	kv     KV
	logger log.Logger

	subsMu    sync.Mutex
	subs      map[int]func()
	nextSubID int
}

// NewStore creates a store persisting to kv. A nil kv disables
// persistence (useful for tests and ephemeral runs).
func NewStore(kv KV, logger log.Logger) *Store {
	return &Store{
		uploads: map[string]*Record{},
		kv:      kv,
		logger:  logger,
		subs:    map[int]func(){},
	}
}

// Subscribe registers fn to run after every store mutation. The returned
// function removes the subscription. Diffing is the consumer's
// responsibility.
func (s *Store) Subscribe(fn func()) func() {
	s.subsMu.Lock()
	defer s.subsMu.Unlock()

	id := s.nextSubID
	s.nextSubID++
	s.subs[id] = fn
	return func() {
		s.subsMu.Lock()
		defer s.subsMu.Unlock()
		delete(s.subs, id)
	}
}

func (s *Store) notify() {
	s.subsMu.Lock()
	subs := make([]func(), 0, len(s.subs))
	for _, fn := range s.subs {
		subs = append(subs, fn)
	}
	s.subsMu.Unlock()

	for _, fn := range subs {
		fn()
	}
}

// mutate runs fn under the write lock, then persists the projection and
// notifies subscribers.
func (s *Store) mutate(fn func()) {
	s.mu.Lock()
	fn()
	snapshot := s.projectionLocked()
	s.mu.Unlock()

	s.persist(snapshot)
	s.notify()
}

// mutateUI is mutate without persistence: UI fields are not part of the
// projection, so writing it again would be a no-op.
func (s *Store) mutateUI(fn func()) {
	s.mu.Lock()
	fn()
	s.mu.Unlock()

	s.notify()
}

// Add inserts or replaces a record. Derived fields are recomputed so the
// stored shape always satisfies the chunk-set invariants.
func (s *Store) Add(record Record) {
	s.mutate(func() {
		stored := record
		stored.recompute()
		s.uploads[stored.UploadID] = &stored
	})
}

// Update applies patch to the record under id. Returns false if the
// record does not exist. Derived fields are recomputed after the patch.
func (s *Store) Update(id string, patch func(*Record)) bool {
	found := false
	s.mutate(func() {
		record, ok := s.uploads[id]
		if !ok {
			return
		}
		found = true
		patch(record)
		record.recompute()
	})
	return found
}

// Remove deletes the record under id. Returns false if absent.
func (s *Store) Remove(id string) bool {
	found := false
	s.mutate(func() {
		if _, ok := s.uploads[id]; ok {
			found = true
			delete(s.uploads, id)
		}
	})
	return found
}

// SetStatus transitions the record under id to status.
func (s *Store) SetStatus(id string, status Status) bool {
	return s.Update(id, func(record *Record) {
		record.Status = status
	})
}

// RecordError stores a user-facing error message with its timestamp on
// the record under id.
func (s *Store) RecordError(id, message string) bool {
	return s.Update(id, func(record *Record) {
		now := time.Now()
		record.LastError = message
		record.LastErrorAt = &now
	})
}

// UpdateProgress replaces the uploaded chunk set of the record under id
// and recomputes the derived byte count and progress. The set may shrink:
// server reconciliation is authoritative.
func (s *Store) UpdateProgress(id string, chunks []int) bool {
	return s.Update(id, func(record *Record) {
		record.UploadedChunks = chunks
	})
}

// Get returns a copy of the record under id.
func (s *Store) Get(id string) (Record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	record, ok := s.uploads[id]
	if !ok {
		return Record{}, false
	}
	return *record, true
}

// List returns copies of all records, ordered by creation time.
func (s *Store) List() []Record {
	s.mu.RLock()
	defer s.mu.RUnlock()

	records := make([]Record, 0, len(s.uploads))
	for _, record := range s.uploads {
		records = append(records, *record)
	}
	sort.Slice(records, func(i, j int) bool {
		if records[i].CreatedAt.Equal(records[j].CreatedAt) {
			return records[i].UploadID < records[j].UploadID
		}
		return records[i].CreatedAt.Before(records[j].CreatedAt)
	})
	return records
}

// Active returns the non-terminal records, ordered by creation time.
func (s *Store) Active() []Record {
	all := s.List()
	active := make([]Record, 0, len(all))
	for _, record := range all {
		if !record.Status.Terminal() {
			active = append(active, record)
		}
	}
	return active
}

// ClearStale removes records matching the given filename and size that
// are either older than 24 hours or already failed/canceled. Returns the
// removed upload ids so the caller can drop the corresponding blobs.
func (s *Store) ClearStale(filename string, filesize int64) []string {
	var removed []string
	s.mutate(func() {
		cutoff := time.Now().Add(-staleAge)
		for id, record := range s.uploads {
			if record.Filename != filename || record.Filesize != filesize {
				continue
			}
			stale := record.CreatedAt.Before(cutoff) ||
				record.Status == StatusFailed || record.Status == StatusCanceled
			if !stale {
				continue
			}
			delete(s.uploads, id)
			removed = append(removed, id)
		}
	})
	return removed
}

// ClearAll removes every record and the persisted projection.
func (s *Store) ClearAll() {
	s.mu.Lock()
	s.uploads = map[string]*Record{}
	s.mu.Unlock()

	if s.kv != nil {
		if err := s.kv.Delete(); err != nil {
			s.logger.Warnf("Failed to delete persisted upload state: %s", err)
		}
	}
	s.notify()
}

// UI returns a copy of the transient UI state.
func (s *Store) UI() UIState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.ui
}

// SetOffline flips the offline indicator.
func (s *Store) SetOffline(offline bool) {
	s.mutateUI(func() { s.ui.IsOffline = offline })
}

// SetLoading flips the loading indicator.
func (s *Store) SetLoading(loading bool) {
	s.mutateUI(func() { s.ui.IsLoading = loading })
}

// SetError sets the global (not per-record) error message.
func (s *Store) SetError(message string) {
	s.mutateUI(func() { s.ui.Error = message })
}

// SetDragOver flips the drag-over indicator.
func (s *Store) SetDragOver(over bool) {
	s.mutateUI(func() { s.ui.DragOver = over })
}

// TryBeginResume acquires the process-wide resume guard. It returns
// false when a resume is already in flight; the caller must return
// without doing any work in that case.
func (s *Store) TryBeginResume() bool {
	acquired := false
	s.mutateUI(func() {
		if !s.ui.IsResuming {
			s.ui.IsResuming = true
			acquired = true
		}
	})
	return acquired
}

// EndResume releases the resume guard. Safe to call when not held.
func (s *Store) EndResume() {
	s.mutateUI(func() { s.ui.IsResuming = false })
}

func (s *Store) persist(snapshot []byte) {
	if s.kv == nil || snapshot == nil {
		return
	}

	err := retry.Do(context.Background(), func() error {
		return s.kv.Save(snapshot)
	}, retry.Options{Retries: 2, Base: 100 * time.Millisecond, Max: time.Second})
	if err != nil {
		// Persistence degrades, the run proceeds.
		s.logger.Warnf("Failed to persist upload state: %s", err)
	}
}
