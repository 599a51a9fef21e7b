package metastore

import (
	"fmt"
	"time"

	json "github.com/goccy/go-json"
)

// SchemaVersion is the current persisted-state schema version. Older
// versions are migrated on load; see migrateRecord.
const SchemaVersion = 5

// KV is the durable key/value entry the projection is written to.
type KV interface {
	// Load returns the stored bytes, or (nil, nil) when nothing is stored.
	Load() ([]byte, error)
	Save(data []byte) error
	Delete() error
}

// persistedState is the serialized projection: records only, no blobs,
// no UI guards.
type persistedState struct {
	Version int               `json:"version"`
	Uploads map[string]Record `json:"uploads"`
}

// rawState defers record decoding so records written by older schema
// versions can be migrated field by field.
type rawState struct {
	Version int                        `json:"version"`
	Uploads map[string]json.RawMessage `json:"uploads"`
}

// projectionLocked serializes the current projection. Callers must hold
// the write lock. Returns nil when persistence is disabled or
// serialization fails (logged, not fatal).
func (s *Store) projectionLocked() []byte {
	if s.kv == nil {
		return nil
	}

	state := persistedState{
		Version: SchemaVersion,
		Uploads: make(map[string]Record, len(s.uploads)),
	}
	for id, record := range s.uploads {
		state.Uploads[id] = *record
	}

	data, err := json.Marshal(state)
	if err != nil {
		s.logger.Warnf("Failed to serialize upload state: %s", err)
		return nil
	}
	return data
}

// Rehydrate loads the persisted projection, migrates it to the current
// schema version and installs the surviving records. An absent entry
// yields an empty store. Records that cannot be repaired are dropped
// with a warning rather than poisoning the whole store.
func (s *Store) Rehydrate() error {
	if s.kv == nil {
		return nil
	}

	data, err := s.kv.Load()
	if err != nil {
		return fmt.Errorf("load upload state: %w", err)
	}
	if len(data) == 0 {
		return nil
	}

	var raw rawState
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("parse upload state: %w", err)
	}

	records := make(map[string]*Record, len(raw.Uploads))
	for id, rawRecord := range raw.Uploads {
		record, err := migrateRecord(rawRecord, raw.Version)
		if err != nil {
			s.logger.Warnf("Dropping unmigratable upload record %s: %s", id, err)
			continue
		}
		if record.UploadID == "" {
			record.UploadID = id
		}
		records[record.UploadID] = record
	}

	s.mu.Lock()
	s.uploads = records
	s.ui = UIState{}
	snapshot := s.projectionLocked()
	s.mu.Unlock()

	// Write back immediately so the stored shape is current-version.
	s.persist(snapshot)
	s.notify()
	return nil
}

// legacyTransientFields are keys older schema versions serialized but the
// current projection strips.
var legacyTransientFields = []string{"file", "isResuming", "isPaused", "uploadSpeed"}

// migrateRecord reshapes a record written by schema version `version`
// into the current shape. It is total over versions 1 through
// SchemaVersion: each step only adds or removes fields, and the final
// normalization repairs derivable state.
func migrateRecord(raw json.RawMessage, version int) (*Record, error) {
	fields := map[string]interface{}{}
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, fmt.Errorf("parse record: %w", err)
	}

	if version < 4 {
		if _, ok := fields["needsFile"]; !ok {
			fields["needsFile"] = false
		}
	}

	if version < 5 {
		for _, key := range legacyTransientFields {
			delete(fields, key)
		}
		// createdAt used to be an epoch-milliseconds number.
		if millis, ok := fields["createdAt"].(float64); ok {
			fields["createdAt"] = time.UnixMilli(int64(millis)).UTC().Format(time.RFC3339)
		}
	}

	reshaped, err := json.Marshal(fields)
	if err != nil {
		return nil, fmt.Errorf("reshape record: %w", err)
	}

	var record Record
	if err := json.Unmarshal(reshaped, &record); err != nil {
		return nil, fmt.Errorf("decode record: %w", err)
	}

	if record.Filesize < 0 {
		return nil, fmt.Errorf("negative filesize %d", record.Filesize)
	}
	record.recompute()
	return &record, nil
}
