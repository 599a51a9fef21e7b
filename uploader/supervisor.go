package uploader

import (
	"context"

	"github.com/Cally99/go-resumable/uploader/metastore"
	"github.com/bitrise-io/go-utils/v2/log"
)

// Supervisor is the process-wide lifecycle: it rehydrates persisted
// state, reconciles every upload with the server, reacts to connectivity
// edges and wake-ups, and fans resumes out to the engine. Failures are
// isolated per upload; the supervisor itself never gives up.
type Supervisor struct {
	manager *Manager
	monitor Monitor
	config  Config
	logger  log.Logger

	unsubscribe func()
}

// NewSupervisor creates a supervisor over the manager's engine and
// connectivity monitor.
func NewSupervisor(manager *Manager, logger log.Logger) *Supervisor {
	return &Supervisor{
		manager: manager,
		monitor: manager.engine.monitor,
		config:  manager.engine.config,
		logger:  logger,
	}
}

// Run executes the startup sequence: attach connectivity listeners,
// rehydrate the store, reconcile and restore every upload, and leave the
// wake listener in place. ctx bounds the chunk loops launched here.
func (s *Supervisor) Run(ctx context.Context) {
	s.unsubscribe = s.monitor.Subscribe(func(event Event) {
		s.handleEvent(ctx, event)
	})
	if startable, ok := s.monitor.(interface{ Start() }); ok {
		startable.Start()
	}

	if err := s.manager.store.Rehydrate(); err != nil {
		// A broken state file must not take the whole app down.
		s.logger.Errorf("Failed to rehydrate upload state, starting empty: %s", err)
	}

	s.initAfterRehydrate(ctx)
}

// Close detaches the connectivity listener.
func (s *Supervisor) Close() {
	if s.unsubscribe != nil {
		s.unsubscribe()
		s.unsubscribe = nil
	}
	if closable, ok := s.monitor.(interface{ Close() }); ok {
		closable.Close()
	}
}

func (s *Supervisor) handleEvent(ctx context.Context, event Event) {
	switch event {
	case EventOffline:
		s.handleOffline()
	case EventOnline:
		s.handleOnline(ctx)
	case EventWake:
		s.handleWake(ctx)
	}
}

func (s *Supervisor) handleOffline() {
	s.manager.store.SetOffline(true)
	for _, record := range s.manager.store.List() {
		if record.Status != metastore.StatusUploading {
			continue
		}
		s.manager.store.SetStatus(record.UploadID, metastore.StatusPaused)
		s.manager.store.RecordError(record.UploadID, msgOffline)
	}
}

func (s *Supervisor) handleOnline(ctx context.Context) {
	s.manager.store.SetOffline(false)
	for _, record := range s.manager.store.List() {
		if record.Status != metastore.StatusPaused {
			continue
		}
		if err := s.manager.engine.Resume(ctx, record.UploadID); err != nil {
			s.logger.Warnf("Auto-resume of %s failed: %s", record.UploadID, err)
		}
	}
}

// handleWake refreshes every non-terminal upload from the server, then
// resumes what is still unfinished. The host may have been suspended for
// long enough that the server paused or completed sessions on its own.
func (s *Supervisor) handleWake(ctx context.Context) {
	for _, record := range s.manager.store.List() {
		id := record.UploadID
		if record.Status.Terminal() || isTempID(id) {
			continue
		}

		if err := s.manager.engine.refreshStatus(ctx, id); err != nil {
			s.logger.Debugf("Status refresh after wake failed for %s: %s", id, err)
			s.manager.store.RecordError(id, msgReconcileFailed)
		}

		current, ok := s.manager.store.Get(id)
		if !ok || current.Status == metastore.StatusCompleted || !s.monitor.Online() {
			continue
		}
		if err := s.manager.engine.Resume(ctx, id); err != nil {
			s.logger.Warnf("Resume after wake of %s failed: %s", id, err)
		}
	}
}

// initAfterRehydrate reconciles each rehydrated record with the server,
// restores its source from the blob store, and resumes it when
// configured. Per-record failures land in that record's state.
func (s *Supervisor) initAfterRehydrate(ctx context.Context) {
	for _, record := range s.manager.store.List() {
		id := record.UploadID

		if isTempID(id) {
			// An initiate answer never arrived; the session does not
			// exist server-side.
			s.logger.Infof("Dropping unacknowledged upload %s from a previous run", id)
			s.manager.store.Remove(id)
			continue
		}

		if !record.Status.Terminal() {
			if err := s.manager.engine.refreshStatus(ctx, id); err != nil {
				s.logger.Warnf("Reconcile of %s failed: %s", id, err)
				s.manager.store.RecordError(id, msgReconcileFailed)
			}
		}

		current, ok := s.manager.store.Get(id)
		if !ok {
			continue
		}
		switch current.Status {
		case metastore.StatusPending, metastore.StatusPaused, metastore.StatusUploading:
		default:
			continue
		}

		restored, err := s.manager.engine.restoreFile(id)
		if err != nil {
			s.manager.store.SetStatus(id, metastore.StatusFailed)
			s.manager.store.RecordError(id, msgMissingFile)
			s.logger.Errorf("Restoring the file for %s failed: %s", id, err)
			continue
		}
		if !restored {
			s.manager.store.Update(id, func(r *metastore.Record) {
				r.NeedsFile = true
			})
			s.manager.store.RecordError(id, msgMissingFile)
			s.manager.store.SetStatus(id, metastore.StatusPaused)
			continue
		}

		if s.config.AutoResumeOnReload && s.monitor.Online() {
			s.manager.store.SetStatus(id, metastore.StatusUploading)
			s.manager.engine.launch(ctx, id)
		} else if current.Status == metastore.StatusUploading {
			// No chunk loop survived the reload.
			s.manager.store.SetStatus(id, metastore.StatusPaused)
		}
	}
}
