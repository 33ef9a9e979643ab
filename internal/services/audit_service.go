package services

import (
	"context"
	"sync"
	"time"

	"github.com/otcheredev/pacslink/internal/models"
	"github.com/otcheredev/pacslink/pkg/dimse"
	"github.com/rs/zerolog/log"
)

// AuditStore persists audit rows. *repository.AuditRepository satisfies it.
type AuditStore interface {
	Create(ctx context.Context, entry *models.AuditLog) error
}

// AuditService logs every SCP event and, when a store is set, persists it
// from a background worker so a slow database never stalls an association.
type AuditService struct {
	store AuditStore
	queue chan *models.AuditLog

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

// NewAuditService starts the persistence worker when store is non-nil.
func NewAuditService(store AuditStore, queueSize int) *AuditService {
	s := &AuditService{store: store}
	if store == nil {
		return s
	}
	if queueSize <= 0 {
		queueSize = 256
	}
	s.queue = make(chan *models.AuditLog, queueSize)
	s.wg.Add(1)
	go s.persist()
	return s
}

// Record implements dimse.Auditor.
func (s *AuditService) Record(ctx context.Context, ev dimse.Event) {
	entry := auditEntry(ev)

	evt := log.Info()
	if entry.Status == "failure" {
		evt = log.Warn()
		if ev.Err != nil {
			evt = evt.Err(ev.Err)
		}
	}
	evt.Str("action", entry.Action).
		Str("association_id", ev.AssociationID).
		Str("calling_ae", ev.CallingAETitle).
		Str("called_ae", ev.CalledAETitle).
		Str("remote_addr", ev.RemoteAddr).
		Str("sop_instance_uid", ev.SOPInstanceUID).
		Str("study_instance_uid", ev.StudyInstanceUID).
		Str("dimse_status", ev.Status.String()).
		Dur("duration", ev.Duration).
		Msg("DICOM audit")

	if s.queue == nil {
		return
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return
	}
	select {
	case s.queue <- entry:
	default:
		log.Warn().Str("action", entry.Action).Msg("Audit queue full, dropping entry")
	}
}

func (s *AuditService) persist() {
	defer s.wg.Done()
	for entry := range s.queue {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := s.store.Create(ctx, entry); err != nil {
			log.Error().Err(err).Str("action", entry.Action).Msg("Failed to persist audit entry")
		}
		cancel()
	}
}

// Close flushes queued entries and stops the worker.
func (s *AuditService) Close() {
	if s.queue == nil {
		return
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	close(s.queue)
	s.mu.Unlock()
	s.wg.Wait()
}

func auditEntry(ev dimse.Event) *models.AuditLog {
	status := "success"
	switch {
	case ev.Err != nil:
		status = "failure"
	case ev.Kind == dimse.EventAssociationRejected, ev.Kind == dimse.EventAssociationAborted:
		status = "failure"
	case (ev.Kind == dimse.EventStore || ev.Kind == dimse.EventEcho || ev.Kind == dimse.EventUnsupported) && !ev.Status.IsSuccess():
		status = "failure"
	}

	entry := &models.AuditLog{
		AssociationID:  ev.AssociationID,
		Action:         string(ev.Kind),
		CallingAETitle: ev.CallingAETitle,
		CalledAETitle:  ev.CalledAETitle,
		RemoteAddr:     ev.RemoteAddr,
		SOPClassUID:    ev.SOPClassUID,
		SOPInstanceUID: ev.SOPInstanceUID,
		StudyUID:       ev.StudyInstanceUID,
		Status:         status,
		DIMSEStatus:    uint16(ev.Status),
		Duration:       ev.Duration.Milliseconds(),
		CreatedAt:      ev.Time,
	}
	if ev.Err != nil {
		entry.ErrorMessage = ev.Err.Error()
	}
	return entry
}
