package dimse

import (
	"context"
	"io"
	"time"
)

// EventKind names an auditable provider event.
type EventKind string

const (
	EventAssociationAccepted EventKind = "association.accepted"
	EventAssociationRejected EventKind = "association.rejected"
	EventAssociationReleased EventKind = "association.released"
	EventAssociationAborted  EventKind = "association.aborted"
	EventEcho                EventKind = "c-echo"
	EventStore               EventKind = "c-store"
	EventUnsupported         EventKind = "unsupported"
)

// Event describes something that happened on an inbound association.
type Event struct {
	Kind             EventKind
	AssociationID    string
	CallingAETitle   string
	CalledAETitle    string
	RemoteAddr       string
	SOPClassUID      string
	SOPInstanceUID   string
	StudyInstanceUID string
	Status           Status
	Err              error
	Duration         time.Duration
	Time             time.Time
}

// Auditor receives provider events. Record must not block for long; errors
// are the implementation's concern.
type Auditor interface {
	Record(ctx context.Context, ev Event)
}

// Storer persists a received instance under its study and SOP instance UIDs.
type Storer interface {
	Store(ctx context.Context, studyInstanceUID, sopInstanceUID string, payload io.Reader) error
}

type nopAuditor struct{}

func (nopAuditor) Record(context.Context, Event) {}
