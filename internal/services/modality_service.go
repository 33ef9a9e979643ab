package services

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/otcheredev/pacslink/internal/cache"
	"github.com/otcheredev/pacslink/internal/index"
	"github.com/otcheredev/pacslink/internal/models"
	"github.com/otcheredev/pacslink/pkg/dimse"
	"github.com/rs/zerolog/log"
)

// ErrNoSendRecorded is returned by LastSend before the first scheduled send.
var ErrNoSendRecorded = errors.New("no scheduled send recorded yet")

// Echoer verifies a peer with C-ECHO. *dimse.Client satisfies it.
type Echoer interface {
	Echo(ctx context.Context, target dimse.Target) error
}

// StudyLister is the read side of the storage root.
type StudyLister interface {
	ListStudies(ctx context.Context) ([]models.StudyRecord, error)
	ListStudyUIDs(ctx context.Context) ([]string, error)
	Instance(studyInstanceUID, sopInstanceUID string) (string, error)
}

var (
	_ StudyLister = (*index.Reader)(nil)
	_ Echoer      = (*dimse.Client)(nil)
)

// ModalityService backs the HTTP surface: the study catalogue, peer
// verification and the outcome of the periodic sender.
type ModalityService struct {
	studies StudyLister
	echoer  Echoer
	cache   cache.Cache
	peer    dimse.Target
	ttl     time.Duration
}

// NewModalityService wires the service. peer is the node probed by EchoPeer
// and targeted by the periodic sender.
func NewModalityService(studies StudyLister, echoer Echoer, c cache.Cache, peer dimse.Target, ttl time.Duration) *ModalityService {
	return &ModalityService{
		studies: studies,
		echoer:  echoer,
		cache:   c,
		peer:    peer,
		ttl:     ttl,
	}
}

// ListStudies rescans the storage root.
func (s *ModalityService) ListStudies(ctx context.Context) ([]models.StudyRecord, error) {
	return s.studies.ListStudies(ctx)
}

func (s *ModalityService) ListStudyUIDs(ctx context.Context) ([]string, error) {
	return s.studies.ListStudyUIDs(ctx)
}

// InstancePath locates a stored instance file.
func (s *ModalityService) InstancePath(studyInstanceUID, sopInstanceUID string) (string, error) {
	return s.studies.Instance(studyInstanceUID, sopInstanceUID)
}

// Peer returns the configured remote node.
func (s *ModalityService) Peer() dimse.Target {
	return s.peer
}

// EchoPeer sends C-ECHO to the configured peer. Results are cached for the
// service TTL unless force is set or the TTL is zero. A failed echo is
// reported in the status, not as an error.
func (s *ModalityService) EchoPeer(ctx context.Context, force bool) (*models.ConnectionStatus, error) {
	key := cache.Key("echo", s.peer.Host, strconv.Itoa(s.peer.Port), s.peer.CalledAET)

	if !force && s.ttl > 0 {
		var cached models.ConnectionStatus
		err := cache.GetJSON(ctx, s.cache, key, &cached)
		if err == nil {
			cached.Cached = true
			return &cached, nil
		}
		if !errors.Is(err, cache.ErrCacheMiss) {
			log.Warn().Err(err).Str("key", key).Msg("Cache read failed")
		}
	}

	start := time.Now()
	err := s.echoer.Echo(ctx, s.peer)
	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, ctxErr
	}

	status := &models.ConnectionStatus{
		IsConnected:  err == nil,
		Host:         s.peer.Host,
		Port:         s.peer.Port,
		CalledAET:    s.peer.CalledAET,
		LastChecked:  time.Now().UTC(),
		ResponseTime: time.Since(start).Milliseconds(),
	}
	if err != nil {
		status.ErrorMessage = err.Error()
		log.Warn().Err(err).Str("host", s.peer.Host).Int("port", s.peer.Port).Msg("Peer C-ECHO failed")
	}

	if s.ttl > 0 {
		if err := cache.SetJSON(ctx, s.cache, key, status, s.ttl); err != nil {
			log.Warn().Err(err).Str("key", key).Msg("Cache write failed")
		}
	}
	return status, nil
}

// RecordSend stores the outcome of a scheduled send. It never expires.
func (s *ModalityService) RecordSend(ctx context.Context, status models.SendStatus) error {
	return cache.SetJSON(ctx, s.cache, cache.Key("send", "last"), status, 0)
}

// LastSend returns the most recent scheduled send outcome.
func (s *ModalityService) LastSend(ctx context.Context) (*models.SendStatus, error) {
	var status models.SendStatus
	if err := cache.GetJSON(ctx, s.cache, cache.Key("send", "last"), &status); err != nil {
		if errors.Is(err, cache.ErrCacheMiss) {
			return nil, ErrNoSendRecorded
		}
		return nil, err
	}
	return &status, nil
}
