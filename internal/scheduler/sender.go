// Package scheduler periodically pushes a sample instance to the configured
// peer with C-STORE.
package scheduler

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"time"

	"github.com/otcheredev/pacslink/internal/models"
	"github.com/otcheredev/pacslink/pkg/dimse"
	"github.com/rs/zerolog/log"
)

// InstanceSender sends one Part 10 file. *dimse.Client satisfies it.
type InstanceSender interface {
	SendInstance(ctx context.Context, filePath, host string, port int, useTLS bool, callingAET, calledAET string) bool
}

// Recorder keeps the latest outcome.
type Recorder interface {
	RecordSend(ctx context.Context, status models.SendStatus) error
}

// Config is what to send, where, and how often.
type Config struct {
	Interval time.Duration
	FilePath string
	Target   dimse.Target
	// Timeout bounds one send. Zero uses Interval.
	Timeout time.Duration
}

// Sender fires once immediately and then every Interval. Sends never overlap.
type Sender struct {
	cfg      Config
	sender   InstanceSender
	recorder Recorder
}

func NewSender(cfg Config, sender InstanceSender, recorder Recorder) *Sender {
	if cfg.Timeout <= 0 {
		cfg.Timeout = cfg.Interval
	}
	return &Sender{cfg: cfg, sender: sender, recorder: recorder}
}

// Run blocks until ctx is done.
func (s *Sender) Run(ctx context.Context) {
	log.Info().
		Dur("interval", s.cfg.Interval).
		Str("file", s.cfg.FilePath).
		Str("host", s.cfg.Target.Host).
		Int("port", s.cfg.Target.Port).
		Msg("Periodic sender started")

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		s.Tick(ctx)

		select {
		case <-ctx.Done():
			log.Info().Msg("Periodic sender stopped")
			return
		case <-ticker.C:
		}
	}
}

// Tick performs one send and records its outcome.
func (s *Sender) Tick(ctx context.Context) models.SendStatus {
	t := s.cfg.Target
	status := models.SendStatus{
		FilePath: s.cfg.FilePath,
		Host:     t.Host,
		Port:     t.Port,
		SentAt:   time.Now().UTC(),
	}

	if ctx.Err() != nil {
		return status
	}

	if info, err := os.Stat(s.cfg.FilePath); err != nil || info.IsDir() {
		status.Skipped = true
		status.Reason = "sample file not found"
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			status.Reason = err.Error()
		}
		log.Warn().Str("file", s.cfg.FilePath).Str("reason", status.Reason).Msg("Skipping scheduled send")
		s.record(ctx, status)
		return status
	}

	sendCtx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	start := time.Now()
	status.Succeeded = s.sender.SendInstance(sendCtx, s.cfg.FilePath, t.Host, t.Port, t.UseTLS, t.CallingAET, t.CalledAET)
	status.Duration = time.Since(start).Milliseconds()
	if !status.Succeeded {
		status.Reason = "C-STORE failed"
	}

	s.record(ctx, status)
	return status
}

func (s *Sender) record(ctx context.Context, status models.SendStatus) {
	if s.recorder == nil {
		return
	}
	if err := s.recorder.RecordSend(context.WithoutCancel(ctx), status); err != nil {
		log.Warn().Err(err).Msg("Failed to record send status")
	}
}
