package dimse

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// ServerConfig configures the SCP listener.
type ServerConfig struct {
	Addr      string
	TLSConfig *tls.Config
	Provider  ProviderConfig
}

// Server accepts inbound associations and runs one Provider per connection.
type Server struct {
	cfg ServerConfig

	mu       sync.Mutex
	listener net.Listener
}

// NewServer creates a server. The provider config is shared read-only by
// every association.
func NewServer(cfg ServerConfig) *Server {
	return &Server{cfg: cfg}
}

// ListenAndServe listens on the configured address and serves until ctx is done.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.Addr, err)
	}
	if s.cfg.TLSConfig != nil {
		ln = tls.NewListener(ln, s.cfg.TLSConfig)
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections from ln until ctx is cancelled, then waits for
// live associations to finish. Cancelling ctx also aborts them.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	if s.cfg.Provider.Negotiator == nil {
		return errors.New("dimse: server requires a negotiator")
	}
	if s.cfg.Provider.Storer == nil {
		return errors.New("dimse: server requires a storer")
	}

	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	stop := context.AfterFunc(ctx, func() { ln.Close() })
	defer stop()

	log.Info().
		Str("addr", ln.Addr().String()).
		Str("ae_title", s.cfg.Provider.Negotiator.AETitle()).
		Bool("tls", s.cfg.TLSConfig != nil).
		Msg("DICOM SCP listening")

	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				log.Warn().Err(err).Msg("Accept timeout")
				time.Sleep(50 * time.Millisecond)
				continue
			}
			return fmt.Errorf("accept failed: %w", err)
		}

		wg.Add(1)
		go func(c net.Conn) {
			defer wg.Done()
			s.handle(ctx, c)
		}(conn)
	}
}

// Addr returns the listener address once Serve has started.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

func (s *Server) handle(ctx context.Context, conn net.Conn) {
	activeAssociations.Inc()
	defer activeAssociations.Dec()

	p := NewProvider(conn, s.cfg.Provider)
	start := time.Now()
	err := p.Run(ctx)

	evt := log.Debug()
	if err != nil && !errors.Is(err, ErrAssociationRejected) {
		evt = log.Info().Err(err)
	}
	evt.Str("association_id", p.ID()).
		Str("state", p.State().String()).
		Dur("duration", time.Since(start)).
		Msg("Association finished")
}
