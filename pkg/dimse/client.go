package dimse

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Association is the SCU side of one DICOM association.
type Association struct {
	config AssociationConfig
	id     string
	logger zerolog.Logger

	conn       net.Conn
	contexts   []PresentationContext
	peerMaxPDU uint32

	writeMu sync.Mutex

	mu        sync.Mutex
	connected bool
	pending   map[uint16]chan Result
	nextID    uint16
	closeErr  error

	window chan struct{}
	done   chan struct{}
}

// AssociationConfig holds configuration for outbound associations.
type AssociationConfig struct {
	Host       string
	Port       int
	CallingAET string
	CalledAET  string
	// Timeout bounds dialing, negotiation, each PDU write and the release handshake.
	Timeout      time.Duration
	MaxPDULength uint32
	// TLSConfig wraps the connection in TLS when set.
	TLSConfig *tls.Config
	// TransferSyntaxes is the local preference order used in proposals.
	TransferSyntaxes []string
	// MaxOperations bounds requests awaiting a response.
	MaxOperations int
}

// Proposal is one abstract syntax to negotiate.
type Proposal struct {
	AbstractSyntax   string
	TransferSyntaxes []string
}

// Result resolves one submitted request.
type Result struct {
	Response Response
	Err      error
}

// NewAssociation creates an unconnected association.
func NewAssociation(config AssociationConfig) *Association {
	if config.Timeout == 0 {
		config.Timeout = 30 * time.Second
	}
	if config.MaxPDULength == 0 {
		config.MaxPDULength = DefaultMaxPDULength
	}
	if len(config.TransferSyntaxes) == 0 {
		config.TransferSyntaxes = []string{ExplicitVRLittleEndian, ImplicitVRLittleEndian}
	}
	if config.MaxOperations <= 0 {
		config.MaxOperations = 1
	}

	id := uuid.NewString()
	return &Association{
		config:  config,
		id:      id,
		pending: make(map[uint16]chan Result),
		window:  make(chan struct{}, config.MaxOperations),
		done:    make(chan struct{}),
		logger: log.With().
			Str("association_id", id).
			Str("calling_ae", config.CallingAET).
			Str("called_ae", config.CalledAET).
			Str("peer", net.JoinHostPort(config.Host, strconv.Itoa(config.Port))).
			Logger(),
	}
}

// ID returns the association identifier used in logs.
func (a *Association) ID() string { return a.id }

// Connect dials the peer and negotiates one presentation context per proposal.
// A rejection is returned as *RejectError.
func (a *Association) Connect(ctx context.Context, proposals []Proposal) error {
	a.mu.Lock()
	if a.connected {
		a.mu.Unlock()
		return nil
	}
	a.mu.Unlock()

	if len(proposals) == 0 {
		return errors.New("dimse: at least one presentation context must be proposed")
	}
	if len(proposals) > 128 {
		return fmt.Errorf("dimse: %d presentation contexts exceed the limit of 128", len(proposals))
	}

	conn, err := a.dial(ctx)
	if err != nil {
		associationsTotal.WithLabelValues("scu", "connect_failed").Inc()
		return fmt.Errorf("failed to connect to peer: %w", err)
	}
	a.conn = conn

	if err := a.negotiate(ctx, proposals); err != nil {
		conn.Close()
		outcome := "failed"
		if errors.Is(err, ErrAssociationRejected) {
			outcome = "rejected"
		}
		associationsTotal.WithLabelValues("scu", outcome).Inc()
		return err
	}

	a.mu.Lock()
	a.connected = true
	a.mu.Unlock()
	associationsTotal.WithLabelValues("scu", "accepted").Inc()

	go a.readLoop()
	return nil
}

func (a *Association) dial(ctx context.Context) (net.Conn, error) {
	addr := net.JoinHostPort(a.config.Host, strconv.Itoa(a.config.Port))
	dialer := &net.Dialer{Timeout: a.config.Timeout}
	if a.config.TLSConfig == nil {
		return dialer.DialContext(ctx, "tcp", addr)
	}
	tlsDialer := &tls.Dialer{NetDialer: dialer, Config: a.config.TLSConfig}
	return tlsDialer.DialContext(ctx, "tcp", addr)
}

func (a *Association) negotiate(ctx context.Context, proposals []Proposal) error {
	stop := context.AfterFunc(ctx, func() { a.conn.SetDeadline(time.Now()) })
	defer stop()

	rq := &Associate{
		CalledAETitle:             a.config.CalledAET,
		CallingAETitle:            a.config.CallingAET,
		ApplicationContext:        ApplicationContextUID,
		MaxPDULength:              a.config.MaxPDULength,
		ImplementationClassUID:    ImplementationClassUID,
		ImplementationVersionName: ImplementationVersionName,
	}
	for i, p := range proposals {
		rq.PresentationContexts = append(rq.PresentationContexts, PresentationContext{
			ID:               byte(2*i + 1),
			AbstractSyntax:   p.AbstractSyntax,
			TransferSyntaxes: p.TransferSyntaxes,
		})
	}

	if err := a.conn.SetDeadline(time.Now().Add(a.config.Timeout)); err != nil {
		return err
	}
	if err := writePDU(a.conn, pduAssociateRQ, encodeAssociate(pduAssociateRQ, rq)); err != nil {
		return a.ctxErr(ctx, fmt.Errorf("failed to send associate request: %w", err))
	}

	raw, err := readPDU(a.conn)
	if err != nil {
		return a.ctxErr(ctx, fmt.Errorf("failed to receive associate response: %w", err))
	}
	if err := a.conn.SetDeadline(time.Time{}); err != nil {
		return err
	}

	switch raw.Type {
	case pduAssociateAC:
		ac, err := decodeAssociate(pduAssociateAC, raw.Data)
		if err != nil {
			return err
		}
		if !validPeerMaxPDU(ac.MaxPDULength) {
			a.sendAbort(AbortReasonInvalidParameter)
			return fmt.Errorf("%w: peer maximum PDU length %d leaves no room for data", ErrInvalidPDU, ac.MaxPDULength)
		}
		a.peerMaxPDU = ac.MaxPDULength
		for _, pc := range ac.PresentationContexts {
			if i := slices.IndexFunc(rq.PresentationContexts, func(p PresentationContext) bool { return p.ID == pc.ID }); i >= 0 {
				pc.AbstractSyntax = rq.PresentationContexts[i].AbstractSyntax
				pc.TransferSyntaxes = rq.PresentationContexts[i].TransferSyntaxes
			}
			a.contexts = append(a.contexts, pc)
		}
		a.logger.Debug().Int("contexts", len(a.contexts)).Uint32("peer_max_pdu", a.peerMaxPDU).Msg("Association accepted by peer")
		return nil
	case pduAssociateRJ:
		rj, err := decodeAssociateReject(raw.Data)
		if err != nil {
			return err
		}
		a.logger.Warn().Str("reason", rj.Reason.String()).Str("source", rj.Source.String()).Msg("Association rejected by peer")
		return &RejectError{Result: rj.Result, Source: rj.Source, Reason: rj.Reason}
	case pduAbort:
		return decodeAbort(raw.Data)
	default:
		return fmt.Errorf("%w: unexpected PDU 0x%02x during negotiation", ErrInvalidPDU, raw.Type)
	}
}

func (a *Association) ctxErr(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

// AcceptedContexts returns the contexts the peer accepted.
func (a *Association) AcceptedContexts() []PresentationContext {
	var out []PresentationContext
	for _, pc := range a.contexts {
		if pc.Accepted() {
			out = append(out, pc)
		}
	}
	return out
}

func (a *Association) contextFor(req Request) (PresentationContext, error) {
	abstract := req.abstractSyntax()
	var wantTS string
	if s, ok := req.(StoreRequest); ok {
		wantTS = s.TransferSyntax
	}
	for _, pc := range a.contexts {
		if !pc.Accepted() || pc.AbstractSyntax != abstract {
			continue
		}
		if wantTS != "" && pc.TransferSyntax != wantTS {
			return PresentationContext{}, fmt.Errorf("%w: %s accepted with %s, data set is %s",
				ErrNoPresentationContext, abstract, pc.TransferSyntax, wantTS)
		}
		return pc, nil
	}
	return PresentationContext{}, fmt.Errorf("%w: %s", ErrNoPresentationContext, abstract)
}

// Submit sends req and returns a channel resolved exactly once with its
// response or with the error that ended the association. It blocks while
// MaxOperations requests are outstanding.
func (a *Association) Submit(ctx context.Context, req Request) (<-chan Result, error) {
	pc, err := a.contextFor(req)
	if err != nil {
		return nil, err
	}

	select {
	case a.window <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-a.done:
		return nil, a.err()
	}

	a.mu.Lock()
	if a.closeErr != nil || !a.connected {
		err := a.closeErr
		a.mu.Unlock()
		a.releaseSlot()
		if err == nil {
			err = ErrAssociationClosed
		}
		return nil, err
	}
	a.nextID++
	if a.nextID == 0 {
		a.nextID = 1
	}
	id := a.nextID
	ch := make(chan Result, 1)
	a.pending[id] = ch
	a.mu.Unlock()

	cmd, dataset := requestCommand(req, id)
	a.writeMu.Lock()
	err = writeMessage(a.conn, a.config.Timeout, pc.ID, cmd.Encode(), dataset, a.peerMaxPDU)
	a.writeMu.Unlock()
	if err != nil {
		a.mu.Lock()
		if _, ok := a.pending[id]; ok {
			delete(a.pending, id)
			a.releaseSlot()
		}
		a.mu.Unlock()
		return nil, fmt.Errorf("failed to send %s: %w", operationName(req), err)
	}

	a.logger.Debug().Uint16("message_id", id).Str("operation", operationName(req)).Msg("Request sent")
	return ch, nil
}

// Await waits for a submitted request to resolve or ctx to end.
func Await(ctx context.Context, ch <-chan Result) (Response, error) {
	select {
	case r := <-ch:
		return r.Response, r.Err
	case <-ctx.Done():
		return Response{}, ctx.Err()
	}
}

func (a *Association) readLoop() {
	defer close(a.done)

	asm := assembler{limit: DefaultMaxMessageLength}
	for {
		raw, err := readPDU(a.conn)
		if err != nil {
			a.fail(fmt.Errorf("%w: %w", ErrAssociationClosed, err))
			return
		}

		switch raw.Type {
		case pduPDataTF:
			pdvs, err := decodePDataTF(raw.Data)
			if err != nil {
				a.sendAbort(AbortReasonInvalidParameter)
				a.fail(err)
				return
			}
			for _, v := range pdvs {
				msg, err := asm.add(v)
				if err != nil {
					a.sendAbort(AbortReasonInvalidParameter)
					a.fail(err)
					return
				}
				if msg != nil {
					a.deliver(msg)
				}
			}
		case pduReleaseRP:
			a.fail(ErrAssociationClosed)
			return
		case pduReleaseRQ:
			a.logger.Info().Msg("Peer requested release")
			a.writeMu.Lock()
			writePDU(a.conn, pduReleaseRP, make([]byte, 4))
			a.writeMu.Unlock()
			a.fail(ErrAssociationClosed)
			return
		case pduAbort:
			abortErr := decodeAbort(raw.Data)
			a.logger.Warn().
				Str("source", abortSourceString(abortErr.Source)).
				Str("reason", abortReasonString(abortErr.Reason)).
				Msg("Association aborted by peer")
			a.fail(abortErr)
			return
		default:
			a.sendAbort(AbortReasonUnexpectedPDU)
			a.fail(fmt.Errorf("%w: unexpected PDU 0x%02x", ErrInvalidPDU, raw.Type))
			return
		}
	}
}

func (a *Association) deliver(msg *message) {
	cmd := msg.Command
	if !cmd.IsResponse() {
		a.logger.Warn().Str("command_field", fmt.Sprintf("0x%04x", cmd.CommandField)).Msg("Ignoring request from peer")
		return
	}
	if cmd.Status.IsPending() {
		return
	}

	id := cmd.MessageIDBeingRespondedTo
	a.mu.Lock()
	ch, ok := a.pending[id]
	if ok {
		delete(a.pending, id)
		a.releaseSlot()
	}
	a.mu.Unlock()

	if !ok {
		a.logger.Warn().Uint16("message_id", id).Msg("Response for unknown message ID")
		return
	}
	ch <- Result{Response: responseFromCommand(cmd)}
}

// fail resolves every outstanding request with err and marks the association closed.
func (a *Association) fail(err error) {
	a.mu.Lock()
	if a.closeErr == nil {
		a.closeErr = err
	}
	a.connected = false
	pending := a.pending
	a.pending = make(map[uint16]chan Result)
	for range pending {
		a.releaseSlot()
	}
	a.mu.Unlock()

	for _, ch := range pending {
		ch <- Result{Err: err}
	}
}

func (a *Association) err() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closeErr != nil {
		return a.closeErr
	}
	return ErrAssociationClosed
}

func (a *Association) releaseSlot() {
	select {
	case <-a.window:
	default:
	}
}

func (a *Association) sendAbort(reason byte) {
	a.writeMu.Lock()
	defer a.writeMu.Unlock()
	a.conn.SetWriteDeadline(time.Now().Add(a.config.Timeout))
	writePDU(a.conn, pduAbort, encodeAbort(AbortSourceServiceUser, reason))
}

// Release performs the A-RELEASE handshake and closes the connection.
func (a *Association) Release(ctx context.Context) error {
	a.mu.Lock()
	connected := a.connected
	a.mu.Unlock()
	if !connected {
		return a.closeConn()
	}

	a.writeMu.Lock()
	a.conn.SetWriteDeadline(time.Now().Add(a.config.Timeout))
	err := writePDU(a.conn, pduReleaseRQ, make([]byte, 4))
	a.writeMu.Unlock()
	if err != nil {
		a.closeConn()
		return fmt.Errorf("failed to send release request: %w", err)
	}

	timer := time.NewTimer(a.config.Timeout)
	defer timer.Stop()
	select {
	case <-a.done:
	case <-timer.C:
		a.logger.Warn().Msg("Timed out waiting for A-RELEASE-RP")
	case <-ctx.Done():
	}
	return a.closeConn()
}

// Abort sends an A-ABORT and closes the connection without waiting.
func (a *Association) Abort() error {
	a.mu.Lock()
	connected := a.connected
	a.mu.Unlock()
	if connected {
		a.sendAbort(AbortReasonNotSpecified)
	}
	associationsTotal.WithLabelValues("scu", "aborted").Inc()
	return a.closeConn()
}

// Close releases the association if it is still established.
func (a *Association) Close() error {
	return a.Release(context.Background())
}

// IsConnected reports whether requests can still be submitted.
func (a *Association) IsConnected() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.connected
}

func (a *Association) closeConn() error {
	if a.conn == nil {
		return nil
	}
	err := a.conn.Close()
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}
