package dimse

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/otcheredev/pacslink/pkg/dicomfile"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// State is a provider association state.
type State int32

const (
	StateAwaitingAssociation State = iota
	StateNegotiating
	StateEstablished
	StateBusy
	StateReleased
	StateAborted
)

func (s State) String() string {
	switch s {
	case StateAwaitingAssociation:
		return "awaiting-association"
	case StateNegotiating:
		return "negotiating"
	case StateEstablished:
		return "established"
	case StateBusy:
		return "busy"
	case StateReleased:
		return "released"
	case StateAborted:
		return "aborted"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Terminal reports whether no further PDUs will be processed.
func (s State) Terminal() bool {
	return s == StateReleased || s == StateAborted
}

// ProviderConfig holds what a provider shares with every other association.
type ProviderConfig struct {
	Negotiator   *Negotiator
	Storer       Storer
	Auditor      Auditor
	MaxPDULength uint32
	// MaxMessageLength caps one reassembled command or data set. Larger
	// messages abort the association.
	MaxMessageLength int
	// ReadTimeout bounds the wait for the next PDU. Zero waits forever.
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// Provider runs the SCP side of a single association.
type Provider struct {
	conn   net.Conn
	cfg    ProviderConfig
	id     string
	state  atomic.Int32
	logger zerolog.Logger

	callingAE  string
	calledAE   string
	peerMaxPDU uint32
	contexts   map[byte]PresentationContext
	asm        assembler
}

// NewProvider prepares a provider for conn. Run must be called to serve it.
func NewProvider(conn net.Conn, cfg ProviderConfig) *Provider {
	if cfg.MaxPDULength == 0 {
		cfg.MaxPDULength = DefaultMaxPDULength
	}
	if cfg.MaxMessageLength <= 0 {
		cfg.MaxMessageLength = DefaultMaxMessageLength
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = 30 * time.Second
	}
	if cfg.Auditor == nil {
		cfg.Auditor = nopAuditor{}
	}

	id := uuid.NewString()
	return &Provider{
		conn: conn,
		cfg:  cfg,
		id:   id,
		asm:  assembler{limit: cfg.MaxMessageLength},
		logger: log.With().
			Str("association_id", id).
			Str("remote_addr", conn.RemoteAddr().String()).
			Logger(),
	}
}

// ID returns the association identifier used in logs and audit events.
func (p *Provider) ID() string { return p.id }

// State returns the current state.
func (p *Provider) State() State { return State(p.state.Load()) }

func (p *Provider) setState(s State) { p.state.Store(int32(s)) }

// Run serves the association until it is released or aborted, then closes
// the connection. It returns nil after an orderly release. Cancelling ctx
// closes the connection and aborts the association.
func (p *Provider) Run(ctx context.Context) error {
	defer p.conn.Close()
	stop := context.AfterFunc(ctx, func() { p.conn.Close() })
	defer stop()

	if err := p.negotiate(ctx); err != nil {
		return err
	}
	return p.serve(ctx)
}

func (p *Provider) negotiate(ctx context.Context) error {
	raw, err := p.read()
	if err != nil {
		p.setState(StateAborted)
		return fmt.Errorf("waiting for A-ASSOCIATE-RQ: %w", err)
	}
	if raw.Type != pduAssociateRQ {
		p.abort(ctx, AbortReasonUnexpectedPDU, fmt.Errorf("%w: PDU 0x%02x before association", ErrInvalidPDU, raw.Type))
		return fmt.Errorf("%w: expected A-ASSOCIATE-RQ, got 0x%02x", ErrInvalidPDU, raw.Type)
	}

	p.setState(StateNegotiating)
	rq, err := decodeAssociate(pduAssociateRQ, raw.Data)
	if err != nil {
		p.abort(ctx, AbortReasonInvalidParameter, err)
		return err
	}

	p.callingAE, p.calledAE = rq.CallingAETitle, rq.CalledAETitle
	if !validPeerMaxPDU(rq.MaxPDULength) {
		err := fmt.Errorf("%w: peer maximum PDU length %d leaves no room for data", ErrInvalidPDU, rq.MaxPDULength)
		p.abort(ctx, AbortReasonInvalidParameter, err)
		return err
	}
	p.peerMaxPDU = rq.MaxPDULength
	p.logger = p.logger.With().
		Str("calling_ae", rq.CallingAETitle).
		Str("called_ae", rq.CalledAETitle).
		Logger()

	decision := p.cfg.Negotiator.Negotiate(rq.CalledAETitle, rq.CallingAETitle, rq.PresentationContexts)
	if !decision.Accepted {
		rj := decision.Reject
		if err := p.write(pduAssociateRJ, rj.encode()); err != nil {
			p.logger.Warn().Err(err).Msg("Failed to send A-ASSOCIATE-RJ")
		}
		p.setState(StateAborted)
		associationsTotal.WithLabelValues("scp", "rejected").Inc()
		p.logger.Warn().
			Str("reason", rj.Reason.String()).
			Str("source", rj.Source.String()).
			Msg("Association rejected")
		rejectErr := &RejectError{Result: rj.Result, Source: rj.Source, Reason: rj.Reason}
		p.audit(ctx, Event{Kind: EventAssociationRejected, Err: rejectErr})
		return rejectErr
	}

	ac := &Associate{
		CalledAETitle:             rq.CalledAETitle,
		CallingAETitle:            rq.CallingAETitle,
		ApplicationContext:        ApplicationContextUID,
		PresentationContexts:      decision.Contexts,
		MaxPDULength:              p.cfg.MaxPDULength,
		ImplementationClassUID:    ImplementationClassUID,
		ImplementationVersionName: ImplementationVersionName,
	}
	if err := p.write(pduAssociateAC, encodeAssociate(pduAssociateAC, ac)); err != nil {
		p.setState(StateAborted)
		return fmt.Errorf("sending A-ASSOCIATE-AC: %w", err)
	}

	p.contexts = make(map[byte]PresentationContext, len(decision.Contexts))
	for _, pc := range decision.Contexts {
		if pc.Accepted() {
			p.contexts[pc.ID] = pc
		}
		p.logger.Debug().
			Uint8("context_id", pc.ID).
			Str("abstract_syntax", pc.AbstractSyntax).
			Str("transfer_syntax", pc.TransferSyntax).
			Str("result", pc.Result.String()).
			Msg("Presentation context negotiated")
	}

	p.setState(StateEstablished)
	associationsTotal.WithLabelValues("scp", "accepted").Inc()
	p.logger.Info().
		Int("proposed_contexts", len(decision.Contexts)).
		Int("accepted_contexts", decision.AcceptedCount()).
		Uint32("peer_max_pdu", p.peerMaxPDU).
		Msg("Association accepted")
	p.audit(ctx, Event{Kind: EventAssociationAccepted})
	return nil
}

func (p *Provider) serve(ctx context.Context) error {
	for {
		raw, err := p.read()
		if errors.Is(err, ErrPDUTooLarge) {
			p.abort(ctx, AbortReasonInvalidParameter, err)
			return err
		}
		if err != nil {
			p.setState(StateAborted)
			p.logger.Warn().Err(err).Str("state", StateAborted.String()).Msg("Transport closed before release")
			p.audit(ctx, Event{Kind: EventAssociationAborted, Err: err})
			return fmt.Errorf("reading PDU: %w", err)
		}

		switch raw.Type {
		case pduPDataTF:
			if uint32(len(raw.Data)) > p.cfg.MaxPDULength {
				err := fmt.Errorf("%w: P-DATA-TF of %d bytes, limit %d", ErrPDUTooLarge, len(raw.Data), p.cfg.MaxPDULength)
				p.abort(ctx, AbortReasonInvalidParameter, err)
				return err
			}
			if err := p.handleData(ctx, raw.Data); err != nil {
				p.abort(ctx, AbortReasonInvalidParameter, err)
				return err
			}
		case pduReleaseRQ:
			p.logger.Info().Msg("Received association release request")
			if err := p.write(pduReleaseRP, make([]byte, 4)); err != nil {
				p.logger.Warn().Err(err).Msg("Failed to send A-RELEASE-RP")
			}
			p.setState(StateReleased)
			associationsTotal.WithLabelValues("scp", "released").Inc()
			p.audit(ctx, Event{Kind: EventAssociationReleased})
			return nil
		case pduAbort:
			abortErr := decodeAbort(raw.Data)
			p.setState(StateAborted)
			p.logger.Warn().
				Str("source", abortSourceString(abortErr.Source)).
				Str("reason", abortReasonString(abortErr.Reason)).
				Msg("Received abort")
			p.audit(ctx, Event{Kind: EventAssociationAborted, Err: abortErr})
			return abortErr
		default:
			err := fmt.Errorf("%w: unexpected PDU 0x%02x on established association", ErrInvalidPDU, raw.Type)
			p.abort(ctx, AbortReasonUnexpectedPDU, err)
			return err
		}
	}
}

func (p *Provider) handleData(ctx context.Context, data []byte) error {
	pdvs, err := decodePDataTF(data)
	if err != nil {
		return err
	}
	for _, v := range pdvs {
		if _, ok := p.contexts[v.ContextID]; !ok {
			return fmt.Errorf("%w: presentation context %d was not accepted", ErrInvalidPDU, v.ContextID)
		}
		msg, err := p.asm.add(v)
		if err != nil {
			return err
		}
		if msg == nil {
			continue
		}
		// C-CANCEL and stray responses get no reply.
		if cmd := msg.Command; cmd.IsResponse() || cmd.CommandField == CCancelRQ {
			p.logger.Debug().
				Str("command_field", fmt.Sprintf("0x%04x", cmd.CommandField)).
				Uint16("message_id", cmd.MessageID).
				Uint16("message_id_responded_to", cmd.MessageIDBeingRespondedTo).
				Msg("Ignoring command that takes no response")
			continue
		}
		if err := p.dispatch(ctx, msg); err != nil {
			return err
		}
	}
	return nil
}

// dispatch handles one complete request and writes its response. An error
// means no response could be sent and the association must be aborted.
func (p *Provider) dispatch(ctx context.Context, msg *message) (err error) {
	p.setState(StateBusy)
	defer p.setState(StateEstablished)

	pc := p.contexts[msg.ContextID]
	req := classify(msg, pc.TransferSyntax)
	op := operationName(req)
	start := time.Now()

	defer func() {
		if r := recover(); r != nil {
			p.logger.Error().Interface("panic", r).Str("operation", op).Msg("Request handler panicked")
			err = fmt.Errorf("handling %s: %v", op, r)
		}
	}()

	var status Status
	var comment string
	switch r := req.(type) {
	case EchoRequest:
		status = p.handleEcho(ctx, r)
	case StoreRequest:
		status, comment = p.handleStore(ctx, r)
	case UnsupportedRequest:
		status = p.handleUnsupported(ctx, r)
	}

	rsp := responseCommand(req, status, comment)
	if err := writeMessage(p.conn, p.cfg.WriteTimeout, msg.ContextID, rsp.Encode(), nil, p.peerMaxPDU); err != nil {
		return fmt.Errorf("sending %s response: %w", op, err)
	}

	operationsTotal.WithLabelValues("scp", op, status.String()).Inc()
	operationSeconds.WithLabelValues(op).Observe(time.Since(start).Seconds())
	return nil
}

func (p *Provider) handleEcho(ctx context.Context, req EchoRequest) Status {
	p.logger.Info().Uint16("message_id", req.MessageID).Msg("Received C-ECHO request")
	p.audit(ctx, Event{Kind: EventEcho, SOPClassUID: VerificationSOPClass, Status: StatusSuccess})
	return StatusSuccess
}

func (p *Provider) handleStore(ctx context.Context, req StoreRequest) (Status, string) {
	start := time.Now()
	logger := p.logger.With().
		Uint16("message_id", req.MessageID).
		Str("sop_class_uid", req.SOPClassUID).
		Str("sop_instance_uid", req.SOPInstanceUID).
		Str("transfer_syntax", req.TransferSyntax).
		Logger()
	receivedBytesTotal.Add(float64(len(req.Dataset)))

	payload := dicomfile.Wrap(dicomfile.Meta{
		MediaStorageSOPClassUID:    req.SOPClassUID,
		MediaStorageSOPInstanceUID: req.SOPInstanceUID,
		TransferSyntaxUID:          req.TransferSyntax,
		ImplementationClassUID:     ImplementationClassUID,
		ImplementationVersionName:  ImplementationVersionName,
		SourceAETitle:              p.callingAE,
	}, req.Dataset)

	var studyUID string
	if summary, err := dicomfile.Summarize(payload); err != nil {
		logger.Warn().Err(err).Msg("Could not read study instance UID from data set")
	} else {
		studyUID = summary.StudyInstanceUID
	}

	ev := Event{
		Kind:             EventStore,
		SOPClassUID:      req.SOPClassUID,
		SOPInstanceUID:   req.SOPInstanceUID,
		StudyInstanceUID: studyUID,
	}

	if err := p.cfg.Storer.Store(ctx, studyUID, req.SOPInstanceUID, bytes.NewReader(payload)); err != nil {
		logger.Error().Err(err).Str("study_instance_uid", studyUID).Msg("Failed to store instance")
		ev.Status, ev.Err, ev.Duration = StatusProcessingFailure, err, time.Since(start)
		p.audit(ctx, ev)
		return StatusProcessingFailure, err.Error()
	}

	logger.Info().
		Str("study_instance_uid", studyUID).
		Int("bytes", len(payload)).
		Dur("duration", time.Since(start)).
		Msg("Stored instance")
	ev.Status, ev.Duration = StatusSuccess, time.Since(start)
	p.audit(ctx, ev)
	return StatusSuccess, ""
}

func (p *Provider) handleUnsupported(ctx context.Context, req UnsupportedRequest) Status {
	p.logger.Warn().
		Uint16("message_id", req.MessageID).
		Str("command_field", fmt.Sprintf("0x%04x", req.CommandField)).
		Str("sop_class_uid", req.SOPClassUID).
		Msg("Unsupported DIMSE operation")
	p.audit(ctx, Event{Kind: EventUnsupported, SOPClassUID: req.SOPClassUID, Status: StatusUnrecognizedOperation})
	return StatusUnrecognizedOperation
}

// abort sends an A-ABORT from the provider side and marks the association aborted.
func (p *Provider) abort(ctx context.Context, reason byte, cause error) {
	if err := p.write(pduAbort, encodeAbort(AbortSourceServiceProvider, reason)); err != nil {
		p.logger.Debug().Err(err).Msg("Failed to send A-ABORT")
	}
	p.setState(StateAborted)
	associationsTotal.WithLabelValues("scp", "aborted").Inc()
	p.logger.Warn().
		Err(cause).
		Str("source", abortSourceString(AbortSourceServiceProvider)).
		Str("reason", abortReasonString(reason)).
		Msg("Association aborted")
	p.audit(ctx, Event{Kind: EventAssociationAborted, Err: cause})
}

func (p *Provider) read() (*pdu, error) {
	if p.cfg.ReadTimeout > 0 {
		if err := p.conn.SetReadDeadline(time.Now().Add(p.cfg.ReadTimeout)); err != nil {
			return nil, err
		}
	}
	return readPDU(p.conn)
}

func (p *Provider) write(typ byte, data []byte) error {
	if err := p.conn.SetWriteDeadline(time.Now().Add(p.cfg.WriteTimeout)); err != nil {
		return err
	}
	return writePDU(p.conn, typ, data)
}

func (p *Provider) audit(ctx context.Context, ev Event) {
	ev.AssociationID = p.id
	ev.CallingAETitle = p.callingAE
	ev.CalledAETitle = p.calledAE
	ev.RemoteAddr = p.conn.RemoteAddr().String()
	if ev.Time.IsZero() {
		ev.Time = time.Now().UTC()
	}
	p.cfg.Auditor.Record(context.WithoutCancel(ctx), ev)
}
