package dimse

import (
	"errors"
	"fmt"
)

var (
	ErrAssociationRejected   = errors.New("dimse: association rejected")
	ErrAssociationClosed     = errors.New("dimse: association closed")
	ErrNoPresentationContext = errors.New("dimse: no accepted presentation context")
	ErrInvalidPDU            = errors.New("dimse: invalid PDU")
	ErrInvalidCommand        = errors.New("dimse: invalid command set")
	ErrPDUTooLarge           = errors.New("dimse: PDU exceeds maximum length")
	ErrMessageTooLarge       = errors.New("dimse: message exceeds maximum length")
)

// RejectResult is the result field of an A-ASSOCIATE-RJ.
type RejectResult byte

const (
	RejectPermanent RejectResult = 0x01
	RejectTransient RejectResult = 0x02
)

func (r RejectResult) String() string {
	switch r {
	case RejectPermanent:
		return "permanent"
	case RejectTransient:
		return "transient"
	default:
		return fmt.Sprintf("result(0x%02x)", byte(r))
	}
}

// RejectSource identifies who rejected an association.
type RejectSource byte

const (
	SourceServiceUser                 RejectSource = 0x01
	SourceServiceProviderACSE         RejectSource = 0x02
	SourceServiceProviderPresentation RejectSource = 0x03
)

func (s RejectSource) String() string {
	switch s {
	case SourceServiceUser:
		return "service-user"
	case SourceServiceProviderACSE:
		return "service-provider-acse"
	case SourceServiceProviderPresentation:
		return "service-provider-presentation"
	default:
		return fmt.Sprintf("source(0x%02x)", byte(s))
	}
}

// RejectReason is the reason/diag field of an A-ASSOCIATE-RJ (service-user source).
type RejectReason byte

const (
	ReasonNoReasonGiven                  RejectReason = 0x01
	ReasonApplicationContextNotSupported RejectReason = 0x02
	ReasonCallingAETitleNotRecognized    RejectReason = 0x03
	ReasonCalledAETitleNotRecognized     RejectReason = 0x07
)

func (r RejectReason) String() string {
	switch r {
	case ReasonNoReasonGiven:
		return "no-reason-given"
	case ReasonApplicationContextNotSupported:
		return "application-context-not-supported"
	case ReasonCallingAETitleNotRecognized:
		return "calling-ae-title-not-recognized"
	case ReasonCalledAETitleNotRecognized:
		return "called-ae-title-not-recognized"
	default:
		return fmt.Sprintf("reason(0x%02x)", byte(r))
	}
}

// RejectError is returned to an SCU whose association request was rejected.
type RejectError struct {
	Result RejectResult
	Source RejectSource
	Reason RejectReason
}

func (e *RejectError) Error() string {
	return fmt.Sprintf("association rejected: %s (source: %s, result: %s)", e.Reason, e.Source, e.Result)
}

func (e *RejectError) Is(target error) bool {
	return target == ErrAssociationRejected
}

// AbortError reports an A-ABORT received from the peer.
type AbortError struct {
	Source byte
	Reason byte
}

func (e *AbortError) Error() string {
	return fmt.Sprintf("association aborted by %s: %s", abortSourceString(e.Source), abortReasonString(e.Reason))
}

func (e *AbortError) Is(target error) bool {
	return target == ErrAssociationClosed
}

// A-ABORT source and reason values.
const (
	AbortSourceServiceUser     byte = 0x00
	AbortSourceServiceProvider byte = 0x02

	AbortReasonNotSpecified          byte = 0x00
	AbortReasonUnrecognizedPDU       byte = 0x01
	AbortReasonUnexpectedPDU         byte = 0x02
	AbortReasonUnrecognizedParameter byte = 0x04
	AbortReasonUnexpectedParameter   byte = 0x05
	AbortReasonInvalidParameter      byte = 0x06
)

func abortSourceString(s byte) string {
	switch s {
	case AbortSourceServiceUser:
		return "service-user"
	case AbortSourceServiceProvider:
		return "service-provider"
	default:
		return fmt.Sprintf("source(0x%02x)", s)
	}
}

func abortReasonString(r byte) string {
	switch r {
	case AbortReasonNotSpecified:
		return "not-specified"
	case AbortReasonUnrecognizedPDU:
		return "unrecognized-pdu"
	case AbortReasonUnexpectedPDU:
		return "unexpected-pdu"
	case AbortReasonUnrecognizedParameter:
		return "unrecognized-pdu-parameter"
	case AbortReasonUnexpectedParameter:
		return "unexpected-pdu-parameter"
	case AbortReasonInvalidParameter:
		return "invalid-pdu-parameter"
	default:
		return fmt.Sprintf("reason(0x%02x)", r)
	}
}

// StatusError reports a non-success DIMSE response.
type StatusError struct {
	Operation string
	Status    Status
	Comment   string
}

func (e *StatusError) Error() string {
	if e.Comment != "" {
		return fmt.Sprintf("%s failed with status %s: %s", e.Operation, e.Status, e.Comment)
	}
	return fmt.Sprintf("%s failed with status %s", e.Operation, e.Status)
}
