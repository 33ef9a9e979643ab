package dimse

import (
	"encoding/binary"
	"fmt"
	"io"
	"strings"
)

// PDU types
const (
	pduAssociateRQ byte = 0x01
	pduAssociateAC byte = 0x02
	pduAssociateRJ byte = 0x03
	pduPDataTF     byte = 0x04
	pduReleaseRQ   byte = 0x05
	pduReleaseRP   byte = 0x06
	pduAbort       byte = 0x07
)

// Item types carried by A-ASSOCIATE-RQ/AC
const (
	itemApplicationContext byte = 0x10
	itemPresentationRQ     byte = 0x20
	itemPresentationAC     byte = 0x21
	itemAbstractSyntax     byte = 0x30
	itemTransferSyntax     byte = 0x40
	itemUserInformation    byte = 0x50
	itemMaxLength          byte = 0x51
	itemImplementationUID  byte = 0x52
	itemImplementationName byte = 0x55
)

const (
	pduHeaderLength     = 6
	associateFixedBytes = 68
	aeTitleLength       = 16
	protocolVersion     = 0x0001

	// DefaultMaxPDULength is announced when no explicit limit is configured.
	DefaultMaxPDULength uint32 = 16384
	// maxReadLength guards against absurd length fields.
	maxReadLength uint32 = 64 << 20
)

type pdu struct {
	Type byte
	Data []byte
}

func readPDU(r io.Reader) (*pdu, error) {
	var header [pduHeaderLength]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}

	length := binary.BigEndian.Uint32(header[2:6])
	if length > maxReadLength {
		return nil, fmt.Errorf("%w: type 0x%02x declares %d bytes", ErrPDUTooLarge, header[0], length)
	}

	data := make([]byte, length)
	if _, err := io.ReadFull(r, data); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return nil, fmt.Errorf("reading PDU body: %w", err)
	}

	return &pdu{Type: header[0], Data: data}, nil
}

func writePDU(w io.Writer, typ byte, data []byte) error {
	buf := make([]byte, pduHeaderLength, pduHeaderLength+len(data))
	buf[0] = typ
	binary.BigEndian.PutUint32(buf[2:6], uint32(len(data)))
	buf = append(buf, data...)
	_, err := w.Write(buf)
	return err
}

// ContextResult is the negotiation outcome of one presentation context.
type ContextResult byte

const (
	ContextAccepted                     ContextResult = 0x00
	ContextUserRejection                ContextResult = 0x01
	ContextNoReason                     ContextResult = 0x02
	ContextAbstractSyntaxNotSupported   ContextResult = 0x03
	ContextTransferSyntaxesNotSupported ContextResult = 0x04
)

func (r ContextResult) String() string {
	switch r {
	case ContextAccepted:
		return "accepted"
	case ContextUserRejection:
		return "user-rejection"
	case ContextNoReason:
		return "no-reason"
	case ContextAbstractSyntaxNotSupported:
		return "abstract-syntax-not-supported"
	case ContextTransferSyntaxesNotSupported:
		return "transfer-syntaxes-not-supported"
	default:
		return fmt.Sprintf("result(0x%02x)", byte(r))
	}
}

// PresentationContext is one proposed or negotiated presentation context.
// TransferSyntaxes holds the proposal, TransferSyntax the accepted syntax.
type PresentationContext struct {
	ID               byte
	AbstractSyntax   string
	TransferSyntaxes []string
	Result           ContextResult
	TransferSyntax   string
}

// Accepted reports whether the context can carry messages.
func (pc PresentationContext) Accepted() bool {
	return pc.Result == ContextAccepted
}

// Associate is the variable part shared by A-ASSOCIATE-RQ and A-ASSOCIATE-AC.
type Associate struct {
	CalledAETitle             string
	CallingAETitle            string
	ApplicationContext        string
	PresentationContexts      []PresentationContext
	MaxPDULength              uint32
	ImplementationClassUID    string
	ImplementationVersionName string
}

// AssociateReject is the body of an A-ASSOCIATE-RJ.
type AssociateReject struct {
	Result RejectResult
	Source RejectSource
	Reason RejectReason
}

func (rj AssociateReject) encode() []byte {
	return []byte{0x00, byte(rj.Result), byte(rj.Source), byte(rj.Reason)}
}

func decodeAssociateReject(data []byte) (*AssociateReject, error) {
	if len(data) < 4 {
		return nil, fmt.Errorf("%w: A-ASSOCIATE-RJ too short (%d bytes)", ErrInvalidPDU, len(data))
	}
	return &AssociateReject{
		Result: RejectResult(data[1]),
		Source: RejectSource(data[2]),
		Reason: RejectReason(data[3]),
	}, nil
}

func encodeAbort(source, reason byte) []byte {
	return []byte{0x00, 0x00, source, reason}
}

func decodeAbort(data []byte) *AbortError {
	if len(data) < 4 {
		return &AbortError{}
	}
	return &AbortError{Source: data[2], Reason: data[3]}
}

func appendItem(b []byte, typ byte, value []byte) []byte {
	b = append(b, typ, 0x00)
	b = binary.BigEndian.AppendUint16(b, uint16(len(value)))
	return append(b, value...)
}

func padAETitle(aet string) []byte {
	out := []byte(strings.Repeat(" ", aeTitleLength))
	copy(out, aet)
	return out
}

func trimAETitle(b []byte) string {
	return strings.Trim(string(b), " \x00")
}

func trimUID(b []byte) string {
	return strings.TrimRight(strings.TrimSpace(string(b)), "\x00")
}

// encodeAssociate renders an A-ASSOCIATE-RQ (typ 0x01) or -AC (typ 0x02) body.
func encodeAssociate(typ byte, a *Associate) []byte {
	buf := make([]byte, 0, 512)
	buf = binary.BigEndian.AppendUint16(buf, protocolVersion)
	buf = append(buf, 0x00, 0x00)
	buf = append(buf, padAETitle(a.CalledAETitle)...)
	buf = append(buf, padAETitle(a.CallingAETitle)...)
	buf = append(buf, make([]byte, 32)...)

	appCtx := a.ApplicationContext
	if appCtx == "" {
		appCtx = ApplicationContextUID
	}
	buf = appendItem(buf, itemApplicationContext, []byte(appCtx))

	for _, pc := range a.PresentationContexts {
		if typ == pduAssociateRQ {
			value := []byte{pc.ID, 0x00, 0x00, 0x00}
			value = appendItem(value, itemAbstractSyntax, []byte(pc.AbstractSyntax))
			for _, ts := range pc.TransferSyntaxes {
				value = appendItem(value, itemTransferSyntax, []byte(ts))
			}
			buf = appendItem(buf, itemPresentationRQ, value)
			continue
		}

		value := []byte{pc.ID, 0x00, byte(pc.Result), 0x00}
		ts := pc.TransferSyntax
		if ts == "" {
			ts = ImplicitVRLittleEndian
		}
		value = appendItem(value, itemTransferSyntax, []byte(ts))
		buf = appendItem(buf, itemPresentationAC, value)
	}

	var user []byte
	maxLen := binary.BigEndian.AppendUint32(nil, a.MaxPDULength)
	user = appendItem(user, itemMaxLength, maxLen)
	if a.ImplementationClassUID != "" {
		user = appendItem(user, itemImplementationUID, []byte(a.ImplementationClassUID))
	}
	if a.ImplementationVersionName != "" {
		user = appendItem(user, itemImplementationName, []byte(a.ImplementationVersionName))
	}
	return appendItem(buf, itemUserInformation, user)
}

type item struct {
	Type  byte
	Value []byte
}

func splitItems(data []byte) ([]item, error) {
	var items []item
	for offset := 0; offset < len(data); {
		if offset+4 > len(data) {
			return nil, fmt.Errorf("%w: truncated item header at offset %d", ErrInvalidPDU, offset)
		}
		length := int(binary.BigEndian.Uint16(data[offset+2 : offset+4]))
		end := offset + 4 + length
		if end > len(data) {
			return nil, fmt.Errorf("%w: item 0x%02x overruns PDU (%d > %d)", ErrInvalidPDU, data[offset], end, len(data))
		}
		items = append(items, item{Type: data[offset], Value: data[offset+4 : end]})
		offset = end
	}
	return items, nil
}

// decodeAssociate parses an A-ASSOCIATE-RQ or -AC body.
func decodeAssociate(typ byte, data []byte) (*Associate, error) {
	if len(data) < associateFixedBytes {
		return nil, fmt.Errorf("%w: A-ASSOCIATE body too short (%d bytes)", ErrInvalidPDU, len(data))
	}

	a := &Associate{
		CalledAETitle:  trimAETitle(data[4:20]),
		CallingAETitle: trimAETitle(data[20:36]),
	}

	items, err := splitItems(data[associateFixedBytes:])
	if err != nil {
		return nil, err
	}

	for _, it := range items {
		switch it.Type {
		case itemApplicationContext:
			a.ApplicationContext = trimUID(it.Value)
		case itemPresentationRQ, itemPresentationAC:
			if it.Type == itemPresentationRQ && typ != pduAssociateRQ ||
				it.Type == itemPresentationAC && typ != pduAssociateAC {
				return nil, fmt.Errorf("%w: presentation context item 0x%02x in PDU 0x%02x", ErrInvalidPDU, it.Type, typ)
			}
			pc, err := decodePresentationContext(it)
			if err != nil {
				return nil, err
			}
			a.PresentationContexts = append(a.PresentationContexts, pc)
		case itemUserInformation:
			if err := decodeUserInformation(a, it.Value); err != nil {
				return nil, err
			}
		}
	}

	return a, nil
}

func decodePresentationContext(it item) (PresentationContext, error) {
	if len(it.Value) < 4 {
		return PresentationContext{}, fmt.Errorf("%w: presentation context item too short", ErrInvalidPDU)
	}

	pc := PresentationContext{ID: it.Value[0]}
	if it.Type == itemPresentationAC {
		pc.Result = ContextResult(it.Value[2])
	}

	subs, err := splitItems(it.Value[4:])
	if err != nil {
		return PresentationContext{}, err
	}
	for _, sub := range subs {
		switch sub.Type {
		case itemAbstractSyntax:
			pc.AbstractSyntax = trimUID(sub.Value)
		case itemTransferSyntax:
			ts := trimUID(sub.Value)
			if it.Type == itemPresentationAC {
				pc.TransferSyntax = ts
			} else {
				pc.TransferSyntaxes = append(pc.TransferSyntaxes, ts)
			}
		}
	}
	return pc, nil
}

func decodeUserInformation(a *Associate, data []byte) error {
	subs, err := splitItems(data)
	if err != nil {
		return err
	}
	for _, sub := range subs {
		switch sub.Type {
		case itemMaxLength:
			if len(sub.Value) != 4 {
				return fmt.Errorf("%w: maximum length sub-item has %d bytes", ErrInvalidPDU, len(sub.Value))
			}
			a.MaxPDULength = binary.BigEndian.Uint32(sub.Value)
		case itemImplementationUID:
			a.ImplementationClassUID = trimUID(sub.Value)
		case itemImplementationName:
			a.ImplementationVersionName = strings.TrimSpace(string(sub.Value))
		}
	}
	return nil
}
