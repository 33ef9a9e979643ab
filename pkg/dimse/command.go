package dimse

import (
	"encoding/binary"
	"fmt"
	"strings"
)

// Command field values
const (
	CStoreRQ  uint16 = 0x0001
	CStoreRSP uint16 = 0x8001
	CEchoRQ   uint16 = 0x0030
	CEchoRSP  uint16 = 0x8030
	CCancelRQ uint16 = 0x0FFF

	responseBit uint16 = 0x8000
)

// Command data set type (0000,0800) value meaning "no data set follows".
const dataSetAbsent uint16 = 0x0101

// Priority values for C-STORE.
const (
	PriorityMedium uint16 = 0x0000
	PriorityHigh   uint16 = 0x0001
	PriorityLow    uint16 = 0x0002
)

// Command group element numbers (group 0000).
const (
	elemGroupLength               uint16 = 0x0000
	elemAffectedSOPClassUID       uint16 = 0x0002
	elemCommandField              uint16 = 0x0100
	elemMessageID                 uint16 = 0x0110
	elemMessageIDBeingRespondedTo uint16 = 0x0120
	elemPriority                  uint16 = 0x0700
	elemCommandDataSetType        uint16 = 0x0800
	elemStatus                    uint16 = 0x0900
	elemErrorComment              uint16 = 0x0902
	elemAffectedSOPInstanceUID    uint16 = 0x1000
)

// Status is a DIMSE response status.
type Status uint16

const (
	StatusSuccess               Status = 0x0000
	StatusPending               Status = 0xFF00
	StatusProcessingFailure     Status = 0x0110
	StatusUnrecognizedOperation Status = 0x0211
)

// IsSuccess reports whether the status is Success.
func (s Status) IsSuccess() bool { return s == StatusSuccess }

// IsPending reports whether more responses follow.
func (s Status) IsPending() bool { return s == StatusPending || s == 0xFF01 }

func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "success"
	case StatusPending:
		return "pending"
	case StatusProcessingFailure:
		return "processing-failure"
	case StatusUnrecognizedOperation:
		return "unrecognized-operation"
	}
	switch {
	case s&0xF000 == 0xA000 || s&0xF000 == 0xC000:
		return fmt.Sprintf("failure(0x%04x)", uint16(s))
	case s&0xF000 == 0xB000:
		return fmt.Sprintf("warning(0x%04x)", uint16(s))
	default:
		return fmt.Sprintf("status(0x%04x)", uint16(s))
	}
}

// Command is a decoded DIMSE command set.
type Command struct {
	CommandField              uint16
	MessageID                 uint16
	MessageIDBeingRespondedTo uint16
	AffectedSOPClassUID       string
	AffectedSOPInstanceUID    string
	Priority                  uint16
	CommandDataSetType        uint16
	Status                    Status
	ErrorComment              string
}

// IsResponse reports whether the command field carries the response bit.
func (c *Command) IsResponse() bool { return c.CommandField&responseBit != 0 }

// HasDataset reports whether a data set follows the command.
func (c *Command) HasDataset() bool { return c.CommandDataSetType != dataSetAbsent }

// Encode renders the command set in Implicit VR Little Endian.
func (c *Command) Encode() []byte {
	var body []byte
	if c.AffectedSOPClassUID != "" {
		body = appendString(body, elemAffectedSOPClassUID, c.AffectedSOPClassUID, 0x00)
	}
	body = appendUint16(body, elemCommandField, c.CommandField)
	if c.IsResponse() {
		body = appendUint16(body, elemMessageIDBeingRespondedTo, c.MessageIDBeingRespondedTo)
	} else {
		body = appendUint16(body, elemMessageID, c.MessageID)
		if c.CommandField == CStoreRQ {
			body = appendUint16(body, elemPriority, c.Priority)
		}
	}
	body = appendUint16(body, elemCommandDataSetType, c.CommandDataSetType)
	if c.IsResponse() {
		body = appendUint16(body, elemStatus, uint16(c.Status))
		if c.ErrorComment != "" {
			comment := c.ErrorComment
			if len(comment) > 64 {
				comment = comment[:64]
			}
			body = appendString(body, elemErrorComment, comment, ' ')
		}
	}
	if c.AffectedSOPInstanceUID != "" {
		body = appendString(body, elemAffectedSOPInstanceUID, c.AffectedSOPInstanceUID, 0x00)
	}

	out := make([]byte, 0, 12+len(body))
	out = appendHeader(out, elemGroupLength, 4)
	out = binary.LittleEndian.AppendUint32(out, uint32(len(body)))
	return append(out, body...)
}

func appendHeader(b []byte, elem uint16, length uint32) []byte {
	b = binary.LittleEndian.AppendUint16(b, 0x0000)
	b = binary.LittleEndian.AppendUint16(b, elem)
	return binary.LittleEndian.AppendUint32(b, length)
}

func appendUint16(b []byte, elem uint16, v uint16) []byte {
	b = appendHeader(b, elem, 2)
	return binary.LittleEndian.AppendUint16(b, v)
}

func appendString(b []byte, elem uint16, v string, pad byte) []byte {
	value := []byte(v)
	if len(value)%2 != 0 {
		value = append(value, pad)
	}
	b = appendHeader(b, elem, uint32(len(value)))
	return append(b, value...)
}

// DecodeCommand parses an Implicit VR Little Endian command set.
func DecodeCommand(data []byte) (*Command, error) {
	cmd := &Command{CommandDataSetType: dataSetAbsent}
	var haveField bool

	for offset := 0; offset < len(data); {
		if offset+8 > len(data) {
			return nil, fmt.Errorf("%w: truncated element header at offset %d", ErrInvalidCommand, offset)
		}
		group := binary.LittleEndian.Uint16(data[offset:])
		elem := binary.LittleEndian.Uint16(data[offset+2:])
		length := int(binary.LittleEndian.Uint32(data[offset+4:]))
		start := offset + 8
		end := start + length
		if length < 0 || end > len(data) {
			return nil, fmt.Errorf("%w: element (%04x,%04x) overruns command set", ErrInvalidCommand, group, elem)
		}
		value := data[start:end]
		offset = end

		if group != 0x0000 {
			continue
		}
		switch elem {
		case elemAffectedSOPClassUID:
			cmd.AffectedSOPClassUID = trimUID(value)
		case elemCommandField:
			v, err := readUint16(value, elem)
			if err != nil {
				return nil, err
			}
			cmd.CommandField, haveField = v, true
		case elemMessageID:
			v, err := readUint16(value, elem)
			if err != nil {
				return nil, err
			}
			cmd.MessageID = v
		case elemMessageIDBeingRespondedTo:
			v, err := readUint16(value, elem)
			if err != nil {
				return nil, err
			}
			cmd.MessageIDBeingRespondedTo = v
		case elemPriority:
			v, err := readUint16(value, elem)
			if err != nil {
				return nil, err
			}
			cmd.Priority = v
		case elemCommandDataSetType:
			v, err := readUint16(value, elem)
			if err != nil {
				return nil, err
			}
			cmd.CommandDataSetType = v
		case elemStatus:
			v, err := readUint16(value, elem)
			if err != nil {
				return nil, err
			}
			cmd.Status = Status(v)
		case elemErrorComment:
			cmd.ErrorComment = strings.TrimSpace(string(value))
		case elemAffectedSOPInstanceUID:
			cmd.AffectedSOPInstanceUID = trimUID(value)
		}
	}

	if !haveField {
		return nil, fmt.Errorf("%w: missing command field (0000,0100)", ErrInvalidCommand)
	}
	return cmd, nil
}

func readUint16(value []byte, elem uint16) (uint16, error) {
	if len(value) < 2 {
		return 0, fmt.Errorf("%w: element (0000,%04x) has %d bytes", ErrInvalidCommand, elem, len(value))
	}
	return binary.LittleEndian.Uint16(value), nil
}
