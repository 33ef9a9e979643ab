package dimse

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"net"
	"time"
)

const (
	pdvControlCommand byte = 0x01
	pdvControlLast    byte = 0x02

	// PDV item length (4) + context ID (1) + control header (1).
	pdvOverhead = 6

	// DefaultMaxMessageLength caps one reassembled command or data set.
	DefaultMaxMessageLength = 512 << 20
)

// validPeerMaxPDU reports whether a peer's announced maximum PDU length can
// carry at least one byte per PDV. Zero means no limit.
func validPeerMaxPDU(n uint32) bool {
	return n == 0 || n > pdvOverhead
}

// pdv is one presentation data value item of a P-DATA-TF.
type pdv struct {
	ContextID byte
	Command   bool
	Last      bool
	Data      []byte
}

func decodePDataTF(data []byte) ([]pdv, error) {
	var out []pdv
	for offset := 0; offset < len(data); {
		if offset+pdvOverhead > len(data) {
			return nil, fmt.Errorf("%w: truncated PDV header", ErrInvalidPDU)
		}
		length := int(binary.BigEndian.Uint32(data[offset:]))
		if length < 2 || offset+4+length > len(data) {
			return nil, fmt.Errorf("%w: PDV length %d out of range", ErrInvalidPDU, length)
		}
		control := data[offset+5]
		out = append(out, pdv{
			ContextID: data[offset+4],
			Command:   control&pdvControlCommand != 0,
			Last:      control&pdvControlLast != 0,
			Data:      data[offset+6 : offset+4+length],
		})
		offset += 4 + length
	}
	return out, nil
}

func encodePDV(contextID byte, command, last bool, fragment []byte) []byte {
	var control byte
	if command {
		control |= pdvControlCommand
	}
	if last {
		control |= pdvControlLast
	}
	buf := make([]byte, 0, pdvOverhead+len(fragment))
	buf = binary.BigEndian.AppendUint32(buf, uint32(2+len(fragment)))
	buf = append(buf, contextID, control)
	return append(buf, fragment...)
}

// writeMessage fragments a command and optional data set into P-DATA-TF PDUs
// that fit within maxPDU. Each PDU carries a single PDV.
func writeMessage(conn net.Conn, timeout time.Duration, contextID byte, command, dataset []byte, maxPDU uint32) error {
	if !validPeerMaxPDU(maxPDU) {
		return fmt.Errorf("%w: peer maximum PDU length %d leaves no room for data", ErrInvalidPDU, maxPDU)
	}
	fragment := int(maxReadLength) - pdvOverhead
	if maxPDU != 0 && maxPDU < maxReadLength {
		fragment = int(maxPDU) - pdvOverhead
	}

	send := func(data []byte, isCommand bool) error {
		for {
			n := min(len(data), fragment)
			last := n == len(data)
			if timeout > 0 {
				if err := conn.SetWriteDeadline(time.Now().Add(timeout)); err != nil {
					return err
				}
			}
			if err := writePDU(conn, pduPDataTF, encodePDV(contextID, isCommand, last, data[:n])); err != nil {
				return err
			}
			data = data[n:]
			if last {
				return nil
			}
		}
	}

	if err := send(command, true); err != nil {
		return fmt.Errorf("writing command: %w", err)
	}
	if len(dataset) > 0 {
		if err := send(dataset, false); err != nil {
			return fmt.Errorf("writing data set: %w", err)
		}
	}
	return nil
}

// message is one reassembled DIMSE message.
type message struct {
	ContextID byte
	Command   *Command
	Dataset   []byte
}

// assembler collects PDV fragments into complete messages. Fragments of
// different messages are not interleaved. A positive limit caps the command
// and the data set of one message.
type assembler struct {
	limit     int
	contextID byte
	started   bool
	command   bytes.Buffer
	dataset   bytes.Buffer
	cmd       *Command
}

func (a *assembler) add(v pdv) (*message, error) {
	if a.started && v.ContextID != a.contextID {
		return nil, fmt.Errorf("%w: PDV for context %d while context %d message is incomplete", ErrInvalidPDU, v.ContextID, a.contextID)
	}
	a.started, a.contextID = true, v.ContextID

	if v.Command {
		if a.cmd != nil {
			return nil, fmt.Errorf("%w: command fragment after complete command", ErrInvalidPDU)
		}
		if err := a.check(&a.command, v); err != nil {
			return nil, err
		}
		a.command.Write(v.Data)
		if !v.Last {
			return nil, nil
		}
		cmd, err := DecodeCommand(a.command.Bytes())
		if err != nil {
			return nil, err
		}
		a.cmd = cmd
		if !cmd.HasDataset() {
			return a.flush(), nil
		}
		return nil, nil
	}

	if a.cmd == nil {
		return nil, fmt.Errorf("%w: data set fragment before command", ErrInvalidPDU)
	}
	if err := a.check(&a.dataset, v); err != nil {
		return nil, err
	}
	a.dataset.Write(v.Data)
	if v.Last {
		return a.flush(), nil
	}
	return nil, nil
}

func (a *assembler) check(buf *bytes.Buffer, v pdv) error {
	if a.limit > 0 && buf.Len()+len(v.Data) > a.limit {
		return fmt.Errorf("%w: message on context %d exceeds %d bytes", ErrMessageTooLarge, v.ContextID, a.limit)
	}
	return nil
}

func (a *assembler) flush() *message {
	msg := &message{
		ContextID: a.contextID,
		Command:   a.cmd,
		Dataset:   bytes.Clone(a.dataset.Bytes()),
	}
	a.command.Reset()
	a.dataset.Reset()
	a.cmd = nil
	a.started = false
	return msg
}
