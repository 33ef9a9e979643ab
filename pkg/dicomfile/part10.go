// Package dicomfile handles the Part 10 file framing of stored instances and
// reads the handful of attributes the service needs from them.
package dicomfile

import (
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	preambleLength = 128
	magic          = "DICM"
	headerLength   = preambleLength + len(magic)
)

// ErrNotPart10 is returned for data without the DICM prefix.
var ErrNotPart10 = errors.New("dicomfile: not a DICOM Part 10 stream")

// Meta is the subset of the group 0002 file meta information we read and write.
type Meta struct {
	MediaStorageSOPClassUID    string
	MediaStorageSOPInstanceUID string
	TransferSyntaxUID          string
	ImplementationClassUID     string
	ImplementationVersionName  string
	SourceAETitle              string
}

// Group 0002 element numbers.
const (
	metaGroupLength             uint16 = 0x0000
	metaVersion                 uint16 = 0x0001
	metaMediaStorageSOPClass    uint16 = 0x0002
	metaMediaStorageSOPInstance uint16 = 0x0003
	metaTransferSyntax          uint16 = 0x0010
	metaImplementationClass     uint16 = 0x0012
	metaImplementationVersion   uint16 = 0x0013
	metaSourceAETitle           uint16 = 0x0016
)

// IsPart10 reports whether data starts with a preamble and the DICM prefix.
func IsPart10(data []byte) bool {
	return len(data) >= headerLength && string(data[preambleLength:headerLength]) == magic
}

// Wrap prefixes an encoded data set with a preamble and Explicit VR Little
// Endian file meta information.
func Wrap(meta Meta, dataset []byte) []byte {
	var body []byte
	body = appendLong(body, metaVersion, "OB", []byte{0x00, 0x01})
	body = appendShort(body, metaMediaStorageSOPClass, "UI", meta.MediaStorageSOPClassUID, 0x00)
	body = appendShort(body, metaMediaStorageSOPInstance, "UI", meta.MediaStorageSOPInstanceUID, 0x00)
	body = appendShort(body, metaTransferSyntax, "UI", meta.TransferSyntaxUID, 0x00)
	if meta.ImplementationClassUID != "" {
		body = appendShort(body, metaImplementationClass, "UI", meta.ImplementationClassUID, 0x00)
	}
	if meta.ImplementationVersionName != "" {
		body = appendShort(body, metaImplementationVersion, "SH", meta.ImplementationVersionName, ' ')
	}
	if meta.SourceAETitle != "" {
		body = appendShort(body, metaSourceAETitle, "AE", meta.SourceAETitle, ' ')
	}

	out := make([]byte, headerLength, headerLength+12+len(body)+len(dataset))
	copy(out[preambleLength:], magic)
	out = appendElementHeader(out, metaGroupLength, "UL")
	out = binary.LittleEndian.AppendUint16(out, 4)
	out = binary.LittleEndian.AppendUint32(out, uint32(len(body)))
	out = append(out, body...)
	return append(out, dataset...)
}

// Split separates the file meta from the data set. The returned data set
// aliases data.
func Split(data []byte) (Meta, []byte, error) {
	var meta Meta
	if !IsPart10(data) {
		return meta, nil, ErrNotPart10
	}

	offset := headerLength
	for offset+8 <= len(data) {
		group := binary.LittleEndian.Uint16(data[offset:])
		if group != 0x0002 {
			break
		}
		elem := binary.LittleEndian.Uint16(data[offset+2:])
		vr := string(data[offset+4 : offset+6])

		var length, start int
		if longLength(vr) {
			if offset+12 > len(data) {
				return meta, nil, fmt.Errorf("dicomfile: truncated meta element (0002,%04x)", elem)
			}
			length = int(binary.LittleEndian.Uint32(data[offset+8:]))
			start = offset + 12
		} else {
			length = int(binary.LittleEndian.Uint16(data[offset+6:]))
			start = offset + 8
		}
		end := start + length
		if length < 0 || end > len(data) {
			return meta, nil, fmt.Errorf("dicomfile: meta element (0002,%04x) overruns data", elem)
		}

		value := trimValue(data[start:end])
		switch elem {
		case metaMediaStorageSOPClass:
			meta.MediaStorageSOPClassUID = value
		case metaMediaStorageSOPInstance:
			meta.MediaStorageSOPInstanceUID = value
		case metaTransferSyntax:
			meta.TransferSyntaxUID = value
		case metaImplementationClass:
			meta.ImplementationClassUID = value
		case metaImplementationVersion:
			meta.ImplementationVersionName = value
		case metaSourceAETitle:
			meta.SourceAETitle = value
		}
		offset = end
	}

	if meta.TransferSyntaxUID == "" {
		return meta, nil, fmt.Errorf("dicomfile: file meta has no transfer syntax")
	}
	return meta, data[offset:], nil
}

func longLength(vr string) bool {
	switch vr {
	case "OB", "OD", "OF", "OL", "OV", "OW", "SQ", "SV", "UC", "UN", "UR", "UT", "UV":
		return true
	}
	return false
}

func appendElementHeader(b []byte, elem uint16, vr string) []byte {
	b = binary.LittleEndian.AppendUint16(b, 0x0002)
	b = binary.LittleEndian.AppendUint16(b, elem)
	return append(b, vr...)
}

func appendShort(b []byte, elem uint16, vr, v string, pad byte) []byte {
	value := []byte(v)
	if len(value)%2 != 0 {
		value = append(value, pad)
	}
	b = appendElementHeader(b, elem, vr)
	b = binary.LittleEndian.AppendUint16(b, uint16(len(value)))
	return append(b, value...)
}

func appendLong(b []byte, elem uint16, vr string, value []byte) []byte {
	b = appendElementHeader(b, elem, vr)
	b = append(b, 0x00, 0x00)
	b = binary.LittleEndian.AppendUint32(b, uint32(len(value)))
	return append(b, value...)
}
