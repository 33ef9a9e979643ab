package dicomfile

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/suyashkumar/dicom"
	"github.com/suyashkumar/dicom/pkg/tag"
)

// implicitVRBigEndian is the GE private Implicit VR Big Endian syntax, which
// suyashkumar/dicom cannot decode.
const implicitVRBigEndian = "1.2.840.113619.5.2"

// ErrMalformed is returned when a data set cannot be decoded.
var ErrMalformed = errors.New("dicomfile: malformed data set")

// Summary holds the identifying attributes of one instance. Missing
// attributes are left empty.
type Summary struct {
	SOPClassUID       string
	SOPInstanceUID    string
	TransferSyntaxUID string
	StudyInstanceUID  string
	PatientName       string
	StudyDate         string
	StudyDescription  string
}

// Summarize parses a Part 10 encoded instance held in memory.
func Summarize(data []byte) (*Summary, error) {
	if meta, dataset, err := Split(data); err == nil && meta.TransferSyntaxUID == implicitVRBigEndian {
		return scanImplicit(meta, dataset, binary.BigEndian)
	}
	return parse(data)
}

// SummarizeFile parses the Part 10 file at path.
func SummarizeFile(path string) (*Summary, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	s, err := Summarize(data)
	if err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	return s, nil
}

func parse(data []byte) (s *Summary, err error) {
	defer func() {
		if r := recover(); r != nil {
			s, err = nil, fmt.Errorf("%w: parser panicked: %v", ErrMalformed, r)
		}
	}()

	ds, err := dicom.Parse(bytes.NewReader(data), int64(len(data)), nil, dicom.SkipPixelData())
	if err != nil {
		return nil, fmt.Errorf("parsing instance: %w", err)
	}
	return summarize(&ds), nil
}

func summarize(ds *dicom.Dataset) *Summary {
	s := &Summary{
		SOPClassUID:       firstString(ds, tag.SOPClassUID),
		SOPInstanceUID:    firstString(ds, tag.SOPInstanceUID),
		TransferSyntaxUID: firstString(ds, tag.TransferSyntaxUID),
		StudyInstanceUID:  firstString(ds, tag.StudyInstanceUID),
		PatientName:       firstString(ds, tag.PatientName),
		StudyDate:         firstString(ds, tag.StudyDate),
		StudyDescription:  firstString(ds, tag.StudyDescription),
	}
	if s.SOPClassUID == "" {
		s.SOPClassUID = firstString(ds, tag.MediaStorageSOPClassUID)
	}
	if s.SOPInstanceUID == "" {
		s.SOPInstanceUID = firstString(ds, tag.MediaStorageSOPInstanceUID)
	}
	return s
}

func firstString(ds *dicom.Dataset, t tag.Tag) string {
	elem, err := ds.FindElementByTag(t)
	if err != nil {
		return ""
	}
	values, ok := elem.Value.GetValue().([]string)
	if !ok || len(values) == 0 {
		return ""
	}
	return trimValue([]byte(values[0]))
}

func trimValue(b []byte) string {
	return strings.Trim(string(b), " \x00")
}

const (
	undefinedLength = 0xFFFFFFFF
	maxNesting      = 32
)

var (
	itemTag              = tag.Tag{Group: 0xFFFE, Element: 0xE000}
	itemDelimiterTag     = tag.Tag{Group: 0xFFFE, Element: 0xE00D}
	sequenceDelimiterTag = tag.Tag{Group: 0xFFFE, Element: 0xE0DD}
)

// scanImplicit reads the summary attributes from the top level of an
// Implicit VR data set encoded in order. Sequences are skipped.
func scanImplicit(meta Meta, data []byte, order binary.ByteOrder) (*Summary, error) {
	s := &Summary{
		SOPClassUID:       meta.MediaStorageSOPClassUID,
		SOPInstanceUID:    meta.MediaStorageSOPInstanceUID,
		TransferSyntaxUID: meta.TransferSyntaxUID,
	}
	fields := map[tag.Tag]*string{
		tag.SOPClassUID:      &s.SOPClassUID,
		tag.SOPInstanceUID:   &s.SOPInstanceUID,
		tag.StudyDate:        &s.StudyDate,
		tag.StudyDescription: &s.StudyDescription,
		tag.PatientName:      &s.PatientName,
		tag.StudyInstanceUID: &s.StudyInstanceUID,
	}
	last := tagOrder(tag.StudyInstanceUID)

	r := implicitReader{data: data, order: order}
	for r.off < len(r.data) {
		t, length, err := r.header()
		if err != nil {
			return nil, err
		}
		if tagOrder(t) > last {
			break
		}
		if length == undefinedLength {
			if err := r.skipTo(sequenceDelimiterTag, 1); err != nil {
				return nil, err
			}
			continue
		}
		value, err := r.value(length)
		if err != nil {
			return nil, err
		}
		if dst, ok := fields[t]; ok {
			if v := trimValue(value); v != "" {
				*dst = firstValue(v)
			}
		}
	}
	return s, nil
}

func tagOrder(t tag.Tag) uint32 {
	return uint32(t.Group)<<16 | uint32(t.Element)
}

// firstValue returns the first of a backslash separated multi-value.
func firstValue(v string) string {
	if i := strings.IndexByte(v, '\\'); i >= 0 {
		return strings.TrimRight(v[:i], " ")
	}
	return v
}

type implicitReader struct {
	data  []byte
	off   int
	order binary.ByteOrder
}

func (r *implicitReader) header() (tag.Tag, uint32, error) {
	if r.off+8 > len(r.data) {
		return tag.Tag{}, 0, fmt.Errorf("%w: truncated element header at offset %d", ErrMalformed, r.off)
	}
	t := tag.Tag{
		Group:   r.order.Uint16(r.data[r.off:]),
		Element: r.order.Uint16(r.data[r.off+2:]),
	}
	length := r.order.Uint32(r.data[r.off+4:])
	r.off += 8
	return t, length, nil
}

func (r *implicitReader) value(length uint32) ([]byte, error) {
	if uint64(r.off)+uint64(length) > uint64(len(r.data)) {
		return nil, fmt.Errorf("%w: element of %d bytes overruns data set", ErrMalformed, length)
	}
	v := r.data[r.off : r.off+int(length)]
	r.off += int(length)
	return v, nil
}

// skipTo consumes elements and items until the delimiter tag.
func (r *implicitReader) skipTo(delim tag.Tag, depth int) error {
	if depth > maxNesting {
		return fmt.Errorf("%w: sequences nested deeper than %d", ErrMalformed, maxNesting)
	}
	for {
		t, length, err := r.header()
		if err != nil {
			return err
		}
		if t == delim {
			return nil
		}
		if length != undefinedLength {
			if _, err := r.value(length); err != nil {
				return err
			}
			continue
		}
		inner := sequenceDelimiterTag
		if t == itemTag {
			inner = itemDelimiterTag
		}
		if err := r.skipTo(inner, depth+1); err != nil {
			return err
		}
	}
}
