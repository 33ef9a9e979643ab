package index

import (
	"context"
	"encoding/binary"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/otcheredev/pacslink/internal/models"
	"github.com/otcheredev/pacslink/pkg/dicomfile"
)

type element struct {
	group, elem uint16
	vr, value   string
}

// explicitLE encodes short-form Explicit VR Little Endian elements.
func explicitLE(elems ...element) []byte {
	var b []byte
	for _, e := range elems {
		v := []byte(e.value)
		if len(v)%2 == 1 {
			pad := byte(' ')
			if e.vr == "UI" {
				pad = 0
			}
			v = append(v, pad)
		}
		b = binary.LittleEndian.AppendUint16(b, e.group)
		b = binary.LittleEndian.AppendUint16(b, e.elem)
		b = append(b, e.vr...)
		b = binary.LittleEndian.AppendUint16(b, uint16(len(v)))
		b = append(b, v...)
	}
	return b
}

func writeInstance(t *testing.T, root, study, name string, elems ...element) {
	t.Helper()
	dir := filepath.Join(root, study)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	data := dicomfile.Wrap(dicomfile.Meta{
		MediaStorageSOPClassUID:    "1.2.840.10008.5.1.4.1.1.7",
		MediaStorageSOPInstanceUID: "1.2.3.4.5",
		TransferSyntaxUID:          "1.2.840.10008.1.2.1",
	}, explicitLE(elems...))
	if err := os.WriteFile(filepath.Join(dir, name), data, 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestListStudiesEmptyRoots(t *testing.T) {
	tests := []struct {
		name string
		root string
	}{
		{"unset", ""},
		{"missing", filepath.Join(t.TempDir(), "does-not-exist")},
		{"empty", t.TempDir()},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := NewReader(tt.root).ListStudies(context.Background())
			if err != nil {
				t.Fatalf("ListStudies() error = %v", err)
			}
			if got == nil || len(got) != 0 {
				t.Errorf("ListStudies() = %#v, want empty non-nil slice", got)
			}
		})
	}
}

func TestListStudiesSkipsUnreadableStudies(t *testing.T) {
	root := t.TempDir()

	bad := filepath.Join(root, "1.2.3")
	os.MkdirAll(bad, 0o755)
	os.WriteFile(filepath.Join(bad, "9.9.9.dcm"), []byte("not a dicom file"), 0o644)

	empty := filepath.Join(root, "4.5.6")
	os.MkdirAll(empty, 0o755)
	os.WriteFile(filepath.Join(empty, "notes.txt"), []byte("hello"), 0o644)

	os.WriteFile(filepath.Join(root, "stray.dcm"), []byte("ignored"), 0o644)

	got, err := NewReader(root).ListStudies(context.Background())
	if err != nil {
		t.Fatalf("ListStudies() error = %v", err)
	}
	if len(got) != 0 {
		t.Errorf("ListStudies() = %#v, want none", got)
	}
}

func TestListStudies(t *testing.T) {
	root := t.TempDir()

	writeInstance(t, root, "1.2.840.1", "a.dcm",
		element{0x0008, 0x0020, "DA", "20240131"},
		element{0x0008, 0x1030, "LO", "CHEST PA"},
		element{0x0010, 0x0010, "PN", "DOE^JANE"},
		element{0x0020, 0x000D, "UI", "1.2.840.1"},
	)
	// no study UID and no description
	writeInstance(t, root, "dir-name", "b.dcm",
		element{0x0010, 0x0010, "PN", "ROE^RICHARD"},
	)
	// the unreadable second file must not hide the first
	os.WriteFile(filepath.Join(root, "dir-name", "z.dcm"), []byte("junk"), 0o644)

	got, err := NewReader(root).ListStudies(context.Background())
	if err != nil {
		t.Fatalf("ListStudies() error = %v", err)
	}

	want := []models.StudyRecord{
		{StudyInstanceUID: "1.2.840.1", PatientName: "DOE^JANE", StudyDate: "20240131", StudyDescription: "CHEST PA"},
		{StudyInstanceUID: "dir-name", PatientName: "ROE^RICHARD", StudyDate: models.NotAvailable, StudyDescription: models.NotAvailable},
	}
	if len(got) != len(want) {
		t.Fatalf("ListStudies() returned %d records, want %d: %#v", len(got), len(want), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("record %d = %#v, want %#v", i, got[i], want[i])
		}
	}

	uids, err := NewReader(root).ListStudyUIDs(context.Background())
	if err != nil {
		t.Fatalf("ListStudyUIDs() error = %v", err)
	}
	if len(uids) != 2 || uids[0] != "1.2.840.1" || uids[1] != "dir-name" {
		t.Errorf("ListStudyUIDs() = %v", uids)
	}
}

func TestListStudiesCancelled(t *testing.T) {
	root := t.TempDir()
	os.MkdirAll(filepath.Join(root, "1.2"), 0o755)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := NewReader(root).ListStudies(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("ListStudies() error = %v, want context.Canceled", err)
	}
}

func TestInstance(t *testing.T) {
	root := t.TempDir()
	os.MkdirAll(filepath.Join(root, "1.2.3"), 0o755)
	os.WriteFile(filepath.Join(root, "1.2.3", "9.9.9.dcm"), []byte("x"), 0o644)

	r := NewReader(root)

	path, err := r.Instance("1.2.3", "9.9.9")
	if err != nil {
		t.Fatalf("Instance() error = %v", err)
	}
	if want := filepath.Join(root, "1.2.3", "9.9.9.dcm"); path != want {
		t.Errorf("Instance() = %q, want %q", path, want)
	}

	if _, err := r.Instance("1.2.3", "8.8.8"); !errors.Is(err, ErrInstanceNotFound) {
		t.Errorf("Instance(missing) error = %v, want ErrInstanceNotFound", err)
	}
	if _, err := r.Instance("..", "9.9.9"); err == nil {
		t.Error("Instance(\"..\") succeeded, want error")
	}
}

func TestListStudiesImplicitBigEndian(t *testing.T) {
	root := t.TempDir()
	dir := filepath.Join(root, "1.2.840.7")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}

	var dataset []byte
	for _, e := range []element{
		{0x0008, 0x0020, "", "20240202"},
		{0x0010, 0x0010, "", "GE^PATIENT"},
		{0x0020, 0x000D, "", "1.2.840.7"},
	} {
		v := []byte(e.value)
		if len(v)%2 == 1 {
			v = append(v, 0)
		}
		dataset = binary.BigEndian.AppendUint16(dataset, e.group)
		dataset = binary.BigEndian.AppendUint16(dataset, e.elem)
		dataset = binary.BigEndian.AppendUint32(dataset, uint32(len(v)))
		dataset = append(dataset, v...)
	}
	data := dicomfile.Wrap(dicomfile.Meta{
		MediaStorageSOPClassUID:    "1.2.840.10008.5.1.4.1.1.2",
		MediaStorageSOPInstanceUID: "1.2.3.4.6",
		TransferSyntaxUID:          "1.2.840.113619.5.2",
	}, dataset)
	if err := os.WriteFile(filepath.Join(dir, "1.2.3.4.6.dcm"), data, 0o644); err != nil {
		t.Fatal(err)
	}

	got, err := NewReader(root).ListStudies(context.Background())
	if err != nil {
		t.Fatalf("ListStudies() error = %v", err)
	}
	want := models.StudyRecord{StudyInstanceUID: "1.2.840.7", PatientName: "GE^PATIENT", StudyDate: "20240202", StudyDescription: models.NotAvailable}
	if len(got) != 1 || got[0] != want {
		t.Errorf("ListStudies() = %#v, want [%#v]", got, want)
	}
}
