// Package index rebuilds the study catalogue from the storage root on every
// request. Nothing is cached; the filesystem is the only source of truth.
package index

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/otcheredev/pacslink/internal/models"
	"github.com/otcheredev/pacslink/internal/storage"
	"github.com/otcheredev/pacslink/pkg/dicomfile"
	"github.com/rs/zerolog/log"
)

// ErrInstanceNotFound is returned by Instance when no file is stored for
// the requested identity.
var ErrInstanceNotFound = errors.New("instance not found")

// Reader scans a storage root laid out as {root}/{study}/{sop}.dcm.
type Reader struct {
	root string
}

func NewReader(root string) *Reader {
	return &Reader{root: root}
}

// ListStudies returns one record per study directory that holds a readable
// instance. A missing or empty root yields an empty slice. The only error
// returned is ctx's.
func (r *Reader) ListStudies(ctx context.Context) ([]models.StudyRecord, error) {
	studies := make([]models.StudyRecord, 0)
	if r.root == "" {
		return studies, nil
	}

	entries, err := os.ReadDir(r.root)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			log.Warn().Err(err).Str("root", r.root).Msg("Storage root unreadable")
		}
		return studies, nil
	}

	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if !entry.IsDir() {
			continue
		}

		record, ok := r.readStudy(entry.Name())
		if ok {
			studies = append(studies, record)
		}
	}
	return studies, nil
}

// ListStudyUIDs returns the study instance UIDs of ListStudies.
func (r *Reader) ListStudyUIDs(ctx context.Context) ([]string, error) {
	studies, err := r.ListStudies(ctx)
	if err != nil {
		return nil, err
	}
	uids := make([]string, 0, len(studies))
	for _, s := range studies {
		uids = append(uids, s.StudyInstanceUID)
	}
	return uids, nil
}

// Instance returns the path of a stored instance.
func (r *Reader) Instance(studyInstanceUID, sopInstanceUID string) (string, error) {
	path, err := storage.NewWriter(r.root).Path(studyInstanceUID, sopInstanceUID)
	if err != nil {
		return "", err
	}
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", ErrInstanceNotFound
		}
		return "", fmt.Errorf("failed to stat %s: %w", path, err)
	}
	if !info.Mode().IsRegular() {
		return "", ErrInstanceNotFound
	}
	return path, nil
}

func (r *Reader) readStudy(dirName string) (models.StudyRecord, bool) {
	var record models.StudyRecord
	dir := filepath.Join(r.root, dirName)
	logger := log.With().Str("study_dir", dir).Logger()

	file, err := firstInstance(dir)
	if err != nil {
		logger.Warn().Err(err).Msg("Study directory unreadable")
		return record, false
	}
	if file == "" {
		logger.Debug().Msg("Study directory holds no instance files")
		return record, false
	}

	summary, err := dicomfile.SummarizeFile(file)
	if err != nil {
		logger.Warn().Err(err).Str("file", file).Msg("Skipping study with unreadable instance")
		return record, false
	}

	record = models.StudyRecord{
		StudyInstanceUID: orNotAvailable(summary.StudyInstanceUID),
		PatientName:      orNotAvailable(summary.PatientName),
		StudyDate:        orNotAvailable(summary.StudyDate),
		StudyDescription: orNotAvailable(summary.StudyDescription),
	}
	if summary.StudyInstanceUID == "" {
		record.StudyInstanceUID = dirName
	}
	return record, true
}

// firstInstance returns the first regular *.dcm file of dir in name order,
// or "" when there is none.
func firstInstance(dir string) (string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", err
	}
	for _, e := range entries {
		name := e.Name()
		if !e.Type().IsRegular() || strings.HasPrefix(name, ".") {
			continue
		}
		if strings.EqualFold(filepath.Ext(name), storage.Extension) {
			return filepath.Join(dir, name), nil
		}
	}
	return "", nil
}

func orNotAvailable(s string) string {
	if s == "" {
		return models.NotAvailable
	}
	return s
}
