// Package storage persists received instances under
// {root}/{studyInstanceUID}/{sopInstanceUID}.dcm.
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog/log"
)

// Extension of stored instance files.
const Extension = ".dcm"

// Kind classifies storage failures.
type Kind int

const (
	KindInvalidIdentity Kind = iota + 1
	KindStorageUnavailable
	KindIncompletePayload
)

func (k Kind) String() string {
	switch k {
	case KindInvalidIdentity:
		return "invalid identity"
	case KindStorageUnavailable:
		return "storage unavailable"
	case KindIncompletePayload:
		return "incomplete payload"
	default:
		return "unknown"
	}
}

// Sentinels matched by errors.Is against *Error.
var (
	ErrInvalidIdentity    = errors.New("invalid instance identity")
	ErrStorageUnavailable = errors.New("storage unavailable")
	ErrIncompletePayload  = errors.New("incomplete payload")
)

// Error describes a failed Store.
type Error struct {
	Kind Kind
	Op   string
	Path string
	Err  error
}

func (e *Error) Error() string {
	msg := e.Kind.String()
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Path != "" {
		msg += " (" + e.Path + ")"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool {
	switch target {
	case ErrInvalidIdentity:
		return e.Kind == KindInvalidIdentity
	case ErrStorageUnavailable:
		return e.Kind == KindStorageUnavailable
	case ErrIncompletePayload:
		return e.Kind == KindIncompletePayload
	}
	return false
}

// Writer stores instances below a root directory. It is safe for concurrent
// use: writes go to a temporary file that is renamed over the target, so
// readers never observe a partial file and the last writer wins.
type Writer struct {
	root string
}

// NewWriter returns a writer rooted at root.
func NewWriter(root string) *Writer {
	return &Writer{root: root}
}

// Root returns the storage root.
func (w *Writer) Root() string { return w.root }

// Path returns the target path of an instance.
func (w *Writer) Path(studyInstanceUID, sopInstanceUID string) (string, error) {
	study, sop := strings.TrimSpace(studyInstanceUID), strings.TrimSpace(sopInstanceUID)
	if err := ValidateUID(study); err != nil {
		return "", &Error{Kind: KindInvalidIdentity, Op: "study instance UID", Err: err}
	}
	if err := ValidateUID(sop); err != nil {
		return "", &Error{Kind: KindInvalidIdentity, Op: "SOP instance UID", Err: err}
	}
	return filepath.Join(w.root, study, sop+Extension), nil
}

// Store writes payload as the instance file, replacing any previous copy.
func (w *Writer) Store(ctx context.Context, studyInstanceUID, sopInstanceUID string, payload io.Reader) error {
	target, err := w.Path(studyInstanceUID, sopInstanceUID)
	if err != nil {
		return err
	}
	if w.root == "" {
		return &Error{Kind: KindStorageUnavailable, Op: "store", Err: errors.New("no storage root configured")}
	}
	if err := ctx.Err(); err != nil {
		return &Error{Kind: KindIncompletePayload, Op: "store", Path: target, Err: err}
	}

	dir := filepath.Dir(target)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return &Error{Kind: KindStorageUnavailable, Op: "create study directory", Path: dir, Err: err}
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(target)+".*.tmp")
	if err != nil {
		return &Error{Kind: KindStorageUnavailable, Op: "create temporary file", Path: dir, Err: err}
	}
	tmpName := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			tmp.Close()
			os.Remove(tmpName)
		}
	}()

	src := &trackingReader{r: payload}
	n, err := io.Copy(tmp, src)
	if err != nil {
		if src.err != nil {
			return &Error{Kind: KindIncompletePayload, Op: "read payload", Path: target, Err: err}
		}
		return &Error{Kind: KindStorageUnavailable, Op: "write", Path: tmpName, Err: err}
	}
	if n == 0 {
		return &Error{Kind: KindIncompletePayload, Op: "read payload", Path: target, Err: io.ErrUnexpectedEOF}
	}

	if err := tmp.Sync(); err != nil {
		return &Error{Kind: KindStorageUnavailable, Op: "sync", Path: tmpName, Err: err}
	}
	if err := tmp.Close(); err != nil {
		return &Error{Kind: KindStorageUnavailable, Op: "close", Path: tmpName, Err: err}
	}
	if err := os.Rename(tmpName, target); err != nil {
		os.Remove(tmpName)
		committed = true
		return &Error{Kind: KindStorageUnavailable, Op: "rename", Path: target, Err: err}
	}
	committed = true

	log.Debug().Str("path", target).Int64("bytes", n).Msg("Instance written")
	return nil
}

// ValidateUID rejects identifiers that are empty or could escape the
// storage root when used as a path element.
func ValidateUID(uid string) error {
	switch {
	case uid == "":
		return errors.New("empty UID")
	case uid == "." || uid == "..":
		return fmt.Errorf("UID %q is not a valid path element", uid)
	case strings.ContainsAny(uid, `/\`+"\x00"):
		return fmt.Errorf("UID %q contains a path separator", uid)
	}
	return nil
}

// trackingReader remembers read-side failures so they can be told apart
// from write failures after io.Copy.
type trackingReader struct {
	r   io.Reader
	err error
}

func (t *trackingReader) Read(p []byte) (int, error) {
	n, err := t.r.Read(p)
	if err != nil && err != io.EOF {
		t.err = err
	}
	return n, err
}
