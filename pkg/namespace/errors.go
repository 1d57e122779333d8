package namespace

import (
	"errors"
	"fmt"

	"blobgate/pkg/apierr"
)

// Filesystem-style failures. Errors returned by the adapter wrap one of
// these together with the storage error that caused it, so both
// errors.Is(err, ErrNoEntry) and errors.Is(err, apierr.ErrNotFound) hold.
var (
	ErrNoEntry     = errors.New("no such file or directory")
	ErrExist       = errors.New("file exists")
	ErrNotDir      = errors.New("not a directory")
	ErrIsDir       = errors.New("is a directory")
	ErrNotEmpty    = errors.New("directory not empty")
	ErrInvalidName = errors.New("invalid file name")
)

// fsError translates a storage failure. Kinds without a filesystem
// counterpart pass through unchanged.
func fsError(err error) error {
	if err == nil {
		return nil
	}
	switch apierr.KindOf(err) {
	case apierr.KindNotFound:
		return fmt.Errorf("%w: %w", ErrNoEntry, err)
	case apierr.KindAlreadyExists:
		return fmt.Errorf("%w: %w", ErrExist, err)
	}
	return err
}

// createError is fsError for the create paths, where losing the race to
// another creator surfaces as Conflict.
func createError(err error) error {
	if apierr.KindOf(err) == apierr.KindConflict {
		return fmt.Errorf("%w: %w", ErrExist, err)
	}
	return fsError(err)
}

func pathError(fsErr error, path string) error {
	return fmt.Errorf("%w: %s", fsErr, path)
}

var errWriterClosed = errors.New("writer is closed")
