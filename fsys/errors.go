package fsys

import (
	"errors"
	"fmt"
	"io/fs"

	"github.com/lvdlvd/bootfs/blockdev"
)

var (
	// ErrNotFound is returned when a path does not name a regular file.
	// It is the fs.ErrNotExist sentinel so callers can use either.
	ErrNotFound = fs.ErrNotExist

	// ErrCorrupt covers on-disk structures that fail validation and
	// features this reader does not implement.
	ErrCorrupt = errors.New("corrupt or unsupported filesystem")

	// ErrDevice is the block device failure sentinel.
	ErrDevice = blockdev.ErrIO

	// ErrUnknownFS is returned for volumes holding neither ext4 nor FAT32.
	ErrUnknownFS = fmt.Errorf("unknown filesystem: %w", ErrCorrupt)
)

// Corruptf returns an error wrapping ErrCorrupt.
func Corruptf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrCorrupt, fmt.Sprintf(format, args...))
}

// IsFatal reports whether err means the volume cannot be read at all.
// Not-found conditions are recoverable; device and corruption errors are not.
func IsFatal(err error) bool {
	return errors.Is(err, ErrDevice) || errors.Is(err, ErrCorrupt)
}

// PathError wraps err with the operation and path that produced it.
func PathError(op, name string, err error) error {
	return &fs.PathError{Op: op, Path: name, Err: err}
}
