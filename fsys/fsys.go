// Package fsys holds what the boot filesystem readers share: the error
// taxonomy, the reader interface, and an extent-mapped file handle.
package fsys

import (
	"fmt"
	"io"
	"path"
	"sort"
	"strings"
)

// Extent represents a mapping from logical file offset to physical volume offset
type Extent struct {
	Logical  int64 // Offset within the file
	Physical int64 // Offset within the volume
	Length   int64 // Length of this extent
}

// Reader is implemented by each on-disk format.
type Reader interface {
	// Open locates a regular file and returns a handle on its data.
	Open(name string) (*File, error)

	// ReadFile returns the full contents of a regular file.
	ReadFile(name string) ([]byte, error)

	// Type returns the filesystem type name ("ext4", "FAT32").
	Type() string
}

// ExtentReaderAt wraps an io.ReaderAt and a list of extents to provide
// a view of a file's data without loading it entirely into memory
type ExtentReaderAt struct {
	r       io.ReaderAt
	extents []Extent
	size    int64
}

// NewExtentReaderAt creates a new ExtentReaderAt from a base reader and extents.
func NewExtentReaderAt(r io.ReaderAt, extents []Extent, size int64) *ExtentReaderAt {
	sorted := make([]Extent, len(extents))
	copy(sorted, extents)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].Logical < sorted[j].Logical
	})
	return &ExtentReaderAt{r: r, extents: sorted, size: size}
}

// Size returns the logical size of the file
func (e *ExtentReaderAt) Size() int64 {
	return e.size
}

// Extents returns a copy of the mapping.
func (e *ExtentReaderAt) Extents() []Extent {
	return append([]Extent(nil), e.extents...)
}

// ReadAt implements io.ReaderAt. Holes between extents read as zeros.
func (e *ExtentReaderAt) ReadAt(p []byte, off int64) (n int, err error) {
	if off < 0 {
		return 0, fmt.Errorf("negative offset")
	}
	if off >= e.size {
		return 0, io.EOF
	}

	short := false
	if off+int64(len(p)) > e.size {
		p = p[:e.size-off]
		short = true
	}

	for n < len(p) {
		ext, found := e.findExtent(off)
		if !found {
			gapEnd := e.nextExtentStart(off)
			zeroLen := min(int(gapEnd-off), len(p)-n)
			clear(p[n : n+zeroLen])
			n += zeroLen
			off += int64(zeroLen)
			continue
		}

		extentOffset := off - ext.Logical
		toRead := min(int(ext.Length-extentOffset), len(p)-n)
		nr, err := e.r.ReadAt(p[n:n+toRead], ext.Physical+extentOffset)
		n += nr
		off += int64(nr)
		if nr < toRead {
			if err == nil || err == io.EOF {
				err = io.ErrUnexpectedEOF
			}
			return n, err
		}
	}

	if short {
		return n, io.EOF
	}
	return n, nil
}

// findExtent finds the extent containing the given logical offset
func (e *ExtentReaderAt) findExtent(off int64) (Extent, bool) {
	for _, ext := range e.extents {
		if off >= ext.Logical && off < ext.Logical+ext.Length {
			return ext, true
		}
	}
	return Extent{}, false
}

// nextExtentStart returns the start of the next extent after the given offset
func (e *ExtentReaderAt) nextExtentStart(off int64) int64 {
	for _, ext := range e.extents {
		if ext.Logical > off {
			return ext.Logical
		}
	}
	return e.size
}

// SplitPath cleans an absolute or relative slash-separated path and returns
// its non-empty segments. The root yields no segments.
func SplitPath(name string) []string {
	clean := path.Clean("/" + name)
	if clean == "/" {
		return nil
	}
	return strings.Split(clean[1:], "/")
}
