package fsys

import (
	"fmt"
	"io"

	"golang.org/x/text/encoding/charmap"
)

// File is an open regular file. Its location is fixed when it is opened,
// so reads never walk the directory tree again.
type File struct {
	name   string
	data   *ExtentReaderAt
	offset int64
}

var (
	_ io.Reader   = (*File)(nil)
	_ io.ReaderAt = (*File)(nil)
)

// NewFile returns a handle reading size bytes of name through the extents
// over volume r.
func NewFile(name string, r io.ReaderAt, extents []Extent, size int64) *File {
	return &File{name: name, data: NewExtentReaderAt(r, extents, size)}
}

// Name returns the path the file was opened with.
func (f *File) Name() string { return f.name }

// Size returns the file length in bytes.
func (f *File) Size() int64 { return f.data.Size() }

// Extents returns the physical layout of the file on its volume.
func (f *File) Extents() []Extent { return f.data.Extents() }

func (f *File) Read(b []byte) (int, error) {
	if f.offset >= f.data.Size() {
		return 0, io.EOF
	}
	n, err := f.data.ReadAt(b, f.offset)
	f.offset += int64(n)
	if err == io.EOF && n > 0 {
		err = nil
	}
	return n, err
}

func (f *File) ReadAt(b []byte, off int64) (int, error) {
	return f.data.ReadAt(b, off)
}

// ReadAll returns the whole file regardless of the read position.
func (f *File) ReadAll() ([]byte, error) {
	buf := make([]byte, f.data.Size())
	if len(buf) == 0 {
		return buf, nil
	}
	if _, err := f.data.ReadAt(buf, 0); err != nil && err != io.EOF {
		return nil, fmt.Errorf("reading %s: %w", f.name, err)
	}
	return buf, nil
}

// ReadToString returns the file contents as text. Bytes are taken as
// ISO 8859-1, so every input decodes.
func (f *File) ReadToString() (string, error) {
	raw, err := f.ReadAll()
	if err != nil {
		return "", err
	}
	text, err := charmap.ISO8859_1.NewDecoder().Bytes(raw)
	if err != nil {
		return "", fmt.Errorf("decoding %s: %w", f.name, err)
	}
	return string(text), nil
}

func (f *File) Close() error {
	f.offset = f.data.Size()
	return nil
}
