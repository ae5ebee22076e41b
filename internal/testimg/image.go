// Package testimg builds synthetic disk images for tests.
//
// Images are sparse: only pages that were written take memory, so a
// 64 MiB filesystem costs a few kilobytes.
package testimg

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"

	"github.com/lvdlvd/bootfs/blockdev"
)

const pageSize = 4096

// Image is a sparse, writable in-memory disk.
type Image struct {
	size      int64
	blockSize uint64
	pages     map[int64][]byte
}

var (
	_ blockdev.Device = (*Image)(nil)
	_ io.WriterAt     = (*Image)(nil)
	_ io.ReaderAt     = (*Image)(nil)
)

// NewImage returns a zeroed image of size bytes served in blockSize blocks.
func NewImage(size int64, blockSize uint64) *Image {
	return &Image{size: size, blockSize: blockSize, pages: make(map[int64][]byte)}
}

func (im *Image) BlockSize() uint64 { return im.blockSize }
func (im *Image) NumBlocks() uint64 { return uint64(im.size) / im.blockSize }

// Size returns the image length in bytes.
func (im *Image) Size() int64 { return im.size }

// WithBlockSize returns a view of the same bytes using another block size.
func (im *Image) WithBlockSize(bs uint64) *Image {
	return &Image{size: im.size, blockSize: bs, pages: im.pages}
}

func (im *Image) ReadBlocks(lba uint64, buf []byte) error {
	if uint64(len(buf))%im.blockSize != 0 {
		return &blockdev.IOError{LBA: lba, Err: fmt.Errorf("unaligned buffer of %d bytes", len(buf))}
	}
	count := uint64(len(buf)) / im.blockSize
	if lba+count > im.NumBlocks() {
		return &blockdev.IOError{LBA: lba, Count: count, Err: fmt.Errorf("past end of %d blocks", im.NumBlocks())}
	}
	im.read(buf, int64(lba*im.blockSize))
	return nil
}

func (im *Image) ReadAt(p []byte, off int64) (int, error) {
	if off >= im.size {
		return 0, io.EOF
	}
	n := len(p)
	if int64(n) > im.size-off {
		n = int(im.size - off)
	}
	im.read(p[:n], off)
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

func (im *Image) read(p []byte, off int64) {
	for len(p) > 0 {
		pg, in := off/pageSize, off%pageSize
		n := min(int64(len(p)), pageSize-in)
		if page, ok := im.pages[pg]; ok {
			copy(p[:n], page[in:])
		} else {
			clear(p[:n])
		}
		p = p[n:]
		off += n
	}
}

func (im *Image) WriteAt(p []byte, off int64) (int, error) {
	if off < 0 || off+int64(len(p)) > im.size {
		return 0, fmt.Errorf("write [%d, +%d) outside image of %d bytes", off, len(p), im.size)
	}
	written := 0
	for len(p) > 0 {
		pg, in := off/pageSize, off%pageSize
		n := min(int64(len(p)), pageSize-in)
		page, ok := im.pages[pg]
		if !ok {
			page = make([]byte, pageSize)
			im.pages[pg] = page
		}
		copy(page[in:], p[:n])
		p = p[n:]
		off += n
		written += int(n)
	}
	return written, nil
}

// Bytes returns a copy of n bytes at off.
func (im *Image) Bytes(off int64, n int) []byte {
	b := make([]byte, n)
	im.read(b, off)
	return b
}

func (im *Image) must(p []byte, off int64) {
	if _, err := im.WriteAt(p, off); err != nil {
		panic(err)
	}
}

// PutUint8 patches a single byte.
func (im *Image) PutUint8(off int64, v uint8) { im.must([]byte{v}, off) }

// PutUint16 patches a little-endian 16-bit field.
func (im *Image) PutUint16(off int64, v uint16) {
	b := make([]byte, 2)
	binary.LittleEndian.PutUint16(b, v)
	im.must(b, off)
}

// PutUint32 patches a little-endian 32-bit field.
func (im *Image) PutUint32(off int64, v uint32) {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, v)
	im.must(b, off)
}

// Embed copies src into im starting at byte off. Only written pages of src
// are copied.
func (im *Image) Embed(src *Image, off int64) error {
	if off+src.size > im.size {
		return fmt.Errorf("embedding %d bytes at %d overflows image of %d bytes", src.size, off, im.size)
	}
	for pg, page := range src.pages {
		n := min(pageSize, src.size-pg*pageSize)
		if _, err := im.WriteAt(page[:n], off+pg*pageSize); err != nil {
			return err
		}
	}
	return nil
}

// Save writes the image to a sparse file at path.
func (im *Image) Save(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := f.Truncate(im.size); err != nil {
		f.Close()
		return err
	}
	for pg, page := range im.pages {
		n := min(pageSize, im.size-pg*pageSize)
		if _, err := f.WriteAt(page[:n], pg*pageSize); err != nil {
			f.Close()
			return err
		}
	}
	return f.Close()
}
