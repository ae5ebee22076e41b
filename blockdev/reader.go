package blockdev

import (
	"fmt"
	"io"
)

// Reader turns whole-block transfers into byte-granular reads.
type Reader struct {
	dev Device
	bs  uint64
}

var _ io.ReaderAt = (*Reader)(nil)

// NewReader returns an adapter over dev.
func NewReader(dev Device) *Reader {
	return &Reader{dev: dev, bs: dev.BlockSize()}
}

// Device returns the underlying device.
func (r *Reader) Device() Device { return r.dev }

// BlockSize returns the device block size.
func (r *Reader) BlockSize() uint64 { return r.bs }

// Size returns the device capacity in bytes.
func (r *Reader) Size() int64 { return int64(r.dev.NumBlocks() * r.bs) }

// ReadBytes fills out with len(out) bytes starting at the first byte of
// block lba. Lengths that are not a block multiple are served by reading the
// largest whole-block prefix directly and the remainder through a one-block
// scratch buffer.
func (r *Reader) ReadBytes(lba uint64, out []byte) error {
	n := uint64(len(out))
	whole := n / r.bs * r.bs
	if whole > 0 {
		if err := r.dev.ReadBlocks(lba, out[:whole]); err != nil {
			return wrapIO(err, lba, whole/r.bs)
		}
	}
	if whole == n {
		return nil
	}
	tail := lba + whole/r.bs
	scratch := make([]byte, r.bs)
	if err := r.dev.ReadBlocks(tail, scratch); err != nil {
		return wrapIO(err, tail, 1)
	}
	copy(out[whole:], scratch)
	return nil
}

// ReadAt implements io.ReaderAt at arbitrary byte offsets. Reads past the
// end of the device are truncated and report io.EOF.
func (r *Reader) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, fmt.Errorf("negative offset %d", off)
	}
	size := r.Size()
	if off >= size {
		return 0, io.EOF
	}
	want := p
	if int64(len(p)) > size-off {
		want = p[:size-off]
	}

	lba := uint64(off) / r.bs
	head := uint64(off) % r.bs
	done := 0
	if head != 0 {
		scratch := make([]byte, r.bs)
		if err := r.dev.ReadBlocks(lba, scratch); err != nil {
			return 0, wrapIO(err, lba, 1)
		}
		done = copy(want, scratch[head:])
		lba++
	}
	if done < len(want) {
		if err := r.ReadBytes(lba, want[done:]); err != nil {
			return done, err
		}
		done = len(want)
	}
	if done < len(p) {
		return done, io.EOF
	}
	return done, nil
}

// wrapIO makes sure a device failure carries ErrIO.
func wrapIO(err error, lba, count uint64) error {
	if _, ok := err.(*IOError); ok {
		return err
	}
	return &IOError{LBA: lba, Count: count, Err: err}
}
