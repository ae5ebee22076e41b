// Package blockdev provides the block device contract used by the boot
// filesystem readers, a few concrete devices, and a byte-granular adapter
// on top of whole-block transfers.
package blockdev

import (
	"errors"
	"fmt"
)

// ErrIO is the sentinel matched by every device transfer failure.
var ErrIO = errors.New("block device I/O error")

// Device is a read-only, block-addressable volume.
//
// ReadBlocks fills buf starting at block lba. len(buf) must be a whole
// multiple of BlockSize; a transfer is either complete or returns an error.
type Device interface {
	BlockSize() uint64
	NumBlocks() uint64
	ReadBlocks(lba uint64, buf []byte) error
}

// IOError describes a failed transfer.
type IOError struct {
	LBA   uint64
	Count uint64 // Blocks requested
	Err   error
}

func (e *IOError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("reading %d blocks at lba %d: %v", e.Count, e.LBA, ErrIO)
	}
	return fmt.Sprintf("reading %d blocks at lba %d: %v", e.Count, e.LBA, e.Err)
}

func (e *IOError) Unwrap() error { return e.Err }

// Is reports every IOError as ErrIO.
func (e *IOError) Is(target error) bool { return target == ErrIO }

// checkTransfer validates the arguments of a ReadBlocks call against a device
// geometry.
func checkTransfer(lba uint64, buf []byte, blockSize, numBlocks uint64) error {
	if uint64(len(buf))%blockSize != 0 {
		return &IOError{LBA: lba, Err: fmt.Errorf("buffer length %d is not a multiple of block size %d", len(buf), blockSize)}
	}
	count := uint64(len(buf)) / blockSize
	if lba > numBlocks || count > numBlocks-lba {
		return &IOError{LBA: lba, Count: count, Err: fmt.Errorf("out of range: device has %d blocks", numBlocks)}
	}
	return nil
}

// Memory is a RAM disk over a byte slice.
type Memory struct {
	data      []byte
	blockSize uint64
}

var _ Device = (*Memory)(nil)

// NewMemory returns a device serving data in blockSize units. A trailing
// partial block is not addressable.
func NewMemory(data []byte, blockSize uint64) (*Memory, error) {
	if err := checkBlockSize(blockSize); err != nil {
		return nil, err
	}
	return &Memory{data: data, blockSize: blockSize}, nil
}

func (m *Memory) BlockSize() uint64 { return m.blockSize }
func (m *Memory) NumBlocks() uint64 { return uint64(len(m.data)) / m.blockSize }

func (m *Memory) ReadBlocks(lba uint64, buf []byte) error {
	if err := checkTransfer(lba, buf, m.blockSize, m.NumBlocks()); err != nil {
		return err
	}
	copy(buf, m.data[lba*m.blockSize:])
	return nil
}

// Slice exposes blocks [start, start+count) of a parent device as a device
// of its own, as used for partitions.
type Slice struct {
	dev   Device
	start uint64
	count uint64
}

var _ Device = (*Slice)(nil)

// NewSlice returns the sub-range of dev. The range must lie inside dev.
func NewSlice(dev Device, start, count uint64) (*Slice, error) {
	n := dev.NumBlocks()
	if start > n || count > n-start {
		return nil, fmt.Errorf("slice [%d, +%d) outside device of %d blocks", start, count, n)
	}
	return &Slice{dev: dev, start: start, count: count}, nil
}

func (s *Slice) BlockSize() uint64 { return s.dev.BlockSize() }
func (s *Slice) NumBlocks() uint64 { return s.count }

// Start returns the first parent block covered by the slice.
func (s *Slice) Start() uint64 { return s.start }

func (s *Slice) ReadBlocks(lba uint64, buf []byte) error {
	if err := checkTransfer(lba, buf, s.dev.BlockSize(), s.count); err != nil {
		return err
	}
	return s.dev.ReadBlocks(s.start+lba, buf)
}

func checkBlockSize(bs uint64) error {
	if bs < 512 || bs&(bs-1) != 0 {
		return fmt.Errorf("invalid block size %d", bs)
	}
	return nil
}
