package blockdev

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// File is a raw disk image or block special file opened read-only.
type File struct {
	fd        int
	path      string
	size      int64
	blockSize uint64
}

var _ Device = (*File)(nil)

// OpenFile opens path as a device of blockSize blocks. The final block of an
// image whose length is not a block multiple reads as zero past EOF.
func OpenFile(path string, blockSize uint64) (*File, error) {
	if err := checkBlockSize(blockSize); err != nil {
		return nil, err
	}
	fd, err := unix.Open(path, unix.O_RDONLY|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", path, err)
	}
	var st unix.Stat_t
	if err := unix.Fstat(fd, &st); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("stat %s: %w", path, err)
	}
	size := st.Size
	if st.Mode&unix.S_IFMT == unix.S_IFBLK {
		size, err = blockDeviceSize(fd)
		if err != nil {
			unix.Close(fd)
			return nil, fmt.Errorf("sizing %s: %w", path, err)
		}
	}
	return &File{fd: fd, path: path, size: size, blockSize: blockSize}, nil
}

// blockDeviceSize finds the size of a block special file by seeking to its end.
func blockDeviceSize(fd int) (int64, error) {
	end, err := unix.Seek(fd, 0, 2)
	if err != nil {
		return 0, err
	}
	if _, err := unix.Seek(fd, 0, 0); err != nil {
		return 0, err
	}
	return end, nil
}

func (f *File) BlockSize() uint64 { return f.blockSize }

func (f *File) NumBlocks() uint64 {
	return (uint64(f.size) + f.blockSize - 1) / f.blockSize
}

// Size returns the image length in bytes.
func (f *File) Size() int64 { return f.size }

func (f *File) ReadBlocks(lba uint64, buf []byte) error {
	if err := checkTransfer(lba, buf, f.blockSize, f.NumBlocks()); err != nil {
		return err
	}
	count := uint64(len(buf)) / f.blockSize
	off := int64(lba * f.blockSize)
	for done := 0; done < len(buf); {
		n, err := unix.Pread(f.fd, buf[done:], off+int64(done))
		if err != nil {
			return &IOError{LBA: lba, Count: count, Err: err}
		}
		if n == 0 {
			// Past EOF inside the final partial block.
			clear(buf[done:])
			break
		}
		done += n
	}
	return nil
}

func (f *File) Close() error {
	if err := unix.Close(f.fd); err != nil {
		return fmt.Errorf("closing %s: %w", f.path, err)
	}
	return nil
}
