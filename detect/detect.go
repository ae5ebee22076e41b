// Package detect identifies the filesystem held by a volume.
package detect

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/lvdlvd/bootfs/blockdev"
)

// Type represents a filesystem type
type Type int

const (
	Unknown Type = iota
	FAT32
	Ext4
)

func (t Type) String() string {
	switch t {
	case FAT32:
		return "FAT32"
	case Ext4:
		return "ext4"
	default:
		return "unknown"
	}
}

const (
	superblockOffset = 1024
	superblockSize   = 1024
	extMagicOffset   = superblockOffset + 0x38
	extMagic         = 0xEF53
	bootSectorSize   = 512
)

// Detect identifies the filesystem type of a volume.
//
// The ext4 superblock magic is checked first. Otherwise a boot sector
// carrying the "FAT" type string in either the FAT12/16 or the FAT32 BPB
// layout is reported as FAT32; the FAT reader decides whether the volume
// really is FAT32. Device errors are returned as is.
func Detect(dev blockdev.Device) (Type, error) {
	r := blockdev.NewReader(dev)

	if r.Size() >= superblockOffset+superblockSize {
		magic := make([]byte, 2)
		if _, err := r.ReadAt(magic, extMagicOffset); err != nil {
			return Unknown, fmt.Errorf("reading superblock: %w", err)
		}
		if binary.LittleEndian.Uint16(magic) == extMagic {
			return Ext4, nil
		}
	}

	bs := make([]byte, bootSectorSize)
	if _, err := r.ReadAt(bs, 0); err != nil {
		if errors.Is(err, io.EOF) {
			return Unknown, nil
		}
		return Unknown, fmt.Errorf("reading boot sector: %w", err)
	}
	if isFAT(bs) {
		return FAT32, nil
	}
	return Unknown, nil
}

// isFAT reports whether the boot sector carries a FAT file system type string
// at offset 54 (FAT12/16 BPB) or 82 (FAT32 BPB).
func isFAT(bs []byte) bool {
	return string(bs[54:57]) == "FAT" || string(bs[82:85]) == "FAT"
}
