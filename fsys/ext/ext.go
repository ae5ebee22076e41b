// Package ext implements a read-only ext4 file reader for boot volumes.
//
// Only what a boot loader needs is supported: path resolution through
// extent-mapped directories and reading regular files stored in a single
// leaf extent. Anything outside that is reported as fsys.ErrCorrupt rather
// than read incorrectly.
package ext

import (
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"

	"github.com/lvdlvd/bootfs/blockdev"
	"github.com/lvdlvd/bootfs/fsys"
)

const (
	superblockOffset = 1024
	superblockSize   = 1024
	extMagic         = 0xEF53
	extentMagic      = 0xF30A
	rootInode        = 2

	// Inode flags
	inodeFlagExtents    = 0x00080000
	inodeFlagInlineData = 0x10000000

	// Incompat feature flags
	featureIncompatCompression = 0x0001
	featureIncompatFiletype    = 0x0002
	featureIncompatRecover     = 0x0004
	featureIncompatJournalDev  = 0x0008
	featureIncompatMetaBG      = 0x0010
	featureIncompatExtents     = 0x0040
	featureIncompat64Bit       = 0x0080
	featureIncompatMMP         = 0x0100
	featureIncompatFlexBG      = 0x0200
	featureIncompatEAInode     = 0x0400
	featureIncompatDirData     = 0x1000
	featureIncompatCsumSeed    = 0x2000
	featureIncompatLargeDir    = 0x4000
	featureIncompatInlineData  = 0x8000
	featureIncompatEncrypt     = 0x10000
	featureIncompatCasefold    = 0x20000

	// Features that do not change how a single-extent file is located.
	featureIncompatUnderstood = featureIncompatFiletype | featureIncompatExtents |
		featureIncompat64Bit | featureIncompatFlexBG | featureIncompatMMP |
		featureIncompatCsumSeed | featureIncompatLargeDir | featureIncompatEAInode |
		featureIncompatMetaBG
	// Features that change where or which bytes a reader would return.
	featureIncompatFatal = featureIncompatCompression | featureIncompatEncrypt |
		featureIncompatInlineData
)

// FS reads files from an ext4 volume. It keeps no filesystem state between
// calls; every operation starts from the superblock.
type FS struct {
	r   *blockdev.Reader
	log *slog.Logger
}

var _ fsys.Reader = (*FS)(nil)

// New returns a reader for the ext4 volume on dev. A nil logger discards.
func New(dev blockdev.Device, log *slog.Logger) *FS {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &FS{r: blockdev.NewReader(dev), log: log.With(slog.String("fs", "ext4"))}
}

func (f *FS) Type() string { return "ext4" }

// Superblock holds the superblock fields the reader relies on.
type Superblock struct {
	InodesCount     uint32
	BlocksCount     uint64
	FirstDataBlock  uint32
	LogBlockSize    uint32
	BlocksPerGroup  uint32
	InodesPerGroup  uint32
	Magic           uint16
	RevLevel        uint32
	InodeSize       uint16
	FeatureCompat   uint32
	FeatureIncompat uint32
	DescSize        uint16
	FirstMetaBG     uint32
	VolumeName      string
}

// BlockSize returns the filesystem block size in bytes.
func (sb *Superblock) BlockSize() uint64 { return 1024 << sb.LogBlockSize }

// GroupCount returns the number of block groups holding inodes.
func (sb *Superblock) GroupCount() uint32 {
	return (sb.InodesCount + sb.InodesPerGroup - 1) / sb.InodesPerGroup
}

func (sb *Superblock) has(incompat uint32) bool { return sb.FeatureIncompat&incompat != 0 }

// ReadSuperblock reads and validates the superblock at byte 1024.
func (f *FS) ReadSuperblock() (*Superblock, error) {
	data := make([]byte, superblockSize)
	if _, err := f.r.ReadAt(data, superblockOffset); err != nil {
		if err == io.EOF {
			return nil, fsys.Corruptf("volume too small for an ext4 superblock")
		}
		return nil, fmt.Errorf("reading superblock: %w", err)
	}
	sb, err := parseSuperblock(data)
	if err != nil {
		return nil, err
	}
	if sb.BlockSize()%f.r.BlockSize() != 0 {
		return nil, fsys.Corruptf("block size %d is not a multiple of the device block size %d", sb.BlockSize(), f.r.BlockSize())
	}
	if unknown := sb.FeatureIncompat &^ (featureIncompatUnderstood | featureIncompatFatal); unknown != 0 {
		f.log.Warn("ignoring incompatible features", slog.String("flags", fmt.Sprintf("%#x", unknown)))
	}
	return sb, nil
}

func parseSuperblock(data []byte) (*Superblock, error) {
	le := binary.LittleEndian
	sb := &Superblock{Magic: le.Uint16(data[0x38:0x3A])}
	// Nothing else is trusted until the magic matches.
	if sb.Magic != extMagic {
		return nil, fsys.Corruptf("bad ext4 superblock magic %#04x", sb.Magic)
	}

	sb.InodesCount = le.Uint32(data[0x00:0x04])
	sb.BlocksCount = uint64(le.Uint32(data[0x04:0x08]))
	sb.FirstDataBlock = le.Uint32(data[0x14:0x18])
	sb.LogBlockSize = le.Uint32(data[0x18:0x1C])
	sb.BlocksPerGroup = le.Uint32(data[0x20:0x24])
	sb.InodesPerGroup = le.Uint32(data[0x28:0x2C])
	sb.RevLevel = le.Uint32(data[0x4C:0x50])
	sb.InodeSize = le.Uint16(data[0x58:0x5A])
	sb.FeatureCompat = le.Uint32(data[0x5C:0x60])
	sb.FeatureIncompat = le.Uint32(data[0x60:0x64])
	sb.VolumeName = cString(data[0x78:0x88])
	sb.FirstMetaBG = le.Uint32(data[0x104:0x108])

	// Revision 0 has fixed inode geometry
	if sb.RevLevel == 0 {
		sb.InodeSize = 128
	}

	sb.DescSize = 32
	if sb.has(featureIncompat64Bit) {
		sb.DescSize = le.Uint16(data[0xFE:0x100])
		if sb.DescSize == 0 {
			sb.DescSize = 64
		}
		sb.BlocksCount |= uint64(le.Uint32(data[0x150:0x154])) << 32
	}

	switch {
	case sb.LogBlockSize > 6:
		return nil, fsys.Corruptf("block size 2^%d KiB out of range", sb.LogBlockSize)
	case sb.InodesPerGroup == 0:
		return nil, fsys.Corruptf("zero inodes per group")
	case sb.InodeSize < 128 || uint64(sb.InodeSize) > sb.BlockSize() || sb.InodeSize&(sb.InodeSize-1) != 0:
		return nil, fsys.Corruptf("inode size %d out of range", sb.InodeSize)
	case sb.DescSize < 32 || sb.DescSize&(sb.DescSize-1) != 0 || uint64(sb.DescSize) > sb.BlockSize():
		return nil, fsys.Corruptf("group descriptor size %d out of range", sb.DescSize)
	case sb.has(featureIncompatEncrypt):
		return nil, fsys.Corruptf("encrypted filesystems are not supported")
	case sb.has(featureIncompatCompression):
		return nil, fsys.Corruptf("compressed filesystems are not supported")
	case sb.has(featureIncompatInlineData):
		return nil, fsys.Corruptf("inline data is not supported")
	case sb.has(featureIncompatMetaBG) && uint64(sb.GroupCount()) > sb.classicGroups():
		return nil, fsys.Corruptf("meta_bg descriptors from group %d are not supported", sb.classicGroups())
	}
	return sb, nil
}

// classicGroups returns how many group descriptors sit in the contiguous
// table after the superblock. Under meta_bg the rest are spread across
// the volume.
func (sb *Superblock) classicGroups() uint64 {
	if !sb.has(featureIncompatMetaBG) {
		return uint64(sb.GroupCount())
	}
	return uint64(sb.FirstMetaBG) * (sb.BlockSize() / uint64(sb.DescSize))
}

func cString(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}

// GroupDescriptor holds the block group descriptor fields the reader uses.
type GroupDescriptor struct {
	InodeTable uint64 // First block of the group's inode table
}

// ReadGroupDescriptor reads the descriptor of group. The group index is
// bounded by the number of groups holding inodes.
func (f *FS) ReadGroupDescriptor(sb *Superblock, group uint32) (GroupDescriptor, error) {
	if n := sb.GroupCount(); group >= n {
		return GroupDescriptor{}, fsys.Corruptf("block group %d out of range (%d groups)", group, n)
	}

	// Descriptors start in the block after the superblock's block
	descBlock := uint64(sb.FirstDataBlock) + 1
	off := int64(descBlock*sb.BlockSize()) + int64(group)*int64(sb.DescSize)
	data := make([]byte, sb.DescSize)
	if _, err := f.r.ReadAt(data, off); err != nil {
		return GroupDescriptor{}, fmt.Errorf("reading group descriptor %d: %w", group, eofCorrupt(err))
	}

	gd := GroupDescriptor{InodeTable: uint64(binary.LittleEndian.Uint32(data[0x08:0x0C]))}
	if sb.has(featureIncompat64Bit) && sb.DescSize >= 64 {
		gd.InodeTable |= uint64(binary.LittleEndian.Uint32(data[0x28:0x2C])) << 32
	}
	if gd.InodeTable == 0 {
		return GroupDescriptor{}, fsys.Corruptf("block group %d has no inode table", group)
	}
	bs := sb.BlockSize()
	tableBlocks := (uint64(sb.InodesPerGroup)*uint64(sb.InodeSize) + bs - 1) / bs
	if vb := f.volumeBlocks(sb); gd.InodeTable > vb || tableBlocks > vb-gd.InodeTable {
		return GroupDescriptor{}, fsys.Corruptf("block group %d: inode table at block %d past the volume", group, gd.InodeTable)
	}
	return gd, nil
}

// eofCorrupt maps a read past the end of the volume to a corruption error:
// on-disk pointers led outside the device.
func eofCorrupt(err error) error {
	if err == io.EOF {
		return fsys.Corruptf("pointer past end of volume")
	}
	return err
}
