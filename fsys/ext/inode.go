package ext

import (
	"encoding/binary"
	"fmt"
	"log/slog"

	"github.com/lvdlvd/bootfs/fsys"
)

const (
	modeTypeMask = 0xF000
	modeDir      = 0x4000
	modeRegular  = 0x8000
)

// Inode holds the inode fields the reader uses.
type Inode struct {
	Number uint32
	Mode   uint16
	Links  uint16
	Size   uint64
	Flags  uint32
	Layout Layout
}

// IsDir reports whether the inode is a directory.
func (i *Inode) IsDir() bool { return i.Mode&modeTypeMask == modeDir }

// IsRegular reports whether the inode is a regular file.
func (i *Inode) IsRegular() bool { return i.Mode&modeTypeMask == modeRegular }

// Layout is the interpretation of the inode's 60-byte block area:
// either a BlockMap or an ExtentTree.
type Layout interface {
	layout()
}

// BlockMap is the legacy direct/indirect block pointer layout.
type BlockMap struct {
	Pointers [15]uint32
}

// ExtentTree is the root node of an extent tree and its first entry.
type ExtentTree struct {
	Header ExtentHeader
	Leaf   ExtentLeaf // First entry, valid when Header.Depth is 0 and Header.Entries > 0
}

func (BlockMap) layout()   {}
func (ExtentTree) layout() {}

// ExtentHeader starts every extent tree node.
type ExtentHeader struct {
	Magic   uint16
	Entries uint16
	Max     uint16
	Depth   uint16
}

// ExtentLeaf maps a run of logical blocks to physical blocks.
type ExtentLeaf struct {
	Block   uint32 // First logical block
	Len     uint16 // Block count; above 32768 marks an uninitialized extent
	StartHi uint16
	StartLo uint32
}

// Start returns the first physical block.
func (e ExtentLeaf) Start() uint64 { return uint64(e.StartHi)<<32 | uint64(e.StartLo) }

// Uninitialized reports whether the extent is allocated but unwritten.
func (e ExtentLeaf) Uninitialized() bool { return e.Len > 32768 }

// Length returns the number of blocks covered.
func (e ExtentLeaf) Length() uint64 {
	if e.Uninitialized() {
		return uint64(e.Len - 32768)
	}
	return uint64(e.Len)
}

// ReadInode reads inode n.
func (f *FS) ReadInode(n uint32) (*Inode, error) {
	sb, err := f.ReadSuperblock()
	if err != nil {
		return nil, err
	}
	return f.readInode(sb, n)
}

func (f *FS) readInode(sb *Superblock, n uint32) (*Inode, error) {
	if n == 0 {
		return nil, fsys.Corruptf("invalid inode number 0")
	}

	group := (n - 1) / sb.InodesPerGroup
	index := (n - 1) % sb.InodesPerGroup

	gd, err := f.ReadGroupDescriptor(sb, group)
	if err != nil {
		return nil, fmt.Errorf("inode %d: %w", n, err)
	}

	off := int64(gd.InodeTable*sb.BlockSize()) + int64(index)*int64(sb.InodeSize)
	data := make([]byte, sb.InodeSize)
	if _, err := f.r.ReadAt(data, off); err != nil {
		return nil, fmt.Errorf("reading inode %d: %w", n, eofCorrupt(err))
	}

	ino, err := parseInode(n, data)
	if err != nil {
		return nil, err
	}
	f.log.Debug("read inode", slog.Uint64("inode", uint64(n)), slog.Uint64("size", ino.Size))
	return ino, nil
}

func parseInode(n uint32, data []byte) (*Inode, error) {
	le := binary.LittleEndian
	ino := &Inode{
		Number: n,
		Mode:   le.Uint16(data[0x00:0x02]),
		Size:   uint64(le.Uint32(data[0x04:0x08])) | uint64(le.Uint32(data[0x6C:0x70]))<<32,
		Links:  le.Uint16(data[0x1A:0x1C]),
		Flags:  le.Uint32(data[0x20:0x24]),
	}

	block := data[0x28:0x64]
	magic := le.Uint16(block[0:2])
	switch {
	case ino.Flags&inodeFlagInlineData != 0:
		return nil, fsys.Corruptf("inode %d: inline data is not supported", n)
	case ino.Flags&inodeFlagExtents != 0 && magic != extentMagic:
		return nil, fsys.Corruptf("inode %d: bad extent header magic %#04x", n, magic)
	case magic == extentMagic:
		ino.Layout = ExtentTree{
			Header: ExtentHeader{
				Magic:   magic,
				Entries: le.Uint16(block[2:4]),
				Max:     le.Uint16(block[4:6]),
				Depth:   le.Uint16(block[6:8]),
			},
			Leaf: ExtentLeaf{
				Block:   le.Uint32(block[12:16]),
				Len:     le.Uint16(block[16:18]),
				StartHi: le.Uint16(block[18:20]),
				StartLo: le.Uint32(block[20:24]),
			},
		}
	default:
		var bm BlockMap
		for i := range bm.Pointers {
			bm.Pointers[i] = le.Uint32(block[i*4:])
		}
		ino.Layout = bm
	}
	return ino, nil
}

// dataExtent returns where the inode's bytes live on the volume. Only
// inodes whose data fits in the first leaf extent of a depth-0 tree are
// readable.
func (f *FS) dataExtent(sb *Superblock, ino *Inode) (fsys.Extent, error) {
	tree, ok := ino.Layout.(ExtentTree)
	if !ok {
		return fsys.Extent{}, fsys.Corruptf("inode %d uses block maps, not extents", ino.Number)
	}
	if ino.Size == 0 {
		return fsys.Extent{}, nil
	}

	bs := sb.BlockSize()
	leaf := tree.Leaf
	switch {
	case tree.Header.Depth != 0:
		return fsys.Extent{}, fsys.Corruptf("inode %d: extent tree depth %d, only leaf roots are supported", ino.Number, tree.Header.Depth)
	case tree.Header.Entries == 0:
		return fsys.Extent{}, fsys.Corruptf("inode %d: %d bytes but no extents", ino.Number, ino.Size)
	case leaf.Block != 0:
		return fsys.Extent{}, fsys.Corruptf("inode %d: first extent starts at logical block %d", ino.Number, leaf.Block)
	case leaf.Uninitialized():
		return fsys.Extent{}, fsys.Corruptf("inode %d: uninitialized extent", ino.Number)
	case ino.Size > leaf.Length()*bs:
		return fsys.Extent{}, fsys.Corruptf("inode %d: %d bytes span more than one extent", ino.Number, ino.Size)
	}
	if end := leaf.Start() + leaf.Length(); end > f.volumeBlocks(sb) {
		return fsys.Extent{}, fsys.Corruptf("inode %d: extent ends at block %d past the volume", ino.Number, end)
	}
	return fsys.Extent{Logical: 0, Physical: int64(leaf.Start() * bs), Length: int64(ino.Size)}, nil
}

// volumeBlocks returns the number of filesystem blocks the device holds.
func (f *FS) volumeBlocks(sb *Superblock) uint64 {
	return uint64(f.r.Size()) / sb.BlockSize()
}
