package testimg

import (
	"encoding/binary"
	"fmt"
	"path"
	"strings"
)

// Ext4Options shapes a synthetic ext4 filesystem. Zero fields take the
// mkfs.ext4 defaults for a small volume.
type Ext4Options struct {
	Size           int64  // Volume size in bytes (64 MiB)
	BlockSize      uint32 // Filesystem block size (4096)
	DeviceBlock    uint64 // Block size of the returned image (512)
	InodeSize      uint16 // 256
	InodesPerGroup uint32 // 2048
	BlocksPerGroup uint32 // 8 * BlockSize
	Bit64          bool   // Set INCOMPAT_64BIT with 64-byte descriptors
	NoFileType     bool   // Clear INCOMPAT_FILETYPE, dirents carry type 0
	ExtraIncompat  uint32 // Additional incompat feature bits
}

// Layout selects how a node's data is mapped.
type Layout int

const (
	Extents        Layout = iota // One leaf extent in the inode
	BlockMap                     // Legacy direct block pointers
	TwoExtents                   // Two leaf extents
	DeepExtents                  // Depth 1 index node
	UninitExtent                 // Leaf extent flagged uninitialized
)

const (
	extFeatureFiletype = 0x0002
	extFeatureExtents  = 0x0040
	extFeature64Bit    = 0x0080
	extInodeExtents    = 0x00080000
	extModeDir         = 0x41ED
	extModeFile        = 0x81A4
)

type extNode struct {
	ino     uint32
	dir     bool
	block   uint64 // First data block
	entries []extDirent
}

type extDirent struct {
	ino  uint32
	typ  uint8
	name string
}

// Ext4 builds an ext4 filesystem image.
type Ext4 struct {
	img        *Image
	opt        Ext4Options
	groups     uint32
	descSize   uint32
	tables     []uint64 // Inode table block per group
	nextBlock  uint64
	totalBlock uint64
	nextInode  uint32
	nodes      map[string]*extNode
}

// NewExt4 formats a fresh filesystem holding only / and /lost+found.
func NewExt4(opt Ext4Options) (*Ext4, error) {
	if opt.Size == 0 {
		opt.Size = 64 << 20
	}
	if opt.BlockSize == 0 {
		opt.BlockSize = 4096
	}
	if opt.DeviceBlock == 0 {
		opt.DeviceBlock = 512
	}
	if opt.InodeSize == 0 {
		opt.InodeSize = 256
	}
	if opt.InodesPerGroup == 0 {
		opt.InodesPerGroup = 2048
	}
	if opt.BlocksPerGroup == 0 {
		opt.BlocksPerGroup = 8 * opt.BlockSize
	}

	b := &Ext4{
		img:        NewImage(opt.Size, opt.DeviceBlock),
		opt:        opt,
		totalBlock: uint64(opt.Size) / uint64(opt.BlockSize),
		nextInode:  10,
		nodes:      make(map[string]*extNode),
		descSize:   32,
	}
	if opt.Bit64 {
		b.descSize = 64
	}

	first := b.firstDataBlock()
	b.groups = uint32((b.totalBlock - first + uint64(opt.BlocksPerGroup) - 1) / uint64(opt.BlocksPerGroup))
	gdtBlocks := (uint64(b.groups)*uint64(b.descSize) + uint64(opt.BlockSize) - 1) / uint64(opt.BlockSize)
	b.nextBlock = first + 1 + gdtBlocks

	tableBlocks := (uint64(opt.InodesPerGroup)*uint64(opt.InodeSize) + uint64(opt.BlockSize) - 1) / uint64(opt.BlockSize)
	for g := uint32(0); g < b.groups; g++ {
		blk, err := b.alloc(tableBlocks)
		if err != nil {
			return nil, err
		}
		b.tables = append(b.tables, blk)
		b.writeDescriptor(g, blk)
	}
	b.writeSuperblock()

	root, err := b.newDir(2, 2)
	if err != nil {
		return nil, err
	}
	b.nodes["/"] = root
	if _, err := b.Mkdir("/lost+found"); err != nil {
		return nil, err
	}
	return b, nil
}

// Image returns the image being built.
func (b *Ext4) Image() *Image { return b.img }

// BlockSize returns the filesystem block size.
func (b *Ext4) BlockSize() uint32 { return b.opt.BlockSize }

func (b *Ext4) firstDataBlock() uint64 {
	if b.opt.BlockSize == 1024 {
		return 1
	}
	return 0
}

func (b *Ext4) alloc(n uint64) (uint64, error) {
	if b.nextBlock+n > b.totalBlock {
		return 0, fmt.Errorf("ext4 image full")
	}
	blk := b.nextBlock
	b.nextBlock += n
	return blk, nil
}

func (b *Ext4) blockOffset(blk uint64) int64 { return int64(blk) * int64(b.opt.BlockSize) }

func (b *Ext4) writeSuperblock() {
	sb := make([]byte, 1024)
	le := binary.LittleEndian
	le.PutUint32(sb[0x00:], b.groups*b.opt.InodesPerGroup)
	le.PutUint32(sb[0x04:], uint32(b.totalBlock))
	le.PutUint32(sb[0x14:], uint32(b.firstDataBlock()))
	logBS := uint32(0)
	for 1024<<logBS < b.opt.BlockSize {
		logBS++
	}
	le.PutUint32(sb[0x18:], logBS)
	le.PutUint32(sb[0x1C:], logBS)
	le.PutUint32(sb[0x20:], b.opt.BlocksPerGroup)
	le.PutUint32(sb[0x24:], b.opt.BlocksPerGroup)
	le.PutUint32(sb[0x28:], b.opt.InodesPerGroup)
	le.PutUint16(sb[0x38:], 0xEF53)
	le.PutUint16(sb[0x3A:], 1)
	le.PutUint32(sb[0x4C:], 1)
	le.PutUint32(sb[0x54:], 11)
	le.PutUint16(sb[0x58:], b.opt.InodeSize)

	incompat := uint32(extFeatureExtents) | b.opt.ExtraIncompat
	if !b.opt.NoFileType {
		incompat |= extFeatureFiletype
	}
	if b.opt.Bit64 {
		incompat |= extFeature64Bit
		le.PutUint16(sb[0xFE:], uint16(b.descSize))
		le.PutUint32(sb[0x150:], uint32(b.totalBlock>>32))
	}
	le.PutUint32(sb[0x60:], incompat)
	copy(sb[0x78:], "bootfs-test")
	b.img.must(sb, 1024)
}

func (b *Ext4) writeDescriptor(g uint32, table uint64) {
	d := make([]byte, b.descSize)
	binary.LittleEndian.PutUint32(d[0x08:], uint32(table))
	if b.descSize >= 64 {
		binary.LittleEndian.PutUint32(d[0x28:], uint32(table>>32))
	}
	off := b.blockOffset(b.firstDataBlock()+1) + int64(g)*int64(b.descSize)
	b.img.must(d, off)
}

// InodeOffset returns the byte offset of inode n's record.
func (b *Ext4) InodeOffset(n uint32) int64 {
	g := (n - 1) / b.opt.InodesPerGroup
	idx := (n - 1) % b.opt.InodesPerGroup
	return b.blockOffset(b.tables[g]) + int64(idx)*int64(b.opt.InodeSize)
}

// DataBlock returns the first data block of the node at p.
func (b *Ext4) DataBlock(p string) (uint64, bool) {
	n, ok := b.nodes[path.Clean(p)]
	if !ok {
		return 0, false
	}
	return n.block, true
}

// DataOffset returns the byte offset of the node's first data block.
func (b *Ext4) DataOffset(p string) int64 {
	blk, ok := b.DataBlock(p)
	if !ok {
		panic("no node " + p)
	}
	return b.blockOffset(blk)
}

// SetInodes advances the inode allocator so the next node gets inode n.
func (b *Ext4) SetInodes(n uint32) { b.nextInode = n - 1 }

func (b *Ext4) writeInode(n uint32, mode uint16, size uint64, links uint16, layout Layout, start, count uint64) {
	rec := make([]byte, b.opt.InodeSize)
	le := binary.LittleEndian
	le.PutUint16(rec[0x00:], mode)
	le.PutUint32(rec[0x04:], uint32(size))
	le.PutUint16(rec[0x1A:], links)
	le.PutUint32(rec[0x1C:], uint32(count*uint64(b.opt.BlockSize)/512))
	le.PutUint32(rec[0x6C:], uint32(size>>32))

	blk := rec[0x28:0x64]
	if layout == BlockMap {
		for i := uint64(0); i < count && i < 12; i++ {
			le.PutUint32(blk[i*4:], uint32(start+i))
		}
	} else {
		le.PutUint32(rec[0x20:], extInodeExtents)
		le.PutUint16(blk[0:], 0xF30A)
		le.PutUint16(blk[4:], 4)
		leaf := func(i int, logical uint32, length uint16, phys uint64) {
			e := blk[12+12*i:]
			le.PutUint32(e[0:], logical)
			le.PutUint16(e[4:], length)
			le.PutUint16(e[6:], uint16(phys>>32))
			le.PutUint32(e[8:], uint32(phys))
		}
		switch {
		case count == 0:
		case layout == TwoExtents && count >= 2:
			le.PutUint16(blk[2:], 2)
			half := count / 2
			leaf(0, 0, uint16(half), start)
			leaf(1, uint32(half), uint16(count-half), start+half)
		case layout == DeepExtents:
			le.PutUint16(blk[2:], 1)
			le.PutUint16(blk[6:], 1)
			leaf(0, 0, uint16(count), start)
		case layout == UninitExtent:
			le.PutUint16(blk[2:], 1)
			leaf(0, 0, uint16(count)+0x8000, start)
		default:
			le.PutUint16(blk[2:], 1)
			leaf(0, 0, uint16(count), start)
		}
	}
	b.img.must(rec, b.InodeOffset(n))
}

func (b *Ext4) newDir(ino, parent uint32, layout ...Layout) (*extNode, error) {
	blk, err := b.alloc(1)
	if err != nil {
		return nil, err
	}
	n := &extNode{ino: ino, dir: true, block: blk}
	n.entries = []extDirent{{ino: ino, typ: 2, name: "."}, {ino: parent, typ: 2, name: ".."}}
	l := Extents
	if len(layout) > 0 {
		l = layout[0]
	}
	b.writeInode(ino, extModeDir, uint64(b.opt.BlockSize), 2, l, blk, 1)
	return n, b.flushDir(n)
}

func (b *Ext4) flushDir(n *extNode) error {
	data := make([]byte, b.opt.BlockSize)
	off := 0
	for i, e := range n.entries {
		recLen := (8 + len(e.name) + 3) &^ 3
		if i == len(n.entries)-1 {
			recLen = len(data) - off
		}
		if off+recLen > len(data) || recLen < 8+len(e.name) {
			return fmt.Errorf("directory block full")
		}
		binary.LittleEndian.PutUint32(data[off:], e.ino)
		binary.LittleEndian.PutUint16(data[off+4:], uint16(recLen))
		data[off+6] = byte(len(e.name))
		if !b.opt.NoFileType {
			data[off+7] = e.typ
		}
		copy(data[off+8:], e.name)
		off += recLen
	}
	b.img.must(data, b.blockOffset(n.block))
	return nil
}

func (b *Ext4) parent(p string) (*extNode, string, error) {
	p = path.Clean("/" + p)
	dir, name := path.Split(p)
	parent, ok := b.nodes[path.Clean(dir)]
	if !ok || !parent.dir {
		return nil, "", fmt.Errorf("no directory %s", dir)
	}
	if name == "" || strings.Contains(name, "/") {
		return nil, "", fmt.Errorf("bad name %q", p)
	}
	return parent, name, nil
}

// Mkdir creates a directory and returns its inode number.
func (b *Ext4) Mkdir(p string, layout ...Layout) (uint32, error) {
	parent, name, err := b.parent(p)
	if err != nil {
		return 0, err
	}
	b.nextInode++
	n, err := b.newDir(b.nextInode, parent.ino, layout...)
	if err != nil {
		return 0, err
	}
	parent.entries = append(parent.entries, extDirent{ino: n.ino, typ: 2, name: name})
	if err := b.flushDir(parent); err != nil {
		return 0, err
	}
	b.nodes[path.Clean("/"+p)] = n
	return n.ino, nil
}

// WriteFile creates a regular file holding data in contiguous blocks and
// returns its inode number.
func (b *Ext4) WriteFile(p string, data []byte, layout ...Layout) (uint32, error) {
	parent, name, err := b.parent(p)
	if err != nil {
		return 0, err
	}
	bs := uint64(b.opt.BlockSize)
	count := (uint64(len(data)) + bs - 1) / bs
	var start uint64
	if count > 0 {
		if start, err = b.alloc(count); err != nil {
			return 0, err
		}
		b.img.must(data, b.blockOffset(start))
	}
	l := Extents
	if len(layout) > 0 {
		l = layout[0]
	}
	b.nextInode++
	ino := b.nextInode
	b.writeInode(ino, extModeFile, uint64(len(data)), 1, l, start, count)

	parent.entries = append(parent.entries, extDirent{ino: ino, typ: 1, name: name})
	if err := b.flushDir(parent); err != nil {
		return 0, err
	}
	b.nodes[path.Clean("/"+p)] = &extNode{ino: ino, block: start}
	return ino, nil
}
