package testimg

import (
	"encoding/binary"
	"fmt"
	"path"
	"strings"
)

// FAT32Options shapes a synthetic FAT32 volume.
type FAT32Options struct {
	BytesPerSector    uint16 // 512
	SectorsPerCluster uint8  // 1
	TotalSectors      uint32 // 70000, enough clusters to classify as FAT32
	DeviceBlock       uint64 // Block size of the returned image, BytesPerSector by default
	Label             string
}

const (
	fatReserved = 32
	fatCount    = 2
	fatEOC      = 0x0FFFFFFF
	attrDir     = 0x10
	attrArchive = 0x20
)

type fatDir struct {
	clusters []uint32
	entries  [][32]byte
}

// FAT32 builds a FAT32 volume.
type FAT32 struct {
	img         *Image
	opt         FAT32Options
	fatSectors  uint32
	dataStart   uint32 // First data sector
	clusters    uint32
	nextCluster uint32
	dirs        map[string]*fatDir
	first       map[string]uint32
}

// NewFAT32 formats an empty volume.
func NewFAT32(opt FAT32Options) (*FAT32, error) {
	if opt.BytesPerSector == 0 {
		opt.BytesPerSector = 512
	}
	if opt.SectorsPerCluster == 0 {
		opt.SectorsPerCluster = 1
	}
	if opt.TotalSectors == 0 {
		opt.TotalSectors = 70000
	}
	if opt.DeviceBlock == 0 {
		opt.DeviceBlock = uint64(opt.BytesPerSector)
	}
	if opt.Label == "" {
		opt.Label = "BOOT"
	}

	bps := uint32(opt.BytesPerSector)
	spc := uint32(opt.SectorsPerCluster)
	approx := (opt.TotalSectors-fatReserved)/spc + 2
	fatSectors := (approx*4 + bps - 1) / bps

	b := &FAT32{
		img:         NewImage(int64(opt.TotalSectors)*int64(bps), opt.DeviceBlock),
		opt:         opt,
		fatSectors:  fatSectors,
		dataStart:   fatReserved + fatCount*fatSectors,
		nextCluster: 3,
		dirs:        make(map[string]*fatDir),
		first:       make(map[string]uint32),
	}
	b.clusters = (opt.TotalSectors - b.dataStart) / spc
	b.writeBootSector()
	b.setFAT(0, 0x0FFFFFF8)
	b.setFAT(1, fatEOC)
	b.setFAT(2, fatEOC)
	b.dirs["/"] = &fatDir{clusters: []uint32{2}}
	b.first["/"] = 2
	if err := b.addEntry("/", volumeLabel(opt.Label)); err != nil {
		return nil, err
	}
	return b, nil
}

// Image returns the image being built.
func (b *FAT32) Image() *Image { return b.img }

// ClusterCount returns the number of data clusters.
func (b *FAT32) ClusterCount() uint32 { return b.clusters }

// ClusterSize returns the cluster size in bytes.
func (b *FAT32) ClusterSize() int {
	return int(b.opt.BytesPerSector) * int(b.opt.SectorsPerCluster)
}

// FirstCluster returns the first cluster of the node at p.
func (b *FAT32) FirstCluster(p string) uint32 { return b.first[path.Clean("/"+p)] }

// ClusterOffset returns the byte offset of cluster c.
func (b *FAT32) ClusterOffset(c uint32) int64 {
	sector := int64(b.dataStart) + int64(c-2)*int64(b.opt.SectorsPerCluster)
	return sector * int64(b.opt.BytesPerSector)
}

// SetFAT overwrites the FAT entry of cluster c in every FAT copy.
func (b *FAT32) SetFAT(c, v uint32) { b.setFAT(c, v) }

// Skip leaves n clusters unallocated so that later chains are not contiguous.
func (b *FAT32) Skip(n uint32) { b.nextCluster += n }

func (b *FAT32) writeBootSector() {
	bs := make([]byte, b.opt.BytesPerSector)
	le := binary.LittleEndian
	copy(bs[0:3], []byte{0xEB, 0x58, 0x90})
	copy(bs[3:11], "MSWIN4.1")
	le.PutUint16(bs[11:], b.opt.BytesPerSector)
	bs[13] = b.opt.SectorsPerCluster
	le.PutUint16(bs[14:], fatReserved)
	bs[16] = fatCount
	bs[21] = 0xF8
	le.PutUint16(bs[24:], 63)
	le.PutUint16(bs[26:], 255)
	le.PutUint32(bs[32:], b.opt.TotalSectors)
	le.PutUint32(bs[36:], b.fatSectors)
	le.PutUint32(bs[44:], 2)
	le.PutUint16(bs[48:], 1)
	le.PutUint16(bs[50:], 6)
	bs[64] = 0x80
	bs[66] = 0x29
	le.PutUint32(bs[67:], 0x1234ABCD)
	copy(bs[71:82], fmt.Sprintf("%-11s", strings.ToUpper(b.opt.Label)))
	copy(bs[82:90], "FAT32   ")
	bs[510] = 0x55
	bs[511] = 0xAA
	b.img.must(bs, 0)
}

func (b *FAT32) setFAT(c, v uint32) {
	for i := uint32(0); i < fatCount; i++ {
		off := int64(fatReserved+i*b.fatSectors)*int64(b.opt.BytesPerSector) + int64(c)*4
		b.img.PutUint32(off, v)
	}
}

func (b *FAT32) alloc(n uint32) ([]uint32, error) {
	if b.nextCluster+n > b.clusters+2 {
		return nil, fmt.Errorf("FAT32 image full")
	}
	cs := make([]uint32, n)
	for i := range cs {
		cs[i] = b.nextCluster
		b.nextCluster++
	}
	for i, c := range cs {
		if i+1 < len(cs) {
			b.setFAT(c, cs[i+1])
		} else {
			b.setFAT(c, fatEOC)
		}
	}
	return cs, nil
}

func (b *FAT32) flushDir(d *fatDir) {
	per := b.ClusterSize() / 32
	for i, c := range d.clusters {
		data := make([]byte, b.ClusterSize())
		for j := 0; j < per && i*per+j < len(d.entries); j++ {
			copy(data[j*32:], d.entries[i*per+j][:])
		}
		b.img.must(data, b.ClusterOffset(c))
	}
}

func (b *FAT32) addEntry(dir string, e [32]byte) error {
	d, ok := b.dirs[path.Clean("/"+dir)]
	if !ok {
		return fmt.Errorf("no directory %s", dir)
	}
	per := b.ClusterSize() / 32
	if len(d.entries) == len(d.clusters)*per {
		cs, err := b.alloc(1)
		if err != nil {
			return err
		}
		b.setFAT(d.clusters[len(d.clusters)-1], cs[0])
		d.clusters = append(d.clusters, cs[0])
	}
	d.entries = append(d.entries, e)
	b.flushDir(d)
	return nil
}

// AddRawEntry appends a raw 32-byte entry to a directory.
func (b *FAT32) AddRawEntry(dir string, e [32]byte) error { return b.addEntry(dir, e) }

// AddDeleted appends an entry for name whose first byte marks it deleted.
// It still points at cluster c with the given size.
func (b *FAT32) AddDeleted(dir, name string, c, size uint32) error {
	e := shortEntry(name, attrArchive, c, size)
	e[0] = 0xE5
	return b.addEntry(dir, e)
}

// AddLongName appends a VFAT long name slot.
func (b *FAT32) AddLongName(dir string) error {
	var e [32]byte
	e[0] = 0x41
	for i, off := range []int{1, 3, 5, 7, 9} {
		binary.LittleEndian.PutUint16(e[off:], uint16('a'+i))
	}
	e[11] = 0x0F
	return b.addEntry(dir, e)
}

// Mkdir creates a directory.
func (b *FAT32) Mkdir(p string) error {
	p = path.Clean("/" + p)
	parentPath, name := path.Split(p)
	parentPath = path.Clean(parentPath)
	cs, err := b.alloc(1)
	if err != nil {
		return err
	}
	parentCluster := b.first[parentPath]
	if parentPath == "/" {
		parentCluster = 0
	}
	d := &fatDir{clusters: cs}
	d.entries = append(d.entries, rawShort(".          ", attrDir, cs[0], 0))
	d.entries = append(d.entries, rawShort("..         ", attrDir, parentCluster, 0))
	b.dirs[p] = d
	b.first[p] = cs[0]
	b.flushDir(d)
	return b.addEntry(parentPath, shortEntry(name, attrDir, cs[0], 0))
}

// WriteFile creates a file holding data in a cluster chain.
func (b *FAT32) WriteFile(p string, data []byte) error {
	p = path.Clean("/" + p)
	dir, name := path.Split(p)
	cs := uint32(b.ClusterSize())
	n := (uint32(len(data)) + cs - 1) / cs
	var first uint32
	if n > 0 {
		chain, err := b.alloc(n)
		if err != nil {
			return err
		}
		first = chain[0]
		for i, c := range chain {
			end := min(len(data), (i+1)*int(cs))
			b.img.must(data[i*int(cs):end], b.ClusterOffset(c))
		}
	}
	b.first[p] = first
	return b.addEntry(dir, shortEntry(name, attrArchive, first, uint32(len(data))))
}

func shortEntry(name string, attr byte, c, size uint32) [32]byte {
	name = strings.ToUpper(name)
	base, ext := name, ""
	if i := strings.LastIndexByte(name, '.'); i >= 0 {
		base, ext = name[:i], name[i+1:]
	}
	return rawShort(fmt.Sprintf("%-8s%-3s", base, ext), attr, c, size)
}

func rawShort(name11 string, attr byte, c, size uint32) [32]byte {
	var e [32]byte
	copy(e[0:11], name11)
	e[11] = attr
	binary.LittleEndian.PutUint16(e[20:], uint16(c>>16))
	binary.LittleEndian.PutUint16(e[26:], uint16(c))
	binary.LittleEndian.PutUint32(e[28:], size)
	return e
}

func volumeLabel(label string) [32]byte {
	return rawShort(fmt.Sprintf("%-11s", strings.ToUpper(label)), 0x08, 0, 0)
}
