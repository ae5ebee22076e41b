// Package fat implements a read-only FAT32 file reader for boot volumes.
//
// Paths are resolved through 8.3 directory entries; long names are not
// consulted. Files must fit in their first cluster.
package fat

import (
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"

	"github.com/lvdlvd/bootfs/blockdev"
	"github.com/lvdlvd/bootfs/fsys"
)

// Type is the FAT width derived from the cluster count.
type Type int

const (
	FAT12 Type = iota
	FAT16
	FAT32
)

func (t Type) String() string {
	switch t {
	case FAT12:
		return "FAT12"
	case FAT16:
		return "FAT16"
	default:
		return "FAT32"
	}
}

const (
	bootSectorSize = 512
	dirEntrySize   = 32

	// Cluster-count limits from the FAT specification.
	maxFAT12Clusters = 4085
	maxFAT16Clusters = 65525
)

// BPB holds the BIOS Parameter Block of a FAT32 boot sector.
type BPB struct {
	BytsPerSec uint16
	SecPerClus uint8
	RsvdSecCnt uint16
	NumFATs    uint8
	RootEntCnt uint16
	TotSec16   uint16
	FATSz16    uint16
	TotSec32   uint32
	FATSz32    uint32
	RootClus   uint32
	BootSig    uint8
	VolID      uint32
	Label      string
}

// FATSize returns sectors per FAT.
func (b *BPB) FATSize() uint32 {
	if b.FATSz16 != 0 {
		return uint32(b.FATSz16)
	}
	return b.FATSz32
}

// TotalSectors returns the volume length in sectors.
func (b *BPB) TotalSectors() uint32 {
	if b.TotSec16 != 0 {
		return uint32(b.TotSec16)
	}
	return b.TotSec32
}

// RootDirSectors returns the size of the fixed FAT12/16 root directory.
func (b *BPB) RootDirSectors() uint32 {
	bps := uint32(b.BytsPerSec)
	return (uint32(b.RootEntCnt)*dirEntrySize + bps - 1) / bps
}

// FirstDataSector returns the sector of cluster 2.
func (b *BPB) FirstDataSector() uint32 {
	return uint32(b.RsvdSecCnt) + uint32(b.NumFATs)*b.FATSize() + b.RootDirSectors()
}

// ClusterCount returns the number of data clusters.
func (b *BPB) ClusterCount() uint32 {
	first := b.FirstDataSector()
	total := b.TotalSectors()
	if total <= first {
		return 0
	}
	return (total - first) / uint32(b.SecPerClus)
}

// ClusterSize returns the cluster size in bytes.
func (b *BPB) ClusterSize() uint32 {
	return uint32(b.SecPerClus) * uint32(b.BytsPerSec)
}

// FirstSectorOfCluster returns the first sector of cluster c. Clusters are
// numbered from 2.
func (b *BPB) FirstSectorOfCluster(c uint32) uint64 {
	return uint64(b.FirstDataSector()) + uint64(c-2)*uint64(b.SecPerClus)
}

// clusterOffset returns the byte offset of cluster c on the volume.
func (b *BPB) clusterOffset(c uint32) int64 {
	return int64(b.FirstSectorOfCluster(c)) * int64(b.BytsPerSec)
}

// validCluster reports whether c addresses a data cluster.
func (b *BPB) validCluster(c uint32) bool {
	return c >= 2 && c < b.ClusterCount()+2
}

// Classify returns the FAT width by cluster count alone. The type string in
// the boot sector is never consulted.
func Classify(b *BPB) Type {
	switch n := b.ClusterCount(); {
	case n < maxFAT12Clusters:
		return FAT12
	case n < maxFAT16Clusters:
		return FAT16
	default:
		return FAT32
	}
}

// ParseBPB decodes and validates a boot sector.
func ParseBPB(bs []byte) (*BPB, error) {
	if len(bs) < bootSectorSize {
		return nil, fsys.Corruptf("boot sector is %d bytes", len(bs))
	}
	if bs[510] != 0x55 || bs[511] != 0xAA {
		return nil, fsys.Corruptf("missing boot sector signature")
	}

	le := binary.LittleEndian
	b := &BPB{
		BytsPerSec: le.Uint16(bs[11:13]),
		SecPerClus: bs[13],
		RsvdSecCnt: le.Uint16(bs[14:16]),
		NumFATs:    bs[16],
		RootEntCnt: le.Uint16(bs[17:19]),
		TotSec16:   le.Uint16(bs[19:21]),
		FATSz16:    le.Uint16(bs[22:24]),
		TotSec32:   le.Uint32(bs[32:36]),
		FATSz32:    le.Uint32(bs[36:40]),
		RootClus:   le.Uint32(bs[44:48]),
		BootSig:    bs[66],
	}
	if b.BootSig == 0x29 {
		b.VolID = le.Uint32(bs[67:71])
		b.Label = trimSpace(bs[71:82])
	}

	switch b.BytsPerSec {
	case 512, 1024, 2048, 4096:
	default:
		return nil, fsys.Corruptf("bytes per sector %d", b.BytsPerSec)
	}
	switch {
	case b.SecPerClus == 0 || b.SecPerClus&(b.SecPerClus-1) != 0:
		return nil, fsys.Corruptf("sectors per cluster %d", b.SecPerClus)
	case b.NumFATs == 0:
		return nil, fsys.Corruptf("no FATs")
	case b.RsvdSecCnt == 0:
		return nil, fsys.Corruptf("no reserved sectors")
	case b.FATSize() == 0:
		return nil, fsys.Corruptf("zero FAT size")
	case b.TotalSectors() <= b.FirstDataSector():
		return nil, fsys.Corruptf("%d sectors leave no data region", b.TotalSectors())
	}
	return b, nil
}

func trimSpace(b []byte) string {
	end := len(b)
	for end > 0 && (b[end-1] == ' ' || b[end-1] == 0) {
		end--
	}
	return string(b[:end])
}

// FS reads files from a FAT32 volume. Like the ext4 reader it holds no
// filesystem state; the BPB is read again for every call.
type FS struct {
	r   *blockdev.Reader
	log *slog.Logger
}

var _ fsys.Reader = (*FS)(nil)

// New returns a reader for the FAT volume on dev. A nil logger discards.
func New(dev blockdev.Device, log *slog.Logger) *FS {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &FS{r: blockdev.NewReader(dev), log: log.With(slog.String("fs", "fat"))}
}

func (f *FS) Type() string { return "FAT32" }

// ReadBPB reads and validates the boot sector.
func (f *FS) ReadBPB() (*BPB, error) {
	bs := make([]byte, bootSectorSize)
	if _, err := f.r.ReadAt(bs, 0); err != nil {
		if err == io.EOF {
			return nil, fsys.Corruptf("volume smaller than a boot sector")
		}
		return nil, fmt.Errorf("reading boot sector: %w", err)
	}
	b, err := ParseBPB(bs)
	if err != nil {
		return nil, err
	}
	if need := int64(b.TotalSectors()) * int64(b.BytsPerSec); need > f.r.Size() {
		f.log.Warn("volume shorter than the BPB claims", slog.Int64("bpb_bytes", need), slog.Int64("device_bytes", f.r.Size()))
	}
	return b, nil
}

// fat32 reads the BPB and checks the volume is FAT32 by cluster count.
func (f *FS) fat32() (*BPB, error) {
	b, err := f.ReadBPB()
	if err != nil {
		return nil, err
	}
	if err := requireFAT32(b); err != nil {
		return nil, err
	}
	return b, nil
}

func requireFAT32(b *BPB) error {
	if t := Classify(b); t != FAT32 {
		return fsys.Corruptf("%s volume with %d clusters, only FAT32 is supported", t, b.ClusterCount())
	}
	if b.RootEntCnt != 0 {
		return fsys.Corruptf("FAT32 volume with %d fixed root entries", b.RootEntCnt)
	}
	if !b.validCluster(b.RootClus) {
		return fsys.Corruptf("root cluster %d out of range", b.RootClus)
	}
	return nil
}

// next returns the FAT32 entry for cluster c.
func (f *FS) next(b *BPB, c uint32) (uint32, error) {
	off := int64(b.RsvdSecCnt)*int64(b.BytsPerSec) + int64(c)*4
	buf := make([]byte, 4)
	if _, err := f.r.ReadAt(buf, off); err != nil {
		if err == io.EOF {
			return 0, fsys.Corruptf("FAT entry %d past end of volume", c)
		}
		return 0, fmt.Errorf("reading FAT entry %d: %w", c, err)
	}
	return binary.LittleEndian.Uint32(buf) & 0x0FFFFFFF, nil
}

func isEOF(v uint32) bool { return v >= 0x0FFFFFF8 }

const badCluster = 0x0FFFFFF7

// readCluster reads one whole cluster.
func (f *FS) readCluster(b *BPB, c uint32) ([]byte, error) {
	if !b.validCluster(c) {
		return nil, fsys.Corruptf("cluster %d out of range", c)
	}
	data := make([]byte, b.ClusterSize())
	if _, err := f.r.ReadAt(data, b.clusterOffset(c)); err != nil {
		if err == io.EOF {
			return nil, fsys.Corruptf("cluster %d past end of volume", c)
		}
		return nil, fmt.Errorf("reading cluster %d: %w", c, err)
	}
	return data, nil
}
