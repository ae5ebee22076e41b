package fat

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"log/slog"
	"strings"

	"github.com/lvdlvd/bootfs/fsys"
)

const (
	attrReadOnly  = 0x01
	attrHidden    = 0x02
	attrSystem    = 0x04
	attrVolumeID  = 0x08
	attrDirectory = 0x10
	attrArchive   = 0x20
	attrLFN       = attrReadOnly | attrHidden | attrSystem | attrVolumeID

	entryEnd     = 0x00
	entryDeleted = 0xE5
)

// DirEntry is a 32-byte short directory entry.
type DirEntry struct {
	Name      [11]byte
	Attr      uint8
	FstClusHi uint16
	FstClusLo uint16
	FileSize  uint32
}

// Cluster returns the entry's first cluster.
func (e DirEntry) Cluster() uint32 { return uint32(e.FstClusHi)<<16 | uint32(e.FstClusLo) }

// IsDir reports whether the entry is a directory.
func (e DirEntry) IsDir() bool { return e.Attr&attrDirectory != 0 }

// DisplayName returns the 8.3 name in BASE.EXT form.
func (e DirEntry) DisplayName() string {
	base := strings.TrimRight(string(e.Name[:8]), " ")
	ext := strings.TrimRight(string(e.Name[8:]), " ")
	if ext == "" {
		return base
	}
	return base + "." + ext
}

func parseDirEntry(raw []byte) DirEntry {
	le := binary.LittleEndian
	var e DirEntry
	copy(e.Name[:], raw[0:11])
	e.Attr = raw[11]
	e.FstClusHi = le.Uint16(raw[20:22])
	e.FstClusLo = le.Uint16(raw[26:28])
	e.FileSize = le.Uint32(raw[28:32])
	return e
}

// ToShortName converts a path segment to its space-padded 11-byte 8.3 form.
// The name is split on its last dot. Names that do not fit 8.3 are
// rejected; no long-name alias is generated.
func ToShortName(name string) ([11]byte, error) {
	var out [11]byte
	for i := range out {
		out[i] = ' '
	}

	base, ext := name, ""
	if i := strings.LastIndexByte(name, '.'); i >= 0 {
		base, ext = name[:i], name[i+1:]
	}
	switch {
	case base == "":
		return out, fsys.Corruptf("8.3 name %q has no base name", name)
	case len(base) > 8:
		return out, fsys.Corruptf("8.3 name %q: base longer than 8 characters", name)
	case len(ext) > 3:
		return out, fsys.Corruptf("8.3 name %q: extension longer than 3 characters", name)
	case strings.ContainsRune(base, '.'):
		return out, fsys.Corruptf("8.3 name %q has more than one dot", name)
	}
	copy(out[0:8], base)
	copy(out[8:11], ext)
	return out, nil
}

// findEntry scans the directory starting at cluster for name. Directories
// spanning several clusters are followed along the FAT; the walk is bounded
// by the cluster count so a looping chain ends in an error.
func (f *FS) findEntry(b *BPB, cluster uint32, name [11]byte) (DirEntry, bool, error) {
	for steps := uint32(0); ; steps++ {
		if steps > b.ClusterCount() {
			return DirEntry{}, false, fsys.Corruptf("directory chain from cluster %d loops", cluster)
		}
		data, err := f.readCluster(b, cluster)
		if err != nil {
			return DirEntry{}, false, err
		}
		for off := 0; off+dirEntrySize <= len(data); off += dirEntrySize {
			raw := data[off : off+dirEntrySize]
			switch {
			case raw[0] == entryEnd:
				return DirEntry{}, false, nil
			case raw[0] == entryDeleted:
				continue
			case raw[11]&attrLFN == attrLFN:
				continue
			case raw[11]&attrVolumeID != 0:
				continue
			}
			if bytes.Equal(raw[0:11], name[:]) {
				return parseDirEntry(raw), true, nil
			}
		}

		next, err := f.next(b, cluster)
		if err != nil {
			return DirEntry{}, false, err
		}
		switch {
		case isEOF(next):
			return DirEntry{}, false, nil
		case next == badCluster:
			return DirEntry{}, false, fsys.Corruptf("directory chain reaches bad cluster after %d", cluster)
		case !b.validCluster(next):
			return DirEntry{}, false, fsys.Corruptf("directory chain links cluster %d to %#x", cluster, next)
		}
		cluster = next
	}
}

// ResolvePath finds the directory entry of the regular file at name.
// Segments are matched case-insensitively by uppercasing them.
func (f *FS) ResolvePath(b *BPB, name string) (DirEntry, error) {
	if err := requireFAT32(b); err != nil {
		return DirEntry{}, fsys.PathError("open", name, err)
	}
	parts := fsys.SplitPath(strings.ToUpper(name))
	if len(parts) == 0 {
		return DirEntry{}, fsys.PathError("open", name, errIsDir)
	}

	cluster := b.RootClus
	for i, part := range parts {
		short, err := ToShortName(part)
		if err != nil {
			return DirEntry{}, fsys.PathError("open", name, err)
		}
		e, found, err := f.findEntry(b, cluster, short)
		if err != nil {
			return DirEntry{}, fsys.PathError("open", name, err)
		}
		if !found {
			return DirEntry{}, fsys.PathError("open", name, fsys.ErrNotFound)
		}

		last := i == len(parts)-1
		switch {
		case e.IsDir() && last:
			return DirEntry{}, fsys.PathError("open", name, errIsDir)
		case e.IsDir():
			cluster = e.Cluster()
			if cluster == 0 {
				// ".." of a top-level directory
				cluster = b.RootClus
			}
		case last:
			f.log.Debug("resolved", slog.String("path", name), slog.Uint64("cluster", uint64(e.Cluster())), slog.Uint64("size", uint64(e.FileSize)))
			return e, nil
		default:
			return DirEntry{}, fsys.PathError("open", name, fsys.ErrNotFound)
		}
	}
	return DirEntry{}, fsys.PathError("open", name, fsys.ErrNotFound)
}

var errIsDir = fmt.Errorf("is a directory: %w", fsys.ErrNotFound)

// Stat returns the directory entry of the regular file at name.
func (f *FS) Stat(name string) (DirEntry, error) {
	b, err := f.fat32()
	if err != nil {
		return DirEntry{}, err
	}
	return f.ResolvePath(b, name)
}

// Open resolves name and returns a handle over its first cluster.
func (f *FS) Open(name string) (*fsys.File, error) {
	b, err := f.fat32()
	if err != nil {
		return nil, err
	}
	e, err := f.ResolvePath(b, name)
	if err != nil {
		return nil, err
	}
	if e.FileSize > b.ClusterSize() {
		return nil, fsys.PathError("open", name, fsys.Corruptf("%d bytes exceed one %d byte cluster", e.FileSize, b.ClusterSize()))
	}
	if e.FileSize == 0 {
		return fsys.NewFile(name, f.r, nil, 0), nil
	}
	if !b.validCluster(e.Cluster()) {
		return nil, fsys.PathError("open", name, fsys.Corruptf("first cluster %d out of range", e.Cluster()))
	}
	ext := fsys.Extent{Logical: 0, Physical: b.clusterOffset(e.Cluster()), Length: int64(e.FileSize)}
	if end := ext.Physical + ext.Length; end > f.r.Size() {
		return nil, fsys.PathError("open", name, fsys.Corruptf("cluster %d past end of volume", e.Cluster()))
	}
	return fsys.NewFile(name, f.r, []fsys.Extent{ext}, int64(e.FileSize)), nil
}

// ReadFile returns the contents of the regular file at name.
func (f *FS) ReadFile(name string) ([]byte, error) {
	file, err := f.Open(name)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	data, err := file.ReadAll()
	if err != nil {
		return nil, fsys.PathError("read", name, err)
	}
	return data, nil
}
