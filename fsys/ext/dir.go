package ext

import (
	"encoding/binary"
	"fmt"
	"log/slog"

	"github.com/lvdlvd/bootfs/fsys"
)

// Directory entry file types
const (
	fileTypeUnknown = 0
	fileTypeRegular = 1
	fileTypeDir     = 2
)

const direntHeaderSize = 8

// DirEntry is a linked directory entry.
type DirEntry struct {
	Inode    uint32
	RecLen   uint16
	NameLen  uint8
	FileType uint8
	Name     string
}

// readDirData returns the bytes of a directory inode.
func (f *FS) readDirData(sb *Superblock, dir *Inode) ([]byte, error) {
	ext, err := f.dataExtent(sb, dir)
	if err != nil {
		return nil, err
	}
	data := make([]byte, ext.Length)
	if len(data) == 0 {
		return data, nil
	}
	if _, err := f.r.ReadAt(data, ext.Physical); err != nil {
		return nil, fmt.Errorf("reading directory inode %d: %w", dir.Number, eofCorrupt(err))
	}
	return data, nil
}

// lookup scans the directory for name. Entries are walked by rec_len, which
// must stay inside the directory block that holds the entry.
func (f *FS) lookup(sb *Superblock, dir *Inode, name string) (DirEntry, bool, error) {
	data, err := f.readDirData(sb, dir)
	if err != nil {
		return DirEntry{}, false, err
	}

	bs := int(sb.BlockSize())
	for blockStart := 0; blockStart < len(data); blockStart += bs {
		block := data[blockStart:min(blockStart+bs, len(data))]
		for off := 0; off < len(block); {
			e, err := parseDirEntry(block, off)
			if err != nil {
				return DirEntry{}, false, fmt.Errorf("directory inode %d offset %d: %w", dir.Number, blockStart+off, err)
			}
			off += int(e.RecLen)
			if e.Inode == 0 {
				continue // unused slot
			}
			if e.Name == name {
				return e, true, nil
			}
		}
	}
	return DirEntry{}, false, nil
}

func parseDirEntry(block []byte, off int) (DirEntry, error) {
	if off+direntHeaderSize > len(block) {
		return DirEntry{}, fsys.Corruptf("truncated directory entry")
	}
	le := binary.LittleEndian
	e := DirEntry{
		Inode:    le.Uint32(block[off : off+4]),
		RecLen:   le.Uint16(block[off+4 : off+6]),
		NameLen:  block[off+6],
		FileType: block[off+7],
	}
	switch {
	case e.RecLen < direntHeaderSize:
		// A zero rec_len would never advance.
		return DirEntry{}, fsys.Corruptf("rec_len %d", e.RecLen)
	case off+int(e.RecLen) > len(block):
		return DirEntry{}, fsys.Corruptf("rec_len %d crosses the block end", e.RecLen)
	case direntHeaderSize+int(e.NameLen) > int(e.RecLen):
		return DirEntry{}, fsys.Corruptf("name_len %d exceeds rec_len %d", e.NameLen, e.RecLen)
	}
	e.Name = string(block[off+direntHeaderSize : off+direntHeaderSize+int(e.NameLen)])
	return e, nil
}

// entryType returns the entry's file type, looking at the target inode when
// the filesystem does not record types in directory entries.
func (f *FS) entryType(sb *Superblock, e DirEntry) (uint8, error) {
	if e.FileType != fileTypeUnknown {
		return e.FileType, nil
	}
	ino, err := f.readInode(sb, e.Inode)
	if err != nil {
		return 0, err
	}
	switch {
	case ino.IsRegular():
		return fileTypeRegular, nil
	case ino.IsDir():
		return fileTypeDir, nil
	}
	return fileTypeUnknown, nil
}

// ResolvePath returns the inode number of the regular file at name.
// Resolution starts at the root directory and descends one segment at a
// time; a regular file matches only as the final segment.
func (f *FS) ResolvePath(name string) (uint32, error) {
	sb, err := f.ReadSuperblock()
	if err != nil {
		return 0, err
	}
	return f.resolve(sb, name)
}

func (f *FS) resolve(sb *Superblock, name string) (uint32, error) {
	parts := fsys.SplitPath(name)
	if len(parts) == 0 {
		return 0, fsys.PathError("open", name, errIsDir)
	}

	cur := uint32(rootInode)
	for i, part := range parts {
		dir, err := f.readInode(sb, cur)
		if err != nil {
			return 0, fsys.PathError("open", name, err)
		}
		e, found, err := f.lookup(sb, dir, part)
		if err != nil {
			return 0, fsys.PathError("open", name, err)
		}
		if !found {
			return 0, fsys.PathError("open", name, fsys.ErrNotFound)
		}
		typ, err := f.entryType(sb, e)
		if err != nil {
			return 0, fsys.PathError("open", name, err)
		}

		last := i == len(parts)-1
		switch {
		case last && typ == fileTypeRegular:
			f.log.Debug("resolved", slog.String("path", name), slog.Uint64("inode", uint64(e.Inode)))
			return e.Inode, nil
		case last && typ == fileTypeDir:
			return 0, fsys.PathError("open", name, errIsDir)
		case typ == fileTypeDir:
			cur = e.Inode
		default:
			return 0, fsys.PathError("open", name, fsys.ErrNotFound)
		}
	}
	// Unreachable: the last segment always returns.
	return 0, fsys.PathError("open", name, fsys.ErrNotFound)
}

var errIsDir = fmt.Errorf("is a directory: %w", fsys.ErrNotFound)

// Stat returns the inode of the regular file at name.
func (f *FS) Stat(name string) (*Inode, error) {
	sb, err := f.ReadSuperblock()
	if err != nil {
		return nil, err
	}
	n, err := f.resolve(sb, name)
	if err != nil {
		return nil, err
	}
	return f.readInode(sb, n)
}

// Open resolves name and returns a handle reading exactly the inode's size
// from its extent.
func (f *FS) Open(name string) (*fsys.File, error) {
	sb, err := f.ReadSuperblock()
	if err != nil {
		return nil, err
	}
	n, err := f.resolve(sb, name)
	if err != nil {
		return nil, err
	}
	ino, err := f.readInode(sb, n)
	if err != nil {
		return nil, fsys.PathError("open", name, err)
	}
	ext, err := f.dataExtent(sb, ino)
	if err != nil {
		return nil, fsys.PathError("open", name, err)
	}
	var extents []fsys.Extent
	if ext.Length > 0 {
		extents = []fsys.Extent{ext}
	}
	return fsys.NewFile(name, f.r, extents, int64(ino.Size)), nil
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
