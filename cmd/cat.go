package cmd

import (
	"fmt"
	"io"

	"github.com/google/uuid"

	"github.com/lvdlvd/bootfs/fsys/ext"
	"github.com/lvdlvd/bootfs/fsys/fat"
	"github.com/lvdlvd/bootfs/loaderfs"
)

// Cat copies the contents of a file to the given writer, streaming it from
// the volume in chunks.
func Cat(lfs *loaderfs.FS, id uuid.UUID, fsPath string, out io.Writer) error {
	file, err := lfs.Open(id, fsPath)
	if err != nil {
		return err
	}
	defer file.Close()

	return streamFromReaderAt(file, loaderfs.FileSize(file), out)
}

// streamFromReaderAt copies data from a ReaderAt to a Writer in chunks
func streamFromReaderAt(r io.ReaderAt, size int64, out io.Writer) error {
	const bufSize = 64 * 1024
	buf := make([]byte, bufSize)
	offset := int64(0)

	for offset < size {
		toRead := min(int64(bufSize), size-offset)

		n, err := r.ReadAt(buf[:toRead], offset)
		if n > 0 {
			if _, werr := out.Write(buf[:n]); werr != nil {
				return werr
			}
			offset += int64(n)
		}
		if err != nil {
			if err == io.EOF {
				break
			}
			return err
		}
	}

	return nil
}

// Stat shows where a file lives on its volume.
func Stat(lfs *loaderfs.FS, id uuid.UUID, fsPath string, out io.Writer) error {
	r, err := lfs.Reader(id)
	if err != nil {
		return err
	}
	file, err := r.Open(fsPath)
	if err != nil {
		return err
	}
	defer file.Close()

	fmt.Fprintf(out, "    File: %s\n", file.Name())
	fmt.Fprintf(out, "    Size: %d\n", loaderfs.FileSize(file))
	fmt.Fprintf(out, "      FS: %s\n", r.Type())

	switch r := r.(type) {
	case *ext.FS:
		sb, err := r.ReadSuperblock()
		if err != nil {
			return err
		}
		ino, err := r.Stat(fsPath)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "  Volume: %s\n", sb.VolumeName)
		fmt.Fprintf(out, "   Inode: %d\n", ino.Number)
		fmt.Fprintf(out, "    Mode: %#o\n", ino.Mode)
		fmt.Fprintf(out, "   Links: %d\n", ino.Links)
	case *fat.FS:
		bpb, err := r.ReadBPB()
		if err != nil {
			return err
		}
		e, err := r.Stat(fsPath)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "  Volume: %s (%04X-%04X)\n", bpb.Label, bpb.VolID>>16, bpb.VolID&0xFFFF)
		fmt.Fprintf(out, "    Name: %s\n", e.DisplayName())
		fmt.Fprintf(out, " Cluster: %d\n", e.Cluster())
		fmt.Fprintf(out, "    Attr: %#02x\n", e.Attr)
	}

	for _, e := range file.Extents() {
		fmt.Fprintf(out, "  Extent: logical %d physical %d length %d\n", e.Logical, e.Physical, e.Length)
	}
	return nil
}
