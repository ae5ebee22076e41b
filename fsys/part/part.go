// Package part provides partition table parsing.
// It finds the MBR or GPT partitions of a disk so that each can be handed to
// the filesystem readers as its own block device.
package part

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/google/uuid"
	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"

	"github.com/lvdlvd/bootfs/blockdev"
	"github.com/lvdlvd/bootfs/fsys"
)

// Scheme is the partitioning scheme of a disk.
type Scheme int

const (
	None Scheme = iota // Whole-disk volume, no partition table
	MBR
	GPT
)

func (s Scheme) String() string {
	switch s {
	case MBR:
		return "MBR"
	case GPT:
		return "GPT"
	default:
		return "none"
	}
}

// ESPType is the GPT partition type of the EFI System Partition.
var ESPType = uuid.MustParse("C12A7328-F81F-11D2-BA4B-00A0C93EC93B")

const (
	mbrTypeProtective = 0xEE
	mbrTypeESP        = 0xEF

	// Upper bound on GPT entries read, the usual table has 128.
	maxGPTEntries = 1024
)

// Partition represents a single partition entry
type Partition struct {
	Index    int       // Position among the used entries (0-based)
	Name     string    // Display name ("p0", "p1", ...)
	Label    string    // GPT partition name
	Type     byte      // MBR partition type, 0 for GPT
	TypeGUID uuid.UUID // GPT type GUID
	GUID     uuid.UUID // GPT unique partition GUID
	StartLBA uint64    // In device blocks
	SizeLBA  uint64
	Bootable bool
}

// ESP reports whether the partition is an EFI System Partition.
func (p *Partition) ESP() bool {
	return p.Type == mbrTypeESP || p.TypeGUID == ESPType
}

// Table is a parsed partition table.
type Table struct {
	Scheme        Scheme
	DiskSignature uint32    // MBR disk signature
	DiskGUID      uuid.UUID // GPT disk GUID
	Partitions    []*Partition
}

// Open returns a device limited to partition p of dev.
func (t *Table) Open(dev blockdev.Device, p *Partition) (*blockdev.Slice, error) {
	return blockdev.NewSlice(dev, p.StartLBA, p.SizeLBA)
}

// Read parses the partition table of dev. Partition addresses are in units
// of the device block size. A disk whose first block is a FAT boot sector,
// or whose MBR describes no usable partition, has Scheme None.
func Read(dev blockdev.Device) (*Table, error) {
	r := blockdev.NewReader(dev)
	sector := make([]byte, 512)
	if _, err := r.ReadAt(sector, 0); err != nil {
		if err == io.EOF {
			return &Table{Scheme: None}, nil
		}
		return nil, fmt.Errorf("reading MBR: %w", err)
	}
	if sector[510] != 0x55 || sector[511] != 0xAA || isBootSector(sector) {
		return &Table{Scheme: None}, nil
	}

	t, err := parseMBR(sector, dev.NumBlocks())
	if err != nil {
		return nil, err
	}
	if len(t.Partitions) == 1 && t.Partitions[0].Type == mbrTypeProtective {
		return readGPT(r, dev.NumBlocks())
	}
	if len(t.Partitions) == 0 {
		return &Table{Scheme: None}, nil
	}
	return t, nil
}

// isBootSector reports whether the sector is a FAT volume boot record
// rather than an MBR. Both end in 0x55AA.
func isBootSector(bs []byte) bool {
	if string(bs[54:57]) != "FAT" && string(bs[82:85]) != "FAT" {
		return false
	}
	switch binary.LittleEndian.Uint16(bs[11:13]) {
	case 512, 1024, 2048, 4096:
		return bs[13] != 0 && bs[16] != 0
	}
	return false
}

// parseMBR parses the four primary entries at offset 446
func parseMBR(sector []byte, numBlocks uint64) (*Table, error) {
	t := &Table{
		Scheme:        MBR,
		DiskSignature: binary.LittleEndian.Uint32(sector[440:444]),
	}
	for i := 0; i < 4; i++ {
		entry := sector[446+i*16 : 446+(i+1)*16]

		partType := entry[4]
		start := uint64(binary.LittleEndian.Uint32(entry[8:12]))
		size := uint64(binary.LittleEndian.Uint32(entry[12:16]))
		if partType == 0 || start == 0 || size == 0 {
			continue // Empty entry
		}
		if entry[0] != 0 && entry[0] != 0x80 {
			return nil, fsys.Corruptf("MBR entry %d: boot flag %#x", i, entry[0])
		}
		if partType != mbrTypeProtective && start+size > numBlocks {
			return nil, fsys.Corruptf("MBR entry %d: blocks %d+%d past end of disk", i, start, size)
		}

		t.Partitions = append(t.Partitions, &Partition{
			Index:    len(t.Partitions),
			Name:     fmt.Sprintf("p%d", len(t.Partitions)),
			Type:     partType,
			StartLBA: start,
			SizeLBA:  size,
			Bootable: entry[0] == 0x80,
		})
	}
	return t, nil
}

// readGPT parses the primary GPT header at LBA 1 and its entry array. The
// header and entry CRCs are not verified.
func readGPT(r *blockdev.Reader, numBlocks uint64) (*Table, error) {
	bs := int64(r.BlockSize())
	header := make([]byte, 92)
	if _, err := r.ReadAt(header, bs); err != nil {
		if err == io.EOF {
			return nil, fsys.Corruptf("protective MBR on a disk without LBA 1")
		}
		return nil, fmt.Errorf("reading GPT header: %w", err)
	}
	if string(header[0:8]) != "EFI PART" {
		return nil, fsys.Corruptf("protective MBR without GPT header")
	}

	le := binary.LittleEndian
	entryLBA := le.Uint64(header[72:80])
	numEntries := le.Uint32(header[80:84])
	entrySize := le.Uint32(header[84:88])
	switch {
	case entrySize < 128 || entrySize%8 != 0:
		return nil, fsys.Corruptf("GPT entry size %d", entrySize)
	case numEntries > maxGPTEntries:
		return nil, fsys.Corruptf("GPT holds %d entries", numEntries)
	case entryLBA < 2 || entryLBA >= numBlocks:
		return nil, fsys.Corruptf("GPT entries at LBA %d", entryLBA)
	}

	entries := make([]byte, int(numEntries)*int(entrySize))
	if _, err := r.ReadAt(entries, int64(entryLBA)*bs); err != nil {
		if err == io.EOF {
			return nil, fsys.Corruptf("GPT entry array past end of disk")
		}
		return nil, fmt.Errorf("reading GPT entries: %w", err)
	}

	t := &Table{Scheme: GPT, DiskGUID: guidFromDisk(header[56:72])}
	for i := uint32(0); i < numEntries; i++ {
		entry := entries[i*entrySize : (i+1)*entrySize]

		typeGUID := guidFromDisk(entry[0:16])
		if typeGUID == uuid.Nil {
			continue // Unused entry
		}
		start := le.Uint64(entry[32:40])
		end := le.Uint64(entry[40:48])
		if end < start || end >= numBlocks {
			return nil, fsys.Corruptf("GPT entry %d: blocks %d-%d outside disk", i, start, end)
		}

		t.Partitions = append(t.Partitions, &Partition{
			Index:    len(t.Partitions),
			Name:     fmt.Sprintf("p%d", len(t.Partitions)),
			Label:    decodeName(entry[56:128]),
			TypeGUID: typeGUID,
			GUID:     guidFromDisk(entry[16:32]),
			StartLBA: start,
			SizeLBA:  end - start + 1,
		})
	}
	return t, nil
}

// guidFromDisk converts a mixed-endian on-disk GUID: the first three fields
// are little-endian, the last eight bytes are stored as is.
func guidFromDisk(b []byte) uuid.UUID {
	var u uuid.UUID
	copy(u[:], b[:16])
	u[0], u[1], u[2], u[3] = b[3], b[2], b[1], b[0]
	u[4], u[5] = b[5], b[4]
	u[6], u[7] = b[7], b[6]
	return u
}

// decodeName decodes a NUL-terminated UTF-16LE partition name.
func decodeName(data []byte) string {
	end := len(data) &^ 1
	for i := 0; i+1 < len(data); i += 2 {
		if data[i] == 0 && data[i+1] == 0 {
			end = i
			break
		}
	}
	dec := unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM).NewDecoder()
	name, _, err := transform.Bytes(dec, data[:end])
	if err != nil {
		return ""
	}
	return string(name)
}

// TypeString returns a human-readable partition type
func (p *Partition) TypeString() string {
	if p.Type != 0 {
		switch p.Type {
		case 0x01:
			return "FAT12"
		case 0x04, 0x06, 0x0E:
			return "FAT16"
		case 0x0B, 0x0C:
			return "FAT32"
		case 0x05, 0x0F:
			return "Extended"
		case 0x82:
			return "Linux swap"
		case 0x83:
			return "Linux"
		case mbrTypeESP:
			return "EFI System"
		default:
			return fmt.Sprintf("0x%02X", p.Type)
		}
	}

	switch p.TypeGUID.String() {
	case "c12a7328-f81f-11d2-ba4b-00a0c93ec93b":
		return "EFI System"
	case "ebd0a0a2-b9e5-4433-87c0-68b6b72699c7":
		return "Basic Data"
	case "0fc63daf-8483-4772-8e79-3d69d8477de4":
		return "Linux Filesystem"
	case "0657fd6d-a4ab-43c4-84e5-0933c84b4f4f":
		return "Linux Swap"
	case "21686148-6449-6e6f-744e-656564454649":
		return "BIOS Boot"
	default:
		return p.TypeGUID.String()
	}
}
