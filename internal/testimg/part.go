package testimg

import (
	"encoding/binary"
	"fmt"
	"unicode/utf16"
)

// ESPTypeGUID is the on-disk (mixed-endian) form of the EFI System
// Partition type C12A7328-F81F-11D2-BA4B-00A0C93EC93B.
var ESPTypeGUID = [16]byte{0x28, 0x73, 0x2A, 0xC1, 0x1F, 0xF8, 0xD2, 0x11, 0xBA, 0x4B, 0x00, 0xA0, 0xC9, 0x3E, 0xC9, 0x3B}

// LinuxTypeGUID is the on-disk form of 0FC63DAF-8483-4772-8E79-3D69D8477DE4.
var LinuxTypeGUID = [16]byte{0xAF, 0x3D, 0xC6, 0x0F, 0x83, 0x84, 0x72, 0x47, 0x8E, 0x79, 0x3D, 0x69, 0xD8, 0x47, 0x7D, 0xE4}

// Part places a filesystem image on a partitioned disk.
type Part struct {
	StartLBA uint64 // In 512-byte sectors
	FS       *Image
	MBRType  byte
	Bootable bool
	TypeGUID [16]byte
	GUID     [16]byte // On-disk unique partition GUID
	Name     string
}

func (p Part) sectors() uint64 { return uint64(p.FS.Size()) / 512 }

// MBRDisk returns a disk of size bytes with an MBR describing parts.
func MBRDisk(size int64, blockSize uint64, signature uint32, parts ...Part) (*Image, error) {
	if len(parts) > 4 {
		return nil, fmt.Errorf("MBR holds at most 4 partitions")
	}
	disk := NewImage(size, blockSize)
	mbr := make([]byte, 512)
	binary.LittleEndian.PutUint32(mbr[440:], signature)
	for i, p := range parts {
		e := mbr[446+i*16 : 446+(i+1)*16]
		if p.Bootable {
			e[0] = 0x80
		}
		e[4] = p.MBRType
		binary.LittleEndian.PutUint32(e[8:], uint32(p.StartLBA))
		binary.LittleEndian.PutUint32(e[12:], uint32(p.sectors()))
		if err := disk.Embed(p.FS, int64(p.StartLBA)*512); err != nil {
			return nil, err
		}
	}
	mbr[510] = 0x55
	mbr[511] = 0xAA
	disk.must(mbr, 0)
	return disk, nil
}

// GPTDisk returns a disk of size bytes with a protective MBR and a GPT
// describing parts. Entries are 128 bytes starting at LBA 2.
func GPTDisk(size int64, blockSize uint64, parts ...Part) (*Image, error) {
	disk := NewImage(size, blockSize)
	le := binary.LittleEndian

	mbr := make([]byte, 512)
	mbr[446+4] = 0xEE
	le.PutUint32(mbr[446+8:], 1)
	le.PutUint32(mbr[446+12:], uint32(min(uint64(size)/512-1, 0xFFFFFFFF)))
	mbr[510] = 0x55
	mbr[511] = 0xAA
	disk.must(mbr, 0)

	const numEntries = 128
	hdr := make([]byte, 512)
	copy(hdr[0:8], "EFI PART")
	le.PutUint32(hdr[8:], 0x00010000)
	le.PutUint32(hdr[12:], 92)
	le.PutUint64(hdr[24:], 1)
	le.PutUint64(hdr[32:], uint64(size)/512-1)
	le.PutUint64(hdr[40:], 34)
	le.PutUint64(hdr[48:], uint64(size)/512-34)
	le.PutUint64(hdr[72:], 2)
	le.PutUint32(hdr[80:], numEntries)
	le.PutUint32(hdr[84:], 128)
	disk.must(hdr, 512)

	for i, p := range parts {
		e := make([]byte, 128)
		copy(e[0:16], p.TypeGUID[:])
		copy(e[16:32], p.GUID[:])
		le.PutUint64(e[32:], p.StartLBA)
		le.PutUint64(e[40:], p.StartLBA+p.sectors()-1)
		for j, u := range utf16.Encode([]rune(p.Name)) {
			if j >= 36 {
				break
			}
			le.PutUint16(e[56+2*j:], u)
		}
		disk.must(e, 1024+int64(i)*128)
		if err := disk.Embed(p.FS, int64(p.StartLBA)*512); err != nil {
			return nil, err
		}
	}
	return disk, nil
}
