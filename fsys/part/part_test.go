package part

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lvdlvd/bootfs/fsys"
	"github.com/lvdlvd/bootfs/internal/testimg"
)

const mib = 1 << 20

// marked returns a small volume image whose first bytes are marker.
func marked(size int64, marker string) *testimg.Image {
	im := testimg.NewImage(size, 512)
	_, _ = im.WriteAt([]byte(marker), 0)
	return im
}

func TestMBR(t *testing.T) {
	disk, err := testimg.MBRDisk(8*mib, 512, 0xCAFEF00D,
		testimg.Part{StartLBA: 2048, FS: marked(2*mib, "esp"), MBRType: 0xEF, Bootable: true},
		testimg.Part{StartLBA: 8192, FS: marked(mib, "root"), MBRType: 0x83},
	)
	require.NoError(t, err)

	tbl, err := Read(disk)
	require.NoError(t, err)
	assert.Equal(t, MBR, tbl.Scheme)
	assert.Equal(t, uint32(0xCAFEF00D), tbl.DiskSignature)
	require.Len(t, tbl.Partitions, 2)

	esp, root := tbl.Partitions[0], tbl.Partitions[1]
	assert.Equal(t, "p0", esp.Name)
	assert.True(t, esp.ESP())
	assert.True(t, esp.Bootable)
	assert.Equal(t, uint64(2048), esp.StartLBA)
	assert.Equal(t, uint64(4096), esp.SizeLBA)
	assert.Equal(t, "EFI System", esp.TypeString())

	assert.False(t, root.ESP())
	assert.Equal(t, "Linux", root.TypeString())

	dev, err := tbl.Open(disk, root)
	require.NoError(t, err)
	assert.Equal(t, uint64(2048), dev.NumBlocks())
	buf := make([]byte, 512)
	require.NoError(t, dev.ReadBlocks(0, buf))
	assert.Equal(t, "root", string(buf[:4]))
}

func TestGPT(t *testing.T) {
	unique := [16]byte{0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08, 0x09, 0x0a, 0x0b, 0x0c, 0x0d, 0x0e, 0x0f, 0x10}
	disk, err := testimg.GPTDisk(16*mib, 512,
		testimg.Part{StartLBA: 2048, FS: marked(4*mib, "esp"), TypeGUID: testimg.ESPTypeGUID, GUID: unique, Name: "EFI system partition"},
		testimg.Part{StartLBA: 12288, FS: marked(2*mib, "root"), TypeGUID: testimg.LinuxTypeGUID, Name: "racine-ü"},
	)
	require.NoError(t, err)

	tbl, err := Read(disk)
	require.NoError(t, err)
	assert.Equal(t, GPT, tbl.Scheme)
	require.Len(t, tbl.Partitions, 2)

	esp, root := tbl.Partitions[0], tbl.Partitions[1]
	assert.Equal(t, ESPType, esp.TypeGUID)
	assert.True(t, esp.ESP())
	assert.Equal(t, uuid.MustParse("04030201-0605-0807-090a-0b0c0d0e0f10"), esp.GUID)
	assert.Equal(t, "EFI system partition", esp.Label)
	assert.Equal(t, uint64(2048), esp.StartLBA)
	assert.Equal(t, uint64(8192), esp.SizeLBA)

	assert.False(t, root.ESP())
	assert.Equal(t, "racine-ü", root.Label)
	assert.Equal(t, "Linux Filesystem", root.TypeString())

	dev, err := tbl.Open(disk, esp)
	require.NoError(t, err)
	buf := make([]byte, 512)
	require.NoError(t, dev.ReadBlocks(0, buf))
	assert.Equal(t, "esp", string(buf[:3]))
}

func TestWholeDisk(t *testing.T) {
	fat, err := testimg.NewFAT32(testimg.FAT32Options{})
	require.NoError(t, err)
	mbrOnly, err := testimg.MBRDisk(mib, 512, 1)
	require.NoError(t, err)

	tests := []struct {
		name string
		disk *testimg.Image
	}{
		{"FAT superfloppy", fat.Image()},
		{"blank", testimg.NewImage(mib, 512)},
		{"MBR without entries", mbrOnly},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tbl, err := Read(tt.disk)
			require.NoError(t, err)
			assert.Equal(t, None, tbl.Scheme)
			assert.Empty(t, tbl.Partitions)
		})
	}
}

func TestCorruptTables(t *testing.T) {
	pastEnd, err := testimg.MBRDisk(mib, 512, 1, testimg.Part{StartLBA: 1024, FS: marked(4096, "x"), MBRType: 0x83})
	require.NoError(t, err)
	pastEnd.PutUint32(446+12, 2048) // 1024+2048 sectors on a 2048 sector disk

	noHeader, err := testimg.MBRDisk(mib, 512, 1, testimg.Part{StartLBA: 1, FS: marked(mib/2, ""), MBRType: 0xEE})
	require.NoError(t, err)

	badEntrySize, err := testimg.GPTDisk(4*mib, 512)
	require.NoError(t, err)
	badEntrySize.PutUint32(512+84, 100)

	badBootFlag, err := testimg.MBRDisk(mib, 512, 1, testimg.Part{StartLBA: 64, FS: marked(4096, "x"), MBRType: 0x83})
	require.NoError(t, err)
	badBootFlag.PutUint8(446, 0x12)

	for name, disk := range map[string]*testimg.Image{
		"partition past end":  pastEnd,
		"protective, no GPT":  noHeader,
		"GPT entry size":      badEntrySize,
		"MBR boot flag value": badBootFlag,
	} {
		t.Run(name, func(t *testing.T) {
			_, err := Read(disk)
			assert.ErrorIs(t, err, fsys.ErrCorrupt)
		})
	}
}

func TestGuidFromDisk(t *testing.T) {
	assert.Equal(t, ESPType, guidFromDisk(testimg.ESPTypeGUID[:]))
	assert.Equal(t, "0fc63daf-8483-4772-8e79-3d69d8477de4", guidFromDisk(testimg.LinuxTypeGUID[:]).String())
}

func TestDecodeName(t *testing.T) {
	raw := make([]byte, 72)
	copy(raw, []byte{'E', 0, 'S', 0, 'P', 0, 0, 0, 'x', 0})
	assert.Equal(t, "ESP", decodeName(raw))
	assert.Equal(t, "", decodeName(make([]byte, 72)))
}
