package volume

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lvdlvd/bootfs/blockdev"
	"github.com/lvdlvd/bootfs/internal/testimg"
)

const mib = 1 << 20

func gptDisk(t *testing.T, guid byte) *testimg.Image {
	t.Helper()
	disk, err := testimg.GPTDisk(8*mib, 512,
		testimg.Part{StartLBA: 2048, FS: testimg.NewImage(2*mib, 512), TypeGUID: testimg.LinuxTypeGUID, GUID: [16]byte{guid, 1}, Name: "root"},
		testimg.Part{StartLBA: 8192, FS: testimg.NewImage(2*mib, 512), TypeGUID: testimg.ESPTypeGUID, GUID: [16]byte{guid, 2}, Name: "ESP"},
	)
	require.NoError(t, err)
	return disk
}

func TestEnumerate(t *testing.T) {
	mbr, err := testimg.MBRDisk(4*mib, 512, 0x1234,
		testimg.Part{StartLBA: 2048, FS: testimg.NewImage(mib, 512), MBRType: 0x0C, Bootable: true})
	require.NoError(t, err)
	fat, err := testimg.NewFAT32(testimg.FAT32Options{})
	require.NoError(t, err)

	reg, err := Enumerate(context.Background(), gptDisk(t, 0xA0), mbr, fat.Image())
	require.NoError(t, err)

	vols := reg.Volumes()
	require.Len(t, vols, 4)
	names := make([]string, len(vols))
	for i, v := range vols {
		names[i] = v.Name
	}
	assert.Equal(t, []string{"disk0p0", "disk0p1", "disk1p0", "disk2"}, names)

	esp, ok := reg.ESP()
	require.True(t, ok)
	assert.Equal(t, "disk0p1", esp.Name)
	assert.Equal(t, "ESP", esp.Label)
	assert.Equal(t, uuid.UUID{0, 0, 1, 0xA0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0}, vols[0].ID, "GPT partition GUID")
	assert.Equal(t, uint64(4096), esp.Device.NumBlocks())

	assert.True(t, vols[2].Bootable)
	assert.Equal(t, "FAT32", vols[2].Type)
	assert.Equal(t, fat.Image().NumBlocks(), vols[3].Device.NumBlocks())

	// Name-based identifiers are stable.
	again, err := Enumerate(context.Background(), gptDisk(t, 0xA0), mbr, fat.Image())
	require.NoError(t, err)
	for i, v := range again.Volumes() {
		assert.Equal(t, vols[i].ID, v.ID, v.Name)
	}
}

func TestEnumerateRejectsDuplicateGUIDs(t *testing.T) {
	_, err := Enumerate(context.Background(), gptDisk(t, 0xA0), gptDisk(t, 0xA0))
	assert.ErrorContains(t, err, "duplicate volume id")
}

func TestLookup(t *testing.T) {
	dev, err := blockdev.NewMemory(make([]byte, 4096), 512)
	require.NoError(t, err)
	a := &Volume{ID: uuid.New(), Name: "disk0p0", Label: "root", Device: dev}
	b := &Volume{ID: uuid.New(), Name: "disk0p1", Label: "ESP", Device: dev, ESP: true}
	reg, err := NewRegistry(a, b)
	require.NoError(t, err)

	got, ok := reg.Lookup(b.ID)
	assert.True(t, ok)
	assert.Same(t, b, got)

	for _, name := range []string{"disk0p0", "root", a.ID.String()} {
		got, ok := reg.LookupName(name)
		assert.True(t, ok, name)
		assert.Same(t, a, got, name)
	}
	_, ok = reg.LookupName("disk9")
	assert.False(t, ok)
	_, ok = reg.Lookup(uuid.New())
	assert.False(t, ok)

	esp, ok := reg.ESP()
	assert.True(t, ok)
	assert.Same(t, b, esp)

	// The returned slice is a copy.
	vols := reg.Volumes()
	vols[0] = nil
	assert.Same(t, a, reg.Volumes()[0])
}

func TestNewRegistryRejectsDuplicates(t *testing.T) {
	id := uuid.New()
	_, err := NewRegistry(&Volume{ID: id, Name: "a"}, &Volume{ID: id, Name: "b"})
	assert.Error(t, err)
	_, err = NewRegistry(&Volume{ID: uuid.New(), Name: "a"}, &Volume{ID: uuid.New(), Name: "a"})
	assert.Error(t, err)

	reg, err := NewRegistry()
	require.NoError(t, err)
	_, ok := reg.ESP()
	assert.False(t, ok)
}
