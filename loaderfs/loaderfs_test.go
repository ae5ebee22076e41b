package loaderfs

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lvdlvd/bootfs/blockdev"
	"github.com/lvdlvd/bootfs/detect"
	"github.com/lvdlvd/bootfs/fsys"
	"github.com/lvdlvd/bootfs/internal/testimg"
	"github.com/lvdlvd/bootfs/volume"
)

const (
	mib       = 1 << 20
	loaderCfg = "timeout=5\ndefault=\"zos\"\n"
	cfgPath   = "/EFI/BOOT/ZOS/LOADER.CFG"
)

// bootDisk returns a GPT disk holding an ext4 root, a FAT32 ESP and an
// empty partition, each with the loader configuration where it can.
func bootDisk(t *testing.T) *volume.Registry {
	t.Helper()

	ext4, err := testimg.NewExt4(testimg.Ext4Options{})
	require.NoError(t, err)
	for _, dir := range []string{"/EFI", "/EFI/BOOT", "/EFI/BOOT/ZOS"} {
		_, err := ext4.Mkdir(dir)
		require.NoError(t, err)
	}
	_, err = ext4.WriteFile(cfgPath, []byte(loaderCfg+"root=ext4\n"))
	require.NoError(t, err)

	esp, err := testimg.NewFAT32(testimg.FAT32Options{})
	require.NoError(t, err)
	for _, dir := range []string{"/EFI", "/EFI/BOOT", "/EFI/BOOT/ZOS"} {
		require.NoError(t, esp.Mkdir(dir))
	}
	require.NoError(t, esp.WriteFile(cfgPath, []byte(loaderCfg+"root=caf\xe9\n")))

	disk, err := testimg.GPTDisk(128*mib, 512,
		testimg.Part{StartLBA: 2048, FS: ext4.Image(), TypeGUID: testimg.LinuxTypeGUID, GUID: [16]byte{1}, Name: "root"},
		testimg.Part{StartLBA: 135168, FS: esp.Image(), TypeGUID: testimg.ESPTypeGUID, GUID: [16]byte{2}, Name: "ESP"},
		testimg.Part{StartLBA: 206848, FS: testimg.NewImage(mib, 512), TypeGUID: testimg.LinuxTypeGUID, GUID: [16]byte{3}, Name: "scratch"},
	)
	require.NoError(t, err)

	reg, err := volume.Enumerate(context.Background(), disk)
	require.NoError(t, err)
	require.Len(t, reg.Volumes(), 3)
	return reg
}

func volumeID(t *testing.T, reg *volume.Registry, name string) uuid.UUID {
	t.Helper()
	v, ok := reg.LookupName(name)
	require.True(t, ok, name)
	return v.ID
}

func TestOpen(t *testing.T) {
	reg := bootDisk(t)
	f, err := New(reg)
	require.NoError(t, err)

	tests := []struct {
		volume string
		typ    detect.Type
		want   string
	}{
		{"root", detect.Ext4, loaderCfg + "root=ext4\n"},
		{"ESP", detect.FAT32, loaderCfg + "root=café\n"},
	}
	for _, tt := range tests {
		t.Run(tt.volume, func(t *testing.T) {
			id := volumeID(t, reg, tt.volume)
			typ, err := f.Type(id)
			require.NoError(t, err)
			assert.Equal(t, tt.typ, typ)

			file, err := f.Open(id, cfgPath)
			require.NoError(t, err)
			defer file.Close()
			assert.Equal(t, int64(len(tt.want)), FileSize(file))

			text, err := ReadToString(file)
			require.NoError(t, err)
			assert.Equal(t, tt.want, text)
		})
	}
}

func TestReadFile(t *testing.T) {
	reg := bootDisk(t)
	f, err := New(reg)
	require.NoError(t, err)
	esp, _ := reg.ESP()

	data, err := f.ReadFile(esp.ID, "/efi/boot/zos/loader.cfg")
	require.NoError(t, err)
	assert.Equal(t, []byte(loaderCfg+"root=caf\xe9\n"), data)

	_, err = f.ReadFile(esp.ID, "/EFI/BOOT/ZOS/MISSING.CFG")
	assert.ErrorIs(t, err, fsys.ErrNotFound)
	assert.False(t, fsys.IsFatal(err))
}

func TestUnknownFilesystem(t *testing.T) {
	reg := bootDisk(t)
	f, err := New(reg)
	require.NoError(t, err)
	id := volumeID(t, reg, "scratch")

	typ, err := f.Type(id)
	require.NoError(t, err)
	assert.Equal(t, detect.Unknown, typ)

	_, err = f.Open(id, cfgPath)
	assert.ErrorIs(t, err, fsys.ErrUnknownFS)
	assert.ErrorIs(t, err, fsys.ErrCorrupt)
}

func TestNoVolume(t *testing.T) {
	f, err := New(bootDisk(t))
	require.NoError(t, err)

	_, err = f.Open(uuid.New(), cfgPath)
	assert.ErrorIs(t, err, ErrNoVolume)
	_, err = f.Type(uuid.New())
	assert.ErrorIs(t, err, ErrNoVolume)
}

// countDetect wraps the detector and counts calls per device.
func countDetect(f *FS) map[blockdev.Device]int {
	calls := make(map[blockdev.Device]int)
	f.detect = func(dev blockdev.Device) (detect.Type, error) {
		calls[dev]++
		return detect.Detect(dev)
	}
	return calls
}

func TestDetectionIsCached(t *testing.T) {
	reg := bootDisk(t)
	f, err := New(reg)
	require.NoError(t, err)
	calls := countDetect(f)

	root, _ := reg.LookupName("root")
	for i := 0; i < 3; i++ {
		_, err := f.ReadFile(root.ID, cfgPath)
		require.NoError(t, err)
	}
	assert.Equal(t, 1, calls[root.Device])
}

func TestCacheEviction(t *testing.T) {
	reg := bootDisk(t)
	f, err := New(reg, WithCacheSize(1))
	require.NoError(t, err)
	calls := countDetect(f)

	root, _ := reg.LookupName("root")
	esp, _ := reg.ESP()
	for i := 0; i < 2; i++ {
		_, err := f.Type(root.ID)
		require.NoError(t, err)
		_, err = f.Type(esp.ID)
		require.NoError(t, err)
	}
	assert.Equal(t, 2, calls[root.Device])
	assert.Equal(t, 2, calls[esp.Device])
}

func TestDetectionErrorIsNotCached(t *testing.T) {
	reg := bootDisk(t)
	f, err := New(reg)
	require.NoError(t, err)

	fail := true
	f.detect = func(dev blockdev.Device) (detect.Type, error) {
		if fail {
			return detect.Unknown, &blockdev.IOError{Err: errors.New("no medium")}
		}
		return detect.Detect(dev)
	}

	esp, _ := reg.ESP()
	_, err = f.Type(esp.ID)
	assert.ErrorIs(t, err, fsys.ErrDevice)

	fail = false
	typ, err := f.Type(esp.ID)
	require.NoError(t, err)
	assert.Equal(t, detect.FAT32, typ)
}

func TestNewRejectsCacheSize(t *testing.T) {
	_, err := New(bootDisk(t), WithCacheSize(0))
	assert.Error(t, err)
}
