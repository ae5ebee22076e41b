package detect

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lvdlvd/bootfs/blockdev"
	"github.com/lvdlvd/bootfs/internal/testimg"
)

func TestDetectExt4(t *testing.T) {
	b, err := testimg.NewExt4(testimg.Ext4Options{Size: 8 << 20})
	require.NoError(t, err)

	for _, bs := range []uint64{512, 4096} {
		typ, err := Detect(b.Image().WithBlockSize(bs))
		require.NoError(t, err)
		assert.Equal(t, Ext4, typ, "block size %d", bs)
	}
}

func TestDetectZeroMagicIsNotExt4(t *testing.T) {
	b, err := testimg.NewExt4(testimg.Ext4Options{Size: 8 << 20})
	require.NoError(t, err)
	b.Image().PutUint16(1024+0x38, 0)

	typ, err := Detect(b.Image())
	require.NoError(t, err)
	assert.Equal(t, Unknown, typ)
}

func TestDetectExt4ExactSuperblockEnd(t *testing.T) {
	img := testimg.NewImage(2048, 512)
	img.PutUint16(1024+0x38, 0xEF53)

	typ, err := Detect(img)
	require.NoError(t, err)
	assert.Equal(t, Ext4, typ)
}

func TestDetectFAT32(t *testing.T) {
	b, err := testimg.NewFAT32(testimg.FAT32Options{})
	require.NoError(t, err)

	typ, err := Detect(b.Image())
	require.NoError(t, err)
	assert.Equal(t, FAT32, typ)
}

func TestDetectFAT16Marker(t *testing.T) {
	img := testimg.NewImage(1<<20, 512)
	_, err := img.WriteAt([]byte("FAT16   "), 54)
	require.NoError(t, err)

	typ, err := Detect(img)
	require.NoError(t, err)
	assert.Equal(t, FAT32, typ, "the marker is only a hint; classification happens in the FAT reader")
}

func TestDetectUnknown(t *testing.T) {
	tests := []struct {
		name string
		img  *testimg.Image
	}{
		{"zeros", testimg.NewImage(1<<20, 512)},
		{"smaller than a superblock", testimg.NewImage(1024, 512)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			typ, err := Detect(tt.img)
			require.NoError(t, err)
			assert.Equal(t, Unknown, typ)
			assert.Equal(t, "unknown", typ.String())
		})
	}
}

type brokenDevice struct{ *testimg.Image }

func (brokenDevice) ReadBlocks(lba uint64, buf []byte) error {
	return errors.New("no medium")
}

func TestDetectDeviceError(t *testing.T) {
	_, err := Detect(brokenDevice{testimg.NewImage(1<<20, 512)})
	assert.ErrorIs(t, err, blockdev.ErrIO)
}
