package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lvdlvd/bootfs/fsys"
	"github.com/lvdlvd/bootfs/internal/testimg"
)

const loaderCfg = "timeout=5\ndefault=\"zos\"\n"

func writeDisk(t *testing.T) string {
	t.Helper()
	esp, err := testimg.NewFAT32(testimg.FAT32Options{})
	require.NoError(t, err)
	for _, dir := range []string{"/EFI", "/EFI/BOOT", "/EFI/BOOT/ZOS"} {
		require.NoError(t, esp.Mkdir(dir))
	}
	require.NoError(t, esp.WriteFile("/EFI/BOOT/ZOS/LOADER.CFG", []byte(loaderCfg)))
	require.NoError(t, esp.WriteFile("/EFI/BOOT/ALT.CFG", []byte("timeout=1\n")))

	disk, err := testimg.GPTDisk(40<<20, 512,
		testimg.Part{StartLBA: 2048, FS: esp.Image(), TypeGUID: testimg.ESPTypeGUID, GUID: [16]byte{7}, Name: "ESP"})
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "disk.img")
	require.NoError(t, disk.Save(path))
	return path
}

func TestRun(t *testing.T) {
	img := writeDisk(t)

	tests := []struct {
		name string
		args []string
		want string
	}{
		{"config", []string{img, "config"}, loaderCfg},
		{"cat", []string{img, "cat", "/EFI/BOOT/ALT.CFG"}, "timeout=1\n"},
		{"cat by volume name", []string{"-volume", "disk0p0", img, "cat", "/efi/boot/alt.cfg"}, "timeout=1\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var stdout, stderr bytes.Buffer
			require.NoError(t, run(tt.args, &stdout, &stderr))
			assert.Equal(t, tt.want, stdout.String())
		})
	}
}

func TestRunVolumes(t *testing.T) {
	var stdout, stderr bytes.Buffer
	require.NoError(t, run([]string{writeDisk(t), "volumes"}, &stdout, &stderr))
	assert.Contains(t, stdout.String(), "disk0p0")
	assert.Contains(t, stdout.String(), "FAT32")
}

func TestRunConfigFromFile(t *testing.T) {
	img := writeDisk(t)
	cfg := filepath.Join(t.TempDir(), "bootfs.yaml")
	require.NoError(t, os.WriteFile(cfg, []byte("config_path: /EFI/BOOT/ALT.CFG\nlog:\n  format: json\n"), 0o644))

	var stdout, stderr bytes.Buffer
	require.NoError(t, run([]string{"-config", cfg, img, "config"}, &stdout, &stderr))
	assert.Equal(t, "timeout=1\n", stdout.String())
}

func TestRunErrors(t *testing.T) {
	img := writeDisk(t)

	tests := []struct {
		name string
		args []string
		is   error
	}{
		{"missing command", []string{img}, nil},
		{"unknown command", []string{img, "ls"}, nil},
		{"cat without path", []string{img, "cat"}, nil},
		{"missing file", []string{img, "cat", "/NOPE"}, fsys.ErrNotFound},
		{"unknown volume", []string{"-volume", "disk3", img, "config"}, nil},
		{"missing image", []string{filepath.Join(t.TempDir(), "none.img"), "volumes"}, os.ErrNotExist},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var stdout, stderr bytes.Buffer
			err := run(tt.args, &stdout, &stderr)
			require.Error(t, err)
			if tt.is != nil {
				assert.ErrorIs(t, err, tt.is)
			}
		})
	}
}

func TestRunBadEnvironment(t *testing.T) {
	t.Setenv("BOOTFS_SECTOR_SIZE", "1000")
	var stdout, stderr bytes.Buffer
	err := run([]string{writeDisk(t), "volumes"}, &stdout, &stderr)
	assert.ErrorContains(t, err, "sector size")
}
