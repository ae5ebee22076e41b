package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, uint64(512), cfg.SectorSize)
	assert.Equal(t, "/EFI/BOOT/ZOS/LOADER.CFG", cfg.ConfigPath)
	assert.Equal(t, 16, cfg.CacheSize)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "pretty", cfg.Log.Format)
}

func TestEnvironment(t *testing.T) {
	t.Setenv("BOOTFS_SECTOR_SIZE", "4096")
	t.Setenv("BOOTFS_LOG_FORMAT", "json")
	t.Setenv("BOOTFS_CONFIG_PATH", "/boot/loader.cfg")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, uint64(4096), cfg.SectorSize)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, "/boot/loader.cfg", cfg.ConfigPath)
}

func TestFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bootfs.yaml")
	require.NoError(t, os.WriteFile(path, []byte("sector_size: 1024\ncache_size: 4\nlog:\n  level: debug\n"), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, uint64(1024), cfg.SectorSize)
	assert.Equal(t, 4, cfg.CacheSize)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "pretty", cfg.Log.Format, "default applies to fields missing from the file")

	t.Setenv("BOOTFS_LOG_LEVEL", "error")
	cfg, err = Load(path)
	require.NoError(t, err)
	assert.Equal(t, "error", cfg.Log.Level, "environment overrides the file")
}

func TestMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestValidate(t *testing.T) {
	good := Config{SectorSize: 512, ConfigPath: "/x", CacheSize: 1, Log: LogConfig{Level: "info", Format: "json"}}
	require.NoError(t, good.Validate())

	tests := map[string]func(c *Config){
		"sector size too small":    func(c *Config) { c.SectorSize = 256 },
		"sector size too large":    func(c *Config) { c.SectorSize = 131072 },
		"sector size not power":    func(c *Config) { c.SectorSize = 1536 },
		"log format":               func(c *Config) { c.Log.Format = "xml" },
		"log level":                func(c *Config) { c.Log.Level = "chatty" },
		"cache size":               func(c *Config) { c.CacheSize = 0 },
		"empty loader config path": func(c *Config) { c.ConfigPath = "" },
	}
	for name, patch := range tests {
		t.Run(name, func(t *testing.T) {
			c := good
			patch(&c)
			assert.Error(t, c.Validate())
		})
	}
}

func TestUsage(t *testing.T) {
	u, err := Usage()
	require.NoError(t, err)
	assert.Contains(t, u, "BOOTFS_SECTOR_SIZE")
}
