// Package config loads bootfs settings from an optional YAML file and the
// environment.
package config

import (
	"errors"
	"fmt"
	"os"

	"github.com/ilyakaznacheev/cleanenv"

	"github.com/lvdlvd/bootfs/internal/logging"
)

type Config struct {
	SectorSize uint64    `yaml:"sector_size" env:"BOOTFS_SECTOR_SIZE" env-default:"512" env-description:"block size of disk images"`
	ConfigPath string    `yaml:"config_path" env:"BOOTFS_CONFIG_PATH" env-default:"/EFI/BOOT/ZOS/LOADER.CFG" env-description:"loader configuration file"`
	CacheSize  int       `yaml:"cache_size" env:"BOOTFS_CACHE_SIZE" env-default:"16" env-description:"volumes whose filesystem type is remembered"`
	Log        LogConfig `yaml:"log"`
}

type LogConfig struct {
	Level  string `yaml:"level" env:"BOOTFS_LOG_LEVEL" env-default:"info"`
	Format string `yaml:"format" env:"BOOTFS_LOG_FORMAT" env-default:"pretty"`
}

// Load reads the YAML file at path, if path is not empty, and then applies
// environment overrides and defaults.
func Load(path string) (*Config, error) {
	var cfg Config
	if path != "" {
		if _, err := os.Stat(path); err != nil {
			return nil, fmt.Errorf("config file: %w", err)
		}
		if err := cleanenv.ReadConfig(path, &cfg); err != nil {
			return nil, fmt.Errorf("cannot read config %s: %w", path, err)
		}
	} else if err := cleanenv.ReadEnv(&cfg); err != nil {
		return nil, fmt.Errorf("cannot read environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks value ranges.
func (c *Config) Validate() error {
	var errs []error
	if c.SectorSize < 512 || c.SectorSize > 65536 || c.SectorSize&(c.SectorSize-1) != 0 {
		errs = append(errs, fmt.Errorf("sector size %d is not a power of two in [512, 65536]", c.SectorSize))
	}
	switch c.Log.Format {
	case logging.FormatPretty, logging.FormatJSON:
	default:
		errs = append(errs, fmt.Errorf("unknown log format %q", c.Log.Format))
	}
	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, err)
	}
	if c.CacheSize <= 0 {
		errs = append(errs, fmt.Errorf("cache size %d must be positive", c.CacheSize))
	}
	if c.ConfigPath == "" {
		errs = append(errs, errors.New("empty loader config path"))
	}
	return errors.Join(errs...)
}

// Usage returns a description of the environment variables.
func Usage() (string, error) {
	var cfg Config
	return cleanenv.GetDescription(&cfg, nil)
}
