// bootfs - Read boot loader files from ext4 and FAT32 disk images
//
// Usage:
//
//	bootfs [-config file] [-volume sel] <image> volumes
//	bootfs [-config file] [-volume sel] <image> cat <path>
//	bootfs [-config file] [-volume sel] <image> stat <path>
//	bootfs [-config file] [-volume sel] <image> config
//
// The volume selector is a volume name (disk0p1), GPT partition name or
// volume ID. Without one the EFI System Partition is used, or the first
// volume when the disk has none.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/lvdlvd/bootfs/blockdev"
	"github.com/lvdlvd/bootfs/cmd"
	"github.com/lvdlvd/bootfs/fsys"
	"github.com/lvdlvd/bootfs/internal/config"
	"github.com/lvdlvd/bootfs/internal/logging"
	"github.com/lvdlvd/bootfs/loaderfs"
	"github.com/lvdlvd/bootfs/volume"
)

func main() {
	if err := run(os.Args[1:], os.Stdout, os.Stderr); err != nil {
		fmt.Fprintf(os.Stderr, "bootfs: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string, stdout, stderr io.Writer) error {
	flags := flag.NewFlagSet("bootfs", flag.ContinueOnError)
	flags.SetOutput(stderr)
	configFile := flags.String("config", "", "YAML configuration `file`")
	volSel := flags.String("volume", "", "volume name, label or ID")
	flags.Usage = func() {
		fmt.Fprintln(stderr, "usage: bootfs [-config file] [-volume sel] <image> <command> [path]")
		fmt.Fprintln(stderr, "commands: volumes, cat <path>, stat <path>, config")
		flags.PrintDefaults()
		if u, err := config.Usage(); err == nil {
			fmt.Fprintln(stderr, u)
		}
	}
	if err := flags.Parse(args); err != nil {
		return err
	}
	if flags.NArg() < 2 {
		flags.Usage()
		return fmt.Errorf("missing image or command")
	}

	imagePath := flags.Arg(0)
	command := flags.Arg(1)
	cmdArgs := flags.Args()[2:]

	cfg, err := config.Load(*configFile)
	if err != nil {
		return err
	}
	log, err := logging.New(cfg.Log.Level, cfg.Log.Format, stderr)
	if err != nil {
		return err
	}
	ctx := logging.MakeContextWithLogger(context.Background(), log)

	disk, err := blockdev.OpenFile(imagePath, cfg.SectorSize)
	if err != nil {
		return fmt.Errorf("opening image: %w", err)
	}
	defer disk.Close()

	reg, err := volume.Enumerate(ctx, disk)
	if err != nil {
		return fmt.Errorf("enumerating volumes: %w", err)
	}
	lfs, err := loaderfs.New(reg, loaderfs.WithLogger(log), loaderfs.WithCacheSize(cfg.CacheSize))
	if err != nil {
		return err
	}

	if command == "volumes" {
		return cmd.Volumes(reg, lfs, stdout)
	}

	id, err := cmd.Select(reg, *volSel)
	if err != nil {
		return err
	}

	switch command {
	case "cat":
		if len(cmdArgs) < 1 {
			return fmt.Errorf("cat requires a path argument")
		}
		err = cmd.Cat(lfs, id, cmdArgs[0], stdout)
	case "stat":
		if len(cmdArgs) < 1 {
			return fmt.Errorf("stat requires a path argument")
		}
		err = cmd.Stat(lfs, id, cmdArgs[0], stdout)
	case "config":
		err = cmd.Config(lfs, id, cfg.ConfigPath, stdout)
	default:
		return fmt.Errorf("unknown command: %s (use volumes, cat, stat, or config)", command)
	}
	if err != nil && fsys.IsFatal(err) {
		log.Error("unreadable volume", slog.String("volume", *volSel), slog.Any("err", err))
	}
	return err
}
