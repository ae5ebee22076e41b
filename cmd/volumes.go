// Package cmd implements the bootfs commands.
package cmd

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/google/uuid"

	"github.com/lvdlvd/bootfs/fsys"
	"github.com/lvdlvd/bootfs/loaderfs"
	"github.com/lvdlvd/bootfs/volume"
)

// Volumes lists the registered volumes with their detected filesystems.
// A volume whose detection fails is listed with the error instead.
func Volumes(reg *volume.Registry, lfs *loaderfs.FS, out io.Writer) error {
	fmt.Fprintf(out, "%-10s %-16s %-7s %8s %-12s %s\n", "NAME", "TYPE", "FS", "SIZE", "LABEL", "ID")

	for _, v := range reg.Volumes() {
		fsType := "?"
		if t, err := lfs.Type(v.ID); err == nil {
			fsType = t.String()
		}

		label := v.Label
		switch {
		case v.ESP && label == "":
			label = "(ESP)"
		case v.Bootable && label == "":
			label = "(bootable)"
		}
		typ := v.Type
		if typ == "" {
			typ = "-"
		}

		size := int64(v.Device.NumBlocks() * v.Device.BlockSize())
		fmt.Fprintf(out, "%-10s %-16s %-7s %8s %-12s %s\n",
			v.Name,
			truncate(typ, 16),
			fsType,
			formatSize(size),
			truncate(label, 12),
			v.ID)
	}
	return nil
}

// Select picks a volume by name, label or ID. An empty selector picks the
// EFI System Partition, or failing that the first volume.
func Select(reg *volume.Registry, sel string) (uuid.UUID, error) {
	if sel != "" {
		v, ok := reg.LookupName(sel)
		if !ok {
			return uuid.Nil, fmt.Errorf("volume %q: %w", sel, loaderfs.ErrNoVolume)
		}
		return v.ID, nil
	}
	if v, ok := reg.ESP(); ok {
		return v.ID, nil
	}
	vols := reg.Volumes()
	if len(vols) == 0 {
		return uuid.Nil, errors.New("no volumes")
	}
	return vols[0].ID, nil
}

// Config prints the loader configuration file at cfgPath on volume id.
func Config(lfs *loaderfs.FS, id uuid.UUID, cfgPath string, out io.Writer) error {
	file, err := lfs.Open(id, cfgPath)
	if errors.Is(err, fsys.ErrNotFound) {
		return fmt.Errorf("config not found: %w", err)
	}
	if err != nil {
		return err
	}
	defer file.Close()

	text, err := loaderfs.ReadToString(file)
	if err != nil {
		return err
	}
	io.WriteString(out, text)
	if !strings.HasSuffix(text, "\n") && text != "" {
		io.WriteString(out, "\n")
	}
	return nil
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-1] + "…"
}

func formatSize(bytes int64) string {
	const (
		KB = 1024
		MB = KB * 1024
		GB = MB * 1024
		TB = GB * 1024
	)

	switch {
	case bytes >= TB:
		return fmt.Sprintf("%.1fT", float64(bytes)/TB)
	case bytes >= GB:
		return fmt.Sprintf("%.1fG", float64(bytes)/GB)
	case bytes >= MB:
		return fmt.Sprintf("%.1fM", float64(bytes)/MB)
	case bytes >= KB:
		return fmt.Sprintf("%.1fK", float64(bytes)/KB)
	default:
		return fmt.Sprintf("%dB", bytes)
	}
}
