// Package volume enumerates the readable volumes of a set of disks and keeps
// them in an immutable registry.
package volume

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/lvdlvd/bootfs/blockdev"
	"github.com/lvdlvd/bootfs/fsys/part"
	"github.com/lvdlvd/bootfs/internal/logging"
)

// Volume is one filesystem-bearing region of a disk.
type Volume struct {
	ID       uuid.UUID
	Name     string // "disk0", "disk0p1"
	Label    string // GPT partition name
	Type     string // Partition type, empty for whole-disk volumes
	Device   blockdev.Device
	Bootable bool
	ESP      bool
}

// Registry is the set of volumes found at startup. It is not modified after
// construction.
type Registry struct {
	vols []*Volume
	byID map[uuid.UUID]*Volume
}

// NewRegistry returns a registry of vols. Volume IDs and names must be unique.
func NewRegistry(vols ...*Volume) (*Registry, error) {
	r := &Registry{byID: make(map[uuid.UUID]*Volume, len(vols))}
	names := make(map[string]bool, len(vols))
	for _, v := range vols {
		if _, dup := r.byID[v.ID]; dup {
			return nil, fmt.Errorf("duplicate volume id %s (%s)", v.ID, v.Name)
		}
		if names[v.Name] {
			return nil, fmt.Errorf("duplicate volume name %s", v.Name)
		}
		r.byID[v.ID] = v
		names[v.Name] = true
		r.vols = append(r.vols, v)
	}
	return r, nil
}

// Lookup returns the volume with the given ID.
func (r *Registry) Lookup(id uuid.UUID) (*Volume, bool) {
	v, ok := r.byID[id]
	return v, ok
}

// LookupName returns the volume with the given name, label or ID string.
func (r *Registry) LookupName(name string) (*Volume, bool) {
	for _, v := range r.vols {
		if v.Name == name {
			return v, true
		}
	}
	for _, v := range r.vols {
		if v.Label != "" && v.Label == name {
			return v, true
		}
	}
	if id, err := uuid.Parse(name); err == nil {
		return r.Lookup(id)
	}
	return nil, false
}

// ESP returns the first EFI System Partition.
func (r *Registry) ESP() (*Volume, bool) {
	for _, v := range r.vols {
		if v.ESP {
			return v, true
		}
	}
	return nil, false
}

// Volumes returns the volumes in enumeration order.
func (r *Registry) Volumes() []*Volume {
	return append([]*Volume(nil), r.vols...)
}

// Enumerate reads the partition table of each disk and registers one volume
// per partition, or the whole disk when it is not partitioned. Disk n is
// named "disk<n>".
//
// GPT partitions are identified by their unique partition GUID. MBR
// partitions and whole disks get name-based UUIDs derived from the disk
// signature, or from the disk index when the signature is zero.
func Enumerate(ctx context.Context, disks ...blockdev.Device) (*Registry, error) {
	log := logging.FromContextWithOp(ctx, "volume.Enumerate")

	var vols []*Volume
	for n, disk := range disks {
		diskName := fmt.Sprintf("disk%d", n)
		tbl, err := part.Read(disk)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", diskName, err)
		}
		log.Debug("partition table", slog.String("disk", diskName), slog.String("scheme", tbl.Scheme.String()), slog.Int("partitions", len(tbl.Partitions)))

		if tbl.Scheme == part.None {
			vols = append(vols, &Volume{
				ID:     uuid.NewSHA1(uuid.NameSpaceOID, fmt.Appendf(nil, "disk:%d", n)),
				Name:   diskName,
				Device: disk,
			})
			continue
		}

		for _, p := range tbl.Partitions {
			dev, err := tbl.Open(disk, p)
			if err != nil {
				return nil, fmt.Errorf("%s%s: %w", diskName, p.Name, err)
			}
			id := p.GUID
			switch {
			case id != uuid.Nil:
			case tbl.DiskSignature != 0:
				id = uuid.NewSHA1(uuid.NameSpaceOID, fmt.Appendf(nil, "mbr:%08x:%d", tbl.DiskSignature, p.Index))
			default:
				id = uuid.NewSHA1(uuid.NameSpaceOID, fmt.Appendf(nil, "disk:%d:%d", n, p.Index))
			}
			vols = append(vols, &Volume{
				ID:       id,
				Name:     diskName + p.Name,
				Label:    p.Label,
				Type:     p.TypeString(),
				Device:   dev,
				Bootable: p.Bootable,
				ESP:      p.ESP(),
			})
		}
	}

	r, err := NewRegistry(vols...)
	if err != nil {
		return nil, err
	}
	log.Info("enumerated volumes", slog.Int("disks", len(disks)), slog.Int("volumes", len(vols)))
	return r, nil
}
