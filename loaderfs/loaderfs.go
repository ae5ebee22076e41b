// Package loaderfs is the boot loader's file access entry point. It binds
// each volume to the ext4 or FAT32 reader on first use and forwards file
// requests to it.
package loaderfs

import (
	"fmt"
	"io/fs"
	"log/slog"

	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/arc/v2"

	"github.com/lvdlvd/bootfs/blockdev"
	"github.com/lvdlvd/bootfs/detect"
	"github.com/lvdlvd/bootfs/fsys"
	"github.com/lvdlvd/bootfs/fsys/ext"
	"github.com/lvdlvd/bootfs/fsys/fat"
	"github.com/lvdlvd/bootfs/volume"
)

const defaultCacheSize = 16

// ErrNoVolume is returned for IDs missing from the registry.
var ErrNoVolume = fmt.Errorf("no such volume: %w", fs.ErrNotExist)

// FS dispatches file requests to per-volume readers.
type FS struct {
	reg       *volume.Registry
	log       *slog.Logger
	cacheSize int
	types     *arc.ARCCache[uuid.UUID, detect.Type]
	detect    func(blockdev.Device) (detect.Type, error)
}

type Option func(*FS)

// WithLogger sets the logger handed to the readers.
func WithLogger(l *slog.Logger) Option {
	return func(f *FS) { f.log = l }
}

// WithCacheSize sets how many volumes keep their detected type.
func WithCacheSize(n int) Option {
	return func(f *FS) { f.cacheSize = n }
}

// New returns a facade over the volumes in reg.
func New(reg *volume.Registry, opts ...Option) (*FS, error) {
	f := &FS{
		reg:       reg,
		log:       slog.New(slog.DiscardHandler),
		cacheSize: defaultCacheSize,
		detect:    detect.Detect,
	}
	for _, opt := range opts {
		opt(f)
	}

	var err error
	f.types, err = arc.NewARC[uuid.UUID, detect.Type](f.cacheSize)
	if err != nil {
		return nil, fmt.Errorf("detection cache: %w", err)
	}
	return f, nil
}

// Type returns the filesystem on volume id, detecting it on first use.
// Volumes are read-only while the loader runs, so the result is kept.
func (f *FS) Type(id uuid.UUID) (detect.Type, error) {
	v, ok := f.reg.Lookup(id)
	if !ok {
		return detect.Unknown, fmt.Errorf("volume %s: %w", id, ErrNoVolume)
	}
	return f.bind(v)
}

func (f *FS) bind(v *volume.Volume) (detect.Type, error) {
	if t, ok := f.types.Get(v.ID); ok {
		return t, nil
	}
	t, err := f.detect(v.Device)
	if err != nil {
		return detect.Unknown, fmt.Errorf("volume %s: detecting filesystem: %w", v.Name, err)
	}
	f.log.Debug("bound volume", slog.String("volume", v.Name), slog.String("type", t.String()))
	f.types.Add(v.ID, t)
	return t, nil
}

// Reader returns the reader bound to volume id.
func (f *FS) Reader(id uuid.UUID) (fsys.Reader, error) {
	v, ok := f.reg.Lookup(id)
	if !ok {
		return nil, fmt.Errorf("volume %s: %w", id, ErrNoVolume)
	}
	t, err := f.bind(v)
	if err != nil {
		return nil, err
	}
	log := f.log.With(slog.String("volume", v.Name))
	switch t {
	case detect.Ext4:
		return ext.New(v.Device, log), nil
	case detect.FAT32:
		return fat.New(v.Device, log), nil
	}
	return nil, fmt.Errorf("volume %s: %w", v.Name, fsys.ErrUnknownFS)
}

// Open returns a handle on the regular file at path on volume id. The
// handle holds the file's resolved size and location, so reading it does
// not walk directories again.
func (f *FS) Open(id uuid.UUID, path string) (*fsys.File, error) {
	r, err := f.Reader(id)
	if err != nil {
		return nil, err
	}
	return r.Open(path)
}

// ReadFile returns the contents of path on volume id.
func (f *FS) ReadFile(id uuid.UUID, path string) ([]byte, error) {
	r, err := f.Reader(id)
	if err != nil {
		return nil, err
	}
	return r.ReadFile(path)
}

// FileSize returns the resolved size of an open file.
func FileSize(file *fsys.File) int64 { return file.Size() }

// ReadToString reads the whole file and decodes it as Latin-1 text.
func ReadToString(file *fsys.File) (string, error) { return file.ReadToString() }
