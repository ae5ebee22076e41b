package fsys

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"reflect"
	"testing"

	"github.com/lvdlvd/bootfs/blockdev"
)

func baseData(n int) []byte {
	data := make([]byte, n)
	for i := range data {
		data[i] = byte(i % 256)
	}
	return data
}

func TestExtentReaderAt(t *testing.T) {
	base := bytes.NewReader(baseData(1000))

	tests := []struct {
		name    string
		extents []Extent
		size    int64
		off     int64
		n       int
		want    []byte
		wantErr error
	}{
		{
			name:    "single extent",
			extents: []Extent{{Logical: 0, Physical: 100, Length: 200}},
			size:    200,
			off:     10,
			n:       4,
			want:    []byte{110, 111, 112, 113},
		},
		{
			name: "across two extents",
			// logical [0,100) -> [200,300), [100,200) -> [500,600)
			extents: []Extent{
				{Logical: 100, Physical: 500, Length: 100},
				{Logical: 0, Physical: 200, Length: 100},
			},
			size: 200,
			off:  98,
			n:    4,
			want: []byte{byte(298 % 256), byte(299 % 256), byte(500 % 256), byte(501 % 256)},
		},
		{
			name:    "hole reads as zeros",
			extents: []Extent{{Logical: 4, Physical: 0, Length: 4}},
			size:    8,
			off:     2,
			n:       4,
			want:    []byte{0, 0, 0, 1},
		},
		{
			name:    "truncated at size",
			extents: []Extent{{Logical: 0, Physical: 0, Length: 37}},
			size:    37,
			off:     35,
			n:       4,
			want:    []byte{35, 36},
			wantErr: io.EOF,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewExtentReaderAt(base, tt.extents, tt.size)
			buf := make([]byte, tt.n)
			n, err := r.ReadAt(buf, tt.off)
			if err != tt.wantErr {
				t.Fatalf("ReadAt error = %v, want %v", err, tt.wantErr)
			}
			if !bytes.Equal(buf[:n], tt.want) {
				t.Errorf("ReadAt = %v, want %v", buf[:n], tt.want)
			}
		})
	}
}

func TestExtentReaderAtShortBase(t *testing.T) {
	// Extent claims more bytes than the base reader holds.
	r := NewExtentReaderAt(bytes.NewReader(baseData(10)), []Extent{{Logical: 0, Physical: 0, Length: 20}}, 20)
	_, err := r.ReadAt(make([]byte, 20), 0)
	if !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Fatalf("ReadAt error = %v, want io.ErrUnexpectedEOF", err)
	}
}

func TestFile(t *testing.T) {
	content := []byte("timeout=5\ndefault=\"zos\"\nname=caf\xe9\n")
	base := make([]byte, 4096)
	copy(base[1024:], content)
	f := NewFile("/loader.cfg", bytes.NewReader(base), []Extent{{Logical: 0, Physical: 1024, Length: 4096 - 1024}}, int64(len(content)))

	if f.Size() != int64(len(content)) {
		t.Fatalf("Size = %d, want %d", f.Size(), len(content))
	}

	got, err := io.ReadAll(f)
	if err != nil {
		t.Fatalf("reading: %v", err)
	}
	if !bytes.Equal(got, content) {
		t.Errorf("Read = %q, want %q", got, content)
	}

	all, err := f.ReadAll()
	if err != nil || !bytes.Equal(all, content) {
		t.Errorf("ReadAll = %q, %v", all, err)
	}

	text, err := f.ReadToString()
	if err != nil {
		t.Fatalf("ReadToString: %v", err)
	}
	if want := "timeout=5\ndefault=\"zos\"\nname=café\n"; text != want {
		t.Errorf("ReadToString = %q, want %q", text, want)
	}
}

func TestEmptyFile(t *testing.T) {
	f := NewFile("empty", bytes.NewReader(nil), nil, 0)
	data, err := f.ReadAll()
	if err != nil || len(data) != 0 {
		t.Errorf("ReadAll = %v, %v; want empty", data, err)
	}
	if n, err := f.Read(make([]byte, 1)); n != 0 || err != io.EOF {
		t.Errorf("Read = %d, %v; want 0, EOF", n, err)
	}
}

func TestSplitPath(t *testing.T) {
	tests := []struct {
		in   string
		want []string
	}{
		{"/", nil},
		{"", nil},
		{"/EFI/BOOT/ZOS/LOADER.CFG", []string{"EFI", "BOOT", "ZOS", "LOADER.CFG"}},
		{"a//b/", []string{"a", "b"}},
		{"/a/./b/../c", []string{"a", "c"}},
		{"/../x", []string{"x"}},
	}
	for _, tt := range tests {
		if got := SplitPath(tt.in); !reflect.DeepEqual(got, tt.want) {
			t.Errorf("SplitPath(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestIsFatal(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{PathError("open", "/x", ErrNotFound), false},
		{fmt.Errorf("resolving: %w", fs.ErrNotExist), false},
		{Corruptf("bad magic %#x", 0), true},
		{ErrUnknownFS, true},
		{&blockdev.IOError{LBA: 3}, true},
	}
	for _, tt := range tests {
		if got := IsFatal(tt.err); got != tt.want {
			t.Errorf("IsFatal(%v) = %v, want %v", tt.err, got, tt.want)
		}
	}
}
