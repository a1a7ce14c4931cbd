package archive

import (
	"context"
	"fmt"
	"io"
	"path"
	"path/filepath"
	"slices"
	"strings"

	"github.com/spf13/afero"
)

// Segment is a contiguous run of an entry's bytes stored verbatim inside one
// volume file.
type Segment struct {
	Volume string
	Offset int64
	Length int64
}

// Entry is one file inside an archive.
type Entry struct {
	Name       string // forward-slash path inside the archive
	Size       int64  // unpacked size
	Compressed bool
	Encrypted  bool
	// Segments maps the entry onto volume byte ranges. Only set for stored,
	// unencrypted entries, which can be read at any offset directly.
	Segments []Segment
}

// Direct reports whether the entry can be served by direct volume reads.
func (e Entry) Direct() bool {
	return !e.Compressed && !e.Encrypted && len(e.Segments) > 0
}

// Layout is the inspected structure of an archive set.
type Layout struct {
	FirstVolume string
	Format      Format
	Volumes     []string
	Entries     []Entry
	// ContentSize is the total unpacked size reported by the archive's own
	// headers.
	ContentSize int64
}

// Entry looks up an entry by name.
func (l *Layout) Entry(name string) (Entry, bool) {
	for _, e := range l.Entries {
		if e.Name == name {
			return e, true
		}
	}
	return Entry{}, false
}

// MediaEntries returns entries whose extension is in exts (case-insensitive).
func (l *Layout) MediaEntries(exts []string) []Entry {
	var out []Entry
	for _, e := range l.Entries {
		ext := strings.ToLower(path.Ext(e.Name))
		if slices.ContainsFunc(exts, func(x string) bool { return strings.EqualFold(x, ext) }) {
			out = append(out, e)
		}
	}
	return out
}

// Backend reads one container format.
type Backend interface {
	// Inspect lists the entries of the set starting at firstVolume.
	Inspect(ctx context.Context, fsys afero.Fs, firstVolume string, volumes []string) (*Layout, error)
	// Open decodes an entry sequentially from its first byte.
	Open(ctx context.Context, fsys afero.Fs, layout *Layout, entry Entry) (io.ReadCloser, error)
}

var backends = map[Format]Backend{
	FormatRAR:      rarBackend{},
	FormatSevenZip: sevenZipBackend{},
	FormatZip:      zipBackend{},
}

func backendFor(f Format) (Backend, error) {
	b, ok := backends[f]
	if !ok {
		return nil, fmt.Errorf("unsupported archive format %q", f)
	}
	return b, nil
}

// Inspect discovers the volumes of the set at firstVolume and reads its
// entry list.
func Inspect(ctx context.Context, fsys afero.Fs, firstVolume string) (*Layout, error) {
	head, ok := ParseVolumeName(firstVolume)
	if !ok || !head.First() {
		return nil, fmt.Errorf("%s is not a first archive volume", firstVolume)
	}

	volumes, err := DiscoverVolumes(fsys, firstVolume)
	if err != nil {
		return nil, err
	}

	b, err := backendFor(head.Format)
	if err != nil {
		return nil, err
	}

	layout, err := b.Inspect(ctx, fsys, firstVolume, volumes)
	if err != nil {
		return nil, err
	}

	layout.FirstVolume = firstVolume
	layout.Format = head.Format
	layout.Volumes = volumes
	if layout.ContentSize == 0 {
		for _, e := range layout.Entries {
			layout.ContentSize += e.Size
		}
	}

	return layout, nil
}

func normalizeName(name string) string {
	return strings.TrimPrefix(filepath.ToSlash(strings.ReplaceAll(name, "\\", "/")), "/")
}

// segmentsOverConcat maps [offset, offset+size) of the logical concatenation
// of volumes onto per-volume segments.
func segmentsOverConcat(fsys afero.Fs, volumes []string, offset, size int64) ([]Segment, error) {
	var segs []Segment
	var base int64

	for _, v := range volumes {
		if size <= 0 {
			break
		}
		info, err := fsys.Stat(v)
		if err != nil {
			return nil, fmt.Errorf("failed to stat volume %s: %w", v, err)
		}
		volSize := info.Size()
		if offset >= base+volSize {
			base += volSize
			continue
		}

		start := offset - base
		n := min(volSize-start, size)
		segs = append(segs, Segment{Volume: v, Offset: start, Length: n})
		offset += n
		size -= n
		base += volSize
	}

	if size > 0 {
		return nil, fmt.Errorf("entry extends past the last volume by %d bytes", size)
	}
	return segs, nil
}
