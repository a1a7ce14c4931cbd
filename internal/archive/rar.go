package archive

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"

	"github.com/javi11/rardecode/v2"
	"github.com/spf13/afero"

	perrors "github.com/javi11/rarlink/internal/errors"
)

type rarBackend struct{}

// rarFS exposes the directory holding the volumes as an fs.FS, which is how
// rardecode resolves sibling volumes.
func rarFS(fsys afero.Fs, firstVolume string) (*afero.IOFS, string) {
	dir := filepath.Dir(firstVolume)
	iofs := afero.NewIOFS(afero.NewBasePathFs(fsys, dir))
	return &iofs, filepath.Base(firstVolume)
}

func (rarBackend) Inspect(ctx context.Context, fsys afero.Fs, firstVolume string, volumes []string) (*Layout, error) {
	iofs, name := rarFS(fsys, firstVolume)
	dir := filepath.Dir(firstVolume)

	opts := []rardecode.Option{rardecode.FileSystem(iofs), rardecode.SkipCheck}
	if len(volumes) > 1 {
		opts = append(opts, rardecode.ParallelRead(true), rardecode.MaxConcurrentVolumes(4))
	}

	infos, err := rardecode.ListArchiveInfo(name, opts...)
	if err != nil {
		return nil, classifyRarError(firstVolume, err)
	}

	layout := &Layout{}
	for _, info := range infos {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		entry := Entry{
			Name:       normalizeName(info.Name),
			Size:       info.TotalUnpackedSize,
			Compressed: info.Compressed,
		}

		for _, part := range info.Parts {
			if len(part.AesKey) > 0 {
				entry.Encrypted = true
			}
			if part.PackedSize <= 0 {
				continue
			}
			vol := part.Path
			if !filepath.IsAbs(vol) {
				vol = filepath.Join(dir, filepath.Base(vol))
			}
			entry.Segments = append(entry.Segments, Segment{
				Volume: vol,
				Offset: part.DataOffset,
				Length: part.PackedSize,
			})
		}

		if entry.Compressed || entry.Encrypted {
			entry.Segments = nil
		}

		layout.Entries = append(layout.Entries, entry)
		layout.ContentSize += info.TotalUnpackedSize
	}

	return layout, nil
}

func (rarBackend) Open(ctx context.Context, fsys afero.Fs, layout *Layout, entry Entry) (io.ReadCloser, error) {
	iofs, name := rarFS(fsys, layout.FirstVolume)

	rc, err := rardecode.OpenReader(name, rardecode.FileSystem(iofs))
	if err != nil {
		return nil, classifyRarError(layout.FirstVolume, err)
	}

	for {
		if err := ctx.Err(); err != nil {
			rc.Close()
			return nil, err
		}

		hdr, err := rc.Next()
		if errors.Is(err, io.EOF) {
			rc.Close()
			return nil, fmt.Errorf("entry %s not found in %s", entry.Name, layout.FirstVolume)
		}
		if err != nil {
			rc.Close()
			return nil, classifyRarError(layout.FirstVolume, err)
		}

		if !hdr.IsDir && normalizeName(hdr.Name) == entry.Name {
			return readCloser{Reader: rc, close: rc.Close}, nil
		}
	}
}

func classifyRarError(path string, err error) error {
	switch {
	case errors.Is(err, rardecode.ErrBadPassword):
		return perrors.New(perrors.KindEncrypted, "rar", path, err)
	case errors.Is(err, rardecode.ErrNoSig), errors.Is(err, rardecode.ErrVerMismatch):
		return perrors.New(perrors.KindCorrupted, "rar", path, err)
	default:
		return fmt.Errorf("failed to read rar archive %s: %w", path, err)
	}
}

type readCloser struct {
	io.Reader
	close func() error
}

func (r readCloser) Close() error {
	return r.close()
}
