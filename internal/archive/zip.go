package archive

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/klauspost/compress/zip"
	"github.com/spf13/afero"

	perrors "github.com/javi11/rarlink/internal/errors"
)

type zipBackend struct{}

// zip flag bit 0 marks traditional or AES encryption.
const zipFlagEncrypted = 0x1

func openZip(fsys afero.Fs, path string) (*zip.Reader, afero.File, error) {
	f, err := fsys.Open(path)
	if err != nil {
		return nil, nil, err
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, nil, err
	}

	r, err := zip.NewReader(f, info.Size())
	if err != nil {
		f.Close()
		if errors.Is(err, zip.ErrFormat) || errors.Is(err, zip.ErrChecksum) {
			return nil, nil, perrors.New(perrors.KindCorrupted, "zip", path, err)
		}
		return nil, nil, fmt.Errorf("failed to read zip archive %s: %w", path, err)
	}

	return r, f, nil
}

func (zipBackend) Inspect(ctx context.Context, fsys afero.Fs, firstVolume string, volumes []string) (*Layout, error) {
	if len(volumes) > 1 {
		return nil, perrors.New(perrors.KindMountFailure, "zip", firstVolume,
			fmt.Errorf("split zip archives are not supported (%d volumes)", len(volumes)))
	}

	r, f, err := openZip(fsys, firstVolume)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	layout := &Layout{}
	for _, zf := range r.File {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if strings.HasSuffix(zf.Name, "/") {
			continue
		}

		entry := Entry{
			Name:       normalizeName(zf.Name),
			Size:       int64(zf.UncompressedSize64),
			Compressed: zf.Method != zip.Store,
			Encrypted:  zf.Flags&zipFlagEncrypted != 0,
		}

		if !entry.Compressed && !entry.Encrypted && entry.Size > 0 {
			off, err := zf.DataOffset()
			if err != nil {
				return nil, perrors.New(perrors.KindCorrupted, "zip", firstVolume, err)
			}
			entry.Segments = []Segment{{Volume: firstVolume, Offset: off, Length: entry.Size}}
		}

		layout.Entries = append(layout.Entries, entry)
		layout.ContentSize += entry.Size
	}

	return layout, nil
}

func (zipBackend) Open(ctx context.Context, fsys afero.Fs, layout *Layout, entry Entry) (io.ReadCloser, error) {
	r, f, err := openZip(fsys, layout.FirstVolume)
	if err != nil {
		return nil, err
	}

	for _, zf := range r.File {
		if normalizeName(zf.Name) != entry.Name {
			continue
		}
		if zf.Flags&zipFlagEncrypted != 0 {
			f.Close()
			return nil, perrors.New(perrors.KindEncrypted, "zip", layout.FirstVolume, nil)
		}

		rc, err := zf.Open()
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("failed to open zip entry %s: %w", entry.Name, err)
		}

		return readCloser{Reader: rc, close: func() error {
			rc.Close()
			return f.Close()
		}}, nil
	}

	f.Close()
	return nil, fmt.Errorf("entry %s not found in %s", entry.Name, layout.FirstVolume)
}
