package archive

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/javi11/sevenzip"
	"github.com/spf13/afero"

	perrors "github.com/javi11/rarlink/internal/errors"
)

type sevenZipBackend struct{}

func (sevenZipBackend) Inspect(ctx context.Context, fsys afero.Fs, firstVolume string, volumes []string) (*Layout, error) {
	reader, err := sevenzip.OpenReader(firstVolume, fsys)
	if err != nil {
		return nil, classifySevenZipError(firstVolume, err)
	}
	defer reader.Close()

	sizes := make(map[string]int64, len(reader.File))
	for _, f := range reader.File {
		sizes[normalizeName(f.Name)] = int64(f.UncompressedSize)
	}

	infos, err := reader.ListFilesWithOffsets()
	if err != nil {
		return nil, classifySevenZipError(firstVolume, err)
	}

	layout := &Layout{}
	for _, fi := range infos {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if strings.HasSuffix(fi.Name, "/") {
			continue
		}

		name := normalizeName(fi.Name)
		size, ok := sizes[name]
		if !ok {
			size = int64(fi.Size)
		}

		entry := Entry{
			Name:       name,
			Size:       size,
			Compressed: fi.Compressed,
			Encrypted:  fi.Encrypted,
		}

		if entry.Size > 0 && !entry.Compressed && !entry.Encrypted {
			segs, err := segmentsOverConcat(fsys, volumes, int64(fi.Offset), entry.Size)
			if err != nil {
				return nil, perrors.New(perrors.KindCorrupted, "7z", firstVolume, err)
			}
			entry.Segments = segs
		}

		layout.Entries = append(layout.Entries, entry)
		layout.ContentSize += entry.Size
	}

	return layout, nil
}

func (sevenZipBackend) Open(ctx context.Context, fsys afero.Fs, layout *Layout, entry Entry) (io.ReadCloser, error) {
	reader, err := sevenzip.OpenReader(layout.FirstVolume, fsys)
	if err != nil {
		return nil, classifySevenZipError(layout.FirstVolume, err)
	}

	for _, f := range reader.File {
		if normalizeName(f.Name) != entry.Name {
			continue
		}

		rc, err := f.Open()
		if err != nil {
			reader.Close()
			return nil, classifySevenZipError(layout.FirstVolume, err)
		}

		return readCloser{Reader: rc, close: func() error {
			rc.Close()
			return reader.Close()
		}}, nil
	}

	reader.Close()
	return nil, fmt.Errorf("entry %s not found in %s", entry.Name, layout.FirstVolume)
}

func classifySevenZipError(path string, err error) error {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "password"), strings.Contains(msg, "encrypt"):
		return perrors.New(perrors.KindEncrypted, "7z", path, err)
	case strings.Contains(msg, "checksum"), strings.Contains(msg, "signature"), strings.Contains(msg, "unexpected eof"):
		return perrors.New(perrors.KindCorrupted, "7z", path, err)
	default:
		return fmt.Errorf("failed to read 7z archive %s: %w", path, err)
	}
}
