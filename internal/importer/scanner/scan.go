package scanner

import (
	"context"
	"io/fs"
	"path/filepath"
	"sort"
	"strings"

	"github.com/spf13/afero"

	"github.com/javi11/rarlink/internal/archive"
)

// FindFirstVolumes walks root and returns every first volume beneath it,
// skipping hidden files and directories.
func FindFirstVolumes(ctx context.Context, fsys afero.Fs, root string) ([]string, error) {
	var found []string

	err := afero.Walk(fsys, root, func(path string, info fs.FileInfo, err error) error {
		if err != nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		if strings.HasPrefix(info.Name(), ".") && path != root {
			if info.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if info.IsDir() {
			return nil
		}

		if archive.IsFirstVolume(path) {
			found = append(found, path)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Strings(found)
	return found, nil
}
