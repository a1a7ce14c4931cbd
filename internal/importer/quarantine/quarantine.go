// Package quarantine moves archive sets that must not be processed further
// into a dead-letter directory, keeping their original names.
package quarantine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/spf13/afero"

	"github.com/javi11/rarlink/internal/archive"
)

// Mover relocates archive volumes into the quarantine directory
type Mover struct {
	fsys afero.Fs
	dir  string
	log  *slog.Logger

	mu sync.Mutex
}

// NewMover creates a mover targeting dir
func NewMover(fsys afero.Fs, dir string) *Mover {
	return &Mover{
		fsys: fsys,
		dir:  dir,
		log:  slog.Default().With("component", "quarantine"),
	}
}

// Dir returns the quarantine directory
func (m *Mover) Dir() string {
	return m.dir
}

// Quarantine moves every volume of set into the quarantine directory. A set
// is moved at most once; a second call with the same set is a no-op and
// reports moved=false. An archive restored by hand is a new set and can be
// quarantined again. When names are taken, the whole set is renamed with
// one shared counter in the stem so its volumes still belong together.
func (m *Mover) Quarantine(ctx context.Context, set *archive.Set, reason string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if set.State == archive.StateQuarantined {
		return false, nil
	}

	if err := m.fsys.MkdirAll(m.dir, 0755); err != nil {
		return false, fmt.Errorf("failed to create quarantine dir: %w", err)
	}

	dests := m.destinations(set.Volumes)

	var errs []error
	for i, vol := range set.Volumes {
		if err := m.move(vol, dests[i]); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			errs = append(errs, fmt.Errorf("move %s: %w", vol, err))
		}
	}

	set.State = archive.StateQuarantined

	m.log.WarnContext(ctx, "Archive quarantined",
		"archive", set.Name(),
		"volumes", len(set.Volumes),
		"reason", reason,
		"dir", m.dir)

	return true, errors.Join(errs...)
}

// destinations picks quarantine paths for volumes: the original names when
// none is taken, otherwise "<stem> (n)<suffix>" with the smallest free n.
func (m *Mover) destinations(volumes []string) []string {
	for n := 0; ; n++ {
		dests := make([]string, len(volumes))
		free := true
		for i, vol := range volumes {
			dests[i] = filepath.Join(m.dir, numbered(filepath.Base(vol), n))
			if _, err := m.fsys.Stat(dests[i]); !errors.Is(err, os.ErrNotExist) {
				free = false
				break
			}
		}
		if free {
			return dests
		}
	}
}

// numbered inserts " (n)" between the archive stem and its volume suffix,
// so movie.part01.rar becomes movie (1).part01.rar. n == 0 keeps name.
func numbered(name string, n int) string {
	if n == 0 {
		return name
	}

	stem := strings.TrimSuffix(name, filepath.Ext(name))
	if v, ok := archive.ParseVolumeName(name); ok {
		stem = filepath.Base(v.Base)
	}
	return fmt.Sprintf("%s (%d)%s", stem, n, name[len(stem):])
}

// move renames src to dest, falling back to copy+remove across filesystems.
func (m *Mover) move(src, dest string) error {
	if _, err := m.fsys.Stat(src); err != nil {
		return err
	}

	if err := m.fsys.Rename(src, dest); err == nil {
		return nil
	}

	in, err := m.fsys.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := m.fsys.Create(dest)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}

	return m.fsys.Remove(src)
}
