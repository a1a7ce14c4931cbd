// Package scanner decides when archive sets in watched directories have
// finished copying, and re-tests the ones that have not.
package scanner

import (
	"context"
	"log/slog"
	"maps"
	"time"

	"github.com/spf13/afero"

	"github.com/javi11/rarlink/internal/archive"
)

// Completer checks whether the archive set headed by a first volume is
// complete.
type Completer interface {
	Check(ctx context.Context, firstVolume string) (*archive.Set, bool)
}

// Detector infers completeness by size stabilization: every volume is
// sampled twice across the stabilization interval and must be unchanged and
// non-zero.
type Detector struct {
	fsys     afero.Fs
	interval time.Duration
	log      *slog.Logger
	wait     func(ctx context.Context, d time.Duration) error
}

// NewDetector creates a detector sampling across interval
func NewDetector(fsys afero.Fs, interval time.Duration) *Detector {
	return &Detector{
		fsys:     fsys,
		interval: interval,
		log:      slog.Default().With("component", "completeness-detector"),
		wait:     sleepContext,
	}
}

// IsFirstVolume reports whether path should be scheduled at all. Sibling
// volumes are never queued on their own.
func (d *Detector) IsFirstVolume(path string) bool {
	return archive.IsFirstVolume(path)
}

// Check samples the set twice. Any I/O failure, a vanished file, a new
// volume appearing, or a size change means incomplete. It never returns an
// error: incomplete is the answer for everything that is not clearly done.
func (d *Detector) Check(ctx context.Context, firstVolume string) (*archive.Set, bool) {
	before, ok := d.snapshot(firstVolume)
	if !ok {
		return nil, false
	}

	if err := d.wait(ctx, d.interval); err != nil {
		return nil, false
	}

	after, ok := d.snapshot(firstVolume)
	if !ok || !maps.Equal(before, after) {
		d.log.DebugContext(ctx, "Archive still changing", "file", firstVolume)
		return nil, false
	}

	for _, size := range after {
		if size == 0 {
			return nil, false
		}
	}

	set, err := archive.NewSet(d.fsys, firstVolume)
	if err != nil {
		return nil, false
	}
	set.State = archive.StateComplete

	return set, true
}

func (d *Detector) snapshot(firstVolume string) (map[string]int64, bool) {
	volumes, err := archive.DiscoverVolumes(d.fsys, firstVolume)
	if err != nil {
		return nil, false
	}

	sizes := make(map[string]int64, len(volumes))
	for _, v := range volumes {
		info, err := d.fsys.Stat(v)
		if err != nil {
			return nil, false
		}
		sizes[v] = info.Size()
	}
	return sizes, true
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
