package archive

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/spf13/afero"
)

// SetState is the completeness state of an archive set
type SetState string

const (
	StateIncomplete  SetState = "incomplete"
	StateComplete    SetState = "complete"
	StateQuarantined SetState = "quarantined"
)

// Set is a logical archive split across one or more volume files. Its
// identity is the first volume path.
type Set struct {
	FirstVolume  string
	Volumes      []string
	TotalSize    int64 // on-disk bytes across all volumes
	DiscoveredAt time.Time
	State        SetState
}

// NewSet builds a set for firstVolume, discovering its sibling volumes.
func NewSet(fsys afero.Fs, firstVolume string) (*Set, error) {
	s := &Set{
		FirstVolume:  firstVolume,
		DiscoveredAt: time.Now(),
		State:        StateIncomplete,
	}
	if err := s.Refresh(fsys); err != nil {
		return nil, err
	}
	return s, nil
}

// Name returns the first volume's file name.
func (s *Set) Name() string {
	return filepath.Base(s.FirstVolume)
}

// Format returns the container format implied by the first volume's name.
func (s *Set) Format() Format {
	v, _ := ParseVolumeName(s.FirstVolume)
	return v.Format
}

// Refresh re-discovers volumes and recomputes the on-disk size. Volumes that
// appeared since the last call are appended in part order.
func (s *Set) Refresh(fsys afero.Fs) error {
	volumes, err := DiscoverVolumes(fsys, s.FirstVolume)
	if err != nil {
		return err
	}

	var total int64
	for _, v := range volumes {
		info, err := fsys.Stat(v)
		if err != nil {
			return fmt.Errorf("failed to stat volume %s: %w", v, err)
		}
		total += info.Size()
	}

	s.Volumes = volumes
	s.TotalSize = total
	return nil
}
