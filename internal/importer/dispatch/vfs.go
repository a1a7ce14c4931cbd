package dispatch

import (
	"context"

	"github.com/javi11/rarlink/internal/archive"
	"github.com/javi11/rarlink/internal/config"
	"github.com/javi11/rarlink/internal/vfs"
)

// Mounter is the in-process virtual file server
type Mounter interface {
	Mount(ctx context.Context, set *archive.Set, targetDir string) (*vfs.MountHandle, error)
}

// VFSStrategy mounts archives in the virtual file server. It runs no
// integrity test: entries can be enumerated and served even when a full
// extract would fail later, and a broken entry only fails its own reads.
type VFSStrategy struct {
	server Mounter
}

var _ Strategy = (*VFSStrategy)(nil)

// NewVFSStrategy creates the virtual file server strategy
func NewVFSStrategy(server Mounter) *VFSStrategy {
	return &VFSStrategy{server: server}
}

func (s *VFSStrategy) Mode() config.ProcessingMode { return config.ModeVFS }

func (s *VFSStrategy) Process(ctx context.Context, set *archive.Set, target Target) (Result, error) {
	h, err := s.server.Mount(ctx, set, target.TargetDir)
	if err != nil {
		return Result{}, err
	}
	return Result{
		Outputs:     h.PointerFiles,
		MountID:     h.ID,
		ContentSize: h.ContentSize,
	}, nil
}
