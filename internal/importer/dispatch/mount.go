package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/afero"

	"github.com/javi11/rarlink/internal/archive"
	"github.com/javi11/rarlink/internal/config"
	perrors "github.com/javi11/rarlink/internal/errors"
	"github.com/javi11/rarlink/internal/tool"
)

// MountConfig configures the external mount strategy
type MountConfig struct {
	MountCommand    []string
	UnmountCommand  []string
	BaseDir         string
	MediaExtensions []string
	ReadyTimeout    time.Duration
	StopGrace       time.Duration
}

type externalMount struct {
	archive    string
	mountpoint string
	links      []string
	process    tool.Process
}

// MountStrategy serves archives through an external FUSE-style tool and
// links the media it exposes into the target directory.
type MountStrategy struct {
	fsys   afero.Fs
	runner tool.Runner
	tester Tester
	cfg    MountConfig
	log    *slog.Logger

	mu     sync.Mutex
	mounts map[string]*externalMount // first volume
}

var _ Strategy = (*MountStrategy)(nil)

// NewMountStrategy creates the external mount strategy
func NewMountStrategy(fsys afero.Fs, runner tool.Runner, tester Tester, cfg MountConfig) *MountStrategy {
	if cfg.ReadyTimeout <= 0 {
		cfg.ReadyTimeout = 30 * time.Second
	}
	if cfg.StopGrace <= 0 {
		cfg.StopGrace = 5 * time.Second
	}
	return &MountStrategy{
		fsys:   fsys,
		runner: runner,
		tester: tester,
		cfg:    cfg,
		log:    slog.Default().With("component", "external-mount"),
		mounts: make(map[string]*externalMount),
	}
}

func (s *MountStrategy) Mode() config.ProcessingMode { return config.ModeMount }

// Process tests the archive, starts the mount tool and links every media
// file under the mountpoint into the target directory.
func (s *MountStrategy) Process(ctx context.Context, set *archive.Set, target Target) (Result, error) {
	if _, err := s.tester.Test(ctx, set.FirstVolume); err != nil {
		return Result{}, err
	}

	s.mu.Lock()
	if m, ok := s.mounts[set.FirstVolume]; ok {
		s.mu.Unlock()
		return Result{Outputs: slices.Clone(m.links)}, nil
	}
	s.mu.Unlock()

	mountpoint := filepath.Join(s.cfg.BaseDir, uuid.NewString())
	if err := s.fsys.MkdirAll(mountpoint, 0755); err != nil {
		return Result{}, s.failure(set, fmt.Errorf("create mountpoint: %w", err))
	}

	// the mount outlives this call, so it must not be tied to ctx
	proc, err := s.runner.Start(context.WithoutCancel(ctx), tool.Expand(s.cfg.MountCommand, set.FirstVolume, mountpoint))
	if err != nil {
		_ = s.fsys.Remove(mountpoint)
		return Result{}, s.failure(set, err)
	}

	m := &externalMount{archive: set.FirstVolume, mountpoint: mountpoint, process: proc}

	media, err := s.waitReady(ctx, m)
	if err == nil {
		m.links, err = s.link(media, mountpoint, target.TargetDir)
	}
	if err != nil {
		s.teardown(ctx, m)
		return Result{}, s.failure(set, err)
	}

	s.mu.Lock()
	s.mounts[set.FirstVolume] = m
	s.mu.Unlock()

	s.log.InfoContext(ctx, "Archive mounted externally",
		"archive", set.Name(),
		"mountpoint", mountpoint,
		"links", len(m.links))

	return Result{Outputs: slices.Clone(m.links)}, nil
}

func (s *MountStrategy) failure(set *archive.Set, err error) error {
	return perrors.New(perrors.KindMountFailure, "mount", set.FirstVolume, err)
}

// waitReady polls the mountpoint until media files show up, the tool exits,
// or the ready timeout passes.
func (s *MountStrategy) waitReady(ctx context.Context, m *externalMount) ([]string, error) {
	deadline := time.NewTimer(s.cfg.ReadyTimeout)
	defer deadline.Stop()
	tick := time.NewTicker(200 * time.Millisecond)
	defer tick.Stop()

	for {
		if media := s.findMedia(m.mountpoint); len(media) > 0 {
			return media, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-m.process.Done():
			return nil, errors.New("mount tool exited before the mount became ready")
		case <-deadline.C:
			return nil, fmt.Errorf("mount not ready after %s", s.cfg.ReadyTimeout)
		case <-tick.C:
		}
	}
}

func (s *MountStrategy) findMedia(root string) []string {
	var out []string
	_ = afero.Walk(s.fsys, root, func(p string, info os.FileInfo, err error) error {
		if err != nil || info.IsDir() {
			return nil
		}
		ext := strings.ToLower(path.Ext(p))
		if slices.ContainsFunc(s.cfg.MediaExtensions, func(x string) bool { return strings.EqualFold(x, ext) }) {
			out = append(out, p)
		}
		return nil
	})
	return out
}

func (s *MountStrategy) link(media []string, mountpoint, targetDir string) ([]string, error) {
	linker, ok := s.fsys.(afero.Linker)
	if !ok {
		return nil, errors.New("filesystem does not support symlinks")
	}
	if err := s.fsys.MkdirAll(targetDir, 0755); err != nil {
		return nil, fmt.Errorf("create target dir: %w", err)
	}

	var links []string
	for _, src := range media {
		dest := filepath.Join(targetDir, filepath.Base(src))
		if err := linker.SymlinkIfPossible(src, dest); err != nil {
			for _, l := range links {
				_ = s.fsys.Remove(l)
			}
			return nil, fmt.Errorf("link %s: %w", src, err)
		}
		links = append(links, dest)
	}
	return links, nil
}

// Unmount tears down the mount for firstVolume, if any.
func (s *MountStrategy) Unmount(ctx context.Context, firstVolume string) {
	s.mu.Lock()
	m, ok := s.mounts[firstVolume]
	delete(s.mounts, firstVolume)
	s.mu.Unlock()

	if ok {
		s.teardown(ctx, m)
	}
}

// Close tears down every external mount.
func (s *MountStrategy) Close(ctx context.Context) {
	s.mu.Lock()
	mounts := make([]*externalMount, 0, len(s.mounts))
	for _, m := range s.mounts {
		mounts = append(mounts, m)
	}
	s.mounts = make(map[string]*externalMount)
	s.mu.Unlock()

	for _, m := range mounts {
		s.teardown(ctx, m)
	}
}

func (s *MountStrategy) teardown(ctx context.Context, m *externalMount) {
	for _, l := range m.links {
		if err := s.fsys.Remove(l); err != nil && !errors.Is(err, os.ErrNotExist) {
			s.log.WarnContext(ctx, "Failed to remove link", "link", l, "error", err)
		}
	}

	if len(s.cfg.UnmountCommand) > 0 {
		out, err := s.runner.Run(ctx, tool.Expand(s.cfg.UnmountCommand, m.archive, m.mountpoint))
		if err != nil || out.ExitCode != 0 {
			s.log.WarnContext(ctx, "Unmount command failed",
				"mountpoint", m.mountpoint,
				"exit_code", out.ExitCode,
				"error", err)
		}
	}

	if err := m.process.Stop(s.cfg.StopGrace); err != nil {
		s.log.WarnContext(ctx, "Mount tool did not stop cleanly", "mountpoint", m.mountpoint, "error", err)
	}
	_ = s.fsys.Remove(m.mountpoint)
}
