package dispatch

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/javi11/rarlink/internal/archive"
	"github.com/javi11/rarlink/internal/config"
	perrors "github.com/javi11/rarlink/internal/errors"
	"github.com/javi11/rarlink/internal/metrics"
)

// Target describes where a watched directory's archives go
type Target struct {
	Mode      config.ProcessingMode
	TargetDir string
	LibraryID string
}

// Result is the outcome of one successful strategy run
type Result struct {
	Mode        config.ProcessingMode `json:"mode"`
	Forced      bool                  `json:"forced"`
	Outputs     []string              `json:"outputs"` // pointer files, symlinks or extracted files
	MountID     string                `json:"mount_id,omitempty"`
	ContentSize int64                 `json:"content_size"`
}

// Strategy is one way of making an archive available
type Strategy interface {
	Mode() config.ProcessingMode
	Process(ctx context.Context, set *archive.Set, target Target) (Result, error)
}

// LayoutSource returns the inspected layout of an archive
type LayoutSource interface {
	Get(ctx context.Context, firstVolume string) (*archive.Layout, error)
}

// Decision is the effective mode for one archive
type Decision struct {
	Configured  config.ProcessingMode `json:"configured"`
	Mode        config.ProcessingMode `json:"mode"`
	Forced      bool                  `json:"forced"`
	Reason      string                `json:"reason,omitempty"`
	ContentSize int64                 `json:"content_size"`
	Volumes     int                   `json:"volumes"`
	// Layout is set when the archive was inspected
	Layout *archive.Layout `json:"-"`
}

// Dispatcher routes archives to strategies, applying the size policy before
// committing to the in-process virtual file server.
type Dispatcher struct {
	policy     Policy
	layouts    LayoutSource
	strategies map[config.ProcessingMode]Strategy
	log        *slog.Logger
}

// NewDispatcher creates a dispatcher over the given strategies
func NewDispatcher(policy Policy, layouts LayoutSource, strategies ...Strategy) *Dispatcher {
	m := make(map[config.ProcessingMode]Strategy, len(strategies))
	for _, s := range strategies {
		m[s.Mode()] = s
	}
	return &Dispatcher{
		policy:     policy,
		layouts:    layouts,
		strategies: m,
		log:        slog.Default().With("component", "dispatcher"),
	}
}

// Decide picks the effective mode. Only the virtual file server mode is
// subject to the size policy; the archive's own manifest size is preferred
// over the on-disk volume size.
func (d *Dispatcher) Decide(ctx context.Context, set *archive.Set, target Target) (Decision, error) {
	dec := Decision{
		Configured:  target.Mode,
		Mode:        target.Mode,
		ContentSize: set.TotalSize,
		Volumes:     len(set.Volumes),
	}

	if target.Mode != config.ModeVFS {
		return dec, nil
	}

	layout, err := d.layouts.Get(ctx, set.FirstVolume)
	if err != nil {
		if _, typed := perrors.KindOf(err); typed {
			return dec, err
		}
		return dec, perrors.New(perrors.KindMountFailure, "inspect", set.FirstVolume, err)
	}
	dec.Layout = layout
	if layout.ContentSize > 0 {
		dec.ContentSize = layout.ContentSize
	}
	if n := len(layout.Volumes); n > 0 {
		dec.Volumes = n
	}

	if force, reason := d.policy.ForceExtract(dec.ContentSize, dec.Volumes); force {
		dec.Mode = config.ModeExtract
		dec.Forced = true
		dec.Reason = reason
	}
	return dec, nil
}

// Process decides the mode for set and runs its strategy.
func (d *Dispatcher) Process(ctx context.Context, set *archive.Set, target Target) (Result, error) {
	dec, err := d.Decide(ctx, set, target)
	if err != nil {
		return Result{Mode: dec.Mode}, err
	}

	if dec.Forced {
		d.log.WarnContext(ctx, "Direct serving unreliable for this archive, forcing extraction",
			"archive", set.Name(),
			"configured", dec.Configured,
			"reason", dec.Reason)
	}

	strategy, ok := d.strategies[dec.Mode]
	if !ok {
		return Result{Mode: dec.Mode}, perrors.New(perrors.KindUnknown, "dispatch", set.FirstVolume,
			fmt.Errorf("no strategy for mode %q", dec.Mode))
	}

	metrics.RecordDispatch(string(dec.Mode), dec.Forced)
	d.log.InfoContext(ctx, "Dispatching archive",
		"archive", set.Name(),
		"mode", dec.Mode,
		"content_size", dec.ContentSize,
		"volumes", dec.Volumes)

	target.Mode = dec.Mode
	res, err := strategy.Process(ctx, set, target)
	res.Mode = dec.Mode
	res.Forced = dec.Forced
	if res.ContentSize == 0 {
		res.ContentSize = dec.ContentSize
	}
	return res, err
}
