package dispatch

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"path/filepath"
	"sort"
	"strings"

	"github.com/spf13/afero"

	"github.com/javi11/rarlink/internal/archive"
	"github.com/javi11/rarlink/internal/config"
	perrors "github.com/javi11/rarlink/internal/errors"
	"github.com/javi11/rarlink/internal/importer/integrity"
	"github.com/javi11/rarlink/internal/tool"
)

// Tester runs the archive integrity test
type Tester interface {
	Test(ctx context.Context, path string) (integrity.Outcome, error)
}

// ExtractStrategy unpacks archives into a per-archive directory under the
// target directory with an external tool.
type ExtractStrategy struct {
	fsys    afero.Fs
	runner  tool.Runner
	tester  Tester
	command []string
	log     *slog.Logger
}

var _ Strategy = (*ExtractStrategy)(nil)

// NewExtractStrategy creates the extraction strategy
func NewExtractStrategy(fsys afero.Fs, runner tool.Runner, tester Tester, command []string) *ExtractStrategy {
	return &ExtractStrategy{
		fsys:    fsys,
		runner:  runner,
		tester:  tester,
		command: command,
		log:     slog.Default().With("component", "extract"),
	}
}

func (s *ExtractStrategy) Mode() config.ProcessingMode { return config.ModeExtract }

// Process tests the archive, then extracts it. Only an ok test result
// reaches the extract tool.
func (s *ExtractStrategy) Process(ctx context.Context, set *archive.Set, target Target) (Result, error) {
	if _, err := s.tester.Test(ctx, set.FirstVolume); err != nil {
		return Result{}, err
	}

	dest := filepath.Join(target.TargetDir, releaseName(set))
	if err := s.fsys.MkdirAll(dest, 0755); err != nil {
		return Result{}, perrors.New(perrors.KindExternalToolError, "extract", set.FirstVolume, fmt.Errorf("create %s: %w", dest, err))
	}

	argv := tool.Expand(s.command, set.FirstVolume, dest)
	out, runErr := s.runner.Run(ctx, argv)
	if outcome := integrity.Classify(out, runErr); outcome != integrity.OutcomeOK {
		cause := runErr
		if cause == nil {
			cause = fmt.Errorf("exit code %d: %s", out.ExitCode, strings.TrimSpace(out.Stderr))
		}
		return Result{}, outcome.Err(set.FirstVolume, cause)
	}

	files, err := listFiles(s.fsys, dest)
	if err != nil {
		return Result{}, perrors.New(perrors.KindExternalToolError, "extract", set.FirstVolume, err)
	}

	s.log.InfoContext(ctx, "Archive extracted",
		"archive", set.Name(),
		"dest", dest,
		"files", len(files),
		"duration", out.Duration)

	return Result{Outputs: files}, nil
}

// releaseName is the archive name without volume and archive suffixes
func releaseName(set *archive.Set) string {
	if v, ok := archive.ParseVolumeName(set.FirstVolume); ok {
		return filepath.Base(v.Base)
	}
	return strings.TrimSuffix(set.Name(), filepath.Ext(set.Name()))
}

func listFiles(fsys afero.Fs, root string) ([]string, error) {
	var files []string
	err := afero.Walk(fsys, root, func(path string, info fs.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() {
			files = append(files, path)
		}
		return nil
	})
	sort.Strings(files)
	return files, err
}
