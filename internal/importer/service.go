// Package importer wires the ingestion pipeline: notifier events and the
// startup scan feed the completeness detector, incomplete archives wait in
// the retry registry, complete ones go through the single-worker queue to
// the mode dispatcher, and outcomes are recorded and announced.
package importer

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sourcegraph/conc"
	concpool "github.com/sourcegraph/conc/pool"
	"github.com/spf13/afero"

	"github.com/javi11/rarlink/internal/archive"
	"github.com/javi11/rarlink/internal/config"
	"github.com/javi11/rarlink/internal/database"
	"github.com/javi11/rarlink/internal/dedup"
	"github.com/javi11/rarlink/internal/importer/dispatch"
	"github.com/javi11/rarlink/internal/importer/queue"
	"github.com/javi11/rarlink/internal/importer/scanner"
	"github.com/javi11/rarlink/internal/library"
	"github.com/javi11/rarlink/internal/pathutil"
)

// Detector classifies paths and tests archive completeness
type Detector interface {
	scanner.Completer
	IsFirstVolume(path string) bool
}

// Dispatcher runs the processing strategy for an archive
type Dispatcher interface {
	Process(ctx context.Context, set *archive.Set, target dispatch.Target) (dispatch.Result, error)
}

// Deduper checks archive content against previously processed payloads.
// Content is recorded only after it was processed successfully.
type Deduper interface {
	CheckSet(ctx context.Context, identity string, volumes []string) (dedup.Result, error)
	Record(ctx context.Context, identity string, res dedup.Result) error
}

// HistoryRecorder persists terminal outcomes
type HistoryRecorder interface {
	Record(ctx context.Context, e *database.HistoryEntry) error
}

// StatsRecorder persists counters
type StatsRecorder interface {
	Increment(ctx context.Context, key string, delta int64) error
}

// ServiceConfig holds configuration for the import service
type ServiceConfig struct {
	Watch []config.WatchDirConfig
	// ScanExisting walks every watched directory once on Start.
	ScanExisting bool
	// Admissions is how many completeness checks may run at once (default: 4).
	Admissions int
	Registry   scanner.RegistryConfig
	Queue      queue.ManagerConfig
}

// Deps are the collaborators of the service. Notifier, History, Stats and
// Library may be nil.
type Deps struct {
	Fs         afero.Fs
	Detector   Detector
	Dispatcher Dispatcher
	Dedup      Deduper
	Quarantine queue.Quarantiner
	Notifier   *scanner.Notifier
	History    HistoryRecorder
	Stats      StatsRecorder
	Library    library.Refresher
}

// Status is a point-in-time view of the pipeline
type Status struct {
	Running  bool                  `json:"running"`
	Queue    queue.Snapshot        `json:"queue"`
	Registry []scanner.RetryRecord `json:"registry"`
}

type itemOutcome struct {
	target    dispatch.Target
	result    dispatch.Result
	duplicate *database.HashRecord
}

// Service is the archive import pipeline
type Service struct {
	config   ServiceConfig
	deps     Deps
	registry *scanner.Registry
	queue    *queue.Manager
	log      *slog.Logger

	checkMu  sync.Mutex
	checking map[string]struct{}

	outMu    sync.Mutex
	outcomes map[string]*itemOutcome // item id

	background conc.WaitGroup

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

var _ queue.ItemProcessor = (*Service)(nil)

// NewService creates the import service and the registry and queue it owns
func NewService(cfg ServiceConfig, deps Deps) (*Service, error) {
	if deps.Fs == nil || deps.Detector == nil || deps.Dispatcher == nil || deps.Dedup == nil || deps.Quarantine == nil {
		return nil, fmt.Errorf("importer: missing required dependency")
	}
	if cfg.Admissions <= 0 {
		cfg.Admissions = 4
	}

	s := &Service{
		config:   cfg,
		deps:     deps,
		log:      slog.Default().With("component", "importer-service"),
		checking: make(map[string]struct{}),
		outcomes: make(map[string]*itemOutcome),
	}
	s.registry = scanner.NewRegistry(deps.Fs, deps.Detector, s.handoff, cfg.Registry)
	s.queue = queue.NewManager(cfg.Queue, s, deps.Quarantine)

	return s, nil
}

// Queue exposes the processing queue
func (s *Service) Queue() *queue.Manager { return s.queue }

// Registry exposes the retry registry
func (s *Service) Registry() *scanner.Registry { return s.registry }

// Start starts the queue worker, the registry sweep, the notifier loop and
// the optional scan of existing files.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return fmt.Errorf("service is already started")
	}

	if err := s.queue.Start(ctx); err != nil {
		return err
	}
	if err := s.registry.Start(ctx); err != nil {
		_ = s.queue.Stop(ctx)
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	if n := s.deps.Notifier; n != nil {
		for _, w := range s.config.Watch {
			if err := n.Add(w.Path); err != nil {
				s.log.WarnContext(ctx, "Failed to watch directory", "dir", w.Path, "error", err)
			}
		}

		s.wg.Add(2)
		go func() {
			defer s.wg.Done()
			n.Run(runCtx)
		}()
		go func() {
			defer s.wg.Done()
			s.eventLoop(runCtx, n.Events())
		}()
	}

	if s.config.ScanExisting {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			if err := s.ScanExisting(runCtx); err != nil && runCtx.Err() == nil {
				s.log.ErrorContext(runCtx, "Scan of existing files failed", "error", err)
			}
		}()
	}

	s.running = true
	s.log.InfoContext(ctx, "Import service started",
		"watch_dirs", len(s.config.Watch),
		"scan_existing", s.config.ScanExisting)

	return nil
}

// Stop stops intake first, then the queue, then waits for pending library
// notifications.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return nil
	}

	s.log.InfoContext(ctx, "Stopping import service")

	s.cancel()
	s.wg.Wait()

	s.registry.Stop(s.config.Queue.StopTimeout)
	err := s.queue.Stop(ctx)
	s.background.Wait()

	s.running = false
	s.log.InfoContext(ctx, "Import service stopped")

	return err
}

// Status returns the queue and registry state
func (s *Service) Status() Status {
	s.mu.Lock()
	running := s.running
	s.mu.Unlock()

	return Status{
		Running:  running,
		Queue:    s.queue.Snapshot(),
		Registry: s.registry.Snapshot(),
	}
}

func (s *Service) eventLoop(ctx context.Context, events <-chan string) {
	p := concpool.New().WithMaxGoroutines(s.config.Admissions)
	defer p.Wait()

	for {
		select {
		case <-ctx.Done():
			return
		case path, ok := <-events:
			if !ok {
				return
			}
			p.Go(func() {
				s.Admit(ctx, path, queue.SourceNew)
			})
		}
	}
}

// ScanExisting feeds every first volume already present in the watched
// directories through admission with source=existing.
func (s *Service) ScanExisting(ctx context.Context) error {
	p := concpool.New().WithContext(ctx).WithMaxGoroutines(s.config.Admissions)

	// nested watch directories would otherwise report the same archive twice
	seen := make(map[string]struct{})
	for _, w := range s.config.Watch {
		paths, err := scanner.FindFirstVolumes(ctx, s.deps.Fs, w.Path)
		if err != nil {
			s.log.WarnContext(ctx, "Failed to scan watch directory", "dir", w.Path, "error", err)
			continue
		}
		for _, path := range paths {
			if _, dup := seen[path]; dup {
				continue
			}
			seen[path] = struct{}{}
			p.Go(func(ctx context.Context) error {
				s.Admit(ctx, path, queue.SourceExisting)
				return nil
			})
		}
	}

	err := p.Wait()
	s.log.InfoContext(ctx, "Scan of existing files finished", "archives", len(seen))
	return err
}

// Admit tests path for completeness and places it in exactly one of the
// retry registry or the queue. Non-first volumes are ignored.
func (s *Service) Admit(ctx context.Context, path string, source queue.Source) {
	if !s.deps.Detector.IsFirstVolume(path) {
		return
	}
	if s.registry.Contains(path) || s.queue.Contains(path) {
		return
	}

	s.checkMu.Lock()
	if _, busy := s.checking[path]; busy {
		s.checkMu.Unlock()
		return
	}
	s.checking[path] = struct{}{}
	s.checkMu.Unlock()

	defer func() {
		s.checkMu.Lock()
		delete(s.checking, path)
		s.checkMu.Unlock()
	}()

	set, complete := s.deps.Detector.Check(ctx, path)
	if ctx.Err() != nil {
		return
	}
	if !complete {
		rec := s.registry.Observe(path)
		s.log.InfoContext(ctx, "Archive incomplete, added to retry registry",
			"file", path,
			"attempts", rec.Attempts,
			"registry_size", s.registry.Len())
		return
	}

	s.queue.Enqueue(ctx, set, source)
}

func (s *Service) handoff(ctx context.Context, set *archive.Set) {
	s.queue.Enqueue(ctx, set, queue.SourceRetry)
}

// targetFor returns the watch entry with the longest path containing p
func (s *Service) targetFor(p string) (config.WatchDirConfig, bool) {
	bases := make([]string, len(s.config.Watch))
	for i, w := range s.config.Watch {
		bases[i] = w.Path
	}
	i := pathutil.LongestPrefix(bases, p)
	if i < 0 {
		return config.WatchDirConfig{}, false
	}
	return s.config.Watch[i], true
}

// ProcessItem checks content for duplicates and runs the dispatcher.
func (s *Service) ProcessItem(ctx context.Context, item *queue.Item) error {
	set := item.Set

	watch, ok := s.targetFor(set.FirstVolume)
	if !ok {
		return fmt.Errorf("archive %s is not under a watched directory", set.FirstVolume)
	}
	target := dispatch.Target{Mode: watch.Mode, TargetDir: watch.TargetDir, LibraryID: watch.LibraryID}

	if err := set.Refresh(s.deps.Fs); err != nil {
		return fmt.Errorf("refresh volumes: %w", err)
	}

	if item.Attempts > 1 {
		s.incrementStat(ctx, database.StatRetried)
	}

	res, err := s.deps.Dedup.CheckSet(ctx, set.FirstVolume, set.Volumes)
	if err != nil {
		return fmt.Errorf("dedup check: %w", err)
	}
	if res.Duplicate {
		s.setOutcome(item.ID, &itemOutcome{target: target, duplicate: res.Original})
		return nil
	}

	result, err := s.deps.Dispatcher.Process(ctx, set, target)
	if err != nil {
		return err
	}

	// A failed record only risks processing this content again later.
	if err := s.deps.Dedup.Record(ctx, set.FirstVolume, res); err != nil {
		s.log.WarnContext(ctx, "Failed to record content hash",
			"archive", set.Name(),
			"error", err)
	}

	s.setOutcome(item.ID, &itemOutcome{target: target, result: result})
	return nil
}

// HandleSuccess records the outcome and notifies the library.
func (s *Service) HandleSuccess(ctx context.Context, item *queue.Item) {
	out := s.takeOutcome(item.ID)
	if out == nil {
		return
	}

	entry := s.historyEntry(item)

	if out.duplicate != nil && out.duplicate.Path == item.Set.FirstVolume {
		s.log.InfoContext(ctx, "Archive already processed, skipping",
			"archive", item.Set.Name(),
			"source", item.Source)
		return
	}

	if out.duplicate != nil {
		reason := "duplicate of " + out.duplicate.Path
		entry.Outcome = database.OutcomeDuplicate
		entry.Reason = &reason
		s.recordHistory(ctx, entry)
		s.incrementStat(ctx, database.StatDuplicates)

		s.log.InfoContext(ctx, "Archive skipped, content already processed",
			"archive", item.Set.Name(),
			"original", out.duplicate.Path)
		return
	}

	mode := string(out.result.Mode)
	entry.Outcome = database.OutcomeCompleted
	entry.Mode = &mode
	entry.ContentSize = out.result.ContentSize
	s.recordHistory(ctx, entry)
	s.incrementStat(ctx, database.StatProcessed)

	if s.deps.Library != nil && out.target.LibraryID != "" {
		libraryID := out.target.LibraryID
		nctx := context.WithoutCancel(ctx)
		s.background.Go(func() {
			s.deps.Library.Notify(nctx, libraryID)
		})
	}
}

// HandleFailure records a dead-lettered archive.
func (s *Service) HandleFailure(ctx context.Context, item *queue.Item, err error, quarantined bool) {
	s.takeOutcome(item.ID)

	entry := s.historyEntry(item)
	entry.Outcome = database.OutcomeFailed
	if quarantined {
		entry.Outcome = database.OutcomeQuarantined
	}
	if err != nil {
		reason := err.Error()
		entry.Reason = &reason
	}
	s.recordHistory(ctx, entry)
	s.incrementStat(ctx, database.StatFailed)
}

func (s *Service) historyEntry(item *queue.Item) *database.HistoryEntry {
	return &database.HistoryEntry{
		ArchivePath: item.Set.FirstVolume,
		ArchiveName: item.Set.Name(),
		Source:      string(item.Source),
		Attempts:    item.Attempts,
		VolumeCount: len(item.Set.Volumes),
		ContentSize: item.Set.TotalSize,
		CreatedAt:   time.Now(),
	}
}

func (s *Service) setOutcome(id string, out *itemOutcome) {
	s.outMu.Lock()
	s.outcomes[id] = out
	s.outMu.Unlock()
}

func (s *Service) takeOutcome(id string) *itemOutcome {
	s.outMu.Lock()
	defer s.outMu.Unlock()
	out := s.outcomes[id]
	delete(s.outcomes, id)
	return out
}

func (s *Service) recordHistory(ctx context.Context, e *database.HistoryEntry) {
	if s.deps.History == nil {
		return
	}
	if err := s.deps.History.Record(ctx, e); err != nil {
		s.log.ErrorContext(ctx, "Failed to record processing history", "archive", e.ArchiveName, "error", err)
	}
}

func (s *Service) incrementStat(ctx context.Context, key string) {
	if s.deps.Stats == nil {
		return
	}
	if err := s.deps.Stats.Increment(ctx, key, 1); err != nil {
		s.log.WarnContext(ctx, "Failed to persist counter", "key", key, "error", err)
	}
}
