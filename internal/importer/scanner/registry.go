package scanner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/afero"

	"github.com/javi11/rarlink/internal/archive"
	"github.com/javi11/rarlink/internal/metrics"
)

// RetryRecord tracks a file that was seen but not yet complete
type RetryRecord struct {
	Path        string    `json:"path"`
	Attempts    int       `json:"attempts"`
	FirstSeen   time.Time `json:"first_seen"`
	LastAttempt time.Time `json:"last_attempt"`
}

// HandoffFunc receives sets that became complete during a sweep
type HandoffFunc func(ctx context.Context, set *archive.Set)

// RegistryConfig holds retry registry limits
type RegistryConfig struct {
	RetryInterval time.Duration
	MaxAttempts   int
	MaxAge        time.Duration
	Schedule      string
}

// Registry holds incomplete archives and re-tests them on a fixed cadence
type Registry struct {
	fsys     afero.Fs
	detector Completer
	handoff  HandoffFunc
	cfg      RegistryConfig
	log      *slog.Logger
	now      func() time.Time

	mu      sync.Mutex
	records map[string]*RetryRecord

	sweeping sync.Mutex
	cron     *cron.Cron
}

// NewRegistry creates a retry registry
func NewRegistry(fsys afero.Fs, detector Completer, handoff HandoffFunc, cfg RegistryConfig) *Registry {
	return &Registry{
		fsys:     fsys,
		detector: detector,
		handoff:  handoff,
		cfg:      cfg,
		log:      slog.Default().With("component", "retry-registry"),
		now:      time.Now,
		records:  make(map[string]*RetryRecord),
	}
}

// Observe records an incompleteness observation for path, inserting a new
// record or bumping the attempt count of an existing one.
func (r *Registry) Observe(path string) *RetryRecord {
	now := r.now()

	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.records[path]
	if !ok {
		rec = &RetryRecord{Path: path, FirstSeen: now}
		r.records[path] = rec
	}
	rec.Attempts++
	rec.LastAttempt = now
	metrics.SetRegistrySize(len(r.records))

	cp := *rec
	return &cp
}

// Remove drops path from the registry, reporting whether it was present.
func (r *Registry) Remove(path string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.records[path]; !ok {
		return false
	}
	delete(r.records, path)
	metrics.SetRegistrySize(len(r.records))
	return true
}

// Contains reports whether path is currently tracked
func (r *Registry) Contains(path string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.records[path]
	return ok
}

// Len returns the number of tracked files
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.records)
}

// Snapshot returns a copy of every record ordered by first-seen time
func (r *Registry) Snapshot() []RetryRecord {
	r.mu.Lock()
	out := make([]RetryRecord, 0, len(r.records))
	for _, rec := range r.records {
		out = append(out, *rec)
	}
	r.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].FirstSeen.Equal(out[j].FirstSeen) {
			return out[i].Path < out[j].Path
		}
		return out[i].FirstSeen.Before(out[j].FirstSeen)
	})
	return out
}

// Sweep re-tests every record whose last attempt is older than the retry
// interval. Completed sets leave the registry before they are handed off.
// Overlapping calls return immediately.
func (r *Registry) Sweep(ctx context.Context, now time.Time) {
	if !r.sweeping.TryLock() {
		r.log.DebugContext(ctx, "Sweep already running, skipping")
		return
	}
	defer r.sweeping.Unlock()

	for _, rec := range r.Snapshot() {
		if ctx.Err() != nil {
			return
		}

		if reason := r.expired(rec, now); reason != "" {
			r.Remove(rec.Path)
			r.log.WarnContext(ctx, "Dropping archive from retry registry",
				"file", rec.Path,
				"reason", reason,
				"attempts", rec.Attempts,
				"first_seen", rec.FirstSeen)
			continue
		}

		if now.Sub(rec.LastAttempt) < r.cfg.RetryInterval {
			continue
		}

		set, complete := r.detector.Check(ctx, rec.Path)
		if !complete {
			updated := r.Observe(rec.Path)
			r.log.DebugContext(ctx, "Archive still incomplete", "file", rec.Path, "attempts", updated.Attempts)
			continue
		}

		if !r.Remove(rec.Path) {
			// removed concurrently, someone else owns it now
			continue
		}

		r.log.InfoContext(ctx, "Archive became complete, handing off",
			"file", rec.Path,
			"attempts", rec.Attempts,
			"volumes", len(set.Volumes))
		r.handoff(ctx, set)
	}
}

func (r *Registry) expired(rec RetryRecord, now time.Time) string {
	if _, err := r.fsys.Stat(rec.Path); errors.Is(err, os.ErrNotExist) {
		return "file no longer exists"
	}
	if r.cfg.MaxAge > 0 && now.Sub(rec.FirstSeen) > r.cfg.MaxAge {
		return fmt.Sprintf("older than %s", r.cfg.MaxAge)
	}
	if r.cfg.MaxAttempts > 0 && rec.Attempts > r.cfg.MaxAttempts {
		return fmt.Sprintf("more than %d attempts", r.cfg.MaxAttempts)
	}
	return ""
}

// Start schedules Sweep on the configured cron spec
func (r *Registry) Start(ctx context.Context) error {
	logger := newCronLogger(r.log)
	c := cron.New(
		cron.WithLogger(logger),
		cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
	)

	if _, err := c.AddFunc(r.cfg.Schedule, func() {
		r.Sweep(ctx, r.now())
	}); err != nil {
		return fmt.Errorf("invalid sweep schedule %q: %w", r.cfg.Schedule, err)
	}

	r.cron = c
	c.Start()

	r.log.InfoContext(ctx, "Retry registry started", "schedule", r.cfg.Schedule)
	return nil
}

// Stop halts the schedule and waits up to timeout for a running sweep.
func (r *Registry) Stop(timeout time.Duration) {
	if r.cron == nil {
		return
	}

	done := r.cron.Stop()
	select {
	case <-done.Done():
	case <-time.After(timeout):
		r.log.Warn("Timeout waiting for retry sweep to finish")
	}
	r.cron = nil
}
