package queue

import (
	"container/heap"
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/javi11/rarlink/internal/archive"
	perrors "github.com/javi11/rarlink/internal/errors"
	"github.com/javi11/rarlink/internal/metrics"
	"github.com/javi11/rarlink/internal/slogutil"
)

// ItemProcessor runs the pipeline for one item and observes terminal
// outcomes.
type ItemProcessor interface {
	// ProcessItem runs dispatch for the item. Errors carry a processing
	// error kind; untyped errors count as retryable.
	ProcessItem(ctx context.Context, item *Item) error
	// HandleSuccess is called once when an item completes.
	HandleSuccess(ctx context.Context, item *Item)
	// HandleFailure is called once when an item is dead-lettered.
	HandleFailure(ctx context.Context, item *Item, err error, quarantined bool)
}

// Quarantiner moves a dead-lettered set out of the watched directory
type Quarantiner interface {
	Quarantine(ctx context.Context, set *archive.Set, reason string) (bool, error)
}

// ManagerConfig holds queue settings
type ManagerConfig struct {
	MaxAttempts    int
	RetryDelay     time.Duration
	InterItemPause time.Duration
	StopTimeout    time.Duration
}

// Manager is a FIFO queue drained by exactly one worker. Failed items wait
// in a single delay heap serviced by one scheduler goroutine.
type Manager struct {
	config     ManagerConfig
	processor  ItemProcessor
	quarantine Quarantiner
	log        *slog.Logger
	now        func() time.Time

	mu      sync.Mutex
	pending []*Item
	current *Item
	delays  delayHeap
	seq     uint64
	stats   Stats

	wake      chan struct{}
	delayWake chan struct{}

	running bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewManager creates a new queue manager
func NewManager(cfg ManagerConfig, processor ItemProcessor, quarantine Quarantiner) *Manager {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = 30 * time.Second
	}

	return &Manager{
		config:     cfg,
		processor:  processor,
		quarantine: quarantine,
		log:        slog.Default().With("component", "queue-manager"),
		now:        time.Now,
		wake:       make(chan struct{}, 1),
		delayWake:  make(chan struct{}, 1),
	}
}

// Start launches the worker and the delay scheduler
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		return nil
	}

	m.ctx, m.cancel = context.WithCancel(context.Background())
	m.running = true

	m.wg.Add(2)
	go m.workerLoop()
	go m.schedulerLoop()

	m.log.InfoContext(ctx, "Queue manager started",
		"max_attempts", m.config.MaxAttempts,
		"retry_delay", m.config.RetryDelay)

	// items enqueued before Start
	signal(m.wake)
	return nil
}

// Stop cancels the in-flight item and waits up to the stop timeout. Delayed
// retries that have not fired are dropped.
func (m *Manager) Stop(ctx context.Context) error {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return nil
	}

	m.log.InfoContext(ctx, "Stopping queue manager",
		"queued", len(m.pending),
		"delayed", m.delays.Len())

	m.cancel()
	m.running = false
	m.mu.Unlock()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(m.config.StopTimeout):
		m.log.WarnContext(ctx, "Timeout waiting for queue worker to stop")
	case <-ctx.Done():
		m.log.WarnContext(ctx, "Context cancelled while waiting for queue worker")
		return ctx.Err()
	}

	m.log.InfoContext(ctx, "Queue manager stopped")
	return nil
}

// IsRunning returns whether the manager is running
func (m *Manager) IsRunning() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

// Enqueue appends set to the queue. It is a no-op, returning false, when
// the same archive is currently processing or already waiting.
func (m *Manager) Enqueue(ctx context.Context, set *archive.Set, source Source) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.current != nil && m.current.Set.FirstVolume == set.FirstVolume {
		m.log.DebugContext(ctx, "Archive already processing, ignoring enqueue", "archive", set.Name())
		return false
	}
	if m.waitingLocked(set.FirstVolume) {
		m.log.DebugContext(ctx, "Archive already queued, ignoring enqueue", "archive", set.Name())
		return false
	}

	item := &Item{
		ID:         uuid.NewString(),
		Set:        set,
		Source:     source,
		EnqueuedAt: m.now(),
		Status:     StatusQueued,
	}
	m.pending = append(m.pending, item)
	m.updateDepthLocked()

	m.log.InfoContext(ctx, "Archive queued",
		"archive", set.Name(),
		"source", source,
		"volumes", len(set.Volumes),
		"queue_length", len(m.pending))

	signal(m.wake)
	return true
}

// Contains reports whether firstVolume is processing, queued or delayed
func (m *Manager) Contains(firstVolume string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current != nil && m.current.Set.FirstVolume == firstVolume {
		return true
	}
	return m.waitingLocked(firstVolume)
}

func (m *Manager) waitingLocked(firstVolume string) bool {
	for _, it := range m.pending {
		if it.Set.FirstVolume == firstVolume {
			return true
		}
	}
	for _, d := range m.delays {
		if d.item.Set.FirstVolume == firstVolume {
			return true
		}
	}
	return false
}

// Snapshot returns the current queue state
func (m *Manager) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	snap := Snapshot{
		Queued:  make([]ItemView, 0, len(m.pending)),
		Delayed: make([]ItemView, 0, m.delays.Len()),
		Stats:   m.stats,
	}
	if m.current != nil {
		v := m.current.view()
		snap.Processing = &v
	}
	for _, it := range m.pending {
		snap.Queued = append(snap.Queued, it.view())
	}
	for _, d := range m.delays {
		v := d.item.view()
		v.DueAt = d.due
		snap.Delayed = append(snap.Delayed, v)
	}
	return snap
}

// Stats returns the queue counters
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stats
}

func (m *Manager) workerLoop() {
	defer m.wg.Done()

	for {
		item := m.next()
		if item == nil {
			select {
			case <-m.ctx.Done():
				return
			case <-m.wake:
				continue
			}
		}

		m.process(item)

		if m.ctx.Err() != nil {
			return
		}
		if m.config.InterItemPause > 0 {
			select {
			case <-m.ctx.Done():
				return
			case <-time.After(m.config.InterItemPause):
			}
		}
	}
}

// next pops the queue head and marks it processing. The worker is the only
// caller, so at most one item is ever in flight.
func (m *Manager) next() *Item {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.ctx.Err() != nil || len(m.pending) == 0 {
		return nil
	}

	item := m.pending[0]
	m.pending[0] = nil
	m.pending = m.pending[1:]

	item.Status = StatusProcessing
	item.Attempts++
	item.LastAttemptAt = m.now()
	m.current = item
	m.updateDepthLocked()
	return item
}

func (m *Manager) process(item *Item) {
	ctx := slogutil.With(m.ctx,
		"archive", item.Set.Name(),
		"source", string(item.Source),
		"attempt", item.Attempts)

	m.log.InfoContext(ctx, "Processing archive", "max_attempts", m.config.MaxAttempts)

	err := m.safeProcess(ctx, item)

	if err == nil {
		m.complete(ctx, item)
		return
	}

	if m.ctx.Err() != nil {
		// shutdown interrupted the attempt, it does not count, whatever
		// error the killed tool left behind
		m.mu.Lock()
		m.current = nil
		m.mu.Unlock()
		m.log.InfoContext(ctx, "Processing interrupted by shutdown")
		return
	}

	m.fail(ctx, item, err)
}

// safeProcess converts a panic in the pipeline into a failed attempt so the
// worker loop survives.
func (m *Manager) safeProcess(ctx context.Context, item *Item) (err error) {
	defer func() {
		if r := recover(); r != nil {
			m.log.ErrorContext(ctx, "Panic while processing archive", "panic", r)
			err = perrors.New(perrors.KindUnknown, "process", item.Set.FirstVolume, errors.New("panic during processing"))
		}
	}()
	return m.processor.ProcessItem(ctx, item)
}

func (m *Manager) complete(ctx context.Context, item *Item) {
	m.mu.Lock()
	item.Status = StatusCompleted
	item.LastError = ""
	m.current = nil
	m.stats.Processed++
	processed := m.stats.Processed
	m.mu.Unlock()

	metrics.RecordQueueOutcome("processed")
	m.log.InfoContext(ctx, "Archive processed", "processed_total", processed)
	m.processor.HandleSuccess(ctx, item)
}

func (m *Manager) fail(ctx context.Context, item *Item, err error) {
	terminal := perrors.IsTerminal(err)

	m.mu.Lock()
	item.LastError = err.Error()
	m.current = nil

	if !terminal && item.Attempts < m.config.MaxAttempts {
		item.Source = SourceRetry
		item.Status = StatusQueued
		due := m.now().Add(m.config.RetryDelay)
		m.seq++
		heap.Push(&m.delays, delayed{item: item, due: due, seq: m.seq})
		m.stats.Retried++
		retried := m.stats.Retried
		m.updateDepthLocked()
		m.mu.Unlock()

		signal(m.delayWake)
		metrics.RecordQueueOutcome("retried")
		m.log.WarnContext(ctx, "Archive processing failed, retry scheduled",
			"error", err,
			"retry_at", due,
			"retried_total", retried)
		return
	}

	item.Status = StatusFailed
	m.stats.Failed++
	failed := m.stats.Failed
	m.mu.Unlock()

	metrics.RecordQueueOutcome("failed")

	reason := "max attempts reached"
	if terminal {
		reason = "terminal error"
	}
	m.log.ErrorContext(ctx, "Archive dead-lettered",
		"error", err,
		"reason", reason,
		"failed_total", failed)

	quarantined := false
	if m.quarantine != nil {
		moved, qerr := m.quarantine.Quarantine(ctx, item.Set, err.Error())
		if qerr != nil {
			m.log.ErrorContext(ctx, "Failed to quarantine archive", "error", qerr)
		}
		quarantined = moved
	}

	m.processor.HandleFailure(ctx, item, err, quarantined)
}

// schedulerLoop moves due retries back onto the queue
func (m *Manager) schedulerLoop() {
	defer m.wg.Done()

	timer := time.NewTimer(time.Hour)
	timer.Stop()
	defer timer.Stop()

	for {
		m.mu.Lock()
		due := m.delays.popDue(m.now())
		for _, it := range due {
			m.pending = append(m.pending, it)
		}
		next, ok := m.delays.next()
		m.updateDepthLocked()
		m.mu.Unlock()

		for _, it := range due {
			m.log.InfoContext(m.ctx, "Retry due, archive re-queued",
				"archive", it.Set.Name(),
				"attempts", it.Attempts)
		}
		if len(due) > 0 {
			signal(m.wake)
		}

		if ok {
			timer.Reset(max(next.Sub(m.now()), 0))
		}

		select {
		case <-m.ctx.Done():
			return
		case <-m.delayWake:
			timer.Stop()
		case <-timer.C:
		}
	}
}

func (m *Manager) updateDepthLocked() {
	metrics.SetQueueDepth(len(m.pending) + m.delays.Len())
}

func signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}
