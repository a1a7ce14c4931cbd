package importer

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/javi11/rarlink/internal/archive"
	"github.com/javi11/rarlink/internal/config"
	"github.com/javi11/rarlink/internal/database"
	"github.com/javi11/rarlink/internal/dedup"
	perrors "github.com/javi11/rarlink/internal/errors"
	"github.com/javi11/rarlink/internal/importer/dispatch"
	"github.com/javi11/rarlink/internal/importer/quarantine"
	"github.com/javi11/rarlink/internal/importer/queue"
	"github.com/javi11/rarlink/internal/importer/scanner"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type memHashes struct {
	mu     sync.Mutex
	byHash map[string]*database.HashRecord
}

func (r *memHashes) InsertIfAbsent(_ context.Context, rec *database.HashRecord) (bool, *database.HashRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.byHash == nil {
		r.byHash = make(map[string]*database.HashRecord)
	}
	if existing, ok := r.byHash[rec.Hash]; ok {
		return false, existing, nil
	}
	r.byHash[rec.Hash] = rec
	return true, nil, nil
}

func (r *memHashes) GetByHash(_ context.Context, hash string) (*database.HashRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.byHash[hash], nil
}

type memHistory struct {
	mu      sync.Mutex
	entries []database.HistoryEntry
}

func (h *memHistory) Record(_ context.Context, e *database.HistoryEntry) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.entries = append(h.entries, *e)
	return nil
}

func (h *memHistory) all() []database.HistoryEntry {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]database.HistoryEntry(nil), h.entries...)
}

type memStats struct {
	mu     sync.Mutex
	counts map[string]int64
}

func (s *memStats) Increment(_ context.Context, key string, delta int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.counts == nil {
		s.counts = make(map[string]int64)
	}
	s.counts[key] += delta
	return nil
}

func (s *memStats) get(key string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counts[key]
}

type fakeDispatcher struct {
	mu      sync.Mutex
	calls   []dispatch.Target
	archive []string
	err     error
}

func (d *fakeDispatcher) Process(_ context.Context, set *archive.Set, target dispatch.Target) (dispatch.Result, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = append(d.calls, target)
	d.archive = append(d.archive, set.FirstVolume)
	if d.err != nil {
		return dispatch.Result{}, d.err
	}
	return dispatch.Result{Mode: target.Mode, ContentSize: 42, Outputs: []string{target.TargetDir + "/x.strm"}}, nil
}

func (d *fakeDispatcher) archives() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.archive...)
}

func (d *fakeDispatcher) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.calls)
}

type fakeLibrary struct {
	mu  sync.Mutex
	ids []string
}

func (l *fakeLibrary) Notify(_ context.Context, id string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.ids = append(l.ids, id)
}

func (l *fakeLibrary) notified() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.ids...)
}

type harness struct {
	fs         afero.Fs
	svc        *Service
	dispatcher *fakeDispatcher
	history    *memHistory
	stats      *memStats
	library    *fakeLibrary
	mover      *quarantine.Mover
}

func newHarness(t *testing.T, scanExisting bool) *harness {
	t.Helper()
	return newHarnessOn(t, scanExisting, afero.NewMemMapFs(), &memHashes{})
}

// newHarnessOn builds a service over existing state, the way a restarted
// process sees the files and hashes left by the previous one.
func newHarnessOn(t *testing.T, scanExisting bool, fs afero.Fs, hashes *memHashes) *harness {
	t.Helper()

	h := &harness{
		fs:         fs,
		dispatcher: &fakeDispatcher{},
		history:    &memHistory{},
		stats:      &memStats{},
		library:    &fakeLibrary{},
		mover:      quarantine.NewMover(fs, "/quarantine"),
	}

	svc, err := NewService(ServiceConfig{
		Watch: []config.WatchDirConfig{
			{Path: "/watch", Mode: config.ModeExtract, TargetDir: "/library/other"},
			{Path: "/watch/movies", Mode: config.ModeVFS, TargetDir: "/library/movies", LibraryID: "1"},
		},
		ScanExisting: scanExisting,
		Registry: scanner.RegistryConfig{
			RetryInterval: time.Minute,
			MaxAttempts:   5,
			MaxAge:        time.Hour,
			Schedule:      "@every 1h",
		},
		Queue: queue.ManagerConfig{
			MaxAttempts: 2,
			RetryDelay:  10 * time.Millisecond,
			StopTimeout: time.Second,
		},
	}, Deps{
		Fs:         fs,
		Detector:   scanner.NewDetector(fs, 5*time.Millisecond),
		Dispatcher: h.dispatcher,
		Dedup:      dedup.NewStore(hashes, fs),
		Quarantine: h.mover,
		History:    h.history,
		Stats:      h.stats,
		Library:    h.library,
	})
	require.NoError(t, err)
	h.svc = svc

	return h
}

func (h *harness) write(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, afero.WriteFile(h.fs, path, []byte(content), 0644))
}

func (h *harness) start(t *testing.T) {
	t.Helper()
	require.NoError(t, h.svc.Start(context.Background()))
	t.Cleanup(func() { _ = h.svc.Stop(context.Background()) })
}

func (h *harness) waitHistory(t *testing.T, n int) []database.HistoryEntry {
	t.Helper()
	require.Eventually(t, func() bool { return len(h.history.all()) >= n }, 2*time.Second, 5*time.Millisecond)
	return h.history.all()
}

func TestAdmitCompleteArchiveIsProcessed(t *testing.T) {
	h := newHarness(t, false)
	h.write(t, "/watch/movies/Movie.2024.rar", "rar payload")
	h.start(t)

	h.svc.Admit(context.Background(), "/watch/movies/Movie.2024.rar", queue.SourceNew)

	entries := h.waitHistory(t, 1)
	require.Len(t, entries, 1)
	assert.Equal(t, database.OutcomeCompleted, entries[0].Outcome)
	assert.Equal(t, "new", entries[0].Source)
	require.NotNil(t, entries[0].Mode)
	assert.Equal(t, "vfs", *entries[0].Mode)
	assert.Equal(t, int64(42), entries[0].ContentSize)

	// longest watch prefix wins
	require.Equal(t, 1, h.dispatcher.count())
	assert.Equal(t, "/library/movies", h.dispatcher.calls[0].TargetDir)

	assert.Eventually(t, func() bool { return len(h.library.notified()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"1"}, h.library.notified())
	assert.Equal(t, int64(1), h.stats.get(database.StatProcessed))
	assert.False(t, h.svc.Registry().Contains("/watch/movies/Movie.2024.rar"))
}

func TestAdmitIgnoresNonFirstVolumes(t *testing.T) {
	h := newHarness(t, false)
	h.write(t, "/watch/Show.part02.rar", "second")
	h.start(t)

	h.svc.Admit(context.Background(), "/watch/Show.part02.rar", queue.SourceNew)

	assert.Zero(t, h.svc.Registry().Len())
	assert.False(t, h.svc.Queue().Contains("/watch/Show.part02.rar"))
}

func TestAdmitIncompleteGoesToRegistryOnly(t *testing.T) {
	h := newHarness(t, false)
	h.write(t, "/watch/Copying.rar", "")
	h.start(t)

	h.svc.Admit(context.Background(), "/watch/Copying.rar", queue.SourceNew)

	assert.True(t, h.svc.Registry().Contains("/watch/Copying.rar"))
	assert.False(t, h.svc.Queue().Contains("/watch/Copying.rar"))

	// already tracked, a second event does not bump it
	h.svc.Admit(context.Background(), "/watch/Copying.rar", queue.SourceNew)
	snap := h.svc.Registry().Snapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, 1, snap[0].Attempts)

	// once it is complete the sweep hands it over with source=retry
	h.write(t, "/watch/Copying.rar", "done now")
	h.svc.Registry().Sweep(context.Background(), time.Now().Add(2*time.Minute))

	entries := h.waitHistory(t, 1)
	assert.Equal(t, "retry", entries[0].Source)
	assert.False(t, h.svc.Registry().Contains("/watch/Copying.rar"))
}

func TestDuplicateContentIsSkipped(t *testing.T) {
	h := newHarness(t, false)
	h.write(t, "/watch/A.rar", "same bytes")
	h.write(t, "/watch/B.rar", "same bytes")
	h.start(t)

	h.svc.Admit(context.Background(), "/watch/A.rar", queue.SourceNew)
	h.waitHistory(t, 1)
	h.svc.Admit(context.Background(), "/watch/B.rar", queue.SourceNew)

	entries := h.waitHistory(t, 2)
	assert.Equal(t, database.OutcomeCompleted, entries[0].Outcome)
	assert.Equal(t, database.OutcomeDuplicate, entries[1].Outcome)
	require.NotNil(t, entries[1].Reason)
	assert.Contains(t, *entries[1].Reason, "/watch/A.rar")

	assert.Equal(t, 1, h.dispatcher.count())
	assert.Equal(t, int64(1), h.stats.get(database.StatDuplicates))
}

func TestProcessedArchiveIsNotDispatchedAgain(t *testing.T) {
	h := newHarness(t, false)
	h.write(t, "/watch/Done.rar", "done bytes")
	h.start(t)

	h.svc.Admit(context.Background(), "/watch/Done.rar", queue.SourceNew)
	h.waitHistory(t, 1)

	// a later write event or rescan of the unchanged archive
	h.svc.Admit(context.Background(), "/watch/Done.rar", queue.SourceExisting)
	require.Eventually(t, func() bool { return h.svc.Queue().Stats().Processed == 2 }, 2*time.Second, 5*time.Millisecond)

	assert.Equal(t, 1, h.dispatcher.count())
	assert.Len(t, h.history.all(), 1, "a skipped repeat is not a new history entry")
	assert.Zero(t, h.stats.get(database.StatDuplicates))
}

func TestRestartScanSkipsProcessedArchives(t *testing.T) {
	fs := afero.NewMemMapFs()
	hashes := &memHashes{}

	first := newHarnessOn(t, true, fs, hashes)
	first.write(t, "/watch/Old.rar", "old bytes")
	first.start(t)
	first.waitHistory(t, 1)
	require.NoError(t, first.svc.Stop(context.Background()))
	require.Equal(t, 1, first.dispatcher.count())

	second := newHarnessOn(t, true, fs, hashes)
	second.write(t, "/watch/New.rar", "new bytes")
	second.start(t)

	entries := second.waitHistory(t, 1)
	require.Eventually(t, func() bool { return second.svc.Queue().Stats().Processed == 2 }, 2*time.Second, 5*time.Millisecond)

	assert.Equal(t, []string{"/watch/New.rar"}, second.dispatcher.archives())
	require.Len(t, second.history.all(), 1)
	assert.Equal(t, "New.rar", entries[0].ArchiveName)
}

func TestQuarantinedArchiveCanBeRetriedByHand(t *testing.T) {
	h := newHarness(t, false)
	h.dispatcher.err = perrors.New(perrors.KindCorrupted, "test", "/watch/Fix.rar", nil)
	h.write(t, "/watch/Fix.rar", "fixable")
	h.start(t)

	h.svc.Admit(context.Background(), "/watch/Fix.rar", queue.SourceNew)
	entries := h.waitHistory(t, 1)
	require.Equal(t, database.OutcomeQuarantined, entries[0].Outcome)

	h.dispatcher.mu.Lock()
	h.dispatcher.err = nil
	h.dispatcher.mu.Unlock()
	require.NoError(t, h.fs.Rename("/quarantine/Fix.rar", "/watch/Fix.rar"))

	h.svc.Admit(context.Background(), "/watch/Fix.rar", queue.SourceNew)
	entries = h.waitHistory(t, 2)
	assert.Equal(t, database.OutcomeCompleted, entries[1].Outcome)
	assert.Equal(t, 2, h.dispatcher.count())
}

func TestTerminalFailureIsQuarantined(t *testing.T) {
	h := newHarness(t, false)
	h.dispatcher.err = perrors.New(perrors.KindEncrypted, "test", "/watch/Locked.rar", nil)
	h.write(t, "/watch/Locked.rar", "secret")
	h.start(t)

	h.svc.Admit(context.Background(), "/watch/Locked.rar", queue.SourceNew)

	entries := h.waitHistory(t, 1)
	assert.Equal(t, database.OutcomeQuarantined, entries[0].Outcome)
	assert.Equal(t, 1, entries[0].Attempts)
	assert.Equal(t, 1, h.dispatcher.count())

	exists, err := afero.Exists(h.fs, "/quarantine/Locked.rar")
	require.NoError(t, err)
	assert.True(t, exists)
	assert.Equal(t, int64(1), h.stats.get(database.StatFailed))
}

func TestRetryableFailureCountsRetries(t *testing.T) {
	h := newHarness(t, false)
	h.dispatcher.err = perrors.New(perrors.KindExternalToolTimeout, "test", "/watch/Slow.rar", nil)
	h.write(t, "/watch/Slow.rar", "slow")
	h.start(t)

	h.svc.Admit(context.Background(), "/watch/Slow.rar", queue.SourceNew)

	entries := h.waitHistory(t, 1)
	assert.Equal(t, database.OutcomeQuarantined, entries[0].Outcome)
	assert.Equal(t, 2, entries[0].Attempts)
	assert.Equal(t, 2, h.dispatcher.count())
	assert.Equal(t, int64(1), h.stats.get(database.StatRetried))
}

func TestStartScansExistingFiles(t *testing.T) {
	h := newHarness(t, true)
	h.write(t, "/watch/movies/Old.part01.rar", "one")
	h.write(t, "/watch/movies/Old.part02.rar", "two")
	h.write(t, "/watch/Other.7z", "seven")
	h.start(t)

	entries := h.waitHistory(t, 2)
	sources := map[string]string{}
	for _, e := range entries {
		sources[e.ArchiveName] = e.Source
	}
	assert.Equal(t, map[string]string{"Old.part01.rar": "existing", "Other.7z": "existing"}, sources)
}

func TestStatus(t *testing.T) {
	h := newHarness(t, false)
	assert.False(t, h.svc.Status().Running)

	h.start(t)
	assert.True(t, h.svc.Status().Running)
	assert.Error(t, h.svc.Start(context.Background()))

	require.NoError(t, h.svc.Stop(context.Background()))
	assert.False(t, h.svc.Status().Running)
}

func TestNewServiceRequiresDeps(t *testing.T) {
	_, err := NewService(ServiceConfig{}, Deps{})
	assert.Error(t, err)
}
