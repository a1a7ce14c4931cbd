package scanner

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Notifier delivers "file created" events for watched directory trees.
// Bursts of writes to the same file collapse into one event after the
// debounce window.
type Notifier struct {
	watcher  *fsnotify.Watcher
	debounce time.Duration
	events   chan string
	log      *slog.Logger

	mu      sync.Mutex
	pending map[string]*time.Timer
	closed  bool
}

// NewNotifier creates a notifier; call Add for each root and then Run.
func NewNotifier(debounce time.Duration) (*Notifier, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}

	return &Notifier{
		watcher:  watcher,
		debounce: debounce,
		events:   make(chan string, 256),
		log:      slog.Default().With("component", "notifier"),
		pending:  make(map[string]*time.Timer),
	}, nil
}

// Events returns the stream of created file paths
func (n *Notifier) Events() <-chan string {
	return n.events
}

// Add watches root and every directory beneath it
func (n *Notifier) Add(root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if path != root && strings.HasPrefix(d.Name(), ".") {
			return filepath.SkipDir
		}
		if err := n.watcher.Add(path); err != nil {
			return fmt.Errorf("watch %s: %w", path, err)
		}
		return nil
	})
}

// Run processes watcher events until ctx is cancelled, then closes the
// event stream.
func (n *Notifier) Run(ctx context.Context) {
	defer n.shutdown()

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-n.watcher.Events:
			if !ok {
				return
			}
			n.handle(ctx, event)

		case err, ok := <-n.watcher.Errors:
			if !ok {
				return
			}
			n.log.WarnContext(ctx, "File watcher error", "error", err)
		}
	}
}

func (n *Notifier) handle(ctx context.Context, event fsnotify.Event) {
	if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
		return
	}
	if strings.HasPrefix(filepath.Base(event.Name), ".") {
		return
	}

	info, err := os.Stat(event.Name)
	if err != nil {
		return
	}

	if info.IsDir() {
		if event.Has(fsnotify.Create) {
			if err := n.Add(event.Name); err != nil {
				n.log.WarnContext(ctx, "Failed to watch new directory", "dir", event.Name, "error", err)
			}
		}
		return
	}

	n.schedule(event.Name)
}

func (n *Notifier) schedule(path string) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.closed {
		return
	}
	if t, ok := n.pending[path]; ok {
		t.Reset(n.debounce)
		return
	}

	n.pending[path] = time.AfterFunc(n.debounce, func() {
		n.mu.Lock()
		defer n.mu.Unlock()
		delete(n.pending, path)
		if n.closed {
			return
		}
		select {
		case n.events <- path:
		default:
			n.log.Warn("Notifier event buffer full, dropping event", "file", path)
		}
	})
}

func (n *Notifier) shutdown() {
	n.mu.Lock()
	n.closed = true
	for _, t := range n.pending {
		t.Stop()
	}
	n.pending = nil
	close(n.events)
	n.mu.Unlock()

	_ = n.watcher.Close()
}
