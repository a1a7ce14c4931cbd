package config

import (
	"context"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// reloadDebounce collapses the burst of events editors emit on save.
const reloadDebounce = 250 * time.Millisecond

// Watch reloads the configuration whenever the file changes on disk, until
// ctx is done. A file that fails to load or validate is logged and the
// current configuration is kept.
func (m *Manager) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}

	// Watch the directory: editors replace files by rename, which drops a
	// watch placed on the file itself.
	if err := watcher.Add(filepath.Dir(m.configFile)); err != nil {
		_ = watcher.Close()
		return err
	}

	go m.watchLoop(ctx, watcher)
	return nil
}

func (m *Manager) watchLoop(ctx context.Context, watcher *fsnotify.Watcher) {
	defer watcher.Close()

	log := slog.Default().With("component", "config")
	target := filepath.Clean(m.configFile)

	var timer *time.Timer
	var fire <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != target || !event.Has(fsnotify.Write|fsnotify.Create) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(reloadDebounce)
			} else {
				timer.Reset(reloadDebounce)
			}
			fire = timer.C
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			log.WarnContext(ctx, "Config watcher error", "error", err)
		case <-fire:
			fire = nil
			if err := m.ReloadConfig(); err != nil {
				log.ErrorContext(ctx, "Config reload rejected, keeping current configuration", "file", m.configFile, "error", err)
				continue
			}
			log.InfoContext(ctx, "Configuration reloaded", "file", m.configFile)
		}
	}
}
