package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"
)

const watchDebounce = 100 * time.Millisecond

// Watch calls onChange after the accounts file was modified by someone else.
// It returns once the watcher is installed and stops when ctx is done.
func (f *FileStore) Watch(ctx context.Context, onChange func()) error {
	dir := filepath.Dir(f.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create accounts directory: %w", err)
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create accounts watcher: %w", err)
	}
	// The directory, not the file: atomic replace swaps the inode.
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return fmt.Errorf("watch %s: %w", dir, err)
	}
	target := filepath.Clean(f.path)
	entry := log.WithField("path", f.path)
	entry.Info("watching accounts file")

	go func() {
		defer watcher.Close()
		var debounce *time.Timer
		fire := func() {
			if f.changedExternally() {
				entry.Info("accounts file changed on disk")
				onChange()
			}
		}
		for {
			select {
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != target || !ev.Has(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) {
					continue
				}
				if debounce != nil {
					debounce.Stop()
				}
				debounce = time.AfterFunc(watchDebounce, fire)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				entry.WithError(err).Warn("accounts watcher error")
			case <-ctx.Done():
				if debounce != nil {
					debounce.Stop()
				}
				return
			}
		}
	}()
	return nil
}
