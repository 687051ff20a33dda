package settings

import (
	"context"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"

	"github.com/complytrack/ledgerlink/internal/store"
)

// debounce window for bursts of write events from editors that truncate and
// rewrite the credentials file.
const watchDebounce = 200 * time.Millisecond

// Watch observes the credentials file for external modification and reloads
// the store when it changes. It only applies when the file backend is active;
// other backends return immediately. Watch blocks until ctx is cancelled.
func (s *Store) Watch(ctx context.Context) error {
	fileBackend, ok := s.backend.(*store.FileBackend)
	if !ok {
		return nil
	}
	target := fileBackend.Path(store.RecordCredentials)

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer func() { _ = watcher.Close() }()

	// Watch the directory, not the file: atomic renames replace the inode.
	if err = watcher.Add(filepath.Dir(target)); err != nil {
		return err
	}

	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()
	var pending <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, open := <-watcher.Events:
			if !open {
				return nil
			}
			if !strings.EqualFold(filepath.Clean(event.Name), filepath.Clean(target)) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) == 0 {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(watchDebounce)
			} else {
				timer.Reset(watchDebounce)
			}
			pending = timer.C
		case <-pending:
			pending = nil
			s.Reload(ctx)
		case errWatch, open := <-watcher.Errors:
			if !open {
				return nil
			}
			log.WithError(errWatch).Warn("settings: watcher error")
		}
	}
}
