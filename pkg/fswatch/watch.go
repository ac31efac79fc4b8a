package fswatch

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/jonboulle/clockwork"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"github.com/sidkik/tbak/pkg/errors"
)

// Mocked out for unit testing.
var (
	fs    = afero.NewOsFs()
	clock = clockwork.NewRealClock()
)

// Watch watches for changes to any file under `root`. It sends an event on
// the returned channel once the tree has stopped changing for `quiet`. The
// channel is closed when the context is cancelled.
func Watch(ctx context.Context, root string, quiet time.Duration) (<-chan struct{}, error) {
	pathsToWatch, err := getPathsToWatch(root)
	if err != nil {
		return nil, errors.WithContext(err, "get paths")
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errors.WithContext(err, "create watcher")
	}

	for _, path := range pathsToWatch {
		if err := watcher.Add(path); err != nil {
			// Close the watcher so that we release the file handlers for the
			// previously added paths.
			if err := watcher.Close(); err != nil {
				log.WithError(err).Warn("Failed to close file watcher")
			}

			return nil, errors.WithContext(err, fmt.Sprintf("watch %q", path))
		}
	}

	events := make(chan fsnotify.Event)
	go func() {
		defer close(events)
		defer watcher.Close()
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&fsnotify.Create != 0 {
					watchNewDir(watcher, event.Name)
				}

				select {
				case events <- event:
				case <-ctx.Done():
					return
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.WithError(err).Warn("File watcher error")
			case <-ctx.Done():
				return
			}
		}
	}()
	return settle(combineUpdates(events), quiet), nil
}

// watchNewDir starts watching directories that are created after the watch
// started, since fsnotify doesn't watch directories recursively.
func watchNewDir(watcher *fsnotify.Watcher, path string) {
	paths, err := getPathsToWatch(path)
	if err != nil {
		// The path was most likely removed again already.
		log.WithError(err).WithField("path", path).Debug("Failed to get paths to watch")
		return
	}

	for _, p := range paths {
		if err := watcher.Add(p); err != nil {
			log.WithError(err).WithField("path", p).Warn("Failed to watch new directory")
		}
	}
}

// combineUpdates coalesces bursts of events into at most one pending
// notification. The returned channel is closed once `updates` is.
func combineUpdates(updates <-chan fsnotify.Event) chan struct{} {
	combined := make(chan struct{}, 1)
	go func() {
		defer close(combined)
		for range updates {
			select {
			case combined <- struct{}{}:
			default:
			}
		}
	}()
	return combined
}

// settle delays notifications until no new one has arrived for `quiet`.
func settle(updates <-chan struct{}, quiet time.Duration) <-chan struct{} {
	settled := make(chan struct{}, 1)
	go func() {
		defer close(settled)
		for {
			if _, ok := <-updates; !ok {
				return
			}

			for pending := true; pending; {
				timer := clock.NewTimer(quiet)
				select {
				case _, ok := <-updates:
					timer.Stop()
					if !ok {
						return
					}
				case <-timer.Chan():
					pending = false
				}
			}

			select {
			case settled <- struct{}{}:
			default:
			}
		}
	}()
	return settled
}

// getPathsToWatch returns `root` and every directory below it. Watching a
// directory reports changes to the files directly inside it.
func getPathsToWatch(root string) (paths []string, err error) {
	fi, err := fs.Stat(root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.FileNotFound{Path: root}
		}
		return nil, errors.WithContext(err, "stat")
	}
	if !fi.IsDir() {
		return nil, errors.NewFriendlyError("%s is not a directory", root)
	}

	err = afero.Walk(fs, root, func(path string, fi os.FileInfo, err error) error {
		if err != nil {
			return errors.WithContext(err, "walk error")
		}
		if fi.IsDir() {
			paths = append(paths, path)
		}
		return nil
	})
	return paths, err
}
