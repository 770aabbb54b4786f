package annostore

import (
	"log"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// snapshotWatcher reloads the store when another process rewrites the
// snapshot file. The JSON backend writes via rename, so the watcher
// watches the directory, not the file, and filters by name. Reloads are
// debounced; ReloadFromBackend itself ignores the store's own writes by
// content hash.
type snapshotWatcher struct {
	store   *Store
	path    string
	watcher *fsnotify.Watcher
	done    chan struct{}
}

const snapshotReloadDebounce = 100 * time.Millisecond

func newSnapshotWatcher(store *Store, path string) (*snapshotWatcher, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fsWatcher.Add(filepath.Dir(abs)); err != nil {
		_ = fsWatcher.Close()
		return nil, err
	}
	w := &snapshotWatcher{
		store:   store,
		path:    abs,
		watcher: fsWatcher,
		done:    make(chan struct{}),
	}
	go w.run()
	return w, nil
}

func (w *snapshotWatcher) run() {
	var timer *time.Timer
	var pending <-chan time.Time
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if !w.matches(event) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(snapshotReloadDebounce)
			} else {
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(snapshotReloadDebounce)
			}
			pending = timer.C
		case <-pending:
			pending = nil
			if err := w.store.ReloadFromBackend(); err != nil {
				log.Printf("annostore: snapshot reload failed: %v", err)
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			log.Printf("annostore: snapshot watcher error: %v", err)
		case <-w.done:
			return
		}
	}
}

func (w *snapshotWatcher) matches(event fsnotify.Event) bool {
	if !event.Op.Has(fsnotify.Write) && !event.Op.Has(fsnotify.Create) && !event.Op.Has(fsnotify.Rename) {
		return false
	}
	abs, err := filepath.Abs(event.Name)
	if err != nil {
		return false
	}
	return abs == w.path
}

func (w *snapshotWatcher) close() {
	close(w.done)
	_ = w.watcher.Close()
}
