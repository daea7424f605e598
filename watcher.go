package cloudfilter

import (
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/pkg/errors"

	"github.com/winfsp/go-cloudfilter/log"
)

// rootWatcher reports the attribute changes of the files
// under a sync root, which is how pin state changes made
// from the shell become visible.
type rootWatcher struct {
	watcher *fsnotify.Watcher
	notify  func(paths []string)
	log     log.Log
	done    chan struct{}
	wg      sync.WaitGroup
	once    sync.Once
}

func startWatcher(root string, notify func([]string), l log.Log) (*rootWatcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errors.Wrap(err, "create watcher")
	}
	w := &rootWatcher{
		watcher: watcher,
		notify:  notify,
		log:     log.OrNoLog(l),
		done:    make(chan struct{}),
	}
	if err := w.addTree(root); err != nil {
		_ = watcher.Close()
		return nil, err
	}
	w.wg.Add(1)
	go w.loop()
	return w, nil
}

// addTree watches the directory and its subdirectories,
// since fsnotify watches are not recursive.
func (w *rootWatcher) addTree(dir string) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == dir {
				return err
			}
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if err := w.watcher.Add(path); err != nil {
			return errors.Wrapf(err, "watch %q", path)
		}
		return nil
	})
}

func (w *rootWatcher) loop() {
	defer w.wg.Done()
	for {
		select {
		case <-w.done:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			paths := w.collect(nil, event)
			// Coalesce the events already queued.
		drain:
			for {
				select {
				case event, ok := <-w.watcher.Events:
					if !ok {
						break drain
					}
					paths = w.collect(paths, event)
				default:
					break drain
				}
			}
			if len(paths) > 0 {
				w.notify(paths)
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.log.Logf(log.TopicError, "watch sync root: %v", err)
		}
	}
}

func (w *rootWatcher) collect(paths []string, event fsnotify.Event) []string {
	if event.Has(fsnotify.Create) {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			if err := w.addTree(event.Name); err != nil {
				w.log.Logf(log.TopicError, "watch %q: %v", event.Name, err)
			}
		}
	}
	if !event.Has(fsnotify.Chmod) {
		return paths
	}
	for _, path := range paths {
		if path == event.Name {
			return paths
		}
	}
	return append(paths, event.Name)
}

// Close stops the watcher, no notification is made after
// Close returns.
func (w *rootWatcher) Close() {
	w.once.Do(func() {
		close(w.done)
		_ = w.watcher.Close()
		w.wg.Wait()
	})
}
