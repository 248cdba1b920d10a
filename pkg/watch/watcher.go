package watch

// Directory watcher with debounced change callbacks. The directory is
// watched rather than the file so that files replaced by rename are seen.

import (
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/fsnotify/fsnotify"
)

const debounce = 100 * time.Millisecond

type Watcher struct {
	dir            string
	patterns       []string
	ignorePatterns []string
	onChange       func(path string)

	Debounce time.Duration
	Logger   *slog.Logger

	mutex   sync.Mutex
	pending map[string]*time.Timer
	stop    chan struct{}
	wg      sync.WaitGroup
	watcher *fsnotify.Watcher
}

func New(dir string, patterns, ignorePatterns []string, onChange func(path string)) *Watcher {
	return &Watcher{
		dir:            dir,
		patterns:       patterns,
		ignorePatterns: ignorePatterns,
		onChange:       onChange,
		Debounce:       debounce,
		Logger:         slog.Default(),
		pending:        map[string]*time.Timer{},
		stop:           make(chan struct{}),
	}
}

func (w *Watcher) Start() error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return errors.Wrap(err, "watcher")
	}
	if err := fw.Add(w.dir); err != nil {
		fw.Close()
		return errors.Wrapf(err, "watch %s", w.dir)
	}
	w.watcher = fw
	w.Logger.Info("watch", "dir", w.dir, "patterns", w.patterns)

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.loop()
	}()
	return nil
}

func (w *Watcher) Stop() {
	if w.watcher == nil {
		return
	}
	close(w.stop)
	w.watcher.Close()
	w.wg.Wait()

	w.mutex.Lock()
	defer w.mutex.Unlock()
	for _, t := range w.pending {
		t.Stop()
	}
}

func (w *Watcher) loop() {
	for {
		select {
		case <-w.stop:
			return
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) && !ev.Has(fsnotify.Remove) {
				continue
			}
			if !w.matches(ev.Name) {
				continue
			}
			w.schedule(ev.Name)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.Logger.Warn("watch", "err", err)
		}
	}
}

func (w *Watcher) matches(path string) bool {
	rel, err := filepath.Rel(w.dir, path)
	if err != nil {
		return false
	}
	if len(w.patterns) > 0 && !MatchesAny(rel, w.patterns) {
		return false
	}
	return !MatchesAny(rel, w.ignorePatterns)
}

// schedule coalesces bursts of events on one path into a single callback.
func (w *Watcher) schedule(path string) {
	w.mutex.Lock()
	defer w.mutex.Unlock()
	if t, ok := w.pending[path]; ok {
		t.Reset(w.Debounce)
		return
	}
	w.pending[path] = time.AfterFunc(w.Debounce, func() {
		w.mutex.Lock()
		delete(w.pending, path)
		w.mutex.Unlock()
		w.onChange(path)
	})
}

func MatchesAny(path string, patterns []string) bool {
	name := filepath.Base(path)
	for _, pattern := range patterns {
		if matched, _ := filepath.Match(pattern, name); matched {
			return true
		}
		if matched, _ := filepath.Match(pattern, path); matched {
			return true
		}
	}
	return false
}
