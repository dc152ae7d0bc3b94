package commandset

import (
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher reloads a manifest file when it changes on disk. Manifests that
// fail to load or validate are logged and skipped.
type Watcher struct {
	path     string
	debounce time.Duration
	onChange func(Manifest)
	log      *slog.Logger

	watcher *fsnotify.Watcher
	done    chan struct{}
	once    sync.Once
	wg      sync.WaitGroup
}

// Watch starts watching path. The directory is watched rather than the file
// so editors that save by renaming a temp file are still noticed.
func Watch(path string, debounce time.Duration, onChange func(Manifest), log *slog.Logger) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fw.Add(filepath.Dir(path)); err != nil {
		fw.Close()
		return nil, err
	}
	w := &Watcher{
		path:     filepath.Clean(path),
		debounce: debounce,
		onChange: onChange,
		log:      log.With(slog.String("component", "commandset-watcher")),
		watcher:  fw,
		done:     make(chan struct{}),
	}
	w.wg.Add(1)
	go w.loop()
	return w, nil
}

func (w *Watcher) Close() {
	w.once.Do(func() {
		close(w.done)
		_ = w.watcher.Close()
	})
	w.wg.Wait()
}

func (w *Watcher) loop() {
	defer w.wg.Done()
	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-w.done:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if !w.relevant(event) {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(w.debounce, w.reload)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.log.Warn("command manifest watcher error", slog.String("error", err.Error()))
		}
	}
}

func (w *Watcher) relevant(event fsnotify.Event) bool {
	if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) == 0 {
		return false
	}
	name := filepath.Clean(event.Name)
	if name == w.path {
		return true
	}
	// atomic saves rename a temp file onto the target
	return filepath.Base(name) == filepath.Base(w.path) && event.Op&(fsnotify.Rename|fsnotify.Create) != 0
}

func (w *Watcher) reload() {
	select {
	case <-w.done:
		return
	default:
	}
	if _, err := os.Stat(w.path); err != nil {
		return
	}
	m, err := Load(w.path)
	if err == nil {
		err = Validate(m)
	}
	if err != nil {
		w.log.Warn("ignoring invalid command manifest", slog.String("path", w.path), slog.String("error", err.Error()))
		return
	}
	w.log.Info("command manifest reloaded", slog.String("path", w.path), slog.Int("commands", len(m.Entries)))
	w.onChange(m)
}
