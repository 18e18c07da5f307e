package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/nasa/FEI-sub000/internal/syslog"
)

const debounceInterval = 100 * time.Millisecond

// Watcher re-parses a section config file after it changes and hands the
// result to a callback. Bursts of events are collapsed into one reload.
type Watcher[T any] struct {
	mu            sync.Mutex
	watcher       *fsnotify.Watcher
	config        *SectionConfig[T]
	callback      func(*ConfigData[T])
	debounceTimer *time.Timer
	watching      map[string]bool
	closed        bool
}

func NewWatcher[T any](config *SectionConfig[T], callback func(*ConfigData[T])) (*Watcher[T], error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}

	w := &Watcher[T]{
		watcher:  watcher,
		config:   config,
		callback: callback,
		watching: make(map[string]bool),
	}
	go w.watchLoop()
	return w, nil
}

// Watch follows filename. The parent directory is watched too so that
// editors replacing the file through a rename are still noticed.
func (w *Watcher[T]) Watch(filename string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	absPath, err := filepath.Abs(filename)
	if err != nil {
		return fmt.Errorf("failed to get absolute path: %w", err)
	}
	if w.watching[absPath] {
		return nil
	}

	if _, err := os.Stat(absPath); err != nil {
		return fmt.Errorf("failed to stat %s: %w", absPath, err)
	}
	if err := w.watcher.Add(filepath.Dir(absPath)); err != nil {
		return fmt.Errorf("failed to watch directory: %w", err)
	}

	w.watching[absPath] = true
	return nil
}

func (w *Watcher[T]) watchLoop() {
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}

			w.mu.Lock()
			if w.watching[event.Name] && !w.closed {
				if w.debounceTimer != nil {
					w.debounceTimer.Stop()
				}
				name := event.Name
				w.debounceTimer = time.AfterFunc(debounceInterval, func() {
					w.handleConfigChange(name)
				})
			}
			w.mu.Unlock()

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			syslog.L.Error(err).WithMessage("config watcher error").Write()
		}
	}
}

func (w *Watcher[T]) handleConfigChange(filename string) {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.mu.Unlock()

	data, err := w.config.Parse(filename)
	if err != nil {
		syslog.L.Error(err).
			WithMessage("failed to parse updated config, keeping previous").
			WithField("path", filename).
			Write()
		return
	}

	syslog.L.Info().WithMessage("config reloaded").WithField("path", filename).Write()
	if w.callback != nil {
		w.callback(data)
	}
}

func (w *Watcher[T]) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.closed = true
	if w.debounceTimer != nil {
		w.debounceTimer.Stop()
	}
	return w.watcher.Close()
}
