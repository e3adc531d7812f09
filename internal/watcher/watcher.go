// Package watcher turns filesystem notifications on the watched directory
// into early wake-ups for the cycle scheduler.
package watcher

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/therealutkarshpriyadarshi/csvagent/internal/logging"
)

// DefaultDebounce groups bursts of writes into a single wake-up
const DefaultDebounce = 500 * time.Millisecond

// Config holds watcher configuration
type Config struct {
	Dir       string
	Recursive bool
	Debounce  time.Duration
}

// Watcher signals when something in the directory changed. Signals carry
// no detail: the scheduler always rescans the whole directory.
type Watcher struct {
	cfg     Config
	watcher *fsnotify.Watcher
	wake    chan struct{}
	logger  *logging.Logger

	mu      sync.Mutex
	timer   *time.Timer
	stopped bool

	done chan struct{}
	wg   sync.WaitGroup
}

// New creates a watcher on cfg.Dir. It does not deliver signals until
// Start is called.
func New(cfg Config, logger *logging.Logger) (*Watcher, error) {
	if cfg.Dir == "" {
		return nil, fmt.Errorf("no watched directory specified")
	}
	if cfg.Debounce <= 0 {
		cfg.Debounce = DefaultDebounce
	}
	if logger == nil {
		logger = logging.Nop()
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}

	w := &Watcher{
		cfg:     cfg,
		watcher: fw,
		wake:    make(chan struct{}, 1),
		logger:  logger.WithComponent("watcher"),
		done:    make(chan struct{}),
	}

	if err := w.addTree(cfg.Dir); err != nil {
		fw.Close()
		return nil, err
	}
	return w, nil
}

// Start begins delivering wake-ups
func (w *Watcher) Start() {
	w.wg.Add(1)
	go w.watchLoop()
}

// Wake returns the channel that receives a value after changes settle
func (w *Watcher) Wake() <-chan struct{} {
	return w.wake
}

// Stop stops watching. It is safe to call more than once.
func (w *Watcher) Stop() error {
	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return nil
	}
	w.stopped = true
	if w.timer != nil {
		w.timer.Stop()
	}
	w.mu.Unlock()

	close(w.done)
	err := w.watcher.Close()
	w.wg.Wait()
	return err
}

func (w *Watcher) addTree(root string) error {
	if !w.cfg.Recursive {
		if err := w.watcher.Add(root); err != nil {
			return fmt.Errorf("failed to watch %s: %w", root, err)
		}
		return nil
	}

	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == root {
				return err
			}
			w.logger.Warn().Err(err).Str("path", path).Msg("Cannot watch directory")
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if err := w.watcher.Add(path); err != nil {
			return fmt.Errorf("failed to watch %s: %w", path, err)
		}
		return nil
	})
}

// watchLoop drains notifications until Stop
func (w *Watcher) watchLoop() {
	defer w.wg.Done()

	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleEvent(event)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Error().Err(err).Msg("File watcher error")

		case <-w.done:
			return
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	if event.Op == fsnotify.Chmod {
		return
	}

	if w.cfg.Recursive && event.Has(fsnotify.Create) {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			if err := w.addTree(event.Name); err != nil {
				w.logger.Warn().Err(err).Str("path", event.Name).Msg("Cannot watch new directory")
			}
		}
	}

	w.logger.Debug().Str("path", event.Name).Str("op", event.Op.String()).Msg("Directory changed")
	w.schedule()
}

// schedule arms the debounce timer unless it is already running
func (w *Watcher) schedule() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.stopped || w.timer != nil {
		return
	}
	w.timer = time.AfterFunc(w.cfg.Debounce, w.fire)
}

func (w *Watcher) fire() {
	w.mu.Lock()
	w.timer = nil
	stopped := w.stopped
	w.mu.Unlock()

	if stopped {
		return
	}
	select {
	case w.wake <- struct{}{}:
	default:
	}
}
