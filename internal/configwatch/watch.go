// Package configwatch hot-reloads the negotiation timing knobs in
// internal/config.Config when the config file on disk changes, so an
// operator can retune CALL/WAIT polling without a restart. Grounded on the
// teacher's fsnotify-based filesystem watcher, repurposed from DCP package
// discovery to single-file debounced reload.
package configwatch

import (
	"fmt"
	"log"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/REONTeam/mobilerelay/internal/config"
)

// Watcher reloads configPath into a fresh config.Config whenever it changes
// on disk and hands the result to onReload.
type Watcher struct {
	fsWatcher    *fsnotify.Watcher
	configPath   string
	onReload     func(*config.Config)
	debounceTime time.Duration

	mu       sync.Mutex
	pending  bool
	lastSeen time.Time
	stopChan chan struct{}
}

// New creates a Watcher for configPath. onReload is invoked from the
// watcher's own goroutine, never concurrently with itself.
func New(configPath string, onReload func(*config.Config)) (*Watcher, error) {
	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("configwatch: create fsnotify watcher: %w", err)
	}

	w := &Watcher{
		fsWatcher:    fsWatcher,
		configPath:   configPath,
		onReload:     onReload,
		debounceTime: 2 * time.Second,
		stopChan:     make(chan struct{}),
	}
	return w, nil
}

// Start begins watching configPath. Only the containing directory can be
// watched reliably across editors that replace-rather-than-truncate on
// save, so events are filtered down to the exact file.
func (w *Watcher) Start() error {
	dir := filepath.Dir(w.configPath)
	if err := w.fsWatcher.Add(dir); err != nil {
		return fmt.Errorf("configwatch: watch %s: %w", dir, err)
	}

	go w.processEvents()
	go w.processPending()
	return nil
}

// Stop releases the watcher.
func (w *Watcher) Stop() {
	close(w.stopChan)
	w.fsWatcher.Close()
}

func (w *Watcher) processEvents() {
	for {
		select {
		case event, ok := <-w.fsWatcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != filepath.Base(w.configPath) {
				continue
			}
			w.mu.Lock()
			w.pending = true
			w.lastSeen = time.Now()
			w.mu.Unlock()

		case err, ok := <-w.fsWatcher.Errors:
			if !ok {
				return
			}
			log.Printf("configwatch: watcher error: %v", err)

		case <-w.stopChan:
			return
		}
	}
}

func (w *Watcher) processPending() {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			w.maybeReload()
		case <-w.stopChan:
			return
		}
	}
}

func (w *Watcher) maybeReload() {
	w.mu.Lock()
	ready := w.pending && time.Since(w.lastSeen) >= w.debounceTime
	if ready {
		w.pending = false
	}
	w.mu.Unlock()

	if !ready {
		return
	}

	cfg, err := config.Load(w.configPath)
	if err != nil {
		log.Printf("configwatch: reload %s: %v", w.configPath, err)
		return
	}
	log.Printf("configwatch: reloaded %s", w.configPath)
	w.onReload(cfg)
}
