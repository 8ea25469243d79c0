package config

import (
	"fmt"
	"log"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher hot-reloads the config file. Identity changes are ignored — a
// new user ID mid-session would orphan every live subscription — so the
// reloaded config always carries the identity the process started with.
type Watcher struct {
	path    string
	watcher *fsnotify.Watcher
	onLoad  func(Config)

	mu      sync.Mutex
	current Config

	closed    chan struct{}
	closeOnce sync.Once
}

// NewWatcher starts watching the config file. onLoad fires on every
// accepted reload with the merged config.
func NewWatcher(path string, initial Config, onLoad func(Config)) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fsnotify watcher: %w", err)
	}
	// Watch the directory, not the file: editors typically write a temp
	// file and rename it over the original, which drops a file-level watch.
	if err := fw.Add(filepath.Dir(path)); err != nil {
		fw.Close()
		return nil, fmt.Errorf("watch config dir: %w", err)
	}

	w := &Watcher{
		path:    path,
		watcher: fw,
		onLoad:  onLoad,
		current: initial,
		closed:  make(chan struct{}),
	}
	go w.watchLoop()
	return w, nil
}

// Current returns the most recently accepted config.
func (w *Watcher) Current() Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

// Close stops watching.
func (w *Watcher) Close() error {
	w.closeOnce.Do(func() { close(w.closed) })
	return w.watcher.Close()
}

func (w *Watcher) watchLoop() {
	// Editors fire several events per save; coalesce them.
	var debounce *time.Timer
	pending := make(chan struct{}, 1)

	for {
		select {
		case <-w.closed:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(w.path) {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(200*time.Millisecond, func() {
				select {
				case pending <- struct{}{}:
				default:
				}
			})
		case <-pending:
			w.reload()
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			log.Printf("CONFIG: watcher error: %v", err)
		}
	}
}

func (w *Watcher) reload() {
	cfg, err := Load(w.path)
	if err != nil {
		// Keep running on the last good config.
		log.Printf("CONFIG: reload rejected: %v", err)
		return
	}

	w.mu.Lock()
	cfg.Identity = w.current.Identity // pinned for the process lifetime
	if Equal(cfg, w.current) {
		w.mu.Unlock()
		return
	}
	w.current = cfg
	w.mu.Unlock()

	log.Printf("CONFIG: reloaded %s", w.path)
	if w.onLoad != nil {
		w.onLoad(cfg)
	}
}
