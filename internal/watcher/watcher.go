// Package watcher notices external writes to the control-plane database.
//
// The scheduler only re-reads the queue on its tick. When another process
// writes the database directly (a second gaffer instance, a migration, a
// manual sqlite session), the watcher coalesces the burst of file events
// into a single refresh signal so the daemon can pull the queue forward
// without waiting for the next tick.
package watcher

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/zjrosen/gaffer/internal/log"
)

// Watcher monitors the database files for changes and sends refresh signals.
type Watcher struct {
	fsWatcher *fsnotify.Watcher
	dbPath    string
	relevant  map[string]struct{}
	debounce  time.Duration
	onChange  chan struct{}
	done      chan struct{}
}

// Config holds watcher configuration options.
type Config struct {
	// DBPath is the database file to watch. The containing directory is
	// watched so WAL rotation and atomic replaces are still seen.
	DBPath string

	// Debounce is how long the files must stay quiet before a signal
	// fires. Sqlite commits land as several writes in quick succession.
	Debounce time.Duration
}

// DefaultConfig returns the watcher defaults for a database path.
func DefaultConfig(dbPath string) Config {
	return Config{
		DBPath:   dbPath,
		Debounce: 1 * time.Second,
	}
}

// New creates a watcher for the given database file.
func New(cfg Config) (*Watcher, error) {
	if cfg.DBPath == "" {
		return nil, fmt.Errorf("watcher: database path is required")
	}
	if cfg.Debounce <= 0 {
		cfg.Debounce = DefaultConfig(cfg.DBPath).Debounce
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating fsnotify watcher: %w", err)
	}

	// In WAL mode commits hit the -wal file, not the database itself.
	base := filepath.Base(cfg.DBPath)
	relevant := map[string]struct{}{
		base:          {},
		base + "-wal": {},
	}

	return &Watcher{
		fsWatcher: fsw,
		dbPath:    cfg.DBPath,
		relevant:  relevant,
		debounce:  cfg.Debounce,
		onChange:  make(chan struct{}, 1),
		done:      make(chan struct{}),
	}, nil
}

// Start begins watching the database directory.
// Returns a channel that receives a signal when the database changes.
func (w *Watcher) Start() (<-chan struct{}, error) {
	// Watch the directory, not the file: watches on the file itself are
	// lost when sqlite replaces or rotates it.
	dir := filepath.Dir(w.dbPath)
	if err := w.fsWatcher.Add(dir); err != nil {
		return nil, fmt.Errorf("watching directory %s: %w", dir, err)
	}

	go w.loop()

	log.Debug(log.CatWatch, "watching database", "path", w.dbPath, "debounce", w.debounce.String())
	return w.onChange, nil
}

// Stop terminates the watcher and releases resources.
func (w *Watcher) Stop() error {
	close(w.done)
	return w.fsWatcher.Close()
}

// loop processes file system events with debouncing.
func (w *Watcher) loop() {
	var (
		timer   *time.Timer
		pending bool
	)

	for {
		select {
		case event, ok := <-w.fsWatcher.Events:
			if !ok {
				return
			}

			if !w.isRelevantEvent(event) {
				continue
			}

			// Reset or start the debounce timer
			if timer == nil {
				timer = time.NewTimer(w.debounce)
				pending = true
			} else {
				if !timer.Stop() {
					// Drain the timer channel if it already fired
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(w.debounce)
				pending = true
			}

		case <-func() <-chan time.Time {
			if timer != nil {
				return timer.C
			}
			return nil
		}():
			if pending {
				// Non-blocking send - a signal already waiting is enough
				select {
				case w.onChange <- struct{}{}:
					log.Debug(log.CatWatch, "database changed, refresh signalled")
				default:
				}
				pending = false
			}

		case err, ok := <-w.fsWatcher.Errors:
			if !ok {
				return
			}
			log.Warn(log.CatWatch, "watch error", "error", err.Error())

		case <-w.done:
			if timer != nil {
				timer.Stop()
			}
			return
		}
	}
}

// isRelevantEvent checks if the event should trigger a refresh.
func (w *Watcher) isRelevantEvent(event fsnotify.Event) bool {
	// Only writes and creates matter; the -wal file may be created fresh
	if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
		return false
	}

	_, ok := w.relevant[filepath.Base(event.Name)]
	return ok
}
