// Package watcher keeps the catalog in line with files added to or removed
// from the backing directory by something other than the server.
package watcher

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/fruitsalade/filehub/internal/logging"
)

// DefaultDebounce is how long the watcher waits for a burst of file system
// events to settle before rescanning.
const DefaultDebounce = 200 * time.Millisecond

// Reconciler brings the catalog in line with the directory.
type Reconciler interface {
	Reconcile() (int, error)
}

// Watcher triggers a rescan of a directory on file system events and on a
// fixed interval.
type Watcher struct {
	root     string
	target   Reconciler
	interval time.Duration
	debounce time.Duration

	fsw      *fsnotify.Watcher
	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New creates a watcher for root. An interval of zero disables the periodic
// rescan.
func New(root string, target Reconciler, interval time.Duration) *Watcher {
	return &Watcher{
		root:     root,
		target:   target,
		interval: interval,
		debounce: DefaultDebounce,
		done:     make(chan struct{}),
	}
}

// Start begins watching. If the platform cannot deliver file system events
// the watcher falls back to periodic rescans only.
func (w *Watcher) Start(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err == nil {
		if err = fsw.Add(w.root); err != nil {
			fsw.Close()
		}
	}
	if err != nil {
		if w.interval <= 0 {
			return err
		}
		logging.Warn("file system events unavailable, polling only",
			logging.String("dir", w.root), logging.Err(err))
		fsw = nil
	}
	w.fsw = fsw

	w.wg.Add(1)
	go w.watchLoop(ctx)
	return nil
}

// Stop stops the watcher and waits for its goroutine.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.done)
		w.wg.Wait()
		if w.fsw != nil {
			w.fsw.Close()
		}
	})
}

func (w *Watcher) watchLoop(ctx context.Context) {
	defer w.wg.Done()

	var tick <-chan time.Time
	if w.interval > 0 {
		ticker := time.NewTicker(w.interval)
		defer ticker.Stop()
		tick = ticker.C
	}

	var fsEvents <-chan fsnotify.Event
	var fsErrors <-chan error
	if w.fsw != nil {
		fsEvents = w.fsw.Events
		fsErrors = w.fsw.Errors
	}

	settle := time.NewTimer(w.debounce)
	settle.Stop()
	defer settle.Stop()

	for {
		select {
		case event, ok := <-fsEvents:
			if !ok {
				fsEvents = nil
				continue
			}
			if relevant(event) {
				settle.Reset(w.debounce)
			}
		case err, ok := <-fsErrors:
			if !ok {
				fsErrors = nil
				continue
			}
			logging.Warn("watcher error", logging.Err(err))
		case <-settle.C:
			w.reconcile("event")
		case <-tick:
			w.reconcile("interval")
		case <-w.done:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (w *Watcher) reconcile(trigger string) {
	n, err := w.target.Reconcile()
	if err != nil {
		logging.Error("rescan failed", logging.String("dir", w.root), logging.Err(err))
		return
	}
	if n > 0 {
		logging.Info("rescan applied changes",
			logging.String("trigger", trigger), logging.Int("changes", n))
	}
}

// relevant ignores hidden names, which include the store's staging files.
func relevant(event fsnotify.Event) bool {
	if strings.HasPrefix(filepath.Base(event.Name), ".") {
		return false
	}
	return event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename|fsnotify.Chmod) != 0
}
