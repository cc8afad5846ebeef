package watcher

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	gitbakdErrors "github.com/bashhack/gitbakd/internal/errors"
	"github.com/bashhack/gitbakd/internal/logger"
)

// DefaultDebounce is the quiet period after the last event before a batch is flushed.
const DefaultDebounce = 3 * time.Second

// ErrWatcherClosed is reported when fsnotify closes its event channel.
var ErrWatcherClosed = gitbakdErrors.New("file watcher closed unexpectedly")

// Options configures a Watcher.
type Options struct {
	// Root is the working tree to watch.
	Root string

	Debounce time.Duration

	// IgnorePatterns are added to DefaultIgnorePatterns and the tree's .gitignore.
	IgnorePatterns []string

	// IgnoreDirs are absolute directories never reported, such as the
	// credential store when it lives inside the tree.
	IgnoreDirs []string

	// UrgentFunc, when it returns true for a change, flushes immediately.
	UrgentFunc func(FileChange) bool

	// OnBatch receives every flushed batch. It must not block.
	OnBatch func(Batch)

	// OnError receives non-fatal watcher errors.
	OnError func(error)

	Logger logger.Logger
}

// Watcher turns filesystem events into debounced batches of FileChange.
type Watcher struct {
	root     string
	debounce time.Duration
	matcher  *Matcher
	urgent   func(FileChange) bool
	onBatch  func(Batch)
	onError  func(error)
	logger   logger.Logger

	mu         sync.Mutex
	pending    Set
	timer      *time.Timer
	generation uint64
	paused     bool
	closed     bool

	fsw       *fsnotify.Watcher
	ready     chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

// New creates a Watcher. Nothing is watched until Start.
func New(opts Options) *Watcher {
	if opts.Debounce <= 0 {
		opts.Debounce = DefaultDebounce
	}
	if opts.Logger == nil {
		opts.Logger = logger.NewDiscard()
	}

	patterns := append([]string{}, DefaultIgnorePatterns...)
	if gi, err := readPatternFile(filepath.Join(opts.Root, ".gitignore")); err == nil {
		patterns = append(patterns, gi...)
	}
	patterns = append(patterns, opts.IgnorePatterns...)

	return &Watcher{
		root:     opts.Root,
		debounce: opts.Debounce,
		matcher:  NewMatcher(patterns, opts.IgnoreDirs),
		urgent:   opts.UrgentFunc,
		onBatch:  opts.OnBatch,
		onError:  opts.OnError,
		logger:   opts.Logger,
		pending:  make(Set),
		ready:    make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start adds a watch for every non-ignored directory and begins processing
// events in the background until ctx is cancelled or Close is called.
func (w *Watcher) Start(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return gitbakdErrors.Wrap(err, "failed to create file watcher")
	}
	w.fsw = fsw

	if err := w.addTree(w.root, false); err != nil {
		_ = fsw.Close()
		return err
	}
	close(w.ready)
	w.logger.Info("Watching %s", w.root)

	go w.loop(ctx, fsw.Events, fsw.Errors)
	return nil
}

// Ready is closed once the initial directory scan has completed.
func (w *Watcher) Ready() <-chan struct{} {
	return w.ready
}

// Done is closed when the event loop exits.
func (w *Watcher) Done() <-chan struct{} {
	return w.done
}

// Close stops watching and cancels any armed timer. Pending changes are kept.
func (w *Watcher) Close() error {
	var err error
	w.closeOnce.Do(func() {
		w.mu.Lock()
		w.closed = true
		w.generation++
		if w.timer != nil {
			w.timer.Stop()
		}
		w.mu.Unlock()

		if w.fsw != nil {
			err = w.fsw.Close()
		}
	})
	return err
}

func (w *Watcher) loop(ctx context.Context, events <-chan fsnotify.Event, errs <-chan error) {
	defer close(w.done)

	for {
		select {
		case <-ctx.Done():
			_ = w.Close()
			return

		case event, ok := <-events:
			if !ok {
				w.mu.Lock()
				closed := w.closed
				w.mu.Unlock()
				if !closed {
					w.reportError(ErrWatcherClosed)
				}
				return
			}
			w.handleFsEvent(event)

		case err, ok := <-errs:
			if !ok {
				// A nil channel never becomes ready.
				errs = nil
				continue
			}
			// Watcher errors are non-fatal; continue watching.
			w.reportError(gitbakdErrors.Wrap(err, "file watcher error"))
		}
	}
}

func (w *Watcher) handleFsEvent(event fsnotify.Event) {
	if w.matcher.MatchAbs(event.Name) {
		return
	}
	rel, err := filepath.Rel(w.root, event.Name)
	if err != nil {
		return
	}
	rel = NormalizePath(rel)
	if w.matcher.Match(rel) {
		return
	}

	now := time.Now()
	switch {
	case event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename):
		w.HandleEvent(NewFileChange(Deleted, rel, now))

	case event.Has(fsnotify.Create):
		info, err := os.Stat(event.Name)
		if err != nil {
			return
		}
		if info.IsDir() {
			// Files may land in a new directory before its watch exists.
			if err := w.addTree(event.Name, true); err != nil {
				w.reportError(err)
			}
			return
		}
		w.HandleEvent(NewFileChange(Added, rel, now))

	case event.Has(fsnotify.Write):
		w.HandleEvent(NewFileChange(Modified, rel, now))
	}
}

// addTree watches dir and every non-ignored directory below it. With
// report set, files found are recorded as Added.
func (w *Watcher) addTree(dir string, report bool) error {
	return filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil // skip unreadable entries
		}
		if w.matcher.MatchAbs(p) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		rel, relErr := filepath.Rel(w.root, p)
		if relErr != nil {
			return nil
		}
		rel = NormalizePath(rel)
		if rel != "" && w.matcher.Match(rel) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		if d.IsDir() {
			if err := w.fsw.Add(p); err != nil {
				return gitbakdErrors.Wrapf(err, "failed to watch %s", p)
			}
			return nil
		}
		if report {
			w.HandleEvent(NewFileChange(Added, rel, time.Now()))
		}
		return nil
	})
}

// HandleEvent records a change and restarts the debounce timer. Only a timer
// that runs its full course without another event flushes the batch.
func (w *Watcher) HandleEvent(c FileChange) {
	w.mu.Lock()
	w.pending.Add(c)

	if w.paused {
		w.mu.Unlock()
		return
	}

	if w.urgent != nil && w.urgent(c) {
		batch := w.takeLocked()
		w.mu.Unlock()
		w.logger.Info("Urgent change to %s, flushing immediately", c.Path)
		w.deliver(batch)
		return
	}

	w.armLocked()
	w.mu.Unlock()
}

func (w *Watcher) armLocked() {
	if w.closed {
		return
	}
	w.generation++
	gen := w.generation
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, func() { w.fire(gen) })
}

func (w *Watcher) fire(gen uint64) {
	w.mu.Lock()
	if gen != w.generation || w.paused {
		w.mu.Unlock()
		return
	}
	batch := w.takeLocked()
	w.mu.Unlock()

	w.deliver(batch)
}

// takeLocked empties the in-progress batch and disarms the timer.
func (w *Watcher) takeLocked() Batch {
	w.generation++
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
	batch := w.pending.Batch()
	w.pending = make(Set)
	return batch
}

func (w *Watcher) deliver(batch Batch) {
	if len(batch) == 0 || w.onBatch == nil {
		return
	}
	w.logger.Debug("Flushing %d changed paths", len(batch))
	w.onBatch(batch)
}

// Flush delivers the in-progress batch now, without waiting for the timer.
// It returns the flushed batch. Flushing while paused is allowed.
func (w *Watcher) Flush() Batch {
	w.mu.Lock()
	batch := w.takeLocked()
	w.mu.Unlock()

	w.deliver(batch)
	return batch
}

// PendingChanges returns a snapshot of the in-progress batch.
func (w *Watcher) PendingChanges() Batch {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.pending.Batch()
}

// ClearPendingChanges discards the in-progress batch.
func (w *Watcher) ClearPendingChanges() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.takeLocked()
}

// Pause keeps collecting events but stops flushing them.
func (w *Watcher) Pause() {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.paused = true
	w.generation++
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
}

// Resume re-enables flushing and re-arms the timer for anything collected meanwhile.
func (w *Watcher) Resume() {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.paused = false
	if len(w.pending) > 0 {
		w.armLocked()
	}
}

// Paused reports whether flushing is suspended.
func (w *Watcher) Paused() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.paused
}

func (w *Watcher) reportError(err error) {
	w.logger.Warning("%v", err)
	if w.onError != nil {
		w.onError(err)
	}
}
