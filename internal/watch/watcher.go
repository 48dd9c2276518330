// Package watch turns raw filesystem notifications for one directory tree
// into a stream of "file is ready" events, with duplicate suppression and
// quiet-window stabilization so partially written media is never reported.
package watch

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

type EventKind string

const (
	// KindFileReady reports a candidate file that passed the filters and
	// held still for the full quiet window.
	KindFileReady EventKind = "file-ready"
	// KindError reports a watch-backend failure. The watcher keeps running
	// where it can; presentation is the consumer's call.
	KindError EventKind = "error"
	// KindScanComplete marks the end of the initial full scan.
	KindScanComplete EventKind = "scan-complete"
)

type Event struct {
	Kind EventKind
	Path string
	Size int64
	Time time.Time
	Err  error
}

type Options struct {
	Directory         string        // absolute path to watch
	Recursive         bool          // watch the whole tree, not just the top level
	IncludeExtensions []string      // empty = built-in media extension set
	ExcludePatterns   []string      // applied in addition to built-in exclusions
	QuietWindow       time.Duration // no-write window before a file counts as ready
	PollInterval      time.Duration // sampling interval for stabilization checks
}

// Watcher owns one fsnotify subscription for one directory tree. It performs
// an initial full scan in addition to live monitoring, so files present
// before Start are detected too.
type Watcher struct {
	opts   Options
	filter *Filter

	mu      sync.Mutex
	fsw     *fsnotify.Watcher
	cancel  context.CancelFunc
	started bool
	closed  bool
}

// New creates a new Watcher for the given options.
func New(opts Options) (*Watcher, error) {
	if !filepath.IsAbs(opts.Directory) {
		return nil, errors.New("watch directory must be absolute")
	}
	if opts.QuietWindow <= 0 {
		opts.QuietWindow = 2000 * time.Millisecond
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 100 * time.Millisecond
	}
	return &Watcher{
		opts:   opts,
		filter: NewFilter(opts.IncludeExtensions, opts.ExcludePatterns),
	}, nil
}

// Start begins watching and returns a bounded channel of events. The channel
// is closed once the watcher stops; cancel the context or call Close to stop.
func (w *Watcher) Start(ctx context.Context) (<-chan Event, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.started {
		return nil, errors.New("watcher already started")
	}
	if w.closed {
		return nil, errors.New("watcher closed")
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("fsnotify: %w", err)
	}
	if err := fsw.Add(w.opts.Directory); err != nil {
		_ = fsw.Close()
		return nil, fmt.Errorf("add watch: %w", err)
	}

	w.fsw = fsw
	ctx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	w.started = true

	out := make(chan Event, 128)
	emit := func(ev Event) {
		select {
		case out <- ev:
		case <-ctx.Done():
		}
	}
	stab := newStabilityMonitor(w.opts.QuietWindow, w.opts.PollInterval, func(path string, size int64) {
		emit(Event{Kind: KindFileReady, Path: path, Size: size, Time: time.Now()})
	})

	scanDone := make(chan struct{})
	go func() {
		defer close(scanDone)
		w.scan(ctx, w.opts.Directory, emit, stab)
		emit(Event{Kind: KindScanComplete, Time: time.Now()})
	}()

	go w.run(ctx, out, emit, stab, scanDone)

	return out, nil
}

func (w *Watcher) run(ctx context.Context, out chan Event, emit func(Event), stab *stabilityMonitor, scanDone <-chan struct{}) {
	defer func() {
		w.mu.Lock()
		_ = w.fsw.Close()
		w.closed = true
		w.mu.Unlock()

		stab.Stop()
		<-scanDone
		close(out)
	}()

	for {
		select {
		case <-ctx.Done():
			return

		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			w.handleFsEvent(ctx, ev, emit, stab)

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			emit(Event{Kind: KindError, Err: err, Time: time.Now()})
		}
	}
}

func (w *Watcher) handleFsEvent(ctx context.Context, ev fsnotify.Event, emit func(Event), stab *stabilityMonitor) {
	name := ev.Name

	if ev.Has(fsnotify.Remove) || ev.Has(fsnotify.Rename) {
		// A file that vanishes before it settles must not be reported.
		stab.Cancel(name)
		return
	}

	if ev.Has(fsnotify.Create) {
		if info, err := os.Stat(name); err == nil && info.IsDir() {
			if w.opts.Recursive && !w.filter.Excluded(filepath.Base(name)) {
				// A directory created or moved into the tree: watch it and
				// pick up anything already inside.
				w.scan(ctx, name, emit, stab)
			}
			return
		}
	}

	if (ev.Has(fsnotify.Create) || ev.Has(fsnotify.Write)) && w.filter.Accept(name) {
		stab.Observe(name)
	}
}

// scan walks root, registers directory watches in recursive mode and feeds
// every candidate file through the stability monitor. Per-entry errors skip
// the entry only; they never fail the watcher.
func (w *Watcher) scan(ctx context.Context, root string, emit func(Event), stab *stabilityMonitor) {
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		select {
		case <-ctx.Done():
			return filepath.SkipAll
		default:
		}
		if err != nil {
			if path == root {
				return err
			}
			return nil
		}
		if d.IsDir() {
			if path == root {
				return nil
			}
			if !w.opts.Recursive {
				return filepath.SkipDir
			}
			if w.filter.Excluded(d.Name()) {
				return filepath.SkipDir
			}
			if addErr := w.addWatch(path); addErr != nil {
				emit(Event{Kind: KindError, Err: fmt.Errorf("watch subdirectory %q: %w", path, addErr), Time: time.Now()})
			}
			return nil
		}
		if w.filter.Accept(path) {
			stab.Observe(path)
		}
		return nil
	})
	if err != nil && ctx.Err() == nil {
		emit(Event{Kind: KindError, Err: fmt.Errorf("scan %q: %w", root, err), Time: time.Now()})
	}
}

func (w *Watcher) addWatch(path string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed || w.fsw == nil {
		return nil
	}
	return w.fsw.Add(path)
}

// Close stops the watcher if running.
func (w *Watcher) Close() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.cancel != nil {
		w.cancel()
	}
}
