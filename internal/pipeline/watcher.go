package pipeline

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultDebounceWindow is how long a path must stay quiet before a burst of
// write events collapses into a single Modified event. Transcoders and
// copies write media files in many small chunks; acting on every chunk
// would spawn redundant jobs against half-written files.
const DefaultDebounceWindow = 500 * time.Millisecond

// WatcherConfig configures source-root observation.
type WatcherConfig struct {
	Root       string
	Extensions []string // media extensions to report, e.g. ".mp4"; empty = all
	Debounce   time.Duration
}

// Watcher observes a source directory and emits a lazy, non-restartable
// sequence of lifecycle events. Loss of observation capability is reported
// as a final event carrying ErrObservationLost; it is never dropped
// silently. The consumer decides whether to construct a new Watcher.
type Watcher struct {
	cfg    WatcherConfig
	fsw    *fsnotify.Watcher
	events chan Event
	log    *slog.Logger
}

// NewWatcher establishes observation on cfg.Root. Files already present
// under the root are emitted as Created events when Run starts, so media
// that arrived before the pipeline did still gets transcoded.
func NewWatcher(cfg WatcherConfig, log *slog.Logger) (*Watcher, error) {
	if cfg.Debounce <= 0 {
		cfg.Debounce = DefaultDebounceWindow
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("fsnotify watcher: %w", err)
	}
	if err := fsw.Add(cfg.Root); err != nil {
		_ = fsw.Close()
		return nil, fmt.Errorf("watch %s: %w", cfg.Root, err)
	}

	return &Watcher{
		cfg:    cfg,
		fsw:    fsw,
		events: make(chan Event, 64),
		log:    log,
	}, nil
}

// Events is the event sequence. Closed after a fatal event or when Run
// returns due to context cancellation.
func (w *Watcher) Events() <-chan Event {
	return w.events
}

// Run drives observation until ctx is cancelled or observation is lost.
// It owns the events channel and closes it on return.
func (w *Watcher) Run(ctx context.Context) error {
	defer close(w.events)
	defer func() { _ = w.fsw.Close() }()

	w.emitExisting(ctx)

	// pending holds paths seen Created/Modified that have not yet been
	// quiet for a full debounce window.
	pending := make(map[string]pendingEvent)
	ticker := time.NewTicker(w.cfg.Debounce / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case ev, ok := <-w.fsw.Events:
			if !ok {
				w.emitFatal(ctx, fmt.Errorf("event channel closed: %w", ErrObservationLost))
				return ErrObservationLost
			}
			w.handleFsEvent(ctx, ev, pending)

		case err, ok := <-w.fsw.Errors:
			if !ok {
				w.emitFatal(ctx, fmt.Errorf("error channel closed: %w", ErrObservationLost))
				return ErrObservationLost
			}
			w.emitFatal(ctx, fmt.Errorf("%v: %w", err, ErrObservationLost))
			return ErrObservationLost

		case now := <-ticker.C:
			for path, pe := range pending {
				if now.Sub(pe.last) < w.cfg.Debounce {
					continue
				}
				delete(pending, path)
				w.emit(ctx, Event{Op: pe.op, Path: path})
			}
		}
	}
}

type pendingEvent struct {
	op   EventOp
	last time.Time
}

func (w *Watcher) handleFsEvent(ctx context.Context, ev fsnotify.Event, pending map[string]pendingEvent) {
	if !w.wantPath(ev.Name) {
		return
	}

	switch {
	case ev.Op.Has(fsnotify.Remove) || ev.Op.Has(fsnotify.Rename):
		// Removal is emitted immediately; there is no write burst to wait
		// out, and a queued Created/Modified for the path is now moot.
		delete(pending, ev.Name)
		w.emit(ctx, Event{Op: OpRemoved, Path: ev.Name})

	case ev.Op.Has(fsnotify.Create):
		pending[ev.Name] = pendingEvent{op: OpCreated, last: time.Now()}

	case ev.Op.Has(fsnotify.Write):
		pe, ok := pending[ev.Name]
		if ok && pe.op == OpCreated {
			// Still the initial write burst of a new file.
			pending[ev.Name] = pendingEvent{op: OpCreated, last: time.Now()}
			return
		}
		pending[ev.Name] = pendingEvent{op: OpModified, last: time.Now()}
	}
}

// emitExisting reports files already present under the root as Created.
func (w *Watcher) emitExisting(ctx context.Context) {
	err := filepath.WalkDir(w.cfg.Root, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() || !w.wantPath(path) {
			return err
		}
		w.emit(ctx, Event{Op: OpCreated, Path: path})
		return nil
	})
	if err != nil && !os.IsNotExist(err) {
		w.log.Warn("initial scan failed", slog.String("root", w.cfg.Root), slog.String("error", err.Error()))
	}
}

func (w *Watcher) wantPath(path string) bool {
	if len(w.cfg.Extensions) == 0 {
		return true
	}
	ext := strings.ToLower(filepath.Ext(path))
	for _, want := range w.cfg.Extensions {
		if ext == strings.ToLower(want) {
			return true
		}
	}
	return false
}

func (w *Watcher) emit(ctx context.Context, ev Event) {
	select {
	case w.events <- ev:
	case <-ctx.Done():
	}
}

func (w *Watcher) emitFatal(ctx context.Context, err error) {
	w.log.Error("source observation lost", slog.String("root", w.cfg.Root), slog.String("error", err.Error()))
	w.emit(ctx, Event{Err: err})
}
