package config

import (
	"context"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// reloadDebounce coalesces the burst of events a single editor save
// produces (truncate, write, chmod, rename).
const reloadDebounce = 200 * time.Millisecond

// ReloadEvent reports that a watched file settled after a change. Op is the
// union of the operations seen during the burst.
type ReloadEvent struct {
	Path string
	Op   fsnotify.Op
}

// Watcher emits a ReloadEvent when config.yaml or SOUL.md in the home
// directory is written, created or renamed into place. The directory is watched rather
// than the file so atomic-rename saves and late creation are seen.
type Watcher struct {
	dir    string
	names  map[string]bool
	logger *slog.Logger
	events chan ReloadEvent
}

func NewWatcher(homeDir string, logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		dir:    homeDir,
		names:  map[string]bool{filepath.Base(ConfigPath(homeDir)): true, soulFile: true},
		logger: logger.With("component", "config"),
		events: make(chan ReloadEvent, 1),
	}
}

// Events is closed when the watcher stops.
func (w *Watcher) Events() <-chan ReloadEvent { return w.events }

// Start begins watching until ctx ends.
func (w *Watcher) Start(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := fsw.Add(w.dir); err != nil {
		_ = fsw.Close()
		return err
	}
	go w.loop(ctx, fsw)
	return nil
}

func (w *Watcher) loop(ctx context.Context, fsw *fsnotify.Watcher) {
	defer close(w.events)
	defer fsw.Close()

	timer := time.NewTimer(reloadDebounce)
	timer.Stop()
	var pending *ReloadEvent
	for {
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case ev, ok := <-fsw.Events:
			if !ok {
				return
			}
			if !w.names[filepath.Base(ev.Name)] || !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			if pending == nil {
				pending = &ReloadEvent{Path: ev.Name}
			}
			pending.Op |= ev.Op
			timer.Reset(reloadDebounce)
		case <-timer.C:
			if pending == nil {
				continue
			}
			w.logger.Info("config file changed", "path", pending.Path, "op", pending.Op.String())
			// A reload already queued covers this one.
			select {
			case w.events <- *pending:
			default:
			}
			pending = nil
		case err, ok := <-fsw.Errors:
			if !ok {
				return
			}
			w.logger.Error("config watcher error", "error", err)
		}
	}
}
