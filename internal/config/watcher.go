package config

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"

	plexus "github.com/plexusgw/plexus/internal"
)

// Watcher holds the current Config behind a lock-free atomic pointer and
// refreshes it from disk on fsnotify write events, debounced so a single
// editor save (which often fires several Write/Chmod events in quick
// succession) produces one reload, not several. A failed reload keeps
// serving the last-known-good Config and logs the rejection per §7's
// "config invalid is fatal at startup, logged-and-ignored on reload" rule.
type Watcher struct {
	path    string
	current atomic.Pointer[plexus.Config]
}

// NewWatcher loads path once (returning its error verbatim, since a bad
// config at startup is fatal per §7) and returns a Watcher ready to serve
// Current() and, once Start is called, reload on file changes.
func NewWatcher(path string) (*Watcher, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	w := &Watcher{path: path}
	w.current.Store(cfg)
	return w, nil
}

// Current returns the most recently loaded Config. Safe for concurrent use.
func (w *Watcher) Current() *plexus.Config {
	return w.current.Load()
}

// Start watches the config file's directory for writes and reloads on
// change until ctx is cancelled. Watching the directory rather than the
// file itself survives editors that replace the file via rename-on-save
// (the original inode's watch would otherwise go stale).
func (w *Watcher) Start(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer fsw.Close()

	dir := parentDir(w.path)
	if err := fsw.Add(dir); err != nil {
		return err
	}

	const debounce = 100 * time.Millisecond
	var timer *time.Timer
	reload := make(chan struct{}, 1)

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			if !relevantEvent(ev, w.path) {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(debounce, func() {
				select {
				case reload <- struct{}{}:
				default:
				}
			})
		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			slog.Error("config watcher error", "error", err)
		case <-reload:
			cfg, err := Load(w.path)
			if err != nil {
				slog.Error("config reload rejected, keeping previous config", "path", w.path, "error", err)
				continue
			}
			w.current.Store(cfg)
			slog.Info("config reloaded", "path", w.path)
		}
	}
}

func relevantEvent(ev fsnotify.Event, path string) bool {
	if ev.Name != path && !sameBase(ev.Name, path) {
		return false
	}
	return ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) || ev.Has(fsnotify.Rename)
}

func sameBase(a, b string) bool {
	return baseName(a) == baseName(b)
}

func baseName(p string) string {
	for i := len(p) - 1; i >= 0; i-- {
		if p[i] == '/' {
			return p[i+1:]
		}
	}
	return p
}

func parentDir(p string) string {
	for i := len(p) - 1; i >= 0; i-- {
		if p[i] == '/' {
			return p[:i]
		}
	}
	return "."
}
