package agents

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher reloads agents whose bundle directory changes on disk. The layout
// is the one meta.DirProvider reads: <root>/<agent>/*.yaml.
type Watcher struct {
	root     string
	registry *Registry
	debounce time.Duration
	logger   *slog.Logger
	pending  map[string]time.Time
}

func NewWatcher(root string, registry *Registry, debounce time.Duration, logger *slog.Logger) *Watcher {
	if debounce <= 0 {
		debounce = 500 * time.Millisecond
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		root:     filepath.Clean(root),
		registry: registry,
		debounce: debounce,
		logger:   logger,
		pending:  make(map[string]time.Time),
	}
}

// Run blocks until ctx is done.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer fw.Close()

	if err := fw.Add(w.root); err != nil {
		return err
	}
	entries, err := os.ReadDir(w.root)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if e.IsDir() {
			if err := fw.Add(filepath.Join(w.root, e.Name())); err != nil {
				w.logger.Warn("bundle watch failed", "dir", e.Name(), "error", err)
			}
		}
	}
	w.logger.Info("watching agent bundles", "root", w.root)

	tick := time.NewTicker(w.debounce / 4)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			w.handle(fw, ev)
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("bundle watcher error", "error", err)
		case <-tick.C:
			w.flush(ctx)
		}
	}
}

func (w *Watcher) handle(fw *fsnotify.Watcher, ev fsnotify.Event) {
	if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
		return
	}
	rel, err := filepath.Rel(w.root, ev.Name)
	if err != nil {
		return
	}
	parts := strings.Split(filepath.ToSlash(rel), "/")
	switch len(parts) {
	case 1:
		// A new agent directory.
		if ev.Op&fsnotify.Create != 0 {
			if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
				if err := fw.Add(ev.Name); err != nil {
					w.logger.Warn("bundle watch failed", "dir", parts[0], "error", err)
				}
				w.pending[parts[0]] = time.Now()
			}
			return
		}
		if ev.Op&(fsnotify.Remove|fsnotify.Rename) != 0 {
			w.pending[parts[0]] = time.Now()
		}
	case 2:
		ext := strings.ToLower(filepath.Ext(parts[1]))
		if ext == ".yaml" || ext == ".yml" {
			w.pending[parts[0]] = time.Now()
		}
	}
}

func (w *Watcher) flush(ctx context.Context) {
	now := time.Now()
	for agent, at := range w.pending {
		if now.Sub(at) < w.debounce {
			continue
		}
		delete(w.pending, agent)
		rt, err := w.registry.Reload(ctx, agent)
		switch {
		case errors.Is(err, ErrAgentNotFound):
			w.registry.Remove(agent)
			w.logger.Info("agent removed", "agent", agent)
		case err != nil:
			w.logger.Warn("agent reload failed, keeping previous version", "agent", agent, "error", err)
		default:
			w.logger.Info("agent reloaded", "agent", agent, "version", rt.Version)
		}
	}
}
