package config

import (
	"context"
	"log/slog"
	"os"
	"time"
)

// Watcher polls the config file's metadata and invokes onChange when it was
// rewritten. Polling instead of inotify keeps the behavior identical across
// platforms and survives editors that replace the file.
type Watcher struct {
	path     string
	interval time.Duration
	logger   *slog.Logger
	onChange func()

	lastMod  time.Time
	lastSize int64
}

func NewWatcher(path string, interval time.Duration, logger *slog.Logger, onChange func()) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		path:     path,
		interval: interval,
		logger:   logger.With("component", "config-watcher"),
		onChange: onChange,
	}
}

// Run polls until ctx is cancelled. It always returns nil so it can sit in
// an errgroup without taking the process down.
func (w *Watcher) Run(ctx context.Context) error {
	if info, err := os.Stat(w.path); err == nil {
		w.lastMod = info.ModTime()
		w.lastSize = info.Size()
	}
	w.logger.Info("watching config", "path", w.path, "interval", w.interval)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			w.check()
		}
	}
}

func (w *Watcher) check() {
	info, err := os.Stat(w.path)
	if err != nil {
		// Missing or unreadable between polls; keep the last good state.
		return
	}
	if info.ModTime().Equal(w.lastMod) && info.Size() == w.lastSize {
		return
	}
	w.logger.Info("config file changed", "path", w.path)
	w.lastMod = info.ModTime()
	w.lastSize = info.Size()
	if w.onChange != nil {
		w.onChange()
	}
}
