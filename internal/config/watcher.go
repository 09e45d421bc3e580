package config

import (
	"context"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultDebounce collapses the burst of events a single save produces.
const DefaultDebounce = 250 * time.Millisecond

type ReloadEvent struct {
	Path string
	Op   fsnotify.Op
}

// Watcher reports changes to config.yaml. It watches the home directory
// rather than the file so editors that replace the file are still seen.
type Watcher struct {
	homeDir  string
	logger   *slog.Logger
	events   chan ReloadEvent
	debounce time.Duration
}

func NewWatcher(homeDir string, logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		homeDir:  homeDir,
		logger:   logger,
		events:   make(chan ReloadEvent, 16),
		debounce: DefaultDebounce,
	}
}

// SetDebounce changes the quiet period Reload waits for; d <= 0 disables it.
func (w *Watcher) SetDebounce(d time.Duration) {
	w.debounce = d
}

func (w *Watcher) Events() <-chan ReloadEvent {
	return w.events
}

func (w *Watcher) Start(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := fsw.Add(w.homeDir); err != nil {
		_ = fsw.Close()
		return err
	}
	target := filepath.Clean(ConfigPath(w.homeDir))

	go func() {
		defer fsw.Close()
		defer close(w.events)
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-fsw.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != target {
					continue
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				select {
				case w.events <- ReloadEvent{Path: ev.Name, Op: ev.Op}:
				default:
				}
				w.logger.Info("config file changed", "path", ev.Name, "op", ev.Op.String())
			case err, ok := <-fsw.Errors:
				if !ok {
					return
				}
				w.logger.Error("config watcher error", "error", err)
			}
		}
	}()
	return nil
}

// Reload re-reads the configuration once change events have been quiet for
// the debounce period and hands the result to apply, until ctx is done or the
// watcher stops. A config that fails to load is logged and skipped.
func (w *Watcher) Reload(ctx context.Context, apply func(Config)) {
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-w.events:
			if !ok {
				return
			}
			if !w.settle(ctx) {
				return
			}
			cfg, err := LoadFrom(w.homeDir)
			if err != nil {
				w.logger.Warn("config reload rejected", "error", err)
				continue
			}
			apply(cfg)
		}
	}
}

// settle drains events until none arrive for the debounce period. It
// returns false when ctx ends or the watcher stops.
func (w *Watcher) settle(ctx context.Context) bool {
	if w.debounce <= 0 {
		return true
	}
	timer := time.NewTimer(w.debounce)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return false
		case _, ok := <-w.events:
			if !ok {
				return false
			}
			if !timer.Stop() {
				<-timer.C
			}
			timer.Reset(w.debounce)
		case <-timer.C:
			return true
		}
	}
}
