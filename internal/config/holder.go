// SPDX-License-Identifier: MIT

package config

import (
	"context"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// Holder keeps the current configuration snapshot and optionally hot
// reloads it when the file changes on disk (server.reload).
type Holder struct {
	path   string
	cur    atomic.Pointer[Config]
	logger zerolog.Logger
}

// NewHolder wraps an already-loaded configuration.
func NewHolder(cfg Config, path string, logger zerolog.Logger) *Holder {
	h := &Holder{path: path, logger: logger}
	h.cur.Store(&cfg)
	return h
}

// Current returns the latest configuration snapshot.
func (h *Holder) Current() Config {
	return *h.cur.Load()
}

// Reload re-reads the file and swaps the snapshot. Invalid files are
// rejected and the previous snapshot stays active.
func (h *Holder) Reload() error {
	cfg, err := Load(h.path)
	if err != nil {
		h.logger.Error().Err(err).Str("event", "config.reload_failed").Msg("keeping previous configuration")
		return err
	}
	h.cur.Store(&cfg)
	h.logger.Info().Str("event", "config.reloaded").Str("path", h.path).Msg("configuration reloaded")
	return nil
}

// Watch blocks until ctx is done, reloading on file modification events.
// Editors replace files rather than write in place, so the parent
// directory is watched and events are debounced.
func (h *Holder) Watch(ctx context.Context) error {
	if h.path == "" {
		<-ctx.Done()
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer func() { _ = watcher.Close() }()

	if err := watcher.Add(filepath.Dir(h.path)); err != nil {
		return err
	}

	var debounce *time.Timer
	defer func() {
		if debounce != nil {
			debounce.Stop()
		}
	}()

	target := filepath.Clean(h.path)
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != target {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(250*time.Millisecond, func() { _ = h.Reload() })
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			h.logger.Warn().Err(err).Str("event", "config.watch_error").Msg("config watcher error")
		}
	}
}
