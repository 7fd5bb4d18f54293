// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher reloads the config file when it changes on disk.
//
// The parent directory is watched rather than the file, so editors that
// save by rename are handled. Bursts of events are coalesced. A reload
// that fails to parse or validate is logged and the previous config stays
// in effect.
type Watcher struct {
	path     string
	debounce time.Duration
	onChange func(Config)
	logger   *slog.Logger
}

// NewWatcher creates a watcher for path. Nothing happens until Run.
func NewWatcher(path string, logger *slog.Logger, onChange func(Config)) (*Watcher, error) {
	if path == "" {
		return nil, errors.New("config watcher requires a path")
	}
	if onChange == nil {
		return nil, errors.New("config watcher requires a callback")
	}
	if logger == nil {
		logger = slog.Default()
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}
	return &Watcher{
		path:     abs,
		debounce: 200 * time.Millisecond,
		onChange: onChange,
		logger:   logger.With(slog.String("component", "config_watcher"), slog.String("path", abs)),
	}, nil
}

// Run watches until ctx ends.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating file watcher: %w", err)
	}
	defer fw.Close()

	if err := fw.Add(filepath.Dir(w.path)); err != nil {
		return fmt.Errorf("watching %s: %w", filepath.Dir(w.path), err)
	}
	w.logger.Info("watching config file")

	var pending <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				pending = time.After(w.debounce)
			}
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("file watcher error", slog.String("error", err.Error()))
		case <-pending:
			pending = nil
			w.reload()
		}
	}
}

func (w *Watcher) reload() {
	cfg, err := Load(w.path)
	if err != nil {
		w.logger.Error("config reload rejected", slog.String("error", err.Error()))
		return
	}
	w.logger.Info("config reloaded")
	w.onChange(cfg)
}
